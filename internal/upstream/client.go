package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Config configures the upstream client.
type Config struct {
	// BaseURL points at any OpenAI-compatible chat-completions server.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the endpoint; may be empty for local
	// servers that ignore it.
	APIKey string `yaml:"api_key"`

	// Model is the default model id when a request does not name one.
	Model string `yaml:"model"`

	// MaxRetries bounds retry attempts on transient request failures.
	// Default: 3.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the base delay for linear backoff. Default: 1s.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// MaxContinuationAttempts bounds resume requests for incomplete
	// output. Default: 2.
	MaxContinuationAttempts int `yaml:"max_continuation_attempts"`
}

// DefaultConfig returns upstream client defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:              3,
		RetryDelay:              time.Second,
		MaxContinuationAttempts: 2,
	}
}

// Client wraps the OpenAI SDK client. Safe for concurrent use; each Stream
// call owns an independent goroutine and channel.
type Client struct {
	api    *openai.Client
	cfg    Config
	logger *slog.Logger
}

// New builds a client for the configured endpoint.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	if cfg.MaxContinuationAttempts <= 0 {
		cfg.MaxContinuationAttempts = DefaultConfig().MaxContinuationAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	return &Client{
		api:    openai.NewClientWithConfig(apiCfg),
		cfg:    cfg,
		logger: logger.With("component", "upstream"),
	}
}

// MaxContinuationAttempts exposes the configured continuation budget.
func (c *Client) MaxContinuationAttempts() int { return c.cfg.MaxContinuationAttempts }

// Complete issues a non-streaming request and returns the full response.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	chatReq := c.buildRequest(req, false)

	var resp openai.ChatCompletionResponse
	var err error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.RetryDelay * time.Duration(attempt)):
			}
		}
		resp, err = c.api.CreateChatCompletion(ctx, chatReq)
		if err == nil {
			break
		}
		if !isRetryable(err) {
			return nil, fmt.Errorf("upstream: %w", err)
		}
		c.logger.Warn("upstream request failed, retrying", "attempt", attempt+1, "error", err)
	}
	if err != nil {
		return nil, fmt.Errorf("upstream: retries exhausted: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("upstream: empty choices")
	}

	choice := resp.Choices[0]
	out := &Response{
		Content:   choice.Message.Content,
		Reasoning: choice.Message.ReasoningContent,
		Stop:      mapFinishReason(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// Stream issues a streaming request. The returned channel delivers deltas
// as they arrive and is closed after the terminal chunk. Cancelling ctx
// terminates the stream after draining any buffered delta.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	chatReq := c.buildRequest(req, true)

	var stream *openai.ChatCompletionStream
	var err error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.RetryDelay * time.Duration(attempt)):
			}
		}
		stream, err = c.api.CreateChatCompletionStream(ctx, chatReq)
		if err == nil {
			break
		}
		if !isRetryable(err) {
			return nil, fmt.Errorf("upstream: %w", err)
		}
		c.logger.Warn("upstream stream failed, retrying", "attempt", attempt+1, "error", err)
	}
	if err != nil {
		return nil, fmt.Errorf("upstream: retries exhausted: %w", err)
	}

	out := make(chan Chunk)
	go c.pump(ctx, stream, out)
	return out, nil
}

// pump converts SDK stream events into Chunks, accumulating tool call
// fragments across deltas by index.
func (c *Client) pump(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- Chunk) {
	defer close(out)
	defer stream.Close()

	pending := make(map[int]*ToolCall)
	var order []int

	flushToolCalls := func() {
		for _, idx := range order {
			tc := pending[idx]
			if tc.ID != "" && tc.Name != "" {
				out <- Chunk{ToolCall: tc}
			}
		}
		pending = make(map[int]*ToolCall)
		order = nil
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushToolCalls()
				out <- Chunk{Done: true, Stop: StopStop}
				return
			}
			if ctx.Err() != nil {
				out <- Chunk{Done: true, Stop: StopCancelled, Err: ctx.Err()}
				return
			}
			out <- Chunk{Done: true, Stop: StopError, Err: err}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			out <- Chunk{Content: delta.Content}
		}
		if delta.ReasoningContent != "" {
			out <- Chunk{Reasoning: delta.ReasoningContent}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			cur, ok := pending[idx]
			if !ok {
				cur = &ToolCall{}
				pending[idx] = cur
				order = append(order, idx)
			}
			if tc.ID != "" {
				cur.ID = tc.ID
			}
			if tc.Function.Name != "" {
				cur.Name = tc.Function.Name
			}
			cur.Arguments += tc.Function.Arguments
		}

		if choice.FinishReason != "" {
			stop := mapFinishReason(choice.FinishReason)
			if stop == StopToolCalls {
				flushToolCalls()
			}
			out <- Chunk{Done: true, Stop: stop}
			return
		}
	}
}

func (c *Client) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Stream:      stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		chatReq.Messages = append(chatReq.Messages, msg)
	}

	for _, t := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return chatReq
}

func mapFinishReason(r openai.FinishReason) StopReason {
	switch r {
	case openai.FinishReasonStop:
		return StopStop
	case openai.FinishReasonLength:
		return StopLength
	case openai.FinishReasonToolCalls:
		return StopToolCalls
	default:
		return StopStop
	}
}

// isRetryable reports whether the request should be retried: rate limits
// and server-side errors are, auth and validation errors are not.
func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	// Transport-level errors (connection reset, refused) are retryable.
	return true
}
