package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/contextd/contextd/internal/completeness"
	"github.com/contextd/contextd/internal/ctxlog"
	"github.com/contextd/contextd/internal/tools"
	"github.com/contextd/contextd/internal/upstream"
)

// LoopConfig tunes the tool loop.
type LoopConfig struct {
	// MaxIterations bounds upstream round trips per turn. Default: 8.
	MaxIterations int `yaml:"max_iterations"`

	// MaxTokens caps one upstream response; zero leaves it to the server.
	MaxTokens int `yaml:"max_tokens"`

	Temperature float32 `yaml:"temperature"`
}

// DefaultLoopConfig returns tool loop defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{MaxIterations: 8}
}

// ToolLoop is the base orchestrator: completion, tool dispatch, and
// continuation of incomplete output, repeated until the model settles.
type ToolLoop struct {
	client   Completer
	exec     *tools.Executor
	detector *completeness.Detector
	store    *ctxlog.Store
	cfg      LoopConfig
	logger   *slog.Logger
}

// NewToolLoop wires the base orchestrator.
func NewToolLoop(client Completer, exec *tools.Executor, detector *completeness.Detector, store *ctxlog.Store, cfg LoopConfig, logger *slog.Logger) *ToolLoop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultLoopConfig().MaxIterations
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolLoop{
		client:   client,
		exec:     exec,
		detector: detector,
		store:    store,
		cfg:      cfg,
		logger:   logger.With("component", "tool_loop"),
	}
}

// Run drives the loop. Tool calls within one assistant turn execute
// sequentially in emission order, each under a child trace id derived from
// the turn's trace id. A rate-limited tool call aborts the turn; any other
// tool error is reflected back to the model as a tool-role message.
func (l *ToolLoop) Run(ctx context.Context, req Request) (*Result, error) {
	fillIDs(&req)

	res := &Result{
		ConvID:  req.ConvID,
		TraceID: req.TraceID,
		Debug:   Debug{Mode: ModeStandard},
	}

	messages := append([]upstream.Message(nil), req.Messages...)
	catalog := l.catalog()

	var draft, reasoning strings.Builder
	toolSeq := 0
	continuing := false

	for iter := 0; iter < l.cfg.MaxIterations; iter++ {
		res.Debug.Iterations = iter + 1

		upReq := upstream.Request{
			Model:       req.Model,
			Messages:    messages,
			Tools:       catalog,
			MaxTokens:   l.cfg.MaxTokens,
			Temperature: l.cfg.Temperature,
		}
		if continuing {
			upReq = upstream.ContinuationRequest(upReq, draft.String())
			upReq.Tools = nil
			continuing = false
		}

		seg, err := l.consume(ctx, req, upReq)
		if err != nil {
			if draft.Len() == 0 {
				return nil, err
			}
			res.Content = draft.String()
			res.Reasoning = reasoning.String()
			res.Stop = upstream.StopError
			res.Debug.Error = err.Error()
			return res, nil
		}

		draft.WriteString(seg.content)
		reasoning.WriteString(seg.reasoning)

		switch seg.stop {
		case upstream.StopCancelled:
			emit(ctx, l.store, l.logger, &ctxlog.Event{
				Actor:   ctxlog.ActorAssistant,
				Act:     ctxlog.ActTurnAborted,
				ConvID:  req.ConvID,
				TraceID: req.TraceID,
				Iter:    iter,
				Status:  ctxlog.StatusError,
				Reason:  "cancelled",
			})
			res.Content = draft.String()
			res.Reasoning = reasoning.String()
			res.Stop = upstream.StopCancelled
			return res, nil

		case upstream.StopError:
			res.Content = draft.String()
			res.Reasoning = reasoning.String()
			res.Stop = upstream.StopError
			if seg.err != nil {
				res.Debug.Error = seg.err.Error()
			}
			return res, nil
		}

		if len(seg.toolCalls) > 0 {
			assistant := upstream.Message{
				Role:      upstream.RoleAssistant,
				Content:   seg.content,
				ToolCalls: seg.toolCalls,
			}
			messages = append(messages, assistant)

			for _, call := range seg.toolCalls {
				childTrace := fmt.Sprintf("%s.%d", req.TraceID, toolSeq)
				toolSeq++
				res.Debug.ToolCalls++

				body, terr := l.dispatch(ctx, call, tools.RunOpts{
					ConvID:  req.ConvID,
					TraceID: childTrace,
					Iter:    iter,
				})
				if terr != nil && terr.Kind == tools.KindRateLimited {
					res.Content = draft.String()
					res.Reasoning = reasoning.String()
					res.Stop = upstream.StopError
					res.Debug.Error = terr.Error()
					return res, nil
				}
				messages = append(messages, upstream.Message{
					Role:       upstream.RoleTool,
					Content:    body,
					Name:       call.Name,
					ToolCallID: call.ID,
				})
			}
			continue
		}

		report := l.detector.Classify(draft.String(), seg.stop)
		if !report.Complete && continuable(report.Reason) &&
			res.Debug.Continuations < l.client.MaxContinuationAttempts() {
			res.Debug.Continuations++
			emit(ctx, l.store, l.logger, &ctxlog.Event{
				Actor:   ctxlog.ActorAssistant,
				Act:     ctxlog.ActAutoContinue,
				ConvID:  req.ConvID,
				TraceID: req.TraceID,
				Iter:    iter,
				Reason:  string(report.Reason),
				Attempt: res.Debug.Continuations,
			})
			continuing = true
			continue
		}

		res.Content = draft.String()
		res.Reasoning = reasoning.String()
		res.Stop = seg.stop
		return res, nil
	}

	// Iteration budget exhausted; return whatever is assembled.
	res.Content = draft.String()
	res.Reasoning = reasoning.String()
	res.Stop = upstream.StopLength
	return res, nil
}

// continuable reports whether an incompleteness reason warrants a resume
// request.
func continuable(r completeness.Reason) bool {
	switch r {
	case completeness.ReasonShort, completeness.ReasonPunct,
		completeness.ReasonFence, completeness.ReasonLength:
		return true
	}
	return false
}

// segment is one upstream response, assembled from the stream.
type segment struct {
	content   string
	reasoning string
	toolCalls []upstream.ToolCall
	stop      upstream.StopReason
	err       error
}

// consume drains one upstream stream into a segment, forwarding deltas to
// the caller's sink.
func (l *ToolLoop) consume(ctx context.Context, req Request, upReq upstream.Request) (*segment, error) {
	ch, err := l.client.Stream(ctx, upReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}

	seg := &segment{stop: upstream.StopStop}
	var content, reasoning strings.Builder
	for chunk := range ch {
		if req.OnDelta != nil && (chunk.Content != "" || chunk.Reasoning != "") {
			req.OnDelta(chunk)
		}
		content.WriteString(chunk.Content)
		reasoning.WriteString(chunk.Reasoning)
		if chunk.ToolCall != nil {
			seg.toolCalls = append(seg.toolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			seg.stop = chunk.Stop
			seg.err = chunk.Err
		}
	}
	seg.content = content.String()
	seg.reasoning = reasoning.String()
	return seg, nil
}

// dispatch runs one tool call and renders the tool-role message body. Tool
// errors other than rate limiting become structured error payloads the
// model can react to.
func (l *ToolLoop) dispatch(ctx context.Context, call upstream.ToolCall, opts tools.RunOpts) (string, *tools.ToolError) {
	var args map[string]any
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			body, _ := json.Marshal(map[string]any{
				"error": map[string]any{
					"kind":    string(tools.KindValidationError),
					"message": fmt.Sprintf("tool arguments are not valid JSON: %v", err),
				},
			})
			return string(body), nil
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	result, terr := l.exec.Run(ctx, call.Name, args, opts)
	if terr == nil {
		return result, nil
	}
	if terr.Kind == tools.KindRateLimited {
		return "", terr
	}
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"kind":    string(terr.Kind),
			"message": terr.Message,
			"details": terr.Details,
		},
	})
	return string(body), terr
}

// catalog renders the allowlisted tools as upstream tool specs.
func (l *ToolLoop) catalog() []upstream.ToolSpec {
	if l.exec == nil {
		return nil
	}
	reg := l.exec.Registry()
	allowed := make(map[string]struct{})
	for _, name := range reg.Allowlist() {
		allowed[name] = struct{}{}
	}
	var out []upstream.ToolSpec
	for _, desc := range reg.List() {
		if _, ok := allowed[desc.Name]; !ok {
			continue
		}
		out = append(out, upstream.ToolSpec{
			Name:        desc.Name,
			Description: desc.Description,
			Parameters:  desc.JSONSchema(),
		})
	}
	return out
}
