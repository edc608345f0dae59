package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/contextd/contextd/internal/ctxlog"
	"github.com/contextd/contextd/internal/upstream"
)

// ChunkedConfig tunes chunked generation.
type ChunkedConfig struct {
	// MaxChunks bounds the outline length. Default: 5.
	MaxChunks int `yaml:"max_chunks"`

	// TokensPerChunk caps one chunk's completion. Default: 1024.
	TokensPerChunk int `yaml:"tokens_per_chunk"`

	// OutlineRetries bounds re-asks on unparseable outlines. Default: 2.
	OutlineRetries int `yaml:"outline_retries"`

	// PriorChunkBudgetBytes bounds how much already-written text rides in
	// each chunk prompt before switching to head summaries. Default: 8192.
	PriorChunkBudgetBytes int `yaml:"prior_chunk_budget_bytes"`
}

// DefaultChunkedConfig returns chunked generation defaults.
func DefaultChunkedConfig() ChunkedConfig {
	return ChunkedConfig{
		MaxChunks:             5,
		TokensPerChunk:        1024,
		OutlineRetries:        2,
		PriorChunkBudgetBytes: 8192,
	}
}

// Chunked generates long answers as an outline followed by sequentially
// written labeled sections, merged in order.
type Chunked struct {
	client Completer
	store  *ctxlog.Store
	cfg    ChunkedConfig
	logger *slog.Logger
}

// NewChunked wires the chunked orchestrator.
func NewChunked(client Completer, store *ctxlog.Store, cfg ChunkedConfig, logger *slog.Logger) *Chunked {
	def := DefaultChunkedConfig()
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = def.MaxChunks
	}
	if cfg.TokensPerChunk <= 0 {
		cfg.TokensPerChunk = def.TokensPerChunk
	}
	if cfg.OutlineRetries <= 0 {
		cfg.OutlineRetries = def.OutlineRetries
	}
	if cfg.PriorChunkBudgetBytes <= 0 {
		cfg.PriorChunkBudgetBytes = def.PriorChunkBudgetBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chunked{
		client: client,
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "chunked"),
	}
}

// Run plans an outline, writes each chunk in order, and merges. A failed
// chunk is retried once; on a second failure the manifest keeps the
// completed prefix and the result carries the failed index.
func (c *Chunked) Run(ctx context.Context, req Request) (*Result, error) {
	fillIDs(&req)

	res := &Result{
		ConvID:  req.ConvID,
		TraceID: req.TraceID,
		Debug:   Debug{Mode: ModeChunked},
	}

	outline, err := c.planOutline(ctx, req)
	if err != nil {
		return nil, err
	}
	manifest := &ChunkManifest{Outline: outline}
	res.Debug.Chunked = manifest

	for i, label := range outline {
		if ctx.Err() != nil {
			emit(ctx, c.store, c.logger, &ctxlog.Event{
				Actor:      ctxlog.ActorAssistant,
				Act:        ctxlog.ActTurnAborted,
				ConvID:     req.ConvID,
				TraceID:    req.TraceID,
				ChunkIndex: ctxlog.Int(i),
				Status:     ctxlog.StatusError,
				Reason:     "cancelled",
			})
			res.Content = mergeChunks(manifest.Chunks)
			res.Stop = upstream.StopCancelled
			return res, nil
		}

		chunk, werr := c.writeChunk(ctx, req, manifest, i, label, "")
		if werr != nil {
			c.logger.Warn("chunk write failed, retrying once", "index", i, "error", werr)
			chunk, werr = c.writeChunk(ctx, req, manifest, i, label, "")
		}
		if werr != nil {
			manifest.FailedIndex = ctxlog.Int(i)
			res.Content = mergeChunks(manifest.Chunks)
			res.Stop = upstream.StopError
			res.Debug.Error = fmt.Sprintf("chunk %d (%s) failed: %v", i, label, werr)
			return res, nil
		}
		manifest.Chunks = append(manifest.Chunks, chunk)
	}

	res.Content = mergeChunks(manifest.Chunks)
	res.Stop = upstream.StopStop
	return res, nil
}

// planOutline asks for section labels, retrying on unparseable responses.
// When every retry fails the answer degrades to a single unlabeled section
// rather than failing the turn.
func (c *Chunked) planOutline(ctx context.Context, req Request) ([]string, error) {
	prompt := fmt.Sprintf(
		"Plan the structure of an answer to the request below. Reply with a numbered list of at most %d short section titles, nothing else.\n\nRequest:\n%s",
		c.cfg.MaxChunks, lastUserText(req.Messages))

	start := time.Now()
	var outline []string
	var lastErr error
	for attempt := 0; attempt <= c.cfg.OutlineRetries; attempt++ {
		resp, err := c.client.Complete(ctx, upstream.Request{
			Model: req.Model,
			Messages: []upstream.Message{
				{Role: upstream.RoleUser, Content: prompt},
			},
		})
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, err
			}
			continue
		}
		outline = parseOutline(resp.Content, c.cfg.MaxChunks)
		if len(outline) > 0 {
			break
		}
		lastErr = fmt.Errorf("no outline found in response")
	}
	if len(outline) == 0 {
		if ctx.Err() != nil {
			return nil, lastErr
		}
		c.logger.Warn("outline parsing failed, degrading to a single section", "error", lastErr)
		outline = []string{"Answer"}
	}

	emit(ctx, c.store, c.logger, &ctxlog.Event{
		Actor:      ctxlog.ActorAssistant,
		Act:        ctxlog.ActChunkOutline,
		ConvID:     req.ConvID,
		TraceID:    req.TraceID,
		Outline:    outline,
		ChunkCount: len(outline),
		ElapsedMS:  time.Since(start).Milliseconds(),
	})
	return outline, nil
}

// writeChunk produces one labeled section. extra carries a critique when a
// reviewer asked for this chunk to be redone.
func (c *Chunked) writeChunk(ctx context.Context, req Request, manifest *ChunkManifest, index int, label, extra string) (Chunk, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "You are writing section %d of %d of an answer.\n\nRequest:\n%s\n\nOutline:\n",
		index+1, len(manifest.Outline), lastUserText(req.Messages))
	for i, l := range manifest.Outline {
		fmt.Fprintf(&prompt, "%d. %s\n", i+1, l)
	}
	if prior := c.renderPrior(manifest.Chunks); prior != "" {
		prompt.WriteString("\nAlready written:\n")
		prompt.WriteString(prior)
	}
	if extra != "" {
		prompt.WriteString("\nReviewer critique to address:\n")
		prompt.WriteString(extra)
	}
	fmt.Fprintf(&prompt, "\nWrite only the body of section %d, %q. Do not repeat earlier sections or write later ones.", index+1, label)

	start := time.Now()
	resp, err := c.client.Complete(ctx, upstream.Request{
		Model:     req.Model,
		Messages:  []upstream.Message{{Role: upstream.RoleUser, Content: prompt.String()}},
		MaxTokens: c.cfg.TokensPerChunk,
	})
	if err != nil {
		return Chunk{}, err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return Chunk{}, fmt.Errorf("empty chunk body")
	}

	chunk := Chunk{
		Index:           index,
		Label:           label,
		Content:         strings.TrimSpace(resp.Content),
		ReasoningTokens: estimateTokens(resp.Reasoning),
		ContentTokens:   estimateTokens(resp.Content),
	}
	emit(ctx, c.store, c.logger, &ctxlog.Event{
		Actor:           ctxlog.ActorAssistant,
		Act:             ctxlog.ActChunkWrite,
		ConvID:          req.ConvID,
		TraceID:         req.TraceID,
		ChunkIndex:      ctxlog.Int(index),
		ChunkLabel:      label,
		ReasoningTokens: chunk.ReasoningTokens,
		ContentTokens:   chunk.ContentTokens,
		ElapsedMS:       time.Since(start).Milliseconds(),
	})
	return chunk, nil
}

// renderPrior shows already-written chunks to the model, switching to head
// excerpts when the total exceeds the prompt budget.
func (c *Chunked) renderPrior(chunks []Chunk) string {
	if len(chunks) == 0 {
		return ""
	}
	total := 0
	for _, ch := range chunks {
		total += len(ch.Content)
	}
	perChunk := 0
	if total > c.cfg.PriorChunkBudgetBytes {
		perChunk = c.cfg.PriorChunkBudgetBytes / len(chunks)
	}

	var b strings.Builder
	for _, ch := range chunks {
		body := ch.Content
		if perChunk > 0 && len(body) > perChunk {
			body = body[:perChunk] + "…"
		}
		fmt.Fprintf(&b, "### %s\n%s\n", ch.Label, body)
	}
	return b.String()
}

// mergeChunks concatenates chunk bodies under their label headings.
func mergeChunks(chunks []Chunk) string {
	var b strings.Builder
	for i, ch := range chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n\n%s", ch.Label, ch.Content)
	}
	return b.String()
}

var (
	numberedItem = regexp.MustCompile(`^\s*\d+[.)]\s+(.+)$`)
	bulletedItem = regexp.MustCompile(`^\s*[-*•]\s+(.+)$`)
)

// parseOutline extracts section labels with tolerant heuristics: a JSON
// string array, a numbered list, or a bulleted list, in that order.
func parseOutline(text string, max int) []string {
	trimmed := strings.TrimSpace(text)

	if start := strings.IndexByte(trimmed, '['); start >= 0 {
		if end := strings.LastIndexByte(trimmed, ']'); end > start {
			var arr []string
			if err := json.Unmarshal([]byte(trimmed[start:end+1]), &arr); err == nil {
				return capOutline(arr, max)
			}
		}
	}

	var numbered, bulleted []string
	for _, line := range strings.Split(trimmed, "\n") {
		if m := numberedItem.FindStringSubmatch(line); m != nil {
			numbered = append(numbered, cleanLabel(m[1]))
		} else if m := bulletedItem.FindStringSubmatch(line); m != nil {
			bulleted = append(bulleted, cleanLabel(m[1]))
		}
	}
	if len(numbered) > 0 {
		return capOutline(numbered, max)
	}
	return capOutline(bulleted, max)
}

func capOutline(labels []string, max int) []string {
	out := labels[:0:0]
	for _, l := range labels {
		l = cleanLabel(l)
		if l == "" {
			continue
		}
		out = append(out, l)
		if len(out) == max {
			break
		}
	}
	return out
}

func cleanLabel(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"'`+"`*")
}
