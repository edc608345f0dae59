// Package orchestrate drives assistant turns against the upstream model:
// the tool loop, iterative review, chunked long-form generation, and the
// combined strategies, plus the mode heuristic and the telemetry hint
// injector that steer them.
package orchestrate

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/contextd/contextd/internal/ctxlog"
	"github.com/contextd/contextd/internal/upstream"
)

// Mode selects the orchestration strategy for a turn.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeReview   Mode = "review"
	ModeChunked  Mode = "chunked"
	ModeCombined Mode = "combined"
)

// Completer is the slice of the upstream client the orchestrators need.
// *upstream.Client satisfies it; tests substitute scripted fakes.
type Completer interface {
	Complete(ctx context.Context, req upstream.Request) (*upstream.Response, error)
	Stream(ctx context.Context, req upstream.Request) (<-chan upstream.Chunk, error)
	MaxContinuationAttempts() int
}

// Request is one assistant turn.
type Request struct {
	ConvID   string
	TraceID  string
	Model    string
	Messages []upstream.Message

	// Mode overrides the heuristic when non-empty.
	Mode Mode

	// OnDelta, when set, receives content and reasoning deltas as they
	// stream in. Called from the orchestrator goroutine; must not block.
	OnDelta func(upstream.Chunk)
}

// ReviewCycle is one critique pass record. Chunk-scoped cycles carry the
// chunk index and label; merged-answer cycles leave them unset.
type ReviewCycle struct {
	Pass       int     `json:"pass"`
	Score      float64 `json:"quality_score"`
	Accepted   bool    `json:"accepted"`
	Critique   string  `json:"critique,omitempty"`
	ChunkIndex *int    `json:"chunk_index,omitempty"`
	ChunkLabel string  `json:"chunk_label,omitempty"`
}

// ReviewDebug summarizes the review loop for the debug block.
type ReviewDebug struct {
	Cycles    []ReviewCycle `json:"cycles"`
	Threshold float64       `json:"threshold"`
	BestPass  int           `json:"best_pass"`
	Accepted  bool          `json:"accepted"`
}

// Chunk is one written section of a chunked answer.
type Chunk struct {
	Index           int    `json:"index"`
	Label           string `json:"label"`
	Content         string `json:"content"`
	ReasoningTokens int    `json:"reasoning_tokens,omitempty"`
	ContentTokens   int    `json:"content_tokens,omitempty"`
}

// ChunkManifest records the outline and the chunks actually produced. On a
// chunk failure the manifest holds the completed prefix and FailedIndex
// names the chunk that could not be written.
type ChunkManifest struct {
	Outline     []string `json:"outline"`
	Chunks      []Chunk  `json:"chunks"`
	FailedIndex *int     `json:"failed_index,omitempty"`
}

// Debug is the structured diagnostics block attached to every result.
type Debug struct {
	Mode          Mode           `json:"mode"`
	Iterations    int            `json:"iterations,omitempty"`
	ToolCalls     int            `json:"tool_calls,omitempty"`
	Continuations int            `json:"continuations,omitempty"`
	Review        *ReviewDebug   `json:"review,omitempty"`
	Chunked       *ChunkManifest `json:"chunked,omitempty"`
	Hint          string         `json:"hint,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Result is the assembled outcome of a turn. Content is always present,
// possibly empty; errors during the turn surface in Stop and Debug.Error,
// never as raw traces.
type Result struct {
	ConvID    string              `json:"conv_id"`
	TraceID   string              `json:"trace_id"`
	Content   string              `json:"content"`
	Reasoning string              `json:"reasoning,omitempty"`
	Stop      upstream.StopReason `json:"stop_reason"`
	Debug     Debug               `json:"debug"`
}

// Orchestrator runs one turn to completion.
type Orchestrator interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// fillIDs assigns conversation and trace ids when the caller omitted them.
func fillIDs(req *Request) {
	if req.ConvID == "" {
		req.ConvID = uuid.NewString()
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
}

// emit appends an event, detached from turn cancellation so aborts still
// get recorded. Store failures are logged and swallowed.
func emit(ctx context.Context, store *ctxlog.Store, logger *slog.Logger, e *ctxlog.Event) {
	if store == nil {
		return
	}
	if err := store.Append(context.WithoutCancel(ctx), e); err != nil {
		logger.Error("event append failed", "act", e.Act, "error", err)
	}
}

// estimateTokens is the rough chars/4 heuristic used when the upstream
// protocol does not report usage.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}
