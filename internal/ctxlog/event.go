// Package ctxlog implements the append-only event store that forms the
// durable spine of contextd. Every subsystem writes its domain record here:
// tool executions, review cycles, chunk writes, continuation attempts, mode
// decisions. Events are JSON lines in hour-bucketed segment files.
package ctxlog

import (
	"time"
)

// Actor identifies who caused an event.
type Actor string

const (
	ActorUser       Actor = "user"
	ActorAssistant  Actor = "assistant"
	ActorSystem     Actor = "system"
	ActorTool       Actor = "tool"
	ActorAutonomous Actor = "autonomous"
)

// Event act verbs written by the core subsystems.
const (
	ActToolExecutionStart  = "tool_execution_start"
	ActToolExecutionFinish = "tool_execution_finish"
	ActToolExecutionError  = "tool_execution_error"
	ActRateLimited         = "rate_limited"
	ActAutoContinue        = "auto_continue"
	ActReviewCycle         = "review_cycle"
	ActRegeneration        = "regeneration"
	ActReviewSummary       = "review_summary"
	ActChunkOutline        = "chunk_outline"
	ActChunkWrite          = "chunk_write"
	ActModeDecision        = "mode_decision"
	ActMIPApplied          = "mip_applied"
	ActTurnAborted         = "turn_aborted"
)

// Status values for events that carry an outcome.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Event is one immutable record in the store. Free-form text fields
// (previews, critiques, errors) are redacted and truncated by the producer
// before the event reaches Append; the store never inspects payloads.
//
// Global ordering is (TS, ID); within a segment, write order.
type Event struct {
	ID      string    `json:"id"`
	TS      time.Time `json:"ts"`
	Actor   Actor     `json:"actor"`
	Act     string    `json:"act"`
	ConvID  string    `json:"conv_id,omitempty"`
	TraceID string    `json:"trace_id,omitempty"`
	Iter    int       `json:"iter,omitempty"`
	Name    string    `json:"name,omitempty"`
	Status  string    `json:"status,omitempty"`

	// ElapsedMS is finish minus start for paired events; never negative.
	ElapsedMS int64 `json:"elapsed_ms,omitempty"`

	// Tool execution payload.
	ArgsPreview   string `json:"args_preview,omitempty"`
	ResultPreview string `json:"result_preview,omitempty"`
	Error         string `json:"error,omitempty"`

	// Review payload.
	QualityScore *float64 `json:"quality_score,omitempty"`
	Threshold    *float64 `json:"threshold,omitempty"`
	Accepted     *bool    `json:"accepted,omitempty"`
	Critique     string   `json:"critique,omitempty"`
	Pass         int      `json:"pass,omitempty"`

	// Chunked generation payload.
	ChunkIndex      *int     `json:"chunk_index,omitempty"`
	ChunkLabel      string   `json:"chunk_label,omitempty"`
	ReasoningTokens int      `json:"reasoning_tokens,omitempty"`
	ContentTokens   int      `json:"content_tokens,omitempty"`
	Outline         []string `json:"outline,omitempty"`
	ChunkCount      int      `json:"chunk_count,omitempty"`

	// Continuation / abort payload.
	Reason  string `json:"reason,omitempty"`
	Attempt int    `json:"attempt,omitempty"`

	// Mode heuristic payload.
	Mode       string             `json:"mode,omitempty"`
	Confidence float64            `json:"confidence,omitempty"`
	Scores     map[string]float64 `json:"scores,omitempty"`

	// Telemetry hint payload.
	Hint          string `json:"hint,omitempty"`
	WindowSamples int    `json:"window_samples,omitempty"`
	WindowMatches int    `json:"window_matches,omitempty"`
}

// Float64 returns a pointer for optional numeric event fields.
func Float64(v float64) *float64 { return &v }

// Bool returns a pointer for optional boolean event fields.
func Bool(v bool) *bool { return &v }

// Int returns a pointer for optional integer event fields.
func Int(v int) *int { return &v }
