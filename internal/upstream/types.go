// Package upstream talks to the OpenAI-compatible completion endpoint. It
// surfaces streaming deltas, accumulated tool calls and stop reasons, and
// builds continuation requests for incomplete generations.
package upstream

// Message is one chat message in the upstream wire shape.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a model-emitted instruction to run a named tool. Arguments is
// the raw JSON string as streamed by the endpoint.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec describes one catalog entry in the request payload.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is a completion request.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float32
}

// StopReason classifies why a generation ended.
type StopReason string

const (
	StopStop      StopReason = "stop"
	StopLength    StopReason = "length"
	StopToolCalls StopReason = "tool_calls"
	StopError     StopReason = "error"
	StopCancelled StopReason = "cancelled"
)

// Chunk is one streaming delta. ToolCall chunks carry fully accumulated
// calls and are emitted once the endpoint signals completion. Exactly one
// terminal chunk (Done true) closes every stream.
type Chunk struct {
	Content   string
	Reasoning string
	ToolCall  *ToolCall
	Stop      StopReason
	Err       error
	Done      bool
}

// Response is a fully assembled completion.
type Response struct {
	Content   string
	Reasoning string
	ToolCalls []ToolCall
	Stop      StopReason
}
