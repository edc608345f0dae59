// Package tools implements the guarded tool execution plane: a closed
// catalog of schema-bound operations, an allowlist with gate flags, argument
// validation, and an executor that rate-limits, audits and bounds every run.
package tools

import (
	"context"
)

// Gate names for tools that need an explicit configuration flag in addition
// to allowlist membership.
const (
	GateShell     = "shell"
	GateFileWrite = "file_write"
)

// Tool is one side-effecting operation invocable by model tool-calls.
// Execute receives unredacted, already-validated arguments and returns the
// raw result text; redaction happens only on the logging path.
type Tool interface {
	Name() string
	Descriptor() Descriptor
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Param describes one argument in a tool schema.
type Param struct {
	// Type is one of: string, number, integer, boolean, array, object.
	Type string `json:"type"`

	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`

	// MaxLength bounds string length in bytes when > 0.
	MaxLength int `json:"max_length,omitempty"`

	// MaxItems bounds array length when > 0.
	MaxItems int `json:"max_items,omitempty"`

	// Min and Max bound numeric values when set.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`

	// Enum restricts the value to the listed members when non-empty.
	Enum []any `json:"enum,omitempty"`

	// Items is the schema for array elements.
	Items *Param `json:"items,omitempty"`

	// Fields is the schema for object members.
	Fields map[string]*Param `json:"fields,omitempty"`

	// PassThrough permits unknown members on an object value.
	PassThrough bool `json:"pass_through,omitempty"`
}

// Descriptor is the process-wide, startup-registered description of a tool.
type Descriptor struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Params      map[string]*Param `json:"params"`

	// PassThrough permits unknown top-level arguments.
	PassThrough bool `json:"-"`

	// Gate names the config flag that must be on for this tool to run,
	// empty for ungated tools.
	Gate string `json:"-"`
}

// FuncTool adapts a plain function into a Tool. Most builtins are FuncTools.
type FuncTool struct {
	Desc Descriptor
	Fn   func(ctx context.Context, args map[string]any) (string, error)
}

func (t *FuncTool) Name() string           { return t.Desc.Name }
func (t *FuncTool) Descriptor() Descriptor { return t.Desc }

func (t *FuncTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.Fn(ctx, args)
}

// strArg returns a string argument, empty when absent or mistyped. Only for
// use after validation has passed.
func strArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// intArg returns an integer argument with a fallback default.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}
