package tools

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"
)

func staticTool(name, gate string, params map[string]*Param) Tool {
	return &FuncTool{
		Desc: Descriptor{Name: name, Description: name, Params: params, Gate: gate},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return "ok", nil
		},
	}
}

func TestRegisterRejectsDuplicatesAndFrozen(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(staticTool("echo", "", nil)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(staticTool("echo", "", nil)); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if err := r.Freeze(nil, Gates{}); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := r.Register(staticTool("late", "", nil)); err == nil {
		t.Error("expected registration after freeze to fail")
	}
	if err := r.Freeze(nil, Gates{}); err == nil {
		t.Error("expected double freeze to fail")
	}
}

func TestDefaultAllowlistExcludesGatedTools(t *testing.T) {
	r := NewRegistry()
	r.Register(staticTool("echo", "", nil))
	r.Register(staticTool("shell_exec", GateShell, nil))
	r.Register(staticTool("write_file", GateFileWrite, nil))
	if err := r.Freeze(nil, Gates{}); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	allow := r.Allowlist()
	if len(allow) != 1 || allow[0] != "echo" {
		t.Errorf("allowlist = %v, want [echo]", allow)
	}
}

func TestGateFlagOpensGatedTool(t *testing.T) {
	r := NewRegistry()
	r.Register(staticTool("write_file", GateFileWrite, map[string]*Param{
		"path": {Type: "string", Required: true},
	}))
	if err := r.Freeze(nil, Gates{AllowFileWrite: true}); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if verr := r.Validate("write_file", map[string]any{"path": "a"}); verr != nil {
		t.Errorf("expected gated tool to validate with gate open, got %v", verr)
	}
}

func TestValidateUnknownAndGated(t *testing.T) {
	r := NewRegistry()
	r.Register(staticTool("echo", "", nil))
	r.Register(staticTool("get_time", "", nil))
	r.Register(staticTool("write_file", GateFileWrite, nil))
	if err := r.Freeze([]string{"echo", "get_time"}, Gates{}); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	verr := r.Validate("no_such_tool", nil)
	if verr == nil || verr.Kind != KindToolUnknown {
		t.Errorf("unknown tool: got %v, want ToolUnknown", verr)
	}

	verr = r.Validate("write_file", map[string]any{"path": "a", "content": "b"})
	if verr == nil || verr.Kind != KindToolGated {
		t.Fatalf("gated tool: got %v, want ToolGated", verr)
	}
	if !strings.Contains(verr.Message, "write_file") {
		t.Errorf("message should name the tool: %q", verr.Message)
	}
	for _, name := range []string{"echo", "get_time"} {
		if !strings.Contains(verr.Message, name) {
			t.Errorf("message should echo allowlisted name %s: %q", name, verr.Message)
		}
	}
}

func TestFreezeRejectsUnknownAllowlistEntry(t *testing.T) {
	r := NewRegistry()
	r.Register(staticTool("echo", "", nil))
	if err := r.Freeze([]string{"echo", "phantom"}, Gates{}); err == nil {
		t.Error("expected freeze to reject unknown allowlist entry")
	}
}

func validationRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	r.Register(staticTool("probe", "", map[string]*Param{
		"name":  {Type: "string", Required: true, MaxLength: 8},
		"count": {Type: "integer", Min: floatPtr(1), Max: floatPtr(10)},
		"level": {Type: "string", Enum: []any{"low", "high"}},
		"tags":  {Type: "array", MaxItems: 2, Items: &Param{Type: "string"}},
		"opts": {Type: "object", Fields: map[string]*Param{
			"deep": {Type: "boolean", Required: true},
		}},
	}))
	if err := r.Freeze(nil, Gates{}); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	return r
}

func TestValidateSchemaRules(t *testing.T) {
	r := validationRegistry(t)

	tests := []struct {
		name string
		args map[string]any
		ok   bool
		want string // substring expected among violations
	}{
		{"valid minimal", map[string]any{"name": "a"}, true, ""},
		{"valid full", map[string]any{"name": "ab", "count": 3, "level": "low", "tags": []any{"x"}, "opts": map[string]any{"deep": true}}, true, ""},
		{"missing required", map[string]any{}, false, "name"},
		{"wrong type", map[string]any{"name": 7}, false, "string"},
		{"integer with fraction", map[string]any{"name": "a", "count": 2.5}, false, "integer"},
		{"integer as whole float", map[string]any{"name": "a", "count": float64(3)}, true, ""},
		{"string too long", map[string]any{"name": "waytoolongname"}, false, "length"},
		{"array too long", map[string]any{"name": "a", "tags": []any{"x", "y", "z"}}, false, "items"},
		{"range low", map[string]any{"name": "a", "count": 0}, false, ">="},
		{"range high", map[string]any{"name": "a", "count": 11}, false, "<="},
		{"enum violation", map[string]any{"name": "a", "level": "mid"}, false, "value"},
		{"nested object missing field", map[string]any{"name": "a", "opts": map[string]any{}}, false, "deep"},
		{"nested item type", map[string]any{"name": "a", "tags": []any{5}}, false, "string"},
		{"unknown extra arg", map[string]any{"name": "a", "bogus": 1}, false, "bogus"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verr := r.Validate("probe", tt.args)
			if tt.ok {
				if verr != nil {
					t.Fatalf("expected valid, got %v", verr)
				}
				return
			}
			if verr == nil {
				t.Fatal("expected a validation error")
			}
			if verr.Kind != KindValidationError {
				t.Fatalf("kind = %s, want ValidationError", verr.Kind)
			}
			if !strings.Contains(strings.ToLower(verr.Message), strings.ToLower(tt.want)) {
				t.Errorf("message %q missing %q", verr.Message, tt.want)
			}
		})
	}
}

func TestValidateReportsAllViolations(t *testing.T) {
	r := validationRegistry(t)

	verr := r.Validate("probe", map[string]any{
		"count": 99,      // out of range
		"level": "wrong", // enum violation
		// name missing
	})
	if verr == nil {
		t.Fatal("expected a validation error")
	}
	violations, _ := verr.Details.(map[string]any)["violations"].([]string)
	if len(violations) < 3 {
		t.Errorf("expected at least 3 violations, got %d: %v", len(violations), violations)
	}
}

func TestValidateIsDeterministic(t *testing.T) {
	r := validationRegistry(t)
	rng := rand.New(rand.NewSource(7))

	randomArgs := func() map[string]any {
		args := map[string]any{}
		if rng.Intn(2) == 0 {
			args["name"] = strings.Repeat("a", rng.Intn(12))
		}
		if rng.Intn(2) == 0 {
			args["count"] = rng.Float64() * 20
		}
		if rng.Intn(3) == 0 {
			args["level"] = []string{"low", "high", "mid"}[rng.Intn(3)]
		}
		if rng.Intn(3) == 0 {
			args[fmt.Sprintf("junk%d", rng.Intn(3))] = rng.Intn(5)
		}
		return args
	}

	for i := 0; i < 200; i++ {
		args := randomArgs()
		first := r.Validate("probe", args)
		second := r.Validate("probe", args)
		if (first == nil) != (second == nil) {
			t.Fatalf("iteration %d: nondeterministic outcome for %v", i, args)
		}
		if first != nil && second != nil && first.Message != second.Message {
			t.Fatalf("iteration %d: message drift for %v:\n%q\n%q", i, args, first.Message, second.Message)
		}
	}
}
