package tools

import (
	"fmt"
	"sort"
	"sync"
)

// Gates are the configuration flags required by gated tools, checked in
// addition to allowlist membership.
type Gates struct {
	AllowShell     bool `yaml:"allow_shell"`
	AllowFileWrite bool `yaml:"allow_file_write"`
}

func (g Gates) open(gate string) bool {
	switch gate {
	case "":
		return true
	case GateShell:
		return g.AllowShell
	case GateFileWrite:
		return g.AllowFileWrite
	default:
		return false
	}
}

// Registry holds the closed tool catalog. Tools are registered during boot
// and the set is frozen before serving; reads after Freeze are lock-free.
type Registry struct {
	mu     sync.Mutex
	frozen bool

	tools map[string]Tool
	order []string

	allow map[string]struct{}
	gates Gates
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
		allow: make(map[string]struct{}),
	}
}

// Register adds a tool. Fails after Freeze or on duplicate names.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry is frozen")
	}
	name := t.Name()
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("tool already registered: %s", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Freeze fixes the catalog, allowlist and gates for the process lifetime.
// An empty allowlist defaults to the full registry minus gated tools whose
// gate flag is off. Unknown allowlist entries are rejected.
func (r *Registry) Freeze(allowlist []string, gates Gates) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry already frozen")
	}

	r.gates = gates
	if len(allowlist) == 0 {
		for name, t := range r.tools {
			if gates.open(t.Descriptor().Gate) {
				r.allow[name] = struct{}{}
			}
		}
	} else {
		for _, name := range allowlist {
			if _, ok := r.tools[name]; !ok {
				return fmt.Errorf("allowlist names unknown tool: %s", name)
			}
			r.allow[name] = struct{}{}
		}
	}

	r.frozen = true
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns all descriptors in registration order.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Descriptor())
	}
	return out
}

// Names returns all registered tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Allowlist returns the permitted tool names, sorted.
func (r *Registry) Allowlist() []string {
	out := make([]string, 0, len(r.allow))
	for name := range r.allow {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// allowed reports whether a tool may execute: allowlisted and, for gated
// tools, its gate flag on.
func (r *Registry) allowed(name string) bool {
	if _, ok := r.allow[name]; !ok {
		return false
	}
	t := r.tools[name]
	return r.gates.open(t.Descriptor().Gate)
}

// Validate checks a proposed call against the catalog. Order: registration,
// allowlist and gates, then the argument schema. Total: no side effects.
func (r *Registry) Validate(name string, args map[string]any) *ToolError {
	t, ok := r.tools[name]
	if !ok {
		return errUnknown(name)
	}
	if !r.allowed(name) {
		return errGated(name, r.Allowlist())
	}
	violations, err := validateArgs(t.Descriptor(), args)
	if err != nil {
		return errExecution(name, err)
	}
	if len(violations) > 0 {
		return errValidation(name, violations)
	}
	return nil
}
