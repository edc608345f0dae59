package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Argument validation compiles each descriptor to a JSON Schema document
// once and evaluates args against it, so nested object and array item
// schemas get full treatment. All violations are reported, not just the
// first.

var schemaCache sync.Map // marshaled schema document -> *jsonschema.Schema

func validateArgs(desc Descriptor, args map[string]any) ([]string, error) {
	schema, err := compiledSchema(desc)
	if err != nil {
		return nil, err
	}

	// Round-trip through JSON so the validator sees plain decoded values
	// (tool args arrive decoded already, but callers may hand us typed
	// structs in tests).
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}

	err = schema.Validate(decoded)
	if err == nil {
		return nil, nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return nil, err
	}
	return flattenViolations(ve), nil
}

// JSONSchema renders the descriptor as a JSON Schema document, the shape
// sent upstream as the tool-call parameter schema and compiled locally for
// validation.
func (d Descriptor) JSONSchema() map[string]any {
	doc := map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": d.PassThrough,
	}
	props := doc["properties"].(map[string]any)
	var required []string
	for name, p := range d.Params {
		props[name] = paramSchema(p)
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func compiledSchema(desc Descriptor) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(desc.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("encode schema for %s: %w", desc.Name, err)
	}
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	schema, err := jsonschema.CompileString(desc.Name+".schema.json", key)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", desc.Name, err)
	}
	schemaCache.Store(key, schema)
	return schema, nil
}

func paramSchema(p *Param) map[string]any {
	out := map[string]any{"type": p.Type}
	if p.MaxLength > 0 {
		out["maxLength"] = p.MaxLength
	}
	if p.MaxItems > 0 {
		out["maxItems"] = p.MaxItems
	}
	if p.Min != nil {
		out["minimum"] = *p.Min
	}
	if p.Max != nil {
		out["maximum"] = *p.Max
	}
	if len(p.Enum) > 0 {
		out["enum"] = p.Enum
	}
	if p.Items != nil {
		out["items"] = paramSchema(p.Items)
	}
	if p.Type == "object" {
		props := map[string]any{}
		var required []string
		for name, f := range p.Fields {
			props[name] = paramSchema(f)
			if f.Required {
				required = append(required, name)
			}
		}
		out["properties"] = props
		sort.Strings(required)
		if len(required) > 0 {
			out["required"] = required
		}
		out["additionalProperties"] = p.PassThrough
	}
	return out
}

// flattenViolations renders every leaf cause of a validation error as a
// human-readable "location: message" line.
func flattenViolations(ve *jsonschema.ValidationError) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, be := range ve.BasicOutput().Errors {
		msg := be.Error
		if msg == "" || strings.HasPrefix(msg, "doesn't validate with") {
			continue
		}
		loc := "args"
		if be.InstanceLocation != "" {
			loc = "args" + be.InstanceLocation
		}
		line := loc + ": " + msg
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	if len(out) == 0 {
		out = append(out, "args: "+ve.Message)
	}
	return out
}
