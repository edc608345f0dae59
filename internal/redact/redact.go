// Package redact scrubs sensitive material from values before they reach the
// event store or operator logs. Redaction happens only at the logging
// boundary: tool execution and upstream calls always see original values.
package redact

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Config configures the redactor.
type Config struct {
	// MaxPreviewBytes truncates ForLogging output. Default: 4096.
	MaxPreviewBytes int `yaml:"max_preview_bytes"`

	// Aggressive additionally redacts bare 32+ char alphanumeric strings.
	// Off by default; high false-positive rate on hashes and ids.
	Aggressive bool `yaml:"aggressive"`

	// SensitiveKeys extends the built-in key-name set.
	SensitiveKeys []string `yaml:"sensitive_keys"`

	// MaxDepth bounds recursion into nested values. Default: 10.
	MaxDepth int `yaml:"max_depth"`
}

// DefaultConfig returns the default redaction configuration.
func DefaultConfig() Config {
	return Config{
		MaxPreviewBytes: 4096,
		MaxDepth:        10,
	}
}

// builtinSensitiveKeys are key names whose values are always redacted
// wholesale, regardless of content.
var builtinSensitiveKeys = []string{
	"password", "passwd", "token", "secret", "api_key", "apikey",
	"authorization", "cookie", "jwt", "private_key", "access_key",
	"client_secret", "credential", "credentials",
}

type pattern struct {
	kind string
	re   *regexp.Regexp
}

// Ordered so that structured forms (keys, URLs) win before the broader
// content patterns run over their remains.
var patterns = []pattern{
	{"ssh_key", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----(?s:.*?)(?:-----END [A-Z ]*PRIVATE KEY-----|\z)`)},
	{"jwt", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`)},
	{"api_key", regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_-]{16,}\b`)},
	{"api_key", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
	{"api_key", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`)},
	{"api_key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"url_creds", regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://)[^/\s:@]+:[^/\s@]+@`)},
	{"card", regexp.MustCompile(`\b\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{2,4}\b`)},
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
}

var (
	// kvPattern catches key=value / key: value forms in free text. The key
	// and separator are preserved so a second pass is a no-op.
	kvPattern = regexp.MustCompile(`(?i)\b(password|passwd|secret|token|api[_-]?key|authorization|cookie|jwt|access[_-]?key)\b(\s*[=:]\s*)(\S+)`)

	aggressivePattern = regexp.MustCompile(`\b[A-Za-z0-9]{32,}\b`)

	// truncatedMark recognizes output of a previous ForLogging pass so the
	// operation stays idempotent.
	truncatedMark = regexp.MustCompile(` \[TRUNCATED\] \(\d+ bytes\)$`)
)

// Redactor scrubs values according to its configuration. Safe for concurrent
// use; all state is immutable after New.
type Redactor struct {
	cfg       Config
	keySet    map[string]struct{}
	maxDepth  int
	maxPrevBy int
}

// New builds a redactor from config, applying defaults for zero fields.
func New(cfg Config) *Redactor {
	if cfg.MaxPreviewBytes <= 0 {
		cfg.MaxPreviewBytes = DefaultConfig().MaxPreviewBytes
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultConfig().MaxDepth
	}

	keySet := make(map[string]struct{}, len(builtinSensitiveKeys)+len(cfg.SensitiveKeys))
	for _, k := range builtinSensitiveKeys {
		keySet[strings.ToLower(k)] = struct{}{}
	}
	for _, k := range cfg.SensitiveKeys {
		keySet[strings.ToLower(strings.TrimSpace(k))] = struct{}{}
	}

	return &Redactor{
		cfg:       cfg,
		keySet:    keySet,
		maxDepth:  cfg.MaxDepth,
		maxPrevBy: cfg.MaxPreviewBytes,
	}
}

// String replaces sensitive substrings with typed placeholders. Idempotent:
// placeholders never re-match any pattern as anything but themselves.
func (r *Redactor) String(s string) string {
	for _, p := range patterns {
		kind := p.kind
		if kind == "url_creds" {
			s = p.re.ReplaceAllString(s, "${1}<redacted:url_creds>@")
			continue
		}
		s = p.re.ReplaceAllString(s, "<redacted:"+kind+">")
	}
	s = kvPattern.ReplaceAllString(s, "${1}${2}<redacted>")
	if r.cfg.Aggressive {
		s = aggressivePattern.ReplaceAllString(s, "<redacted:opaque>")
	}
	return s
}

// ContainsSensitive reports whether any pattern matches the string.
func (r *Redactor) ContainsSensitive(s string) bool {
	for _, p := range patterns {
		if p.re.MatchString(s) {
			return true
		}
	}
	if kvPattern.MatchString(s) {
		return true
	}
	if r.cfg.Aggressive && aggressivePattern.MatchString(s) {
		return true
	}
	return false
}

// Redact returns a deep copy of v with sensitive content replaced. The
// original is never mutated. Values nested deeper than MaxDepth collapse to
// a placeholder.
func (r *Redactor) Redact(v any) any {
	return r.redactValue(v, 0)
}

func (r *Redactor) redactValue(v any, depth int) any {
	if depth > r.maxDepth {
		return "<redacted:max-depth>"
	}
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return r.String(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if r.isSensitiveKey(k) {
				out[k] = "<redacted>"
				continue
			}
			out[k] = r.redactValue(inner, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = r.redactValue(inner, depth+1)
		}
		return out
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return r.String(string(val))
		}
		return r.redactValue(decoded, depth)
	default:
		// Numbers, booleans and other scalars carry no text to scrub.
		return val
	}
}

func (r *Redactor) isSensitiveKey(key string) bool {
	_, ok := r.keySet[strings.ToLower(key)]
	return ok
}

// ForLogging composes redaction, JSON serialization and truncation. The
// result is a preview string safe to place in events and operator logs.
func (r *Redactor) ForLogging(v any, maxBytes int) string {
	if maxBytes <= 0 {
		maxBytes = r.maxPrevBy
	}

	var rendered string
	switch val := v.(type) {
	case string:
		if truncatedMark.MatchString(val) {
			return r.String(val)
		}
		rendered = r.String(val)
	default:
		data, err := json.Marshal(r.Redact(v))
		if err != nil {
			rendered = r.String(fmt.Sprintf("%v", v))
		} else {
			rendered = string(data)
		}
	}

	if len(rendered) > maxBytes {
		total := len(rendered)
		cut := rendered[:maxBytes]
		// Avoid splitting a multi-byte rune at the boundary.
		for len(cut) > 0 && cut[len(cut)-1] >= 0x80 && cut[len(cut)-1] < 0xC0 {
			cut = cut[:len(cut)-1]
		}
		if len(cut) > 0 && cut[len(cut)-1] >= 0xC0 {
			cut = cut[:len(cut)-1]
		}
		rendered = fmt.Sprintf("%s [TRUNCATED] (%d bytes)", cut, total)
	}
	return rendered
}
