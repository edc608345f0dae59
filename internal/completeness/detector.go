// Package completeness classifies generated text as complete or incomplete
// with a typed reason, used to decide whether a continuation request is
// warranted.
package completeness

import (
	"strings"
	"unicode/utf8"

	"github.com/contextd/contextd/internal/upstream"
)

// Reason explains why a generation looks incomplete.
type Reason string

const (
	// ReasonFence marks an unbalanced fenced code block.
	ReasonFence Reason = "fence"
	// ReasonPunct marks a final character outside the terminal set.
	ReasonPunct Reason = "punct"
	// ReasonShort marks output below the minimum length.
	ReasonShort Reason = "short"
	// ReasonLength marks an upstream token-limit stop.
	ReasonLength Reason = "length"
	// ReasonStop is reserved for callers that treat an explicit stop on an
	// otherwise-empty draft as incomplete.
	ReasonStop Reason = "stop"
)

// Report is the classification result. Reason is empty when Complete.
type Report struct {
	Complete bool   `json:"complete"`
	Reason   Reason `json:"reason,omitempty"`
}

// Config tunes the detector.
type Config struct {
	// MinLength is the minimum trimmed length of a complete answer, in
	// bytes. Default: 32.
	MinLength int `yaml:"min_length"`

	// TerminalRunes overrides the set of acceptable final characters.
	TerminalRunes string `yaml:"terminal_runes"`
}

// defaultTerminal covers Latin sentence enders, closing quotes and
// brackets, and the common CJK terminators.
const defaultTerminal = ".!?…\"'`”’)]}>*_|。！？、）】』」"

// DefaultConfig returns detector defaults.
func DefaultConfig() Config {
	return Config{MinLength: 32, TerminalRunes: defaultTerminal}
}

// Detector classifies text. Zero-cost to copy, safe for concurrent use.
type Detector struct {
	minLength int
	terminal  map[rune]struct{}
}

// New builds a detector from cfg, falling back to defaults for unset
// fields.
func New(cfg Config) *Detector {
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultConfig().MinLength
	}
	if cfg.TerminalRunes == "" {
		cfg.TerminalRunes = defaultTerminal
	}
	terminal := make(map[rune]struct{}, utf8.RuneCountInString(cfg.TerminalRunes))
	for _, r := range cfg.TerminalRunes {
		terminal[r] = struct{}{}
	}
	return &Detector{minLength: cfg.MinLength, terminal: terminal}
}

// Classify applies the rules in order: tool-call stops are always
// complete, then fence balance, then minimum length, then terminal
// punctuation, then the upstream length stop.
func (d *Detector) Classify(text string, stop upstream.StopReason) Report {
	if stop == upstream.StopToolCalls {
		return Report{Complete: true}
	}
	trimmed := strings.TrimSpace(text)
	if unbalancedFence(trimmed) {
		return Report{Reason: ReasonFence}
	}
	if len(trimmed) < d.minLength {
		return Report{Reason: ReasonShort}
	}
	last, _ := utf8.DecodeLastRuneInString(trimmed)
	if _, ok := d.terminal[last]; !ok {
		return Report{Reason: ReasonPunct}
	}
	if stop == upstream.StopLength {
		return Report{Reason: ReasonLength}
	}
	return Report{Complete: true}
}

// unbalancedFence reports whether the text opens a ``` fence it never
// closes. Only fences at the start of a line count, matching how markdown
// renderers treat them.
func unbalancedFence(text string) bool {
	open := false
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			open = !open
		}
	}
	return open
}
