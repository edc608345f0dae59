package orchestrate

import (
	"context"
	"log/slog"
	"time"

	"github.com/contextd/contextd/internal/ctxlog"
)

// HintConfig tunes the telemetry hint injector.
type HintConfig struct {
	Enabled bool `yaml:"enabled"`

	// Window is how far back to look. Default: 10m.
	Window time.Duration `yaml:"window"`

	// Threshold is the auto_continue fraction that activates a hint.
	// Default: 0.15.
	Threshold float64 `yaml:"threshold"`

	// MinSamples is the minimum events in the window before the fraction
	// means anything. Default: 5.
	MinSamples int `yaml:"min_samples"`
}

// DefaultHintConfig returns hint injector defaults.
func DefaultHintConfig() HintConfig {
	return HintConfig{
		Enabled:    true,
		Window:     10 * time.Minute,
		Threshold:  0.15,
		MinSamples: 5,
	}
}

// hintTexts maps the dominant continuation reason to the system-prompt
// hint.
var hintTexts = map[string]string{
	"fence":  "Close every code fence you open before ending your answer.",
	"punct":  "End your answer with a finished sentence and terminal punctuation.",
	"short":  "Answer fully; do not stop after a brief fragment.",
	"length": "Budget the answer to fit; prefer finishing concisely over being cut off.",
}

// HintInjector watches recent auto_continue events and produces a short
// system-prompt hint when continuations are unusually frequent.
type HintInjector struct {
	store  *ctxlog.Store
	cfg    HintConfig
	logger *slog.Logger

	now func() time.Time
}

// NewHintInjector wires the injector against the event store.
func NewHintInjector(store *ctxlog.Store, cfg HintConfig, logger *slog.Logger) *HintInjector {
	def := DefaultHintConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HintInjector{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "hint_injector"),
		now:    time.Now,
	}
}

// Hint returns the active continuation hint, or empty when the rolling
// auto_continue fraction is below threshold. A non-empty hint emits a
// mip_applied event.
func (h *HintInjector) Hint(ctx context.Context, convID, traceID string) string {
	if !h.cfg.Enabled || h.store == nil {
		return ""
	}

	events, err := h.store.Tail(1024, ctxlog.TailFilter{})
	if err != nil {
		h.logger.Warn("event tail failed", "error", err)
		return ""
	}

	horizon := h.now().Add(-h.cfg.Window)
	samples := 0
	matches := 0
	reasons := map[string]int{}
	for _, e := range events {
		if e.TS.Before(horizon) {
			// Tail is newest first; everything past here is older.
			break
		}
		samples++
		if e.Act == ctxlog.ActAutoContinue {
			matches++
			reasons[e.Reason]++
		}
	}

	if samples < h.cfg.MinSamples {
		return ""
	}
	if float64(matches)/float64(samples) < h.cfg.Threshold {
		return ""
	}

	dominant := ""
	for reason, n := range reasons {
		if dominant == "" || n > reasons[dominant] {
			dominant = reason
		}
	}
	hint, ok := hintTexts[dominant]
	if !ok {
		return ""
	}

	emit(ctx, h.store, h.logger, &ctxlog.Event{
		Actor:         ctxlog.ActorAutonomous,
		Act:           ctxlog.ActMIPApplied,
		ConvID:        convID,
		TraceID:       traceID,
		Reason:        dominant,
		Hint:          hint,
		WindowSamples: samples,
		WindowMatches: matches,
	})
	return hint
}
