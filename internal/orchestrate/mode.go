package orchestrate

import (
	"context"
	"log/slog"
	"strings"

	"github.com/contextd/contextd/internal/ctxlog"
)

// HeuristicConfig tunes mode auto-selection.
type HeuristicConfig struct {
	// AutoReview enables review selection from input signals.
	AutoReview bool `yaml:"auto_review"`

	// AutoChunked enables chunked selection from input signals.
	AutoChunked bool `yaml:"auto_chunked"`

	// ReviewThreshold is the review signal score cutoff. Default: 0.5.
	ReviewThreshold float64 `yaml:"review_threshold"`

	// ChunkedThreshold is the chunked signal score cutoff. Default: 0.5.
	ChunkedThreshold float64 `yaml:"chunked_threshold"`
}

// DefaultHeuristicConfig returns heuristic defaults.
func DefaultHeuristicConfig() HeuristicConfig {
	return HeuristicConfig{
		AutoReview:       true,
		AutoChunked:      true,
		ReviewThreshold:  0.5,
		ChunkedThreshold: 0.5,
	}
}

// Keyword weights for the two signal dimensions. Scores are the sum of
// matched weights; thresholds decide the mode.
var (
	chunkedSignals = map[string]float64{
		"step by step":  0.4,
		"step-by-step":  0.4,
		"comprehensive": 0.4,
		"in detail":     0.3,
		"detailed":      0.25,
		"guide":         0.3,
		"tutorial":      0.3,
		"walkthrough":   0.3,
		"long-form":     0.3,
		"exhaustive":    0.3,
	}
	reviewSignals = map[string]float64{
		"verify":       0.4,
		"double-check": 0.4,
		"correctness":  0.4,
		"production":   0.3,
		"critical":     0.3,
		"audit":        0.3,
		"make sure":    0.3,
		"carefully":    0.2,
	}
)

// Decision is one mode classification.
type Decision struct {
	Mode       Mode
	Confidence float64
	Scores     map[string]float64
	Overridden bool
}

// Heuristic classifies user input into an orchestration mode. It never
// hard-forces anything: a caller override always wins and the decision is
// only a default.
type Heuristic struct {
	cfg    HeuristicConfig
	store  *ctxlog.Store
	logger *slog.Logger
}

// NewHeuristic wires the mode heuristic.
func NewHeuristic(cfg HeuristicConfig, store *ctxlog.Store, logger *slog.Logger) *Heuristic {
	def := DefaultHeuristicConfig()
	if cfg.ReviewThreshold <= 0 {
		cfg.ReviewThreshold = def.ReviewThreshold
	}
	if cfg.ChunkedThreshold <= 0 {
		cfg.ChunkedThreshold = def.ChunkedThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heuristic{cfg: cfg, store: store, logger: logger.With("component", "mode_heuristic")}
}

// Classify scores userText and picks a mode, logging a mode_decision event
// with the signal vector. override, when valid, wins with confidence 1.
func (h *Heuristic) Classify(ctx context.Context, convID, traceID, userText string, override Mode) Decision {
	lower := strings.ToLower(userText)

	chunkedScore := scoreSignals(lower, chunkedSignals)
	if len(lower) > 400 {
		chunkedScore += 0.2
	}
	if strings.Count(lower, " and ") >= 3 {
		chunkedScore += 0.2
	}
	reviewScore := scoreSignals(lower, reviewSignals)

	scores := map[string]float64{
		"chunked": round2(chunkedScore),
		"review":  round2(reviewScore),
	}

	wantChunked := h.cfg.AutoChunked && chunkedScore >= h.cfg.ChunkedThreshold
	wantReview := h.cfg.AutoReview && reviewScore >= h.cfg.ReviewThreshold

	d := Decision{Mode: ModeStandard, Scores: scores}
	switch {
	case wantChunked && wantReview:
		d.Mode = ModeCombined
		d.Confidence = clamp01(min64(chunkedScore, reviewScore))
	case wantChunked:
		d.Mode = ModeChunked
		d.Confidence = clamp01(chunkedScore)
	case wantReview:
		d.Mode = ModeReview
		d.Confidence = clamp01(reviewScore)
	default:
		d.Confidence = clamp01(1 - max64(chunkedScore, reviewScore))
	}

	if override != "" {
		d = Decision{Mode: override, Confidence: 1, Scores: scores, Overridden: true}
	}

	reason := "heuristic"
	if d.Overridden {
		reason = "caller_override"
	}
	emit(ctx, h.store, h.logger, &ctxlog.Event{
		Actor:      ctxlog.ActorAutonomous,
		Act:        ctxlog.ActModeDecision,
		ConvID:     convID,
		TraceID:    traceID,
		Mode:       string(d.Mode),
		Confidence: round2(d.Confidence),
		Scores:     scores,
		Reason:     reason,
	})
	return d
}

func scoreSignals(lower string, signals map[string]float64) float64 {
	total := 0.0
	for needle, weight := range signals {
		if strings.Contains(lower, needle) {
			total += weight
		}
	}
	return total
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
