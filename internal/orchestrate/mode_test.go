package orchestrate

import (
	"context"
	"testing"

	"github.com/contextd/contextd/internal/ctxlog"
)

func TestHeuristicPicksChunked(t *testing.T) {
	store := newTestStore(t)
	h := NewHeuristic(DefaultHeuristicConfig(), store, nil)

	d := h.Classify(context.Background(), "c1", "t1", "write a comprehensive step-by-step guide to X", "")
	if d.Mode != ModeChunked {
		t.Errorf("mode = %q, want chunked (scores %v)", d.Mode, d.Scores)
	}
	if d.Confidence <= 0 {
		t.Errorf("confidence = %v", d.Confidence)
	}

	events := testEvents(t, store, ctxlog.ActModeDecision)
	if len(events) != 1 {
		t.Fatalf("mode_decision events = %d", len(events))
	}
	e := events[0]
	if e.Mode != string(ModeChunked) || e.Scores["chunked"] <= 0 {
		t.Errorf("event = mode %q scores %v", e.Mode, e.Scores)
	}
}

func TestHeuristicPicksReview(t *testing.T) {
	store := newTestStore(t)
	h := NewHeuristic(DefaultHeuristicConfig(), store, nil)

	d := h.Classify(context.Background(), "c1", "t1", "verify the correctness of this critical production change", "")
	if d.Mode != ModeReview {
		t.Errorf("mode = %q (scores %v)", d.Mode, d.Scores)
	}
}

func TestHeuristicPicksCombined(t *testing.T) {
	store := newTestStore(t)
	h := NewHeuristic(DefaultHeuristicConfig(), store, nil)

	d := h.Classify(context.Background(), "c1", "t1",
		"write a comprehensive step-by-step guide and verify the correctness of every critical step", "")
	if d.Mode != ModeCombined {
		t.Errorf("mode = %q (scores %v)", d.Mode, d.Scores)
	}
}

func TestHeuristicDefaultsToStandard(t *testing.T) {
	store := newTestStore(t)
	h := NewHeuristic(DefaultHeuristicConfig(), store, nil)

	d := h.Classify(context.Background(), "c1", "t1", "what time is it in Lisbon?", "")
	if d.Mode != ModeStandard {
		t.Errorf("mode = %q (scores %v)", d.Mode, d.Scores)
	}
}

func TestHeuristicCallerOverrideWins(t *testing.T) {
	store := newTestStore(t)
	h := NewHeuristic(DefaultHeuristicConfig(), store, nil)

	d := h.Classify(context.Background(), "c1", "t1", "write a comprehensive step-by-step guide to X", ModeStandard)
	if d.Mode != ModeStandard || !d.Overridden || d.Confidence != 1 {
		t.Errorf("decision = %+v", d)
	}

	events := testEvents(t, store, ctxlog.ActModeDecision)
	if len(events) != 1 || events[0].Reason != "caller_override" {
		t.Fatalf("mode_decision events = %+v", events)
	}
}

func TestHeuristicDisabledDimensions(t *testing.T) {
	store := newTestStore(t)
	cfg := DefaultHeuristicConfig()
	cfg.AutoChunked = false
	h := NewHeuristic(cfg, store, nil)

	d := h.Classify(context.Background(), "c1", "t1", "write a comprehensive step-by-step guide to X", "")
	if d.Mode != ModeStandard {
		t.Errorf("mode = %q with chunked auto-selection off", d.Mode)
	}
}
