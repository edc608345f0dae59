package orchestrate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/contextd/contextd/internal/upstream"
)

// ServiceConfig gates the optional orchestrators.
type ServiceConfig struct {
	ReviewEnabled  bool `yaml:"review_enabled"`
	ChunkedEnabled bool `yaml:"chunked_enabled"`
}

// Service is the turn entry point: it classifies the mode, injects the
// continuation hint, and dispatches to the matching orchestrator.
type Service struct {
	loop      *ToolLoop
	reviewer  *Reviewer
	chunked   *Chunked
	combined  *Combined
	heuristic *Heuristic
	hints     *HintInjector
	cfg       ServiceConfig
	logger    *slog.Logger
}

// NewService wires the dispatcher. loop is required; the rest may be nil
// when the matching feature is disabled.
func NewService(loop *ToolLoop, reviewer *Reviewer, chunked *Chunked, combined *Combined, heuristic *Heuristic, hints *HintInjector, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		loop:      loop,
		reviewer:  reviewer,
		chunked:   chunked,
		combined:  combined,
		heuristic: heuristic,
		hints:     hints,
		cfg:       cfg,
		logger:    logger.With("component", "orchestrate"),
	}
}

// Run executes one turn.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	fillIDs(&req)

	if req.Mode != "" && !validMode(req.Mode) {
		return nil, fmt.Errorf("unknown mode: %s", req.Mode)
	}

	decision := s.heuristic.Classify(ctx, req.ConvID, req.TraceID, lastUserText(req.Messages), req.Mode)
	mode := s.gate(decision.Mode)

	var hint string
	if s.hints != nil {
		if hint = s.hints.Hint(ctx, req.ConvID, req.TraceID); hint != "" {
			req.Messages = append([]upstream.Message{
				{Role: upstream.RoleSystem, Content: hint},
			}, req.Messages...)
		}
	}

	var target Orchestrator
	switch mode {
	case ModeReview:
		target = s.reviewer
	case ModeChunked:
		target = s.chunked
	case ModeCombined:
		target = s.combined
	default:
		target = s.loop
	}

	res, err := target.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	res.Debug.Mode = mode
	res.Debug.Hint = hint
	return res, nil
}

// gate downgrades modes whose orchestrator is disabled or unwired.
func (s *Service) gate(mode Mode) Mode {
	review := s.cfg.ReviewEnabled && s.reviewer != nil
	chunked := s.cfg.ChunkedEnabled && s.chunked != nil

	switch mode {
	case ModeCombined:
		switch {
		case review && chunked && s.combined != nil:
			return ModeCombined
		case chunked:
			return ModeChunked
		case review:
			return ModeReview
		}
		return ModeStandard
	case ModeReview:
		if review {
			return ModeReview
		}
		return ModeStandard
	case ModeChunked:
		if chunked {
			return ModeChunked
		}
		return ModeStandard
	}
	return ModeStandard
}

func validMode(m Mode) bool {
	switch m {
	case ModeStandard, ModeReview, ModeChunked, ModeCombined:
		return true
	}
	return false
}
