package orchestrate

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/contextd/contextd/internal/ctxlog"
	"github.com/contextd/contextd/internal/upstream"
)

// ReviewConfig tunes the review loop.
type ReviewConfig struct {
	// Iterations bounds critique passes. Default: 3.
	Iterations int `yaml:"iterations"`

	// Threshold is the accepting quality score. Default: 0.7.
	Threshold float64 `yaml:"threshold"`

	// MaxRegenerations bounds full redrafts. Default: 2.
	MaxRegenerations int `yaml:"max_regenerations"`

	// CritiquePreviewBytes truncates critique text in events. Default: 512.
	CritiquePreviewBytes int `yaml:"critique_preview_bytes"`
}

// DefaultReviewConfig returns review defaults.
func DefaultReviewConfig() ReviewConfig {
	return ReviewConfig{
		Iterations:           3,
		Threshold:            0.7,
		MaxRegenerations:     2,
		CritiquePreviewBytes: 512,
	}
}

const reviewRubric = `You are a strict reviewer. Score the draft answer against the user request on:
correctness, completeness, clarity, and whether it actually answers what was asked.
Respond with a line "Score: <0..1>" followed by a short critique of the weakest points.`

// Reviewer wraps an inner orchestrator with iterative self-critique: score
// the draft, regenerate with the critique attached while budget remains,
// and keep the best draft seen.
type Reviewer struct {
	client Completer
	inner  Orchestrator
	store  *ctxlog.Store
	cfg    ReviewConfig
	logger *slog.Logger
}

// NewReviewer wires the review orchestrator around inner.
func NewReviewer(client Completer, inner Orchestrator, store *ctxlog.Store, cfg ReviewConfig, logger *slog.Logger) *Reviewer {
	def := DefaultReviewConfig()
	if cfg.Iterations <= 0 {
		cfg.Iterations = def.Iterations
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MaxRegenerations < 0 {
		cfg.MaxRegenerations = def.MaxRegenerations
	}
	if cfg.CritiquePreviewBytes <= 0 {
		cfg.CritiquePreviewBytes = def.CritiquePreviewBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reviewer{
		client: client,
		inner:  inner,
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "reviewer"),
	}
}

// Run generates a draft via the inner orchestrator, then critiques it for
// up to Iterations passes. Equal scores prefer later drafts.
func (r *Reviewer) Run(ctx context.Context, req Request) (*Result, error) {
	fillIDs(&req)

	draft, err := r.inner.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	draft.Debug.Mode = ModeReview

	debug := &ReviewDebug{Threshold: r.cfg.Threshold}
	best := draft
	bestScore := -1.0
	regenerations := 0

	for pass := 1; pass <= r.cfg.Iterations; pass++ {
		if ctx.Err() != nil {
			emit(ctx, r.store, r.logger, &ctxlog.Event{
				Actor:   ctxlog.ActorAssistant,
				Act:     ctxlog.ActTurnAborted,
				ConvID:  req.ConvID,
				TraceID: req.TraceID,
				Pass:    pass,
				Status:  ctxlog.StatusError,
				Reason:  "cancelled",
			})
			break
		}

		score, critique, cerr := r.critique(ctx, req, draft.Content)
		if cerr != nil {
			r.logger.Warn("critique call failed, keeping current draft", "pass", pass, "error", cerr)
			break
		}
		accepted := score >= r.cfg.Threshold

		preview := critique
		if len(preview) > r.cfg.CritiquePreviewBytes {
			preview = preview[:r.cfg.CritiquePreviewBytes]
		}
		emit(ctx, r.store, r.logger, &ctxlog.Event{
			Actor:        ctxlog.ActorAssistant,
			Act:          ctxlog.ActReviewCycle,
			ConvID:       req.ConvID,
			TraceID:      req.TraceID,
			Pass:         pass,
			QualityScore: ctxlog.Float64(score),
			Threshold:    ctxlog.Float64(r.cfg.Threshold),
			Accepted:     ctxlog.Bool(accepted),
			Critique:     preview,
		})
		debug.Cycles = append(debug.Cycles, ReviewCycle{
			Pass: pass, Score: score, Accepted: accepted, Critique: preview,
		})

		if score >= bestScore {
			best = draft
			bestScore = score
			debug.BestPass = pass
		}

		if accepted {
			debug.Accepted = true
			best = draft
			debug.BestPass = pass
			res := *best
			res.Debug.Mode = ModeReview
			res.Debug.Review = debug
			return &res, nil
		}

		if regenerations >= r.cfg.MaxRegenerations || pass == r.cfg.Iterations {
			break
		}
		regenerations++
		emit(ctx, r.store, r.logger, &ctxlog.Event{
			Actor:   ctxlog.ActorAssistant,
			Act:     ctxlog.ActRegeneration,
			ConvID:  req.ConvID,
			TraceID: req.TraceID,
			Pass:    pass,
			Reason:  fmt.Sprintf("score %.2f below threshold %.2f", score, r.cfg.Threshold),
		})

		regenReq := req
		regenReq.Messages = append(append([]upstream.Message(nil), req.Messages...), upstream.Message{
			Role: upstream.RoleSystem,
			Content: "A reviewer rejected your previous answer. Address this critique in a fresh answer:\n" +
				critique,
		})
		draft, err = r.inner.Run(ctx, regenReq)
		if err != nil {
			r.logger.Warn("regeneration failed, keeping best draft", "pass", pass, "error", err)
			break
		}
	}

	emit(ctx, r.store, r.logger, &ctxlog.Event{
		Actor:        ctxlog.ActorAssistant,
		Act:          ctxlog.ActReviewSummary,
		ConvID:       req.ConvID,
		TraceID:      req.TraceID,
		Pass:         debug.BestPass,
		QualityScore: ctxlog.Float64(bestScore),
		Accepted:     ctxlog.Bool(false),
	})

	res := *best
	res.Debug.Mode = ModeReview
	res.Debug.Review = debug
	return &res, nil
}

// critique scores one draft. The upstream call is non-streaming.
func (r *Reviewer) critique(ctx context.Context, req Request, draft string) (float64, string, error) {
	resp, err := r.client.Complete(ctx, upstream.Request{
		Model: req.Model,
		Messages: []upstream.Message{
			{Role: upstream.RoleSystem, Content: reviewRubric},
			{Role: upstream.RoleUser, Content: "User request:\n" + lastUserText(req.Messages) +
				"\n\nDraft answer:\n" + draft},
		},
	})
	if err != nil {
		return 0, "", err
	}
	score, ok := extractScore(resp.Content)
	if !ok {
		r.logger.Warn("no score found in critique, treating as rejection")
	}
	return score, resp.Content, nil
}

var scorePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bscore\s*[:=]\s*([0-9]*\.?[0-9]+)`),
	regexp.MustCompile(`(?i)\bquality\s*[:=]\s*([0-9]*\.?[0-9]+)`),
	regexp.MustCompile(`(?m)^\s*([0-9]*\.?[0-9]+)\s*$`),
}

// extractScore pulls a quality score out of free-form critique text. Values
// above 1 are read as percentages or tenths; everything clamps to [0,1].
func extractScore(text string) (float64, bool) {
	for _, pat := range scorePatterns {
		m := pat.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		switch {
		case v > 10:
			v /= 100
		case v > 1:
			v /= 10
		}
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		return v, true
	}
	return 0, false
}

// lastUserText returns the most recent user message content.
func lastUserText(messages []upstream.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == upstream.RoleUser {
			return messages[i].Content
		}
	}
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Content)
	}
	return b.String()
}
