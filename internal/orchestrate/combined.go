package orchestrate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/contextd/contextd/internal/ctxlog"
	"github.com/contextd/contextd/internal/upstream"
)

// Strategy selects how the combined orchestrator applies review to chunked
// output.
type Strategy string

const (
	// StrategyPerChunk reviews each chunk right after it is written and
	// regenerates only rejected chunks.
	StrategyPerChunk Strategy = "per_chunk"
	// StrategyFinalOnly reviews the merged answer; rejection regenerates
	// the whole answer.
	StrategyFinalOnly Strategy = "final_only"
	// StrategyBoth does per-chunk review plus a final merged pass.
	StrategyBoth Strategy = "both"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyPerChunk, StrategyFinalOnly, StrategyBoth:
		return true
	}
	return false
}

// Combined composes chunked generation with review under a configured
// strategy. Budget exhaustion returns the best draft seen, never nothing.
type Combined struct {
	chunked  *Chunked
	reviewer *Reviewer
	strategy Strategy
	store    *ctxlog.Store
	logger   *slog.Logger
}

// NewCombined wires the combined orchestrator.
func NewCombined(chunked *Chunked, reviewer *Reviewer, strategy Strategy, store *ctxlog.Store, logger *slog.Logger) *Combined {
	if !strategy.Valid() {
		strategy = StrategyFinalOnly
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Combined{
		chunked:  chunked,
		reviewer: reviewer,
		strategy: strategy,
		store:    store,
		logger:   logger.With("component", "combined"),
	}
}

// Run walks outline, write (with optional per-chunk review), merge, and
// optional final review.
func (k *Combined) Run(ctx context.Context, req Request) (*Result, error) {
	fillIDs(&req)

	res := &Result{
		ConvID:  req.ConvID,
		TraceID: req.TraceID,
		Debug:   Debug{Mode: ModeCombined},
	}

	outline, err := k.chunked.planOutline(ctx, req)
	if err != nil {
		return nil, err
	}
	manifest := &ChunkManifest{Outline: outline}
	res.Debug.Chunked = manifest
	reviewDebug := &ReviewDebug{Threshold: k.reviewer.cfg.Threshold}
	res.Debug.Review = reviewDebug

	perChunk := k.strategy == StrategyPerChunk || k.strategy == StrategyBoth
	finalPass := k.strategy == StrategyFinalOnly || k.strategy == StrategyBoth

	for i, label := range outline {
		if ctx.Err() != nil {
			emit(ctx, k.store, k.logger, &ctxlog.Event{
				Actor:      ctxlog.ActorAssistant,
				Act:        ctxlog.ActTurnAborted,
				ConvID:     req.ConvID,
				TraceID:    req.TraceID,
				ChunkIndex: ctxlog.Int(i),
				Status:     ctxlog.StatusError,
				Reason:     "cancelled",
			})
			res.Content = mergeChunks(manifest.Chunks)
			res.Stop = upstream.StopCancelled
			return res, nil
		}

		chunk, werr := k.chunked.writeChunk(ctx, req, manifest, i, label, "")
		if werr != nil {
			chunk, werr = k.chunked.writeChunk(ctx, req, manifest, i, label, "")
		}
		if werr != nil {
			manifest.FailedIndex = ctxlog.Int(i)
			res.Content = mergeChunks(manifest.Chunks)
			res.Stop = upstream.StopError
			res.Debug.Error = fmt.Sprintf("chunk %d (%s) failed: %v", i, label, werr)
			return res, nil
		}
		if perChunk {
			chunk = k.reviewChunk(ctx, req, manifest, chunk, reviewDebug)
		}
		manifest.Chunks = append(manifest.Chunks, chunk)
	}

	res.Content = mergeChunks(manifest.Chunks)
	res.Stop = upstream.StopStop

	if finalPass {
		k.reviewFinal(ctx, req, res, manifest, reviewDebug)
	}
	return res, nil
}

// reviewChunk scores one chunk, regenerating it with the critique attached
// while the per-chunk budget lasts. The best-scoring version wins. Every
// pass is recorded both as a review_cycle event and in the debug block.
func (k *Combined) reviewChunk(ctx context.Context, req Request, manifest *ChunkManifest, chunk Chunk, debug *ReviewDebug) Chunk {
	cfg := k.reviewer.cfg
	best := chunk
	bestScore := -1.0

	for pass := 1; pass <= cfg.MaxRegenerations+1; pass++ {
		score, critique, err := k.reviewer.critique(ctx, req, chunk.Content)
		if err != nil {
			k.logger.Warn("chunk critique failed", "chunk", chunk.Index, "error", err)
			return best
		}
		accepted := score >= cfg.Threshold

		preview := critique
		if len(preview) > cfg.CritiquePreviewBytes {
			preview = preview[:cfg.CritiquePreviewBytes]
		}
		emit(ctx, k.store, k.logger, &ctxlog.Event{
			Actor:        ctxlog.ActorAssistant,
			Act:          ctxlog.ActReviewCycle,
			ConvID:       req.ConvID,
			TraceID:      req.TraceID,
			Pass:         pass,
			ChunkIndex:   ctxlog.Int(chunk.Index),
			ChunkLabel:   chunk.Label,
			QualityScore: ctxlog.Float64(score),
			Threshold:    ctxlog.Float64(cfg.Threshold),
			Accepted:     ctxlog.Bool(accepted),
			Critique:     preview,
		})
		debug.Cycles = append(debug.Cycles, ReviewCycle{
			Pass:       pass,
			Score:      score,
			Accepted:   accepted,
			Critique:   preview,
			ChunkIndex: ctxlog.Int(chunk.Index),
			ChunkLabel: chunk.Label,
		})

		if score >= bestScore {
			best = chunk
			bestScore = score
		}
		if accepted || pass == cfg.MaxRegenerations+1 {
			return best
		}

		emit(ctx, k.store, k.logger, &ctxlog.Event{
			Actor:      ctxlog.ActorAssistant,
			Act:        ctxlog.ActRegeneration,
			ConvID:     req.ConvID,
			TraceID:    req.TraceID,
			Pass:       pass,
			ChunkIndex: ctxlog.Int(chunk.Index),
			Reason:     fmt.Sprintf("chunk score %.2f below threshold %.2f", score, cfg.Threshold),
		})
		redone, err := k.chunked.writeChunk(ctx, req, manifest, chunk.Index, chunk.Label, critique)
		if err != nil {
			k.logger.Warn("chunk regeneration failed", "chunk", chunk.Index, "error", err)
			return best
		}
		chunk = redone
	}
	return best
}

// reviewFinal scores the merged answer, regenerating the entire write
// phase with the critique attached while budget remains.
func (k *Combined) reviewFinal(ctx context.Context, req Request, res *Result, manifest *ChunkManifest, debug *ReviewDebug) {
	cfg := k.reviewer.cfg
	bestContent := res.Content
	bestManifest := *manifest
	bestScore := -1.0

	for pass := 1; pass <= cfg.MaxRegenerations+1; pass++ {
		if ctx.Err() != nil {
			break
		}
		score, critique, err := k.reviewer.critique(ctx, req, res.Content)
		if err != nil {
			k.logger.Warn("final critique failed", "error", err)
			break
		}
		accepted := score >= cfg.Threshold

		preview := critique
		if len(preview) > cfg.CritiquePreviewBytes {
			preview = preview[:cfg.CritiquePreviewBytes]
		}
		emit(ctx, k.store, k.logger, &ctxlog.Event{
			Actor:        ctxlog.ActorAssistant,
			Act:          ctxlog.ActReviewCycle,
			ConvID:       req.ConvID,
			TraceID:      req.TraceID,
			Pass:         pass,
			QualityScore: ctxlog.Float64(score),
			Threshold:    ctxlog.Float64(cfg.Threshold),
			Accepted:     ctxlog.Bool(accepted),
			Critique:     preview,
		})
		debug.Cycles = append(debug.Cycles, ReviewCycle{
			Pass: pass, Score: score, Accepted: accepted, Critique: preview,
		})
		if score >= bestScore {
			bestContent = res.Content
			bestManifest = *manifest
			bestScore = score
			debug.BestPass = pass
		}
		if accepted {
			debug.Accepted = true
			break
		}
		if pass == cfg.MaxRegenerations+1 {
			break
		}

		emit(ctx, k.store, k.logger, &ctxlog.Event{
			Actor:   ctxlog.ActorAssistant,
			Act:     ctxlog.ActRegeneration,
			ConvID:  req.ConvID,
			TraceID: req.TraceID,
			Pass:    pass,
			Reason:  fmt.Sprintf("merged score %.2f below threshold %.2f", score, cfg.Threshold),
		})

		redone := &ChunkManifest{Outline: manifest.Outline}
		failed := false
		for i, label := range manifest.Outline {
			chunk, werr := k.chunked.writeChunk(ctx, req, redone, i, label, critique)
			if werr != nil {
				k.logger.Warn("regenerated chunk failed, keeping best draft", "chunk", i, "error", werr)
				failed = true
				break
			}
			redone.Chunks = append(redone.Chunks, chunk)
		}
		if failed {
			break
		}
		*manifest = *redone
		res.Content = mergeChunks(manifest.Chunks)
	}

	res.Content = bestContent
	*manifest = bestManifest
	res.Debug.Review = debug
}
