// Package learning implements the periodic evaluator that correlates
// post-recommendation observations with pre-recommendation baselines,
// computes a gain ratio, and classifies each recommendation's effectiveness.
package learning

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sqlsentinel/sentinel/pkg/store"
)

// Evaluator implements spec.md §4.6.
type Evaluator struct {
	cfg   Config
	store store.Store
}

// New constructs an Evaluator.
func New(cfg Config, st store.Store) *Evaluator {
	return &Evaluator{cfg: cfg, store: st}
}

// Result summarises one evaluation pass for logging and metrics.
type Result struct {
	Considered int
	Confirmed  int
	Failed     int
	LeftPending int
	Skipped    int
}

// Run evaluates every PENDING analysis at least MinAge old. It returns the
// pass's counters; no single analysis's error aborts the pass.
func (e *Evaluator) Run(ctx context.Context) (Result, error) {
	pending, err := e.store.PendingAnalyses(ctx, e.cfg.MinAge, 200)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, p := range pending {
		res.Considered++
		outcome, err := e.evaluateOne(ctx, p)
		if err != nil {
			slog.Error("learning: evaluate analysis failed", "analysis_id", p.Analysis.ID, "error", err)
			res.Skipped++
			continue
		}
		switch outcome {
		case outcomeConfirmed:
			res.Confirmed++
		case outcomeFailed:
			res.Failed++
		case outcomePending:
			res.LeftPending++
		case outcomeSkipped:
			res.Skipped++
		}
	}
	return res, nil
}

type outcome int

const (
	outcomePending outcome = iota
	outcomeConfirmed
	outcomeFailed
	outcomeSkipped
)

func (e *Evaluator) evaluateOne(ctx context.Context, p store.PendingAnalysis) (outcome, error) {
	age := time.Since(p.Analysis.CreatedAt)
	if age > e.cfg.MaxPendingAge {
		if err := e.store.ExpirePendingAnalysis(ctx, p.Analysis.ID); err != nil {
			return outcomeSkipped, err
		}
		return outcomeFailed, nil
	}

	dOld := p.BaselineMS
	if dOld < e.cfg.MinBaselineMS {
		// Degenerate or jitter-dominated baseline: neither confirm nor fail,
		// just leave it — per spec.md §9's open question on very low D_old.
		return outcomePending, nil
	}
	if dOld == 0 {
		return outcomeSkipped, nil
	}

	after := p.BaselineCapturedAt.Add(e.cfg.Grace)
	samples, err := e.store.PostObservations(ctx, p.Fingerprint, after, e.cfg.SampleSize)
	if err != nil {
		return outcomeSkipped, err
	}
	if len(samples) < e.cfg.MinSamples {
		// Insufficient samples: wait, do not partial-evaluate.
		return outcomePending, nil
	}

	dNew := meanDuration(samples)
	gainRatio := (dOld - dNew) / dOld

	switch {
	case gainRatio < 0:
		if err := e.terminalise(ctx, p, store.EffectivenessFailed, dOld, dNew, gainRatio); err != nil {
			return outcomeSkipped, err
		}
		return outcomeFailed, nil
	case gainRatio < e.cfg.ImprovementThreshold:
		// Leave PENDING to avoid premature classification churn.
		return outcomePending, nil
	default:
		if err := e.terminalise(ctx, p, store.EffectivenessConfirmed, dOld, dNew, gainRatio); err != nil {
			return outcomeSkipped, err
		}
		return outcomeConfirmed, nil
	}
}

func (e *Evaluator) terminalise(ctx context.Context, p store.PendingAnalysis, effectiveness store.Effectiveness, dOld, dNew, gainRatio float64) error {
	entry := store.FeedbackEntry{
		ID:            uuid.NewString(),
		Fingerprint:   p.Fingerprint,
		AnalysisID:    p.Analysis.ID,
		OldDurationMS: dOld,
		NewDurationMS: dNew,
		GainRatio:     gainRatio,
	}

	err := e.store.RecordFeedback(ctx, entry, effectiveness)
	if errors.Is(err, store.ErrDuplicateFeedback) {
		// Another pass already terminalised this analysis; idempotent no-op.
		return nil
	}
	return err
}

func meanDuration(obs []store.Observation) float64 {
	if len(obs) == 0 {
		return 0
	}
	var sum float64
	for _, o := range obs {
		sum += o.DurationMS
	}
	return sum / float64(len(obs))
}
