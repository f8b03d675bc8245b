// Package analyzer drains unanalysed observations, gathers schema context,
// applies a fixed rule set plus an optional AI oracle, and produces durable
// analysis records.
package analyzer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sqlsentinel/sentinel/pkg/store"
)

// Config tunes batch size, worker concurrency, and oracle retry behaviour.
type Config struct {
	BatchSize      int
	Concurrency    int
	OracleRetries  int
	OracleMaxWait  time.Duration
	TopRecommended int

	// StaleClaimAfter bounds how long an Observation may sit IN_FLIGHT
	// before each Run reclaims it back to NEW, so a crashed worker never
	// leaves rows stuck. Zero disables reclamation.
	StaleClaimAfter time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:       50,
		Concurrency:     4,
		OracleRetries:   3,
		OracleMaxWait:   30 * time.Second,
		TopRecommended:  5,
		StaleClaimAfter: 5 * time.Minute,
	}
}

// Analyzer is the pipeline described in spec.md §4.5.
type Analyzer struct {
	cfg      Config
	store    store.Store
	schema   SchemaProvider
	oracle   Oracle
	workerID string
}

// New constructs an Analyzer. oracle may be nil, in which case every
// observation is analysed with rules only.
func New(cfg Config, st store.Store, schema SchemaProvider, oracle Oracle, workerID string) *Analyzer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Analyzer{cfg: cfg, store: st, schema: schema, oracle: oracle, workerID: workerID}
}

// Run claims and analyzes one batch. It returns the number of observations
// processed. A single observation's failure is logged and the observation
// is quarantined; it never aborts the batch.
func (a *Analyzer) Run(ctx context.Context) (int, error) {
	if a.cfg.StaleClaimAfter > 0 {
		if n, err := a.store.ReclaimStaleClaims(ctx, a.cfg.StaleClaimAfter); err != nil {
			slog.Error("analyzer: reclaim stale claims failed", "error", err)
		} else if n > 0 {
			slog.Info("analyzer: reclaimed stale claims", "count", n)
		}
	}

	obs, err := a.store.ClaimNewObservations(ctx, a.cfg.BatchSize, a.workerID)
	if err != nil {
		return 0, err
	}
	if len(obs) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, a.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, o := range obs {
		wg.Add(1)
		sem <- struct{}{}
		go func(o store.Observation) {
			defer wg.Done()
			defer func() { <-sem }()
			a.analyzeOne(ctx, o)
		}(o)
	}
	wg.Wait()
	return len(obs), nil
}

func (a *Analyzer) analyzeOne(ctx context.Context, obs store.Observation) {
	tables := ExtractIdentifiers(obs.FullSQL)
	for _, t := range tables {
		_ = t // unresolved identifiers are logged below from schemaCtx.Unresolved
	}

	schemaCtx, err := a.schema.Introspect(ctx, obs.SourceHost, obs.SourceDatabase, tables)
	if err != nil {
		slog.Error("analyzer: schema introspection failed", "observation_id", obs.ID, "error", err)
		schemaCtx = SchemaContext{Tables: map[string]TableInfo{}}
	}
	for _, u := range schemaCtx.Unresolved {
		slog.Warn("analyzer: unresolved identifier, skipping", "observation_id", obs.ID, "table", u)
	}

	findings := ApplyRules(obs.FullSQL, schemaCtx)

	var oracleResp OracleResponse
	if a.oracle != nil {
		topConfirmed, err := a.store.TopRecommendations(ctx, a.cfg.TopRecommended)
		if err != nil {
			slog.Warn("analyzer: top recommendations lookup failed", "observation_id", obs.ID, "error", err)
		}
		req := OracleRequest{
			SQL:          obs.FullSQL,
			Plan:         obs.Plan,
			Schema:       schemaCtx,
			TopConfirmed: topConfirmed,
		}
		oracleCfg := oracleConfig{MaxRetries: a.cfg.OracleRetries, MaxElapsed: a.cfg.OracleMaxWait}
		resp, err := callOracleWithRetry(ctx, a.oracle, req, oracleCfg)
		if err != nil {
			// Persistent oracle failure falls back to rules-only analysis;
			// the observation is still finalised rather than left IN_FLIGHT.
			slog.Warn("analyzer: oracle call exhausted retries, falling back to rules", "observation_id", obs.ID, "error", err)
		} else {
			oracleResp = resp
		}
	}

	recs := BuildRecommendations(findings, oracleResp.Recommendations)
	severity := MaxSeverity(findings)

	problem := oracleResp.Problem
	if problem == "" {
		problem = summarizeProblem(findings)
	}
	rootCause := oracleResp.RootCause
	if rootCause == "" {
		rootCause = summarizeRootCause(findings)
	}

	analysis := store.Analysis{
		Problem:          problem,
		RootCause:        rootCause,
		Recommendations:  recs,
		ImprovementLevel: severity.ImprovementLevel(),
		Provider:         oracleProviderName(a.oracle),
	}

	if _, err := a.store.FinalizeAnalysis(ctx, obs.ID, a.workerID, analysis); err != nil {
		slog.Error("analyzer: finalize analysis failed", "observation_id", obs.ID, "error", err)
		if markErr := a.store.MarkObservationError(ctx, obs.ID, a.workerID, err.Error()); markErr != nil {
			slog.Error("analyzer: quarantine after finalize failure also failed", "observation_id", obs.ID, "error", markErr)
		}
	}
}

func summarizeProblem(findings []Finding) string {
	if len(findings) == 0 {
		return "no rule-based issues detected; query duration may be explained by data volume or contention"
	}
	return findings[0].Rationale
}

func summarizeRootCause(findings []Finding) string {
	if len(findings) == 0 {
		return "unknown — no fixed rule matched this query shape"
	}
	return string(findings[0].Kind)
}

func oracleProviderName(o Oracle) string {
	if o == nil {
		return "rules-only"
	}
	return "oracle"
}
