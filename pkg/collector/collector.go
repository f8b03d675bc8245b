// Package collector periodically drains every enabled Upstream Probe,
// fingerprints the rows it yields, and writes them through the Store with
// dedup. It never invokes the Analyzer.
package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sqlsentinel/sentinel/pkg/fingerprint"
	"github.com/sqlsentinel/sentinel/pkg/probe"
	"github.com/sqlsentinel/sentinel/pkg/store"
)

// Config tunes the Collector's fan-out and per-probe deadline.
type Config struct {
	// MaxConcurrentProbes bounds how many probes may be drained at once.
	MaxConcurrentProbes int
	// ProbeDeadline bounds how long a single probe's FetchSince may run.
	ProbeDeadline time.Duration
	// ReplayOverlap is how far behind their cursor timestamp-based probes
	// (e.g. MySQL) re-query on every poll, to tolerate clock skew between
	// the probe host and the monitored database.
	ReplayOverlap time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrentProbes: 16, ProbeDeadline: 30 * time.Second, ReplayOverlap: probe.DefaultReplayOverlap}
}

// Collector fans out one task per enabled probe, bounded by a semaphore.
// Overlapping triggers for the same probe are dropped, not queued.
type Collector struct {
	cfg    Config
	store  store.Store
	probes []probe.Probe

	sem chan struct{}

	mu       sync.Mutex
	inFlight map[string]bool

	health *healthTracker
}

// New constructs a Collector over the given probes.
func New(cfg Config, st store.Store, probes []probe.Probe) *Collector {
	if cfg.MaxConcurrentProbes <= 0 {
		cfg.MaxConcurrentProbes = 16
	}
	if cfg.ProbeDeadline <= 0 {
		cfg.ProbeDeadline = 30 * time.Second
	}
	return &Collector{
		cfg:      cfg,
		store:    st,
		probes:   probes,
		sem:      make(chan struct{}, cfg.MaxConcurrentProbes),
		inFlight: make(map[string]bool),
		health:   newHealthTracker(),
	}
}

// Run drains every enabled probe once, in parallel bounded by the
// configured semaphore, and returns once all probes have finished (or been
// skipped because a prior run for that probe is still in flight).
func (c *Collector) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range c.probes {
		if c.health.isDisabled(p.ID()) {
			continue
		}
		if !c.tryLease(p.ID()) {
			slog.Warn("collector: skipping probe, prior run still in flight", "probe_id", p.ID())
			continue
		}

		wg.Add(1)
		go func(p probe.Probe) {
			defer wg.Done()
			defer c.releaseLease(p.ID())

			c.sem <- struct{}{}
			defer func() { <-c.sem }()

			c.drainOne(ctx, p)
		}(p)
	}
	wg.Wait()
}

func (c *Collector) tryLease(probeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[probeID] {
		return false
	}
	c.inFlight[probeID] = true
	return true
}

func (c *Collector) releaseLease(probeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, probeID)
}

// drainOne fetches one batch from p, fingerprints and persists each row,
// and then advances p's cursor. A row whose insert fails is logged and
// skipped; the cursor still advances past it.
func (c *Collector) drainOne(ctx context.Context, p probe.Probe) {
	deadlineCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeDeadline)
	defer cancel()

	cursorStr, err := c.store.GetProbeCursor(ctx, p.ID())
	if err != nil {
		slog.Error("collector: load cursor failed", "probe_id", p.ID(), "error", err)
		return
	}

	drafts, newCursor, err := p.FetchSince(deadlineCtx, probe.Cursor(cursorStr))
	if err != nil {
		c.health.recordFailure(p.ID(), err)
		slog.Warn("collector: probe fetch failed", "probe_id", p.ID(), "error", err)
		return
	}
	c.health.recordSuccess(p.ID())

	for _, d := range drafts {
		obs := store.Observation{
			SourceType:     p.SourceType(),
			SourceHost:     p.SourceHost(),
			SourceDatabase: p.SourceDatabase(),
			Fingerprint:    fingerprint.Compute(d.FullSQL),
			FullSQL:        d.FullSQL,
			DurationMS:     d.DurationMS,
			RowsExamined:   d.RowsExamined,
			RowsReturned:   d.RowsReturned,
			CapturedAt:     d.CapturedAt,
			Plan:           d.Plan,
			TenantScope:    p.TenantScope(),
		}
		if _, err := c.store.InsertObservation(ctx, obs); err != nil {
			// A single bad row (e.g. failing validation) never blocks the
			// rest of the batch or the cursor advance that follows it.
			slog.Error("collector: insert observation failed", "probe_id", p.ID(), "error", err)
		}
	}

	if newCursor == probe.Cursor(cursorStr) {
		return
	}
	if err := c.store.SetProbeCursor(ctx, p.ID(), string(newCursor)); err != nil {
		slog.Error("collector: persist cursor failed", "probe_id", p.ID(), "error", err)
	}
}

// HealthSnapshot returns the current health counters, keyed by probe ID.
func (c *Collector) HealthSnapshot() map[string]ProbeHealth {
	return c.health.snapshot()
}
