// Package scheduler drives the Collector, Analyzer, and Learning Evaluator
// at independent cadences, each under a single-holder lease so an overrunning
// tick is skipped rather than queued.
package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// State is a job's position in the IDLE -> RUNNING -> IDLE/CANCELLING/FAILED
// state machine of spec.md §4.7.
type State string

const (
	StateIdle       State = "IDLE"
	StateRunning    State = "RUNNING"
	StateCancelling State = "CANCELLING"
	StateFailed     State = "FAILED"
)

// JobFunc is one unit of scheduled work. It must respect ctx cancellation.
type JobFunc func(ctx context.Context) error

// Job binds a name, cron spec, and JobFunc together with its own lease and
// last-observed state, reported via Snapshot for health/metrics endpoints.
type Job struct {
	Name     string
	CronSpec string
	Run      JobFunc

	running atomic.Bool
	state   atomic.Value // State
	skipped atomic.Int64
	failed  atomic.Int64
}

func newJob(name, cronSpec string, run JobFunc) *Job {
	j := &Job{Name: name, CronSpec: cronSpec, Run: run}
	j.state.Store(StateIdle)
	return j
}

// Snapshot is a job's point-in-time status.
type Snapshot struct {
	Name    string
	State   State
	Skipped int64
	Failed  int64
}

func (j *Job) snapshot() Snapshot {
	return Snapshot{
		Name:    j.Name,
		State:   j.state.Load().(State),
		Skipped: j.skipped.Load(),
		Failed:  j.failed.Load(),
	}
}

// Scheduler owns a cron runner and the jobs registered against it. Jobs never
// observe each other; a failure or long run in one never delays another.
type Scheduler struct {
	cron         *cron.Cron
	jobs         []*Job
	shutdownWait time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// Config configures cadences and the graceful-shutdown grace period.
type Config struct {
	CollectInterval time.Duration
	AnalyzeInterval time.Duration
	LearnInterval   time.Duration
	ShutdownGrace   time.Duration
}

// DefaultConfig returns spec.md §4.7/§6's documented defaults.
func DefaultConfig() Config {
	return Config{
		CollectInterval: 60 * time.Second,
		AnalyzeInterval: 300 * time.Second,
		LearnInterval:   1800 * time.Second,
		ShutdownGrace:   30 * time.Second,
	}
}

// New builds a Scheduler with its three jobs registered but not yet started.
func New(cfg Config, collect, analyze, learn JobFunc) *Scheduler {
	s := &Scheduler{shutdownWait: cfg.ShutdownGrace}
	s.jobs = []*Job{
		newJob("collector", everySpec(cfg.CollectInterval), collect),
		newJob("analyzer", everySpec(cfg.AnalyzeInterval), analyze),
		newJob("learning", everySpec(cfg.LearnInterval), learn),
	}
	return s
}

func everySpec(d time.Duration) string {
	return "@every " + d.String()
}

// Start launches the cron runner. Each tick's JobFunc is invoked with a
// context derived from the Scheduler's own lifetime context.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.cron = cron.New()
	for _, job := range s.jobs {
		job := job
		if _, err := s.cron.AddFunc(job.CronSpec, func() { s.runTick(runCtx, job) }); err != nil {
			slog.Error("scheduler: failed to register job", "job", job.Name, "error", err)
		}
	}
	s.cron.Start()

	go func() {
		<-runCtx.Done()
		close(s.done)
	}()

	slog.Info("scheduler started", "jobs", len(s.jobs))
}

func (s *Scheduler) runTick(ctx context.Context, j *Job) {
	if !j.running.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		slog.Warn("scheduler: tick skipped, previous run still in flight", "job", j.Name)
		return
	}
	defer j.running.Store(false)

	j.state.Store(StateRunning)
	start := time.Now()

	err := j.Run(ctx)

	switch {
	case ctx.Err() != nil:
		j.state.Store(StateCancelling)
		slog.Info("scheduler: job cancelled by shutdown", "job", j.Name, "elapsed", time.Since(start))
		j.state.Store(StateIdle)
	case err != nil:
		j.failed.Add(1)
		j.state.Store(StateFailed)
		slog.Error("scheduler: job run failed", "job", j.Name, "error", err, "elapsed", time.Since(start))
		j.state.Store(StateIdle)
	default:
		j.state.Store(StateIdle)
	}
}

// Stop requests shutdown and waits up to the configured grace period for
// in-flight jobs to observe cancellation before returning.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	cronCtx := s.cron.Stop()
	s.cancel()

	select {
	case <-cronCtx.Done():
	case <-time.After(s.shutdownWait):
		slog.Warn("scheduler: shutdown grace period elapsed with jobs still running")
	}
	<-s.done
	slog.Info("scheduler stopped")
}

// Snapshot reports the current state of every registered job.
func (s *Scheduler) Snapshot() []Snapshot {
	out := make([]Snapshot, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.snapshot())
	}
	return out
}
