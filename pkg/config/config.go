// Package config aggregates the environment-overridable settings for every
// component (Store, Collector, Analyzer, Learning Evaluator, Scheduler, API)
// into one object loaded once at process start, per spec.md §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sqlsentinel/sentinel/pkg/analyzer"
	"github.com/sqlsentinel/sentinel/pkg/collector"
	"github.com/sqlsentinel/sentinel/pkg/learning"
	"github.com/sqlsentinel/sentinel/pkg/probe"
	"github.com/sqlsentinel/sentinel/pkg/scheduler"
	"github.com/sqlsentinel/sentinel/pkg/store"
)

// Config is the umbrella configuration object returned by Load and threaded
// through cmd/sentinel's wiring.
type Config struct {
	Store     store.Config
	Collector collector.Config
	Analyzer  analyzer.Config
	Learning  learning.Config
	Scheduler scheduler.Config

	// HTTPAddr is the dashboard API's listen address.
	HTTPAddr string
	// FeedbackIdempotencyWindow bounds how long a duplicate feedback write
	// for the same AnalysisID is treated as a no-op rather than an error;
	// in practice this is unreachable because Effectiveness is terminal
	// once set (see DESIGN.md), but is loaded here for operator visibility.
	FeedbackIdempotencyWindow time.Duration
}

// Load builds a Config from environment variables, falling back to each
// component's documented defaults (spec.md §6).
func Load() (Config, error) {
	storeCfg, err := store.LoadConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("config: load store config: %w", err)
	}

	learningCfg, err := learning.LoadConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("config: load learning config: %w", err)
	}

	collectInterval, err := durationSecEnv("COLLECT_INTERVAL_SEC", 60*time.Second)
	if err != nil {
		return Config{}, err
	}
	analyzeInterval, err := durationSecEnv("ANALYZE_INTERVAL_SEC", 300*time.Second)
	if err != nil {
		return Config{}, err
	}
	learnInterval, err := durationSecEnv("LEARN_INTERVAL_SEC", 1800*time.Second)
	if err != nil {
		return Config{}, err
	}
	probeDeadline, err := durationSecEnv("PROBE_DEADLINE_SEC", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	replayOverlap, err := durationSecEnv("PROBE_REPLAY_OVERLAP_SEC", probe.DefaultReplayOverlap)
	if err != nil {
		return Config{}, err
	}
	analyzerConcurrency, err := intEnv("ANALYZER_CONCURRENCY", 4)
	if err != nil {
		return Config{}, err
	}
	oracleMaxRetries, err := intEnv("ORACLE_MAX_RETRIES", 3)
	if err != nil {
		return Config{}, err
	}
	idempotencyHours, err := intEnv("FEEDBACK_IDEMPOTENCY_HOURS", 24)
	if err != nil {
		return Config{}, err
	}

	collectorCfg := collector.DefaultConfig()
	collectorCfg.ProbeDeadline = probeDeadline
	collectorCfg.ReplayOverlap = replayOverlap

	analyzerCfg := analyzer.DefaultConfig()
	analyzerCfg.Concurrency = analyzerConcurrency
	analyzerCfg.OracleRetries = oracleMaxRetries
	analyzerCfg.StaleClaimAfter = storeCfg.StaleClaimAfter

	schedulerCfg := scheduler.DefaultConfig()
	schedulerCfg.CollectInterval = collectInterval
	schedulerCfg.AnalyzeInterval = analyzeInterval
	schedulerCfg.LearnInterval = learnInterval

	return Config{
		Store:                     storeCfg,
		Collector:                 collectorCfg,
		Analyzer:                  analyzerCfg,
		Learning:                  learningCfg,
		Scheduler:                 schedulerCfg,
		HTTPAddr:                  stringEnv("HTTP_ADDR", ":8080"),
		FeedbackIdempotencyWindow: time.Duration(idempotencyHours) * time.Hour,
	}, nil
}

func stringEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationSecEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(secs) * time.Second, nil
}
