package learning

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config tunes the Learning Evaluator's classification thresholds, all
// overridable via environment per spec.md §6.
type Config struct {
	// MinAge bounds how long a PENDING analysis must sit before it is
	// eligible for evaluation.
	MinAge time.Duration
	// Grace is added to the originating observation's CapturedAt before
	// post-observations are looked up, so the recommendation has time to
	// actually be deployed.
	Grace time.Duration
	// SampleSize is how many of the most recent post-observations are
	// averaged into D_new.
	SampleSize int
	// MinSamples is the floor below which an analysis is left PENDING
	// rather than partially evaluated.
	MinSamples int
	// ImprovementThreshold is the gain_ratio floor for CONFIRMED.
	ImprovementThreshold float64
	// MaxPendingAge bounds how long an analysis may sit PENDING before it
	// is terminalised as FAILED to bound memory.
	MaxPendingAge time.Duration
	// MinBaselineMS filters out analyses whose pre-fix duration is so small
	// that measurement jitter would dominate the gain computation — the
	// spec's open question on very low D_old.
	MinBaselineMS float64
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MinAge:               10 * time.Minute,
		Grace:                10 * time.Minute,
		SampleSize:           5,
		MinSamples:           3,
		ImprovementThreshold: 0.30,
		MaxPendingAge:        30 * 24 * time.Hour,
		MinBaselineMS:        10,
	}
}

// LoadConfigFromEnv loads the Learning Evaluator's configuration from
// environment variables, falling back to DefaultConfig's values.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v, ok := os.LookupEnv("LEARN_INTERVAL_SEC"); ok {
		_ = v // interval belongs to the scheduler, not this config; documented here for discoverability
	}

	threshold, err := parseFloatEnv("IMPROVEMENT_THRESHOLD", cfg.ImprovementThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.ImprovementThreshold = threshold

	minSamples, err := parseIntEnv("LEARN_MIN_SAMPLES", cfg.MinSamples)
	if err != nil {
		return Config{}, err
	}
	cfg.MinSamples = minSamples

	sampleSize, err := parseIntEnv("LEARN_SAMPLE_SIZE", cfg.SampleSize)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleSize = sampleSize

	graceMin, err := parseIntEnv("LEARN_GRACE_MIN", int(cfg.Grace/time.Minute))
	if err != nil {
		return Config{}, err
	}
	cfg.Grace = time.Duration(graceMin) * time.Minute

	maxPendingDays, err := parseIntEnv("MAX_PENDING_AGE_DAYS", int(cfg.MaxPendingAge/(24*time.Hour)))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxPendingAge = time.Duration(maxPendingDays) * 24 * time.Hour

	minBaseline, err := parseFloatEnv("LEARN_MIN_BASELINE_MS", cfg.MinBaselineMS)
	if err != nil {
		return Config{}, err
	}
	cfg.MinBaselineMS = minBaseline

	return cfg, nil
}

func parseFloatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func parseIntEnv(key string, def int) (int, error) {
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
