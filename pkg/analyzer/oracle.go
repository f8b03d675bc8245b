package analyzer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sqlsentinel/sentinel/pkg/store"
)

// OracleRequest is the prompt payload handed to the AI oracle collaborator.
type OracleRequest struct {
	SQL              string
	Plan             string
	Schema           SchemaContext
	TopConfirmed     []store.RecommendationRank
}

// OracleResponse is the oracle's defensively-parsed reply. A zero-value
// response (no recommendations) is valid and simply contributes nothing
// beyond the rule-based findings.
type OracleResponse struct {
	Problem         string
	RootCause       string
	Recommendations []store.Recommendation
}

// Oracle is the AI provider collaborator. Implementations may call out to
// any LLM; the Analyzer treats it as an opaque, possibly-unreliable oracle.
type Oracle interface {
	Analyze(ctx context.Context, req OracleRequest) (OracleResponse, error)
}

// oracleConfig tunes retry behaviour for a flaky Oracle.
type oracleConfig struct {
	MaxRetries  int
	MaxElapsed  time.Duration
}

func defaultOracleConfig() oracleConfig {
	return oracleConfig{MaxRetries: 3, MaxElapsed: 30 * time.Second}
}

// callOracleWithRetry makes up to MaxRetries attempts at a failing Oracle
// call, waiting between attempts with exponential backoff in which each
// single wait is capped at MaxElapsed. A persistent failure returns the
// last error so the caller can fall back to rules-only analysis rather than
// leave the observation stuck.
func callOracleWithRetry(ctx context.Context, o Oracle, req OracleRequest, cfg oracleConfig) (OracleResponse, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = cfg.MaxElapsed
	if bo.InitialInterval > bo.MaxInterval {
		bo.InitialInterval = bo.MaxInterval
	}
	bo.MaxElapsedTime = 0

	var resp OracleResponse
	attempts := 0
	operation := func() error {
		attempts++
		var err error
		resp, err = o.Analyze(ctx, req)
		if err != nil && attempts >= cfg.MaxRetries {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	return resp, err
}
