package analyzer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlsentinel/sentinel/pkg/store"
)

type fakeStore struct {
	store.Store
	mu         sync.Mutex
	claimed    []store.Observation
	finalized  []store.Analysis
	marked     []string
	claimLimit int
	reclaimCalls []time.Duration
}

func (f *fakeStore) ClaimNewObservations(ctx context.Context, limit int, claimedBy string) ([]store.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claimed, nil
}

func (f *fakeStore) FinalizeAnalysis(ctx context.Context, observationID, claimedBy string, analysis store.Analysis) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, analysis)
	return "analysis-id", nil
}

func (f *fakeStore) MarkObservationError(ctx context.Context, observationID, claimedBy, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, observationID)
	return nil
}

func (f *fakeStore) TopRecommendations(ctx context.Context, limit int) ([]store.RecommendationRank, error) {
	return nil, nil
}

func (f *fakeStore) ReclaimStaleClaims(ctx context.Context, olderThan time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reclaimCalls = append(f.reclaimCalls, olderThan)
	return 0, nil
}

type fakeSchema struct{}

func (fakeSchema) Introspect(ctx context.Context, host, database string, tables []string) (SchemaContext, error) {
	return SchemaContext{Tables: map[string]TableInfo{}}, nil
}

type alwaysFailOracle struct{ calls int }

func (o *alwaysFailOracle) Analyze(ctx context.Context, req OracleRequest) (OracleResponse, error) {
	o.calls++
	return OracleResponse{}, errors.New("oracle unavailable")
}

type succeedingOracle struct{}

func (succeedingOracle) Analyze(ctx context.Context, req OracleRequest) (OracleResponse, error) {
	return OracleResponse{
		Problem:   "slow join",
		RootCause: "missing index",
		Recommendations: []store.Recommendation{
			{Kind: store.RecommendationOracle, Description: "add an index", SQL: "CREATE INDEX ..."},
		},
	}, nil
}

func TestAnalyzer_Run_FallsBackToRulesWhenOracleExhaustsRetries(t *testing.T) {
	st := &fakeStore{claimed: []store.Observation{
		{ID: "obs-1", FullSQL: "select * from orders", SourceHost: "h", SourceDatabase: "d"},
	}}
	oracle := &alwaysFailOracle{}
	cfg := Config{BatchSize: 50, Concurrency: 1, OracleRetries: 2, OracleMaxWait: 200 * time.Millisecond}
	a := New(cfg, st, fakeSchema{}, oracle, "worker-1")

	n, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, st.finalized, 1)
	assert.GreaterOrEqual(t, len(st.finalized[0].Recommendations), minRecommendations)
	assert.GreaterOrEqual(t, oracle.calls, 2)
}

func TestAnalyzer_Run_UsesOracleRecommendationsWhenAvailable(t *testing.T) {
	st := &fakeStore{claimed: []store.Observation{
		{ID: "obs-1", FullSQL: "select * from orders where id = ?", SourceHost: "h", SourceDatabase: "d"},
	}}
	a := New(DefaultConfig(), st, fakeSchema{}, succeedingOracle{}, "worker-1")

	_, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, st.finalized, 1)
	assert.Equal(t, "slow join", st.finalized[0].Problem)
	assert.Equal(t, store.RecommendationOracle, st.finalized[0].Recommendations[0].Kind)
}

func TestAnalyzer_Run_NilOracleIsRulesOnly(t *testing.T) {
	st := &fakeStore{claimed: []store.Observation{
		{ID: "obs-1", FullSQL: "select * from orders", SourceHost: "h", SourceDatabase: "d"},
	}}
	a := New(DefaultConfig(), st, fakeSchema{}, nil, "worker-1")

	_, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, st.finalized, 1)
	assert.Equal(t, "rules-only", st.finalized[0].Provider)
}

func TestAnalyzer_Run_NoClaimableObservationsIsANoop(t *testing.T) {
	st := &fakeStore{}
	a := New(DefaultConfig(), st, fakeSchema{}, nil, "worker-1")
	n, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, st.finalized)
}

func TestAnalyzer_Run_ReclaimsStaleClaimsBeforeClaimingNewWork(t *testing.T) {
	st := &fakeStore{}
	cfg := DefaultConfig()
	cfg.StaleClaimAfter = 5 * time.Minute
	a := New(cfg, st, fakeSchema{}, nil, "worker-1")

	_, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, st.reclaimCalls, 1)
	assert.Equal(t, 5*time.Minute, st.reclaimCalls[0])
}

func TestAnalyzer_Run_SkipsReclaimWhenStaleClaimAfterIsZero(t *testing.T) {
	st := &fakeStore{}
	cfg := Config{BatchSize: 50, Concurrency: 1}
	a := New(cfg, st, fakeSchema{}, nil, "worker-1")

	_, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.reclaimCalls)
}
