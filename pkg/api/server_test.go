package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlsentinel/sentinel/pkg/store"
)

type fakeStore struct {
	store.Store
	summaries       []store.FingerprintSummary
	observation     *store.Observation
	analysis        *store.Analysis
	getErr          error
	stats           store.DashboardStats
	statsErr        error
	lastFilters     store.SummaryFilters
	feedbackHistory []store.FeedbackEntry
	feedbackErr     error
	lastFeedbackFingerprint string
}

func (f *fakeStore) SummariseByFingerprint(ctx context.Context, filters store.SummaryFilters) ([]store.FingerprintSummary, error) {
	f.lastFilters = filters
	return f.summaries, nil
}

func (f *fakeStore) GetAnalysis(ctx context.Context, observationID string) (*store.Observation, *store.Analysis, error) {
	if f.getErr != nil {
		return nil, nil, f.getErr
	}
	return f.observation, f.analysis, nil
}

func (f *fakeStore) DashboardStats(ctx context.Context) (store.DashboardStats, error) {
	return f.stats, f.statsErr
}

func (f *fakeStore) FeedbackHistory(ctx context.Context, fingerprint string) ([]store.FeedbackEntry, error) {
	f.lastFeedbackFingerprint = fingerprint
	return f.feedbackHistory, f.feedbackErr
}

func TestListSlowQueriesHandler_ReturnsSummariesAndAppliesFilters(t *testing.T) {
	gain := 0.42
	eff := store.EffectivenessConfirmed
	st := &fakeStore{summaries: []store.FingerprintSummary{
		{Fingerprint: "fp1", SampleSQL: "select 1", AvgDurationMS: 120, ObservationCount: 4,
			BestEffectiveness: &eff, MaxConfirmedGain: &gain, LastSeen: time.Now()},
	}}
	s := NewServer(st)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/slow-queries?source_type=postgres&limit=10&min_duration_ms=50", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.SourcePostgres, st.lastFilters.SourceType)
	assert.Equal(t, 10, st.lastFilters.Limit)
	assert.InDelta(t, 50, st.lastFilters.MinDurationMS, 1e-9)

	var body struct {
		Results []SlowQuerySummary `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Results, 1)
	assert.Equal(t, "fp1", body.Results[0].Fingerprint)
	assert.Equal(t, "CONFIRMED", *body.Results[0].BestEffectiveness)
}

func TestGetSlowQueryHandler_NotFoundReturns404(t *testing.T) {
	st := &fakeStore{getErr: store.ErrNotFound}
	s := NewServer(st)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/slow-queries/missing", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSlowQueryHandler_ReturnsAnalysisWhenPresent(t *testing.T) {
	gain := 0.8
	st := &fakeStore{
		observation: &store.Observation{ID: "obs-1", Fingerprint: "fp1"},
		analysis: &store.Analysis{
			ID:            "analysis-1",
			Effectiveness: store.EffectivenessConfirmed,
			GainRatio:     &gain,
			Recommendations: []store.Recommendation{
				{Kind: store.RecommendationMissingIndex, Description: "add index"},
			},
		},
	}
	s := NewServer(st)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/slow-queries/obs-1", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var detail SlowQueryDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "obs-1", detail.Observation.ID)
	require.NotNil(t, detail.Effectiveness)
	assert.Equal(t, store.EffectivenessConfirmed, *detail.Effectiveness)
	require.Len(t, detail.Recommendations, 1)
}

func TestGetSlowQueryHandler_IncludesFeedbackHistoryByFingerprint(t *testing.T) {
	st := &fakeStore{
		observation: &store.Observation{ID: "obs-1", Fingerprint: "fp1"},
		feedbackHistory: []store.FeedbackEntry{
			{ID: "f1", Fingerprint: "fp1", AnalysisID: "analysis-1", OldDurationMS: 500, NewDurationMS: 50, GainRatio: 0.9},
		},
	}
	s := NewServer(st)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/slow-queries/obs-1", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fp1", st.lastFeedbackFingerprint)

	var detail SlowQueryDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	require.Len(t, detail.FeedbackHistory, 1)
	assert.Equal(t, "analysis-1", detail.FeedbackHistory[0].AnalysisID)
}

func TestDashboardStatsHandler_ReturnsAggregateCounters(t *testing.T) {
	st := &fakeStore{stats: store.DashboardStats{
		TotalObservations: 50,
		PendingCount:      5,
		ConfirmedCount:    20,
		FailedCount:       3,
		ConfirmedGain7d: []store.GainBucket{
			{Day: time.Now(), MeanGain: 0.5, Count: 2},
		},
	}}
	s := NewServer(st)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats/dashboard", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var overview DashboardOverview
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &overview))
	assert.Equal(t, 50, overview.TotalObservations)
	require.Len(t, overview.ConfirmedGain7d, 1)
	assert.InDelta(t, 0.5, overview.ConfirmedGain7d[0].MeanGain, 1e-9)
}

func TestHealthHandler_UnhealthyWhenStoreUnreachable(t *testing.T) {
	st := &fakeStore{statsErr: assertErr{"store down"}}
	s := NewServer(st)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
