package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sqlsentinel/sentinel/pkg/store"
)

// SlowQuerySummary is one row of GET /slow-queries, per spec.md §6.
type SlowQuerySummary struct {
	Fingerprint       string    `json:"fingerprint"`
	SampleSQL         string    `json:"sample_sql"`
	AvgDurationMS     float64   `json:"avg_duration_ms"`
	ObservationCount  int       `json:"observation_count"`
	BestEffectiveness *string   `json:"best_effectiveness"`
	MaxConfirmedGain  *float64  `json:"max_confirmed_gain"`
	LastSeen          string    `json:"last_seen"`
}

// listSlowQueriesHandler handles GET /api/v1/slow-queries.
func (s *Server) listSlowQueriesHandler(c *gin.Context) {
	filters := store.SummaryFilters{
		SourceType: store.SourceType(c.Query("source_type")),
		Limit:      queryInt(c, "limit", 50),
		Offset:     queryInt(c, "offset", 0),
	}
	if v := c.Query("min_duration_ms"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			filters.MinDurationMS = f
		}
	}

	summaries, err := s.store.SummariseByFingerprint(c.Request.Context(), filters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]SlowQuerySummary, 0, len(summaries))
	for _, f := range summaries {
		item := SlowQuerySummary{
			Fingerprint:      f.Fingerprint,
			SampleSQL:        f.SampleSQL,
			AvgDurationMS:    f.AvgDurationMS,
			ObservationCount: f.ObservationCount,
			MaxConfirmedGain: f.MaxConfirmedGain,
			LastSeen:         f.LastSeen.Format("2006-01-02T15:04:05Z07:00"),
		}
		if f.BestEffectiveness != nil {
			v := string(*f.BestEffectiveness)
			item.BestEffectiveness = &v
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

// SlowQueryDetail is the response body of GET /slow-queries/{id}.
type SlowQueryDetail struct {
	Observation     store.Observation      `json:"observation"`
	Analysis        *store.Analysis        `json:"analysis"`
	Recommendations []store.Recommendation `json:"recommendations"`
	Effectiveness   *store.Effectiveness   `json:"effectiveness"`
	GainRatio       *float64                `json:"gain_ratio"`
	FeedbackHistory []store.FeedbackEntry  `json:"feedback_history"`
}

// getSlowQueryHandler handles GET /api/v1/slow-queries/:id.
func (s *Server) getSlowQueryHandler(c *gin.Context) {
	id := c.Param("id")

	obs, analysis, err := s.store.GetAnalysis(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "observation not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	history, err := s.store.FeedbackHistory(c.Request.Context(), obs.Fingerprint)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	detail := SlowQueryDetail{Observation: *obs, FeedbackHistory: history}
	if analysis != nil {
		detail.Analysis = analysis
		detail.Recommendations = analysis.Recommendations
		detail.Effectiveness = &analysis.Effectiveness
		detail.GainRatio = analysis.GainRatio
	}
	c.JSON(http.StatusOK, detail)
}

// DashboardOverview is the response body of GET /stats/dashboard.
type DashboardOverview struct {
	TotalObservations int                 `json:"total_observations"`
	TotalAnalyses     int                 `json:"total_analyses"`
	PendingCount      int                 `json:"pending_count"`
	ConfirmedCount    int                 `json:"confirmed_count"`
	FailedCount       int                 `json:"failed_count"`
	ConfirmedGain7d   []ConfirmedGainDay `json:"confirmed_gain_7d"`
}

// ConfirmedGainDay is one bucket of the rolling 7-day CONFIRMED-gain histogram.
type ConfirmedGainDay struct {
	Day      string  `json:"day"`
	MeanGain float64 `json:"mean_gain"`
	Count    int     `json:"count"`
}

// dashboardStatsHandler handles GET /api/v1/stats/dashboard.
func (s *Server) dashboardStatsHandler(c *gin.Context) {
	stats, err := s.store.DashboardStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	overview := DashboardOverview{
		TotalObservations: stats.TotalObservations,
		TotalAnalyses:     stats.TotalAnalyses,
		PendingCount:      stats.PendingCount,
		ConfirmedCount:    stats.ConfirmedCount,
		FailedCount:       stats.FailedCount,
	}
	for _, b := range stats.ConfirmedGain7d {
		overview.ConfirmedGain7d = append(overview.ConfirmedGain7d, ConfirmedGainDay{
			Day:      b.Day.Format("2006-01-02"),
			MeanGain: b.MeanGain,
			Count:    b.Count,
		})
	}
	c.JSON(http.StatusOK, overview)
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
