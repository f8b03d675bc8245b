// Package store is the Internal Store: the durable, exclusive owner of
// Observation, Analysis, and FeedbackEntry records. All other components
// reach these entities only through the Store's contract.
package store

import "time"

// SourceType identifies the dialect of a monitored database.
type SourceType string

const (
	SourceMySQL    SourceType = "mysql"
	SourcePostgres SourceType = "postgres"
)

// ObservationStatus tracks an Observation through the claim/analyze lifecycle.
// NEW -> IN_FLIGHT -> ANALYZED is the normal path; IN_FLIGHT reverts to NEW
// on claim timeout; ERROR is a terminal quarantine state for data-integrity
// failures (see spec.md §7).
type ObservationStatus string

const (
	ObservationNew       ObservationStatus = "NEW"
	ObservationInFlight  ObservationStatus = "IN_FLIGHT"
	ObservationAnalyzed  ObservationStatus = "ANALYZED"
	ObservationError     ObservationStatus = "ERROR"
)

// Observation is one captured slow execution of a SQL statement.
type Observation struct {
	ID             string
	SourceType     SourceType
	SourceHost     string
	SourceDatabase string
	Fingerprint    string
	FullSQL        string
	DurationMS     float64
	RowsExamined   *int64
	RowsReturned   *int64
	CapturedAt     time.Time
	Plan           string
	Status         ObservationStatus
	TenantScope    string
	ClaimedAt      *time.Time
	ClaimedBy      string
}

// ImprovementLevel is a hint derived from the maximum rule severity
// triggered during analysis; it is not a measurement.
type ImprovementLevel string

const (
	ImprovementLow      ImprovementLevel = "LOW"
	ImprovementMedium   ImprovementLevel = "MEDIUM"
	ImprovementHigh     ImprovementLevel = "HIGH"
	ImprovementCritical ImprovementLevel = "CRITICAL"
)

// Effectiveness is the terminal (or pending) verdict on whether a
// recommendation improved the query. Once it leaves PENDING it is terminal
// for that Analysis row.
type Effectiveness string

const (
	EffectivenessPending   Effectiveness = "PENDING"
	EffectivenessConfirmed Effectiveness = "CONFIRMED"
	EffectivenessFailed    Effectiveness = "FAILED"
)

// RecommendationKind enumerates the rule families that can produce a
// recommendation, plus an "oracle" kind for AI-sourced suggestions that
// don't map onto a fixed rule.
type RecommendationKind string

const (
	RecommendationMissingIndex       RecommendationKind = "missing_index"
	RecommendationFullScan           RecommendationKind = "full_scan"
	RecommendationSelectStar         RecommendationKind = "select_star"
	RecommendationNonSargable        RecommendationKind = "non_sargable_predicate"
	RecommendationCartesianJoin      RecommendationKind = "cartesian_join"
	RecommendationUnboundedOrderBy   RecommendationKind = "unbounded_order_by"
	RecommendationLargeOffset        RecommendationKind = "large_offset"
	RecommendationOracle             RecommendationKind = "oracle"
)

// Recommendation is one actionable item within an Analysis. Body is modeled
// as a tagged variant: Kind selects which optional fields are meaningful,
// mirroring the heterogeneous recommendation dictionaries of the source
// system (see SPEC_FULL.md design notes).
type Recommendation struct {
	Kind             RecommendationKind
	Priority         int
	Description      string
	SQL              string
	Rationale        string
	EstimatedImpact  string
}

// Analysis is the diagnostic record attached to an Observation.
type Analysis struct {
	ID               string
	ObservationID    string
	Problem          string
	RootCause        string
	Recommendations  []Recommendation
	ImprovementLevel ImprovementLevel
	Effectiveness    Effectiveness
	GainRatio        *float64
	CreatedAt        time.Time
	Provider         string
	ModelVersion     string
}

// FeedbackEntry is one pre/post evaluation record produced by the Learning
// Evaluator. At most one entry is ever recorded per AnalysisID.
type FeedbackEntry struct {
	ID            string
	Fingerprint   string
	AnalysisID    string
	OldDurationMS float64
	NewDurationMS float64
	GainRatio     float64
	CheckedAt     time.Time
}

// FingerprintSummary is one row of the dashboard's grouped-by-fingerprint view.
type FingerprintSummary struct {
	Fingerprint        string
	SampleSQL          string
	AvgDurationMS      float64
	ObservationCount   int
	BestEffectiveness  *Effectiveness
	MaxConfirmedGain   *float64
	LastSeen           time.Time
}

// SummaryFilters narrows the rows returned by SummariseByFingerprint.
type SummaryFilters struct {
	SourceType    SourceType // empty = all
	MinDurationMS float64
	Limit         int
	Offset        int
}

// GainBucket is one day's worth of CONFIRMED gain_ratio samples within the
// dashboard's rolling 7-day histogram.
type GainBucket struct {
	Day      time.Time
	MeanGain float64
	Count    int
}

// DashboardStats is the aggregate counters backing GET /stats/dashboard.
type DashboardStats struct {
	TotalObservations int
	TotalAnalyses     int
	PendingCount      int
	ConfirmedCount    int
	FailedCount       int
	ConfirmedGain7d   []GainBucket
}

// RecommendationRank is one row of the Store's top_recommendations view: the
// mean gain of CONFIRMED recommendations grouped by rule kind, used by the
// Analyzer to re-rank the oracle prompt (spec.md §4.6's learning-loop closure).
type RecommendationRank struct {
	Kind            RecommendationKind
	MeanGain        float64
	ConfirmedCount  int
	SampleSQL       string
}
