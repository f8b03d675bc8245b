package store

import (
	"context"
	"time"
)

// Store is the Internal Store's contract: the only way the rest of the
// system may read or write Observation, Analysis, and FeedbackEntry rows.
// Every method must be safe for concurrent use by multiple collector,
// analyzer, and learning-evaluator goroutines, including across separate
// processes sharing one database.
type Store interface {
	// InsertObservation inserts a new Observation in status NEW. It is
	// idempotent per (Fingerprint, CapturedAt, SourceHost): re-inserting
	// the identical capture is a no-op that
	// returns the existing row's ID rather than erroring.
	InsertObservation(ctx context.Context, obs Observation) (id string, err error)

	// ClaimNewObservations atomically selects up to limit rows in status
	// NEW, transitions them to IN_FLIGHT tagged with claimedBy, and returns
	// them. Two concurrent callers never receive the same row
	// (SKIP LOCKED semantics).
	ClaimNewObservations(ctx context.Context, limit int, claimedBy string) ([]Observation, error)

	// FinalizeAnalysis atomically writes an Analysis row and transitions its
	// Observation to ANALYZED. Returns ErrAlreadyAnalyzed if the Observation
	// is not currently IN_FLIGHT under claimedBy.
	FinalizeAnalysis(ctx context.Context, observationID, claimedBy string, analysis Analysis) (id string, err error)

	// MarkObservationError transitions an Observation straight to the
	// terminal ERROR status, used for observations the Analyzer can never
	// process (e.g. SQL too short to fingerprint meaningfully).
	MarkObservationError(ctx context.Context, observationID, claimedBy, reason string) error

	// ReclaimStaleClaims reverts any IN_FLIGHT Observation whose ClaimedAt is
	// older than olderThan back to NEW, clearing ClaimedBy/ClaimedAt. Returns
	// the count reverted. Safe to call concurrently and repeatedly.
	ReclaimStaleClaims(ctx context.Context, olderThan time.Duration) (int, error)

	// PendingAnalyses returns Analyses whose Effectiveness is PENDING and
	// whose CreatedAt is at least minAge in the past, paired with the
	// originating Observation's duration and fingerprint — the working set
	// for one Learning Evaluator pass.
	PendingAnalyses(ctx context.Context, minAge time.Duration, limit int) ([]PendingAnalysis, error)

	// PostObservations returns Observations for fingerprint with
	// CapturedAt > after, most recent first (CapturedAt descending), capped
	// at limit — the Learning Evaluator's post-recommendation sample window.
	PostObservations(ctx context.Context, fingerprint string, after time.Time, limit int) ([]Observation, error)

	// RecordFeedback writes a FeedbackEntry and updates the parent
	// Analysis's Effectiveness/GainRatio in one transaction. Returns
	// ErrDuplicateFeedback if an entry already exists for AnalysisID.
	RecordFeedback(ctx context.Context, entry FeedbackEntry, effectiveness Effectiveness) error

	// ExpirePendingAnalysis terminalises an analysis that has sat PENDING
	// past max_pending_age, setting effectiveness=FAILED and gain_ratio=NULL
	// without writing a FeedbackEntry — there is no measured gain to record.
	ExpirePendingAnalysis(ctx context.Context, analysisID string) error

	// DashboardStats returns the aggregate counters and rolling 7-day
	// CONFIRMED-gain histogram for the dashboard's overview endpoint.
	DashboardStats(ctx context.Context) (DashboardStats, error)

	// SummariseByFingerprint returns the dashboard's grouped, filtered,
	// paginated view over fingerprints.
	SummariseByFingerprint(ctx context.Context, filters SummaryFilters) ([]FingerprintSummary, error)

	// GetAnalysis fetches one Analysis (with its Observation) by Observation
	// ID, for the dashboard's detail endpoint.
	GetAnalysis(ctx context.Context, observationID string) (*Observation, *Analysis, error)

	// FeedbackHistory returns every FeedbackEntry recorded for fingerprint,
	// ordered by CheckedAt ascending, for the dashboard detail endpoint's
	// effectiveness timeline.
	FeedbackHistory(ctx context.Context, fingerprint string) ([]FeedbackEntry, error)

	// TopRecommendations returns the mean CONFIRMED gain per recommendation
	// kind, used to bias future oracle prompts toward what has historically
	// worked.
	TopRecommendations(ctx context.Context, limit int) ([]RecommendationRank, error)

	// GetProbeCursor returns the persisted cursor for probeID, or "" if none
	// has ever been stored.
	GetProbeCursor(ctx context.Context, probeID string) (string, error)

	// SetProbeCursor persists probeID's cursor. The Collector calls it after
	// every row of the batch the cursor advances past has either been
	// written or failed to insert and been logged.
	SetProbeCursor(ctx context.Context, probeID, cursor string) error

	// Close releases underlying resources (connection pool, etc).
	Close() error
}

// PendingAnalysis pairs an Analysis awaiting feedback with the data the
// Learning Evaluator needs to measure the post-fix duration: the originating
// fingerprint and the baseline (pre-fix) duration.
type PendingAnalysis struct {
	Analysis        Analysis
	Fingerprint     string
	SourceType      SourceType
	SourceHost      string
	SourceDatabase  string
	BaselineMS      float64
	BaselineCapturedAt time.Time
}
