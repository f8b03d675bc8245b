package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore is the Store implementation backed by a pooled *sql.DB using
// the pgx driver. All multi-statement operations run inside a transaction;
// claims use SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers never
// contend for the same row.
type PostgresStore struct {
	db              *stdsql.DB
	staleClaimAfter time.Duration
}

// NewPostgresStore wraps an already-open, migrated *sql.DB.
func NewPostgresStore(db *stdsql.DB, staleClaimAfter time.Duration) *PostgresStore {
	return &PostgresStore{db: db, staleClaimAfter: staleClaimAfter}
}

// DB returns the underlying pool for health checks.
func (s *PostgresStore) DB() *stdsql.DB { return s.db }

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) InsertObservation(ctx context.Context, obs Observation) (string, error) {
	if obs.Fingerprint == "" {
		return "", NewValidationError("Fingerprint", "must not be empty")
	}
	if obs.DurationMS < 0 {
		return "", NewValidationError("DurationMS", "must not be negative")
	}

	id := uuid.NewString()
	const q = `
		INSERT INTO observations
			(id, source_type, source_host, source_database, fingerprint, full_sql,
			 duration_ms, rows_examined, rows_returned, captured_at, plan, status, tenant_scope)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'NEW', $12)
		ON CONFLICT (fingerprint, captured_at, source_host)
		DO UPDATE SET source_type = observations.source_type
		RETURNING id`

	var returnedID string
	err := s.db.QueryRowContext(ctx, q,
		id, string(obs.SourceType), obs.SourceHost, obs.SourceDatabase, obs.Fingerprint, obs.FullSQL,
		obs.DurationMS, obs.RowsExamined, obs.RowsReturned, obs.CapturedAt, obs.Plan, obs.TenantScope,
	).Scan(&returnedID)
	if err != nil {
		return "", fmt.Errorf("store: insert observation: %w", err)
	}
	return returnedID, nil
}

func (s *PostgresStore) ClaimNewObservations(ctx context.Context, limit int, claimedBy string) ([]Observation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const selectQ = `
		SELECT id, source_type, source_host, source_database, fingerprint, full_sql,
		       duration_ms, rows_examined, rows_returned, captured_at, plan, tenant_scope
		FROM observations
		WHERE status = 'NEW'
		ORDER BY captured_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`

	rows, err := tx.QueryContext(ctx, selectQ, limit)
	if err != nil {
		return nil, fmt.Errorf("store: select claimable observations: %w", err)
	}

	var ids []string
	var obsList []Observation
	for rows.Next() {
		var o Observation
		var sourceType string
		if err := rows.Scan(&o.ID, &sourceType, &o.SourceHost, &o.SourceDatabase, &o.Fingerprint,
			&o.FullSQL, &o.DurationMS, &o.RowsExamined, &o.RowsReturned, &o.CapturedAt, &o.Plan, &o.TenantScope); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("store: scan claimable observation: %w", err)
		}
		o.SourceType = SourceType(sourceType)
		ids = append(ids, o.ID)
		obsList = append(obsList, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate claimable observations: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UTC()
	const updateQ = `
		UPDATE observations
		SET status = 'IN_FLIGHT', claimed_at = $1, claimed_by = $2
		WHERE id = ANY($3)`
	if _, err := tx.ExecContext(ctx, updateQ, now, claimedBy, ids); err != nil {
		return nil, fmt.Errorf("store: mark observations in-flight: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit claim tx: %w", err)
	}

	for i := range obsList {
		obsList[i].Status = ObservationInFlight
		obsList[i].ClaimedAt = &now
		obsList[i].ClaimedBy = claimedBy
	}
	return obsList, nil
}

func (s *PostgresStore) FinalizeAnalysis(ctx context.Context, observationID, claimedBy string, analysis Analysis) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin finalize tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const lockQ = `SELECT status, claimed_by FROM observations WHERE id = $1 FOR UPDATE`
	var status, owner string
	err = tx.QueryRowContext(ctx, lockQ, observationID).Scan(&status, &owner)
	if errors.Is(err, stdsql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: lock observation: %w", err)
	}
	if status != string(ObservationInFlight) || owner != claimedBy {
		return "", ErrAlreadyAnalyzed
	}

	recsJSON, err := json.Marshal(analysis.Recommendations)
	if err != nil {
		return "", fmt.Errorf("store: marshal recommendations: %w", err)
	}

	id := uuid.NewString()
	const insertQ = `
		INSERT INTO analyses
			(id, observation_id, problem, root_cause, recommendations, improvement_level,
			 effectiveness, provider, model_version)
		VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', $7, $8)`
	if _, err := tx.ExecContext(ctx, insertQ, id, observationID, analysis.Problem, analysis.RootCause,
		recsJSON, string(analysis.ImprovementLevel), analysis.Provider, analysis.ModelVersion); err != nil {
		return "", fmt.Errorf("store: insert analysis: %w", err)
	}

	const updateQ = `UPDATE observations SET status = 'ANALYZED' WHERE id = $1`
	if _, err := tx.ExecContext(ctx, updateQ, observationID); err != nil {
		return "", fmt.Errorf("store: mark observation analyzed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit finalize tx: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) MarkObservationError(ctx context.Context, observationID, claimedBy, reason string) error {
	const q = `
		UPDATE observations
		SET status = 'ERROR', plan = $3
		WHERE id = $1 AND status = 'IN_FLIGHT' AND claimed_by = $2`
	res, err := s.db.ExecContext(ctx, q, observationID, claimedBy, reason)
	if err != nil {
		return fmt.Errorf("store: mark observation error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrAlreadyAnalyzed
	}
	return nil
}

func (s *PostgresStore) ReclaimStaleClaims(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	const q = `
		UPDATE observations
		SET status = 'NEW', claimed_at = NULL, claimed_by = ''
		WHERE status = 'IN_FLIGHT' AND claimed_at < $1`
	res, err := s.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: reclaim stale claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: rows affected: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) PendingAnalyses(ctx context.Context, minAge time.Duration, limit int) ([]PendingAnalysis, error) {
	cutoff := time.Now().UTC().Add(-minAge)
	const q = `
		SELECT a.id, a.observation_id, a.problem, a.root_cause, a.recommendations,
		       a.improvement_level, a.effectiveness, a.gain_ratio, a.created_at,
		       a.provider, a.model_version,
		       o.fingerprint, o.source_type, o.source_host, o.source_database, o.duration_ms, o.captured_at
		FROM analyses a
		JOIN observations o ON o.id = a.observation_id
		WHERE a.effectiveness = 'PENDING' AND a.created_at <= $1
		ORDER BY a.created_at
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query pending analyses: %w", err)
	}
	defer rows.Close()

	var out []PendingAnalysis
	for rows.Next() {
		var p PendingAnalysis
		var recsJSON []byte
		var improvement, effectiveness, sourceType string
		var gainRatio stdsql.NullFloat64
		if err := rows.Scan(&p.Analysis.ID, &p.Analysis.ObservationID, &p.Analysis.Problem, &p.Analysis.RootCause,
			&recsJSON, &improvement, &effectiveness, &gainRatio, &p.Analysis.CreatedAt,
			&p.Analysis.Provider, &p.Analysis.ModelVersion,
			&p.Fingerprint, &sourceType, &p.SourceHost, &p.SourceDatabase, &p.BaselineMS, &p.BaselineCapturedAt); err != nil {
			return nil, fmt.Errorf("store: scan pending analysis: %w", err)
		}
		if err := json.Unmarshal(recsJSON, &p.Analysis.Recommendations); err != nil {
			return nil, fmt.Errorf("store: unmarshal recommendations: %w", err)
		}
		p.Analysis.ImprovementLevel = ImprovementLevel(improvement)
		p.Analysis.Effectiveness = Effectiveness(effectiveness)
		if gainRatio.Valid {
			p.Analysis.GainRatio = &gainRatio.Float64
		}
		p.SourceType = SourceType(sourceType)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PostObservations(ctx context.Context, fingerprint string, after time.Time, limit int) ([]Observation, error) {
	const q = `
		SELECT id, source_type, source_host, source_database, fingerprint, full_sql,
		       duration_ms, rows_examined, rows_returned, captured_at, plan, status, tenant_scope
		FROM observations
		WHERE fingerprint = $1 AND captured_at > $2
		ORDER BY captured_at DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, q, fingerprint, after, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query post observations: %w", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var o Observation
		var sourceType, status string
		if err := rows.Scan(&o.ID, &sourceType, &o.SourceHost, &o.SourceDatabase, &o.Fingerprint, &o.FullSQL,
			&o.DurationMS, &o.RowsExamined, &o.RowsReturned, &o.CapturedAt, &o.Plan, &status, &o.TenantScope); err != nil {
			return nil, fmt.Errorf("store: scan post observation: %w", err)
		}
		o.SourceType = SourceType(sourceType)
		o.Status = ObservationStatus(status)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordFeedback(ctx context.Context, entry FeedbackEntry, effectiveness Effectiveness) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin feedback tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	const checkQ = `SELECT EXISTS(SELECT 1 FROM feedback_entries WHERE analysis_id = $1)`
	if err := tx.QueryRowContext(ctx, checkQ, entry.AnalysisID).Scan(&exists); err != nil {
		return fmt.Errorf("store: check existing feedback: %w", err)
	}
	if exists {
		return ErrDuplicateFeedback
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	const insertQ = `
		INSERT INTO feedback_entries
			(id, fingerprint, analysis_id, old_duration_ms, new_duration_ms, gain_ratio)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.ExecContext(ctx, insertQ, entry.ID, entry.Fingerprint, entry.AnalysisID,
		entry.OldDurationMS, entry.NewDurationMS, entry.GainRatio); err != nil {
		return fmt.Errorf("store: insert feedback entry: %w", err)
	}

	const updateQ = `UPDATE analyses SET effectiveness = $2, gain_ratio = $3 WHERE id = $1 AND effectiveness = 'PENDING'`
	res, err := tx.ExecContext(ctx, updateQ, entry.AnalysisID, string(effectiveness), entry.GainRatio)
	if err != nil {
		return fmt.Errorf("store: update analysis effectiveness: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrDuplicateFeedback
	}

	return tx.Commit()
}

func (s *PostgresStore) FeedbackHistory(ctx context.Context, fingerprint string) ([]FeedbackEntry, error) {
	const q = `
		SELECT id, fingerprint, analysis_id, old_duration_ms, new_duration_ms, gain_ratio, checked_at
		FROM feedback_entries
		WHERE fingerprint = $1
		ORDER BY checked_at ASC`

	rows, err := s.db.QueryContext(ctx, q, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("store: query feedback history: %w", err)
	}
	defer rows.Close()

	var out []FeedbackEntry
	for rows.Next() {
		var f FeedbackEntry
		if err := rows.Scan(&f.ID, &f.Fingerprint, &f.AnalysisID, &f.OldDurationMS, &f.NewDurationMS,
			&f.GainRatio, &f.CheckedAt); err != nil {
			return nil, fmt.Errorf("store: scan feedback entry: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ExpirePendingAnalysis(ctx context.Context, analysisID string) error {
	const q = `UPDATE analyses SET effectiveness = 'FAILED', gain_ratio = NULL WHERE id = $1 AND effectiveness = 'PENDING'`
	if _, err := s.db.ExecContext(ctx, q, analysisID); err != nil {
		return fmt.Errorf("store: expire pending analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) DashboardStats(ctx context.Context) (DashboardStats, error) {
	var stats DashboardStats

	const countsQ = `
		SELECT
			(SELECT count(*) FROM observations) AS total_observations,
			(SELECT count(*) FROM analyses) AS total_analyses,
			(SELECT count(*) FROM analyses WHERE effectiveness = 'PENDING') AS pending_count,
			(SELECT count(*) FROM analyses WHERE effectiveness = 'CONFIRMED') AS confirmed_count,
			(SELECT count(*) FROM analyses WHERE effectiveness = 'FAILED') AS failed_count`
	if err := s.db.QueryRowContext(ctx, countsQ).Scan(
		&stats.TotalObservations, &stats.TotalAnalyses,
		&stats.PendingCount, &stats.ConfirmedCount, &stats.FailedCount,
	); err != nil {
		return DashboardStats{}, fmt.Errorf("store: query dashboard counts: %w", err)
	}

	const histogramQ = `
		SELECT date_trunc('day', f.checked_at) AS day, avg(f.gain_ratio), count(*)
		FROM feedback_entries f
		JOIN analyses a ON a.id = f.analysis_id
		WHERE a.effectiveness = 'CONFIRMED' AND f.checked_at >= now() - interval '7 days'
		GROUP BY day
		ORDER BY day`
	rows, err := s.db.QueryContext(ctx, histogramQ)
	if err != nil {
		return DashboardStats{}, fmt.Errorf("store: query confirmed-gain histogram: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var b GainBucket
		if err := rows.Scan(&b.Day, &b.MeanGain, &b.Count); err != nil {
			return DashboardStats{}, fmt.Errorf("store: scan gain bucket: %w", err)
		}
		stats.ConfirmedGain7d = append(stats.ConfirmedGain7d, b)
	}
	return stats, rows.Err()
}

func (s *PostgresStore) SummariseByFingerprint(ctx context.Context, filters SummaryFilters) ([]FingerprintSummary, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT
			o.fingerprint,
			(array_agg(o.full_sql ORDER BY o.captured_at DESC))[1] AS sample_sql,
			avg(o.duration_ms) AS avg_duration_ms,
			count(*) AS observation_count,
			max(a.effectiveness) FILTER (WHERE a.effectiveness = 'CONFIRMED') AS best_effectiveness,
			max(a.gain_ratio) FILTER (WHERE a.effectiveness = 'CONFIRMED') AS max_confirmed_gain,
			max(o.captured_at) AS last_seen
		FROM observations o
		LEFT JOIN analyses a ON a.observation_id = o.id
		WHERE ($1 = '' OR o.source_type = $1) AND o.duration_ms >= $2
		GROUP BY o.fingerprint
		ORDER BY last_seen DESC
		LIMIT $3 OFFSET $4`

	rows, err := s.db.QueryContext(ctx, q, string(filters.SourceType), filters.MinDurationMS, limit, filters.Offset)
	if err != nil {
		return nil, fmt.Errorf("store: query fingerprint summaries: %w", err)
	}
	defer rows.Close()

	var out []FingerprintSummary
	for rows.Next() {
		var f FingerprintSummary
		var bestEffectiveness stdsql.NullString
		var maxGain stdsql.NullFloat64
		if err := rows.Scan(&f.Fingerprint, &f.SampleSQL, &f.AvgDurationMS, &f.ObservationCount,
			&bestEffectiveness, &maxGain, &f.LastSeen); err != nil {
			return nil, fmt.Errorf("store: scan fingerprint summary: %w", err)
		}
		if bestEffectiveness.Valid {
			e := Effectiveness(bestEffectiveness.String)
			f.BestEffectiveness = &e
		}
		if maxGain.Valid {
			f.MaxConfirmedGain = &maxGain.Float64
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, observationID string) (*Observation, *Analysis, error) {
	const q = `
		SELECT o.id, o.source_type, o.source_host, o.source_database, o.fingerprint, o.full_sql,
		       o.duration_ms, o.rows_examined, o.rows_returned, o.captured_at, o.plan, o.status, o.tenant_scope,
		       a.id, a.problem, a.root_cause, a.recommendations, a.improvement_level, a.effectiveness,
		       a.gain_ratio, a.created_at, a.provider, a.model_version
		FROM observations o
		LEFT JOIN analyses a ON a.observation_id = o.id
		WHERE o.id = $1`

	var o Observation
	var sourceType, status string
	var analysisID, problem, rootCause, improvement, effectiveness, provider, modelVersion stdsql.NullString
	var recsJSON []byte
	var gainRatio stdsql.NullFloat64
	var createdAt stdsql.NullTime

	err := s.db.QueryRowContext(ctx, q, observationID).Scan(
		&o.ID, &sourceType, &o.SourceHost, &o.SourceDatabase, &o.Fingerprint, &o.FullSQL,
		&o.DurationMS, &o.RowsExamined, &o.RowsReturned, &o.CapturedAt, &o.Plan, &status, &o.TenantScope,
		&analysisID, &problem, &rootCause, &recsJSON, &improvement, &effectiveness,
		&gainRatio, &createdAt, &provider, &modelVersion,
	)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("store: get analysis: %w", err)
	}
	o.SourceType = SourceType(sourceType)
	o.Status = ObservationStatus(status)

	if !analysisID.Valid {
		return &o, nil, nil
	}

	a := &Analysis{
		ID:               analysisID.String,
		ObservationID:    o.ID,
		Problem:          problem.String,
		RootCause:        rootCause.String,
		ImprovementLevel: ImprovementLevel(improvement.String),
		Effectiveness:    Effectiveness(effectiveness.String),
		Provider:         provider.String,
		ModelVersion:     modelVersion.String,
	}
	if createdAt.Valid {
		a.CreatedAt = createdAt.Time
	}
	if gainRatio.Valid {
		a.GainRatio = &gainRatio.Float64
	}
	if len(recsJSON) > 0 {
		if err := json.Unmarshal(recsJSON, &a.Recommendations); err != nil {
			return nil, nil, fmt.Errorf("store: unmarshal recommendations: %w", err)
		}
	}
	return &o, a, nil
}

func (s *PostgresStore) GetProbeCursor(ctx context.Context, probeID string) (string, error) {
	const q = `SELECT cursor_value FROM probe_cursors WHERE probe_id = $1`
	var cursor string
	err := s.db.QueryRowContext(ctx, q, probeID).Scan(&cursor)
	if errors.Is(err, stdsql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get probe cursor: %w", err)
	}
	return cursor, nil
}

func (s *PostgresStore) SetProbeCursor(ctx context.Context, probeID, cursor string) error {
	const q = `
		INSERT INTO probe_cursors (probe_id, cursor_value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (probe_id) DO UPDATE SET cursor_value = $2, updated_at = now()`
	if _, err := s.db.ExecContext(ctx, q, probeID, cursor); err != nil {
		return fmt.Errorf("store: set probe cursor: %w", err)
	}
	return nil
}

func (s *PostgresStore) TopRecommendations(ctx context.Context, limit int) ([]RecommendationRank, error) {
	const q = `
		SELECT rec->>'kind' AS kind,
		       avg(a.gain_ratio) AS mean_gain,
		       count(*) AS confirmed_count,
		       (array_agg(o.full_sql))[1] AS sample_sql
		FROM analyses a
		JOIN observations o ON o.id = a.observation_id
		CROSS JOIN LATERAL jsonb_array_elements(a.recommendations) AS rec
		WHERE a.effectiveness = 'CONFIRMED'
		GROUP BY rec->>'kind'
		ORDER BY mean_gain DESC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query top recommendations: %w", err)
	}
	defer rows.Close()

	var out []RecommendationRank
	for rows.Next() {
		var r RecommendationRank
		var kind string
		if err := rows.Scan(&kind, &r.MeanGain, &r.ConfirmedCount, &r.SampleSQL); err != nil {
			return nil, fmt.Errorf("store: scan recommendation rank: %w", err)
		}
		r.Kind = RecommendationKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}
