package store

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertObservation_RejectsEmptyFingerprint(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db, time.Minute)
	_, err = s.InsertObservation(context.Background(), Observation{DurationMS: 10})
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertObservation_DedupReturnsExistingIDOnConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db, time.Minute)

	existingID := "existing-id"
	mock.ExpectQuery("INSERT INTO observations").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(existingID))

	id, err := s.InsertObservation(context.Background(), Observation{
		Fingerprint: "fp1", DurationMS: 250, CapturedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, existingID, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNewObservations_NoRowsCommitsWithoutUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db, time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "source_type", "source_host", "source_database", "fingerprint",
			"full_sql", "duration_ms", "rows_examined", "rows_returned", "captured_at", "plan", "tenant_scope",
		}))
	mock.ExpectCommit()

	obs, err := s.ClaimNewObservations(context.Background(), 10, "worker-1")
	require.NoError(t, err)
	assert.Empty(t, obs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// stringSliceConverter lets sqlmock accept the []string that
// ClaimNewObservations binds to ANY($3); sqlmock's default converter
// rejects slices other than []byte.
type stringSliceConverter struct{}

func (stringSliceConverter) ConvertValue(v interface{}) (driver.Value, error) {
	if s, ok := v.([]string); ok {
		return s, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func TestClaimNewObservations_MarksRowsInFlight(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(stringSliceConverter{}))
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db, time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "source_type", "source_host", "source_database", "fingerprint",
			"full_sql", "duration_ms", "rows_examined", "rows_returned", "captured_at", "plan", "tenant_scope",
		}).AddRow("obs-1", "postgres", "h", "d", "fp1", "select 1", 500.0, nil, nil, time.Now(), "", ""))
	mock.ExpectExec("UPDATE observations").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	obs, err := s.ClaimNewObservations(context.Background(), 10, "worker-1")
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, ObservationInFlight, obs[0].Status)
	assert.Equal(t, "worker-1", obs[0].ClaimedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeAnalysis_ReturnsAlreadyAnalyzedWhenNotOwnedByClaimedBy(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db, time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"status", "claimed_by"}).AddRow("IN_FLIGHT", "someone-else"))
	mock.ExpectRollback()

	_, err = s.FinalizeAnalysis(context.Background(), "obs-1", "worker-1", Analysis{})
	assert.ErrorIs(t, err, ErrAlreadyAnalyzed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFeedback_DuplicateIsReportedNotRetried(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db, time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err = s.RecordFeedback(context.Background(), FeedbackEntry{AnalysisID: "a1"}, EffectivenessConfirmed)
	assert.ErrorIs(t, err, ErrDuplicateFeedback)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFeedbackHistory_ScansEntriesOrderedByCheckedAt(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db, time.Minute)

	checkedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, fingerprint, analysis_id, old_duration_ms, new_duration_ms, gain_ratio, checked_at").
		WithArgs("fp-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "fingerprint", "analysis_id", "old_duration_ms", "new_duration_ms", "gain_ratio", "checked_at",
		}).AddRow("f1", "fp-1", "a1", 500.0, 50.0, 0.9, checkedAt))

	entries, err := s.FeedbackHistory(context.Background(), "fp-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a1", entries[0].AnalysisID)
	assert.Equal(t, 0.9, entries[0].GainRatio)
	assert.True(t, checkedAt.Equal(entries[0].CheckedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExpirePendingAnalysis_SetsFailedWithNilGainRatio(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db, time.Minute)

	mock.ExpectExec("UPDATE analyses SET effectiveness = 'FAILED', gain_ratio = NULL").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = s.ExpirePendingAnalysis(context.Background(), "analysis-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDashboardStats_ScansCountsAndHistogram(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db, time.Minute)

	mock.ExpectQuery("total_observations").
		WillReturnRows(sqlmock.NewRows([]string{
			"total_observations", "total_analyses", "pending_count", "confirmed_count", "failed_count",
		}).AddRow(100, 40, 10, 25, 5))
	mock.ExpectQuery("feedback_entries").
		WillReturnRows(sqlmock.NewRows([]string{"day", "avg", "count"}).
			AddRow(time.Now(), 0.35, 3))

	stats, err := s.DashboardStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, stats.TotalObservations)
	assert.Equal(t, 25, stats.ConfirmedCount)
	require.Len(t, stats.ConfirmedGain7d, 1)
	assert.InDelta(t, 0.35, stats.ConfirmedGain7d[0].MeanGain, 1e-9)
}

func TestGetProbeCursor_ReturnsEmptyWhenNeverStored(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db, time.Minute)
	mock.ExpectQuery("FROM probe_cursors").WillReturnRows(sqlmock.NewRows([]string{"cursor_value"}))

	cursor, err := s.GetProbeCursor(context.Background(), "probe-1")
	require.NoError(t, err)
	assert.Empty(t, cursor)
	assert.NoError(t, mock.ExpectationsWereMet())
}
