package probe

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMySQLProbe_FetchSince_ParsesRowsAndAdvancesCursor(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	p := &mysqlProbe{
		cfg: MySQLConfig{ProbeID: "mysql-1", Host: "db1", Database: "app", MonitorUser: "sentinel_ro"},
		db:  db,
	}

	t1 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(5 * time.Second)

	rows := sqlmock.NewRows([]string{"start_time", "user_host", "query_time", "rows_sent", "rows_examined", "db", "sql_text"}).
		AddRow(t1, "app@10.0.0.5", "00:00:01.500000", int64(3), int64(1000), "app", "SELECT * FROM orders WHERE id = 1;").
		AddRow(t2, "app@10.0.0.5", "00:00:00.250000", int64(1), int64(10), "app", "SELECT 1")

	mock.ExpectQuery("SELECT start_time, user_host, query_time").WillReturnRows(rows)

	drafts, cursor, err := p.FetchSince(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, drafts, 2)

	assert.Equal(t, "SELECT * FROM orders WHERE id = 1", drafts[0].FullSQL)
	assert.InDelta(t, 1500.0, drafts[0].DurationMS, 1e-9)
	assert.Equal(t, Cursor(t2.Format(time.RFC3339Nano)), cursor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLProbe_FetchSince_QueriesBehindCursorByReplayOverlap(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	p := &mysqlProbe{
		cfg: MySQLConfig{ProbeID: "mysql-1", Database: "app", MonitorUser: "sentinel_ro", ReplayOverlap: 30 * time.Second},
		db:  db,
	}

	cursor := time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC)
	wantQueryFrom := cursor.Add(-30 * time.Second)

	mock.ExpectQuery("SELECT start_time, user_host, query_time").
		WithArgs(wantQueryFrom, "sentinel_ro%").
		WillReturnRows(sqlmock.NewRows([]string{"start_time", "user_host", "query_time", "rows_sent", "rows_examined", "db", "sql_text"}))

	_, _, err = p.FetchSince(context.Background(), Cursor(cursor.Format(time.RFC3339Nano)))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLProbe_FetchSince_AuthFailureIsPermanent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	p := &mysqlProbe{cfg: MySQLConfig{ProbeID: "mysql-1", MonitorUser: "sentinel_ro"}, db: db}

	mock.ExpectQuery("SELECT start_time").WillReturnError(errAccessDenied{})

	_, _, err = p.FetchSince(context.Background(), "")
	require.Error(t, err)
	var permErr *PermanentError
	assert.ErrorAs(t, err, &permErr)
}

type errAccessDenied struct{}

func (errAccessDenied) Error() string { return "Error 1045: Access denied for user" }

func TestParseMySQLDuration(t *testing.T) {
	ms, err := parseMySQLDuration("00:01:02.500000")
	require.NoError(t, err)
	assert.InDelta(t, 62500.0, ms, 1e-9)

	_, err = parseMySQLDuration("garbage")
	assert.Error(t, err)
}
