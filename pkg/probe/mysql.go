package probe

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/sqlsentinel/sentinel/pkg/store"
)

// MySQLConfig identifies one monitored MySQL instance and the monitoring
// account used to read its slow-log surface.
type MySQLConfig struct {
	ProbeID  string
	Host     string
	Port     int
	User     string
	Password string
	Database string

	// MonitorUser is the exact account name (no wildcard) that issues the
	// slow-log queries themselves; rows attributed to it are filtered out so
	// the probe never reports on its own polling traffic.
	MonitorUser string

	// Tenant is the opaque tenant scope this registration belongs to,
	// inherited by every Observation this probe produces.
	Tenant string

	// ReplayOverlap widens each poll's lower bound behind the cursor to
	// tolerate clock skew; zero means DefaultReplayOverlap.
	ReplayOverlap time.Duration
}

// mysqlProbe reads mysql.slow_log (log_output=TABLE).
type mysqlProbe struct {
	cfg MySQLConfig
	db  *sql.DB
}

// NewMySQLProbe opens a connection pool to cfg's instance. The caller is
// responsible for calling Close.
func NewMySQLProbe(cfg MySQLConfig) (Probe, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, &PermanentError{Cause: err}
	}
	db.SetMaxOpenConns(4)
	if cfg.ReplayOverlap <= 0 {
		cfg.ReplayOverlap = DefaultReplayOverlap
	}
	return &mysqlProbe{cfg: cfg, db: db}, nil
}

func (p *mysqlProbe) ID() string                   { return p.cfg.ProbeID }
func (p *mysqlProbe) SourceType() store.SourceType { return store.SourceMySQL }
func (p *mysqlProbe) SourceHost() string           { return p.cfg.Host }
func (p *mysqlProbe) SourceDatabase() string       { return p.cfg.Database }
func (p *mysqlProbe) TenantScope() string          { return p.cfg.Tenant }
func (p *mysqlProbe) Close() error                 { return p.db.Close() }

// FetchSince implements Probe. The cursor is the RFC3339 start_time of the
// last row emitted.
func (p *mysqlProbe) FetchSince(ctx context.Context, cursor Cursor) ([]Draft, Cursor, error) {
	since, err := parseCursorTime(cursor)
	if err != nil {
		return nil, cursor, &PermanentError{Cause: fmt.Errorf("malformed cursor: %w", err)}
	}
	// Re-query from slightly behind the cursor to tolerate clock skew
	// between this host and the monitored instance; rows already seen are
	// filtered back out by the Store's dedup index, not re-inserted.
	queryFrom := since.Add(-p.cfg.ReplayOverlap)

	const q = `
		SELECT start_time, user_host, query_time, rows_sent, rows_examined, db, sql_text
		FROM mysql.slow_log
		WHERE start_time > ? AND user_host NOT LIKE ?
		ORDER BY start_time ASC
		LIMIT 500`

	rows, err := p.db.QueryContext(ctx, q, queryFrom, p.cfg.MonitorUser+"%")
	if err != nil {
		if isMySQLAuthOrSchemaError(err) {
			return nil, cursor, &PermanentError{Cause: err}
		}
		return nil, cursor, &TransientError{Cause: err}
	}
	defer rows.Close()

	var drafts []Draft
	newCursor := cursor
	for rows.Next() {
		var startTime time.Time
		var userHost, db, sqlText string
		var queryTime string
		var rowsSent, rowsExamined int64

		if err := rows.Scan(&startTime, &userHost, &queryTime, &rowsSent, &rowsExamined, &db, &sqlText); err != nil {
			return drafts, newCursor, &TransientError{Cause: fmt.Errorf("scan slow_log row: %w", err)}
		}

		durationMS, err := parseMySQLDuration(queryTime)
		if err != nil {
			// Malformed TIME value is a data-integrity oddity on one row,
			// not a reason to fail the whole batch; skip it.
			continue
		}

		re := rowsExamined
		rs := rowsSent
		drafts = append(drafts, Draft{
			FullSQL:      sanitizeSQL(sqlText),
			DurationMS:   durationMS,
			RowsExamined: &re,
			RowsReturned: &rs,
			CapturedAt:   startTime,
			Plan:         "",
		})
		newCursor = Cursor(startTime.UTC().Format(time.RFC3339Nano))
	}
	if err := rows.Err(); err != nil {
		return drafts, newCursor, &TransientError{Cause: err}
	}
	return drafts, newCursor, nil
}

// parseCursorTime treats an empty cursor as "the beginning of time".
func parseCursorTime(c Cursor) (time.Time, error) {
	if c == "" {
		return time.Unix(0, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, string(c))
}

// parseMySQLDuration parses a MySQL TIME string ("HH:MM:SS" or
// "HH:MM:SS.ffffff") into milliseconds.
func parseMySQLDuration(s string) (float64, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return 0, fmt.Errorf("unexpected TIME format %q", s)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, err
	}
	total := float64(hours*3600+minutes*60) + seconds
	return total * 1000, nil
}

func isMySQLAuthOrSchemaError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "access denied") ||
		strings.Contains(msg, "unknown database") ||
		strings.Contains(msg, "doesn't exist") ||
		strings.Contains(msg, "command denied")
}
