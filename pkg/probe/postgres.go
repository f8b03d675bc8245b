package probe

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/sqlsentinel/sentinel/pkg/store"
)

// PostgresConfig identifies one monitored PostgreSQL instance.
type PostgresConfig struct {
	ProbeID  string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Tenant is the opaque tenant scope this registration belongs to,
	// inherited by every Observation this probe produces.
	Tenant string
}

// pgStatEntry is the last-seen (queryid, calls, total_exec_time) tuple this
// probe has already accounted for, keyed by queryid. pg_stat_statements
// carries no per-call timestamp, so only the cumulative delta since the
// last poll is observable.
type pgStatEntry struct {
	Calls         int64   `json:"calls"`
	TotalExecTime float64 `json:"total_exec_time_ms"`
}

type postgresProbe struct {
	cfg PostgresConfig
	db  *sql.DB
}

// NewPostgresProbe opens a connection pool to cfg's instance.
func NewPostgresProbe(cfg PostgresConfig) (Probe, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, &PermanentError{Cause: err}
	}
	db.SetMaxOpenConns(4)
	return &postgresProbe{cfg: cfg, db: db}, nil
}

func (p *postgresProbe) ID() string                   { return p.cfg.ProbeID }
func (p *postgresProbe) SourceType() store.SourceType { return store.SourcePostgres }
func (p *postgresProbe) SourceHost() string           { return p.cfg.Host }
func (p *postgresProbe) SourceDatabase() string       { return p.cfg.Database }
func (p *postgresProbe) TenantScope() string          { return p.cfg.Tenant }
func (p *postgresProbe) Close() error                 { return p.db.Close() }

// FetchSince joins the live pg_stat_statements view against the cursor's
// last-seen call counts, emitting one observation per queryid whose call
// count advanced. Because pg_stat_statements retains no per-call timestamp,
// every emitted Draft is attributed CapturedAt = now(). This cumulative-delta
// design has no timestamp cursor to skew, so unlike the MySQL probe it takes
// no replay overlap window: the full current counter state is read on every
// poll, and a counter reset is already handled by the negative-delta check
// below.
func (p *postgresProbe) FetchSince(ctx context.Context, cursor Cursor) ([]Draft, Cursor, error) {
	last, err := decodePGCursor(cursor)
	if err != nil {
		return nil, cursor, &PermanentError{Cause: fmt.Errorf("malformed cursor: %w", err)}
	}

	const q = `
		SELECT queryid, query, calls, total_exec_time, rows
		FROM pg_stat_statements
		WHERE query NOT ILIKE 'SELECT queryid%'`

	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		if isPostgresAuthOrSchemaError(err) {
			return nil, cursor, &PermanentError{Cause: err}
		}
		return nil, cursor, &TransientError{Cause: err}
	}
	defer rows.Close()

	now := time.Now().UTC()
	next := make(map[int64]pgStatEntry, len(last))
	var drafts []Draft

	for rows.Next() {
		var queryID int64
		var query string
		var calls, totalRows int64
		var totalExecTime float64
		if err := rows.Scan(&queryID, &query, &calls, &totalExecTime, &totalRows); err != nil {
			return drafts, cursor, &TransientError{Cause: fmt.Errorf("scan pg_stat_statements row: %w", err)}
		}

		prev, seen := last[queryID]
		next[queryID] = pgStatEntry{Calls: calls, TotalExecTime: totalExecTime}
		if !seen {
			// First time this queryid is observed: nothing to delta against
			// yet, so it contributes no observation this pass.
			continue
		}
		deltaCalls := calls - prev.Calls
		if deltaCalls <= 0 {
			continue
		}
		deltaTime := totalExecTime - prev.TotalExecTime
		if deltaTime < 0 {
			// pg_stat_statements was reset between polls; treat as a fresh
			// baseline rather than emit a nonsensical negative duration.
			continue
		}
		avgMS := deltaTime / float64(deltaCalls)

		var rowsReturned int64
		if calls > 0 {
			rowsReturned = totalRows / calls
		}

		drafts = append(drafts, Draft{
			FullSQL:    sanitizeSQL(query),
			DurationMS: avgMS,
			RowsReturned: &rowsReturned,
			CapturedAt: now,
		})
	}
	if err := rows.Err(); err != nil {
		return drafts, cursor, &TransientError{Cause: err}
	}

	encoded, err := encodePGCursor(next)
	if err != nil {
		return drafts, cursor, &TransientError{Cause: err}
	}
	return drafts, encoded, nil
}

func decodePGCursor(c Cursor) (map[int64]pgStatEntry, error) {
	if c == "" {
		return map[int64]pgStatEntry{}, nil
	}
	var m map[int64]pgStatEntry
	if err := json.Unmarshal([]byte(c), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func encodePGCursor(m map[int64]pgStatEntry) (Cursor, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return Cursor(b), nil
}

func isPostgresAuthOrSchemaError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "password authentication failed") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "permission denied")
}
