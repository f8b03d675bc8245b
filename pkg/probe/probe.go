// Package probe defines dialect-specific adapters that read a monitored
// database's slow-log surface and yield normalised observation drafts for
// the Collector to fingerprint and persist.
package probe

import (
	"context"
	"errors"
	"time"

	"github.com/sqlsentinel/sentinel/pkg/store"
)

// Cursor is an opaque, monotonic position within one probe's source. Probes
// must never re-emit a row at or before a prior cursor, except within the
// configured replay overlap window.
type Cursor string

// DefaultReplayOverlap is how far behind a timestamp-cursor probe re-queries
// on every poll, to tolerate clock skew between the probe host and the
// monitored database (spec.md §4.3). Re-fetched rows are absorbed by the
// Store's dedup index rather than re-inserted.
const DefaultReplayOverlap = 30 * time.Second

// Draft is one row read from an upstream slow-log surface, not yet
// fingerprinted or assigned a Store identity.
type Draft struct {
	FullSQL      string
	DurationMS   float64
	RowsExamined *int64
	RowsReturned *int64
	CapturedAt   time.Time
	Plan         string
}

// Probe is one registered monitored database connection.
type Probe interface {
	// ID identifies this probe for cursor persistence and health tracking.
	ID() string

	// SourceType reports the dialect this probe speaks.
	SourceType() store.SourceType

	// SourceHost and SourceDatabase identify the monitored instance for the
	// Observation's provenance fields.
	SourceHost() string
	SourceDatabase() string

	// TenantScope is the opaque tenant identifier this probe's registration
	// is scoped to, inherited verbatim by every Observation it produces.
	TenantScope() string

	// FetchSince returns rows captured after cursor, plus the cursor value
	// to persist once the batch is durably stored. ctx carries the probe
	// deadline; FetchSince must return (possibly empty) rather than block
	// past it.
	FetchSince(ctx context.Context, cursor Cursor) ([]Draft, Cursor, error)

	// Close releases the probe's underlying connection.
	Close() error
}

// ErrPermanent marks a probe failure that will not resolve on retry — an
// auth failure or a missing slow-log table. The Collector disables the
// probe until an operator intervenes.
var ErrPermanent = errors.New("probe: permanent failure")

// ErrTransient marks a probe failure that may resolve on the next tick —
// a dropped connection or a timeout.
var ErrTransient = errors.New("probe: transient failure")

// PermanentError wraps an underlying cause as a permanent probe failure.
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string { return "probe: permanent failure: " + e.Cause.Error() }
func (e *PermanentError) Unwrap() error { return e.Cause }
func (e *PermanentError) Is(target error) bool { return target == ErrPermanent }

// TransientError wraps an underlying cause as a transient probe failure.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return "probe: transient failure: " + e.Cause.Error() }
func (e *TransientError) Unwrap() error { return e.Cause }
func (e *TransientError) Is(target error) bool { return target == ErrTransient }
