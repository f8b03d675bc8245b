package collector

import (
	"errors"
	"sync"
	"time"

	"github.com/sqlsentinel/sentinel/pkg/probe"
)

// ProbeHealth is the externally-visible health state of one probe.
type ProbeHealth struct {
	Disabled         bool
	ConsecutiveFails int
	LastError        string
	LastSuccessAt    time.Time
	LastFailureAt    time.Time
}

// healthTracker records per-probe failure/success history and disables a
// probe outright on a permanent error, per spec.md §7: permanent upstream
// failures become a probe health state the Collector skips until an
// operator intervenes.
type healthTracker struct {
	mu    sync.Mutex
	state map[string]*ProbeHealth
}

func newHealthTracker() *healthTracker {
	return &healthTracker{state: make(map[string]*ProbeHealth)}
}

func (h *healthTracker) recordSuccess(probeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.entry(probeID)
	s.ConsecutiveFails = 0
	s.LastSuccessAt = time.Now().UTC()
}

func (h *healthTracker) recordFailure(probeID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.entry(probeID)
	s.ConsecutiveFails++
	s.LastError = err.Error()
	s.LastFailureAt = time.Now().UTC()

	var permErr *probe.PermanentError
	if errors.As(err, &permErr) {
		s.Disabled = true
	}
}

func (h *healthTracker) isDisabled(probeID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.state[probeID]
	return ok && s.Disabled
}

func (h *healthTracker) entry(probeID string) *ProbeHealth {
	s, ok := h.state[probeID]
	if !ok {
		s = &ProbeHealth{}
		h.state[probeID] = s
	}
	return s
}

func (h *healthTracker) snapshot() map[string]ProbeHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]ProbeHealth, len(h.state))
	for k, v := range h.state {
		out[k] = *v
	}
	return out
}
