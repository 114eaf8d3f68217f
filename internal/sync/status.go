// Package sync runs the per-source scheduler loops that pull entries from
// external scheduling systems and reconcile them into the worklist store.
package sync

import (
	"sort"
	"sync"
	"time"
)

// Phase represents the current phase of a source's scheduler loop
type Phase string

const (
	// PhaseWaiting means the loop is outside its operational window or
	// sleeping between cycles
	PhaseWaiting Phase = "WAITING"

	// PhaseFetching means a remote fetch is in progress
	PhaseFetching Phase = "FETCHING"

	// PhaseReconciling means fetched entries are being written to the store
	PhaseReconciling Phase = "RECONCILING"

	// PhaseStopped means the loop has exited
	PhaseStopped Phase = "STOPPED"
)

// Status represents the observable state of one source's scheduler loop
type Status struct {
	// Source is the configured source name
	Source string `json:"source"`

	// Phase represents the current loop phase
	Phase Phase `json:"phase"`

	// Message provides additional information about the current state
	Message string `json:"message,omitempty"`

	// LastAttempt is the timestamp of the last sync attempt
	LastAttempt *time.Time `json:"lastAttempt,omitempty"`

	// AttemptCount is the number of sync attempts since the last success
	AttemptCount int `json:"attemptCount,omitempty"`

	// LastSyncTime is the timestamp of the last successful sync
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`

	// Inserted, Updated, Skipped and Dropped report the outcome counts of
	// the last successful cycle
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Dropped  int `json:"dropped"`
}

// Tracker records the status of every scheduler loop for the status API.
// All methods are safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]*Status
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{statuses: make(map[string]*Status)}
}

func (t *Tracker) get(source string) *Status {
	if s, ok := t.statuses[source]; ok {
		return s
	}
	s := &Status{Source: source, Phase: PhaseWaiting}
	t.statuses[source] = s
	return s
}

// SetPhase updates the phase and message of a source's loop.
func (t *Tracker) SetPhase(source string, phase Phase, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(source)
	s.Phase = phase
	s.Message = message
}

// RecordAttempt marks the start of a sync cycle.
func (t *Tracker) RecordAttempt(source string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(source)
	s.LastAttempt = &at
	s.AttemptCount++
}

// RecordSuccess marks a completed cycle and resets the attempt counter.
func (t *Tracker) RecordSuccess(source string, at time.Time, res Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(source)
	s.LastSyncTime = &at
	s.AttemptCount = 0
	s.Message = ""
	s.Inserted = res.Inserted
	s.Updated = res.Updated
	s.Skipped = res.Skipped
	s.Dropped = res.Dropped
}

// Snapshot returns a copy of all statuses sorted by source name.
func (t *Tracker) Snapshot() []Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Status, 0, len(t.statuses))
	for _, s := range t.statuses {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}
