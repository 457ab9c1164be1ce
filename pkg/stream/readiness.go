package stream

import (
	"context"
	"sync"
	"time"
)

// readinessTTL bounds how long a signal nobody waited for is kept
const readinessTTL = time.Minute

type readinessEntry struct {
	ch       chan struct{}
	signaled bool
	created  time.Time
}

// Readiness lets a trigger wait until a gateway's subscription for the run is live
type Readiness struct {
	mu      sync.Mutex
	entries map[string]*readinessEntry
	now     func() time.Time
}

// NewReadiness creates an empty hub
func NewReadiness() *Readiness {
	return &Readiness{entries: make(map[string]*readinessEntry), now: time.Now}
}

func (r *Readiness) entry(runID string) *readinessEntry {
	e, ok := r.entries[runID]
	if !ok {
		e = &readinessEntry{ch: make(chan struct{}), created: r.now()}
		r.entries[runID] = e
	}
	return e
}

// Signal marks the run as having a live subscriber
func (r *Readiness) Signal(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, e := range r.entries {
		if e.signaled && now.Sub(e.created) > readinessTTL {
			delete(r.entries, id)
		}
	}

	e := r.entry(runID)
	if !e.signaled {
		e.signaled = true
		close(e.ch)
	}
}

// Wait blocks until Signal is called for the run or ctx ends, and reports which happened
func (r *Readiness) Wait(ctx context.Context, runID string) bool {
	r.mu.Lock()
	e := r.entry(runID)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.entries[runID] == e {
			delete(r.entries, runID)
		}
		r.mu.Unlock()
	}()

	select {
	case <-e.ch:
		return true
	case <-ctx.Done():
		return false
	}
}
