package jobs

import (
	"context"
	"sync"
)

// AbortRegistry maps session ids to the cancel functions of their
// in-flight agent runs. HTTP disconnects and explicit aborts reach the
// matching run through here; the queue's one-active-run rule keeps at
// most one entry per session.
type AbortRegistry struct {
	mu   sync.Mutex
	runs map[string]*registration
}

type registration struct {
	cancel context.CancelFunc
}

// NewAbortRegistry creates an empty registry.
func NewAbortRegistry() *AbortRegistry {
	return &AbortRegistry{runs: make(map[string]*registration)}
}

// Track registers the cancel function for a session's run. The returned
// release removes the entry; it is a no-op if a newer run has replaced
// it.
func (r *AbortRegistry) Track(sessionID string, cancel context.CancelFunc) (release func()) {
	reg := &registration{cancel: cancel}
	r.mu.Lock()
	r.runs[sessionID] = reg
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		if r.runs[sessionID] == reg {
			delete(r.runs, sessionID)
		}
		r.mu.Unlock()
	}
}

// Abort cancels the session's in-flight run, reporting whether one was
// registered.
func (r *AbortRegistry) Abort(sessionID string) bool {
	r.mu.Lock()
	reg := r.runs[sessionID]
	r.mu.Unlock()

	if reg == nil {
		return false
	}
	reg.cancel()
	return true
}

// Active reports whether the session has a tracked run.
func (r *AbortRegistry) Active(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[sessionID] != nil
}
