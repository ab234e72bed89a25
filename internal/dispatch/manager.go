package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"dispatchloop/internal/model"
	"dispatchloop/internal/store"
)

// SessionManager hands out one Session per org and mode. Sessions for
// different orgs share nothing mutable and run their loops independently.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	Store     store.Store
	Solver    Solver
	Publisher Publisher
	Params    model.SolverParams
	Allowed   map[string]bool
	// ObserveSolve is installed on every session the manager creates.
	ObserveSolve func(trigger, status string, d time.Duration)
	// OnEventRetry counts event-log visibility retries, for metrics.
	OnEventRetry func()
	// OnSessionCount reports the number of live sessions after each change.
	OnSessionCount func(n int)
}

func NewSessionManager(s store.Store, sol Solver) *SessionManager {
	return &SessionManager{sessions: map[string]*Session{}, Store: s, Solver: sol}
}

// Get returns the session for an org and mode, creating and restoring it on
// first use.
func (m *SessionManager) Get(ctx context.Context, orgID, mode string) *Session {
	key := orgID + "|" + mode
	m.mu.Lock()
	if sess, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return sess
	}
	sess := NewSession(orgID, mode, m.Store, m.Solver)
	sess.Publisher = m.Publisher
	sess.Params = m.Params
	sess.Allowed = m.Allowed
	sess.ObserveSolve = m.ObserveSolve
	sess.recorder.OnRetry = m.OnEventRetry
	m.sessions[key] = sess
	n := len(m.sessions)
	m.mu.Unlock()
	if m.OnSessionCount != nil {
		m.OnSessionCount(n)
	}
	if err := sess.Restore(ctx); err != nil {
		log.Printf("session org=%s mode=%s: restore: %v", orgID, mode, err)
	}
	return sess
}

// ResumeAll restarts the loop for every session that was running when the
// process last went down. Sessions whose pool has emptied in the meantime
// stay stopped; that mirrors the start precondition.
func (m *SessionManager) ResumeAll(ctx context.Context) {
	states, err := m.Store.ListSchedulerStates(ctx)
	if err != nil {
		log.Printf("sessions: resume scan: %v", err)
		return
	}
	for _, os := range states {
		if !os.State.Running || os.State.Mode == model.ModeStatic {
			continue
		}
		sess := m.Get(ctx, os.OrgID, os.State.Mode)
		if os.State.Paused {
			continue
		}
		if err := sess.Start(ctx, 0); err != nil {
			log.Printf("session org=%s mode=%s: resume: %v", os.OrgID, os.State.Mode, err)
			if err == ErrEmptyPool {
				_ = sess.Stop(ctx)
			}
		}
	}
}

// StopAll stops every live loop, for shutdown.
func (m *SessionManager) StopAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		_ = s.Stop(ctx)
	}
}
