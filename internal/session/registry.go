package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/canbridge/internal/logger"
)

// Registry tracks every live Session so Bridge Core can fan frames out to
// all of them after each poll pass and sweep dead ones on shutdown. It uses
// sync.Map rather than a mutex-guarded map because membership churns under
// concurrent Accept/Close while fan-out only ever reads (spec.md §4.4).
type Registry struct {
	sessions  sync.Map // uuid string -> *Session
	count     atomic.Int64
	liveConns sync.WaitGroup
}

// NewRegistry constructs an empty session Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers s and marks it live for graceful-shutdown accounting.
func (r *Registry) Add(s *Session) {
	r.sessions.Store(s.ID.String(), s)
	r.count.Add(1)
	r.liveConns.Add(1)
}

// Remove unregisters s. Safe to call more than once for the same session.
func (r *Registry) Remove(s *Session) {
	if _, loaded := r.sessions.LoadAndDelete(s.ID.String()); loaded {
		r.count.Add(-1)
		r.liveConns.Done()
	}
}

// Count returns the number of currently registered sessions.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// FanoutFrame delivers send to every registered session. Sessions whose
// Push returns an error are assumed already closed and are swept from the
// registry; their connections have already been closed by Session.send.
func (r *Registry) FanoutFrame(send func(s *Session) error) {
	var dead []*Session
	r.sessions.Range(func(_, value any) bool {
		s := value.(*Session)
		if err := send(s); err != nil {
			dead = append(dead, s)
		}
		return true
	})
	for _, s := range dead {
		r.Remove(s)
	}
}

// InterruptReads sets a short read deadline on every session's connection so
// blocked receive loops notice a shutdown signal promptly.
func (r *Registry) InterruptReads(within time.Duration) {
	deadline := time.Now().Add(within)
	r.sessions.Range(func(_, value any) bool {
		s := value.(*Session)
		if tc, ok := s.conn.(interface{ SetReadDeadline(time.Time) error }); ok {
			_ = tc.SetReadDeadline(deadline)
		}
		return true
	})
}

// CloseAll force-closes every registered connection, used when the
// graceful shutdown deadline elapses before sessions exit on their own.
func (r *Registry) CloseAll() {
	closed := 0
	r.sessions.Range(func(_, value any) bool {
		s := value.(*Session)
		if err := s.Close(); err == nil {
			closed++
		}
		return true
	})
	if closed > 0 {
		logger.Info("force-closed client sessions", logger.ActiveSessions(closed))
	}
}

// Wait blocks until every registered session has been removed, or the
// provided timeout elapses. Returns true if all sessions drained cleanly.
func (r *Registry) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.liveConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
