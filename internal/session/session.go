// Package session holds the per-login driver context that engine components
// are constructed with.
package session

import (
	"sync"
	"sync/atomic"
	"time"
)

type Session struct {
	driverID  string
	startedAt time.Time

	online atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

// New is called on login.
func New(driverID string) *Session {
	return &Session{
		driverID:  driverID,
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
}

func (s *Session) DriverID() string { return s.driverID }

func (s *Session) StartedAt() time.Time { return s.startedAt }

func (s *Session) SetOnline(v bool) { s.online.Store(v) }

func (s *Session) Online() bool { return s.online.Load() }

// Close ends the session. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.online.Store(false)
		close(s.done)
	})
}

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
