package egress

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// SessionLimiter caps the number of concurrent proxied sessions and lets
// shutdown wait for the sessions still in flight.
type SessionLimiter struct {
	sem    *semaphore.Weighted
	max    int64
	active atomic.Int64
}

// NewSessionLimiter creates a limiter allowing maxSessions concurrent
// sessions.
func NewSessionLimiter(maxSessions int) *SessionLimiter {
	return &SessionLimiter{
		sem: semaphore.NewWeighted(int64(maxSessions)),
		max: int64(maxSessions),
	}
}

// Acquire takes a session slot without blocking. It reports false when the
// limit is reached.
func (l *SessionLimiter) Acquire() bool {
	if !l.sem.TryAcquire(1) {
		return false
	}
	l.active.Add(1)
	return true
}

// Release returns a session slot.
func (l *SessionLimiter) Release() {
	l.active.Add(-1)
	l.sem.Release(1)
}

// Active returns the number of sessions currently holding a slot.
func (l *SessionLimiter) Active() int {
	return int(l.active.Load())
}

// Max returns the configured limit.
func (l *SessionLimiter) Max() int {
	return int(l.max)
}

// Drain blocks until every session has been released or ctx is done. Once
// it returns nil the limiter holds all slots and Acquire keeps failing.
func (l *SessionLimiter) Drain(ctx context.Context) error {
	return l.sem.Acquire(ctx, l.max)
}
