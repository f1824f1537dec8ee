package local

import (
	"sync"
	"time"
)

// attemptLimiter tracks failed attempts per account and locks the account
// with exponential backoff once maxFailures is reached. Keys are username
// fingerprints.
type attemptLimiter struct {
	mu       sync.Mutex
	attempts map[string]*attemptRecord
	now      func() time.Time
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

const (
	maxFailures   = 5
	baseLockout   = 1 * time.Minute
	maxLockout    = 15 * time.Minute
	attemptExpiry = 1 * time.Hour
)

func newAttemptLimiter(now func() time.Time) *attemptLimiter {
	return &attemptLimiter{
		attempts: make(map[string]*attemptRecord),
		now:      now,
	}
}

// blocked reports whether the account is locked and for how long.
func (l *attemptLimiter) blocked(id string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.attempts[id]
	if !ok {
		return false, 0
	}
	now := l.now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(l.attempts, id)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

func (l *attemptLimiter) failure(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.attempts[id]
	if !ok {
		rec = &attemptRecord{}
		l.attempts[id] = rec
	}
	rec.failures++
	rec.lastFailure = l.now()

	if rec.failures >= maxFailures {
		lockout := baseLockout
		for i := 0; i < rec.failures-maxFailures; i++ {
			lockout *= 2
			if lockout > maxLockout {
				lockout = maxLockout
				break
			}
		}
		rec.lockedUntil = rec.lastFailure.Add(lockout)
	}
}

func (l *attemptLimiter) success(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, id)
}
