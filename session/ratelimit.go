package session

import (
	"sync"
	"time"

	"github.com/simplifaq/session-agent/users"
)

// RateLimiter throttles login attempts per identity with a sliding window.
// Keys are normalized email addresses, so case or whitespace variants of
// the same identity share one budget. Purely local: a denied attempt never
// reaches the network.
type RateLimiter struct {
	maxAttempts int
	window      time.Duration
	nowFunc     func() time.Time

	lock     sync.Mutex
	attempts map[string][]time.Time
}

type RateLimiterOption func(*RateLimiter)

func WithRateLimiterNowFunc(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.nowFunc = now
	}
}

func NewRateLimiter(maxAttempts int, window time.Duration, options ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		nowFunc:     time.Now,
		attempts:    make(map[string][]time.Time),
	}
	for _, opt := range options {
		opt(rl)
	}
	return rl
}

// Allow records an attempt for the identity and reports whether it may
// proceed. A denied attempt is not recorded, so the window drains on its
// own.
func (rl *RateLimiter) Allow(email string) bool {
	key := users.NormalizeEmail(email)
	now := rl.nowFunc()

	rl.lock.Lock()
	defer rl.lock.Unlock()

	recent := rl.attempts[key][:0]
	for _, at := range rl.attempts[key] {
		if now.Sub(at) <= rl.window {
			recent = append(recent, at)
		}
	}

	if len(recent) >= rl.maxAttempts {
		rl.attempts[key] = recent
		return false
	}

	rl.attempts[key] = append(recent, now)
	return true
}

// Reset clears the identity's budget, typically after a successful login.
func (rl *RateLimiter) Reset(email string) {
	rl.lock.Lock()
	defer rl.lock.Unlock()
	delete(rl.attempts, users.NormalizeEmail(email))
}
