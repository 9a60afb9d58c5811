package config

import "time"

type SecurityConfig interface {
	GetMaxSessionAge() time.Duration
	GetRefreshWindow() time.Duration
	GetSessionWarningWindow() time.Duration
	GetRateLimitMaxAttempts() int
	GetRateLimitWindow() time.Duration
	GetCorruptionCooldown() time.Duration
	GetActivityThrottle() time.Duration
	GetBackstopInterval() time.Duration
}

type Security struct{}

var _ SecurityConfig = Security{}

// GetMaxSessionAge is the maximum age of a stored session. Older entries
// are treated as absent on read, never as valid.
func (Security) GetMaxSessionAge() time.Duration {
	return 30 * 24 * time.Hour
}

// GetRefreshWindow is how close to expiry a token must be before it is
// considered "expiring soon" and proactively refreshed.
func (Security) GetRefreshWindow() time.Duration {
	return 2 * time.Minute
}

func (Security) GetSessionWarningWindow() time.Duration {
	return 5 * time.Minute
}

func (Security) GetRateLimitMaxAttempts() int {
	return 5
}

func (Security) GetRateLimitWindow() time.Duration {
	return 15 * time.Minute
}

// GetCorruptionCooldown guards against cleanup feedback loops; overlapping
// corruption triggers within this window collapse to one cleanup.
func (Security) GetCorruptionCooldown() time.Duration {
	return 5 * time.Second
}

// GetActivityThrottle is the minimum gap between activity-driven session
// extensions.
func (Security) GetActivityThrottle() time.Duration {
	return 5 * time.Minute
}

// GetBackstopInterval is the cadence of the periodic expiry check that
// covers idle-but-open processes.
func (Security) GetBackstopInterval() time.Duration {
	return 10 * time.Minute
}
