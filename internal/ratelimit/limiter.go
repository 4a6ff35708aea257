package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

var errInvalidLimit = errors.New("ratelimit: max requests and window must be positive")

// Window is the state of a fixed window after an increment attempt.
type Window struct {
	Count    int
	Admitted bool
	ResetAt  time.Time
}

// Store performs an atomic increment-if-under-limit for key.
type Store interface {
	Increment(ctx context.Context, key string, limit int, window time.Duration) (Window, error)
}

// ExceededError reports a rejected admission.
type ExceededError struct {
	Key        string
	Limit      int
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit reached for %s", e.Key)
}

// RateLimited marks the error for upstream classification.
func (e *ExceededError) RateLimited() bool {
	return true
}

// Observer is notified about rejected admissions.
type Observer interface {
	RateLimited(key string)
}

type Config struct {
	Store    Store
	Clock    func() time.Time
	Observer Observer
	Logger   *zap.Logger
}

// Limiter admits calls per key using fixed windows.
type Limiter struct {
	store    Store
	clock    func() time.Time
	observer Observer
	logger   *zap.Logger
}

func New(cfg Config) *Limiter {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore(clock)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{store: store, clock: clock, observer: cfg.Observer, logger: logger}
}

// Admit fails with *ExceededError when key already used maxRequests calls in
// the current window. A store failure admits the call and logs a warning.
func (l *Limiter) Admit(ctx context.Context, key string, maxRequests int, window time.Duration) error {
	if maxRequests <= 0 || window <= 0 {
		return errInvalidLimit
	}
	state, err := l.store.Increment(ctx, key, maxRequests, window)
	if err != nil {
		l.logger.Warn("rate limit store unavailable, admitting request",
			zap.String("key", key),
			zap.Error(err))
		return nil
	}
	if state.Admitted {
		return nil
	}
	if l.observer != nil {
		l.observer.RateLimited(key)
	}
	retryAfter := state.ResetAt.Sub(l.clock())
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &ExceededError{Key: key, Limit: maxRequests, RetryAfter: retryAfter}
}
