package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryWindow struct {
	count   int
	resetAt time.Time
}

// MemoryStore keeps windows in process memory. It is only correct while a
// single instance runs the jobs.
type MemoryStore struct {
	mu      sync.Mutex
	clock   func() time.Time
	windows map[string]*memoryWindow
}

func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{clock: clock, windows: make(map[string]*memoryWindow)}
}

func (s *MemoryStore) Increment(_ context.Context, key string, limit int, window time.Duration) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	current, ok := s.windows[key]
	if !ok || now.After(current.resetAt) {
		current = &memoryWindow{count: 1, resetAt: now.Add(window)}
		s.windows[key] = current
		return Window{Count: 1, Admitted: true, ResetAt: current.resetAt}, nil
	}
	if current.count >= limit {
		return Window{Count: current.count, Admitted: false, ResetAt: current.resetAt}, nil
	}
	current.count++
	return Window{Count: current.count, Admitted: true, ResetAt: current.resetAt}, nil
}
