package testutil

import (
	"context"
	"sync"
	"time"
)

// Sleeper returns immediately and records every requested wait, so
// tests can assert the send pacing without real delays.
type Sleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

// NewSleeper creates an instant sleeper.
func NewSleeper() *Sleeper {
	return &Sleeper{}
}

// Sleep implements program.Sleeper.
func (s *Sleeper) Sleep(ctx context.Context, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
}

// Waits returns the recorded wait durations in order.
func (s *Sleeper) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.waits))
	copy(out, s.waits)
	return out
}
