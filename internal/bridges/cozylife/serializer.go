package cozylife

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// CommandSerializer allows at most one query or control exchange per device
// at a time. Both the poller and user commands go through Do.
type CommandSerializer struct {
	sem       *semaphore.Weighted
	contended atomic.Uint64
}

// NewCommandSerializer creates an unlocked serializer.
func NewCommandSerializer() *CommandSerializer {
	return &CommandSerializer{sem: semaphore.NewWeighted(1)}
}

// Do runs fn while holding the device. Waiting honours ctx; the hold is
// always released when fn returns, including on panic.
func (s *CommandSerializer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !s.sem.TryAcquire(1) {
		s.contended.Add(1)
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("waiting for device: %w", err)
		}
	}
	defer s.sem.Release(1)

	return fn(ctx)
}

// Contended returns how many callers had to wait for another exchange.
func (s *CommandSerializer) Contended() uint64 {
	return s.contended.Load()
}
