package cozylife

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCommandSerializer_MutualExclusion(t *testing.T) {
	s := NewCommandSerializer()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(context.Background(), func(context.Context) error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside.Load())
	}
	if s.Contended() == 0 {
		t.Error("Contended() = 0, expected some callers to wait")
	}
}

func TestCommandSerializer_CancelWhileWaiting(t *testing.T) {
	s := NewCommandSerializer()

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = s.Do(context.Background(), func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	called := false
	err := s.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do() error = %v, want DeadlineExceeded", err)
	}
	if called {
		t.Error("fn must not run when acquisition is cancelled")
	}

	close(release)

	// The holder released; the serializer must be usable again.
	if err := s.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Do() after release error = %v", err)
	}
}

func TestCommandSerializer_ReleasesOnErrorAndPanic(t *testing.T) {
	s := NewCommandSerializer()
	boom := errors.New("boom")

	if err := s.Do(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Do() error = %v, want boom", err)
	}

	func() {
		defer func() { _ = recover() }()
		_ = s.Do(context.Background(), func(context.Context) error { panic("device exploded") })
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.Do(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("serializer still held after error/panic: %v", err)
	}
}
