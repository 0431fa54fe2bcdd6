package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestContextShardedMutex_BasicLockUnlock(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "coach-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unlock()

	// Lock is reusable after unlock
	unlock, err = m.LockContext(ctx, "coach-1")
	if err != nil {
		t.Fatalf("expected no error on relock, got %v", err)
	}
	unlock()
}

func TestContextShardedMutex_SerializesSameKey(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	var inCritical atomic.Int32
	var maxSeen atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "coach-1")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			n := inCritical.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inCritical.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen.Load() != 1 {
		t.Errorf("expected at most 1 holder for the same key, saw %d", maxSeen.Load())
	}
}

func TestContextShardedMutex_CancelledWaiterBailsOut(t *testing.T) {
	m := NewContextShardedMutex()

	unlock, err := m.LockContext(context.Background(), "coach-1")
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = m.LockContext(ctx, "coach-1")
	if err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}
