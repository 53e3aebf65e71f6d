package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerSerializesPerContact(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(ctx, "+100", func(context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					cur := atomic.LoadInt32(&maxInFlight)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			if err != nil {
				t.Errorf("WithLock: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Errorf("expected at most 1 concurrent holder per contact, saw %d", maxInFlight)
	}
	if n := m.active(); n != 0 {
		t.Errorf("expected lock table to be empty after use, has %d entries", n)
	}
}

func TestManagerDifferentContactsRunConcurrently(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = m.WithLock(ctx, "+1", func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	go func() {
		_ = m.WithLock(ctx, "+2", func(context.Context) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a different contact must not wait on +1's lock")
	}
	close(release)
}

type stubLocker struct {
	calls    int
	unlocked int
	ttl      time.Duration
	err      error
}

func (l *stubLocker) Lock(_ context.Context, _ string, ttl time.Duration) (UnlockFunc, error) {
	l.calls++
	l.ttl = ttl
	if l.err != nil {
		return nil, l.err
	}
	return func(context.Context) error {
		l.unlocked++
		return nil
	}, nil
}

func TestManagerUsesDistributedLocker(t *testing.T) {
	l := &stubLocker{}
	m := NewManager(NewMemoryStore(), WithLocker(l))
	if err := m.WithLock(context.Background(), "+1", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("WithLock: %v", err)
	}
	if l.calls != 1 || l.unlocked != 1 {
		t.Errorf("expected one lock and one unlock, got %d/%d", l.calls, l.unlocked)
	}
	if l.ttl != DefaultLockTTL {
		t.Errorf("ttl = %s, want %s", l.ttl, DefaultLockTTL)
	}

	m = NewManager(NewMemoryStore(), WithLocker(l), WithLockTTL(5*time.Second))
	if err := m.WithLock(context.Background(), "+1", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("WithLock: %v", err)
	}
	if l.ttl != 5*time.Second {
		t.Errorf("ttl = %s, want 5s", l.ttl)
	}

	failing := &stubLocker{err: ErrLockAcquire}
	m = NewManager(NewMemoryStore(), WithLocker(failing))
	ran := false
	err := m.WithLock(context.Background(), "+1", func(context.Context) error { ran = true; return nil })
	if !errors.Is(err, ErrLockAcquire) || ran {
		t.Errorf("expected ErrLockAcquire without running fn, got err=%v ran=%v", err, ran)
	}
}
