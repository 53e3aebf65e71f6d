package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop(context.Background())

	if err := s.AddJob(Job{Name: "reload", Expr: "* * * * *", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.AddJob(Job{Name: "every", Expr: "@every 1m", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("AddJob with descriptor: %v", err)
	}
	next, ok := s.Next("every")
	if !ok || next.Before(time.Now()) {
		t.Errorf("Next = %v, %v", next, ok)
	}
}

func TestSchedulerRejectsBadJobs(t *testing.T) {
	s := NewScheduler()
	defer s.Stop(context.Background())

	if err := s.AddJob(Job{Name: "bad", Expr: "not a schedule", Run: func(context.Context) error { return nil }}); err == nil {
		t.Error("invalid expression should fail")
	}
	if err := s.AddJob(Job{Expr: "@every 1m", Run: func(context.Context) error { return nil }}); err == nil {
		t.Error("unnamed job should fail")
	}
	if _, ok := s.Next("bad"); ok {
		t.Error("rejected job should not be registered")
	}
}

func TestSchedulerReplaceAndRemove(t *testing.T) {
	s := NewScheduler()
	defer s.Stop(context.Background())

	noop := func(context.Context) error { return nil }
	_ = s.AddJob(Job{Name: "reload", Expr: "@every 1h", Run: noop})
	first, _ := s.Next("reload")
	_ = s.AddJob(Job{Name: "reload", Expr: "@every 1m", Run: noop})
	second, _ := s.Next("reload")
	if !second.Before(first) {
		t.Errorf("replacement schedule not applied: %v then %v", first, second)
	}
	if !s.RemoveJob("reload") {
		t.Error("RemoveJob should report the job existed")
	}
	if s.RemoveJob("reload") {
		t.Error("second RemoveJob should report false")
	}
}

func TestSchedulerRunsJobs(t *testing.T) {
	s := NewScheduler(WithJobTimeout(time.Second))
	var runs atomic.Int32
	done := make(chan struct{}, 1)
	err := s.AddJob(Job{Name: "tick", Expr: "@every 1s", Run: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("missing deadline")
		}
		if runs.Add(1) == 1 {
			done <- struct{}{}
		}
		return nil
	}})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
