// Package scheduler runs periodic FlowPipe maintenance jobs, such as reloading the flow
// catalog, on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named unit of periodic work.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) error
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithJobTimeout bounds each job run. Zero means no bound.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// NewScheduler creates and starts a cron scheduler. Expressions use the standard
// five fields (min, hour, dom, month, dow) or descriptors such as "@every 1m".
func NewScheduler(opts ...Option) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}
	logger := cron.VerbosePrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug))
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	s.cron.Start()
	return s
}

// AddJob schedules a job, replacing any job already registered under the same name.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	id, err := s.cron.AddFunc(job.Expr, func() { s.run(job) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Expr, job.Name, err)
	}

	s.mu.Lock()
	if prev, ok := s.jobs[job.Name]; ok {
		s.cron.Remove(prev)
	}
	s.jobs[job.Name] = id
	s.mu.Unlock()

	slog.Debug("Scheduler.AddJob: scheduled", "job", job.Name, "expr", job.Expr)
	return nil
}

// RemoveJob unschedules a job by name. It reports whether the job existed.
func (s *Scheduler) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.jobs[name]
	if ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
	return ok
}

// Next returns the next activation time of the named job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

func (s *Scheduler) run(job Job) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		slog.Error("Scheduler.run: job failed", "job", job.Name, "error", err, "duration", time.Since(start))
		return
	}
	slog.Debug("Scheduler.run: job done", "job", job.Name, "duration", time.Since(start))
}

// Stop stops the cron scheduler, cancels running jobs and waits for them to finish
// or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
