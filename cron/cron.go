// Package cron runs recurring maintenance jobs on cron expressions. The
// engine hangs its retention purge off it; applications can schedule their
// own housekeeping on the same scheduler.
package cron

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	durable "github.com/goliatone/go-durable"
	rcron "github.com/robfig/cron/v3"
)

// Job is one recurring maintenance task. The context passed in is the one
// given to Start and is canceled when the scheduler stops.
type Job func(ctx context.Context) error

// Scheduler wraps robfig/cron with the engine's logger and error handling.
type Scheduler struct {
	cron         *rcron.Cron
	location     *time.Location
	logger       durable.Logger
	errorHandler func(error)
	withSeconds  bool

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler creates a scheduler with the provided options.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		logger:   durable.NormalizeLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = durable.NormalizeLogger(s.logger)
	if s.errorHandler == nil {
		s.errorHandler = func(err error) {
			s.logger.Error("scheduled job failed: %v", err)
		}
	}
	copts := []rcron.Option{rcron.WithLocation(s.location)}
	if s.withSeconds {
		copts = append(copts, rcron.WithSeconds())
	}
	s.cron = rcron.New(copts...)
	return s
}

// Schedule registers a recurring job under a cron expression. The standard
// five-field syntax and descriptors like @hourly and @every 1h30m are
// accepted.
func (s *Scheduler) Schedule(spec, name string, job Job) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("scheduler not configured")
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, fmt.Errorf("cron expression cannot be empty")
	}
	if job == nil {
		return 0, fmt.Errorf("job cannot be nil")
	}
	id, err := s.cron.AddFunc(spec, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}
		if ctx.Err() != nil {
			return
		}
		if err := job(ctx); err != nil {
			s.errorHandler(fmt.Errorf("job %s: %w", name, err))
		}
	})
	if err != nil {
		return 0, fmt.Errorf("schedule %s: %w", name, err)
	}
	s.logger.Debug("scheduled job %s on %q", name, spec)
	return int(id), nil
}

// Remove unschedules a job by the id Schedule returned.
func (s *Scheduler) Remove(id int) {
	if s == nil {
		return
	}
	s.cron.Remove(rcron.EntryID(id))
}

// Start begins executing scheduled jobs. Starting twice is an error.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.cron.Start()
	s.logger.Info("maintenance scheduler started")
	return nil
}

// Stop halts scheduling and waits for running jobs, up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	done := s.cron.Stop().Done()
	if cancel != nil {
		defer cancel()
	}
	if ctx == nil {
		<-done
		s.logger.Info("maintenance scheduler stopped")
		return nil
	}
	select {
	case <-done:
		s.logger.Info("maintenance scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
