package timers

import (
	"context"
	"fmt"
	"sync"
	"time"

	durable "github.com/goliatone/go-durable"
)

// FireFunc delivers one due timer. It must be idempotent: a crash between
// firing and MarkFired re-fires the timer on the next cycle.
type FireFunc func(ctx context.Context, t Timer) error

// Runner polls the timer store and fires due timers.
type Runner struct {
	store    Store
	fire     FireFunc
	interval time.Duration
	limit    int
	logger   durable.Logger
	now      func() time.Time

	runMu   sync.Mutex
	running bool
}

// RunnerOption customizes runner behavior.
type RunnerOption func(*Runner)

// WithInterval sets the poll interval between firing cycles.
func WithInterval(interval time.Duration) RunnerOption {
	return func(r *Runner) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithBatchLimit caps how many timers fire per cycle.
func WithBatchLimit(limit int) RunnerOption {
	return func(r *Runner) {
		if limit > 0 {
			r.limit = limit
		}
	}
}

// WithLogger sets the runner logger.
func WithLogger(logger durable.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithRunnerNow overrides the clock, for tests.
func WithRunnerNow(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner constructs a timer runner with a 250ms default interval.
func NewRunner(store Store, fire FireFunc, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:    store,
		fire:     fire,
		interval: 250 * time.Millisecond,
		limit:    100,
		logger:   durable.NormalizeLogger(nil),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = durable.NormalizeLogger(r.logger)
	return r
}

// Run polls until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	if r == nil || r.store == nil || r.fire == nil {
		return fmt.Errorf("timer runner not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return fmt.Errorf("timer runner already running")
	}
	r.running = true
	r.runMu.Unlock()
	defer func() {
		r.runMu.Lock()
		r.running = false
		r.runMu.Unlock()
	}()

	logger := r.logger.WithContext(ctx)
	logger.Info("timer runner started")
	defer logger.Info("timer runner stopped")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil {
			logger.Warn("timer cycle failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce fires every due timer once and returns how many fired.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	if r == nil || r.store == nil || r.fire == nil {
		return 0, fmt.Errorf("timer runner not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	due, err := r.store.ListDue(ctx, r.now(), r.limit)
	if err != nil {
		return 0, err
	}

	fired := 0
	var cycleErr error
	for _, t := range due {
		logger := durable.WithLoggerFields(r.logger.WithContext(ctx), map[string]any{
			"instance_id": t.InstanceID,
			"schedule_id": t.ScheduleID,
			"fire_at":     t.FireAt,
		})
		if err := r.fire(ctx, t); err != nil {
			// left pending, retried next cycle
			logger.Warn("timer fire failed: %v", err)
			if cycleErr == nil {
				cycleErr = err
			}
			continue
		}
		if err := r.store.MarkFired(ctx, t.InstanceID, t.ScheduleID); err != nil {
			logger.Warn("timer mark fired failed: %v", err)
			if cycleErr == nil {
				cycleErr = err
			}
			continue
		}
		fired++
	}
	return fired, cycleErr
}
