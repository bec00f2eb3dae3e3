// Package worker is the stateless execution runtime. A worker pool dequeues
// work items, routes them by kind, runs user code, and records results in the
// instance log exactly once. Any number of worker processes can share the same
// stores; leases and log-level dedup keep them from stepping on each other.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/dispatcher"
	"github.com/goliatone/go-durable/entity"
	"github.com/goliatone/go-durable/eventstore"
	"github.com/goliatone/go-durable/orchestration"
	"github.com/goliatone/go-durable/timers"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Worker pulls work items from the queue and advances orchestration
// instances. It owns no state of its own: everything durable lives in the
// event store, the timer store, and the queue.
type Worker struct {
	id       string
	store    eventstore.Store
	queue    dispatcher.Queue
	timers   timers.Store
	registry *orchestration.Registry
	executor *orchestration.Executor
	entities *entity.Invoker

	logger         durable.Logger
	metrics        Metrics
	retry          RetryStrategy
	concurrency    int
	pollWait       time.Duration
	leaseHeartbeat time.Duration
	appendRetries  int
}

// Option customizes worker behavior.
type Option func(*Worker)

// WithWorkerID sets a stable identifier used in leases and log lines.
func WithWorkerID(id string) Option {
	return func(w *Worker) {
		if strings.TrimSpace(id) != "" {
			w.id = strings.TrimSpace(id)
		}
	}
}

// WithConcurrency sets how many items the worker processes in parallel.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithPollWait sets how long each dequeue blocks waiting for work.
func WithPollWait(wait time.Duration) Option {
	return func(w *Worker) {
		if wait > 0 {
			w.pollWait = wait
		}
	}
}

// WithLeaseHeartbeat sets the interval at which leases on in-flight items are
// extended. Zero disables heartbeating.
func WithLeaseHeartbeat(interval time.Duration) Option {
	return func(w *Worker) {
		w.leaseHeartbeat = interval
	}
}

// WithLogger sets the worker logger.
func WithLogger(logger durable.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithMetrics configures worker metrics recording hooks.
func WithMetrics(metrics Metrics) Option {
	return func(w *Worker) {
		if metrics != nil {
			w.metrics = metrics
		}
	}
}

// WithRetryStrategy sets the redelivery delay for failed items.
func WithRetryStrategy(strategy RetryStrategy) Option {
	return func(w *Worker) {
		if strategy != nil {
			w.retry = strategy
		}
	}
}

// New constructs a worker over the shared stores. The entity invoker may be
// nil when no entities are registered; entity work items are then recorded
// as failed.
func New(
	store eventstore.Store,
	queue dispatcher.Queue,
	timerStore timers.Store,
	registry *orchestration.Registry,
	entities *entity.Invoker,
	opts ...Option,
) (*Worker, error) {
	if store == nil || queue == nil || timerStore == nil || registry == nil {
		return nil, fmt.Errorf("worker requires store, queue, timer store, and registry")
	}
	w := &Worker{
		id:       "worker-" + uuid.NewString()[:8],
		store:    store,
		queue:    queue,
		timers:   timerStore,
		registry: registry,
		entities: entities,
		logger:   durable.NormalizeLogger(nil),
		metrics:  noopMetrics{},
		retry: ExponentialBackoffStrategy{
			Base:   500 * time.Millisecond,
			Factor: 2,
			Max:    30 * time.Second,
		},
		concurrency:    4,
		pollWait:       time.Second,
		leaseHeartbeat: 10 * time.Second,
		appendRetries:  5,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.logger = durable.NormalizeLogger(w.logger)
	w.executor = orchestration.NewExecutor(registry, orchestration.WithExecutorLogger(w.logger))
	return w, nil
}

// ID returns the worker identifier.
func (w *Worker) ID() string {
	if w == nil {
		return ""
	}
	return w.id
}

// Run processes work items until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return fmt.Errorf("worker not configured")
	}
	w.logger.Info("worker %s starting with %d slots", w.id, w.concurrency)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		slot := fmt.Sprintf("%s/%d", w.id, i)
		g.Go(func() error {
			return w.loop(ctx, slot)
		})
	}
	err := g.Wait()
	w.logger.Info("worker %s stopped", w.id)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context, slot string) error {
	for {
		item, err := w.queue.Dequeue(ctx, slot, w.pollWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("dequeue failed on %s: %v", slot, err)
			continue
		}
		if item == nil {
			continue
		}
		w.handle(ctx, item)
	}
}

// handle runs one claimed item and retires or abandons it.
func (w *Worker) handle(ctx context.Context, item *dispatcher.WorkItem) {
	kind := string(item.Kind)
	if !item.EnqueuedAt.IsZero() {
		w.metrics.RecordDispatchLag(kind, time.Since(item.EnqueuedAt))
	}

	stopHeartbeat := w.startHeartbeat(ctx, item)
	err := w.process(ctx, item)
	stopHeartbeat()

	if err != nil {
		delay := w.retry.SleepDuration(item.Attempts-1, err)
		w.logger.Warn("work item %s (%s) failed, redelivery in %s: %v", item.ID, kind, delay, err)
		w.metrics.RecordRetryAttempt(kind, item.Attempts)
		if aerr := w.queue.Abandon(ctx, item.ID, item.LeaseToken, delay); aerr != nil {
			// lease lost: another worker already owns it, redelivery is theirs
			w.logger.Warn("abandon %s failed: %v", item.ID, aerr)
		}
		w.metrics.RecordProcessOutcome(kind, OutcomeAbandoned)
		return
	}
	if cerr := w.queue.Complete(ctx, item.ID, item.LeaseToken); cerr != nil {
		// the item will be redelivered; processing is idempotent
		w.logger.Warn("complete %s failed: %v", item.ID, cerr)
		w.metrics.RecordProcessOutcome(kind, OutcomeDropped)
		return
	}
	w.metrics.RecordProcessOutcome(kind, OutcomeCompleted)
}

// startHeartbeat extends the item lease while processing runs longer than
// the heartbeat interval.
func (w *Worker) startHeartbeat(ctx context.Context, item *dispatcher.WorkItem) func() {
	if w.leaseHeartbeat <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.leaseHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := w.queue.ExtendLease(hbCtx, item.ID, item.LeaseToken, 0); err != nil {
					w.logger.Warn("extend lease %s failed: %v", item.ID, err)
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) process(ctx context.Context, item *dispatcher.WorkItem) error {
	switch item.Kind {
	case dispatcher.KindOrchestrationResume:
		return w.processResume(ctx, item)
	case dispatcher.KindActivity:
		return w.processActivity(ctx, item)
	case dispatcher.KindEntity:
		return w.processEntity(ctx, item)
	default:
		// validateItem screens these at enqueue; treat as poison and retire
		w.logger.Error("unknown work item kind %q on %s", item.Kind, item.ID)
		return nil
	}
}
