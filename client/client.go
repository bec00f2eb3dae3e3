// Package client is the application-facing control surface of the engine:
// start orchestrations, raise events into them, terminate them, and query
// their status. The client talks to the same stores the workers do; it does
// not need a running worker to accept commands, only to see them progress.
package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/dispatcher"
	"github.com/goliatone/go-durable/eventstore"
	"github.com/google/uuid"
)

// Client schedules and steers orchestration instances.
type Client struct {
	store        eventstore.Store
	queue        dispatcher.Queue
	logger       durable.Logger
	pollInterval time.Duration
	casRetries   int
}

// Option customizes client behavior.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger durable.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithPollInterval sets how often WaitForCompletion re-reads the instance.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// New constructs a client over the shared stores.
func New(store eventstore.Store, queue dispatcher.Queue, opts ...Option) (*Client, error) {
	if store == nil || queue == nil {
		return nil, fmt.Errorf("client requires store and queue")
	}
	c := &Client{
		store:        store,
		queue:        queue,
		logger:       durable.NormalizeLogger(nil),
		pollInterval: 250 * time.Millisecond,
		casRetries:   5,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = durable.NormalizeLogger(c.logger)
	return c, nil
}

// ScheduleOption customizes a new orchestration instance.
type ScheduleOption func(*scheduleRequest) error

type scheduleRequest struct {
	instanceID string
	input      []byte
}

// WithInstanceID pins the instance id instead of generating one. Scheduling
// an id that already exists fails with DUR_INSTANCE_EXISTS.
func WithInstanceID(id string) ScheduleOption {
	return func(req *scheduleRequest) error {
		id = durable.NormalizeInstanceID(id)
		if id == "" {
			return fmt.Errorf("instance id must not be blank")
		}
		req.instanceID = id
		return nil
	}
}

// WithInput sets the orchestration input, JSON-marshaled.
func WithInput(v any) ScheduleOption {
	return func(req *scheduleRequest) error {
		data, err := durable.MarshalPayload(v)
		if err != nil {
			return fmt.Errorf("marshal orchestration input: %w", err)
		}
		req.input = data
		return nil
	}
}

// WithRawInput sets the orchestration input from pre-serialized bytes.
func WithRawInput(input []byte) ScheduleOption {
	return func(req *scheduleRequest) error {
		req.input = append([]byte(nil), input...)
		return nil
	}
}

// ScheduleNewOrchestration creates an instance, seeds its log with the start
// event, and wakes a worker. Returns the instance id.
func (c *Client) ScheduleNewOrchestration(ctx context.Context, orchestrator string, opts ...ScheduleOption) (string, error) {
	if c == nil {
		return "", fmt.Errorf("client not configured")
	}
	orchestrator = strings.TrimSpace(orchestrator)
	if orchestrator == "" {
		return "", fmt.Errorf("orchestrator name required")
	}
	req := &scheduleRequest{instanceID: uuid.NewString()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(req); err != nil {
			return "", err
		}
	}

	inst := &durable.Instance{
		InstanceID:   req.instanceID,
		Orchestrator: orchestrator,
		Status:       durable.StatusPending,
		Input:        req.input,
	}
	if err := c.store.CreateInstance(ctx, inst); err != nil {
		return "", err
	}
	started := durable.NewEvent(durable.EventOrchestratorStarted)
	started.Name = orchestrator
	started.Input = req.input
	if _, err := c.store.Append(ctx, req.instanceID, 0, started); err != nil {
		return "", err
	}
	if err := c.enqueueResume(ctx, req.instanceID); err != nil {
		return "", err
	}
	c.logger.Debug("scheduled %s as instance %s", orchestrator, req.instanceID)
	return req.instanceID, nil
}

// RaiseEvent delivers a named external event to an instance. Events raised
// before the instance waits are buffered durably in its log; events raised
// against a finished instance fail with DUR_INSTANCE_TERMINATED.
func (c *Client) RaiseEvent(ctx context.Context, instanceID, eventName string, payload any) error {
	if c == nil {
		return fmt.Errorf("client not configured")
	}
	if durable.NormalizeEventName(eventName) == "" {
		return fmt.Errorf("event name required")
	}
	data, err := durable.MarshalPayload(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	ev := durable.NewEvent(durable.EventExternalEventReceived)
	ev.Name = eventName
	ev.Input = data
	if err := c.appendLive(ctx, instanceID, ev); err != nil {
		return err
	}
	return c.enqueueResume(ctx, instanceID)
}

// Terminate force-stops an instance with a reason payload. Outstanding
// activities and timers are dropped when their results come home. Already
// finished instances are left as they are.
func (c *Client) Terminate(ctx context.Context, instanceID string, reason any) error {
	if c == nil {
		return fmt.Errorf("client not configured")
	}
	data, err := durable.MarshalPayload(reason)
	if err != nil {
		return fmt.Errorf("marshal terminate reason: %w", err)
	}

	ev := durable.NewEvent(durable.EventExecutionTerminated)
	ev.Input = data
	err = c.appendLive(ctx, instanceID, ev)
	if durable.ErrorCode(err) == durable.ErrCodeInstanceTerminated {
		return nil
	}
	if err != nil {
		return err
	}
	return c.enqueueResume(ctx, instanceID)
}

// GetStatus returns the instance row.
func (c *Client) GetStatus(ctx context.Context, instanceID string) (*durable.Instance, error) {
	if c == nil {
		return nil, fmt.Errorf("client not configured")
	}
	return c.store.GetInstance(ctx, instanceID)
}

// GetHistory returns the instance's full event log.
func (c *Client) GetHistory(ctx context.Context, instanceID string) ([]durable.Event, error) {
	if c == nil {
		return nil, fmt.Errorf("client not configured")
	}
	return c.store.Read(ctx, instanceID, 0)
}

// ListInstances returns instance rows, newest first.
func (c *Client) ListInstances(ctx context.Context, limit int) ([]*durable.Instance, error) {
	if c == nil {
		return nil, fmt.Errorf("client not configured")
	}
	return c.store.ListInstances(ctx, limit)
}

// WaitForCompletion polls until the instance reaches a terminal status or
// ctx expires.
func (c *Client) WaitForCompletion(ctx context.Context, instanceID string) (*durable.Instance, error) {
	if c == nil {
		return nil, fmt.Errorf("client not configured")
	}
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		inst, err := c.store.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if inst.Status.IsTerminal() {
			return inst, nil
		}
		select {
		case <-ctx.Done():
			return inst, ctx.Err()
		case <-ticker.C:
		}
	}
}

// PurgeCompleted removes instances that finished longer than retention ago,
// along with their logs. Returns how many were purged.
func (c *Client) PurgeCompleted(ctx context.Context, retention time.Duration) (int, error) {
	if c == nil {
		return 0, fmt.Errorf("client not configured")
	}
	return c.store.PurgeCompleted(ctx, retention)
}

// appendLive appends ev at the end of a live instance log, retrying stale
// sequence reads. Terminal logs reject the append.
func (c *Client) appendLive(ctx context.Context, instanceID string, ev durable.Event) error {
	var lastErr error
	for attempt := 0; attempt < c.casRetries; attempt++ {
		events, err := c.store.Read(ctx, instanceID, 0)
		if err != nil {
			return err
		}
		last := int64(0)
		for _, e := range events {
			if e.Kind.IsTerminalKind() {
				return durable.WrapError(durable.ErrInstanceTerminated,
					fmt.Sprintf("instance %s already finished", instanceID), nil)
			}
			last = e.SequenceID
		}
		if _, err := c.store.Append(ctx, instanceID, last, ev); err != nil {
			if durable.IsAppendConflict(err) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

func (c *Client) enqueueResume(ctx context.Context, instanceID string) error {
	return c.queue.Enqueue(ctx, dispatcher.NewWorkItem(dispatcher.KindOrchestrationResume, instanceID))
}
