package orchestration

import (
	"container/list"
	"fmt"
	"time"

	durable "github.com/goliatone/go-durable"
	"github.com/google/uuid"
)

// pumpFailure carries a fatal replay error out of a nested Await pump.
type pumpFailure struct {
	err error
}

// Context is the orchestration-side API surface. One Context lives for one
// replay turn. All scheduling methods assign deterministic schedule ids from
// a per-turn counter, so the same code against the same history always lines
// up with the recorded events.
type Context struct {
	InstanceID string
	Name       string

	// CurrentTime is the timestamp of the last processed history event.
	// Orchestration code must use it instead of time.Now.
	CurrentTime time.Time

	registry     *Registry
	rawInput     []byte
	history      []durable.Event
	historyIndex int

	scheduleSeq    int64
	guidSeq        int64
	pendingActions map[int64]*Action
	pendingTasks   map[int64]*completableTask

	bufferedEvents    map[string]*list.List
	pendingEventTasks map[string]*list.List

	customStatus string
	completion   *Action
}

func newContext(registry *Registry, instanceID string, history []durable.Event) *Context {
	return &Context{
		InstanceID:        instanceID,
		registry:          registry,
		history:           history,
		pendingActions:    make(map[int64]*Action),
		pendingTasks:      make(map[int64]*completableTask),
		bufferedEvents:    make(map[string]*list.List),
		pendingEventTasks: make(map[string]*list.List),
	}
}

// GetInput unmarshals the orchestration input into v.
func (ctx *Context) GetInput(v any) error {
	return durable.UnmarshalPayload(ctx.rawInput, v)
}

// SetCustomStatus records a status string surfaced through GetStatus.
func (ctx *Context) SetCustomStatus(status string) {
	ctx.customStatus = status
}

// NewGUID returns a GUID that is stable across replays. It derives from the
// instance id and a per-turn counter instead of randomness, so the same code
// position always yields the same value. Orchestration code must use it
// instead of uuid.New.
func (ctx *Context) NewGUID() uuid.UUID {
	ctx.guidSeq++
	name := fmt.Sprintf("%s/guid/%d", ctx.InstanceID, ctx.guidSeq)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
}

// CallActivityOption customizes an activity invocation.
type CallActivityOption func(*callActivityOptions) error

type callActivityOptions struct {
	rawInput    []byte
	retryPolicy *RetryPolicy
}

// WithActivityInput marshals v as the activity input.
func WithActivityInput(v any) CallActivityOption {
	return func(o *callActivityOptions) error {
		data, err := durable.MarshalPayload(v)
		if err != nil {
			return fmt.Errorf("marshal activity input: %w", err)
		}
		o.rawInput = data
		return nil
	}
}

// WithRawActivityInput passes a pre-serialized activity input.
func WithRawActivityInput(input []byte) CallActivityOption {
	return func(o *callActivityOptions) error {
		o.rawInput = append([]byte(nil), input...)
		return nil
	}
}

// WithRetryPolicy retries the activity on failure using durable timers for
// the backoff delays.
func WithRetryPolicy(policy *RetryPolicy) CallActivityOption {
	return func(o *callActivityOptions) error {
		if policy == nil {
			return nil
		}
		if err := policy.Validate(); err != nil {
			return err
		}
		o.retryPolicy = policy
		return nil
	}
}

// CallActivity schedules an activity invocation and returns its awaitable.
func (ctx *Context) CallActivity(name string, opts ...CallActivityOption) Task {
	options := new(callActivityOptions)
	for _, opt := range opts {
		if err := opt(options); err != nil {
			failed := newTask(ctx)
			failed.fail(durable.FailureFromError(err))
			return failed
		}
	}
	if options.retryPolicy != nil {
		return ctx.scheduleWithRetries(func() Task {
			return ctx.scheduleActivity(name, options.rawInput)
		}, *options.retryPolicy, 0)
	}
	return ctx.scheduleActivity(name, options.rawInput)
}

func (ctx *Context) scheduleActivity(name string, input []byte) *completableTask {
	id := ctx.nextScheduleID()
	ctx.pendingActions[id] = &Action{
		Kind:       ActionScheduleActivity,
		ScheduleID: id,
		Name:       name,
		Input:      input,
	}
	task := newTask(ctx)
	ctx.pendingTasks[id] = task
	return task
}

// CallEntity schedules an entity operation and returns its awaitable.
func (ctx *Context) CallEntity(entityKey, operation string, input any) Task {
	data, err := durable.MarshalPayload(input)
	if err != nil {
		failed := newTask(ctx)
		failed.fail(durable.FailureFromError(fmt.Errorf("marshal entity input: %w", err)))
		return failed
	}
	id := ctx.nextScheduleID()
	ctx.pendingActions[id] = &Action{
		Kind:       ActionScheduleEntity,
		ScheduleID: id,
		Name:       operation,
		EntityKey:  entityKey,
		Input:      data,
	}
	task := newTask(ctx)
	ctx.pendingTasks[id] = task
	return task
}

// CreateTimer schedules a durable timer that resolves after delay, measured
// from the orchestration's current time.
func (ctx *Context) CreateTimer(delay time.Duration) Task {
	return ctx.createTimerInternal(delay)
}

func (ctx *Context) createTimerInternal(delay time.Duration) *completableTask {
	id := ctx.nextScheduleID()
	ctx.pendingActions[id] = &Action{
		Kind:       ActionCreateTimer,
		ScheduleID: id,
		FireAt:     ctx.CurrentTime.Add(delay),
	}
	task := newTask(ctx)
	ctx.pendingTasks[id] = task
	return task
}

// WaitForExternalEvent returns an awaitable resolved by the next external
// event with the given name. Events that arrive before anyone waits are
// buffered in arrival order; waiting for the same name repeatedly consumes
// them one by one. A positive timeout cancels the wait via a durable timer;
// zero fails immediately unless an event is already buffered; negative
// waits forever.
func (ctx *Context) WaitForExternalEvent(name string, timeout time.Duration) Task {
	task := newTask(ctx)
	key := durable.NormalizeEventName(name)

	if buffered, ok := ctx.bufferedEvents[key]; ok {
		front := buffered.Front()
		if buffered.Len() > 1 {
			buffered.Remove(front)
		} else {
			delete(ctx.bufferedEvents, key)
		}
		task.complete(front.Value.([]byte))
		return task
	}

	if timeout == 0 {
		task.cancel()
		return task
	}

	waiters, ok := ctx.pendingEventTasks[key]
	if !ok {
		waiters = list.New()
		ctx.pendingEventTasks[key] = waiters
	}
	element := waiters.PushBack(task)

	if timeout > 0 {
		timer := ctx.createTimerInternal(timeout)
		timerID := ctx.scheduleSeq
		timer.onCompleted(func() {
			task.cancel()
			if waiters.Len() > 1 {
				waiters.Remove(element)
			} else {
				delete(ctx.pendingEventTasks, key)
			}
		})
		task.onCompleted(func() {
			ctx.emitCancelTimer(timerID)
		})
	}
	return task
}

// WhenAny pumps until one of the tasks resolves and returns the winner.
// Callers compare the returned task by identity to find which branch won.
func (ctx *Context) WhenAny(tasks ...Task) Task {
	for {
		for _, t := range tasks {
			if isResolved(t) {
				return t
			}
		}
		if !ctx.pump() {
			panic(ErrTaskBlocked)
		}
	}
}

func isResolved(t Task) bool {
	switch task := t.(type) {
	case *completableTask:
		return task.completed
	case *taskWrapper:
		return isResolved(task.delegate)
	default:
		return false
	}
}

// emitCancelTimer best-effort cancels a timer branch that lost its race. A
// timer whose CreateTimer action is still unpersisted is simply dropped;
// one already in the log gets a CancelTimer action, persisted as a
// TimerCanceled event.
func (ctx *Context) emitCancelTimer(timerID int64) {
	task, pending := ctx.pendingTasks[timerID]
	if !pending || task.completed {
		// already fired, the stray TimerFired event is ignored on replay
		return
	}
	delete(ctx.pendingTasks, timerID)
	task.cancel()
	if a, ok := ctx.pendingActions[timerID]; ok && a.Kind == ActionCreateTimer {
		delete(ctx.pendingActions, timerID)
		return
	}
	ctx.pendingActions[timerID] = &Action{Kind: ActionCancelTimer, ScheduleID: timerID}
}

// pump processes the next history event. It returns false when history is
// exhausted, and aborts the turn on a fatal replay error.
func (ctx *Context) pump() bool {
	if ctx.historyIndex >= len(ctx.history) {
		return false
	}
	e := ctx.history[ctx.historyIndex]
	ctx.historyIndex++
	if err := ctx.processEvent(e); err != nil {
		panic(&pumpFailure{err: err})
	}
	return true
}

func (ctx *Context) processEvent(e durable.Event) error {
	if !e.Timestamp.IsZero() {
		ctx.CurrentTime = e.Timestamp.UTC()
	}
	switch e.Kind {
	case durable.EventOrchestratorStarted:
		return ctx.onStarted(e)
	case durable.EventActivityScheduled:
		return ctx.consumeScheduling(e, ActionScheduleActivity)
	case durable.EventTimerCreated:
		return ctx.consumeScheduling(e, ActionCreateTimer)
	case durable.EventEntityOperationScheduled:
		return ctx.consumeScheduling(e, ActionScheduleEntity)
	case durable.EventActivityCompleted, durable.EventEntityOperationCompleted:
		ctx.resolveTask(e.ScheduleID, e.Result, nil)
		return nil
	case durable.EventActivityFailed, durable.EventEntityOperationFailed:
		ctx.resolveTask(e.ScheduleID, nil, e.Failure)
		return nil
	case durable.EventTimerFired:
		ctx.resolveTask(e.ScheduleID, nil, nil)
		return nil
	case durable.EventTimerCanceled:
		ctx.onTimerCanceled(e)
		return nil
	case durable.EventExternalEventReceived:
		ctx.onExternalEvent(e)
		return nil
	case durable.EventOrchestratorCompleted, durable.EventOrchestratorFailed, durable.EventExecutionTerminated:
		return nil
	default:
		return fmt.Errorf("unknown history event kind: %s", e.Kind)
	}
}

func (ctx *Context) onStarted(e durable.Event) error {
	ctx.Name = e.Name
	ctx.rawInput = append([]byte(nil), e.Input...)

	fn, err := ctx.registry.Orchestrator(e.Name)
	if err != nil {
		return err
	}

	output, appErr := fn(ctx)
	if appErr != nil {
		ctx.setFailed(appErr)
		return nil
	}
	return ctx.setCompleted(output)
}

// consumeScheduling matches a history scheduling event against the action
// the current execution emitted for the same schedule id. A miss means the
// code diverged from the recorded history.
func (ctx *Context) consumeScheduling(e durable.Event, want ActionKind) error {
	a, ok := ctx.pendingActions[e.ScheduleID]
	if !ok || a.Kind != want || a.Name != e.Name || a.EntityKey != e.EntityKey {
		return durable.WrapError(durable.ErrReplayMismatch, fmt.Sprintf(
			"history records %s %q at schedule id %d but the current execution emitted a different action",
			e.Kind, e.Name, e.ScheduleID,
		), nil)
	}
	delete(ctx.pendingActions, e.ScheduleID)
	return nil
}

func (ctx *Context) resolveTask(scheduleID int64, result []byte, failure *durable.Failure) {
	task, ok := ctx.pendingTasks[scheduleID]
	if !ok {
		// duplicate completion or a fired timer whose branch was canceled
		return
	}
	delete(ctx.pendingTasks, scheduleID)
	if failure != nil {
		task.fail(failure)
		return
	}
	task.complete(result)
}

func (ctx *Context) onTimerCanceled(e durable.Event) {
	// consume the cancel action this execution re-emitted
	if a, ok := ctx.pendingActions[e.ScheduleID]; ok && a.Kind == ActionCancelTimer {
		delete(ctx.pendingActions, e.ScheduleID)
	}
	if task, ok := ctx.pendingTasks[e.ScheduleID]; ok {
		delete(ctx.pendingTasks, e.ScheduleID)
		task.cancel()
	}
}

func (ctx *Context) onExternalEvent(e durable.Event) {
	key := durable.NormalizeEventName(e.Name)
	if waiters, ok := ctx.pendingEventTasks[key]; ok {
		front := waiters.Front()
		task := front.Value.(*completableTask)
		if waiters.Len() > 1 {
			waiters.Remove(front)
		} else {
			delete(ctx.pendingEventTasks, key)
		}
		task.complete(append([]byte(nil), e.Input...))
		return
	}
	// nobody waiting yet: buffer in arrival order for the next wait
	buffered, ok := ctx.bufferedEvents[key]
	if !ok {
		buffered = list.New()
		ctx.bufferedEvents[key] = buffered
	}
	buffered.PushBack(append([]byte(nil), e.Input...))
}

func (ctx *Context) setCompleted(output any) error {
	data, err := durable.MarshalPayload(output)
	if err != nil {
		ctx.setFailed(fmt.Errorf("marshal orchestration output: %w", err))
		return nil
	}
	ctx.completion = &Action{
		Kind:       ActionComplete,
		ScheduleID: ctx.nextScheduleID(),
		Status:     durable.StatusCompleted,
		Output:     data,
	}
	return nil
}

func (ctx *Context) setFailed(appErr error) {
	ctx.completion = &Action{
		Kind:       ActionComplete,
		ScheduleID: ctx.nextScheduleID(),
		Status:     durable.StatusFailed,
		Failure:    durable.FailureFromError(appErr),
	}
}

func (ctx *Context) nextScheduleID() int64 {
	ctx.scheduleSeq++
	return ctx.scheduleSeq
}
