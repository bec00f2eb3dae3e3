package orchestration

import (
	"errors"
	"fmt"
	"sort"

	durable "github.com/goliatone/go-durable"
)

// Executor runs one replay turn of an orchestration instance against its
// history and returns the side effects the turn produced.
type Executor struct {
	registry *Registry
	logger   durable.Logger
}

// ExecutorOption customizes executor behavior.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the executor logger.
func WithExecutorLogger(logger durable.Logger) ExecutorOption {
	return func(ex *Executor) {
		ex.logger = logger
	}
}

// NewExecutor constructs an executor over a registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	ex := &Executor{
		registry: registry,
		logger:   durable.NormalizeLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ex)
		}
	}
	ex.logger = durable.NormalizeLogger(ex.logger)
	return ex
}

// Execute replays the orchestration code against the full history. The
// returned TurnResult carries the new actions to persist and dispatch. A
// replay mismatch surfaces as an error carrying DUR_REPLAY_MISMATCH; the
// caller must fail the instance permanently, never retry.
func (ex *Executor) Execute(inst *durable.Instance, history []durable.Event) (result *TurnResult, err error) {
	if ex == nil || ex.registry == nil {
		return nil, fmt.Errorf("executor not configured")
	}
	if inst == nil {
		return nil, fmt.Errorf("instance required")
	}
	if len(history) == 0 || history[0].Kind != durable.EventOrchestratorStarted {
		return nil, fmt.Errorf("instance %s history must begin with %s", inst.InstanceID, durable.EventOrchestratorStarted)
	}

	// terminate short-circuits: no user code runs once the log records it
	for _, e := range history {
		if e.Kind == durable.EventExecutionTerminated {
			return &TurnResult{
				Terminated:      true,
				TerminateReason: append([]byte(nil), e.Input...),
			}, nil
		}
	}

	ctx := newContext(ex.registry, inst.InstanceID, history)

	defer func() {
		switch recovered := recover().(type) {
		case nil:
		case error:
			if errors.Is(recovered, ErrTaskBlocked) {
				// normal end of a turn with outstanding awaitables
				result = ex.collect(ctx)
				err = nil
				return
			}
			panic(recovered)
		case *pumpFailure:
			result = nil
			err = recovered.err
		default:
			panic(recovered)
		}
	}()

	for ctx.pump() {
	}
	return ex.collect(ctx), nil
}

// collect orders the unmatched actions by schedule id so output is
// deterministic regardless of map iteration.
func (ex *Executor) collect(ctx *Context) *TurnResult {
	actions := make([]Action, 0, len(ctx.pendingActions))
	for _, a := range ctx.pendingActions {
		actions = append(actions, *a)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].ScheduleID < actions[j].ScheduleID })

	result := &TurnResult{
		Actions:      actions,
		CustomStatus: ctx.customStatus,
	}
	if ctx.completion != nil {
		completion := *ctx.completion
		result.Completion = &completion
	}
	return result
}
