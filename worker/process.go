package worker

import (
	"context"
	"fmt"
	"time"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/dispatcher"
	"github.com/goliatone/go-durable/eventstore"
	"github.com/goliatone/go-durable/orchestration"
	"github.com/goliatone/go-durable/timers"
)

// processResume replays the instance against its log, persists the turn's
// new actions as history events, and dispatches the matching work items and
// timers. Every step is idempotent, so a crash anywhere before Complete just
// means the resume runs again.
func (w *Worker) processResume(ctx context.Context, item *dispatcher.WorkItem) error {
	inst, err := w.store.GetInstance(ctx, item.InstanceID)
	if err != nil {
		if durable.ErrorCode(err) == durable.ErrCodeInstanceNotFound {
			// purged while the resume sat in the queue
			return nil
		}
		return err
	}
	if inst.Status.IsTerminal() {
		return nil
	}
	events, err := w.store.Read(ctx, item.InstanceID, 0)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("instance %s has no history to resume", item.InstanceID)
	}

	// a crash between a terminal append and the status update leaves the
	// row behind the log; finalize from the log without running user code
	if done, err := w.finalizeFromHistory(ctx, inst, events); done || err != nil {
		return err
	}

	result, err := w.executor.Execute(inst, events)
	if err != nil {
		if durable.IsReplayMismatch(err) || durable.ErrorCode(err) == durable.ErrCodeNotRegistered {
			// deterministic failures; retrying replays into the same wall
			return w.failInstance(ctx, inst, err)
		}
		return err
	}

	if result.Terminated {
		inst.Status = durable.StatusTerminated
		inst.Output = result.TerminateReason
		inst.Failure = nil
		return w.store.UpdateInstance(ctx, inst)
	}

	lastSeq := events[len(events)-1].SequenceID
	newEvents := eventsFromTurn(result)
	if len(newEvents) > 0 {
		if _, err := w.store.Append(ctx, item.InstanceID, lastSeq, newEvents...); err != nil {
			// on conflict the redelivered resume re-reads and re-executes
			return err
		}
	}

	all := append(events, newEvents...)
	if err := w.dispatchOutstanding(ctx, item.InstanceID, all); err != nil {
		return err
	}
	return w.updateStatus(ctx, inst, result, all)
}

// processActivity runs one activity invocation and records its result. The
// log-level dedup makes redelivery safe: the side effect may run twice, the
// recorded completion never does.
func (w *Worker) processActivity(ctx context.Context, item *dispatcher.WorkItem) error {
	events, err := w.store.Read(ctx, item.InstanceID, 0)
	if err != nil {
		if durable.ErrorCode(err) == durable.ErrCodeInstanceNotFound {
			return nil
		}
		return err
	}
	if eventstore.HasCompletion(events, item.ScheduleID) || hasTerminalEvent(events) {
		return nil
	}

	completion := durable.NewEvent(durable.EventActivityCompleted)
	completion.ScheduleID = item.ScheduleID
	completion.Name = item.Name

	fn, err := w.registry.Activity(item.Name)
	if err != nil {
		completion.Kind = durable.EventActivityFailed
		completion.Failure = &durable.Failure{
			ErrorType:    durable.ErrCodeNotRegistered,
			ErrorMessage: err.Error(),
			NonRetryable: true,
		}
	} else if output, aerr := fn(ctx, item.Input); aerr != nil {
		completion.Kind = durable.EventActivityFailed
		completion.Failure = durable.FailureFromError(aerr)
	} else if data, merr := durable.MarshalPayload(output); merr != nil {
		completion.Kind = durable.EventActivityFailed
		completion.Failure = durable.FailureFromError(merr)
	} else {
		completion.Result = data
	}

	if err := appendOnce(ctx, w.store, item.InstanceID, completion, w.appendRetries, func(ev []durable.Event) bool {
		return eventstore.HasCompletion(ev, item.ScheduleID) || hasTerminalEvent(ev)
	}); err != nil {
		return err
	}
	return w.enqueueResume(ctx, item.InstanceID)
}

// processEntity runs one entity operation through the invoker and records
// its result in the instance log.
func (w *Worker) processEntity(ctx context.Context, item *dispatcher.WorkItem) error {
	events, err := w.store.Read(ctx, item.InstanceID, 0)
	if err != nil {
		if durable.ErrorCode(err) == durable.ErrCodeInstanceNotFound {
			return nil
		}
		return err
	}
	if eventstore.HasCompletion(events, item.ScheduleID) || hasTerminalEvent(events) {
		return nil
	}

	completion := durable.NewEvent(durable.EventEntityOperationCompleted)
	completion.ScheduleID = item.ScheduleID
	completion.Name = item.Name
	completion.EntityKey = item.EntityKey

	if w.entities == nil {
		completion.Kind = durable.EventEntityOperationFailed
		completion.Failure = &durable.Failure{
			ErrorType:    durable.ErrCodeNotRegistered,
			ErrorMessage: "no entity invoker configured on this worker",
			NonRetryable: true,
		}
	} else if result, ierr := w.entities.Invoke(ctx, item.EntityKey, item.Name, item.Input); ierr != nil {
		completion.Kind = durable.EventEntityOperationFailed
		completion.Failure = durable.FailureFromError(ierr)
	} else {
		completion.Result = result
	}

	if err := appendOnce(ctx, w.store, item.InstanceID, completion, w.appendRetries, func(ev []durable.Event) bool {
		return eventstore.HasCompletion(ev, item.ScheduleID) || hasTerminalEvent(ev)
	}); err != nil {
		return err
	}
	return w.enqueueResume(ctx, item.InstanceID)
}

// dispatchOutstanding walks the log and offers every unresolved scheduled
// step to its destination. Work item ids derive from instance and schedule
// id, and both the queue and the timer store treat re-offers as no-ops, so
// a resume interrupted after the append still gets its side effects out on
// the next delivery.
func (w *Worker) dispatchOutstanding(ctx context.Context, instanceID string, events []durable.Event) error {
	resolved := resolvedScheduleIDs(events)
	for _, e := range events {
		if e.Kind.IsSchedulingKind() && resolved[e.ScheduleID] {
			continue
		}
		switch e.Kind {
		case durable.EventActivityScheduled:
			wi := &dispatcher.WorkItem{
				ID:         fmt.Sprintf("%s/activity/%d", instanceID, e.ScheduleID),
				Kind:       dispatcher.KindActivity,
				InstanceID: instanceID,
				ScheduleID: e.ScheduleID,
				Name:       e.Name,
				Input:      e.Input,
				EnqueuedAt: time.Now().UTC(),
			}
			if err := w.queue.Enqueue(ctx, wi); err != nil {
				return err
			}
		case durable.EventEntityOperationScheduled:
			wi := &dispatcher.WorkItem{
				ID:         fmt.Sprintf("%s/entity/%d", instanceID, e.ScheduleID),
				Kind:       dispatcher.KindEntity,
				InstanceID: instanceID,
				ScheduleID: e.ScheduleID,
				Name:       e.Name,
				Input:      e.Input,
				EntityKey:  e.EntityKey,
				EnqueuedAt: time.Now().UTC(),
			}
			if err := w.queue.Enqueue(ctx, wi); err != nil {
				return err
			}
		case durable.EventTimerCreated:
			t := timers.Timer{
				InstanceID: instanceID,
				ScheduleID: e.ScheduleID,
				FireAt:     e.FireAt,
			}
			if err := w.timers.Schedule(ctx, t); err != nil {
				return err
			}
		case durable.EventTimerCanceled:
			if err := w.timers.Cancel(ctx, instanceID, e.ScheduleID); err != nil {
				// best effort; a fired-anyway timer is ignored on replay
				w.logger.Warn("cancel timer %s/%d failed: %v", instanceID, e.ScheduleID, err)
			}
		}
	}
	return nil
}

// updateStatus patches the instance row after a turn. A blocked instance
// with activity or entity work in flight shows as running; one waiting only
// on timers or external events shows as suspended.
func (w *Worker) updateStatus(ctx context.Context, inst *durable.Instance, result *orchestration.TurnResult, events []durable.Event) error {
	inst.CustomStatus = result.CustomStatus
	if c := result.Completion; c != nil {
		inst.Status = c.Status
		inst.Output = c.Output
		inst.Failure = c.Failure
	} else if hasOutstandingWork(events) {
		inst.Status = durable.StatusRunning
	} else {
		inst.Status = durable.StatusSuspended
	}
	return w.store.UpdateInstance(ctx, inst)
}

// finalizeFromHistory patches the instance row from a terminal completion
// already in the log. Reports whether the instance is finished.
func (w *Worker) finalizeFromHistory(ctx context.Context, inst *durable.Instance, events []durable.Event) (bool, error) {
	for _, e := range events {
		switch e.Kind {
		case durable.EventOrchestratorCompleted:
			inst.Status = durable.StatusCompleted
			inst.Output = e.Result
			inst.Failure = nil
			return true, w.store.UpdateInstance(ctx, inst)
		case durable.EventOrchestratorFailed:
			inst.Status = durable.StatusFailed
			inst.Output = nil
			inst.Failure = e.Failure
			return true, w.store.UpdateInstance(ctx, inst)
		}
	}
	return false, nil
}

// failInstance records a permanent orchestration failure.
func (w *Worker) failInstance(ctx context.Context, inst *durable.Instance, cause error) error {
	w.logger.Error("instance %s failed permanently: %v", inst.InstanceID, cause)
	failure := &durable.Failure{
		ErrorType:    durable.ErrorCode(cause),
		ErrorMessage: cause.Error(),
		NonRetryable: true,
	}
	ev := durable.NewEvent(durable.EventOrchestratorFailed)
	ev.Failure = failure
	if err := appendOnce(ctx, w.store, inst.InstanceID, ev, w.appendRetries, hasTerminalEvent); err != nil {
		return err
	}
	inst.Status = durable.StatusFailed
	inst.Output = nil
	inst.Failure = failure
	return w.store.UpdateInstance(ctx, inst)
}

func (w *Worker) enqueueResume(ctx context.Context, instanceID string) error {
	return w.queue.Enqueue(ctx, dispatcher.NewWorkItem(dispatcher.KindOrchestrationResume, instanceID))
}

// eventsFromTurn converts a turn's actions into the history events to append.
func eventsFromTurn(result *orchestration.TurnResult) []durable.Event {
	out := make([]durable.Event, 0, len(result.Actions)+1)
	for _, a := range result.Actions {
		switch a.Kind {
		case orchestration.ActionScheduleActivity:
			e := durable.NewEvent(durable.EventActivityScheduled)
			e.ScheduleID = a.ScheduleID
			e.Name = a.Name
			e.Input = a.Input
			out = append(out, e)
		case orchestration.ActionCreateTimer:
			e := durable.NewEvent(durable.EventTimerCreated)
			e.ScheduleID = a.ScheduleID
			e.FireAt = a.FireAt
			out = append(out, e)
		case orchestration.ActionCancelTimer:
			e := durable.NewEvent(durable.EventTimerCanceled)
			e.ScheduleID = a.ScheduleID
			out = append(out, e)
		case orchestration.ActionScheduleEntity:
			e := durable.NewEvent(durable.EventEntityOperationScheduled)
			e.ScheduleID = a.ScheduleID
			e.Name = a.Name
			e.EntityKey = a.EntityKey
			e.Input = a.Input
			out = append(out, e)
		}
	}
	if c := result.Completion; c != nil {
		if c.Status == durable.StatusFailed {
			e := durable.NewEvent(durable.EventOrchestratorFailed)
			e.ScheduleID = c.ScheduleID
			e.Failure = c.Failure
			out = append(out, e)
		} else {
			e := durable.NewEvent(durable.EventOrchestratorCompleted)
			e.ScheduleID = c.ScheduleID
			e.Result = c.Output
			out = append(out, e)
		}
	}
	return out
}

// resolvedScheduleIDs collects schedule ids whose step already concluded,
// counting a canceled timer as concluded.
func resolvedScheduleIDs(events []durable.Event) map[int64]bool {
	resolved := make(map[int64]bool)
	for _, e := range events {
		switch e.Kind {
		case durable.EventActivityCompleted, durable.EventActivityFailed,
			durable.EventEntityOperationCompleted, durable.EventEntityOperationFailed,
			durable.EventTimerFired, durable.EventTimerCanceled:
			resolved[e.ScheduleID] = true
		}
	}
	return resolved
}

// hasOutstandingWork reports whether any activity or entity step is still
// awaiting its completion.
func hasOutstandingWork(events []durable.Event) bool {
	resolved := resolvedScheduleIDs(events)
	for _, e := range events {
		switch e.Kind {
		case durable.EventActivityScheduled, durable.EventEntityOperationScheduled:
			if !resolved[e.ScheduleID] {
				return true
			}
		}
	}
	return false
}

func hasTerminalEvent(events []durable.Event) bool {
	for _, e := range events {
		if e.Kind.IsTerminalKind() {
			return true
		}
	}
	return false
}

// appendOnce appends ev at the current end of the log unless already reports
// the log now covers it, retrying stale sequence reads.
func appendOnce(ctx context.Context, store eventstore.Store, instanceID string, ev durable.Event, retries int, already func([]durable.Event) bool) error {
	if retries <= 0 {
		retries = 1
	}
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		events, err := store.Read(ctx, instanceID, 0)
		if err != nil {
			return err
		}
		if already != nil && already(events) {
			return nil
		}
		last := int64(0)
		if n := len(events); n > 0 {
			last = events[n-1].SequenceID
		}
		if _, err := store.Append(ctx, instanceID, last, ev); err != nil {
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
