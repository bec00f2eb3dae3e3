package worker

import (
	"context"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/dispatcher"
	"github.com/goliatone/go-durable/eventstore"
	"github.com/goliatone/go-durable/timers"
)

// NewTimerFire returns the firing callback to wire into a timer runner:
// record the fired timer in the instance log and wake the instance with a
// resume. The callback is idempotent, so at-least-once firing is safe.
func NewTimerFire(store eventstore.Store, queue dispatcher.Queue) timers.FireFunc {
	return func(ctx context.Context, tm timers.Timer) error {
		events, err := store.Read(ctx, tm.InstanceID, 0)
		if err != nil {
			if durable.ErrorCode(err) == durable.ErrCodeInstanceNotFound {
				// instance purged under a still-registered timer
				return nil
			}
			return err
		}
		if resolvedScheduleIDs(events)[tm.ScheduleID] || hasTerminalEvent(events) {
			return nil
		}

		ev := durable.NewEvent(durable.EventTimerFired)
		ev.ScheduleID = tm.ScheduleID
		err = appendOnce(ctx, store, tm.InstanceID, ev, 5, func(evs []durable.Event) bool {
			return resolvedScheduleIDs(evs)[tm.ScheduleID] || hasTerminalEvent(evs)
		})
		if err != nil {
			return err
		}
		return queue.Enqueue(ctx, dispatcher.NewWorkItem(dispatcher.KindOrchestrationResume, tm.InstanceID))
	}
}
