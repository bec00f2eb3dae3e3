package orchestration

import (
	"time"

	durable "github.com/goliatone/go-durable"
)

// ActionKind enumerates the side effects a turn can emit.
type ActionKind string

const (
	ActionScheduleActivity ActionKind = "schedule_activity"
	ActionCreateTimer      ActionKind = "create_timer"
	ActionCancelTimer      ActionKind = "cancel_timer"
	ActionScheduleEntity   ActionKind = "schedule_entity"
	ActionComplete         ActionKind = "complete"
)

// Action is one side effect emitted by a replay turn. The worker persists it
// as a history event and, where applicable, enqueues the matching work item
// or timer. ScheduleID is the deterministic counter value assigned when the
// orchestration code created the awaitable; a CancelTimer action reuses the
// id of the timer it cancels.
type Action struct {
	Kind       ActionKind
	ScheduleID int64
	Name       string
	Input      []byte
	EntityKey  string
	FireAt     time.Time

	// completion fields, set only on ActionComplete
	Status  durable.InstanceStatus
	Output  []byte
	Failure *durable.Failure
}

// TurnResult is everything one replay turn produced.
type TurnResult struct {
	// Actions are the new side effects, ordered by schedule id.
	Actions []Action
	// CustomStatus is the latest value set by the orchestration code.
	CustomStatus string
	// Completion is the terminal action if the turn ended the instance.
	Completion *Action
	// Terminated is set when the history carries an ExecutionTerminated
	// event; no user code ran this turn.
	Terminated bool
	// TerminateReason carries the terminate payload when Terminated.
	TerminateReason []byte
}

// Blocked reports whether the instance is waiting on outstanding work.
func (r *TurnResult) Blocked() bool {
	return r != nil && r.Completion == nil && !r.Terminated
}
