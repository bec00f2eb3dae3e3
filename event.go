package durable

import (
	"encoding/json"
	"strings"
	"time"
)

// EventKind enumerates the closed set of history event variants. Replay
// matches on kinds exhaustively; new variants require a schema version bump.
type EventKind string

const (
	EventOrchestratorStarted      EventKind = "orchestrator_started"
	EventActivityScheduled        EventKind = "activity_scheduled"
	EventActivityCompleted        EventKind = "activity_completed"
	EventActivityFailed           EventKind = "activity_failed"
	EventTimerCreated             EventKind = "timer_created"
	EventTimerFired               EventKind = "timer_fired"
	EventTimerCanceled            EventKind = "timer_canceled"
	EventExternalEventReceived    EventKind = "external_event_received"
	EventEntityOperationScheduled EventKind = "entity_operation_scheduled"
	EventEntityOperationCompleted EventKind = "entity_operation_completed"
	EventEntityOperationFailed    EventKind = "entity_operation_failed"
	EventExecutionTerminated      EventKind = "execution_terminated"
	EventOrchestratorCompleted    EventKind = "orchestrator_completed"
	EventOrchestratorFailed       EventKind = "orchestrator_failed"
)

// EventSchemaVersion is stamped on every persisted event so older logs stay
// readable across deployments.
const EventSchemaVersion = 1

// Event is one immutable history fact for an orchestration instance.
// SequenceID is assigned by the event store and is a total order within the
// instance. ScheduleID correlates completions back to the scheduling event
// emitted by the replay engine; it is the replay engine's deterministic
// step counter, not a store artifact.
type Event struct {
	SchemaVersion int       `json:"schema_version"`
	Kind          EventKind `json:"kind"`
	SequenceID    int64     `json:"sequence_id"`
	ScheduleID    int64     `json:"schedule_id,omitempty"`
	Name          string    `json:"name,omitempty"`
	Input         []byte    `json:"input,omitempty"`
	Result        []byte    `json:"result,omitempty"`
	Failure       *Failure  `json:"failure,omitempty"`
	EntityKey     string    `json:"entity_key,omitempty"`
	FireAt        time.Time `json:"fire_at,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Failure is the structured error payload recorded for failed activities,
// entity operations, and orchestrations.
type Failure struct {
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message"`
	NonRetryable bool   `json:"non_retryable,omitempty"`
}

// Error renders the failure for log lines and wrapped errors.
func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if f.ErrorType != "" {
		return f.ErrorType + ": " + f.ErrorMessage
	}
	return f.ErrorMessage
}

// FailureFromError converts an activity or entity error into its recorded form.
func FailureFromError(err error) *Failure {
	if err == nil {
		return nil
	}
	return &Failure{ErrorMessage: err.Error()}
}

// NewEvent stamps schema version and timestamp on a history event.
func NewEvent(kind EventKind) Event {
	return Event{
		SchemaVersion: EventSchemaVersion,
		Kind:          kind,
		Timestamp:     time.Now().UTC(),
	}
}

// IsSchedulingKind reports whether the kind records an outbound action the
// replay engine must match against its pending actions.
func (k EventKind) IsSchedulingKind() bool {
	switch k {
	case EventActivityScheduled, EventTimerCreated, EventEntityOperationScheduled:
		return true
	default:
		return false
	}
}

// IsTerminalKind reports whether the kind ends the instance.
func (k EventKind) IsTerminalKind() bool {
	switch k {
	case EventOrchestratorCompleted, EventOrchestratorFailed, EventExecutionTerminated:
		return true
	default:
		return false
	}
}

// NormalizeEventName canonicalizes external event names. Matching is
// case-insensitive, mirroring how clients raise events.
func NormalizeEventName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// MarshalPayload encodes an activity/orchestration input or output payload.
func MarshalPayload(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// UnmarshalPayload decodes a payload into v. Empty payloads leave v untouched.
func UnmarshalPayload(data []byte, v any) error {
	if len(data) == 0 || v == nil {
		return nil
	}
	return json.Unmarshal(data, v)
}

// CloneEvent deep-copies an event so stores can hand out safe copies.
func CloneEvent(e Event) Event {
	cp := e
	cp.Input = append([]byte(nil), e.Input...)
	cp.Result = append([]byte(nil), e.Result...)
	if e.Failure != nil {
		f := *e.Failure
		cp.Failure = &f
	}
	return cp
}
