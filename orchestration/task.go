package orchestration

import (
	"errors"

	durable "github.com/goliatone/go-durable"
)

// ErrTaskBlocked is the internal sentinel panicked by Await when history is
// exhausted. The executor recovers it; it never escapes to user code.
var ErrTaskBlocked = errors.New("replay blocked on unresolved awaitable")

// ErrTaskCanceled is returned by Await when the awaitable was canceled, for
// example an event wait whose timeout fired first.
var ErrTaskCanceled = errors.New("awaitable canceled")

// Task is an awaitable handle returned by the Context scheduling methods.
type Task interface {
	// Await blocks the turn until the task resolves, unmarshaling the
	// result into v when both are non-nil. Failures surface as
	// *TaskFailedError, cancellation as ErrTaskCanceled.
	Await(v any) error
}

// TaskFailedError wraps the recorded failure of an activity or entity
// operation so orchestration code can branch on it.
type TaskFailedError struct {
	Failure *durable.Failure
}

func (e *TaskFailedError) Error() string {
	if e == nil || e.Failure == nil {
		return "task failed"
	}
	return "task failed: " + e.Failure.Error()
}

// AsTaskFailure extracts the recorded failure details from an Await error.
func AsTaskFailure(err error) (*durable.Failure, bool) {
	var tf *TaskFailedError
	if errors.As(err, &tf) && tf.Failure != nil {
		return tf.Failure, true
	}
	return nil, false
}

// completableTask is the single Task implementation. Await pumps history
// events through the owning Context until the task resolves; when history is
// exhausted it aborts the turn with ErrTaskBlocked.
type completableTask struct {
	ctx       *Context
	completed bool
	canceled  bool
	result    []byte
	failure   *durable.Failure
	onDone    func()
}

func newTask(ctx *Context) *completableTask {
	return &completableTask{ctx: ctx}
}

func (t *completableTask) Await(v any) error {
	for !t.completed {
		if !t.ctx.pump() {
			panic(ErrTaskBlocked)
		}
	}
	if t.canceled {
		return ErrTaskCanceled
	}
	if t.failure != nil {
		return &TaskFailedError{Failure: t.failure}
	}
	if v != nil && len(t.result) > 0 {
		return durable.UnmarshalPayload(t.result, v)
	}
	return nil
}

func (t *completableTask) complete(result []byte) {
	if t == nil || t.completed {
		return
	}
	t.completed = true
	t.result = result
	if t.onDone != nil {
		t.onDone()
	}
}

func (t *completableTask) fail(failure *durable.Failure) {
	if t == nil || t.completed {
		return
	}
	t.completed = true
	if failure == nil {
		failure = &durable.Failure{ErrorMessage: "task failed"}
	}
	t.failure = failure
	if t.onDone != nil {
		t.onDone()
	}
}

func (t *completableTask) cancel() {
	if t == nil || t.completed {
		return
	}
	t.completed = true
	t.canceled = true
}

// onCompleted registers a callback fired when the task resolves
// successfully.
func (t *completableTask) onCompleted(fn func()) {
	t.onDone = fn
}

// taskWrapper decorates a Task with a hook that inspects (and may replace)
// the Await outcome. The retry helper is built on it.
type taskWrapper struct {
	delegate      Task
	onAwaitResult func(v any, err error) error
}

func (w *taskWrapper) Await(v any) error {
	err := w.delegate.Await(v)
	if w.onAwaitResult != nil {
		return w.onAwaitResult(v, err)
	}
	return err
}
