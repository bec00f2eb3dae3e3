package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/dispatcher"
	"github.com/goliatone/go-durable/entity"
	"github.com/goliatone/go-durable/eventstore"
	"github.com/goliatone/go-durable/orchestration"
	"github.com/goliatone/go-durable/timers"
)

type testEnv struct {
	store    *eventstore.InMemoryStore
	queue    *dispatcher.InMemoryQueue
	timers   *timers.InMemoryStore
	registry *orchestration.Registry
	entities *entity.Invoker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := entity.NewRegistry()
	err := reg.Register("counter", func(op *entity.OperationContext) (any, error) {
		var count int
		if err := op.GetState(&count); err != nil {
			return nil, err
		}
		if op.Operation == "add" {
			var amount int
			if err := op.GetInput(&amount); err != nil {
				return nil, err
			}
			count += amount
			if err := op.SetState(count); err != nil {
				return nil, err
			}
		}
		return count, nil
	})
	if err != nil {
		t.Fatalf("register entity: %v", err)
	}
	return &testEnv{
		store:    eventstore.NewInMemoryStore(),
		queue:    dispatcher.NewInMemoryQueue(),
		timers:   timers.NewInMemoryStore(),
		registry: orchestration.NewRegistry(),
		entities: entity.NewInvoker(entity.NewInMemoryStore(), reg),
	}
}

func (env *testEnv) startWorker(t *testing.T) (stop func()) {
	t.Helper()
	w, err := New(env.store, env.queue, env.timers, env.registry, env.entities,
		WithWorkerID("test-worker"),
		WithConcurrency(2),
		WithPollWait(20*time.Millisecond),
		WithLeaseHeartbeat(0),
		WithRetryStrategy(NoDelayStrategy{}),
	)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	stopped := false
	stop = func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return stop
}

func (env *testEnv) startInstance(t *testing.T, orchestrator, instanceID string, input []byte) {
	t.Helper()
	ctx := context.Background()
	err := env.store.CreateInstance(ctx, &durable.Instance{
		InstanceID:   instanceID,
		Orchestrator: orchestrator,
		Status:       durable.StatusPending,
		Input:        input,
	})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	ev := durable.NewEvent(durable.EventOrchestratorStarted)
	ev.Name = orchestrator
	ev.Input = input
	if _, err := env.store.Append(ctx, instanceID, 0, ev); err != nil {
		t.Fatalf("append start event: %v", err)
	}
	if err := env.queue.Enqueue(ctx, dispatcher.NewWorkItem(dispatcher.KindOrchestrationResume, instanceID)); err != nil {
		t.Fatalf("enqueue resume: %v", err)
	}
}

func (env *testEnv) raiseEvent(t *testing.T, instanceID, name string, payload []byte) {
	t.Helper()
	ctx := context.Background()
	ev := durable.NewEvent(durable.EventExternalEventReceived)
	ev.Name = name
	ev.Input = payload
	for attempt := 0; attempt < 10; attempt++ {
		last, err := env.store.LastSequence(ctx, instanceID)
		if err != nil {
			t.Fatalf("last sequence: %v", err)
		}
		_, err = env.store.Append(ctx, instanceID, last, ev)
		if err == nil {
			break
		}
		if !durable.IsAppendConflict(err) {
			t.Fatalf("append event: %v", err)
		}
	}
	if err := env.queue.Enqueue(ctx, dispatcher.NewWorkItem(dispatcher.KindOrchestrationResume, instanceID)); err != nil {
		t.Fatalf("enqueue resume: %v", err)
	}
}

func (env *testEnv) waitForStatus(t *testing.T, instanceID string, status durable.InstanceStatus) *durable.Instance {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := env.store.GetInstance(context.Background(), instanceID)
		if err != nil {
			t.Fatalf("get instance: %v", err)
		}
		if inst.Status == status {
			return inst
		}
		if inst.Status.IsTerminal() && inst.Status != status {
			t.Fatalf("instance %s reached %s, want %s (failure: %v)", instanceID, inst.Status, status, inst.Failure)
		}
		time.Sleep(10 * time.Millisecond)
	}
	inst, _ := env.store.GetInstance(context.Background(), instanceID)
	t.Fatalf("instance %s never reached %s, last seen %+v", instanceID, status, inst)
	return nil
}

func TestWorkerRunsOrchestrationToCompletion(t *testing.T) {
	env := newTestEnv(t)
	if err := env.registry.AddActivity("double", func(_ context.Context, input []byte) (any, error) {
		var n int
		if err := durable.UnmarshalPayload(input, &n); err != nil {
			return nil, err
		}
		return n * 2, nil
	}); err != nil {
		t.Fatalf("add activity: %v", err)
	}
	if err := env.registry.AddOrchestrator("doubler", func(ctx *orchestration.Context) (any, error) {
		var n int
		if err := ctx.GetInput(&n); err != nil {
			return nil, err
		}
		var result int
		if err := ctx.CallActivity("double", orchestration.WithActivityInput(n)).Await(&result); err != nil {
			return nil, err
		}
		return result, nil
	}); err != nil {
		t.Fatalf("add orchestrator: %v", err)
	}

	env.startWorker(t)
	env.startInstance(t, "doubler", "wf-1", []byte(`21`))

	inst := env.waitForStatus(t, "wf-1", durable.StatusCompleted)
	if string(inst.Output) != `42` {
		t.Fatalf("expected output 42, got %s", inst.Output)
	}
}

func TestWorkerCrashRestartDoesNotRerunCompletedSteps(t *testing.T) {
	env := newTestEnv(t)
	var sideEffects int64
	if err := env.registry.AddActivity("charge", func(context.Context, []byte) (any, error) {
		atomic.AddInt64(&sideEffects, 1)
		return "charged", nil
	}); err != nil {
		t.Fatalf("add activity: %v", err)
	}
	if err := env.registry.AddOrchestrator("checkout", func(ctx *orchestration.Context) (any, error) {
		var receipt string
		if err := ctx.CallActivity("charge").Await(&receipt); err != nil {
			return nil, err
		}
		var approval string
		if err := ctx.WaitForExternalEvent("approved", -1).Await(&approval); err != nil {
			return nil, err
		}
		return receipt + ":" + approval, nil
	}); err != nil {
		t.Fatalf("add orchestrator: %v", err)
	}

	stop := env.startWorker(t)
	env.startInstance(t, "checkout", "wf-1", nil)
	env.waitForStatus(t, "wf-1", durable.StatusSuspended)
	if n := atomic.LoadInt64(&sideEffects); n != 1 {
		t.Fatalf("expected one charge before the stop, got %d", n)
	}

	// stop the pool mid-flight and bring up a fresh one on the same stores
	stop()
	env.startWorker(t)
	env.raiseEvent(t, "wf-1", "approved", []byte(`"ok"`))

	inst := env.waitForStatus(t, "wf-1", durable.StatusCompleted)
	if string(inst.Output) != `"charged:ok"` {
		t.Fatalf("unexpected output %s", inst.Output)
	}
	if n := atomic.LoadInt64(&sideEffects); n != 1 {
		t.Fatalf("restart must not rerun the completed charge, got %d executions", n)
	}
}

func TestWorkerFiresDurableTimers(t *testing.T) {
	env := newTestEnv(t)
	if err := env.registry.AddOrchestrator("sleeper", func(ctx *orchestration.Context) (any, error) {
		if err := ctx.CreateTimer(30 * time.Millisecond).Await(nil); err != nil {
			return nil, err
		}
		return "woke", nil
	}); err != nil {
		t.Fatalf("add orchestrator: %v", err)
	}

	env.startWorker(t)
	runner := timers.NewRunner(env.timers, NewTimerFire(env.store, env.queue),
		timers.WithInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = runner.Run(ctx) }()

	env.startInstance(t, "sleeper", "wf-1", nil)
	inst := env.waitForStatus(t, "wf-1", durable.StatusCompleted)
	if string(inst.Output) != `"woke"` {
		t.Fatalf("unexpected output %s", inst.Output)
	}
}

func TestWorkerRecordsActivityFailure(t *testing.T) {
	env := newTestEnv(t)
	if err := env.registry.AddActivity("flaky", func(context.Context, []byte) (any, error) {
		return nil, fmt.Errorf("downstream unavailable")
	}); err != nil {
		t.Fatalf("add activity: %v", err)
	}
	if err := env.registry.AddOrchestrator("fragile", func(ctx *orchestration.Context) (any, error) {
		var out string
		if err := ctx.CallActivity("flaky").Await(&out); err != nil {
			return nil, err
		}
		return out, nil
	}); err != nil {
		t.Fatalf("add orchestrator: %v", err)
	}

	env.startWorker(t)
	env.startInstance(t, "fragile", "wf-1", nil)

	inst := env.waitForStatus(t, "wf-1", durable.StatusFailed)
	if inst.Failure == nil || inst.Failure.ErrorMessage == "" {
		t.Fatalf("expected a recorded failure, got %+v", inst.Failure)
	}
}

func TestWorkerRunsEntityOperations(t *testing.T) {
	env := newTestEnv(t)
	if err := env.registry.AddOrchestrator("depositor", func(ctx *orchestration.Context) (any, error) {
		var balance int
		if err := ctx.CallEntity("counter@alice", "add", 25).Await(&balance); err != nil {
			return nil, err
		}
		if err := ctx.CallEntity("counter@alice", "add", 17).Await(&balance); err != nil {
			return nil, err
		}
		return balance, nil
	}); err != nil {
		t.Fatalf("add orchestrator: %v", err)
	}

	env.startWorker(t)
	env.startInstance(t, "depositor", "wf-1", nil)

	inst := env.waitForStatus(t, "wf-1", durable.StatusCompleted)
	if string(inst.Output) != `42` {
		t.Fatalf("expected balance 42, got %s", inst.Output)
	}
}

func TestWorkerFailsInstanceOnReplayMismatch(t *testing.T) {
	env := newTestEnv(t)
	if err := env.registry.AddActivity("renamed", func(context.Context, []byte) (any, error) {
		return "ok", nil
	}); err != nil {
		t.Fatalf("add activity: %v", err)
	}
	if err := env.registry.AddOrchestrator("drifted", func(ctx *orchestration.Context) (any, error) {
		var out string
		if err := ctx.CallActivity("renamed").Await(&out); err != nil {
			return nil, err
		}
		return out, nil
	}); err != nil {
		t.Fatalf("add orchestrator: %v", err)
	}

	// history recorded by an older code version that scheduled "original"
	ctx := context.Background()
	if err := env.store.CreateInstance(ctx, &durable.Instance{
		InstanceID:   "wf-1",
		Orchestrator: "drifted",
		Status:       durable.StatusRunning,
	}); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	started := durable.NewEvent(durable.EventOrchestratorStarted)
	started.Name = "drifted"
	scheduled := durable.NewEvent(durable.EventActivityScheduled)
	scheduled.ScheduleID = 1
	scheduled.Name = "original"
	if _, err := env.store.Append(ctx, "wf-1", 0, started, scheduled); err != nil {
		t.Fatalf("append history: %v", err)
	}
	if err := env.queue.Enqueue(ctx, dispatcher.NewWorkItem(dispatcher.KindOrchestrationResume, "wf-1")); err != nil {
		t.Fatalf("enqueue resume: %v", err)
	}

	env.startWorker(t)
	inst := env.waitForStatus(t, "wf-1", durable.StatusFailed)
	if inst.Failure == nil || inst.Failure.ErrorType != durable.ErrCodeReplayMismatch {
		t.Fatalf("expected replay mismatch failure, got %+v", inst.Failure)
	}
	if !inst.Failure.NonRetryable {
		t.Fatalf("replay mismatch must be non-retryable")
	}
}

func TestStaleResumeCannotRevertCompletedInstance(t *testing.T) {
	env := newTestEnv(t)
	if err := env.registry.AddOrchestrator("waiter", func(ctx *orchestration.Context) (any, error) {
		var signal string
		if err := ctx.WaitForExternalEvent("go", -1).Await(&signal); err != nil {
			return nil, err
		}
		return "done:" + signal, nil
	}); err != nil {
		t.Fatalf("add orchestrator: %v", err)
	}
	w, err := New(env.store, env.queue, env.timers, env.registry, env.entities)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	ctx := context.Background()

	env.startInstance(t, "waiter", "wf-1", nil)
	item, err := env.queue.Dequeue(ctx, "racer-a", 0)
	if err != nil || item == nil {
		t.Fatalf("dequeue first resume: %v %+v", err, item)
	}
	if err := w.processResume(ctx, item); err != nil {
		t.Fatalf("first resume: %v", err)
	}

	// snapshot the world as a slow resume would have seen it mid-flight
	staleInst, err := env.store.GetInstance(ctx, "wf-1")
	if err != nil {
		t.Fatalf("stale snapshot: %v", err)
	}
	staleEvents, err := env.store.Read(ctx, "wf-1", 0)
	if err != nil {
		t.Fatalf("stale read: %v", err)
	}

	env.raiseEvent(t, "wf-1", "go", []byte(`"now"`))
	item, err = env.queue.Dequeue(ctx, "racer-b", 0)
	if err != nil || item == nil {
		t.Fatalf("dequeue finishing resume: %v %+v", err, item)
	}
	if err := w.processResume(ctx, item); err != nil {
		t.Fatalf("finishing resume: %v", err)
	}
	inst, err := env.store.GetInstance(ctx, "wf-1")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if inst.Status != durable.StatusCompleted {
		t.Fatalf("expected completed before the stale write, got %s", inst.Status)
	}

	// the slow resume now writes the status it derived from its old snapshot
	if err := w.updateStatus(ctx, staleInst, &orchestration.TurnResult{}, staleEvents); err != nil {
		t.Fatalf("stale status write: %v", err)
	}

	inst, err = env.store.GetInstance(ctx, "wf-1")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if inst.Status != durable.StatusCompleted {
		t.Fatalf("stale resume reverted terminal status to %s", inst.Status)
	}
	if string(inst.Output) != `"done:now"` {
		t.Fatalf("expected terminal output to survive, got %s", inst.Output)
	}
}

func TestRedeliveredActivityRecordsOneCompletion(t *testing.T) {
	env := newTestEnv(t)
	var executions int64
	if err := env.registry.AddActivity("charge", func(context.Context, []byte) (any, error) {
		atomic.AddInt64(&executions, 1)
		return "charged", nil
	}); err != nil {
		t.Fatalf("add activity: %v", err)
	}
	if err := env.registry.AddOrchestrator("checkout", func(ctx *orchestration.Context) (any, error) {
		var receipt string
		if err := ctx.CallActivity("charge").Await(&receipt); err != nil {
			return nil, err
		}
		return receipt, nil
	}); err != nil {
		t.Fatalf("add orchestrator: %v", err)
	}
	w, err := New(env.store, env.queue, env.timers, env.registry, env.entities)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	ctx := context.Background()

	env.startInstance(t, "checkout", "wf-1", nil)
	item, err := env.queue.Dequeue(ctx, "w1", 0)
	if err != nil || item == nil {
		t.Fatalf("dequeue resume: %v %+v", err, item)
	}
	if err := w.processResume(ctx, item); err != nil {
		t.Fatalf("resume: %v", err)
	}
	item, err = env.queue.Dequeue(ctx, "w1", 0)
	if err != nil || item == nil || item.Kind != dispatcher.KindActivity {
		t.Fatalf("expected the scheduled activity item, got %v %+v", err, item)
	}

	// an expired lease redelivers the same item to a second worker
	if err := w.processActivity(ctx, item); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := w.processActivity(ctx, item); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if n := atomic.LoadInt64(&executions); n != 1 {
		t.Fatalf("redelivery after a recorded completion must not rerun the activity, got %d", n)
	}

	// a racer that read the log before the first completion landed still
	// loses at the append
	dup := durable.NewEvent(durable.EventActivityCompleted)
	dup.ScheduleID = item.ScheduleID
	dup.Name = item.Name
	dup.Result = []byte(`"charged"`)
	if err := appendOnce(ctx, env.store, "wf-1", dup, 5, func(ev []durable.Event) bool {
		return eventstore.HasCompletion(ev, item.ScheduleID)
	}); err != nil {
		t.Fatalf("duplicate append: %v", err)
	}

	events, err := env.store.Read(ctx, "wf-1", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	completions := 0
	for _, e := range events {
		if e.Kind == durable.EventActivityCompleted && e.ScheduleID == item.ScheduleID {
			completions++
		}
	}
	if completions != 1 {
		t.Fatalf("expected exactly one recorded completion, got %d", completions)
	}
}

func TestTimerFireIsIdempotentAndHonorsCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.CreateInstance(ctx, &durable.Instance{
		InstanceID:   "wf-1",
		Orchestrator: "sleeper",
		Status:       durable.StatusSuspended,
	}); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	started := durable.NewEvent(durable.EventOrchestratorStarted)
	started.Name = "sleeper"
	created := durable.NewEvent(durable.EventTimerCreated)
	created.ScheduleID = 1
	created.FireAt = time.Now().UTC()
	canceled := durable.NewEvent(durable.EventTimerCanceled)
	canceled.ScheduleID = 2
	if _, err := env.store.Append(ctx, "wf-1", 0, started, created, canceled); err != nil {
		t.Fatalf("append history: %v", err)
	}

	fire := NewTimerFire(env.store, env.queue)
	tm := timers.Timer{InstanceID: "wf-1", ScheduleID: 1, FireAt: created.FireAt}
	if err := fire(ctx, tm); err != nil {
		t.Fatalf("first fire: %v", err)
	}
	if err := fire(ctx, tm); err != nil {
		t.Fatalf("second fire: %v", err)
	}
	if err := fire(ctx, timers.Timer{InstanceID: "wf-1", ScheduleID: 2}); err != nil {
		t.Fatalf("canceled fire: %v", err)
	}

	events, err := env.store.Read(ctx, "wf-1", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	fired := 0
	for _, e := range events {
		if e.Kind == durable.EventTimerFired {
			fired++
			if e.ScheduleID != 1 {
				t.Fatalf("canceled timer must not fire, got schedule %d", e.ScheduleID)
			}
		}
	}
	if fired != 1 {
		t.Fatalf("expected exactly one fired event, got %d", fired)
	}
}

func TestExponentialBackoffCapsAndDefaults(t *testing.T) {
	s := ExponentialBackoffStrategy{Base: 100 * time.Millisecond, Factor: 2, Max: 300 * time.Millisecond}
	if d := s.SleepDuration(0, nil); d != 100*time.Millisecond {
		t.Fatalf("attempt 0: got %s", d)
	}
	if d := s.SleepDuration(1, nil); d != 200*time.Millisecond {
		t.Fatalf("attempt 1: got %s", d)
	}
	if d := s.SleepDuration(5, nil); d != 300*time.Millisecond {
		t.Fatalf("attempt 5 must hit the cap, got %s", d)
	}
	var zero ExponentialBackoffStrategy
	if d := zero.SleepDuration(0, nil); d != 500*time.Millisecond {
		t.Fatalf("zero value must fall back to the default base, got %s", d)
	}
}
