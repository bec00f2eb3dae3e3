package eventstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	durable "github.com/goliatone/go-durable"
)

var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

func newInstance(id string) *durable.Instance {
	return &durable.Instance{
		InstanceID:   id,
		Orchestrator: "demo",
		Status:       durable.StatusPending,
	}
}

func TestInMemoryStoreAppendAssignsSequence(t *testing.T) {
	store := NewInMemoryStore()
	if err := store.CreateInstance(context.Background(), newInstance("i-1")); err != nil {
		t.Fatalf("create instance failed: %v", err)
	}

	seq, err := store.Append(context.Background(), "i-1", 0,
		durable.NewEvent(durable.EventOrchestratorStarted),
		durable.NewEvent(durable.EventActivityScheduled),
	)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if seq != 2 {
		t.Fatalf("expected last sequence 2, got %d", seq)
	}

	events, err := store.Read(context.Background(), "i-1", 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].SequenceID != 1 || events[1].SequenceID != 2 {
		t.Fatalf("expected sequence ids 1,2 got %d,%d", events[0].SequenceID, events[1].SequenceID)
	}
}

func TestInMemoryStoreAppendConflict(t *testing.T) {
	store := NewInMemoryStore()
	if err := store.CreateInstance(context.Background(), newInstance("i-1")); err != nil {
		t.Fatalf("create instance failed: %v", err)
	}
	if _, err := store.Append(context.Background(), "i-1", 0, durable.NewEvent(durable.EventOrchestratorStarted)); err != nil {
		t.Fatalf("seed append failed: %v", err)
	}

	_, err := store.Append(context.Background(), "i-1", 0, durable.NewEvent(durable.EventActivityScheduled))
	if !durable.IsAppendConflict(err) {
		t.Fatalf("expected append conflict, got %v", err)
	}

	// stale appends leave the log untouched
	events, err := store.Read(context.Background(), "i-1", 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event after rejected append, got %d", len(events))
	}
}

func TestInMemoryStoreConcurrentAppendSingleWinner(t *testing.T) {
	store := NewInMemoryStore()
	if err := store.CreateInstance(context.Background(), newInstance("i-1")); err != nil {
		t.Fatalf("create instance failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	errs := make(chan error, 2)
	attempt := func() {
		defer wg.Done()
		_, err := store.Append(context.Background(), "i-1", 0, durable.NewEvent(durable.EventOrchestratorStarted))
		errs <- err
	}
	go attempt()
	go attempt()
	wg.Wait()
	close(errs)

	success, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			success++
		case durable.IsAppendConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 || conflicts != 1 {
		t.Fatalf("expected one winner and one conflict, success=%d conflicts=%d", success, conflicts)
	}
}

func TestInMemoryStoreReadFromSequenceIsRestartable(t *testing.T) {
	store := NewInMemoryStore()
	if err := store.CreateInstance(context.Background(), newInstance("i-1")); err != nil {
		t.Fatalf("create instance failed: %v", err)
	}
	if _, err := store.Append(context.Background(), "i-1", 0,
		durable.NewEvent(durable.EventOrchestratorStarted),
		durable.NewEvent(durable.EventActivityScheduled),
		durable.NewEvent(durable.EventActivityCompleted),
	); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	tail, err := store.Read(context.Background(), "i-1", 2)
	if err != nil {
		t.Fatalf("read from 2 failed: %v", err)
	}
	if len(tail) != 1 || tail[0].Kind != durable.EventActivityCompleted {
		t.Fatalf("expected single activity_completed tail, got %+v", tail)
	}

	// reading again from the same position yields the same events
	again, err := store.Read(context.Background(), "i-1", 2)
	if err != nil {
		t.Fatalf("re-read failed: %v", err)
	}
	if len(again) != 1 || again[0].SequenceID != tail[0].SequenceID {
		t.Fatalf("expected restartable read, got %+v", again)
	}
}

func TestInMemoryStoreDuplicateInstance(t *testing.T) {
	store := NewInMemoryStore()
	if err := store.CreateInstance(context.Background(), newInstance("i-1")); err != nil {
		t.Fatalf("create instance failed: %v", err)
	}
	err := store.CreateInstance(context.Background(), newInstance("i-1"))
	if !errors.Is(err, durable.ErrInstanceExists) && durable.ErrorCode(err) != durable.ErrCodeInstanceExists {
		t.Fatalf("expected instance exists error, got %v", err)
	}
}

func TestInMemoryStorePurgeHonorsRetention(t *testing.T) {
	store := NewInMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	store.SetNow(func() time.Time { return current })

	if err := store.CreateInstance(context.Background(), newInstance("done")); err != nil {
		t.Fatalf("create instance failed: %v", err)
	}
	if err := store.CreateInstance(context.Background(), newInstance("live")); err != nil {
		t.Fatalf("create instance failed: %v", err)
	}
	if err := store.UpdateInstance(context.Background(), &durable.Instance{
		InstanceID: "done",
		Status:     durable.StatusCompleted,
	}); err != nil {
		t.Fatalf("update instance failed: %v", err)
	}

	current = base.Add(2 * time.Hour)
	purged, err := store.PurgeCompleted(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged instance, got %d", purged)
	}
	if _, err := store.GetInstance(context.Background(), "done"); durable.ErrorCode(err) != durable.ErrCodeInstanceNotFound {
		t.Fatalf("expected purged instance to be gone, got %v", err)
	}
	if _, err := store.GetInstance(context.Background(), "live"); err != nil {
		t.Fatalf("expected live instance to survive purge: %v", err)
	}
}

func TestInMemoryStoreUpdateInstanceKeepsTerminalStatus(t *testing.T) {
	store := NewInMemoryStore()
	if err := store.CreateInstance(context.Background(), newInstance("i-1")); err != nil {
		t.Fatalf("create instance failed: %v", err)
	}
	if err := store.UpdateInstance(context.Background(), &durable.Instance{
		InstanceID: "i-1",
		Status:     durable.StatusCompleted,
		Output:     []byte(`"done"`),
	}); err != nil {
		t.Fatalf("terminal update failed: %v", err)
	}

	// a writer holding a pre-completion snapshot must not revive the row
	if err := store.UpdateInstance(context.Background(), &durable.Instance{
		InstanceID: "i-1",
		Status:     durable.StatusSuspended,
	}); err != nil {
		t.Fatalf("stale update must be a no-op, got %v", err)
	}

	inst, err := store.GetInstance(context.Background(), "i-1")
	if err != nil {
		t.Fatalf("get instance failed: %v", err)
	}
	if inst.Status != durable.StatusCompleted {
		t.Fatalf("expected completed to stick, got %s", inst.Status)
	}
	if string(inst.Output) != `"done"` {
		t.Fatalf("expected terminal output to survive, got %q", inst.Output)
	}
}

func TestHasCompletionMatchesScheduleID(t *testing.T) {
	events := []durable.Event{
		{Kind: durable.EventActivityScheduled, ScheduleID: 1},
		{Kind: durable.EventActivityCompleted, ScheduleID: 1},
		{Kind: durable.EventTimerCreated, ScheduleID: 2},
	}
	if !HasCompletion(events, 1) {
		t.Fatalf("expected completion for schedule 1")
	}
	if HasCompletion(events, 2) {
		t.Fatalf("timer without fire should not count as completion")
	}
}
