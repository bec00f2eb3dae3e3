package dispatcher

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryQueueDeliverAndComplete(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()

	item := NewWorkItem(KindActivity, "i-1")
	item.ScheduleID = 1
	item.Name = "charge-card"
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	claimed, err := q.Dequeue(ctx, "w-1", time.Second)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if claimed == nil {
		t.Fatalf("expected a work item")
	}
	if claimed.Name != "charge-card" || claimed.Attempts != 1 {
		t.Fatalf("unexpected claim: %+v", claimed)
	}
	if claimed.LeaseToken == "" || claimed.LeaseUntil.IsZero() {
		t.Fatalf("expected lease token and expiry on claim: %+v", claimed)
	}

	if err := q.Complete(ctx, claimed.ID, claimed.LeaseToken); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	again, err := q.Dequeue(ctx, "w-1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if again != nil {
		t.Fatalf("completed item must not be redelivered, got %+v", again)
	}
}

func TestInMemoryQueueLeaseExpiryRedelivers(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	q := NewInMemoryQueue(
		WithLeaseDuration(10*time.Second),
		WithNow(func() time.Time { return current }),
	)
	ctx := context.Background()

	if err := q.Enqueue(ctx, NewWorkItem(KindActivity, "i-1")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	first, err := q.Dequeue(ctx, "w-1", time.Second)
	if err != nil || first == nil {
		t.Fatalf("first dequeue failed: item=%v err=%v", first, err)
	}

	// lease still live: nothing for a second worker
	second, err := q.Dequeue(ctx, "w-2", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if second != nil {
		t.Fatalf("leased item must be invisible, got %+v", second)
	}

	current = base.Add(11 * time.Second)
	second, err = q.Dequeue(ctx, "w-2", time.Second)
	if err != nil || second == nil {
		t.Fatalf("redelivery after lease expiry failed: item=%v err=%v", second, err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same item redelivered")
	}
	if second.Attempts != 2 {
		t.Fatalf("expected attempt count 2 on redelivery, got %d", second.Attempts)
	}
	if second.LeaseToken == first.LeaseToken {
		t.Fatalf("redelivery must rotate the lease token")
	}

	// the crashed worker's stale token can no longer retire the item
	if err := q.Complete(ctx, first.ID, first.LeaseToken); err == nil {
		t.Fatalf("expected stale token to be rejected")
	}
	if err := q.Complete(ctx, second.ID, second.LeaseToken); err != nil {
		t.Fatalf("live token must complete: %v", err)
	}
}

func TestInMemoryQueueAbandonDelaysRedelivery(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	q := NewInMemoryQueue(WithNow(func() time.Time { return current }))
	ctx := context.Background()

	if err := q.Enqueue(ctx, NewWorkItem(KindActivity, "i-1")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	claimed, err := q.Dequeue(ctx, "w-1", time.Second)
	if err != nil || claimed == nil {
		t.Fatalf("dequeue failed: item=%v err=%v", claimed, err)
	}
	if err := q.Abandon(ctx, claimed.ID, claimed.LeaseToken, 5*time.Second); err != nil {
		t.Fatalf("abandon failed: %v", err)
	}

	hidden, err := q.Dequeue(ctx, "w-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if hidden != nil {
		t.Fatalf("abandoned item must stay hidden during the delay")
	}

	current = base.Add(6 * time.Second)
	visible, err := q.Dequeue(ctx, "w-1", time.Second)
	if err != nil || visible == nil {
		t.Fatalf("expected item after abandon delay: item=%v err=%v", visible, err)
	}
	if visible.Attempts != 2 {
		t.Fatalf("expected attempts to accumulate across abandon, got %d", visible.Attempts)
	}
}

func TestInMemoryQueueResumeDeduplication(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()

	if err := q.Enqueue(ctx, NewWorkItem(KindOrchestrationResume, "i-1")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, NewWorkItem(KindOrchestrationResume, "i-1")); err != nil {
		t.Fatalf("duplicate resume enqueue must be a silent no-op: %v", err)
	}
	// a different instance is unaffected
	if err := q.Enqueue(ctx, NewWorkItem(KindOrchestrationResume, "i-2")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	seen := map[string]int{}
	for {
		item, err := q.Dequeue(ctx, "w-1", 20*time.Millisecond)
		if err != nil {
			t.Fatalf("dequeue failed: %v", err)
		}
		if item == nil {
			break
		}
		seen[item.InstanceID]++
		if err := q.Complete(ctx, item.ID, item.LeaseToken); err != nil {
			t.Fatalf("complete failed: %v", err)
		}
	}
	if seen["i-1"] != 1 || seen["i-2"] != 1 {
		t.Fatalf("expected one resume per instance, got %v", seen)
	}
}

func TestInMemoryQueueLongPollWakesOnEnqueue(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()

	done := make(chan *WorkItem, 1)
	go func() {
		item, err := q.Dequeue(ctx, "w-1", 2*time.Second)
		if err != nil {
			t.Errorf("dequeue failed: %v", err)
		}
		done <- item
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Enqueue(ctx, NewWorkItem(KindActivity, "i-1")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	select {
	case item := <-done:
		if item == nil {
			t.Fatalf("expected long poll to pick up the enqueued item")
		}
	case <-time.After(time.Second):
		t.Fatalf("long poll did not wake on enqueue")
	}
}

func TestInMemoryQueueRejectsUnknownKind(t *testing.T) {
	q := NewInMemoryQueue()
	item := NewWorkItem(WorkItemKind("bogus"), "i-1")
	if err := q.Enqueue(context.Background(), item); err == nil {
		t.Fatalf("expected unknown kind to be rejected")
	}
}
