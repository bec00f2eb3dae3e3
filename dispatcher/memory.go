package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

type memoryRecord struct {
	item       WorkItem
	status     string // pending, leased, completed
	leaseOwner string
}

// InMemoryQueue keeps work items in process memory. It backs tests and
// single-process deployments.
type InMemoryQueue struct {
	mu       sync.Mutex
	items    map[string]*memoryRecord
	order    []string
	leaseTTL time.Duration
	now      func() time.Time
	signal   chan struct{}
}

// InMemoryQueueOption customizes queue behavior.
type InMemoryQueueOption func(*InMemoryQueue)

// WithLeaseDuration sets the visibility timeout applied at claim time.
func WithLeaseDuration(ttl time.Duration) InMemoryQueueOption {
	return func(q *InMemoryQueue) {
		if ttl > 0 {
			q.leaseTTL = ttl
		}
	}
}

// WithNow overrides the clock, for tests exercising lease expiry.
func WithNow(now func() time.Time) InMemoryQueueOption {
	return func(q *InMemoryQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewInMemoryQueue constructs an empty queue with a 30s default lease.
func NewInMemoryQueue(opts ...InMemoryQueueOption) *InMemoryQueue {
	q := &InMemoryQueue{
		items:    make(map[string]*memoryRecord),
		leaseTTL: 30 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
		signal:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

func (q *InMemoryQueue) Enqueue(_ context.Context, item *WorkItem) error {
	if q == nil {
		return errors.New("in-memory queue not configured")
	}
	if err := validateItem(item); err != nil {
		return err
	}
	item = CloneWorkItem(item)
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now()
	}

	q.mu.Lock()
	// enqueue is idempotent on id so recovery paths can re-offer work
	if _, exists := q.items[item.ID]; exists {
		q.mu.Unlock()
		return nil
	}
	if item.Kind == KindOrchestrationResume && q.hasOutstandingResumeLocked(item.InstanceID) {
		q.mu.Unlock()
		return nil
	}
	q.items[item.ID] = &memoryRecord{item: *item, status: "pending"}
	q.order = append(q.order, item.ID)
	q.mu.Unlock()

	q.notify()
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, workerID string, wait time.Duration) (*WorkItem, error) {
	if q == nil {
		return nil, errors.New("in-memory queue not configured")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, errors.New("worker id required")
	}
	deadline := time.Now().Add(wait)
	for {
		if item := q.claim(workerID); item != nil {
			return item, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		// wake on enqueue, a short tick for lease expiry, or timeout
		tick := 50 * time.Millisecond
		if tick > remaining {
			tick = remaining
		}
		timer := time.NewTimer(tick)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *InMemoryQueue) Complete(_ context.Context, id, leaseToken string) error {
	if q == nil {
		return errors.New("in-memory queue not configured")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, err := q.leasedRecordLocked(id, leaseToken)
	if err != nil {
		return err
	}
	delete(q.items, rec.item.ID)
	return nil
}

func (q *InMemoryQueue) Abandon(_ context.Context, id, leaseToken string, delay time.Duration) error {
	if q == nil {
		return errors.New("in-memory queue not configured")
	}
	q.mu.Lock()
	rec, err := q.leasedRecordLocked(id, leaseToken)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	rec.status = "pending"
	rec.leaseOwner = ""
	rec.item.LeaseToken = ""
	rec.item.LeaseUntil = time.Time{}
	rec.item.VisibleAt = q.now().Add(delay)
	q.mu.Unlock()

	q.notify()
	return nil
}

func (q *InMemoryQueue) ExtendLease(_ context.Context, id, leaseToken string, leaseTTL time.Duration) error {
	if q == nil {
		return errors.New("in-memory queue not configured")
	}
	if leaseTTL <= 0 {
		leaseTTL = q.leaseTTL
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, err := q.leasedRecordLocked(id, leaseToken)
	if err != nil {
		return err
	}
	rec.item.LeaseUntil = q.now().Add(leaseTTL)
	return nil
}

func (q *InMemoryQueue) claim(workerID string) *WorkItem {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		rec, ok := q.items[id]
		if !ok {
			continue
		}
		if !q.claimableLocked(rec, now) {
			continue
		}
		rec.status = "leased"
		rec.leaseOwner = workerID
		rec.item.LeaseToken = newLeaseToken()
		rec.item.LeaseUntil = now.Add(q.leaseTTL)
		rec.item.Attempts++
		return CloneWorkItem(&rec.item)
	}
	q.compactLocked()
	return nil
}

func (q *InMemoryQueue) claimableLocked(rec *memoryRecord, now time.Time) bool {
	switch rec.status {
	case "pending":
		return rec.item.VisibleAt.IsZero() || !rec.item.VisibleAt.After(now)
	case "leased":
		// expired lease: the previous owner lost it
		return !rec.item.LeaseUntil.IsZero() && !rec.item.LeaseUntil.After(now)
	default:
		return false
	}
}

func (q *InMemoryQueue) leasedRecordLocked(id, leaseToken string) (*memoryRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("work item id required")
	}
	rec, ok := q.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	if rec.status != "leased" || leaseToken == "" || rec.item.LeaseToken != leaseToken {
		return nil, ErrLeaseLost
	}
	if !rec.item.LeaseUntil.After(q.now()) {
		return nil, ErrLeaseLost
	}
	return rec, nil
}

// hasOutstandingResumeLocked only considers pending items: a leased resume
// may have read the log before the event that triggered this enqueue, so it
// must not absorb the wake-up. Replay is idempotent, an extra resume no-ops.
func (q *InMemoryQueue) hasOutstandingResumeLocked(instanceID string) bool {
	for _, rec := range q.items {
		if rec.status == "pending" && rec.item.Kind == KindOrchestrationResume && rec.item.InstanceID == instanceID {
			return true
		}
	}
	return false
}

// compactLocked drops order slots whose items were completed and removed.
func (q *InMemoryQueue) compactLocked() {
	if len(q.order) == len(q.items) {
		return
	}
	kept := q.order[:0]
	for _, id := range q.order {
		if _, ok := q.items[id]; ok {
			kept = append(kept, id)
		}
	}
	q.order = kept
}

func (q *InMemoryQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

var _ Queue = (*InMemoryQueue)(nil)
