// Package dispatcher delivers durable work items to workers with
// lease-based, at-least-once semantics. Items are claimed under a visibility
// timeout: a worker that crashes mid-item loses its lease and the item
// becomes claimable again. Completion and abandonment require the lease
// token handed out at claim time, so a worker that lost its lease cannot
// retire an item another worker now owns.
package dispatcher

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// WorkItemKind enumerates the work item variants routed by the worker pool.
type WorkItemKind string

const (
	// KindOrchestrationResume asks a worker to replay an instance against
	// its log and advance it. At most one is outstanding per instance.
	KindOrchestrationResume WorkItemKind = "orchestration_resume"
	// KindActivity asks a worker to run one activity invocation.
	KindActivity WorkItemKind = "activity"
	// KindEntity asks a worker to run one entity operation.
	KindEntity WorkItemKind = "entity"
)

const (
	ErrCodeLeaseLost    = "DUR_LEASE_LOST"
	ErrCodeItemNotFound = "DUR_ITEM_NOT_FOUND"
)

var (
	// ErrLeaseLost means the caller's lease token no longer owns the item:
	// the lease expired and the item was reclaimed, or was already retired.
	ErrLeaseLost = apperrors.New("work item lease lost", apperrors.CategoryConflict).
			WithTextCode(ErrCodeLeaseLost)

	ErrItemNotFound = apperrors.New("work item not found", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeItemNotFound)
)

// WorkItem is one unit of deliverable work. Input carries the serialized
// payload for activities and entity operations; resume items carry none,
// the log itself is the payload.
type WorkItem struct {
	ID         string       `json:"id"`
	Kind       WorkItemKind `json:"kind"`
	InstanceID string       `json:"instance_id"`
	ScheduleID int64        `json:"schedule_id,omitempty"`
	Name       string       `json:"name,omitempty"`
	Input      []byte       `json:"input,omitempty"`
	EntityKey  string       `json:"entity_key,omitempty"`
	Attempts   int          `json:"attempts"`
	LeaseToken string       `json:"lease_token,omitempty"`
	LeaseUntil time.Time    `json:"lease_until,omitempty"`
	VisibleAt  time.Time    `json:"visible_at,omitempty"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// Queue is the durable work-item channel between the engine and its workers.
type Queue interface {
	// Enqueue makes an item deliverable. Resume items are deduplicated:
	// enqueueing a resume for an instance that already has one outstanding
	// is a no-op.
	Enqueue(ctx context.Context, item *WorkItem) error

	// Dequeue claims the next visible item under a lease, long-polling up
	// to wait. Returns (nil, nil) when nothing became available.
	Dequeue(ctx context.Context, workerID string, wait time.Duration) (*WorkItem, error)

	// Complete retires a claimed item. Fails with ErrLeaseLost when token
	// no longer owns the item.
	Complete(ctx context.Context, id, leaseToken string) error

	// Abandon returns a claimed item to the queue, visible again after
	// delay. The attempt count is preserved.
	Abandon(ctx context.Context, id, leaseToken string, delay time.Duration) error

	// ExtendLease pushes out the visibility timeout of a claimed item.
	ExtendLease(ctx context.Context, id, leaseToken string, leaseTTL time.Duration) error
}

// NewWorkItem stamps identity and enqueue time on a work item.
func NewWorkItem(kind WorkItemKind, instanceID string) *WorkItem {
	return &WorkItem{
		ID:         uuid.NewString(),
		Kind:       kind,
		InstanceID: strings.TrimSpace(instanceID),
		EnqueuedAt: time.Now().UTC(),
	}
}

// CloneWorkItem deep-copies an item so queues can hand out safe copies.
func CloneWorkItem(item *WorkItem) *WorkItem {
	if item == nil {
		return nil
	}
	cp := *item
	cp.Input = append([]byte(nil), item.Input...)
	return &cp
}

func newLeaseToken() string {
	return uuid.NewString()
}

func validateItem(item *WorkItem) error {
	if item == nil {
		return apperrors.New("work item required", apperrors.CategoryBadInput)
	}
	if strings.TrimSpace(item.ID) == "" {
		return apperrors.New("work item id required", apperrors.CategoryBadInput)
	}
	if strings.TrimSpace(item.InstanceID) == "" {
		return apperrors.New("work item instance id required", apperrors.CategoryBadInput)
	}
	switch item.Kind {
	case KindOrchestrationResume, KindActivity, KindEntity:
		return nil
	default:
		return apperrors.New("unknown work item kind: "+string(item.Kind), apperrors.CategoryBadInput)
	}
}
