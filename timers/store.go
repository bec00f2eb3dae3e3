// Package timers persists durable wake-ups for orchestration instances.
// A scheduled timer survives process restarts; the runner polls for due
// timers and fires them at least once. Firing callbacks must be idempotent:
// consumers dedup on the timer's schedule id against the instance log.
package timers

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// Timer is one durable wake-up keyed by instance and schedule id.
type Timer struct {
	InstanceID string    `json:"instance_id"`
	ScheduleID int64     `json:"schedule_id"`
	FireAt     time.Time `json:"fire_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the durable timer registry.
type Store interface {
	// Schedule registers a wake-up. Re-scheduling an existing
	// instance/schedule pair is a no-op, so replays can schedule blindly.
	Schedule(ctx context.Context, t Timer) error

	// Cancel removes a pending timer. Best effort: canceling a missing or
	// already-fired timer is not an error, the race is resolved by the
	// consumer's dedup.
	Cancel(ctx context.Context, instanceID string, scheduleID int64) error

	// ListDue returns pending timers with FireAt at or before now, soonest
	// first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Timer, error)

	// MarkFired removes a timer after its firing callback succeeded.
	MarkFired(ctx context.Context, instanceID string, scheduleID int64) error
}

type timerKey struct {
	instanceID string
	scheduleID int64
}

// InMemoryStore keeps timers in process memory.
type InMemoryStore struct {
	mu     sync.Mutex
	timers map[timerKey]Timer
	now    func() time.Time
}

// NewInMemoryStore constructs an empty timer store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		timers: make(map[timerKey]Timer),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) Schedule(_ context.Context, t Timer) error {
	if s == nil {
		return errors.New("in-memory timer store not configured")
	}
	t.InstanceID = strings.TrimSpace(t.InstanceID)
	if t.InstanceID == "" {
		return errors.New("timer instance id required")
	}
	if t.ScheduleID <= 0 {
		return errors.New("timer schedule id required")
	}
	if t.FireAt.IsZero() {
		return errors.New("timer fire time required")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := timerKey{t.InstanceID, t.ScheduleID}
	if _, exists := s.timers[key]; exists {
		return nil
	}
	s.timers[key] = t
	return nil
}

func (s *InMemoryStore) Cancel(_ context.Context, instanceID string, scheduleID int64) error {
	if s == nil {
		return errors.New("in-memory timer store not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, timerKey{strings.TrimSpace(instanceID), scheduleID})
	return nil
}

func (s *InMemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]Timer, error) {
	if s == nil {
		return nil, errors.New("in-memory timer store not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	if now.IsZero() {
		now = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Timer
	for _, t := range s.timers {
		if !t.FireAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].FireAt.Equal(due[j].FireAt) {
			return due[i].InstanceID < due[j].InstanceID
		}
		return due[i].FireAt.Before(due[j].FireAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *InMemoryStore) MarkFired(_ context.Context, instanceID string, scheduleID int64) error {
	if s == nil {
		return errors.New("in-memory timer store not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, timerKey{strings.TrimSpace(instanceID), scheduleID})
	return nil
}

// SetNow overrides the clock, for tests.
func (s *InMemoryStore) SetNow(now func() time.Time) {
	if s == nil || now == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

var _ Store = (*InMemoryStore)(nil)
