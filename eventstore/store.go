// Package eventstore persists the append-only history of orchestration
// instances. The per-instance event log is the single source of truth the
// replay engine reconstructs execution from: appends are atomic and carry a
// sequence-number compare-and-set, reads are restartable from any position.
package eventstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	durable "github.com/goliatone/go-durable"
)

// Store is the durable, ordered, append-only record of everything that has
// happened to each orchestration instance.
type Store interface {
	// CreateInstance registers a new instance row in Pending status.
	// Returns durable.ErrInstanceExists when the id is already taken.
	CreateInstance(ctx context.Context, inst *durable.Instance) error

	// GetInstance returns a copy of the instance row, or
	// durable.ErrInstanceNotFound.
	GetInstance(ctx context.Context, instanceID string) (*durable.Instance, error)

	// ListInstances returns instance rows, newest first.
	ListInstances(ctx context.Context, limit int) ([]*durable.Instance, error)

	// Append persists events atomically at the end of the instance log.
	// expectedSeq is the caller's view of the last assigned sequence id;
	// a stale view fails with durable.ErrAppendConflict and no write occurs.
	// Returns the last sequence id after the append.
	Append(ctx context.Context, instanceID string, expectedSeq int64, events ...durable.Event) (int64, error)

	// Read returns events with SequenceID > fromSeq in sequence order.
	Read(ctx context.Context, instanceID string, fromSeq int64) ([]durable.Event, error)

	// LastSequence returns the highest assigned sequence id, 0 for an
	// empty log.
	LastSequence(ctx context.Context, instanceID string) (int64, error)

	// UpdateInstance patches the mutable instance columns (status, output,
	// failure, custom status).
	UpdateInstance(ctx context.Context, inst *durable.Instance) error

	// PurgeCompleted deletes instances terminal for longer than retention,
	// along with their logs. Returns the number of purged instances.
	PurgeCompleted(ctx context.Context, retention time.Duration) (int, error)
}

// HasCompletion reports whether the log already records a completion for the
// given schedule id. Workers consult this before appending activity or entity
// results so redelivered work items never produce a second completion.
func HasCompletion(events []durable.Event, scheduleID int64) bool {
	for _, e := range events {
		switch e.Kind {
		case durable.EventActivityCompleted, durable.EventActivityFailed,
			durable.EventEntityOperationCompleted, durable.EventEntityOperationFailed,
			durable.EventTimerFired:
			if e.ScheduleID == scheduleID {
				return true
			}
		}
	}
	return false
}

// InMemoryStore keeps logs and instance rows in process memory. It backs
// tests and single-process deployments.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*durable.Instance
	logs      map[string][]durable.Event
	now       func() time.Time
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*durable.Instance),
		logs:      make(map[string][]durable.Event),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) CreateInstance(_ context.Context, inst *durable.Instance) error {
	if s == nil {
		return errors.New("in-memory event store not configured")
	}
	inst = durable.CloneInstance(inst)
	if inst == nil {
		return errors.New("instance required")
	}
	inst.InstanceID = durable.NormalizeInstanceID(inst.InstanceID)
	if inst.InstanceID == "" {
		return errors.New("instance id required")
	}
	if strings.TrimSpace(inst.Orchestrator) == "" {
		return errors.New("orchestrator name required")
	}
	if inst.Status == "" {
		inst.Status = durable.StatusPending
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = s.now()
	}
	inst.UpdatedAt = inst.CreatedAt

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[inst.InstanceID]; exists {
		return durable.ErrInstanceExists
	}
	s.instances[inst.InstanceID] = inst
	return nil
}

func (s *InMemoryStore) GetInstance(_ context.Context, instanceID string) (*durable.Instance, error) {
	if s == nil {
		return nil, errors.New("in-memory event store not configured")
	}
	instanceID = durable.NormalizeInstanceID(instanceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, durable.ErrInstanceNotFound
	}
	return durable.CloneInstance(inst), nil
}

func (s *InMemoryStore) ListInstances(_ context.Context, limit int) ([]*durable.Instance, error) {
	if s == nil {
		return nil, errors.New("in-memory event store not configured")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*durable.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, durable.CloneInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].InstanceID < out[j].InstanceID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Append(_ context.Context, instanceID string, expectedSeq int64, events ...durable.Event) (int64, error) {
	if s == nil {
		return 0, errors.New("in-memory event store not configured")
	}
	instanceID = durable.NormalizeInstanceID(instanceID)
	if instanceID == "" {
		return 0, errors.New("instance id required")
	}
	if len(events) == 0 {
		return expectedSeq, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[instanceID]; !ok {
		return 0, durable.ErrInstanceNotFound
	}
	log := s.logs[instanceID]
	last := int64(0)
	if n := len(log); n > 0 {
		last = log[n-1].SequenceID
	}
	if last != expectedSeq {
		return last, durable.ErrAppendConflict
	}
	seq := last
	for _, e := range events {
		seq++
		cp := durable.CloneEvent(e)
		cp.SequenceID = seq
		if cp.SchemaVersion == 0 {
			cp.SchemaVersion = durable.EventSchemaVersion
		}
		if cp.Timestamp.IsZero() {
			cp.Timestamp = s.now()
		}
		log = append(log, cp)
	}
	s.logs[instanceID] = log
	if inst := s.instances[instanceID]; inst != nil {
		inst.UpdatedAt = s.now()
	}
	return seq, nil
}

func (s *InMemoryStore) Read(_ context.Context, instanceID string, fromSeq int64) ([]durable.Event, error) {
	if s == nil {
		return nil, errors.New("in-memory event store not configured")
	}
	instanceID = durable.NormalizeInstanceID(instanceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.instances[instanceID]; !ok {
		return nil, durable.ErrInstanceNotFound
	}
	log := s.logs[instanceID]
	out := make([]durable.Event, 0, len(log))
	for _, e := range log {
		if e.SequenceID > fromSeq {
			out = append(out, durable.CloneEvent(e))
		}
	}
	return out, nil
}

func (s *InMemoryStore) LastSequence(_ context.Context, instanceID string) (int64, error) {
	if s == nil {
		return 0, errors.New("in-memory event store not configured")
	}
	instanceID = durable.NormalizeInstanceID(instanceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.instances[instanceID]; !ok {
		return 0, durable.ErrInstanceNotFound
	}
	log := s.logs[instanceID]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].SequenceID, nil
}

func (s *InMemoryStore) UpdateInstance(_ context.Context, inst *durable.Instance) error {
	if s == nil {
		return errors.New("in-memory event store not configured")
	}
	if inst == nil {
		return errors.New("instance required")
	}
	id := durable.NormalizeInstanceID(inst.InstanceID)

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.instances[id]
	if !ok {
		return durable.ErrInstanceNotFound
	}
	// a finished instance never reverts: a resume that read the log before
	// a concurrent turn finished it would otherwise write its stale status
	// over the terminal row
	if current.Status.IsTerminal() && !inst.Status.IsTerminal() {
		return nil
	}
	current.Status = inst.Status
	current.Output = append([]byte(nil), inst.Output...)
	current.CustomStatus = inst.CustomStatus
	if inst.Failure != nil {
		f := *inst.Failure
		current.Failure = &f
	} else {
		current.Failure = nil
	}
	current.UpdatedAt = s.now()
	if inst.Status.IsTerminal() && current.CompletedAt == nil {
		ts := current.UpdatedAt
		current.CompletedAt = &ts
	}
	return nil
}

func (s *InMemoryStore) PurgeCompleted(_ context.Context, retention time.Duration) (int, error) {
	if s == nil {
		return 0, errors.New("in-memory event store not configured")
	}
	cutoff := s.now().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, inst := range s.instances {
		if !inst.Status.IsTerminal() || inst.CompletedAt == nil {
			continue
		}
		if inst.CompletedAt.After(cutoff) {
			continue
		}
		delete(s.instances, id)
		delete(s.logs, id)
		purged++
	}
	return purged, nil
}

// SetNow overrides the clock, for tests exercising retention windows.
func (s *InMemoryStore) SetNow(now func() time.Time) {
	if s == nil || now == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
