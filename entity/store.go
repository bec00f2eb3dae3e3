// Package entity provides per-key durable state with serialized operations.
// Every entity key owns one versioned state blob; operations on the same key
// run one at a time, commits use an optimistic version compare-and-set, and
// stored blobs carry a schema version so older state can be upgraded on load.
package entity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	durable "github.com/goliatone/go-durable"
)

// State is one entity's durable state record. Version is the optimistic
// concurrency counter bumped on every commit; SchemaVersion describes the
// shape of Data.
type State struct {
	Key           string    `json:"key"`
	SchemaVersion int       `json:"schema_version"`
	Data          []byte    `json:"data"`
	Version       int       `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CloneState deep-copies a state record.
func CloneState(st *State) *State {
	if st == nil {
		return nil
	}
	cp := *st
	cp.Data = append([]byte(nil), st.Data...)
	return &cp
}

// Store persists entity state records.
type Store interface {
	// Load returns the state for key, or (nil, nil) when absent.
	Load(ctx context.Context, key string) (*State, error)

	// SaveIfVersion commits st when the stored version still equals
	// expectedVersion (0 for a new record). Returns the new version, or
	// durable.ErrVersionConflict on a stale expectation.
	SaveIfVersion(ctx context.Context, st *State, expectedVersion int) (int, error)

	// Delete removes the record. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error
}

// NormalizeKey canonicalizes an entity key.
func NormalizeKey(key string) string {
	return strings.TrimSpace(key)
}

// EntityName extracts the entity type from a "name@id" key.
func EntityName(key string) string {
	key = NormalizeKey(key)
	if at := strings.Index(key, "@"); at > 0 {
		return key[:at]
	}
	return key
}

// InMemoryStore keeps entity state in process memory.
type InMemoryStore struct {
	mu    sync.RWMutex
	state map[string]*State
	now   func() time.Time
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		state: make(map[string]*State),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) Load(_ context.Context, key string) (*State, error) {
	if s == nil {
		return nil, errors.New("in-memory entity store not configured")
	}
	key = NormalizeKey(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CloneState(s.state[key]), nil
}

func (s *InMemoryStore) SaveIfVersion(_ context.Context, st *State, expectedVersion int) (int, error) {
	if s == nil {
		return 0, errors.New("in-memory entity store not configured")
	}
	if st == nil {
		return 0, errors.New("entity state required")
	}
	st = CloneState(st)
	st.Key = NormalizeKey(st.Key)
	if st.Key == "" {
		return 0, errors.New("entity key required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.state[st.Key]
	currentVersion := 0
	if current != nil {
		currentVersion = current.Version
	}
	if currentVersion != expectedVersion {
		return currentVersion, durable.ErrVersionConflict
	}
	st.Version = currentVersion + 1
	st.UpdatedAt = s.now()
	s.state[st.Key] = st
	return st.Version, nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	if s == nil {
		return errors.New("in-memory entity store not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, NormalizeKey(key))
	return nil
}

var _ Store = (*InMemoryStore)(nil)

// keyLocker serializes operations per entity key without a global lock.
type keyLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLockRef
}

type keyLockRef struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocker() *keyLocker {
	return &keyLocker{locks: make(map[string]*keyLockRef)}
}

func (l *keyLocker) Lock(key string) func() {
	if l == nil {
		return func() {}
	}
	key = NormalizeKey(key)
	if key == "" {
		return func() {}
	}
	l.mu.Lock()
	ref, ok := l.locks[key]
	if !ok || ref == nil {
		ref = &keyLockRef{}
		l.locks[key] = ref
	}
	ref.refs++
	l.mu.Unlock()

	ref.mu.Lock()
	return func() {
		ref.mu.Unlock()
		l.mu.Lock()
		ref.refs--
		if ref.refs <= 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
