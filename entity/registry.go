package entity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	durable "github.com/goliatone/go-durable"
)

// HandlerFunc is user entity logic for one operation invocation. It reads
// and mutates state through the OperationContext; the mutation commits only
// when the handler returns nil error.
type HandlerFunc func(op *OperationContext) (any, error)

// UpgradeFunc rewrites a state blob from one schema version to the next.
type UpgradeFunc func(data []byte) ([]byte, error)

// OperationContext carries one operation invocation against one entity key.
type OperationContext struct {
	Context   context.Context
	Key       string
	Operation string

	input    []byte
	state    []byte
	hasState bool
	dirty    bool
	deleted  bool
}

// GetInput unmarshals the operation input into v.
func (op *OperationContext) GetInput(v any) error {
	return durable.UnmarshalPayload(op.input, v)
}

// HasState reports whether the entity currently holds state.
func (op *OperationContext) HasState() bool {
	return op.hasState
}

// GetState unmarshals the current state into v. Absent state leaves v
// untouched.
func (op *OperationContext) GetState(v any) error {
	if !op.hasState {
		return nil
	}
	return durable.UnmarshalPayload(op.state, v)
}

// SetState stages a new state value, committed when the handler succeeds.
func (op *OperationContext) SetState(v any) error {
	data, err := durable.MarshalPayload(v)
	if err != nil {
		return fmt.Errorf("marshal entity state: %w", err)
	}
	op.state = data
	op.hasState = true
	op.dirty = true
	op.deleted = false
	return nil
}

// DeleteState stages removal of the entity's state.
func (op *OperationContext) DeleteState() {
	op.state = nil
	op.hasState = false
	op.dirty = true
	op.deleted = true
}

type definition struct {
	handler       HandlerFunc
	schemaVersion int
	upgrades      map[int]UpgradeFunc
}

// Registry maps entity names (the part of the key before "@") to handlers
// and their schema upgrade chains.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*definition
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]*definition)}
}

// RegisterOption customizes an entity registration.
type RegisterOption func(*definition)

// WithSchemaVersion declares the schema version the handler reads and
// writes. Defaults to 1.
func WithSchemaVersion(version int) RegisterOption {
	return func(d *definition) {
		if version > 0 {
			d.schemaVersion = version
		}
	}
}

// WithUpgrade installs the rewrite from schema version `from` to `from+1`.
func WithUpgrade(from int, fn UpgradeFunc) RegisterOption {
	return func(d *definition) {
		if from > 0 && fn != nil {
			d.upgrades[from] = fn
		}
	}
}

// Register installs an entity handler under a name.
func (r *Registry) Register(name string, handler HandlerFunc, opts ...RegisterOption) error {
	if r == nil {
		return durable.ErrNotRegistered
	}
	name = strings.TrimSpace(name)
	if name == "" || handler == nil {
		return durable.WrapError(durable.ErrNotRegistered, "entity name and handler required", nil)
	}
	def := &definition{
		handler:       handler,
		schemaVersion: 1,
		upgrades:      make(map[int]UpgradeFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(def)
		}
	}
	if err := validateUpgradeChain(def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entities[name]; exists {
		return durable.WrapError(durable.ErrNotRegistered, "entity already registered: "+name, nil)
	}
	r.entities[name] = def
	return nil
}

// validateUpgradeChain requires a contiguous chain reaching the current
// schema version, so any stored version can be walked forward.
func validateUpgradeChain(def *definition) error {
	if len(def.upgrades) == 0 {
		return nil
	}
	versions := make([]int, 0, len(def.upgrades))
	for from := range def.upgrades {
		versions = append(versions, from)
	}
	sort.Ints(versions)
	for _, from := range versions {
		if from >= def.schemaVersion {
			return fmt.Errorf("upgrade from version %d is at or past the current schema version %d", from, def.schemaVersion)
		}
	}
	lowest := versions[0]
	for v := lowest; v < def.schemaVersion; v++ {
		if _, ok := def.upgrades[v]; !ok {
			return fmt.Errorf("upgrade chain has a gap at version %d", v)
		}
	}
	return nil
}

func (r *Registry) lookup(name string) (*definition, error) {
	if r == nil {
		return nil, durable.ErrNotRegistered
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.entities[strings.TrimSpace(name)]
	if !ok {
		return nil, durable.WrapError(durable.ErrNotRegistered, "entity not registered: "+name, nil)
	}
	return def, nil
}

// upgrade walks the chain from the stored version to the current one.
func (def *definition) upgrade(data []byte, fromVersion int) ([]byte, error) {
	for v := fromVersion; v < def.schemaVersion; v++ {
		fn, ok := def.upgrades[v]
		if !ok {
			return nil, fmt.Errorf("no upgrade registered from schema version %d", v)
		}
		upgraded, err := fn(data)
		if err != nil {
			return nil, fmt.Errorf("upgrade from schema version %d: %w", v, err)
		}
		data = upgraded
	}
	return data, nil
}
