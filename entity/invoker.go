package entity

import (
	"context"
	"fmt"

	durable "github.com/goliatone/go-durable"
)

// Invoker executes entity operations: per-key lock, load, schema upgrade,
// handler, version-CAS commit. Operations on the same key serialize;
// different keys run fully parallel. The CAS makes redelivered operations
// safe across processes: a commit racing a concurrent writer reloads and
// re-runs.
type Invoker struct {
	store      Store
	registry   *Registry
	locker     *keyLocker
	logger     durable.Logger
	maxRetries int
}

// InvokerOption customizes invoker behavior.
type InvokerOption func(*Invoker)

// WithInvokerLogger sets the invoker logger.
func WithInvokerLogger(logger durable.Logger) InvokerOption {
	return func(inv *Invoker) {
		inv.logger = logger
	}
}

// WithCASRetries sets how many times a conflicting commit reloads and
// re-runs before giving up.
func WithCASRetries(n int) InvokerOption {
	return func(inv *Invoker) {
		if n > 0 {
			inv.maxRetries = n
		}
	}
}

// NewInvoker constructs an invoker over a store and registry.
func NewInvoker(store Store, registry *Registry, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		store:      store,
		registry:   registry,
		locker:     newKeyLocker(),
		logger:     durable.NormalizeLogger(nil),
		maxRetries: 3,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(inv)
		}
	}
	inv.logger = durable.NormalizeLogger(inv.logger)
	return inv
}

// Invoke runs one operation against one entity key and returns the
// marshaled result.
func (inv *Invoker) Invoke(ctx context.Context, key, operation string, input []byte) ([]byte, error) {
	if inv == nil || inv.store == nil || inv.registry == nil {
		return nil, fmt.Errorf("entity invoker not configured")
	}
	key = NormalizeKey(key)
	if key == "" {
		return nil, fmt.Errorf("entity key required")
	}
	def, err := inv.registry.lookup(EntityName(key))
	if err != nil {
		return nil, err
	}

	unlock := inv.locker.Lock(key)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < inv.maxRetries; attempt++ {
		result, err := inv.invokeOnce(ctx, def, key, operation, input)
		if durable.IsVersionConflict(err) {
			// concurrent writer from another process; reload and re-run
			lastErr = err
			continue
		}
		return result, err
	}
	return nil, lastErr
}

func (inv *Invoker) invokeOnce(ctx context.Context, def *definition, key, operation string, input []byte) ([]byte, error) {
	current, err := inv.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	op := &OperationContext{
		Context:   ctx,
		Key:       key,
		Operation: operation,
		input:     input,
	}
	expectedVersion := 0
	if current != nil {
		expectedVersion = current.Version
		data := current.Data
		if current.SchemaVersion < def.schemaVersion {
			data, err = def.upgrade(data, current.SchemaVersion)
			if err != nil {
				return nil, err
			}
		}
		op.state = data
		op.hasState = true
	}

	result, err := def.handler(op)
	if err != nil {
		// handler errors never commit staged state
		return nil, err
	}

	if op.dirty {
		if op.deleted {
			if err := inv.store.Delete(ctx, key); err != nil {
				return nil, err
			}
		} else {
			st := &State{
				Key:           key,
				SchemaVersion: def.schemaVersion,
				Data:          op.state,
			}
			if _, err := inv.store.SaveIfVersion(ctx, st, expectedVersion); err != nil {
				return nil, err
			}
		}
	} else if current != nil && current.SchemaVersion < def.schemaVersion {
		// persist the upgraded blob so old-format state is rewritten once
		st := &State{
			Key:           key,
			SchemaVersion: def.schemaVersion,
			Data:          op.state,
		}
		if _, err := inv.store.SaveIfVersion(ctx, st, expectedVersion); err != nil {
			return nil, err
		}
	}

	return durable.MarshalPayload(result)
}
