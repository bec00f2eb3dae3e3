package entity

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	durable "github.com/goliatone/go-durable"
	_ "modernc.org/sqlite"
)

type counterState struct {
	Count int `json:"count"`
}

func registerCounter(t *testing.T, reg *Registry, opts ...RegisterOption) {
	t.Helper()
	err := reg.Register("counter", func(op *OperationContext) (any, error) {
		var st counterState
		if err := op.GetState(&st); err != nil {
			return nil, err
		}
		switch op.Operation {
		case "add":
			var amount int
			if err := op.GetInput(&amount); err != nil {
				return nil, err
			}
			st.Count += amount
			if err := op.SetState(st); err != nil {
				return nil, err
			}
			return st.Count, nil
		case "get":
			return st.Count, nil
		case "reset":
			op.DeleteState()
			return 0, nil
		case "fail":
			st.Count = -999
			if err := op.SetState(st); err != nil {
				return nil, err
			}
			return nil, errors.New("operation rejected")
		default:
			return nil, errors.New("unknown operation: " + op.Operation)
		}
	}, opts...)
	if err != nil {
		t.Fatalf("register entity: %v", err)
	}
}

func TestInvokerAppliesOperationsInOrder(t *testing.T) {
	reg := NewRegistry()
	registerCounter(t, reg)
	inv := NewInvoker(NewInMemoryStore(), reg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := inv.Invoke(ctx, "counter@a", "add", []byte(`5`)); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}
	result, err := inv.Invoke(ctx, "counter@a", "get", nil)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(result) != `15` {
		t.Fatalf("expected 15, got %s", result)
	}
}

func TestInvokerHandlerErrorDoesNotCommit(t *testing.T) {
	reg := NewRegistry()
	registerCounter(t, reg)
	inv := NewInvoker(NewInMemoryStore(), reg)
	ctx := context.Background()

	if _, err := inv.Invoke(ctx, "counter@a", "add", []byte(`7`)); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if _, err := inv.Invoke(ctx, "counter@a", "fail", nil); err == nil {
		t.Fatalf("expected handler error")
	}
	result, err := inv.Invoke(ctx, "counter@a", "get", nil)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(result) != `7` {
		t.Fatalf("failed operation must not commit staged state, got %s", result)
	}
}

func TestInvokerSerializesSameKeyParallelAcrossKeys(t *testing.T) {
	reg := NewRegistry()
	registerCounter(t, reg)
	inv := NewInvoker(NewInMemoryStore(), reg)
	ctx := context.Background()

	const workers = 8
	const perWorker = 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		key := "counter@a"
		if w%2 == 1 {
			key = "counter@b"
		}
		go func(key string) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := inv.Invoke(ctx, key, "add", []byte(`1`)); err != nil {
					t.Errorf("add failed: %v", err)
					return
				}
			}
		}(key)
	}
	wg.Wait()

	for _, key := range []string{"counter@a", "counter@b"} {
		result, err := inv.Invoke(ctx, key, "get", nil)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if string(result) != `100` {
			t.Fatalf("lost update on %s: got %s, want 100", key, result)
		}
	}
}

func TestInvokerDeleteState(t *testing.T) {
	reg := NewRegistry()
	registerCounter(t, reg)
	store := NewInMemoryStore()
	inv := NewInvoker(store, reg)
	ctx := context.Background()

	if _, err := inv.Invoke(ctx, "counter@a", "add", []byte(`5`)); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if _, err := inv.Invoke(ctx, "counter@a", "reset", nil); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	st, err := store.Load(ctx, "counter@a")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if st != nil {
		t.Fatalf("expected state removed, got %+v", st)
	}
}

func TestInvokerUpgradesOldSchemaOnLoad(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	// seed a v1 blob: {"count":N} stored under schema version 1
	if _, err := store.SaveIfVersion(ctx, &State{
		Key:           "counter@a",
		SchemaVersion: 1,
		Data:          []byte(`{"count":42}`),
	}, 0); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// v2 wraps the counter with a history slice
	type v2State struct {
		Count   int   `json:"count"`
		History []int `json:"history"`
	}
	reg := NewRegistry()
	err := reg.Register("counter", func(op *OperationContext) (any, error) {
		var st v2State
		if err := op.GetState(&st); err != nil {
			return nil, err
		}
		if op.Operation == "add" {
			var amount int
			if err := op.GetInput(&amount); err != nil {
				return nil, err
			}
			st.Count += amount
			st.History = append(st.History, amount)
			if err := op.SetState(st); err != nil {
				return nil, err
			}
		}
		return st, nil
	},
		WithSchemaVersion(2),
		WithUpgrade(1, func(data []byte) ([]byte, error) {
			// old shape is compatible; stamp an empty history
			return append(data[:len(data)-1], []byte(`,"history":[]}`)...), nil
		}),
	)
	if err != nil {
		t.Fatalf("register entity: %v", err)
	}

	inv := NewInvoker(store, reg)
	var result v2State
	raw, err := inv.Invoke(ctx, "counter@a", "add", []byte(`8`))
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if err := durable.UnmarshalPayload(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Count != 50 || len(result.History) != 1 {
		t.Fatalf("expected upgraded state 50/[8], got %+v", result)
	}

	st, err := store.Load(ctx, "counter@a")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if st.SchemaVersion != 2 {
		t.Fatalf("commit must stamp the new schema version, got %d", st.SchemaVersion)
	}
}

func TestRegistryRejectsGappyUpgradeChain(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register("counter", func(op *OperationContext) (any, error) { return nil, nil },
		WithSchemaVersion(3),
		WithUpgrade(1, func(data []byte) ([]byte, error) { return data, nil }),
		// missing upgrade from 2 to 3
	)
	if err == nil {
		t.Fatalf("expected gappy upgrade chain to be rejected")
	}
}

func TestSQLiteStoreVersionCAS(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "entities.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	store := NewSQLiteStore(db, "testhub")
	ctx := context.Background()

	v1, err := store.SaveIfVersion(ctx, &State{Key: "counter@a", SchemaVersion: 1, Data: []byte(`{"count":1}`)}, 0)
	if err != nil {
		t.Fatalf("initial save failed: %v", err)
	}
	if v1 != 1 {
		t.Fatalf("expected version 1, got %d", v1)
	}

	// a stale expectation must not overwrite
	if _, err := store.SaveIfVersion(ctx, &State{Key: "counter@a", SchemaVersion: 1, Data: []byte(`{"count":99}`)}, 0); !durable.IsVersionConflict(err) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	v2, err := store.SaveIfVersion(ctx, &State{Key: "counter@a", SchemaVersion: 1, Data: []byte(`{"count":2}`)}, 1)
	if err != nil {
		t.Fatalf("versioned save failed: %v", err)
	}
	if v2 != 2 {
		t.Fatalf("expected version 2, got %d", v2)
	}

	st, err := store.Load(ctx, "counter@a")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if st == nil || st.Version != 2 || string(st.Data) != `{"count":2}` {
		t.Fatalf("unexpected state: %+v", st)
	}

	if err := store.Delete(ctx, "counter@a"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	st, err = store.Load(ctx, "counter@a")
	if err != nil {
		t.Fatalf("load after delete failed: %v", err)
	}
	if st != nil {
		t.Fatalf("expected nil after delete, got %+v", st)
	}
}
