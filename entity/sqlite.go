package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	durable "github.com/goliatone/go-durable"
)

// SQLiteStore persists entity state in SQLite, table name prefixed with the
// task hub.
type SQLiteStore struct {
	db    *sql.DB
	table string
}

// NewSQLiteStore builds a store for the given task hub.
func NewSQLiteStore(db *sql.DB, taskHub string) *SQLiteStore {
	taskHub = strings.TrimSpace(taskHub)
	if taskHub == "" {
		taskHub = "default"
	}
	return &SQLiteStore{db: db, table: taskHub + "_entities"}
}

func (s *SQLiteStore) Load(ctx context.Context, key string) (*State, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite entity store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT key, schema_version, data, version, updated_at FROM %s WHERE key = ?`, s.table)
	row := s.db.QueryRowContext(ctx, q, NormalizeKey(key))

	var (
		st        State
		updatedAt string
	)
	err := row.Scan(&st.Key, &st.SchemaVersion, &st.Data, &st.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ts, parseErr := time.Parse(time.RFC3339Nano, updatedAt); parseErr == nil {
		st.UpdatedAt = ts.UTC()
	}
	return &st, nil
}

func (s *SQLiteStore) SaveIfVersion(ctx context.Context, st *State, expectedVersion int) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sqlite entity store not configured")
	}
	if st == nil {
		return 0, errors.New("entity state required")
	}
	key := NormalizeKey(st.Key)
	if key == "" {
		return 0, errors.New("entity key required")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	newVersion := expectedVersion + 1

	if expectedVersion == 0 {
		q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (key, schema_version, data, version, updated_at)
			VALUES (?, ?, ?, ?, ?)`, s.table)
		result, err := s.db.ExecContext(ctx, q, key, st.SchemaVersion, st.Data, newVersion, now)
		if err != nil {
			return 0, err
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			return 0, durable.ErrVersionConflict
		}
		return newVersion, nil
	}

	q := fmt.Sprintf(`UPDATE %s SET schema_version = ?, data = ?, version = ?, updated_at = ?
		WHERE key = ? AND version = ?`, s.table)
	result, err := s.db.ExecContext(ctx, q, st.SchemaVersion, st.Data, newVersion, now, key, expectedVersion)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return 0, durable.ErrVersionConflict
	}
	return newVersion, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite entity store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.table)
	_, err := s.db.ExecContext(ctx, q, NormalizeKey(key))
	return err
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		schema_version INTEGER NOT NULL,
		data BLOB,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	)`, s.table)
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

var _ Store = (*SQLiteStore)(nil)
