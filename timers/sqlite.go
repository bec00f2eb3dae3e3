package timers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore persists timers in SQLite, table name prefixed with the task
// hub.
type SQLiteStore struct {
	db    *sql.DB
	table string
}

// zero-padded fractional seconds keep lexicographic string comparison in
// SQL aligned with time order; RFC3339Nano trims trailing zeros
const timerTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// NewSQLiteStore builds a timer store for the given task hub.
func NewSQLiteStore(db *sql.DB, taskHub string) *SQLiteStore {
	taskHub = strings.TrimSpace(taskHub)
	if taskHub == "" {
		taskHub = "default"
	}
	return &SQLiteStore{db: db, table: taskHub + "_timers"}
}

func (s *SQLiteStore) Schedule(ctx context.Context, t Timer) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite timer store not configured")
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
		t.CreatedAt = time.Now().UTC()
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (instance_id, schedule_id, fire_at, created_at)
		VALUES (?, ?, ?, ?)`, s.table)
	_, err := s.db.ExecContext(ctx, q,
		t.InstanceID,
		t.ScheduleID,
		t.FireAt.UTC().Format(timerTimeLayout),
		t.CreatedAt.UTC().Format(timerTimeLayout),
	)
	return err
}

func (s *SQLiteStore) Cancel(ctx context.Context, instanceID string, scheduleID int64) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite timer store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE instance_id = ? AND schedule_id = ?`, s.table)
	_, err := s.db.ExecContext(ctx, q, strings.TrimSpace(instanceID), scheduleID)
	return err
}

func (s *SQLiteStore) ListDue(ctx context.Context, now time.Time, limit int) ([]Timer, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite timer store not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT instance_id, schedule_id, fire_at, created_at FROM %s
		WHERE fire_at <= ? ORDER BY fire_at ASC, instance_id ASC LIMIT ?`, s.table)
	rows, err := s.db.QueryContext(ctx, q, now.UTC().Format(timerTimeLayout), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []Timer
	for rows.Next() {
		var (
			t         Timer
			fireAt    string
			createdAt string
		)
		if err := rows.Scan(&t.InstanceID, &t.ScheduleID, &fireAt, &createdAt); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, fireAt); err == nil {
			t.FireAt = ts.UTC()
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			t.CreatedAt = ts.UTC()
		}
		due = append(due, t)
	}
	return due, rows.Err()
}

func (s *SQLiteStore) MarkFired(ctx context.Context, instanceID string, scheduleID int64) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite timer store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE instance_id = ? AND schedule_id = ?`, s.table)
	_, err := s.db.ExecContext(ctx, q, strings.TrimSpace(instanceID), scheduleID)
	return err
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		instance_id TEXT NOT NULL,
		schedule_id INTEGER NOT NULL,
		fire_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (instance_id, schedule_id)
	)`, s.table)
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

var _ Store = (*SQLiteStore)(nil)
