package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	durable "github.com/goliatone/go-durable"
)

// SQLiteStore persists instance rows and event logs in SQLite. Table names
// are prefixed with the task hub so multiple hubs can share a database file.
type SQLiteStore struct {
	db             *sql.DB
	instancesTable string
	eventsTable    string
}

// NewSQLiteStore builds a store for the given task hub.
func NewSQLiteStore(db *sql.DB, taskHub string) *SQLiteStore {
	taskHub = strings.TrimSpace(taskHub)
	if taskHub == "" {
		taskHub = "default"
	}
	return &SQLiteStore{
		db:             db,
		instancesTable: taskHub + "_instances",
		eventsTable:    taskHub + "_history",
	}
}

func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *durable.Instance) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite event store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
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
		inst.CreatedAt = time.Now().UTC()
	}
	failureJSON, err := marshalFailure(inst.Failure)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT OR IGNORE INTO %s
		(instance_id, orchestrator, status, input, output, failure, custom_status, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`, s.instancesTable)
	result, err := s.db.ExecContext(ctx, q,
		inst.InstanceID,
		inst.Orchestrator,
		string(inst.Status),
		inst.Input,
		inst.Output,
		failureJSON,
		inst.CustomStatus,
		formatTimestamp(inst.CreatedAt),
		formatTimestamp(inst.CreatedAt),
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return durable.ErrInstanceExists
	}
	return nil
}

func (s *SQLiteStore) GetInstance(ctx context.Context, instanceID string) (*durable.Instance, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite event store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT instance_id, orchestrator, status, input, output, failure, custom_status, created_at, updated_at, completed_at
		FROM %s WHERE instance_id = ?`, s.instancesTable)
	row := s.db.QueryRowContext(ctx, q, durable.NormalizeInstanceID(instanceID))
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, durable.ErrInstanceNotFound
	}
	return inst, err
}

func (s *SQLiteStore) ListInstances(ctx context.Context, limit int) ([]*durable.Instance, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite event store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`SELECT instance_id, orchestrator, status, input, output, failure, custom_status, created_at, updated_at, completed_at
		FROM %s ORDER BY created_at DESC, instance_id ASC LIMIT ?`, s.instancesTable)
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*durable.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Append(ctx context.Context, instanceID string, expectedSeq int64, events ...durable.Event) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sqlite event store not configured")
	}
	instanceID = durable.NormalizeInstanceID(instanceID)
	if instanceID == "" {
		return 0, errors.New("instance id required")
	}
	if len(events) == 0 {
		return expectedSeq, nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	checkQ := fmt.Sprintf(`SELECT COUNT(1) FROM %s WHERE instance_id = ?`, s.instancesTable)
	if err := tx.QueryRowContext(ctx, checkQ, instanceID).Scan(&exists); err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, durable.ErrInstanceNotFound
	}

	var last int64
	seqQ := fmt.Sprintf(`SELECT COALESCE(MAX(sequence_id), 0) FROM %s WHERE instance_id = ?`, s.eventsTable)
	if err := tx.QueryRowContext(ctx, seqQ, instanceID).Scan(&last); err != nil {
		return 0, err
	}
	if last != expectedSeq {
		return last, durable.ErrAppendConflict
	}

	insertQ := fmt.Sprintf(`INSERT INTO %s
		(instance_id, sequence_id, schema_version, kind, schedule_id, name, input, result, failure, entity_key, fire_at, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.eventsTable)
	seq := last
	now := time.Now().UTC()
	for _, e := range events {
		seq++
		if e.SchemaVersion == 0 {
			e.SchemaVersion = durable.EventSchemaVersion
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		failureJSON, err := marshalFailure(e.Failure)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, insertQ,
			instanceID,
			seq,
			e.SchemaVersion,
			string(e.Kind),
			e.ScheduleID,
			e.Name,
			e.Input,
			e.Result,
			failureJSON,
			e.EntityKey,
			formatTimestamp(e.FireAt),
			formatTimestamp(e.Timestamp),
		); err != nil {
			return 0, err
		}
	}

	touchQ := fmt.Sprintf(`UPDATE %s SET updated_at = ? WHERE instance_id = ?`, s.instancesTable)
	if _, err := tx.ExecContext(ctx, touchQ, formatTimestamp(now), instanceID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	tx = nil
	return seq, nil
}

func (s *SQLiteStore) Read(ctx context.Context, instanceID string, fromSeq int64) ([]durable.Event, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite event store not configured")
	}
	instanceID = durable.NormalizeInstanceID(instanceID)
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT sequence_id, schema_version, kind, schedule_id, name, input, result, failure, entity_key, fire_at, timestamp
		FROM %s WHERE instance_id = ? AND sequence_id > ? ORDER BY sequence_id ASC`, s.eventsTable)
	rows, err := s.db.QueryContext(ctx, q, instanceID, fromSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []durable.Event
	for rows.Next() {
		var (
			e           durable.Event
			kind        string
			failureJSON sql.NullString
			fireAt      sql.NullString
			ts          sql.NullString
		)
		if err := rows.Scan(
			&e.SequenceID,
			&e.SchemaVersion,
			&kind,
			&e.ScheduleID,
			&e.Name,
			&e.Input,
			&e.Result,
			&failureJSON,
			&e.EntityKey,
			&fireAt,
			&ts,
		); err != nil {
			return nil, err
		}
		e.Kind = durable.EventKind(kind)
		if f, err := unmarshalFailure(failureJSON.String); err == nil {
			e.Failure = f
		}
		if t, ok := parseTimestamp(fireAt.String); ok {
			e.FireAt = t
		}
		if t, ok := parseTimestamp(ts.String); ok {
			e.Timestamp = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LastSequence(ctx context.Context, instanceID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sqlite event store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}
	instanceID = durable.NormalizeInstanceID(instanceID)
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return 0, err
	}
	var last int64
	q := fmt.Sprintf(`SELECT COALESCE(MAX(sequence_id), 0) FROM %s WHERE instance_id = ?`, s.eventsTable)
	err := s.db.QueryRowContext(ctx, q, instanceID).Scan(&last)
	return last, err
}

func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *durable.Instance) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite event store not configured")
	}
	if inst == nil {
		return errors.New("instance required")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	failureJSON, err := marshalFailure(inst.Failure)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	var completedAt any
	if inst.Status.IsTerminal() {
		completedAt = formatTimestamp(now)
	}
	q := fmt.Sprintf(`UPDATE %s SET
		status = ?, output = ?, failure = ?, custom_status = ?, updated_at = ?,
		completed_at = COALESCE(completed_at, ?)
		WHERE instance_id = ?`, s.instancesTable)
	if !inst.Status.IsTerminal() {
		// a finished instance never reverts; stale status writers lose
		q += ` AND status NOT IN ('completed', 'failed', 'terminated')`
	}
	result, err := s.db.ExecContext(ctx, q,
		string(inst.Status),
		inst.Output,
		failureJSON,
		inst.CustomStatus,
		formatTimestamp(now),
		completedAt,
		durable.NormalizeInstanceID(inst.InstanceID),
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := s.GetInstance(ctx, inst.InstanceID); err != nil {
			return err
		}
		// row exists but is already terminal; the stale write is dropped
		return nil
	}
	return nil
}

func (s *SQLiteStore) PurgeCompleted(ctx context.Context, retention time.Duration) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sqlite event store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}
	cutoff := formatTimestamp(time.Now().UTC().Add(-retention))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	selectQ := fmt.Sprintf(`SELECT instance_id FROM %s
		WHERE status IN ('completed', 'failed', 'terminated')
		AND completed_at IS NOT NULL AND completed_at <= ?`, s.instancesTable)
	rows, err := tx.QueryContext(ctx, selectQ, cutoff)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE instance_id = ?`, s.eventsTable), id); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE instance_id = ?`, s.instancesTable), id); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	tx = nil
	return len(ids), nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	instancesDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		instance_id TEXT PRIMARY KEY,
		orchestrator TEXT NOT NULL,
		status TEXT NOT NULL,
		input BLOB,
		output BLOB,
		failure TEXT,
		custom_status TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT
	)`, s.instancesTable)
	if _, err := s.db.ExecContext(ctx, instancesDDL); err != nil {
		return err
	}
	eventsDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		instance_id TEXT NOT NULL,
		sequence_id INTEGER NOT NULL,
		schema_version INTEGER NOT NULL,
		kind TEXT NOT NULL,
		schedule_id INTEGER NOT NULL DEFAULT 0,
		name TEXT,
		input BLOB,
		result BLOB,
		failure TEXT,
		entity_key TEXT,
		fire_at TEXT,
		timestamp TEXT NOT NULL,
		PRIMARY KEY (instance_id, sequence_id)
	)`, s.eventsTable)
	_, err := s.db.ExecContext(ctx, eventsDDL)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*durable.Instance, error) {
	var (
		inst        durable.Instance
		status      string
		failureJSON sql.NullString
		createdAt   sql.NullString
		updatedAt   sql.NullString
		completedAt sql.NullString
	)
	if err := row.Scan(
		&inst.InstanceID,
		&inst.Orchestrator,
		&status,
		&inst.Input,
		&inst.Output,
		&failureJSON,
		&inst.CustomStatus,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	inst.Status = durable.InstanceStatus(status)
	if f, err := unmarshalFailure(failureJSON.String); err == nil {
		inst.Failure = f
	}
	if ts, ok := parseTimestamp(createdAt.String); ok {
		inst.CreatedAt = ts
	}
	if ts, ok := parseTimestamp(updatedAt.String); ok {
		inst.UpdatedAt = ts
	}
	if ts, ok := parseTimestamp(completedAt.String); ok {
		inst.CompletedAt = &ts
	}
	return &inst, nil
}

func marshalFailure(f *durable.Failure) (any, error) {
	if f == nil {
		return nil, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalFailure(raw string) (*durable.Failure, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var f durable.Failure
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// zero-padded fractional seconds keep lexicographic string comparison in
// SQL aligned with time order; RFC3339Nano trims trailing zeros
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func parseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

func formatTimestamp(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(sqliteTimeLayout)
}
