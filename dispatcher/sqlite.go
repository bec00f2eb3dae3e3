package dispatcher

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteQueue persists work items in SQLite. Table names are prefixed with
// the task hub so multiple hubs can share a database file. Long-polling is
// implemented by re-claiming on a short interval until the wait elapses.
type SQLiteQueue struct {
	db           *sql.DB
	table        string
	leaseTTL     time.Duration
	pollInterval time.Duration
}

// SQLiteQueueOption customizes queue behavior.
type SQLiteQueueOption func(*SQLiteQueue)

// WithSQLiteLeaseDuration sets the visibility timeout applied at claim time.
func WithSQLiteLeaseDuration(ttl time.Duration) SQLiteQueueOption {
	return func(q *SQLiteQueue) {
		if ttl > 0 {
			q.leaseTTL = ttl
		}
	}
}

// WithSQLitePollInterval sets how often Dequeue re-checks for claimable items.
func WithSQLitePollInterval(interval time.Duration) SQLiteQueueOption {
	return func(q *SQLiteQueue) {
		if interval > 0 {
			q.pollInterval = interval
		}
	}
}

// NewSQLiteQueue builds a queue for the given task hub.
func NewSQLiteQueue(db *sql.DB, taskHub string, opts ...SQLiteQueueOption) *SQLiteQueue {
	taskHub = strings.TrimSpace(taskHub)
	if taskHub == "" {
		taskHub = "default"
	}
	q := &SQLiteQueue{
		db:           db,
		table:        taskHub + "_workitems",
		leaseTTL:     30 * time.Second,
		pollInterval: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, item *WorkItem) error {
	if q == nil || q.db == nil {
		return errors.New("sqlite queue not configured")
	}
	if err := validateItem(item); err != nil {
		return err
	}
	if err := q.ensureSchema(ctx); err != nil {
		return err
	}
	enqueuedAt := item.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now().UTC()
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	// only pending resumes absorb the wake-up; a leased one may have read
	// the log before the event that triggered this enqueue
	if item.Kind == KindOrchestrationResume {
		var outstanding int
		checkQ := fmt.Sprintf(`SELECT COUNT(1) FROM %s WHERE kind = ? AND instance_id = ? AND status = 'pending'`, q.table)
		if err := tx.QueryRowContext(ctx, checkQ, string(KindOrchestrationResume), item.InstanceID).Scan(&outstanding); err != nil {
			return err
		}
		if outstanding > 0 {
			_ = tx.Rollback()
			tx = nil
			return nil
		}
	}

	// INSERT OR IGNORE keeps enqueue idempotent on id for recovery paths
	insertQ := fmt.Sprintf(`INSERT OR IGNORE INTO %s
		(id, kind, instance_id, schedule_id, name, input, entity_key, attempts, status, lease_owner, lease_token, lease_until, visible_at, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', '', '', '', ?, ?)`, q.table)
	if _, err := tx.ExecContext(ctx, insertQ,
		item.ID,
		string(item.Kind),
		item.InstanceID,
		item.ScheduleID,
		item.Name,
		item.Input,
		item.EntityKey,
		item.Attempts,
		formatQueueTime(item.VisibleAt),
		formatQueueTime(enqueuedAt),
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	tx = nil
	return nil
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, workerID string, wait time.Duration) (*WorkItem, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("sqlite queue not configured")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, errors.New("worker id required")
	}
	if err := q.ensureSchema(ctx); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(wait)
	for {
		item, err := q.claimOne(ctx, workerID)
		if err != nil {
			return nil, err
		}
		if item != nil {
			return item, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		tick := q.pollInterval
		if tick > remaining {
			tick = remaining
		}
		timer := time.NewTimer(tick)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *SQLiteQueue) claimOne(ctx context.Context, workerID string) (*WorkItem, error) {
	now := time.Now().UTC()
	nowStr := formatQueueTime(now)

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	selectQ := fmt.Sprintf(`SELECT id FROM %s
		WHERE (
			status = 'pending' AND (visible_at = '' OR visible_at <= ?)
		) OR (
			status = 'leased' AND lease_until != '' AND lease_until <= ?
		)
		ORDER BY enqueued_at ASC, id ASC
		LIMIT 1`, q.table)
	var id string
	err = tx.QueryRowContext(ctx, selectQ, nowStr, nowStr).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	token := newLeaseToken()
	leaseUntil := formatQueueTime(now.Add(q.leaseTTL))
	updateQ := fmt.Sprintf(`UPDATE %s
		SET status = 'leased', lease_owner = ?, lease_token = ?, lease_until = ?, attempts = attempts + 1
		WHERE id = ?`, q.table)
	if _, err := tx.ExecContext(ctx, updateQ, workerID, token, leaseUntil, id); err != nil {
		return nil, err
	}

	item, err := q.scanItem(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	tx = nil
	return item, nil
}

func (q *SQLiteQueue) Complete(ctx context.Context, id, leaseToken string) error {
	if q == nil || q.db == nil {
		return errors.New("sqlite queue not configured")
	}
	if err := q.ensureSchema(ctx); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("work item id required")
	}
	deleteQ := fmt.Sprintf(`DELETE FROM %s
		WHERE id = ? AND status = 'leased' AND lease_token = ? AND lease_until > ?`, q.table)
	result, err := q.db.ExecContext(ctx, deleteQ, id, leaseToken, formatQueueTime(time.Now().UTC()))
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return q.classifyMiss(ctx, id)
	}
	return nil
}

func (q *SQLiteQueue) Abandon(ctx context.Context, id, leaseToken string, delay time.Duration) error {
	if q == nil || q.db == nil {
		return errors.New("sqlite queue not configured")
	}
	if err := q.ensureSchema(ctx); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("work item id required")
	}
	now := time.Now().UTC()
	updateQ := fmt.Sprintf(`UPDATE %s
		SET status = 'pending', lease_owner = '', lease_token = '', lease_until = '', visible_at = ?
		WHERE id = ? AND status = 'leased' AND lease_token = ? AND lease_until > ?`, q.table)
	result, err := q.db.ExecContext(ctx, updateQ, formatQueueTime(now.Add(delay)), id, leaseToken, formatQueueTime(now))
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return q.classifyMiss(ctx, id)
	}
	return nil
}

func (q *SQLiteQueue) ExtendLease(ctx context.Context, id, leaseToken string, leaseTTL time.Duration) error {
	if q == nil || q.db == nil {
		return errors.New("sqlite queue not configured")
	}
	if err := q.ensureSchema(ctx); err != nil {
		return err
	}
	if leaseTTL <= 0 {
		leaseTTL = q.leaseTTL
	}
	now := time.Now().UTC()
	updateQ := fmt.Sprintf(`UPDATE %s
		SET lease_until = ?
		WHERE id = ? AND status = 'leased' AND lease_token = ? AND lease_until > ?`, q.table)
	result, err := q.db.ExecContext(ctx, updateQ, formatQueueTime(now.Add(leaseTTL)), strings.TrimSpace(id), leaseToken, formatQueueTime(now))
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return q.classifyMiss(ctx, id)
	}
	return nil
}

// classifyMiss distinguishes a vanished item from a lost lease after a
// guarded update matched no rows.
func (q *SQLiteQueue) classifyMiss(ctx context.Context, id string) error {
	var count int
	checkQ := fmt.Sprintf(`SELECT COUNT(1) FROM %s WHERE id = ?`, q.table)
	if err := q.db.QueryRowContext(ctx, checkQ, id).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return ErrItemNotFound
	}
	return ErrLeaseLost
}

func (q *SQLiteQueue) scanItem(ctx context.Context, tx *sql.Tx, id string) (*WorkItem, error) {
	selectQ := fmt.Sprintf(`SELECT id, kind, instance_id, schedule_id, name, input, entity_key, attempts, lease_token, lease_until, visible_at, enqueued_at
		FROM %s WHERE id = ?`, q.table)
	var (
		item       WorkItem
		kind       string
		leaseUntil string
		visibleAt  string
		enqueuedAt string
	)
	if err := tx.QueryRowContext(ctx, selectQ, id).Scan(
		&item.ID,
		&kind,
		&item.InstanceID,
		&item.ScheduleID,
		&item.Name,
		&item.Input,
		&item.EntityKey,
		&item.Attempts,
		&item.LeaseToken,
		&leaseUntil,
		&visibleAt,
		&enqueuedAt,
	); err != nil {
		return nil, err
	}
	item.Kind = WorkItemKind(kind)
	if ts, ok := parseQueueTime(leaseUntil); ok {
		item.LeaseUntil = ts
	}
	if ts, ok := parseQueueTime(visibleAt); ok {
		item.VisibleAt = ts
	}
	if ts, ok := parseQueueTime(enqueuedAt); ok {
		item.EnqueuedAt = ts
	}
	return &item, nil
}

func (q *SQLiteQueue) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		schedule_id INTEGER NOT NULL DEFAULT 0,
		name TEXT,
		input BLOB,
		entity_key TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		lease_owner TEXT,
		lease_token TEXT,
		lease_until TEXT,
		visible_at TEXT,
		enqueued_at TEXT NOT NULL
	)`, q.table)
	_, err := q.db.ExecContext(ctx, ddl)
	return err
}

// zero-padded fractional seconds keep lexicographic string comparison in
// SQL aligned with time order; RFC3339Nano trims trailing zeros
const queueTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatQueueTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(queueTimeLayout)
}

func parseQueueTime(value string) (time.Time, bool) {
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

var _ Queue = (*SQLiteQueue)(nil)
