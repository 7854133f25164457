package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/taskweave/pkg/models"
)

const workflowColumns = `id, status, task_ids, concurrency_limit, fail_fast, skipped_is_failure,
	default_retry, default_timeout, paused, owner, running_count, error, created_at, updated_at, lease_until`

const taskColumns = `workflow_id, id, description, dependencies, priority, status, result, error,
	attempts, last_attempt_at, eligible_at, retry, timeout, optional`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// CreateWorkflow inserts a workflow and its tasks in one transaction.
func (db *DB) CreateWorkflow(ctx context.Context, wf *models.Workflow, tasks []models.Task) error {
	taskIDs, err := json.Marshal(wf.TaskIDs)
	if err != nil {
		return fmt.Errorf("marshal task ids: %w", err)
	}
	retry, err := json.Marshal(wf.DefaultRetry)
	if err != nil {
		return fmt.Errorf("marshal default retry: %w", err)
	}

	return db.Transaction(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows WHERE id = ?`, wf.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check workflow: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, wf.ID)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflows (`+workflowColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, wf.ID, wf.Status, string(taskIDs), wf.ConcurrencyLimit, boolInt(wf.FailFast),
			boolInt(wf.SkippedIsFailure), string(retry), int64(wf.DefaultTimeout), boolInt(wf.Paused),
			nullString(wf.Owner), wf.RunningCount, nullString(wf.Error),
			formatTime(wf.CreatedAt), formatTime(wf.UpdatedAt), nullableTime(wf.LeaseUntil))
		if err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}

		for i := range tasks {
			if err := insertTask(ctx, tx, i, &tasks[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertTask(ctx context.Context, tx *sql.Tx, position int, t *models.Task) error {
	deps, err := json.Marshal(t.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}
	retry, err := marshalRetry(t.Retry)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.WorkflowID, t.ID, t.Description, string(deps), t.Priority, t.Status,
		nullString(t.Result), nullString(t.Error), t.Attempts,
		nullableTime(t.LastAttemptAt), nullableTime(t.EligibleAt), retry,
		int64(t.Timeout), boolInt(t.Optional), position)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// Load reads a workflow and its tasks.
func (db *DB) Load(ctx context.Context, id string) (*models.Snapshot, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin read: %w", err)
	}
	defer tx.Rollback()

	return loadSnapshot(ctx, tx, id)
}

func loadSnapshot(ctx context.Context, tx *sql.Tx, id string) (*models.Snapshot, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", id, err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE workflow_id = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	snap := &models.Snapshot{Workflow: *wf}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		snap.Tasks = append(snap.Tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return snap, nil
}

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var (
		wf                         models.Workflow
		taskIDs, retry             string
		failFast, skipped, paused  int
		timeout                    int64
		owner, errText, leaseUntil sql.NullString
		createdAt, updatedAt       string
	)
	err := row.Scan(&wf.ID, &wf.Status, &taskIDs, &wf.ConcurrencyLimit, &failFast, &skipped,
		&retry, &timeout, &paused, &owner, &wf.RunningCount, &errText, &createdAt, &updatedAt, &leaseUntil)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(taskIDs), &wf.TaskIDs); err != nil {
		return nil, fmt.Errorf("unmarshal task ids: %w", err)
	}
	if err := json.Unmarshal([]byte(retry), &wf.DefaultRetry); err != nil {
		return nil, fmt.Errorf("unmarshal default retry: %w", err)
	}
	wf.FailFast = failFast != 0
	wf.SkippedIsFailure = skipped != 0
	wf.Paused = paused != 0
	wf.DefaultTimeout = time.Duration(timeout)
	wf.Owner = owner.String
	wf.LeaseUntil = parseNullableTime(leaseUntil)
	wf.Error = errText.String
	if wf.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if wf.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &wf, nil
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		t                     models.Task
		description, deps     sql.NullString
		result, errText       sql.NullString
		lastAttempt, eligible sql.NullString
		retry                 sql.NullString
		timeout               int64
		optional              int
	)
	err := row.Scan(&t.WorkflowID, &t.ID, &description, &deps, &t.Priority, &t.Status,
		&result, &errText, &t.Attempts, &lastAttempt, &eligible, &retry, &timeout, &optional)
	if err != nil {
		return nil, err
	}

	t.Description = description.String
	if deps.Valid && deps.String != "" && deps.String != "null" {
		if err := json.Unmarshal([]byte(deps.String), &t.Dependencies); err != nil {
			return nil, fmt.Errorf("unmarshal dependencies: %w", err)
		}
	}
	if retry.Valid && retry.String != "" {
		var p models.RetryPolicy
		if err := json.Unmarshal([]byte(retry.String), &p); err != nil {
			return nil, fmt.Errorf("unmarshal retry: %w", err)
		}
		t.Retry = &p
	}
	t.Result = result.String
	t.Error = errText.String
	t.LastAttemptAt = parseNullableTime(lastAttempt)
	t.EligibleAt = parseNullableTime(eligible)
	t.Timeout = time.Duration(timeout)
	t.Optional = optional != 0
	return &t, nil
}

// List returns summaries of every workflow, oldest first.
func (db *DB) List(ctx context.Context) ([]models.WorkflowSummary, error) {
	rows, err := db.Query(`
		SELECT w.id, w.status, w.paused, w.created_at, w.updated_at,
			COUNT(t.id),
			COALESCE(SUM(CASE WHEN t.status = 'completed' THEN 1 ELSE 0 END), 0)
		FROM workflows w
		LEFT JOIN tasks t ON t.workflow_id = w.id
		GROUP BY w.id
		ORDER BY w.created_at, w.id
	`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []models.WorkflowSummary
	for rows.Next() {
		var (
			s                    models.WorkflowSummary
			paused               int
			createdAt, updatedAt string
		)
		if err := rows.Scan(&s.ID, &s.Status, &paused, &createdAt, &updatedAt, &s.Total, &s.Completed); err != nil {
			return nil, fmt.Errorf("scan workflow summary: %w", err)
		}
		s.Paused = paused != 0
		s.CreatedAt, _ = parseTime(createdAt)
		s.UpdatedAt, _ = parseTime(updatedAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Delete removes a workflow. Tasks and records cascade.
func (db *DB) Delete(ctx context.Context, id string) error {
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete workflow: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil
	})
}

// Commit applies transitions atomically.
func (db *DB) Commit(ctx context.Context, trs ...Transition) error {
	if len(trs) == 0 {
		return nil
	}
	now := time.Now().UTC()

	return db.Transaction(ctx, func(tx *sql.Tx) error {
		headers := make(map[string]*models.Workflow)
		for _, tr := range trs {
			wf, ok := headers[tr.WorkflowID]
			if !ok {
				row := tx.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, tr.WorkflowID)
				var err error
				wf, err = scanWorkflow(row)
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("%w: %s", ErrNotFound, tr.WorkflowID)
				}
				if err != nil {
					return fmt.Errorf("load workflow %s: %w", tr.WorkflowID, err)
				}
				headers[tr.WorkflowID] = wf
			}

			row := tx.QueryRowContext(ctx, `
				SELECT `+taskColumns+` FROM tasks WHERE workflow_id = ? AND id = ?
			`, tr.WorkflowID, tr.TaskID)
			task, err := scanTask(row)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", models.ErrUnknownTask, tr.TaskID)
			}
			if err != nil {
				return fmt.Errorf("load task %s: %w", tr.TaskID, err)
			}

			if err := applyTransition(wf, task, tr, now); err != nil {
				return err
			}
			if err := updateTask(ctx, tx, task); err != nil {
				return err
			}
			if tr.Record != nil {
				if err := insertRecord(ctx, tx, tr.Record); err != nil {
					return err
				}
			}
		}

		for _, wf := range headers {
			_, err := tx.ExecContext(ctx, `
				UPDATE workflows SET running_count = ?, updated_at = ? WHERE id = ?
			`, wf.RunningCount, formatTime(wf.UpdatedAt), wf.ID)
			if err != nil {
				return fmt.Errorf("update running count: %w", err)
			}
		}
		return nil
	})
}

func updateTask(ctx context.Context, tx *sql.Tx, t *models.Task) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result = ?, error = ?, attempts = ?,
			last_attempt_at = ?, eligible_at = ?
		WHERE workflow_id = ? AND id = ?
	`, t.Status, nullString(t.Result), nullString(t.Error), t.Attempts,
		nullableTime(t.LastAttemptAt), nullableTime(t.EligibleAt), t.WorkflowID, t.ID)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, r *models.ExecutionRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO execution_records (id, workflow_id, task_id, attempt, started_at, ended_at, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.WorkflowID, r.TaskID, r.Attempt, formatTime(r.StartedAt), formatTime(r.EndedAt),
		r.Outcome, nullString(r.Error))
	if err != nil {
		return fmt.Errorf("insert execution record: %w", err)
	}
	return nil
}

// Records returns the execution log for a workflow in append order.
func (db *DB) Records(ctx context.Context, id string) ([]models.ExecutionRecord, error) {
	rows, err := db.Query(`
		SELECT id, workflow_id, task_id, attempt, started_at, ended_at, outcome, error
		FROM execution_records WHERE workflow_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []models.ExecutionRecord
	for rows.Next() {
		var (
			r              models.ExecutionRecord
			started, ended string
			errText        sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.WorkflowID, &r.TaskID, &r.Attempt, &started, &ended, &r.Outcome, &errText); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.StartedAt, _ = parseTime(started)
		r.EndedAt, _ = parseTime(ended)
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetPaused sets or clears the pause marker. The status follows the
// marker unless the workflow is terminal.
func (db *DB) SetPaused(ctx context.Context, id string, paused bool) error {
	return db.updateHeader(ctx, id, func(wf *models.Workflow) error {
		wf.Paused = paused
		if wf.Status.Terminal() {
			return nil
		}
		switch {
		case paused:
			wf.Status = models.WorkflowStatusPaused
		case wf.Status == models.WorkflowStatusPaused:
			wf.Status = models.WorkflowStatusRunning
		}
		return nil
	})
}

// SetStatus records a workflow status and optional reason.
func (db *DB) SetStatus(ctx context.Context, id string, status models.WorkflowStatus, reason string) error {
	return db.updateHeader(ctx, id, func(wf *models.Workflow) error {
		wf.Status = status
		wf.Error = reason
		return nil
	})
}

// SetConcurrency changes the durable concurrency limit.
func (db *DB) SetConcurrency(ctx context.Context, id string, limit int) error {
	if limit < 1 {
		return fmt.Errorf("concurrency limit must be at least 1, got %d", limit)
	}
	return db.updateHeader(ctx, id, func(wf *models.Workflow) error {
		wf.ConcurrencyLimit = limit
		return nil
	})
}

// ClaimOwner records owner as the holder of the control loop for lease.
func (db *DB) ClaimOwner(ctx context.Context, id, owner string, lease time.Duration, force bool) error {
	return db.updateHeader(ctx, id, func(wf *models.Workflow) error {
		return claim(wf, owner, lease, force, time.Now().UTC())
	})
}

// RenewOwner extends the lease of owner.
func (db *DB) RenewOwner(ctx context.Context, id, owner string, lease time.Duration) error {
	return db.updateHeader(ctx, id, func(wf *models.Workflow) error {
		return renew(wf, owner, lease, time.Now().UTC())
	})
}

// ReleaseOwner clears owner if it still holds the workflow.
func (db *DB) ReleaseOwner(ctx context.Context, id, owner string) error {
	return db.updateHeader(ctx, id, func(wf *models.Workflow) error {
		release(wf, owner)
		return nil
	})
}

// claim takes wf for owner unless another owner holds a live claim.
func claim(wf *models.Workflow, owner string, lease time.Duration, force bool, now time.Time) error {
	if wf.Owner != owner && wf.OwnerLive(now) && !force {
		return fmt.Errorf("%w: %s held by %s", ErrOwned, wf.ID, wf.Owner)
	}
	wf.Owner = owner
	wf.LeaseUntil = leaseUntil(now, lease)
	return nil
}

// renew fails with ErrOwned once another owner has taken wf over.
func renew(wf *models.Workflow, owner string, lease time.Duration, now time.Time) error {
	if wf.Owner != owner {
		return fmt.Errorf("%w: %s held by %q", ErrOwned, wf.ID, wf.Owner)
	}
	wf.LeaseUntil = leaseUntil(now, lease)
	return nil
}

func release(wf *models.Workflow, owner string) {
	if wf.Owner == owner {
		wf.Owner = ""
		wf.LeaseUntil = nil
	}
}

func leaseUntil(now time.Time, lease time.Duration) *time.Time {
	if lease <= 0 {
		return nil
	}
	t := now.Add(lease)
	return &t
}

// updateHeader reads, mutates and writes the workflow header in one transaction.
func (db *DB) updateHeader(ctx context.Context, id string, fn func(wf *models.Workflow) error) error {
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
		wf, err := scanWorkflow(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("load workflow %s: %w", id, err)
		}

		if err := fn(wf); err != nil {
			return err
		}
		wf.UpdatedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx, `
			UPDATE workflows SET status = ?, concurrency_limit = ?, paused = ?, owner = ?,
				lease_until = ?, error = ?, updated_at = ?
			WHERE id = ?
		`, wf.Status, wf.ConcurrencyLimit, boolInt(wf.Paused), nullString(wf.Owner),
			nullableTime(wf.LeaseUntil), nullString(wf.Error), formatTime(wf.UpdatedAt), id)
		if err != nil {
			return fmt.Errorf("update workflow %s: %w", id, err)
		}
		return nil
	})
}

func marshalRetry(p *models.RetryPolicy) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal retry: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
