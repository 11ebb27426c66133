package db

import (
	"context"
	"fmt"
	"time"
)

// ─── Task Queries ───

const taskColumns = `id, instance_id, node_id, node_instance_id, task_type, queue_name, priority, status,
	assigned_to_user_id, assigned_to_role, locked_by_worker_id, picked_at, lock_expires_at,
	scheduled_at, due_at, timeout_at, max_retries, retry_count, retry_delay_seconds,
	use_exponential_backoff, next_retry_at, dead_letter_reason, dead_lettered_at,
	input_data, output_data, form_schema, error_message, completed_at, created_at, updated_at, version`

func scanTask(row scanner) (*WorkflowTask, error) {
	var t WorkflowTask
	err := row.Scan(&t.ID, &t.InstanceID, &t.NodeID, &t.NodeInstanceID, &t.TaskType, &t.QueueName, &t.Priority, &t.Status,
		&t.AssignedToUserID, &t.AssignedToRole, &t.LockedByWorkerID, &t.PickedAt, &t.LockExpiresAt,
		&t.ScheduledAt, &t.DueAt, &t.TimeoutAt, &t.MaxRetries, &t.RetryCount, &t.RetryDelaySeconds,
		&t.UseExponentialBackoff, &t.NextRetryAt, &t.DeadLetterReason, &t.DeadLetteredAt,
		&t.InputData, &t.OutputData, &t.FormSchema, &t.ErrorMessage, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt, &t.Version)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTask inserts a task with version 1
func (c *Client) CreateTask(ctx context.Context, t *WorkflowTask) error {
	if t.Version == 0 {
		t.Version = 1
	}
	_, err := c.pool.Exec(ctx, `
		INSERT INTO workflow_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31)
	`, t.ID, t.InstanceID, t.NodeID, t.NodeInstanceID, t.TaskType, t.QueueName, t.Priority, t.Status,
		t.AssignedToUserID, t.AssignedToRole, t.LockedByWorkerID, t.PickedAt, t.LockExpiresAt,
		t.ScheduledAt, t.DueAt, t.TimeoutAt, t.MaxRetries, t.RetryCount, t.RetryDelaySeconds,
		t.UseExponentialBackoff, t.NextRetryAt, t.DeadLetterReason, t.DeadLetteredAt,
		t.InputData, t.OutputData, t.FormSchema, t.ErrorMessage, t.CompletedAt, t.CreatedAt, t.UpdatedAt, t.Version)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID
func (c *Client) GetTask(ctx context.Context, id string) (*WorkflowTask, error) {
	t, err := scanTask(c.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM workflow_tasks WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get task")
	}
	return t, nil
}

// UpdateTask writes a task guarded by its version. On success t.Version is
// advanced; a stale version yields ErrConcurrencyConflict.
func (c *Client) UpdateTask(ctx context.Context, t *WorkflowTask) error {
	tag, err := c.pool.Exec(ctx, `
		UPDATE workflow_tasks
		SET status = $3, locked_by_worker_id = $4, picked_at = $5, lock_expires_at = $6,
		    scheduled_at = $7, retry_count = $8, next_retry_at = $9, dead_letter_reason = $10,
		    dead_lettered_at = $11, output_data = $12, error_message = $13, completed_at = $14,
		    updated_at = $15, node_instance_id = $16, version = version + 1
		WHERE id = $1 AND version = $2
	`, t.ID, t.Version, t.Status, t.LockedByWorkerID, t.PickedAt, t.LockExpiresAt,
		t.ScheduledAt, t.RetryCount, t.NextRetryAt, t.DeadLetterReason,
		t.DeadLetteredAt, t.OutputData, t.ErrorMessage, t.CompletedAt,
		t.UpdatedAt, t.NodeInstanceID)
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("update task %s: %w", t.ID, ErrConcurrencyConflict)
		}
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update task %s: %w", t.ID, ErrConcurrencyConflict)
	}
	t.Version++
	return nil
}

// ListPendingTasks returns dispatchable tasks of a queue: pending, or locked
// with a lapsed lock, due now, and not held by another worker. The read takes
// no row locks; concurrent pollers may list the same task and the version
// guard in UpdateTask decides which claim wins.
func (c *Client) ListPendingTasks(ctx context.Context, queue, workerID string, now time.Time, limit int) ([]*WorkflowTask, error) {
	return c.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM workflow_tasks
		WHERE queue_name = $1
		  AND (status = 'pending' OR (status = 'locked' AND lock_expires_at <= $3))
		  AND (scheduled_at IS NULL OR scheduled_at <= $3)
		  AND (locked_by_worker_id IS NULL OR lock_expires_at IS NULL
		       OR lock_expires_at <= $3 OR locked_by_worker_id = $2)
		ORDER BY priority ASC, created_at ASC
		LIMIT $4
	`, queue, workerID, now, limit)
}

// ListTasks returns the tasks of an instance, optionally filtered by status
func (c *Client) ListTasks(ctx context.Context, instanceID string, statuses ...TaskStatus) ([]*WorkflowTask, error) {
	if len(statuses) == 0 {
		return c.queryTasks(ctx, `
			SELECT `+taskColumns+` FROM workflow_tasks WHERE instance_id = $1 ORDER BY created_at ASC
		`, instanceID)
	}
	return c.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM workflow_tasks
		WHERE instance_id = $1 AND status = ANY($2)
		ORDER BY created_at ASC
	`, instanceID, statusStrings(statuses))
}

// ListHumanTasks returns pending or waiting human tasks assigned to a user or
// one of their roles, earliest due first
func (c *Client) ListHumanTasks(ctx context.Context, userID string, roles []string) ([]*WorkflowTask, error) {
	if roles == nil {
		roles = []string{}
	}
	return c.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM workflow_tasks
		WHERE task_type = 'human' AND status IN ('pending', 'waiting')
		  AND (assigned_to_user_id = $1 OR assigned_to_role = ANY($2))
		ORDER BY due_at ASC NULLS LAST, priority ASC, created_at ASC
	`, userID, roles)
}

// CancelTasks cancels the instance's tasks in the given statuses, optionally
// restricted to one node, and returns the number cancelled
func (c *Client) CancelTasks(ctx context.Context, instanceID string, nodeID *string, statuses []TaskStatus, now time.Time) (int, error) {
	tag, err := c.pool.Exec(ctx, `
		UPDATE workflow_tasks
		SET status = 'cancelled', completed_at = $4, updated_at = $4, version = version + 1
		WHERE instance_id = $1 AND ($2::uuid IS NULL OR node_id = $2) AND status = ANY($3)
	`, instanceID, nodeID, statusStrings(statuses), now)
	if err != nil {
		return 0, fmt.Errorf("cancel tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RequeueDueRetries moves retrying tasks whose delay has elapsed back to pending
func (c *Client) RequeueDueRetries(ctx context.Context, now time.Time) (int, error) {
	tag, err := c.pool.Exec(ctx, `
		UPDATE workflow_tasks
		SET status = 'pending', locked_by_worker_id = NULL, lock_expires_at = NULL,
		    updated_at = $1, version = version + 1
		WHERE status = 'retrying' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("requeue retries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReleaseExpiredLocks returns locked tasks with lapsed locks to pending
func (c *Client) ReleaseExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	tag, err := c.pool.Exec(ctx, `
		UPDATE workflow_tasks
		SET status = 'pending', locked_by_worker_id = NULL, lock_expires_at = NULL,
		    updated_at = $1, version = version + 1
		WHERE status = 'locked' AND (lock_expires_at IS NULL OR lock_expires_at <= $1)
	`, now)
	if err != nil {
		return 0, fmt.Errorf("release expired locks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (c *Client) queryTasks(ctx context.Context, sql string, args ...any) ([]*WorkflowTask, error) {
	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var result []*WorkflowTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func statusStrings(statuses []TaskStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// ─── Log Queries ───

// AppendLog inserts an audit log entry
func (c *Client) AppendLog(ctx context.Context, l *WorkflowLog) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO workflow_logs (id, instance_id, node_id, node_instance_id, level, category, message,
			details, worker_id, user_id, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, l.ID, l.InstanceID, l.NodeID, l.NodeInstanceID, l.Level, l.Category, l.Message,
		l.Details, l.WorkerID, l.UserID, l.DurationMs, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// ListLogs returns the audit log of an instance in chronological order
func (c *Client) ListLogs(ctx context.Context, instanceID string) ([]*WorkflowLog, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, instance_id, node_id, node_instance_id, level, category, message,
			details, worker_id, user_id, duration_ms, created_at
		FROM workflow_logs WHERE instance_id = $1
		ORDER BY created_at ASC, id ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var result []*WorkflowLog
	for rows.Next() {
		var l WorkflowLog
		if err := rows.Scan(&l.ID, &l.InstanceID, &l.NodeID, &l.NodeInstanceID, &l.Level, &l.Category, &l.Message,
			&l.Details, &l.WorkerID, &l.UserID, &l.DurationMs, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		result = append(result, &l)
	}
	return result, rows.Err()
}
