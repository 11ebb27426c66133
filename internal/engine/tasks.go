package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sunshow/crmflow/internal/db"
	"github.com/sunshow/crmflow/internal/event"
)

// ─── Task Queue ───

// GetPendingTasks returns dispatchable tasks of a queue for workerID,
// lowest priority value first, FIFO within a priority
func (e *Executor) GetPendingTasks(ctx context.Context, queue string, limit int, workerID string) ([]*db.WorkflowTask, error) {
	tasks, err := e.store.ListPendingTasks(ctx, queue, workerID, e.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("get pending tasks: %w", err)
	}
	return tasks, nil
}

// LockTask claims a task for workerID until now+lockDuration. It returns
// false when the task holds a live lock, is not dispatchable, or another
// worker won the race.
func (e *Executor) LockTask(ctx context.Context, taskID, workerID string, lockDuration time.Duration) (bool, error) {
	ctx, span := e.startSpan(ctx, "LockTask", attribute.String("task_id", taskID), attribute.String("worker_id", workerID))
	defer span.End()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}

	now := e.now()
	switch task.Status {
	case db.TaskPending:
	case db.TaskLocked:
		if !task.LockExpired(now) {
			return false, nil
		}
	default:
		return false, nil
	}
	if task.ScheduledAt != nil && task.ScheduledAt.After(now) {
		return false, nil
	}

	expires := now.Add(lockDuration)
	task.Status = db.TaskLocked
	task.LockedByWorkerID = &workerID
	task.PickedAt = &now
	task.LockExpiresAt = &expires
	task.UpdatedAt = now
	if err := e.store.UpdateTask(ctx, task); err != nil {
		if errors.Is(err, db.ErrConcurrencyConflict) {
			e.metrics.IncLockConflict()
			e.logger.Debugw("Lost task lock race", "task_id", taskID, "worker_id", workerID)
			return false, nil
		}
		return false, fmt.Errorf("lock task: %w", err)
	}

	if task.NodeInstanceID != nil {
		e.markNodeRunning(ctx, *task.NodeInstanceID)
	}

	e.writeLog(ctx, &db.WorkflowLog{
		InstanceID:     task.InstanceID,
		NodeID:         &task.NodeID,
		NodeInstanceID: task.NodeInstanceID,
		Level:          db.LogDebug,
		Category:       CategoryTask,
		Message:        "Task locked",
		WorkerID:       &workerID,
		Details:        jsonStr(map[string]any{"task_id": task.ID, "lock_expires_at": expires}),
	})
	e.publishEvent(event.TaskLocked, task.InstanceID, task.ID, task.NodeID, map[string]any{"worker_id": workerID})
	return true, nil
}

// CompleteTask marks a task Completed with output, completes its node
// instance and advances the instance through the graph. A task whose
// instance already finished is cancelled instead and ErrInvalidOperation is
// returned.
func (e *Executor) CompleteTask(ctx context.Context, taskID string, output *string) error {
	return e.completeTask(ctx, taskID, "", output)
}

// CompleteLockedTask is CompleteTask for a worker: it fails with
// ErrLockNotHeld unless workerID still holds the task's lock
func (e *Executor) CompleteLockedTask(ctx context.Context, taskID, workerID string, output *string) error {
	return e.completeTask(ctx, taskID, workerID, output)
}

func (e *Executor) completeTask(ctx context.Context, taskID, workerID string, output *string) error {
	ctx, span := e.startSpan(ctx, "CompleteTask", attribute.String("task_id", taskID))
	defer span.End()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case db.TaskCompleted, db.TaskDeadLetter, db.TaskCancelled:
		return invalidf("task %s is %s", task.ID, task.Status)
	}
	if err := checkLockHolder(task, workerID); err != nil {
		return err
	}
	if err := e.rejectIfInstanceFinished(ctx, task); err != nil {
		return err
	}

	now := e.now()
	task.Status = db.TaskCompleted
	task.OutputData = output
	task.CompletedAt = &now
	task.LockedByWorkerID = nil
	task.LockExpiresAt = nil
	task.ErrorMessage = nil
	task.UpdatedAt = now
	if err := e.store.UpdateTask(ctx, task); err != nil {
		if errors.Is(err, db.ErrConcurrencyConflict) && workerID != "" {
			return fmt.Errorf("complete task %s: %w", task.ID, ErrLockNotHeld)
		}
		return fmt.Errorf("complete task: %w", err)
	}

	e.writeLog(ctx, &db.WorkflowLog{
		InstanceID:     task.InstanceID,
		NodeID:         &task.NodeID,
		NodeInstanceID: task.NodeInstanceID,
		Level:          db.LogInfo,
		Category:       CategoryTask,
		Message:        "Task completed",
		Details:        jsonStr(map[string]any{"task_id": task.ID}),
	})
	e.metrics.IncTaskOutcome(task.QueueName, "completed")
	e.publishEvent(event.TaskCompleted, task.InstanceID, task.ID, task.NodeID, nil)

	return e.afterTaskCompleted(ctx, task)
}

func (e *Executor) afterTaskCompleted(ctx context.Context, task *db.WorkflowTask) error {
	inst, err := e.store.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return err
	}
	node, err := e.store.GetNode(ctx, task.NodeID)
	if err != nil {
		return err
	}

	err = e.saveInstance(ctx, inst, func(i *db.WorkflowInstance) error {
		if i.Status.Terminal() {
			return errInstanceSettled
		}
		i.StateData = jsonStr(mergeState(decodeObject(i.StateData), node.NodeKey, task.OutputData))
		i.UpdatedAt = e.now()
		return nil
	})
	if errors.Is(err, errInstanceSettled) {
		e.logger.Warnw("Instance finished while task completed, output dropped",
			"task_id", task.ID,
			"instance_id", inst.ID,
			"status", inst.Status,
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("merge task output: %w", err)
	}

	if task.NodeInstanceID == nil {
		return nil
	}
	nodeInst, err := e.store.GetNodeInstance(ctx, *task.NodeInstanceID)
	if err != nil {
		return err
	}
	if err := e.completeNodeInstance(ctx, nodeInst, task.OutputData, nil); err != nil {
		if errors.Is(err, ErrInvalidOperation) {
			e.logger.Warnw("Task completed for a finished node instance",
				"task_id", task.ID,
				"node_instance_id", nodeInst.ID,
				"status", nodeInst.Status,
			)
			return nil
		}
		return err
	}
	return e.advance(ctx, inst, nodeInst)
}

// FailTask records a task failure. While retries remain the task is moved to
// Retrying with a backoff; once exhausted it is dead-lettered and fails its
// instance. Failing a dead-lettered task changes nothing.
func (e *Executor) FailTask(ctx context.Context, taskID, errMsg string) error {
	return e.failTask(ctx, taskID, "", errMsg)
}

// FailLockedTask is FailTask for a worker: it fails with ErrLockNotHeld
// unless workerID still holds the task's lock
func (e *Executor) FailLockedTask(ctx context.Context, taskID, workerID, errMsg string) error {
	return e.failTask(ctx, taskID, workerID, errMsg)
}

func (e *Executor) failTask(ctx context.Context, taskID, workerID, errMsg string) error {
	ctx, span := e.startSpan(ctx, "FailTask", attribute.String("task_id", taskID))
	defer span.End()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case db.TaskDeadLetter:
		return nil
	case db.TaskCompleted, db.TaskCancelled:
		return invalidf("task %s is %s", task.ID, task.Status)
	}
	if err := checkLockHolder(task, workerID); err != nil {
		return err
	}
	if err := e.rejectIfInstanceFinished(ctx, task); err != nil {
		return err
	}

	now := e.now()
	task.RetryCount++
	task.ErrorMessage = &errMsg
	task.LockedByWorkerID = nil
	task.LockExpiresAt = nil
	task.UpdatedAt = now

	if task.RetryCount < task.MaxRetries {
		next := now.Add(RetryDelay(task.RetryDelaySeconds, task.RetryCount, task.UseExponentialBackoff))
		task.Status = db.TaskRetrying
		task.NextRetryAt = &next
		if err := e.store.UpdateTask(ctx, task); err != nil {
			if errors.Is(err, db.ErrConcurrencyConflict) && workerID != "" {
				return fmt.Errorf("fail task %s: %w", task.ID, ErrLockNotHeld)
			}
			return fmt.Errorf("schedule task retry: %w", err)
		}
		if task.NodeInstanceID != nil {
			e.markNodeRetrying(ctx, *task.NodeInstanceID, task.RetryCount, next, errMsg)
		}

		e.logger.Infow("Task retry scheduled",
			"task_id", task.ID,
			"retry_count", task.RetryCount,
			"max_retries", task.MaxRetries,
			"next_retry_at", next,
		)
		e.writeLog(ctx, &db.WorkflowLog{
			InstanceID:     task.InstanceID,
			NodeID:         &task.NodeID,
			NodeInstanceID: task.NodeInstanceID,
			Level:          db.LogWarning,
			Category:       CategoryTask,
			Message:        fmt.Sprintf("Task failed, retry %d/%d scheduled", task.RetryCount, task.MaxRetries),
			Details:        jsonStr(map[string]any{"task_id": task.ID, "error": errMsg, "next_retry_at": next}),
		})
		e.metrics.IncTaskOutcome(task.QueueName, "retrying")
		e.publishEvent(event.TaskRetrying, task.InstanceID, task.ID, task.NodeID, map[string]any{
			"retry_count":   task.RetryCount,
			"next_retry_at": next,
		})
		return nil
	}

	task.Status = db.TaskDeadLetter
	task.DeadLetterReason = &errMsg
	task.DeadLetteredAt = &now
	task.NextRetryAt = nil
	if err := e.store.UpdateTask(ctx, task); err != nil {
		if errors.Is(err, db.ErrConcurrencyConflict) && workerID != "" {
			return fmt.Errorf("fail task %s: %w", task.ID, ErrLockNotHeld)
		}
		return fmt.Errorf("dead-letter task: %w", err)
	}

	e.logger.Warnw("Task dead-lettered", "task_id", task.ID, "retry_count", task.RetryCount, "reason", errMsg)
	e.writeLog(ctx, &db.WorkflowLog{
		InstanceID:     task.InstanceID,
		NodeID:         &task.NodeID,
		NodeInstanceID: task.NodeInstanceID,
		Level:          db.LogError,
		Category:       CategoryTask,
		Message:        "Task dead-lettered",
		Details:        jsonStr(map[string]any{"task_id": task.ID, "reason": errMsg}),
	})
	e.metrics.IncTaskOutcome(task.QueueName, "dead_letter")
	e.publishEvent(event.TaskDeadLettered, task.InstanceID, task.ID, task.NodeID, map[string]any{"reason": errMsg})

	return e.propagateDeadLetter(ctx, task, errMsg)
}

// propagateDeadLetter fails the node instance and the owning instance of a dead-lettered task
func (e *Executor) propagateDeadLetter(ctx context.Context, task *db.WorkflowTask, reason string) error {
	msg := "task dead-lettered: " + reason
	now := e.now()

	if task.NodeInstanceID != nil {
		nodeInst, err := e.store.GetNodeInstance(ctx, *task.NodeInstanceID)
		if err != nil {
			return err
		}
		nodeInst.Status = db.NodeFailed
		nodeInst.ErrorMessage = &msg
		nodeInst.CompletedAt = &now
		nodeInst.NextRetryAt = nil
		nodeInst.RetryCount = task.RetryCount
		if nodeInst.StartedAt != nil {
			ms := now.Sub(*nodeInst.StartedAt).Milliseconds()
			nodeInst.DurationMs = &ms
		}
		if err := e.store.UpdateNodeInstance(ctx, nodeInst); err != nil {
			return fmt.Errorf("fail node instance: %w", err)
		}
	}

	inst, err := e.store.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return err
	}
	return ignoreSettled(e.failInstance(ctx, inst, msg, nil))
}

// checkLockHolder rejects a report from a worker that no longer holds the
// task's lock. An empty workerID skips the check.
func checkLockHolder(task *db.WorkflowTask, workerID string) error {
	if workerID == "" {
		return nil
	}
	if task.Status != db.TaskLocked || ptrStr(task.LockedByWorkerID) != workerID {
		return fmt.Errorf("task %s held by %q, not %q: %w", task.ID, ptrStr(task.LockedByWorkerID), workerID, ErrLockNotHeld)
	}
	return nil
}

// rejectIfInstanceFinished cancels a task whose instance is already terminal
// and reports ErrInvalidOperation
func (e *Executor) rejectIfInstanceFinished(ctx context.Context, task *db.WorkflowTask) error {
	inst, err := e.store.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return err
	}
	if !inst.Status.Terminal() {
		return nil
	}
	if err := e.CancelTask(ctx, task.ID, fmt.Sprintf("instance %s", inst.Status)); err != nil {
		return fmt.Errorf("cancel task of finished instance: %w", err)
	}
	return invalidf("instance %s is %s", inst.ID, inst.Status)
}

func (e *Executor) markNodeRetrying(ctx context.Context, nodeInstanceID string, retryCount int, next time.Time, errMsg string) {
	nodeInst, err := e.store.GetNodeInstance(ctx, nodeInstanceID)
	if err != nil {
		e.logger.Errorw("Failed to load node instance", "node_instance_id", nodeInstanceID, "error", err)
		return
	}
	nodeInst.Status = db.NodeRetrying
	nodeInst.RetryCount = retryCount
	nodeInst.NextRetryAt = &next
	nodeInst.ErrorMessage = &errMsg
	if err := e.store.UpdateNodeInstance(ctx, nodeInst); err != nil {
		e.logger.Errorw("Failed to mark node retrying", "node_instance_id", nodeInstanceID, "error", err)
	}
}

func (e *Executor) markNodeRunning(ctx context.Context, nodeInstanceID string) {
	nodeInst, err := e.store.GetNodeInstance(ctx, nodeInstanceID)
	if err != nil {
		e.logger.Errorw("Failed to load node instance", "node_instance_id", nodeInstanceID, "error", err)
		return
	}
	if nodeInst.Status != db.NodeRetrying && nodeInst.Status != db.NodePending && nodeInst.Status != db.NodeWaiting {
		return
	}
	nodeInst.Status = db.NodeRunning
	nodeInst.NextRetryAt = nil
	if err := e.store.UpdateNodeInstance(ctx, nodeInst); err != nil {
		e.logger.Errorw("Failed to mark node running", "node_instance_id", nodeInstanceID, "error", err)
	}
}

// ReleaseTask hands a locked task back to the queue. Only the lock owner may release it.
func (e *Executor) ReleaseTask(ctx context.Context, taskID, workerID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != db.TaskLocked || ptrStr(task.LockedByWorkerID) != workerID {
		return invalidf("task %s is not locked by %s", task.ID, workerID)
	}

	task.Status = db.TaskPending
	task.LockedByWorkerID = nil
	task.LockExpiresAt = nil
	task.UpdatedAt = e.now()
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	return nil
}

// CancelTask cancels a single task. Cancelling a finished task is a no-op.
func (e *Executor) CancelTask(ctx context.Context, taskID, reason string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case db.TaskCompleted, db.TaskDeadLetter, db.TaskCancelled:
		return nil
	}

	now := e.now()
	task.Status = db.TaskCancelled
	task.CompletedAt = &now
	task.LockedByWorkerID = nil
	task.LockExpiresAt = nil
	task.UpdatedAt = now
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}

	e.writeLog(ctx, &db.WorkflowLog{
		InstanceID:     task.InstanceID,
		NodeID:         &task.NodeID,
		NodeInstanceID: task.NodeInstanceID,
		Level:          db.LogInfo,
		Category:       CategoryTask,
		Message:        "Task cancelled",
		Details:        jsonStr(map[string]any{"task_id": task.ID, "reason": reason}),
	})
	e.metrics.IncTaskOutcome(task.QueueName, "cancelled")
	e.publishEvent(event.TaskCancelled, task.InstanceID, task.ID, task.NodeID, map[string]any{"reason": reason})
	return nil
}

// ProcessRetryTasks returns Retrying tasks whose backoff elapsed to Pending
func (e *Executor) ProcessRetryTasks(ctx context.Context) (int, error) {
	n, err := e.store.RequeueDueRetries(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("process retry tasks: %w", err)
	}
	if n > 0 {
		e.logger.Infow("Requeued retry tasks", "count", n)
	}
	e.metrics.AddSweep("retries", n)
	return n, nil
}

// ReleaseExpiredLocks resets Locked tasks with lapsed locks to Pending
func (e *Executor) ReleaseExpiredLocks(ctx context.Context) (int, error) {
	n, err := e.store.ReleaseExpiredLocks(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("release expired locks: %w", err)
	}
	if n > 0 {
		e.logger.Infow("Released expired task locks", "count", n)
	}
	e.metrics.AddSweep("expired_locks", n)
	return n, nil
}

// GetHumanTasksForUser returns open human tasks assigned to userID or any of roles
func (e *Executor) GetHumanTasksForUser(ctx context.Context, userID string, roles []string) ([]*db.WorkflowTask, error) {
	tasks, err := e.store.ListHumanTasks(ctx, userID, roles)
	if err != nil {
		return nil, fmt.Errorf("get human tasks: %w", err)
	}
	return tasks, nil
}
