package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sunshow/crmflow/internal/db"
	"github.com/sunshow/crmflow/internal/event"
)

// ─── Node Execution ───

// StartNodeExecution creates a running node instance for nodeID and makes it
// the instance's current node
func (e *Executor) StartNodeExecution(ctx context.Context, instanceID, nodeID string) (*db.NodeInstance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, invalidf("instance %s is %s", inst.ID, inst.Status)
	}
	node, err := e.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.VersionID != inst.VersionID {
		return nil, invalidf("node %s does not belong to version %s", node.ID, inst.VersionID)
	}
	return e.startNodeExecution(ctx, inst, node)
}

func (e *Executor) startNodeExecution(ctx context.Context, inst *db.WorkflowInstance, node *db.WorkflowNode) (*db.NodeInstance, error) {
	now := e.now()
	err := e.saveInstance(ctx, inst, func(i *db.WorkflowInstance) error {
		if i.Status.Terminal() {
			return invalidf("instance %s is %s", i.ID, i.Status)
		}
		i.CurrentNodeID = &node.ID
		i.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidOperation) {
			return nil, err
		}
		return nil, fmt.Errorf("update current node: %w", err)
	}

	count, err := e.store.CountNodeInstances(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("count node instances: %w", err)
	}

	nodeInst := &db.NodeInstance{
		ID:                uuid.New().String(),
		InstanceID:        inst.ID,
		NodeID:            node.ID,
		Status:            db.NodeRunning,
		ExecutionSequence: count + 1,
		StartedAt:         &now,
		InputData:         inst.StateData,
		CreatedAt:         now,
	}
	if err := e.store.CreateNodeInstance(ctx, nodeInst); err != nil {
		return nil, fmt.Errorf("create node instance: %w", err)
	}

	e.writeLog(ctx, &db.WorkflowLog{
		InstanceID:     inst.ID,
		NodeID:         &node.ID,
		NodeInstanceID: &nodeInst.ID,
		Level:          db.LogInfo,
		Category:       CategoryNode,
		Message:        fmt.Sprintf("Node %s started", node.NodeKey),
		Details:        jsonStr(map[string]any{"execution_sequence": nodeInst.ExecutionSequence}),
	})
	return nodeInst, nil
}

// CompleteNodeExecution marks a node instance Completed, storing its output
// and the transition taken
func (e *Executor) CompleteNodeExecution(ctx context.Context, nodeInstanceID string, output, transitionID *string) (*db.NodeInstance, error) {
	nodeInst, err := e.store.GetNodeInstance(ctx, nodeInstanceID)
	if err != nil {
		return nil, err
	}
	if err := e.completeNodeInstance(ctx, nodeInst, output, transitionID); err != nil {
		return nil, err
	}
	return nodeInst, nil
}

func (e *Executor) completeNodeInstance(ctx context.Context, nodeInst *db.NodeInstance, output, transitionID *string) error {
	switch nodeInst.Status {
	case db.NodeCompleted, db.NodeFailed, db.NodeSkipped:
		return invalidf("node instance %s is %s", nodeInst.ID, nodeInst.Status)
	}

	now := e.now()
	nodeInst.Status = db.NodeCompleted
	nodeInst.CompletedAt = &now
	nodeInst.OutputData = output
	nodeInst.NextRetryAt = nil
	if transitionID != nil {
		nodeInst.TransitionTakenID = transitionID
	}
	if nodeInst.StartedAt != nil {
		ms := now.Sub(*nodeInst.StartedAt).Milliseconds()
		nodeInst.DurationMs = &ms
	}
	if err := e.store.UpdateNodeInstance(ctx, nodeInst); err != nil {
		return fmt.Errorf("complete node instance: %w", err)
	}

	e.writeLog(ctx, &db.WorkflowLog{
		InstanceID:     nodeInst.InstanceID,
		NodeID:         &nodeInst.NodeID,
		NodeInstanceID: &nodeInst.ID,
		Level:          db.LogInfo,
		Category:       CategoryNode,
		Message:        "Node completed",
		DurationMs:     nodeInst.DurationMs,
	})
	return nil
}

// FailNodeExecution records a node failure. While the node's retry allowance
// lasts the node instance is marked Retrying with a backoff; afterwards it
// fails together with its instance.
func (e *Executor) FailNodeExecution(ctx context.Context, nodeInstanceID, errMsg string, stack *string) (*db.NodeInstance, error) {
	ctx, span := e.startSpan(ctx, "FailNodeExecution", attribute.String("node_instance_id", nodeInstanceID))
	defer span.End()

	nodeInst, err := e.store.GetNodeInstance(ctx, nodeInstanceID)
	if err != nil {
		return nil, err
	}
	node, err := e.store.GetNode(ctx, nodeInst.NodeID)
	if err != nil {
		return nil, err
	}
	inst, err := e.store.GetInstance(ctx, nodeInst.InstanceID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	nodeInst.ErrorMessage = &errMsg
	nodeInst.ErrorStackTrace = stack

	if nodeInst.RetryCount < node.RetryCount {
		nodeInst.RetryCount++
		nodeInst.Status = db.NodeRetrying
		nodeInst.NextRetryAt = timePtr(now.Add(RetryDelay(node.RetryDelaySeconds, nodeInst.RetryCount, node.UseExponentialBackoff)))
		if err := e.store.UpdateNodeInstance(ctx, nodeInst); err != nil {
			return nil, fmt.Errorf("mark node retrying: %w", err)
		}
		e.writeLog(ctx, &db.WorkflowLog{
			InstanceID:     inst.ID,
			NodeID:         &node.ID,
			NodeInstanceID: &nodeInst.ID,
			Level:          db.LogWarning,
			Category:       CategoryNode,
			Message:        fmt.Sprintf("Node %s failed, retry %d/%d scheduled", node.NodeKey, nodeInst.RetryCount, node.RetryCount),
			Details:        jsonStr(map[string]any{"error": errMsg, "next_retry_at": nodeInst.NextRetryAt}),
		})
		return nodeInst, nil
	}

	nodeInst.Status = db.NodeFailed
	nodeInst.CompletedAt = &now
	if nodeInst.StartedAt != nil {
		ms := now.Sub(*nodeInst.StartedAt).Milliseconds()
		nodeInst.DurationMs = &ms
	}
	if err := e.store.UpdateNodeInstance(ctx, nodeInst); err != nil {
		return nil, fmt.Errorf("mark node failed: %w", err)
	}
	e.writeLog(ctx, &db.WorkflowLog{
		InstanceID:     inst.ID,
		NodeID:         &node.ID,
		NodeInstanceID: &nodeInst.ID,
		Level:          db.LogError,
		Category:       CategoryNode,
		Message:        fmt.Sprintf("Node %s failed", node.NodeKey),
		Details:        jsonStr(map[string]any{"error": errMsg}),
	})

	if !inst.Status.Terminal() {
		if err := ignoreSettled(e.failInstance(ctx, inst, errMsg, stack)); err != nil {
			return nil, err
		}
	}
	return nodeInst, nil
}

// SkipNode marks a pending, waiting or running node instance Skipped, cancels
// its open tasks and, when the instance is running, moves on to the next node
func (e *Executor) SkipNode(ctx context.Context, nodeInstanceID, reason string) error {
	nodeInst, err := e.store.GetNodeInstance(ctx, nodeInstanceID)
	if err != nil {
		return err
	}
	switch nodeInst.Status {
	case db.NodePending, db.NodeWaiting, db.NodeRunning:
	default:
		return invalidf("cannot skip node instance in status %s", nodeInst.Status)
	}

	now := e.now()
	nodeInst.Status = db.NodeSkipped
	nodeInst.SkipReason = &reason
	nodeInst.CompletedAt = &now
	if err := e.store.UpdateNodeInstance(ctx, nodeInst); err != nil {
		return fmt.Errorf("skip node: %w", err)
	}

	cancelled, err := e.store.CancelTasks(ctx, nodeInst.InstanceID, &nodeInst.NodeID,
		[]db.TaskStatus{db.TaskPending, db.TaskWaiting}, now)
	if err != nil {
		return fmt.Errorf("cancel node tasks: %w", err)
	}

	e.writeLog(ctx, &db.WorkflowLog{
		InstanceID:     nodeInst.InstanceID,
		NodeID:         &nodeInst.NodeID,
		NodeInstanceID: &nodeInst.ID,
		Level:          db.LogInfo,
		Category:       CategoryNode,
		Message:        "Node skipped",
		Details:        jsonStr(map[string]any{"reason": reason, "cancelled_tasks": cancelled}),
	})

	inst, err := e.store.GetInstance(ctx, nodeInst.InstanceID)
	if err != nil {
		return err
	}
	return e.advance(ctx, inst, nodeInst)
}

// ─── Task Creation ───

// QueueFor returns the task type and queue derived from a node type
func QueueFor(nodeType db.NodeType) (db.TaskType, string) {
	switch nodeType {
	case db.NodeHumanTask:
		return db.TaskHuman, db.QueueHuman
	case db.NodeLLMAction:
		return db.TaskLLM, db.QueueLLM
	case db.NodeWait:
		return db.TaskTimer, db.QueueTimer
	case db.NodeAction:
		return db.TaskAutomated, db.QueueAction
	default:
		return db.TaskAutomated, db.QueueDefault
	}
}

// CreateTaskForNode creates the task that executes node for an instance
func (e *Executor) CreateTaskForNode(ctx context.Context, instanceID, nodeID string, nodeInstanceID *string) (*db.WorkflowTask, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	node, err := e.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return e.createTaskForNode(ctx, inst, node, nodeInstanceID)
}

func (e *Executor) createTaskForNode(ctx context.Context, inst *db.WorkflowInstance, node *db.WorkflowNode, nodeInstanceID *string) (*db.WorkflowTask, error) {
	if inst.Status.Terminal() {
		return nil, invalidf("instance %s is %s", inst.ID, inst.Status)
	}

	now := e.now()
	taskType, queue := QueueFor(node.Type)
	task := &db.WorkflowTask{
		ID:                    uuid.New().String(),
		InstanceID:            inst.ID,
		NodeID:                node.ID,
		NodeInstanceID:        nodeInstanceID,
		TaskType:              taskType,
		QueueName:             queue,
		Priority:              node.ExecutionOrder,
		Status:                db.TaskPending,
		AssignedToUserID:      node.AssignedUserID,
		AssignedToRole:        node.AssignedRole,
		MaxRetries:            node.RetryCount,
		RetryDelaySeconds:     node.RetryDelaySeconds,
		UseExponentialBackoff: node.UseExponentialBackoff,
		InputData:             node.Configuration,
		FormSchema:            node.FormSchema,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if node.TimeoutMinutes != nil && *node.TimeoutMinutes > 0 {
		deadline := now.Add(time.Duration(*node.TimeoutMinutes) * time.Minute)
		task.TimeoutAt = &deadline
		task.DueAt = &deadline
	}
	if node.Type == db.NodeWait {
		if delay := waitDelay(node.Configuration); delay > 0 {
			task.ScheduledAt = timePtr(now.Add(delay))
		}
	}

	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	e.writeLog(ctx, &db.WorkflowLog{
		InstanceID:     inst.ID,
		NodeID:         &node.ID,
		NodeInstanceID: nodeInstanceID,
		Level:          db.LogInfo,
		Category:       CategoryTask,
		Message:        fmt.Sprintf("Task created on queue %s", queue),
		Details:        jsonStr(map[string]any{"task_id": task.ID, "task_type": taskType}),
	})
	e.metrics.IncTaskCreated(queue)
	e.publishEvent(event.TaskCreated, inst.ID, task.ID, node.ID, map[string]any{"queue": queue})
	return task, nil
}

// waitDelay reads the timer delay of a wait node: "delay" as a duration
// string, or "delay_seconds" as a number
func waitDelay(configuration *string) time.Duration {
	cfg := decodeObject(configuration)
	if raw, ok := cfg["delay"]; ok {
		if s, ok := raw.(string); ok {
			if d, err := time.ParseDuration(s); err == nil {
				return d
			}
		}
	}
	if raw, ok := cfg["delay_seconds"]; ok {
		if secs, err := cast.ToInt64E(raw); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
