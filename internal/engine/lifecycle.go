package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sunshow/crmflow/internal/db"
	"github.com/sunshow/crmflow/internal/event"
)

// StartRequest describes a new workflow instance
type StartRequest struct {
	DefinitionID  string
	EntityType    string
	EntityID      int64
	TriggerEvent  string
	TriggeredByID *string
	InputData     map[string]any
	ScheduledAt   *time.Time // future => instance stays Pending until activated
}

// ─── Instance Lifecycle ───

// StartWorkflow creates an instance of the definition's active version. The
// instance starts Running with a task for the start node, or Pending when
// scheduled for later.
func (e *Executor) StartWorkflow(ctx context.Context, req StartRequest) (*db.WorkflowInstance, error) {
	ctx, span := e.startSpan(ctx, "StartWorkflow",
		attribute.String("definition_id", req.DefinitionID),
		attribute.String("entity_type", req.EntityType),
		attribute.Int64("entity_id", req.EntityID),
	)
	defer span.End()

	def, err := e.store.GetDefinition(ctx, req.DefinitionID)
	if err != nil {
		if db.IsNotFound(err) {
			e.metrics.IncRejected("definition_not_found")
			return nil, invalidf("workflow definition %s not found", req.DefinitionID)
		}
		return nil, fmt.Errorf("get definition: %w", err)
	}
	if def.Status != db.DefinitionActive {
		e.metrics.IncRejected("definition_inactive")
		return nil, invalidf("workflow definition %s is %s", def.ID, def.Status)
	}

	version, err := e.store.GetActiveVersion(ctx, def.ID)
	if err != nil {
		return nil, fmt.Errorf("get active version: %w", err)
	}
	if version == nil {
		e.metrics.IncRejected("no_active_version")
		return nil, invalidf("workflow definition %s has no active version", def.ID)
	}

	g, err := e.loadGraph(ctx, version.ID)
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}
	if g.Start == nil {
		e.metrics.IncRejected("no_start_node")
		return nil, invalidf("workflow version %s has no start node", version.ID)
	}

	if def.MaxConcurrentInstances > 0 {
		running, err := e.store.CountInstances(ctx, def.ID, db.InstanceRunning)
		if err != nil {
			return nil, fmt.Errorf("count running instances: %w", err)
		}
		if running >= def.MaxConcurrentInstances {
			e.metrics.IncRejected("concurrency_limit")
			e.logger.Warnw("Workflow admission rejected",
				"definition_id", def.ID,
				"running", running,
				"max_concurrent_instances", def.MaxConcurrentInstances,
			)
			return nil, fmt.Errorf("%w: definition %s has %d running instances", ErrConcurrencyLimit, def.ID, running)
		}
	}

	now := e.now()
	input := req.InputData
	if input == nil {
		input = map[string]any{}
	}
	inst := &db.WorkflowInstance{
		ID:            uuid.New().String(),
		DefinitionID:  def.ID,
		VersionID:     version.ID,
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		CurrentNodeID: &g.Start.ID,
		TriggerEvent:  req.TriggerEvent,
		TriggeredByID: req.TriggeredByID,
		InputData:     jsonStr(input),
		StateData:     jsonStr(input),
		ScheduledAt:   req.ScheduledAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		inst.Status = db.InstancePending
	} else {
		inst.Status = db.InstanceRunning
		inst.StartedAt = &now
	}
	if def.DefaultTimeoutHours != nil && *def.DefaultTimeoutHours > 0 {
		inst.TimeoutAt = timePtr(now.Add(time.Duration(*def.DefaultTimeoutHours) * time.Hour))
	}

	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	e.logger.Infow("Started workflow instance",
		"instance_id", inst.ID,
		"definition_id", def.ID,
		"version_id", version.ID,
		"entity_type", inst.EntityType,
		"entity_id", inst.EntityID,
		"status", inst.Status,
	)
	e.lifecycleLog(ctx, inst, db.LogInfo, "Workflow instance created", map[string]any{
		"trigger_event": inst.TriggerEvent,
		"status":        inst.Status,
	})
	e.metrics.IncStarted(def.ID, string(inst.Status))
	e.publishEvent(event.InstanceStarted, inst.ID, "", g.Start.ID, map[string]any{
		"definition_id": def.ID,
		"entity_type":   inst.EntityType,
		"entity_id":     inst.EntityID,
		"status":        inst.Status,
	})

	if inst.Status == db.InstanceRunning {
		if err := e.scheduleNode(ctx, inst, g.Start); err != nil {
			return inst, fmt.Errorf("schedule start node: %w", err)
		}
	}
	return inst, nil
}

// CancelInstance cancels a non-terminal instance together with its Pending
// and Waiting tasks. Locked tasks are left to their worker, which sees the
// terminal instance and cancels the task itself.
func (e *Executor) CancelInstance(ctx context.Context, instanceID, reason string) error {
	ctx, span := e.startSpan(ctx, "CancelInstance", attribute.String("instance_id", instanceID))
	defer span.End()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	now := e.now()
	err = e.saveInstance(ctx, inst, func(i *db.WorkflowInstance) error {
		if i.Status.Terminal() {
			return invalidf("instance %s is already %s", i.ID, i.Status)
		}
		i.Status = db.InstanceCancelled
		i.CompletedAt = &now
		i.UpdatedAt = now
		return nil
	})
	if err != nil {
		return transitionError("cancel instance", err)
	}

	cancelled, err := e.store.CancelTasks(ctx, inst.ID, nil, []db.TaskStatus{db.TaskPending, db.TaskWaiting}, now)
	if err != nil {
		return fmt.Errorf("cancel pending tasks: %w", err)
	}

	e.logger.Infow("Workflow instance cancelled", "instance_id", inst.ID, "cancelled_tasks", cancelled, "reason", reason)
	e.lifecycleLog(ctx, inst, db.LogInfo, "Workflow instance cancelled", map[string]any{
		"reason":          reason,
		"cancelled_tasks": cancelled,
	})
	e.metrics.IncTransition(string(db.InstanceCancelled))
	e.publishEvent(event.InstanceCancelled, inst.ID, "", ptrStr(inst.CurrentNodeID), map[string]any{"reason": reason})
	return nil
}

// PauseInstance suspends a Running instance. Work already queued stays queued
// but completions no longer advance the graph until the instance resumes.
func (e *Executor) PauseInstance(ctx context.Context, instanceID string) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	err = e.saveInstance(ctx, inst, func(i *db.WorkflowInstance) error {
		if i.Status != db.InstanceRunning {
			return invalidf("only running instances can be paused, instance %s is %s", i.ID, i.Status)
		}
		i.Status = db.InstancePaused
		i.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		return transitionError("pause instance", err)
	}

	e.logger.Infow("Workflow instance paused", "instance_id", inst.ID)
	e.lifecycleLog(ctx, inst, db.LogInfo, "Workflow instance paused", nil)
	e.metrics.IncTransition(string(db.InstancePaused))
	e.publishEvent(event.InstancePaused, inst.ID, "", ptrStr(inst.CurrentNodeID), nil)
	return nil
}

// ResumeInstance returns a Paused instance to Running and continues any
// advancement held back while it was paused
func (e *Executor) ResumeInstance(ctx context.Context, instanceID string) error {
	ctx, span := e.startSpan(ctx, "ResumeInstance", attribute.String("instance_id", instanceID))
	defer span.End()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	err = e.saveInstance(ctx, inst, func(i *db.WorkflowInstance) error {
		if i.Status != db.InstancePaused {
			return invalidf("only paused instances can be resumed, instance %s is %s", i.ID, i.Status)
		}
		i.Status = db.InstanceRunning
		i.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		return transitionError("resume instance", err)
	}

	e.logger.Infow("Workflow instance resumed", "instance_id", inst.ID)
	e.lifecycleLog(ctx, inst, db.LogInfo, "Workflow instance resumed", nil)
	e.metrics.IncTransition(string(db.InstanceRunning))
	e.publishEvent(event.InstanceResumed, inst.ID, "", ptrStr(inst.CurrentNodeID), nil)

	return e.resumeAdvance(ctx, inst)
}

// RetryInstance restarts a Failed instance at its current node
func (e *Executor) RetryInstance(ctx context.Context, instanceID string) error {
	ctx, span := e.startSpan(ctx, "RetryInstance", attribute.String("instance_id", instanceID))
	defer span.End()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != db.InstanceFailed {
		return invalidf("only failed instances can be retried, instance %s is %s", inst.ID, inst.Status)
	}

	var node *db.WorkflowNode
	if inst.CurrentNodeID != nil {
		node, err = e.store.GetNode(ctx, *inst.CurrentNodeID)
		if err != nil {
			return fmt.Errorf("get current node: %w", err)
		}
	} else {
		g, err := e.loadGraph(ctx, inst.VersionID)
		if err != nil {
			return fmt.Errorf("load graph: %w", err)
		}
		if g.Start == nil {
			return invalidf("workflow version %s has no start node", inst.VersionID)
		}
		node = g.Start
	}

	now := e.now()
	var timeout *time.Time
	if def, err := e.store.GetDefinition(ctx, inst.DefinitionID); err == nil && def.DefaultTimeoutHours != nil && *def.DefaultTimeoutHours > 0 {
		timeout = timePtr(now.Add(time.Duration(*def.DefaultTimeoutHours) * time.Hour))
	}
	err = e.saveInstance(ctx, inst, func(i *db.WorkflowInstance) error {
		if i.Status != db.InstanceFailed {
			return invalidf("only failed instances can be retried, instance %s is %s", i.ID, i.Status)
		}
		i.Status = db.InstanceRunning
		i.RetryCount++
		i.ErrorMessage = nil
		i.ErrorStackTrace = nil
		i.CompletedAt = nil
		i.UpdatedAt = now
		if i.TimeoutAt != nil && !i.TimeoutAt.After(now) {
			i.TimeoutAt = timeout
		}
		return nil
	})
	if err != nil {
		return transitionError("retry instance", err)
	}

	e.logger.Infow("Workflow instance retried", "instance_id", inst.ID, "retry_count", inst.RetryCount, "node_key", node.NodeKey)
	e.lifecycleLog(ctx, inst, db.LogInfo, "Workflow instance retried", map[string]any{"retry_count": inst.RetryCount})
	e.metrics.IncTransition(string(db.InstanceRunning))
	e.publishEvent(event.InstanceRetried, inst.ID, "", node.ID, map[string]any{"retry_count": inst.RetryCount})

	return e.scheduleNode(ctx, inst, node)
}

// ─── Sweeps ───

// ActivateScheduledInstances starts Pending instances whose scheduled time has come
func (e *Executor) ActivateScheduledInstances(ctx context.Context, limit int) (int, error) {
	due, err := e.store.ListDueScheduledInstances(ctx, e.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list scheduled instances: %w", err)
	}

	activated := 0
	for _, inst := range due {
		if err := e.activate(ctx, inst); err != nil {
			if errors.Is(err, errInstanceSettled) {
				continue
			}
			e.logger.Errorw("Failed to activate scheduled instance", "instance_id", inst.ID, "error", err)
			continue
		}
		activated++
	}
	e.metrics.AddSweep("scheduled", activated)
	return activated, nil
}

func (e *Executor) activate(ctx context.Context, inst *db.WorkflowInstance) error {
	g, err := e.loadGraph(ctx, inst.VersionID)
	if err != nil {
		return fmt.Errorf("load graph: %w", err)
	}
	node := g.Start
	if inst.CurrentNodeID != nil {
		if n := g.Node(*inst.CurrentNodeID); n != nil {
			node = n
		}
	}
	if node == nil {
		return e.failInstance(ctx, inst, "workflow version has no start node", nil)
	}

	now := e.now()
	err = e.saveInstance(ctx, inst, func(i *db.WorkflowInstance) error {
		if i.Status != db.InstancePending {
			return errInstanceSettled
		}
		i.Status = db.InstanceRunning
		i.StartedAt = &now
		i.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, errInstanceSettled) {
			return err
		}
		return fmt.Errorf("activate instance: %w", err)
	}

	e.logger.Infow("Activated scheduled workflow instance", "instance_id", inst.ID)
	e.lifecycleLog(ctx, inst, db.LogInfo, "Workflow instance started", nil)
	e.metrics.IncTransition(string(db.InstanceRunning))
	return e.scheduleNode(ctx, inst, node)
}

// TimeoutInstances fails Running and Paused instances past their timeout
func (e *Executor) TimeoutInstances(ctx context.Context, limit int) (int, error) {
	expired, err := e.store.ListTimedOutInstances(ctx, e.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list timed out instances: %w", err)
	}

	failed := 0
	for _, inst := range expired {
		if err := e.failInstance(ctx, inst, "instance timed out", nil); err != nil {
			if errors.Is(err, errInstanceSettled) {
				continue
			}
			e.logger.Errorw("Failed to time out instance", "instance_id", inst.ID, "error", err)
			continue
		}
		failed++
	}
	e.metrics.AddSweep("timeouts", failed)
	return failed, nil
}

// transitionError keeps guard failures unwrapped and annotates store failures
func transitionError(op string, err error) error {
	if errors.Is(err, ErrInvalidOperation) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
