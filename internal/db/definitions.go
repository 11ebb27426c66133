package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ─── Definition Queries ───

const definitionColumns = `id, name, description, entity_type, status, priority,
	max_concurrent_instances, default_timeout_hours, created_at, updated_at`

func scanDefinition(row scanner) (*WorkflowDefinition, error) {
	var d WorkflowDefinition
	err := row.Scan(&d.ID, &d.Name, &d.Description, &d.EntityType, &d.Status, &d.Priority,
		&d.MaxConcurrentInstances, &d.DefaultTimeoutHours, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDefinition inserts a workflow definition
func (c *Client) CreateDefinition(ctx context.Context, d *WorkflowDefinition) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO workflow_definitions (`+definitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, d.ID, d.Name, d.Description, d.EntityType, d.Status, d.Priority,
		d.MaxConcurrentInstances, d.DefaultTimeoutHours, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create definition: %w", err)
	}
	return nil
}

// GetDefinition retrieves a workflow definition by ID
func (c *Client) GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error) {
	d, err := scanDefinition(c.pool.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get definition")
	}
	return d, nil
}

// UpdateDefinitionStatus sets the status of a definition
func (c *Client) UpdateDefinitionStatus(ctx context.Context, id string, status DefinitionStatus) error {
	tag, err := c.pool.Exec(ctx, `
		UPDATE workflow_definitions SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update definition status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update definition status: %w", ErrNotFound)
	}
	return nil
}

// CreateVersion inserts a version together with its nodes and transitions in one transaction
func (c *Client) CreateVersion(ctx context.Context, v *WorkflowVersion, nodes []*WorkflowNode, transitions []*WorkflowTransition) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create version: %w", err)
	}
	defer tx.Rollback(ctx)

	if v.VersionNumber == 0 {
		err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(version_number), 0) + 1 FROM workflow_versions WHERE definition_id = $1
		`, v.DefinitionID).Scan(&v.VersionNumber)
		if err != nil {
			return fmt.Errorf("next version number: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_versions (id, definition_id, version_number, is_active, change_log, created_at)
		VALUES ($1, $2, $3, FALSE, $4, $5)
	`, v.ID, v.DefinitionID, v.VersionNumber, v.ChangeLog, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}

	batch := &pgx.Batch{}
	for _, n := range nodes {
		batch.Queue(`
			INSERT INTO workflow_nodes (id, version_id, node_key, name, type, is_start_node, execution_order,
				retry_count, retry_delay_seconds, use_exponential_backoff, timeout_minutes,
				assigned_user_id, assigned_role, form_schema, configuration)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, n.ID, v.ID, n.NodeKey, n.Name, n.Type, n.IsStartNode, n.ExecutionOrder,
			n.RetryCount, n.RetryDelaySeconds, n.UseExponentialBackoff, n.TimeoutMinutes,
			n.AssignedUserID, n.AssignedRole, n.FormSchema, n.Configuration)
	}
	for _, t := range transitions {
		batch.Queue(`
			INSERT INTO workflow_transitions (id, version_id, from_node_id, to_node_id, name, priority, condition)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, t.ID, v.ID, t.FromNodeID, t.ToNodeID, t.Name, t.Priority, t.Condition)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert version graph: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create version: %w", err)
	}
	return nil
}

// GetActiveVersion returns the active version of a definition, or nil when none is active
func (c *Client) GetActiveVersion(ctx context.Context, definitionID string) (*WorkflowVersion, error) {
	var v WorkflowVersion
	err := c.pool.QueryRow(ctx, `
		SELECT id, definition_id, version_number, is_active, change_log, created_at
		FROM workflow_versions WHERE definition_id = $1 AND is_active
	`, definitionID).Scan(&v.ID, &v.DefinitionID, &v.VersionNumber, &v.IsActive, &v.ChangeLog, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active version: %w", err)
	}
	return &v, nil
}

// ActivateVersion makes versionID the single active version of its definition
func (c *Client) ActivateVersion(ctx context.Context, definitionID, versionID string) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin activate version: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE workflow_versions SET is_active = FALSE WHERE definition_id = $1 AND is_active
	`, definitionID); err != nil {
		return fmt.Errorf("deactivate versions: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE workflow_versions SET is_active = TRUE WHERE id = $1 AND definition_id = $2
	`, versionID, definitionID)
	if err != nil {
		return fmt.Errorf("activate version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("activate version: %w", ErrNotFound)
	}

	return tx.Commit(ctx)
}

const nodeColumns = `id, version_id, node_key, name, type, is_start_node, execution_order,
	retry_count, retry_delay_seconds, use_exponential_backoff, timeout_minutes,
	assigned_user_id, assigned_role, form_schema, configuration`

func scanNode(row scanner) (*WorkflowNode, error) {
	var n WorkflowNode
	err := row.Scan(&n.ID, &n.VersionID, &n.NodeKey, &n.Name, &n.Type, &n.IsStartNode, &n.ExecutionOrder,
		&n.RetryCount, &n.RetryDelaySeconds, &n.UseExponentialBackoff, &n.TimeoutMinutes,
		&n.AssignedUserID, &n.AssignedRole, &n.FormSchema, &n.Configuration)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// GetNode retrieves a node by ID
func (c *Client) GetNode(ctx context.Context, id string) (*WorkflowNode, error) {
	n, err := scanNode(c.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM workflow_nodes WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get node")
	}
	return n, nil
}

// ListNodes returns the nodes of a version ordered by execution order
func (c *Client) ListNodes(ctx context.Context, versionID string) ([]*WorkflowNode, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT `+nodeColumns+` FROM workflow_nodes WHERE version_id = $1
		ORDER BY execution_order ASC, node_key ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*WorkflowNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// ListTransitions returns the transitions of a version, highest priority first
func (c *Client) ListTransitions(ctx context.Context, versionID string) ([]*WorkflowTransition, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, version_id, from_node_id, to_node_id, name, priority, condition
		FROM workflow_transitions WHERE version_id = $1
		ORDER BY priority DESC, id ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var result []*WorkflowTransition
	for rows.Next() {
		var t WorkflowTransition
		if err := rows.Scan(&t.ID, &t.VersionID, &t.FromNodeID, &t.ToNodeID, &t.Name, &t.Priority, &t.Condition); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		result = append(result, &t)
	}
	return result, rows.Err()
}

// ─── Instance Queries ───

const instanceColumns = `id, definition_id, version_id, entity_type, entity_id, status, current_node_id,
	trigger_event, triggered_by_id, input_data, state_data, output_data,
	scheduled_at, started_at, completed_at, timeout_at, retry_count,
	error_message, error_stack_trace, created_at, updated_at, version`

func scanInstance(row scanner) (*WorkflowInstance, error) {
	var i WorkflowInstance
	err := row.Scan(&i.ID, &i.DefinitionID, &i.VersionID, &i.EntityType, &i.EntityID, &i.Status, &i.CurrentNodeID,
		&i.TriggerEvent, &i.TriggeredByID, &i.InputData, &i.StateData, &i.OutputData,
		&i.ScheduledAt, &i.StartedAt, &i.CompletedAt, &i.TimeoutAt, &i.RetryCount,
		&i.ErrorMessage, &i.ErrorStackTrace, &i.CreatedAt, &i.UpdatedAt, &i.Version)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

// CreateInstance inserts a workflow instance with version 1
func (c *Client) CreateInstance(ctx context.Context, i *WorkflowInstance) error {
	if i.Version == 0 {
		i.Version = 1
	}
	_, err := c.pool.Exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`, i.ID, i.DefinitionID, i.VersionID, i.EntityType, i.EntityID, i.Status, i.CurrentNodeID,
		i.TriggerEvent, i.TriggeredByID, i.InputData, i.StateData, i.OutputData,
		i.ScheduledAt, i.StartedAt, i.CompletedAt, i.TimeoutAt, i.RetryCount,
		i.ErrorMessage, i.ErrorStackTrace, i.CreatedAt, i.UpdatedAt, i.Version)
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	return nil
}

// GetInstance retrieves a workflow instance by ID
func (c *Client) GetInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	i, err := scanInstance(c.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get instance")
	}
	return i, nil
}

// UpdateInstance writes every mutable column of an instance guarded by its
// version. On success i.Version is advanced; a stale version yields
// ErrConcurrencyConflict.
func (c *Client) UpdateInstance(ctx context.Context, i *WorkflowInstance) error {
	tag, err := c.pool.Exec(ctx, `
		UPDATE workflow_instances
		SET status = $3, current_node_id = $4, state_data = $5, output_data = $6,
		    scheduled_at = $7, started_at = $8, completed_at = $9, timeout_at = $10,
		    retry_count = $11, error_message = $12, error_stack_trace = $13, updated_at = $14,
		    version = version + 1
		WHERE id = $1 AND version = $2
	`, i.ID, i.Version, i.Status, i.CurrentNodeID, i.StateData, i.OutputData,
		i.ScheduledAt, i.StartedAt, i.CompletedAt, i.TimeoutAt,
		i.RetryCount, i.ErrorMessage, i.ErrorStackTrace, i.UpdatedAt)
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("update instance %s: %w", i.ID, ErrConcurrencyConflict)
		}
		return fmt.Errorf("update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update instance %s: %w", i.ID, ErrConcurrencyConflict)
	}
	i.Version++
	return nil
}

// CountInstances counts instances of a definition in the given status
func (c *Client) CountInstances(ctx context.Context, definitionID string, status InstanceStatus) (int, error) {
	var count int
	err := c.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM workflow_instances WHERE definition_id = $1 AND status = $2
	`, definitionID, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count instances: %w", err)
	}
	return count, nil
}

// ContactHistory counts prior instances of a definition for a contact and returns the latest creation time
func (c *Client) ContactHistory(ctx context.Context, definitionID string, contactID int64) (*ContactHistory, error) {
	var h ContactHistory
	err := c.pool.QueryRow(ctx, `
		SELECT COUNT(*), MAX(created_at) FROM workflow_instances
		WHERE definition_id = $1 AND entity_type = 'Contact' AND entity_id = $2
	`, definitionID, contactID).Scan(&h.Count, &h.LastCreate)
	if err != nil {
		return nil, fmt.Errorf("contact history: %w", err)
	}
	return &h, nil
}

// ListDueScheduledInstances returns pending instances whose scheduled time has elapsed
func (c *Client) ListDueScheduledInstances(ctx context.Context, now time.Time, limit int) ([]*WorkflowInstance, error) {
	return c.queryInstances(ctx, `
		SELECT `+instanceColumns+` FROM workflow_instances
		WHERE status = 'pending' AND (scheduled_at IS NULL OR scheduled_at <= $1)
		ORDER BY scheduled_at ASC NULLS FIRST
		LIMIT $2
	`, now, limit)
}

// ListTimedOutInstances returns running or paused instances past their timeout
func (c *Client) ListTimedOutInstances(ctx context.Context, now time.Time, limit int) ([]*WorkflowInstance, error) {
	return c.queryInstances(ctx, `
		SELECT `+instanceColumns+` FROM workflow_instances
		WHERE status IN ('running', 'paused') AND timeout_at IS NOT NULL AND timeout_at <= $1
		ORDER BY timeout_at ASC
		LIMIT $2
	`, now, limit)
}

func (c *Client) queryInstances(ctx context.Context, sql string, args ...any) ([]*WorkflowInstance, error) {
	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var result []*WorkflowInstance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		result = append(result, i)
	}
	return result, rows.Err()
}

// ─── NodeInstance Queries ───

const nodeInstanceColumns = `id, instance_id, node_id, status, execution_sequence, started_at, completed_at,
	duration_ms, retry_count, next_retry_at, input_data, output_data, error_message, error_stack_trace,
	transition_taken_id, skip_reason, created_at`

func scanNodeInstance(row scanner) (*NodeInstance, error) {
	var n NodeInstance
	err := row.Scan(&n.ID, &n.InstanceID, &n.NodeID, &n.Status, &n.ExecutionSequence, &n.StartedAt, &n.CompletedAt,
		&n.DurationMs, &n.RetryCount, &n.NextRetryAt, &n.InputData, &n.OutputData, &n.ErrorMessage, &n.ErrorStackTrace,
		&n.TransitionTakenID, &n.SkipReason, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNodeInstance inserts a node instance
func (c *Client) CreateNodeInstance(ctx context.Context, n *NodeInstance) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO workflow_node_instances (`+nodeInstanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, n.ID, n.InstanceID, n.NodeID, n.Status, n.ExecutionSequence, n.StartedAt, n.CompletedAt,
		n.DurationMs, n.RetryCount, n.NextRetryAt, n.InputData, n.OutputData, n.ErrorMessage, n.ErrorStackTrace,
		n.TransitionTakenID, n.SkipReason, n.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create node instance: %w", ErrConcurrencyConflict)
		}
		return fmt.Errorf("create node instance: %w", err)
	}
	return nil
}

// GetNodeInstance retrieves a node instance by ID
func (c *Client) GetNodeInstance(ctx context.Context, id string) (*NodeInstance, error) {
	n, err := scanNodeInstance(c.pool.QueryRow(ctx,
		`SELECT `+nodeInstanceColumns+` FROM workflow_node_instances WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get node instance")
	}
	return n, nil
}

// UpdateNodeInstance writes every mutable column of a node instance
func (c *Client) UpdateNodeInstance(ctx context.Context, n *NodeInstance) error {
	tag, err := c.pool.Exec(ctx, `
		UPDATE workflow_node_instances
		SET status = $2, started_at = $3, completed_at = $4, duration_ms = $5, retry_count = $6,
		    next_retry_at = $7, output_data = $8, error_message = $9, error_stack_trace = $10,
		    transition_taken_id = $11, skip_reason = $12
		WHERE id = $1
	`, n.ID, n.Status, n.StartedAt, n.CompletedAt, n.DurationMs, n.RetryCount,
		n.NextRetryAt, n.OutputData, n.ErrorMessage, n.ErrorStackTrace,
		n.TransitionTakenID, n.SkipReason)
	if err != nil {
		return fmt.Errorf("update node instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update node instance: %w", ErrNotFound)
	}
	return nil
}

// CountNodeInstances counts node instances of an instance
func (c *Client) CountNodeInstances(ctx context.Context, instanceID string) (int, error) {
	var count int
	err := c.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM workflow_node_instances WHERE instance_id = $1
	`, instanceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count node instances: %w", err)
	}
	return count, nil
}

// ListNodeInstances returns node instances of an instance in execution order
func (c *Client) ListNodeInstances(ctx context.Context, instanceID string) ([]*NodeInstance, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT `+nodeInstanceColumns+` FROM workflow_node_instances
		WHERE instance_id = $1 ORDER BY execution_sequence ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list node instances: %w", err)
	}
	defer rows.Close()

	var result []*NodeInstance
	for rows.Next() {
		n, err := scanNodeInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node instance: %w", err)
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// LatestNodeInstance returns the most recent node instance for a node, or nil
func (c *Client) LatestNodeInstance(ctx context.Context, instanceID, nodeID string) (*NodeInstance, error) {
	n, err := scanNodeInstance(c.pool.QueryRow(ctx, `
		SELECT `+nodeInstanceColumns+` FROM workflow_node_instances
		WHERE instance_id = $1 AND node_id = $2
		ORDER BY execution_sequence DESC
		LIMIT 1
	`, instanceID, nodeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest node instance: %w", err)
	}
	return n, nil
}
