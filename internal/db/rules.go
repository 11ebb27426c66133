package db

import (
	"context"
	"fmt"
)

// ─── Rule Engine Queries ───

// CreateWorkflow inserts a rule-based workflow
func (c *Client) CreateWorkflow(ctx context.Context, w *Workflow) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO workflows (id, name, entity_type, is_active, priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, w.ID, w.Name, w.EntityType, w.IsActive, w.Priority, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

// CreateRule inserts a rule and its conditions
func (c *Client) CreateRule(ctx context.Context, r *WorkflowRule) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create rule: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_rules (id, workflow_id, name, is_enabled, priority, condition_logic, target_user_group_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.WorkflowID, r.Name, r.IsEnabled, r.Priority, r.ConditionLogic, r.TargetUserGroupID)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	for _, cond := range r.Conditions {
		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_rule_conditions (id, rule_id, field_name, operator, value, value2, order_index)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, cond.ID, r.ID, cond.FieldName, cond.Operator, cond.Value, cond.Value2, cond.OrderIndex)
		if err != nil {
			return fmt.Errorf("insert rule condition: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// ListActiveWorkflows returns active workflows for an entity type, highest priority first
func (c *Client) ListActiveWorkflows(ctx context.Context, entityType string) ([]*Workflow, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, name, entity_type, is_active, priority, created_at
		FROM workflows WHERE entity_type = $1 AND is_active
		ORDER BY priority DESC, created_at ASC
	`, entityType)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var result []*Workflow
	for rows.Next() {
		var w Workflow
		if err := rows.Scan(&w.ID, &w.Name, &w.EntityType, &w.IsActive, &w.Priority, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		result = append(result, &w)
	}
	return result, rows.Err()
}

// ListRules returns every rule of a workflow with its conditions in order
func (c *Client) ListRules(ctx context.Context, workflowID string) ([]*WorkflowRule, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, workflow_id, name, is_enabled, priority, condition_logic, target_user_group_id
		FROM workflow_rules WHERE workflow_id = $1
		ORDER BY priority DESC, id ASC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	var result []*WorkflowRule
	byID := map[string]*WorkflowRule{}
	for rows.Next() {
		var r WorkflowRule
		if err := rows.Scan(&r.ID, &r.WorkflowID, &r.Name, &r.IsEnabled, &r.Priority, &r.ConditionLogic, &r.TargetUserGroupID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		result = append(result, &r)
		byID[r.ID] = &r
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	if len(result) == 0 {
		return nil, nil
	}

	condRows, err := c.pool.Query(ctx, `
		SELECT c.id, c.rule_id, c.field_name, c.operator, c.value, c.value2, c.order_index
		FROM workflow_rule_conditions c
		JOIN workflow_rules r ON r.id = c.rule_id
		WHERE r.workflow_id = $1
		ORDER BY c.rule_id, c.order_index ASC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list rule conditions: %w", err)
	}
	defer condRows.Close()

	for condRows.Next() {
		var cond WorkflowRuleCondition
		if err := condRows.Scan(&cond.ID, &cond.RuleID, &cond.FieldName, &cond.Operator, &cond.Value, &cond.Value2, &cond.OrderIndex); err != nil {
			return nil, fmt.Errorf("scan rule condition: %w", err)
		}
		if r, ok := byID[cond.RuleID]; ok {
			r.Conditions = append(r.Conditions, cond)
		}
	}
	return result, condRows.Err()
}

// CreateExecution records a matched rule
func (c *Client) CreateExecution(ctx context.Context, e *WorkflowExecution) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO workflow_executions (id, workflow_id, rule_id, entity_type, entity_id,
			target_user_group_id, entity_snapshot, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.WorkflowID, e.RuleID, e.EntityType, e.EntityID, e.TargetUserGroupID, e.EntitySnapshot, e.ExecutedAt)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// ListExecutions returns the executions recorded for an entity, newest first
func (c *Client) ListExecutions(ctx context.Context, entityType string, entityID int64) ([]*WorkflowExecution, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, workflow_id, rule_id, entity_type, entity_id, target_user_group_id, entity_snapshot, executed_at
		FROM workflow_executions WHERE entity_type = $1 AND entity_id = $2
		ORDER BY executed_at DESC
	`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var result []*WorkflowExecution
	for rows.Next() {
		var e WorkflowExecution
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.RuleID, &e.EntityType, &e.EntityID,
			&e.TargetUserGroupID, &e.EntitySnapshot, &e.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}
