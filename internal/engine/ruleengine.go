package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/sunshow/crmflow/internal/db"
	"github.com/sunshow/crmflow/internal/event"
	"github.com/sunshow/crmflow/internal/metrics"
	"github.com/sunshow/crmflow/internal/rules"
)

// RuleStore is the persistence contract of the rule engine
type RuleStore interface {
	ListActiveWorkflows(ctx context.Context, entityType string) ([]*db.Workflow, error)
	ListRules(ctx context.Context, workflowID string) ([]*db.WorkflowRule, error)
	CreateExecution(ctx context.Context, e *db.WorkflowExecution) error
}

// snapshotter is implemented by entities that can project their simple fields
type snapshotter interface {
	Snapshot() map[string]any
}

// RuleEngine routes changed entities through rule-based workflows. Every
// active workflow of the entity type contributes at most one execution.
type RuleEngine struct {
	store    RuleStore
	matcher  *rules.Matcher
	eventBus *event.Bus
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// NewRuleEngine creates a rule engine. Clock, bus and metrics options are shared with Executor.
func NewRuleEngine(store RuleStore, logger *zap.SugaredLogger, opts ...Option) *RuleEngine {
	// Reuse Executor options so both engines are configured the same way
	probe := &Executor{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(probe)
	}
	return &RuleEngine{
		store:    store,
		matcher:  rules.NewMatcher(rules.NewEvaluator(logger)),
		eventBus: probe.eventBus,
		metrics:  probe.metrics,
		logger:   logger,
		now:      probe.now,
	}
}

// ExecuteWorkflow evaluates all active workflows for entityType against
// entity and records one execution per matched workflow. It reports whether
// any workflow matched. Failures are logged and reported as false so that the
// triggering business operation is never aborted.
func (r *RuleEngine) ExecuteWorkflow(ctx context.Context, entityType string, entityID int64, entity rules.Entity) (matched bool) {
	ctx, span := tracer.Start(ctx, "engine.ExecuteWorkflow")
	span.SetAttributes(attribute.String("entity_type", entityType), attribute.Int64("entity_id", entityID))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorw("Workflow evaluation panicked",
				"entity_type", entityType,
				"entity_id", entityID,
				"panic", rec,
			)
			matched = false
		}
	}()

	matched, err := r.execute(ctx, entityType, entityID, entity)
	if err != nil {
		r.logger.Errorw("Workflow evaluation failed",
			"entity_type", entityType,
			"entity_id", entityID,
			"error", err,
		)
		return false
	}
	return matched
}

func (r *RuleEngine) execute(ctx context.Context, entityType string, entityID int64, entity rules.Entity) (bool, error) {
	workflows, err := r.store.ListActiveWorkflows(ctx, entityType)
	if err != nil {
		return false, fmt.Errorf("list active workflows: %w", err)
	}

	var snapshot *string
	matched := false
	for _, wf := range workflows {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		ruleSet, err := r.store.ListRules(ctx, wf.ID)
		if err != nil {
			return false, fmt.Errorf("list rules of workflow %s: %w", wf.ID, err)
		}
		rule := r.matcher.Match(ruleSet, entity)
		if rule == nil {
			continue
		}

		if snapshot == nil {
			snapshot = jsonStr(snapshotOf(entity))
		}
		exec := &db.WorkflowExecution{
			ID:                uuid.New().String(),
			WorkflowID:        wf.ID,
			RuleID:            rule.ID,
			EntityType:        entityType,
			EntityID:          entityID,
			TargetUserGroupID: rule.TargetUserGroupID,
			EntitySnapshot:    *snapshot,
			ExecutedAt:        r.now(),
		}
		if err := r.store.CreateExecution(ctx, exec); err != nil {
			return false, fmt.Errorf("record execution: %w", err)
		}

		r.logger.Infow("Workflow rule matched",
			"workflow_id", wf.ID,
			"rule_id", rule.ID,
			"entity_type", entityType,
			"entity_id", entityID,
		)
		r.metrics.IncRuleMatch(entityType)
		r.eventBus.Publish(&event.Event{
			Type: event.RuleMatched,
			Data: map[string]any{
				"workflow_id":          wf.ID,
				"rule_id":              rule.ID,
				"entity_type":          entityType,
				"entity_id":            entityID,
				"target_user_group_id": rule.TargetUserGroupID,
			},
			Timestamp: r.now().UnixMilli(),
		})
		matched = true
	}
	return matched, nil
}

func snapshotOf(entity rules.Entity) map[string]any {
	if s, ok := entity.(snapshotter); ok {
		return s.Snapshot()
	}
	return map[string]any{}
}
