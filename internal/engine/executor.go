package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sunshow/crmflow/internal/db"
	"github.com/sunshow/crmflow/internal/event"
	"github.com/sunshow/crmflow/internal/metrics"
	"github.com/sunshow/crmflow/internal/rules"
)

var (
	// ErrInvalidOperation is wrapped by every admission and guard failure
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrConcurrencyLimit is returned when a definition has reached its running-instance cap
	ErrConcurrencyLimit = fmt.Errorf("%w: concurrent instance limit reached", ErrInvalidOperation)
	// ErrLockNotHeld is returned when a worker reports on a task it no longer holds
	ErrLockNotHeld = fmt.Errorf("%w: task lock not held", ErrInvalidOperation)

	// errInstanceSettled stops a pending instance write whose precondition no longer holds
	errInstanceSettled = errors.New("instance settled")
)

// instanceWriteAttempts bounds how often a write that lost a version race is re-applied
const instanceWriteAttempts = 5

// Log categories of the workflow audit trail
const (
	CategoryLifecycle  = "lifecycle"
	CategoryNode       = "node"
	CategoryTask       = "task"
	CategoryTransition = "transition"
)

var tracer = otel.Tracer("github.com/sunshow/crmflow/internal/engine")

// Store is the persistence contract of the instance state machine
type Store interface {
	GetDefinition(ctx context.Context, id string) (*db.WorkflowDefinition, error)
	CreateDefinition(ctx context.Context, d *db.WorkflowDefinition) error
	UpdateDefinitionStatus(ctx context.Context, id string, status db.DefinitionStatus) error
	CreateVersion(ctx context.Context, v *db.WorkflowVersion, nodes []*db.WorkflowNode, transitions []*db.WorkflowTransition) error
	GetActiveVersion(ctx context.Context, definitionID string) (*db.WorkflowVersion, error)
	ActivateVersion(ctx context.Context, definitionID, versionID string) error
	GetNode(ctx context.Context, id string) (*db.WorkflowNode, error)
	ListNodes(ctx context.Context, versionID string) ([]*db.WorkflowNode, error)
	ListTransitions(ctx context.Context, versionID string) ([]*db.WorkflowTransition, error)

	CreateInstance(ctx context.Context, i *db.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*db.WorkflowInstance, error)
	UpdateInstance(ctx context.Context, i *db.WorkflowInstance) error
	CountInstances(ctx context.Context, definitionID string, status db.InstanceStatus) (int, error)
	ListDueScheduledInstances(ctx context.Context, now time.Time, limit int) ([]*db.WorkflowInstance, error)
	ListTimedOutInstances(ctx context.Context, now time.Time, limit int) ([]*db.WorkflowInstance, error)

	CreateNodeInstance(ctx context.Context, n *db.NodeInstance) error
	GetNodeInstance(ctx context.Context, id string) (*db.NodeInstance, error)
	UpdateNodeInstance(ctx context.Context, n *db.NodeInstance) error
	CountNodeInstances(ctx context.Context, instanceID string) (int, error)
	ListNodeInstances(ctx context.Context, instanceID string) ([]*db.NodeInstance, error)
	LatestNodeInstance(ctx context.Context, instanceID, nodeID string) (*db.NodeInstance, error)

	CreateTask(ctx context.Context, t *db.WorkflowTask) error
	GetTask(ctx context.Context, id string) (*db.WorkflowTask, error)
	UpdateTask(ctx context.Context, t *db.WorkflowTask) error
	ListPendingTasks(ctx context.Context, queue, workerID string, now time.Time, limit int) ([]*db.WorkflowTask, error)
	ListTasks(ctx context.Context, instanceID string, statuses ...db.TaskStatus) ([]*db.WorkflowTask, error)
	ListHumanTasks(ctx context.Context, userID string, roles []string) ([]*db.WorkflowTask, error)
	CancelTasks(ctx context.Context, instanceID string, nodeID *string, statuses []db.TaskStatus, now time.Time) (int, error)
	RequeueDueRetries(ctx context.Context, now time.Time) (int, error)
	ReleaseExpiredLocks(ctx context.Context, now time.Time) (int, error)

	AppendLog(ctx context.Context, l *db.WorkflowLog) error
	ListLogs(ctx context.Context, instanceID string) ([]*db.WorkflowLog, error)
}

// Option configures an Executor
type Option func(*Executor)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithEventBus publishes engine events on bus
func WithEventBus(bus *event.Bus) Option {
	return func(e *Executor) { e.eventBus = bus }
}

// WithMetrics records engine metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// Executor is the workflow instance state machine and task queue
type Executor struct {
	store    Store
	eventBus *event.Bus
	metrics  *metrics.Metrics
	matcher  *rules.Matcher
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// NewExecutor creates a new executor
func NewExecutor(store Store, logger *zap.SugaredLogger, opts ...Option) *Executor {
	e := &Executor{
		store:   store,
		matcher: rules.NewMatcher(rules.NewEvaluator(logger)),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ─── Queries ───

// GetInstance returns an instance by ID
func (e *Executor) GetInstance(ctx context.Context, id string) (*db.WorkflowInstance, error) {
	return e.store.GetInstance(ctx, id)
}

// GetTask returns a task by ID
func (e *Executor) GetTask(ctx context.Context, id string) (*db.WorkflowTask, error) {
	return e.store.GetTask(ctx, id)
}

// GetInstanceLogs returns the audit log of an instance
func (e *Executor) GetInstanceLogs(ctx context.Context, instanceID string) ([]*db.WorkflowLog, error) {
	return e.store.ListLogs(ctx, instanceID)
}

// GetNodeInstances returns the node executions of an instance in sequence order
func (e *Executor) GetNodeInstances(ctx context.Context, instanceID string) ([]*db.NodeInstance, error) {
	return e.store.ListNodeInstances(ctx, instanceID)
}

// GetInstanceTasks returns the tasks of an instance, optionally filtered by status
func (e *Executor) GetInstanceTasks(ctx context.Context, instanceID string, statuses ...db.TaskStatus) ([]*db.WorkflowTask, error) {
	return e.store.ListTasks(ctx, instanceID, statuses...)
}

// ─── Helpers ───

// saveInstance applies change to inst and writes it under the version guard.
// When another writer got there first, inst is reloaded in place and change
// runs again on the fresh row, so status checks inside change always see the
// stored status. An error from change is returned as is.
func (e *Executor) saveInstance(ctx context.Context, inst *db.WorkflowInstance, change func(*db.WorkflowInstance) error) error {
	for attempt := 1; ; attempt++ {
		if err := change(inst); err != nil {
			return err
		}
		err := e.store.UpdateInstance(ctx, inst)
		if err == nil {
			return nil
		}
		if !errors.Is(err, db.ErrConcurrencyConflict) || attempt == instanceWriteAttempts {
			return err
		}
		e.logger.Debugw("Instance changed concurrently, reapplying", "instance_id", inst.ID, "attempt", attempt)
		fresh, err := e.store.GetInstance(ctx, inst.ID)
		if err != nil {
			return err
		}
		*inst = *fresh
	}
}

// ignoreSettled drops errInstanceSettled
func ignoreSettled(err error) error {
	if errors.Is(err, errInstanceSettled) {
		return nil
	}
	return err
}

func (e *Executor) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "engine."+name, trace.WithAttributes(attrs...))
}

// writeLog appends an audit entry. Failures are logged and swallowed.
func (e *Executor) writeLog(ctx context.Context, entry *db.WorkflowLog) {
	entry.ID = uuid.New().String()
	entry.CreatedAt = e.now()
	if err := e.store.AppendLog(ctx, entry); err != nil {
		e.logger.Errorw("Failed to append workflow log",
			"instance_id", entry.InstanceID,
			"category", entry.Category,
			"error", err,
		)
	}
}

func (e *Executor) lifecycleLog(ctx context.Context, inst *db.WorkflowInstance, level db.LogLevel, msg string, details map[string]any) {
	entry := &db.WorkflowLog{
		InstanceID: inst.ID,
		NodeID:     inst.CurrentNodeID,
		Level:      level,
		Category:   CategoryLifecycle,
		Message:    msg,
	}
	if details != nil {
		entry.Details = jsonStr(details)
	}
	e.writeLog(ctx, entry)
}

// publishEvent is a helper to publish events through the event bus
func (e *Executor) publishEvent(eventType, instanceID, taskID, nodeID string, data map[string]any) {
	e.eventBus.Publish(&event.Event{
		Type:       eventType,
		InstanceID: instanceID,
		TaskID:     taskID,
		NodeID:     nodeID,
		Data:       data,
		Timestamp:  e.now().UnixMilli(),
	})
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOperation, fmt.Sprintf(format, args...))
}

// ptrStr safely dereferences a string pointer
func ptrStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// strPtr creates a pointer to a string
func strPtr(s string) *string {
	return &s
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// jsonStr marshals a value to JSON string pointer
func jsonStr(v any) *string {
	b, _ := json.Marshal(v)
	s := string(b)
	return &s
}

// decodeObject parses a JSON object; anything else yields an empty map
func decodeObject(raw *string) map[string]any {
	out := map[string]any{}
	if raw == nil || *raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(*raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
