package db

import "time"

// ─── Workflow definitions ───

// DefinitionStatus is the lifecycle state of a workflow definition
type DefinitionStatus string

const (
	DefinitionDraft    DefinitionStatus = "draft"
	DefinitionActive   DefinitionStatus = "active"
	DefinitionArchived DefinitionStatus = "archived"
)

// WorkflowDefinition is a named, versioned process bound to one entity type
type WorkflowDefinition struct {
	ID                     string           `json:"id"`
	Name                   string           `json:"name"`
	Description            *string          `json:"description"`
	EntityType             string           `json:"entity_type"` // e.g. "Contact"
	Status                 DefinitionStatus `json:"status"`
	Priority               int              `json:"priority"`
	MaxConcurrentInstances int              `json:"max_concurrent_instances"` // 0 = unlimited
	DefaultTimeoutHours    *int             `json:"default_timeout_hours"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
}

// WorkflowVersion is one immutable node graph of a definition
type WorkflowVersion struct {
	ID            string    `json:"id"`
	DefinitionID  string    `json:"definition_id"`
	VersionNumber int       `json:"version_number"`
	IsActive      bool      `json:"is_active"`
	ChangeLog     *string   `json:"change_log"`
	CreatedAt     time.Time `json:"created_at"`
}

// NodeType is the kind of step a node performs
type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeHumanTask NodeType = "human_task"
	NodeAction    NodeType = "action"
	NodeLLMAction NodeType = "llm_action"
	NodeWait      NodeType = "wait"
)

// WorkflowNode is a typed step in a version graph
type WorkflowNode struct {
	ID                    string   `json:"id"`
	VersionID             string   `json:"version_id"`
	NodeKey               string   `json:"node_key"` // unique within the version
	Name                  string   `json:"name"`
	Type                  NodeType `json:"type"`
	IsStartNode           bool     `json:"is_start_node"`
	ExecutionOrder        int      `json:"execution_order"`
	RetryCount            int      `json:"retry_count"`
	RetryDelaySeconds     int      `json:"retry_delay_seconds"`
	UseExponentialBackoff bool     `json:"use_exponential_backoff"`
	TimeoutMinutes        *int     `json:"timeout_minutes"`
	AssignedUserID        *string  `json:"assigned_user_id"`
	AssignedRole          *string  `json:"assigned_role"`
	FormSchema            *string  `json:"form_schema"`   // JSON
	Configuration         *string  `json:"configuration"` // JSON, opaque to the engine
}

// WorkflowTransition is a directed edge between two nodes of a version
type WorkflowTransition struct {
	ID         string  `json:"id"`
	VersionID  string  `json:"version_id"`
	FromNodeID string  `json:"from_node_id"`
	ToNodeID   string  `json:"to_node_id"`
	Name       *string `json:"name"`
	Priority   int     `json:"priority"`  // higher is evaluated first
	Condition  *string `json:"condition"` // JSON-encoded rules.Condition, nil = unguarded
}

// ─── Instances ───

// InstanceStatus is the lifecycle state of a workflow instance
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstancePaused    InstanceStatus = "paused"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether no further work may be scheduled for the status
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCancelled
}

// WorkflowInstance is one execution of a version against a business entity
type WorkflowInstance struct {
	ID              string         `json:"id"`
	DefinitionID    string         `json:"definition_id"`
	VersionID       string         `json:"version_id"`
	EntityType      string         `json:"entity_type"`
	EntityID        int64          `json:"entity_id"`
	Status          InstanceStatus `json:"status"`
	CurrentNodeID   *string        `json:"current_node_id"`
	TriggerEvent    string         `json:"trigger_event"`
	TriggeredByID   *string        `json:"triggered_by_id"`
	InputData       *string        `json:"input_data"`  // JSON
	StateData       *string        `json:"state_data"`  // JSON
	OutputData      *string        `json:"output_data"` // JSON
	ScheduledAt     *time.Time     `json:"scheduled_at"`
	StartedAt       *time.Time     `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at"`
	TimeoutAt       *time.Time     `json:"timeout_at"`
	RetryCount      int            `json:"retry_count"`
	ErrorMessage    *string        `json:"error_message"`
	ErrorStackTrace *string        `json:"error_stack_trace"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Version         int            `json:"version"` // optimistic concurrency token
}

// NodeInstanceStatus is the state of one node execution attempt
type NodeInstanceStatus string

const (
	NodePending   NodeInstanceStatus = "pending"
	NodeWaiting   NodeInstanceStatus = "waiting"
	NodeRunning   NodeInstanceStatus = "running"
	NodeCompleted NodeInstanceStatus = "completed"
	NodeFailed    NodeInstanceStatus = "failed"
	NodeRetrying  NodeInstanceStatus = "retrying"
	NodeSkipped   NodeInstanceStatus = "skipped"
)

// NodeInstance is one execution attempt of one node within an instance
type NodeInstance struct {
	ID                string             `json:"id"`
	InstanceID        string             `json:"instance_id"`
	NodeID            string             `json:"node_id"`
	Status            NodeInstanceStatus `json:"status"`
	ExecutionSequence int                `json:"execution_sequence"`
	StartedAt         *time.Time         `json:"started_at"`
	CompletedAt       *time.Time         `json:"completed_at"`
	DurationMs        *int64             `json:"duration_ms"`
	RetryCount        int                `json:"retry_count"`
	NextRetryAt       *time.Time         `json:"next_retry_at"`
	InputData         *string            `json:"input_data"`
	OutputData        *string            `json:"output_data"`
	ErrorMessage      *string            `json:"error_message"`
	ErrorStackTrace   *string            `json:"error_stack_trace"`
	TransitionTakenID *string            `json:"transition_taken_id"`
	SkipReason        *string            `json:"skip_reason"`
	CreatedAt         time.Time          `json:"created_at"`
}

// ─── Tasks ───

// TaskType tells a worker what kind of work a task is
type TaskType string

const (
	TaskHuman     TaskType = "human"
	TaskAutomated TaskType = "automated"
	TaskLLM       TaskType = "llm"
	TaskTimer     TaskType = "timer"
)

// TaskStatus is the dispatch state of a task
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskWaiting    TaskStatus = "waiting"
	TaskLocked     TaskStatus = "locked"
	TaskCompleted  TaskStatus = "completed"
	TaskRetrying   TaskStatus = "retrying"
	TaskDeadLetter TaskStatus = "dead_letter"
	TaskCancelled  TaskStatus = "cancelled"
)

// Queue names
const (
	QueueDefault = "default"
	QueueHuman   = "human"
	QueueAction  = "action"
	QueueLLM     = "llm"
	QueueTimer   = "timer"
)

// WorkflowTask is a durable unit of work dispatched to workers
type WorkflowTask struct {
	ID                    string     `json:"id"`
	InstanceID            string     `json:"instance_id"`
	NodeID                string     `json:"node_id"`
	NodeInstanceID        *string    `json:"node_instance_id"`
	TaskType              TaskType   `json:"task_type"`
	QueueName             string     `json:"queue_name"`
	Priority              int        `json:"priority"`
	Status                TaskStatus `json:"status"`
	AssignedToUserID      *string    `json:"assigned_to_user_id"`
	AssignedToRole        *string    `json:"assigned_to_role"`
	LockedByWorkerID      *string    `json:"locked_by_worker_id"`
	PickedAt              *time.Time `json:"picked_at"`
	LockExpiresAt         *time.Time `json:"lock_expires_at"`
	ScheduledAt           *time.Time `json:"scheduled_at"`
	DueAt                 *time.Time `json:"due_at"`
	TimeoutAt             *time.Time `json:"timeout_at"`
	MaxRetries            int        `json:"max_retries"`
	RetryCount            int        `json:"retry_count"`
	RetryDelaySeconds     int        `json:"retry_delay_seconds"`
	UseExponentialBackoff bool       `json:"use_exponential_backoff"`
	NextRetryAt           *time.Time `json:"next_retry_at"`
	DeadLetterReason      *string    `json:"dead_letter_reason"`
	DeadLetteredAt        *time.Time `json:"dead_lettered_at"`
	InputData             *string    `json:"input_data"`
	OutputData            *string    `json:"output_data"`
	FormSchema            *string    `json:"form_schema"`
	ErrorMessage          *string    `json:"error_message"`
	CompletedAt           *time.Time `json:"completed_at"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	Version               int        `json:"version"` // optimistic concurrency token
}

// LockExpired reports whether the task's lock, if any, has lapsed at now
func (t *WorkflowTask) LockExpired(now time.Time) bool {
	return t.LockExpiresAt == nil || !t.LockExpiresAt.After(now)
}

// ─── Audit log ───

// LogLevel is the severity of a workflow log entry
type LogLevel string

const (
	LogDebug   LogLevel = "debug"
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// WorkflowLog is an append-only audit entry of an instance
type WorkflowLog struct {
	ID             string    `json:"id"`
	InstanceID     string    `json:"instance_id"`
	NodeID         *string   `json:"node_id"`
	NodeInstanceID *string   `json:"node_instance_id"`
	Level          LogLevel  `json:"level"`
	Category       string    `json:"category"` // lifecycle / node / task / transition
	Message        string    `json:"message"`
	Details        *string   `json:"details"` // JSON
	WorkerID       *string   `json:"worker_id"`
	UserID         *string   `json:"user_id"`
	DurationMs     *int64    `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// ─── Simple rule engine ───

// Workflow is a rule-based workflow evaluated when entities change
type Workflow struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	EntityType string    `json:"entity_type"`
	IsActive   bool      `json:"is_active"`
	Priority   int       `json:"priority"`
	CreatedAt  time.Time `json:"created_at"`
}

// WorkflowRule routes matching entities to a target user group
type WorkflowRule struct {
	ID                string                  `json:"id"`
	WorkflowID        string                  `json:"workflow_id"`
	Name              string                  `json:"name"`
	IsEnabled         bool                    `json:"is_enabled"`
	Priority          int                     `json:"priority"`
	ConditionLogic    string                  `json:"condition_logic"` // AND / OR
	TargetUserGroupID *int64                  `json:"target_user_group_id"`
	Conditions        []WorkflowRuleCondition `json:"conditions"`
}

// WorkflowRuleCondition is one comparison of a rule
type WorkflowRuleCondition struct {
	ID         string  `json:"id"`
	RuleID     string  `json:"rule_id"`
	FieldName  string  `json:"field_name"`
	Operator   string  `json:"operator"`
	Value      string  `json:"value"`
	Value2     *string `json:"value2"`
	OrderIndex int     `json:"order_index"`
}

// WorkflowExecution is the audit record of a matched rule
type WorkflowExecution struct {
	ID                string    `json:"id"`
	WorkflowID        string    `json:"workflow_id"`
	RuleID            string    `json:"rule_id"`
	EntityType        string    `json:"entity_type"`
	EntityID          int64     `json:"entity_id"`
	TargetUserGroupID *int64    `json:"target_user_group_id"`
	EntitySnapshot    string    `json:"entity_snapshot"` // JSON
	ExecutedAt        time.Time `json:"executed_at"`
}

// ─── Campaigns ───

// MarketingCampaign is the subset of a CRM campaign the orchestrator reads
type MarketingCampaign struct {
	ID                    int64  `json:"id"`
	Name                  string `json:"name"`
	IsABTest              bool   `json:"is_ab_test"`
	ABTestSplitPercentage int    `json:"ab_test_split_percentage"` // share of variant A
}

// CampaignWorkflow links a campaign to a workflow definition for a trigger event
type CampaignWorkflow struct {
	ID                      string    `json:"id"`
	CampaignID              int64     `json:"campaign_id"`
	DefinitionID            string    `json:"definition_id"`
	TriggerEvent            string    `json:"trigger_event"`
	IsActive                bool      `json:"is_active"`
	MaxExecutionsPerContact int       `json:"max_executions_per_contact"`
	CooldownHours           *int      `json:"cooldown_hours"`
	TriggerConditions       *string   `json:"trigger_conditions"` // JSON key → value
	IsDeleted               bool      `json:"is_deleted"`
	CreatedAt               time.Time `json:"created_at"`
}

// CampaignRecipient is one recipient of a campaign and its engagement counters
type CampaignRecipient struct {
	ID              int64      `json:"id"`
	CampaignID      int64      `json:"campaign_id"`
	ContactID       *int64     `json:"contact_id"`
	CustomerID      *int64     `json:"customer_id"`
	Email           string     `json:"email"`
	OpenCount       int        `json:"open_count"`
	FirstOpenedAt   *time.Time `json:"first_opened_at"`
	LastOpenedAt    *time.Time `json:"last_opened_at"`
	ClickCount      int        `json:"click_count"`
	FirstClickedAt  *time.Time `json:"first_clicked_at"`
	LastClickedAt   *time.Time `json:"last_clicked_at"`
	ConvertedAt     *time.Time `json:"converted_at"`
	ConversionValue *float64   `json:"conversion_value"`
	ABTestVariant   *string    `json:"ab_test_variant"`
}

// ContactHistory summarises prior instances of a definition for one contact
type ContactHistory struct {
	Count      int
	LastCreate *time.Time
}
