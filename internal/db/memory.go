package db

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process store with the same contract as Client.
// It backs the server when no database url is configured and the tests.
type MemoryStore struct {
	mu sync.Mutex

	definitions       map[string]WorkflowDefinition
	versions          map[string]WorkflowVersion
	nodes             map[string]WorkflowNode
	transitions       map[string]WorkflowTransition
	instances         map[string]WorkflowInstance
	nodeInstances     map[string]NodeInstance
	tasks             map[string]WorkflowTask
	taskSeq           map[string]int64
	logs              []WorkflowLog
	workflows         map[string]Workflow
	rules             map[string]WorkflowRule
	executions        []WorkflowExecution
	campaigns         map[int64]MarketingCampaign
	campaignWorkflows map[string]CampaignWorkflow
	recipients        map[int64]CampaignRecipient

	seq int64
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions:       map[string]WorkflowDefinition{},
		versions:          map[string]WorkflowVersion{},
		nodes:             map[string]WorkflowNode{},
		transitions:       map[string]WorkflowTransition{},
		instances:         map[string]WorkflowInstance{},
		nodeInstances:     map[string]NodeInstance{},
		tasks:             map[string]WorkflowTask{},
		taskSeq:           map[string]int64{},
		workflows:         map[string]Workflow{},
		rules:             map[string]WorkflowRule{},
		campaigns:         map[int64]MarketingCampaign{},
		campaignWorkflows: map[string]CampaignWorkflow{},
		recipients:        map[int64]CampaignRecipient{},
	}
}

func (m *MemoryStore) next() int64 {
	m.seq++
	return m.seq
}

// ─── Definitions ───

func (m *MemoryStore) CreateDefinition(_ context.Context, d *WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.definitions[d.ID]; ok {
		return fmt.Errorf("create definition: %w", ErrDuplicate)
	}
	m.definitions[d.ID] = *d
	return nil
}

func (m *MemoryStore) GetDefinition(_ context.Context, id string) (*WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.definitions[id]
	if !ok {
		return nil, fmt.Errorf("get definition: %w", ErrNotFound)
	}
	return &d, nil
}

func (m *MemoryStore) UpdateDefinitionStatus(_ context.Context, id string, status DefinitionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.definitions[id]
	if !ok {
		return fmt.Errorf("update definition status: %w", ErrNotFound)
	}
	d.Status = status
	d.UpdatedAt = time.Now().UTC()
	m.definitions[id] = d
	return nil
}

func (m *MemoryStore) CreateVersion(_ context.Context, v *WorkflowVersion, nodes []*WorkflowNode, transitions []*WorkflowTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.definitions[v.DefinitionID]; !ok {
		return fmt.Errorf("create version: definition %s: %w", v.DefinitionID, ErrNotFound)
	}
	maxNumber := 0
	for _, existing := range m.versions {
		if existing.DefinitionID != v.DefinitionID {
			continue
		}
		if existing.VersionNumber == v.VersionNumber {
			return fmt.Errorf("create version: %w", ErrDuplicate)
		}
		maxNumber = max(maxNumber, existing.VersionNumber)
	}
	if v.VersionNumber == 0 {
		v.VersionNumber = maxNumber + 1
	}

	keys := map[string]bool{}
	starts := 0
	for _, n := range nodes {
		if keys[n.NodeKey] {
			return fmt.Errorf("create version: node key %q: %w", n.NodeKey, ErrDuplicate)
		}
		keys[n.NodeKey] = true
		if n.IsStartNode {
			starts++
		}
	}
	if starts > 1 {
		return fmt.Errorf("create version: more than one start node: %w", ErrDuplicate)
	}

	v.IsActive = false
	m.versions[v.ID] = *v
	for _, n := range nodes {
		n.VersionID = v.ID
		m.nodes[n.ID] = *n
	}
	for _, t := range transitions {
		t.VersionID = v.ID
		m.transitions[t.ID] = *t
	}
	return nil
}

func (m *MemoryStore) GetActiveVersion(_ context.Context, definitionID string) (*WorkflowVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions {
		if v.DefinitionID == definitionID && v.IsActive {
			return &v, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ActivateVersion(_ context.Context, definitionID, versionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.versions[versionID]
	if !ok || target.DefinitionID != definitionID {
		return fmt.Errorf("activate version: %w", ErrNotFound)
	}
	for id, v := range m.versions {
		if v.DefinitionID == definitionID {
			v.IsActive = id == versionID
			m.versions[id] = v
		}
	}
	return nil
}

func (m *MemoryStore) GetNode(_ context.Context, id string) (*WorkflowNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, fmt.Errorf("get node: %w", ErrNotFound)
	}
	return &n, nil
}

func (m *MemoryStore) ListNodes(_ context.Context, versionID string) ([]*WorkflowNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*WorkflowNode
	for _, n := range m.nodes {
		if n.VersionID == versionID {
			result = append(result, &n)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ExecutionOrder != result[j].ExecutionOrder {
			return result[i].ExecutionOrder < result[j].ExecutionOrder
		}
		return result[i].NodeKey < result[j].NodeKey
	})
	return result, nil
}

func (m *MemoryStore) ListTransitions(_ context.Context, versionID string) ([]*WorkflowTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*WorkflowTransition
	for _, t := range m.transitions {
		if t.VersionID == versionID {
			result = append(result, &t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// ─── Instances ───

func (m *MemoryStore) CreateInstance(_ context.Context, i *WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[i.ID]; ok {
		return fmt.Errorf("create instance: %w", ErrDuplicate)
	}
	if i.Version == 0 {
		i.Version = 1
	}
	m.instances[i.ID] = *i
	return nil
}

func (m *MemoryStore) GetInstance(_ context.Context, id string) (*WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("get instance: %w", ErrNotFound)
	}
	return &i, nil
}

func (m *MemoryStore) UpdateInstance(_ context.Context, i *WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.instances[i.ID]
	if !ok || stored.Version != i.Version {
		return fmt.Errorf("update instance %s: %w", i.ID, ErrConcurrencyConflict)
	}
	i.Version++
	m.instances[i.ID] = *i
	return nil
}

func (m *MemoryStore) CountInstances(_ context.Context, definitionID string, status InstanceStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, i := range m.instances {
		if i.DefinitionID == definitionID && i.Status == status {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ContactHistory(_ context.Context, definitionID string, contactID int64) (*ContactHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var h ContactHistory
	for _, i := range m.instances {
		if i.DefinitionID != definitionID || i.EntityType != "Contact" || i.EntityID != contactID {
			continue
		}
		h.Count++
		if h.LastCreate == nil || i.CreatedAt.After(*h.LastCreate) {
			created := i.CreatedAt
			h.LastCreate = &created
		}
	}
	return &h, nil
}

func (m *MemoryStore) ListDueScheduledInstances(_ context.Context, now time.Time, limit int) ([]*WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*WorkflowInstance
	for _, i := range m.instances {
		if i.Status == InstancePending && (i.ScheduledAt == nil || !i.ScheduledAt.After(now)) {
			result = append(result, &i)
		}
	}
	sort.Slice(result, func(a, b int) bool {
		return timeOrZero(result[a].ScheduledAt).Before(timeOrZero(result[b].ScheduledAt))
	})
	return truncate(result, limit), nil
}

func (m *MemoryStore) ListTimedOutInstances(_ context.Context, now time.Time, limit int) ([]*WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*WorkflowInstance
	for _, i := range m.instances {
		if (i.Status == InstanceRunning || i.Status == InstancePaused) && i.TimeoutAt != nil && !i.TimeoutAt.After(now) {
			result = append(result, &i)
		}
	}
	sort.Slice(result, func(a, b int) bool {
		return result[a].TimeoutAt.Before(*result[b].TimeoutAt)
	})
	return truncate(result, limit), nil
}

// ─── Node instances ───

func (m *MemoryStore) CreateNodeInstance(_ context.Context, n *NodeInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.nodeInstances {
		if existing.InstanceID == n.InstanceID && existing.ExecutionSequence == n.ExecutionSequence {
			return fmt.Errorf("create node instance: %w", ErrConcurrencyConflict)
		}
	}
	m.nodeInstances[n.ID] = *n
	return nil
}

func (m *MemoryStore) GetNodeInstance(_ context.Context, id string) (*NodeInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodeInstances[id]
	if !ok {
		return nil, fmt.Errorf("get node instance: %w", ErrNotFound)
	}
	return &n, nil
}

func (m *MemoryStore) UpdateNodeInstance(_ context.Context, n *NodeInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodeInstances[n.ID]; !ok {
		return fmt.Errorf("update node instance: %w", ErrNotFound)
	}
	m.nodeInstances[n.ID] = *n
	return nil
}

func (m *MemoryStore) CountNodeInstances(_ context.Context, instanceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.nodeInstances {
		if n.InstanceID == instanceID {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ListNodeInstances(_ context.Context, instanceID string) ([]*NodeInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodeInstancesOf(instanceID), nil
}

func (m *MemoryStore) LatestNodeInstance(_ context.Context, instanceID, nodeID string) (*NodeInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *NodeInstance
	for _, n := range m.nodeInstancesOf(instanceID) {
		if n.NodeID == nodeID {
			latest = n
		}
	}
	return latest, nil
}

func (m *MemoryStore) nodeInstancesOf(instanceID string) []*NodeInstance {
	var result []*NodeInstance
	for _, n := range m.nodeInstances {
		if n.InstanceID == instanceID {
			result = append(result, &n)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExecutionSequence < result[j].ExecutionSequence
	})
	return result
}

// ─── Tasks ───

func (m *MemoryStore) CreateTask(_ context.Context, t *WorkflowTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return fmt.Errorf("create task: %w", ErrDuplicate)
	}
	if t.Version == 0 {
		t.Version = 1
	}
	m.tasks[t.ID] = *t
	m.taskSeq[t.ID] = m.next()
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*WorkflowTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task: %w", ErrNotFound)
	}
	return &t, nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, t *WorkflowTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tasks[t.ID]
	if !ok || stored.Version != t.Version {
		return fmt.Errorf("update task %s: %w", t.ID, ErrConcurrencyConflict)
	}
	t.Version++
	m.tasks[t.ID] = *t
	return nil
}

func (m *MemoryStore) ListPendingTasks(_ context.Context, queue, workerID string, now time.Time, limit int) ([]*WorkflowTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*WorkflowTask
	for _, t := range m.tasks {
		if t.QueueName != queue {
			continue
		}
		if t.Status != TaskPending && !(t.Status == TaskLocked && t.LockExpiresAt != nil && !t.LockExpiresAt.After(now)) {
			continue
		}
		if t.ScheduledAt != nil && t.ScheduledAt.After(now) {
			continue
		}
		if t.LockedByWorkerID != nil && !t.LockExpired(now) && *t.LockedByWorkerID != workerID {
			continue
		}
		result = append(result, &t)
	}
	m.sortTasks(result)
	return truncate(result, limit), nil
}

func (m *MemoryStore) ListTasks(_ context.Context, instanceID string, statuses ...TaskStatus) ([]*WorkflowTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*WorkflowTask
	for _, t := range m.tasks {
		if t.InstanceID != instanceID {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, t.Status) {
			continue
		}
		result = append(result, &t)
	}
	sort.Slice(result, func(i, j int) bool {
		return m.taskSeq[result[i].ID] < m.taskSeq[result[j].ID]
	})
	return result, nil
}

func (m *MemoryStore) ListHumanTasks(_ context.Context, userID string, roles []string) ([]*WorkflowTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*WorkflowTask
	for _, t := range m.tasks {
		if t.TaskType != TaskHuman || (t.Status != TaskPending && t.Status != TaskWaiting) {
			continue
		}
		byUser := t.AssignedToUserID != nil && *t.AssignedToUserID == userID
		byRole := t.AssignedToRole != nil && slices.Contains(roles, *t.AssignedToRole)
		if byUser || byRole {
			result = append(result, &t)
		}
	}
	m.sortTasks(result)
	sort.SliceStable(result, func(i, j int) bool {
		a, b := result[i].DueAt, result[j].DueAt
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		return a.Before(*b)
	})
	return result, nil
}

func (m *MemoryStore) CancelTasks(_ context.Context, instanceID string, nodeID *string, statuses []TaskStatus, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, t := range m.tasks {
		if t.InstanceID != instanceID || !slices.Contains(statuses, t.Status) {
			continue
		}
		if nodeID != nil && t.NodeID != *nodeID {
			continue
		}
		t.Status = TaskCancelled
		t.CompletedAt = &now
		t.UpdatedAt = now
		t.Version++
		m.tasks[id] = t
		count++
	}
	return count, nil
}

func (m *MemoryStore) RequeueDueRetries(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, t := range m.tasks {
		if t.Status != TaskRetrying || t.NextRetryAt == nil || t.NextRetryAt.After(now) {
			continue
		}
		t.Status = TaskPending
		t.LockedByWorkerID = nil
		t.LockExpiresAt = nil
		t.UpdatedAt = now
		t.Version++
		m.tasks[id] = t
		count++
	}
	return count, nil
}

func (m *MemoryStore) ReleaseExpiredLocks(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, t := range m.tasks {
		if t.Status != TaskLocked || !t.LockExpired(now) {
			continue
		}
		t.Status = TaskPending
		t.LockedByWorkerID = nil
		t.LockExpiresAt = nil
		t.UpdatedAt = now
		t.Version++
		m.tasks[id] = t
		count++
	}
	return count, nil
}

func (m *MemoryStore) sortTasks(tasks []*WorkflowTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority < tasks[j].Priority
		}
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return m.taskSeq[tasks[i].ID] < m.taskSeq[tasks[j].ID]
	})
}

// ─── Logs ───

func (m *MemoryStore) AppendLog(_ context.Context, l *WorkflowLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *l)
	return nil
}

func (m *MemoryStore) ListLogs(_ context.Context, instanceID string) ([]*WorkflowLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*WorkflowLog
	for _, l := range m.logs {
		if l.InstanceID == instanceID {
			result = append(result, &l)
		}
	}
	return result, nil
}

// ─── Rule engine ───

func (m *MemoryStore) CreateWorkflow(_ context.Context, w *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[w.ID] = *w
	return nil
}

func (m *MemoryStore) CreateRule(_ context.Context, r *WorkflowRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[r.WorkflowID]; !ok {
		return fmt.Errorf("create rule: workflow %s: %w", r.WorkflowID, ErrNotFound)
	}
	stored := *r
	stored.Conditions = slices.Clone(r.Conditions)
	for i := range stored.Conditions {
		stored.Conditions[i].RuleID = r.ID
	}
	m.rules[r.ID] = stored
	return nil
}

func (m *MemoryStore) ListActiveWorkflows(_ context.Context, entityType string) ([]*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Workflow
	for _, w := range m.workflows {
		if w.EntityType == entityType && w.IsActive {
			result = append(result, &w)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListRules(_ context.Context, workflowID string) ([]*WorkflowRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*WorkflowRule
	for _, r := range m.rules {
		if r.WorkflowID != workflowID {
			continue
		}
		r.Conditions = slices.Clone(r.Conditions)
		sort.SliceStable(r.Conditions, func(i, j int) bool {
			return r.Conditions[i].OrderIndex < r.Conditions[j].OrderIndex
		})
		result = append(result, &r)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *MemoryStore) CreateExecution(_ context.Context, e *WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions = append(m.executions, *e)
	return nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, entityType string, entityID int64) ([]*WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*WorkflowExecution
	for i := len(m.executions) - 1; i >= 0; i-- {
		e := m.executions[i]
		if e.EntityType == entityType && e.EntityID == entityID {
			result = append(result, &e)
		}
	}
	return result, nil
}

// ─── Campaigns ───

func (m *MemoryStore) CreateCampaign(_ context.Context, c *MarketingCampaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		c.ID = m.next()
	}
	m.campaigns[c.ID] = *c
	return nil
}

func (m *MemoryStore) GetCampaign(_ context.Context, id int64) (*MarketingCampaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("get campaign: %w", ErrNotFound)
	}
	return &c, nil
}

func (m *MemoryStore) CreateCampaignWorkflow(_ context.Context, w *CampaignWorkflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.campaignWorkflows {
		if existing.IsDeleted || w.IsDeleted {
			continue
		}
		if existing.CampaignID == w.CampaignID && existing.DefinitionID == w.DefinitionID && existing.TriggerEvent == w.TriggerEvent {
			return fmt.Errorf("create campaign workflow: %w", ErrDuplicate)
		}
	}
	m.campaignWorkflows[w.ID] = *w
	return nil
}

func (m *MemoryStore) GetCampaignWorkflow(_ context.Context, campaignID int64, definitionID, triggerEvent string) (*CampaignWorkflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.campaignWorkflows {
		if !w.IsDeleted && w.CampaignID == campaignID && w.DefinitionID == definitionID && w.TriggerEvent == triggerEvent {
			return &w, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListCampaignWorkflows(_ context.Context, campaignID int64, triggerEvent string) ([]*CampaignWorkflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*CampaignWorkflow
	for _, w := range m.campaignWorkflows {
		if w.CampaignID == campaignID && w.TriggerEvent == triggerEvent && w.IsActive && !w.IsDeleted {
			result = append(result, &w)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *MemoryStore) CreateRecipient(_ context.Context, r *CampaignRecipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == 0 {
		r.ID = m.next()
	}
	m.recipients[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRecipient(_ context.Context, id int64) (*CampaignRecipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[id]
	if !ok {
		return nil, fmt.Errorf("get recipient: %w", ErrNotFound)
	}
	return &r, nil
}

func (m *MemoryStore) GetRecipientByContact(_ context.Context, campaignID, contactID int64) (*CampaignRecipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *CampaignRecipient
	for _, r := range m.recipients {
		if r.CampaignID == campaignID && r.ContactID != nil && *r.ContactID == contactID {
			if found == nil || r.ID < found.ID {
				found = &r
			}
		}
	}
	return found, nil
}

func (m *MemoryStore) ListRecipients(_ context.Context, campaignID int64) ([]*CampaignRecipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*CampaignRecipient
	for _, r := range m.recipients {
		if r.CampaignID == campaignID {
			result = append(result, &r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) RecordOpen(_ context.Context, id int64, at time.Time) (*CampaignRecipient, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[id]
	if !ok {
		return nil, false, fmt.Errorf("record open: %w", ErrNotFound)
	}
	r.OpenCount++
	if r.FirstOpenedAt == nil {
		r.FirstOpenedAt = &at
	}
	r.LastOpenedAt = &at
	m.recipients[id] = r
	return &r, r.OpenCount == 1, nil
}

func (m *MemoryStore) RecordClick(_ context.Context, id int64, at time.Time) (*CampaignRecipient, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[id]
	if !ok {
		return nil, false, fmt.Errorf("record click: %w", ErrNotFound)
	}
	r.ClickCount++
	if r.FirstClickedAt == nil {
		r.FirstClickedAt = &at
	}
	r.LastClickedAt = &at
	m.recipients[id] = r
	return &r, r.ClickCount == 1, nil
}

func (m *MemoryStore) RecordConversion(_ context.Context, id int64, at time.Time, value *float64) (*CampaignRecipient, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[id]
	if !ok {
		return nil, false, fmt.Errorf("record conversion: %w", ErrNotFound)
	}
	if r.ConvertedAt != nil {
		return &r, false, nil
	}
	r.ConvertedAt = &at
	r.ConversionValue = value
	m.recipients[id] = r
	return &r, true, nil
}

func (m *MemoryStore) AssignVariant(_ context.Context, id int64, variant string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[id]
	if !ok {
		return "", fmt.Errorf("assign variant: %w", ErrNotFound)
	}
	if r.ABTestVariant == nil {
		r.ABTestVariant = &variant
		m.recipients[id] = r
	}
	return *r.ABTestVariant, nil
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
