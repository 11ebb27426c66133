package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunshow/crmflow/internal/db"
	"github.com/sunshow/crmflow/internal/event"
)

func TestStartWorkflow_AdmissionControl(t *testing.T) {
	h := newHarness(t)
	def := h.importActive(t, `
name: Capped
entity_type: Contact
max_concurrent_instances: 2
nodes:
  - id: start
    type: start
  - id: call
    type: human_task
`)

	first := h.start(t, def.ID, 1)
	h.start(t, def.ID, 2)

	_, err := h.exec.StartWorkflow(h.ctx, StartRequest{DefinitionID: def.ID, EntityType: "Contact", EntityID: 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConcurrencyLimit)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	// Cancelling a running instance frees a slot
	require.NoError(t, h.exec.CancelInstance(h.ctx, first.ID, "make room"))
	h.start(t, def.ID, 3)
}

func TestStartWorkflow_Rejections(t *testing.T) {
	h := newHarness(t)

	_, err := h.exec.StartWorkflow(h.ctx, StartRequest{DefinitionID: "missing", EntityType: "Contact", EntityID: 1})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	draft, _, err := h.exec.ImportDefinition(h.ctx, linearDSL, nil, false)
	require.NoError(t, err)
	_, err = h.exec.StartWorkflow(h.ctx, StartRequest{DefinitionID: draft.ID, EntityType: "Contact", EntityID: 1})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	// Active definition without an active version
	require.NoError(t, h.exec.ActivateDefinition(h.ctx, draft.ID))
	_, err = h.exec.StartWorkflow(h.ctx, StartRequest{DefinitionID: draft.ID, EntityType: "Contact", EntityID: 1})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	// Active version without a start node
	now := h.clock.Now()
	def := &db.WorkflowDefinition{ID: "no-start", Name: "No start", EntityType: "Contact", Status: db.DefinitionActive, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, h.store.CreateDefinition(h.ctx, def))
	v := &db.WorkflowVersion{ID: "v-no-start", DefinitionID: def.ID, CreatedAt: now}
	require.NoError(t, h.store.CreateVersion(h.ctx, v, []*db.WorkflowNode{
		{ID: "lonely", VersionID: v.ID, NodeKey: "lonely", Name: "Lonely", Type: db.NodeAction},
	}, nil))
	require.NoError(t, h.store.ActivateVersion(h.ctx, def.ID, v.ID))
	_, err = h.exec.StartWorkflow(h.ctx, StartRequest{DefinitionID: def.ID, EntityType: "Contact", EntityID: 1})
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestStartWorkflow_RunningWithStartTask(t *testing.T) {
	h := newHarness(t)
	def := h.importActive(t, linearDSL)

	var events []string
	h.bus.Subscribe("*", func(e *event.Event) { events = append(events, e.Type) })

	inst := h.start(t, def.ID, 42)
	assert.Equal(t, db.InstanceRunning, inst.Status)
	require.NotNil(t, inst.CurrentNodeID)
	require.NotNil(t, inst.StartedAt)

	task := h.singleOpenTask(t, inst.ID)
	assert.Equal(t, *inst.CurrentNodeID, task.NodeID)
	assert.Equal(t, db.QueueDefault, task.QueueName)
	assert.Equal(t, db.TaskPending, task.Status)

	assert.Len(t, h.lifecycleLogs(t, inst.ID), 1)
	assert.Equal(t, []string{event.InstanceStarted, event.TaskCreated}, events)
}

func TestStartWorkflow_ScheduledActivation(t *testing.T) {
	h := newHarness(t)
	def := h.importActive(t, linearDSL)

	at := h.clock.Now().Add(time.Hour)
	inst, err := h.exec.StartWorkflow(h.ctx, StartRequest{
		DefinitionID: def.ID,
		EntityType:   "Contact",
		EntityID:     7,
		TriggerEvent: "campaign_start",
		ScheduledAt:  &at,
	})
	require.NoError(t, err)
	assert.Equal(t, db.InstancePending, inst.Status)
	assert.Empty(t, h.openTasks(t, inst.ID))

	n, err := h.exec.ActivateScheduledInstances(h.ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(time.Hour)
	n, err = h.exec.ActivateScheduledInstances(h.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, db.InstanceRunning, h.instance(t, inst.ID).Status)
	h.singleOpenTask(t, inst.ID)
}

func TestEndToEnd_DeadLetterFailsInstance(t *testing.T) {
	h := newHarness(t)
	def := h.importActive(t, linearDSL)

	inst := h.start(t, def.ID, 42)
	assert.Equal(t, db.InstanceRunning, inst.Status)

	n0 := h.singleOpenTask(t, inst.ID)
	require.NoError(t, h.exec.CompleteTask(h.ctx, n0.ID, strPtr(`{"greeted": true}`)))

	n1 := h.singleOpenTask(t, inst.ID)
	assert.NotEqual(t, n0.NodeID, n1.NodeID)
	assert.Equal(t, db.QueueAction, n1.QueueName)
	assert.Equal(t, 2, n1.MaxRetries)
	assert.Equal(t, `{"action":"send_email"}`, ptrStr(n1.InputData))

	require.NoError(t, h.exec.FailTask(h.ctx, n1.ID, "smtp timeout"))
	assert.Equal(t, db.TaskRetrying, h.task(t, n1.ID).Status)

	require.NoError(t, h.exec.FailTask(h.ctx, n1.ID, "smtp timeout"))
	dead := h.task(t, n1.ID)
	assert.Equal(t, db.TaskDeadLetter, dead.Status)
	assert.Equal(t, 2, dead.RetryCount)
	assert.Equal(t, "smtp timeout", ptrStr(dead.DeadLetterReason))
	require.NotNil(t, dead.DeadLetteredAt)

	failed := h.instance(t, inst.ID)
	assert.Equal(t, db.InstanceFailed, failed.Status)
	assert.Equal(t, "task dead-lettered: smtp timeout", ptrStr(failed.ErrorMessage))

	state := decodeObject(failed.StateData)
	assert.Equal(t, true, state["greeted"])
}

func TestRetryInstance_RequeuesCurrentNode(t *testing.T) {
	h := newHarness(t)
	def := h.importActive(t, linearDSL)
	inst := h.start(t, def.ID, 42)

	require.NoError(t, h.exec.CompleteTask(h.ctx, h.singleOpenTask(t, inst.ID).ID, nil))
	n1 := h.singleOpenTask(t, inst.ID)
	require.NoError(t, h.exec.FailTask(h.ctx, n1.ID, "boom"))
	require.NoError(t, h.exec.FailTask(h.ctx, n1.ID, "boom"))
	require.Equal(t, db.InstanceFailed, h.instance(t, inst.ID).Status)

	before := len(h.lifecycleLogs(t, inst.ID))
	require.NoError(t, h.exec.RetryInstance(h.ctx, inst.ID))

	retried := h.instance(t, inst.ID)
	assert.Equal(t, db.InstanceRunning, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Nil(t, retried.ErrorMessage)
	assert.Nil(t, retried.CompletedAt)
	assert.Len(t, h.lifecycleLogs(t, inst.ID), before+1)

	again := h.singleOpenTask(t, inst.ID)
	assert.Equal(t, n1.NodeID, again.NodeID)
	assert.NotEqual(t, n1.ID, again.ID)

	require.NoError(t, h.exec.CompleteTask(h.ctx, again.ID, strPtr(`{"sent": 1}`)))
	done := h.instance(t, inst.ID)
	assert.Equal(t, db.InstanceCompleted, done.Status)
	assert.Nil(t, done.CurrentNodeID)
	assert.JSONEq(t, `{"sent": 1}`, ptrStr(done.OutputData))

	assert.ErrorIs(t, h.exec.RetryInstance(h.ctx, inst.ID), ErrInvalidOperation)
}

func TestCancelInstance_LeavesLockedTasks(t *testing.T) {
	h := newHarness(t)
	def := h.importActive(t, linearDSL)
	inst := h.start(t, def.ID, 42)

	first := h.singleOpenTask(t, inst.ID)
	second, err := h.exec.CreateTaskForNode(h.ctx, inst.ID, first.NodeID, first.NodeInstanceID)
	require.NoError(t, err)
	third, err := h.exec.CreateTaskForNode(h.ctx, inst.ID, first.NodeID, first.NodeInstanceID)
	require.NoError(t, err)

	locked, err := h.exec.LockTask(h.ctx, third.ID, "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	before := len(h.lifecycleLogs(t, inst.ID))
	require.NoError(t, h.exec.CancelInstance(h.ctx, inst.ID, "contact unsubscribed"))

	assert.Equal(t, db.InstanceCancelled, h.instance(t, inst.ID).Status)
	assert.Equal(t, db.TaskCancelled, h.task(t, first.ID).Status)
	assert.Equal(t, db.TaskCancelled, h.task(t, second.ID).Status)
	assert.Equal(t, db.TaskLocked, h.task(t, third.ID).Status)
	assert.Len(t, h.lifecycleLogs(t, inst.ID), before+1)

	assert.ErrorIs(t, h.exec.CancelInstance(h.ctx, inst.ID, "again"), ErrInvalidOperation)

	_, err = h.exec.CreateTaskForNode(h.ctx, inst.ID, first.NodeID, nil)
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestPauseResume_HoldsAdvancement(t *testing.T) {
	h := newHarness(t)
	def := h.importActive(t, linearDSL)
	inst := h.start(t, def.ID, 42)
	n0 := h.singleOpenTask(t, inst.ID)

	assert.ErrorIs(t, h.exec.ResumeInstance(h.ctx, inst.ID), ErrInvalidOperation)

	base := len(h.lifecycleLogs(t, inst.ID))
	require.NoError(t, h.exec.PauseInstance(h.ctx, inst.ID))
	assert.Len(t, h.lifecycleLogs(t, inst.ID), base+1)
	assert.ErrorIs(t, h.exec.PauseInstance(h.ctx, inst.ID), ErrInvalidOperation)

	require.NoError(t, h.exec.CompleteTask(h.ctx, n0.ID, nil))
	assert.Empty(t, h.openTasks(t, inst.ID))
	assert.Equal(t, db.InstancePaused, h.instance(t, inst.ID).Status)

	require.NoError(t, h.exec.ResumeInstance(h.ctx, inst.ID))
	assert.Len(t, h.lifecycleLogs(t, inst.ID), base+2)
	assert.Equal(t, db.InstanceRunning, h.instance(t, inst.ID).Status)

	n1 := h.singleOpenTask(t, inst.ID)
	assert.NotEqual(t, n0.NodeID, n1.NodeID)
}

func TestTimeoutInstances(t *testing.T) {
	h := newHarness(t)
	def := h.importActive(t, `
name: Expiring
entity_type: Contact
default_timeout_hours: 1
nodes:
  - id: start
    type: start
`)
	inst := h.start(t, def.ID, 9)
	task := h.singleOpenTask(t, inst.ID)

	n, err := h.exec.TimeoutInstances(h.ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(61 * time.Minute)
	n, err = h.exec.TimeoutInstances(h.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	timedOut := h.instance(t, inst.ID)
	assert.Equal(t, db.InstanceFailed, timedOut.Status)
	assert.Equal(t, "instance timed out", ptrStr(timedOut.ErrorMessage))
	assert.Equal(t, db.TaskCancelled, h.task(t, task.ID).Status)
}

func TestConditionalTransitions(t *testing.T) {
	const dsl = `
name: Qualify lead
entity_type: Contact
nodes:
  - id: qualify
    type: start
  - id: hot
    type: human_task
    assign:
      role: sales
  - id: cold
    type: action
edges:
  - from: qualify
    to: hot
    priority: 10
    when:
      conditions:
        - field: score
          operator: GT
          value: "50"
  - from: qualify
    to: cold
`
	tests := []struct {
		name   string
		output string
		queue  string
	}{
		{"hot lead", `{"score": 80}`, db.QueueHuman},
		{"cold lead", `{"score": 10}`, db.QueueAction},
		{"missing score", `{}`, db.QueueAction},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			def := h.importActive(t, dsl)
			inst := h.start(t, def.ID, 1)

			require.NoError(t, h.exec.CompleteTask(h.ctx, h.singleOpenTask(t, inst.ID).ID, strPtr(tc.output)))
			assert.Equal(t, tc.queue, h.singleOpenTask(t, inst.ID).QueueName)

			nodes, err := h.exec.GetNodeInstances(h.ctx, inst.ID)
			require.NoError(t, err)
			require.Len(t, nodes, 2)
			assert.Equal(t, 1, nodes[0].ExecutionSequence)
			assert.Equal(t, 2, nodes[1].ExecutionSequence)
			assert.NotNil(t, nodes[0].TransitionTakenID)
		})
	}
}

func TestNoMatchingTransitionFailsInstance(t *testing.T) {
	h := newHarness(t)
	def := h.importActive(t, `
name: Strict
entity_type: Contact
nodes:
  - id: qualify
    type: start
  - id: hot
    type: human_task
edges:
  - from: qualify
    to: hot
    when:
      conditions:
        - field: score
          operator: GTE
          value: "50"
`)
	inst := h.start(t, def.ID, 1)
	require.NoError(t, h.exec.CompleteTask(h.ctx, h.singleOpenTask(t, inst.ID).ID, strPtr(`{"score": 3}`)))

	failed := h.instance(t, inst.ID)
	assert.Equal(t, db.InstanceFailed, failed.Status)
	assert.Equal(t, "no transition matched from node qualify", ptrStr(failed.ErrorMessage))
}

func TestInvalidTransitionsAreRejected(t *testing.T) {
	h := newHarness(t)
	def := h.importActive(t, linearDSL)
	inst := h.start(t, def.ID, 1)

	require.NoError(t, h.exec.CancelInstance(h.ctx, inst.ID, ""))
	for name, err := range map[string]error{
		"pause":  h.exec.PauseInstance(h.ctx, inst.ID),
		"resume": h.exec.ResumeInstance(h.ctx, inst.ID),
		"retry":  h.exec.RetryInstance(h.ctx, inst.ID),
	} {
		assert.Truef(t, errors.Is(err, ErrInvalidOperation), "%s: %v", name, err)
	}
}
