package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sunshow/crmflow/internal/db"
)

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		name        string
		delay       int
		retry       int
		exponential bool
		want        time.Duration
	}{
		{"fixed first", 5, 1, false, 5 * time.Second},
		{"fixed third", 5, 3, false, 5 * time.Second},
		{"exponential first", 5, 1, true, 5 * time.Second},
		{"exponential second", 5, 2, true, 10 * time.Second},
		{"exponential third", 5, 3, true, 20 * time.Second},
		{"zero delay", 0, 4, true, 0},
		{"capped shift", 1, 100, true, time.Duration(1<<20) * time.Second},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, RetryDelay(tc.delay, tc.retry, tc.exponential))
		})
	}
}

func retryDSL(backoff string) string {
	return `
name: Retrying action
entity_type: Contact
nodes:
  - id: sync
    type: start
    retry:
      max_attempts: 5
      delay_seconds: 10
      backoff: ` + backoff + `
`
}

func TestFailTask_BackoffDeltas(t *testing.T) {
	tests := []struct {
		backoff string
		want    []time.Duration
	}{
		{"exponential", []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second}},
		{"fixed", []time.Duration{10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second}},
	}
	for _, tc := range tests {
		t.Run(tc.backoff, func(t *testing.T) {
			h := newHarness(t)
			def := h.importActive(t, retryDSL(tc.backoff))
			inst := h.start(t, def.ID, 1)
			task := h.singleOpenTask(t, inst.ID)

			for i, want := range tc.want {
				require.NoError(t, h.exec.FailTask(h.ctx, task.ID, "crm api unavailable"))
				got := h.task(t, task.ID)
				require.Equal(t, db.TaskRetrying, got.Status)
				require.NotNil(t, got.NextRetryAt)
				assert.Equal(t, want, got.NextRetryAt.Sub(h.clock.Now()), "failure %d", i+1)
				assert.Nil(t, got.LockedByWorkerID)

				nodeInst, err := h.store.GetNodeInstance(h.ctx, *got.NodeInstanceID)
				require.NoError(t, err)
				assert.Equal(t, db.NodeRetrying, nodeInst.Status)
				assert.Equal(t, i+1, nodeInst.RetryCount)
			}
		})
	}
}

func TestFailTask_DeadLetterIsFinal(t *testing.T) {
	h := newHarness(t)
	def := h.importActive(t, `
name: One shot
entity_type: Contact
nodes:
  - id: sync
    type: start
    retry:
      max_attempts: 1
`)
	inst := h.start(t, def.ID, 1)
	task := h.singleOpenTask(t, inst.ID)

	require.NoError(t, h.exec.FailTask(h.ctx, task.ID, "first"))
	for i := 0; i < 3; i++ {
		require.NoError(t, h.exec.FailTask(h.ctx, task.ID, "again"))
		got := h.task(t, task.ID)
		assert.Equal(t, db.TaskDeadLetter, got.Status)
		assert.Equal(t, "first", ptrStr(got.DeadLetterReason))
		assert.Equal(t, 1, got.RetryCount)
	}

	n, err := h.exec.ProcessRetryTasks(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, db.TaskDeadLetter, h.task(t, task.ID).Status)

	assert.ErrorIs(t, h.exec.CompleteTask(h.ctx, task.ID, nil), ErrInvalidOperation)
}

func TestLockTask_MutualExclusion(t *testing.T) {
	h := newHarness(t)
	def := h.importActive(t, linearDSL)
	inst := h.start(t, def.ID, 1)
	task := h.singleOpenTask(t, inst.ID)

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := h.exec.LockTask(h.ctx, task.ID, []string{"worker-a", "worker-b"}[i], time.Minute)
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	assert.ElementsMatch(t, []bool{true, false}, results)

	locked := h.task(t, task.ID)
	assert.Equal(t, db.TaskLocked, locked.Status)
	require.NotNil(t, locked.LockExpiresAt)
	assert.Equal(t, h.clock.Now().Add(time.Minute), *locked.LockExpiresAt)

	pending, err := h.exec.GetPendingTasks(h.ctx, db.QueueDefault, 10, "worker-c")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// An expired lock makes the task dispatchable although it still reads Locked
	h.clock.Advance(time.Minute)
	pending, err = h.exec.GetPendingTasks(h.ctx, db.QueueDefault, 10, "worker-c")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, db.TaskLocked, pending[0].Status)

	ok, err := h.exec.LockTask(h.ctx, task.ID, "worker-c", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "worker-c", ptrStr(h.task(t, task.ID).LockedByWorkerID))
}

// racingStore simulates a writer that always wins the versioned task update
type racingStore struct {
	*db.MemoryStore
}

func (r racingStore) UpdateTask(ctx context.Context, t *db.WorkflowTask) error {
	return fmt.Errorf("update task %s: %w", t.ID, db.ErrConcurrencyConflict)
}

func TestLockTask_ConflictIsNotAnError(t *testing.T) {
	h := newHarness(t)
	def := h.importActive(t, linearDSL)
	inst := h.start(t, def.ID, 1)
	task := h.singleOpenTask(t, inst.ID)

	racing := NewExecutor(racingStore{h.store}, zap.NewNop().Sugar(), WithClock(h.clock.Now), WithMetrics(h.m))
	ok, err := racing.LockTask(h.ctx, task.ID, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.LockConflicts))
	assert.Equal(t, db.TaskPending, h.task(t, task.ID).Status)
}

func TestLockTask_RefusesUndispatchable(t *testing.T) {
	h := newHarness(t)
	def := h.importActive(t, retryDSL("fixed"))
	inst := h.start(t, def.ID, 1)
	task := h.singleOpenTask(t, inst.ID)

	require.NoError(t, h.exec.FailTask(h.ctx, task.ID, "try later"))
	ok, err := h.exec.LockTask(h.ctx, task.ID, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "retrying task must wait for the retry sweep")

	h.clock.Advance(9 * time.Second)
	n, err := h.exec.ProcessRetryTasks(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(time.Second)
	n, err = h.exec.ProcessRetryTasks(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, db.TaskPending, h.task(t, task.ID).Status)

	ok, err = h.exec.LockTask(h.ctx, task.ID, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	nodeInst, err := h.store.GetNodeInstance(h.ctx, *task.NodeInstanceID)
	require.NoError(t, err)
	assert.Equal(t, db.NodeRunning, nodeInst.Status)

	require.NoError(t, h.exec.CompleteTask(h.ctx, task.ID, nil))
	ok, err = h.exec.LockTask(h.ctx, task.ID, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseTaskAndExpiredLocks(t *testing.T) {
	h := newHarness(t)
	def := h.importActive(t, linearDSL)
	inst := h.start(t, def.ID, 1)
	task := h.singleOpenTask(t, inst.ID)

	ok, err := h.exec.LockTask(h.ctx, task.ID, "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, h.exec.ReleaseTask(h.ctx, task.ID, "worker-b"), ErrInvalidOperation)
	require.NoError(t, h.exec.ReleaseTask(h.ctx, task.ID, "worker-a"))
	released := h.task(t, task.ID)
	assert.Equal(t, db.TaskPending, released.Status)
	assert.Nil(t, released.LockedByWorkerID)

	ok, err = h.exec.LockTask(h.ctx, task.ID, "worker-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := h.exec.ReleaseExpiredLocks(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(2 * time.Minute)
	n, err = h.exec.ReleaseExpiredLocks(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, db.TaskPending, h.task(t, task.ID).Status)
}

func TestGetPendingTasks_OrderAndSchedule(t *testing.T) {
	h := newHarness(t)
	def := h.importActive(t, `
name: Drip
entity_type: Contact
nodes:
  - id: start
    type: start
    order: 5
  - id: pause
    type: wait
    config:
      delay: 30m
`)
	a := h.start(t, def.ID, 1)
	h.clock.Advance(time.Second)
	b := h.start(t, def.ID, 2)

	pending, err := h.exec.GetPendingTasks(h.ctx, db.QueueDefault, 10, "w")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a.ID, pending[0].InstanceID)
	assert.Equal(t, b.ID, pending[1].InstanceID)

	pending, err = h.exec.GetPendingTasks(h.ctx, db.QueueDefault, 1, "w")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, h.exec.CompleteTask(h.ctx, h.singleOpenTask(t, a.ID).ID, nil))
	timer := h.singleOpenTask(t, a.ID)
	assert.Equal(t, db.TaskTimer, timer.TaskType)
	require.NotNil(t, timer.ScheduledAt)

	pending, err = h.exec.GetPendingTasks(h.ctx, db.QueueTimer, 10, "w")
	require.NoError(t, err)
	assert.Empty(t, pending)

	ok, err := h.exec.LockTask(h.ctx, timer.ID, "w", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	h.clock.Advance(30 * time.Minute)
	pending, err = h.exec.GetPendingTasks(h.ctx, db.QueueTimer, 10, "w")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestGetHumanTasksForUser(t *testing.T) {
	h := newHarness(t)
	def := h.importActive(t, `
name: Call list
entity_type: Contact
nodes:
  - id: start
    type: start
  - id: call
    type: human_task
    timeout: 2h
    assign:
      role: sales
    form:
      - field: outcome
        type: select
        label: Outcome
        required: true
        options: [reached, voicemail]
  - id: review
    type: human_task
    assign:
      user: "u-7"
`)
	inst := h.start(t, def.ID, 1)
	require.NoError(t, h.exec.CompleteTask(h.ctx, h.singleOpenTask(t, inst.ID).ID, nil))

	call := h.singleOpenTask(t, inst.ID)
	assert.Equal(t, db.TaskHuman, call.TaskType)
	require.NotNil(t, call.DueAt)
	assert.Equal(t, h.clock.Now().Add(2*time.Hour), *call.DueAt)
	assert.Contains(t, ptrStr(call.FormSchema), `"field":"outcome"`)

	tasks, err := h.exec.GetHumanTasksForUser(h.ctx, "u-7", nil)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	tasks, err = h.exec.GetHumanTasksForUser(h.ctx, "u-7", []string{"sales"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, call.ID, tasks[0].ID)

	require.NoError(t, h.exec.CompleteTask(h.ctx, call.ID, strPtr(`{"outcome": "reached"}`)))
	tasks, err = h.exec.GetHumanTasksForUser(h.ctx, "u-7", nil)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "u-7", ptrStr(tasks[0].AssignedToUserID))
}

func TestSkipNode_CancelsTasksAndAdvances(t *testing.T) {
	h := newHarness(t)
	def := h.importActive(t, linearDSL)
	inst := h.start(t, def.ID, 1)
	n0 := h.singleOpenTask(t, inst.ID)

	require.NoError(t, h.exec.SkipNode(h.ctx, *n0.NodeInstanceID, "already greeted"))

	assert.Equal(t, db.TaskCancelled, h.task(t, n0.ID).Status)
	skipped, err := h.store.GetNodeInstance(h.ctx, *n0.NodeInstanceID)
	require.NoError(t, err)
	assert.Equal(t, db.NodeSkipped, skipped.Status)
	assert.Equal(t, "already greeted", ptrStr(skipped.SkipReason))

	n1 := h.singleOpenTask(t, inst.ID)
	assert.NotEqual(t, n0.NodeID, n1.NodeID)

	assert.ErrorIs(t, h.exec.SkipNode(h.ctx, *n0.NodeInstanceID, "twice"), ErrInvalidOperation)
}

func TestFailNodeExecution_RetriesThenFailsInstance(t *testing.T) {
	h := newHarness(t)
	def := h.importActive(t, linearDSL)
	inst := h.start(t, def.ID, 1)
	require.NoError(t, h.exec.CompleteTask(h.ctx, h.singleOpenTask(t, inst.ID).ID, nil))
	n1 := h.singleOpenTask(t, inst.ID)

	ni, err := h.exec.FailNodeExecution(h.ctx, *n1.NodeInstanceID, "bad payload", nil)
	require.NoError(t, err)
	assert.Equal(t, db.NodeRetrying, ni.Status)
	assert.Equal(t, 1, ni.RetryCount)
	require.NotNil(t, ni.NextRetryAt)
	assert.Equal(t, time.Second, ni.NextRetryAt.Sub(h.clock.Now()))

	_, err = h.exec.FailNodeExecution(h.ctx, *n1.NodeInstanceID, "bad payload", nil)
	require.NoError(t, err)
	ni, err = h.exec.FailNodeExecution(h.ctx, *n1.NodeInstanceID, "bad payload", strPtr("trace"))
	require.NoError(t, err)
	assert.Equal(t, db.NodeFailed, ni.Status)

	failed := h.instance(t, inst.ID)
	assert.Equal(t, db.InstanceFailed, failed.Status)
	assert.Equal(t, "bad payload", ptrStr(failed.ErrorMessage))
	assert.Equal(t, db.TaskCancelled, h.task(t, n1.ID).Status)
}

// interleavingStore runs before once, ahead of the next instance write, to
// put a concurrent writer between an engine read and its write
type interleavingStore struct {
	*db.MemoryStore
	before func()
}

func (s *interleavingStore) UpdateInstance(ctx context.Context, i *db.WorkflowInstance) error {
	if hook := s.before; hook != nil {
		s.before = nil
		hook()
	}
	return s.MemoryStore.UpdateInstance(ctx, i)
}

func TestCompleteTask_InterleavedInstanceWrites(t *testing.T) {
	tests := []struct {
		name       string
		interleave func(e *Executor, instanceID string) error
		wantStatus db.InstanceStatus
		wantMerged bool
	}{
		{
			name: "cancel wins",
			interleave: func(e *Executor, id string) error {
				return e.CancelInstance(context.Background(), id, "contact unsubscribed")
			},
			wantStatus: db.InstanceCancelled,
		},
		{
			name: "timeout wins",
			interleave: func(e *Executor, id string) error {
				inst, err := e.GetInstance(context.Background(), id)
				if err != nil {
					return err
				}
				return e.failInstance(context.Background(), inst, "instance timed out", nil)
			},
			wantStatus: db.InstanceFailed,
		},
		{
			name: "pause wins",
			interleave: func(e *Executor, id string) error {
				return e.PauseInstance(context.Background(), id)
			},
			wantStatus: db.InstancePaused,
			wantMerged: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			store := &interleavingStore{MemoryStore: h.store}
			h.exec = NewExecutor(store, zap.NewNop().Sugar(), WithClock(h.clock.Now))

			def := h.importActive(t, linearDSL)
			inst := h.start(t, def.ID, 42)
			n0 := h.singleOpenTask(t, inst.ID)
			ok, err := h.exec.LockTask(h.ctx, n0.ID, "worker-1", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			var hookErr error
			store.before = func() { hookErr = tc.interleave(h.exec, inst.ID) }
			require.NoError(t, h.exec.CompleteLockedTask(h.ctx, n0.ID, "worker-1", strPtr(`{"greeted": true}`)))
			require.NoError(t, hookErr)

			got := h.instance(t, inst.ID)
			assert.Equal(t, tc.wantStatus, got.Status)
			_, merged := decodeObject(got.StateData)["greeted"]
			assert.Equal(t, tc.wantMerged, merged)
			assert.Empty(t, h.openTasks(t, inst.ID), "no work scheduled past the interleaved write")

			nodes, err := h.exec.GetNodeInstances(h.ctx, inst.ID)
			require.NoError(t, err)
			assert.Len(t, nodes, 1)
		})
	}
}

func TestCompleteTask_RejectsFinishedInstance(t *testing.T) {
	h := newHarness(t)
	def := h.importActive(t, linearDSL)
	inst := h.start(t, def.ID, 42)
	task := h.singleOpenTask(t, inst.ID)

	ok, err := h.exec.LockTask(h.ctx, task.ID, "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.exec.CancelInstance(h.ctx, inst.ID, "merged into another contact"))

	// a task scheduled just after the cancel swept the instance's queue
	straggler := h.task(t, task.ID)
	straggler.Status = db.TaskLocked
	require.NoError(t, h.store.UpdateTask(h.ctx, straggler))

	err = h.exec.CompleteTask(h.ctx, task.ID, strPtr(`{"leak": "yes"}`))
	assert.ErrorIs(t, err, ErrInvalidOperation)

	assert.Equal(t, db.TaskCancelled, h.task(t, task.ID).Status)
	got := h.instance(t, inst.ID)
	assert.Equal(t, db.InstanceCancelled, got.Status)
	assert.NotContains(t, decodeObject(got.StateData), "leak")

	other := h.start(t, def.ID, 43)
	failing := h.singleOpenTask(t, other.ID)
	require.NoError(t, h.exec.CancelInstance(h.ctx, other.ID, "done"))
	reopened := h.task(t, failing.ID)
	reopened.Status = db.TaskPending
	require.NoError(t, h.store.UpdateTask(h.ctx, reopened))
	assert.ErrorIs(t, h.exec.FailTask(h.ctx, failing.ID, "late failure"), ErrInvalidOperation)
	assert.Equal(t, db.TaskCancelled, h.task(t, failing.ID).Status)
}

func TestLockedTaskReports_RequireLockHolder(t *testing.T) {
	h := newHarness(t)
	def := h.importActive(t, linearDSL)
	inst := h.start(t, def.ID, 42)
	task := h.singleOpenTask(t, inst.ID)

	ok, err := h.exec.LockTask(h.ctx, task.ID, "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// worker-a stalls past its lock and worker-b takes over
	h.clock.Advance(2 * time.Minute)
	ok, err = h.exec.LockTask(h.ctx, task.ID, "worker-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, h.exec.CompleteLockedTask(h.ctx, task.ID, "worker-a", strPtr(`{"stale": true}`)), ErrLockNotHeld)
	assert.ErrorIs(t, h.exec.FailLockedTask(h.ctx, task.ID, "worker-a", "timeout"), ErrLockNotHeld)

	got := h.task(t, task.ID)
	assert.Equal(t, db.TaskLocked, got.Status)
	assert.Equal(t, "worker-b", ptrStr(got.LockedByWorkerID))
	assert.Zero(t, got.RetryCount)

	require.NoError(t, h.exec.CompleteLockedTask(h.ctx, task.ID, "worker-b", strPtr(`{"fresh": true}`)))
	assert.Equal(t, db.TaskCompleted, h.task(t, task.ID).Status)
	assert.NotContains(t, decodeObject(h.instance(t, inst.ID).StateData), "stale")
}
