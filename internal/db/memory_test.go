package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_UpdateTaskVersionGuard(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	task := &WorkflowTask{ID: uuid.New().String(), InstanceID: "i1", QueueName: QueueAction, Status: TaskPending, CreatedAt: now}
	require.NoError(t, store.CreateTask(ctx, task))
	assert.Equal(t, 1, task.Version)

	a, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	b, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)

	a.Status = TaskLocked
	require.NoError(t, store.UpdateTask(ctx, a))
	assert.Equal(t, 2, a.Version)

	b.Status = TaskLocked
	assert.ErrorIs(t, store.UpdateTask(ctx, b), ErrConcurrencyConflict)
}

func TestMemoryStore_UpdateInstanceVersionGuard(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	inst := &WorkflowInstance{ID: uuid.New().String(), Status: InstanceRunning, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.CreateInstance(ctx, inst))
	assert.Equal(t, 1, inst.Version)

	cancel, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	merge, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)

	cancel.Status = InstanceCancelled
	require.NoError(t, store.UpdateInstance(ctx, cancel))
	assert.Equal(t, 2, cancel.Version)

	state := `{"merged":true}`
	merge.StateData = &state
	assert.ErrorIs(t, store.UpdateInstance(ctx, merge), ErrConcurrencyConflict)

	got, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, InstanceCancelled, got.Status)
	assert.Nil(t, got.StateData)
}

func TestMemoryStore_ListPendingTasks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()
	later := now.Add(time.Hour)
	expired := now.Add(-time.Minute)
	other := "other-worker"

	mk := func(priority int, mutate func(*WorkflowTask)) *WorkflowTask {
		task := &WorkflowTask{
			ID: uuid.New().String(), InstanceID: "i1", QueueName: QueueAction,
			Priority: priority, Status: TaskPending, CreatedAt: now,
		}
		if mutate != nil {
			mutate(task)
		}
		require.NoError(t, store.CreateTask(ctx, task))
		return task
	}

	low := mk(5, nil)
	high := mk(1, nil)
	mk(0, func(task *WorkflowTask) { task.ScheduledAt = &later })
	mk(0, func(task *WorkflowTask) { task.QueueName = QueueLLM })
	mk(0, func(task *WorkflowTask) {
		task.Status = TaskLocked
		task.LockedByWorkerID = &other
		task.LockExpiresAt = &later
	})
	stale := mk(3, func(task *WorkflowTask) {
		task.Status = TaskLocked
		task.LockedByWorkerID = &other
		task.LockExpiresAt = &expired
	})

	tasks, err := store.ListPendingTasks(ctx, QueueAction, "me", now, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, high.ID, tasks[0].ID)
	assert.Equal(t, stale.ID, tasks[1].ID)
	assert.Equal(t, low.ID, tasks[2].ID)

	limited, err := store.ListPendingTasks(ctx, QueueAction, "me", now, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryStore_RecipientEngagement(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	rec := &CampaignRecipient{CampaignID: 1, Email: "x@example.com"}
	require.NoError(t, store.CreateRecipient(ctx, rec))

	_, first, err := store.RecordClick(ctx, rec.ID, now)
	require.NoError(t, err)
	assert.True(t, first)
	r, first, err := store.RecordClick(ctx, rec.ID, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, first)
	assert.Equal(t, 2, r.ClickCount)
	assert.Equal(t, now, *r.FirstClickedAt)

	value := 99.5
	_, converted, err := store.RecordConversion(ctx, rec.ID, now, &value)
	require.NoError(t, err)
	assert.True(t, converted)
	_, converted, err = store.RecordConversion(ctx, rec.ID, now, nil)
	require.NoError(t, err)
	assert.False(t, converted)

	_, _, err = store.RecordOpen(ctx, 999, now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ActivateVersionKeepsOneActive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	def, v1, _ := seedGraph(t, ctx, store)
	v2 := &WorkflowVersion{ID: uuid.New().String(), DefinitionID: def.ID}
	require.NoError(t, store.CreateVersion(ctx, v2, nil, nil))
	assert.Equal(t, 2, v2.VersionNumber)

	require.NoError(t, store.ActivateVersion(ctx, def.ID, v2.ID))
	active, err := store.GetActiveVersion(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)
	assert.NotEqual(t, v1.ID, active.ID)

	assert.ErrorIs(t, store.ActivateVersion(ctx, def.ID, "missing"), ErrNotFound)
}
