package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func newPostgresClient(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("crmflow"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	client, err := NewClient(ctx, connStr, 4, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	require.NoError(t, client.Migrate(ctx))
	// applying twice must be harmless
	require.NoError(t, client.Migrate(ctx))
	return client
}

func seedGraph(t *testing.T, ctx context.Context, s interface {
	CreateDefinition(context.Context, *WorkflowDefinition) error
	CreateVersion(context.Context, *WorkflowVersion, []*WorkflowNode, []*WorkflowTransition) error
	ActivateVersion(context.Context, string, string) error
}) (*WorkflowDefinition, *WorkflowVersion, *WorkflowNode) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)

	def := &WorkflowDefinition{
		ID: uuid.New().String(), Name: "Onboarding", EntityType: "Contact",
		Status: DefinitionActive, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateDefinition(ctx, def))

	ver := &WorkflowVersion{ID: uuid.New().String(), DefinitionID: def.ID, CreatedAt: now}
	start := &WorkflowNode{ID: uuid.New().String(), NodeKey: "start", Name: "Start", Type: NodeStart, IsStartNode: true}
	call := &WorkflowNode{ID: uuid.New().String(), NodeKey: "call", Name: "Call", Type: NodeHumanTask, ExecutionOrder: 1}
	tr := &WorkflowTransition{ID: uuid.New().String(), FromNodeID: start.ID, ToNodeID: call.ID, Priority: 1}
	require.NoError(t, s.CreateVersion(ctx, ver, []*WorkflowNode{start, call}, []*WorkflowTransition{tr}))
	require.NoError(t, s.ActivateVersion(ctx, def.ID, ver.ID))
	return def, ver, start
}

func TestClient_TaskLifecycle(t *testing.T) {
	client := newPostgresClient(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	def, ver, start := seedGraph(t, ctx, client)
	assert.Equal(t, 1, ver.VersionNumber)

	active, err := client.GetActiveVersion(ctx, def.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, ver.ID, active.ID)

	nodes, err := client.ListNodes(ctx, ver.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	inst := &WorkflowInstance{
		ID: uuid.New().String(), DefinitionID: def.ID, VersionID: ver.ID,
		EntityType: "Contact", EntityID: 42, Status: InstanceRunning, CurrentNodeID: &start.ID,
		TriggerEvent: "manual", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, client.CreateInstance(ctx, inst))
	assert.Equal(t, 1, inst.Version)

	staleInst, err := client.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	inst.Status = InstanceCancelled
	require.NoError(t, client.UpdateInstance(ctx, inst))
	assert.Equal(t, 2, inst.Version)
	staleInst.Status = InstanceRunning
	assert.ErrorIs(t, client.UpdateInstance(ctx, staleInst), ErrConcurrencyConflict)
	inst.Status = InstanceRunning
	require.NoError(t, client.UpdateInstance(ctx, inst))

	task := &WorkflowTask{
		ID: uuid.New().String(), InstanceID: inst.ID, NodeID: start.ID, TaskType: TaskAutomated,
		QueueName: QueueDefault, Status: TaskPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, client.CreateTask(ctx, task))

	pending, err := client.ListPendingTasks(ctx, QueueDefault, "w1", now, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// polling takes no row locks, a second worker sees the same task
	rival, err := client.ListPendingTasks(ctx, QueueDefault, "w2", now, 10)
	require.NoError(t, err)
	require.Len(t, rival, 1)
	assert.Equal(t, pending[0].ID, rival[0].ID)

	locked := *pending[0]
	expires := now.Add(time.Minute)
	worker := "w1"
	locked.Status = TaskLocked
	locked.LockedByWorkerID = &worker
	locked.LockExpiresAt = &expires
	require.NoError(t, client.UpdateTask(ctx, &locked))
	assert.Equal(t, 2, locked.Version)

	// a writer holding the old version loses
	stale := *pending[0]
	stale.Status = TaskLocked
	err = client.UpdateTask(ctx, &stale)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	released, err := client.ReleaseExpiredLocks(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	cancelled, err := client.CancelTasks(ctx, inst.ID, nil, []TaskStatus{TaskPending}, now)
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)

	got, err := client.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskCancelled, got.Status)

	_, err = client.GetInstance(ctx, uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_CampaignEngagement(t *testing.T) {
	client := newPostgresClient(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	def, _, _ := seedGraph(t, ctx, client)

	campaign := &MarketingCampaign{Name: "Spring", IsABTest: true, ABTestSplitPercentage: 50}
	require.NoError(t, client.CreateCampaign(ctx, campaign))

	contactID := int64(7)
	rec := &CampaignRecipient{CampaignID: campaign.ID, ContactID: &contactID, Email: "a@example.com"}
	require.NoError(t, client.CreateRecipient(ctx, rec))

	_, first, err := client.RecordOpen(ctx, rec.ID, now)
	require.NoError(t, err)
	assert.True(t, first)
	updated, first, err := client.RecordOpen(ctx, rec.ID, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, first)
	assert.Equal(t, 2, updated.OpenCount)
	assert.True(t, updated.FirstOpenedAt.Equal(now))

	variant, err := client.AssignVariant(ctx, rec.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, "B", variant)
	variant, err = client.AssignVariant(ctx, rec.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, "B", variant)

	link := &CampaignWorkflow{
		ID: uuid.New().String(), CampaignID: campaign.ID, DefinitionID: def.ID,
		TriggerEvent: "email_opened", IsActive: true, MaxExecutionsPerContact: 1, CreatedAt: now,
	}
	require.NoError(t, client.CreateCampaignWorkflow(ctx, link))
	dup := *link
	dup.ID = uuid.New().String()
	assert.ErrorIs(t, client.CreateCampaignWorkflow(ctx, &dup), ErrDuplicate)

	links, err := client.ListCampaignWorkflows(ctx, campaign.ID, "email_opened")
	require.NoError(t, err)
	assert.Len(t, links, 1)
}
