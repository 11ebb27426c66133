package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sunshow/crmflow/internal/db"
	"github.com/sunshow/crmflow/internal/event"
	"github.com/sunshow/crmflow/internal/rules"
)

func int64Ptr(v int64) *int64 { return &v }

func seedRouting(t *testing.T, ctx context.Context, store *db.MemoryStore) {
	t.Helper()
	require.NoError(t, store.CreateWorkflow(ctx, &db.Workflow{ID: "wf-routing", Name: "Lead routing", EntityType: "Contact", IsActive: true, Priority: 10}))
	require.NoError(t, store.CreateWorkflow(ctx, &db.Workflow{ID: "wf-off", Name: "Disabled", EntityType: "Contact", IsActive: false}))

	rulesToCreate := []*db.WorkflowRule{
		{
			ID: "r-enterprise", WorkflowID: "wf-routing", Name: "Enterprise", IsEnabled: true, Priority: 100,
			ConditionLogic: "AND", TargetUserGroupID: int64Ptr(1),
			Conditions: []db.WorkflowRuleCondition{
				{FieldName: "Employees", Operator: "GTE", Value: "500", OrderIndex: 0},
				{FieldName: "Country", Operator: "IN", Value: "DE, FR", OrderIndex: 1},
			},
		},
		{
			ID: "r-europe", WorkflowID: "wf-routing", Name: "Europe", IsEnabled: true, Priority: 50,
			ConditionLogic: "OR", TargetUserGroupID: int64Ptr(2),
			Conditions: []db.WorkflowRuleCondition{
				{FieldName: "Country", Operator: "EQUALS", Value: "DE"},
				{FieldName: "Country", Operator: "EQUALS", Value: "FR"},
			},
		},
		{
			ID: "r-disabled", WorkflowID: "wf-routing", Name: "Disabled", IsEnabled: false, Priority: 1000,
			TargetUserGroupID: int64Ptr(9),
		},
	}
	for _, r := range rulesToCreate {
		require.NoError(t, store.CreateRule(ctx, r))
	}
	require.NoError(t, store.CreateRule(ctx, &db.WorkflowRule{ID: "r-catch", WorkflowID: "wf-off", IsEnabled: true}))
}

func TestRuleEngine_FirstMatchWins(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	seedRouting(t, ctx, store)

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	h := newHarness(t)
	var published []*event.Event
	h.bus.Subscribe("*", func(e *event.Event) { published = append(published, e) })
	engine := NewRuleEngine(store, zap.NewNop().Sugar(),
		WithClock(func() time.Time { return now }),
		WithEventBus(h.bus),
		WithMetrics(h.m),
	)

	contact := rules.Record{"Employees": 1200, "Country": "DE", "Tags": []string{"vip"}}
	assert.True(t, engine.ExecuteWorkflow(ctx, "Contact", 42, contact))

	execs, err := store.ListExecutions(ctx, "Contact", 42)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "r-enterprise", execs[0].RuleID)
	assert.Equal(t, int64(1), *execs[0].TargetUserGroupID)
	assert.Equal(t, now, execs[0].ExecutedAt)
	assert.JSONEq(t, `{"Employees":1200,"Country":"DE"}`, execs[0].EntitySnapshot)

	require.Len(t, published, 1)
	assert.Equal(t, event.RuleMatched, published[0].Type)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.RuleMatches.WithLabelValues("Contact")))

	small := rules.Record{"employees": 10, "country": "FR"}
	assert.True(t, engine.ExecuteWorkflow(ctx, "Contact", 43, small))
	execs, err = store.ListExecutions(ctx, "Contact", 43)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "r-europe", execs[0].RuleID)

	assert.False(t, engine.ExecuteWorkflow(ctx, "Contact", 44, rules.Record{"Country": "US"}))
	assert.False(t, engine.ExecuteWorkflow(ctx, "Deal", 44, contact))
}

type failingRuleStore struct {
	*db.MemoryStore
}

func (failingRuleStore) ListActiveWorkflows(context.Context, string) ([]*db.Workflow, error) {
	return nil, errors.New("connection reset")
}

type panickingEntity struct{}

func (panickingEntity) FieldValue(string) (any, bool) { panic("lazy load outside session") }

func TestRuleEngine_NeverFailsTheCaller(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	seedRouting(t, ctx, store)

	broken := NewRuleEngine(failingRuleStore{store}, zap.NewNop().Sugar())
	assert.False(t, broken.ExecuteWorkflow(ctx, "Contact", 1, rules.Record{"Country": "DE"}))

	engine := NewRuleEngine(store, zap.NewNop().Sugar())
	assert.False(t, engine.ExecuteWorkflow(ctx, "Contact", 1, panickingEntity{}))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.False(t, engine.ExecuteWorkflow(cancelled, "Contact", 1, rules.Record{"Country": "DE"}))
}
