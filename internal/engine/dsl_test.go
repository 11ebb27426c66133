package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunshow/crmflow/internal/db"
)

func TestRenderParams(t *testing.T) {
	out := RenderParams("owner: {{ params.owner }} / {{params.missing}} / {{ first_name }}", map[string]string{"owner": "sales"})
	assert.Equal(t, "owner: sales / {{params.missing}} / {{ first_name }}", out)
}

func TestParseDSL_LinearChainWithoutEdges(t *testing.T) {
	wf, err := ParseDSL(linearDSL)
	require.NoError(t, err)
	require.Len(t, wf.Edges, 1)
	assert.Equal(t, "n0", wf.Edges[0].From)
	assert.Equal(t, "n1", wf.Edges[0].To)
	assert.Equal(t, 2, wf.Nodes[1].Retry.GetMaxAttempts())
}

func TestParseDSL_Validation(t *testing.T) {
	tests := []struct {
		name string
		dsl  string
		want string
	}{
		{"no nodes", "name: x\nentity_type: Contact\n", "no nodes"},
		{"no entity type", "name: x\nnodes:\n  - id: a\n    type: start\n", "no entity_type"},
		{"duplicate id", "name: x\nentity_type: Contact\nnodes:\n  - id: a\n    type: start\n  - id: a\n    type: action\n", "duplicate node id"},
		{"unknown type", "name: x\nentity_type: Contact\nnodes:\n  - id: a\n    type: teleport\n", "unknown type"},
		{"no start", "name: x\nentity_type: Contact\nnodes:\n  - id: a\n    type: action\n", "exactly one start node"},
		{"two starts", "name: x\nentity_type: Contact\nnodes:\n  - id: a\n    type: start\n  - id: b\n    type: action\n    start: true\n", "exactly one start node"},
		{"dangling edge", "name: x\nentity_type: Contact\nnodes:\n  - id: a\n    type: start\nedges:\n  - from: a\n    to: b\n", "unknown node: b"},
		{"bad timeout", "name: x\nentity_type: Contact\nnodes:\n  - id: a\n    type: start\n    timeout: soon\n", "parse timeout"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDSL(tc.dsl)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestRetryDef_GetMaxAttempts(t *testing.T) {
	assert.Equal(t, 3, (&RetryDef{}).GetMaxAttempts())
	assert.Equal(t, 4, (&RetryDef{MaxAttempts: 4}).GetMaxAttempts())
	assert.Equal(t, 2, (&RetryDef{MaxAttempts: "2"}).GetMaxAttempts())
	assert.Equal(t, 3, (&RetryDef{MaxAttempts: "{{params.retries}}"}).GetMaxAttempts())
}

func TestImportDefinition_BuildsVersion(t *testing.T) {
	h := newHarness(t)
	def, version, err := h.exec.ImportDefinition(h.ctx, `
name: Onboarding
description: Welcome new contacts
entity_type: Contact
priority: 3
max_concurrent_instances: 50
default_timeout_hours: 48
variables:
  team: support
nodes:
  - id: welcome
    type: start
  - id: call
    name: Intro call
    type: human
    timeout: 90s
    assign:
      role: "{{ params.team }}"
  - id: summary
    type: llm
    retry:
      max_attempts: 3
      delay_seconds: 30
      backoff: exponential
    config:
      role: sales-assistant
      prompt: "Summarize {{ email }}"
`, map[string]string{"team": "sales"}, true)
	require.NoError(t, err)

	assert.Equal(t, db.DefinitionActive, def.Status)
	assert.Equal(t, 50, def.MaxConcurrentInstances)
	require.NotNil(t, def.DefaultTimeoutHours)
	assert.Equal(t, 48, *def.DefaultTimeoutHours)
	assert.True(t, version.IsActive)
	assert.Equal(t, 1, version.VersionNumber)

	active, err := h.store.GetActiveVersion(h.ctx, def.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, version.ID, active.ID)

	nodes, err := h.store.ListNodes(h.ctx, version.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	byKey := map[string]*db.WorkflowNode{}
	for _, n := range nodes {
		byKey[n.NodeKey] = n
	}
	assert.True(t, byKey["welcome"].IsStartNode)
	assert.Equal(t, db.NodeHumanTask, byKey["call"].Type)
	assert.Equal(t, "Intro call", byKey["call"].Name)
	assert.Equal(t, "sales", ptrStr(byKey["call"].AssignedRole))
	require.NotNil(t, byKey["call"].TimeoutMinutes)
	assert.Equal(t, 2, *byKey["call"].TimeoutMinutes)
	assert.Equal(t, db.NodeLLMAction, byKey["summary"].Type)
	assert.Equal(t, 3, byKey["summary"].RetryCount)
	assert.True(t, byKey["summary"].UseExponentialBackoff)
	assert.JSONEq(t, `{"role":"sales-assistant","prompt":"Summarize {{ email }}"}`, ptrStr(byKey["summary"].Configuration))

	transitions, err := h.store.ListTransitions(h.ctx, version.ID)
	require.NoError(t, err)
	assert.Len(t, transitions, 2)
}

func TestImportVersion_SwitchesActiveVersion(t *testing.T) {
	h := newHarness(t)
	def := h.importActive(t, linearDSL)

	v2, err := h.exec.ImportVersion(h.ctx, def.ID, `
name: Lead follow-up
entity_type: Contact
change_log: single step
nodes:
  - id: only
    type: start
`, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.VersionNumber)

	active, err := h.store.GetActiveVersion(h.ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)

	_, err = h.exec.ImportVersion(h.ctx, def.ID, "name: x\nentity_type: Deal\nnodes:\n  - id: a\n    type: start\n", nil, false)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	require.NoError(t, h.exec.ArchiveDefinition(h.ctx, def.ID))
	_, err = h.exec.StartWorkflow(h.ctx, StartRequest{DefinitionID: def.ID, EntityType: "Contact", EntityID: 1})
	assert.ErrorIs(t, err, ErrInvalidOperation)
}
