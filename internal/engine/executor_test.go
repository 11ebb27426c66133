package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sunshow/crmflow/internal/db"
	"github.com/sunshow/crmflow/internal/event"
	"github.com/sunshow/crmflow/internal/metrics"
)

// testClock is a settable time source shared by the executor under test
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	ctx   context.Context
	store *db.MemoryStore
	exec  *Executor
	clock *testClock
	bus   *event.Bus
	m     *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ctx:   context.Background(),
		store: db.NewMemoryStore(),
		clock: newTestClock(),
		bus:   event.NewBus(zap.NewNop().Sugar()),
		m:     metrics.New(prometheus.NewRegistry()),
	}
	h.exec = NewExecutor(h.store, zap.NewNop().Sugar(),
		WithClock(h.clock.Now),
		WithEventBus(h.bus),
		WithMetrics(h.m),
	)
	return h
}

// importActive imports dsl as an active definition with an active version
func (h *harness) importActive(t *testing.T, dsl string) *db.WorkflowDefinition {
	t.Helper()
	def, _, err := h.exec.ImportDefinition(h.ctx, dsl, nil, true)
	require.NoError(t, err)
	return def
}

func (h *harness) start(t *testing.T, defID string, entityID int64) *db.WorkflowInstance {
	t.Helper()
	inst, err := h.exec.StartWorkflow(h.ctx, StartRequest{
		DefinitionID: defID,
		EntityType:   "Contact",
		EntityID:     entityID,
		TriggerEvent: "manual",
	})
	require.NoError(t, err)
	return inst
}

// openTasks returns the instance's tasks that are not finished
func (h *harness) openTasks(t *testing.T, instanceID string) []*db.WorkflowTask {
	t.Helper()
	tasks, err := h.exec.GetInstanceTasks(h.ctx, instanceID, db.TaskPending, db.TaskWaiting, db.TaskLocked, db.TaskRetrying)
	require.NoError(t, err)
	return tasks
}

// singleOpenTask asserts there is exactly one unfinished task and returns it
func (h *harness) singleOpenTask(t *testing.T, instanceID string) *db.WorkflowTask {
	t.Helper()
	tasks := h.openTasks(t, instanceID)
	require.Len(t, tasks, 1)
	return tasks[0]
}

func (h *harness) instance(t *testing.T, id string) *db.WorkflowInstance {
	t.Helper()
	inst, err := h.exec.GetInstance(h.ctx, id)
	require.NoError(t, err)
	return inst
}

func (h *harness) task(t *testing.T, id string) *db.WorkflowTask {
	t.Helper()
	task, err := h.exec.GetTask(h.ctx, id)
	require.NoError(t, err)
	return task
}

func (h *harness) lifecycleLogs(t *testing.T, instanceID string) []*db.WorkflowLog {
	t.Helper()
	logs, err := h.exec.GetInstanceLogs(h.ctx, instanceID)
	require.NoError(t, err)
	var out []*db.WorkflowLog
	for _, l := range logs {
		if l.Category == CategoryLifecycle {
			out = append(out, l)
		}
	}
	return out
}

const linearDSL = `
name: Lead follow-up
entity_type: Contact
nodes:
  - id: n0
    type: start
  - id: n1
    type: action
    retry:
      max_attempts: 2
      delay_seconds: 1
    config:
      action: send_email
`
