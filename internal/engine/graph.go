package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/sunshow/crmflow/internal/db"
	"github.com/sunshow/crmflow/internal/event"
	"github.com/sunshow/crmflow/internal/rules"
)

// ─── Graph Structure ───

// Graph is the node graph of one workflow version
type Graph struct {
	Start    *db.WorkflowNode
	nodes    map[string]*db.WorkflowNode
	outgoing map[string][]*db.WorkflowTransition // nodeID → transitions, highest priority first
}

// NewGraph indexes nodes and transitions. It rejects more than one start node
// and transitions that reference nodes outside the version; a graph without
// a start node is returned with Start == nil.
func NewGraph(nodes []*db.WorkflowNode, transitions []*db.WorkflowTransition) (*Graph, error) {
	g := &Graph{
		nodes:    make(map[string]*db.WorkflowNode, len(nodes)),
		outgoing: make(map[string][]*db.WorkflowTransition),
	}
	for _, n := range nodes {
		g.nodes[n.ID] = n
		if n.IsStartNode {
			if g.Start != nil {
				return nil, fmt.Errorf("multiple start nodes: %s, %s", g.Start.NodeKey, n.NodeKey)
			}
			g.Start = n
		}
	}
	for _, t := range transitions {
		if _, ok := g.nodes[t.FromNodeID]; !ok {
			return nil, fmt.Errorf("transition %s references unknown node: %s", t.ID, t.FromNodeID)
		}
		if _, ok := g.nodes[t.ToNodeID]; !ok {
			return nil, fmt.Errorf("transition %s references unknown node: %s", t.ID, t.ToNodeID)
		}
		g.outgoing[t.FromNodeID] = append(g.outgoing[t.FromNodeID], t)
	}
	for _, out := range g.outgoing {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	}
	return g, nil
}

// Node returns the node by ID
func (g *Graph) Node(id string) *db.WorkflowNode {
	return g.nodes[id]
}

// Outgoing returns the transitions leaving a node, highest priority first
func (g *Graph) Outgoing(nodeID string) []*db.WorkflowTransition {
	return g.outgoing[nodeID]
}

func (e *Executor) loadGraph(ctx context.Context, versionID string) (*Graph, error) {
	nodes, err := e.store.ListNodes(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	transitions, err := e.store.ListTransitions(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("load transitions: %w", err)
	}
	return NewGraph(nodes, transitions)
}

// ─── Graph Advancement ───

// selectTransition returns the first outgoing transition whose guard holds
// for state. A guard that cannot be decoded never matches.
func (e *Executor) selectTransition(g *Graph, nodeID string, state map[string]any) (*db.WorkflowTransition, bool) {
	out := g.Outgoing(nodeID)
	if len(out) == 0 {
		return nil, false
	}
	entity := rules.Record(state)
	for _, t := range out {
		if t.Condition == nil || *t.Condition == "" {
			return t, true
		}
		guard, err := rules.ParseGuard(*t.Condition)
		if err != nil {
			e.logger.Warnw("Invalid transition condition", "transition_id", t.ID, "error", err)
			continue
		}
		if e.matcher.Holds(guard, entity) {
			return t, true
		}
	}
	return nil, true
}

// advance moves an instance past a completed node: it picks the outgoing
// transition, records it on the node instance and schedules the next node.
// A paused or terminal instance is left where it is.
func (e *Executor) advance(ctx context.Context, inst *db.WorkflowInstance, nodeInst *db.NodeInstance) error {
	if inst.Status != db.InstanceRunning {
		e.logger.Infow("Instance not running, holding advancement",
			"instance_id", inst.ID,
			"status", inst.Status,
		)
		return nil
	}

	g, err := e.loadGraph(ctx, inst.VersionID)
	if err != nil {
		return fmt.Errorf("load graph: %w", err)
	}

	state := decodeObject(inst.StateData)
	transition, hasOutgoing := e.selectTransition(g, nodeInst.NodeID, state)

	if !hasOutgoing {
		return e.completeInstance(ctx, inst)
	}
	if transition == nil {
		node := g.Node(nodeInst.NodeID)
		key := nodeInst.NodeID
		if node != nil {
			key = node.NodeKey
		}
		return ignoreSettled(e.failInstance(ctx, inst, fmt.Sprintf("no transition matched from node %s", key), nil))
	}

	nodeInst.TransitionTakenID = &transition.ID
	if err := e.store.UpdateNodeInstance(ctx, nodeInst); err != nil {
		return fmt.Errorf("record transition: %w", err)
	}

	next := g.Node(transition.ToNodeID)
	e.writeLog(ctx, &db.WorkflowLog{
		InstanceID:     inst.ID,
		NodeID:         &nodeInst.NodeID,
		NodeInstanceID: &nodeInst.ID,
		Level:          db.LogInfo,
		Category:       CategoryTransition,
		Message:        fmt.Sprintf("Transition to %s", next.NodeKey),
		Details:        jsonStr(map[string]any{"transition_id": transition.ID, "to_node_id": next.ID}),
	})

	return e.scheduleNode(ctx, inst, next)
}

// scheduleNode creates the node instance and task that execute node
func (e *Executor) scheduleNode(ctx context.Context, inst *db.WorkflowInstance, node *db.WorkflowNode) error {
	nodeInst, err := e.startNodeExecution(ctx, inst, node)
	if err != nil {
		return err
	}
	if _, err := e.createTaskForNode(ctx, inst, node, &nodeInst.ID); err != nil {
		return err
	}
	return nil
}

// resumeAdvance re-runs advancement held back while an instance was paused
func (e *Executor) resumeAdvance(ctx context.Context, inst *db.WorkflowInstance) error {
	if inst.CurrentNodeID == nil {
		return nil
	}
	open, err := e.store.ListTasks(ctx, inst.ID, db.TaskPending, db.TaskWaiting, db.TaskLocked, db.TaskRetrying)
	if err != nil {
		return fmt.Errorf("list open tasks: %w", err)
	}
	if len(open) > 0 {
		return nil
	}

	latest, err := e.store.LatestNodeInstance(ctx, inst.ID, *inst.CurrentNodeID)
	if err != nil {
		return fmt.Errorf("latest node instance: %w", err)
	}
	if latest != nil && (latest.Status == db.NodeCompleted || latest.Status == db.NodeSkipped) && latest.TransitionTakenID == nil {
		return e.advance(ctx, inst, latest)
	}

	node, err := e.store.GetNode(ctx, *inst.CurrentNodeID)
	if err != nil {
		return fmt.Errorf("get current node: %w", err)
	}
	return e.scheduleNode(ctx, inst, node)
}

// completeInstance finishes an instance whose current node has no outgoing
// transitions. An instance that stopped running meanwhile is left alone.
func (e *Executor) completeInstance(ctx context.Context, inst *db.WorkflowInstance) error {
	now := e.now()
	err := e.saveInstance(ctx, inst, func(i *db.WorkflowInstance) error {
		if i.Status != db.InstanceRunning {
			return errInstanceSettled
		}
		i.Status = db.InstanceCompleted
		i.OutputData = i.StateData
		i.CompletedAt = &now
		i.CurrentNodeID = nil
		i.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errInstanceSettled) {
		e.logger.Infow("Instance stopped running before completion", "instance_id", inst.ID, "status", inst.Status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete instance: %w", err)
	}

	e.logger.Infow("Workflow instance completed", "instance_id", inst.ID)
	e.lifecycleLog(ctx, inst, db.LogInfo, "Workflow instance completed", nil)
	e.metrics.IncTransition(string(db.InstanceCompleted))
	e.publishEvent(event.InstanceCompleted, inst.ID, "", "", nil)
	return nil
}

// failInstance marks an instance Failed and cancels its open tasks. It returns
// errInstanceSettled when the instance is already terminal.
func (e *Executor) failInstance(ctx context.Context, inst *db.WorkflowInstance, msg string, stack *string) error {
	now := e.now()
	err := e.saveInstance(ctx, inst, func(i *db.WorkflowInstance) error {
		if i.Status.Terminal() {
			return errInstanceSettled
		}
		i.Status = db.InstanceFailed
		i.ErrorMessage = &msg
		i.ErrorStackTrace = stack
		i.CompletedAt = &now
		i.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errInstanceSettled) {
		return err
	}
	if err != nil {
		return fmt.Errorf("fail instance: %w", err)
	}

	if _, err := e.store.CancelTasks(ctx, inst.ID, nil, []db.TaskStatus{db.TaskPending, db.TaskWaiting}, now); err != nil {
		e.logger.Errorw("Failed to cancel tasks of failed instance", "instance_id", inst.ID, "error", err)
	}

	e.logger.Warnw("Workflow instance failed", "instance_id", inst.ID, "error", msg)
	e.lifecycleLog(ctx, inst, db.LogError, "Workflow instance failed", map[string]any{"error": msg})
	e.metrics.IncTransition(string(db.InstanceFailed))
	e.publishEvent(event.InstanceFailed, inst.ID, "", ptrStr(inst.CurrentNodeID), map[string]any{"error": msg})
	return nil
}

// mergeState folds node output into the instance state. Object outputs are
// merged key by key; any other JSON value is stored under the node key.
func mergeState(state map[string]any, nodeKey string, output *string) map[string]any {
	if output == nil || *output == "" {
		return state
	}
	var decoded any
	if err := json.Unmarshal([]byte(*output), &decoded); err != nil {
		state[nodeKey] = *output
		return state
	}
	if obj, ok := decoded.(map[string]any); ok {
		for k, v := range obj {
			state[k] = v
		}
		return state
	}
	state[nodeKey] = decoded
	return state
}
