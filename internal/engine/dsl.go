package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/sunshow/crmflow/internal/db"
	"github.com/sunshow/crmflow/internal/rules"
)

// ─── DSL Data Structures ───

// DefinitionDSL is the YAML form of a workflow definition and its first version
type DefinitionDSL struct {
	Name                   string            `yaml:"name"`
	Description            string            `yaml:"description"`
	EntityType             string            `yaml:"entity_type"`
	Priority               int               `yaml:"priority"`
	MaxConcurrentInstances int               `yaml:"max_concurrent_instances"`
	DefaultTimeoutHours    int               `yaml:"default_timeout_hours"`
	ChangeLog              string            `yaml:"change_log"`
	Variables              map[string]string `yaml:"variables"`
	Nodes                  []NodeDef         `yaml:"nodes"`
	Edges                  []EdgeDef         `yaml:"edges"`
}

// NodeDef is one node of the DSL
type NodeDef struct {
	ID      string         `yaml:"id"`
	Name    string         `yaml:"name"`
	Type    string         `yaml:"type"` // start / human_task / action / llm_action / wait
	Start   bool           `yaml:"start"`
	Order   *int           `yaml:"order"`
	Timeout string         `yaml:"timeout"` // Go duration, rounded up to minutes
	Retry   *RetryDef      `yaml:"retry"`
	Assign  *AssignDef     `yaml:"assign"`
	Form    []FormFieldDef `yaml:"form"`
	Config  map[string]any `yaml:"config"`
}

// RetryDef defines retry behavior of a node
type RetryDef struct {
	MaxAttempts  any    `yaml:"max_attempts"` // int or an unresolved template
	DelaySeconds int    `yaml:"delay_seconds"`
	Backoff      string `yaml:"backoff"` // fixed / exponential
}

// GetMaxAttempts returns max_attempts as int, defaulting to 3 if not parseable
func (r *RetryDef) GetMaxAttempts() int {
	if r.MaxAttempts == nil {
		return 3
	}
	n, err := cast.ToIntE(r.MaxAttempts)
	if err != nil || n < 0 {
		return 3
	}
	return n
}

// AssignDef routes a human task
type AssignDef struct {
	User string `yaml:"user"`
	Role string `yaml:"role"`
}

// FormFieldDef defines a form field for human task nodes
type FormFieldDef struct {
	Field    string   `yaml:"field" json:"field"`
	Type     string   `yaml:"type" json:"type"`
	Label    string   `yaml:"label" json:"label"`
	Required bool     `yaml:"required" json:"required"`
	Options  []string `yaml:"options" json:"options,omitempty"`
}

// EdgeDef is a transition between two nodes
type EdgeDef struct {
	From     string       `yaml:"from"`
	To       string       `yaml:"to"`
	Name     string       `yaml:"name"`
	Priority int          `yaml:"priority"`
	When     *rules.Guard `yaml:"when"`
}

var nodeTypeAliases = map[string]db.NodeType{
	"start":      db.NodeStart,
	"human_task": db.NodeHumanTask,
	"human":      db.NodeHumanTask,
	"action":     db.NodeAction,
	"llm_action": db.NodeLLMAction,
	"llm":        db.NodeLLMAction,
	"wait":       db.NodeWait,
	"timer":      db.NodeWait,
}

// paramsPattern matches {{params.xxx}} and {{ params.xxx }} with optional spaces
var paramsPattern = regexp.MustCompile(`\{\{\s*params\.(\w+)\s*\}\}`)

// RenderParams replaces {{params.xxx}} placeholders with actual values.
// Unknown params are kept as-is so runtime templates survive import.
func RenderParams(dsl string, variables map[string]string) string {
	return paramsPattern.ReplaceAllStringFunc(dsl, func(match string) string {
		sub := paramsPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		if val, ok := variables[sub[1]]; ok {
			return val
		}
		return match
	})
}

// ParseDSL parses and validates a YAML workflow definition. Without explicit
// edges the nodes are chained in declaration order.
func ParseDSL(dslYAML string) (*DefinitionDSL, error) {
	var wf DefinitionDSL
	if err := yaml.Unmarshal([]byte(dslYAML), &wf); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	if wf.Name == "" {
		return nil, fmt.Errorf("workflow has no name")
	}
	if wf.EntityType == "" {
		return nil, fmt.Errorf("workflow %s has no entity_type", wf.Name)
	}
	if len(wf.Nodes) == 0 {
		return nil, fmt.Errorf("workflow has no nodes")
	}

	seen := make(map[string]bool, len(wf.Nodes))
	starts := 0
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if node.ID == "" {
			return nil, fmt.Errorf("node at index %d has no id", i)
		}
		if seen[node.ID] {
			return nil, fmt.Errorf("duplicate node id: %s", node.ID)
		}
		seen[node.ID] = true

		if node.Type == "" && node.Start {
			node.Type = string(db.NodeStart)
		}
		if _, ok := nodeTypeAliases[strings.ToLower(node.Type)]; !ok {
			return nil, fmt.Errorf("node %s has unknown type %q", node.ID, node.Type)
		}
		if node.isStart() {
			starts++
		}
		if node.Timeout != "" {
			if _, err := time.ParseDuration(node.Timeout); err != nil {
				return nil, fmt.Errorf("node %s: parse timeout: %w", node.ID, err)
			}
		}
	}
	if starts != 1 {
		return nil, fmt.Errorf("workflow must have exactly one start node, found %d", starts)
	}

	if len(wf.Edges) > 0 {
		for _, edge := range wf.Edges {
			if !seen[edge.From] {
				return nil, fmt.Errorf("edge references unknown node: %s", edge.From)
			}
			if !seen[edge.To] {
				return nil, fmt.Errorf("edge references unknown node: %s", edge.To)
			}
		}
	} else {
		for i := 1; i < len(wf.Nodes); i++ {
			wf.Edges = append(wf.Edges, EdgeDef{From: wf.Nodes[i-1].ID, To: wf.Nodes[i].ID})
		}
	}

	return &wf, nil
}

func (n *NodeDef) isStart() bool {
	return n.Start || nodeTypeAliases[strings.ToLower(n.Type)] == db.NodeStart
}

// Build converts the DSL into version records. Node and transition IDs are
// freshly generated; node keys are the DSL node ids.
func (wf *DefinitionDSL) Build(versionID string) ([]*db.WorkflowNode, []*db.WorkflowTransition, error) {
	nodes := make([]*db.WorkflowNode, 0, len(wf.Nodes))
	byKey := make(map[string]*db.WorkflowNode, len(wf.Nodes))

	for i := range wf.Nodes {
		def := &wf.Nodes[i]
		node := &db.WorkflowNode{
			ID:             uuid.New().String(),
			VersionID:      versionID,
			NodeKey:        def.ID,
			Name:           def.Name,
			Type:           nodeTypeAliases[strings.ToLower(def.Type)],
			IsStartNode:    def.isStart(),
			ExecutionOrder: i,
		}
		if node.Name == "" {
			node.Name = def.ID
		}
		if def.Order != nil {
			node.ExecutionOrder = *def.Order
		}
		if def.Retry != nil {
			node.RetryCount = def.Retry.GetMaxAttempts()
			node.RetryDelaySeconds = def.Retry.DelaySeconds
			node.UseExponentialBackoff = strings.EqualFold(def.Retry.Backoff, "exponential")
		}
		if def.Timeout != "" {
			d, err := time.ParseDuration(def.Timeout)
			if err != nil {
				return nil, nil, fmt.Errorf("node %s: parse timeout: %w", def.ID, err)
			}
			minutes := int((d + time.Minute - 1) / time.Minute)
			node.TimeoutMinutes = &minutes
		}
		if def.Assign != nil {
			if def.Assign.User != "" {
				node.AssignedUserID = strPtr(def.Assign.User)
			}
			if def.Assign.Role != "" {
				node.AssignedRole = strPtr(def.Assign.Role)
			}
		}
		if len(def.Form) > 0 {
			node.FormSchema = jsonStr(def.Form)
		}
		if len(def.Config) > 0 {
			node.Configuration = jsonStr(def.Config)
		}
		nodes = append(nodes, node)
		byKey[def.ID] = node
	}

	transitions := make([]*db.WorkflowTransition, 0, len(wf.Edges))
	for _, edge := range wf.Edges {
		t := &db.WorkflowTransition{
			ID:         uuid.New().String(),
			VersionID:  versionID,
			FromNodeID: byKey[edge.From].ID,
			ToNodeID:   byKey[edge.To].ID,
			Priority:   edge.Priority,
		}
		if edge.Name != "" {
			t.Name = strPtr(edge.Name)
		}
		if edge.When != nil && len(edge.When.Conditions) > 0 {
			t.Condition = strPtr(edge.When.Encode())
		}
		transitions = append(transitions, t)
	}

	if _, err := NewGraph(nodes, transitions); err != nil {
		return nil, nil, err
	}
	return nodes, transitions, nil
}

// ─── Definition Lifecycle ───

// ImportDefinition creates a definition and its first version from YAML.
// params fill {{params.x}} placeholders, overriding the DSL's own variables.
// With activate the definition and version become active immediately.
func (e *Executor) ImportDefinition(ctx context.Context, dslYAML string, params map[string]string, activate bool) (*db.WorkflowDefinition, *db.WorkflowVersion, error) {
	wf, err := e.parseWithParams(dslYAML, params)
	if err != nil {
		return nil, nil, err
	}

	now := e.now()
	def := &db.WorkflowDefinition{
		ID:                     uuid.New().String(),
		Name:                   wf.Name,
		EntityType:             wf.EntityType,
		Status:                 db.DefinitionDraft,
		Priority:               wf.Priority,
		MaxConcurrentInstances: wf.MaxConcurrentInstances,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if wf.Description != "" {
		def.Description = strPtr(wf.Description)
	}
	if wf.DefaultTimeoutHours > 0 {
		hours := wf.DefaultTimeoutHours
		def.DefaultTimeoutHours = &hours
	}
	if err := e.store.CreateDefinition(ctx, def); err != nil {
		return nil, nil, fmt.Errorf("create definition: %w", err)
	}

	version, err := e.createVersion(ctx, def.ID, wf, activate)
	if err != nil {
		return nil, nil, err
	}
	if activate {
		if err := e.ActivateDefinition(ctx, def.ID); err != nil {
			return nil, nil, err
		}
		def.Status = db.DefinitionActive
	}

	e.logger.Infow("Imported workflow definition",
		"definition_id", def.ID,
		"name", def.Name,
		"version", version.VersionNumber,
		"nodes", len(wf.Nodes),
		"edges", len(wf.Edges),
	)
	return def, version, nil
}

// ImportVersion adds a new version to an existing definition
func (e *Executor) ImportVersion(ctx context.Context, definitionID, dslYAML string, params map[string]string, activate bool) (*db.WorkflowVersion, error) {
	def, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	wf, err := e.parseWithParams(dslYAML, params)
	if err != nil {
		return nil, err
	}
	if wf.EntityType != def.EntityType {
		return nil, invalidf("version entity type %s does not match definition entity type %s", wf.EntityType, def.EntityType)
	}
	return e.createVersion(ctx, def.ID, wf, activate)
}

func (e *Executor) parseWithParams(dslYAML string, params map[string]string) (*DefinitionDSL, error) {
	// First pass reads the DSL's own variables so params can default to them
	vars := map[string]string{}
	var head struct {
		Variables map[string]string `yaml:"variables"`
	}
	if err := yaml.Unmarshal([]byte(dslYAML), &head); err == nil {
		for k, v := range head.Variables {
			vars[k] = v
		}
	}
	for k, v := range params {
		vars[k] = v
	}

	wf, err := ParseDSL(RenderParams(dslYAML, vars))
	if err != nil {
		return nil, invalidf("%v", err)
	}
	return wf, nil
}

func (e *Executor) createVersion(ctx context.Context, definitionID string, wf *DefinitionDSL, activate bool) (*db.WorkflowVersion, error) {
	version := &db.WorkflowVersion{
		ID:           uuid.New().String(),
		DefinitionID: definitionID,
		CreatedAt:    e.now(),
	}
	if wf.ChangeLog != "" {
		version.ChangeLog = strPtr(wf.ChangeLog)
	}
	nodes, transitions, err := wf.Build(version.ID)
	if err != nil {
		return nil, invalidf("%v", err)
	}
	if err := e.store.CreateVersion(ctx, version, nodes, transitions); err != nil {
		return nil, fmt.Errorf("create version: %w", err)
	}
	if activate {
		if err := e.ActivateVersion(ctx, definitionID, version.ID); err != nil {
			return nil, err
		}
		version.IsActive = true
	}
	return version, nil
}

// ActivateVersion makes versionID the single active version of its definition
func (e *Executor) ActivateVersion(ctx context.Context, definitionID, versionID string) error {
	if err := e.store.ActivateVersion(ctx, definitionID, versionID); err != nil {
		return fmt.Errorf("activate version: %w", err)
	}
	e.logger.Infow("Activated workflow version", "definition_id", definitionID, "version_id", versionID)
	return nil
}

// ActivateDefinition allows new instances of a definition to start
func (e *Executor) ActivateDefinition(ctx context.Context, definitionID string) error {
	return e.setDefinitionStatus(ctx, definitionID, db.DefinitionActive)
}

// ArchiveDefinition stops new instances of a definition; running ones continue
func (e *Executor) ArchiveDefinition(ctx context.Context, definitionID string) error {
	return e.setDefinitionStatus(ctx, definitionID, db.DefinitionArchived)
}

func (e *Executor) setDefinitionStatus(ctx context.Context, definitionID string, status db.DefinitionStatus) error {
	if err := e.store.UpdateDefinitionStatus(ctx, definitionID, status); err != nil {
		return fmt.Errorf("update definition status: %w", err)
	}
	e.logger.Infow("Workflow definition status changed", "definition_id", definitionID, "status", status)
	return nil
}
