package rules

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sunshow/crmflow/internal/db"
)

// Matcher selects the highest-priority enabled rule that matches an entity
type Matcher struct {
	eval *Evaluator
}

// NewMatcher creates a matcher backed by eval
func NewMatcher(eval *Evaluator) *Matcher {
	return &Matcher{eval: eval}
}

// Match returns the first enabled rule, by descending priority, whose
// conditions hold for entity. A rule without conditions always matches.
func (m *Matcher) Match(rules []*db.WorkflowRule, entity Entity) *db.WorkflowRule {
	ordered := make([]*db.WorkflowRule, 0, len(rules))
	for _, r := range rules {
		if r.IsEnabled {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	for _, r := range ordered {
		conds := make([]Condition, 0, len(r.Conditions))
		for _, c := range r.Conditions {
			conds = append(conds, FromRuleCondition(c))
		}
		if m.eval.EvaluateAll(entity, r.ConditionLogic, conds) {
			return r
		}
	}
	return nil
}

// Guard is the condition attached to a transition
type Guard struct {
	Logic      string      `json:"logic,omitempty" yaml:"logic,omitempty"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
}

// ParseGuard decodes a transition guard. A bare condition object is accepted
// as a single-condition guard.
func ParseGuard(raw string) (*Guard, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &Guard{}, nil
	}
	var g Guard
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, fmt.Errorf("decode guard: %w", err)
	}
	if len(g.Conditions) == 0 {
		var c Condition
		if err := json.Unmarshal([]byte(raw), &c); err == nil && c.Field != "" {
			g.Conditions = []Condition{c}
		}
	}
	return &g, nil
}

// Encode returns the JSON form stored on a transition
func (g *Guard) Encode() string {
	data, _ := json.Marshal(g)
	return string(data)
}

// Holds reports whether entity satisfies the guard
func (m *Matcher) Holds(g *Guard, entity Entity) bool {
	logic := g.Logic
	if logic == "" {
		logic = "AND"
	}
	return m.eval.EvaluateAll(entity, logic, g.Conditions)
}
