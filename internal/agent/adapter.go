package agent

import "context"

// AgentRequest represents one LLM action of a workflow task
type AgentRequest struct {
	TaskID     string         `json:"task_id"`
	InstanceID string         `json:"instance_id"`
	NodeID     string         `json:"node_id"`
	Mode       string         `json:"mode"` // summarize / classify / draft_email
	Role       string         `json:"role"`
	RolePrompt string         `json:"role_prompt,omitempty"`
	Prompt     string         `json:"prompt"`
	Context    map[string]any `json:"context"`
	Model      string         `json:"model,omitempty"`
}

// AgentResponse represents the response from an agent
type AgentResponse struct {
	Output  map[string]any    `json:"output"`
	Metrics *ExecutionMetrics `json:"metrics,omitempty"`
}

// ExecutionMetrics tracks agent execution metrics
type ExecutionMetrics struct {
	TokenInput  int   `json:"token_input"`
	TokenOutput int   `json:"token_output"`
	DurationMs  int64 `json:"duration_ms"`
}

// Adapter is the interface all agent adapters must implement
type Adapter interface {
	Name() string
	Execute(ctx context.Context, req *AgentRequest) (*AgentResponse, error)
}

// Registry manages available agent adapters
type Registry struct {
	adapters map[string]Adapter // name → adapter
	roles    map[string]string  // role → adapter name
	fallback string
}

// NewRegistry creates a new agent registry. Roles without a mapping resolve
// to the adapter named fallback.
func NewRegistry(fallback string) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		roles:    make(map[string]string),
		fallback: fallback,
	}
}

// Register adds an adapter to the registry
func (r *Registry) Register(adapter Adapter) {
	r.adapters[adapter.Name()] = adapter
}

// MapRole maps an agent role to an adapter name
func (r *Registry) MapRole(role, adapterName string) {
	r.roles[role] = adapterName
}

// GetAdapter returns the adapter for a given role
func (r *Registry) GetAdapter(role string) (Adapter, error) {
	adapterName, ok := r.roles[role]
	if !ok {
		adapterName = r.fallback
	}
	if adapter, ok := r.adapters[adapterName]; ok {
		return adapter, nil
	}
	if adapter, ok := r.adapters[r.fallback]; ok {
		return adapter, nil
	}
	return nil, &NoAdapterError{Role: role}
}

// NoAdapterError is returned when no adapter is found for a role
type NoAdapterError struct {
	Role string
}

func (e *NoAdapterError) Error() string {
	return "no agent adapter found for role: " + e.Role
}
