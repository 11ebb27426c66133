package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/sunshow/crmflow/internal/agent"
	"github.com/sunshow/crmflow/internal/db"
)

// Job is one locked task handed to a handler
type Job struct {
	Task     *db.WorkflowTask
	Instance *db.WorkflowInstance
	Config   map[string]any // node configuration
	Vars     map[string]any // instance input overlaid with accumulated state
}

func newJob(task *db.WorkflowTask, inst *db.WorkflowInstance) *Job {
	vars := decodeObject(inst.InputData)
	maps.Copy(vars, decodeObject(inst.StateData))
	return &Job{
		Task:     task,
		Instance: inst,
		Config:   decodeObject(task.InputData),
		Vars:     vars,
	}
}

// Handler executes the work of a task. The returned output is stored on the
// task and merged into the instance state under the node key.
type Handler interface {
	Handle(ctx context.Context, job *Job) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *Job) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, job *Job) (map[string]any, error) {
	return f(ctx, job)
}

// PassThrough completes a task without doing any work. Start and timer
// tasks use it: a timer task only becomes visible once its schedule is due.
var PassThrough = HandlerFunc(func(context.Context, *Job) (map[string]any, error) {
	return nil, nil
})

// ─── Actions ───

// ActionFunc performs one automated action
type ActionFunc func(ctx context.Context, job *Job) (map[string]any, error)

// ActionHandler dispatches action tasks by the "action" key of their config
type ActionHandler struct {
	actions map[string]ActionFunc
	logger  *zap.SugaredLogger
}

// NewActionHandler creates an action handler with the built-in actions
func NewActionHandler(logger *zap.SugaredLogger) *ActionHandler {
	h := &ActionHandler{
		actions: make(map[string]ActionFunc),
		logger:  logger,
	}
	h.Register("noop", func(context.Context, *Job) (map[string]any, error) { return nil, nil })
	h.Register("set_fields", setFields)
	h.Register("send_email", h.sendEmail)
	return h
}

// Register adds or replaces an action
func (h *ActionHandler) Register(name string, fn ActionFunc) {
	h.actions[name] = fn
}

func (h *ActionHandler) Handle(ctx context.Context, job *Job) (map[string]any, error) {
	name := cast.ToString(job.Config["action"])
	if name == "" {
		return nil, fmt.Errorf("action task %s has no action configured", job.Task.ID)
	}
	fn, ok := h.actions[name]
	if !ok {
		return nil, fmt.Errorf("unknown action: %s", name)
	}
	return fn(ctx, job)
}

// setFields renders every entry of config "fields" against the job vars
func setFields(_ context.Context, job *Job) (map[string]any, error) {
	fields := cast.ToStringMap(job.Config["fields"])
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		rendered, err := agent.RenderTemplate(s, job.Vars)
		if err != nil {
			return nil, fmt.Errorf("render field %s: %w", k, err)
		}
		out[k] = rendered
	}
	return out, nil
}

// sendEmail renders the configured message. Delivery belongs to the mail
// integration subscribed to task completion events.
func (h *ActionHandler) sendEmail(_ context.Context, job *Job) (map[string]any, error) {
	to := cast.ToString(job.Config["to"])
	if to == "" {
		to = cast.ToString(job.Vars["email"])
	}
	if to == "" {
		return nil, fmt.Errorf("send_email: no recipient")
	}

	subject, err := agent.RenderTemplate(cast.ToString(job.Config["subject"]), job.Vars)
	if err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	body, err := agent.RenderTemplate(cast.ToString(job.Config["body"]), job.Vars)
	if err != nil {
		return nil, fmt.Errorf("render body: %w", err)
	}

	h.logger.Infow("Email queued",
		"instance_id", job.Instance.ID,
		"task_id", job.Task.ID,
		"to", to,
		"template", cast.ToString(job.Config["template"]),
	)
	return map[string]any{
		"to":      to,
		"subject": subject,
		"body":    body,
		"queued":  true,
	}, nil
}

// ─── LLM ───

// LLMHandler runs llm_action tasks through the agent registry
type LLMHandler struct {
	registry *agent.Registry
	prompts  *agent.PromptBuilder
	logger   *zap.SugaredLogger
}

// NewLLMHandler creates a handler for the llm queue
func NewLLMHandler(registry *agent.Registry, prompts *agent.PromptBuilder, logger *zap.SugaredLogger) *LLMHandler {
	return &LLMHandler{registry: registry, prompts: prompts, logger: logger}
}

func (h *LLMHandler) Handle(ctx context.Context, job *Job) (map[string]any, error) {
	role := cast.ToString(job.Config["role"])
	adapter, err := h.registry.GetAdapter(role)
	if err != nil {
		return nil, err
	}

	prompt, err := agent.RenderTemplate(cast.ToString(job.Config["prompt"]), job.Vars)
	if err != nil {
		return nil, fmt.Errorf("render prompt: %w", err)
	}

	req := &agent.AgentRequest{
		TaskID:     job.Task.ID,
		InstanceID: job.Instance.ID,
		NodeID:     job.Task.NodeID,
		Mode:       cast.ToString(job.Config["mode"]),
		Role:       role,
		Prompt:     prompt,
		Context:    job.Vars,
		Model:      cast.ToString(job.Config["model"]),
	}
	req.Prompt = h.prompts.Build(req)

	h.logger.Infow("Executing LLM action",
		"task_id", job.Task.ID,
		"adapter", adapter.Name(),
		"role", role,
		"mode", req.Mode,
	)

	resp, err := adapter.Execute(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", adapter.Name(), err)
	}
	if resp.Metrics != nil {
		h.logger.Infow("LLM action finished",
			"task_id", job.Task.ID,
			"token_input", resp.Metrics.TokenInput,
			"token_output", resp.Metrics.TokenOutput,
			"duration_ms", resp.Metrics.DurationMs,
		)
	}
	return resp.Output, nil
}

// decodeObject parses a JSON object column; anything else yields an empty map
func decodeObject(raw *string) map[string]any {
	out := map[string]any{}
	if raw == nil || *raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(*raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
