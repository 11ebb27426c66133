package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultRolePrompts provides built-in system prompts for common roles
var DefaultRolePrompts = map[string]string{
	"sales-assistant": `You are a sales assistant working inside a CRM. Your job is to:
- read the contact and deal context
- suggest the next best action for the account owner
Answer concisely.`,

	"support-triage": `You triage customer service requests. Classify the request,
estimate its urgency and name the team that should own it.`,

	"marketing-copywriter": `You write short, friendly marketing emails. Keep the tone
personal, never invent discounts or facts that are not in the context.`,
}

// PromptBuilder constructs the full prompt for an agent request
type PromptBuilder struct {
	rolePrompts map[string]string // role → system prompt
}

// NewPromptBuilder creates a new prompt builder with default role prompts
func NewPromptBuilder() *PromptBuilder {
	prompts := make(map[string]string, len(DefaultRolePrompts))
	for k, v := range DefaultRolePrompts {
		prompts[k] = v
	}
	return &PromptBuilder{rolePrompts: prompts}
}

// SetRolePrompt sets or overrides a role's system prompt
func (b *PromptBuilder) SetRolePrompt(role, prompt string) {
	b.rolePrompts[role] = prompt
}

// Build constructs the full prompt from role prompt + node prompt + instance state
func (b *PromptBuilder) Build(req *AgentRequest) string {
	var parts []string

	if req.RolePrompt != "" {
		parts = append(parts, req.RolePrompt)
	} else if rolePrompt, ok := b.rolePrompts[req.Role]; ok {
		parts = append(parts, rolePrompt)
	}

	if req.Prompt != "" {
		parts = append(parts, "---\n## Task\n"+req.Prompt)
	}

	if len(req.Context) > 0 {
		if contextStr := formatContext(req.Context); contextStr != "" {
			parts = append(parts, "---\n## Workflow state\n"+contextStr)
		}
	}

	if instr := modeInstruction(req.Mode); instr != "" {
		parts = append(parts, "---\n## Output\n"+instr)
	}

	return strings.Join(parts, "\n\n")
}

// formatContext formats instance state as readable text, dropping internal keys
func formatContext(ctx map[string]any) string {
	filtered := make(map[string]any)
	for k, v := range ctx {
		if !strings.HasPrefix(k, "_") {
			filtered[k] = v
		}
	}

	if len(filtered) == 0 {
		return ""
	}

	b, err := json.MarshalIndent(filtered, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", filtered)
	}
	return string(b)
}

// modeInstruction returns mode-specific output instructions
func modeInstruction(mode string) string {
	switch mode {
	case "summarize":
		return `Reply with a JSON object {"summary": string}.`
	case "classify":
		return `Reply with a JSON object {"category": string, "confidence": number between 0 and 1}.`
	case "draft_email":
		return `Reply with a JSON object {"subject": string, "body": string}.`
	default:
		return ""
	}
}
