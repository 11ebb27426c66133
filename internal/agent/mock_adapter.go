package agent

import (
	"context"
	"fmt"
	"time"
)

// MockAdapter returns simulated agent responses for development and tests
type MockAdapter struct {
	delay time.Duration
}

// NewMockAdapter creates a mock adapter that answers after delay
func NewMockAdapter(delay time.Duration) *MockAdapter {
	return &MockAdapter{delay: delay}
}

func (m *MockAdapter) Name() string {
	return "mock"
}

func (m *MockAdapter) Execute(ctx context.Context, req *AgentRequest) (*AgentResponse, error) {
	start := time.Now()

	if m.delay > 0 {
		timer := time.NewTimer(m.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var output map[string]any

	switch req.Mode {
	case "summarize":
		output = map[string]any{
			"summary": fmt.Sprintf("[Mock] Summary for node '%s'", req.NodeID),
		}
	case "classify":
		output = map[string]any{
			"category":   "general",
			"confidence": 0.5,
		}
	case "draft_email":
		output = map[string]any{
			"subject": "[Mock] Following up",
			"body":    fmt.Sprintf("[Mock] Draft generated from prompt of %d characters", len(req.Prompt)),
		}
	default:
		output = map[string]any{
			"result": fmt.Sprintf("[Mock] Agent task completed for node '%s' (mode: %s)", req.NodeID, req.Mode),
		}
	}

	return &AgentResponse{
		Output: output,
		Metrics: &ExecutionMetrics{
			TokenInput:  len(req.Prompt) / 4,
			TokenOutput: 64,
			DurationMs:  time.Since(start).Milliseconds(),
		},
	}, nil
}
