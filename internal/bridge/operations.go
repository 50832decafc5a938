package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Mode labels which operation set a task ran with.
type Mode string

const (
	ModeLive     Mode = "live"
	ModeFallback Mode = "fallback"
)

// Operation couples a tool definition with its invoker. Live operations
// proxy to the backend; fallback operations are served locally.
type Operation struct {
	Tool mcp.Tool
	Call func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error)
}

// Outcome is what a task reports back to its dispatcher.
type Outcome struct {
	Summary  string `json:"summary"`
	Degraded bool   `json:"degraded"`
}

// TaskFunc runs one task against the provided operation set. The context
// carries the task timeout.
type TaskFunc func(ctx context.Context, ops []Operation, mode Mode) (*Outcome, error)

// CallTool invokes a backend tool by name over the live link.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	m.mu.Lock()
	cl := m.client
	state := m.state
	m.mu.Unlock()
	if cl == nil || (state != StateConnected && state != StateDegraded) {
		return nil, ErrNotConnected
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := cl.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bridge: call %s: %w", name, err)
	}
	return res, nil
}

// CurrentOperations returns the operation set matching the current state and
// the mode it represents. It samples link health first but never dials: only
// a link that is Connected after the sample serves the live set.
func (m *Manager) CurrentOperations(ctx context.Context) ([]Operation, Mode) {
	m.HealthCheck(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil && m.state == StateConnected {
		return m.liveOperationsLocked(), ModeLive
	}
	return m.fallbackOperations(), ModeFallback
}

// liveOperationsLocked wraps each advertised tool in a backend invoker.
func (m *Manager) liveOperationsLocked() []Operation {
	ops := make([]Operation, 0, len(m.tools))
	for _, tool := range m.tools {
		name := tool.Name
		ops = append(ops, Operation{
			Tool: tool,
			Call: func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
				return m.CallTool(ctx, name, args)
			},
		})
	}
	return ops
}

// RunWithOperations executes one task under the configured task timeout. It
// prefers the live set, runs on the fallback set when no link can be
// established, and gives a task that failed on live operations with a
// connectivity error one retry on the fallback set. Running degraded is not
// an error: the outcome reports it instead.
func (m *Manager) RunWithOperations(ctx context.Context, taskID string, fn TaskFunc) (*Outcome, error) {
	if m.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.TaskTimeout)
		defer cancel()
	}

	ops, mode := m.ensureOperations(ctx)
	out, err := fn(ctx, ops, mode)
	if err == nil {
		return decorate(out, mode), nil
	}
	if mode != ModeLive || !IsConnectivityError(err) {
		return out, err
	}

	m.log.Warn("task failed on live operations, retrying on fallback",
		"task", taskID, "error", err)
	m.mu.Lock()
	m.setStateLocked(StateDegraded, map[string]string{"reason": "task connectivity failure"})
	fallback := m.fallbackOperations()
	m.mu.Unlock()

	retryOut, retryErr := fn(ctx, fallback, ModeFallback)
	if retryErr != nil {
		return nil, fmt.Errorf("bridge: fallback retry also failed (%v): %w", retryErr, err)
	}
	return decorate(retryOut, ModeFallback), nil
}

// ensureOperations returns live operations, connecting first when needed,
// and hands out the fallback set when the backend cannot be reached.
func (m *Manager) ensureOperations(ctx context.Context) ([]Operation, Mode) {
	m.mu.Lock()
	connected := m.client != nil && m.state == StateConnected
	m.mu.Unlock()

	if !connected {
		if err := m.Connect(ctx); err != nil {
			m.log.Warn("backend unavailable, using fallback operations", "error", err)
		}
	}
	return m.CurrentOperations(ctx)
}

func decorate(out *Outcome, mode Mode) *Outcome {
	if out == nil {
		out = &Outcome{}
	}
	if mode == ModeFallback {
		out.Degraded = true
	}
	return out
}

// ResultText flattens a tool result's text content into one observation
// string. Error results are prefixed so the raw text stays self-describing.
func ResultText(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(tc.Text)
		}
	}
	if res.IsError {
		return "error: " + b.String()
	}
	return b.String()
}
