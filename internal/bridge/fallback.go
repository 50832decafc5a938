package bridge

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"framehand/internal/registry"
)

// degradedMessage is the uniform acknowledgement for write tools while no
// backend link exists.
const degradedMessage = "design backend not connected; no external effect performed"

// fallbackOperations builds the local degraded operation set. The tool names
// mirror the backend's so a task body runs unchanged in either mode. Reads
// are served from the registry cache; writes acknowledge without external
// effect.
func (m *Manager) fallbackOperations() []Operation {
	return []Operation{
		{Tool: createElementTool(), Call: m.degradedWrite("create_element")},
		{Tool: updateElementTool(), Call: m.degradedWrite("update_element")},
		{Tool: deleteElementTool(), Call: m.degradedWrite("delete_element")},
		{Tool: getElementTool(), Call: m.fallbackGet},
		{Tool: listElementsTool(), Call: m.fallbackList},
		{Tool: connectionStatusTool(), Call: m.fallbackStatus},
	}
}

// ─── Tool definitions ────────────────────────────────────────────────────────

func createElementTool() mcp.Tool {
	return mcp.NewTool("create_element",
		mcp.WithDescription(
			"Create a design element in the backend model. While the backend is "+
				"unreachable this acknowledges locally without external effect.",
		),
		mcp.WithString("id", mcp.Required(), mcp.Description("Element identifier")),
		mcp.WithString("type", mcp.Required(), mcp.Description("Element type, e.g. top_chord, timber_beam")),
		mcp.WithString("name", mcp.Description("Display name")),
		mcp.WithNumber("x", mcp.Description("Location X in model space")),
		mcp.WithNumber("y", mcp.Description("Location Y in model space")),
	)
}

func updateElementTool() mcp.Tool {
	return mcp.NewTool("update_element",
		mcp.WithDescription(
			"Update a design element in the backend model. While the backend is "+
				"unreachable this acknowledges locally without external effect.",
		),
		mcp.WithString("id", mcp.Required(), mcp.Description("Element identifier")),
		mcp.WithString("name", mcp.Description("New display name")),
		mcp.WithNumber("x", mcp.Description("New location X")),
		mcp.WithNumber("y", mcp.Description("New location Y")),
	)
}

func deleteElementTool() mcp.Tool {
	return mcp.NewTool("delete_element",
		mcp.WithDescription(
			"Delete a design element from the backend model. While the backend is "+
				"unreachable this acknowledges locally without external effect.",
		),
		mcp.WithString("id", mcp.Required(), mcp.Description("Element identifier")),
	)
}

func getElementTool() mcp.Tool {
	return mcp.NewTool("get_element",
		mcp.WithDescription("Fetch one design element. Served from the local element cache while degraded."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Element identifier")),
	)
}

func listElementsTool() mcp.Tool {
	return mcp.NewTool("list_elements",
		mcp.WithDescription("List design elements, newest first. Served from the local element cache while degraded."),
		mcp.WithString("type", mcp.Description("Optional type filter, exact or substring")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of elements to return")),
	)
}

func connectionStatusTool() mcp.Tool {
	return mcp.NewTool("connection_status",
		mcp.WithDescription("Report the backend connection state and local cache size."),
	)
}

// ─── Handlers ────────────────────────────────────────────────────────────────

// degradedWrite acknowledges a write without performing it, echoing the
// requested arguments so the caller can replay them later.
func (m *Manager) degradedWrite(tool string) func(context.Context, map[string]any) (*mcp.CallToolResult, error) {
	return func(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
		m.log.Debug("degraded write acknowledged", "tool", tool)
		return jsonResult(degradedPayload(tool, args)), nil
	}
}

// degradedPayload is the envelope every fallback handler answers with.
func degradedPayload(tool string, args map[string]any) map[string]any {
	return map[string]any{
		"status":         "degraded",
		"tool":           tool,
		"message":        degradedMessage,
		"requested_args": args,
	}
}

func jsonResult(payload map[string]any) *mcp.CallToolResult {
	data, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultText(`{"status":"degraded"}`)
	}
	return mcp.NewToolResultText(string(data))
}

func (m *Manager) fallbackGet(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	id, _ := args["id"].(string)
	if id == "" {
		return mcp.NewToolResultError("'id' is required"), nil
	}
	payload := degradedPayload("get_element", args)
	if m.reg != nil {
		if el, ok := m.reg.Get(id); ok {
			payload["cached"] = el
		}
	}
	return jsonResult(payload), nil
}

func (m *Manager) fallbackList(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	payload := degradedPayload("list_elements", args)
	if m.reg != nil {
		query, _ := args["type"].(string)
		limit := 0
		if v, ok := args["limit"].(float64); ok {
			limit = int(v)
		}
		els := []registry.Element{}
		if query == "" {
			els = append(els, m.reg.List(limit)...)
		} else {
			for _, id := range m.reg.FindByType(query, limit) {
				if el, ok := m.reg.Get(id); ok {
					els = append(els, el)
				}
			}
		}
		payload["cached"] = els
	}
	return jsonResult(payload), nil
}

func (m *Manager) fallbackStatus(_ context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
	m.mu.Lock()
	state := m.state
	toolCount := len(m.tools)
	attempts := m.reconnectAttempts
	m.mu.Unlock()

	payload := map[string]any{
		"state":              string(state),
		"mode":               string(ModeFallback),
		"tools":              toolCount,
		"reconnect_attempts": attempts,
	}
	if m.reg != nil {
		payload["cached_elements"] = m.reg.Stats().Total
	}
	return jsonResult(payload), nil
}
