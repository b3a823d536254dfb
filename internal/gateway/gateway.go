// Package gateway connects the engine to MCP servers that host the tools
// workflow steps call. A gateway multiplexes named connections; tool calls
// are routed by connection ID.
package gateway

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

// Gateway executes tools and exposes their declared schemas.
type Gateway interface {
	// CallTool invokes a tool on the given connection and returns its
	// decoded output. Text content that parses as JSON is returned as
	// the parsed value, otherwise as a string.
	CallTool(ctx context.Context, connectionID, toolName string, args map[string]any) (any, error)
	// ToolInputSchema returns the tool's declared input schema, or nil
	// when the tool does not declare one.
	ToolInputSchema(ctx context.Context, connectionID, toolName string) (json.RawMessage, error)
	Close() error
}

// Connection describes one MCP server a gateway talks to.
type Connection struct {
	ID        string   `json:"id"`
	Transport string   `json:"transport"` // "http" or "stdio"
	URL       string   `json:"url,omitempty"`
	Token     string   `json:"token,omitempty"`
	Command   string   `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`
}

// decodeToolResult converts an MCP call result into a plain value.
func decodeToolResult(result *mcp.CallToolResult) any {
	var texts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			texts = append(texts, v.Text)
		case *mcp.TextContent:
			texts = append(texts, v.Text)
		}
	}

	if len(texts) == 1 {
		var parsed any
		if err := json.Unmarshal([]byte(texts[0]), &parsed); err == nil {
			return parsed
		}
		return texts[0]
	}
	if len(texts) > 1 {
		out := make([]any, len(texts))
		for i, t := range texts {
			var parsed any
			if err := json.Unmarshal([]byte(t), &parsed); err == nil {
				out[i] = parsed
			} else {
				out[i] = t
			}
		}
		return out
	}
	return nil
}
