package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpstudio/engine/pkg/schema"
)

// mcpClient abstracts the MCP client for testability.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

type mcpConn struct {
	client mcpClient

	mu    sync.RWMutex
	tools map[string]mcp.Tool // populated lazily by ListTools
}

// MCPGateway routes tool calls to MCP servers over streamable HTTP or
// stdio transports. Tool schemas are discovered once per connection and
// cached.
type MCPGateway struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*mcpConn
}

// NewMCPGateway connects to every configured server. Connection failures
// are fatal: a gateway with dangling connection IDs would fail workflows
// late and confusingly.
func NewMCPGateway(ctx context.Context, conns []Connection, logger *slog.Logger) (*MCPGateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &MCPGateway{logger: logger, conns: make(map[string]*mcpConn, len(conns))}

	for _, conn := range conns {
		c, err := g.connect(ctx, conn)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("mcp connection %q: %w", conn.ID, err)
		}
		g.conns[conn.ID] = &mcpConn{client: c}
		logger.InfoContext(ctx, "mcp connection established", "connection", conn.ID, "transport", conn.Transport)
	}
	return g, nil
}

func (g *MCPGateway) connect(ctx context.Context, conn Connection) (mcpClient, error) {
	var c *mcpclient.Client

	switch conn.Transport {
	case "stdio":
		stdio, err := mcpclient.NewStdioMCPClient(conn.Command, nil, conn.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
		c = stdio
	case "http", "":
		var opts []transport.StreamableHTTPCOption
		if conn.Token != "" {
			opts = append(opts, transport.WithHTTPHeaders(map[string]string{
				"Authorization": "Bearer " + conn.Token,
			}))
		}
		t, err := transport.NewStreamableHTTP(conn.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("create http transport: %w", err)
		}
		c = mcpclient.NewClient(t)
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported transport %q", conn.Transport)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "mcp-studio", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return c, nil
}

// newMCPGatewayWithClients builds a gateway from pre-built clients (tests).
func newMCPGatewayWithClients(clients map[string]mcpClient, logger *slog.Logger) *MCPGateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &MCPGateway{logger: logger, conns: make(map[string]*mcpConn, len(clients))}
	for id, c := range clients {
		g.conns[id] = &mcpConn{client: c}
	}
	return g
}

func (g *MCPGateway) conn(connectionID string) (*mcpConn, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	conn, ok := g.conns[connectionID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown gateway connection: %q", connectionID)
	}
	return conn, nil
}

// CallTool invokes a tool and decodes its output.
func (g *MCPGateway) CallTool(ctx context.Context, connectionID, toolName string, args map[string]any) (any, error) {
	conn, err := g.conn(connectionID)
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args

	result, err := conn.client.CallTool(ctx, req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"tool %q on %q failed: %s", toolName, connectionID, err.Error()).WithCause(err)
	}

	decoded := decodeToolResult(result)
	if result.IsError {
		msg, _ := decoded.(string)
		if msg == "" {
			msg = fmt.Sprintf("tool %q returned an error", toolName)
		}
		return nil, schema.NewError(schema.ErrCodeExecution, msg)
	}
	return decoded, nil
}

// ToolInputSchema returns the declared input schema for a tool, fetching
// and caching the connection's tool list on first use.
func (g *MCPGateway) ToolInputSchema(ctx context.Context, connectionID, toolName string) (json.RawMessage, error) {
	conn, err := g.conn(connectionID)
	if err != nil {
		return nil, err
	}

	tool, ok, err := conn.lookup(ctx, toolName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if tool.InputSchema.Type == "" && tool.InputSchema.Properties == nil {
		return nil, nil
	}
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *mcpConn) lookup(ctx context.Context, toolName string) (mcp.Tool, bool, error) {
	c.mu.RLock()
	if c.tools != nil {
		tool, ok := c.tools[toolName]
		c.mu.RUnlock()
		return tool, ok, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tools == nil {
		result, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return mcp.Tool{}, false, fmt.Errorf("list tools: %w", err)
		}
		c.tools = make(map[string]mcp.Tool, len(result.Tools))
		for _, t := range result.Tools {
			c.tools[t.Name] = t
		}
	}
	tool, ok := c.tools[toolName]
	return tool, ok, nil
}

// Close shuts down all connections, keeping the first error.
func (g *MCPGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []string
	for id, conn := range g.conns {
		if err := conn.client.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", id, err))
		}
	}
	g.conns = map[string]*mcpConn{}
	if len(errs) > 0 {
		return fmt.Errorf("close gateway connections: %s", strings.Join(errs, "; "))
	}
	return nil
}

var _ Gateway = (*MCPGateway)(nil)
