package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	mcpServerName    = "deep-research-mcp"
	mcpServerVersion = "1.0.0"
)

// NewMCPServer registers every tool of tools on a fresh MCP server. A nil
// provider yields a server without tools.
func NewMCPServer(tools ToolProvider) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: mcpServerName, Version: mcpServerVersion}, nil)
	if tools == nil {
		return server
	}
	for _, t := range tools.Tools() {
		server.AddTool(&mcp.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}, toolHandler(tools, t.Name))
	}
	return server
}

// toolHandler reports tool failures inside the result so the calling model
// sees them, rather than as protocol errors.
func toolHandler(tools ToolProvider, name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := tools.Call(ctx, name, req.Params.Arguments)
		if err != nil {
			slog.Warn("MCP tool call failed", "tool", name, "error", err)
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			}, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, nil
	}
}

// newMCPHandler serves server over the streamable HTTP transport. Sessions
// are tracked by the transport through the Mcp-Session-Id header.
func newMCPHandler(server *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
}
