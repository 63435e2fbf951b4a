package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/effective-security/geminimcp/mcp"
)

// McpServerRegistrator registers tools with MCP server
type McpServerRegistrator interface {
	RegisterTool(name string, description string, inputSchema any, handler mcp.ToolHandler) error
}

// ITool is a tool exposed to the MCP client.
type ITool interface {
	// Name returns the name of the Tool.
	Name() string
	// Description returns the description of the tool, to be used in tools/list.
	Description() string
	// Parameters returns the JSON schema of the arguments.
	Parameters() any

	// Call executes the tool with the given JSON input and returns the result text.
	Call(context.Context, string) (string, error)
}

// Callback receives tool lifecycle events
type Callback interface {
	OnToolStart(ctx context.Context, tool ITool, input string)
	OnToolEnd(ctx context.Context, tool ITool, input string, output string)
	OnToolError(ctx context.Context, tool ITool, input string, err error)
}

// Tool is a typed tool
type Tool[I any, O any] interface {
	ITool
	Run(context.Context, *I) (*O, error)
}

// IMCPTool is an interface that extends ITool to include functionality for
// registering the tool with an MCP server.
type IMCPTool interface {
	ITool
	RegisterMCP(registrator McpServerRegistrator) error
}

// GetDescriptions returns the list of tools as text, one tool per line
func GetDescriptions(list ...ITool) string {
	var sb strings.Builder
	for _, tool := range list {
		desc, _, _ := strings.Cut(tool.Description(), "\n")
		fmt.Fprintf(&sb, "- %s: %s\n", tool.Name(), desc)
	}
	return sb.String()
}
