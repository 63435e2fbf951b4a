// Package tools defines the Tool interface exposed over MCP, the argument schema contract,
// and the lifecycle callbacks invoked around every tool call.
package tools
