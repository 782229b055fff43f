// Package mcp exposes the graph memory over the Model Context Protocol,
// so agent runtimes can queue episodes and query facts as tools.
package mcp

import "context"

// Request is one JSON-RPC 2.0 request from the client.
type Request struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      interface{}            `json:"id,omitempty"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response is one JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error is a JSON-RPC error object. It doubles as a Go error so
// handlers can return protocol codes directly.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// JSON-RPC error codes used by the dispatch.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
)

// protocolVersion is the MCP revision this server speaks.
const protocolVersion = "2024-11-05"

// InitializeResult answers the client's initialize handshake.
type InitializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ServerInfo      map[string]string      `json:"serverInfo"`
}

// ToolDefinition advertises one tool in tools/list.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// ListToolsResult carries the advertised tool set.
type ListToolsResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// CallToolParams names the tool to run and its arguments.
type CallToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// CallToolResult wraps a tool's output as MCP content blocks.
type CallToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ToolContent is one content block, always text here.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolHandler runs one tool call.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Tool pairs a definition with its handler.
type Tool struct {
	Definition ToolDefinition
	Handler    ToolHandler
}
