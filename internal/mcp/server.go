package mcp

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/graph"
	"github.com/chronograph-engine/internal/ingest"
	"github.com/chronograph-engine/internal/jsonx"
	"github.com/chronograph-engine/internal/search"
)

// Ingestor queues episodes for asynchronous processing.
type Ingestor interface {
	EnqueueEpisodes(ctx context.Context, groupID string, msgs []ingest.Message) ([]string, error)
	IsHealthy(ctx context.Context) bool
}

// Searcher answers hybrid fact queries.
type Searcher interface {
	Search(ctx context.Context, groupID, text string, vector []float32, limit int) (*search.Result, error)
}

// Embedder turns query text into a vector for the semantic side.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EventEmitter publishes node-access events for reads made through
// tools, mirroring the HTTP surface.
type EventEmitter interface {
	EmitNodeAccess(groupID string, nodeIDs []string, accessType, query string)
}

// Deps are the engine surfaces the tools call. Store is required;
// tools depending on an absent optional report the gap to the client
// instead of failing the process.
type Deps struct {
	Store    graph.GraphStore
	Ingestor Ingestor
	Searcher Searcher
	Embedder Embedder
	Events   EventEmitter

	// DefaultGroupID applies when a tool call omits group_id.
	DefaultGroupID string
}

// Server dispatches MCP JSON-RPC methods onto the tool set.
type Server struct {
	deps   Deps
	tools  []Tool
	byName map[string]ToolHandler
	name   string
	logger *zap.Logger
}

// NewServer builds the server with every tool registered.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.DefaultGroupID == "" {
		deps.DefaultGroupID = "default"
	}
	s := &Server{
		deps:   deps,
		name:   "chronograph-memory",
		logger: logger.Named("mcp"),
	}
	s.tools = s.toolSet()
	s.byName = make(map[string]ToolHandler, len(s.tools))
	for _, t := range s.tools {
		s.byName[t.Definition.Name] = t.Handler
	}
	return s
}

// HandleRequest dispatches one JSON-RPC request. Errors come back as
// JSON-RPC error objects, never as transport failures.
func (s *Server) HandleRequest(ctx context.Context, req Request) Response {
	var result interface{}
	var err error

	switch req.Method {
	case "initialize":
		result = InitializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities: map[string]interface{}{
				"tools": map[string]bool{"listChanged": false},
			},
			ServerInfo: map[string]string{
				"name":    s.name,
				"version": "1.0.0",
			},
		}
	case "initialized", "notifications/initialized", "notifications/cancelled":
		return Response{JSONRPC: "2.0", ID: req.ID}
	case "ping":
		result = map[string]interface{}{"status": "ok"}
	case "tools/list":
		result = s.listTools()
	case "tools/call":
		result, err = s.callTool(ctx, req)
	default:
		err = &Error{Code: codeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	if err != nil {
		s.logger.Warn("MCP request failed",
			zap.String("method", req.Method),
			zap.Error(err))
		rpcErr, ok := err.(*Error)
		if !ok {
			rpcErr = &Error{Code: codeInternal, Message: err.Error()}
		}
		return Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	}
	return Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (s *Server) listTools() ListToolsResult {
	defs := make([]ToolDefinition, 0, len(s.tools))
	for _, t := range s.tools {
		defs = append(defs, t.Definition)
	}
	return ListToolsResult{Tools: defs}
}

func (s *Server) callTool(ctx context.Context, req Request) (interface{}, error) {
	if req.Params == nil {
		return nil, &Error{Code: codeInvalidParams, Message: "missing call parameters"}
	}
	raw, err := jsonx.Marshal(req.Params)
	if err != nil {
		return nil, &Error{Code: codeInvalidParams, Message: "unreadable call parameters"}
	}
	var params CallToolParams
	if err := jsonx.Unmarshal(raw, &params); err != nil {
		return nil, &Error{Code: codeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	if params.Name == "" {
		return nil, &Error{Code: codeInvalidParams, Message: "missing tool name"}
	}
	handler, ok := s.byName[params.Name]
	if !ok {
		return nil, &Error{Code: codeMethodNotFound, Message: fmt.Sprintf("tool not found: %s", params.Name)}
	}

	args := params.Arguments
	if args == nil {
		args = make(map[string]interface{})
	}
	s.logger.Info("Tool called", zap.String("tool", params.Name))

	result, err := handler(ctx, args)
	if err != nil {
		// Tool failures are results, not protocol errors, so the model
		// sees what went wrong and can retry with fixed arguments.
		return CallToolResult{
			Content: []ToolContent{{Type: "text", Text: "error: " + err.Error()}},
			IsError: true,
		}, nil
	}
	return CallToolResult{
		Content: []ToolContent{{Type: "text", Text: formatResult(result)}},
	}, nil
}

func formatResult(result interface{}) string {
	data, err := jsonx.MarshalIndent(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(data)
}
