// Package reference is the default ProtocolServer implementation (§6): it
// speaks just enough MCP over JSON-RPC to expose one tool, "query", backed
// by a dbpool.Pool and guarded by the reference sqlvalidate checker. It is
// the concrete collaborator behind the protocol.Factory contract; transports
// (streaminghttp, stdio) dispatch decoded JSON-RPC requests into it.
package reference

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/dbgate/dbgate/dbpool"
	"github.com/dbgate/dbgate/internal/jsonrpc"
	"github.com/dbgate/dbgate/internal/sqlvalidate"
	"github.com/dbgate/dbgate/protocol"
)

const (
	protocolVersion = "2024-11-05"
	toolName        = "query"
	serverName      = "dbgate"
)

// QueryArgs is the input shape for the query tool, reflected into a JSON
// Schema for tools/list via invopop/jsonschema.
type QueryArgs struct {
	SQL    string `json:"sql" jsonschema:"required,description=A single read-only SQL statement"`
	Params []any  `json:"params,omitempty" jsonschema:"description=Positional bind parameters"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum rows to return; capped at the server's configured maximum"`
}

// QueryResult is the structured payload returned by the query tool.
type QueryResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"rowCount"`
	Truncated bool     `json:"truncated"`
}

var queryInputSchema = (&jsonschema.Reflector{
	ExpandedStruct: true,
	DoNotReference: true,
}).Reflect(&QueryArgs{})

// Limits bounds the row count a single query tool invocation may return.
type Limits struct {
	DefaultLimit int
	MaxLimit     int
}

// Factory constructs reference Servers bound to a pool and the configured
// row limits. It implements protocol.Factory.
type Factory struct {
	Limits Limits
	Log    *slog.Logger
}

// NewFactory constructs a Factory, substituting documented defaults (1000 /
// 10000) for any zero limit.
func NewFactory(limits Limits, log *slog.Logger) *Factory {
	if limits.DefaultLimit <= 0 {
		limits.DefaultLimit = 1000
	}
	if limits.MaxLimit <= 0 {
		limits.MaxLimit = 10000
	}
	if log == nil {
		log = slog.Default()
	}
	return &Factory{Limits: limits, Log: log}
}

// Create implements protocol.Factory.
func (f *Factory) Create(ctx context.Context, cfg dbpool.DatabaseConfig, poolKey string, pool dbpool.Pool) (protocol.Server, error) {
	if pool == nil {
		return nil, fmt.Errorf("reference: nil pool for key %q", poolKey)
	}
	return &Server{
		pool:    pool,
		poolKey: poolKey,
		limits:  f.Limits,
		log:     f.Log,
	}, nil
}

// Server is the reference MCP protocol server: one pool, one tool.
type Server struct {
	pool    dbpool.Pool
	poolKey string
	limits  Limits
	log     *slog.Logger

	mu         sync.Mutex
	transports []protocol.Transport
	closed     bool
}

// Connect implements protocol.Server. It records t so Close can tear every
// attached transport down; the reference server has no per-transport state
// beyond that, since all dispatch is stateless against the shared pool.
func (s *Server) Connect(t protocol.Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("reference: server already closed")
	}
	s.transports = append(s.transports, t)
	return nil
}

// Close implements protocol.Server. It is idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.transports = nil
	return nil
}

// Dispatch handles a single decoded JSON-RPC request, returning the
// response to write back. It returns nil for notifications, which have no
// response. Transports call this directly; it has no dependency on HTTP.
func (s *Server) Dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "notifications/initialized", "ping":
		if req.ID == nil {
			return nil
		}
		resp, err := jsonrpc.NewResultResponse(req.ID, map[string]any{})
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
		}
		return resp
	default:
		if req.ID == nil {
			return nil
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method), nil)
	}
}

func (s *Server) handleInitialize(req *jsonrpc.Request) *jsonrpc.Response {
	result := map[string]any{
		"protocolVersion": protocolVersion,
		"serverInfo": map[string]any{
			"name":    serverName,
			"version": "1.0.0",
		},
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
	}
	return resp
}

func (s *Server) handleToolsList(req *jsonrpc.Request) *jsonrpc.Response {
	tool := map[string]any{
		"name":        toolName,
		"description": "Execute a single read-only SQL query against the configured database.",
		"inputSchema": queryInputSchema,
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, map[string]any{"tools": []any{tool}})
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
	}
	return resp
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (s *Server) handleToolsCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params toolCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("invalid params: %v", err), nil)
		}
	}
	if params.Name != toolName {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("unknown tool %q", params.Name), nil)
	}

	var args QueryArgs
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("invalid arguments: %v", err), nil)
		}
	}

	result, isErr, err := s.runQuery(ctx, args)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
	}

	var content []map[string]any
	if isErr != "" {
		content = []map[string]any{{"type": "text", "text": isErr}}
		resp, mErr := jsonrpc.NewResultResponse(req.ID, map[string]any{"content": content, "isError": true})
		if mErr != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, mErr.Error(), nil)
		}
		return resp
	}

	content = []map[string]any{{"type": "text", "text": fmt.Sprintf("%d row(s) returned", result.RowCount)}}
	resp, mErr := jsonrpc.NewResultResponse(req.ID, map[string]any{
		"content":           content,
		"structuredContent": result,
		"isError":           false,
	})
	if mErr != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, mErr.Error(), nil)
	}
	return resp
}

// runQuery validates and executes a query tool call. The second return
// value, when non-empty, is a user-facing error message meant to be
// returned as a tool error (isError: true) rather than a JSON-RPC error,
// matching the MCP convention that tool-level failures are not transport
// failures.
func (s *Server) runQuery(ctx context.Context, args QueryArgs) (*QueryResult, string, error) {
	if err := sqlvalidate.Check(args.SQL); err != nil {
		return nil, err.Error(), nil
	}

	limit := args.Limit
	if limit <= 0 {
		limit = s.limits.DefaultLimit
	}
	if limit > s.limits.MaxLimit {
		limit = s.limits.MaxLimit
	}

	rows, err := s.pool.Execute(ctx, args.SQL, args.Params)
	if err != nil {
		return nil, err.Error(), nil
	}

	truncated := false
	resultRows := rows.Rows
	if len(resultRows) > limit {
		resultRows = resultRows[:limit]
		truncated = true
	}

	return &QueryResult{
		Columns:   rows.Columns,
		Rows:      resultRows,
		RowCount:  len(resultRows),
		Truncated: truncated,
	}, "", nil
}
