// Package protocol declares the ProtocolServer collaborator contract (§6):
// MCP protocol framing, JSON-RPC dispatch and tool handler bodies are
// deliberately out of scope for the core (session/auth/pool) gateway and
// live behind this interface so they can be swapped without touching
// token, mcpsession, dbpool or router.
package protocol

import (
	"context"
	"net/http"

	"github.com/dbgate/dbgate/dbpool"
	"github.com/dbgate/dbgate/internal/jsonrpc"
)

// Transport is a single MCP transport instance, bound to at most one
// McpSession. Concrete implementations are HTTP-request/response-shaped
// (streaming over SSE for stateful sessions, one-shot for stateless
// requests) or the line-oriented stdio transport.
type Transport interface {
	// HandleRequest drives a single HTTP exchange for this transport: it
	// writes headers/body to w (streaming an SSE response when the
	// request calls for it) and returns once the exchange is complete.
	// body is the already-decoded JSON-RPC message, or nil for the
	// session-less GET/DELETE exchanges.
	HandleRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, body *jsonrpc.AnyMessage) error

	// Close tears down the transport. Safe to call at most once; callers
	// (mcpsession.Manager) guarantee that invariant.
	Close() error

	// OnClose registers fn to run when the transport closes itself (e.g.
	// the underlying HTTP connection drops). The session manager uses
	// this to invoke its own Close(id) exactly once.
	OnClose(fn func())
}

// Server is a live MCP protocol server instance bound to one database pool
// key. It owns tool dispatch and the SQL security validator; the core
// treats both as opaque.
type Server interface {
	Connect(t Transport) error
	Close() error
}

// Factory constructs Server instances. The router calls Create once per
// new session (stateful initialize) or once per request (stateless mode).
type Factory interface {
	Create(ctx context.Context, cfg dbpool.DatabaseConfig, poolKey string, pool dbpool.Pool) (Server, error)
}
