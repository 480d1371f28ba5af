// Package router implements the Request Router (component F): it turns an
// authenticated HTTP exchange on /mcp into the right (config, poolKey,
// session?) triple and drives the stateful/stateless POST algorithms, plus
// the GET (SSE upgrade) and DELETE (session close) paths.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dbgate/dbgate/dbpool"
	"github.com/dbgate/dbgate/internal/jsonrpc"
	"github.com/dbgate/dbgate/internal/logctx"
	"github.com/dbgate/dbgate/mcpsession"
	"github.com/dbgate/dbgate/protocol"
	"github.com/dbgate/dbgate/token"
)

const mcpSessionIDHeader = "Mcp-Session-Id"

// AuthMode mirrors config.AuthMode without importing the config package,
// keeping router decoupled from environment parsing.
type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeToken    AuthMode = "token"
	AuthModeNone     AuthMode = "none"
)

// Dispatcher is the subset of a protocol.Server that can process a decoded
// JSON-RPC request. Concrete servers (protocol/reference.Server) implement
// it in addition to protocol.Server itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response
}

// TransportFactory builds a protocol.Transport bound to a dispatcher and a
// session id. The stateful flag controls whether the transport echoes
// Mcp-Session-Id on responses.
type TransportFactory func(d Dispatcher, sessionID string, stateful bool) protocol.Transport

// AuthContext carries what the auth middleware resolved for this request.
type AuthContext struct {
	Mode         AuthMode
	TokenSession *token.Session // only set in required mode
}

// Router glues the pool registry, session manager, token manager and
// protocol factory together per the decision table in SPEC_FULL.md §4.F.
type Router struct {
	Pools        *dbpool.Registry
	Sessions     *mcpsession.Manager
	Tokens       *token.Manager
	Factory      protocol.Factory
	NewTransport TransportFactory
	EnvConfig    dbpool.DatabaseConfig
	Stateful     bool
	Log          *slog.Logger
}

// resolve implements the (config, poolKey) decision table.
func (rt *Router) resolve(ac AuthContext) (dbpool.DatabaseConfig, string, error) {
	switch ac.Mode {
	case AuthModeRequired:
		if ac.TokenSession == nil {
			return dbpool.DatabaseConfig{}, "", fmt.Errorf("router: required auth mode with no token session")
		}
		return ac.TokenSession.Config, ac.TokenSession.Token, nil
	default:
		return rt.EnvConfig, dbpool.GlobalKey, nil
	}
}

// rpcError writes a JSON-RPC error envelope with the given HTTP status.
func (rt *Router) rpcError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := jsonrpc.NewErrorResponse(nil, code, message, nil)
	_ = json.NewEncoder(w).Encode(resp)
}

// HandlePost implements the stateful/stateless POST algorithms of §4.F.
func (rt *Router) HandlePost(ctx context.Context, w http.ResponseWriter, r *http.Request, ac AuthContext, body *jsonrpc.AnyMessage) {
	if !rt.Stateful {
		rt.handleStatelessPost(ctx, w, r, ac, body)
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID != "" {
		rt.dispatchToExistingSession(ctx, w, r, sessID, body)
		return
	}

	req := body.AsRequest()
	if req == nil || req.Method != "initialize" {
		rt.rpcError(w, http.StatusBadRequest, jsonrpc.ErrorCodeBadRequest, "Session ID required for non-initialize requests")
		return
	}

	rt.handleInitialize(ctx, w, r, ac, req)
}

func (rt *Router) dispatchToExistingSession(ctx context.Context, w http.ResponseWriter, r *http.Request, sessID string, body *jsonrpc.AnyMessage) {
	sess, err := rt.Sessions.Get(sessID)
	if err != nil {
		rt.rpcError(w, http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound, "Session not found or expired")
		return
	}

	if err := rt.Sessions.Begin(sessID); err != nil {
		rt.rpcError(w, http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound, "Session not found or expired")
		return
	}
	defer rt.Sessions.End(sessID)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID,
		PoolKey:   sess.PoolKey,
		AuthMode:  authModeForPoolKey(sess.PoolKey),
	})
	ctx = withRPCContext(ctx, body)

	if err := sess.Transport().HandleRequest(ctx, w, r, body); err != nil {
		rt.Log.WarnContext(ctx, "router.dispatch.fail", slog.String("session_id", sessID), slog.String("err", err.Error()))
	}
}

// authModeForPoolKey recovers the auth mode a session was created under
// from its pool key, for logging only: the global pool is shared by every
// auth mode except required, which always mints a per-token pool keyed on
// the bearer token itself (never dbpool.GlobalKey).
func authModeForPoolKey(poolKey string) string {
	if poolKey == dbpool.GlobalKey {
		return "none_or_token"
	}
	return "required"
}

// withRPCContext attaches the method/id of a decoded request envelope to
// ctx for downstream logging, if body actually carries a request.
func withRPCContext(ctx context.Context, body *jsonrpc.AnyMessage) context.Context {
	if body == nil {
		return ctx
	}
	req := body.AsRequest()
	if req == nil {
		return ctx
	}
	return logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String()})
}

func (rt *Router) handleInitialize(ctx context.Context, w http.ResponseWriter, r *http.Request, ac AuthContext, req *jsonrpc.Request) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String()})

	cfg, poolKey, err := rt.resolve(ac)
	if err != nil {
		rt.rpcError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, err.Error())
		return
	}

	if err := rt.Pools.Ensure(ctx, poolKey, cfg); err != nil {
		rt.rpcError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, err.Error())
		return
	}

	pool := rt.Pools.Get(poolKey)
	server, err := rt.Factory.Create(ctx, cfg, poolKey, pool)
	if err != nil {
		rt.rollbackPool(poolKey)
		rt.rpcError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, err.Error())
		return
	}

	dispatcher, ok := server.(Dispatcher)
	if !ok {
		rt.rollbackServer(server, poolKey)
		rt.rpcError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "router: protocol server does not support dispatch")
		return
	}

	sess, err := rt.Sessions.Create(server, poolKey, func(id string) protocol.Transport {
		return rt.NewTransport(dispatcher, id, rt.Stateful)
	})
	if err != nil {
		rt.rollbackServer(server, poolKey)
		rt.rpcError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, err.Error())
		return
	}

	if ac.Mode == AuthModeRequired {
		if err := rt.Tokens.Attach(ac.TokenSession.Token, sess.ID); err != nil {
			rt.rollbackSession(sess.ID, poolKey)
			rt.rpcError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, err.Error())
			return
		}
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID,
		PoolKey:   poolKey,
		AuthMode:  string(ac.Mode),
	})

	if err := sess.Transport().HandleRequest(ctx, w, r, &jsonrpc.AnyMessage{
		JSONRPCVersion: req.JSONRPCVersion,
		Method:         req.Method,
		Params:         req.Params,
		ID:             req.ID,
	}); err != nil {
		rt.Log.WarnContext(ctx, "router.initialize.dispatch.fail", slog.String("session_id", sess.ID), slog.String("err", err.Error()))
	}
}

// rollbackPool undoes Ensure when nothing downstream of it was created
// yet. The global pool is never torn down on a per-request path.
func (rt *Router) rollbackPool(poolKey string) {
	if poolKey == dbpool.GlobalKey {
		return
	}
	rt.Pools.Close(poolKey)
}

// rollbackServer undoes a created server plus whatever rollbackPool does,
// in the documented inverse order (server, then per-token pool).
func (rt *Router) rollbackServer(server protocol.Server, poolKey string) {
	if err := server.Close(); err != nil {
		rt.Log.Warn("router.rollback.server.close.fail", slog.String("err", err.Error()))
	}
	rt.rollbackPool(poolKey)
}

// rollbackSession undoes a created session plus server plus pool, in the
// documented inverse order: session, then server, then per-token pool.
func (rt *Router) rollbackSession(sessionID string, poolKey string) {
	rt.Sessions.Close(sessionID)
	rt.rollbackPool(poolKey)
}

func (rt *Router) handleStatelessPost(ctx context.Context, w http.ResponseWriter, r *http.Request, ac AuthContext, body *jsonrpc.AnyMessage) {
	ctx = withRPCContext(ctx, body)

	cfg, poolKey, err := rt.resolve(ac)
	if err != nil {
		rt.rpcError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, err.Error())
		return
	}

	if err := rt.Pools.Ensure(ctx, poolKey, cfg); err != nil {
		rt.rpcError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, err.Error())
		return
	}

	pool := rt.Pools.Get(poolKey)
	server, err := rt.Factory.Create(ctx, cfg, poolKey, pool)
	if err != nil {
		// Never close the pool here: in required mode it belongs to the
		// token and outlives the request; in the weak modes it is global.
		rt.rpcError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, err.Error())
		return
	}
	defer func() {
		if err := server.Close(); err != nil {
			rt.Log.WarnContext(ctx, "router.stateless.server.close.fail", slog.String("err", err.Error()))
		}
	}()

	dispatcher, ok := server.(Dispatcher)
	if !ok {
		rt.rpcError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "router: protocol server does not support dispatch")
		return
	}

	transport := rt.NewTransport(dispatcher, "", false)
	defer func() {
		if err := transport.Close(); err != nil {
			rt.Log.WarnContext(ctx, "router.stateless.transport.close.fail", slog.String("err", err.Error()))
		}
	}()

	if err := server.Connect(transport); err != nil {
		rt.rpcError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, err.Error())
		return
	}

	if err := transport.HandleRequest(ctx, w, r, body); err != nil {
		rt.Log.WarnContext(ctx, "router.stateless.dispatch.fail", slog.String("err", err.Error()))
	}
}

// HandleGet implements GET /mcp: an SSE upgrade bound to an existing
// session. Stateless mode never reaches here (the HTTP layer returns 405
// before calling in).
func (rt *Router) HandleGet(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		rt.rpcError(w, http.StatusBadRequest, jsonrpc.ErrorCodeBadRequest, "Mcp-Session-Id header is required")
		return
	}

	sess, err := rt.Sessions.Get(sessID)
	if err != nil {
		rt.rpcError(w, http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound, "Session not found or expired")
		return
	}

	if err := rt.Sessions.Begin(sessID); err != nil {
		rt.rpcError(w, http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound, "Session not found or expired")
		return
	}
	defer rt.Sessions.End(sessID)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID,
		PoolKey:   sess.PoolKey,
		AuthMode:  authModeForPoolKey(sess.PoolKey),
	})

	if err := sess.Transport().HandleRequest(ctx, w, r, nil); err != nil {
		rt.Log.WarnContext(ctx, "router.get.dispatch.fail", slog.String("session_id", sessID), slog.String("err", err.Error()))
	}
}

// HandleDelete implements DELETE /mcp: explicit session close.
func (rt *Router) HandleDelete(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		rt.rpcError(w, http.StatusBadRequest, jsonrpc.ErrorCodeBadRequest, "Mcp-Session-Id header is required")
		return
	}

	if _, err := rt.Sessions.Get(sessID); err != nil {
		rt.rpcError(w, http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound, "Session not found or expired")
		return
	}

	rt.Sessions.Close(sessID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "session_closed", "sessionId": sessID})
}
