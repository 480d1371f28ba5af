// Package logctx attaches request- and session-scoped fields to log records
// carried on a context.Context, so a single slog.Logger can be shared across
// the gateway while still producing per-request/per-session structured
// output.
package logctx

import (
	"context"
	"log/slog"
	"strings"
)

// Handler wraps an slog.Handler and injects request/session/pool attributes
// found on the record's context before delegating. Every attribute of the
// record, including ones the caller passed to the log call directly (not
// through this package's With* helpers), is passed through Redact before it
// reaches the wrapped handler, so a DatabaseConfig or TokenSession logged by
// field name never leaks a password or bearer token verbatim (spec.md §3,
// SPEC_FULL.md §4.J). Handler does not override WithAttrs or WithGroup:
// attributes bound through Logger.With go to the wrapped handler unredacted,
// and the logger that With returns no longer passes through Handler.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("pool_key", sd.PoolKey),
			slog.String("auth_mode", sd.AuthMode),
		))
	}

	if rpc, ok := ctx.Value(rpcMsgKey{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", rpc.Method),
			slog.String("id", rpc.ID),
		))
	}

	redacted := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redactAttr(a))
		return true
	})

	return h.Handler.Handle(ctx, redacted)
}

// redactAttr applies Redact to a by key, recursing into group values so a
// sensitive field nested under "req"/"sess"/"rpc" (or any caller-defined
// group) is still caught.
func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		out := make([]slog.Attr, len(group))
		for i, ga := range group {
			out[i] = redactAttr(ga)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	}
	return slog.Attr{Key: a.Key, Value: slog.AnyValue(Redact(strings.ToLower(a.Key), a.Value.Any()))}
}

type requestDataKey struct{}

// RequestData carries per-HTTP-request attributes for logging.
type RequestData struct {
	RequestID  string
	Method     string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

// SessionData carries per-MCP-session attributes for logging.
type SessionData struct {
	SessionID string
	PoolKey   string
	AuthMode  string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type rpcMsgKey struct{}

// RPCMessage carries the inbound JSON-RPC method/id for logging.
type RPCMessage struct {
	Method string
	ID     string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsgKey{}, msg)
}

// redactedKeys lists field paths whose values must never reach the
// underlying handler verbatim. Passwords and bearer credentials are
// replaced with a fixed placeholder rather than dropped, so their presence
// is still visible in the record.
var redactedKeys = map[string]struct{}{
	"password":      {},
	"access_token":  {},
	"authorization": {},
}

// Redact returns v unchanged unless key names a sensitive field, per the
// redaction contract of DatabaseConfig and TokenSession (passwords and
// bearer tokens must never appear in log records).
func Redact(key string, v any) any {
	if _, ok := redactedKeys[key]; ok {
		return "[REDACTED]"
	}
	return v
}
