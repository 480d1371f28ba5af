// Package streaminghttp implements the HTTP-shaped protocol.Transport: a
// single POST exchange returns either a plain JSON-RPC response or, for
// requests that ask for it via Accept, a one-event SSE stream. This is
// grounded on the teacher's streaminghttp.StreamingHTTPHandler, trimmed to
// the parts that survive once OIDC/JWT auth and the MCP SDK's own engine
// are replaced by this repository's router and protocol.Server contract.
package streaminghttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/elnormous/contenttype"

	"github.com/dbgate/dbgate/internal/jsonrpc"
	"github.com/dbgate/dbgate/protocol"
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

// Dispatcher processes one decoded JSON-RPC request and returns the
// response to send back, or nil for a notification. Concrete
// protocol.Server implementations (e.g. protocol/reference.Server)
// implement this in addition to the narrower protocol.Server contract.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response
}

// Transport is the streaming-HTTP transport bound to a single MCP session.
type Transport struct {
	dispatcher Dispatcher
	sessionID  string
	stateful   bool

	mu      sync.Mutex
	closed  bool
	onClose func()
}

var _ protocol.Transport = (*Transport)(nil)

// New constructs a Transport bound to sessionID. stateful controls whether
// Mcp-Session-Id is echoed on responses.
func New(dispatcher Dispatcher, sessionID string, stateful bool) *Transport {
	return &Transport{dispatcher: dispatcher, sessionID: sessionID, stateful: stateful}
}

// HandleRequest implements protocol.Transport. body is the already-decoded
// JSON-RPC message from the router; a nil body means this call is the GET
// stream-upgrade path, which this minimal transport does not support
// beyond acknowledging with 204 (no asynchronous server-initiated messages
// exist in the reference ProtocolServer).
func (t *Transport) HandleRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, body *jsonrpc.AnyMessage) error {
	if body == nil {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	req := body.AsRequest()
	if req == nil {
		// A bare response or unrecognized message: nothing to dispatch, no
		// reply is expected on this transport.
		w.WriteHeader(http.StatusAccepted)
		return nil
	}

	resp := t.dispatcher.Dispatch(ctx, req)
	if resp == nil {
		// Notification: accepted, no body.
		if t.stateful {
			w.Header().Set("Mcp-Session-Id", t.sessionID)
		}
		w.WriteHeader(http.StatusAccepted)
		return nil
	}

	wantsStream := false
	if accept := r.Header.Get("Accept"); accept != "" {
		if best, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{jsonMediaType, eventStreamMediaType}); err == nil {
			wantsStream = best.String() == eventStreamMediaType.String()
		}
	}

	if t.stateful {
		w.Header().Set("Mcp-Session-Id", t.sessionID)
	}

	if wantsStream {
		return t.writeSSE(w, resp)
	}
	return t.writeJSON(w, resp)
}

func (t *Transport) writeJSON(w http.ResponseWriter, resp *jsonrpc.Response) error {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(resp)
}

func (t *Transport) writeSSE(w http.ResponseWriter, resp *jsonrpc.Response) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaminghttp: response writer does not support flushing")
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// Close implements protocol.Transport. It is idempotent and does not
// invoke the close hook, since OnClose is for externally initiated
// closes (e.g. the underlying connection dropping); a close driven by the
// session manager already knows it is closing.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// OnClose implements protocol.Transport.
func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = fn
}
