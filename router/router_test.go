package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/dbgate/dbgate/dbpool"
	"github.com/dbgate/dbgate/internal/jsonrpc"
	"github.com/dbgate/dbgate/mcpsession"
	"github.com/dbgate/dbgate/protocol"
	"github.com/dbgate/dbgate/token"
)

type fakePool struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakePool) Execute(ctx context.Context, sql string, params []any) (*dbpool.Rows, error) {
	return &dbpool.Rows{}, nil
}
func (f *fakePool) Probe(ctx context.Context) bool { return true }
func (f *fakePool) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
func (f *fakePool) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDatabase struct {
	mu    sync.Mutex
	built map[string]*fakePool
}

func newFakeDatabase() *fakeDatabase { return &fakeDatabase{built: map[string]*fakePool{}} }

func (d *fakeDatabase) OpenPool(ctx context.Context, cfg dbpool.DatabaseConfig) (dbpool.Pool, error) {
	p := &fakePool{}
	d.mu.Lock()
	d.built[cfg.Database] = p
	d.mu.Unlock()
	return p, nil
}

type fakeServer struct {
	mu     sync.Mutex
	closed bool
}

func (s *fakeServer) Connect(t protocol.Transport) error { return nil }
func (s *fakeServer) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
func (s *fakeServer) Dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if req.ID == nil {
		return nil
	}
	resp, _ := jsonrpc.NewResultResponse(req.ID, map[string]any{"ok": true})
	return resp
}

type fakeFactory struct {
	mu        sync.Mutex
	failNext  bool
	lastPool  dbpool.Pool
	created   []*fakeServer
}

func (f *fakeFactory) Create(ctx context.Context, cfg dbpool.DatabaseConfig, poolKey string, pool dbpool.Pool) (protocol.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPool = pool
	if f.failNext {
		f.failNext = false
		return nil, errors.New("fake factory failure")
	}
	srv := &fakeServer{}
	f.created = append(f.created, srv)
	return srv, nil
}

type fakeTransport struct {
	mu      sync.Mutex
	closed  bool
	onClose func()
}

func (t *fakeTransport) HandleRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, body *jsonrpc.AnyMessage) error {
	w.WriteHeader(http.StatusOK)
	return nil
}
func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}
func (t *fakeTransport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

func newTestRouter(stateful bool, factory *fakeFactory, db *fakeDatabase) *Router {
	return &Router{
		Pools:    dbpool.New(db, slog.Default()),
		Sessions: mcpsession.New(mcpsession.Config{}, slog.Default()),
		Tokens:   token.New(token.Config{}, slog.Default()),
		Factory:  factory,
		NewTransport: func(d Dispatcher, sessionID string, stateful bool) protocol.Transport {
			return &fakeTransport{}
		},
		EnvConfig: dbpool.DatabaseConfig{Database: "env"},
		Stateful:  stateful,
		Log:       slog.Default(),
	}
}

func TestHandlePostInitializeCreatesSessionAndPool(t *testing.T) {
	db := newFakeDatabase()
	factory := &fakeFactory{}
	rt := newTestRouter(true, factory, db)

	req := &jsonrpc.Request{JSONRPCVersion: "2.0", Method: "initialize", ID: jsonrpc.NewRequestID(int64(1))}
	body := &jsonrpc.AnyMessage{JSONRPCVersion: req.JSONRPCVersion, Method: req.Method, ID: req.ID}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)

	rt.HandlePost(context.Background(), w, r, AuthContext{Mode: AuthModeNone}, body)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if rt.Sessions.Stats().Total != 1 {
		t.Fatalf("expected one session created")
	}
	if rt.Pools.Get(dbpool.GlobalKey) == nil {
		t.Fatalf("expected global pool to be ensured")
	}
}

func TestHandlePostWithoutSessionOrInitializeIsBadRequest(t *testing.T) {
	db := newFakeDatabase()
	factory := &fakeFactory{}
	rt := newTestRouter(true, factory, db)

	body := &jsonrpc.AnyMessage{JSONRPCVersion: "2.0", Method: "tools/list", ID: jsonrpc.NewRequestID(int64(1))}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)

	rt.HandlePost(context.Background(), w, r, AuthContext{Mode: AuthModeNone}, body)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandlePostUnknownSessionIsNotFound(t *testing.T) {
	db := newFakeDatabase()
	factory := &fakeFactory{}
	rt := newTestRouter(true, factory, db)

	body := &jsonrpc.AnyMessage{JSONRPCVersion: "2.0", Method: "tools/list", ID: jsonrpc.NewRequestID(int64(1))}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	r.Header.Set(mcpSessionIDHeader, "nonexistent")

	rt.HandlePost(context.Background(), w, r, AuthContext{Mode: AuthModeNone}, body)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandlePostInitializeFailureDoesNotCloseGlobalPool(t *testing.T) {
	db := newFakeDatabase()
	factory := &fakeFactory{failNext: true}
	rt := newTestRouter(true, factory, db)

	req := &jsonrpc.Request{JSONRPCVersion: "2.0", Method: "initialize", ID: jsonrpc.NewRequestID(int64(1))}
	body := &jsonrpc.AnyMessage{JSONRPCVersion: req.JSONRPCVersion, Method: req.Method, ID: req.ID}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)

	rt.HandlePost(context.Background(), w, r, AuthContext{Mode: AuthModeNone}, body)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if rt.Pools.Get(dbpool.GlobalKey) == nil {
		t.Fatalf("expected global pool to survive a failed initialize")
	}
}

func TestHandlePostInitializeFailureClosesPerTokenPool(t *testing.T) {
	db := newFakeDatabase()
	factory := &fakeFactory{failNext: true}
	rt := newTestRouter(true, factory, db)

	sess, err := rt.Tokens.Create(dbpool.DatabaseConfig{Database: "tok"}, 0)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	req := &jsonrpc.Request{JSONRPCVersion: "2.0", Method: "initialize", ID: jsonrpc.NewRequestID(int64(1))}
	body := &jsonrpc.AnyMessage{JSONRPCVersion: req.JSONRPCVersion, Method: req.Method, ID: req.ID}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)

	rt.HandlePost(context.Background(), w, r, AuthContext{Mode: AuthModeRequired, TokenSession: sess}, body)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if rt.Pools.Get(sess.Token) != nil {
		t.Fatalf("expected per-token pool to be rolled back after a failed initialize")
	}
}

func TestHandleDeleteClosesSession(t *testing.T) {
	db := newFakeDatabase()
	factory := &fakeFactory{}
	rt := newTestRouter(true, factory, db)

	sess, err := rt.Sessions.Create(&fakeServer{}, dbpool.GlobalKey, func(id string) protocol.Transport { return &fakeTransport{} })
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	r.Header.Set(mcpSessionIDHeader, sess.ID)

	rt.HandleDelete(context.Background(), w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if _, err := rt.Sessions.Get(sess.ID); err != mcpsession.ErrNotFound {
		t.Fatalf("expected session to be closed")
	}
}

func TestHandleStatelessPostNeverCreatesASession(t *testing.T) {
	db := newFakeDatabase()
	factory := &fakeFactory{}
	rt := newTestRouter(false, factory, db)

	body := &jsonrpc.AnyMessage{JSONRPCVersion: "2.0", Method: "tools/list", ID: jsonrpc.NewRequestID(int64(1))}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)

	rt.HandlePost(context.Background(), w, r, AuthContext{Mode: AuthModeNone}, body)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if rt.Sessions.Stats().Total != 0 {
		t.Fatalf("expected no session to be created in stateless mode")
	}
	if rt.Pools.Get(dbpool.GlobalKey) == nil {
		t.Fatalf("expected global pool to be ensured in stateless mode")
	}
}
