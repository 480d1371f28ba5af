package mcpsession

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/dbgate/dbgate/internal/jsonrpc"
	"github.com/dbgate/dbgate/protocol"
)

type fakeTransport struct {
	mu      sync.Mutex
	closed  int
	onClose func()
}

func (f *fakeTransport) HandleRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, body *jsonrpc.AnyMessage) error {
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) OnClose(fn func()) {
	f.mu.Lock()
	f.onClose = fn
	f.mu.Unlock()
}

func (f *fakeTransport) fireClose() {
	f.mu.Lock()
	fn := f.onClose
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeServer struct {
	mu     sync.Mutex
	closed int
}

func (f *fakeServer) Connect(t protocol.Transport) error { return nil }

func (f *fakeServer) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeServer) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestCreateRegistersSession(t *testing.T) {
	m := New(Config{}, nil)
	srv := &fakeServer{}
	tr := &fakeTransport{}

	sess, err := m.Create(srv, "global", func(id string) protocol.Transport {
		return tr
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID == "" {
		t.Fatalf("expected a minted session id")
	}
	if sess.PoolKey != "global" {
		t.Fatalf("expected pool key to be recorded")
	}

	got, err := m.Get(sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != sess {
		t.Fatalf("expected Get to return the same session")
	}
}

func TestBeginEndTracksActiveRequests(t *testing.T) {
	m := New(Config{}, nil)
	sess, _ := m.Create(&fakeServer{}, "global", func(id string) protocol.Transport { return &fakeTransport{} })

	if err := m.Begin(sess.ID); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if got := sess.ActiveRequests(); got != 1 {
		t.Fatalf("expected 1 active request, got %d", got)
	}

	m.End(sess.ID)
	if got := sess.ActiveRequests(); got != 0 {
		t.Fatalf("expected 0 active requests, got %d", got)
	}

	// End on an already-zero counter must not go negative.
	m.End(sess.ID)
	if got := sess.ActiveRequests(); got != 0 {
		t.Fatalf("expected counter to stay at 0, got %d", got)
	}
}

func TestEndOnUnknownIDIsNoOp(t *testing.T) {
	m := New(Config{}, nil)
	m.End("nonexistent")
}

func TestCloseIsIdempotentAndClosesTransportThenServer(t *testing.T) {
	m := New(Config{}, nil)
	srv := &fakeServer{}
	tr := &fakeTransport{}
	sess, _ := m.Create(srv, "global", func(id string) protocol.Transport { return tr })

	if !m.Close(sess.ID) {
		t.Fatalf("expected first close to report true")
	}
	if m.Close(sess.ID) {
		t.Fatalf("expected second close to report false")
	}
	if tr.closeCount() != 1 {
		t.Fatalf("expected transport closed exactly once, got %d", tr.closeCount())
	}
	if srv.closeCount() != 1 {
		t.Fatalf("expected server closed exactly once, got %d", srv.closeCount())
	}

	if _, err := m.Get(sess.ID); err != ErrNotFound {
		t.Fatalf("expected closed session to be gone, got %v", err)
	}
}

func TestTransportInitiatedCloseInvokesManagerCloseExactlyOnce(t *testing.T) {
	m := New(Config{}, nil)
	srv := &fakeServer{}
	tr := &fakeTransport{}
	sess, _ := m.Create(srv, "global", func(id string) protocol.Transport { return tr })

	tr.fireClose()
	tr.fireClose() // simulate a duplicate underlying close event

	if srv.closeCount() != 1 {
		t.Fatalf("expected server closed exactly once via transport hook, got %d", srv.closeCount())
	}
	if _, err := m.Get(sess.ID); err != ErrNotFound {
		t.Fatalf("expected session removed after transport-initiated close")
	}
}

func TestCloseByPoolKeyClosesOnlyMatchingSessions(t *testing.T) {
	m := New(Config{}, nil)
	a, _ := m.Create(&fakeServer{}, "tok-a", func(id string) protocol.Transport { return &fakeTransport{} })
	b, _ := m.Create(&fakeServer{}, "tok-b", func(id string) protocol.Transport { return &fakeTransport{} })

	m.CloseByPoolKey("tok-a")

	if _, err := m.Get(a.ID); err != ErrNotFound {
		t.Fatalf("expected session a closed")
	}
	if _, err := m.Get(b.ID); err != nil {
		t.Fatalf("expected session b untouched, got %v", err)
	}
}

func TestSweepEvictsOnlyIdleSessionsWithNoActiveRequests(t *testing.T) {
	m := New(Config{StaleTimeout: time.Minute, CleanupInterval: time.Hour}, nil)
	fixed := time.Now()
	m.now = func() time.Time { return fixed }

	idle, _ := m.Create(&fakeServer{}, "global", func(id string) protocol.Transport { return &fakeTransport{} })
	busy, _ := m.Create(&fakeServer{}, "global", func(id string) protocol.Transport { return &fakeTransport{} })
	m.Begin(busy.ID)

	m.now = func() time.Time { return fixed.Add(2 * time.Minute) }
	m.sweep()

	if _, err := m.Get(idle.ID); err != ErrNotFound {
		t.Fatalf("expected idle session evicted")
	}
	if _, err := m.Get(busy.ID); err != nil {
		t.Fatalf("expected busy session to survive sweep, got %v", err)
	}
}

func TestShutdownClosesEverySession(t *testing.T) {
	m := New(Config{}, nil)
	s1, _ := m.Create(&fakeServer{}, "global", func(id string) protocol.Transport { return &fakeTransport{} })
	s2, _ := m.Create(&fakeServer{}, "global", func(id string) protocol.Transport { return &fakeTransport{} })

	m.Shutdown()

	if _, err := m.Get(s1.ID); err != ErrNotFound {
		t.Fatalf("expected session 1 closed by shutdown")
	}
	if _, err := m.Get(s2.ID); err != ErrNotFound {
		t.Fatalf("expected session 2 closed by shutdown")
	}
	if stats := m.Stats(); stats.Total != 0 {
		t.Fatalf("expected empty manager after shutdown, got %d", stats.Total)
	}
}
