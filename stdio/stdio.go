// Package stdio implements the trivial single-client line-oriented
// transport: one JSON-RPC message per line on stdin, one response per
// line on stdout. It is a thin consumer of the same Dispatcher contract
// streaminghttp uses, grounded on the teacher's stdio package (kept as a
// stub there; built out here against this repository's protocol.Server).
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/dbgate/dbgate/internal/jsonrpc"
)

// Dispatcher processes one decoded JSON-RPC request and returns the
// response to send back, or nil for a notification.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response
}

// Server drives a single stdio session: it reads newline-delimited
// JSON-RPC messages from in, dispatches them, and writes newline-delimited
// responses to out. There is exactly one implicit session for the
// process's lifetime; stdio never multiplexes multiple clients.
type Server struct {
	dispatcher Dispatcher
	in         io.Reader
	out        io.Writer
	log        *slog.Logger

	mu      sync.Mutex
	closed  bool
	onClose func()
	stopCh  chan struct{}
}

// New constructs a stdio Server bound to dispatcher, reading from in and
// writing responses to out.
func New(dispatcher Dispatcher, in io.Reader, out io.Writer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		dispatcher: dispatcher,
		in:         in,
		out:        out,
		log:        log,
		stopCh:     make(chan struct{}),
	}
}

// Run reads and dispatches messages until in is exhausted, ctx is
// canceled, or Close is called. It blocks the calling goroutine.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-s.stopCh:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.fireClose()
			return ctx.Err()
		case <-s.stopCh:
			s.fireClose()
			return nil
		case line, ok := <-lines:
			if !ok {
				s.fireClose()
				return scanner.Err()
			}
			if line == "" {
				continue
			}
			s.handleLine(ctx, line)
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line string) {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		s.writeError(nil, jsonrpc.ErrorCodeParseError, fmt.Sprintf("invalid JSON-RPC message: %v", err))
		return
	}

	req := msg.AsRequest()
	if req == nil {
		// Responses from the client to a server-initiated request are not
		// produced by the reference ProtocolServer, so there is nothing to
		// correlate them against; ignore.
		return
	}

	resp := s.dispatcher.Dispatch(ctx, req)
	if resp == nil {
		return
	}
	s.writeResponse(resp)
}

func (s *Server) writeError(id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string) {
	s.writeResponse(jsonrpc.NewErrorResponse(id, code, msg, nil))
}

func (s *Server) writeResponse(resp *jsonrpc.Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("stdio.response.marshal.fail", slog.String("err", err.Error()))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(append(payload, '\n')); err != nil {
		s.log.Warn("stdio.response.write.fail", slog.String("err", err.Error()))
	}
}

// Close signals Run to stop; Run then invokes the registered close hook as
// it returns. Idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stopCh)
	return nil
}

// OnClose registers fn to run once Run returns for any reason.
func (s *Server) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = fn
}

func (s *Server) fireClose() {
	s.mu.Lock()
	fn := s.onClose
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
