package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/agentkernel-io/agentkernel/coreengine/observability"
)

// Logger is the structured logging interface used by the server.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// HandlerFunc processes one decoded request payload and returns the
// response payload.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Server serves length-prefixed JSON frames over a stream listener
// (TCP or unix). Each connection gets its own goroutine; requests on a
// connection are handled sequentially, connections concurrently. A
// malformed frame closes its connection only.
type Server struct {
	logger       Logger
	maxFrameSize int

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool

	wg sync.WaitGroup
}

// NewServer creates an IPC server. A nil logger disables logging.
func NewServer(logger Logger) *Server {
	return &Server{
		logger:       logger,
		maxFrameSize: DefaultMaxFrameSize,
		handlers:     make(map[string]HandlerFunc),
		conns:        make(map[net.Conn]struct{}),
	}
}

// SetMaxFrameSize overrides the frame size limit. Must be called
// before Serve.
func (s *Server) SetMaxFrameSize(n int) {
	if n > 0 {
		s.maxFrameSize = n
	}
}

// Register installs a handler for a request kind. Later registrations
// replace earlier ones.
func (s *Server) Register(kind string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = handler
}

// Kinds returns the registered request kinds.
func (s *Server) Kinds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kinds := make([]string, 0, len(s.handlers))
	for k := range s.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}

// Serve accepts connections on lis until Shutdown is called. It
// returns nil after a graceful shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("server is shut down")
	}
	s.listener = lis
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("ipc_server_listening", "addr", lis.Addr().String())
	}

	for {
		conn, err := lis.Accept()
		if err != nil {
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()
			if closed {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConn(conn)
	}
}

// Shutdown stops accepting connections and waits for in-flight
// connections to drain. If ctx expires first, remaining connections
// are force-closed and ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if s.logger != nil {
			s.logger.Info("ipc_server_stopped")
		}
		return nil
	case <-ctx.Done():
		// Force-close remaining connections; stuck handlers are
		// abandoned rather than waited on.
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// handleConn serves one connection: sequential request/response until
// EOF or a malformed frame.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		s.wg.Done()
	}()

	remote := conn.RemoteAddr().String()
	for {
		req, err := ReadRequest(conn, s.maxFrameSize)
		if err != nil {
			// EOF is a normal disconnect; anything else is a
			// malformed frame and closes this connection only.
			if s.logger != nil && !isDisconnect(err) {
				s.logger.Warn("ipc_malformed_frame", "remote", remote, "error", err.Error())
			}
			return
		}

		resp := s.dispatch(req)
		if err := WriteMessage(conn, resp, s.maxFrameSize); err != nil {
			if s.logger != nil {
				s.logger.Warn("ipc_write_failed", "remote", remote, "error", err.Error())
			}
			return
		}
	}
}

// dispatch routes one request to its handler and builds the response.
func (s *Server) dispatch(req *Request) *Response {
	start := time.Now()

	s.mu.RLock()
	handler, ok := s.handlers[req.Kind]
	s.mu.RUnlock()

	if !ok {
		observability.RecordIPCRequest(req.Kind, "error", int(time.Since(start).Milliseconds()))
		return &Response{
			ID: req.ID,
			Error: &ResponseError{
				Code:    ErrCodeUnknownKind,
				Message: "unknown request kind: " + req.Kind,
			},
		}
	}

	result, err := handler(context.Background(), req.Payload)
	durationMS := int(time.Since(start).Milliseconds())
	if err != nil {
		observability.RecordIPCRequest(req.Kind, "error", durationMS)
		if s.logger != nil {
			s.logger.Warn("ipc_handler_failed", "kind", req.Kind, "error", err.Error())
		}
		return &Response{
			ID: req.ID,
			Error: &ResponseError{
				Code:    ErrCodeHandlerError,
				Message: err.Error(),
			},
		}
	}

	observability.RecordIPCRequest(req.Kind, "ok", durationMS)
	return &Response{ID: req.ID, OK: true, Payload: result}
}

// isDisconnect reports whether err is a normal connection teardown.
// io.EOF on the header read means the peer closed cleanly.
func isDisconnect(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
