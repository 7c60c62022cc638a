package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/taskd/internal/model"
)

// HandlerFunc serves one request. ctx ends when the connection closes or the
// server shuts down. Events written to stream reach the caller before the
// returned response, which becomes the request's only result frame.
type HandlerFunc func(ctx context.Context, req *Request, stream *Stream) *Response

type ServerOption func(*Server)

func WithServerLogger(l *zap.SugaredLogger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithWriteTimeout bounds each frame write; a stalled reader cannot hold a
// connection's write lock forever.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.writeTimeout = d
	}
}

type Server struct {
	network      string
	address      string
	listener     net.Listener
	handlers     map[string]HandlerFunc
	mu           sync.RWMutex
	writeTimeout time.Duration
	logger       *zap.SugaredLogger

	conns    map[net.Conn]struct{}
	connMu   sync.Mutex
	draining bool
	wg       sync.WaitGroup
	inflight sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer prepares a server on network ("tcp" or "unix") and address.
func NewServer(network, address string, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		network:      network,
		address:      address,
		handlers:     make(map[string]HandlerFunc),
		writeTimeout: 10 * time.Second,
		logger:       zap.NewNop().Sugar(),
		conns:        make(map[net.Conn]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

func (s *Server) Start() error {
	if s.network == "unix" {
		// Remove stale socket file
		_ = os.Remove(s.address)
	}

	listener, err := net.Listen(s.network, s.address)
	if err != nil {
		return fmt.Errorf("listen on %s %s: %w", s.network, s.address, err)
	}

	if s.network == "unix" {
		if err := os.Chmod(s.address, 0600); err != nil {
			_ = listener.Close()
			return fmt.Errorf("chmod socket: %w", err)
		}
	}

	s.listener = listener
	s.logger.Infow("listening", "network", s.network, "address", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting, waits for in-flight requests until ctx ends,
// then cancels whatever is left and closes every connection.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.connMu.Lock()
	s.draining = true
	s.connMu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("drain requests: %w", ctx.Err())
	}

	s.cancel()
	s.connMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()

	if s.network == "unix" {
		_ = os.Remove(s.address)
	}
	return err
}

// Stop shuts down without waiting for in-flight requests.
func (s *Server) Stop() error {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = s.Shutdown(ctx)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Warnw("accept error", "error", err)
				continue
			}
		}

		s.connMu.Lock()
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// connWriter serialises frame writes on one connection.
type connWriter struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
}

func (w *connWriter) write(f *Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return WriteFrame(w.conn, f)
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(s.ctx)
	w := &connWriter{conn: conn, timeout: s.writeTimeout}
	var requests sync.WaitGroup
	ids := &activeIDs{set: make(map[string]struct{})}

	defer func() {
		cancel()
		requests.Wait()
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		_ = conn.Close()
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("panic in handleConn", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	remote := conn.RemoteAddr().String()
	for {
		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			if ctx.Err() == nil {
				s.logger.Debugw("connection closed", "remote", remote, "error", err)
			}
			return
		}

		if resp := s.precheck(&req); resp != nil {
			if err := w.write(&Frame{ID: req.ID, Type: FrameResult, Result: resp}); err != nil {
				s.logger.Warnw("write response error", "id", req.ID, "error", err)
				return
			}
			continue
		}

		if !ids.add(req.ID) {
			s.logger.Warnw("duplicate request id", "id", req.ID, "remote", remote)
			resp := ErrorResponse(ErrCodeValidation, fmt.Sprintf("request id %q is already in flight on this connection", req.ID))
			if err := w.write(&Frame{ID: req.ID, Type: FrameResult, Result: resp}); err != nil {
				return
			}
			continue
		}
		if !s.admit() {
			ids.remove(req.ID)
			resp := ErrorResponse(ErrCodeInternal, "server is shutting down")
			_ = w.write(&Frame{ID: req.ID, Type: FrameResult, Result: resp})
			continue
		}
		requests.Add(1)
		go func(req Request) {
			defer requests.Done()
			defer s.inflight.Done()
			defer ids.remove(req.ID)
			s.serve(ctx, w, &req)
		}(req)
	}
}

// activeIDs tracks the request ids in flight on one connection. An id is
// reusable once its result has been written.
type activeIDs struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func (a *activeIDs) add(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.set[id]; ok {
		return false
	}
	a.set[id] = struct{}{}
	return true
}

func (a *activeIDs) remove(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.set, id)
}

// admit counts a request as in flight unless the server is draining.
func (s *Server) admit() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.draining {
		return false
	}
	s.inflight.Add(1)
	return true
}

// precheck returns a response for requests that never reach a handler.
func (s *Server) precheck(req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(
			ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion),
		)
	}
	if req.ID == "" {
		return ErrorResponse(ErrCodeValidation, "request id is required")
	}
	s.mu.RLock()
	_, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(
			ErrCodeUnknownCommand,
			fmt.Sprintf("unknown command: %q", req.Command),
		)
	}
	return nil
}

func (s *Server) serve(ctx context.Context, w *connWriter, req *Request) {
	stream := &Stream{id: req.ID, w: w, logger: s.logger}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("panic in handler", "command", req.Command, "id", req.ID, "panic", r, "stack", string(debug.Stack()))
			stream.finish(ErrorResponse(ErrCodeInternal, fmt.Sprintf("internal error: %v", r)))
		}
	}()

	s.mu.RLock()
	handler := s.handlers[req.Command]
	s.mu.RUnlock()

	s.logger.Debugw("request", "command", req.Command, "id", req.ID)
	resp := handler(ctx, req, stream)
	if resp == nil {
		resp = SuccessResponse(nil)
	}
	stream.finish(resp)
}

// Stream carries the frames of one request. Progress and Output make it a
// build tool sink; both are safe for concurrent use. After the result is
// written, or once a write fails, further events are dropped.
type Stream struct {
	id     string
	w      *connWriter
	logger *zap.SugaredLogger

	mu     sync.Mutex
	broken bool
	done   bool
	once   sync.Once
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Progress(e model.ProgressEvent) {
	s.send(&Frame{ID: s.id, Type: FrameProgress, Progress: &e})
}

func (s *Stream) Output(e model.OutputEvent) {
	s.send(&Frame{ID: s.id, Type: FrameOutput, Output: &e})
}

// Event sends an arbitrary JSON value as an event frame.
func (s *Stream) Event(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if !s.send(&Frame{ID: s.id, Type: FrameEvent, Event: raw}) {
		return errors.New("stream closed")
	}
	return nil
}

func (s *Stream) send(f *Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken || s.done {
		return false
	}
	if err := s.w.write(f); err != nil {
		s.broken = true
		s.logger.Debugw("stream write failed", "id", s.id, "error", err)
		return false
	}
	return true
}

func (s *Stream) finish(resp *Response) {
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.done = true
		if s.broken {
			return
		}
		if err := s.w.write(&Frame{ID: s.id, Type: FrameResult, Result: resp}); err != nil {
			s.broken = true
			s.logger.Warnw("write response error", "id", s.id, "error", err)
		}
	})
}
