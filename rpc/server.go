package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"

	"github.com/guseggert/enginehost/internal/metrics"
	enet "github.com/guseggert/enginehost/internal/net"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 1 << 20

// ConnectHandler runs once for every accepted connection, before any of its envelopes are dispatched.
// Returning false refuses the connection.
type ConnectHandler func(ctx any, connID int64) bool

// DisconnectHandler runs once for every connection that the connect handler accepted, after its last envelope.
type DisconnectHandler func(ctx any, connID int64)

// Server dispatches envelopes to registered functions.
// Collections must be registered before Initialize and are never mutated afterwards.
type Server struct {
	log *zap.SugaredLogger

	mu          sync.Mutex
	collections map[string]*Collection
	initialized bool
	closed      bool
	path        string
	listener    net.Listener
	httpServer  *http.Server
	conns       map[int64]*serverConn
	nextConnID  int64

	onConnect       ConnectHandler
	onConnectCtx    any
	onDisconnect    DisconnectHandler
	onDisconnectCtx any

	wg           sync.WaitGroup
	finalizeOnce sync.Once
}

type ServerOption func(s *Server)

func WithServerLogger(l *zap.SugaredLogger) ServerOption {
	return func(s *Server) {
		s.log = l.Named("rpc_server")
	}
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		log:         zap.NewNop().Sugar(),
		collections: map[string]*Collection{},
		conns:       map[int64]*serverConn{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds a collection. Functions of a collection with an already registered name are merged in,
// and a duplicate (collection, function) pair fails.
func (s *Server) Register(c *Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return ErrServerInitialized
	}
	existing, ok := s.collections[c.name]
	if !ok {
		s.collections[c.name] = c
		return nil
	}
	for name := range c.functions {
		if _, dup := existing.functions[name]; dup {
			return fmt.Errorf("%w: %s.%s", ErrDuplicateHandler, c.name, name)
		}
	}
	for name, f := range c.functions {
		existing.functions[name] = f
	}
	return nil
}

// RegisterFunction registers a single function, creating its collection if needed.
func (s *Server) RegisterFunction(collection, name string, params []Type, handler HandlerFunc, ctx any) error {
	c := NewCollection(collection)
	if err := c.Register(name, params, handler, ctx); err != nil {
		return err
	}
	return s.Register(c)
}

func (s *Server) SetConnectHandler(h ConnectHandler, ctx any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = h
	s.onConnectCtx = ctx
}

func (s *Server) SetDisconnectHandler(h DisconnectHandler, ctx any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = h
	s.onDisconnectCtx = ctx
}

// Path returns the channel path passed to Initialize.
func (s *Server) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Initialize binds the channel at path and starts accepting connections.
// Binding failures are returned as a *TransportInitError.
func (s *Server) Initialize(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return ErrServerInitialized
	}
	if s.closed {
		return ErrClosed
	}

	// a live listener is left in place and Listen reports EADDRINUSE
	removed, err := enet.RemoveStale("unix", path)
	if err != nil {
		return &TransportInitError{Path: path, Err: err}
	}
	if removed {
		s.log.Debugf("removed stale socket %s", path)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return &TransportInitError{Path: path, AlreadyBound: errors.Is(err, syscall.EADDRINUSE), Err: err}
	}

	router := httprouter.New()
	router.GET("/rpc", s.serveRPC)
	router.GET("/heartbeat", s.heartbeat)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	s.path = path
	s.listener = listener
	s.httpServer = &http.Server{Handler: router}
	s.initialized = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Debugf("serve error: %s", err)
		}
	}()

	s.log.Debugw("server initialized", "Path", path)
	return nil
}

// Finalize closes the channel and every open connection, waiting for their disconnect handlers.
// It is idempotent and safe to call when Initialize failed or was never called.
func (s *Server) Finalize() error {
	var err error
	s.finalizeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		httpServer := s.httpServer
		conns := make([]*serverConn, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		if httpServer != nil {
			// hijacked WebSocket conns are not closed by this
			err = httpServer.Close()
		}
		for _, c := range conns {
			c.close(websocket.StatusGoingAway, "server finalized")
		}
		s.wg.Wait()
		s.log.Debug("server finalized")
	})
	return err
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()
	b, err := json.Marshal(struct{ Connections int }{Connections: n})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		wsConn.Close(websocket.StatusGoingAway, "server finalized")
		return
	}
	s.nextConnID++
	conn := &serverConn{
		id:     s.nextConnID,
		log:    s.log.Named("conn"),
		server: s,
		conn:   wsConn,
		ctx:    ctx,
		cancel: cancel,
	}
	s.conns[conn.id] = conn
	onConnect, onConnectCtx := s.onConnect, s.onConnectCtx
	onDisconnect, onDisconnectCtx := s.onDisconnect, s.onDisconnectCtx
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn.id)
		s.mu.Unlock()
	}()

	if onConnect != nil && !onConnect(onConnectCtx, conn.id) {
		metrics.ConnectionEventsTotal.WithLabelValues("refused").Inc()
		s.log.Debugw("connection refused by connect handler", "ConnID", conn.id)
		conn.close(websocket.StatusPolicyViolation, "connection refused")
		return
	}
	metrics.ConnectionEventsTotal.WithLabelValues("connect").Inc()
	s.log.Debugw("accepted connection", "ConnID", conn.id)

	conn.serve()

	if onDisconnect != nil {
		onDisconnect(onDisconnectCtx, conn.id)
	}
	metrics.ConnectionEventsTotal.WithLabelValues("disconnect").Inc()
	s.log.Debugw("connection closed", "ConnID", conn.id)
}

// dispatch runs the handler for env and never panics.
func (s *Server) dispatch(connID int64, env *Envelope) (values []Value) {
	code := Ok
	defer func() {
		if len(values) > 0 {
			code = values[0].AsCode()
		}
		metrics.CallsTotal.WithLabelValues(env.Collection, env.Function, code.String()).Inc()
	}()

	coll, ok := s.collections[env.Collection]
	if !ok {
		return []Value{Code(NotFound)}
	}
	fn, ok := coll.lookup(env.Function)
	if !ok {
		return []Value{Code(NotFound)}
	}
	if !fn.accepts(env.Args) {
		return []Value{Code(TypeMismatch)}
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("handler panicked", "Collection", env.Collection, "Function", env.Function, "Panic", r)
			values = ErrorResult(CriticalError, fmt.Sprintf("%s.%s panicked: %v", env.Collection, env.Function, r))
		}
	}()

	values = fn.Handler(&Call{
		Context:    fn.Context,
		ConnID:     connID,
		Collection: env.Collection,
		Function:   env.Function,
		Args:       env.Args,
	})
	if len(values) == 0 {
		values = OkResult()
	}
	return values
}

type serverConn struct {
	id     int64
	log    *zap.SugaredLogger
	server *Server
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	closeOnce sync.Once
}

func (c *serverConn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		err := c.conn.Close(code, reason)
		if err != nil {
			c.log.Debugf("error closing conn %d: %s", c.id, err)
		}
		c.cancel()
	})
}

// serve reads envelopes until the connection closes, dispatching them in order.
func (c *serverConn) serve() {
	defer c.close(websocket.StatusNormalClosure, "")
	for {
		var env Envelope
		err := wsjson.Read(c.ctx, c.conn, &env)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				c.log.Debugf("conn %d read error: %s", c.id, err)
			}
			return
		}

		values := c.server.dispatch(c.id, &env)
		if env.Oneway {
			continue
		}
		err = wsjson.Write(c.ctx, c.conn, Result{ID: env.ID, Values: values})
		if err != nil {
			c.log.Debugf("conn %d write error: %s", c.id, err)
			return
		}
	}
}
