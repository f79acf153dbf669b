// Package server implements the RPC server with service registration, middleware chain,
// per-connection dispatch, server-to-client callbacks, and graceful shutdown.
//
// Request processing pipeline:
//
//	Listener accepts conn → Channel (single goroutine reads frames) → Messenger
//	  → invoke requests: Session.Submit (serial worker or pool, never the read loop)
//	    → Dispatcher: Middleware Chain → reflect.Call → reply written through the Messenger
//	  → invoke replies: routed to the server's own pending callbacks
package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"duplex-rpc/codec"
	"duplex-rpc/message"
	"duplex-rpc/messenger"
	"duplex-rpc/middleware"
	"duplex-rpc/registry"
	"duplex-rpc/service"
	"duplex-rpc/stub"
	"duplex-rpc/transport"
)

var (
	ErrServerStarted = errors.New("server: already started")
	ErrServerClosed  = errors.New("server: closed")
)

// Server is the RPC server that registers services and serves connected clients.
type Server struct {
	opts   options
	logger *zap.Logger
	nodeID string

	services    *service.Registry
	middlewares []middleware.Middleware // applied in order
	dispatcher  *service.Dispatcher
	listener    *transport.Listener
	pool        *ants.Pool

	started  atomic.Bool
	shutdown atomic.Bool

	mu       sync.RWMutex // guards clients and draining
	clients  map[uint64]*ClientHandle
	draining bool
	lastID   atomic.Uint64

	wg sync.WaitGroup // in-flight dispatches, for graceful shutdown
}

// NewServer creates a server with an empty service registry.
func NewServer(opts ...Option) *Server {
	o := options{callTimeout: messenger.DefaultTimeout, queueSize: service.DefaultQueueSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.L()
	}
	if o.codec == nil {
		o.codec = codec.Default
	}
	if o.callTimeout <= 0 {
		o.callTimeout = messenger.DefaultTimeout
	}
	nodeID := uuid.New()
	return &Server{
		opts:     o,
		logger:   o.logger.With(zap.String("node_id", nodeID)),
		nodeID:   nodeID,
		services: service.NewRegistry(),
		clients:  make(map[uint64]*ClientHandle),
	}
}

// Register exposes impl's eligible methods under name. An empty name uses
// impl's type name. Registration closes when the server starts.
func (svr *Server) Register(name string, impl any, opts ...service.RegisterOption) error {
	return svr.services.Register(name, impl, opts...)
}

// Use registers a middleware. Middlewares are applied in the order they are added
// and must be registered before Start.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// NodeID identifies this server instance in discovery.
func (svr *Server) NodeID() string { return svr.nodeID }

// Services returns the registered service names.
func (svr *Server) Services() []string { return svr.services.Names() }

// Start binds addr, starts accepting clients and, when discovery is
// configured, publishes every service. It returns once the socket is bound.
func (svr *Server) Start(addr string) error {
	if svr.shutdown.Load() {
		return ErrServerClosed
	}
	if !svr.started.CompareAndSwap(false, true) {
		return ErrServerStarted
	}

	// Build the middleware chain once at startup (not per-request)
	svr.services.Seal()
	svr.dispatcher = service.NewDispatcher(svr.services, svr.opts.codec,
		service.WithMiddleware(svr.middlewares...), service.WithLogger(svr.logger))

	if svr.opts.poolSize > 0 {
		pool, err := ants.NewPool(svr.opts.poolSize, ants.WithNonblocking(true))
		if err != nil {
			return errors.Wrap(err, "server: create worker pool")
		}
		svr.pool = pool
	}

	svr.listener = transport.NewListener(addr, svr.opts.codec, svr.accept,
		transport.WithListenerLogger(svr.logger),
		transport.WithBackoff(svr.opts.backoff),
		transport.WithChannelOptions(svr.opts.channelOpts...))
	if err := svr.listener.Start(); err != nil {
		svr.releasePool()
		return err
	}

	if reg := svr.opts.discovery; reg != nil {
		for _, name := range svr.services.Names() {
			svc, _ := svr.services.Lookup(name)
			inst := registry.ServiceInstance{
				Addr:    svr.opts.advertiseAddr,
				NodeID:  svr.nodeID,
				Weight:  1,
				Version: svc.Version,
			}
			if err := reg.Register(name, inst, svr.opts.ttl); err != nil {
				svr.logger.Error("publish service failed", zap.String("service", name), zap.Error(err))
				continue
			}
			svr.logger.Info("service published", zap.String("service", name), zap.String("addr", inst.Addr))
		}
	}
	return nil
}

// Addr returns the address the server is bound to.
func (svr *Server) Addr() string {
	if svr.listener == nil {
		return ""
	}
	return svr.listener.Addr()
}

// Clients returns a snapshot of the connected clients.
func (svr *Server) Clients() []*ClientHandle {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	out := make([]*ClientHandle, 0, len(svr.clients))
	for _, h := range svr.clients {
		out = append(out, h)
	}
	return out
}

// Client returns the connected client with the given ID.
func (svr *Server) Client(id uint64) (*ClientHandle, bool) {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	h, ok := svr.clients[id]
	return h, ok
}

// accept wires a new connection: Channel → Messenger → Session. It runs on
// the listener's accept goroutine.
func (svr *Server) accept(ch *transport.Channel) {
	id := svr.lastID.Add(1)
	logger := svr.logger.With(zap.Uint64("client_id", id))

	m := messenger.New(ch, messenger.WithTimeout(svr.opts.callTimeout), messenger.WithLogger(logger))
	h := &ClientHandle{
		id:          id,
		connectedAt: time.Now(),
		messenger:   m,
		invoker:     stub.NewInvoker(m, svr.opts.codec, stub.WithTimeout(svr.opts.callTimeout), stub.WithLogger(logger)),
	}

	sessionOpts := []service.SessionOption{
		service.WithWaitGroup(&svr.wg),
		service.WithQueueSize(svr.opts.queueSize),
		service.WithSessionLogger(logger),
	}
	if svr.pool != nil {
		sessionOpts = append(sessionOpts, service.WithPool(svr.pool))
	}
	h.session = service.NewSession(svr.dispatcher, h, m.SendOneWay, sessionOpts...)

	m.OnInvoke(func(req *message.Message) { svr.admit(h, req) })
	m.OnPlain(func(msg *message.Message) {
		if svr.opts.onNotify != nil {
			svr.opts.onNotify(h, msg.Payload)
		}
	})

	svr.mu.Lock()
	if svr.draining {
		svr.mu.Unlock()
		h.session.Close()
		ch.Disconnect()
		return
	}
	svr.clients[id] = h
	svr.mu.Unlock()

	ch.OnDisconnect(func(_ *transport.Channel, err error) {
		h.session.Close()
		svr.mu.Lock()
		delete(svr.clients, id)
		svr.mu.Unlock()
		logger.Info("client disconnected", zap.Error(err))
		if svr.opts.onDisconnect != nil {
			svr.opts.onDisconnect(h, err)
		}
	})

	logger.Info("client connected", zap.Stringer("remote", ch.RemoteAddr()))
	if svr.opts.onConnect != nil {
		svr.opts.onConnect(h)
	}
	if err := m.Start(); err != nil {
		logger.Warn("start messenger failed", zap.Error(err))
		m.Stop()
	}
}

// admit hands req to the client's session unless the server is draining.
func (svr *Server) admit(h *ClientHandle, req *message.Message) {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.draining {
		go func() {
			rep := message.NewErrorReply(req, message.NewRemoteError(message.CodeBusy, "server shutting down"))
			_ = h.messenger.SendOneWay(rep)
		}()
		return
	}
	h.session.Submit(req)
}

// Shutdown performs graceful shutdown:
//  1. Withdraw every service from discovery (clients stop routing to this server)
//  2. Stop the listener and refuse new requests
//  3. Wait for in-flight requests to finish (with timeout)
//  4. Disconnect every client
func (svr *Server) Shutdown(timeout time.Duration) error {
	if !svr.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	if reg := svr.opts.discovery; reg != nil && svr.started.Load() {
		for _, name := range svr.services.Names() {
			if err := reg.Deregister(name, svr.opts.advertiseAddr); err != nil {
				svr.logger.Warn("withdraw service failed", zap.String("service", name), zap.Error(err))
			}
		}
	}

	var err error
	if svr.listener != nil {
		err = svr.listener.Stop()
	}

	svr.mu.Lock()
	svr.draining = true
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		err = errors.Errorf("server: timeout waiting for ongoing requests to finish after %s", timeout)
	}

	for _, h := range svr.Clients() {
		h.Disconnect()
	}
	svr.releasePool()
	svr.logger.Info("server stopped")
	return err
}

func (svr *Server) releasePool() {
	if svr.pool != nil {
		svr.pool.Release()
	}
}
