package service

import (
	"context"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"duplex-rpc/message"
	"duplex-rpc/middleware"
)

// DefaultQueueSize bounds the requests a serial session holds before
// answering CodeBusy.
const DefaultQueueSize = 1024

type sessionOptions struct {
	pool      *ants.Pool
	queueSize int
	wg        *sync.WaitGroup
	logger    *zap.Logger
}

type SessionOption func(*sessionOptions)

// WithPool dispatches requests concurrently on pool instead of one at a time.
// The pool should be non-blocking: a rejected submission is answered with
// CodeBusy.
func WithPool(pool *ants.Pool) SessionOption {
	return func(o *sessionOptions) { o.pool = pool }
}

// WithQueueSize sets the serial queue capacity.
func WithQueueSize(n int) SessionOption {
	return func(o *sessionOptions) { o.queueSize = n }
}

// WithWaitGroup tracks every accepted request in wg until its reply is sent.
func WithWaitGroup(wg *sync.WaitGroup) SessionOption {
	return func(o *sessionOptions) { o.wg = wg }
}

func WithSessionLogger(logger *zap.Logger) SessionOption {
	return func(o *sessionOptions) { o.logger = logger }
}

// Session feeds one connection's invoke requests to a Dispatcher.
//
// By default a single worker goroutine serves requests in arrival order. A
// request abandoned by middleware.TimeOutMiddleware keeps running beside the
// next one; it is still counted in the WithWaitGroup group.
// Dispatch never runs on the channel's read loop, so a method that calls back
// into its caller still receives the reply to that nested call.
type Session struct {
	caller     Caller
	dispatcher *Dispatcher
	send       func(*message.Message) error
	opts       sessionOptions
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	queue   chan *message.Message
	closing chan struct{}
}

// NewSession starts serving requests for caller. send writes a reply back to
// the caller's connection.
func NewSession(d *Dispatcher, caller Caller, send func(*message.Message) error, opts ...SessionOption) *Session {
	o := sessionOptions{queueSize: DefaultQueueSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.wg == nil {
		o.wg = &sync.WaitGroup{}
	}
	if o.logger == nil {
		o.logger = d.logger
	}
	if o.queueSize <= 0 {
		o.queueSize = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(middleware.WithInFlight(context.Background(), o.wg))
	s := &Session{
		caller:     caller,
		dispatcher: d,
		send:       send,
		opts:       o,
		logger:     o.logger.With(zap.Uint64("client_id", caller.ID())),
		ctx:        ctx,
		cancel:     cancel,
		closing:    make(chan struct{}),
	}
	if o.pool == nil {
		s.queue = make(chan *message.Message, o.queueSize)
		go s.run()
	}
	return s
}

// Submit queues req. It never blocks, so it may be called from a read loop.
func (s *Session) Submit(req *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.opts.wg.Add(1)
	if s.opts.pool != nil {
		err := s.opts.pool.Submit(func() {
			defer s.opts.wg.Done()
			s.serve(req)
		})
		if err != nil {
			s.opts.wg.Done()
			s.logger.Warn("dispatch pool rejected request", zap.Int64("msg_id", req.ID), zap.Error(err))
			go s.reject(req)
		}
		return
	}

	select {
	case s.queue <- req:
	default:
		s.opts.wg.Done()
		s.logger.Warn("session queue full", zap.Int64("msg_id", req.ID), zap.Int("size", s.opts.queueSize))
		go s.reject(req)
	}
}

// Close stops the session. Queued requests are dropped and running ones see
// their context cancelled.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.closing)
	s.mu.Unlock()
	s.cancel()
}

func (s *Session) run() {
	for {
		select {
		case req := <-s.queue:
			s.serve(req)
			s.opts.wg.Done()
		case <-s.closing:
			for {
				select {
				case <-s.queue:
					s.opts.wg.Done()
				default:
					return
				}
			}
		}
	}
}

func (s *Session) serve(req *message.Message) {
	rep := s.dispatcher.Dispatch(s.ctx, s.caller, req)
	if err := s.send(rep); err != nil {
		s.logger.Debug("reply not sent", zap.Int64("msg_id", req.ID), zap.String("target", req.Target()), zap.Error(err))
	}
}

func (s *Session) reject(req *message.Message) {
	rep := message.NewErrorReply(req, message.NewRemoteError(message.CodeBusy, "server busy"))
	if err := s.send(rep); err != nil {
		s.logger.Debug("busy reply not sent", zap.Int64("msg_id", req.ID), zap.Error(err))
	}
}
