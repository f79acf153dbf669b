// Package messenger correlates requests and replies over a transport.Channel.
//
// Every SendAndWait registers its message ID in a pending table before the
// frame is written. The channel's read loop routes each InvokeReply to the
// waiter whose ID matches RepliedID, so replies may arrive in any order:
//
//	caller-1 ──SendAndWait(id=7)──┐                  ┌── reply(replied=9) → pending[9] → caller-2
//	caller-2 ──SendAndWait(id=9)──┼──→ Channel ←─────┤
//	                              ┘                  └── reply(replied=7) → pending[7] → caller-1
//
// A pending entry leaves the table exactly once: claimed by its reply, by the
// caller giving up (timeout or context), or by the messenger shutting down.
package messenger

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"duplex-rpc/message"
	"duplex-rpc/transport"
)

// DefaultTimeout applies when no per-call or per-messenger timeout is set.
const DefaultTimeout = 30 * time.Second

var ErrTimeout = errors.New("messenger: request timed out")

type options struct {
	timeout time.Duration
	logger  *zap.Logger
}

type Option func(*options)

// WithTimeout sets the default SendAndWait timeout. Zero or negative keeps
// DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Messenger layers request/reply semantics on top of a Channel.
type Messenger struct {
	ch     *transport.Channel
	opts   options
	logger *zap.Logger

	mu       sync.Mutex
	pending  map[int64]chan *message.Message
	closed   bool
	onInvoke func(*message.Message)
	onPlain  func(*message.Message)

	stopOnce sync.Once
}

// New subscribes a messenger to ch. The channel is started by Start.
func New(ch *transport.Channel, opts ...Option) *Messenger {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = DefaultTimeout
	}
	if o.logger == nil {
		o.logger = zap.L()
	}

	m := &Messenger{
		ch:      ch,
		opts:    o,
		logger:  o.logger.With(zap.Stringer("remote", ch.RemoteAddr())),
		pending: make(map[int64]chan *message.Message),
	}
	ch.OnMessage(m.receive)
	ch.OnDisconnect(func(_ *transport.Channel, err error) {
		if err != nil {
			m.logger.Debug("channel faulted", zap.Error(err))
		}
		m.failPending()
	})
	return m
}

// OnInvoke sets the handler for inbound invoke requests. It is called on the
// channel's read loop and must not block. Without a handler every inbound
// request is answered with CodeNoDispatcher.
func (m *Messenger) OnInvoke(fn func(req *message.Message)) {
	m.mu.Lock()
	m.onInvoke = fn
	m.mu.Unlock()
}

// OnPlain sets the handler for inbound one-way messages. Like OnInvoke it
// runs on the read loop.
func (m *Messenger) OnPlain(fn func(msg *message.Message)) {
	m.mu.Lock()
	m.onPlain = fn
	m.mu.Unlock()
}

// Start starts the underlying channel.
func (m *Messenger) Start() error {
	return m.ch.Start()
}

// SendOneWay sends msg without waiting for anything in return.
func (m *Messenger) SendOneWay(msg *message.Message) error {
	if m.Closed() {
		return transport.ErrConnectionClosed
	}
	return m.ch.Send(msg)
}

// SendAndWait sends req under a fresh ID and blocks until its reply arrives,
// the timeout elapses (ErrTimeout), ctx is done, or the messenger stops
// (transport.ErrConnectionClosed). A timeout of zero or less uses the
// messenger default.
func (m *Messenger) SendAndWait(ctx context.Context, req *message.Message, timeout time.Duration) (*message.Message, error) {
	if timeout <= 0 {
		timeout = m.opts.timeout
	}

	// Register BEFORE sending: the reply may beat Send's return.
	req.ID = message.NextID()
	wait := make(chan *message.Message, 1)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, transport.ErrConnectionClosed
	}
	m.pending[req.ID] = wait
	m.mu.Unlock()

	if err := m.ch.Send(req); err != nil {
		m.forget(req.ID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rep, ok := <-wait:
		if !ok {
			return nil, transport.ErrConnectionClosed
		}
		return rep, nil
	case <-timer.C:
		if m.forget(req.ID) {
			m.logger.Debug("request timed out",
				zap.Int64("msg_id", req.ID), zap.String("target", req.Target()), zap.Duration("timeout", timeout))
			return nil, errors.WithMessagef(ErrTimeout, "%s after %s", req.Target(), timeout)
		}
	case <-ctx.Done():
		if m.forget(req.ID) {
			return nil, ctx.Err()
		}
	}

	// Lost the race: the entry was already claimed, so its outcome is queued.
	rep, ok := <-wait
	if !ok {
		return nil, transport.ErrConnectionClosed
	}
	return rep, nil
}

// Stop fails every pending wait with transport.ErrConnectionClosed, then
// disconnects the channel.
func (m *Messenger) Stop() {
	m.stopOnce.Do(func() {
		m.failPending()
		m.ch.Disconnect()
	})
}

// Closed reports whether the messenger stopped or its channel went away.
func (m *Messenger) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Done is closed when the underlying channel disconnects.
func (m *Messenger) Done() <-chan struct{} {
	return m.ch.Done()
}

func (m *Messenger) Channel() *transport.Channel {
	return m.ch
}

// Pending returns the number of requests waiting for a reply.
func (m *Messenger) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Messenger) receive(msg *message.Message) {
	switch msg.Kind {
	case message.KindInvokeReply:
		if msg.Reply == nil {
			m.logger.Warn("reply without body", zap.Int64("msg_id", msg.ID))
			return
		}
		m.mu.Lock()
		wait, ok := m.pending[msg.Reply.RepliedID]
		if ok {
			delete(m.pending, msg.Reply.RepliedID)
		}
		m.mu.Unlock()
		if !ok {
			m.logger.Debug("dropping reply for unknown request", zap.Int64("replied_id", msg.Reply.RepliedID))
			return
		}
		wait <- msg

	case message.KindInvoke:
		m.mu.Lock()
		fn := m.onInvoke
		m.mu.Unlock()
		if fn == nil {
			go m.rejectInvoke(msg)
			return
		}
		fn(msg)

	case message.KindPlain:
		m.mu.Lock()
		fn := m.onPlain
		m.mu.Unlock()
		if fn != nil {
			fn(msg)
		} else {
			m.logger.Debug("dropping plain message, no handler", zap.Int64("msg_id", msg.ID))
		}
	}
}

func (m *Messenger) rejectInvoke(req *message.Message) {
	rep := message.NewErrorReply(req, message.NewRemoteError(message.CodeNoDispatcher, message.TextNoDispatcher))
	if err := m.SendOneWay(rep); err != nil {
		m.logger.Debug("reject invoke", zap.Int64("msg_id", req.ID), zap.Error(err))
	}
}

// forget removes id from the pending table and reports whether this call did it.
func (m *Messenger) forget(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[id]; !ok {
		return false
	}
	delete(m.pending, id)
	return true
}

func (m *Messenger) failPending() {
	m.mu.Lock()
	m.closed = true
	pending := m.pending
	m.pending = make(map[int64]chan *message.Message)
	m.mu.Unlock()

	for _, wait := range pending {
		close(wait)
	}
}
