// Package transport moves framed messages over a single TCP connection.
//
// A Channel owns one net.Conn. One goroutine (the read loop) reads frames in
// order and hands each decoded message to the MessageReceived callback, while
// any number of goroutines may Send concurrently: the per-channel write mutex
// keeps frames from interleaving on the wire.
//
//	Send(A) ──┐
//	Send(B) ──┼── writeMu ──→ conn ──→ peer
//	Send(C) ──┘
//
//	readLoop: conn ──→ protocol.Decode ──→ codec.Decode ──→ onMessage(msg)
//
// Whatever ends the connection (local Disconnect, peer close, socket error,
// corrupt frame) is reported exactly once through the Disconnected callbacks.
package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"duplex-rpc/codec"
	"duplex-rpc/message"
	"duplex-rpc/protocol"
)

var (
	ErrConnectionClosed = errors.New("transport: connection closed")
	ErrAlreadyStarted   = errors.New("transport: channel already started")
)

// State is the lifecycle of a Channel. Disconnected and Faulted are terminal.
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateDisconnected // closed locally or by the peer
	StateFaulted      // closed because of an I/O or decode error
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateDisconnected:
		return "disconnected"
	case StateFaulted:
		return "faulted"
	}
	return "unknown"
}

const defaultKeepAlive = 30 * time.Second

type channelOptions struct {
	logger       *zap.Logger
	writeTimeout time.Duration
	maxFrameSize int
	keepAlive    time.Duration
}

// ChannelOption configures a Channel.
type ChannelOption func(*channelOptions)

// WithLogger sets the logger. Defaults to zap.L().
func WithLogger(logger *zap.Logger) ChannelOption {
	return func(o *channelOptions) { o.logger = logger }
}

// WithWriteTimeout bounds every Send. A write that misses the deadline faults
// the channel. Zero disables the deadline.
func WithWriteTimeout(d time.Duration) ChannelOption {
	return func(o *channelOptions) { o.writeTimeout = d }
}

// WithMaxFrameSize caps the body length accepted by the read loop.
func WithMaxFrameSize(n int) ChannelOption {
	return func(o *channelOptions) { o.maxFrameSize = n }
}

// WithKeepAlive sets the TCP keep-alive period. Negative disables keep-alive.
func WithKeepAlive(d time.Duration) ChannelOption {
	return func(o *channelOptions) { o.keepAlive = d }
}

func newChannelOptions(opts []ChannelOption) channelOptions {
	o := channelOptions{
		maxFrameSize: protocol.DefaultMaxBodySize,
		keepAlive:    defaultKeepAlive,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.L()
	}
	if o.maxFrameSize <= 0 {
		o.maxFrameSize = protocol.DefaultMaxBodySize
	}
	return o
}

// Channel is a framed, bidirectional message stream over one connection.
type Channel struct {
	conn   net.Conn
	codec  codec.Codec
	opts   channelOptions
	logger *zap.Logger

	state   atomic.Int32
	writeMu sync.Mutex // one frame on the wire at a time

	mu           sync.Mutex // guards the callbacks and err
	onMessage    func(*message.Message)
	onDisconnect []func(*Channel, error)
	closed       bool
	err          error

	closeOnce sync.Once
	done      chan struct{}
}

// NewChannel wraps conn. Nothing is read until Start. A nil codec selects
// codec.Default.
func NewChannel(conn net.Conn, cdc codec.Codec, opts ...ChannelOption) *Channel {
	if cdc == nil {
		cdc = codec.Default
	}
	o := newChannelOptions(opts)
	if tcp, ok := conn.(*net.TCPConn); ok {
		tuneTCP(tcp, o.keepAlive, o.logger)
	}
	return &Channel{
		conn:   conn,
		codec:  cdc,
		opts:   o,
		logger: o.logger.With(zap.Stringer("remote", conn.RemoteAddr())),
		done:   make(chan struct{}),
	}
}

// Dial connects to addr and returns a channel that has not been started yet.
func Dial(ctx context.Context, addr string, cdc codec.Codec, opts ...ChannelOption) (*Channel, error) {
	o := newChannelOptions(opts)
	dialer := net.Dialer{KeepAlive: o.keepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: dial %s", addr)
	}
	return NewChannel(conn, cdc, opts...), nil
}

func tuneTCP(conn *net.TCPConn, keepAlive time.Duration, logger *zap.Logger) {
	if err := conn.SetNoDelay(true); err != nil {
		logger.Debug("set TCP_NODELAY failed", zap.Error(err))
	}
	if keepAlive < 0 {
		_ = conn.SetKeepAlive(false)
		return
	}
	if err := conn.SetKeepAlive(true); err != nil {
		logger.Debug("enable keep-alive failed", zap.Error(err))
		return
	}
	_ = conn.SetKeepAlivePeriod(keepAlive)
}

// OnMessage sets the MessageReceived callback. It runs on the read loop, so
// it must hand long work off to another goroutine. Set it before Start.
func (c *Channel) OnMessage(fn func(*message.Message)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnDisconnect adds a Disconnected callback. err is nil for a clean close.
// Registered on an already closed channel, fn runs immediately.
func (c *Channel) OnDisconnect(fn func(ch *Channel, err error)) {
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		fn(c, err)
		return
	}
	c.onDisconnect = append(c.onDisconnect, fn)
	c.mu.Unlock()
}

// Start launches the read loop.
func (c *Channel) Start() error {
	if !c.state.CompareAndSwap(int32(StateCreated), int32(StateStarted)) {
		if c.State() == StateStarted {
			return ErrAlreadyStarted
		}
		return ErrConnectionClosed
	}
	go c.readLoop()
	return nil
}

// Send encodes msg and writes it as one frame. It is safe for concurrent use.
func (c *Channel) Send(msg *message.Message) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}

	body, err := c.codec.Encode(msg)
	if err != nil {
		return errors.Wrapf(err, "transport: encode %s message %d", msg.Kind, msg.ID)
	}
	frame, err := protocol.Pack(body)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	if c.isClosed() {
		c.writeMu.Unlock()
		return ErrConnectionClosed
	}
	if c.opts.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	}
	_, err = c.conn.Write(frame)
	c.writeMu.Unlock()

	if err != nil {
		c.shutdown(StateFaulted, err)
		return errors.WithMessagef(ErrConnectionClosed, "write: %v", err)
	}
	return nil
}

// Disconnect closes the connection. Calling it more than once is harmless.
func (c *Channel) Disconnect() {
	c.shutdown(StateDisconnected, nil)
}

func (c *Channel) readLoop() {
	r := bufio.NewReader(c.conn)
	for {
		body, err := protocol.DecodeLimit(r, c.opts.maxFrameSize)
		if err != nil {
			c.readFailed(err)
			return
		}

		msg := &message.Message{}
		if err := c.codec.Decode(body, msg); err != nil {
			c.logger.Warn("undecodable message, closing channel",
				zap.Stringer("codec", c.codec.Type()), zap.Error(err))
			c.shutdown(StateFaulted, errors.Wrap(err, "transport: decode message"))
			return
		}

		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	}
}

func (c *Channel) readFailed(err error) {
	if c.isClosed() {
		return
	}
	if errors.Is(err, io.EOF) {
		c.logger.Debug("peer closed connection")
		c.shutdown(StateDisconnected, nil)
		return
	}
	if protocol.IsFramingError(err) {
		c.logger.Warn("framing error, closing channel", zap.Error(err))
	} else {
		c.logger.Debug("read failed", zap.Error(err))
	}
	c.shutdown(StateFaulted, err)
}

func (c *Channel) shutdown(state State, err error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(state))
		if cerr := c.conn.Close(); cerr != nil && err == nil {
			c.logger.Debug("close connection", zap.Error(cerr))
		}

		c.mu.Lock()
		c.closed = true
		c.err = err
		listeners := c.onDisconnect
		c.onDisconnect = nil
		c.mu.Unlock()

		close(c.done)
		for _, fn := range listeners {
			fn(c, err)
		}
	})
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Err returns the error that faulted the channel, or nil.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the channel has disconnected.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Channel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Codec returns the payload codec both peers agreed on.
func (c *Channel) Codec() codec.Codec { return c.codec }
