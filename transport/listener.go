package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"duplex-rpc/codec"
)

var ErrListenerStopped = errors.New("transport: listener stopped")

const defaultBackoff = time.Second

// ListenFunc binds a listening socket. net.Listen is used unless replaced
// with WithListenFunc.
type ListenFunc func(network, address string) (net.Listener, error)

type listenerOptions struct {
	logger      *zap.Logger
	backoff     time.Duration
	listen      ListenFunc
	channelOpts []ChannelOption
}

// ListenerOption configures a Listener.
type ListenerOption func(*listenerOptions)

// WithListenerLogger sets the logger. Defaults to zap.L().
func WithListenerLogger(logger *zap.Logger) ListenerOption {
	return func(o *listenerOptions) { o.logger = logger }
}

// WithBackoff sets the pause between a failed accept and the rebind attempt.
func WithBackoff(d time.Duration) ListenerOption {
	return func(o *listenerOptions) { o.backoff = d }
}

// WithListenFunc replaces net.Listen.
func WithListenFunc(fn ListenFunc) ListenerOption {
	return func(o *listenerOptions) { o.listen = fn }
}

// WithChannelOptions applies opts to every accepted Channel.
func WithChannelOptions(opts ...ChannelOption) ListenerOption {
	return func(o *listenerOptions) { o.channelOpts = append(o.channelOpts, opts...) }
}

// Listener accepts TCP connections and wraps each one in a Channel.
//
// An accept failure while running does not end the listener: it closes the
// socket, waits for the backoff interval and binds again on the same address,
// retrying until the bind succeeds or Stop is called.
type Listener struct {
	addr        string
	codec       codec.Codec
	onConnected func(*Channel)
	opts        listenerOptions
	logger      *zap.Logger

	running atomic.Bool
	stopped atomic.Bool

	mu    sync.Mutex // guards ln and bound
	ln    net.Listener
	bound string

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewListener prepares a listener on addr. onConnected receives every
// accepted channel, not yet started, on the accept goroutine: it must not
// block.
func NewListener(addr string, cdc codec.Codec, onConnected func(*Channel), opts ...ListenerOption) *Listener {
	o := listenerOptions{backoff: defaultBackoff, listen: net.Listen}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.L()
	}
	if o.backoff <= 0 {
		o.backoff = defaultBackoff
	}
	if cdc == nil {
		cdc = codec.Default
	}
	return &Listener{
		addr:        addr,
		codec:       cdc,
		onConnected: onConnected,
		opts:        o,
		logger:      o.logger,
		stop:        make(chan struct{}),
	}
}

// Start binds the socket and starts the accept loop. A failure of this first
// bind is returned to the caller.
func (l *Listener) Start() error {
	if l.stopped.Load() {
		return ErrListenerStopped
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running.Load() {
		return errors.New("transport: listener already running")
	}

	ln, err := l.opts.listen("tcp", l.addr)
	if err != nil {
		return errors.Wrapf(err, "transport: listen %s", l.addr)
	}
	l.ln = ln
	// Rebinds reuse the concrete port, which matters when addr asked for ":0".
	l.bound = ln.Addr().String()
	l.running.Store(true)

	l.wg.Add(1)
	go l.acceptLoop(ln)

	l.logger.Info("listening", zap.String("addr", l.bound))
	return nil
}

// Stop closes the socket and waits for the accept loop to exit. A stopped
// listener cannot be started again.
func (l *Listener) Stop() error {
	if !l.stopped.CompareAndSwap(false, true) {
		return nil
	}
	l.running.Store(false)
	close(l.stop)

	l.mu.Lock()
	var err error
	if l.ln != nil {
		err = l.ln.Close()
		l.ln = nil
	}
	l.mu.Unlock()

	l.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.Wrap(err, "transport: close listener")
	}
	return nil
}

// Addr returns the bound address, or "" before Start.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bound == "" {
		return l.addr
	}
	return l.bound
}

func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !l.running.Load() {
				return
			}
			l.logger.Warn("accept failed, rebinding", zap.String("addr", l.Addr()), zap.Error(err))
			_ = ln.Close()

			ln = l.rebind()
			if ln == nil {
				return
			}
			continue
		}

		ch := NewChannel(conn, l.codec, l.channelOptions()...)
		l.logger.Debug("accepted connection", zap.Stringer("remote", conn.RemoteAddr()))
		if l.onConnected != nil {
			l.onConnected(ch)
		} else {
			ch.Disconnect()
		}
	}
}

// rebind waits out the backoff and binds again, retrying every backoff
// interval. It returns nil once Stop has been called.
func (l *Listener) rebind() net.Listener {
	timer := time.NewTimer(l.opts.backoff)
	defer timer.Stop()

	for {
		select {
		case <-l.stop:
			return nil
		case <-timer.C:
		}

		addr := l.Addr()
		ln, err := l.opts.listen("tcp", addr)
		if err != nil {
			l.logger.Warn("rebind failed", zap.String("addr", addr), zap.Error(err))
			timer.Reset(l.opts.backoff)
			continue
		}

		l.mu.Lock()
		if !l.running.Load() {
			l.mu.Unlock()
			_ = ln.Close()
			return nil
		}
		l.ln = ln
		l.mu.Unlock()

		l.logger.Info("listener recovered", zap.String("addr", addr))
		return ln
	}
}

func (l *Listener) channelOptions() []ChannelOption {
	opts := make([]ChannelOption, 0, len(l.opts.channelOpts)+1)
	opts = append(opts, WithLogger(l.logger))
	return append(opts, l.opts.channelOpts...)
}
