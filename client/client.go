// Package client connects to a duplex-rpc server over one multiplexed
// connection. Calls from many goroutines share it, and services registered
// with WithCallback answer the server's calls on the same connection.
package client

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"duplex-rpc/codec"
	"duplex-rpc/loadbalance"
	"duplex-rpc/message"
	"duplex-rpc/messenger"
	"duplex-rpc/registry"
	"duplex-rpc/service"
	"duplex-rpc/stub"
	"duplex-rpc/transport"
)

type callback struct {
	name string
	impl any
	opts []service.RegisterOption
}

type options struct {
	codec       codec.Codec
	callTimeout time.Duration
	logger      *zap.Logger
	callbacks   []callback
	retries     int
	retryDelay  time.Duration
	identity    string
	channelOpts []transport.ChannelOption
}

type Option func(*options)

// WithCodec must match the server's codec.
func WithCodec(cdc codec.Codec) Option {
	return func(o *options) { o.codec = cdc }
}

// WithCallTimeout bounds every call. Zero keeps messenger.DefaultTimeout.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithCallback exposes impl to the server under name. See service.Registry.Register.
func WithCallback(name string, impl any, opts ...service.RegisterOption) Option {
	return func(o *options) { o.callbacks = append(o.callbacks, callback{name, impl, opts}) }
}

// WithRetry retries calls the server rejected before running them.
func WithRetry(n int, baseDelay time.Duration) Option {
	return func(o *options) {
		o.retries = n
		o.retryDelay = baseDelay
	}
}

// WithIdentity names this client in the server's logs. The default is a
// random UUID.
func WithIdentity(id string) Option {
	return func(o *options) { o.identity = id }
}

func WithChannelOptions(opts ...transport.ChannelOption) Option {
	return func(o *options) { o.channelOpts = append(o.channelOpts, opts...) }
}

// Client is one connection to a server.
type Client struct {
	id        string
	addr      string
	logger    *zap.Logger
	messenger *messenger.Messenger
	invoker   *stub.Invoker
	session   *service.Session // nil without callbacks

	mu       sync.Mutex
	onNotify func([]byte)
}

// serverPeer is the Caller seen by callback methods.
type serverPeer struct {
	addr net.Addr
}

func (serverPeer) ID() uint64             { return 0 }
func (p serverPeer) RemoteAddr() net.Addr { return p.addr }

// Dial connects to addr and starts reading.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.L()
	}
	if o.codec == nil {
		o.codec = codec.Default
	}
	if o.identity == "" {
		o.identity = uuid.New()
	}
	logger := o.logger.With(zap.String("client", o.identity), zap.String("server", addr))

	// Callbacks are validated before a connection exists.
	var callbacks *service.Registry
	if len(o.callbacks) > 0 {
		callbacks = service.NewRegistry()
		for _, cb := range o.callbacks {
			if err := callbacks.Register(cb.name, cb.impl, cb.opts...); err != nil {
				return nil, errors.WithMessage(err, "client: callback")
			}
		}
		callbacks.Seal()
	}

	chOpts := append([]transport.ChannelOption{transport.WithLogger(logger)}, o.channelOpts...)
	ch, err := transport.Dial(ctx, addr, o.codec, chOpts...)
	if err != nil {
		return nil, err
	}

	m := messenger.New(ch, messenger.WithTimeout(o.callTimeout), messenger.WithLogger(logger))
	c := &Client{
		id:        o.identity,
		addr:      addr,
		logger:    logger,
		messenger: m,
		invoker: stub.NewInvoker(m, o.codec,
			stub.WithTimeout(o.callTimeout),
			stub.WithRetry(o.retries, o.retryDelay),
			stub.WithMetadata(message.MetaClientID, o.identity),
			stub.WithLogger(logger)),
	}

	if callbacks != nil {
		d := service.NewDispatcher(callbacks, o.codec, service.WithLogger(logger))
		c.session = service.NewSession(d, serverPeer{addr: ch.RemoteAddr()}, m.SendOneWay, service.WithSessionLogger(logger))
		m.OnInvoke(c.session.Submit)
		ch.OnDisconnect(func(*transport.Channel, error) { c.session.Close() })
	}
	m.OnPlain(c.notify)

	if err := m.Start(); err != nil {
		m.Stop()
		return nil, err
	}
	logger.Debug("connected")
	return c, nil
}

// DialService discovers name in reg and connects to the instance bal picks.
// Instances that refuse the connection are skipped.
func DialService(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, name string, opts ...Option) (*Client, error) {
	instances, err := reg.Discover(name)
	if err != nil {
		return nil, errors.WithMessagef(err, "client: discover %s", name)
	}

	var lastErr error
	for len(instances) > 0 {
		inst, err := bal.Pick(instances)
		if err != nil {
			return nil, err
		}
		c, err := Dial(ctx, inst.Addr, opts...)
		if err == nil {
			return c, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		instances = without(instances, inst.Addr)
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.WithMessagef(loadbalance.ErrNoInstances, "client: service %s", name)
}

func without(instances []registry.ServiceInstance, addr string) []registry.ServiceInstance {
	out := make([]registry.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if inst.Addr != addr {
			out = append(out, inst)
		}
	}
	return out
}

// ID is the identity sent with every call.
func (c *Client) ID() string { return c.id }

// Addr is the address that was dialed.
func (c *Client) Addr() string { return c.addr }

// Call invokes service.method on the server and decodes its result into reply.
func (c *Client) Call(ctx context.Context, service, method string, reply any, args ...any) error {
	return c.invoker.Call(ctx, service, method, reply, args...)
}

// Bind fills target's func fields with proxies for service on the server.
func (c *Client) Bind(service string, target any) error {
	return c.invoker.Bind(service, target)
}

// Proxy returns a T bound to service on the server.
func Proxy[T any](c *Client, service string) (*T, error) {
	return stub.Proxy[T](c.invoker, service)
}

// Notify sends payload to the server without waiting for an answer.
func (c *Client) Notify(payload []byte) error {
	return c.messenger.SendOneWay(message.NewPlain(payload))
}

// OnNotify sets the handler for payloads the server sends with Notify. fn
// runs on the read loop.
func (c *Client) OnNotify(fn func(payload []byte)) {
	c.mu.Lock()
	c.onNotify = fn
	c.mu.Unlock()
}

func (c *Client) notify(msg *message.Message) {
	c.mu.Lock()
	fn := c.onNotify
	c.mu.Unlock()
	if fn != nil {
		fn(msg.Payload)
	}
}

// Closed reports whether the connection is gone.
func (c *Client) Closed() bool { return c.messenger.Closed() }

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.messenger.Done() }

// Close fails outstanding calls and disconnects.
func (c *Client) Close() error {
	c.messenger.Stop()
	if c.session != nil {
		c.session.Close()
	}
	return nil
}
