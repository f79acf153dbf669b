package server

import (
	"time"

	"go.uber.org/zap"

	"duplex-rpc/codec"
	"duplex-rpc/registry"
	"duplex-rpc/transport"
)

type options struct {
	codec       codec.Codec
	callTimeout time.Duration
	backoff     time.Duration
	poolSize    int
	queueSize   int
	logger      *zap.Logger
	channelOpts []transport.ChannelOption

	discovery     registry.Registry
	advertiseAddr string
	ttl           int64

	onConnect    func(*ClientHandle)
	onDisconnect func(*ClientHandle, error)
	onNotify     func(*ClientHandle, []byte)
}

type Option func(*options)

// WithCodec sets the codec every connection speaks. Clients must use the same.
func WithCodec(cdc codec.Codec) Option {
	return func(o *options) { o.codec = cdc }
}

// WithCallTimeout bounds each callback the server makes into a client.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithBackoff sets how long the listener waits before rebinding after an
// accept failure.
func WithBackoff(d time.Duration) Option {
	return func(o *options) { o.backoff = d }
}

// WithWorkerPool serves requests on a shared pool of size goroutines instead
// of one serial worker per connection. Requests arriving while every worker
// is busy are answered with CodeBusy.
//
// In either mode a handler abandoned by middleware.TimeOutMiddleware keeps
// running outside the pool or serial order; Shutdown still waits for it.
func WithWorkerPool(size int) Option {
	return func(o *options) { o.poolSize = size }
}

// WithQueueSize sets how many requests a serial connection buffers.
func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithChannelOptions is applied to every accepted connection.
func WithChannelOptions(opts ...transport.ChannelOption) Option {
	return func(o *options) { o.channelOpts = append(o.channelOpts, opts...) }
}

// WithDiscovery publishes every registered service under advertiseAddr once
// the server starts, and withdraws it on Shutdown. ttl is in seconds.
//
// advertiseAddr differs from the listen address because ":8080" is not
// routable for other hosts.
func WithDiscovery(reg registry.Registry, advertiseAddr string, ttl int64) Option {
	return func(o *options) {
		o.discovery = reg
		o.advertiseAddr = advertiseAddr
		o.ttl = ttl
	}
}

// WithConnectHook runs fn for every new client before its first message is
// read. fn runs on the accept goroutine; blocking work belongs in a goroutine.
func WithConnectHook(fn func(*ClientHandle)) Option {
	return func(o *options) { o.onConnect = fn }
}

// WithDisconnectHook runs fn once per client after its connection is gone.
// err is nil for a clean close.
func WithDisconnectHook(fn func(*ClientHandle, error)) Option {
	return func(o *options) { o.onDisconnect = fn }
}

// WithNotifyHook receives one-way payloads clients send with Notify. fn runs
// on the connection's read loop.
func WithNotifyHook(fn func(*ClientHandle, []byte)) Option {
	return func(o *options) { o.onNotify = fn }
}
