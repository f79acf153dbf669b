// Package stub turns local calls into invoke requests.
//
// An Invoker sends one request per Call over a messenger and decodes the
// reply. Bind and Proxy build typed call adapters on top of it: a struct of
// func fields whose bodies are generated with reflect.MakeFunc.
package stub

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"duplex-rpc/codec"
	"duplex-rpc/message"
	"duplex-rpc/transport"
)

// Sender is the part of a messenger an Invoker needs.
type Sender interface {
	SendAndWait(ctx context.Context, req *message.Message, timeout time.Duration) (*message.Message, error)
	Closed() bool
}

type options struct {
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	metadata   map[string]string
	logger     *zap.Logger
}

type Option func(*options)

// WithTimeout sets the per-call timeout. Zero leaves the messenger default.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithRetry retries calls the peer rejected before running them
// (CodeRateLimited, CodeBusy) up to n times, doubling baseDelay each time.
func WithRetry(n int, baseDelay time.Duration) Option {
	return func(o *options) {
		o.retries = n
		o.retryDelay = baseDelay
	}
}

// WithMetadata attaches key=value to every request.
func WithMetadata(key, value string) Option {
	return func(o *options) {
		if o.metadata == nil {
			o.metadata = make(map[string]string)
		}
		o.metadata[key] = value
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Invoker issues calls over one connection.
type Invoker struct {
	sender Sender
	codec  codec.Codec
	opts   options
	logger *zap.Logger
}

// NewInvoker returns an Invoker sending through s. cdc must match the codec
// of the peer's dispatcher; nil selects codec.Default.
func NewInvoker(s Sender, cdc codec.Codec, opts ...Option) *Invoker {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.L()
	}
	if cdc == nil {
		cdc = codec.Default
	}
	return &Invoker{sender: s, codec: cdc, opts: o, logger: o.logger}
}

// Call invokes service.method with args and decodes the result into reply,
// which must be a pointer or nil. A failure reported by the peer is returned
// as *message.RemoteError. Once the connection is gone Call fails with
// transport.ErrConnectionClosed without sending anything.
func (inv *Invoker) Call(ctx context.Context, service, method string, reply any, args ...any) error {
	if inv.sender.Closed() {
		return transport.ErrConnectionClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}

	params := make([][]byte, len(args))
	for i, arg := range args {
		b, err := inv.codec.Encode(arg)
		if err != nil {
			return errors.Wrapf(err, "stub: encode parameter %d of %s.%s", i, service, method)
		}
		params[i] = b
	}

	req := message.NewInvoke(service, method, params)
	md := make(map[string]string, len(inv.opts.metadata))
	for k, v := range inv.opts.metadata {
		md[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(md))
	if len(md) > 0 {
		req.Invoke.Metadata = md
	}

	delay := inv.opts.retryDelay
	for attempt := 0; ; attempt++ {
		rep, err := inv.sender.SendAndWait(ctx, req, inv.opts.timeout)
		if err != nil {
			return err
		}
		if rep.Reply == nil {
			return errors.Errorf("stub: malformed reply to %s", req.Target())
		}

		if rerr := rep.Reply.Error; rerr != nil {
			if !rerr.Code.Retryable() || attempt >= inv.opts.retries {
				return rerr
			}
			inv.logger.Debug("retrying rejected call",
				zap.String("target", req.Target()), zap.Int("attempt", attempt+1), zap.Stringer("code", rerr.Code))
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			delay *= 2
			continue
		}

		if reply != nil && rep.Reply.Value != nil {
			if err := inv.codec.Decode(rep.Reply.Value, reply); err != nil {
				return errors.Wrapf(err, "stub: decode result of %s", req.Target())
			}
		}
		return nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CodeOf returns the remote error code carried by err.
func CodeOf(err error) (message.ErrorCode, bool) {
	var rerr *message.RemoteError
	if errors.As(err, &rerr) {
		return rerr.Code, true
	}
	return 0, false
}
