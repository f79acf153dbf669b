package service

import (
	"context"
	"fmt"
	"reflect"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"duplex-rpc/codec"
	"duplex-rpc/message"
	"duplex-rpc/middleware"
)

type dispatcherOptions struct {
	middlewares []middleware.Middleware
	logger      *zap.Logger
}

type DispatcherOption func(*dispatcherOptions)

// WithMiddleware wraps the business handler. Middlewares run in the order given.
func WithMiddleware(mws ...middleware.Middleware) DispatcherOption {
	return func(o *dispatcherOptions) { o.middlewares = append(o.middlewares, mws...) }
}

func WithLogger(logger *zap.Logger) DispatcherOption {
	return func(o *dispatcherOptions) { o.logger = logger }
}

// Dispatcher resolves invoke requests against a Registry and runs them.
//
// Request processing pipeline:
//
//	Dispatch → install caller in ctx → middleware chain → invoke
//	  → resolve service → resolve method → decode params → reflect.Call → encode result
type Dispatcher struct {
	reg     *Registry
	codec   codec.Codec
	handler middleware.HandlerFunc
	logger  *zap.Logger
}

// NewDispatcher builds the handler chain once. cdc decodes parameters and
// encodes results; nil selects codec.Default.
func NewDispatcher(reg *Registry, cdc codec.Codec, opts ...DispatcherOption) *Dispatcher {
	o := dispatcherOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.L()
	}
	if cdc == nil {
		cdc = codec.Default
	}
	d := &Dispatcher{reg: reg, codec: cdc, logger: o.logger}
	d.handler = middleware.Chain(o.middlewares...)(d.invoke)
	return d
}

// Dispatch serves req on behalf of caller and returns the reply to send back.
// It always returns a reply: resolution failures, bad parameters, method
// errors and panics all become a RemoteError.
func (d *Dispatcher) Dispatch(ctx context.Context, caller Caller, req *message.Message) (rep *message.Message) {
	// The caller is visible to the method for this call only.
	ctx, cancel := context.WithCancel(WithCaller(ctx, caller))
	defer cancel()

	// Middlewares, error values and result encoders are user code too.
	defer func() {
		if r := recover(); r != nil {
			err := errors.WithStack(fmt.Errorf("panic: %v", r))
			d.logger.Error("dispatch panicked",
				zap.Int64("msg_id", req.ID), zap.String("target", req.Target()),
				zap.String("stack", fmt.Sprintf("%+v", err)))
			rep = message.NewErrorReply(req, message.NewRemoteError(message.CodeMethodError, err.Error()))
		}
	}()

	rep = d.handler(ctx, req)
	if rep == nil {
		rep = message.NewErrorReply(req, message.NewRemoteError(message.CodeMethodError, "handler returned no reply"))
	}
	return rep
}

func (d *Dispatcher) invoke(ctx context.Context, req *message.Message) *message.Message {
	inv := req.Invoke
	if inv == nil {
		return message.NewErrorReply(req, message.NewRemoteError(message.CodeBadRequest, "not an invoke request"))
	}

	svc, ok := d.reg.Lookup(inv.Service)
	if !ok {
		return message.NewErrorReply(req, message.NewRemoteError(message.CodeNoSuchService, message.TextNoSuchService))
	}
	method, ok := svc.Method(inv.Method)
	if !ok {
		rerr := message.NewRemoteError(message.CodeNoSuchMethod, message.TextNoSuchMethod)
		rerr.Version = svc.Version
		return message.NewErrorReply(req, rerr)
	}

	args, err := d.decodeParams(method, inv.Params)
	if err != nil {
		rerr := message.NewRemoteError(message.CodeBadRequest, err.Error())
		rerr.Version = svc.Version
		return message.NewErrorReply(req, rerr)
	}

	ret, err := d.call(ctx, svc, method, args)
	if err != nil {
		msg, cause := errorText(err)
		rerr := &message.RemoteError{
			Code:    message.CodeMethodError,
			Message: msg,
			Cause:   cause,
			Version: svc.Version,
		}
		return message.NewErrorReply(req, rerr)
	}

	if method.ReturnType == nil {
		return message.NewReply(req, nil)
	}
	value, err := d.codec.Encode(ret)
	if err != nil {
		d.logger.Error("encode result failed",
			zap.String("service", svc.Name), zap.String("method", method.Name), zap.Error(err))
		rerr := message.NewRemoteError(message.CodeMethodError, "encode result: "+err.Error())
		rerr.Version = svc.Version
		return message.NewErrorReply(req, rerr)
	}
	return message.NewReply(req, value)
}

func (d *Dispatcher) decodeParams(method *Method, params [][]byte) ([]reflect.Value, error) {
	if len(params) != len(method.ParamTypes) {
		return nil, errors.Errorf("%s expects %d parameters, got %d", method.Name, len(method.ParamTypes), len(params))
	}
	args := make([]reflect.Value, len(params))
	for i, raw := range params {
		v := reflect.New(method.ParamTypes[i])
		if err := d.codec.Decode(raw, v.Interface()); err != nil {
			return nil, errors.Wrapf(err, "decode parameter %d of %s", i, method.Name)
		}
		args[i] = v.Elem()
	}
	return args, nil
}

// errorText returns err's message and, when different, its root cause. A
// typed nil or a panicking Error method yields a description of the value.
func errorText(err error) (msg, cause string) {
	defer func() {
		if r := recover(); r != nil {
			msg, cause = fmt.Sprintf("method returned an unprintable %T error: %v", err, r), ""
		}
	}()
	msg = err.Error()
	if c := errors.Cause(err).Error(); c != msg {
		cause = c
	}
	return msg, cause
}

// call runs the method and converts a panic into an error.
func (d *Dispatcher) call(ctx context.Context, svc *Service, method *Method, args []reflect.Value) (ret any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WithStack(fmt.Errorf("panic: %v", r))
			d.logger.Error("service method panicked",
				zap.String("service", svc.Name), zap.String("method", method.Name),
				zap.String("stack", fmt.Sprintf("%+v", err)))
		}
	}()

	in := make([]reflect.Value, 0, len(args)+2)
	in = append(in, svc.rcvr, reflect.ValueOf(&ctx).Elem())
	in = append(in, args...)
	out := method.fn.Call(in)

	if errVal := out[len(out)-1]; !errVal.IsNil() {
		return nil, errVal.Interface().(error)
	}
	if len(out) == 2 {
		ret = out[0].Interface()
	}
	return ret, nil
}
