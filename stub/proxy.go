package stub

import (
	"context"
	"reflect"

	"github.com/pkg/errors"
)

var (
	ErrInvalidTarget     = errors.New("stub: target must be a non-nil pointer to a struct")
	ErrInvalidParamType  = errors.New("stub: the first param must be context.Context")
	ErrInvalidResultType = errors.New("stub: the last return value must be error")
	ErrTooManyResults    = errors.New("stub: at most one value besides error may be returned")

	errType = reflect.TypeOf((*error)(nil)).Elem()
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// Bind fills every exported func field of the struct target points to with a
// proxy calling service.<FieldName> through inv. A `rpc:"Name"` tag overrides
// the method name. Fields must look like
//
//	func(ctx context.Context, args...) error
//	func(ctx context.Context, args...) (T, error)
func (inv *Invoker) Bind(service string, target any) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return ErrInvalidTarget
	}
	v = v.Elem()
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() || field.Type.Kind() != reflect.Func {
			continue
		}
		name := field.Name
		if tag := field.Tag.Get("rpc"); tag != "" {
			name = tag
		}
		if err := checkSignature(field.Type); err != nil {
			return errors.WithMessagef(err, "field %s", field.Name)
		}
		v.Field(i).Set(inv.makeFunc(field.Type, service, name))
	}
	return nil
}

// Proxy allocates a T and binds it to service.
func Proxy[T any](inv *Invoker, service string) (*T, error) {
	p := new(T)
	if err := inv.Bind(service, p); err != nil {
		return nil, err
	}
	return p, nil
}

func checkSignature(ft reflect.Type) error {
	if ft.NumIn() == 0 || ft.In(0) != ctxType || ft.IsVariadic() {
		return ErrInvalidParamType
	}
	if ft.NumOut() == 0 || ft.Out(ft.NumOut()-1) != errType {
		return ErrInvalidResultType
	}
	if ft.NumOut() > 2 {
		return ErrTooManyResults
	}
	return nil
}

func (inv *Invoker) makeFunc(ft reflect.Type, service, method string) reflect.Value {
	return reflect.MakeFunc(ft, func(in []reflect.Value) []reflect.Value {
		ctx, _ := in[0].Interface().(context.Context)
		args := make([]any, len(in)-1)
		for i, a := range in[1:] {
			args[i] = a.Interface()
		}

		if ft.NumOut() == 1 {
			err := inv.Call(ctx, service, method, nil, args...)
			return []reflect.Value{errValue(err)}
		}

		reply := reflect.New(ft.Out(0))
		if err := inv.Call(ctx, service, method, reply.Interface(), args...); err != nil {
			return []reflect.Value{reflect.Zero(ft.Out(0)), errValue(err)}
		}
		return []reflect.Value{reply.Elem(), errValue(nil)}
	})
}

func errValue(err error) reflect.Value {
	if err == nil {
		return reflect.Zero(errType)
	}
	return reflect.ValueOf(&err).Elem()
}
