// Package service holds named service implementations and dispatches invoke
// requests to them.
//
// A service is any value whose exported methods follow the shape
//
//	func (s *T) Method(ctx context.Context, a A, b B, ...) error
//	func (s *T) Method(ctx context.Context, a A, b B, ...) (R, error)
//
// Methods of any other shape are ignored. The method table is built by
// reflection once, at registration.
package service

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrDuplicateService = errors.New("service: service already registered")
	ErrDuplicateMethod  = errors.New("service: two methods share one wire name")
	ErrNoMethods        = errors.New("service: no eligible methods")
	ErrRegistrySealed   = errors.New("service: registry is sealed")
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Method is one entry of a service's lookup table.
type Method struct {
	Name       string // name on the wire
	GoName     string
	ParamTypes []reflect.Type // excluding the leading context.Context
	ReturnType reflect.Type   // nil for methods returning only error

	fn reflect.Value
}

// Service is an immutable registration.
type Service struct {
	Name    string
	Version string

	rcvr    reflect.Value
	methods map[string]*Method
}

// Method returns the method registered under the wire name name.
func (s *Service) Method(name string) (*Method, bool) {
	m, ok := s.methods[name]
	return m, ok
}

// MethodNames returns the wire names of all methods, sorted.
func (s *Service) MethodNames() []string {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type registerOptions struct {
	version string
	aliases map[string]string
}

type RegisterOption func(*registerOptions)

// WithVersion records the implementation version reported in remote errors.
func WithVersion(v string) RegisterOption {
	return func(o *registerOptions) { o.version = v }
}

// WithMethodName exposes the Go method goName under wireName.
func WithMethodName(goName, wireName string) RegisterOption {
	return func(o *registerOptions) {
		if o.aliases == nil {
			o.aliases = make(map[string]string)
		}
		o.aliases[goName] = wireName
	}
}

// Registry maps service names to registrations. It is written during setup
// and read concurrently afterwards; Seal freezes it.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service
	sealed   bool
}

func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*Service)}
}

// Register adds impl under name. An empty name uses impl's type name.
// Registering a taken name fails with ErrDuplicateService and leaves the
// first registration in place.
func (r *Registry) Register(name string, impl any, opts ...RegisterOption) error {
	if impl == nil {
		return errors.New("service: nil implementation")
	}
	o := registerOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	typ := reflect.TypeOf(impl)
	if v := reflect.ValueOf(impl); v.Kind() == reflect.Ptr && v.IsNil() {
		return errors.Errorf("service: nil %s implementation", typ)
	}
	if name == "" {
		base := typ
		if base.Kind() == reflect.Ptr {
			base = base.Elem()
		}
		name = base.Name()
		if name == "" {
			return errors.Errorf("service: cannot derive a name for %s", typ)
		}
	}

	svc := &Service{
		Name:    name,
		Version: o.version,
		rcvr:    reflect.ValueOf(impl),
		methods: make(map[string]*Method),
	}
	if err := svc.scan(typ, o.aliases); err != nil {
		return errors.WithMessagef(err, "register %s", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	if _, ok := r.services[name]; ok {
		return errors.WithMessagef(ErrDuplicateService, "%q", name)
	}
	r.services[name] = svc
	return nil
}

func (s *Service) scan(typ reflect.Type, aliases map[string]string) error {
	seen := make(map[string]bool)
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		mt := m.Type
		// In(0) is the receiver.
		if mt.NumIn() < 2 || mt.In(1) != contextType || mt.IsVariadic() {
			continue
		}
		if mt.NumOut() < 1 || mt.NumOut() > 2 || mt.Out(mt.NumOut()-1) != errorType {
			continue
		}

		entry := &Method{Name: m.Name, GoName: m.Name, fn: m.Func}
		if alias, ok := aliases[m.Name]; ok {
			entry.Name = alias
		}
		for j := 2; j < mt.NumIn(); j++ {
			entry.ParamTypes = append(entry.ParamTypes, mt.In(j))
		}
		if mt.NumOut() == 2 {
			entry.ReturnType = mt.Out(0)
		}

		if _, dup := s.methods[entry.Name]; dup {
			return errors.WithMessagef(ErrDuplicateMethod, "%q", entry.Name)
		}
		s.methods[entry.Name] = entry
		seen[m.Name] = true
	}

	for goName := range aliases {
		if !seen[goName] {
			return errors.Errorf("service: alias for unknown or ineligible method %s", goName)
		}
	}
	if len(s.methods) == 0 {
		return ErrNoMethods
	}
	return nil
}

// Lookup returns the registration for name.
func (r *Registry) Lookup(name string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Names returns all registered service names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Seal rejects any further Register call.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}
