package registry

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const consulTag = "duplex-rpc"

// ConsulRegistry registers instances with the local Consul agent. Each
// instance carries a TTL check that this process keeps passing; once the
// process stops renewing it, the agent marks the instance critical and later
// removes it.
type ConsulRegistry struct {
	client *consulapi.Client
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	renewers map[string]context.CancelFunc // service ID → TTL renewal loop
}

type ConsulOption func(*consulOptions)

type consulOptions struct {
	logger *zap.Logger
}

func WithConsulLogger(logger *zap.Logger) ConsulOption {
	return func(o *consulOptions) { o.logger = logger }
}

// NewConsulRegistry connects to the agent at addr ("127.0.0.1:8500"). An
// empty addr uses the client library default, which honours CONSUL_HTTP_ADDR.
func NewConsulRegistry(addr string, opts ...ConsulOption) (*ConsulRegistry, error) {
	o := consulOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.L()
	}

	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "registry: consul client")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ConsulRegistry{
		client:   client,
		logger:   o.logger,
		ctx:      ctx,
		cancel:   cancel,
		renewers: make(map[string]context.CancelFunc),
	}, nil
}

func consulServiceID(serviceName, addr string) string {
	return serviceName + "@" + addr
}

// Register 注册节点
func (r *ConsulRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	host, portStr, err := net.SplitHostPort(instance.Addr)
	if err != nil {
		return errors.Wrapf(err, "registry: bad address %q", instance.Addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.Wrapf(err, "registry: bad port in %q", instance.Addr)
	}
	if ttl <= 0 {
		ttl = 10
	}
	ttlDur := time.Duration(ttl) * time.Second

	id := consulServiceID(serviceName, instance.Addr)
	registration := &consulapi.AgentServiceRegistration{
		Kind:    consulapi.ServiceKindTypical,
		ID:      id,
		Name:    serviceName,
		Address: host,
		Port:    port,
		Tags:    []string{consulTag},
		Meta: map[string]string{
			"addr":    instance.Addr,
			"node_id": instance.NodeID,
			"weight":  strconv.Itoa(instance.Weight),
			"version": instance.Version,
		},
		Check: &consulapi.AgentServiceCheck{
			CheckID:                        "service:" + id,
			TTL:                            ttlDur.String(),
			DeregisterCriticalServiceAfter: (3 * ttlDur).String(),
		},
	}
	if err := r.client.Agent().ServiceRegister(registration); err != nil {
		return errors.Wrap(err, "registry: consul register")
	}

	ctx, cancel := context.WithCancel(r.ctx)
	r.mu.Lock()
	if prev, ok := r.renewers[id]; ok {
		prev()
	}
	r.renewers[id] = cancel
	r.mu.Unlock()

	r.pass(id)
	go r.renew(ctx, id, ttlDur/2)
	return nil
}

func (r *ConsulRegistry) pass(id string) {
	if err := r.client.Agent().UpdateTTL("service:"+id, "alive", consulapi.HealthPassing); err != nil {
		r.logger.Warn("consul ttl update", zap.String("service_id", id), zap.Error(err))
	}
}

func (r *ConsulRegistry) renew(ctx context.Context, id string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pass(id)
		}
	}
}

// Deregister 注销节点
func (r *ConsulRegistry) Deregister(serviceName string, addr string) error {
	id := consulServiceID(serviceName, addr)
	r.mu.Lock()
	if cancel, ok := r.renewers[id]; ok {
		cancel()
		delete(r.renewers, id)
	}
	r.mu.Unlock()

	if err := r.client.Agent().ServiceDeregister(id); err != nil {
		return errors.Wrap(err, "registry: consul deregister")
	}
	return nil
}

// Discover returns the instances whose checks are passing.
func (r *ConsulRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	entries, _, err := r.client.Health().Service(serviceName, consulTag, true, (&consulapi.QueryOptions{}).WithContext(r.ctx))
	if err != nil {
		return nil, errors.Wrap(err, "registry: consul discover")
	}
	return instancesFromEntries(entries), nil
}

// Watch 监控节点变化
//
// Blocking queries park on the agent until the index moves past the last one
// seen, so each emitted list reflects an actual change.
func (r *ConsulRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	go func() {
		defer close(ch)
		var lastIndex uint64
		for {
			opts := (&consulapi.QueryOptions{WaitIndex: lastIndex, WaitTime: time.Minute}).WithContext(r.ctx)
			entries, meta, err := r.client.Health().Service(serviceName, consulTag, true, opts)
			if r.ctx.Err() != nil {
				return
			}
			if err != nil {
				r.logger.Warn("consul watch", zap.String("service", serviceName), zap.Error(err))
				select {
				case <-time.After(time.Second):
				case <-r.ctx.Done():
					return
				}
				continue
			}
			if meta.LastIndex == lastIndex {
				continue
			}
			lastIndex = meta.LastIndex

			select {
			case ch <- instancesFromEntries(entries):
			case <-r.ctx.Done():
				return
			}
		}
	}()
	return ch
}

func instancesFromEntries(entries []*consulapi.ServiceEntry) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(entries))
	for _, e := range entries {
		meta := e.Service.Meta
		inst := ServiceInstance{
			Addr:    meta["addr"],
			NodeID:  meta["node_id"],
			Version: meta["version"],
		}
		if inst.Addr == "" {
			inst.Addr = net.JoinHostPort(e.Service.Address, strconv.Itoa(e.Service.Port))
		}
		inst.Weight, _ = strconv.Atoi(meta["weight"])
		instances = append(instances, inst)
	}
	return instances
}

// Close stops every TTL renewal and watch. Registered instances are left to
// expire.
func (r *ConsulRegistry) Close() error {
	r.cancel()
	return nil
}
