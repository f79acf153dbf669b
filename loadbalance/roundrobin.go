package loadbalance

import (
	"sync/atomic"

	"duplex-rpc/registry"
)

// RoundRobinBalancer distributes requests evenly across all instances in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

// Pick selects the next instance in round-robin order. The returned pointer
// refers to a copy, never into instances.
func (b *RoundRobinBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % uint64(len(instances))
	inst := instances[index]
	return &inst, nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
