package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"duplex-rpc/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes).
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring,
// so a handful of instances still spread evenly around it.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.RWMutex
	ring  []uint32                            // Sorted hash values on the ring
	nodes map[uint32]registry.ServiceInstance // Hash value → instance
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.ServiceInstance),
	}
}

func (b *ConsistentHashBalancer) vnode(addr string, i int) uint32 {
	return crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", addr, i)))
}

// Add places an instance onto the hash ring with N virtual nodes.
func (b *ConsistentHashBalancer) Add(instance registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.replicas; i++ {
		hash := b.vnode(instance.Addr, i)
		if _, ok := b.nodes[hash]; !ok {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Remove takes an instance's virtual nodes off the ring.
func (b *ConsistentHashBalancer) Remove(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.replicas; i++ {
		delete(b.nodes, b.vnode(addr, i))
	}
	ring := b.ring[:0]
	for _, h := range b.ring {
		if _, ok := b.nodes[h]; ok {
			ring = append(ring, h)
		}
	}
	b.ring = ring
}

// Set replaces the ring contents with instances.
func (b *ConsistentHashBalancer) Set(instances []registry.ServiceInstance) {
	b.mu.Lock()
	b.ring = nil
	b.nodes = make(map[uint32]registry.ServiceInstance)
	b.mu.Unlock()
	for _, inst := range instances {
		b.Add(inst)
	}
}

// Pick finds the instance responsible for the given key.
// It hashes the key, then binary-searches for the first node >= hash on the ring.
// If the hash is larger than all nodes, it wraps around to the first node.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.ServiceInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

// KeyedBalancer adapts a ConsistentHashBalancer to the Balancer interface:
// every Pick rebuilds the ring from the given instances and hashes Key.
type KeyedBalancer struct {
	Ring *ConsistentHashBalancer
	Key  string
}

func (k *KeyedBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	k.Ring.Set(instances)
	return k.Ring.Pick(k.Key)
}

func (k *KeyedBalancer) Name() string {
	return "ConsistentHash(" + k.Key + ")"
}
