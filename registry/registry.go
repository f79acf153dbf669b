// Package registry publishes server addresses and lets clients find them.
//
// Three implementations share the Registry interface: EtcdRegistry (leases),
// ConsulRegistry (agent TTL checks) and MemoryRegistry (one process, tests).
package registry

// ServiceInstance is one server offering a service.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	NodeID  string `json:"node_id,omitempty"` // stable identity of the server process
	Weight  int    `json:"weight,omitempty"`  // Weight for load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register publishes instance for ttl seconds and keeps renewing it until
	// Deregister is called or the process dies.
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until Close.
	Watch(serviceName string) <-chan []ServiceInstance
	Close() error
}
