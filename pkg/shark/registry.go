package shark

import (
	"sync"

	"github.com/shoalstore/shoal/pkg/types"
)

// Registry is the process-wide storage-node client table, one client per
// storage id. Creation is first-write-wins under a short critical
// section so every caller for the same node shares one connection pool.
type Registry struct {
	cfg Config

	mu      sync.Mutex
	clients map[string]*Client
}

// NewRegistry creates a Registry, applying config defaults.
func NewRegistry(cfg Config) *Registry {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry.Attempts = DefaultRetryAttempts
	}
	if cfg.Retry.InitialDelay <= 0 {
		cfg.Retry.InitialDelay = DefaultInitialDelay
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = DefaultMaxDelay
	}
	return &Registry{
		cfg:     cfg,
		clients: make(map[string]*Client),
	}
}

// ClientFor returns the client for the given node, creating it lazily.
func (r *Registry) ClientFor(node types.StorageNode) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[node.StorageID]; ok {
		return c
	}
	c := newClient(node, r.cfg)
	r.clients[node.StorageID] = c
	return c
}

// ClientForShark resolves a metadata shark entry to a client.
func (r *Registry) ClientForShark(s types.Shark) *Client {
	return r.ClientFor(types.StorageNode{
		StorageID:  s.StorageID,
		Datacenter: s.Datacenter,
	})
}
