package execnode

import (
	"sort"
	"sync"
)

// Registry holds registered node capability definitions.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*NodeCapabilities
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*NodeCapabilities),
	}
}

// Register adds or updates a node capability definition.
func (r *Registry) Register(caps *NodeCapabilities) {
	if caps == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[caps.Name] = caps
}

// Get retrieves capabilities by name. Returns nil if not found.
func (r *Registry) Get(name string) *NodeCapabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Names returns all registered node kinds, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry pre-populated with built-in node kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(SandboxCapabilities())
	r.Register(LocalnetCapabilities())
	r.Register(TestnetCapabilities())
	r.Register(MainnetCapabilities())
	return r
}

// SandboxCapabilities returns the capabilities of neard in sandbox mode.
func SandboxCapabilities() *NodeCapabilities {
	return &NodeCapabilities{
		Name:                "sandbox",
		SupportsStatePatch:  true,
		SupportsDevAccounts: true,
		SupportsFastForward: true,
		DefaultRPCURL:       "http://localhost:3030",
	}
}

// LocalnetCapabilities returns the capabilities of a regular single-node localnet.
// The validator key is local, state patching is not compiled in.
func LocalnetCapabilities() *NodeCapabilities {
	return &NodeCapabilities{
		Name:                "localnet",
		SupportsStatePatch:  false,
		SupportsDevAccounts: true,
		SupportsFastForward: false,
		DefaultRPCURL:       "http://localhost:3030",
	}
}

// TestnetCapabilities returns the capabilities of a public testnet RPC node.
func TestnetCapabilities() *NodeCapabilities {
	return &NodeCapabilities{
		Name:          "testnet",
		DefaultRPCURL: "https://rpc.testnet.near.org",
	}
}

// MainnetCapabilities returns the capabilities of a public mainnet RPC node.
func MainnetCapabilities() *NodeCapabilities {
	return &NodeCapabilities{
		Name:          "mainnet",
		DefaultRPCURL: "https://rpc.mainnet.near.org",
	}
}
