package cluster

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/magpie/pkg/types"
)

// Registry owns the in-process view of the database cluster. All reads
// return copies; mutation goes through the registry so role changes are
// atomic.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*types.Node
	local string
}

// NewRegistry builds a registry from the configured topology
func NewRegistry(nodes []*types.Node, localName string) (*Registry, error) {
	r := &Registry{nodes: make(map[string]*types.Node), local: localName}
	for _, n := range nodes {
		if _, dup := r.nodes[n.Name]; dup {
			return nil, fmt.Errorf("duplicate node %q", n.Name)
		}
		cp := *n
		r.nodes[n.Name] = &cp
	}
	if localName != "" {
		if _, ok := r.nodes[localName]; !ok {
			return nil, fmt.Errorf("local node %q is not in the topology", localName)
		}
	}
	return r, nil
}

// LocalName returns the configured local node name
func (r *Registry) LocalName() string {
	return r.local
}

// Get returns a copy of the named node
func (r *Registry) Get(name string) (*types.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[name]
	if !ok {
		return nil, false
	}
	cp := *n
	return &cp, true
}

// Snapshot returns copies of all nodes keyed by name
func (r *Registry) Snapshot() map[string]*types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*types.Node, len(r.nodes))
	for name, n := range r.nodes {
		cp := *n
		out[name] = &cp
	}
	return out
}

// Primary returns the current primary, or nil when none is assigned
func (r *Registry) Primary() *types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.nodes {
		if n.Role == types.NodeRolePrimary {
			cp := *n
			return &cp
		}
	}
	return nil
}

// Secondaries returns every non-primary node, priority ascending
func (r *Registry) Secondaries() []*types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.Node
	for _, n := range r.nodes {
		if n.Role != types.NodeRolePrimary {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Promote makes name the primary, demoting the previous primary to
// secondary
func (r *Registry) Promote(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.nodes[name]
	if !ok {
		return fmt.Errorf("unknown node %q", name)
	}
	for _, n := range r.nodes {
		if n.Role == types.NodeRolePrimary && n.Name != name {
			n.Role = types.NodeRoleSecondary
		}
	}
	target.Role = types.NodeRolePrimary
	return nil
}

// SetRole assigns an explicit role, used when a peer announces a swap
func (r *Registry) SetRole(name string, role types.NodeRole) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[name]
	if !ok {
		return fmt.Errorf("unknown node %q", name)
	}
	n.Role = role
	return nil
}

// UpdateHealth applies a health observation to the named node
func (r *Registry) UpdateHealth(name string, apply func(n *types.Node)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[name]; ok {
		apply(n)
	}
}

// ResetFailureCounts clears failure counters on every node
func (r *Registry) ResetFailureCounts() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		n.FailureCount = 0
	}
}
