package core

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps node IDs to live nodes. It is safe for concurrent use; the
// engine owns one and nodes reach their peers through it.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]*Node)}
}

// Add registers n under its ID.
func (r *Registry) Add(n *Node) error {
	if n == nil || n.ID() == "" {
		return fmt.Errorf("%w: empty node ID", ErrInvalidNode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[n.ID()]; exists {
		return fmt.Errorf("%w: %q", ErrNodeExists, n.ID())
	}
	r.nodes[n.ID()] = n
	return nil
}

// Remove unregisters and returns the node with the given ID.
func (r *Registry) Remove(id string) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	delete(r.nodes, id)
	return n, nil
}

// Get returns a node by ID, or nil if not found.
func (r *Registry) Get(id string) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[id]
}

// All returns every node ordered by ID.
func (r *Registry) All() []*Node {
	r.mu.RLock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Drain removes and returns every node.
func (r *Registry) Drain() []*Node {
	r.mu.Lock()
	nodes := r.nodes
	r.nodes = make(map[string]*Node)
	r.mu.Unlock()

	out := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
