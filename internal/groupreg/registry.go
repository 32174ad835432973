// Package groupreg tracks the groups known to exist on each node.
//
// The registry is an ordering hint for the forwarders. The device remains
// the source of truth.
package groupreg

import (
	"sort"
	"sync"

	"github.com/dokzlo13/flowsyncd/internal/openflow"
)

// Registry is a concurrency-safe node -> group set map.
type Registry struct {
	mu    sync.RWMutex
	nodes map[openflow.NodeID]map[openflow.GroupID]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		nodes: make(map[openflow.NodeID]map[openflow.GroupID]struct{}),
	}
}

// Add records that group id exists on node.
func (r *Registry) Add(node openflow.NodeID, id openflow.GroupID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups, ok := r.nodes[node]
	if !ok {
		groups = make(map[openflow.GroupID]struct{})
		r.nodes[node] = groups
	}
	groups[id] = struct{}{}
}

// Remove forgets group id on node.
func (r *Registry) Remove(node openflow.NodeID, id openflow.GroupID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups, ok := r.nodes[node]
	if !ok {
		return
	}
	delete(groups, id)
	if len(groups) == 0 {
		delete(r.nodes, node)
	}
}

// Contains reports whether group id is known on node.
func (r *Registry) Contains(node openflow.NodeID, id openflow.GroupID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.nodes[node][id]
	return ok
}

// Clear forgets every group of node.
func (r *Registry) Clear(node openflow.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.nodes, node)
}

// Groups returns a sorted copy of the groups known on node.
func (r *Registry) Groups(node openflow.NodeID) []openflow.GroupID {
	r.mu.RLock()
	ids := make([]openflow.GroupID, 0, len(r.nodes[node]))
	for id := range r.nodes[node] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of groups known on node.
func (r *Registry) Len(node openflow.NodeID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.nodes[node])
}
