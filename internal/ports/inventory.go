// Package ports keeps the egress ports reported for each node.
package ports

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/flowsyncd/internal/eventbus"
	"github.com/dokzlo13/flowsyncd/internal/openflow"
)

// Inventory answers whether a port has been reported on a node.
type Inventory struct {
	mu    sync.RWMutex
	nodes map[openflow.NodeID]map[string]bool
}

// NewInventory creates an empty inventory.
func NewInventory() *Inventory {
	return &Inventory{nodes: make(map[openflow.NodeID]map[string]bool)}
}

// IsPortKnown reports whether port was seen on node and is not removed.
func (i *Inventory) IsPortKnown(node openflow.NodeID, port string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.nodes[node][port]
}

// SetPort records the presence of port on node.
func (i *Inventory) SetPort(node openflow.NodeID, port string, present bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	known, ok := i.nodes[node]
	if !ok {
		if !present {
			return
		}
		known = make(map[string]bool)
		i.nodes[node] = known
	}
	if present {
		known[port] = true
	} else {
		delete(known, port)
	}
}

// RemoveNode forgets every port of node.
func (i *Inventory) RemoveNode(node openflow.NodeID) {
	i.mu.Lock()
	defer i.mu.Unlock()

	delete(i.nodes, node)
}

// Subscribe feeds the inventory from port status events.
func (i *Inventory) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypePortStatus, func(e eventbus.Event) {
		port, _ := e.Data["port"].(string)
		up, _ := e.Data["up"].(bool)
		if port == "" {
			log.Warn().Str("node", e.Node.String()).Msg("Port status event without port")
			return
		}
		log.Debug().Str("node", e.Node.String()).Str("port", port).Bool("up", up).Msg("Port status")
		i.SetPort(e.Node, port, up)
	})
}
