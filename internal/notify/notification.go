// Package notify turns ownership and device notifications into bus events.
package notify

import (
	"errors"
	"fmt"

	"github.com/dokzlo13/flowsyncd/internal/eventbus"
	"github.com/dokzlo13/flowsyncd/internal/openflow"
)

// ErrUnknownType is returned for notifications of an unsupported type.
var ErrUnknownType = errors.New("unknown notification type")

// Notification is one inbound notification as sent by the cluster.
type Notification struct {
	Type string `json:"type"`
	Node string `json:"node"`
	Port string `json:"port,omitempty"` // port_status only
	Up   bool   `json:"up,omitempty"`   // port_status only
}

// Publisher accepts bus events.
type Publisher interface {
	Publish(eventbus.Event)
}

// Event converts n into a bus event.
func (n Notification) Event() (eventbus.Event, error) {
	node, err := openflow.ParseNodeID(n.Node)
	if err != nil {
		return eventbus.Event{}, err
	}

	e := eventbus.Event{Type: eventbus.EventType(n.Type), Node: node}
	switch e.Type {
	case eventbus.EventTypeOwnershipGranted,
		eventbus.EventTypeOwnershipRevoked,
		eventbus.EventTypeNodeUp,
		eventbus.EventTypeNodeDown:
	case eventbus.EventTypePortStatus:
		if n.Port == "" {
			return eventbus.Event{}, fmt.Errorf("port_status notification for %s without port", node)
		}
		e.Data = map[string]interface{}{"port": n.Port, "up": n.Up}
	default:
		return eventbus.Event{}, fmt.Errorf("%w: %q", ErrUnknownType, n.Type)
	}
	return e, nil
}
