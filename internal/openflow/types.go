// Package openflow holds the forwarding objects pushed to devices.
package openflow

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ErrInvalidNodeID is returned when a node id does not carry a datapath id.
var ErrInvalidNodeID = errors.New("invalid node id")

const nodePrefix = "openflow:"

// NodeID identifies a switch. It is derived from the datapath id.
type NodeID string

// NodeIDFromDatapath builds the node id for a datapath id.
func NodeIDFromDatapath(dpid uint64) NodeID {
	return NodeID(nodePrefix + strconv.FormatUint(dpid, 10))
}

// ParseNodeID validates s and returns it as a NodeID.
func ParseNodeID(s string) (NodeID, error) {
	n := NodeID(s)
	if _, err := n.DatapathID(); err != nil {
		return "", err
	}
	return n, nil
}

// DatapathID extracts the datapath id encoded in the node id.
func (n NodeID) DatapathID() (uint64, error) {
	s := string(n)
	if !strings.HasPrefix(s, nodePrefix) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
	}
	dpid, err := strconv.ParseUint(strings.TrimPrefix(s, nodePrefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
	}
	return dpid, nil
}

func (n NodeID) String() string {
	return string(n)
}

// GroupID identifies a group within one node.
type GroupID uint32

// ActionType is the kind of a bucket or flow action.
type ActionType string

const (
	ActionOutput   ActionType = "output"
	ActionGroup    ActionType = "group"
	ActionSetField ActionType = "set_field"
	ActionDrop     ActionType = "drop"
)

// Action is a single forwarding action.
type Action struct {
	Type    ActionType `json:"type"`
	Port    string     `json:"port,omitempty"`     // output
	GroupID GroupID    `json:"group_id,omitempty"` // group
	Field   string     `json:"field,omitempty"`    // set_field
	Value   string     `json:"value,omitempty"`    // set_field
}

// Bucket is one action list of a group.
type Bucket struct {
	ID         uint32   `json:"id"`
	Weight     uint16   `json:"weight,omitempty"`
	WatchPort  string   `json:"watch_port,omitempty"`
	WatchGroup GroupID  `json:"watch_group,omitempty"`
	Actions    []Action `json:"actions"`
}

// GroupType is the OpenFlow group type.
type GroupType string

const (
	GroupAll          GroupType = "all"
	GroupSelect       GroupType = "select"
	GroupIndirect     GroupType = "indirect"
	GroupFastFailover GroupType = "fast_failover"
)

// Group is a forwarding construct that can chain to ports or other groups.
type Group struct {
	ID      GroupID   `json:"id"`
	Type    GroupType `json:"type"`
	Name    string    `json:"name,omitempty"`
	Buckets []Bucket  `json:"buckets"`
}

// ReferencedGroups returns the groups this group chains to, in bucket order, without duplicates.
func (g Group) ReferencedGroups() []GroupID {
	var refs []GroupID
	seen := make(map[GroupID]bool)
	for _, b := range g.Buckets {
		for _, a := range b.Actions {
			if a.Type == ActionGroup && !seen[a.GroupID] {
				seen[a.GroupID] = true
				refs = append(refs, a.GroupID)
			}
		}
	}
	return refs
}

// OutputPorts returns the egress ports named by the group's output actions.
func (g Group) OutputPorts() []string {
	var ports []string
	for _, b := range g.Buckets {
		for _, a := range b.Actions {
			if a.Type == ActionOutput && a.Port != "" {
				ports = append(ports, a.Port)
			}
		}
	}
	return ports
}

// reservedPorts are the logical ports every switch has. Port status events never report them.
var reservedPorts = map[string]bool{
	"IN_PORT":    true,
	"TABLE":      true,
	"NORMAL":     true,
	"FLOOD":      true,
	"ALL":        true,
	"CONTROLLER": true,
	"LOCAL":      true,
	"ANY":        true,
}

// firstReservedPort is OFPP_MAX; numbers above it name reserved ports.
const firstReservedPort = 0xffffff00

// IsReservedPort reports whether port is a reserved OpenFlow port, by name or number.
func IsReservedPort(port string) bool {
	if reservedPorts[strings.ToUpper(port)] {
		return true
	}
	n, err := strconv.ParseUint(port, 0, 32)
	return err == nil && n > firstReservedPort
}

// TableFeatures describes the capabilities pushed for a single table.
type TableFeatures struct {
	TableID    uint8             `json:"table_id"`
	Name       string            `json:"name,omitempty"`
	MaxEntries uint32            `json:"max_entries,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// MeterBand is a rate band of a meter.
type MeterBand struct {
	Type      string `json:"type"` // drop, dscp_remark
	Rate      uint32 `json:"rate"`
	BurstSize uint32 `json:"burst_size,omitempty"`
}

// Meter is a rate limiter referenced from flows.
type Meter struct {
	ID    uint32      `json:"id"`
	Flags []string    `json:"flags,omitempty"`
	Bands []MeterBand `json:"bands"`
}

// Flow is a single table entry.
type Flow struct {
	ID       string            `json:"id"`
	TableID  uint8             `json:"table_id"`
	Priority uint16            `json:"priority"`
	Cookie   uint64            `json:"cookie,omitempty"`
	Match    map[string]string `json:"match,omitempty"`
	MeterID  uint32            `json:"meter_id,omitempty"`
	Actions  []Action          `json:"actions"`
}

// ReferencedGroups returns the groups the flow forwards to, without duplicates.
func (f Flow) ReferencedGroups() []GroupID {
	var refs []GroupID
	for _, a := range f.Actions {
		if a.Type == ActionGroup && !slices.Contains(refs, a.GroupID) {
			refs = append(refs, a.GroupID)
		}
	}
	return refs
}

// DesiredConfig is the configuration snapshot of one node read at reconciliation start.
type DesiredConfig struct {
	Node        NodeID
	Tables      []TableFeatures
	Groups      []Group
	Meters      []Meter
	Flows       []Flow
	StaleGroups []Group
	StaleMeters []Meter
	StaleFlows  []Flow
}

// HasStale reports whether any stale-marked entity is present.
func (c *DesiredConfig) HasStale() bool {
	return len(c.StaleGroups) > 0 || len(c.StaleMeters) > 0 || len(c.StaleFlows) > 0
}
