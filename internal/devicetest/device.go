// Package devicetest provides a recording fake device for tests.
package devicetest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dokzlo13/flowsyncd/internal/future"
	"github.com/dokzlo13/flowsyncd/internal/openflow"
	"github.com/dokzlo13/flowsyncd/internal/rpc"
)

// Call is one RPC received by the device.
type Call struct {
	Seq    int
	Node   openflow.NodeID
	Kind   string // table, group, meter, flow, bundle
	Op     string // add, update, remove, open, close, commit, add_messages
	ID     string
	Tx     string
	Bundle rpc.BundleID
	Items  []rpc.BundleMessage
}

// Key returns "kind/op/id", the form used for failure injection.
func (c Call) Key() string {
	return c.Kind + "/" + c.Op + "/" + c.ID
}

// Device is a fake DeviceService that records every call.
type Device struct {
	// Latency delays every response.
	Latency time.Duration
	// Hook, when set, runs before a call is answered.
	Hook func(Call)

	mu       sync.Mutex
	calls    []Call
	reject   map[string]bool
	fail     map[string]error
	inFlight map[openflow.NodeID]int
	maxIn    map[openflow.NodeID]int
	open     map[openflow.NodeID]map[rpc.BundleID]bool
	overlaps int
	staged   map[openflow.NodeID]map[rpc.BundleID][]rpc.BundleMessage
	groups   map[openflow.NodeID]map[openflow.GroupID]bool
	flows    map[openflow.NodeID]map[string]bool
	meters   map[openflow.NodeID]map[uint32]bool
}

// New creates an empty fake device.
func New() *Device {
	return &Device{
		reject:   make(map[string]bool),
		fail:     make(map[string]error),
		inFlight: make(map[openflow.NodeID]int),
		maxIn:    make(map[openflow.NodeID]int),
		open:     make(map[openflow.NodeID]map[rpc.BundleID]bool),
		staged:   make(map[openflow.NodeID]map[rpc.BundleID][]rpc.BundleMessage),
		groups:   make(map[openflow.NodeID]map[openflow.GroupID]bool),
		flows:    make(map[openflow.NodeID]map[string]bool),
		meters:   make(map[openflow.NodeID]map[uint32]bool),
	}
}

// Reject makes calls matching key ("kind/op/id", id may be "*") return an unsuccessful result.
func (d *Device) Reject(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reject[key] = true
}

// Fail makes calls matching key fail with err.
func (d *Device) Fail(key string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[key] = err
}

// Calls returns a copy of every call received so far.
func (d *Device) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// CallsOf returns the calls of one kind.
func (d *Device) CallsOf(kind string) []Call {
	var out []Call
	for _, c := range d.Calls() {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// Index returns the position of the first call with kind, op and id, or -1.
func (d *Device) Index(kind, op, id string) int {
	for i, c := range d.Calls() {
		if c.Kind == kind && c.Op == op && c.ID == id {
			return i
		}
	}
	return -1
}

// MaxInFlight returns the largest number of concurrent unanswered calls seen for node.
func (d *Device) MaxInFlight(node openflow.NodeID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxIn[node]
}

// BundleOverlaps counts opens issued while another bundle of the node was open.
func (d *Device) BundleOverlaps() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overlaps
}

// Groups returns the groups installed on node.
func (d *Device) Groups(node openflow.NodeID) map[openflow.GroupID]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[openflow.GroupID]bool)
	for id := range d.groups[node] {
		out[id] = true
	}
	return out
}

// Flows returns the flows installed on node.
func (d *Device) Flows(node openflow.NodeID) map[string]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]bool)
	for id := range d.flows[node] {
		out[id] = true
	}
	return out
}

// Meters returns the meters installed on node.
func (d *Device) Meters(node openflow.NodeID) map[uint32]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[uint32]bool)
	for id := range d.meters[node] {
		out[id] = true
	}
	return out
}

func (d *Device) record(c Call) (Call, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c.Seq = len(d.calls)
	d.calls = append(d.calls, c)

	d.inFlight[c.Node]++
	if d.inFlight[c.Node] > d.maxIn[c.Node] {
		d.maxIn[c.Node] = d.inFlight[c.Node]
	}

	wildcard := c.Kind + "/" + c.Op + "/*"
	if err, ok := d.fail[c.Key()]; ok {
		return c, false, err
	}
	if err, ok := d.fail[wildcard]; ok {
		return c, false, err
	}
	return c, !d.reject[c.Key()] && !d.reject[wildcard], nil
}

// apply updates the modelled device state after a successful call.
func (d *Device) apply(c Call, in any) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch v := in.(type) {
	case rpc.GroupInput:
		set := d.groups[c.Node]
		if set == nil {
			set = make(map[openflow.GroupID]bool)
			d.groups[c.Node] = set
		}
		if c.Op == "remove" {
			delete(set, v.Group.ID)
		} else {
			set[v.Group.ID] = true
		}
	case rpc.FlowInput:
		set := d.flows[c.Node]
		if set == nil {
			set = make(map[string]bool)
			d.flows[c.Node] = set
		}
		if c.Op == "remove" {
			delete(set, v.Flow.ID)
		} else {
			set[v.Flow.ID] = true
		}
	case rpc.MeterInput:
		set := d.meters[c.Node]
		if set == nil {
			set = make(map[uint32]bool)
			d.meters[c.Node] = set
		}
		if c.Op == "remove" {
			delete(set, v.Meter.ID)
		} else {
			set[v.Meter.ID] = true
		}
	case rpc.BundleControlInput:
		open := d.open[c.Node]
		if open == nil {
			open = make(map[rpc.BundleID]bool)
			d.open[c.Node] = open
		}
		switch c.Op {
		case "open":
			if len(open) > 0 {
				d.overlaps++
			}
			open[v.Bundle] = true
		case "commit":
			d.commitStaged(c.Node, v.Bundle)
			delete(open, v.Bundle)
		case "close":
			delete(d.staged[c.Node], v.Bundle)
			delete(open, v.Bundle)
		}
	case rpc.BundleMessagesInput:
		staged := d.staged[c.Node]
		if staged == nil {
			staged = make(map[rpc.BundleID][]rpc.BundleMessage)
			d.staged[c.Node] = staged
		}
		staged[v.Bundle] = append(staged[v.Bundle], v.Messages...)
	}
}

// commitStaged applies the items of a committed bundle. Caller holds d.mu.
func (d *Device) commitStaged(node openflow.NodeID, bundle rpc.BundleID) {
	items := d.staged[node][bundle]
	delete(d.staged[node], bundle)

	for _, m := range items {
		switch m.Type {
		case rpc.BundleRemoveAllFlows:
			d.flows[node] = make(map[string]bool)
		case rpc.BundleRemoveAllGroups:
			d.groups[node] = make(map[openflow.GroupID]bool)
		case rpc.BundleAddGroup:
			if d.groups[node] == nil {
				d.groups[node] = make(map[openflow.GroupID]bool)
			}
			d.groups[node][m.Group.ID] = true
		case rpc.BundleAddFlow:
			if d.flows[node] == nil {
				d.flows[node] = make(map[string]bool)
			}
			d.flows[node][m.Flow.ID] = true
		}
	}
}

func (d *Device) respond(ctx context.Context, c Call, in any) *future.Future[rpc.Result] {
	c, ok, err := d.record(c)
	f := future.New[rpc.Result]()

	go func() {
		if d.Hook != nil {
			d.Hook(c)
		}
		if d.Latency > 0 {
			time.Sleep(d.Latency)
		}

		var res rpc.Result
		switch {
		case err != nil:
		case !ok:
			res = rpc.Rejected(c.Tx, fmt.Sprintf("%s rejected", c.Key()))
		default:
			d.apply(c, in)
			res = rpc.Succeeded(c.Tx)
		}

		// The call stops being in flight before its caller can observe the answer
		d.mu.Lock()
		d.inFlight[c.Node]--
		d.mu.Unlock()

		if err != nil {
			f.Fail(err)
			return
		}
		f.Resolve(res)
	}()

	return f
}

func groupCall(op string, in rpc.GroupInput) Call {
	return Call{Node: in.Node, Kind: "group", Op: op, ID: strconv.FormatUint(uint64(in.Group.ID), 10), Tx: in.TransactionID}
}

func meterCall(op string, in rpc.MeterInput) Call {
	return Call{Node: in.Node, Kind: "meter", Op: op, ID: strconv.FormatUint(uint64(in.Meter.ID), 10), Tx: in.TransactionID}
}

func flowCall(op string, in rpc.FlowInput) Call {
	return Call{Node: in.Node, Kind: "flow", Op: op, ID: in.Flow.ID, Tx: in.TransactionID}
}

func bundleCall(op string, in rpc.BundleControlInput) Call {
	return Call{Node: in.Node, Kind: "bundle", Op: op, ID: strconv.FormatUint(uint64(in.Bundle), 10), Tx: in.TransactionID, Bundle: in.Bundle}
}

func (d *Device) UpdateTable(ctx context.Context, in rpc.TableInput) *future.Future[rpc.Result] {
	c := Call{Node: in.Node, Kind: "table", Op: "update", ID: strconv.Itoa(int(in.Table.TableID)), Tx: in.TransactionID}
	return d.respond(ctx, c, in)
}

func (d *Device) AddGroup(ctx context.Context, in rpc.GroupInput) *future.Future[rpc.Result] {
	return d.respond(ctx, groupCall("add", in), in)
}

func (d *Device) UpdateGroup(ctx context.Context, in rpc.GroupInput) *future.Future[rpc.Result] {
	return d.respond(ctx, groupCall("update", in), in)
}

func (d *Device) RemoveGroup(ctx context.Context, in rpc.GroupInput) *future.Future[rpc.Result] {
	return d.respond(ctx, groupCall("remove", in), in)
}

func (d *Device) AddMeter(ctx context.Context, in rpc.MeterInput) *future.Future[rpc.Result] {
	return d.respond(ctx, meterCall("add", in), in)
}

func (d *Device) UpdateMeter(ctx context.Context, in rpc.MeterInput) *future.Future[rpc.Result] {
	return d.respond(ctx, meterCall("update", in), in)
}

func (d *Device) RemoveMeter(ctx context.Context, in rpc.MeterInput) *future.Future[rpc.Result] {
	return d.respond(ctx, meterCall("remove", in), in)
}

func (d *Device) AddFlow(ctx context.Context, in rpc.FlowInput) *future.Future[rpc.Result] {
	return d.respond(ctx, flowCall("add", in), in)
}

func (d *Device) UpdateFlow(ctx context.Context, in rpc.FlowInput) *future.Future[rpc.Result] {
	return d.respond(ctx, flowCall("update", in), in)
}

func (d *Device) RemoveFlow(ctx context.Context, in rpc.FlowInput) *future.Future[rpc.Result] {
	return d.respond(ctx, flowCall("remove", in), in)
}

func (d *Device) OpenBundle(ctx context.Context, in rpc.BundleControlInput) *future.Future[rpc.Result] {
	return d.respond(ctx, bundleCall("open", in), in)
}

func (d *Device) CloseBundle(ctx context.Context, in rpc.BundleControlInput) *future.Future[rpc.Result] {
	return d.respond(ctx, bundleCall("close", in), in)
}

func (d *Device) CommitBundle(ctx context.Context, in rpc.BundleControlInput) *future.Future[rpc.Result] {
	return d.respond(ctx, bundleCall("commit", in), in)
}

func (d *Device) AddBundleMessages(ctx context.Context, in rpc.BundleMessagesInput) *future.Future[rpc.Result] {
	c := Call{
		Node:   in.Node,
		Kind:   "bundle",
		Op:     "add_messages",
		ID:     strconv.FormatUint(uint64(in.Bundle), 10),
		Tx:     in.TransactionID,
		Bundle: in.Bundle,
		Items:  in.Messages,
	}
	return d.respond(ctx, c, in)
}

var _ rpc.DeviceService = (*Device)(nil)
