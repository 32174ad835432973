// Package rpc defines the device RPC services used to program forwarding state.
package rpc

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dokzlo13/flowsyncd/internal/future"
	"github.com/dokzlo13/flowsyncd/internal/openflow"
)

// Result is the outcome of a device RPC.
type Result struct {
	Success       bool     `json:"success"`
	Errors        []string `json:"errors,omitempty"`
	TransactionID string   `json:"transaction_id,omitempty"`
}

// Error joins the device-reported errors.
func (r Result) Error() string {
	return strings.Join(r.Errors, "; ")
}

// Succeeded returns a successful result for tx.
func Succeeded(tx string) Result {
	return Result{Success: true, TransactionID: tx}
}

// Rejected returns a failed result for tx.
func Rejected(tx string, errs ...string) Result {
	return Result{Success: false, Errors: errs, TransactionID: tx}
}

// TableInput updates the features of one table.
type TableInput struct {
	Node          openflow.NodeID        `json:"node"`
	Table         openflow.TableFeatures `json:"table"`
	TransactionID string                 `json:"transaction_id"`
}

// GroupInput adds, updates or removes one group.
type GroupInput struct {
	Node          openflow.NodeID `json:"node"`
	Group         openflow.Group  `json:"group"`
	TransactionID string          `json:"transaction_id"`
}

// MeterInput adds, updates or removes one meter.
type MeterInput struct {
	Node          openflow.NodeID `json:"node"`
	Meter         openflow.Meter  `json:"meter"`
	TransactionID string          `json:"transaction_id"`
}

// FlowInput adds, updates or removes one flow.
type FlowInput struct {
	Node          openflow.NodeID `json:"node"`
	Flow          openflow.Flow   `json:"flow"`
	TransactionID string          `json:"transaction_id"`
}

// BundleID identifies a batch on one node.
type BundleID uint32

// BundleControlInput opens, closes or commits a bundle.
type BundleControlInput struct {
	Node          openflow.NodeID `json:"node"`
	Bundle        BundleID        `json:"bundle_id"`
	Atomic        bool            `json:"atomic"`
	Ordered       bool            `json:"ordered"`
	TransactionID string          `json:"transaction_id"`
}

// BundleMessageType is the kind of an item added to a bundle.
type BundleMessageType string

const (
	BundleRemoveAllFlows  BundleMessageType = "remove_all_flows"
	BundleRemoveAllGroups BundleMessageType = "remove_all_groups"
	BundleAddGroup        BundleMessageType = "add_group"
	BundleAddFlow         BundleMessageType = "add_flow"
)

// BundleMessage is one item of a bundle.
type BundleMessage struct {
	Type  BundleMessageType `json:"type"`
	Group *openflow.Group   `json:"group,omitempty"`
	Flow  *openflow.Flow    `json:"flow,omitempty"`
}

// BundleMessagesInput adds items to an open bundle.
type BundleMessagesInput struct {
	Node          openflow.NodeID `json:"node"`
	Bundle        BundleID        `json:"bundle_id"`
	Messages      []BundleMessage `json:"messages"`
	TransactionID string          `json:"transaction_id"`
}

// TableService programs table features.
type TableService interface {
	UpdateTable(ctx context.Context, in TableInput) *future.Future[Result]
}

// GroupService programs groups.
type GroupService interface {
	AddGroup(ctx context.Context, in GroupInput) *future.Future[Result]
	UpdateGroup(ctx context.Context, in GroupInput) *future.Future[Result]
	RemoveGroup(ctx context.Context, in GroupInput) *future.Future[Result]
}

// MeterService programs meters.
type MeterService interface {
	AddMeter(ctx context.Context, in MeterInput) *future.Future[Result]
	UpdateMeter(ctx context.Context, in MeterInput) *future.Future[Result]
	RemoveMeter(ctx context.Context, in MeterInput) *future.Future[Result]
}

// FlowService programs flows.
type FlowService interface {
	AddFlow(ctx context.Context, in FlowInput) *future.Future[Result]
	UpdateFlow(ctx context.Context, in FlowInput) *future.Future[Result]
	RemoveFlow(ctx context.Context, in FlowInput) *future.Future[Result]
}

// BundleService drives atomic batches.
type BundleService interface {
	OpenBundle(ctx context.Context, in BundleControlInput) *future.Future[Result]
	CloseBundle(ctx context.Context, in BundleControlInput) *future.Future[Result]
	CommitBundle(ctx context.Context, in BundleControlInput) *future.Future[Result]
	AddBundleMessages(ctx context.Context, in BundleMessagesInput) *future.Future[Result]
}

// DeviceService is every service a device exposes.
type DeviceService interface {
	TableService
	GroupService
	MeterService
	FlowService
	BundleService
}

// TxIDs hands out per-process transaction ids of the form "TX-<n>".
type TxIDs struct {
	n atomic.Uint64
}

// Next returns the next transaction id.
func (t *TxIDs) Next() string {
	return "TX-" + strconv.FormatUint(t.n.Add(1), 10)
}
