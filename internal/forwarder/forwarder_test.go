package forwarder

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dokzlo13/flowsyncd/internal/devicetest"
	"github.com/dokzlo13/flowsyncd/internal/future"
	"github.com/dokzlo13/flowsyncd/internal/groupreg"
	"github.com/dokzlo13/flowsyncd/internal/jobqueue"
	"github.com/dokzlo13/flowsyncd/internal/openflow"
	"github.com/dokzlo13/flowsyncd/internal/rpc"
	"github.com/dokzlo13/flowsyncd/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	dev      *devicetest.Device
	store    *store.Memory
	registry *groupreg.Registry
	fwd      *Forwarder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	q := jobqueue.New[rpc.Result]("test", 4)
	t.Cleanup(func() { q.Close(context.Background()) })

	fx := &fixture{
		dev:      devicetest.New(),
		store:    store.NewMemory(nil),
		registry: groupreg.New(),
	}
	fx.fwd = New(fx.dev, fx.store, fx.registry, q, &rpc.TxIDs{})
	return fx
}

func (fx *fixture) putGroup(t *testing.T, node openflow.NodeID, g openflow.Group) {
	t.Helper()
	txn := fx.store.Txn()
	txn.Put(store.GroupPath(node, g.ID), g)
	if _, err := txn.Commit(context.Background()).WaitTimeout(time.Second); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func flowTo(id string, groups ...openflow.GroupID) openflow.Flow {
	f := openflow.Flow{ID: id, Priority: 100}
	for _, g := range groups {
		f.Actions = append(f.Actions, openflow.Action{Type: openflow.ActionGroup, GroupID: g})
	}
	return f
}

func await(t *testing.T, f *future.Future[rpc.Result]) (rpc.Result, error) {
	t.Helper()
	return f.WaitTimeout(2 * time.Second)
}

func TestFlowPushesMissingGroupFirst(t *testing.T) {
	fx := newFixture(t)
	node := openflow.NodeIDFromDatapath(1)
	fx.putGroup(t, node, openflow.Group{ID: 5, Type: openflow.GroupIndirect})

	if _, err := await(t, fx.fwd.AddFlow(context.Background(), node, flowTo("f1", 5))); err != nil {
		t.Fatalf("AddFlow: %v", err)
	}

	gi := fx.dev.Index("group", "add", "5")
	fi := fx.dev.Index("flow", "add", "f1")
	if gi < 0 || fi < 0 || gi > fi {
		t.Errorf("group add at %d, flow add at %d; want group first", gi, fi)
	}
	if !fx.registry.Contains(node, 5) {
		t.Error("pushed group not recorded in registry")
	}
}

func TestFlowSkipsGroupKnownToRegistry(t *testing.T) {
	fx := newFixture(t)
	node := openflow.NodeIDFromDatapath(1)
	fx.putGroup(t, node, openflow.Group{ID: 5})
	fx.registry.Add(node, 5)

	if _, err := await(t, fx.fwd.UpdateFlow(context.Background(), node, flowTo("f1", 5))); err != nil {
		t.Fatalf("UpdateFlow: %v", err)
	}
	if n := len(fx.dev.CallsOf("group")); n != 0 {
		t.Errorf("group calls = %d, want 0", n)
	}
}

func TestFlowNotPushedWhenGroupPushFails(t *testing.T) {
	fx := newFixture(t)
	node := openflow.NodeIDFromDatapath(1)
	fx.putGroup(t, node, openflow.Group{ID: 5})
	fx.dev.Reject("group/add/5")

	if _, err := await(t, fx.fwd.AddFlow(context.Background(), node, flowTo("f1", 5))); err == nil {
		t.Fatal("AddFlow succeeded although its group was rejected")
	}
	if fx.dev.Index("flow", "add", "f1") >= 0 {
		t.Error("flow pushed after failed group push")
	}
	if fx.registry.Contains(node, 5) {
		t.Error("rejected group recorded in registry")
	}
}

func TestFlowPushedWhenGroupMissingFromStore(t *testing.T) {
	fx := newFixture(t)
	node := openflow.NodeIDFromDatapath(1)

	if _, err := await(t, fx.fwd.AddFlow(context.Background(), node, flowTo("f1", 9))); err != nil {
		t.Fatalf("AddFlow: %v", err)
	}
	if fx.dev.Index("flow", "add", "f1") < 0 {
		t.Error("flow not pushed")
	}
}

func TestGroupRegistryFollowsResults(t *testing.T) {
	fx := newFixture(t)
	node := openflow.NodeIDFromDatapath(1)
	g := openflow.Group{ID: 3}
	ctx := context.Background()

	if _, err := await(t, fx.fwd.AddGroup(ctx, node, g)); err != nil {
		t.Fatalf("AddGroup: %v", err)
	}
	if !fx.registry.Contains(node, 3) {
		t.Fatal("group missing from registry after add")
	}

	if _, err := await(t, fx.fwd.RemoveGroup(ctx, node, g)); err != nil {
		t.Fatalf("RemoveGroup: %v", err)
	}
	if fx.registry.Contains(node, 3) {
		t.Error("group still in registry after remove")
	}
}

func TestDeviceFailureFailsItem(t *testing.T) {
	fx := newFixture(t)
	node := openflow.NodeIDFromDatapath(1)
	boom := errors.New("connection reset")
	fx.dev.Fail("meter/add/*", boom)

	_, err := await(t, fx.fwd.AddMeter(context.Background(), node, openflow.Meter{ID: 1}))
	if !errors.Is(err, boom) {
		t.Fatalf("AddMeter err = %v, want %v", err, boom)
	}

	// The node's queue keeps going
	if _, err := await(t, fx.fwd.UpdateMeter(context.Background(), node, openflow.Meter{ID: 1})); err != nil {
		t.Errorf("UpdateMeter after failure: %v", err)
	}
}

func TestOneRPCInFlightPerNode(t *testing.T) {
	fx := newFixture(t)
	fx.dev.Latency = 2 * time.Millisecond
	nodes := []openflow.NodeID{openflow.NodeIDFromDatapath(1), openflow.NodeIDFromDatapath(2)}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*future.Future[rpc.Result]
	)
	for i := 0; i < 8; i++ {
		for _, node := range nodes {
			wg.Add(1)
			go func(node openflow.NodeID, id uint32) {
				defer wg.Done()
				f := fx.fwd.AddMeter(context.Background(), node, openflow.Meter{ID: id})
				mu.Lock()
				results = append(results, f)
				mu.Unlock()
			}(node, uint32(i))
		}
	}
	wg.Wait()

	if _, err := future.WaitAll(context.Background(), 5*time.Second, results...); err != nil {
		t.Fatalf("WaitAll: %v", err)
	}
	for _, node := range nodes {
		if got := fx.dev.MaxInFlight(node); got != 1 {
			t.Errorf("max in flight for %s = %d, want 1", node, got)
		}
	}
}

func TestCancelledContextIssuesNoRPC(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := await(t, fx.fwd.AddFlow(ctx, openflow.NodeIDFromDatapath(1), flowTo("f1")))
	if !errors.Is(err, future.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if n := len(fx.dev.Calls()); n != 0 {
		t.Errorf("device saw %d calls", n)
	}
}

func TestFlowWithMissingGroupKeepsEnqueueOrder(t *testing.T) {
	tests := []struct {
		name  string
		after func(fx *fixture, node openflow.NodeID) *future.Future[rpc.Result]
		order [][3]string
	}{
		{
			name: "remove of the same flow",
			after: func(fx *fixture, node openflow.NodeID) *future.Future[rpc.Result] {
				return fx.fwd.RemoveFlow(context.Background(), node, flowTo("f1", 5))
			},
			order: [][3]string{{"group", "add", "5"}, {"flow", "add", "f1"}, {"flow", "remove", "f1"}},
		},
		{
			name: "unrelated meter",
			after: func(fx *fixture, node openflow.NodeID) *future.Future[rpc.Result] {
				return fx.fwd.AddMeter(context.Background(), node, openflow.Meter{ID: 7})
			},
			order: [][3]string{{"group", "add", "5"}, {"flow", "add", "f1"}, {"meter", "add", "7"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			fx.dev.Latency = 5 * time.Millisecond
			node := openflow.NodeIDFromDatapath(1)
			fx.putGroup(t, node, openflow.Group{ID: 5, Type: openflow.GroupIndirect})

			added := fx.fwd.AddFlow(context.Background(), node, flowTo("f1", 5))
			next := tt.after(fx, node)

			if _, err := future.WaitAll(context.Background(), 2*time.Second, added, next); err != nil {
				t.Fatalf("WaitAll: %v", err)
			}

			last := -1
			for _, c := range tt.order {
				i := fx.dev.Index(c[0], c[1], c[2])
				if i <= last {
					t.Fatalf("%s %s %s at %d, previous call at %d; calls = %+v", c[1], c[0], c[2], i, last, fx.dev.Calls())
				}
				last = i
			}
		})
	}
}

func TestFlowRemovedAfterAddLeavesNoFlow(t *testing.T) {
	fx := newFixture(t)
	node := openflow.NodeIDFromDatapath(1)
	fx.putGroup(t, node, openflow.Group{ID: 5})

	added := fx.fwd.AddFlow(context.Background(), node, flowTo("f1", 5))
	removed := fx.fwd.RemoveFlow(context.Background(), node, flowTo("f1", 5))
	if _, err := future.WaitAll(context.Background(), 2*time.Second, added, removed); err != nil {
		t.Fatalf("WaitAll: %v", err)
	}

	if fx.dev.Flows(node)["f1"] {
		t.Error("flow still installed after add then remove")
	}
}

func TestDispatchedRPCSurvivesCancellation(t *testing.T) {
	hit := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit <- struct{}{}
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	client := rpc.NewClient(strings.TrimPrefix(srv.URL, "http://"), 5*time.Second, 1000)
	defer client.Close()

	q := jobqueue.New[rpc.Result]("test", 2)
	defer q.Close(context.Background())
	fwd := New(client, store.NewMemory(nil), groupreg.New(), q, &rpc.TxIDs{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	result := fwd.AddMeter(ctx, openflow.NodeIDFromDatapath(1), openflow.Meter{ID: 1})

	select {
	case <-hit:
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the device")
	}
	cancel()
	close(release)

	res, err := await(t, result)
	if err != nil {
		t.Fatalf("AddMeter after cancel: %v", err)
	}
	if !res.Success {
		t.Errorf("result = %+v, want success", res)
	}
}
