package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dokzlo13/flowsyncd/internal/openflow"
)

func TestTxIDs(t *testing.T) {
	var ids TxIDs
	if got := ids.Next(); got != "TX-1" {
		t.Errorf("first id = %q, want TX-1", got)
	}
	if got := ids.Next(); got != "TX-2" {
		t.Errorf("second id = %q, want TX-2", got)
	}
}

func TestClientAddGroup(t *testing.T) {
	var gotPath string
	var gotInput GroupInput

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotInput); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":false,"errors":["group exists"]}`))
	}))
	defer srv.Close()

	c := NewClient(strings.TrimPrefix(srv.URL, "http://"), time.Second, 1000)
	defer c.Close()

	node := openflow.NodeIDFromDatapath(5)
	res, err := c.AddGroup(context.Background(), GroupInput{
		Node:          node,
		Group:         openflow.Group{ID: 10, Type: openflow.GroupAll},
		TransactionID: "TX-9",
	}).WaitTimeout(2 * time.Second)
	if err != nil {
		t.Fatalf("AddGroup: %v", err)
	}

	if gotPath != "/v1/nodes/openflow:5/groups/add" {
		t.Errorf("path = %q", gotPath)
	}
	if gotInput.Group.ID != 10 || gotInput.TransactionID != "TX-9" {
		t.Errorf("input = %+v", gotInput)
	}
	if res.Success || res.Error() != "group exists" || res.TransactionID != "TX-9" {
		t.Errorf("result = %+v", res)
	}
}

func TestClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(strings.TrimPrefix(srv.URL, "http://"), time.Second, 1000)
	defer c.Close()

	_, err := c.RemoveFlow(context.Background(), FlowInput{Node: openflow.NodeIDFromDatapath(1)}).WaitTimeout(2 * time.Second)
	if err == nil {
		t.Fatal("expected error for 5xx response")
	}
}
