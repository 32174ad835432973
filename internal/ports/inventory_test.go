package ports

import (
	"testing"

	"github.com/dokzlo13/flowsyncd/internal/openflow"
)

func TestInventory(t *testing.T) {
	inv := NewInventory()
	node := openflow.NodeIDFromDatapath(1)

	if inv.IsPortKnown(node, "p1") {
		t.Fatal("unknown port reported as known")
	}

	inv.SetPort(node, "p1", true)
	if !inv.IsPortKnown(node, "p1") {
		t.Error("port not known after SetPort")
	}

	inv.SetPort(node, "p1", false)
	if inv.IsPortKnown(node, "p1") {
		t.Error("port known after removal")
	}

	inv.SetPort(node, "p2", true)
	inv.RemoveNode(node)
	if inv.IsPortKnown(node, "p2") {
		t.Error("port known after RemoveNode")
	}
}
