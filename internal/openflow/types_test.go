package openflow

import (
	"errors"
	"reflect"
	"testing"
)

func TestNodeIDRoundTrip(t *testing.T) {
	n := NodeIDFromDatapath(42)
	if n != "openflow:42" {
		t.Fatalf("NodeIDFromDatapath(42) = %q", n)
	}
	dpid, err := n.DatapathID()
	if err != nil {
		t.Fatalf("DatapathID: %v", err)
	}
	if dpid != 42 {
		t.Errorf("DatapathID = %d, want 42", dpid)
	}
}

func TestParseNodeID_Invalid(t *testing.T) {
	for _, s := range []string{"", "openflow:", "openflow:abc", "of:1"} {
		if _, err := ParseNodeID(s); !errors.Is(err, ErrInvalidNodeID) {
			t.Errorf("ParseNodeID(%q) err = %v, want ErrInvalidNodeID", s, err)
		}
	}
}

func TestGroupReferences(t *testing.T) {
	g := Group{
		ID: 3,
		Buckets: []Bucket{
			{ID: 0, Actions: []Action{{Type: ActionGroup, GroupID: 1}, {Type: ActionOutput, Port: "p1"}}},
			{ID: 1, Actions: []Action{{Type: ActionGroup, GroupID: 2}, {Type: ActionGroup, GroupID: 1}}},
		},
	}
	if got := g.ReferencedGroups(); !reflect.DeepEqual(got, []GroupID{1, 2}) {
		t.Errorf("ReferencedGroups = %v", got)
	}
	if got := g.OutputPorts(); !reflect.DeepEqual(got, []string{"p1"}) {
		t.Errorf("OutputPorts = %v", got)
	}
}

func TestIsReservedPort(t *testing.T) {
	tests := []struct {
		port string
		want bool
	}{
		{"CONTROLLER", true},
		{"controller", true},
		{"IN_PORT", true},
		{"LOCAL", true},
		{"ALL", true},
		{"0xfffffffd", true},
		{"4294967294", true},
		{"4294967040", false},
		{"1", false},
		{"eth0", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsReservedPort(tt.port); got != tt.want {
			t.Errorf("IsReservedPort(%q) = %v, want %v", tt.port, got, tt.want)
		}
	}
}
