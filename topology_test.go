package raft

import (
	"testing"

	"github.com/go-test/deep"
)

func TestTopologyQuorumSize(t *testing.T) {
	cases := []struct {
		members []uint64
		want    int
	}{
		{[]uint64{1}, 1},
		{[]uint64{1, 2}, 2},
		{[]uint64{1, 2, 3}, 2},
		{[]uint64{1, 2, 3, 4}, 3},
		{[]uint64{1, 2, 3, 4, 5}, 3},
	}
	for _, c := range cases {
		top := NewTopology(c.members...)
		if got := top.QuorumSize(); got != c.want {
			t.Errorf("QuorumSize(%v) = %d, want %d", c.members, got, c.want)
		}
	}
}

func TestTopologyHasQuorum(t *testing.T) {
	top := NewTopology(1, 2, 3)
	acked := map[uint64]struct{}{1: {}, 2: {}}
	if !top.HasQuorum(acked) {
		t.Fatal("expected quorum with 2 of 3 acked")
	}
	acked = map[uint64]struct{}{1: {}}
	if top.HasQuorum(acked) {
		t.Fatal("expected no quorum with 1 of 3 acked")
	}
}

func TestTopologyCloneAndAddRemove(t *testing.T) {
	base := NewTopology(1, 2, 3)
	added := base.CloneAndAdd(4)
	if base.Contains(4) {
		t.Fatal("CloneAndAdd mutated the receiver")
	}
	if !added.Contains(4) {
		t.Fatal("CloneAndAdd did not add the member")
	}

	removed := added.CloneAndRemove(2)
	if removed.Contains(2) {
		t.Fatal("CloneAndRemove did not remove the member")
	}
	if !added.Contains(2) {
		t.Fatal("CloneAndRemove mutated the receiver")
	}
}

func TestTopologyCommandRoundTrip(t *testing.T) {
	top := NewTopology(5, 6, 7)
	data, err := encodeTopologyCommand(top)
	if err != nil {
		t.Fatalf("encodeTopologyCommand: %v", err)
	}
	got, err := decodeTopologyCommand(data)
	if err != nil {
		t.Fatalf("decodeTopologyCommand: %v", err)
	}
	if diff := deep.Equal(sortedMembers(top), sortedMembers(got)); diff != nil {
		t.Errorf("round-tripped topology differs: %v", diff)
	}
}

func sortedMembers(t *Topology) []uint64 {
	members := t.Members()
	for i := 1; i < len(members); i++ {
		for j := i; j > 0 && members[j-1] > members[j]; j-- {
			members[j-1], members[j] = members[j], members[j-1]
		}
	}
	return members
}
