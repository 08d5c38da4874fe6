package raft

import (
	"sort"
	"testing"

	"github.com/mattbrennan97/raftkit/raftpb"
)

func TestHasDualQuorumRequiresBothTopologies(t *testing.T) {
	cur := NewTopology(1, 2, 3)
	changing := NewTopology(3, 4, 5)

	acked := map[uint64]struct{}{1: {}, 2: {}}
	if hasDualQuorum(cur, changing, acked) {
		t.Fatal("expected no dual quorum: changing topology has no quorum yet")
	}

	acked[3] = struct{}{}
	acked[4] = struct{}{}
	if !hasDualQuorum(cur, changing, acked) {
		t.Fatal("expected dual quorum once both topologies are satisfied")
	}
}

func TestHasDualQuorumWithNoChangeInProgress(t *testing.T) {
	cur := NewTopology(1, 2, 3)
	acked := map[uint64]struct{}{1: {}, 2: {}}
	if !hasDualQuorum(cur, nil, acked) {
		t.Fatal("expected quorum in cur alone to suffice when changing is nil")
	}
}

func TestUnionMembersDedupsAcrossTopologies(t *testing.T) {
	cur := NewTopology(1, 2, 3)
	changing := NewTopology(3, 4, 5)

	got := unionMembers(cur, changing)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })

	want := []uint64{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("unionMembers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unionMembers = %v, want %v", got, want)
		}
	}
}

func TestUnionMembersWithNoChangeInProgress(t *testing.T) {
	cur := NewTopology(1, 2, 3)
	got := unionMembers(cur, nil)
	if len(got) != 3 {
		t.Fatalf("unionMembers(cur, nil) = %v, want 3 members", got)
	}
}

func TestIsLeaderAssertingMessageTypes(t *testing.T) {
	asserting := []raftpb.MessageType{
		raftpb.MsgAppendEntries,
		raftpb.MsgCanInstallSnapshotRequest,
		raftpb.MsgInstallSnapshotRequest,
		raftpb.MsgTimeoutNow,
	}
	for _, mt := range asserting {
		if !isLeaderAsserting(mt) {
			t.Errorf("isLeaderAsserting(%s) = false, want true", mt)
		}
	}

	nonAsserting := []raftpb.MessageType{
		raftpb.MsgRequestVote,
		raftpb.MsgRequestVoteResponse,
		raftpb.MsgAppendEntriesResponse,
	}
	for _, mt := range nonAsserting {
		if isLeaderAsserting(mt) {
			t.Errorf("isLeaderAsserting(%s) = true, want false", mt)
		}
	}
}
