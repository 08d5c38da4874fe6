package raft

import (
	"testing"

	"github.com/mattbrennan97/raftkit/raftpb"
)

func TestBuildRequestVote(t *testing.T) {
	msg := buildRequestVote(3, 1, 2, 1, 10, 2)
	if msg.Type != raftpb.MsgRequestVote {
		t.Fatalf("Type = %v, want MsgRequestVote", msg.Type)
	}
	if msg.Term != 3 || msg.From != 1 || msg.To != 2 || msg.CandidateID != 1 ||
		msg.LastLogIndex != 10 || msg.LastLogTerm != 2 {
		t.Errorf("unexpected message fields: %+v", msg)
	}
}

func TestBuildAppendEntriesCarriesEntries(t *testing.T) {
	entries := []raftpb.LogEntry{{Index: 5, Term: 2}, {Index: 6, Term: 2}}
	msg := buildAppendEntries(2, 1, 2, 1, 4, 2, entries, 4)
	if msg.Type != raftpb.MsgAppendEntries {
		t.Fatalf("Type = %v, want MsgAppendEntries", msg.Type)
	}
	if len(msg.Entries) != 2 || msg.Entries[1].Index != 6 {
		t.Errorf("Entries = %+v, want the entries passed in", msg.Entries)
	}
	if msg.PrevLogIndex != 4 || msg.PrevLogTerm != 2 || msg.LeaderCommit != 4 {
		t.Errorf("unexpected message fields: %+v", msg)
	}
}

func TestBuildAppendEntriesResponse(t *testing.T) {
	msg := buildAppendEntriesResponse(2, 2, 1, true, 6)
	if msg.Type != raftpb.MsgAppendEntriesResponse || !msg.Success || msg.Index != 6 {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestBuildCanInstallSnapshotRoundTrip(t *testing.T) {
	req := buildCanInstallSnapshot(4, 1, 2, 100, 3)
	if req.Type != raftpb.MsgCanInstallSnapshotRequest || req.LastIncludedIndex != 100 || req.LastIncludedTerm != 3 {
		t.Errorf("unexpected request: %+v", req)
	}
	resp := buildCanInstallSnapshotResponse(4, 2, 1, true, false)
	if resp.Type != raftpb.MsgCanInstallSnapshotResponse || !resp.Success || resp.IsCurrentlyInstalling {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestBuildTimeoutNow(t *testing.T) {
	msg := buildTimeoutNow(5, 1, 3)
	if msg.Type != raftpb.MsgTimeoutNow || msg.Term != 5 || msg.From != 1 || msg.To != 3 {
		t.Errorf("unexpected message: %+v", msg)
	}
}
