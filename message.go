package raft

import (
	"github.com/mattbrennan97/raftkit/raftpb"
)

// buildRequestVote builds a RequestVote message (spec.md section 4, Candidate role).
func buildRequestVote(term, from, to, candidateID, lastLogIndex, lastLogTerm uint64) raftpb.Message {
	return raftpb.Message{
		Type:         raftpb.MsgRequestVote,
		Term:         term,
		From:         from,
		To:           to,
		CandidateID:  candidateID,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}
}

// buildRequestVoteResponse builds a RequestVoteResponse message.
func buildRequestVoteResponse(term, from, to uint64, voteGranted bool) raftpb.Message {
	return raftpb.Message{
		Type:        raftpb.MsgRequestVoteResponse,
		Term:        term,
		From:        from,
		To:          to,
		VoteGranted: voteGranted,
	}
}

// buildAppendEntries builds an AppendEntries message.
func buildAppendEntries(
	term, from, to, leaderID uint64,
	prevLogIndex, prevLogTerm uint64,
	entries []raftpb.LogEntry,
	leaderCommit uint64,
) raftpb.Message {
	return raftpb.Message{
		Type:         raftpb.MsgAppendEntries,
		Term:         term,
		From:         from,
		To:           to,
		LeaderID:     leaderID,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	}
}

// buildAppendEntriesResponse builds an AppendEntriesResponse message.
func buildAppendEntriesResponse(term, from, to uint64, success bool, index uint64) raftpb.Message {
	return raftpb.Message{
		Type:    raftpb.MsgAppendEntriesResponse,
		Term:    term,
		From:    from,
		To:      to,
		Success: success,
		Index:   index,
	}
}

// buildCanInstallSnapshot builds a CanInstallSnapshotRequest message, used by
// a leader to probe whether a lagging follower is ready to receive a
// snapshot instead of a normal AppendEntries catch-up.
func buildCanInstallSnapshot(term, from, to uint64, lastIncludedIndex, lastIncludedTerm uint64) raftpb.Message {
	return raftpb.Message{
		Type:              raftpb.MsgCanInstallSnapshotRequest,
		Term:              term,
		From:              from,
		To:                to,
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  lastIncludedTerm,
	}
}

// buildCanInstallSnapshotResponse builds a CanInstallSnapshotResponse message.
func buildCanInstallSnapshotResponse(term, from, to uint64, ok, alreadyInstalling bool) raftpb.Message {
	return raftpb.Message{
		Type:                  raftpb.MsgCanInstallSnapshotResponse,
		Term:                  term,
		From:                  from,
		To:                    to,
		Success:               ok,
		IsCurrentlyInstalling: alreadyInstalling,
	}
}

// buildInstallSnapshotResponse builds an InstallSnapshotResponse message,
// sent after the chunked transfer (raftpb.SnapshotChunk stream, see
// transport/grpc_transport.go) completes and is applied.
func buildInstallSnapshotResponse(term, from, to uint64, success bool, index uint64) raftpb.Message {
	return raftpb.Message{
		Type:    raftpb.MsgInstallSnapshotResponse,
		Term:    term,
		From:    from,
		To:      to,
		Success: success,
		Index:   index,
	}
}

// buildTimeoutNow builds a TimeoutNow message, sent by a stepping-down
// leader to the most up-to-date follower to trigger an immediate election.
func buildTimeoutNow(term, from, to uint64) raftpb.Message {
	return raftpb.Message{
		Type: raftpb.MsgTimeoutNow,
		Term: term,
		From: from,
		To:   to,
	}
}
