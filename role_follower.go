package raft

import (
	"math/rand"
	"time"

	"github.com/mattbrennan97/raftkit/raftpb"
)

// followerRole implements spec.md section 4.D's Follower behavior: it
// accepts AppendEntries from the current leader, grants at most one vote
// per term, and times out into Candidate if it hears nothing for too long.
type followerRole struct{}

func newFollowerRole() *followerRole { return &followerRole{} }

func (r *followerRole) kind() RoleKind { return RoleFollower }

func (r *followerRole) onEnter(e *Engine) {}

func (r *followerRole) onExit(e *Engine) {}

// timeout is drawn uniformly from [electionTimeout, 2*electionTimeout).
func (r *followerRole) timeout(e *Engine) time.Duration {
	base := e.cfg.ElectionTimeout
	return base + time.Duration(rand.Int63n(int64(base)))
}

func (r *followerRole) handleTimeout(e *Engine) {
	e.transitionTo(newCandidateRole())
}

func (r *followerRole) handleMessage(e *Engine, msg raftpb.Message) {
	switch msg.Type {
	case raftpb.MsgAppendEntries:
		r.handleAppendEntries(e, msg)
	case raftpb.MsgRequestVote:
		r.handleRequestVote(e, msg)
	case raftpb.MsgCanInstallSnapshotRequest:
		r.handleCanInstallSnapshot(e, msg)
	case raftpb.MsgInstallSnapshotRequest:
		e.transitionTo(newSnapshotInstallationRole(msg.From, msg.Term, msg.LastIncludedIndex, msg.LastIncludedTerm))
	case raftpb.MsgTimeoutNow:
		e.transitionTo(newCandidateRole())
	}
}

func (r *followerRole) handleAppendEntries(e *Engine, msg raftpb.Message) {
	e.leader = msg.From
	e.timer.Reset(r.timeout(e))

	if msg.PrevLogIndex > 0 {
		term, ok, err := e.store.TermFor(msg.PrevLogIndex)
		if err != nil {
			e.fatal(errPersistentStore(err))
			return
		}
		if !ok || term != msg.PrevLogTerm {
			// Reply with our real last index, not the rejected
			// PrevLogIndex, so the leader's backoff can jump straight to a
			// valid match point instead of decrementing one entry at a
			// time across a compacted region it has no other way to see.
			ourLastIndex := uint64(0)
			if entry, ok, err := e.store.LastLogEntry(); err == nil && ok {
				ourLastIndex = entry.Index
			}
			e.sendMessage(buildAppendEntriesResponse(msg.Term, e.id, msg.From, false, ourLastIndex))
			return
		}
	}

	if len(msg.Entries) > 0 {
		if err := e.store.AppendToLog(msg.Entries); err != nil {
			e.fatal(errPersistentStore(err))
			return
		}
	}

	lastNewIndex := msg.PrevLogIndex
	if len(msg.Entries) > 0 {
		lastNewIndex = msg.Entries[len(msg.Entries)-1].Index
	}

	if msg.LeaderCommit > e.commitIndex.Load() {
		newCommit := msg.LeaderCommit
		if lastNewIndex < newCommit {
			newCommit = lastNewIndex
		}
		e.applyCommitted(newCommit)
	}

	e.sendMessage(buildAppendEntriesResponse(msg.Term, e.id, msg.From, true, lastNewIndex))
}

func (r *followerRole) handleRequestVote(e *Engine, msg raftpb.Message) {
	term, err := e.store.CurrentTerm()
	if err != nil {
		e.fatal(errPersistentStore(err))
		return
	}
	votedFor, err := e.store.VotedFor()
	if err != nil {
		e.fatal(errPersistentStore(err))
		return
	}

	lastIndex, lastTerm := uint64(0), uint64(0)
	if entry, ok, err := e.store.LastLogEntry(); err == nil && ok {
		lastIndex, lastTerm = entry.Index, entry.Term
	}

	candidateUpToDate := msg.LastLogTerm > lastTerm ||
		(msg.LastLogTerm == lastTerm && msg.LastLogIndex >= lastIndex)

	grant := candidateUpToDate && (votedFor == 0 || votedFor == msg.CandidateID)
	if grant {
		if err := e.store.RecordVoteFor(term, msg.CandidateID); err != nil {
			e.fatal(errPersistentStore(err))
			return
		}
		e.timer.Reset(r.timeout(e))
	}
	e.sendMessage(buildRequestVoteResponse(term, e.id, msg.From, grant))
}

func (r *followerRole) handleCanInstallSnapshot(e *Engine, msg raftpb.Message) {
	lastIndex, _, _ := e.store.LastLogEntry()
	ready := msg.LastIncludedIndex > lastIndex.Index
	e.sendMessage(buildCanInstallSnapshotResponse(msg.Term, e.id, msg.From, ready, false))
}

// sendMessage is the single send path every role uses to hand an outbound
// message to the transport; it is non-blocking from the engine's
// perspective because transport.sendLoop owns buffering/drops, matching the
// teacher's sendChan<- usage.
func (e *Engine) sendMessage(msg raftpb.Message) {
	select {
	case e.sendChan <- msg:
	case <-e.ctx.Done():
	}
}
