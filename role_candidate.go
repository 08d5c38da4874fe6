package raft

import (
	"math/rand"
	"time"

	"github.com/mattbrennan97/raftkit/raftpb"
)

// candidateRole implements spec.md section 4.D's Candidate behavior: it
// solicits votes from every member of both the current and (if a membership
// change is in flight) changing topology, and becomes Leader once it holds
// quorum in each.
type candidateRole struct {
	votes map[uint64]struct{}
}

func newCandidateRole() *candidateRole {
	return &candidateRole{votes: map[uint64]struct{}{}}
}

func (r *candidateRole) kind() RoleKind { return RoleCandidate }

func (r *candidateRole) onEnter(e *Engine) {
	newTerm, err := e.store.IncrementTermAndVoteFor(e.id)
	if err != nil {
		e.fatal(errPersistentStore(err))
		return
	}
	r.votes[e.id] = struct{}{}
	e.events.fire(EventElectionStarted, newTerm)

	lastIndex, lastTerm := uint64(0), uint64(0)
	if entry, ok, err := e.store.LastLogEntry(); err == nil && ok {
		lastIndex, lastTerm = entry.Index, entry.Term
	}

	cur, changing := activeTopologies(e)
	for _, id := range unionMembers(cur, changing) {
		if id == e.id {
			continue
		}
		e.sendMessage(buildRequestVote(newTerm, e.id, id, e.id, lastIndex, lastTerm))
	}

	if hasDualQuorum(cur, changing, r.votes) {
		e.transitionTo(newLeaderRole())
	}
}

func (r *candidateRole) onExit(e *Engine) {}

// timeout is drawn uniformly in [electionTimeout/2, electionTimeout).
func (r *candidateRole) timeout(e *Engine) time.Duration {
	base := e.cfg.ElectionTimeout / 2
	return base + time.Duration(rand.Int63n(int64(base)))
}

func (r *candidateRole) handleTimeout(e *Engine) {
	e.transitionTo(newCandidateRole())
}

func (r *candidateRole) handleMessage(e *Engine, msg raftpb.Message) {
	switch msg.Type {
	case raftpb.MsgRequestVoteResponse:
		r.handleRequestVoteResponse(e, msg)
	case raftpb.MsgAppendEntries:
		e.transitionTo(newFollowerRole())
		e.role.handleMessage(e, msg)
	case raftpb.MsgInstallSnapshotRequest:
		e.transitionTo(newSnapshotInstallationRole(msg.From, msg.Term, msg.LastIncludedIndex, msg.LastIncludedTerm))
	}
}

func (r *candidateRole) handleRequestVoteResponse(e *Engine, msg raftpb.Message) {
	if !msg.VoteGranted {
		return
	}
	r.votes[msg.From] = struct{}{}
	cur, changing := activeTopologies(e)
	if hasDualQuorum(cur, changing, r.votes) {
		e.transitionTo(newLeaderRole())
	}
}
