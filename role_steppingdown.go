package raft

import (
	"sort"
	"time"

	"github.com/mattbrennan97/raftkit/raftpb"
)

// steppingDownRole implements spec.md section 4.D's SteppingDown behavior.
// Entered via an explicit StepDown() call on a leader (only legal when
// quorumSize > 1), it keeps the Leader's response handling (retrying
// rejected AppendEntries, advancing commitIndex) and its quorum check on
// timeout until commitIndex reaches the index of the last command appended
// during its leadership, then hands off via TimeoutNow to the most
// up-to-date follower and becomes Follower. It sends no periodic
// heartbeats: the Leader's heartbeat driver stops when the Leader role
// exits, and the event loop's heartbeat case only serves *leaderRole.
type steppingDownRole struct {
	*leaderRole
	handoffIndex uint64
}

func newSteppingDownRole(lr *leaderRole) *steppingDownRole {
	return &steppingDownRole{leaderRole: lr}
}

func (r *steppingDownRole) kind() RoleKind { return RoleSteppingDown }

func (r *steppingDownRole) onEnter(e *Engine) {
	if entry, ok, err := e.store.LastLogEntry(); err == nil && ok {
		r.handoffIndex = entry.Index
	}
	e.events.fire(EventStateChanged, RoleSteppingDown)
	if e.commitIndex.Load() >= r.handoffIndex {
		r.handoff(e)
	}
}

func (r *steppingDownRole) onExit(e *Engine) {
	r.leaderRole.onExit(e)
	select {
	case e.stepDownDone <- struct{}{}:
	default:
	}
}

func (r *steppingDownRole) timeout(e *Engine) time.Duration {
	return r.leaderRole.timeout(e)
}

func (r *steppingDownRole) handleTimeout(e *Engine) {
	r.leaderRole.handleTimeout(e)
}

func (r *steppingDownRole) handleMessage(e *Engine, msg raftpb.Message) {
	r.leaderRole.handleMessage(e, msg)
	if e.role.kind() == RoleSteppingDown && e.commitIndex.Load() >= r.handoffIndex {
		r.handoff(e)
	}
}

// handoff sends TimeoutNow to the most up-to-date follower (highest Match)
// and transitions to Follower, completing the step-down.
func (r *steppingDownRole) handoff(e *Engine) {
	var best *MemberState
	for id, m := range e.members {
		if id == e.id {
			continue
		}
		if best == nil || m.Match > best.Match {
			best = m
		}
	}
	if best != nil {
		term, _ := e.store.CurrentTerm()
		e.sendMessage(buildTimeoutNow(term, e.id, best.ID))
	}
	e.transitionTo(newFollowerRole())
}

// mostUpToDateFollower is kept as a standalone helper for tests; it applies
// the same ordering handoff uses.
func mostUpToDateFollower(members map[uint64]*MemberState, self uint64) (uint64, bool) {
	ids := make([]uint64, 0, len(members))
	for id := range members {
		if id != self {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return members[ids[i]].Match > members[ids[j]].Match })
	if len(ids) == 0 {
		return 0, false
	}
	return ids[0], true
}
