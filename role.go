package raft

import (
	"time"

	"github.com/mattbrennan97/raftkit/raftpb"
	"go.uber.org/zap"
)

// Role is the tagged-variant behavior of the Raft protocol state machine.
// Exactly one Role is active in an Engine at a time; the event loop defers
// every timeout and message dispatch to it instead of switching on a role
// enum inline, the way the teacher's protocolStateMachine.processMessage did.
//
// Every method runs exclusively on the event-loop goroutine.
type Role interface {
	// kind identifies which RoleKind this behavior implements, for state
	// reporting and logging.
	kind() RoleKind
	// onEnter runs once when the engine transitions into this role.
	onEnter(e *Engine)
	// onExit runs once when the engine transitions out of this role. It
	// must cancel and await (with a short timeout) any background tasks
	// the role started.
	onExit(e *Engine)
	// timeout returns the duration until handleTimeout should fire, drawn
	// fresh every time the timer is (re)armed.
	timeout(e *Engine) time.Duration
	// handleTimeout runs when this role's timer fires.
	handleTimeout(e *Engine)
	// handleMessage runs for every inbound protocol message, after the
	// common term/leader bookkeeping in handleCommon has already run.
	handleMessage(e *Engine, msg raftpb.Message)
}

// handleCommon performs the term and leader bookkeeping common to every
// role (spec.md section 4.D) before the active role's handleMessage runs. It
// returns false if msg is stale and should be dropped without further
// processing.
func handleCommon(e *Engine, msg raftpb.Message) bool {
	currentTerm, err := e.store.CurrentTerm()
	if err != nil {
		e.fatal(errPersistentStore(err))
		return false
	}
	if msg.Term < currentTerm {
		if e.debug && e.logger != nil {
			e.logger.Debug("dropping stale message",
				zap.Uint64("from", msg.From), zap.String("type", msg.Type.String()))
		}
		return false
	}
	if msg.Term > currentTerm {
		if err := e.store.UpdateTermTo(msg.Term); err != nil {
			e.fatal(errPersistentStore(err))
			return false
		}
		e.events.fire(EventNewTerm, msg.Term)
		if isLeaderAsserting(msg.Type) {
			e.leader = msg.From
		}
		if e.role.kind() != RoleFollower {
			e.transitionTo(newFollowerRole())
		}
	}
	return true
}

// isLeaderAsserting reports whether msg.Type is sent only by a current
// leader, letting handleCommon update the cached leader hint opportunistically.
func isLeaderAsserting(t raftpb.MessageType) bool {
	switch t {
	case raftpb.MsgAppendEntries, raftpb.MsgCanInstallSnapshotRequest, raftpb.MsgInstallSnapshotRequest, raftpb.MsgTimeoutNow:
		return true
	default:
		return false
	}
}

// activeTopologies returns the set(s) of members a quorum must be computed
// over: just currentTopology normally, or currentTopology plus
// changingTopology during a joint-consensus membership change (spec.md
// section 4.E). hasDualQuorum requires a quorum in EACH set.
func activeTopologies(e *Engine) (cur, changing *Topology) {
	return e.currentTopology, e.changingTopology
}

// hasDualQuorum reports whether acked has quorum in cur, and in changing too
// if changing is non-nil.
func hasDualQuorum(cur, changing *Topology, acked map[uint64]struct{}) bool {
	if !cur.HasQuorum(acked) {
		return false
	}
	if changing != nil && !changing.HasQuorum(acked) {
		return false
	}
	return true
}

// unionMembers returns the union of cur's and changing's member IDs, or just
// cur's if changing is nil — the broadcast/send target set during elections
// and replication.
func unionMembers(cur, changing *Topology) []uint64 {
	if changing == nil {
		return cur.Members()
	}
	seen := map[uint64]struct{}{}
	out := []uint64{}
	for _, id := range cur.Members() {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range changing.Members() {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
