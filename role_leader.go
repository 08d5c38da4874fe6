package raft

import (
	"context"
	"sort"
	"time"

	"github.com/mattbrennan97/raftkit/raftpb"
)

// leaderRole implements spec.md section 4.D's Leader behavior: it
// replicates entries to every peer, advances commitIndex once a quorum (in
// both topologies during a joint-consensus change) has matched an index,
// and runs a background heartbeat driver that only ever triggers sends —
// it never mutates engine state directly, matching the concurrency model's
// "background tasks only trigger message sends" rule.
type leaderRole struct {
	acked map[uint64]struct{}

	// snapshotsPendingInstallation suppresses normal replication to peers
	// a snapshot send is currently in flight for (spec.md section 4.D).
	snapshotsPendingInstallation map[uint64]struct{}

	heartbeatCancel context.CancelFunc
	heartbeatDone   chan struct{}
}

func newLeaderRole() *leaderRole {
	return &leaderRole{
		acked:                        map[uint64]struct{}{},
		snapshotsPendingInstallation: map[uint64]struct{}{},
	}
}

func (r *leaderRole) kind() RoleKind { return RoleLeader }

func (r *leaderRole) onEnter(e *Engine) {
	e.leader = e.id
	term, err := e.store.CurrentTerm()
	if err != nil {
		e.fatal(errPersistentStore(err))
		return
	}

	lastIndex := uint64(0)
	if entry, ok, lerr := e.store.LastLogEntry(); lerr == nil && ok {
		lastIndex = entry.Index
	}
	for _, m := range e.members {
		m.Next = lastIndex + 1
		m.Match = 0
	}

	// No-op entry of the new term, so commitIndex advancing to it proves
	// leadership completeness (spec.md section 4.D).
	noOpIndex, err := e.store.AppendToLeaderLog(term, nil, raftpb.EntryFlags{IsNoOp: true})
	if err != nil {
		e.fatal(errPersistentStore(err))
		return
	}

	e.events.fire(EventElectedAsLeader, term)

	ctx, cancel := context.WithCancel(e.ctx)
	r.heartbeatCancel = cancel
	r.heartbeatDone = make(chan struct{})
	go r.heartbeatDriver(ctx, e)

	r.noteSelfAppend(e, noOpIndex)
	r.replicateToAll(e)
}

// noteSelfAppend keeps the leader's own MemberState current with every
// entry it appends to its own log, then re-checks the commit index. A
// quorum of one — either a single-voter cluster, or self alone already
// forming a majority — needs no AppendEntries response to commit, so
// this is the only path that lets those clusters advance at all (spec.md
// section 4.D's "if quorum size is 1, commit immediately" rule).
func (r *leaderRole) noteSelfAppend(e *Engine, index uint64) {
	if m, ok := e.members[e.id]; ok {
		if index > m.Match {
			m.Match = index
		}
		m.Next = index + 1
	}
	r.advanceCommitIndex(e)
}

func (r *leaderRole) onExit(e *Engine) {
	if r.heartbeatCancel != nil {
		r.heartbeatCancel()
		select {
		case <-r.heartbeatDone:
		case <-time.After(time.Second):
		}
	}
}

// timeout re-checks quorum acknowledgement on every election-timeout tick;
// a leader that hasn't heard from a quorum within one timeout steps down.
func (r *leaderRole) timeout(e *Engine) time.Duration {
	return e.cfg.ElectionTimeout
}

func (r *leaderRole) handleTimeout(e *Engine) {
	cur, changing := activeTopologies(e)
	r.acked[e.id] = struct{}{}
	if !hasDualQuorum(cur, changing, r.acked) {
		if e.logger != nil {
			e.logger.Info("no heartbeats acked within election timeout, stepping down")
		}
		e.transitionTo(newFollowerRole())
		return
	}
	r.acked = map[uint64]struct{}{}
}

func (r *leaderRole) handleMessage(e *Engine, msg raftpb.Message) {
	switch msg.Type {
	case raftpb.MsgAppendEntriesResponse:
		r.handleAppendEntriesResponse(e, msg)
	case raftpb.MsgRequestVote:
		// Already voted for self this term; handleCommon already bumped
		// term if msg.Term was higher, so a same-term vote request is
		// simply denied.
		term, _ := e.store.CurrentTerm()
		e.sendMessage(buildRequestVoteResponse(term, e.id, msg.From, false))
	case raftpb.MsgCanInstallSnapshotResponse:
		r.handleCanInstallSnapshotResponse(e, msg)
	case raftpb.MsgInstallSnapshotResponse:
		r.handleInstallSnapshotResponse(e, msg)
	}
}

// replicateToAll sends an AppendEntries (or a CanInstallSnapshot probe, if
// the peer has fallen behind the log's retained window) to every peer.
func (r *leaderRole) replicateToAll(e *Engine) {
	for id := range e.members {
		if id == e.id {
			continue
		}
		r.replicateTo(e, id)
	}
}

func (r *leaderRole) replicateTo(e *Engine, peerID uint64) {
	if _, pending := r.snapshotsPendingInstallation[peerID]; pending {
		return
	}
	m := e.members[peerID]
	term, err := e.store.CurrentTerm()
	if err != nil {
		e.fatal(errPersistentStore(err))
		return
	}

	prevLogIndex := m.Next - 1
	prevLogTerm, ok, err := e.store.TermFor(prevLogIndex)
	if err != nil {
		e.fatal(errPersistentStore(err))
		return
	}
	if !ok && prevLogIndex > 0 {
		// The entry at prevLogIndex has been compacted away: catch this
		// peer up via a snapshot instead of AppendEntries.
		r.probeSnapshot(e, peerID)
		return
	}

	entries, err := e.store.LogEntriesAfter(prevLogIndex, e.cfg.MaxEntriesPerRequest)
	if err != nil {
		e.fatal(errPersistentStore(err))
		return
	}
	e.sendMessage(buildAppendEntries(term, e.id, peerID, e.id, prevLogIndex, prevLogTerm, entries, e.commitIndex.Load()))
}

func (r *leaderRole) probeSnapshot(e *Engine, peerID uint64) {
	entry, ok, err := e.store.LastLogEntry()
	if err != nil || !ok {
		return
	}
	term, _ := e.store.CurrentTerm()
	e.sendMessage(buildCanInstallSnapshot(term, e.id, peerID, entry.Index, entry.Term))
}

func (r *leaderRole) handleAppendEntriesResponse(e *Engine, msg raftpb.Message) {
	r.acked[msg.From] = struct{}{}
	m, ok := e.members[msg.From]
	if !ok {
		return
	}
	if !msg.Success {
		// msg.Index carries the follower's real last log index (see
		// followerRole.handleAppendEntries); jump Next straight to it
		// rather than decrementing one entry at a time, which would never
		// reach a valid match point once the gap spans a compacted region.
		if msg.Index+1 < m.Next {
			m.Next = msg.Index + 1
		} else if m.Next > 1 {
			m.Next--
		}
		r.replicateTo(e, msg.From)
		return
	}
	if msg.Index > m.Match {
		m.Match = msg.Index
		m.Next = msg.Index + 1
	}
	r.advanceCommitIndex(e)
}

// advanceCommitIndex implements spec.md section 4.D's commit rule: the
// highest index replicated to a quorum (in both topologies during a
// membership change) whose term equals the current term.
func (r *leaderRole) advanceCommitIndex(e *Engine) {
	term, err := e.store.CurrentTerm()
	if err != nil {
		e.fatal(errPersistentStore(err))
		return
	}
	matches := make([]uint64, 0, len(e.members))
	for _, m := range e.members {
		matches = append(matches, m.Match)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	cur, changing := activeTopologies(e)
	for _, candidate := range matches {
		if candidate <= e.commitIndex.Load() {
			break
		}
		entryTerm, ok, err := e.store.TermFor(candidate)
		if err != nil {
			e.fatal(errPersistentStore(err))
			return
		}
		if !ok || entryTerm != term {
			continue
		}
		acked := map[uint64]struct{}{e.id: {}}
		for _, m := range e.members {
			if m.Match >= candidate {
				acked[m.ID] = struct{}{}
			}
		}
		if hasDualQuorum(cur, changing, acked) {
			e.applyCommitted(candidate)
			break
		}
	}
}

func (r *leaderRole) handleCanInstallSnapshotResponse(e *Engine, msg raftpb.Message) {
	if !msg.Success || msg.IsCurrentlyInstalling {
		return
	}
	if _, already := r.snapshotsPendingInstallation[msg.From]; already {
		return
	}
	r.snapshotsPendingInstallation[msg.From] = struct{}{}
	go e.sendSnapshotTo(msg.From)
}

func (r *leaderRole) handleInstallSnapshotResponse(e *Engine, msg raftpb.Message) {
	delete(r.snapshotsPendingInstallation, msg.From)
	if !msg.Success {
		return
	}
	if m, ok := e.members[msg.From]; ok {
		m.Match = msg.Index
		m.Next = msg.Index + 1
	}
	r.advanceCommitIndex(e)
}

// heartbeatDriver is a background task that only triggers sends; it never
// mutates engine state, matching spec.md section 4.D's concurrency note.
func (r *leaderRole) heartbeatDriver(ctx context.Context, e *Engine) {
	defer close(r.heartbeatDone)
	ticker := time.NewTicker(e.cfg.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case e.heartbeatChan <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *leaderRole) beginTopologyChange(e *Engine, id uint64, add bool) error {
	if e.changingTopology != nil {
		return errInvalidOperation("a membership change is already in progress")
	}
	var next *Topology
	if add {
		next = e.currentTopology.CloneAndAdd(id)
	} else {
		if id == e.id {
			return errInvalidOperation("leader cannot remove itself; step down first")
		}
		next = e.currentTopology.CloneAndRemove(id)
	}
	e.changingTopology = next
	if add {
		if _, ok := e.members[id]; !ok {
			lastIndex := uint64(0)
			if entry, ok, _ := e.store.LastLogEntry(); ok {
				lastIndex = entry.Index
			}
			e.members[id] = &MemberState{ID: id, Next: lastIndex + 1}
		}
	}
	if err := e.store.SetCurrentTopology(e.currentTopology, e.changingTopology); err != nil {
		return errPersistentStore(err)
	}
	e.events.fire(EventTopologyChanging, next)

	term, err := e.store.CurrentTerm()
	if err != nil {
		return errPersistentStore(err)
	}
	data, err := encodeTopologyCommand(next)
	if err != nil {
		return errSerialization(err)
	}
	index, err := e.store.AppendToLeaderLog(term, data, raftpb.EntryFlags{IsTopologyChange: true})
	if err != nil {
		return errPersistentStore(err)
	}
	r.noteSelfAppend(e, index)
	r.replicateToAll(e)
	return nil
}

// completeTopologyChange is invoked once the topology-change entry commits
// (see applyCommitted in engine.go), collapsing currentTopology and
// changingTopology into the single new topology.
func (e *Engine) completeTopologyChange(next *Topology) {
	e.currentTopology = next
	e.changingTopology = nil
	for id := range e.members {
		if !next.Contains(id) {
			delete(e.members, id)
		}
	}
	if err := e.store.SetCurrentTopology(next, nil); err != nil {
		e.fatal(errPersistentStore(err))
		return
	}
	e.events.fire(EventTopologyChanged, next)
	if !next.Contains(e.id) {
		e.transitionTo(newFollowerRole())
	}
}
