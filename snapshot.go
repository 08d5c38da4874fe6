package raft

import (
	"context"
	"io"
	"time"

	"github.com/mattbrennan97/raftkit/raftpb"
	"go.uber.org/atomic"
)

// snapshotCreationInFlight compare-and-swap guards the background snapshot
// creation task so at most one runs at a time, per spec.md section 4.F.
var snapshotCreationInFlight atomic.Bool

// maybeStartSnapshot implements spec.md section 4.F's trigger: after
// applying, if the number of committed-and-retained entries reaches
// MaxLogLengthBeforeCompaction and the state machine supports snapshots and
// no snapshot task is already running, start one in the background.
func (e *Engine) maybeStartSnapshot() {
	if !e.sm.SupportsSnapshots() {
		return
	}
	count, err := e.store.CommitedEntriesCount(e.commitIndex.Load())
	if err != nil {
		e.fatal(errPersistentStore(err))
		return
	}
	if count < e.cfg.MaxLogLengthBeforeCompaction {
		return
	}
	if !snapshotCreationInFlight.CompareAndSwap(false, true) {
		return
	}

	commitIndex := e.commitIndex.Load()
	term, err := e.store.CurrentTerm()
	if err != nil {
		snapshotCreationInFlight.Store(false)
		e.fatal(errPersistentStore(err))
		return
	}
	threshold := e.cfg.MaxLogLengthBeforeCompaction
	e.events.fire(EventCreatingSnapshot, commitIndex)
	go e.createSnapshotTask(commitIndex, term, threshold)
}

// createSnapshotTask is the background task spec.md section 4.F describes:
// it runs entirely off the event-loop goroutine, and only touches engine
// state via the store's own crash-safe transactions.
func (e *Engine) createSnapshotTask(commitIndex, term, threshold uint64) {
	defer snapshotCreationInFlight.Store(false)

	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()

	if _, err := e.sm.CreateSnapshot(ctx, commitIndex, term); err != nil {
		if e.logger != nil {
			e.logger.Error("snapshot creation failed")
		}
		e.events.fire(EventSnapshotCreationError, err)
		return
	}

	// Keep a trailing buffer of 7/8 of the threshold (entries above
	// commitIndex-keepTrailing survive) so a follower only slightly behind
	// the leader still catches up via normal replication.
	keepTrailing := threshold * 7 / 8
	if err := e.store.MarkSnapshotFor(commitIndex, term, keepTrailing); err != nil {
		e.fatal(errPersistentStore(err))
		return
	}
	e.events.fire(EventCreatedSnapshot, commitIndex)
}

// sendSnapshotTo is the per-peer snapshot send background task: it asks the
// state machine for a fresh snapshot reader and streams it to peerID via
// the transport's InstallSnapshot RPC, then funnels the outcome back onto
// the event loop as an InstallSnapshotResponse message.
func (e *Engine) sendSnapshotTo(peerID uint64) {
	snapshotSender, ok := e.tr.(SnapshotSender)
	if !ok {
		return
	}

	snap := e.State()
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Minute)
	defer cancel()

	r, err := e.sm.CreateSnapshot(ctx, snap.LastApplied, snap.Term)
	if err != nil {
		e.sendMessage(buildInstallSnapshotResponse(snap.Term, e.id, peerID, false, 0))
		return
	}
	if err := snapshotSender.SendSnapshot(ctx, peerID, snap.LastApplied, snap.LastTerm, e.currentTopology, r); err != nil {
		e.sendMessage(buildInstallSnapshotResponse(snap.Term, e.id, peerID, false, 0))
		return
	}
	e.sendMessage(buildInstallSnapshotResponse(snap.Term, e.id, peerID, true, snap.LastApplied))
}

// SnapshotSender is implemented by transports that can stream a snapshot
// body to a peer, outside the bounded-size message envelope used for
// normal protocol traffic.
type SnapshotSender interface {
	SendSnapshot(ctx context.Context, peerID uint64, lastIncludedIndex, lastIncludedTerm uint64, topology *Topology, r io.Reader) error
}

// snapshotInstallationRole implements spec.md section 4.D's
// SnapshotInstallation behavior: entered on receipt of InstallSnapshotRequest,
// it blocks normal protocol handling of the log while a background task
// receives the snapshot body and applies it atomically, and times out only
// its own heartbeat clock without falling back to Candidate mid-transfer.
type snapshotInstallationRole struct {
	leaderID          uint64
	term              uint64
	lastIncludedIndex uint64
	lastIncludedTerm  uint64
}

func newSnapshotInstallationRole(leaderID, term, lastIncludedIndex, lastIncludedTerm uint64) *snapshotInstallationRole {
	return &snapshotInstallationRole{
		leaderID:          leaderID,
		term:              term,
		lastIncludedIndex: lastIncludedIndex,
		lastIncludedTerm:  lastIncludedTerm,
	}
}

func (r *snapshotInstallationRole) kind() RoleKind { return RoleSnapshotInstallation }

func (r *snapshotInstallationRole) onEnter(e *Engine) {
	e.leader = r.leaderID
	e.events.fire(EventInstallingSnapshot, r.lastIncludedIndex)
}

func (r *snapshotInstallationRole) onExit(e *Engine) {}

func (r *snapshotInstallationRole) timeout(e *Engine) time.Duration {
	return e.cfg.ElectionTimeout
}

// handleTimeout resets the heartbeat clock only; the role does not become
// Candidate until the install completes (spec.md section 4.D).
func (r *snapshotInstallationRole) handleTimeout(e *Engine) {}

// handleMessage drops ordinary protocol messages while a snapshot transfer
// is in progress; the transfer itself rides the dedicated InstallSnapshot
// stream, not the normal message channel.
func (r *snapshotInstallationRole) handleMessage(e *Engine, msg raftpb.Message) {}

// apply is invoked once the inbound InstallSnapshot stream (see
// transport/grpc_transport.go) has fully landed; lastIncludedIndex <=
// ourLastApplied is rejected per spec.md's boundary behaviors.
func (r *snapshotInstallationRole) apply(e *Engine, req snapshotInstallRequest) error {
	if req.lastIncludedIndex <= e.lastApplied {
		return ErrSnapshotTooOld
	}
	if err := e.sm.ApplySnapshot(req.reader, req.lastIncludedIndex, req.lastIncludedTerm); err != nil {
		return errSerialization(err)
	}
	// This role is only entered when req.lastIncludedIndex is already past
	// our own last index (see followerRole.handleCanInstallSnapshot), so
	// every entry we hold predates the install boundary: keep none of them,
	// unlike createSnapshotTask's incremental 7/8-trailing compaction.
	if err := e.store.MarkSnapshotFor(req.lastIncludedIndex, req.lastIncludedTerm, 0); err != nil {
		return errPersistentStore(err)
	}
	e.lastApplied = req.lastIncludedIndex
	e.commitIndex.Store(req.lastIncludedIndex)
	if req.topology != nil {
		e.completeTopologyChange(req.topology)
	}
	e.events.fire(EventSnapshotInstalled, req.lastIncludedIndex)
	e.sendMessage(buildInstallSnapshotResponse(req.term, e.id, req.leaderID, true, req.lastIncludedIndex))
	e.transitionTo(newFollowerRole())
	return nil
}
