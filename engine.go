package raft

import (
	"context"
	"fmt"
	"io"

	"github.com/mattbrennan97/raftkit/raftpb"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Engine is a single Raft node's protocol state machine. It owns one
// goroutine (run) that is the only writer of every field below; all other
// access happens through the channels constructed in EngineConfig.Build,
// the way the teacher's protocolStateMachine.run() was the sole owner of
// its state.
type Engine struct {
	id    uint64
	store PersistentStore
	tr    Transport
	sm    StateMachine

	cfg EngineConfig

	role            Role
	leader          uint64
	currentTopology *Topology
	changingTopology *Topology
	members         map[uint64]*MemberState

	commitIndex atomic.Uint64
	lastApplied uint64

	ctx    context.Context
	cancel context.CancelFunc

	recvChan <-chan raftpb.Message
	sendChan chan<- raftpb.Message

	propReqChan  chan proposalRequest
	propRespChan chan proposalResponse

	topoReqChan  chan topologyRequest
	topoRespChan chan error

	stepDownReqChan chan struct{}
	stepDownDone    chan struct{}

	snapshotReqChan chan snapshotInstallRequest

	heartbeatChan chan struct{}

	stateReqChan  chan stateReq
	stateRespChan chan Snapshot

	pendingProposals map[uint64]chan proposalResponse

	timer *timer

	stopChan chan struct{}
	doneChan chan struct{}

	events *eventBus

	logger *zap.Logger
	debug  bool
}

// Start begins the event loop and the transport. It must be called exactly
// once.
func (e *Engine) Start() error {
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.pendingProposals = map[uint64]chan proposalResponse{}
	if err := e.tr.Start(); err != nil {
		return err
	}
	e.role = newFollowerRole()
	e.role.onEnter(e)
	e.timer = newTimer(e.role.timeout(e))
	go e.run()
	return nil
}

// Stop terminates the event loop and the transport.
func (e *Engine) Stop() error {
	e.stopChan <- struct{}{}
	<-e.doneChan
	e.cancel()
	return e.tr.Stop()
}

// CommitIndex is the cross-thread-safe accessor for the committed index,
// cached in an atomic so callers outside the event loop (spec.md section 9)
// never block on it.
func (e *Engine) CommitIndex() uint64 { return e.commitIndex.Load() }

// State returns a point-in-time snapshot of engine state, safe to read from
// any goroutine.
func (e *Engine) State() Snapshot {
	respChan := make(chan Snapshot, 1)
	select {
	case e.stateReqChan <- stateReq{respChan: respChan}:
		return <-respChan
	case <-e.doneChan:
		return Snapshot{}
	}
}

// Propose submits data to be appended and applied once committed. It
// returns ErrNotLeading if this node is not currently the leader.
func (e *Engine) Propose(ctx context.Context, data []byte) (uint64, interface{}, error) {
	respChan := make(chan proposalResponse, 1)
	select {
	case e.propReqChan <- proposalRequest{data: data, respChan: respChan}:
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-e.doneChan:
		return 0, nil, fmt.Errorf("engine stopped")
	}
	select {
	case resp := <-respChan:
		return resp.index, resp.result, resp.err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// AddToCluster starts a joint-consensus membership change adding id.
func (e *Engine) AddToCluster(ctx context.Context, id uint64) error {
	return e.topologyChange(ctx, id, true)
}

// RemoveFromCluster starts a joint-consensus membership change removing id.
func (e *Engine) RemoveFromCluster(ctx context.Context, id uint64) error {
	return e.topologyChange(ctx, id, false)
}

func (e *Engine) topologyChange(ctx context.Context, id uint64, add bool) error {
	respChan := make(chan error, 1)
	select {
	case e.topoReqChan <- topologyRequest{id: id, add: add, respChan: respChan}:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.doneChan:
		return fmt.Errorf("engine stopped")
	}
	select {
	case err := <-respChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StepDown asks a leader to relinquish leadership once its term's commands
// have committed, handing off to the most up-to-date follower (spec.md
// section 4.D, steppingDown role). It only acts on a leader with more
// than one voting member; on any other node the request is ignored and
// StepDown returns only once ctx is done.
func (e *Engine) StepDown(ctx context.Context) error {
	select {
	case e.stepDownReqChan <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.doneChan:
		return fmt.Errorf("engine stopped")
	}
	select {
	case <-e.stepDownDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InstallSnapshot implements transport.SnapshotInstaller: called from a
// transport goroutine once an inbound snapshot transfer has fully landed,
// it funnels the result onto the event loop via snapshotReqChan. The
// engine must already be in the SnapshotInstallation role (entered on
// receipt of the InstallSnapshotRequest protocol message that preceded
// this RPC) or this call fails.
func (e *Engine) InstallSnapshot(leaderID, term, lastIncludedIndex, lastIncludedTerm uint64, topology *Topology, r io.Reader) error {
	respChan := make(chan error, 1)
	req := snapshotInstallRequest{
		leaderID:          leaderID,
		term:              term,
		lastIncludedIndex: lastIncludedIndex,
		lastIncludedTerm:  lastIncludedTerm,
		topology:          topology,
		reader:            r,
		respChan:          respChan,
	}
	select {
	case e.snapshotReqChan <- req:
	case <-e.doneChan:
		return fmt.Errorf("engine stopped")
	}
	return <-respChan
}

// run is the engine's single-threaded event loop, structurally identical to
// the teacher's protocolStateMachine.run() select statement but dispatching
// through the active Role instead of an inline switch.
func (e *Engine) run() {
	defer close(e.doneChan)
	for {
		select {
		case <-e.stopChan:
			e.role.onExit(e)
			return

		case <-e.timer.C:
			e.role.handleTimeout(e)
			e.timer.Reset(e.role.timeout(e))

		case msg := <-e.recvChan:
			if handleCommon(e, msg) {
				e.role.handleMessage(e, msg)
			}

		case propReq := <-e.propReqChan:
			e.handlePropose(propReq)

		case topoReq := <-e.topoReqChan:
			e.handleTopologyRequest(topoReq)

		case <-e.stepDownReqChan:
			e.handleStepDownRequest()

		case snapReq := <-e.snapshotReqChan:
			e.handleSnapshotInstallRequest(snapReq)

		case <-e.heartbeatChan:
			if lr, ok := e.role.(*leaderRole); ok {
				lr.replicateToAll(e)
			}

		case req := <-e.stateReqChan:
			req.respChan <- e.snapshot()
		}
	}
}

// transitionTo exits the current role and enters next, the generalized
// form of the teacher's becomeFollower/becomeCandidate/becomeLeader trio.
func (e *Engine) transitionTo(next Role) {
	if e.role != nil {
		e.role.onExit(e)
	}
	e.role = next
	e.events.fire(EventStateChanged, next.kind())
	next.onEnter(e)
	if e.timer != nil {
		e.timer.Reset(next.timeout(e))
	}
}

// fatal logs err and terminates the event loop; persistent store and
// serialization failures are unrecoverable per spec.md section 7.
func (e *Engine) fatal(err error) {
	if e.logger != nil {
		e.logger.Error("fatal engine error", zap.Error(err))
	}
	select {
	case e.stopChan <- struct{}{}:
	default:
	}
}

func (e *Engine) snapshot() Snapshot {
	lastIndex, lastTerm := uint64(0), uint64(0)
	if entry, ok, err := e.store.LastLogEntry(); err == nil && ok {
		lastIndex, lastTerm = entry.Index, entry.Term
	}
	term, _ := e.store.CurrentTerm()
	return Snapshot{
		ID:          e.id,
		Role:        e.role.kind(),
		Term:        term,
		Leader:      e.leader,
		CommitIndex: e.commitIndex.Load(),
		LastApplied: e.lastApplied,
		LastIndex:   lastIndex,
		LastTerm:    lastTerm,
	}
}

// applyCommitted applies every newly committed entry in order, advancing
// lastApplied and firing EventCommitApplied for each, then checks the
// compaction trigger from spec.md section 4.F.
func (e *Engine) applyCommitted(newCommitIndex uint64) {
	old := e.commitIndex.Load()
	if newCommitIndex <= old {
		return
	}
	entries, err := e.store.LogEntriesAfter(e.lastApplied, int(newCommitIndex-e.lastApplied))
	if err != nil {
		e.fatal(errPersistentStore(err))
		return
	}
	for _, entry := range entries {
		if entry.Index > newCommitIndex {
			break
		}
		switch {
		case entry.Flags.IsTopologyChange:
			next, err := decodeTopologyCommand(entry.Data)
			if err != nil {
				e.fatal(errSerialization(err))
				return
			}
			e.completeTopologyChange(next)
		case entry.Flags.IsNoOp:
			// no-op entries are never applied to the state machine.
		default:
			result, err := e.sm.Apply(entry.Index, entry.Data)
			if respChan, ok := e.pendingProposals[entry.Index]; ok {
				respChan <- proposalResponse{index: entry.Index, result: result, err: err}
				delete(e.pendingProposals, entry.Index)
			}
		}
		e.lastApplied = entry.Index
		e.events.fire(EventCommitApplied, entry.Index)
	}
	e.commitIndex.Store(newCommitIndex)
	e.events.fire(EventCommitIndexChanged, CommitIndexChange{Old: old, New: newCommitIndex})

	e.maybeStartSnapshot()
}

func (e *Engine) handlePropose(req proposalRequest) {
	lr, ok := e.role.(*leaderRole)
	if !ok {
		req.respChan <- proposalResponse{err: errNotLeading(e.leader)}
		return
	}
	term, err := e.store.CurrentTerm()
	if err != nil {
		e.fatal(errPersistentStore(err))
		return
	}
	index, err := e.store.AppendToLeaderLog(term, req.data, raftpb.EntryFlags{})
	if err != nil {
		e.fatal(errPersistentStore(err))
		return
	}
	e.pendingProposals[index] = req.respChan
	e.events.fire(EventEntriesAppended, index)
	lr.noteSelfAppend(e, index)
	lr.replicateToAll(e)
}

func (e *Engine) handleTopologyRequest(req topologyRequest) {
	lr, ok := e.role.(*leaderRole)
	if !ok {
		req.respChan <- errNotLeading(e.leader)
		return
	}
	req.respChan <- lr.beginTopologyChange(e, req.id, req.add)
}

func (e *Engine) handleStepDownRequest() {
	lr, ok := e.role.(*leaderRole)
	if !ok || e.currentTopology.QuorumSize() <= 1 {
		return
	}
	e.transitionTo(newSteppingDownRole(lr))
}

func (e *Engine) handleSnapshotInstallRequest(req snapshotInstallRequest) {
	sr, ok := e.role.(*snapshotInstallationRole)
	if !ok {
		req.respChan <- errInvalidOperation("no snapshot install in progress")
		return
	}
	req.respChan <- sr.apply(e, req)
}
