package raft

import (
	"context"
	"io"

	"github.com/mattbrennan97/raftkit/raftpb"
)

// Transport is the network boundary the engine talks through. It mirrors the
// teacher's channel-pair design (transport.go's recvChan/sendChan) rather
// than exposing per-call RPC methods, so the engine's event loop can select
// over it alongside its other channels.
type Transport interface {
	// Recv returns the channel the engine reads inbound messages from.
	Recv() <-chan raftpb.Message
	// Send returns the channel the engine writes outbound messages to.
	Send() chan<- raftpb.Message
	// MemberIDs returns the configured peer IDs, including self.
	MemberIDs() []uint64
	// Start begins serving and dialing peers.
	Start() error
	// Stop tears down the server and all peer connections.
	Stop() error
}

// PersistentStore is the durable-state contract an Engine drives (spec.md
// section 4.A, "Persistent state"). Implementations must make every
// mutating method crash-safe: a call either fully applies before
// returning, or the on-disk state is unaffected.
type PersistentStore interface {
	// AppendToLeaderLog appends a new entry authored by this node at the
	// given term, returning the index it was assigned.
	AppendToLeaderLog(term uint64, data []byte, flags raftpb.EntryFlags) (index uint64, err error)
	// AppendToLog appends or overwrites entries received from a leader,
	// starting at entries[0].Index. Any existing conflicting suffix is
	// truncated first.
	AppendToLog(entries []raftpb.LogEntry) error
	// LastLogEntry returns the most recent entry, or ok=false on an empty log.
	LastLogEntry() (entry raftpb.LogEntry, ok bool, err error)
	// TermFor returns the term of the entry at index, or ok=false if index
	// is before the log's first entry (e.g. compacted away) or beyond the end.
	TermFor(index uint64) (term uint64, ok bool, err error)
	// LogEntriesAfter returns up to limit entries strictly after afterIndex.
	LogEntriesAfter(afterIndex uint64, limit int) ([]raftpb.LogEntry, error)
	// LastTopologyChangeEntry returns the most recent entry flagged
	// IsTopologyChange, or ok=false if none exists.
	LastTopologyChangeEntry() (entry raftpb.LogEntry, ok bool, err error)

	// CurrentTerm returns the locally persisted term.
	CurrentTerm() (uint64, error)
	// VotedFor returns who this node voted for in CurrentTerm, or 0.
	VotedFor() (uint64, error)
	// IncrementTermAndVoteFor advances to the next term and records a vote
	// for self, atomically.
	IncrementTermAndVoteFor(self uint64) (newTerm uint64, err error)
	// UpdateTermTo advances the persisted term to term, clearing VotedFor.
	UpdateTermTo(term uint64) error
	// RecordVoteFor records a vote for candidate in the given term.
	RecordVoteFor(term, candidate uint64) error

	// GetCurrentTopology returns the last persisted topology, or nil if
	// none has ever been set.
	GetCurrentTopology() (*Topology, error)
	// SetCurrentTopology persists topology as current. changing, if
	// non-nil, is the in-flight joint-consensus topology; nil clears it.
	SetCurrentTopology(topology, changing *Topology) error
	// GetChangingTopology returns the in-flight joint-consensus topology,
	// or nil if no membership change is in progress.
	GetChangingTopology() (*Topology, error)

	// MarkSnapshotFor records that entries up to and including index have
	// been superseded by a snapshot, retaining only a trailing buffer of
	// keepTrailing entries for catch-up.
	MarkSnapshotFor(index, term, keepTrailing uint64) error
	// CommitedEntriesCount returns the number of entries at or below
	// commitIndex still retained in the log (i.e. not yet compacted away).
	CommitedEntriesCount(commitIndex uint64) (uint64, error)

	// Close releases the underlying storage handle.
	Close() error
}

// StateMachine is the deterministic, replicated application the engine
// drives commands into once they commit (spec.md section 5).
type StateMachine interface {
	// Apply applies the command encoded in data at the given log index. The
	// return value is delivered to the proposer when index is theirs.
	Apply(index uint64, data []byte) (result interface{}, err error)

	// SupportsSnapshots reports whether this state machine can produce and
	// consume snapshots. A state machine that returns false is never asked
	// to create or install one.
	SupportsSnapshots() bool
	// CreateSnapshot produces a self-contained point-in-time snapshot as of
	// lastApplied index/term. It runs on a background task, never on the
	// event-loop goroutine.
	CreateSnapshot(ctx context.Context, lastApplied uint64, term uint64) (io.Reader, error)
	// ApplySnapshot replaces the state machine's contents with the snapshot
	// read from r, taken at lastIncludedIndex/lastIncludedTerm.
	ApplySnapshot(r io.Reader, lastIncludedIndex, lastIncludedTerm uint64) error
}

// proposalRequest/proposalResponse carry client commands from Engine.Propose across
// the channel boundary into the event loop, mirroring the teacher's
// propReqChan/propRespChan pair (raft/protocol_state_machine.go).
type proposalRequest struct {
	data     []byte
	respChan chan proposalResponse
}

type proposalResponse struct {
	index  uint64
	term   uint64
	result interface{}
	err    error
}

// topologyRequest carries AddToCluster/RemoveFromCluster calls into the
// event loop.
type topologyRequest struct {
	id       uint64
	add      bool
	respChan chan error
}

// stateReq carries a State()/Snapshot() read into the event loop.
type stateReq struct {
	respChan chan Snapshot
}

// snapshotInstallRequest carries an inbound InstallSnapshot stream's chunks
// into the event loop once the transfer completes and is ready to be
// applied atomically against the log.
type snapshotInstallRequest struct {
	leaderID          uint64
	term              uint64
	lastIncludedIndex uint64
	lastIncludedTerm  uint64
	topology          *Topology
	reader            io.Reader
	respChan          chan error
}
