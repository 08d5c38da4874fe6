package raft

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/mattbrennan97/raftkit/raftpb"
)

// inMemoryTestNetwork and inMemoryTestTransport are a minimal stand-in for
// testutil's Network/FakeTransport, used only by tests that need direct
// access to Engine's unexported fields (and so must stay in package raft,
// which testutil itself imports back — importing testutil here would be a
// compile-time cycle).
type inMemoryTestNetwork struct {
	mu         sync.Mutex
	transports map[uint64]*inMemoryTestTransport
}

func newInMemoryTestNetwork() *inMemoryTestNetwork {
	return &inMemoryTestNetwork{transports: map[uint64]*inMemoryTestTransport{}}
}

func (n *inMemoryTestNetwork) register(t *inMemoryTestTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transports[t.id] = t
}

func (n *inMemoryTestNetwork) deliver(msg raftpb.Message) {
	n.mu.Lock()
	dst, ok := n.transports[msg.To]
	n.mu.Unlock()
	if !ok {
		return
	}
	select {
	case dst.recvChan <- msg:
	default:
	}
}

type inMemoryTestTransport struct {
	id       uint64
	members  []uint64
	net      *inMemoryTestNetwork
	recvChan chan raftpb.Message
	sendChan chan raftpb.Message
	stopChan chan struct{}
}

func newNetworkedTestTransport(net *inMemoryTestNetwork, id uint64, members []uint64) *inMemoryTestTransport {
	t := &inMemoryTestTransport{
		id:       id,
		members:  members,
		net:      net,
		recvChan: make(chan raftpb.Message, 256),
		sendChan: make(chan raftpb.Message, 256),
		stopChan: make(chan struct{}),
	}
	net.register(t)
	return t
}

func (t *inMemoryTestTransport) Recv() <-chan raftpb.Message { return t.recvChan }
func (t *inMemoryTestTransport) Send() chan<- raftpb.Message { return t.sendChan }
func (t *inMemoryTestTransport) MemberIDs() []uint64         { return t.members }
func (t *inMemoryTestTransport) Start() error {
	go func() {
		for {
			select {
			case <-t.stopChan:
				return
			case msg := <-t.sendChan:
				t.net.deliver(msg)
			}
		}
	}()
	return nil
}
func (t *inMemoryTestTransport) Stop() error {
	close(t.stopChan)
	return nil
}

// inMemoryTestStore is a minimal in-memory PersistentStore used only by
// tests that need direct access to Engine's unexported fields (and so must
// stay in package raft, which the store package itself imports back for
// *Topology — importing the real store package here would be a compile-time
// cycle).
type inMemoryTestStore struct {
	currentTerm      uint64
	votedFor         uint64
	currentTopology  *Topology
	changingTopology *Topology
	commitedEntries  uint64
}

func (s *inMemoryTestStore) AppendToLeaderLog(term uint64, data []byte, flags raftpb.EntryFlags) (uint64, error) {
	return 0, nil
}
func (s *inMemoryTestStore) AppendToLog(entries []raftpb.LogEntry) error { return nil }
func (s *inMemoryTestStore) LastLogEntry() (raftpb.LogEntry, bool, error) {
	return raftpb.LogEntry{}, false, nil
}
func (s *inMemoryTestStore) TermFor(index uint64) (uint64, bool, error) { return 0, false, nil }
func (s *inMemoryTestStore) LogEntriesAfter(afterIndex uint64, limit int) ([]raftpb.LogEntry, error) {
	return nil, nil
}
func (s *inMemoryTestStore) LastTopologyChangeEntry() (raftpb.LogEntry, bool, error) {
	return raftpb.LogEntry{}, false, nil
}
func (s *inMemoryTestStore) CurrentTerm() (uint64, error) { return s.currentTerm, nil }
func (s *inMemoryTestStore) VotedFor() (uint64, error)    { return s.votedFor, nil }
func (s *inMemoryTestStore) IncrementTermAndVoteFor(self uint64) (uint64, error) {
	s.currentTerm++
	s.votedFor = self
	return s.currentTerm, nil
}
func (s *inMemoryTestStore) UpdateTermTo(term uint64) error {
	s.currentTerm = term
	s.votedFor = 0
	return nil
}
func (s *inMemoryTestStore) RecordVoteFor(term, candidate uint64) error {
	s.currentTerm = term
	s.votedFor = candidate
	return nil
}
func (s *inMemoryTestStore) GetCurrentTopology() (*Topology, error)  { return s.currentTopology, nil }
func (s *inMemoryTestStore) GetChangingTopology() (*Topology, error) { return s.changingTopology, nil }
func (s *inMemoryTestStore) SetCurrentTopology(topology, changing *Topology) error {
	s.currentTopology = topology
	s.changingTopology = changing
	return nil
}
func (s *inMemoryTestStore) MarkSnapshotFor(index, term, keepTrailing uint64) error { return nil }
func (s *inMemoryTestStore) CommitedEntriesCount(commitIndex uint64) (uint64, error) {
	return s.commitedEntries, nil
}
func (s *inMemoryTestStore) Close() error { return nil }

// newTestEngine builds an Engine the same way EngineConfig.Build does, but
// without starting its goroutine, so a role method can be called directly
// and deterministically from the test goroutine.
func newTestEngine(t *testing.T, id uint64, members ...uint64) *Engine {
	t.Helper()
	tr := newNetworkedTestTransport(newInMemoryTestNetwork(), id, members)
	return newTestEngineWithTransport(t, id, tr)
}

// newTestEngineWithTransport is like newTestEngine but lets the caller
// supply (and keep a reference to) the Transport, so a test can observe
// messages the engine sends without starting its event-loop goroutine.
func newTestEngineWithTransport(t *testing.T, id uint64, tr Transport) *Engine {
	t.Helper()
	st := &inMemoryTestStore{}

	cfg := NewEngineConfig(id, WithForceNewTopology(tr.MemberIDs()...))
	e, err := cfg.Build(st, tr, NewDictionaryStateMachine())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.role = newFollowerRole()
	t.Cleanup(e.cancel)
	return e
}

func TestSnapshotInstallationRejectsStaleSnapshot(t *testing.T) {
	e := newTestEngine(t, 1, 1, 2)
	e.lastApplied = 10

	sr := newSnapshotInstallationRole(2, 1, 5, 1)
	err := sr.apply(e, snapshotInstallRequest{
		leaderID:          2,
		term:              1,
		lastIncludedIndex: 5,
		lastIncludedTerm:  1,
		reader:            bytes.NewReader(nil),
		respChan:          make(chan error, 1),
	})
	if !errors.Is(err, ErrSnapshotTooOld) {
		t.Fatalf("apply() = %v, want ErrSnapshotTooOld (lastIncludedIndex=5 <= lastApplied=10)", err)
	}
}

func TestSnapshotInstallationAppliesAndTransitionsToFollower(t *testing.T) {
	e := newTestEngine(t, 1, 1, 2)
	e.lastApplied = 0
	e.role = newSnapshotInstallationRole(2, 3, 20, 2)

	body, err := json.Marshal(map[string]int{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	sr := e.role.(*snapshotInstallationRole)
	if err := sr.apply(e, snapshotInstallRequest{
		leaderID:          2,
		term:              3,
		lastIncludedIndex: 20,
		lastIncludedTerm:  2,
		reader:            bytes.NewReader(body),
		respChan:          make(chan error, 1),
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if e.lastApplied != 20 {
		t.Fatalf("lastApplied = %d, want 20", e.lastApplied)
	}
	if e.commitIndex.Load() != 20 {
		t.Fatalf("commitIndex = %d, want 20", e.commitIndex.Load())
	}
	if e.role.kind() != RoleFollower {
		t.Fatalf("role = %v, want RoleFollower after a successful snapshot install", e.role.kind())
	}

	got, ok := e.sm.(*DictionaryStateMachine).Get("a")
	if !ok || got != 1 {
		t.Fatalf("state machine did not absorb the installed snapshot: Get(a) = %d, %v", got, ok)
	}
}

func TestMaybeStartSnapshotSkipsWhenBelowThreshold(t *testing.T) {
	e := newTestEngine(t, 1, 1, 2)
	e.cfg.MaxLogLengthBeforeCompaction = 1 << 20

	before := snapshotCreationInFlight.Load()
	e.maybeStartSnapshot()
	if snapshotCreationInFlight.Load() != before {
		t.Fatal("maybeStartSnapshot started a snapshot task despite being far below the compaction threshold")
	}
}
