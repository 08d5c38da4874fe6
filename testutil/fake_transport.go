// Package testutil provides a deterministic in-memory raft.Transport for
// unit and property tests, adapted from the teacher's fake_transport.go
// idiom: peers are wired together in-process instead of over gRPC, with
// optional partitioning to simulate network splits.
package testutil

import (
	"context"
	"fmt"
	"io"
	"sync"

	raft "github.com/mattbrennan97/raftkit"
	"github.com/mattbrennan97/raftkit/raftpb"
)

// Network is a shared in-memory hub every FakeTransport in a test registers
// with. It owns message delivery and partition state.
type Network struct {
	mu         sync.Mutex
	transports map[uint64]*FakeTransport
	cut        map[[2]uint64]bool
}

// NewNetwork returns an empty Network.
func NewNetwork() *Network {
	return &Network{
		transports: map[uint64]*FakeTransport{},
		cut:        map[[2]uint64]bool{},
	}
}

// Partition prevents messages from flowing between a and b in either
// direction until Heal is called.
func (n *Network) Partition(a, b uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[[2]uint64{a, b}] = true
	n.cut[[2]uint64{b, a}] = true
}

// Heal reverses a prior Partition.
func (n *Network) Heal(a, b uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, [2]uint64{a, b})
	delete(n.cut, [2]uint64{b, a})
}

func (n *Network) blocked(a, b uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cut[[2]uint64{a, b}]
}

func (n *Network) register(t *FakeTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transports[t.id] = t
}

func (n *Network) deliver(msg raftpb.Message) {
	n.mu.Lock()
	dst, ok := n.transports[msg.To]
	n.mu.Unlock()
	if !ok || n.blocked(msg.From, msg.To) {
		return
	}
	select {
	case dst.recvChan <- msg:
	default:
	}
}

// FakeTransport implements raft.Transport and raft.SnapshotSender entirely
// in-memory via a shared Network.
type FakeTransport struct {
	id      uint64
	members []uint64
	net     *Network

	recvChan chan raftpb.Message
	sendChan chan raftpb.Message
	stopChan chan struct{}

	installer interface {
		InstallSnapshot(leaderID, term, lastIncludedIndex, lastIncludedTerm uint64, topology *raft.Topology, r io.Reader) error
	}
}

// New returns a FakeTransport for id, registered with net.
func New(net *Network, id uint64, members []uint64) *FakeTransport {
	t := &FakeTransport{
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

// SetSnapshotInstaller wires the engine-side snapshot application seam, the
// same seam transport.GRPCTransport uses.
func (t *FakeTransport) SetSnapshotInstaller(installer interface {
	InstallSnapshot(leaderID, term, lastIncludedIndex, lastIncludedTerm uint64, topology *raft.Topology, r io.Reader) error
}) {
	t.installer = installer
}

// Recv implements raft.Transport.
func (t *FakeTransport) Recv() <-chan raftpb.Message { return t.recvChan }

// Send implements raft.Transport.
func (t *FakeTransport) Send() chan<- raftpb.Message { return t.sendChan }

// MemberIDs implements raft.Transport.
func (t *FakeTransport) MemberIDs() []uint64 { return t.members }

// Start implements raft.Transport.
func (t *FakeTransport) Start() error {
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

// Stop implements raft.Transport.
func (t *FakeTransport) Stop() error {
	close(t.stopChan)
	return nil
}

// SendSnapshot implements raft.SnapshotSender by calling the destination's
// installer directly, in-process.
func (t *FakeTransport) SendSnapshot(ctx context.Context, peerID uint64, lastIncludedIndex, lastIncludedTerm uint64, topology *raft.Topology, r io.Reader) error {
	t.net.mu.Lock()
	dst, ok := t.net.transports[peerID]
	t.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such peer: %d", peerID)
	}
	if dst.installer == nil {
		return fmt.Errorf("peer %d has no snapshot installer configured", peerID)
	}
	return dst.installer.InstallSnapshot(t.id, 0, lastIncludedIndex, lastIncludedTerm, topology, r)
}
