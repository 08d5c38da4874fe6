package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	raft "github.com/mattbrennan97/raftkit"
	"github.com/mattbrennan97/raftkit/raftpb"
)

// unixAddr returns a deterministic unix-socket address for id under dir, the
// same trick the teacher's raft/transport_test.go uses to avoid flaky TCP
// port allocation in tests.
func unixAddr(dir string, id uint64) string {
	return fmt.Sprintf("unix://%s", filepath.Join(dir, fmt.Sprintf("node-%d.sock", id)))
}

func newTestPair(t *testing.T) (*GRPCTransport, *GRPCTransport) {
	t.Helper()
	dir := t.TempDir()
	addrs := map[uint64]string{
		1: unixAddr(dir, 1),
		2: unixAddr(dir, 2),
	}

	a, err := New(Config{ID: 1, Addresses: addrs, MsgBufferSize: 16, DialTimeout: time.Second, ReconnectDelay: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New(1): %v", err)
	}
	b, err := New(Config{ID: 2, Addresses: addrs, MsgBufferSize: 16, DialTimeout: time.Second, ReconnectDelay: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New(2): %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("b.Start: %v", err)
	}
	t.Cleanup(func() { a.Stop(); b.Stop() })
	return a, b
}

// peerConnected reports whether t's peer connection to id has an active
// stream, locking the peerClient the same way sendLoop does.
func peerConnected(t *GRPCTransport, id uint64) bool {
	pc := t.peer(id)
	if pc == nil {
		return false
	}
	pc.Lock()
	defer pc.Unlock()
	return !pc.closed && pc.stream != nil
}

func TestNewRejectsUnknownSelfID(t *testing.T) {
	_, err := New(Config{ID: 99, Addresses: map[uint64]string{1: "unix:///tmp/x.sock"}})
	if err == nil {
		t.Fatal("expected New to reject a Config whose ID is not a key of Addresses")
	}
}

func TestGRPCTransportSendReceive(t *testing.T) {
	a, b := newTestPair(t)

	// Give connectUntilSuccess time to dial and register the bidi stream.
	deadline := time.Now().Add(2 * time.Second)
	for !peerConnected(a, 2) {
		if time.Now().After(deadline) {
			t.Fatal("peer connection never established")
		}
		time.Sleep(10 * time.Millisecond)
	}

	a.Send() <- raftpb.Message{Type: raftpb.MsgRequestVote, From: 1, To: 2, Term: 1}

	select {
	case msg := <-b.Recv():
		if msg.From != 1 || msg.Term != 1 {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message delivery over gRPC")
	}
}

type recordingInstaller struct {
	calls chan installCall
}

type installCall struct {
	leaderID, term, lastIncludedIndex, lastIncludedTerm uint64
	topology                                            *raft.Topology
	body                                                []byte
}

func (r *recordingInstaller) InstallSnapshot(leaderID, term, lastIncludedIndex, lastIncludedTerm uint64, topology *raft.Topology, rd io.Reader) error {
	body, err := io.ReadAll(rd)
	if err != nil {
		return err
	}
	r.calls <- installCall{leaderID, term, lastIncludedIndex, lastIncludedTerm, topology, body}
	return nil
}

func TestGRPCTransportSendSnapshot(t *testing.T) {
	a, b := newTestPair(t)

	installer := &recordingInstaller{calls: make(chan installCall, 1)}
	b.SetSnapshotInstaller(installer)

	deadline := time.Now().Add(2 * time.Second)
	for !peerConnected(a, 2) {
		if time.Now().After(deadline) {
			t.Fatal("peer connection never established")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	body := []byte(`{"k":1}`)
	topology := raft.NewTopology(1, 2, 3)
	if err := a.SendSnapshot(ctx, 2, 10, 3, topology, bytes.NewReader(body)); err != nil {
		t.Fatalf("SendSnapshot: %v", err)
	}

	select {
	case call := <-installer.calls:
		if call.leaderID != 1 || call.lastIncludedIndex != 10 || call.lastIncludedTerm != 3 {
			t.Fatalf("unexpected install call: %+v", call)
		}
		if string(call.body) != string(body) {
			t.Fatalf("body = %q, want %q", call.body, body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for InstallSnapshot to be delivered")
	}
}
