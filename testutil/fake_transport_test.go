package testutil

import (
	"testing"
	"time"

	"github.com/mattbrennan97/raftkit/raftpb"
)

func TestFakeTransportDeliversMessages(t *testing.T) {
	net := NewNetwork()
	a := New(net, 1, []uint64{1, 2})
	b := New(net, 2, []uint64{1, 2})
	if err := a.Start(); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("b.Start: %v", err)
	}
	defer a.Stop()
	defer b.Stop()

	a.Send() <- raftpb.Message{Type: raftpb.MsgRequestVote, From: 1, To: 2, Term: 1}

	select {
	case msg := <-b.Recv():
		if msg.From != 1 || msg.Type != raftpb.MsgRequestVote {
			t.Fatalf("received unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message delivery")
	}
}

func TestFakeTransportPartitionBlocksDelivery(t *testing.T) {
	net := NewNetwork()
	a := New(net, 1, []uint64{1, 2})
	b := New(net, 2, []uint64{1, 2})
	if err := a.Start(); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("b.Start: %v", err)
	}
	defer a.Stop()
	defer b.Stop()

	net.Partition(1, 2)
	a.Send() <- raftpb.Message{Type: raftpb.MsgRequestVote, From: 1, To: 2, Term: 1}

	select {
	case msg := <-b.Recv():
		t.Fatalf("expected no delivery across a partition, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}

	net.Heal(1, 2)
	a.Send() <- raftpb.Message{Type: raftpb.MsgRequestVote, From: 1, To: 2, Term: 2}
	select {
	case msg := <-b.Recv():
		if msg.Term != 2 {
			t.Fatalf("received unexpected message after heal: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message delivery after Heal")
	}
}

func TestFakeTransportMemberIDs(t *testing.T) {
	net := NewNetwork()
	tr := New(net, 1, []uint64{1, 2, 3})
	got := tr.MemberIDs()
	if len(got) != 3 {
		t.Fatalf("MemberIDs() = %v, want 3 members", got)
	}
}
