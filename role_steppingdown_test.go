package raft

import (
	"testing"
	"time"

	"github.com/mattbrennan97/raftkit/raftpb"
)

func TestMostUpToDateFollowerPicksHighestMatch(t *testing.T) {
	members := map[uint64]*MemberState{
		1: {ID: 1, Match: 50},
		2: {ID: 2, Match: 90},
		3: {ID: 3, Match: 10},
	}
	got, ok := mostUpToDateFollower(members, 1)
	if !ok || got != 2 {
		t.Fatalf("mostUpToDateFollower = (%d, %v), want (2, true)", got, ok)
	}
}

func TestMostUpToDateFollowerWithNoOtherMembers(t *testing.T) {
	members := map[uint64]*MemberState{1: {ID: 1, Match: 50}}
	if _, ok := mostUpToDateFollower(members, 1); ok {
		t.Fatal("expected no candidate when the only member is self")
	}
}

func TestHandoffSendsTimeoutNowToBestFollowerAndStepsDown(t *testing.T) {
	net := newInMemoryTestNetwork()
	leaderTr := newNetworkedTestTransport(net, 1, []uint64{1, 2, 3})
	if err := leaderTr.Start(); err != nil {
		t.Fatalf("leaderTr.Start: %v", err)
	}
	t.Cleanup(leaderTr.Stop)
	bystander := newNetworkedTestTransport(net, 3, []uint64{1, 2, 3})
	if err := bystander.Start(); err != nil {
		t.Fatalf("bystander.Start: %v", err)
	}
	t.Cleanup(bystander.Stop)

	e := newTestEngineWithTransport(t, 1, leaderTr)
	e.members = map[uint64]*MemberState{
		1: {ID: 1},
		2: {ID: 2, Match: 5},
		3: {ID: 3, Match: 12},
	}

	lr := newLeaderRole()
	r := newSteppingDownRole(lr)
	r.handoff(e)

	select {
	case msg := <-bystander.Recv():
		if msg.Type != raftpb.MsgTimeoutNow || msg.To != 3 {
			t.Fatalf("unexpected handoff message: %+v, want TimeoutNow to member 3", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("handoff did not send a TimeoutNow message")
	}

	if e.role.kind() != RoleFollower {
		t.Fatalf("role = %v, want RoleFollower after handoff", e.role.kind())
	}
}

func TestSteppingDownOnEnterHandsOffWhenAlreadyCaughtUp(t *testing.T) {
	e := newTestEngine(t, 1, 1, 2)
	e.members = map[uint64]*MemberState{
		1: {ID: 1},
		2: {ID: 2, Match: 0},
	}
	// No log entries have ever been appended, so handoffIndex resolves to 0
	// and commitIndex (also 0) is already caught up: onEnter should hand off
	// immediately rather than wait for a timeout or message.
	lr := newLeaderRole()
	r := newSteppingDownRole(lr)
	e.role = r
	r.onEnter(e)

	if e.role.kind() != RoleFollower {
		t.Fatalf("role = %v, want RoleFollower: onEnter should hand off immediately when already caught up", e.role.kind())
	}
}
