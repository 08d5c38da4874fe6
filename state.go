package raft

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// RoleKind tags which Role behavior is currently active. The role logic
// itself lives behind the Role interface in role.go; RoleKind is the
// serializable/loggable tag for it, the way the teacher's Role type tagged
// protocolStateMachine.state.Role.
type RoleKind uint8

const (
	RoleFollower RoleKind = iota
	RoleCandidate
	RoleLeader
	RoleSnapshotInstallation
	RoleSteppingDown
)

func (r RoleKind) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	case RoleSnapshotInstallation:
		return "snapshotInstallation"
	case RoleSteppingDown:
		return "steppingDown"
	default:
		panic(fmt.Sprintf("unrecognized role: %d", r))
	}
}

// MarshalJSON implements json.Marshaler for RoleKind.
func (r RoleKind) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`"%s"`, r.String())), nil
}

// UnmarshalJSON implements json.Unmarshaler for RoleKind.
func (r *RoleKind) UnmarshalJSON(b []byte) error {
	var j string
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	switch strings.ToLower(j) {
	case "follower":
		*r = RoleFollower
	case "candidate":
		*r = RoleCandidate
	case "leader":
		*r = RoleLeader
	case "snapshotinstallation":
		*r = RoleSnapshotInstallation
	case "steppingdown":
		*r = RoleSteppingDown
	default:
		return fmt.Errorf("unrecognized role: %s", j)
	}
	return nil
}

// MemberState is a leader's per-peer volatile replication bookkeeping
// (spec.md section 3, "Volatile leader state").
type MemberState struct {
	ID uint64
	// Next is the next log index to send to this peer.
	Next uint64
	// Match is the highest index known replicated to this peer.
	Match uint64
	// VoteGranted is not set by the engine; candidateRole tracks granted
	// votes in its own votes set.
	VoteGranted bool
	// SnapshotPending is not set by the engine; leaderRole tracks in-flight
	// snapshot sends in its own snapshotsPendingInstallation set.
	SnapshotPending bool
}

// MarshalLogObject implements zapcore.ObjectMarshaler for MemberState.
func (m MemberState) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("id", m.ID)
	enc.AddUint64("next", m.Next)
	enc.AddUint64("match", m.Match)
	enc.AddBool("voteGranted", m.VoteGranted)
	enc.AddBool("snapshotPending", m.SnapshotPending)
	return nil
}

// Snapshot is a point-in-time, copy-safe read of engine state for callers
// outside the event-loop goroutine (spec.md section 9's "atomic snapshot").
type Snapshot struct {
	ID          uint64
	Role        RoleKind
	Term        uint64
	Leader      uint64
	CommitIndex uint64
	LastApplied uint64
	LastIndex   uint64
	LastTerm    uint64
}

// MarshalLogObject implements zapcore.ObjectMarshaler for Snapshot.
func (s Snapshot) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("id", s.ID)
	enc.AddString("role", s.Role.String())
	enc.AddUint64("term", s.Term)
	enc.AddUint64("leader", s.Leader)
	enc.AddUint64("commitIndex", s.CommitIndex)
	enc.AddUint64("lastApplied", s.LastApplied)
	enc.AddUint64("lastIndex", s.LastIndex)
	enc.AddUint64("lastTerm", s.LastTerm)
	return nil
}
