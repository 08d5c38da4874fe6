package raft

import (
	"encoding/json"

	"go.uber.org/zap/zapcore"
)

// Topology is an immutable voting member set. It is replaced wholesale
// rather than mutated, the way the teacher's MemberState map is always
// rebuilt into a fresh map before being handed across a channel boundary
// (raft/protocol_state_machine.go's membersReqChan handling).
type Topology struct {
	members map[uint64]struct{}
}

// NewTopology builds a Topology from a set of voting member IDs.
func NewTopology(ids ...uint64) *Topology {
	t := &Topology{members: make(map[uint64]struct{}, len(ids))}
	for _, id := range ids {
		t.members[id] = struct{}{}
	}
	return t
}

// Members returns the voting member IDs in no particular order.
func (t *Topology) Members() []uint64 {
	ids := make([]uint64, 0, len(t.members))
	for id := range t.members {
		ids = append(ids, id)
	}
	return ids
}

// Contains reports whether id is a voting member.
func (t *Topology) Contains(id uint64) bool {
	_, ok := t.members[id]
	return ok
}

// Len returns the number of voting members.
func (t *Topology) Len() int { return len(t.members) }

// QuorumSize is floor(|members|/2) + 1.
func (t *Topology) QuorumSize() int { return len(t.members)/2 + 1 }

// HasQuorum reports whether the given set of acknowledging IDs intersects
// this topology's voting set in at least QuorumSize members.
func (t *Topology) HasQuorum(acked map[uint64]struct{}) bool {
	count := 0
	for id := range t.members {
		if _, ok := acked[id]; ok {
			count++
		}
	}
	return count >= t.QuorumSize()
}

// CloneAndAdd returns a new Topology with id added to the voting set.
func (t *Topology) CloneAndAdd(id uint64) *Topology {
	next := NewTopology(t.Members()...)
	next.members[id] = struct{}{}
	return next
}

// CloneAndRemove returns a new Topology with id removed from the voting set.
func (t *Topology) CloneAndRemove(id uint64) *Topology {
	next := NewTopology(t.Members()...)
	delete(next.members, id)
	return next
}

// MarshalLogObject implements zapcore.ObjectMarshaler for structured logging.
func (t *Topology) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("quorumSize", t.QuorumSize())
	return enc.AddReflected("members", t.Members())
}

// ToPB converts to the wire representation carried on InstallSnapshotRequest.
func (t *Topology) ToPB() []uint64 { return t.Members() }

// TopologyFromPB rebuilds a Topology from its wire representation.
func TopologyFromPB(members []uint64) *Topology { return NewTopology(members...) }

// encodeTopologyCommand/decodeTopologyCommand (de)serialize the Topology
// carried in a topology-change log entry's Data field.
func encodeTopologyCommand(t *Topology) ([]byte, error) {
	return json.Marshal(t.Members())
}

func decodeTopologyCommand(data []byte) (*Topology, error) {
	var members []uint64
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, err
	}
	return NewTopology(members...), nil
}
