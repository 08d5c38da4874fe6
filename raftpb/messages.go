// Package raftpb defines the wire messages exchanged between Raft peers and
// the log entries persisted to the durable store. Types follow the
// struct-tag/reflection marshaling convention of github.com/gogo/protobuf:
// no protoc step is required, but the types remain wire-compatible with a
// generated .pb.go for the equivalent .proto definition reproduced in
// raft.proto.
package raftpb

import "fmt"

// MessageType identifies the kind of a Message.
type MessageType int32

const (
	MsgRequestVote MessageType = iota
	MsgRequestVoteResponse
	MsgAppendEntries
	MsgAppendEntriesResponse
	MsgCanInstallSnapshotRequest
	MsgCanInstallSnapshotResponse
	MsgInstallSnapshotRequest
	MsgInstallSnapshotResponse
	MsgTimeoutNow
)

func (t MessageType) String() string {
	switch t {
	case MsgRequestVote:
		return "RequestVote"
	case MsgRequestVoteResponse:
		return "RequestVoteResponse"
	case MsgAppendEntries:
		return "AppendEntries"
	case MsgAppendEntriesResponse:
		return "AppendEntriesResponse"
	case MsgCanInstallSnapshotRequest:
		return "CanInstallSnapshotRequest"
	case MsgCanInstallSnapshotResponse:
		return "CanInstallSnapshotResponse"
	case MsgInstallSnapshotRequest:
		return "InstallSnapshotRequest"
	case MsgInstallSnapshotResponse:
		return "InstallSnapshotResponse"
	case MsgTimeoutNow:
		return "TimeoutNow"
	default:
		return fmt.Sprintf("MessageType(%d)", int32(t))
	}
}

// EntryFlags carries the out-of-band markers a LogEntry needs for internal
// (non-application) commands.
type EntryFlags struct {
	IsTopologyChange bool `protobuf:"varint,1,opt,name=is_topology_change,proto3" json:"is_topology_change,omitempty"`
	IsNoOp           bool `protobuf:"varint,2,opt,name=is_no_op,proto3" json:"is_no_op,omitempty"`
}

func (f *EntryFlags) Reset()         { *f = EntryFlags{} }
func (f *EntryFlags) String() string { return fmt.Sprintf("%+v", *f) }
func (f *EntryFlags) ProtoMessage()  {}

// LogEntry is the unit of replication. Index is 1-based and dense within the
// portion of the log that has not yet been compacted away by a snapshot.
type LogEntry struct {
	Index uint64     `protobuf:"varint,1,opt,name=index,proto3" json:"index,omitempty"`
	Term  uint64     `protobuf:"varint,2,opt,name=term,proto3" json:"term,omitempty"`
	Data  []byte     `protobuf:"bytes,3,opt,name=data,proto3" json:"data,omitempty"`
	Flags EntryFlags `protobuf:"bytes,4,opt,name=flags,proto3" json:"flags"`
}

func (e *LogEntry) Reset()         { *e = LogEntry{} }
func (e *LogEntry) String() string { return fmt.Sprintf("LogEntry{index:%d term:%d}", e.Index, e.Term) }
func (e *LogEntry) ProtoMessage()  {}

// Topology is the wire form of a voting member set, carried inside
// InstallSnapshotRequest and persisted inside store metadata.
type Topology struct {
	Members []uint64 `protobuf:"varint,1,rep,packed,name=members,proto3" json:"members,omitempty"`
}

func (t *Topology) Reset()         { *t = Topology{} }
func (t *Topology) String() string { return fmt.Sprintf("%v", t.Members) }
func (t *Topology) ProtoMessage()  {}

// Message is the flat envelope for every Raft protocol message. Only the
// fields relevant to Type are meaningful; this mirrors the single
// raftpb.Message shape used by the teacher transport instead of a oneof per
// message kind, which keeps the gRPC service surface to one RPC plus one
// snapshot streaming RPC.
type Message struct {
	Type MessageType `protobuf:"varint,1,opt,name=type,proto3,enum=raftpb.MessageType" json:"type,omitempty"`
	Term uint64      `protobuf:"varint,2,opt,name=term,proto3" json:"term,omitempty"`
	From uint64      `protobuf:"varint,3,opt,name=from,proto3" json:"from,omitempty"`
	To   uint64      `protobuf:"varint,4,opt,name=to,proto3" json:"to,omitempty"`

	// RequestVote / RequestVoteResponse
	CandidateID  uint64 `protobuf:"varint,5,opt,name=candidate_id,proto3" json:"candidate_id,omitempty"`
	LastLogIndex uint64 `protobuf:"varint,6,opt,name=last_log_index,proto3" json:"last_log_index,omitempty"`
	LastLogTerm  uint64 `protobuf:"varint,7,opt,name=last_log_term,proto3" json:"last_log_term,omitempty"`
	VoteGranted  bool   `protobuf:"varint,8,opt,name=vote_granted,proto3" json:"vote_granted,omitempty"`

	// AppendEntries / AppendEntriesResponse
	LeaderID     uint64     `protobuf:"varint,9,opt,name=leader_id,proto3" json:"leader_id,omitempty"`
	PrevLogIndex uint64     `protobuf:"varint,10,opt,name=prev_log_index,proto3" json:"prev_log_index,omitempty"`
	PrevLogTerm  uint64     `protobuf:"varint,11,opt,name=prev_log_term,proto3" json:"prev_log_term,omitempty"`
	LeaderCommit uint64     `protobuf:"varint,12,opt,name=leader_commit,proto3" json:"leader_commit,omitempty"`
	Entries      []LogEntry `protobuf:"bytes,13,rep,name=entries,proto3" json:"entries,omitempty"`
	Success      bool       `protobuf:"varint,14,opt,name=success,proto3" json:"success,omitempty"`

	// CanInstallSnapshot{Request,Response} / InstallSnapshot{Request,Response}
	Index                 uint64    `protobuf:"varint,15,opt,name=index,proto3" json:"index,omitempty"`
	LastIncludedIndex     uint64    `protobuf:"varint,16,opt,name=last_included_index,proto3" json:"last_included_index,omitempty"`
	LastIncludedTerm      uint64    `protobuf:"varint,17,opt,name=last_included_term,proto3" json:"last_included_term,omitempty"`
	Topology              *Topology `protobuf:"bytes,18,opt,name=topology,proto3" json:"topology,omitempty"`
	IsCurrentlyInstalling bool      `protobuf:"varint,19,opt,name=is_currently_installing,proto3" json:"is_currently_installing,omitempty"`

	// Diagnostic free-text carried by a handful of response types.
	Message string `protobuf:"bytes,20,opt,name=message,proto3" json:"message,omitempty"`
}

func (m *Message) Reset()         { *m = Message{} }
func (m *Message) ProtoMessage()  {}
func (m *Message) String() string {
	return fmt.Sprintf("Message{type:%s term:%d from:%d to:%d}", m.Type, m.Term, m.From, m.To)
}
