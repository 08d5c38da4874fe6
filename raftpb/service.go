package raftpb

import (
	"context"
	"io"

	"google.golang.org/grpc"
)

// SnapshotChunk is one frame of a streamed snapshot body.
type SnapshotChunk struct {
	Data []byte `protobuf:"bytes,1,opt,name=data,proto3" json:"data,omitempty"`
	Last bool   `protobuf:"varint,2,opt,name=last,proto3" json:"last,omitempty"`
}

func (c *SnapshotChunk) Reset()         { *c = SnapshotChunk{} }
func (c *SnapshotChunk) String() string { return "SnapshotChunk" }
func (c *SnapshotChunk) ProtoMessage()  {}

// RaftProtocolClient is the client API for the RaftProtocol service.
type RaftProtocolClient interface {
	Communicate(ctx context.Context, opts ...grpc.CallOption) (RaftProtocol_CommunicateClient, error)
	InstallSnapshot(ctx context.Context, opts ...grpc.CallOption) (RaftProtocol_InstallSnapshotClient, error)
}

type RaftProtocol_CommunicateClient interface {
	Send(*Message) error
	Recv() (*Message, error)
	grpc.ClientStream
}

type RaftProtocol_InstallSnapshotClient interface {
	Send(*SnapshotChunk) error
	CloseAndRecv() (*Message, error)
	grpc.ClientStream
}

type raftProtocolClient struct {
	cc grpc.ClientConnInterface
}

// NewRaftProtocolClient constructs a client stub for the RaftProtocol service.
func NewRaftProtocolClient(cc grpc.ClientConnInterface) RaftProtocolClient {
	return &raftProtocolClient{cc}
}

func (c *raftProtocolClient) Communicate(ctx context.Context, opts ...grpc.CallOption) (RaftProtocol_CommunicateClient, error) {
	stream, err := c.cc.NewStream(ctx, &_RaftProtocol_serviceDesc.Streams[0], "/raftpb.RaftProtocol/Communicate", opts...)
	if err != nil {
		return nil, err
	}
	return &raftProtocolCommunicateClient{stream}, nil
}

type raftProtocolCommunicateClient struct{ grpc.ClientStream }

func (x *raftProtocolCommunicateClient) Send(m *Message) error  { return x.ClientStream.SendMsg(m) }
func (x *raftProtocolCommunicateClient) Recv() (*Message, error) {
	m := new(Message)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *raftProtocolClient) InstallSnapshot(ctx context.Context, opts ...grpc.CallOption) (RaftProtocol_InstallSnapshotClient, error) {
	stream, err := c.cc.NewStream(ctx, &_RaftProtocol_serviceDesc.Streams[1], "/raftpb.RaftProtocol/InstallSnapshot", opts...)
	if err != nil {
		return nil, err
	}
	return &raftProtocolInstallSnapshotClient{stream}, nil
}

type raftProtocolInstallSnapshotClient struct{ grpc.ClientStream }

func (x *raftProtocolInstallSnapshotClient) Send(c *SnapshotChunk) error {
	return x.ClientStream.SendMsg(c)
}
func (x *raftProtocolInstallSnapshotClient) CloseAndRecv() (*Message, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(Message)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RaftProtocolServer is the server API for the RaftProtocol service.
type RaftProtocolServer interface {
	Communicate(RaftProtocol_CommunicateServer) error
	InstallSnapshot(RaftProtocol_InstallSnapshotServer) error
}

// UnimplementedRaftProtocolServer embeds in a server implementation to get
// forward-compatible zero-value method bodies, as protoc-gen-go-grpc emits.
type UnimplementedRaftProtocolServer struct{}

func (UnimplementedRaftProtocolServer) Communicate(RaftProtocol_CommunicateServer) error {
	return grpc.ErrServerStopped
}
func (UnimplementedRaftProtocolServer) InstallSnapshot(RaftProtocol_InstallSnapshotServer) error {
	return grpc.ErrServerStopped
}

type RaftProtocol_CommunicateServer interface {
	Send(*Message) error
	Recv() (*Message, error)
	grpc.ServerStream
}

type raftProtocolCommunicateServer struct{ grpc.ServerStream }

func (x *raftProtocolCommunicateServer) Send(m *Message) error { return x.ServerStream.SendMsg(m) }
func (x *raftProtocolCommunicateServer) Recv() (*Message, error) {
	m := new(Message)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type RaftProtocol_InstallSnapshotServer interface {
	SendAndClose(*Message) error
	Recv() (*SnapshotChunk, error)
	grpc.ServerStream
}

type raftProtocolInstallSnapshotServer struct{ grpc.ServerStream }

func (x *raftProtocolInstallSnapshotServer) SendAndClose(m *Message) error {
	return x.ServerStream.SendMsg(m)
}
func (x *raftProtocolInstallSnapshotServer) Recv() (*SnapshotChunk, error) {
	c := new(SnapshotChunk)
	if err := x.ServerStream.RecvMsg(c); err != nil {
		return nil, err
	}
	return c, nil
}

func _RaftProtocol_Communicate_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(RaftProtocolServer).Communicate(&raftProtocolCommunicateServer{stream})
}

func _RaftProtocol_InstallSnapshot_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(RaftProtocolServer).InstallSnapshot(&raftProtocolInstallSnapshotServer{stream})
}

// RegisterRaftProtocolServer registers srv on grpcServer.
func RegisterRaftProtocolServer(s grpc.ServiceRegistrar, srv RaftProtocolServer) {
	s.RegisterService(&_RaftProtocol_serviceDesc, srv)
}

var _RaftProtocol_serviceDesc = grpc.ServiceDesc{
	ServiceName: "raftpb.RaftProtocol",
	HandlerType: (*RaftProtocolServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Communicate",
			Handler:       _RaftProtocol_Communicate_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    "InstallSnapshot",
			Handler:       _RaftProtocol_InstallSnapshot_Handler,
			ClientStreams: true,
		},
	},
	Metadata: "raft.proto",
}

var _ io.Closer = (*grpc.ClientConn)(nil)
