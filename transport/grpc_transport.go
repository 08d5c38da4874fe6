// Package transport provides a gRPC realization of raft.Transport, adapted
// from the teacher's bidi-stream peerClient/sendLoop design.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	raft "github.com/mattbrennan97/raftkit"
	"github.com/mattbrennan97/raftkit/raftpb"

	multierror "github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// snapshotHeader is JSON-encoded into the first SnapshotChunk of an
// InstallSnapshot stream, ahead of the raw snapshot body bytes.
type snapshotHeader struct {
	LeaderID          uint64   `json:"leaderId"`
	Term              uint64   `json:"term"`
	LastIncludedIndex uint64   `json:"lastIncludedIndex"`
	LastIncludedTerm  uint64   `json:"lastIncludedTerm"`
	Topology          []uint64 `json:"topology,omitempty"`
}

// SnapshotInstaller receives an inbound snapshot transfer and funnels it to
// the engine for application. Engine satisfies this by constructing a
// snapshotInstallRequest internally; GRPCTransport depends only on this
// narrow seam so it does not need to import the engine's internal types.
type SnapshotInstaller interface {
	InstallSnapshot(leaderID, term, lastIncludedIndex, lastIncludedTerm uint64, topology *raft.Topology, r io.Reader) error
}

// peerClient is one outbound connection to a peer, reconnected in the
// background on failure. Mirrors the teacher's peerClient (transport.go).
type peerClient struct {
	sync.Mutex
	id      uint64
	addr    string
	client  raftpb.RaftProtocolClient
	stream  raftpb.RaftProtocol_CommunicateClient
	connCloser func() error
	closed  bool
}

// GRPCTransport implements raft.Transport and raft.SnapshotSender over gRPC.
type GRPCTransport struct {
	raftpb.UnimplementedRaftProtocolServer

	id    uint64
	addrs map[uint64]string

	dialTimeout    time.Duration
	reconnectDelay time.Duration
	serverOptions  []grpc.ServerOption
	dialOptions    []grpc.DialOption
	callOptions    []grpc.CallOption

	lis    net.Listener
	server *grpc.Server

	peersMu sync.RWMutex
	peers   map[uint64]*peerClient

	recvChan chan raftpb.Message
	sendChan chan raftpb.Message
	stopChan chan struct{}

	installer SnapshotInstaller

	logger *zap.Logger
	debug  bool
}

// Config holds the construction parameters for a GRPCTransport, played the
// role of TransportConfig.Build in the teacher but kept outside package
// raft to avoid a dependency cycle (raft.EngineConfig.Build takes a
// raft.Transport interface value, built by calling New here first).
type Config struct {
	ID             uint64
	Addresses      map[uint64]string
	MsgBufferSize  int
	DialTimeout    time.Duration
	ReconnectDelay time.Duration
	ServerOptions  []grpc.ServerOption
	DialOptions    []grpc.DialOption
	CallOptions    []grpc.CallOption
	Logger         *zap.Logger
	Debug          bool
}

// New constructs a GRPCTransport from cfg. Call SetSnapshotInstaller before
// Start if InstallSnapshot RPCs need to be served.
func New(cfg Config) (*GRPCTransport, error) {
	if _, ok := cfg.Addresses[cfg.ID]; !ok {
		return nil, fmt.Errorf("%d is not a key into cfg.Addresses", cfg.ID)
	}
	bufSize := cfg.MsgBufferSize
	if bufSize <= 0 {
		bufSize = 30
	}
	t := &GRPCTransport{
		id:             cfg.ID,
		addrs:          cfg.Addresses,
		dialTimeout:    cfg.DialTimeout,
		reconnectDelay: cfg.ReconnectDelay,
		serverOptions:  cfg.ServerOptions,
		dialOptions:    cfg.DialOptions,
		callOptions:    cfg.CallOptions,
		peers:          map[uint64]*peerClient{},
		recvChan:       make(chan raftpb.Message, bufSize),
		sendChan:       make(chan raftpb.Message, bufSize),
		stopChan:       make(chan struct{}, 2),
		logger:         cfg.Logger,
		debug:          cfg.Debug,
	}
	return t, nil
}

// SetSnapshotInstaller wires the engine-side snapshot application seam.
// Must be called before Start.
func (t *GRPCTransport) SetSnapshotInstaller(installer SnapshotInstaller) {
	t.installer = installer
}

// Recv implements raft.Transport.
func (t *GRPCTransport) Recv() <-chan raftpb.Message { return t.recvChan }

// Send implements raft.Transport.
func (t *GRPCTransport) Send() chan<- raftpb.Message { return t.sendChan }

// MemberIDs implements raft.Transport.
func (t *GRPCTransport) MemberIDs() []uint64 {
	ids := make([]uint64, 0, len(t.addrs))
	for id := range t.addrs {
		ids = append(ids, id)
	}
	return ids
}

// Communicate implements raftpb.RaftProtocolServer: it loops receiving
// inbound messages and forwarding them to the engine's recv channel.
func (t *GRPCTransport) Communicate(stream raftpb.RaftProtocol_CommunicateServer) error {
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if msg.From == 0 || msg.To == 0 || msg.From == msg.To {
			return fmt.Errorf("received message with bogus sender/recipient: %v", msg)
		}
		select {
		case <-t.stopChan:
			return nil
		case t.recvChan <- *msg:
		default:
			if t.logger != nil {
				t.logger.Warn("dropped received message, recv buffer full", zap.Uint64("from", msg.From))
			}
		}
	}
}

// InstallSnapshot implements raftpb.RaftProtocolServer: the first chunk
// carries a JSON snapshotHeader, every subsequent chunk is raw snapshot
// body bytes piped to the installer via an io.Pipe.
func (t *GRPCTransport) InstallSnapshot(stream raftpb.RaftProtocol_InstallSnapshotServer) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	var hdr snapshotHeader
	if err := json.Unmarshal(first.Data, &hdr); err != nil {
		return fmt.Errorf("decode snapshot header: %w", err)
	}

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		var topology *raft.Topology
		if len(hdr.Topology) > 0 {
			topology = raft.NewTopology(hdr.Topology...)
		}
		if t.installer == nil {
			done <- fmt.Errorf("no snapshot installer configured")
			return
		}
		done <- t.installer.InstallSnapshot(hdr.LeaderID, hdr.Term, hdr.LastIncludedIndex, hdr.LastIncludedTerm, topology, pr)
	}()

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			pw.CloseWithError(err)
			return err
		}
		if _, err := pw.Write(chunk.Data); err != nil {
			return err
		}
		if chunk.Last {
			break
		}
	}
	pw.Close()

	if err := <-done; err != nil {
		return err
	}
	return stream.SendAndClose(&raftpb.Message{
		Type:    raftpb.MsgInstallSnapshotResponse,
		Term:    hdr.Term,
		From:    t.id,
		To:      hdr.LeaderID,
		Success: true,
		Index:   hdr.LastIncludedIndex,
	})
}

// SendSnapshot implements raft.SnapshotSender: it streams r to peerID as a
// sequence of chunked SnapshotChunk frames preceded by a JSON header frame.
func (t *GRPCTransport) SendSnapshot(ctx context.Context, peerID uint64, lastIncludedIndex, lastIncludedTerm uint64, topology *raft.Topology, r io.Reader) error {
	pc := t.peer(peerID)
	if pc == nil {
		return fmt.Errorf("no connection to peer %d", peerID)
	}
	stream, err := pc.client.InstallSnapshot(ctx, t.callOptions...)
	if err != nil {
		return err
	}

	hdr := snapshotHeader{LeaderID: t.id, LastIncludedIndex: lastIncludedIndex, LastIncludedTerm: lastIncludedTerm}
	if topology != nil {
		hdr.Topology = topology.Members()
	}
	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return err
	}
	if err := stream.Send(&raftpb.SnapshotChunk{Data: hdrBytes}); err != nil {
		return err
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if sendErr := stream.Send(&raftpb.SnapshotChunk{Data: append([]byte(nil), buf[:n]...)}); sendErr != nil {
				return sendErr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if err := stream.Send(&raftpb.SnapshotChunk{Last: true}); err != nil {
		return err
	}
	_, err = stream.CloseAndRecv()
	return err
}

func (t *GRPCTransport) peer(id uint64) *peerClient {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	return t.peers[id]
}

// sendLoop drains sendChan onto the right peer's bidi stream, matching the
// teacher's transport.sendLoop.
func (t *GRPCTransport) sendLoop() {
	for {
		select {
		case <-t.stopChan:
			return
		case msg := <-t.sendChan:
			pc := t.peer(msg.To)
			if pc == nil {
				continue
			}
			pc.Lock()
			if pc.closed {
				pc.Unlock()
				continue
			}
			err := pc.stream.Send(&msg)
			pc.Unlock()
			if err == io.EOF {
				t.reconnectAsync(pc)
			}
		}
	}
}

func (t *GRPCTransport) reconnectAsync(pc *peerClient) {
	pc.Lock()
	if pc.closed {
		pc.Unlock()
		return
	}
	pc.closed = true
	if pc.connCloser != nil {
		pc.connCloser()
	}
	pc.Unlock()
	go t.connectUntilSuccess(pc)
}

func (t *GRPCTransport) connectUntilSuccess(pc *peerClient) {
	addr := t.addrs[pc.id]
	for {
		select {
		case <-t.stopChan:
			return
		case <-time.After(t.reconnectDelay):
		}

		dialAddr := addr
		if tokens := strings.SplitN(addr, "://", 2); len(tokens) == 2 {
			dialAddr = tokens[1]
		}
		ctx, cancel := context.WithTimeout(context.Background(), t.dialTimeout)
		conn, err := grpc.DialContext(ctx, dialAddr, t.dialOptions...)
		cancel()
		if err != nil {
			if t.logger != nil {
				t.logger.Error("failed to connect to peer", zap.Uint64("peer", pc.id), zap.Error(err))
			}
			continue
		}
		client := raftpb.NewRaftProtocolClient(conn)
		stream, err := client.Communicate(context.Background(), t.callOptions...)
		if err != nil {
			conn.Close()
			continue
		}
		pc.Lock()
		pc.client = client
		pc.stream = stream
		pc.connCloser = conn.Close
		pc.closed = false
		pc.Unlock()
		return
	}
}

// Start implements raft.Transport: serves the gRPC listener and connects to
// every configured peer.
func (t *GRPCTransport) Start() error {
	tokens := strings.SplitN(t.addrs[t.id], "://", 2)
	network, addr := "tcp", t.addrs[t.id]
	if len(tokens) == 2 {
		network, addr = tokens[0], tokens[1]
	}
	lis, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	t.lis = lis
	t.server = grpc.NewServer(t.serverOptions...)
	raftpb.RegisterRaftProtocolServer(t.server, t)
	go t.server.Serve(t.lis)

	t.peersMu.Lock()
	for id, addr := range t.addrs {
		if id == t.id {
			continue
		}
		pc := &peerClient{id: id, addr: addr, closed: true}
		t.peers[id] = pc
		go t.connectUntilSuccess(pc)
	}
	t.peersMu.Unlock()

	go t.sendLoop()
	return nil
}

// Stop implements raft.Transport: tears down the server and every peer
// connection, aggregating close errors via multierror.
func (t *GRPCTransport) Stop() error {
	close(t.stopChan)
	t.server.Stop()

	var result *multierror.Error
	if err := t.lis.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	t.peersMu.RLock()
	for _, pc := range t.peers {
		pc.Lock()
		if !pc.closed && pc.connCloser != nil {
			if err := pc.connCloser(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		pc.Unlock()
	}
	t.peersMu.RUnlock()
	return result.ErrorOrNil()
}
