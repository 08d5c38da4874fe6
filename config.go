package raft

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

/*************************************************************************************************/

// EngineConfig configures the Raft engine of a single node (spec.md section 6,
// "Configuration options"). It plays the role the teacher's ProtocolConfig
// played for its protocolStateMachine: a verified, buildable template that
// produces an Engine wired to a Transport and a PersistentStore.
type EngineConfig struct {
	// ID of the Raft node.
	ID uint64

	// ElectionTimeout is the base election timeout; actual draws follow the
	// per-role rules in the Role implementations.
	ElectionTimeout time.Duration

	// HeartbeatTimeout is the leader heartbeat period budget. The effective
	// period is min(HeartbeatTimeout, ElectionTimeout/6, 250ms).
	HeartbeatTimeout time.Duration

	// MaxEntriesPerRequest caps the number of log entries sent per
	// AppendEntries request.
	MaxEntriesPerRequest int

	// MaxLogLengthBeforeCompaction is the committed-entries threshold that
	// triggers a background snapshot.
	MaxLogLengthBeforeCompaction uint64

	// ForceNewTopology, if true, seeds the initial topology from
	// AllVotingNodes rather than from the persisted topology. Used to
	// bootstrap a brand new cluster.
	ForceNewTopology bool

	// AllVotingNodes is the bootstrap voting set, used only when
	// ForceNewTopology is true or no topology has ever been persisted.
	AllVotingNodes []uint64

	// Logger, if provided, will be used to log events.
	Logger *zap.Logger

	// Debug, if true, will log events at the DEBUG verbosity/granularity.
	Debug bool
}

// Verify verifies that the configuration is correct.
func (c *EngineConfig) Verify() error {
	if c.ID == 0 {
		return fmt.Errorf("ID must be specified and not zero")
	}
	if c.ElectionTimeout <= 0 {
		return fmt.Errorf("ElectionTimeout must be greater than 0")
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("HeartbeatTimeout must be greater than 0")
	}
	if c.MaxEntriesPerRequest <= 0 {
		return fmt.Errorf("MaxEntriesPerRequest must be greater than 0")
	}
	if c.MaxLogLengthBeforeCompaction == 0 {
		return fmt.Errorf("MaxLogLengthBeforeCompaction must be greater than 0")
	}
	if c.ForceNewTopology && len(c.AllVotingNodes) == 0 {
		return fmt.Errorf("AllVotingNodes must be non-empty when ForceNewTopology is set")
	}
	return nil
}

// heartbeatInterval is the effective heartbeat period per spec.md section 3:
// min(HeartbeatTimeout, ElectionTimeout/6, 250ms).
func (c *EngineConfig) heartbeatInterval() time.Duration {
	d := c.HeartbeatTimeout
	if e := c.ElectionTimeout / 6; e < d {
		d = e
	}
	if cap := 250 * time.Millisecond; cap < d {
		d = cap
	}
	return d
}

// Build builds an Engine from configuration, wiring it to store and tr.
func (c *EngineConfig) Build(store PersistentStore, tr Transport, sm StateMachine) (*Engine, error) {
	if err := c.Verify(); err != nil {
		return nil, err
	}

	topology, err := store.GetCurrentTopology()
	if err != nil {
		return nil, errPersistentStore(err)
	}
	if topology == nil || c.ForceNewTopology {
		topology = NewTopology(c.AllVotingNodes...)
		if err := store.SetCurrentTopology(topology, nil); err != nil {
			return nil, errPersistentStore(err)
		}
	}

	members := map[uint64]*MemberState{}
	for _, id := range topology.Members() {
		members[id] = &MemberState{ID: id}
	}

	e := &Engine{
		id:    c.ID,
		store: store,
		tr:    tr,
		sm:    sm,

		cfg: *c,

		currentTopology: topology,
		members:         members,

		recvChan: tr.Recv(),
		sendChan: tr.Send(),

		propReqChan:  make(chan proposalRequest),
		propRespChan: make(chan proposalResponse, 1),

		topoReqChan:  make(chan topologyRequest),
		topoRespChan: make(chan error, 1),

		stepDownReqChan: make(chan struct{}),
		stepDownDone:    make(chan struct{}),

		snapshotReqChan: make(chan snapshotInstallRequest),

		heartbeatChan: make(chan struct{}, 1),

		stateReqChan:  make(chan stateReq),
		stateRespChan: make(chan Snapshot),

		stopChan: make(chan struct{}, 1),
		doneChan: make(chan struct{}),

		events: newEventBus(c.Logger),

		logger: c.Logger,
		debug:  c.Debug,
	}
	return e, nil
}

// NewEngineConfig builds an EngineConfig for a Raft node.
func NewEngineConfig(id uint64, opts ...EngineConfigOption) *EngineConfig {
	c := engineConfigTemplate
	c.ID = id

	var aOpt *addEngineLogger
	for _, opt := range opts {
		if a, ok := opt.(*addEngineLogger); ok {
			aOpt = a
		}
		opt.Transform(&c)
	}

	if c.Debug && aOpt != nil {
		aOpt.loggerCfg.Level.SetLevel(zapcore.DebugLevel)
	}

	return &c
}

var engineConfigTemplate = EngineConfig{
	ElectionTimeout:              1 * time.Second,
	HeartbeatTimeout:             150 * time.Millisecond,
	MaxEntriesPerRequest:         64,
	MaxLogLengthBeforeCompaction: 10000,
}

// EngineConfigOption provides options to configure EngineConfig further.
type EngineConfigOption interface{ Transform(*EngineConfig) }

/******** WithElectionTimeout **************************************************/
type withElectionTimeout struct{ d time.Duration }

func (w *withElectionTimeout) Transform(c *EngineConfig) { c.ElectionTimeout = w.d }

// WithElectionTimeout sets the base election timeout.
func WithElectionTimeout(d time.Duration) EngineConfigOption { return &withElectionTimeout{d: d} }

/******** WithHeartbeatTimeout *************************************************/
type withHeartbeatTimeout struct{ d time.Duration }

func (w *withHeartbeatTimeout) Transform(c *EngineConfig) { c.HeartbeatTimeout = w.d }

// WithHeartbeatTimeout sets the leader heartbeat period budget.
func WithHeartbeatTimeout(d time.Duration) EngineConfigOption { return &withHeartbeatTimeout{d: d} }

/******** WithMaxEntriesPerRequest *********************************************/
type withMaxEntriesPerRequest struct{ n int }

func (w *withMaxEntriesPerRequest) Transform(c *EngineConfig) { c.MaxEntriesPerRequest = w.n }

// WithMaxEntriesPerRequest caps entries sent per AppendEntries request.
func WithMaxEntriesPerRequest(n int) EngineConfigOption { return &withMaxEntriesPerRequest{n: n} }

/******** WithMaxLogLengthBeforeCompaction *************************************/
type withMaxLogLengthBeforeCompaction struct{ n uint64 }

func (w *withMaxLogLengthBeforeCompaction) Transform(c *EngineConfig) {
	c.MaxLogLengthBeforeCompaction = w.n
}

// WithMaxLogLengthBeforeCompaction sets the committed-entries snapshot threshold.
func WithMaxLogLengthBeforeCompaction(n uint64) EngineConfigOption {
	return &withMaxLogLengthBeforeCompaction{n: n}
}

/******** WithForceNewTopology *************************************************/
type withForceNewTopology struct{ ids []uint64 }

func (w *withForceNewTopology) Transform(c *EngineConfig) {
	c.ForceNewTopology = true
	c.AllVotingNodes = w.ids
}

// WithForceNewTopology seeds the initial topology from ids, ignoring any
// persisted topology. Used to bootstrap a brand new cluster.
func WithForceNewTopology(ids ...uint64) EngineConfigOption {
	return &withForceNewTopology{ids: ids}
}

/******** AddEngineLogger *******************************************************/
type addEngineLogger struct{ loggerCfg zap.Config }

func (w *addEngineLogger) Transform(c *EngineConfig) {
	logger, err := w.loggerCfg.Build()
	if err != nil {
		panic(err)
	}
	c.Logger = logger.With(zap.Uint64("id", c.ID))
}

// AddEngineLogger adds a default production zap.Logger to the configuration.
func AddEngineLogger() EngineConfigOption {
	return &addEngineLogger{loggerCfg: zap.NewProductionConfig()}
}

/******** WithEngineLogger *******************************************************/
type withEngineLogger struct{ logger *zap.Logger }

func (w *withEngineLogger) Transform(c *EngineConfig) { c.Logger = w.logger }

// WithEngineLogger configures a specific logger for the engine.
func WithEngineLogger(logger *zap.Logger) EngineConfigOption {
	return &withEngineLogger{logger: logger}
}

/******** WithEngineDebug *********************************************************/
type withEngineDebug struct{ debug bool }

func (w *withEngineDebug) Transform(c *EngineConfig) { c.Debug = w.debug }

// WithEngineDebug sets the debug field for the EngineConfig.
func WithEngineDebug(debug bool) EngineConfigOption { return &withEngineDebug{debug: debug} }

/*************************************************************************************************/

// TransportConfig configures gRPC transport for the Raft cluster.
type TransportConfig struct {
	// ID of the Raft node to configure.
	ID uint64

	// Addresses mapping Raft node ID to address to connect to.
	Addresses map[uint64]string

	// MsgBufferSize is the max number of Raft protocol messages per peer
	// node allowed to be buffered before the Raft node can process/send
	// them out.
	MsgBufferSize int

	// DialTimeout is the timeout for dialing to peers.
	// ReconnectDelay is the duration to wait before retrying to dial a
	// connection.
	DialTimeout, ReconnectDelay time.Duration

	// ServerOptions is an optional list of grpc.ServerOptions to configure
	// the gRPC server.
	ServerOptions []grpc.ServerOption

	// DialOptions is an optional list of grpc.DialOptions to configure
	// dialing to the peer gRPC servers.
	DialOptions []grpc.DialOption

	// CallOptions is an optional list of grpc.CallOptions to configure
	// calling the Communicate RPC.
	CallOptions []grpc.CallOption

	// Logger, if provided, will be used to log events.
	Logger *zap.Logger

	// Debug, if true, will log events at the DEBUG verbosity/granularity.
	Debug bool
}

// Verify verifies that the configuration is correct.
func (c *TransportConfig) Verify() error {
	if c.ID == 0 {
		return fmt.Errorf("ID must be specified and not zero")
	}
	if c.MsgBufferSize <= 0 {
		return fmt.Errorf("MsgBufferSize must be greater than 0")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("DialTimeout must be greater than 0")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("ReconnectDelay must be greater than 0")
	}
	return nil
}

// NewTransportConfig builds a TransportConfig for a Raft node.
func NewTransportConfig(
	id uint64,
	addresses map[uint64]string,
	opts ...TransportConfigOption,
) *TransportConfig {
	c := transportConfigTemplate
	c.ID = id
	c.Addresses = addresses

	insecure := true
	var aOpt *addTransportLogger
	for _, opt := range opts {
		if _, ok := opt.(*withSecurity); ok {
			insecure = false
		}
		if a, ok := opt.(*addTransportLogger); ok {
			aOpt = a
		}
		opt.Transform(&c)
	}

	if insecure {
		c.DialOptions = append(c.DialOptions, grpc.WithInsecure())
	}
	if c.Debug && aOpt != nil {
		aOpt.loggerCfg.Level.SetLevel(zapcore.DebugLevel)
	}

	return &c
}

// transportConfigTemplate is the default partially filled TransportConfig.
var transportConfigTemplate = TransportConfig{
	MsgBufferSize:  30,
	DialTimeout:    3 * time.Second,
	ReconnectDelay: 3 * time.Second,

	ServerOptions: []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    5 * time.Second,
			Timeout: 5 * time.Second,
		}),
	},

	DialOptions: []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    10 * time.Second,
			Timeout: 5 * time.Second,
		}),
	},
}

// TransportConfigOption provides options to configure TransportConfig further.
type TransportConfigOption interface{ Transform(*TransportConfig) }

/******** WithSecurity *******************************************************/
type withSecurity struct{ opt grpc.DialOption }

func (w *withSecurity) Transform(c *TransportConfig) { c.DialOptions = append(c.DialOptions, w.opt) }

// WithSecurity configures gRPC to use security instead of the default
// grpc.WithInsecure option.
func WithSecurity(opt grpc.DialOption) TransportConfigOption { return &withSecurity{opt: opt} }

/******** WithGRPCServerOption ***********************************************/
type withGRPCServerOption struct{ opt grpc.ServerOption }

func (w *withGRPCServerOption) Transform(c *TransportConfig) {
	c.ServerOptions = append(c.ServerOptions, w.opt)
}

// WithGRPCServerOption adds a grpc.ServerOption to grpc.NewServer.
func WithGRPCServerOption(opt grpc.ServerOption) TransportConfigOption {
	return &withGRPCServerOption{opt: opt}
}

/******** WithGRPCDialOption *************************************************/
type withGRPCDialOption struct{ opt grpc.DialOption }

func (w *withGRPCDialOption) Transform(c *TransportConfig) {
	c.DialOptions = append(c.DialOptions, w.opt)
}

// WithGRPCDialOption adds a grpc.DialOption used when dialing peers.
func WithGRPCDialOption(opt grpc.DialOption) TransportConfigOption {
	return &withGRPCDialOption{opt: opt}
}

/******** WithGRPCCallOption *************************************************/
type withGRPCCallOption struct{ opt grpc.CallOption }

func (w *withGRPCCallOption) Transform(c *TransportConfig) {
	c.CallOptions = append(c.CallOptions, w.opt)
}

// WithGRPCCallOption adds a grpc.CallOption used on the Communicate RPC.
func WithGRPCCallOption(opt grpc.CallOption) TransportConfigOption {
	return &withGRPCCallOption{opt: opt}
}

/******** AddTransportLogger *************************************************/
type addTransportLogger struct{ loggerCfg zap.Config }

func (w *addTransportLogger) Transform(c *TransportConfig) {
	logger, err := w.loggerCfg.Build()
	if err != nil {
		panic(err)
	}
	c.Logger = logger.With(zap.Uint64("id", c.ID))
}

// AddTransportLogger adds a default production zap.Logger to the configuration.
func AddTransportLogger() TransportConfigOption {
	return &addTransportLogger{loggerCfg: zap.NewProductionConfig()}
}

/******** WithTransportLogger ************************************************/
type withTransportLogger struct{ logger *zap.Logger }

func (w *withTransportLogger) Transform(c *TransportConfig) { c.Logger = w.logger }

// WithTransportLogger configures a specific logger for the transport.
func WithTransportLogger(logger *zap.Logger) TransportConfigOption {
	return &withTransportLogger{logger: logger}
}

/******** WithTransportDebug *************************************************/
type withTransportDebug struct{ debug bool }

func (w *withTransportDebug) Transform(c *TransportConfig) { c.Debug = w.debug }

// WithTransportDebug sets the debug field for the TransportConfig.
func WithTransportDebug(debug bool) TransportConfigOption { return &withTransportDebug{debug: debug} }
