// kvnode runs a single Raft node serving a DictionaryStateMachine over a
// small fasthttp API, adapting the teacher's examples/kvstore/server
// program to the new engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	raft "github.com/mattbrennan97/raftkit"
	"github.com/mattbrennan97/raftkit/store"
	"github.com/mattbrennan97/raftkit/transport"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

var (
	id            uint64
	addr          = ":8080"
	peerAddresses = peerAddressesValue{}
	dbPath        = "kvnode.db"
	forceNew      = false
)

func init() {
	flag.Uint64Var(&id, "id", 0, "this node's Raft ID")
	flag.StringVar(&addr, "httpAddr", addr, "address to serve the HTTP API on")
	flag.Var(&peerAddresses, "peerAddresses",
		"peer addresses specified as a |-separated string of key-value pairs, "+
			"themselves separated by commas. E.g. "+
			"\"1,tcp://localhost:8081|2,tcp://localhost:8082|3,tcp://localhost:8083\"")
	flag.StringVar(&dbPath, "dbPath", dbPath, "path to this node's bbolt database file")
	flag.BoolVar(&forceNew, "forceNewTopology", forceNew, "bootstrap a new cluster from peerAddresses")
}

func main() {
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if id == 0 {
		logger.Fatal("-id must be specified and non-zero")
	}
	if _, ok := peerAddresses.m[id]; !ok {
		logger.Fatal("-id must be a key in -peerAddresses")
	}

	boltStore, err := store.Open(dbPath)
	if err != nil {
		logger.Fatal("could not open store", zap.Error(err))
	}
	defer boltStore.Close()

	tr, err := transport.New(transport.Config{
		ID:             id,
		Addresses:      peerAddresses.m,
		MsgBufferSize:  64,
		DialTimeout:    3 * time.Second,
		ReconnectDelay: 3 * time.Second,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("could not construct transport", zap.Error(err))
	}

	sm := raft.NewDictionaryStateMachine()

	ids := make([]uint64, 0, len(peerAddresses.m))
	for peerID := range peerAddresses.m {
		ids = append(ids, peerID)
	}

	opts := []raft.EngineConfigOption{raft.WithEngineLogger(logger)}
	if forceNew {
		opts = append(opts, raft.WithForceNewTopology(ids...))
	}
	cfg := raft.NewEngineConfig(id, opts...)

	engine, err := cfg.Build(boltStore, tr, sm)
	if err != nil {
		logger.Fatal("could not build engine", zap.Error(err))
	}
	tr.SetSnapshotInstaller(engine)

	if err := engine.Start(); err != nil {
		logger.Fatal("could not start engine", zap.Error(err))
	}
	defer engine.Stop()

	api := &httpKVAPI{engine: engine, sm: sm, logger: logger}
	logger.Info("serving kvnode HTTP API", zap.String("addr", addr))
	if err := fasthttp.ListenAndServe(addr, api.Route); err != nil {
		logger.Fatal("failed to listen", zap.Error(err))
	}
}

type httpKVAPI struct {
	engine *raft.Engine
	sm     *raft.DictionaryStateMachine
	logger *zap.Logger
}

func (h *httpKVAPI) Route(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/store":
		if ctx.IsPut() {
			h.handleSet(ctx)
			return
		} else if ctx.IsGet() {
			h.handleGet(ctx)
			return
		}
	case "/state":
		if ctx.IsGet() {
			h.handleState(ctx)
			return
		}
	}
	ctx.Response.Header.Set("Allow", "PUT, GET")
	ctx.Error("method not allowed", http.StatusMethodNotAllowed)
}

func (h *httpKVAPI) handleSet(ctx *fasthttp.RequestCtx) {
	k := string(ctx.QueryArgs().Peek("k"))
	v, err := strconv.Atoi(string(ctx.QueryArgs().Peek("v")))
	if err != nil {
		ctx.Error("v must be an integer", http.StatusBadRequest)
		return
	}
	data, err := raft.EncodeSet(k, v)
	if err != nil {
		ctx.Error(err.Error(), http.StatusInternalServerError)
		return
	}
	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := h.engine.Propose(reqCtx, data); err != nil {
		h.logger.Error("propose failed", zap.Error(err))
		ctx.Error(err.Error(), http.StatusServiceUnavailable)
		return
	}
}

func (h *httpKVAPI) handleGet(ctx *fasthttp.RequestCtx) {
	k := string(ctx.QueryArgs().Peek("k"))
	v, ok := h.sm.Get(k)
	if !ok {
		ctx.Error("key not found", http.StatusNotFound)
		return
	}
	ctx.WriteString(strconv.Itoa(v))
}

func (h *httpKVAPI) handleState(ctx *fasthttp.RequestCtx) {
	snap := h.engine.State()
	fmt.Fprintf(ctx, "role=%s term=%d leader=%d commitIndex=%d lastApplied=%d\n",
		snap.Role, snap.Term, snap.Leader, snap.CommitIndex, snap.LastApplied)
}

// peerAddressesValue implements flag.Value for the |-and-,-separated
// id,address list, adapted from the teacher's examples/kvstore/server
// mapValue flag.
type peerAddressesValue struct{ m map[uint64]string }

func (p *peerAddressesValue) String() string {
	if p.m == nil {
		return ""
	}
	parts := make([]string, 0, len(p.m))
	for id, addr := range p.m {
		parts = append(parts, fmt.Sprintf("%d,%s", id, addr))
	}
	return strings.Join(parts, "|")
}

func (p *peerAddressesValue) Set(s string) error {
	p.m = map[uint64]string{}
	for _, pair := range strings.Split(s, "|") {
		kv := strings.SplitN(pair, ",", 2)
		if len(kv) != 2 {
			return fmt.Errorf("invalid peer entry: %q", pair)
		}
		id, err := strconv.ParseUint(kv[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid peer id %q: %w", kv[0], err)
		}
		p.m[id] = kv[1]
	}
	return nil
}
