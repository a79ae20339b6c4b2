// Command gridnode starts one node of a lattice grid: it brings up the
// Topology View, the Raft-backed System Cache, a TLS transport listener,
// and the Grid composition root, then serves until interrupted.
//
// Cluster membership discovery (how a joining node learns peer
// addresses, how AddVoter gets invoked on the Raft leader) is handled
// out of band here via the -peers flag and operator-driven AddVoter
// calls, matching pkg/syscache.Join's documented contract — gridnode
// itself only drives the pieces the spec names.
package main

import (
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/latticedb/lattice/pkg/config"
	"github.com/latticedb/lattice/pkg/grid"
	"github.com/latticedb/lattice/pkg/log"
	"github.com/latticedb/lattice/pkg/metrics"
	"github.com/latticedb/lattice/pkg/probe"
	"github.com/latticedb/lattice/pkg/service"
	"github.com/latticedb/lattice/pkg/syscache"
	"github.com/latticedb/lattice/pkg/topology"
	"github.com/latticedb/lattice/pkg/transport"
	"github.com/latticedb/lattice/pkg/types"
)

var (
	nodeID      = flag.String("node-id", "node-1", "unique node id")
	gridAddr    = flag.String("grid-addr", "127.0.0.1:7950", "address this node's transport listener binds")
	raftAddr    = flag.String("raft-addr", "127.0.0.1:7960", "address this node's System Cache Raft transport binds")
	metricsAddr = flag.String("metrics-addr", "127.0.0.1:9090", "address the Prometheus /metrics endpoint binds")
	grpcAddr    = flag.String("grpc-addr", "127.0.0.1:7970", "address the gRPC health-checking service binds, probed by peers' pkg/topology liveness monitor")
	dataDir     = flag.String("data-dir", "./lattice-data", "directory for this node's durable state")
	bootstrap   = flag.Bool("bootstrap", false, "bootstrap a new cluster (first node only)")
	peers       = flag.String("peers", "", "comma-separated id=address pairs seeding the topology view")
	caches      = flag.String("caches", "default", "comma-separated names of caches this node participates in")
	partitions  = flag.Int("partitions", 256, "partition count per cache")
	backups     = flag.Int("backups", 1, "backup copies per partition")
	logLevel    = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logJSON     = flag.Bool("log-json", false, "emit JSON logs")
)

func main() {
	flag.Parse()

	log.Init(log.Config{Level: log.Level(*logLevel), JSONOutput: *logJSON})
	logger := log.WithNodeID(*nodeID)

	self := types.NodeInfo{NodeID: *nodeID, Address: *gridAddr}
	topo := topology.NewManager(self)
	for id, addr := range parsePeers(*peers) {
		topo.Join(types.NodeInfo{NodeID: id, Address: addr})
	}

	sc, err := syscache.New(syscache.Config{
		NodeID:   *nodeID,
		BindAddr: *raftAddr,
		DataDir:  filepath.Join(*dataDir, "syscache"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create system cache")
	}

	if *bootstrap {
		if err := sc.Bootstrap(); err != nil {
			logger.Fatal().Err(err).Msg("bootstrap system cache")
		}
	} else {
		if err := sc.Join(); err != nil {
			logger.Fatal().Err(err).Msg("start system cache")
		}
		if err := sc.LoadCA(); err != nil {
			logger.Warn().Err(err).Msg("no cluster CA in this node's local store; the Raft log does not carry one")
		}
	}

	dialer := func(target string) (string, bool) {
		if target == *nodeID {
			return *gridAddr, true
		}
		n, ok := topo.Current().NodeByID(target)
		if !ok {
			return "", false
		}
		return n.Address, true
	}
	sender := transport.NewTCPTransport(*nodeID, sc.CA(), dialer)

	cfg := config.Default()
	cfg.Partitions = *partitions
	cfg.Backups = *backups

	var specs []grid.CacheSpec
	for _, name := range splitNonEmpty(*caches) {
		specs = append(specs, grid.CacheSpec{
			Name:          name,
			Mode:          types.ModePartitioned,
			Partitions:    cfg.Partitions,
			Backups:       cfg.Backups,
			Atomicity:     cfg.Atomicity,
			WriteSync:     cfg.WriteSync,
			RebalanceMode: cfg.RebalanceMode,
			BatchSize:     cfg.RebalanceBatchSize,
			Eviction:      cfg.Eviction,
		})
	}

	g := grid.New(grid.Config{
		NodeID:  *nodeID,
		Address: *gridAddr,
		Caches:  specs,
		Service: service.Config{NodeID: *nodeID, Backups: cfg.Backups, RetryTimeout: cfg.Service.RetryTimeout},
	}, topo, sender, sc)

	listener, err := transport.NewListener(*gridAddr, sc.CA())
	if err != nil {
		logger.Fatal().Err(err).Msg("bind grid listener")
	}
	go func() {
		if err := listener.Serve(transport.Handler(g.Handle)); err != nil {
			logger.Error().Err(err).Msg("grid listener stopped")
		}
	}()
	logger.Info().Str("addr", *gridAddr).Strs("caches", splitNonEmpty(*caches)).Msg("grid node listening")

	// healthSrv backs the well-known grpc.health.v1.Health service so a
	// peer's pkg/probe.GRPCChecker can tell "accepting TCP" apart from
	// "done replaying Raft and ready for grid traffic" (spec §9).
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	grpcSrv := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcSrv, healthSrv)
	grpcLis, err := net.Listen("tcp", *grpcAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("bind grpc health listener")
	}
	go func() {
		if err := grpcSrv.Serve(grpcLis); err != nil {
			logger.Error().Err(err).Msg("grpc health server stopped")
		}
	}()
	healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	metrics.RegisterComponent("transport", true, "")
	logger.Info().Str("addr", *grpcAddr).Msg("grpc health service listening")

	// Every node in a cluster is started with the same -grpc-addr port
	// (only the host differs), so a peer's grpc health address is its
	// grid address's host paired with this node's own grpc port.
	_, grpcPort, err := net.SplitHostPort(*grpcAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse grpc-addr")
	}
	monitor := topology.NewMonitor(topo, func(address string) probe.Checker {
		host, _, _ := net.SplitHostPort(address)
		return probe.NewGRPCChecker(net.JoinHostPort(host, grpcPort))
	}, probe.DefaultConfig())
	monitor.Start(*nodeID)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", *metricsAddr).Msg("metrics endpoint listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	monitor.Stop()
	healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	grpcSrv.GracefulStop()
	listener.Close()
	g.Close()
	_ = sc.Close()
}

func parsePeers(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range splitNonEmpty(s) {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
