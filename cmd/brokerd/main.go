// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command brokerd is the broker process root: it terminates mTLS from
// backends, agents and metrics engines, routes envelopes between them
// (spec.md §4.3, §4.4) and serves the SSH tunnel admin RPC surface
// (spec.md §4.5, §4.10).
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/fleetbroker/internal/broker/admin"
	"github.com/tombee/fleetbroker/internal/broker/listener"
	"github.com/tombee/fleetbroker/internal/broker/registry"
	"github.com/tombee/fleetbroker/internal/broker/server"
	"github.com/tombee/fleetbroker/internal/broker/sshsupervisor"
	"github.com/tombee/fleetbroker/internal/config"
	"github.com/tombee/fleetbroker/internal/log"
	"github.com/tombee/fleetbroker/internal/observability"
	"github.com/tombee/fleetbroker/internal/observability/tracing"
	"github.com/tombee/fleetbroker/pkg/wire"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to brokerd.yaml (default: XDG config dir)")
		metricsAddr = flag.String("metrics-addr", "", "Address to serve /metrics on (empty disables)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("brokerd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.LoadBrokerConfig(*configPath)
	if err != nil {
		logger.Error("failed to load broker configuration", "error", err)
		os.Exit(1)
	}
	logger = log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	if cfg.Observability.Enabled {
		provider, err := tracing.NewProviderWithConfig(cfg.Observability)
		if err != nil {
			logger.Error("failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := provider.Shutdown(context.Background()); err != nil {
				logger.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	nodeRegistry := registry.New()

	store, err := admin.NewSQLiteStore(cfg.AdminDBPath)
	if err != nil {
		logger.Error("failed to open admin store", "path", cfg.AdminDBPath, "error", err)
		os.Exit(1)
	}

	agentTLSCfg, err := listener.ServerTLSConfig(listener.Config{
		Addr:     cfg.Listen.Agent,
		CAFile:   cfg.TLS.CAFile,
		CertFile: cfg.TLS.CertFile,
		KeyFile:  cfg.TLS.KeyFile,
		Class:    listener.PeerAgent,
	})
	if err != nil {
		logger.Error("failed to build agent TLS configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := &server.Deps{
		Registry: nodeRegistry,
		Codec:    codecFor(cfg.Listen.Codec),
		Log:      logger,
		Metrics:  metrics,
	}

	supervisor := sshsupervisor.New(ctx, deps.HandleAgentStream, agentTLSCfg, logger)
	supervisor.SetMetrics(metrics)

	deps.Admin = admin.NewService(nodeRegistry, store, supervisor)

	backendLn, err := listener.Listen(listener.Config{
		Addr: cfg.Listen.Backend, CAFile: cfg.TLS.CAFile, CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile, Class: listener.PeerBackend,
	})
	if err != nil {
		logger.Error("failed to start backend listener", "addr", cfg.Listen.Backend, "error", err)
		os.Exit(1)
	}
	defer backendLn.Close()

	metricsEngineLn, err := listener.Listen(listener.Config{
		Addr: cfg.Listen.MetricsEngine, CAFile: cfg.TLS.CAFile, CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile, Class: listener.PeerMetricsEngine,
	})
	if err != nil {
		logger.Error("failed to start metrics engine listener", "addr", cfg.Listen.MetricsEngine, "error", err)
		os.Exit(1)
	}
	defer metricsEngineLn.Close()

	// The agent listener is plain TCP, not tls.NewListener-wrapped: each
	// accepted connection is handed to HandleAgentStream, the same entry
	// point sshsupervisor uses for tunneled streams, so both paths perform
	// the TLS handshake and peer identification identically (spec.md §4.5).
	agentLn, err := net.Listen("tcp", cfg.Listen.Agent)
	if err != nil {
		logger.Error("failed to start agent listener", "addr", cfg.Listen.Agent, "error", err)
		os.Exit(1)
	}
	defer agentLn.Close()

	go server.AcceptLoop(ctx, backendLn, listener.PeerBackend, logger, func(ctx context.Context, conn *tls.Conn, identity listener.PeerIdentity) {
		if err := deps.ServeBackend(ctx, conn, identity.Org); err != nil {
			logger.Info("backend connection ended", "org_id", identity.Org, "error", err)
		}
	})

	go server.AcceptLoop(ctx, metricsEngineLn, listener.PeerMetricsEngine, logger, func(ctx context.Context, conn *tls.Conn, identity listener.PeerIdentity) {
		if err := deps.ServeMetricsEngine(ctx, conn, identity.Org); err != nil {
			logger.Info("metrics engine connection ended", "org_id", identity.Org, "error", err)
		}
	})

	go func() {
		for {
			conn, err := agentLn.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("agent listener accept failed", "error", err)
				continue
			}
			go deps.HandleAgentStream(ctx, conn, agentTLSCfg)
		}
	}()

	logger.Info("brokerd started",
		"backend_addr", cfg.Listen.Backend,
		"agent_addr", cfg.Listen.Agent,
		"metrics_engine_addr", cfg.Listen.MetricsEngine,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())
	cancel()
}

func codecFor(name string) wire.Codec {
	switch name {
	case "text":
		return wire.TextCodec{}
	default:
		return wire.BinaryCodec{}
	}
}
