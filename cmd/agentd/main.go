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

// Command agentd is the agent process root: it loads monitoring packages
// from disk, dials the broker, answers backend-issued RPCs (spec.md
// §4.12) and drives the recurring collection scheduler that pushes
// telemetry to the metrics engine (spec.md §4.11, §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/fleetbroker/internal/agentsvc/client"
	"github.com/tombee/fleetbroker/internal/agentsvc/scheduler"
	"github.com/tombee/fleetbroker/internal/agentsvc/service"
	"github.com/tombee/fleetbroker/internal/config"
	"github.com/tombee/fleetbroker/internal/counter"
	"github.com/tombee/fleetbroker/internal/expr"
	"github.com/tombee/fleetbroker/internal/loader"
	"github.com/tombee/fleetbroker/internal/log"
	"github.com/tombee/fleetbroker/internal/observability"
	"github.com/tombee/fleetbroker/internal/observability/tracing"
	"github.com/tombee/fleetbroker/internal/plugin"
	"github.com/tombee/fleetbroker/internal/plugin/azureapi"
	"github.com/tombee/fleetbroker/internal/plugin/cloudaws"
	"github.com/tombee/fleetbroker/internal/plugin/netutil"
	"github.com/tombee/fleetbroker/internal/plugin/shellexec"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to agentd.yaml (default: XDG config dir)")
		metricsAddr = flag.String("metrics-addr", "", "Address to serve /metrics on (empty disables)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("agentd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		logger.Error("failed to load agent configuration", "error", err)
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

	var tracer observability.Tracer
	if cfg.Observability.Enabled {
		provider, err := tracing.NewProviderWithConfig(cfg.Observability)
		if err != nil {
			logger.Error("failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		tracer = provider.Tracer("fleetbroker-agent")
		defer func() {
			if err := provider.Shutdown(context.Background()); err != nil {
				logger.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	registry := plugin.NewRegistry()
	registry.Register(netutil.New())
	registry.Register(azureapi.New())
	registry.Register(cloudaws.New())
	registry.Register(shellexec.New())

	counters := counter.Load(cfg.CounterStorePath, logger)

	manager := loader.NewManager(cfg.PackageDir, nil, logger)
	if paths, err := loader.ScanDir(cfg.PackageDir); err != nil {
		logger.Warn("failed to scan package directory", "dir", cfg.PackageDir, "error", err)
	} else {
		for _, p := range paths {
			if err := manager.LoadPkg(p); err != nil {
				logger.Warn("failed to load package", "path", p, "error", err)
			}
		}
	}

	svc := service.New(manager, registry, expr.New(), counters, service.Config{
		CounterStorePath: cfg.CounterStorePath,
		PackageDir:       cfg.PackageDir,
	}, logger)
	svc.SetObservability(metrics, tracer)

	tlsCfg, err := client.TLSConfigFromFiles(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile)
	if err != nil {
		logger.Error("failed to build broker TLS configuration", "error", err)
		os.Exit(1)
	}

	cl := client.New(client.Config{
		BrokerAddr: cfg.BrokerAddr,
		TLSConfig:  tlsCfg,
	}, svc, func(s client.Status) {
		logger.Info("broker connection status", "state", string(s.State), "error", s.Error)
	})
	svc.SetPusher(service.Pusher(cl.SendMetrics))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go cl.Run(ctx)
	go svc.RunScheduler(ctx, scheduler.IntervalCadence{Interval: cfg.Scheduler.Interval})

	if err := loader.Watch(ctx, cfg.PackageDir, func(path string, removed bool) {
		if removed {
			return
		}
		if err := manager.LoadPkg(path); err != nil {
			logger.Warn("failed to reload package", "path", path, "error", err)
		}
	}, logger); err != nil {
		logger.Warn("package directory watch failed to start", "error", err)
	}

	logger.Info("agentd started", "broker_addr", cfg.BrokerAddr, "package_dir", cfg.PackageDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	cancel()
	cl.Shutdown()
	if err := counters.Save(cfg.CounterStorePath); err != nil {
		logger.Warn("failed to save counter store", "error", err)
	}
}
