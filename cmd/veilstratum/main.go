// Command veilstratum is a stratum proxy that long-polls a coin node for
// block templates in two algorithm dialects and serves them to mining
// clients, translating and forwarding share submissions back to the node.
//
// Grounded on pool/cmd/server/main.go's flag/logger/signal-driven
// shutdown shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensyria/veilstratum/internal/config"
	"github.com/opensyria/veilstratum/internal/dashboard"
	"github.com/opensyria/veilstratum/internal/health"
	"github.com/opensyria/veilstratum/internal/metrics"
	"github.com/opensyria/veilstratum/internal/nodeclient"
	"github.com/opensyria/veilstratum/internal/snapshot"
	"github.com/opensyria/veilstratum/internal/stratum"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

type cliConfig struct {
	address       string
	port          int
	nodeURL       string
	jobs          string
	verbose       bool
	configFile    string
	metricsAddr   string
	redisAddr     string
	dashboardAddr string
	version       bool
}

// parseFlags registers both short and long forms of -a, -p, -n, -j and -v
// on the same variable (the remaining flags are long-only), grounded on pool/cmd/server/main.go's flat
// Config-struct-plus-stdlib-flag shape. A single -p/--port binds one
// listener; which dialects it accepts is governed by -j/--jobs, since a
// session's dialect is chosen by its first handshake message
// (mining.subscribe vs login), not by which port it connected to.
func parseFlags() *cliConfig {
	cfg := &cliConfig{}
	flag.StringVar(&cfg.address, "a", "0.0.0.0", "address to bind the client-facing listener on")
	flag.StringVar(&cfg.address, "address", "0.0.0.0", "address to bind the client-facing listener on")
	flag.IntVar(&cfg.port, "p", 0, "port to bind the client-facing listener on (required)")
	flag.IntVar(&cfg.port, "port", 0, "port to bind the client-facing listener on (required)")
	flag.StringVar(&cfg.nodeURL, "n", "", "node RPC URL, with basic auth embedded if required (required)")
	flag.StringVar(&cfg.nodeURL, "node", "", "node RPC URL, with basic auth embedded if required (required)")
	flag.StringVar(&cfg.jobs, "j", "progpow,randomx", "comma-separated dialects to accept: progpow, randomx, or both")
	flag.StringVar(&cfg.jobs, "jobs", "progpow,randomx", "comma-separated dialects to accept: progpow, randomx, or both")
	flag.BoolVar(&cfg.verbose, "v", false, "enable debug logging")
	flag.BoolVar(&cfg.verbose, "verbose", false, "enable debug logging")
	flag.StringVar(&cfg.configFile, "config", "", "optional YAML config file supplying flag defaults")
	flag.StringVar(&cfg.metricsAddr, "metrics-address", ":9100", "address to serve /metrics and /healthz on")
	flag.StringVar(&cfg.redisAddr, "redis-address", "", "optional Redis address for the live job snapshot mirror")
	flag.StringVar(&cfg.dashboardAddr, "dashboard-address", "", "optional address to serve the read-only websocket dashboard feed on")
	flag.BoolVar(&cfg.version, "version", false, "print version and exit")
	flag.Parse()
	return cfg
}

// jobsFlagWasSet reports whether -j/--jobs appeared on the command line, so
// main can tell "explicitly set to the default value" apart from "never
// set, fall back to the config file" for jobsFlagSet below.
func jobsFlagWasSet() bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "j" || f.Name == "jobs" {
			set = true
		}
	})
	return set
}

func parseJobs(s string) (wantP, wantR bool) {
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "progpow", "p":
			wantP = true
		case "randomx", "r":
			wantR = true
		}
	}
	return wantP, wantR
}

func setupLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func main() {
	cli := parseFlags()
	if cli.version {
		fmt.Printf("veilstratum %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		os.Exit(0)
	}

	jobsFlagSet := jobsFlagWasSet()

	logger := setupLogger(cli.verbose)
	slog.SetDefault(logger)

	fileCfg, err := config.Load(cli.configFile)
	if err != nil {
		logger.Error("failed to load config file", "error", err)
		os.Exit(1)
	}
	fileCfg.ApplyEnv()
	if cli.nodeURL == "" {
		cli.nodeURL = fileCfg.NodeURL
	}
	if cli.port == 0 {
		cli.port = fileCfg.Port
	}
	if cli.redisAddr == "" {
		cli.redisAddr = fileCfg.RedisAddr
	}
	if cli.dashboardAddr == "" {
		cli.dashboardAddr = fileCfg.DashboardAddr
	}
	if !jobsFlagSet && len(fileCfg.Jobs) > 0 {
		cli.jobs = strings.Join(fileCfg.Jobs, ",")
	}

	if cli.nodeURL == "" {
		logger.Error("misconfigured: -n/--node is required")
		os.Exit(1)
	}
	if cli.port == 0 {
		logger.Error("misconfigured: -p/--port is required")
		os.Exit(1)
	}

	wantP, wantR := parseJobs(cli.jobs)
	if !wantP && !wantR {
		logger.Error("misconfigured: -j/--jobs must name at least one of progpow, randomx")
		os.Exit(1)
	}

	node, err := nodeclient.New(cli.nodeURL, 2000*time.Second, logger)
	if err != nil {
		logger.Error("misconfigured node url", "error", err)
		os.Exit(1)
	}

	m := metrics.New("veilstratum")
	healthHandler := health.NewHandler(Version)

	var sink *snapshot.Mirror
	if cli.redisAddr != "" {
		sink, err = snapshot.New(snapshot.Config{Addr: cli.redisAddr, TTL: 2 * time.Minute})
		if err != nil {
			logger.Error("failed to connect to redis snapshot mirror", "error", err)
			os.Exit(1)
		}
		defer sink.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	onFatal := func(err error) {
		logger.Error("fatal node misconfiguration, shutting down", "error", err)
		cancel()
	}

	backends := &stratum.Backends{}
	dashboardMux := http.NewServeMux()
	haveDashboardRoute := false

	if wantP {
		opts := []stratum.Option{stratum.WithMetrics(m), stratum.WithOnFatal(onFatal)}
		if sink != nil {
			opts = append(opts, stratum.WithSnapshotSink(sink))
		}
		bcP := stratum.NewBackendClient(stratum.NewProgPoW(), node, logger, opts...)
		backends.P = bcP
		go bcP.Run(ctx)
		healthHandler.RegisterCheck("backend-progpow", backendCheck(bcP))

		if cli.dashboardAddr != "" {
			hub := dashboard.NewHub("progpow", logger)
			bcP.Subscribe("dashboard", hub)
			dashboardMux.Handle("/ws/progpow", hub.Handler())
			haveDashboardRoute = true
		}
	}

	if wantR {
		opts := []stratum.Option{stratum.WithMetrics(m), stratum.WithOnFatal(onFatal)}
		if sink != nil {
			opts = append(opts, stratum.WithSnapshotSink(sink))
		}
		bcR := stratum.NewBackendClient(stratum.NewRandomX(), node, logger, opts...)
		backends.R = bcR
		go bcR.Run(ctx)
		healthHandler.RegisterCheck("backend-randomx", backendCheck(bcR))

		if cli.dashboardAddr != "" {
			hub := dashboard.NewHub("randomx", logger)
			bcR.Subscribe("dashboard", hub)
			dashboardMux.Handle("/ws/randomx", hub.Handler())
			haveDashboardRoute = true
		}
	}

	acceptor := stratum.NewAcceptor(fmt.Sprintf("%s:%d", cli.address, cli.port), backends, logger)
	if err := acceptor.Start(ctx); err != nil {
		logger.Error("failed to start listener", "error", err)
		os.Exit(1)
	}
	logger.Info("veilstratum started", "address", cli.address, "port", cli.port, "jobs", cli.jobs)

	startAPIServer(cli.metricsAddr, m, healthHandler, logger)
	if cli.dashboardAddr != "" && haveDashboardRoute {
		startDashboardServer(cli.dashboardAddr, dashboardMux, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
		logger.Info("shutting down due to fatal error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	done := make(chan struct{})
	go func() {
		acceptor.Stop()
		cancel()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out")
	}
}

func backendCheck(bc *stratum.BackendClient) health.Check {
	return health.BackendCheck(bc.LastPollSuccess, time.Minute)
}

func startAPIServer(addr string, m *metrics.Metrics, h *health.Handler, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", h.HealthHandler())
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("metrics/health server listening", "address", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics/health server stopped", "error", err)
		}
	}()
}

func startDashboardServer(addr string, mux *http.ServeMux, logger *slog.Logger) {
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("dashboard websocket server listening", "address", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("dashboard server stopped", "error", err)
		}
	}()
}
