// pinhole-agent is the user-space control plane for a zero-trust host
// firewall: it serves the controller RPC API, maintains the pin-hole
// Session Map shared with the kernel XDP classifier, and reaps idle rules.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"github.com/pinholefw/agent/internal/authpeer"
	"github.com/pinholefw/agent/internal/broadcast"
	"github.com/pinholefw/agent/internal/clock"
	"github.com/pinholefw/agent/internal/config"
	"github.com/pinholefw/agent/internal/metrics"
	"github.com/pinholefw/agent/internal/privcheck"
	"github.com/pinholefw/agent/internal/reaper"
	"github.com/pinholefw/agent/internal/rpcserver"
	"github.com/pinholefw/agent/internal/rules"
	"github.com/pinholefw/agent/internal/sessionmap"
	appversion "github.com/pinholefw/agent/internal/version"
	"github.com/pinholefw/agent/pkg/pinholev1"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// metricsAddr is the fixed listen address for the Prometheus endpoint.
const metricsAddr = ":9100"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := privcheck.Check(); err != nil {
		logger.Error("insufficient privileges", slog.String("error", err.Error()))
		return 1
	}

	controllerAddr, err := cfg.ControllerAddr()
	if err != nil {
		logger.Error("invalid controller address", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("pinhole-agent starting",
		slog.String("version", appversion.Version),
		slog.String("iface", cfg.Iface),
		slog.String("controller_ip", controllerAddr.String()),
		slog.Int("controller_port", int(cfg.ControllerPort)),
		slog.Int("grpc_port", int(cfg.GRPCPort)),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	sm, err := openSessionMap(cfg, logger)
	if err != nil {
		logger.Error("failed to open session map", slog.String("error", err.Error()))
		return 1
	}
	defer func() {
		if err := sm.Close(); err != nil {
			logger.Warn("failed to close session map", slog.String("error", err.Error()))
		}
	}()

	clk := clock.NewMonotonic(logger)
	rm := rules.NewManager(sm, clk, logger, rules.WithMetrics(collector))
	bc := broadcast.New(cfg.ChannelSize)
	rp := reaper.New(rm, bc, time.Duration(cfg.CleanupIntervalS)*time.Second, cfg.RuleTimeoutNS, logger, reaper.WithMetrics(collector))

	if err := runServers(cfg, rm, bc, rp, reg, collector, logger); err != nil {
		logger.Error("pinhole-agent exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("pinhole-agent stopped")
	return 0
}

// openSessionMap creates (or re-opens) the pinned eBPF session map backing
// the XDP data plane. If the maps cannot be created or pinned (e.g. no
// bpffs mounted at the pin path), it falls back to an in-memory map so the
// control plane can still be exercised.
func openSessionMap(cfg *config.Config, logger *slog.Logger) (sessionmap.Map, error) {
	controllerAddr, err := cfg.ControllerAddr()
	if err != nil {
		return nil, fmt.Errorf("resolve controller address for globals: %w", err)
	}
	ipBytes := controllerAddr.As4()
	globals := sessionmap.Globals{
		ControllerIP:      binary.BigEndian.Uint32(ipBytes[:]),
		ControllerPort:    cfg.ControllerPort,
		LazyUpdateTimeout: cfg.UpdateTimeNS,
	}

	sm, err := sessionmap.NewEbpfMap(sessionmap.EbpfMapOptions{
		PinPath:    "/sys/fs/bpf/pinhole",
		MaxEntries: 65536,
	}, globals)
	if err != nil {
		logger.Warn("falling back to in-memory session map, no XDP data plane attached",
			slog.String("error", err.Error()))
		return sessionmap.NewMemMap(), nil
	}
	return sm, nil
}

// runServers sets up and runs the RPC and metrics HTTP servers using an
// errgroup with signal-aware context for graceful shutdown.
func runServers(
	cfg *config.Config,
	rm *rules.Manager,
	bc *broadcast.Broadcaster,
	rp *reaper.Reaper,
	reg *prometheus.Registry,
	collector *metrics.Collector,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	metricsSrv := newMetricsServer(reg)

	rpcSrv, err := newRPCServer(cfg, rm, bc, collector, logger)
	if err != nil {
		return fmt.Errorf("create rpc server: %w", err)
	}

	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", metricsAddr))
		return listenAndServe(gCtx, &lc, metricsSrv, metricsAddr)
	})

	g.Go(func() error {
		logger.Info("rpc server listening", slog.Int("port", int(cfg.GRPCPort)))
		return listenAndServeTLS(gCtx, &lc, rpcSrv, fmt.Sprintf(":%d", cfg.GRPCPort))
	})

	g.Go(func() error {
		rp.Run(gCtx)
		return nil
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv, rpcSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// newRPCServer builds the mTLS session RPC server: a ConnectRPC handler
// authenticated first by the TLS client certificate, then by the Peer
// Authenticator's IPv4 address check (spec §4.8).
func newRPCServer(cfg *config.Config, rm *rules.Manager, bc *broadcast.Broadcaster, collector *metrics.Collector, logger *slog.Logger) (*http.Server, error) {
	controllerAddr, err := cfg.ControllerAddr()
	if err != nil {
		return nil, err
	}

	pa := authpeer.New(controllerAddr, logger, authpeer.WithMetrics(collector))

	mux := http.NewServeMux()

	path, handler := rpcserver.New(rm, bc, logger,
		connect.WithInterceptors(pa, rpcserver.LoggingInterceptor(logger), rpcserver.RecoveryInterceptor(logger)),
	)
	mux.Handle(path, handler)

	checker := grpchealth.NewStaticChecker(
		grpchealth.HealthV1ServiceName,
		pinholev1.ServiceName,
	)
	mux.Handle(grpchealth.NewHandler(checker))

	tlsConfig, err := loadTLSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("load tls config: %w", err)
	}

	srv := &http.Server{
		Handler:           mux,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}
	return srv, nil
}

// loadTLSConfig builds the server-side mTLS configuration: the agent's
// own certificate plus a client CA pool that every RPC peer's client
// certificate must chain to (spec §4.8's mutual-TLS requirement, layered
// beneath the Peer Authenticator's IPv4 address check).
func loadTLSConfig(cfg *config.Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPEM, cfg.CertKey)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	caPEM, err := os.ReadFile(cfg.CertCA)
	if err != nil {
		return nil, fmt.Errorf("read ca bundle: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse ca bundle %s: %w", cfg.CertCA, errInvalidCABundle)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

var errInvalidCABundle = errors.New("no certificates found in ca bundle")

func newMetricsServer(reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func listenAndServeTLS(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.ServeTLS(ln, "", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve tls on %s: %w", addr, err)
	}
	return nil
}

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", err.Error()))
			}
		}
	}
}

// gracefulShutdown signals systemd and shuts down every HTTP server
// within shutdownTimeout.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}
