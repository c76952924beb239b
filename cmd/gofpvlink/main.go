// gofpvlink ground-station daemon -- FPV wireless link core.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/wfb-go/gofpvlink/internal/config"
	"github.com/wfb-go/gofpvlink/internal/dispatch"
	"github.com/wfb-go/gofpvlink/internal/fec"
	"github.com/wfb-go/gofpvlink/internal/link"
	"github.com/wfb-go/gofpvlink/internal/logging"
	"github.com/wfb-go/gofpvlink/internal/metrics"
	"github.com/wfb-go/gofpvlink/internal/notify"
	"github.com/wfb-go/gofpvlink/internal/orchestrator"
	"github.com/wfb-go/gofpvlink/internal/radio"
	"github.com/wfb-go/gofpvlink/internal/server"
	appversion "github.com/wfb-go/gofpvlink/internal/version"
	"github.com/wfb-go/gofpvlink/internal/wire"
)

// shutdownTimeout bounds draining the control and metrics HTTP servers.
const shutdownTimeout = 10 * time.Second

// drainTimeout is how long the link is left running after the stop signal
// so in-flight blocks finish transmitting before the transport closes.
const drainTimeout = 500 * time.Millisecond

// flightRecorderMinAge/MaxBytes bound the runtime/trace.FlightRecorder
// window kept for post-mortem debugging of link drops.
const (
	flightRecorderMinAge   = 500 * time.Millisecond
	flightRecorderMaxBytes = 2 * 1024 * 1024
)

// Default UDP endpoints for the four multiplexed streams (spec.md §6).
const (
	videoOutAddr   = "127.0.0.1:5600"
	mavlinkOutAddr = "127.0.0.1:14550"
	tunnelOutAddr  = "127.0.0.1:8000"
	uplinkInAddr   = ":8001"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger, logLevel := logging.New(cfg.Log)

	logger.Info("gofpvlink starting",
		slog.String("version", appversion.Version),
		slog.String("interface", cfg.Link.Interface),
		slog.String("grpc_addr", cfg.GRPC.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	if err := runLink(cfg, *configPath, collector, reg, logger, logLevel, fr); err != nil {
		logger.Error("gofpvlink exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("gofpvlink stopped")
	return 0
}

// runLink builds the active link's orchestrators and servers and runs them
// under an errgroup with a signal-aware context.
func runLink(
	cfg *config.Config,
	configPath string,
	collector *metrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	kp, err := wire.LoadKeypair(cfg.Link.KeyFile)
	if err != nil {
		return fmt.Errorf("load keypair: %w", err)
	}

	rotator := notify.NewRotator(logger)
	defer func() { _ = rotator.Close() }()

	lnk, dispatcher, channels, err := buildLink(cfg, kp, collector, rotator, logger)
	if err != nil {
		return fmt.Errorf("build link: %w", err)
	}
	defer func() { _ = dispatcher.Close() }()

	mux, err := server.New(lnk, dispatcher, channels, logger,
		server.LoggingInterceptorOption(logger),
		server.RecoveryInterceptorOption(logger),
	)
	if err != nil {
		return fmt.Errorf("build control surface: %w", err)
	}
	controlSrv := server.NewHTTPServer(cfg.GRPC.Addr, mux)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("control surface listening", slog.String("addr", cfg.GRPC.Addr))
		return listenAndServe(gCtx, &lc, controlSrv, cfg.GRPC.Addr)
	})
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, configPath, logLevel, logger)
		return nil
	})

	if err := lnk.Start(gCtx); err != nil {
		return fmt.Errorf("start link: %w", err)
	}
	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, lnk, logger, fr, controlSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run link: %w", err)
	}
	return nil
}

// discardSink is the dispatch.Sink bound to the uplink ("tx") channel,
// which almost never carries payload bound for a local consumer (its
// RXChannel exists only to admit IDR-request control fragments echoed back
// on the same channel_id); delivered bytes on it are simply dropped.
type discardSink struct{}

func (discardSink) Send([]byte) error { return nil }
func (discardSink) Close() error      { return nil }

// buildLink assembles the four per-stream orchestrators sharing one
// physical monitor-mode interface and LinkController, and returns the
// supervisor the control surface drives.
func buildLink(
	cfg *config.Config,
	kp *wire.Keypair,
	collector *metrics.Collector,
	rotator *notify.Rotator,
	logger *slog.Logger,
) (*linkSupervisor, *dispatch.Dispatcher, []server.ChannelStream, error) {
	phy := radio.PHYConfig{
		Bandwidth: radio.Bandwidth(cfg.Phy.Bandwidth),
		MCSIndex:  cfg.Phy.MCSIndex,
		ShortGI:   cfg.Phy.ShortGI,
		STBC:      cfg.Phy.STBC,
		LDPC:      cfg.Phy.LDPC,
	}

	thresholds := link.Thresholds{
		LostTo5:      cfg.Fec.LostTo5,
		RecoveredTo4: cfg.Fec.RecoveredTo4,
		RecoveredTo3: cfg.Fec.RecoveredTo3,
		RecoveredTo2: cfg.Fec.RecoveredTo2,
		RecoveredTo1: cfg.Fec.RecoveredTo1,
	}
	powerSink := radio.NewIWPowerSink(cfg.Link.Interface)
	reportSink, err := link.NewUDPReportSink(cfg.Adaptive.ReportAddr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("new report sink: %w", err)
	}
	controller := link.NewController(powerSink, reportSink, thresholds, cfg.Phy.TxPower, collector)

	dispatcher := dispatch.New(collector)

	type streamSpec struct {
		name   string
		offset uint8
		sink   dispatch.Sink
		tx     bool
	}

	videoSink, err := dispatch.NewUDPSink(videoOutAddr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("new video sink: %w", err)
	}
	mavlinkSink, err := dispatch.NewUDPSink(mavlinkOutAddr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("new mavlink sink: %w", err)
	}
	tunnelSink, err := dispatch.NewUDPSink(tunnelOutAddr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("new tunnel sink: %w", err)
	}

	specs := []streamSpec{
		{name: "video", offset: cfg.Link.RadioPorts["video"], sink: videoSink},
		{name: "mavlink", offset: cfg.Link.RadioPorts["mavlink"], sink: mavlinkSink},
		{name: "tunnel", offset: cfg.Link.RadioPorts["tunnel"], sink: tunnelSink},
		{name: "tx", offset: cfg.Link.RadioPorts["tx"], sink: discardSink{}, tx: true},
	}

	var orchestrators []*orchestrator.Orchestrator
	var channels []server.ChannelStream

	for _, spec := range specs {
		channelID := cfg.Link.ChannelID(spec.offset)

		transport, err := radio.NewMonitorSocket(cfg.Link.Interface, cfg.Link.RcvBuf)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("new monitor socket for %s: %w", spec.name, err)
		}
		codec := radio.NewCodec(phy)
		rx := fec.NewRXChannel(kp, wire.MaxPayload)

		dvr := dispatch.NewDVRTap()
		dispatcher.Register(channelID, spec.name, spec.sink, dvr)
		channels = append(channels, server.ChannelStream{ChannelID: channelID, Name: spec.name})

		var uplinks []net.Conn
		if spec.tx {
			conn, err := net.ListenUDP("udp", mustResolveUDP(uplinkInAddr))
			if err != nil {
				return nil, nil, nil, fmt.Errorf("listen uplink %s: %w", uplinkInAddr, err)
			}
			uplinks = []net.Conn{conn}
		}

		orch := orchestrator.New(
			orchestrator.Config{ChannelID: channelID, MaxPayload: wire.MaxPayload, AdaptiveInterval: cfg.Adaptive.UpdateInterval},
			transport, codec, rx, uplinks, dispatcher, controller, collector, logger,
		)

		if spec.tx {
			key, err := newSessionKey()
			if err != nil {
				return nil, nil, nil, fmt.Errorf("generate session key: %w", err)
			}
			session := fec.Session{
				Epoch:     uint64(cfg.Link.Epoch),
				ChannelID: channelID,
				K:         cfg.Phy.K,
				N:         cfg.Phy.N,
				Key:       key,
			}
			tx, err := fec.NewTXChannel(kp, session, wire.MaxPayload, orch)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("new tx channel: %w", err)
			}
			orch.AttachTXChannel(tx)
			rotator.SessionRotated(session.Epoch, session.ChannelID)
		}

		orchestrators = append(orchestrators, orch)
	}

	return &linkSupervisor{orchestrators: orchestrators, controller: controller, logger: logger}, dispatcher, channels, nil
}

// newSessionKey draws a fresh 32-byte session key for this boot's FEC
// channel (spec.md §6: epoch advances, the session key rotates with it).
func newSessionKey() ([32]byte, error) {
	var key [32]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return key, fmt.Errorf("read random session key: %w", err)
	}
	return key, nil
}

// mustResolveUDP resolves the fixed uplink-in address; panics only on the
// well-formed constant uplinkInAddr, never on user input.
func mustResolveUDP(addr string) *net.UDPAddr {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		panic(fmt.Sprintf("resolve %s: %v", addr, err))
	}
	return a
}

// linkSupervisor runs every per-stream Orchestrator under one errgroup and
// implements server.LinkSupervisor, so the control surface never imports
// internal/orchestrator directly (spec.md §9's redesign note).
type linkSupervisor struct {
	mu            sync.Mutex
	orchestrators []*orchestrator.Orchestrator
	controller    *link.Controller
	logger        *slog.Logger

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func (s *linkSupervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	g, gCtx := errgroup.WithContext(runCtx)
	for _, orch := range s.orchestrators {
		orch := orch
		g.Go(func() error { return orch.Run(gCtx) })
	}

	go func() {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("link orchestrator exited with error", slog.String("error", err.Error()))
		}
		close(done)
	}()

	s.cancel = cancel
	s.done = done
	s.running = true
	return nil
}

func (s *linkSupervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *linkSupervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *linkSupervisor) LinkStats() server.LinkStats {
	quality, reportQ, fecLevel, txPower := s.controller.Stats()
	return server.LinkStats{Quality: quality, ReportQ: reportQ, FecLevel: fecLevel, TXPower: txPower}
}

// -------------------------------------------------------------------------
// Systemd integration
// -------------------------------------------------------------------------

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

// handleSIGHUP reloads the log level from configPath on every SIGHUP.
// Session/FEC/radio parameters are not hot-reloadable — changing them mid-flight would
// require rebuilding every orchestrator's transport, which this daemon
// instead expects an operator to do with a restart.
func handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			cfg, err := loadConfig(configPath)
			if err != nil {
				logger.Warn("reload config: failed to load", slog.String("error", err.Error()))
				continue
			}
			old := logging.Reload(logLevel, cfg.Log)
			logger.Info("reloaded log level", slog.String("old", old.String()), slog.String("new", logLevel.Level().String()))
		}
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
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// Server setup
// -------------------------------------------------------------------------

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

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func gracefulShutdown(
	ctx context.Context,
	lnk *linkSupervisor,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stopCancel()
	if err := lnk.Stop(stopCtx); err != nil {
		logger.Warn("stop link", slog.String("error", err.Error()))
	}

	time.Sleep(drainTimeout)

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

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

// -------------------------------------------------------------------------
// Flight recorder -- Go 1.26 runtime/trace
// -------------------------------------------------------------------------

func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)
	return fr
}

// -------------------------------------------------------------------------
// Config / logging
// -------------------------------------------------------------------------

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}
