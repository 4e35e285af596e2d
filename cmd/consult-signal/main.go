package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/consult-signal/internal/config"
	"github.com/wilsonzlin/consult-signal/internal/httpserver"
	"github.com/wilsonzlin/consult-signal/internal/metrics"
	"github.com/wilsonzlin/consult-signal/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting consult-signal",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"max_connections", cfg.MaxConnections,
		"max_room_members", cfg.MaxRoomMembers,
		"max_rooms_per_connection", cfg.MaxRoomsPerConnection,
		"call_ring_timeout", cfg.CallRingTimeout,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)

	logStartupSecurityWarnings(logger, cfg)

	authz, err := signaling.NewAuthAuthorizer(cfg)
	if err != nil {
		logger.Error("failed to configure signaling auth", "err", err)
		os.Exit(2)
	}

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)
	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}, authz)
	if err != nil {
		logger.Error("failed to configure http server", "err", err)
		os.Exit(2)
	}

	m := metrics.New()
	sig, err := signaling.NewServer(signalingConfig(cfg, authz, m, logger))
	if err != nil {
		logger.Error("failed to configure signaling", "err", err)
		os.Exit(2)
	}
	sig.RegisterRoutes(srv.OriginScoped())
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m, sig.Gauges()...))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Upgraded WebSockets are invisible to http.Server.Shutdown, so end calls
	// and close them first.
	sig.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func signalingConfig(cfg config.Config, authz signaling.Authorizer, m *metrics.Metrics, logger *slog.Logger) signaling.Config {
	// config uses 0 for unlimited; signaling reserves 0 for its default.
	maxMembers := cfg.MaxRoomMembers
	if maxMembers == 0 {
		maxMembers = -1
	}
	return signaling.Config{
		Authorizer:                    authz,
		SignalingAuthTimeout:          cfg.SignalingAuthTimeout,
		SignalingWSIdleTimeout:        cfg.SignalingWSIdleTimeout,
		SignalingWSPingInterval:       cfg.SignalingWSPingInterval,
		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueLength:               cfg.SignalingSendQueueLength,
		MaxConnections:                cfg.MaxConnections,
		MaxRoomMembers:                maxMembers,
		MaxRoomsPerConnection:         cfg.MaxRoomsPerConnection,
		RingTimeout:                   cfg.CallRingTimeout,
		Observer:                      signaling.LogObserver{Logger: logger},
		Metrics:                       m,
		Logger:                        logger,
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// ldflags values win; VCS stamps cover `go run` and dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return commit, buildTime
}
