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

	"github.com/joho/godotenv"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/httpserver"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

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

	logger.Info("starting aero-webrtc-pairing-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"max_clients", cfg.MaxClients,
		"wait_timeout", cfg.WaitTimeout,
		"consistency_check_interval", cfg.ConsistencyCheckInterval,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"turn_rest_realm", cfg.TURNREST.Realm,
		"redis_enabled", cfg.Redis.Enabled(),
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Error("ice server configuration is invalid; /readyz will report not ready", "err", err)
	}

	logStartupSecurityWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	a, err := newApp(ctx, cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	if err != nil {
		logger.Error("failed to start", "err", err)
		os.Exit(2)
	}
	defer a.Close()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
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

	if err := a.http.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
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
