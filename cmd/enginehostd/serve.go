package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lattice-run/enginehost"
	"github.com/lattice-run/enginehost/applog"
	"github.com/lattice-run/enginehost/daemon"
	"github.com/lattice-run/enginehost/enginemanager"
	"github.com/lattice-run/enginehost/enginesession"
	"github.com/lattice-run/enginehost/internal/signal"
	"github.com/lattice-run/enginehost/ptybroker"
	"github.com/lattice-run/enginehost/remotetransport"
	"github.com/lattice-run/enginehost/threadstore"
	"github.com/lattice-run/enginehost/transport/wsbridge"
)

const shutdownGrace = 10 * time.Second

var (
	serveHost          string
	servePort          int
	serveCORSOrigins   []string
	serveDefaultEngine string

	claudeBinOverride   string
	codexBinOverride    string
	opencodeBinOverride string

	remoteAddr  string
	remoteToken string
)

// runServe wires every package in the daemon into one running process:
// probe+spawn (daemon), per-workspace session lifecycle (enginemanager),
// event fan-out (wsbridge.Hub), PTY terminals (ptybroker), and the HTTP
// surface (transport/wsbridge), then blocks until SIGINT/SIGTERM.
func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext()
	defer stop()

	logCfg := applog.DefaultConfig()
	logCfg.Level = applog.ParseLevel(logLevelFlag)
	logCfg.Pretty = logPrettyFlag
	if logDirFlag != "" {
		logCfg.LogToFile = true
		logCfg.LogDir = logDirFlag
	}
	logger := applog.New(logCfg)
	defer applog.Close()

	prober := daemon.NewProber()
	applyBinaryOverride(prober, enginehost.EngineClaude, claudeBinOverride)
	applyBinaryOverride(prober, enginehost.EngineCodex, codexBinOverride)
	applyBinaryOverride(prober, enginehost.EngineOpencode, opencodeBinOverride)

	manager := enginemanager.New(prober)
	defaultEngine := enginehost.EngineType(serveDefaultEngine)
	if !defaultEngine.IsSupported() {
		return fmt.Errorf("unsupported --default-engine %q", serveDefaultEngine)
	}
	if err := manager.SetActiveEngine(defaultEngine); err != nil {
		return fmt.Errorf("set default engine: %w", err)
	}

	hub := wsbridge.NewHub()

	if remoteAddr != "" {
		remote := remotetransport.New(remotetransport.Config{Addr: remoteAddr, AuthToken: remoteToken}, hub)
		defer remote.Close()
		go registerWithRemote(ctx, remote, logger, addr(serveHost, servePort))
	}

	clientInfo := enginesession.ClientInfo{Name: "enginehostd", Version: version}
	dispatcher := daemon.NewDispatcher(manager, prober, hub, threadstore.New(), clientInfo)
	ptyBroker := ptybroker.New(hub)

	httpServer := wsbridge.NewServer(wsbridge.Config{AllowedOrigins: serveCORSOrigins}, hub, ptyBroker, dispatcher)

	bindAddr := addr(serveHost, servePort)
	srv := &http.Server{Addr: bindAddr, Handler: httpServer.Handler()}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		close(errCh)
	}()

	logger.Info().
		Str("addr", bindAddr).
		Str("default_engine", string(manager.ActiveEngine())).
		Bool("remote", remoteAddr != "").
		Msg("enginehostd listening")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func addr(host string, port int) string {
	return net.JoinHostPort(host, fmt.Sprintf("%d", port))
}

func applyBinaryOverride(prober *daemon.Prober, engine enginehost.EngineType, override string) {
	if override == "" {
		return
	}
	prober.SetBinaryConfig(engine, daemon.BinaryConfig{Override: override})
}

// registerWithRemote announces this daemon's HTTP address to the remote
// control plane, dialing lazily via Call. Failure is logged, not fatal: the
// daemon still serves local clients over its own hub regardless of whether
// the remote side ever accepts the registration.
func registerWithRemote(ctx context.Context, remote *remotetransport.Transport, logger zerolog.Logger, bindAddr string) {
	_, err := remote.Call(ctx, "register", map[string]any{"addr": bindAddr})
	if err != nil {
		logger.Warn().Err(err).Str("remote_addr", remoteAddr).Msg("remote registration failed")
	}
}
