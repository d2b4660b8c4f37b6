package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capgw/capgw/internal/api"
	"github.com/capgw/capgw/internal/cap"
	"github.com/capgw/capgw/internal/config"
	"github.com/capgw/capgw/internal/database"
	"github.com/capgw/capgw/internal/gateway"
	"github.com/capgw/capgw/internal/metrics"
	"github.com/capgw/capgw/internal/sipas"
	"github.com/capgw/capgw/internal/tcap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("starting capgw",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"sctp_local", cfg.SCTPLocalAddr,
		"sctp_remote", cfg.SCTPRemoteAddr,
		"opc", cfg.OPC,
		"dpc", cfg.DPC,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	repos := database.NewRepositories(db)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// The gateway sits between two stacks that each need a reference to
	// it, so its stack-facing dependencies are bound through shims that
	// are filled in once the stacks exist, before any traffic flows.
	dialogs := &dialogProviderShim{}
	sessions := &sessionFactoryShim{}

	gw, err := gateway.New(cfg, dialogs, sessions, repos, logger)
	if err != nil {
		slog.Error("failed to create gateway", "error", err)
		os.Exit(1)
	}
	if err := gw.ReloadRouting(appCtx); err != nil {
		slog.Error("failed to load routing tables", "error", err)
		os.Exit(1)
	}

	// SIP side toward the application servers.
	transport, err := sipas.NewTransport(cfg.SIPHost, cfg.SIPPort, gw, logger)
	if err != nil {
		slog.Error("failed to create sip transport", "error", err)
		os.Exit(1)
	}
	sessions.transport = transport
	if err := transport.Start(appCtx); err != nil {
		slog.Error("failed to start sip transport", "error", err)
		os.Exit(1)
	}

	// SIGTRAN side toward the switch.
	provider := tcap.New(tcap.Config{
		LocalAddr:  cfg.SCTPLocalAddr,
		RemoteAddr: cfg.SCTPRemoteAddr,
		OPC:        cfg.OPC,
		DPC:        cfg.DPC,
		LocalGT:    cfg.LocalGT,
		RemoteGT:   cfg.RemoteGT,
	}, gw, logger)
	dialogs.provider = provider
	go func() {
		if err := provider.Serve(appCtx); err != nil && appCtx.Err() == nil {
			slog.Error("tcap provider stopped", "error", err)
		}
	}()

	// Metrics and management API.
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(gw, provider, time.Now()))
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	apiSrv := api.NewServer(gw, provider, repos, metricsHandler, cfg.APIToken, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      apiSrv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()
	transport.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("capgw stopped")
}

// dialogProviderShim defers dialog lookups to the TCAP provider, which is
// constructed after the gateway.
type dialogProviderShim struct {
	provider *tcap.Provider
}

func (s *dialogProviderShim) Dialog(id uint32) (cap.Dialog, bool) {
	if s.provider == nil {
		return nil, false
	}
	return s.provider.Dialog(id)
}

// sessionFactoryShim defers session management to the SIP transport, which
// is constructed after the gateway.
type sessionFactoryShim struct {
	transport *sipas.Transport
}

func (s *sessionFactoryShim) NewSession(callID string, target sipas.Instance) sipas.Session {
	return s.transport.NewSession(callID, target)
}

func (s *sessionFactoryShim) EndSession(callID string) {
	if s.transport != nil {
		s.transport.EndSession(callID)
	}
}
