package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/remote-agent-terminal/relayhub/api/handlers"
	"github.com/remote-agent-terminal/relayhub/internal/cli"
	"github.com/remote-agent-terminal/relayhub/internal/config"
	"github.com/remote-agent-terminal/relayhub/internal/logger"
	"github.com/remote-agent-terminal/relayhub/internal/ws"
)

func main() {
	cmd := &cobra.Command{
		Use:           "relayhub",
		Short:         "Relay hub connecting dashboards and agents",
		Version:       cli.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cli.BindHubFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := flags.Load(cmd)
		if err != nil {
			return err
		}
		return serve(cfg)
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serve(cfg *config.HubConfig) error {
	// Initialize logger
	log := logger.New(cfg.Env, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize hub service
	svc, err := ws.NewService(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize hub: %w", err)
	}
	svc.Start(ctx)

	routerCfg := handlers.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		Development:    cfg.IsDevelopment(),
		Logger:         log,
	}
	if repo := svc.Presence(); repo != nil {
		routerCfg.Presence = repo
	}
	router := handlers.NewRouter(svc.Hub(), routerCfg)

	// Only the header read is bounded: upgraded connections inherit the
	// server's deadlines and must live indefinitely.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Addr).
			Str("env", cfg.Env).
			Str("tokenPolicy", cfg.TokenPolicy).
			Msg("starting relay hub")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
	case runErr = <-serveErr:
		log.Error().Err(runErr).Msg("server failed")
	case <-svc.Hub().Done():
		runErr = errors.New("hub loop exited")
	}

	log.Info().Msg("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	// Stopping the hub closes every peer with a going-away frame.
	svc.Close()

	log.Info().Msg("server stopped")
	return runErr
}
