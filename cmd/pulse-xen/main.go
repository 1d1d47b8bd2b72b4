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

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/pulse-xen/internal/api"
	"github.com/rcourtman/pulse-xen/internal/config"
	"github.com/rcourtman/pulse-xen/internal/logging"
	"github.com/rcourtman/pulse-xen/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const shutdownTimeout = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:   "pulse-xen",
	Short: "Pulse for XCP-ng - live VM state for a Xen pool",
	Long: `pulse-xen keeps an in-memory model of every VM in an XCP-ng/XenServer pool
current by polling inventory, events and RRD metrics, and serves it over a REST
API and a WebSocket feed.`,
	Version:      Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "pulse-xen %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(vmsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() error {
	// Baseline logger for early startup messages
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "pulse-xen"})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	initLogging(cfg)
	defer logging.Shutdown()

	log.Info().Str("version", Version).Str("host", cfg.XenHost).Msg("Starting pulse-xen")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	synchronizer := registry.Synchronizer()

	if cfg.MetricsAddr != "" {
		startMetricsServer(ctx, cfg.MetricsAddr)
	}

	wsHub := websocket.NewHub(nil)
	go wsHub.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.NewRouter(registry, wsHub, Version),
		// ReadTimeout would also cut upgraded WebSocket connections.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	configWatcher, err := config.NewConfigWatcher(cfg, func(level string) {
		logging.SetLevel(level)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, .env changes will require restart")
	} else {
		if err := configWatcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer configWatcher.Stop()
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)
	defer signal.Stop(sigChan)
	defer signal.Stop(reloadChan)

	var runErr error
wait:
	for {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, reloading configuration")
			if configWatcher != nil {
				configWatcher.ReloadConfig()
			}
		case <-sigChan:
			log.Info().Msg("Shutting down server")
			break wait
		case err := <-serveErr:
			runErr = fmt.Errorf("http server: %w", err)
			break wait
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	synchronizer.Stop()
	if err := synchronizer.Wait(); err != nil {
		log.Warn().Err(err).Msg("Synchronizer ended with a terminated loop")
	}

	log.Info().Msg("Server stopped")
	return runErr
}

func initLogging(cfg *config.Config) {
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "pulse-xen",
		FilePath:  cfg.LogFile,
	})
}
