package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/reeflab/reefd/internal/alerting"
	"github.com/reeflab/reefd/internal/api"
	"github.com/reeflab/reefd/internal/config"
	"github.com/reeflab/reefd/internal/logging"
	"github.com/reeflab/reefd/internal/polling"
	"github.com/reeflab/reefd/internal/scheduling"
	"github.com/reeflab/reefd/internal/store"
	"github.com/reeflab/reefd/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "reefd",
	Short:   "reefd - reef aquarium automation core",
	Long:    `reefd schedules device actions, polls sensors and evaluates threshold alerts for a reef aquarium controller`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("reefd %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
		fmt.Printf("Go: %s\n", runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup; re-initialized from config below.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "reefd",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "reefd",
		FilePath:  cfg.LogFile,
	})
	defer logging.Shutdown()

	api.Version = Version
	log.Info().Str("version", Version).Msg("Starting reefd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("Failed to open store")
	}
	defer st.Close()

	metricsAddr := fmt.Sprintf("%s:%d", cfg.BackendHost, cfg.MetricsPort)
	startMetricsServer(ctx, metricsAddr)

	hub := websocket.NewHub(cfg.AllowedOrigins)
	go hub.Run(ctx)

	scheduler := scheduling.NewWorker(st, scheduling.SimulatedController{}, hub, cfg.SchedulerInterval)
	poller := polling.NewPoller(st, polling.SimulatedDriver{}, hub, cfg.PollerRefreshInterval, cfg.RetentionDays)
	evaluator := alerting.NewEvaluator(st, hub, cfg.AlertInterval)

	scheduler.Start(ctx)
	poller.Start(ctx)
	evaluator.Start(ctx)

	handler := api.NewRouter(cfg, st, scheduler, poller, hub)
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.BackendHost, cfg.BackendPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Watch the .env file so token and log level changes apply without a
	// restart; SIGHUP forces the same reload.
	watcher, err := config.NewWatcher(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable")
	} else {
		watcher.SetReloadCallback(func() {
			logging.Init(logging.Config{
				Format:    cfg.LogFormat,
				Level:     cfg.RuntimeLogLevel(),
				Component: "reefd",
				FilePath:  cfg.LogFile,
			})
			log.Info().Msg("Configuration reloaded")
		})
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer watcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("API server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case sig := <-sigCh:
				if sig == syscall.SIGHUP {
					log.Info().Msg("Received SIGHUP, reloading configuration")
					if watcher != nil {
						watcher.Reload()
					}
					continue
				}
				log.Info().Str("signal", sig.String()).Msg("Shutting down")
				return shutdown(srv, scheduler, poller, evaluator, cancel)
			}
		}
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}
	log.Info().Msg("reefd stopped")
}

// shutdown drains the HTTP server first, then stops the workers so in-flight
// actions and polls complete or hit their deadlines.
func shutdown(srv *http.Server, scheduler *scheduling.Worker, poller *polling.Poller, evaluator *alerting.Evaluator, cancel context.CancelFunc) error {
	shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down API server cleanly")
	}

	scheduler.Stop()
	poller.Stop()
	evaluator.Stop()
	cancel()
	return nil
}
