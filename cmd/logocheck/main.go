package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/veriflow/logocheck/pkg/api"
	"github.com/veriflow/logocheck/pkg/config"
	"github.com/veriflow/logocheck/pkg/detector"
	"github.com/veriflow/logocheck/pkg/hub"
	"github.com/veriflow/logocheck/pkg/ingest"
	"github.com/veriflow/logocheck/pkg/log"
	"github.com/veriflow/logocheck/pkg/maintenance"
	"github.com/veriflow/logocheck/pkg/notify"
	"github.com/veriflow/logocheck/pkg/recovery"
	"github.com/veriflow/logocheck/pkg/session"
	"github.com/veriflow/logocheck/pkg/storage"
	"github.com/veriflow/logocheck/pkg/tracker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "logocheck",
	Short: "Logocheck - batch image-validation orchestrator",
	Long: `Logocheck orchestrates batches of images through an external
detection worker: durable batch bookkeeping, bounded concurrent
processing with retry, live progress over websockets, and scheduled
cleanup of expired state.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Logocheck version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
	serveCmd.Flags().String("store-root", "", "Filesystem root for persistent state (overrides config)")
	serveCmd.Flags().String("detector-url", "", "Base URL of the detection worker (overrides config)")
	serveCmd.Flags().Int("workers", 0, "Ingest worker pool size (overrides config)")
	serveCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		if v, _ := cmd.Flags().GetString("listen"); v != "" {
			cfg.ListenAddr = v
		}
		if v, _ := cmd.Flags().GetString("store-root"); v != "" {
			cfg.StoreRoot = v
		}
		if v, _ := cmd.Flags().GetString("detector-url"); v != "" {
			cfg.DetectorURL = v
		}
		if v, _ := cmd.Flags().GetInt("workers"); v > 0 {
			cfg.WorkerConcurrency = v
		}
		if v, _ := cmd.Flags().GetString("log-level"); v != "" {
			cfg.LogLevel = v
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})

		return run(cfg)
	},
}

func run(cfg *config.Config) error {
	store, err := storage.NewFileStore(cfg.StoreRoot)
	if err != nil {
		return fmt.Errorf("failed to create store root: %w", err)
	}

	index, err := storage.OpenIndex(cfg.StoreRoot)
	if err != nil {
		return fmt.Errorf("failed to open batch index: %w", err)
	}
	defer index.Close()

	if err := index.Rebuild(store); err != nil {
		return fmt.Errorf("failed to rebuild batch index: %w", err)
	}

	progressHub := hub.New(cfg.StaleWindow)
	progressHub.Start(cfg.HeartbeatInterval)

	mailer := notify.NewMailer(cfg.SMTP)

	var notifier tracker.Notifier
	if mailer != nil {
		notifier = mailer
	}
	trk := tracker.New(store, index, progressHub, notifier)

	det := detector.NewClient(cfg.DetectorURL, cfg.ConfidenceThreshold, cfg.DetectorTimeout)

	pipeline := ingest.New(trk, store, det, progressHub, ingest.Config{
		Workers: cfg.WorkerConcurrency,
		Retry: ingest.RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			Multiplier:  2,
		},
		ShutdownGrace: cfg.ShutdownGrace,
	})

	// Resume any batch the last process left in flight
	if err := recovery.New(store, trk, pipeline).Run(); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	sessions := session.NewManager(cfg.AdminUsername, cfg.AdminPassword, cfg.SessionDuration)

	maint := maintenance.NewScheduler(store, trk, sessions, maintenance.Config{
		TempSweepInterval:   cfg.TempSweepInterval,
		TempAge:             cfg.TempAge,
		BatchExpiryInterval: cfg.BatchExpiryInterval,
		BatchAge:            cfg.BatchAge,
		PendingAge:          cfg.PendingAge,
		SessionSweep:        cfg.SessionSweep,
	})
	maint.Start()

	server := api.NewServer(cfg, trk, pipeline, progressHub, sessions, maint, store, index)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- fmt.Errorf("api server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutting down")
	case err := <-errCh:
		// Cannot bind the port (or similar fatal serve error): shut the
		// rest down and exit non-zero
		shutdown(server, maint, pipeline, progressHub)
		return err
	}

	shutdown(server, maint, pipeline, progressHub)
	log.Info("shutdown complete")
	return nil
}

// shutdown stops components in dependency order: stop taking requests,
// stop background jobs, drain workers, then drop progress clients
func shutdown(server *api.Server, maint *maintenance.Scheduler, pipeline *ingest.Pipeline, progressHub *hub.Hub) {
	server.Stop()
	maint.Stop()
	pipeline.Stop()
	progressHub.Stop()
}
