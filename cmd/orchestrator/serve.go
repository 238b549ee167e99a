package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/modelforge/modelforge-go/pkg/api"
	"github.com/modelforge/modelforge-go/pkg/events"
	"github.com/modelforge/modelforge-go/pkg/models"
	"github.com/modelforge/modelforge-go/pkg/optimizer"
	"github.com/modelforge/modelforge-go/pkg/orchestrator"
	"github.com/modelforge/modelforge-go/pkg/recordstore"
	"github.com/modelforge/modelforge-go/pkg/resources"
	"github.com/modelforge/modelforge-go/pkg/scheduler"
	"github.com/modelforge/modelforge-go/pkg/supervisor"
)

// shutdownTimeout bounds how long in-flight HTTP requests may delay
// process exit.
const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Logging)

		if dir := filepath.Dir(cfg.Storage.DatabasePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating storage directory: %w", err)
			}
		}
		store, err := recordstore.NewSQLiteStore(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("opening record store: %w", err)
		}
		defer store.Close()

		monitor := resources.NewMonitor(cfg.Resources,
			resources.NewSystemProber(time.Duration(cfg.Resources.GPUProbeTimeout)*time.Second), logger)
		opt := optimizer.New(cfg.Optimizer, monitor, logger)
		bus := events.NewBus(logger)
		sup := supervisor.NewService(cfg.Supervisor, cfg.Worker, cfg.Resources, monitor, bus, logger)
		sched := scheduler.NewService(cfg.Scheduler, cfg.Worker, store, opt, bus, logger)
		svc := orchestrator.NewService(cfg, logger, store, monitor, opt, sup, sched, bus)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := svc.Start(ctx); err != nil {
			return err
		}

		eventCh, unsubscribe := svc.Subscribe("serve-log", 64)
		go logEvents(ctx, logger, eventCh)

		server := api.NewServer(cfg.Server, svc, logger)
		serverErr := make(chan error, 1)
		go func() {
			serverErr <- server.Start()
		}()

		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
		case err := <-serverErr:
			if err != nil {
				logger.Error("api server failed", "error", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api server shutdown", "error", err)
		}

		unsubscribe()
		svc.Stop()
		bus.Close()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// logEvents mirrors the orchestration event stream into the log until
// shutdown. Out-of-scope fan-out transports subscribe the same way.
func logEvents(ctx context.Context, logger hclog.Logger, events <-chan models.Event) {
	logger = logger.Named("events")
	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case models.EventJobProgress:
				logger.Debug("job progress",
					"job_id", ev.JobID,
					"progress", ev.Progress.Progress,
					"epoch", ev.Progress.Epoch,
					"loss", ev.Progress.Loss,
				)
			case models.EventServiceFailed:
				logger.Error("worker service failed permanently", "last_error", ev.Service.LastError)
			default:
				logger.Info(string(ev.Type), "job_id", ev.JobID)
			}
		case <-ctx.Done():
			return
		}
	}
}
