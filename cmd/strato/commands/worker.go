package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/strato-cloud/strato/pkg/backend"
	"github.com/strato-cloud/strato/pkg/config"
	"github.com/strato-cloud/strato/pkg/dispatch"
	"github.com/strato-cloud/strato/pkg/stores"
	"github.com/strato-cloud/strato/pkg/telemetry"
	"github.com/strato-cloud/strato/pkg/worker"
)

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a worker node",
		Long: `Run a Strato worker: subscribes to this node's command subjects for each
configured role, executes provisioning against the backend, answers
live-status RPCs, and reports liveness heartbeats.

Requires NATS; the controller runs its own worker in dev mode.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runWorker(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if !cfg.NATS.Enabled {
		return fmt.Errorf("worker mode requires nats; enable it in the configuration")
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	log := logger.NewComponentLogger("worker").WithNode(cfg.Worker.Node)

	// The worker records backend identifiers into the shared store; WAL
	// mode keeps the controller and workers compatible.
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Server.DatabasePath})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer store.Close()

	bus, err := dispatch.NewBus(cfg.NATS.URL, "strato-worker-"+cfg.Worker.Node, logger, metrics)
	if err != nil {
		return err
	}
	defer bus.Close()

	be := backend.NewMemory()
	prov := worker.NewProvisioner(be, store, logger, metrics)
	rec := worker.NewReconciler(be, logger, metrics)

	for _, role := range cfg.Worker.Roles {
		if _, err := bus.SubscribeCommands(cfg.Worker.Node, role, func(cmd dispatch.Command) {
			if err := prov.Handle(ctx, cmd); err != nil {
				log.WithError(err).WithCommandID(cmd.ID).Error("command failed")
			}
		}); err != nil {
			return err
		}
		if _, err := bus.HandleRPC(role, worker.StatusMethod, worker.StatusRPCHandler(rec)); err != nil {
			return err
		}
	}

	reporter := worker.NewReporter(cfg.Worker.Node, cfg.Worker.Roles, cfg.Worker.HeartbeatInterval,
		bus.PublishHeartbeat, logger)
	go reporter.Run(ctx)

	go func() {
		if err := metrics.Serve(); err != nil {
			log.WithError(err).Error("metrics endpoint failed")
		}
	}()

	log.WithField("roles", cfg.Worker.Roles).Info("worker started")
	<-ctx.Done()
	log.Info("worker stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("metrics shutdown failed")
	}
	return nil
}
