package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/strato-cloud/strato/pkg/backend"
	"github.com/strato-cloud/strato/pkg/config"
	"github.com/strato-cloud/strato/pkg/dispatch"
	"github.com/strato-cloud/strato/pkg/orchestrator"
	"github.com/strato-cloud/strato/pkg/placement"
	"github.com/strato-cloud/strato/pkg/registry"
	"github.com/strato-cloud/strato/pkg/stores"
	"github.com/strato-cloud/strato/pkg/telemetry"
	"github.com/strato-cloud/strato/pkg/worker"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the controller",
		Long: `Run the Strato controller: opens the store, runs migrations, tracks worker
liveness, and coordinates resource lifecycles.

With NATS enabled, commands are published to worker nodes and live status is
queried over the bus. Without it, a single worker with an in-memory backend
runs inside the controller process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// appStatusReport is the wire form of a workload's application status
// report.
type appStatusReport struct {
	GroupID   string `json:"group_id"`
	PID       string `json:"pid"`
	AppStatus string `json:"app_status"`
}

// proxyEndpointsReport is the wire form of a proxy process announcing its
// relay endpoints.
type proxyEndpointsReport struct {
	GroupID        string `json:"group_id"`
	PID            string `json:"pid"`
	APIEndpoint    string `json:"api_endpoint"`
	BusEndpoint    string `json:"bus_endpoint"`
	TunnelEndpoint string `json:"tunnel_endpoint"`
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing,
		cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}

	log := logger.NewComponentLogger("serve")

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Server.DatabasePath})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	reg := registry.New(cfg.Liveness.Threshold, logger, metrics)
	selector := placement.NewSelector(reg, logger, metrics)

	var (
		disp dispatch.Dispatcher
		live orchestrator.LiveStatusSource
		bus  *dispatch.Bus
	)
	if cfg.NATS.Enabled {
		bus, err = dispatch.NewBus(cfg.NATS.URL, "strato-controller", logger, metrics)
		if err != nil {
			return err
		}
		defer bus.Close()

		if _, err := bus.SubscribeHeartbeats(reg.Report); err != nil {
			return err
		}
		disp = bus
		live = worker.NewRemoteStatus(bus)
	} else {
		// Dev mode: one in-process worker against the in-memory backend.
		be := backend.NewMemory()
		prov := worker.NewProvisioner(be, store, logger, metrics)
		local := dispatch.NewLocal(cfg.Dispatch.QueueSize, logger, metrics)
		go local.Run(ctx, func(ctx context.Context, env dispatch.Envelope) {
			if err := prov.Handle(ctx, env.Command); err != nil {
				log.WithError(err).WithCommandID(env.Command.ID).Error("command failed")
			}
		})

		reporter := worker.NewReporter(cfg.Worker.Node, cfg.Worker.Roles, cfg.Worker.HeartbeatInterval,
			func(node, role string) error {
				reg.Report(node, role)
				return nil
			}, logger)
		go reporter.Run(ctx)

		disp = local
		live = worker.NewReconciler(be, logger, metrics)
	}

	coord := orchestrator.NewCoordinator(orchestrator.Options{
		Store:      store,
		Selector:   selector,
		Dispatcher: disp,
		Live:       live,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
	})

	// Workloads report their application status and proxy endpoints over
	// the bus.
	if bus != nil {
		if _, err := bus.HandleRPC("controller", "app_status", func(req []byte) ([]byte, error) {
			var r appStatusReport
			if err := json.Unmarshal(req, &r); err != nil {
				return nil, err
			}
			if err := coord.SetProcessAppStatus(ctx, r.GroupID, r.PID, r.AppStatus); err != nil {
				return nil, err
			}
			return []byte(`{}`), nil
		}); err != nil {
			return err
		}
		if _, err := bus.HandleRPC("controller", "proxy_endpoints", func(req []byte) ([]byte, error) {
			var r proxyEndpointsReport
			if err := json.Unmarshal(req, &r); err != nil {
				return nil, err
			}
			if err := coord.AttachProxyEndpoints(ctx, orchestrator.AttachProxyEndpointsRequest{
				GroupID:        r.GroupID,
				PID:            r.PID,
				APIEndpoint:    r.APIEndpoint,
				BusEndpoint:    r.BusEndpoint,
				TunnelEndpoint: r.TunnelEndpoint,
			}); err != nil {
				return nil, err
			}
			return []byte(`{}`), nil
		}); err != nil {
			return err
		}
	}

	if configPath != "" {
		err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
			logger.SetLevel(next.Telemetry.Logging.Level)
			reg.SetThreshold(next.Liveness.Threshold)
		})
		if err != nil {
			return err
		}
	}

	go func() {
		if err := metrics.Serve(); err != nil {
			log.WithError(err).Error("metrics endpoint failed")
		}
	}()

	log.WithField("database", cfg.Server.DatabasePath).
		WithField("nats", cfg.NATS.Enabled).Info("controller started")
	<-ctx.Done()
	log.Info("controller stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("metrics shutdown failed")
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("tracer shutdown failed")
	}
	return nil
}
