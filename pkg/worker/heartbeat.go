package worker

import (
	"context"
	"time"

	"github.com/strato-cloud/strato/pkg/telemetry"
)

// ReportFunc delivers one liveness report. The transport behind it is a
// collaborator concern (NATS publish or a direct registry call).
type ReportFunc func(node, role string) error

// Reporter periodically reports this node's liveness for each role it
// serves. The timer lives here, on the worker side; the registry only
// records arrivals.
type Reporter struct {
	node     string
	roles    []string
	interval time.Duration
	report   ReportFunc
	logger   *telemetry.Logger
}

// NewReporter creates a heartbeat reporter.
func NewReporter(node string, roles []string, interval time.Duration, report ReportFunc, logger *telemetry.Logger) *Reporter {
	return &Reporter{
		node:     node,
		roles:    roles,
		interval: interval,
		report:   report,
		logger:   logger.NewComponentLogger("heartbeat"),
	}
}

// Run reports immediately and then on every tick until the context is
// cancelled. Delivery failures are logged and retried on the next tick.
func (r *Reporter) Run(ctx context.Context) {
	r.reportAll()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reportAll()
		}
	}
}

func (r *Reporter) reportAll() {
	for _, role := range r.roles {
		if err := r.report(r.node, role); err != nil {
			r.logger.WithNode(r.node).WithField("role", role).WithError(err).Warn("heartbeat delivery failed")
		}
	}
}
