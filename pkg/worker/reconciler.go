package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/strato-cloud/strato/pkg/backend"
	"github.com/strato-cloud/strato/pkg/telemetry"
)

// LiveStatus is the backend truth observed at read time. It is overlaid
// onto stored records and never written back.
type LiveStatus string

const (
	LiveStatusExists   LiveStatus = "Exists"
	LiveStatusNotExist LiveStatus = "NotExist"
)

// Reconciler answers live-status queries against the backend on read
// paths. A backend NotFound is an answer, not an error.
type Reconciler struct {
	backend backend.Backend
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewReconciler creates a reconciler.
func NewReconciler(be backend.Backend, logger *telemetry.Logger, metrics *telemetry.Metrics) *Reconciler {
	return &Reconciler{
		backend: be,
		logger:  logger.NewComponentLogger("reconciler"),
		metrics: metrics,
	}
}

// Status reports whether the backend object still exists. An empty backend
// id means the object was never provisioned, so it does not exist.
func (r *Reconciler) Status(ctx context.Context, kind backend.Kind, backendID string) (LiveStatus, error) {
	live, _, err := r.query(ctx, kind, backendID)
	return live, err
}

// InstanceStatus reports existence plus the live network addresses of a
// compute instance.
func (r *Reconciler) InstanceStatus(ctx context.Context, backendID string) (LiveStatus, map[string][]string, error) {
	return r.query(ctx, backend.KindInstance, backendID)
}

func (r *Reconciler) query(ctx context.Context, kind backend.Kind, backendID string) (LiveStatus, map[string][]string, error) {
	if backendID == "" {
		r.record(kind, LiveStatusNotExist)
		return LiveStatusNotExist, nil, nil
	}

	start := time.Now()
	status, err := r.backend.Status(ctx, kind, backendID)
	if r.metrics != nil {
		outcome := "ok"
		if err != nil && !errors.Is(err, backend.ErrNotFound) {
			outcome = "error"
		}
		r.metrics.RecordBackendCall(string(kind), "status", outcome, time.Since(start))
	}

	if errors.Is(err, backend.ErrNotFound) {
		r.record(kind, LiveStatusNotExist)
		return LiveStatusNotExist, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("status %s: %v: %w", kind, err, ErrBackendFailure)
	}

	r.record(kind, LiveStatusExists)
	return LiveStatusExists, status.Addresses, nil
}

func (r *Reconciler) record(kind backend.Kind, live LiveStatus) {
	if r.metrics != nil {
		r.metrics.RecordReconcile(string(kind), string(live))
	}
}
