package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/strato-cloud/strato/pkg/backend"
	"github.com/strato-cloud/strato/pkg/dispatch"
	"github.com/strato-cloud/strato/pkg/placement"
	"github.com/strato-cloud/strato/pkg/stores"
	"github.com/strato-cloud/strato/pkg/telemetry"
	"github.com/strato-cloud/strato/pkg/worker"
)

// Selector is the placement contract the coordinator depends on.
type Selector interface {
	Select(role string, filters placement.Filters) (string, error)
}

// LiveStatusSource answers read-time liveness queries. Local deployments
// use the worker reconciler directly; remote ones an RPC client.
type LiveStatusSource interface {
	Status(ctx context.Context, kind backend.Kind, backendID string) (worker.LiveStatus, error)
	InstanceStatus(ctx context.Context, backendID string) (worker.LiveStatus, map[string][]string, error)
}

// Coordinator runs the per-kind lifecycle use cases. Every create follows
// the same two-phase shape: validate and persist intent, then select a
// node and dispatch asynchronously, compensating with an ERROR write when
// selection or enqueueing fails.
type Coordinator struct {
	store    stores.Store
	selector Selector
	disp     dispatch.Dispatcher
	live     LiveStatusSource
	tree     *TreeManager
	validate *validator.Validate
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// Options carries the coordinator's collaborators.
type Options struct {
	Store      stores.Store
	Selector   Selector
	Dispatcher dispatch.Dispatcher
	Live       LiveStatusSource
	Logger     *telemetry.Logger
	Metrics    *telemetry.Metrics
	Tracer     *telemetry.Tracer
}

// NewCoordinator creates a coordinator.
func NewCoordinator(opts Options) *Coordinator {
	logger := opts.Logger.NewComponentLogger("coordinator")
	return &Coordinator{
		store:    opts.Store,
		selector: opts.Selector,
		disp:     opts.Dispatcher,
		live:     opts.Live,
		tree:     NewTreeManager(opts.Store, opts.Logger),
		validate: validator.New(),
		logger:   logger,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
	}
}

// Tree exposes the process tree manager.
func (c *Coordinator) Tree() *TreeManager {
	return c.tree
}

// validateRequest runs struct validation, mapping failures to the
// validation error kind.
func (c *Coordinator) validateRequest(req any) error {
	if err := c.validate.Struct(req); err != nil {
		return NewValidationError("invalid request", err)
	}
	return nil
}

// startSpan opens a coordinator operation span when tracing is configured.
func (c *Coordinator) startSpan(ctx context.Context, operation, groupID string) (context.Context, func(error)) {
	if c.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := c.tracer.StartOperationSpan(ctx, operation, groupID)
	return ctx, func(err error) {
		if err != nil {
			telemetry.RecordError(span, err)
		}
		span.End()
	}
}

// dispatchProvision runs phase two of a create: select a node for the
// command's role and enqueue it. On any failure the just-written row is
// transitioned to ERROR via markError before the classified error returns.
func (c *Coordinator) dispatchProvision(ctx context.Context, cmdType dispatch.CommandType, groupID string, payload any, markError func(context.Context)) error {
	role, err := cmdType.Role()
	if err != nil {
		markError(ctx)
		return NewDispatchError("unroutable command", err)
	}

	node, err := c.selector.Select(role, placement.Filters{})
	if err != nil {
		markError(ctx)
		if errors.Is(err, placement.ErrNoViableNode) {
			return NewNoViableNodeError("no live worker for role "+role, err)
		}
		return NewDispatchError("node selection failed", err)
	}

	cmd, err := dispatch.NewCommand(cmdType, groupID, payload)
	if err != nil {
		markError(ctx)
		return NewDispatchError("failed to build command", err)
	}

	if err := c.disp.Send(ctx, node, cmd); err != nil {
		markError(ctx)
		return NewDispatchError("failed to enqueue command", err)
	}

	c.logger.WithGroupID(groupID).WithNode(node).WithCommandID(cmd.ID).
		WithField("command", string(cmd.Type)).Info("command dispatched")
	return nil
}

// dispatchTeardown sends a delete command for an already-checked resource.
// Teardown dispatch failures propagate; the row is not soft-deleted until
// the teardown is on its way.
func (c *Coordinator) dispatchTeardown(ctx context.Context, cmdType dispatch.CommandType, groupID string, payload any) error {
	return c.dispatchProvision(ctx, cmdType, groupID, payload, func(context.Context) {})
}

// markResourceError writes the compensating ERROR transition. A failure
// here is logged, not propagated: the original failure is the answer.
func (c *Coordinator) markResourceError(ctx context.Context, update func(context.Context) error, id string) {
	if err := update(ctx); err != nil {
		c.logger.WithError(err).WithField("resource", id).Error("failed to mark resource ERROR")
	}
}

// readOptions controls read-path decoration.
type readOptions struct {
	liveStatus bool
}

// ReadOption configures a get or list operation.
type ReadOption func(*readOptions)

// WithLiveStatus overlays live backend status onto returned records. The
// overlay is never written back to the store.
func WithLiveStatus() ReadOption {
	return func(o *readOptions) { o.liveStatus = true }
}

func applyReadOptions(opts []ReadOption) readOptions {
	var o readOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// overlayStatus maps a persisted status plus observed liveness to the
// reported status. A BUILDING row whose backend object exists reports
// ACTIVE; ACTIVE is never persisted.
func overlayStatus(persisted stores.ResourceStatus, live worker.LiveStatus) stores.ResourceStatus {
	if persisted == stores.ResourceStatusBuilding && live == worker.LiveStatusExists {
		return stores.ResourceStatusActive
	}
	return persisted
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// strptr returns nil for the empty string.
func strptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func now() time.Time {
	return time.Now().UTC()
}
