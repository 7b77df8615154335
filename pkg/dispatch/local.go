package dispatch

import (
	"context"
	"errors"

	"github.com/strato-cloud/strato/pkg/telemetry"
)

// ErrQueueFull indicates the in-process queue rejected a command.
var ErrQueueFull = errors.New("dispatch queue full")

// Dispatcher hands a command to a worker node, fire-and-forget. Send fails
// synchronously only when the command could not be enqueued at all.
type Dispatcher interface {
	Send(ctx context.Context, node string, cmd Command) error
}

// Envelope is a command addressed to one node.
type Envelope struct {
	Node    string  `json:"node"`
	Command Command `json:"command"`
}

// Local is a bounded in-process queue dispatcher, used by dev mode and
// tests. A full queue fails Send immediately rather than blocking.
type Local struct {
	queue   chan Envelope
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewLocal creates an in-process dispatcher with the given queue capacity.
func NewLocal(capacity int, logger *telemetry.Logger, metrics *telemetry.Metrics) *Local {
	return &Local{
		queue:   make(chan Envelope, capacity),
		logger:  logger.NewComponentLogger("dispatch"),
		metrics: metrics,
	}
}

// Send enqueues a command for a node. Fails with ErrQueueFull when the
// queue has no room.
func (l *Local) Send(_ context.Context, node string, cmd Command) error {
	env := Envelope{Node: node, Command: cmd}
	select {
	case l.queue <- env:
		if l.metrics != nil {
			l.metrics.RecordDispatch(string(cmd.Type), "sent")
		}
		l.logger.WithNode(node).WithCommandID(cmd.ID).Debug("command enqueued")
		return nil
	default:
		if l.metrics != nil {
			l.metrics.RecordDispatch(string(cmd.Type), "rejected")
		}
		return ErrQueueFull
	}
}

// Run consumes enqueued commands until the context is cancelled, invoking
// the handler for each.
func (l *Local) Run(ctx context.Context, handler func(ctx context.Context, env Envelope)) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-l.queue:
			handler(ctx, env)
		}
	}
}

// DrainPending handles the commands already queued and returns. Used by
// dev mode shutdown and tests that need deterministic delivery.
func (l *Local) DrainPending(ctx context.Context, handler func(ctx context.Context, env Envelope)) {
	for {
		select {
		case env := <-l.queue:
			handler(ctx, env)
		default:
			return
		}
	}
}

// Pending reports how many commands are waiting in the queue.
func (l *Local) Pending() int {
	return len(l.queue)
}
