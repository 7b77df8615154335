package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/strato-cloud/strato/pkg/telemetry"
)

// Subject layout. Commands are addressed per node; RPC calls are
// queue-grouped per role so any live worker can answer.
const (
	subjectCommandFmt = "strato.cmd.%s.%s"
	subjectRPCFmt     = "strato.rpc.%s.%s"
	subjectHeartbeat  = "strato.heartbeat"
)

// HeartbeatMessage is the wire form of one liveness report.
type HeartbeatMessage struct {
	Node string `json:"node"`
	Role string `json:"role"`
}

// Bus is the NATS-backed dispatcher and heartbeat/RPC transport.
type Bus struct {
	conn    *nats.Conn
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewBus connects to NATS with unlimited reconnects.
func NewBus(url, name string, logger *telemetry.Logger, metrics *telemetry.Metrics) (*Bus, error) {
	log := logger.NewComponentLogger("bus")

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &Bus{
		conn:    conn,
		logger:  log,
		metrics: metrics,
	}, nil
}

// Send publishes a command to one node's command subject.
func (b *Bus) Send(_ context.Context, node string, cmd Command) error {
	if b.conn == nil || b.conn.IsClosed() {
		return fmt.Errorf("nats not connected")
	}

	role, err := cmd.Type.Role()
	if err != nil {
		return err
	}

	raw, err := Encode(cmd)
	if err != nil {
		return err
	}

	subject := fmt.Sprintf(subjectCommandFmt, role, node)
	if err := b.conn.Publish(subject, raw); err != nil {
		if b.metrics != nil {
			b.metrics.RecordDispatch(string(cmd.Type), "rejected")
		}
		return fmt.Errorf("failed to publish command: %w", err)
	}

	if b.metrics != nil {
		b.metrics.RecordDispatch(string(cmd.Type), "sent")
	}
	b.logger.WithNode(node).WithCommandID(cmd.ID).Debug("command published")
	return nil
}

// SubscribeCommands delivers commands addressed to a node for a role.
func (b *Bus) SubscribeCommands(node, role string, handler func(cmd Command)) (*nats.Subscription, error) {
	subject := fmt.Sprintf(subjectCommandFmt, role, node)
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		cmd, err := Decode(msg.Data)
		if err != nil {
			b.logger.WithError(err).Error("dropping undecodable command")
			return
		}
		handler(cmd)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// PublishHeartbeat publishes one liveness report.
func (b *Bus) PublishHeartbeat(node, role string) error {
	raw, err := json.Marshal(HeartbeatMessage{Node: node, Role: role})
	if err != nil {
		return fmt.Errorf("failed to encode heartbeat: %w", err)
	}
	if err := b.conn.Publish(subjectHeartbeat, raw); err != nil {
		return fmt.Errorf("failed to publish heartbeat: %w", err)
	}
	return nil
}

// SubscribeHeartbeats delivers liveness reports to the registry ingress.
func (b *Bus) SubscribeHeartbeats(handler func(node, role string)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subjectHeartbeat, func(msg *nats.Msg) {
		var hb HeartbeatMessage
		if err := json.Unmarshal(msg.Data, &hb); err != nil {
			b.logger.WithError(err).Error("dropping undecodable heartbeat")
			return
		}
		handler(hb.Node, hb.Role)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to heartbeats: %w", err)
	}
	return sub, nil
}

// Call performs a JSON request/reply against a role's RPC subject. Any
// worker in the role's queue group may answer.
func (b *Bus) Call(ctx context.Context, role, method string, req, resp any) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	subject := fmt.Sprintf(subjectRPCFmt, role, method)
	msg, err := b.conn.RequestWithContext(ctx, subject, raw)
	if err != nil {
		return fmt.Errorf("rpc %s failed: %w", subject, err)
	}

	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// HandleRPC serves a role RPC method, queue-grouped by role.
func (b *Bus) HandleRPC(role, method string, handler func(req []byte) ([]byte, error)) (*nats.Subscription, error) {
	subject := fmt.Sprintf(subjectRPCFmt, role, method)
	sub, err := b.conn.QueueSubscribe(subject, role, func(msg *nats.Msg) {
		resp, err := handler(msg.Data)
		if err != nil {
			b.logger.WithError(err).WithField("subject", subject).Error("rpc handler failed")
			return
		}
		if err := msg.Respond(resp); err != nil {
			b.logger.WithError(err).WithField("subject", subject).Error("rpc respond failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	if b.conn != nil {
		_ = b.conn.Drain()
		b.conn.Close()
	}
}
