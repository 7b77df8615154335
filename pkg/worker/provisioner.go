// Package worker executes provisioning commands against the external
// backend and answers live-status queries for read-time reconciliation.
// The two concerns are deliberately separate types: the Provisioner only
// ever runs on the write path, the Reconciler only on read paths.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/strato-cloud/strato/pkg/backend"
	"github.com/strato-cloud/strato/pkg/dispatch"
	"github.com/strato-cloud/strato/pkg/stores"
	"github.com/strato-cloud/strato/pkg/telemetry"
)

// ErrBackendFailure is the single error kind all backend failures are
// translated into before leaving this package.
var ErrBackendFailure = errors.New("backend failure")

// Provisioner executes create and delete commands against the backend.
// After a successful create it records the backend identifier through the
// recorder; it never writes status.
type Provisioner struct {
	backend  backend.Backend
	recorder stores.BackendIDRecorder
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// NewProvisioner creates a provisioner.
func NewProvisioner(be backend.Backend, recorder stores.BackendIDRecorder, logger *telemetry.Logger, metrics *telemetry.Metrics) *Provisioner {
	return &Provisioner{
		backend:  be,
		recorder: recorder,
		logger:   logger.NewComponentLogger("provisioner"),
		metrics:  metrics,
	}
}

// Handle executes one command. The switch is exhaustive over the command
// union; an unknown type is an error, never a silent skip.
func (p *Provisioner) Handle(ctx context.Context, cmd dispatch.Command) error {
	payload, err := dispatch.DecodePayload(cmd)
	if err != nil {
		return err
	}

	log := p.logger.WithCommandID(cmd.ID).WithGroupID(cmd.GroupID)

	switch cmd.Type {
	case dispatch.CommandCreateNetwork:
		return p.createNetwork(ctx, log, payload.(*dispatch.NetworkCreate))
	case dispatch.CommandDeleteNetwork:
		req := payload.(*dispatch.NetworkDelete)
		return p.teardown(ctx, log, backend.KindNetwork, req.BackendID)
	case dispatch.CommandCreateKeypair:
		return p.createKeypair(ctx, log, payload.(*dispatch.KeypairCreate))
	case dispatch.CommandDeleteKeypair:
		req := payload.(*dispatch.KeypairDelete)
		return p.teardown(ctx, log, backend.KindKeypair, req.BackendID)
	case dispatch.CommandCreateSecurityGroup:
		return p.createSecurityGroup(ctx, log, payload.(*dispatch.SecurityGroupCreate))
	case dispatch.CommandDeleteSecurityGroup:
		req := payload.(*dispatch.SecurityGroupDelete)
		return p.teardown(ctx, log, backend.KindSecurityGroup, req.BackendID)
	case dispatch.CommandCreateProcess:
		return p.createProcess(ctx, log, payload.(*dispatch.ProcessCreate))
	case dispatch.CommandDeleteProcess:
		req := payload.(*dispatch.ProcessDelete)
		return p.teardown(ctx, log, backend.KindInstance, req.BackendID)
	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

// create calls the backend and translates failures into ErrBackendFailure.
func (p *Provisioner) create(ctx context.Context, kind backend.Kind, spec backend.Spec) (string, error) {
	start := time.Now()
	id, err := p.backend.Create(ctx, kind, spec)
	if p.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		p.metrics.RecordBackendCall(string(kind), "create", outcome, time.Since(start))
	}
	if err != nil {
		return "", fmt.Errorf("create %s: %v: %w", kind, err, ErrBackendFailure)
	}
	return id, nil
}

func (p *Provisioner) createNetwork(ctx context.Context, log *telemetry.Logger, req *dispatch.NetworkCreate) error {
	spec := backend.Spec{
		Name: req.Name,
		Fields: map[string]string{
			"cidr":    req.CIDR,
			"gateway": req.Gateway,
			"router":  req.RouterID,
		},
		Members: map[string][]string{"dns": req.DNS},
	}

	id, err := p.create(ctx, backend.KindNetwork, spec)
	if err != nil {
		log.WithError(err).Error("network provisioning failed")
		return err
	}

	if err := p.recorder.SetNetworkBackendID(ctx, req.NetworkID, id); err != nil {
		log.WithError(err).Error("failed to record network backend id")
		return err
	}
	log.WithField("backend_id", id).Info("network provisioned")
	return nil
}

func (p *Provisioner) createKeypair(ctx context.Context, log *telemetry.Logger, req *dispatch.KeypairCreate) error {
	spec := backend.Spec{
		Name:   req.Name,
		Fields: map[string]string{"public_key": req.PublicKey},
	}

	id, err := p.create(ctx, backend.KindKeypair, spec)
	if err != nil {
		log.WithError(err).Error("keypair provisioning failed")
		return err
	}

	if err := p.recorder.SetKeypairBackendID(ctx, req.KeypairID, id); err != nil {
		log.WithError(err).Error("failed to record keypair backend id")
		return err
	}
	log.WithField("backend_id", id).Info("keypair provisioned")
	return nil
}

func (p *Provisioner) createSecurityGroup(ctx context.Context, log *telemetry.Logger, req *dispatch.SecurityGroupCreate) error {
	spec := backend.Spec{
		Name:   req.Name,
		Fields: map[string]string{},
	}
	for i, rule := range req.Rules {
		spec.Fields[fmt.Sprintf("rule.%d", i)] = fmt.Sprintf("%s:%d-%d:%s%s",
			rule.Protocol, rule.PortMin, rule.PortMax, rule.RemoteCIDR, rule.RemoteBackendID)
	}

	id, err := p.create(ctx, backend.KindSecurityGroup, spec)
	if err != nil {
		log.WithError(err).Error("security group provisioning failed")
		return err
	}

	if err := p.recorder.SetSecurityGroupBackendID(ctx, req.SecurityGroupID, id); err != nil {
		log.WithError(err).Error("failed to record security group backend id")
		return err
	}
	log.WithField("backend_id", id).Info("security group provisioned")
	return nil
}

func (p *Provisioner) createProcess(ctx context.Context, log *telemetry.Logger, req *dispatch.ProcessCreate) error {
	networks := make([]string, 0, len(req.Networks))
	for _, att := range req.Networks {
		networks = append(networks, att.BackendID)
	}

	spec := backend.Spec{
		Name: req.Name,
		Fields: map[string]string{
			"image":     req.Image,
			"flavor":    req.Flavor,
			"keypair":   req.KeypairBackendID,
			"metadata":  req.Metadata,
			"user_data": req.UserData,
		},
		Members: map[string][]string{
			"networks":        networks,
			"security_groups": req.SecurityGroupBackendIDs,
		},
	}

	id, err := p.create(ctx, backend.KindInstance, spec)
	if err != nil {
		log.WithProcessID(req.PID).WithError(err).Error("process provisioning failed")
		return err
	}

	if err := p.recorder.SetProcessBackendID(ctx, req.PID, id); err != nil {
		log.WithProcessID(req.PID).WithError(err).Error("failed to record process backend id")
		return err
	}
	log.WithProcessID(req.PID).WithField("backend_id", id).Info("process provisioned")

	// The instance is committed; external reachability is best-effort and
	// its failure is logged, never surfaced.
	for _, att := range req.Networks {
		if !att.Floating {
			continue
		}
		p.attachFloating(ctx, log.WithProcessID(req.PID), id, att)
	}
	return nil
}

// attachFloating binds an externally-routable address to an instance.
func (p *Provisioner) attachFloating(ctx context.Context, log *telemetry.Logger, instanceID string, att dispatch.NetworkAttachment) {
	spec := backend.Spec{
		Name: instanceID,
		Fields: map[string]string{
			"instance": instanceID,
			"network":  att.BackendID,
			"router":   att.RouterID,
		},
	}
	if _, err := p.create(ctx, backend.KindFloatingIP, spec); err != nil {
		log.WithError(err).WithField("network", att.NetworkID).Warn("floating address attach failed")
		return
	}
	log.WithField("network", att.NetworkID).Info("floating address attached")
}

// teardown deletes a backend object. A missing backend id means the object
// was never provisioned; a backend NotFound means it is already gone. Both
// are success.
func (p *Provisioner) teardown(ctx context.Context, log *telemetry.Logger, kind backend.Kind, backendID string) error {
	if backendID == "" {
		log.WithField("kind", string(kind)).Debug("nothing to tear down")
		return nil
	}

	start := time.Now()
	err := p.backend.Delete(ctx, kind, backendID)
	if p.metrics != nil {
		outcome := "ok"
		if err != nil && !errors.Is(err, backend.ErrNotFound) {
			outcome = "error"
		}
		p.metrics.RecordBackendCall(string(kind), "delete", outcome, time.Since(start))
	}
	if errors.Is(err, backend.ErrNotFound) {
		log.WithField("kind", string(kind)).Debug("backend object already gone")
		return nil
	}
	if err != nil {
		log.WithError(err).Error("teardown failed")
		return fmt.Errorf("delete %s: %v: %w", kind, err, ErrBackendFailure)
	}
	log.WithField("kind", string(kind)).Info("backend object torn down")
	return nil
}
