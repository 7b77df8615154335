package orchestrator

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/strato-cloud/strato/pkg/backend"
	"github.com/strato-cloud/strato/pkg/dispatch"
	"github.com/strato-cloud/strato/pkg/stores"
	"github.com/strato-cloud/strato/pkg/worker"
)

// SecurityGroupView is a security group with its ordered rules, optionally
// decorated with live backend status.
type SecurityGroupView struct {
	stores.SecurityGroup

	Rules []*stores.SecurityGroupRule `json:"rules"`
	Live  worker.LiveStatus           `json:"live,omitempty"`
}

// CreateSecurityGroup persists a rule set in BUILDING and dispatches its
// provisioning command. Remote group references must name an existing
// security group in the same tenant group and are resolved to backend
// identifiers here, at creation time.
func (c *Coordinator) CreateSecurityGroup(ctx context.Context, req CreateSecurityGroupRequest) (*SecurityGroupView, error) {
	var opErr error
	ctx, end := c.startSpan(ctx, "securitygroup.create", req.GroupID)
	defer func() { end(opErr) }()

	req.normalize()
	if err := c.validateRequest(&req); err != nil {
		opErr = err
		return nil, err
	}
	if _, err := c.GetGroup(ctx, req.GroupID); err != nil {
		opErr = err
		return nil, err
	}

	ts := now()
	sg := &stores.SecurityGroup{
		ID:        uuid.New().String(),
		GroupID:   req.GroupID,
		Name:      req.Name,
		IsDefault: req.IsDefault,
		Status:    stores.ResourceStatusBuilding,
		CreatedAt: ts,
		UpdatedAt: ts,
	}

	rules := make([]*stores.SecurityGroupRule, 0, len(req.Rules))
	ruleSpecs := make([]dispatch.SecurityGroupRuleSpec, 0, len(req.Rules))
	for i, rr := range req.Rules {
		hasCIDR := rr.RemoteCIDR != ""
		hasPeer := rr.RemoteGroupID != ""
		if hasCIDR == hasPeer {
			opErr = NewValidationError("rule needs exactly one of remote_cidr and remote_group_id", nil).WithResource(req.Name)
			return nil, opErr
		}

		rule := &stores.SecurityGroupRule{
			ID:              uuid.New().String(),
			SecurityGroupID: sg.ID,
			Position:        i,
			Protocol:        rr.Protocol,
			PortMin:         rr.PortMin,
			PortMax:         rr.PortMax,
			RemoteCIDR:      strptr(rr.RemoteCIDR),
			RemoteGroupID:   strptr(rr.RemoteGroupID),
			CreatedAt:       ts,
		}
		spec := dispatch.SecurityGroupRuleSpec{
			Protocol:   rr.Protocol,
			PortMin:    rr.PortMin,
			PortMax:    rr.PortMax,
			RemoteCIDR: rr.RemoteCIDR,
		}

		if hasPeer {
			peer, err := c.store.GetSecurityGroup(ctx, req.GroupID, rr.RemoteGroupID)
			if err != nil {
				if errors.Is(err, stores.ErrNotFound) {
					opErr = NewValidationError("remote security group not found in group", err).WithResource(rr.RemoteGroupID)
					return nil, opErr
				}
				opErr = NewBackendError("failed to resolve remote security group", err)
				return nil, opErr
			}
			rule.RemoteBackendID = peer.BackendID
			spec.RemoteBackendID = deref(peer.BackendID)
		}

		rules = append(rules, rule)
		ruleSpecs = append(ruleSpecs, spec)
	}

	if err := c.store.CreateSecurityGroup(ctx, sg, rules); err != nil {
		if errors.Is(err, stores.ErrConflict) {
			opErr = NewConflictError("security group name already in use", err).WithResource(req.Name)
			return nil, opErr
		}
		opErr = NewBackendError("failed to persist security group", err)
		return nil, opErr
	}

	payload := &dispatch.SecurityGroupCreate{
		SecurityGroupID: sg.ID,
		Name:            sg.Name,
		Rules:           ruleSpecs,
	}
	opErr = c.dispatchProvision(ctx, dispatch.CommandCreateSecurityGroup, sg.GroupID, payload, func(ctx context.Context) {
		c.markResourceError(ctx, func(ctx context.Context) error {
			return c.store.UpdateSecurityGroupStatus(ctx, sg.ID, stores.ResourceStatusError)
		}, sg.ID)
		sg.Status = stores.ResourceStatusError
	})

	view := &SecurityGroupView{SecurityGroup: *sg, Rules: rules}
	if opErr != nil {
		return view, opErr
	}
	return view, nil
}

// GetSecurityGroup retrieves a security group with its rules.
func (c *Coordinator) GetSecurityGroup(ctx context.Context, groupID, id string, opts ...ReadOption) (*SecurityGroupView, error) {
	sg, err := c.store.GetSecurityGroup(ctx, groupID, id)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, NewNotFoundError("security group not found", err).WithResource(id)
		}
		return nil, NewBackendError("failed to load security group", err)
	}
	return c.decorateSecurityGroup(ctx, sg, applyReadOptions(opts))
}

// ListSecurityGroups lists a group's security groups with rules.
func (c *Coordinator) ListSecurityGroups(ctx context.Context, groupID string, opts ...ReadOption) ([]*SecurityGroupView, error) {
	sgs, err := c.store.ListSecurityGroups(ctx, groupID)
	if err != nil {
		return nil, NewBackendError("failed to list security groups", err)
	}

	o := applyReadOptions(opts)
	views := make([]*SecurityGroupView, 0, len(sgs))
	for _, sg := range sgs {
		view, err := c.decorateSecurityGroup(ctx, sg, o)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

func (c *Coordinator) decorateSecurityGroup(ctx context.Context, sg *stores.SecurityGroup, o readOptions) (*SecurityGroupView, error) {
	rules, err := c.store.ListSecurityGroupRules(ctx, sg.ID)
	if err != nil {
		return nil, NewBackendError("failed to load security group rules", err)
	}

	view := &SecurityGroupView{SecurityGroup: *sg, Rules: rules}
	if !o.liveStatus {
		return view, nil
	}

	live, err := c.live.Status(ctx, backend.KindSecurityGroup, deref(sg.BackendID))
	if err != nil {
		return nil, NewBackendError("live status query failed", err).WithResource(sg.ID)
	}
	view.Live = live
	view.Status = overlayStatus(sg.Status, live)
	return view, nil
}

// SetDefaultSecurityGroup moves the group's default flag to the given
// security group.
func (c *Coordinator) SetDefaultSecurityGroup(ctx context.Context, groupID, id string) error {
	if err := c.store.SetDefaultSecurityGroup(ctx, groupID, id); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return NewNotFoundError("security group not found", err).WithResource(id)
		}
		return NewBackendError("failed to set default security group", err)
	}
	c.logger.WithGroupID(groupID).WithField("security_group", id).Info("default security group set")
	return nil
}

// DeleteSecurityGroup deletes a security group. Refused while any process
// is attached.
func (c *Coordinator) DeleteSecurityGroup(ctx context.Context, groupID, id string) error {
	var opErr error
	ctx, end := c.startSpan(ctx, "securitygroup.delete", groupID)
	defer func() { end(opErr) }()

	sg, err := c.store.GetSecurityGroup(ctx, groupID, id)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			opErr = NewNotFoundError("security group not found", err).WithResource(id)
			return opErr
		}
		opErr = NewBackendError("failed to load security group", err)
		return opErr
	}

	attached, err := c.store.CountProcessesBySecurityGroup(ctx, id)
	if err != nil {
		opErr = NewBackendError("failed to count attached processes", err)
		return opErr
	}
	if attached > 0 {
		opErr = NewInUseError("security group has attached processes", nil).WithResource(id)
		return opErr
	}

	payload := &dispatch.SecurityGroupDelete{SecurityGroupID: id, BackendID: deref(sg.BackendID)}
	if err := c.dispatchTeardown(ctx, dispatch.CommandDeleteSecurityGroup, groupID, payload); err != nil {
		opErr = err
		return opErr
	}

	if err := c.store.UpdateSecurityGroupStatus(ctx, id, stores.ResourceStatusDeleting); err != nil {
		opErr = NewBackendError("failed to update security group status", err)
		return opErr
	}
	if err := c.store.SoftDeleteSecurityGroup(ctx, id); err != nil {
		opErr = NewBackendError("failed to delete security group", err)
		return opErr
	}

	c.logger.WithGroupID(groupID).WithField("security_group", id).Info("security group deleted")
	return nil
}
