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

// NetworkView is a network record, optionally decorated with live backend
// status on read paths.
type NetworkView struct {
	stores.Network

	// Live is the observed backend truth, set only under WithLiveStatus.
	Live worker.LiveStatus `json:"live,omitempty"`
}

// CreateNetwork persists a network in BUILDING and dispatches its
// provisioning command.
func (c *Coordinator) CreateNetwork(ctx context.Context, req CreateNetworkRequest) (*stores.Network, error) {
	var opErr error
	ctx, end := c.startSpan(ctx, "network.create", req.GroupID)
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
	network := &stores.Network{
		ID:        uuid.New().String(),
		GroupID:   req.GroupID,
		Name:      req.Name,
		IsAdmin:   req.IsAdmin,
		CIDR:      req.CIDR,
		Gateway:   strptr(req.Gateway),
		DNS:       req.DNS,
		RouterID:  strptr(req.RouterID),
		Status:    stores.ResourceStatusBuilding,
		CreatedAt: ts,
		UpdatedAt: ts,
	}

	if err := c.store.CreateNetwork(ctx, network); err != nil {
		if errors.Is(err, stores.ErrConflict) {
			opErr = NewConflictError("network name already in use", err).WithResource(req.Name)
			return nil, opErr
		}
		opErr = NewBackendError("failed to persist network", err)
		return nil, opErr
	}

	payload := &dispatch.NetworkCreate{
		NetworkID: network.ID,
		Name:      network.Name,
		CIDR:      network.CIDR,
		Gateway:   req.Gateway,
		DNS:       req.DNS,
		RouterID:  req.RouterID,
	}
	opErr = c.dispatchProvision(ctx, dispatch.CommandCreateNetwork, network.GroupID, payload, func(ctx context.Context) {
		c.markResourceError(ctx, func(ctx context.Context) error {
			return c.store.UpdateNetworkStatus(ctx, network.ID, stores.ResourceStatusError)
		}, network.ID)
		network.Status = stores.ResourceStatusError
	})
	if opErr != nil {
		return network, opErr
	}
	return network, nil
}

// GetNetwork retrieves a network, optionally overlaying live status.
func (c *Coordinator) GetNetwork(ctx context.Context, groupID, id string, opts ...ReadOption) (*NetworkView, error) {
	network, err := c.store.GetNetwork(ctx, groupID, id)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, NewNotFoundError("network not found", err).WithResource(id)
		}
		return nil, NewBackendError("failed to load network", err)
	}
	return c.decorateNetwork(ctx, network, applyReadOptions(opts))
}

// ListNetworks lists a group's networks, optionally overlaying live status.
func (c *Coordinator) ListNetworks(ctx context.Context, groupID string, opts ...ReadOption) ([]*NetworkView, error) {
	networks, err := c.store.ListNetworks(ctx, groupID)
	if err != nil {
		return nil, NewBackendError("failed to list networks", err)
	}

	o := applyReadOptions(opts)
	views := make([]*NetworkView, 0, len(networks))
	for _, network := range networks {
		view, err := c.decorateNetwork(ctx, network, o)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

func (c *Coordinator) decorateNetwork(ctx context.Context, network *stores.Network, o readOptions) (*NetworkView, error) {
	view := &NetworkView{Network: *network}
	if !o.liveStatus {
		return view, nil
	}

	live, err := c.live.Status(ctx, backend.KindNetwork, deref(network.BackendID))
	if err != nil {
		return nil, NewBackendError("live status query failed", err).WithResource(network.ID)
	}
	view.Live = live
	view.Status = overlayStatus(network.Status, live)
	return view, nil
}

// DeleteNetwork deletes a network. Refused while any process is attached.
func (c *Coordinator) DeleteNetwork(ctx context.Context, groupID, id string) error {
	var opErr error
	ctx, end := c.startSpan(ctx, "network.delete", groupID)
	defer func() { end(opErr) }()

	network, err := c.store.GetNetwork(ctx, groupID, id)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			opErr = NewNotFoundError("network not found", err).WithResource(id)
			return opErr
		}
		opErr = NewBackendError("failed to load network", err)
		return opErr
	}

	attached, err := c.store.CountProcessesByNetwork(ctx, id)
	if err != nil {
		opErr = NewBackendError("failed to count attached processes", err)
		return opErr
	}
	if attached > 0 {
		opErr = NewInUseError("network has attached processes", nil).WithResource(id)
		return opErr
	}

	payload := &dispatch.NetworkDelete{NetworkID: id, BackendID: deref(network.BackendID)}
	if err := c.dispatchTeardown(ctx, dispatch.CommandDeleteNetwork, groupID, payload); err != nil {
		opErr = err
		return opErr
	}

	if err := c.store.UpdateNetworkStatus(ctx, id, stores.ResourceStatusDeleting); err != nil {
		opErr = NewBackendError("failed to update network status", err)
		return opErr
	}
	if err := c.store.SoftDeleteNetwork(ctx, id); err != nil {
		opErr = NewBackendError("failed to delete network", err)
		return opErr
	}

	c.logger.WithGroupID(groupID).WithField("network", id).Info("network deleted")
	return nil
}
