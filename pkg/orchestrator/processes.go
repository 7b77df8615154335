package orchestrator

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/strato-cloud/strato/pkg/dispatch"
	"github.com/strato-cloud/strato/pkg/stores"
	"github.com/strato-cloud/strato/pkg/worker"
)

// ProcessView is a process record, optionally decorated with live backend
// status and addresses on read paths.
type ProcessView struct {
	stores.Process

	// Networks are the process's attachments.
	Networks []*stores.ProcessNetwork `json:"networks"`

	// SecurityGroupIDs are the attached rule sets.
	SecurityGroupIDs []string `json:"security_group_ids"`

	// Live is the observed backend truth, set only under WithLiveStatus.
	Live worker.LiveStatus `json:"live,omitempty"`

	// Addresses maps backend network ids to live addresses, set only under
	// WithLiveStatus when the instance exists.
	Addresses map[string][]string `json:"addresses,omitempty"`
}

// CreateProcess resolves inheritance, persists the process and its
// associations in BUILDING, and dispatches instance provisioning.
func (c *Coordinator) CreateProcess(ctx context.Context, req CreateProcessRequest) (*stores.Process, error) {
	var opErr error
	ctx, end := c.startSpan(ctx, "process.create", req.GroupID)
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
	if req.IsProxy && req.PPID != "" {
		opErr = NewValidationError("a proxy process must be a root", nil)
		return nil, opErr
	}

	resolved, err := c.tree.ResolveDefaults(ctx, req)
	if err != nil {
		opErr = err
		return nil, err
	}

	ts := now()
	proc := &stores.Process{
		PID:       uuid.New().String(),
		GroupID:   req.GroupID,
		PPID:      resolved.PPID,
		Name:      req.Name,
		IsProxy:   req.IsProxy,
		Image:     resolved.Image,
		Flavor:    resolved.Flavor,
		KeypairID: resolved.KeypairID,
		Metadata:  req.Metadata,
		UserData:  req.UserData,
		Status:    stores.ResourceStatusBuilding,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	for i := range resolved.Networks {
		resolved.Networks[i].ProcessID = proc.PID
	}

	if err := c.store.CreateProcess(ctx, proc, resolved.Networks, resolved.SecurityGroupIDs); err != nil {
		switch {
		case errors.Is(err, stores.ErrDuplicateAssociation):
			opErr = NewValidationError("duplicate association id", err)
		case errors.Is(err, stores.ErrConflict):
			opErr = NewConflictError("process already exists", err).WithResource(proc.PID)
		default:
			opErr = NewBackendError("failed to persist process", err)
		}
		return nil, opErr
	}

	payload, err := c.buildProcessCreatePayload(ctx, proc, resolved)
	if err != nil {
		c.markResourceError(ctx, func(ctx context.Context) error {
			return c.store.UpdateProcessStatus(ctx, proc.PID, stores.ResourceStatusError)
		}, proc.PID)
		proc.Status = stores.ResourceStatusError
		opErr = err
		return proc, opErr
	}

	opErr = c.dispatchProvision(ctx, dispatch.CommandCreateProcess, proc.GroupID, payload, func(ctx context.Context) {
		c.markResourceError(ctx, func(ctx context.Context) error {
			return c.store.UpdateProcessStatus(ctx, proc.PID, stores.ResourceStatusError)
		}, proc.PID)
		proc.Status = stores.ResourceStatusError
	})
	if opErr != nil {
		return proc, opErr
	}
	return proc, nil
}

// buildProcessCreatePayload resolves association references to their
// backend identifiers for the worker.
func (c *Coordinator) buildProcessCreatePayload(ctx context.Context, proc *stores.Process, resolved *ResolvedProcess) (*dispatch.ProcessCreate, error) {
	payload := &dispatch.ProcessCreate{
		PID:      proc.PID,
		Name:     proc.Name,
		Image:    proc.Image,
		Flavor:   proc.Flavor,
		Metadata: proc.Metadata,
		UserData: proc.UserData,
	}

	if proc.KeypairID != nil {
		keypair, err := c.store.GetKeypair(ctx, proc.GroupID, *proc.KeypairID)
		if err != nil {
			return nil, NewBackendError("failed to resolve keypair", err)
		}
		payload.KeypairBackendID = deref(keypair.BackendID)
	}

	for _, pn := range resolved.Networks {
		network, err := c.store.GetNetwork(ctx, proc.GroupID, pn.NetworkID)
		if err != nil {
			return nil, NewBackendError("failed to resolve network", err)
		}
		payload.Networks = append(payload.Networks, dispatch.NetworkAttachment{
			NetworkID: network.ID,
			BackendID: deref(network.BackendID),
			Floating:  pn.Floating,
			RouterID:  deref(network.RouterID),
		})
	}

	for _, id := range resolved.SecurityGroupIDs {
		sg, err := c.store.GetSecurityGroup(ctx, proc.GroupID, id)
		if err != nil {
			return nil, NewBackendError("failed to resolve security group", err)
		}
		payload.SecurityGroupBackendIDs = append(payload.SecurityGroupBackendIDs, deref(sg.BackendID))
	}

	return payload, nil
}

// GetProcess retrieves a process, optionally overlaying live status and
// addresses.
func (c *Coordinator) GetProcess(ctx context.Context, groupID, pid string, opts ...ReadOption) (*ProcessView, error) {
	proc, err := c.store.GetProcess(ctx, groupID, pid)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, NewNotFoundError("process not found", err).WithResource(pid)
		}
		return nil, NewBackendError("failed to load process", err)
	}
	return c.decorateProcess(ctx, proc, applyReadOptions(opts))
}

// ListProcesses lists a group's processes.
func (c *Coordinator) ListProcesses(ctx context.Context, groupID string, opts ...ReadOption) ([]*ProcessView, error) {
	procs, err := c.store.ListProcesses(ctx, groupID)
	if err != nil {
		return nil, NewBackendError("failed to list processes", err)
	}

	o := applyReadOptions(opts)
	views := make([]*ProcessView, 0, len(procs))
	for _, proc := range procs {
		view, err := c.decorateProcess(ctx, proc, o)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

func (c *Coordinator) decorateProcess(ctx context.Context, proc *stores.Process, o readOptions) (*ProcessView, error) {
	networks, err := c.store.ListProcessNetworks(ctx, proc.PID)
	if err != nil {
		return nil, NewBackendError("failed to load process networks", err)
	}
	sgIDs, err := c.store.ListProcessSecurityGroupIDs(ctx, proc.PID)
	if err != nil {
		return nil, NewBackendError("failed to load process security groups", err)
	}

	view := &ProcessView{Process: *proc, Networks: networks, SecurityGroupIDs: sgIDs}
	if !o.liveStatus {
		return view, nil
	}

	live, addresses, err := c.live.InstanceStatus(ctx, deref(proc.BackendID))
	if err != nil {
		return nil, NewBackendError("live status query failed", err).WithResource(proc.PID)
	}
	view.Live = live
	view.Addresses = addresses
	view.Status = overlayStatus(proc.Status, live)
	return view, nil
}

// DeleteProcess deletes a process and its whole subtree, children first.
func (c *Coordinator) DeleteProcess(ctx context.Context, groupID, pid string) error {
	var opErr error
	ctx, end := c.startSpan(ctx, "process.delete", groupID)
	defer func() { end(opErr) }()

	// The root must exist; descendants vanishing mid-walk is fine.
	if _, err := c.store.GetProcess(ctx, groupID, pid); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			opErr = NewNotFoundError("process not found", err).WithResource(pid)
			return opErr
		}
		opErr = NewBackendError("failed to load process", err)
		return opErr
	}

	opErr = c.tree.CascadeDelete(ctx, groupID, pid, c.deleteProcessOne)
	return opErr
}

// deleteProcessOne tears down one process: backend teardown dispatch
// first, then the store row.
func (c *Coordinator) deleteProcessOne(ctx context.Context, proc *stores.Process) error {
	payload := &dispatch.ProcessDelete{PID: proc.PID, BackendID: deref(proc.BackendID)}
	if err := c.dispatchTeardown(ctx, dispatch.CommandDeleteProcess, proc.GroupID, payload); err != nil {
		return err
	}

	if err := c.store.UpdateProcessStatus(ctx, proc.PID, stores.ResourceStatusDeleting); err != nil {
		return err
	}
	if err := c.store.SoftDeleteProcess(ctx, proc.PID); err != nil {
		return err
	}

	c.logger.WithGroupID(proc.GroupID).WithProcessID(proc.PID).Info("process deleted")
	return nil
}

// SetProcessAppStatus records the workload-reported application status. A
// synchronous bookkeeping write; the orchestrator itself never invents an
// app status.
func (c *Coordinator) SetProcessAppStatus(ctx context.Context, groupID, pid, appStatus string) error {
	if _, err := c.store.GetProcess(ctx, groupID, pid); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return NewNotFoundError("process not found", err).WithResource(pid)
		}
		return NewBackendError("failed to load process", err)
	}
	if err := c.store.SetProcessAppStatus(ctx, pid, appStatus); err != nil {
		return NewBackendError("failed to set app status", err)
	}
	return nil
}

// AttachProxyEndpoints records the relay endpoints of a proxy process.
// Rejected for non-proxy processes.
func (c *Coordinator) AttachProxyEndpoints(ctx context.Context, req AttachProxyEndpointsRequest) error {
	if err := c.validateRequest(&req); err != nil {
		return err
	}

	proc, err := c.store.GetProcess(ctx, req.GroupID, req.PID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return NewNotFoundError("process not found", err).WithResource(req.PID)
		}
		return NewBackendError("failed to load process", err)
	}
	if !proc.IsProxy {
		return NewValidationError("process is not a proxy", nil).WithResource(req.PID)
	}

	if err := c.store.SetProxyEndpoints(ctx, req.PID, req.APIEndpoint, req.BusEndpoint, req.TunnelEndpoint); err != nil {
		return NewBackendError("failed to set proxy endpoints", err)
	}
	c.logger.WithGroupID(req.GroupID).WithProcessID(req.PID).Info("proxy endpoints attached")
	return nil
}
