package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/strato-cloud/strato/pkg/stores"
	"github.com/strato-cloud/strato/pkg/telemetry"
)

// TreeManager computes attribute inheritance for new processes and walks
// process trees for cascading deletion. Trees are scoped to a group and
// acyclic by construction: a child always names an already-persisted
// parent.
type TreeManager struct {
	store  stores.Store
	logger *telemetry.Logger
}

// NewTreeManager creates a tree manager.
func NewTreeManager(store stores.Store, logger *telemetry.Logger) *TreeManager {
	return &TreeManager{
		store:  store,
		logger: logger.NewComponentLogger("tree"),
	}
}

// ResolvedProcess is the outcome of inheritance resolution, ready to
// persist.
type ResolvedProcess struct {
	// PPID is nil for root processes.
	PPID *string

	// KeypairID may stay nil when neither an explicit value, a parent, nor
	// a group default supplies one.
	KeypairID *string

	// SecurityGroupIDs is never empty after successful resolution.
	SecurityGroupIDs []string

	Image  string
	Flavor string

	// Networks is always the group's full non-deleted network set, with
	// the requested floating flags applied.
	Networks []stores.ProcessNetwork
}

// ResolveDefaults computes the effective attributes for a new process:
//   - keypair: explicit, else parent's, else the group default if any
//   - security groups: explicit (non-empty), else parent's full set, else
//     the group defaults, failing when none exist
//   - image and flavor: explicit, else parent's; there is no group default
//   - networks: always the group's full non-deleted set; floating flags
//     require the named network to carry a router reference
func (t *TreeManager) ResolveDefaults(ctx context.Context, req CreateProcessRequest) (*ResolvedProcess, error) {
	resolved := &ResolvedProcess{
		Image:  req.Image,
		Flavor: req.Flavor,
	}

	var parent *stores.Process
	if req.PPID != "" {
		var err error
		parent, err = t.store.GetProcess(ctx, req.GroupID, req.PPID)
		if err != nil {
			if errors.Is(err, stores.ErrNotFound) {
				return nil, NewValidationError("parent process not found", err).WithResource(req.PPID)
			}
			return nil, NewBackendError("failed to load parent process", err)
		}
		resolved.PPID = &parent.PID
	}

	if err := t.resolveKeypair(ctx, req, parent, resolved); err != nil {
		return nil, err
	}
	if err := t.resolveSecurityGroups(ctx, req, parent, resolved); err != nil {
		return nil, err
	}

	if resolved.Image == "" && parent != nil {
		resolved.Image = parent.Image
	}
	if resolved.Flavor == "" && parent != nil {
		resolved.Flavor = parent.Flavor
	}
	if resolved.Image == "" {
		return nil, NewValidationError("image is required for a root process", nil)
	}
	if resolved.Flavor == "" {
		return nil, NewValidationError("flavor is required for a root process", nil)
	}

	if err := t.resolveNetworks(ctx, req, resolved); err != nil {
		return nil, err
	}

	return resolved, nil
}

func (t *TreeManager) resolveKeypair(ctx context.Context, req CreateProcessRequest, parent *stores.Process, resolved *ResolvedProcess) error {
	if req.KeypairID != "" {
		if _, err := t.store.GetKeypair(ctx, req.GroupID, req.KeypairID); err != nil {
			if errors.Is(err, stores.ErrNotFound) {
				return NewValidationError("keypair not found in group", err).WithResource(req.KeypairID)
			}
			return NewBackendError("failed to resolve keypair", err)
		}
		resolved.KeypairID = &req.KeypairID
		return nil
	}

	if parent != nil {
		// The parent may legitimately have no keypair.
		resolved.KeypairID = parent.KeypairID
		return nil
	}

	def, err := t.store.GetDefaultKeypair(ctx, req.GroupID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil
		}
		return NewBackendError("failed to resolve default keypair", err)
	}
	resolved.KeypairID = &def.ID
	return nil
}

func (t *TreeManager) resolveSecurityGroups(ctx context.Context, req CreateProcessRequest, parent *stores.Process, resolved *ResolvedProcess) error {
	if req.SecurityGroupIDs != nil {
		if len(req.SecurityGroupIDs) == 0 {
			return NewValidationError("explicit security group set must not be empty", nil)
		}
		for _, id := range req.SecurityGroupIDs {
			if _, err := t.store.GetSecurityGroup(ctx, req.GroupID, id); err != nil {
				if errors.Is(err, stores.ErrNotFound) {
					return NewValidationError("security group not found in group", err).WithResource(id)
				}
				return NewBackendError("failed to resolve security group", err)
			}
		}
		resolved.SecurityGroupIDs = req.SecurityGroupIDs
		return nil
	}

	if parent != nil {
		ids, err := t.store.ListProcessSecurityGroupIDs(ctx, parent.PID)
		if err != nil {
			return NewBackendError("failed to load parent security groups", err)
		}
		resolved.SecurityGroupIDs = ids
		return nil
	}

	defaults, err := t.store.ListDefaultSecurityGroups(ctx, req.GroupID)
	if err != nil {
		return NewBackendError("failed to resolve default security groups", err)
	}
	if len(defaults) == 0 {
		return NewValidationError("group has no default security groups", nil)
	}
	for _, sg := range defaults {
		resolved.SecurityGroupIDs = append(resolved.SecurityGroupIDs, sg.ID)
	}
	return nil
}

func (t *TreeManager) resolveNetworks(ctx context.Context, req CreateProcessRequest, resolved *ResolvedProcess) error {
	networks, err := t.store.ListNetworks(ctx, req.GroupID)
	if err != nil {
		return NewBackendError("failed to load group networks", err)
	}
	if len(networks) == 0 {
		return NewValidationError("group has no networks", nil)
	}

	floating := make(map[string]bool, len(req.FloatingNetworkIDs))
	for _, id := range req.FloatingNetworkIDs {
		floating[id] = true
	}

	for _, network := range networks {
		if floating[network.ID] && network.RouterID == nil {
			return NewValidationError(
				fmt.Sprintf("network %s has no router; floating reachability unavailable", network.ID), nil,
			).WithResource(network.ID)
		}
		resolved.Networks = append(resolved.Networks, stores.ProcessNetwork{
			NetworkID: network.ID,
			Floating:  floating[network.ID],
		})
		delete(floating, network.ID)
	}

	for id := range floating {
		return NewValidationError("floating network not in group", nil).WithResource(id)
	}
	return nil
}

// DeleteFunc deletes one process: backend teardown first, then the store
// row.
type DeleteFunc func(ctx context.Context, proc *stores.Process) error

// CascadeDelete deletes a process subtree in strict post-order: every
// descendant is deleted before its parent, so no parent is removed while a
// child still references it. A NotFound anywhere in the walk is swallowed;
// concurrent deletes of the same subtree race harmlessly.
func (t *TreeManager) CascadeDelete(ctx context.Context, groupID, pid string, deleteOne DeleteFunc) error {
	proc, err := t.store.GetProcess(ctx, groupID, pid)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			t.logger.WithGroupID(groupID).WithProcessID(pid).Debug("process already gone")
			return nil
		}
		return NewBackendError("failed to load process", err)
	}

	children, err := t.store.ListChildren(ctx, pid)
	if err != nil {
		return NewBackendError("failed to list children", err)
	}
	for _, child := range children {
		if err := t.CascadeDelete(ctx, groupID, child.PID, deleteOne); err != nil {
			return err
		}
	}

	if err := deleteOne(ctx, proc); err != nil {
		if errors.Is(err, stores.ErrNotFound) || IsNotFound(err) {
			t.logger.WithGroupID(groupID).WithProcessID(pid).Debug("process already gone")
			return nil
		}
		return err
	}
	return nil
}
