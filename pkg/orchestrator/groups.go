package orchestrator

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/strato-cloud/strato/pkg/stores"
)

// CreateGroup creates a tenant group. Groups have no backend object, so
// creation is a synchronous bookkeeping write.
func (c *Coordinator) CreateGroup(ctx context.Context, req CreateGroupRequest) (*stores.Group, error) {
	var opErr error
	ctx, end := c.startSpan(ctx, "group.create", "")
	defer func() { end(opErr) }()

	req.normalize()
	if err := c.validateRequest(&req); err != nil {
		opErr = err
		return nil, err
	}

	ts := now()
	group := &stores.Group{
		ID:          uuid.New().String(),
		Owner:       req.Owner,
		Name:        req.Name,
		Description: req.Description,
		Status:      stores.GroupStatusActive,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}

	if err := c.store.CreateGroup(ctx, group); err != nil {
		if errors.Is(err, stores.ErrConflict) {
			opErr = NewConflictError("group name already in use", err).WithResource(group.Name)
			return nil, opErr
		}
		opErr = NewBackendError("failed to persist group", err)
		return nil, opErr
	}

	c.logger.WithGroupID(group.ID).WithField("owner", group.Owner).Info("group created")
	return group, nil
}

// GetGroup retrieves a group by id.
func (c *Coordinator) GetGroup(ctx context.Context, id string) (*stores.Group, error) {
	group, err := c.store.GetGroup(ctx, id)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, NewNotFoundError("group not found", err).WithResource(id)
		}
		return nil, NewBackendError("failed to load group", err)
	}
	return group, nil
}

// ListGroups lists an owner's groups.
func (c *Coordinator) ListGroups(ctx context.Context, owner string) ([]*stores.Group, error) {
	groups, err := c.store.ListGroups(ctx, owner)
	if err != nil {
		return nil, NewBackendError("failed to list groups", err)
	}
	return groups, nil
}

// DeleteGroup deletes a group. Refused while any owned resource is still
// present; the check enumerates each owned collection rather than relying
// on a foreign-key cascade.
func (c *Coordinator) DeleteGroup(ctx context.Context, id string) error {
	var opErr error
	ctx, end := c.startSpan(ctx, "group.delete", id)
	defer func() { end(opErr) }()

	if _, err := c.GetGroup(ctx, id); err != nil {
		opErr = err
		return err
	}

	counts, err := c.store.CountGroupResources(ctx, id)
	if err != nil {
		opErr = NewBackendError("failed to count group resources", err)
		return opErr
	}
	if counts.Total() > 0 {
		opErr = NewInUseError("group still owns resources", nil).WithResource(id)
		return opErr
	}

	if err := c.store.UpdateGroupStatus(ctx, id, stores.GroupStatusDeleting); err != nil {
		opErr = NewBackendError("failed to update group status", err)
		return opErr
	}
	if err := c.store.SoftDeleteGroup(ctx, id); err != nil {
		opErr = NewBackendError("failed to delete group", err)
		return opErr
	}

	c.logger.WithGroupID(id).Info("group deleted")
	return nil
}
