package orchestrator

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/strato-cloud/strato/pkg/backend"
	"github.com/strato-cloud/strato/pkg/dispatch"
	"github.com/strato-cloud/strato/pkg/stores"
	"github.com/strato-cloud/strato/pkg/worker"
)

// KeypairView is a keypair record for read paths. Private key material is
// always blanked.
type KeypairView struct {
	stores.Keypair

	Live worker.LiveStatus `json:"live,omitempty"`
}

// CreateKeypairResult carries the created record plus the PEM private key.
// The private key is returned here and nowhere else, ever.
type CreateKeypairResult struct {
	Keypair    *stores.Keypair `json:"keypair"`
	PrivateKey string          `json:"private_key"`
}

// generateKeypair produces an ed25519 keypair in OpenSSH public and PKCS#8
// PEM private encodings.
func generateKeypair() (publicKey, privateKey, fingerprint string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to generate key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode public key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode private key: %w", err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	return string(ssh.MarshalAuthorizedKey(sshPub)), string(pemKey), ssh.FingerprintSHA256(sshPub), nil
}

// CreateKeypair generates key material, persists the keypair in BUILDING,
// and dispatches backend registration. At most one default keypair may
// exist per group; a second default is rejected at creation time.
func (c *Coordinator) CreateKeypair(ctx context.Context, req CreateKeypairRequest) (*CreateKeypairResult, error) {
	var opErr error
	ctx, end := c.startSpan(ctx, "keypair.create", req.GroupID)
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

	if req.IsDefault {
		_, err := c.store.GetDefaultKeypair(ctx, req.GroupID)
		if err == nil {
			opErr = NewConflictError("group already has a default keypair", nil).WithResource(req.Name)
			return nil, opErr
		}
		if !errors.Is(err, stores.ErrNotFound) {
			opErr = NewBackendError("failed to check default keypair", err)
			return nil, opErr
		}
	}

	publicKey, privateKey, fingerprint, err := generateKeypair()
	if err != nil {
		opErr = NewBackendError("key generation failed", err)
		return nil, opErr
	}

	ts := now()
	keypair := &stores.Keypair{
		ID:          uuid.New().String(),
		GroupID:     req.GroupID,
		Name:        req.Name,
		IsDefault:   req.IsDefault,
		PublicKey:   publicKey,
		PrivateKey:  privateKey,
		Fingerprint: fingerprint,
		Status:      stores.ResourceStatusBuilding,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}

	if err := c.store.CreateKeypair(ctx, keypair); err != nil {
		if errors.Is(err, stores.ErrConflict) {
			opErr = NewConflictError("keypair name already in use", err).WithResource(req.Name)
			return nil, opErr
		}
		opErr = NewBackendError("failed to persist keypair", err)
		return nil, opErr
	}

	payload := &dispatch.KeypairCreate{
		KeypairID: keypair.ID,
		Name:      keypair.Name,
		PublicKey: keypair.PublicKey,
	}
	opErr = c.dispatchProvision(ctx, dispatch.CommandCreateKeypair, keypair.GroupID, payload, func(ctx context.Context) {
		c.markResourceError(ctx, func(ctx context.Context) error {
			return c.store.UpdateKeypairStatus(ctx, keypair.ID, stores.ResourceStatusError)
		}, keypair.ID)
		keypair.Status = stores.ResourceStatusError
	})

	result := &CreateKeypairResult{Keypair: keypair, PrivateKey: privateKey}
	keypair.PrivateKey = ""
	if opErr != nil {
		return result, opErr
	}
	return result, nil
}

// GetKeypair retrieves a keypair with its private key blanked.
func (c *Coordinator) GetKeypair(ctx context.Context, groupID, id string, opts ...ReadOption) (*KeypairView, error) {
	keypair, err := c.store.GetKeypair(ctx, groupID, id)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, NewNotFoundError("keypair not found", err).WithResource(id)
		}
		return nil, NewBackendError("failed to load keypair", err)
	}
	return c.decorateKeypair(ctx, keypair, applyReadOptions(opts))
}

// ListKeypairs lists a group's keypairs with private keys blanked.
func (c *Coordinator) ListKeypairs(ctx context.Context, groupID string, opts ...ReadOption) ([]*KeypairView, error) {
	keypairs, err := c.store.ListKeypairs(ctx, groupID)
	if err != nil {
		return nil, NewBackendError("failed to list keypairs", err)
	}

	o := applyReadOptions(opts)
	views := make([]*KeypairView, 0, len(keypairs))
	for _, keypair := range keypairs {
		view, err := c.decorateKeypair(ctx, keypair, o)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

func (c *Coordinator) decorateKeypair(ctx context.Context, keypair *stores.Keypair, o readOptions) (*KeypairView, error) {
	view := &KeypairView{Keypair: *keypair}
	view.PrivateKey = ""

	if !o.liveStatus {
		return view, nil
	}

	live, err := c.live.Status(ctx, backend.KindKeypair, deref(keypair.BackendID))
	if err != nil {
		return nil, NewBackendError("live status query failed", err).WithResource(keypair.ID)
	}
	view.Live = live
	view.Status = overlayStatus(keypair.Status, live)
	return view, nil
}

// SetDefaultKeypair moves the group's default flag to the given keypair.
// A synchronous bookkeeping write; the single-default invariant holds
// because the store moves the flag in one statement.
func (c *Coordinator) SetDefaultKeypair(ctx context.Context, groupID, id string) error {
	if err := c.store.SetDefaultKeypair(ctx, groupID, id); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return NewNotFoundError("keypair not found", err).WithResource(id)
		}
		return NewBackendError("failed to set default keypair", err)
	}
	c.logger.WithGroupID(groupID).WithField("keypair", id).Info("default keypair set")
	return nil
}

// DeleteKeypair deletes a keypair. Refused while any process uses it.
func (c *Coordinator) DeleteKeypair(ctx context.Context, groupID, id string) error {
	var opErr error
	ctx, end := c.startSpan(ctx, "keypair.delete", groupID)
	defer func() { end(opErr) }()

	keypair, err := c.store.GetKeypair(ctx, groupID, id)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			opErr = NewNotFoundError("keypair not found", err).WithResource(id)
			return opErr
		}
		opErr = NewBackendError("failed to load keypair", err)
		return opErr
	}

	used, err := c.store.CountProcessesByKeypair(ctx, id)
	if err != nil {
		opErr = NewBackendError("failed to count keypair users", err)
		return opErr
	}
	if used > 0 {
		opErr = NewInUseError("keypair is used by processes", nil).WithResource(id)
		return opErr
	}

	payload := &dispatch.KeypairDelete{KeypairID: id, BackendID: deref(keypair.BackendID)}
	if err := c.dispatchTeardown(ctx, dispatch.CommandDeleteKeypair, groupID, payload); err != nil {
		opErr = err
		return opErr
	}

	if err := c.store.UpdateKeypairStatus(ctx, id, stores.ResourceStatusDeleting); err != nil {
		opErr = NewBackendError("failed to update keypair status", err)
		return opErr
	}
	if err := c.store.SoftDeleteKeypair(ctx, id); err != nil {
		opErr = NewBackendError("failed to delete keypair", err)
		return opErr
	}

	c.logger.WithGroupID(groupID).WithField("keypair", id).Info("keypair deleted")
	return nil
}
