package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/strato-cloud/strato/pkg/backend"
	"github.com/strato-cloud/strato/pkg/dispatch"
)

// StatusMethod is the RPC method workers serve for live-status queries.
const StatusMethod = "status"

// StatusRequest asks whether a backend object still exists.
type StatusRequest struct {
	Kind      string `json:"kind"`
	BackendID string `json:"backend_id"`
}

// StatusResponse carries the observed liveness. Addresses is populated only
// for compute instances that exist.
type StatusResponse struct {
	Live      LiveStatus          `json:"live"`
	Addresses map[string][]string `json:"addresses,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// StatusRPCHandler wraps a reconciler as a bus RPC handler.
func StatusRPCHandler(rec *Reconciler) func(req []byte) ([]byte, error) {
	return func(req []byte) ([]byte, error) {
		var sr StatusRequest
		if err := json.Unmarshal(req, &sr); err != nil {
			return nil, fmt.Errorf("failed to decode status request: %w", err)
		}

		var resp StatusResponse
		live, addresses, err := rec.query(context.Background(), backend.Kind(sr.Kind), sr.BackendID)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Live = live
			resp.Addresses = addresses
		}
		return json.Marshal(resp)
	}
}

// Caller performs a role-addressed request/reply. The NATS bus satisfies
// this.
type Caller interface {
	Call(ctx context.Context, role, method string, req, resp any) error
}

// RemoteStatus answers live-status queries by asking a worker of the
// serving role over the bus. It is the controller-side counterpart of
// StatusRPCHandler.
type RemoteStatus struct {
	caller Caller
}

// NewRemoteStatus creates a remote live-status source.
func NewRemoteStatus(caller Caller) *RemoteStatus {
	return &RemoteStatus{caller: caller}
}

// Status reports whether the backend object still exists.
func (r *RemoteStatus) Status(ctx context.Context, kind backend.Kind, backendID string) (LiveStatus, error) {
	live, _, err := r.call(ctx, kind, backendID)
	return live, err
}

// InstanceStatus reports existence plus the live network addresses of a
// compute instance.
func (r *RemoteStatus) InstanceStatus(ctx context.Context, backendID string) (LiveStatus, map[string][]string, error) {
	return r.call(ctx, backend.KindInstance, backendID)
}

func (r *RemoteStatus) call(ctx context.Context, kind backend.Kind, backendID string) (LiveStatus, map[string][]string, error) {
	var resp StatusResponse
	req := StatusRequest{Kind: string(kind), BackendID: backendID}
	if err := r.caller.Call(ctx, statusRole(kind), StatusMethod, req, &resp); err != nil {
		return "", nil, fmt.Errorf("status rpc: %v: %w", err, ErrBackendFailure)
	}
	if resp.Error != "" {
		return "", nil, fmt.Errorf("status %s: %s: %w", kind, resp.Error, ErrBackendFailure)
	}
	return resp.Live, resp.Addresses, nil
}

// statusRole maps an object kind to the worker role that can observe it.
func statusRole(kind backend.Kind) string {
	switch kind {
	case backend.KindInstance, backend.KindFloatingIP:
		return dispatch.RoleCompute
	default:
		return dispatch.RoleNetwork
	}
}
