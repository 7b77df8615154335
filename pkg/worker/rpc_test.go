package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/strato-cloud/strato/pkg/backend"
)

// loopbackCaller routes calls straight into an RPC handler, standing in for
// the bus.
type loopbackCaller struct {
	handler func(req []byte) ([]byte, error)
	role    string
	method  string
}

func (c *loopbackCaller) Call(_ context.Context, role, method string, req, resp any) error {
	c.role = role
	c.method = method

	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	out, err := c.handler(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(out, resp)
}

func TestRemoteStatusRoundTrip(t *testing.T) {
	be := backend.NewMemory()
	id, err := be.Create(context.Background(), backend.KindNetwork, backend.Spec{Name: "net"})
	if err != nil {
		t.Fatalf("backend create failed: %v", err)
	}

	rec := NewReconciler(be, testLogger(t), nil)
	caller := &loopbackCaller{handler: StatusRPCHandler(rec)}
	remote := NewRemoteStatus(caller)

	live, err := remote.Status(context.Background(), backend.KindNetwork, id)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if live != LiveStatusExists {
		t.Errorf("expected Exists, got %s", live)
	}
	if caller.role != "network" || caller.method != StatusMethod {
		t.Errorf("unexpected routing: role=%s method=%s", caller.role, caller.method)
	}

	live, err = remote.Status(context.Background(), backend.KindNetwork, "gone")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if live != LiveStatusNotExist {
		t.Errorf("expected NotExist for unknown id, got %s", live)
	}
}

func TestRemoteInstanceStatusAddresses(t *testing.T) {
	be := backend.NewMemory()
	id, err := be.Create(context.Background(), backend.KindInstance, backend.Spec{
		Name:    "p1",
		Members: map[string][]string{"networks": {"net-backend-1"}},
	})
	if err != nil {
		t.Fatalf("backend create failed: %v", err)
	}

	rec := NewReconciler(be, testLogger(t), nil)
	caller := &loopbackCaller{handler: StatusRPCHandler(rec)}
	remote := NewRemoteStatus(caller)

	live, addresses, err := remote.InstanceStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("InstanceStatus failed: %v", err)
	}
	if live != LiveStatusExists {
		t.Errorf("expected Exists, got %s", live)
	}
	if len(addresses["net-backend-1"]) == 0 {
		t.Errorf("expected an address on net-backend-1, got %v", addresses)
	}
	if caller.role != "compute" {
		t.Errorf("instance status should route to compute, got %s", caller.role)
	}
}
