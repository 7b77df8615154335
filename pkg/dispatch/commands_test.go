package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/strato-cloud/strato/pkg/telemetry"
)

// TestCommandRoundTrip tests command construction, wire encoding, and
// payload decoding
func TestCommandRoundTrip(t *testing.T) {
	cmd, err := NewCommand(CommandCreateProcess, "grp-001", &ProcessCreate{
		PID:    "proc-001",
		Name:   "api",
		Image:  "ubuntu-24.04",
		Flavor: "m1.small",
		Networks: []NetworkAttachment{
			{NetworkID: "net-001", BackendID: "be-net-001", Floating: true, RouterID: "rtr-001"},
		},
		SecurityGroupBackendIDs: []string{"be-sg-001"},
	})
	if err != nil {
		t.Fatalf("failed to build command: %v", err)
	}
	if cmd.ID == "" {
		t.Error("expected a command id")
	}

	raw, err := Encode(cmd)
	if err != nil {
		t.Fatalf("failed to encode command: %v", err)
	}
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("failed to decode command: %v", err)
	}
	if decoded.Type != CommandCreateProcess || decoded.GroupID != "grp-001" {
		t.Errorf("unexpected decoded command %+v", decoded)
	}

	payload, err := DecodePayload(decoded)
	if err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	create, ok := payload.(*ProcessCreate)
	if !ok {
		t.Fatalf("expected *ProcessCreate, got %T", payload)
	}
	if create.PID != "proc-001" || len(create.Networks) != 1 || !create.Networks[0].Floating {
		t.Errorf("unexpected payload %+v", create)
	}
}

// TestUnknownCommandType tests that the union is closed
func TestUnknownCommandType(t *testing.T) {
	if _, err := NewCommand(CommandType("volume.create"), "grp-001", struct{}{}); err == nil {
		t.Error("expected error for unknown command type on build")
	}

	if _, err := Decode([]byte(`{"id":"c-1","type":"volume.create","payload":{}}`)); err == nil {
		t.Error("expected error for unknown command type on decode")
	}

	if _, err := DecodePayload(Command{Type: "volume.create"}); err == nil {
		t.Error("expected error for unknown command type on payload decode")
	}
}

// TestCommandRoles tests the command-to-role mapping
func TestCommandRoles(t *testing.T) {
	for _, tc := range []struct {
		cmdType CommandType
		role    string
	}{
		{CommandCreateNetwork, RoleNetwork},
		{CommandDeleteNetwork, RoleNetwork},
		{CommandCreateKeypair, RoleNetwork},
		{CommandDeleteKeypair, RoleNetwork},
		{CommandCreateSecurityGroup, RoleNetwork},
		{CommandDeleteSecurityGroup, RoleNetwork},
		{CommandCreateProcess, RoleCompute},
		{CommandDeleteProcess, RoleCompute},
	} {
		role, err := tc.cmdType.Role()
		if err != nil {
			t.Errorf("%s: unexpected error %v", tc.cmdType, err)
		}
		if role != tc.role {
			t.Errorf("%s: expected role %s, got %s", tc.cmdType, tc.role, role)
		}
	}
}

// TestLocalQueue tests in-process delivery and the full-queue rejection
func TestLocalQueue(t *testing.T) {
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	local := NewLocal(2, logger, nil)
	ctx := context.Background()

	cmd, err := NewCommand(CommandCreateNetwork, "grp-001", &NetworkCreate{NetworkID: "net-001", Name: "backbone", CIDR: "10.0.0.0/24"})
	if err != nil {
		t.Fatalf("failed to build command: %v", err)
	}

	if err := local.Send(ctx, "node-a", cmd); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	if err := local.Send(ctx, "node-a", cmd); err != nil {
		t.Fatalf("second send failed: %v", err)
	}

	// The queue holds two; the third is rejected synchronously.
	if err := local.Send(ctx, "node-a", cmd); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if local.Pending() != 2 {
		t.Errorf("expected 2 pending commands, got %d", local.Pending())
	}

	runCtx, cancel := context.WithCancel(ctx)
	received := make(chan Envelope, 2)
	done := make(chan struct{})
	go func() {
		defer close(done)
		local.Run(runCtx, func(_ context.Context, env Envelope) {
			received <- env
			if len(received) == 2 {
				cancel()
			}
		})
	}()
	<-done

	if len(received) != 2 {
		t.Fatalf("expected 2 delivered commands, got %d", len(received))
	}
	env := <-received
	if env.Node != "node-a" || env.Command.ID != cmd.ID {
		t.Errorf("unexpected envelope %+v", env)
	}
}
