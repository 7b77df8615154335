package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/strato-cloud/strato/pkg/backend"
	"github.com/strato-cloud/strato/pkg/dispatch"
	"github.com/strato-cloud/strato/pkg/placement"
	"github.com/strato-cloud/strato/pkg/registry"
	"github.com/strato-cloud/strato/pkg/stores"
	"github.com/strato-cloud/strato/pkg/telemetry"
	"github.com/strato-cloud/strato/pkg/worker"
)

// testEnv wires a coordinator against the in-memory store, backend, and
// dispatcher the way dev mode does.
type testEnv struct {
	store *stores.SQLiteStore
	be    *backend.Memory
	local *dispatch.Local
	prov  *worker.Provisioner
	coord *Coordinator
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.New(time.Minute, logger, nil)
	reg.Report("node-1", dispatch.RoleNetwork)
	reg.Report("node-1", dispatch.RoleCompute)

	be := backend.NewMemory()
	local := dispatch.NewLocal(64, logger, nil)
	prov := worker.NewProvisioner(be, store, logger, nil)

	coord := NewCoordinator(Options{
		Store:      store,
		Selector:   placement.NewSelector(reg, logger, nil),
		Dispatcher: local,
		Live:       worker.NewReconciler(be, logger, nil),
		Logger:     logger,
	})

	return &testEnv{store: store, be: be, local: local, prov: prov, coord: coord}
}

// drain synchronously executes every dispatched command.
func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	e.local.DrainPending(context.Background(), func(ctx context.Context, env dispatch.Envelope) {
		if err := e.prov.Handle(ctx, env.Command); err != nil {
			t.Fatalf("provisioner failed on %s: %v", env.Command.Type, err)
		}
	})
}

func (e *testEnv) createGroup(t *testing.T) *stores.Group {
	t.Helper()
	group, err := e.coord.CreateGroup(context.Background(), CreateGroupRequest{Owner: "owner-1", Name: "team-" + t.Name()})
	if err != nil {
		t.Fatalf("failed to create group: %v", err)
	}
	return group
}

func (e *testEnv) createNetwork(t *testing.T, groupID, name, routerID string) *stores.Network {
	t.Helper()
	network, err := e.coord.CreateNetwork(context.Background(), CreateNetworkRequest{
		GroupID:  groupID,
		Name:     name,
		CIDR:     "10.0.0.0/24",
		RouterID: routerID,
	})
	if err != nil {
		t.Fatalf("failed to create network: %v", err)
	}
	return network
}

func (e *testEnv) createDefaultSecurityGroup(t *testing.T, groupID string) *SecurityGroupView {
	t.Helper()
	sg, err := e.coord.CreateSecurityGroup(context.Background(), CreateSecurityGroupRequest{
		GroupID:   groupID,
		Name:      "base",
		IsDefault: true,
	})
	if err != nil {
		t.Fatalf("failed to create security group: %v", err)
	}
	return sg
}

// TestCreateNetworkTwoPhase tests persist-then-dispatch and the read-time
// status overlay
func TestCreateNetworkTwoPhase(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	group := env.createGroup(t)

	network := env.createNetwork(t, group.ID, "backbone", "")
	if network.Status != stores.ResourceStatusBuilding {
		t.Errorf("expected BUILDING after create, got %s", network.Status)
	}

	// Not yet provisioned: the overlay reports the persisted state.
	view, err := env.coord.GetNetwork(ctx, group.ID, network.ID, WithLiveStatus())
	if err != nil {
		t.Fatalf("failed to get network: %v", err)
	}
	if view.Live != worker.LiveStatusNotExist || view.Status != stores.ResourceStatusBuilding {
		t.Errorf("expected NotExist/BUILDING before provisioning, got %s/%s", view.Live, view.Status)
	}

	env.drain(t)

	view, err = env.coord.GetNetwork(ctx, group.ID, network.ID, WithLiveStatus())
	if err != nil {
		t.Fatalf("failed to get network: %v", err)
	}
	if view.Live != worker.LiveStatusExists {
		t.Errorf("expected Exists after provisioning, got %s", view.Live)
	}
	if view.Status != stores.ResourceStatusActive {
		t.Errorf("expected ACTIVE overlay, got %s", view.Status)
	}
	if view.BackendID == nil {
		t.Error("expected a recorded backend id")
	}

	// The overlay is never written back: the stored row stays BUILDING.
	stored, err := env.store.GetNetwork(ctx, group.ID, network.ID)
	if err != nil {
		t.Fatalf("failed to read stored network: %v", err)
	}
	if stored.Status != stores.ResourceStatusBuilding {
		t.Errorf("expected persisted BUILDING, got %s", stored.Status)
	}
}

// TestPlacementExhaustion tests the compensating ERROR write when no node
// is viable
func TestPlacementExhaustion(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	group := env.createGroup(t)

	// A role nobody serves: swap in a selector over an empty registry.
	logger, _ := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	empty := registry.New(time.Minute, logger, nil)
	env.coord.selector = placement.NewSelector(empty, logger, nil)

	network, err := env.coord.CreateNetwork(ctx, CreateNetworkRequest{
		GroupID: group.ID,
		Name:    "backbone",
		CIDR:    "10.0.0.0/24",
	})
	if !IsNoViableNode(err) {
		t.Fatalf("expected NoViableNode error, got %v", err)
	}
	if network == nil {
		t.Fatal("expected the persisted row to be returned")
	}

	stored, err := env.store.GetNetwork(ctx, group.ID, network.ID)
	if err != nil {
		t.Fatalf("failed to read stored network: %v", err)
	}
	if stored.Status != stores.ResourceStatusError {
		t.Errorf("expected compensating ERROR, got %s", stored.Status)
	}
}

// TestDispatchFailure tests the compensating ERROR write when enqueueing
// fails synchronously
func TestDispatchFailure(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	group := env.createGroup(t)

	// A zero-capacity queue rejects every send.
	logger, _ := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	env.coord.disp = dispatch.NewLocal(0, logger, nil)

	network, err := env.coord.CreateNetwork(ctx, CreateNetworkRequest{
		GroupID: group.ID,
		Name:    "backbone",
		CIDR:    "10.0.0.0/24",
	})
	if !IsDispatch(err) {
		t.Fatalf("expected dispatch error, got %v", err)
	}

	stored, err := env.store.GetNetwork(ctx, group.ID, network.ID)
	if err != nil {
		t.Fatalf("failed to read stored network: %v", err)
	}
	if stored.Status != stores.ResourceStatusError {
		t.Errorf("expected compensating ERROR, got %s", stored.Status)
	}
}

// TestValidationWritesNothing tests that validation failures persist no row
func TestValidationWritesNothing(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	group := env.createGroup(t)

	_, err := env.coord.CreateNetwork(ctx, CreateNetworkRequest{
		GroupID: group.ID,
		Name:    "backbone",
		CIDR:    "not-a-cidr",
	})
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	networks, err := env.store.ListNetworks(ctx, group.ID)
	if err != nil {
		t.Fatalf("failed to list networks: %v", err)
	}
	if len(networks) != 0 {
		t.Errorf("expected no persisted rows, got %d", len(networks))
	}
}

// TestSingleDefaultKeypair tests the single-default invariant
func TestSingleDefaultKeypair(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	group := env.createGroup(t)

	first, err := env.coord.CreateKeypair(ctx, CreateKeypairRequest{GroupID: group.ID, Name: "primary", IsDefault: true})
	if err != nil {
		t.Fatalf("failed to create keypair: %v", err)
	}

	_, err = env.coord.CreateKeypair(ctx, CreateKeypairRequest{GroupID: group.ID, Name: "secondary", IsDefault: true})
	if !IsConflict(err) {
		t.Fatalf("expected conflict for second default, got %v", err)
	}

	// The existing default is untouched.
	def, err := env.store.GetDefaultKeypair(ctx, group.ID)
	if err != nil {
		t.Fatalf("failed to get default keypair: %v", err)
	}
	if def.ID != first.Keypair.ID {
		t.Errorf("expected default %s, got %s", first.Keypair.ID, def.ID)
	}

	// A non-default second keypair is fine.
	if _, err := env.coord.CreateKeypair(ctx, CreateKeypairRequest{GroupID: group.ID, Name: "secondary"}); err != nil {
		t.Errorf("unexpected error for non-default keypair: %v", err)
	}
}

// TestKeypairPrivateKeyReturnedOnce tests write-once key material handling
func TestKeypairPrivateKeyReturnedOnce(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	group := env.createGroup(t)

	result, err := env.coord.CreateKeypair(ctx, CreateKeypairRequest{GroupID: group.ID, Name: "primary"})
	if err != nil {
		t.Fatalf("failed to create keypair: %v", err)
	}
	if !strings.Contains(result.PrivateKey, "PRIVATE KEY") {
		t.Error("expected a PEM private key in the create response")
	}
	if !strings.HasPrefix(result.Keypair.PublicKey, "ssh-ed25519 ") {
		t.Errorf("expected an OpenSSH public key, got %q", result.Keypair.PublicKey)
	}
	if !strings.HasPrefix(result.Keypair.Fingerprint, "SHA256:") {
		t.Errorf("expected a SHA256 fingerprint, got %q", result.Keypair.Fingerprint)
	}

	// Read paths blank the private key.
	view, err := env.coord.GetKeypair(ctx, group.ID, result.Keypair.ID)
	if err != nil {
		t.Fatalf("failed to get keypair: %v", err)
	}
	if view.PrivateKey != "" {
		t.Error("expected private key blanked on read")
	}

	views, err := env.coord.ListKeypairs(ctx, group.ID)
	if err != nil {
		t.Fatalf("failed to list keypairs: %v", err)
	}
	if len(views) != 1 || views[0].PrivateKey != "" {
		t.Error("expected private key blanked in listing")
	}
}

// TestInUseProtection tests delete refusal while a process references the
// resource, and success after the process is gone
func TestInUseProtection(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	group := env.createGroup(t)

	network := env.createNetwork(t, group.ID, "backbone", "")
	sg := env.createDefaultSecurityGroup(t, group.ID)
	kp, err := env.coord.CreateKeypair(ctx, CreateKeypairRequest{GroupID: group.ID, Name: "primary", IsDefault: true})
	if err != nil {
		t.Fatalf("failed to create keypair: %v", err)
	}
	env.drain(t)

	proc, err := env.coord.CreateProcess(ctx, CreateProcessRequest{
		GroupID: group.ID,
		Name:    "api",
		Image:   "ubuntu-24.04",
		Flavor:  "m1.small",
	})
	if err != nil {
		t.Fatalf("failed to create process: %v", err)
	}
	env.drain(t)

	if err := env.coord.DeleteNetwork(ctx, group.ID, network.ID); !IsInUse(err) {
		t.Errorf("expected InUse deleting attached network, got %v", err)
	}
	if err := env.coord.DeleteSecurityGroup(ctx, group.ID, sg.ID); !IsInUse(err) {
		t.Errorf("expected InUse deleting attached security group, got %v", err)
	}
	if err := env.coord.DeleteKeypair(ctx, group.ID, kp.Keypair.ID); !IsInUse(err) {
		t.Errorf("expected InUse deleting used keypair, got %v", err)
	}

	if err := env.coord.DeleteProcess(ctx, group.ID, proc.PID); err != nil {
		t.Fatalf("failed to delete process: %v", err)
	}
	env.drain(t)

	if err := env.coord.DeleteNetwork(ctx, group.ID, network.ID); err != nil {
		t.Errorf("expected network delete to succeed, got %v", err)
	}
	if err := env.coord.DeleteSecurityGroup(ctx, group.ID, sg.ID); err != nil {
		t.Errorf("expected security group delete to succeed, got %v", err)
	}
	if err := env.coord.DeleteKeypair(ctx, group.ID, kp.Keypair.ID); err != nil {
		t.Errorf("expected keypair delete to succeed, got %v", err)
	}
}

// TestDefaultInheritance tests that a child with no explicit values
// inherits keypair, security groups, image, and flavor from its parent
func TestDefaultInheritance(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	group := env.createGroup(t)

	env.createNetwork(t, group.ID, "backbone", "")
	sg := env.createDefaultSecurityGroup(t, group.ID)
	kp, err := env.coord.CreateKeypair(ctx, CreateKeypairRequest{GroupID: group.ID, Name: "primary", IsDefault: true})
	if err != nil {
		t.Fatalf("failed to create keypair: %v", err)
	}

	parent, err := env.coord.CreateProcess(ctx, CreateProcessRequest{
		GroupID: group.ID,
		Name:    "parent",
		Image:   "ubuntu-24.04",
		Flavor:  "m1.large",
	})
	if err != nil {
		t.Fatalf("failed to create parent: %v", err)
	}

	child, err := env.coord.CreateProcess(ctx, CreateProcessRequest{
		GroupID: group.ID,
		Name:    "child",
		PPID:    parent.PID,
	})
	if err != nil {
		t.Fatalf("failed to create child: %v", err)
	}

	if child.KeypairID == nil || *child.KeypairID != kp.Keypair.ID {
		t.Errorf("expected inherited keypair %s, got %v", kp.Keypair.ID, child.KeypairID)
	}
	if child.Image != "ubuntu-24.04" || child.Flavor != "m1.large" {
		t.Errorf("expected inherited image/flavor, got %s/%s", child.Image, child.Flavor)
	}

	sgIDs, err := env.store.ListProcessSecurityGroupIDs(ctx, child.PID)
	if err != nil {
		t.Fatalf("failed to list child security groups: %v", err)
	}
	if len(sgIDs) != 1 || sgIDs[0] != sg.ID {
		t.Errorf("expected inherited security group %s, got %v", sg.ID, sgIDs)
	}
}

// TestRootFallback tests the group-default fallback for root processes
func TestRootFallback(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	group := env.createGroup(t)
	env.createNetwork(t, group.ID, "backbone", "")

	// No default security group exists: validation failure.
	_, err := env.coord.CreateProcess(ctx, CreateProcessRequest{
		GroupID: group.ID,
		Name:    "api",
		Image:   "ubuntu-24.04",
		Flavor:  "m1.small",
	})
	if !IsValidation(err) {
		t.Fatalf("expected validation error without default security groups, got %v", err)
	}

	sg := env.createDefaultSecurityGroup(t, group.ID)
	proc, err := env.coord.CreateProcess(ctx, CreateProcessRequest{
		GroupID: group.ID,
		Name:    "api",
		Image:   "ubuntu-24.04",
		Flavor:  "m1.small",
	})
	if err != nil {
		t.Fatalf("failed to create process: %v", err)
	}

	sgIDs, err := env.store.ListProcessSecurityGroupIDs(ctx, proc.PID)
	if err != nil {
		t.Fatalf("failed to list process security groups: %v", err)
	}
	if len(sgIDs) != 1 || sgIDs[0] != sg.ID {
		t.Errorf("expected default security group %s, got %v", sg.ID, sgIDs)
	}
}

// recordingDispatcher captures dispatched commands in order.
type recordingDispatcher struct {
	commands []dispatch.Command
}

func (r *recordingDispatcher) Send(_ context.Context, _ string, cmd dispatch.Command) error {
	r.commands = append(r.commands, cmd)
	return nil
}

// TestCascadeDeleteOrder tests strict post-order teardown of a chain
func TestCascadeDeleteOrder(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	group := env.createGroup(t)
	env.createNetwork(t, group.ID, "backbone", "")
	env.createDefaultSecurityGroup(t, group.ID)

	createProc := func(name, ppid string) *stores.Process {
		t.Helper()
		proc, err := env.coord.CreateProcess(ctx, CreateProcessRequest{
			GroupID: group.ID,
			Name:    name,
			PPID:    ppid,
			Image:   "ubuntu-24.04",
			Flavor:  "m1.small",
		})
		if err != nil {
			t.Fatalf("failed to create process %s: %v", name, err)
		}
		return proc
	}

	a := createProc("a", "")
	b := createProc("b", a.PID)
	c := createProc("c", b.PID)

	rec := &recordingDispatcher{}
	env.coord.disp = rec

	if err := env.coord.DeleteProcess(ctx, group.ID, a.PID); err != nil {
		t.Fatalf("cascade delete failed: %v", err)
	}

	var order []string
	for _, cmd := range rec.commands {
		if cmd.Type != dispatch.CommandDeleteProcess {
			continue
		}
		payload, err := dispatch.DecodePayload(cmd)
		if err != nil {
			t.Fatalf("failed to decode payload: %v", err)
		}
		order = append(order, payload.(*dispatch.ProcessDelete).PID)
	}
	want := []string{c.PID, b.PID, a.PID}
	if len(order) != 3 || order[0] != want[0] || order[1] != want[1] || order[2] != want[2] {
		t.Errorf("expected teardown order %v, got %v", want, order)
	}

	procs, err := env.coord.ListProcesses(ctx, group.ID)
	if err != nil {
		t.Fatalf("failed to list processes: %v", err)
	}
	if len(procs) != 0 {
		t.Errorf("expected empty listing after cascade, got %d", len(procs))
	}

	// Deleting the root again reports NotFound; deleting a vanished
	// subtree member through the tree manager is swallowed.
	if err := env.coord.DeleteProcess(ctx, group.ID, a.PID); !IsNotFound(err) {
		t.Errorf("expected NotFound for repeated delete, got %v", err)
	}
	if err := env.coord.Tree().CascadeDelete(ctx, group.ID, b.PID, env.coord.deleteProcessOne); err != nil {
		t.Errorf("expected vanished subtree delete to be swallowed, got %v", err)
	}
}

// TestFloatingRequiresRouter tests floating flag validation
func TestFloatingRequiresRouter(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	group := env.createGroup(t)
	env.createDefaultSecurityGroup(t, group.ID)

	routerless := env.createNetwork(t, group.ID, "internal", "")

	_, err := env.coord.CreateProcess(ctx, CreateProcessRequest{
		GroupID:            group.ID,
		Name:               "api",
		Image:              "ubuntu-24.04",
		Flavor:             "m1.small",
		FloatingNetworkIDs: []string{routerless.ID},
	})
	if !IsValidation(err) {
		t.Fatalf("expected validation error for routerless floating, got %v", err)
	}

	routed := env.createNetwork(t, group.ID, "public", "rtr-001")
	proc, err := env.coord.CreateProcess(ctx, CreateProcessRequest{
		GroupID:            group.ID,
		Name:               "api",
		Image:              "ubuntu-24.04",
		Flavor:             "m1.small",
		FloatingNetworkIDs: []string{routed.ID},
	})
	if err != nil {
		t.Fatalf("failed to create process: %v", err)
	}

	attachments, err := env.store.ListProcessNetworks(ctx, proc.PID)
	if err != nil {
		t.Fatalf("failed to list attachments: %v", err)
	}
	// Both group networks attach; only the routed one floats.
	if len(attachments) != 2 {
		t.Fatalf("expected 2 attachments, got %d", len(attachments))
	}
	for _, att := range attachments {
		wantFloating := att.NetworkID == routed.ID
		if att.Floating != wantFloating {
			t.Errorf("attachment %s: floating = %v, want %v", att.NetworkID, att.Floating, wantFloating)
		}
	}
}

// TestSecurityGroupRules tests remote reference validation and resolution
func TestSecurityGroupRules(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	group := env.createGroup(t)

	peer, err := env.coord.CreateSecurityGroup(ctx, CreateSecurityGroupRequest{GroupID: group.ID, Name: "peer"})
	if err != nil {
		t.Fatalf("failed to create peer: %v", err)
	}
	env.drain(t)

	// Both remote fields set: invalid.
	_, err = env.coord.CreateSecurityGroup(ctx, CreateSecurityGroupRequest{
		GroupID: group.ID,
		Name:    "web",
		Rules: []RuleRequest{
			{Protocol: "tcp", PortMin: 80, PortMax: 80, RemoteCIDR: "0.0.0.0/0", RemoteGroupID: peer.ID},
		},
	})
	if !IsValidation(err) {
		t.Fatalf("expected validation error for ambiguous remote, got %v", err)
	}

	// Unknown peer: invalid.
	_, err = env.coord.CreateSecurityGroup(ctx, CreateSecurityGroupRequest{
		GroupID: group.ID,
		Name:    "web",
		Rules:   []RuleRequest{{Protocol: "tcp", PortMin: 80, PortMax: 80, RemoteGroupID: "missing"}},
	})
	if !IsValidation(err) {
		t.Fatalf("expected validation error for unknown peer, got %v", err)
	}

	// A valid peer reference resolves to its backend id at creation time.
	sg, err := env.coord.CreateSecurityGroup(ctx, CreateSecurityGroupRequest{
		GroupID: group.ID,
		Name:    "web",
		Rules: []RuleRequest{
			{Protocol: "tcp", PortMin: 443, PortMax: 443, RemoteGroupID: peer.ID},
			{Protocol: "tcp", PortMin: 80, PortMax: 80, RemoteCIDR: "0.0.0.0/0"},
		},
	})
	if err != nil {
		t.Fatalf("failed to create security group: %v", err)
	}
	if len(sg.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(sg.Rules))
	}
	if sg.Rules[0].RemoteBackendID == nil || *sg.Rules[0].RemoteBackendID == "" {
		t.Error("expected peer reference resolved to a backend id")
	}
	if sg.Rules[0].Position != 0 || sg.Rules[1].Position != 1 {
		t.Errorf("expected positions preserved, got %d and %d", sg.Rules[0].Position, sg.Rules[1].Position)
	}
}

// TestAttachProxyEndpoints tests the proxy-only endpoint attach
func TestAttachProxyEndpoints(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	group := env.createGroup(t)
	env.createNetwork(t, group.ID, "backbone", "")
	env.createDefaultSecurityGroup(t, group.ID)

	plain, err := env.coord.CreateProcess(ctx, CreateProcessRequest{
		GroupID: group.ID, Name: "api", Image: "ubuntu-24.04", Flavor: "m1.small",
	})
	if err != nil {
		t.Fatalf("failed to create process: %v", err)
	}
	proxy, err := env.coord.CreateProcess(ctx, CreateProcessRequest{
		GroupID: group.ID, Name: "edge", IsProxy: true, Image: "ubuntu-24.04", Flavor: "m1.small",
	})
	if err != nil {
		t.Fatalf("failed to create proxy: %v", err)
	}

	req := AttachProxyEndpointsRequest{
		GroupID:        group.ID,
		PID:            plain.PID,
		APIEndpoint:    "https://edge:8443",
		BusEndpoint:    "nats://edge:4222",
		TunnelEndpoint: "wss://edge:9000",
	}
	if err := env.coord.AttachProxyEndpoints(ctx, req); !IsValidation(err) {
		t.Errorf("expected validation error for non-proxy, got %v", err)
	}

	req.PID = proxy.PID
	if err := env.coord.AttachProxyEndpoints(ctx, req); err != nil {
		t.Fatalf("failed to attach endpoints: %v", err)
	}

	view, err := env.coord.GetProcess(ctx, group.ID, proxy.PID)
	if err != nil {
		t.Fatalf("failed to get proxy: %v", err)
	}
	if view.ProxyBusEndpoint != "nats://edge:4222" {
		t.Errorf("expected bus endpoint persisted, got %q", view.ProxyBusEndpoint)
	}

	// A proxy must be a root.
	_, err = env.coord.CreateProcess(ctx, CreateProcessRequest{
		GroupID: group.ID, Name: "bad", IsProxy: true, PPID: proxy.PID,
	})
	if !IsValidation(err) {
		t.Errorf("expected validation error for child proxy, got %v", err)
	}
}

// TestSetProcessAppStatus tests the workload-reported status write
func TestSetProcessAppStatus(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	group := env.createGroup(t)
	env.createNetwork(t, group.ID, "backbone", "")
	env.createDefaultSecurityGroup(t, group.ID)

	proc, err := env.coord.CreateProcess(ctx, CreateProcessRequest{
		GroupID: group.ID, Name: "api", Image: "ubuntu-24.04", Flavor: "m1.small",
	})
	if err != nil {
		t.Fatalf("failed to create process: %v", err)
	}

	if err := env.coord.SetProcessAppStatus(ctx, group.ID, proc.PID, "healthy"); err != nil {
		t.Fatalf("failed to set app status: %v", err)
	}
	view, err := env.coord.GetProcess(ctx, group.ID, proc.PID)
	if err != nil {
		t.Fatalf("failed to get process: %v", err)
	}
	if view.AppStatus != "healthy" {
		t.Errorf("expected app status healthy, got %q", view.AppStatus)
	}

	if err := env.coord.SetProcessAppStatus(ctx, group.ID, "missing", "healthy"); !IsNotFound(err) {
		t.Errorf("expected NotFound for unknown process, got %v", err)
	}
}

// TestDeleteGroup tests the owned-resource check on group deletion
func TestDeleteGroup(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	group := env.createGroup(t)
	network := env.createNetwork(t, group.ID, "backbone", "")

	if err := env.coord.DeleteGroup(ctx, group.ID); !IsInUse(err) {
		t.Fatalf("expected InUse while resources remain, got %v", err)
	}

	if err := env.coord.DeleteNetwork(ctx, group.ID, network.ID); err != nil {
		t.Fatalf("failed to delete network: %v", err)
	}
	if err := env.coord.DeleteGroup(ctx, group.ID); err != nil {
		t.Fatalf("expected group delete to succeed, got %v", err)
	}
	if _, err := env.coord.GetGroup(ctx, group.ID); !IsNotFound(err) {
		t.Errorf("expected NotFound after delete, got %v", err)
	}
}

// TestEndToEndScenario walks the full lifecycle: group, defaults, network,
// root process with resolved defaults, child with an explicit override
func TestEndToEndScenario(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	group, err := env.coord.CreateGroup(ctx, CreateGroupRequest{Owner: "owner-1", Name: "prod"})
	if err != nil {
		t.Fatalf("failed to create group: %v", err)
	}

	kp, err := env.coord.CreateKeypair(ctx, CreateKeypairRequest{GroupID: group.ID, Name: "primary", IsDefault: true})
	if err != nil {
		t.Fatalf("failed to create keypair: %v", err)
	}
	sg := env.createDefaultSecurityGroup(t, group.ID)
	network := env.createNetwork(t, group.ID, "backbone", "")
	env.drain(t)

	p1, err := env.coord.CreateProcess(ctx, CreateProcessRequest{
		GroupID: group.ID,
		Name:    "p1",
		Image:   "ubuntu-24.04",
		Flavor:  "m1.small",
	})
	if err != nil {
		t.Fatalf("failed to create p1: %v", err)
	}
	env.drain(t)

	if p1.KeypairID == nil || *p1.KeypairID != kp.Keypair.ID {
		t.Errorf("expected p1 keypair %s, got %v", kp.Keypair.ID, p1.KeypairID)
	}
	p1View, err := env.coord.GetProcess(ctx, group.ID, p1.PID, WithLiveStatus())
	if err != nil {
		t.Fatalf("failed to get p1: %v", err)
	}
	if len(p1View.SecurityGroupIDs) != 1 || p1View.SecurityGroupIDs[0] != sg.ID {
		t.Errorf("expected p1 security groups {%s}, got %v", sg.ID, p1View.SecurityGroupIDs)
	}
	if len(p1View.Networks) != 1 || p1View.Networks[0].NetworkID != network.ID {
		t.Errorf("expected p1 networks {%s}, got %v", network.ID, p1View.Networks)
	}
	if p1View.Live != worker.LiveStatusExists || p1View.Status != stores.ResourceStatusActive {
		t.Errorf("expected provisioned p1 to overlay ACTIVE, got %s/%s", p1View.Live, p1View.Status)
	}

	p2, err := env.coord.CreateProcess(ctx, CreateProcessRequest{
		GroupID: group.ID,
		Name:    "p2",
		PPID:    p1.PID,
		Image:   "debian-13",
	})
	if err != nil {
		t.Fatalf("failed to create p2: %v", err)
	}

	if p2.KeypairID == nil || *p2.KeypairID != kp.Keypair.ID {
		t.Errorf("expected p2 keypair %s, got %v", kp.Keypair.ID, p2.KeypairID)
	}
	if p2.Image != "debian-13" {
		t.Errorf("expected explicit image to win, got %s", p2.Image)
	}
	if p2.Flavor != "m1.small" {
		t.Errorf("expected inherited flavor, got %s", p2.Flavor)
	}
	sgIDs, err := env.store.ListProcessSecurityGroupIDs(ctx, p2.PID)
	if err != nil {
		t.Fatalf("failed to list p2 security groups: %v", err)
	}
	if len(sgIDs) != 1 || sgIDs[0] != sg.ID {
		t.Errorf("expected p2 security groups {%s}, got %v", sg.ID, sgIDs)
	}
}
