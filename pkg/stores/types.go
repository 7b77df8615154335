package stores

import (
	"context"
	"errors"
	"time"
)

// GroupStatus represents the lifecycle status of a tenant group.
type GroupStatus string

const (
	GroupStatusActive   GroupStatus = "ACTIVE"
	GroupStatusDeleting GroupStatus = "DELETING"
)

// ResourceStatus represents the infra lifecycle status of a provisionable
// resource. Rows are created BUILDING and only ever move to ERROR or
// DELETING by direct writes; ACTIVE is reported by the read-time overlay,
// never persisted.
type ResourceStatus string

const (
	ResourceStatusBuilding ResourceStatus = "BUILDING"
	ResourceStatusActive   ResourceStatus = "ACTIVE"
	ResourceStatusError    ResourceStatus = "ERROR"
	ResourceStatusDeleting ResourceStatus = "DELETING"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound indicates the row does not exist or is soft-deleted.
	ErrNotFound = errors.New("record not found")

	// ErrConflict indicates a uniqueness constraint was violated.
	ErrConflict = errors.New("record conflicts with an existing record")

	// ErrDuplicateAssociation indicates the same id was passed twice in an
	// association set. This is an input error, not deduplicated silently.
	ErrDuplicateAssociation = errors.New("duplicate id in association set")
)

// Group is a tenant namespace owning all other resources.
type Group struct {
	ID          string      `json:"id"`
	Owner       string      `json:"owner"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Status      GroupStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Network is a virtual network owned by a group.
type Network struct {
	ID      string `json:"id"`
	GroupID string `json:"group_id"`
	Name    string `json:"name"`
	IsAdmin bool   `json:"is_admin"`
	CIDR    string `json:"cidr"`

	// Gateway is the optional gateway address.
	Gateway *string `json:"gateway,omitempty"`

	// DNS is the optional list of resolver addresses.
	DNS []string `json:"dns,omitempty"`

	// RouterID references an external router; required for floating
	// reachability through this network.
	RouterID *string `json:"router_id,omitempty"`

	// BackendID is the provider identifier, null until provisioned.
	BackendID *string        `json:"backend_id,omitempty"`
	Status    ResourceStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Keypair is an SSH keypair owned by a group. PrivateKey is write-once key
// material returned only at creation; read paths must blank it.
type Keypair struct {
	ID          string         `json:"id"`
	GroupID     string         `json:"group_id"`
	Name        string         `json:"name"`
	IsDefault   bool           `json:"is_default"`
	PublicKey   string         `json:"public_key"`
	PrivateKey  string         `json:"-"`
	Fingerprint string         `json:"fingerprint"`
	BackendID   *string        `json:"backend_id,omitempty"`
	Status      ResourceStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// SecurityGroup is a firewall rule set owned by a group.
type SecurityGroup struct {
	ID        string         `json:"id"`
	GroupID   string         `json:"group_id"`
	Name      string         `json:"name"`
	IsDefault bool           `json:"is_default"`
	BackendID *string        `json:"backend_id,omitempty"`
	Status    ResourceStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SecurityGroupRule is one ordered rule of a SecurityGroup. Exactly one of
// RemoteCIDR and RemoteGroupID is set.
type SecurityGroupRule struct {
	ID              string `json:"id"`
	SecurityGroupID string `json:"security_group_id"`

	// Position orders rules within their group.
	Position int    `json:"position"`
	Protocol string `json:"protocol"`
	PortMin  int    `json:"port_min"`
	PortMax  int    `json:"port_max"`

	// RemoteCIDR is the remote address range the rule applies to.
	RemoteCIDR *string `json:"remote_cidr,omitempty"`

	// RemoteGroupID references a peer SecurityGroup in the same group.
	RemoteGroupID *string `json:"remote_group_id,omitempty"`

	// RemoteBackendID is the peer's backend identifier, resolved at
	// creation time.
	RemoteBackendID *string   `json:"remote_backend_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Process is a unit of work backed by an externally provisioned compute
// instance. Processes form a tree per group via PPID.
type Process struct {
	PID     string  `json:"pid"`
	GroupID string  `json:"group_id"`
	PPID    *string `json:"ppid,omitempty"`
	Name    string  `json:"name"`

	// IsProxy marks a distinguished root used as a relay point for its
	// descendants.
	IsProxy   bool    `json:"is_proxy"`
	BackendID *string `json:"backend_id,omitempty"`
	Image     string  `json:"image"`
	Flavor    string  `json:"flavor"`
	KeypairID *string `json:"keypair_id,omitempty"`

	// Metadata is a free-form JSON blob of arguments.
	Metadata string `json:"metadata"`
	UserData string `json:"user_data"`

	Status ResourceStatus `json:"status"`

	// AppStatus is reported by the running workload itself, never by the
	// orchestrator.
	AppStatus string `json:"app_status"`

	// Proxy endpoints used by descendants to reach a proxy process.
	ProxyAPIEndpoint    string `json:"proxy_api_endpoint,omitempty"`
	ProxyBusEndpoint    string `json:"proxy_bus_endpoint,omitempty"`
	ProxyTunnelEndpoint string `json:"proxy_tunnel_endpoint,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProcessNetwork is a process-to-network attachment.
type ProcessNetwork struct {
	ProcessID string `json:"process_id"`
	NetworkID string `json:"network_id"`

	// Floating marks the attachment for external reachability.
	Floating bool `json:"floating"`
}

// GroupResourceCounts reports non-deleted owned resources per collection,
// used by the group delete check.
type GroupResourceCounts struct {
	Networks       int `json:"networks"`
	Keypairs       int `json:"keypairs"`
	SecurityGroups int `json:"security_groups"`
	Processes      int `json:"processes"`
}

// Total returns the sum over all collections.
func (c GroupResourceCounts) Total() int {
	return c.Networks + c.Keypairs + c.SecurityGroups + c.Processes
}

// BackendIDRecorder is the narrow store surface the worker uses to record
// provider identifiers after a successful create. It never touches status.
type BackendIDRecorder interface {
	SetNetworkBackendID(ctx context.Context, id, backendID string) error
	SetKeypairBackendID(ctx context.Context, id, backendID string) error
	SetSecurityGroupBackendID(ctx context.Context, id, backendID string) error
	SetProcessBackendID(ctx context.Context, pid, backendID string) error
}

// Store defines the interface for the persistence layer. All operations
// filter soft-deleted rows and are scoped by group id where applicable.
// No operation here performs backend calls.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Group operations
	CreateGroup(ctx context.Context, group *Group) error
	GetGroup(ctx context.Context, id string) (*Group, error)
	ListGroups(ctx context.Context, owner string) ([]*Group, error)
	UpdateGroupStatus(ctx context.Context, id string, status GroupStatus) error
	CountGroupResources(ctx context.Context, groupID string) (GroupResourceCounts, error)
	SoftDeleteGroup(ctx context.Context, id string) error

	// Network operations
	CreateNetwork(ctx context.Context, network *Network) error
	GetNetwork(ctx context.Context, groupID, id string) (*Network, error)
	ListNetworks(ctx context.Context, groupID string) ([]*Network, error)
	UpdateNetworkStatus(ctx context.Context, id string, status ResourceStatus) error
	CountProcessesByNetwork(ctx context.Context, networkID string) (int, error)
	SoftDeleteNetwork(ctx context.Context, id string) error

	// Keypair operations
	CreateKeypair(ctx context.Context, keypair *Keypair) error
	GetKeypair(ctx context.Context, groupID, id string) (*Keypair, error)
	ListKeypairs(ctx context.Context, groupID string) ([]*Keypair, error)
	GetDefaultKeypair(ctx context.Context, groupID string) (*Keypair, error)
	UpdateKeypairStatus(ctx context.Context, id string, status ResourceStatus) error
	SetDefaultKeypair(ctx context.Context, groupID, id string) error
	CountProcessesByKeypair(ctx context.Context, keypairID string) (int, error)
	SoftDeleteKeypair(ctx context.Context, id string) error

	// SecurityGroup operations
	CreateSecurityGroup(ctx context.Context, sg *SecurityGroup, rules []*SecurityGroupRule) error
	GetSecurityGroup(ctx context.Context, groupID, id string) (*SecurityGroup, error)
	ListSecurityGroups(ctx context.Context, groupID string) ([]*SecurityGroup, error)
	ListDefaultSecurityGroups(ctx context.Context, groupID string) ([]*SecurityGroup, error)
	ListSecurityGroupRules(ctx context.Context, securityGroupID string) ([]*SecurityGroupRule, error)
	UpdateSecurityGroupStatus(ctx context.Context, id string, status ResourceStatus) error
	SetDefaultSecurityGroup(ctx context.Context, groupID, id string) error
	CountProcessesBySecurityGroup(ctx context.Context, securityGroupID string) (int, error)
	SoftDeleteSecurityGroup(ctx context.Context, id string) error

	// Process operations
	CreateProcess(ctx context.Context, proc *Process, networks []ProcessNetwork, securityGroupIDs []string) error
	GetProcess(ctx context.Context, groupID, pid string) (*Process, error)
	ListProcesses(ctx context.Context, groupID string) ([]*Process, error)
	ListChildren(ctx context.Context, ppid string) ([]*Process, error)
	ListProcessNetworks(ctx context.Context, pid string) ([]*ProcessNetwork, error)
	ListProcessSecurityGroupIDs(ctx context.Context, pid string) ([]string, error)
	UpdateProcessStatus(ctx context.Context, pid string, status ResourceStatus) error
	SetProcessAppStatus(ctx context.Context, pid, appStatus string) error
	SetProxyEndpoints(ctx context.Context, pid, api, bus, tunnel string) error
	SoftDeleteProcess(ctx context.Context, pid string) error

	// Worker-side backend id recording
	BackendIDRecorder
}
