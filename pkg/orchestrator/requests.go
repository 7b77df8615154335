package orchestrator

import "strings"

// CreateGroupRequest creates a tenant group.
type CreateGroupRequest struct {
	Owner       string `json:"owner" validate:"required,max=64"`
	Name        string `json:"name" validate:"required,max=64"`
	Description string `json:"description" validate:"max=256"`
}

func (r *CreateGroupRequest) normalize() {
	r.Owner = strings.TrimSpace(r.Owner)
	r.Name = strings.TrimSpace(r.Name)
	r.Description = strings.TrimSpace(r.Description)
}

// CreateNetworkRequest creates a virtual network in a group.
type CreateNetworkRequest struct {
	GroupID string   `json:"group_id" validate:"required"`
	Name    string   `json:"name" validate:"required,max=64"`
	IsAdmin bool     `json:"is_admin"`
	CIDR    string   `json:"cidr" validate:"required,cidr"`
	Gateway string   `json:"gateway" validate:"omitempty,ip"`
	DNS     []string `json:"dns" validate:"omitempty,dive,ip"`

	// RouterID references an external router; required for any floating
	// attachment through this network.
	RouterID string `json:"router_id"`
}

func (r *CreateNetworkRequest) normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.CIDR = strings.TrimSpace(r.CIDR)
	r.Gateway = strings.TrimSpace(r.Gateway)
	r.RouterID = strings.TrimSpace(r.RouterID)
}

// CreateKeypairRequest creates an SSH keypair in a group. Key material is
// generated server-side; the private key is returned once, at creation.
type CreateKeypairRequest struct {
	GroupID   string `json:"group_id" validate:"required"`
	Name      string `json:"name" validate:"required,max=64"`
	IsDefault bool   `json:"is_default"`
}

func (r *CreateKeypairRequest) normalize() {
	r.Name = strings.TrimSpace(r.Name)
}

// RuleRequest is one firewall rule. Exactly one of RemoteCIDR and
// RemoteGroupID must be set.
type RuleRequest struct {
	Protocol string `json:"protocol" validate:"required,oneof=tcp udp icmp"`
	PortMin  int    `json:"port_min" validate:"min=0,max=65535"`
	PortMax  int    `json:"port_max" validate:"min=0,max=65535,gtefield=PortMin"`

	RemoteCIDR    string `json:"remote_cidr" validate:"omitempty,cidr"`
	RemoteGroupID string `json:"remote_group_id"`
}

// CreateSecurityGroupRequest creates a firewall rule set in a group.
type CreateSecurityGroupRequest struct {
	GroupID   string        `json:"group_id" validate:"required"`
	Name      string        `json:"name" validate:"required,max=64"`
	IsDefault bool          `json:"is_default"`
	Rules     []RuleRequest `json:"rules" validate:"dive"`
}

func (r *CreateSecurityGroupRequest) normalize() {
	r.Name = strings.TrimSpace(r.Name)
	for i := range r.Rules {
		r.Rules[i].RemoteCIDR = strings.TrimSpace(r.Rules[i].RemoteCIDR)
		r.Rules[i].RemoteGroupID = strings.TrimSpace(r.Rules[i].RemoteGroupID)
	}
}

// CreateProcessRequest creates a process in a group. Unset fields are
// resolved by inheritance before the row is persisted.
type CreateProcessRequest struct {
	GroupID string `json:"group_id" validate:"required"`
	Name    string `json:"name" validate:"required,max=64"`

	// PPID names an already-persisted parent; empty means a root process.
	PPID string `json:"ppid"`

	// IsProxy marks a relay root. Only valid for root processes.
	IsProxy bool `json:"is_proxy"`

	// Image and Flavor may be empty when a parent supplies them.
	Image  string `json:"image" validate:"max=128"`
	Flavor string `json:"flavor" validate:"max=64"`

	// KeypairID overrides keypair inheritance when set.
	KeypairID string `json:"keypair_id"`

	// SecurityGroupIDs overrides security group inheritance when set; must
	// be non-empty when explicitly provided.
	SecurityGroupIDs []string `json:"security_group_ids"`

	// FloatingNetworkIDs flags a subset of the group's networks for
	// external reachability. Each named network needs a router reference.
	FloatingNetworkIDs []string `json:"floating_network_ids"`

	Metadata string `json:"metadata"`
	UserData string `json:"user_data"`
}

func (r *CreateProcessRequest) normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.PPID = strings.TrimSpace(r.PPID)
	r.Image = strings.TrimSpace(r.Image)
	r.Flavor = strings.TrimSpace(r.Flavor)
	r.KeypairID = strings.TrimSpace(r.KeypairID)
	if r.Metadata == "" {
		r.Metadata = "{}"
	}
}

// AttachProxyEndpointsRequest records the relay endpoints of a proxy
// process. Rejected for non-proxy processes.
type AttachProxyEndpointsRequest struct {
	GroupID string `json:"group_id" validate:"required"`
	PID     string `json:"pid" validate:"required"`

	APIEndpoint    string `json:"api_endpoint" validate:"required,max=256"`
	BusEndpoint    string `json:"bus_endpoint" validate:"required,max=256"`
	TunnelEndpoint string `json:"tunnel_endpoint" validate:"required,max=256"`
}
