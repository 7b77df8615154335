// Package dispatch defines the provisioning command set and the transports
// that carry commands from the coordinator to worker nodes.
//
// The command set is a closed union: every CommandType has exactly one
// payload shape, and decoding switches exhaustively over the type. Adding a
// command means adding a type constant, a payload struct, and a case to the
// switch; anything else fails loudly at decode time.
package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommandType identifies one provisioning command.
type CommandType string

const (
	CommandCreateNetwork       CommandType = "network.create"
	CommandDeleteNetwork       CommandType = "network.delete"
	CommandCreateKeypair       CommandType = "keypair.create"
	CommandDeleteKeypair       CommandType = "keypair.delete"
	CommandCreateSecurityGroup CommandType = "securitygroup.create"
	CommandDeleteSecurityGroup CommandType = "securitygroup.delete"
	CommandCreateProcess       CommandType = "process.create"
	CommandDeleteProcess       CommandType = "process.delete"
)

// Worker roles. Each command type is served by exactly one role.
const (
	RoleNetwork = "network"
	RoleCompute = "compute"
)

// Role returns the worker role that serves this command type.
func (t CommandType) Role() (string, error) {
	switch t {
	case CommandCreateNetwork, CommandDeleteNetwork,
		CommandCreateKeypair, CommandDeleteKeypair,
		CommandCreateSecurityGroup, CommandDeleteSecurityGroup:
		return RoleNetwork, nil
	case CommandCreateProcess, CommandDeleteProcess:
		return RoleCompute, nil
	default:
		return "", fmt.Errorf("unknown command type %q", t)
	}
}

// Command is one unit of work sent to a worker node.
type Command struct {
	// ID uniquely identifies the command for logging and tracing.
	ID string `json:"id"`

	// Type selects the payload shape.
	Type CommandType `json:"type"`

	// GroupID is the owning tenant group.
	GroupID string `json:"group_id"`

	// IssuedAt is when the coordinator created the command.
	IssuedAt time.Time `json:"issued_at"`

	// Payload holds the type-specific payload, encoded as JSON.
	Payload json.RawMessage `json:"payload"`
}

// NetworkCreate provisions a virtual network.
type NetworkCreate struct {
	NetworkID string   `json:"network_id"`
	Name      string   `json:"name"`
	CIDR      string   `json:"cidr"`
	Gateway   string   `json:"gateway,omitempty"`
	DNS       []string `json:"dns,omitempty"`
	RouterID  string   `json:"router_id,omitempty"`
}

// NetworkDelete tears down a virtual network.
type NetworkDelete struct {
	NetworkID string `json:"network_id"`
	BackendID string `json:"backend_id,omitempty"`
}

// KeypairCreate registers a public key with the backend.
type KeypairCreate struct {
	KeypairID string `json:"keypair_id"`
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
}

// KeypairDelete removes a registered keypair.
type KeypairDelete struct {
	KeypairID string `json:"keypair_id"`
	BackendID string `json:"backend_id,omitempty"`
}

// SecurityGroupRuleSpec is one resolved rule carried by a create command.
// Remote references are already resolved to backend identifiers.
type SecurityGroupRuleSpec struct {
	Protocol        string `json:"protocol"`
	PortMin         int    `json:"port_min"`
	PortMax         int    `json:"port_max"`
	RemoteCIDR      string `json:"remote_cidr,omitempty"`
	RemoteBackendID string `json:"remote_backend_id,omitempty"`
}

// SecurityGroupCreate provisions a firewall rule set.
type SecurityGroupCreate struct {
	SecurityGroupID string                  `json:"security_group_id"`
	Name            string                  `json:"name"`
	Rules           []SecurityGroupRuleSpec `json:"rules,omitempty"`
}

// SecurityGroupDelete tears down a firewall rule set.
type SecurityGroupDelete struct {
	SecurityGroupID string `json:"security_group_id"`
	BackendID       string `json:"backend_id,omitempty"`
}

// NetworkAttachment is one resolved network the instance joins.
type NetworkAttachment struct {
	NetworkID string `json:"network_id"`
	BackendID string `json:"backend_id,omitempty"`

	// Floating requests an externally-routable address on this network.
	Floating bool `json:"floating,omitempty"`

	// RouterID is required when Floating is set.
	RouterID string `json:"router_id,omitempty"`
}

// ProcessCreate provisions a compute instance for a process.
type ProcessCreate struct {
	PID              string              `json:"pid"`
	Name             string              `json:"name"`
	Image            string              `json:"image"`
	Flavor           string              `json:"flavor"`
	KeypairBackendID string              `json:"keypair_backend_id,omitempty"`
	Networks         []NetworkAttachment `json:"networks"`

	// SecurityGroupBackendIDs are the backend ids of the attached rule sets.
	SecurityGroupBackendIDs []string `json:"security_group_backend_ids,omitempty"`

	Metadata string `json:"metadata,omitempty"`
	UserData string `json:"user_data,omitempty"`
}

// ProcessDelete tears down a compute instance.
type ProcessDelete struct {
	PID       string `json:"pid"`
	BackendID string `json:"backend_id,omitempty"`
}

// NewCommand builds a command with a fresh id and the payload encoded.
func NewCommand(cmdType CommandType, groupID string, payload any) (Command, error) {
	if _, err := cmdType.Role(); err != nil {
		return Command{}, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("failed to encode payload: %w", err)
	}

	return Command{
		ID:       uuid.New().String(),
		Type:     cmdType,
		GroupID:  groupID,
		IssuedAt: time.Now().UTC(),
		Payload:  raw,
	}, nil
}

// Encode serializes a command for the wire.
func Encode(cmd Command) ([]byte, error) {
	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}
	return raw, nil
}

// Decode deserializes a command and verifies its type is known.
func Decode(raw []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, fmt.Errorf("failed to decode command: %w", err)
	}
	if _, err := cmd.Type.Role(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// DecodePayload returns the typed payload for a command. The switch is
// exhaustive over the command union.
func DecodePayload(cmd Command) (any, error) {
	decode := func(v any) (any, error) {
		if err := json.Unmarshal(cmd.Payload, v); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", cmd.Type, err)
		}
		return v, nil
	}

	switch cmd.Type {
	case CommandCreateNetwork:
		return decode(&NetworkCreate{})
	case CommandDeleteNetwork:
		return decode(&NetworkDelete{})
	case CommandCreateKeypair:
		return decode(&KeypairCreate{})
	case CommandDeleteKeypair:
		return decode(&KeypairDelete{})
	case CommandCreateSecurityGroup:
		return decode(&SecurityGroupCreate{})
	case CommandDeleteSecurityGroup:
		return decode(&SecurityGroupDelete{})
	case CommandCreateProcess:
		return decode(&ProcessCreate{})
	case CommandDeleteProcess:
		return decode(&ProcessDelete{})
	default:
		return nil, fmt.Errorf("unknown command type %q", cmd.Type)
	}
}
