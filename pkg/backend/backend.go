// Package backend defines the contract the worker provisioner requires of the
// external compute/network provider. The concrete provider is an external
// collaborator; this package ships only the contract and an in-memory
// implementation used by tests and dev mode.
package backend

import (
	"context"
	"errors"
)

// Kind identifies the class of backend object an operation targets.
type Kind string

const (
	// KindInstance is a compute instance backing a process.
	KindInstance Kind = "instance"
	// KindNetwork is a virtual network.
	KindNetwork Kind = "network"
	// KindKeypair is an SSH keypair registered with the provider.
	KindKeypair Kind = "keypair"
	// KindSecurityGroup is a firewall rule set.
	KindSecurityGroup Kind = "securitygroup"
	// KindFloatingIP is an externally routable address bound to an instance.
	KindFloatingIP Kind = "floatingip"
)

// ErrNotFound is returned when the referenced backend object does not exist.
// The reconciler maps it to LiveStatusNotExist instead of propagating it.
var ErrNotFound = errors.New("backend object not found")

// Spec carries the provider-facing description of the object to create.
// Field names are flat strings so the contract stays provider-neutral.
type Spec struct {
	// Name is the display name for the backend object.
	Name string `json:"name"`

	// Fields holds kind-specific attributes (cidr, image, flavor, ...).
	Fields map[string]string `json:"fields,omitempty"`

	// Members holds kind-specific reference lists, keyed by relation
	// (networks, security_groups, rules, ...).
	Members map[string][]string `json:"members,omitempty"`
}

// Status is the live state of a backend object.
type Status struct {
	// State is the provider-reported state string.
	State string `json:"state"`

	// Addresses maps network identifiers to assigned addresses.
	Addresses map[string][]string `json:"addresses,omitempty"`

	// Extra holds provider-specific status attributes.
	Extra map[string]string `json:"extra,omitempty"`
}

// Backend is the provisioning contract consumed by the worker.
type Backend interface {
	// Create provisions a new object and returns its backend identifier.
	Create(ctx context.Context, kind Kind, spec Spec) (string, error)

	// Delete tears down an object. Deleting an absent object returns
	// ErrNotFound.
	Delete(ctx context.Context, kind Kind, id string) error

	// Status reports the live state of an object, or ErrNotFound.
	Status(ctx context.Context, kind Kind, id string) (*Status, error)

	// List enumerates the identifiers of all objects of a kind.
	List(ctx context.Context, kind Kind) ([]string, error)
}
