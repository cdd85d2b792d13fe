// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"fmt"
	"slices"

	"github.com/bureau-foundation/supervisor/lib/config"
)

// Identity is a robot's declared identity.
type Identity struct {
	ID        string            `cbor:"id" json:"id"`
	Kind      Kind              `cbor:"kind" json:"kind"`
	Addresses []HardwareAddress `cbor:"addresses" json:"addresses"`

	// RigidBody is the motion-capture stream id, when the robot
	// carries markers.
	RigidBody *int32 `cbor:"rigid_body,omitempty" json:"rigid_body,omitempty"`
}

// HasAddress reports whether address is one of the identity's.
func (i Identity) HasAddress(address HardwareAddress) bool {
	return slices.Contains(i.Addresses, address)
}

// Table indexes the session's identities. It is immutable after
// construction and safe for concurrent reads.
type Table struct {
	identities  []Identity
	byAddress   map[HardwareAddress]int
	byRigidBody map[int32]int
	byID        map[string]int
}

// NewTable validates and indexes identities. Two identities sharing a
// hardware address, a rigid body, or an id is an error.
func NewTable(identities []Identity) (*Table, error) {
	table := &Table{
		identities:  slices.Clone(identities),
		byAddress:   make(map[HardwareAddress]int),
		byRigidBody: make(map[int32]int),
		byID:        make(map[string]int),
	}
	for index, identity := range table.identities {
		if identity.ID == "" {
			return nil, fmt.Errorf("identity %d has no id", index)
		}
		if previous, exists := table.byID[identity.ID]; exists {
			return nil, fmt.Errorf("robot id %q declared twice (entries %d and %d)", identity.ID, previous, index)
		}
		table.byID[identity.ID] = index
		if len(identity.Addresses) == 0 {
			return nil, fmt.Errorf("robot %s has no hardware address", identity.ID)
		}
		for _, address := range identity.Addresses {
			if previous, exists := table.byAddress[address]; exists {
				return nil, fmt.Errorf("hardware address %s belongs to both %s and %s",
					address, table.identities[previous].ID, identity.ID)
			}
			table.byAddress[address] = index
		}
		if identity.RigidBody != nil {
			if previous, exists := table.byRigidBody[*identity.RigidBody]; exists {
				return nil, fmt.Errorf("rigid body %d belongs to both %s and %s",
					*identity.RigidBody, table.identities[previous].ID, identity.ID)
			}
			table.byRigidBody[*identity.RigidBody] = index
		}
	}
	return table, nil
}

// TableFromConfig builds the table from the configured robot list.
func TableFromConfig(robots []config.RobotConfig) (*Table, error) {
	identities := make([]Identity, 0, len(robots))
	for _, robot := range robots {
		kind, err := ParseKind(robot.Kind)
		if err != nil {
			return nil, fmt.Errorf("robot %s: %w", robot.ID, err)
		}
		identity := Identity{ID: robot.ID, Kind: kind, RigidBody: robot.RigidBody}
		for _, text := range robot.Addresses {
			address, err := ParseHardwareAddress(text)
			if err != nil {
				return nil, fmt.Errorf("robot %s: %w", robot.ID, err)
			}
			identity.Addresses = append(identity.Addresses, address)
		}
		identities = append(identities, identity)
	}
	return NewTable(identities)
}

// Lookup resolves a hardware address reported by a handshake.
func (t *Table) Lookup(address HardwareAddress) (Identity, bool) {
	index, ok := t.byAddress[address]
	if !ok {
		return Identity{}, false
	}
	return t.identities[index], true
}

// LookupRigidBody resolves a motion-capture stream id.
func (t *Table) LookupRigidBody(rigidBody int32) (Identity, bool) {
	index, ok := t.byRigidBody[rigidBody]
	if !ok {
		return Identity{}, false
	}
	return t.identities[index], true
}

// Get resolves a robot id.
func (t *Table) Get(id string) (Identity, bool) {
	index, ok := t.byID[id]
	if !ok {
		return Identity{}, false
	}
	return t.identities[index], true
}

// Identities returns the identities in declaration order.
func (t *Table) Identities() []Identity {
	return slices.Clone(t.identities)
}
