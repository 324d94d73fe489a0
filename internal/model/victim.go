package model

import (
	"fmt"
	"net/netip"

	"github.com/google/uuid"
)

// VictimKind discriminates the identifier a punishment targets.
type VictimKind uint8

const (
	VictimPlayer VictimKind = iota
	VictimAddress
	// VictimComposite targets a player and an address at once; it matches
	// a user when either the UUID or the address is equal.
	VictimComposite
)

func (k VictimKind) String() string {
	switch k {
	case VictimPlayer:
		return "PLAYER"
	case VictimAddress:
		return "ADDRESS"
	case VictimComposite:
		return "COMPOSITE"
	default:
		return fmt.Sprintf("VictimKind(%d)", uint8(k))
	}
}

// Victim is the entity a punishment targets.
type Victim struct {
	Kind    VictimKind
	UUID    uuid.UUID
	Address netip.Addr
}

// PlayerVictim targets a player by UUID.
func PlayerVictim(id uuid.UUID) Victim {
	return Victim{Kind: VictimPlayer, UUID: id}
}

// AddressVictim targets a network address.
func AddressVictim(addr netip.Addr) Victim {
	return Victim{Kind: VictimAddress, Address: addr.Unmap()}
}

// CompositeVictim targets a player and an address together.
func CompositeVictim(id uuid.UUID, addr netip.Addr) Victim {
	return Victim{Kind: VictimComposite, UUID: id, Address: addr.Unmap()}
}

// Validate checks that the fields required by Kind are present.
func (v Victim) Validate() error {
	switch v.Kind {
	case VictimPlayer:
		if v.UUID == uuid.Nil {
			return fmt.Errorf("player victim without uuid")
		}
	case VictimAddress:
		if !v.Address.IsValid() {
			return fmt.Errorf("address victim without address")
		}
	case VictimComposite:
		if v.UUID == uuid.Nil || !v.Address.IsValid() {
			return fmt.Errorf("composite victim requires uuid and address")
		}
	default:
		return fmt.Errorf("unknown victim kind %d", v.Kind)
	}
	return nil
}

// HasUUID reports whether the victim carries a player UUID.
func (v Victim) HasUUID() bool {
	return v.Kind == VictimPlayer || v.Kind == VictimComposite
}

// HasAddress reports whether the victim carries a network address.
func (v Victim) HasAddress() bool {
	return v.Kind == VictimAddress || v.Kind == VictimComposite
}

// Matches reports whether a user identified by id and addr is covered by the victim.
func (v Victim) Matches(id uuid.UUID, addr netip.Addr) bool {
	addr = addr.Unmap()
	switch v.Kind {
	case VictimPlayer:
		return v.UUID == id
	case VictimAddress:
		return addr.IsValid() && v.Address == addr
	case VictimComposite:
		return v.UUID == id || (addr.IsValid() && v.Address == addr)
	}
	return false
}

// Key returns a canonical string used for locking and logging.
func (v Victim) Key() string {
	switch v.Kind {
	case VictimPlayer:
		return "player:" + v.UUID.String()
	case VictimAddress:
		return "address:" + v.Address.String()
	case VictimComposite:
		return "composite:" + v.UUID.String() + "/" + v.Address.String()
	}
	return "unknown"
}

func (v Victim) String() string {
	return v.Key()
}

// Operator is the actor who issued or revoked a punishment.
// The zero value is the console.
type Operator struct {
	UUID uuid.UUID
}

// ConsoleOperator returns the console operator.
func ConsoleOperator() Operator {
	return Operator{}
}

// PlayerOperator returns an operator backed by a player.
func PlayerOperator(id uuid.UUID) Operator {
	return Operator{UUID: id}
}

// IsConsole reports whether the operator is the console.
func (o Operator) IsConsole() bool {
	return o.UUID == uuid.Nil
}

func (o Operator) String() string {
	if o.IsConsole() {
		return "console"
	}
	return o.UUID.String()
}
