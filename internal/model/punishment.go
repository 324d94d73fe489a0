package model

import (
	"fmt"
	"strings"
	"time"
)

// PunishmentType identifies the kind of punishment. The numeric value is the
// wire ordinal and the database column value, so existing values must never change.
type PunishmentType uint8

const (
	TypeBan PunishmentType = iota
	TypeMute
	TypeWarn
	TypeKick
)

// AllTypes lists every punishment type in ordinal order.
var AllTypes = []PunishmentType{TypeBan, TypeMute, TypeWarn, TypeKick}

func (t PunishmentType) String() string {
	switch t {
	case TypeBan:
		return "BAN"
	case TypeMute:
		return "MUTE"
	case TypeWarn:
		return "WARN"
	case TypeKick:
		return "KICK"
	default:
		return fmt.Sprintf("PunishmentType(%d)", uint8(t))
	}
}

// Valid reports whether t is a known ordinal.
func (t PunishmentType) Valid() bool {
	return t <= TypeKick
}

// IsSingular reports whether a victim can hold at most one active punishment
// of this type. BAN and MUTE have an active state; WARN and KICK do not.
func (t PunishmentType) IsSingular() bool {
	return t == TypeBan || t == TypeMute
}

// ParsePunishmentType parses "ban", "MUTE", etc.
func ParsePunishmentType(s string) (PunishmentType, error) {
	for _, t := range AllTypes {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown punishment type %q", s)
}

// Punishment is an immutable view of a stored punishment record.
// A zero End means the punishment is permanent.
type Punishment struct {
	ID         int64
	Type       PunishmentType
	Victim     Victim
	Operator   Operator
	Reason     string
	Scope      Scope
	Start      time.Time
	End        time.Time
	Revocation *Revocation
}

// Revocation records who undid a punishment and when.
type Revocation struct {
	Operator Operator
	Reason   string
	At       time.Time
}

// IsPermanent reports whether the punishment never expires.
func (p *Punishment) IsPermanent() bool {
	return p.End.IsZero()
}

// IsExpired reports whether a temporary punishment has run out at now.
func (p *Punishment) IsExpired(now time.Time) bool {
	return !p.End.IsZero() && !now.Before(p.End)
}

// IsRevoked reports whether the punishment was undone.
func (p *Punishment) IsRevoked() bool {
	return p.Revocation != nil
}

// IsActive reports whether the punishment is currently in force.
// KICK and WARN are never active.
func (p *Punishment) IsActive(now time.Time) bool {
	return p.Type.IsSingular() && !p.IsRevoked() && !p.IsExpired(now)
}

// Remaining returns the time left until expiry, or 0 for permanent or expired punishments.
func (p *Punishment) Remaining(now time.Time) time.Duration {
	if p.End.IsZero() || !now.Before(p.End) {
		return 0
	}
	return p.End.Sub(now)
}

func (p *Punishment) String() string {
	return fmt.Sprintf("%s#%d(%s)", p.Type, p.ID, p.Victim)
}

// EnforcementMode tells a receiving instance whether to apply or lift a punishment.
type EnforcementMode uint8

const (
	ModeDo EnforcementMode = iota
	ModeUndo
)

func (m EnforcementMode) String() string {
	switch m {
	case ModeDo:
		return "DO"
	case ModeUndo:
		return "UNDO"
	default:
		return fmt.Sprintf("EnforcementMode(%d)", uint8(m))
	}
}

// Valid reports whether m is a known ordinal.
func (m EnforcementMode) Valid() bool {
	return m <= ModeUndo
}

// Broadcasting controls who is notified when a punishment is applied or lifted.
type Broadcasting uint8

const (
	// BroadcastNone notifies nobody.
	BroadcastNone Broadcasting = iota
	// BroadcastNormal notifies everyone holding the notify permission.
	BroadcastNormal
	// BroadcastSilent notifies only holders of the silent-notify permission.
	BroadcastSilent
)

// AllBroadcasting lists every broadcast policy in ordinal order.
var AllBroadcasting = []Broadcasting{BroadcastNone, BroadcastNormal, BroadcastSilent}

func (b Broadcasting) String() string {
	switch b {
	case BroadcastNone:
		return "NONE"
	case BroadcastNormal:
		return "NORMAL"
	case BroadcastSilent:
		return "SILENT"
	default:
		return fmt.Sprintf("Broadcasting(%d)", uint8(b))
	}
}

// Valid reports whether b is a known ordinal.
func (b Broadcasting) Valid() bool {
	return b <= BroadcastSilent
}
