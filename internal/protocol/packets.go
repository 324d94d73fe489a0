// Package protocol encodes punishment lifecycle events exchanged between instances.
//
// Every message starts with a format version byte and a kind tag; kind-specific
// fields follow in fixed order. Bytes past the last known field are ignored so
// newer writers can append fields without breaking older readers.
package protocol

import (
	"fmt"

	"github.com/udisondev/punishd/internal/model"
)

// Version is the format version written in the first byte of each message.
const Version byte = 1

// Kind tags a message type on the wire.
type Kind uint8

const (
	KindEnforceUnenforce Kind = 1
	KindExpunge          Kind = 2
	KindUpdateDetails    Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindEnforceUnenforce:
		return "EnforceUnenforce"
	case KindExpunge:
		return "Expunge"
	case KindUpdateDetails:
		return "UpdateDetails"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Packet is one synchronization message.
type Packet interface {
	Kind() Kind
}

// EnforceUnenforce asks peers to apply (ModeDo) or lift (ModeUndo) a punishment.
// Operator is nil when absent; on UNDO it carries the revoking operator.
type EnforceUnenforce struct {
	ID           int64
	Type         model.PunishmentType
	Mode         model.EnforcementMode
	Broadcasting model.Broadcasting
	Victim       model.Victim
	Operator     *model.Operator
}

func (EnforceUnenforce) Kind() Kind { return KindEnforceUnenforce }

// Expunge tells peers a punishment was deleted permanently.
type Expunge struct {
	ID int64
}

func (Expunge) Kind() Kind { return KindExpunge }

// UpdateDetails tells peers a punishment's reason, scope or end changed.
type UpdateDetails struct {
	ID int64
}

func (UpdateDetails) Kind() Kind { return KindUpdateDetails }
