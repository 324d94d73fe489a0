package model

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// MaxReasonLength bounds the reason text accepted by drafts.
const MaxReasonLength = 256

// Draft is a punishment that has not been committed to storage yet.
// A zero Duration makes the punishment permanent.
type Draft struct {
	Type     PunishmentType
	Victim   Victim
	Operator Operator
	Reason   string
	Scope    Scope
	Duration time.Duration
}

// Validate checks the draft before it is persisted.
func (d Draft) Validate() error {
	var errs []error
	if !d.Type.Valid() {
		errs = append(errs, fmt.Errorf("invalid type %d", d.Type))
	}
	if err := d.Victim.Validate(); err != nil {
		errs = append(errs, err)
	}
	if d.Duration < 0 {
		errs = append(errs, fmt.Errorf("negative duration %s", d.Duration))
	}
	if d.Type == TypeKick && d.Duration != 0 {
		errs = append(errs, fmt.Errorf("kick cannot have a duration"))
	}
	if len(d.Reason) > MaxReasonLength {
		errs = append(errs, fmt.Errorf("reason longer than %d bytes", MaxReasonLength))
	}
	return errors.Join(errs...)
}

// Materialize builds the stored view of the draft starting at now.
func (d Draft) Materialize(id int64, now time.Time) *Punishment {
	p := &Punishment{
		ID:       id,
		Type:     d.Type,
		Victim:   d.Victim,
		Operator: d.Operator,
		Reason:   d.Reason,
		Scope:    d.Scope,
		Start:    now,
	}
	if d.Duration > 0 {
		p.End = now.Add(d.Duration)
	}
	return p
}

// Modification changes the editable details of a stored punishment.
// Nil fields are left unchanged. A non-nil zero End makes the punishment permanent.
type Modification struct {
	Reason *string
	Scope  *Scope
	End    *time.Time
}

// IsEmpty reports whether the modification changes nothing.
func (m Modification) IsEmpty() bool {
	return m.Reason == nil && m.Scope == nil && m.End == nil
}

// Validate checks the modification.
func (m Modification) Validate() error {
	if m.IsEmpty() {
		return errors.New("nothing to modify")
	}
	if m.Reason != nil && len(*m.Reason) > MaxReasonLength {
		return fmt.Errorf("reason longer than %d bytes", MaxReasonLength)
	}
	return nil
}

// UserIdentity is one entry of a player's name/address history.
type UserIdentity struct {
	UUID    uuid.UUID
	Name    string
	Address netip.Addr
	At      time.Time
}
