package enforcement

import (
	"fmt"
	"strings"
	"time"

	"github.com/udisondev/punishd/internal/model"
)

// DefaultFormatter renders plain-text messages.
type DefaultFormatter struct{}

var _ Formatter = DefaultFormatter{}

func (f DefaultFormatter) DenyMessage(p *model.Punishment, now time.Time) string {
	return fmt.Sprintf("You are banned from this server.\nReason: %s\n%s",
		reasonOrDefault(p.Reason), expiry(p, now))
}

func (f DefaultFormatter) KickMessage(p *model.Punishment, now time.Time) string {
	if p.Type == model.TypeKick {
		return fmt.Sprintf("You were kicked.\nReason: %s", reasonOrDefault(p.Reason))
	}
	return f.DenyMessage(p, now)
}

func (DefaultFormatter) MuteNotice(p *model.Punishment, now time.Time) string {
	return fmt.Sprintf("You are muted. Reason: %s. %s", reasonOrDefault(p.Reason), expiry(p, now))
}

func (DefaultFormatter) WarnNotice(p *model.Punishment) string {
	return fmt.Sprintf("You have been warned. Reason: %s", reasonOrDefault(p.Reason))
}

func (DefaultFormatter) UnmuteNotice(*model.Punishment) string {
	return "You are no longer muted."
}

func (DefaultFormatter) Notification(p *model.Punishment, mode model.EnforcementMode) string {
	var b strings.Builder
	b.WriteString(p.Victim.String())
	if mode == model.ModeUndo {
		b.WriteString(" was un")
	} else {
		b.WriteString(" was ")
	}
	b.WriteString(pastTense(p.Type))
	b.WriteString(" by ")
	if mode == model.ModeUndo && p.Revocation != nil {
		b.WriteString(p.Revocation.Operator.String())
	} else {
		b.WriteString(p.Operator.String())
	}
	if !p.Scope.IsGlobal() {
		fmt.Fprintf(&b, " on %s", p.Scope)
	}
	if mode == model.ModeDo {
		fmt.Fprintf(&b, " (#%d): %s", p.ID, reasonOrDefault(p.Reason))
	} else {
		fmt.Fprintf(&b, " (#%d)", p.ID)
	}
	return b.String()
}

func pastTense(t model.PunishmentType) string {
	switch t {
	case model.TypeBan:
		return "banned"
	case model.TypeMute:
		return "muted"
	case model.TypeWarn:
		return "warned"
	case model.TypeKick:
		return "kicked"
	}
	return strings.ToLower(t.String())
}

func reasonOrDefault(reason string) string {
	if reason == "" {
		return "no reason given"
	}
	return reason
}

func expiry(p *model.Punishment, now time.Time) string {
	if p.IsPermanent() {
		return "This punishment is permanent."
	}
	return "Expires in " + p.Remaining(now).Round(time.Second).String() + "."
}
