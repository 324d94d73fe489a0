package db

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/udisondev/punishd/internal/model"
)

// exactVictim matches rows whose victim equals ($n kind, $n+1 uuid, $n+2 address).
func exactVictim(n int) string {
	return fmt.Sprintf(
		`p.victim_kind = $%d AND p.victim_uuid IS NOT DISTINCT FROM $%d AND p.victim_address IS NOT DISTINCT FROM $%d`,
		n, n+1, n+2)
}

// matchingUser matches rows whose victim covers a user with uuid $n and address $n+1.
// Composite victims match on either identifier.
func matchingUser(n int) string {
	return fmt.Sprintf(
		`((p.victim_kind IN (0, 2) AND p.victim_uuid = $%d) OR (p.victim_kind IN (1, 2) AND p.victim_address = $%d))`,
		n, n+1)
}

// activeAt matches unrevoked rows that have not expired at $n.
func activeAt(n int) string {
	return fmt.Sprintf(`r.punishment_id IS NULL AND (p.end_at IS NULL OR p.end_at > $%d)`, n)
}

// scopeIn matches global rows and rows whose scope is in the text array $n.
func scopeIn(n int) string {
	return fmt.Sprintf(`(p.scope = 'global' OR p.scope = ANY($%d::text[]))`, n)
}

func scopeStrings(s model.ServerScopes) []string {
	out := make([]string, 0, 1+len(s.Categories))
	if s.Server != "" {
		out = append(out, model.ScopeServer(s.Server).String())
	}
	for _, c := range s.Categories {
		out = append(out, model.ScopeCategory(c).String())
	}
	return out
}

func victimArgs(v model.Victim) (kind int16, id, addr any) {
	if v.HasUUID() {
		id = v.UUID
	}
	if v.HasAddress() {
		addr = v.Address
	}
	return int16(v.Kind), id, addr
}

func operatorArg(op model.Operator) any {
	if op.IsConsole() {
		return nil
	}
	return op.UUID
}

func uuidArg(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

func addrArg(addr netip.Addr) any {
	if !addr.IsValid() {
		return nil
	}
	return addr.Unmap()
}

func timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
