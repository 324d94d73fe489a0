package model

import (
	"fmt"
	"slices"
	"strings"
)

// ScopeKind selects which part of the fleet a punishment applies to.
type ScopeKind uint8

const (
	ScopeKindGlobal ScopeKind = iota
	ScopeKindServer
	ScopeKindCategory
)

// Scope is the subset of the server fleet a punishment applies to.
type Scope struct {
	Kind  ScopeKind
	Value string
}

// ScopeGlobal applies everywhere.
func ScopeGlobal() Scope {
	return Scope{Kind: ScopeKindGlobal}
}

// ScopeServer applies to a single named server.
func ScopeServer(name string) Scope {
	return Scope{Kind: ScopeKindServer, Value: name}
}

// ScopeCategory applies to every server tagged with the category.
func ScopeCategory(name string) Scope {
	return Scope{Kind: ScopeKindCategory, Value: name}
}

// ParseScope parses "global", "server:<name>" or "category:<name>".
func ParseScope(s string) (Scope, error) {
	if s == "" || strings.EqualFold(s, "global") || s == "*" {
		return ScopeGlobal(), nil
	}
	kind, value, ok := strings.Cut(s, ":")
	if !ok || value == "" {
		return Scope{}, fmt.Errorf("invalid scope %q", s)
	}
	switch strings.ToLower(kind) {
	case "server":
		return ScopeServer(value), nil
	case "category":
		return ScopeCategory(value), nil
	}
	return Scope{}, fmt.Errorf("invalid scope kind %q", kind)
}

// IsGlobal reports whether the scope covers the whole fleet.
func (s Scope) IsGlobal() bool {
	return s.Kind == ScopeKindGlobal
}

// Applies reports whether the scope covers the given server.
func (s Scope) Applies(server ServerScopes) bool {
	switch s.Kind {
	case ScopeKindGlobal:
		return true
	case ScopeKindServer:
		return s.Value == server.Server
	case ScopeKindCategory:
		return slices.Contains(server.Categories, s.Value)
	}
	return false
}

func (s Scope) String() string {
	switch s.Kind {
	case ScopeKindServer:
		return "server:" + s.Value
	case ScopeKindCategory:
		return "category:" + s.Value
	}
	return "global"
}

// ServerScopes identifies one instance for scope matching.
type ServerScopes struct {
	Server     string
	Categories []string
}
