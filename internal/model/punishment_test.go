package model

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

var (
	testEpoch = time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	testUUID  = uuid.MustParse("0c7e2d4a-1b3f-4e5d-8a9b-0c1d2e3f4a5b")
	testAddr  = netip.MustParseAddr("198.51.100.23")
)

func TestPunishment_IsActive(t *testing.T) {
	tests := []struct {
		name string
		p    Punishment
		now  time.Time
		want bool
	}{
		{
			name: "permanent ban",
			p:    Punishment{Type: TypeBan, Start: testEpoch},
			now:  testEpoch.Add(24 * 365 * time.Hour),
			want: true,
		},
		{
			name: "temporary mute before end",
			p:    Punishment{Type: TypeMute, Start: testEpoch, End: testEpoch.Add(time.Hour)},
			now:  testEpoch.Add(59 * time.Minute),
			want: true,
		},
		{
			name: "temporary mute at end",
			p:    Punishment{Type: TypeMute, Start: testEpoch, End: testEpoch.Add(time.Hour)},
			now:  testEpoch.Add(time.Hour),
			want: false,
		},
		{
			name: "revoked ban",
			p:    Punishment{Type: TypeBan, Start: testEpoch, Revocation: &Revocation{At: testEpoch}},
			now:  testEpoch,
			want: false,
		},
		{
			name: "warn is never active",
			p:    Punishment{Type: TypeWarn, Start: testEpoch},
			now:  testEpoch,
			want: false,
		},
		{
			name: "kick is never active",
			p:    Punishment{Type: TypeKick, Start: testEpoch},
			now:  testEpoch,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.IsActive(tt.now); got != tt.want {
				t.Errorf("IsActive() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPunishment_Remaining(t *testing.T) {
	p := Punishment{Type: TypeBan, Start: testEpoch, End: testEpoch.Add(2 * time.Hour)}

	if got := p.Remaining(testEpoch.Add(30 * time.Minute)); got != 90*time.Minute {
		t.Errorf("Remaining() = %v, want 1h30m", got)
	}
	if got := p.Remaining(testEpoch.Add(3 * time.Hour)); got != 0 {
		t.Errorf("Remaining() after end = %v, want 0", got)
	}
	perm := Punishment{Type: TypeBan, Start: testEpoch}
	if !perm.IsPermanent() || perm.Remaining(testEpoch) != 0 {
		t.Error("permanent punishment must report no remaining time")
	}
}

func TestParsePunishmentType(t *testing.T) {
	for _, typ := range AllTypes {
		got, err := ParsePunishmentType(strings.ToLower(typ.String()))
		if err != nil {
			t.Fatalf("ParsePunishmentType(%q) error: %v", typ, err)
		}
		if got != typ {
			t.Errorf("ParsePunishmentType(%q) = %v", typ, got)
		}
	}
	if _, err := ParsePunishmentType("jail"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestOrdinalsAreStable(t *testing.T) {
	if TypeBan != 0 || TypeMute != 1 || TypeWarn != 2 || TypeKick != 3 {
		t.Error("punishment type ordinals changed")
	}
	if ModeDo != 0 || ModeUndo != 1 {
		t.Error("enforcement mode ordinals changed")
	}
	if BroadcastNone != 0 || BroadcastNormal != 1 || BroadcastSilent != 2 {
		t.Error("broadcasting ordinals changed")
	}
	if PunishmentType(4).Valid() || EnforcementMode(2).Valid() || Broadcasting(3).Valid() {
		t.Error("out of range ordinal reported valid")
	}
}
