package protocol

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/google/uuid"

	"github.com/udisondev/punishd/internal/model"
	"github.com/udisondev/punishd/internal/protocol/packet"
)

// Operator presence tags.
const (
	operatorAbsent  byte = 0
	operatorConsole byte = 1
	operatorPlayer  byte = 2
)

// Handler receives decoded messages. Implementations must be idempotent:
// the messenger delivers at least once.
type Handler interface {
	HandleEnforceUnenforce(ctx context.Context, p EnforceUnenforce) error
	HandleExpunge(ctx context.Context, p Expunge) error
	HandleUpdateDetails(ctx context.Context, p UpdateDetails) error
}

// SerializeMessage encodes p into a new byte slice.
func SerializeMessage(p Packet) ([]byte, error) {
	w := packet.Get()
	defer w.Put()

	_ = w.WriteByte(Version)
	_ = w.WriteByte(byte(p.Kind()))

	switch p := p.(type) {
	case EnforceUnenforce:
		if err := writeEnforceUnenforce(w, p); err != nil {
			return nil, fmt.Errorf("encoding %s#%d: %w", p.Kind(), p.ID, err)
		}
	case *EnforceUnenforce:
		if err := writeEnforceUnenforce(w, *p); err != nil {
			return nil, fmt.Errorf("encoding %s#%d: %w", p.Kind(), p.ID, err)
		}
	case Expunge:
		w.WriteLong(p.ID)
	case UpdateDetails:
		w.WriteLong(p.ID)
	default:
		return nil, fmt.Errorf("encoding %T: %w", p, ErrUnknownKind)
	}
	return w.BytesCopy(), nil
}

func writeEnforceUnenforce(w *packet.Writer, p EnforceUnenforce) error {
	if !p.Type.Valid() {
		return fmt.Errorf("invalid punishment type %d", p.Type)
	}
	if !p.Mode.Valid() {
		return fmt.Errorf("invalid mode %d", p.Mode)
	}
	if !p.Broadcasting.Valid() {
		return fmt.Errorf("invalid broadcasting %d", p.Broadcasting)
	}
	w.WriteLong(p.ID)
	_ = w.WriteByte(byte(p.Type))
	_ = w.WriteByte(byte(p.Mode))
	_ = w.WriteByte(byte(p.Broadcasting))
	if err := writeVictim(w, p.Victim); err != nil {
		return err
	}
	writeOperator(w, p.Operator)
	return nil
}

func writeVictim(w *packet.Writer, v model.Victim) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("victim: %w", err)
	}
	_ = w.WriteByte(byte(v.Kind))
	if v.HasUUID() {
		w.WriteBytes(v.UUID[:])
	}
	if v.HasAddress() {
		if err := w.WriteBlob(v.Address.AsSlice()); err != nil {
			return fmt.Errorf("victim address: %w", err)
		}
	}
	return nil
}

func writeOperator(w *packet.Writer, op *model.Operator) {
	switch {
	case op == nil:
		_ = w.WriteByte(operatorAbsent)
	case op.IsConsole():
		_ = w.WriteByte(operatorConsole)
	default:
		_ = w.WriteByte(operatorPlayer)
		w.WriteBytes(op.UUID[:])
	}
}

// Decode parses a message produced by SerializeMessage.
func Decode(data []byte) (Packet, error) {
	r := packet.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: version: %w", ErrMalformed, err)
	}
	if version != Version {
		return nil, fmt.Errorf("%w: %w %d", ErrMalformed, ErrUnsupportedVersion, version)
	}
	tag, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: kind: %w", ErrMalformed, err)
	}

	var p Packet
	switch Kind(tag) {
	case KindEnforceUnenforce:
		p, err = readEnforceUnenforce(r)
	case KindExpunge:
		var id int64
		id, err = r.ReadLong()
		p = Expunge{ID: id}
	case KindUpdateDetails:
		var id int64
		id, err = r.ReadLong()
		p = UpdateDetails{ID: id}
	default:
		return nil, fmt.Errorf("%w: %w %d", ErrMalformed, ErrUnknownKind, tag)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, Kind(tag), err)
	}
	return p, nil
}

func readEnforceUnenforce(r *packet.Reader) (EnforceUnenforce, error) {
	var p EnforceUnenforce
	var err error

	if p.ID, err = r.ReadLong(); err != nil {
		return p, fmt.Errorf("id: %w", err)
	}
	b, err := r.ReadByte()
	if err != nil {
		return p, fmt.Errorf("type: %w", err)
	}
	if p.Type = model.PunishmentType(b); !p.Type.Valid() {
		return p, fmt.Errorf("invalid punishment type %d", b)
	}
	if b, err = r.ReadByte(); err != nil {
		return p, fmt.Errorf("mode: %w", err)
	}
	if p.Mode = model.EnforcementMode(b); !p.Mode.Valid() {
		return p, fmt.Errorf("invalid mode %d", b)
	}
	if b, err = r.ReadByte(); err != nil {
		return p, fmt.Errorf("broadcasting: %w", err)
	}
	if p.Broadcasting = model.Broadcasting(b); !p.Broadcasting.Valid() {
		return p, fmt.Errorf("invalid broadcasting %d", b)
	}
	if p.Victim, err = readVictim(r); err != nil {
		return p, fmt.Errorf("victim: %w", err)
	}
	if p.Operator, err = readOperator(r); err != nil {
		return p, fmt.Errorf("operator: %w", err)
	}
	return p, nil
}

func readVictim(r *packet.Reader) (model.Victim, error) {
	var v model.Victim
	b, err := r.ReadByte()
	if err != nil {
		return v, err
	}
	v.Kind = model.VictimKind(b)
	switch v.Kind {
	case model.VictimPlayer, model.VictimAddress, model.VictimComposite:
	default:
		return v, fmt.Errorf("unknown victim kind %d", b)
	}
	if v.HasUUID() {
		if v.UUID, err = readUUID(r); err != nil {
			return v, err
		}
	}
	if v.HasAddress() {
		if v.Address, err = readAddress(r); err != nil {
			return v, err
		}
	}
	return v, nil
}

func readOperator(r *packet.Reader) (*model.Operator, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case operatorAbsent:
		return nil, nil
	case operatorConsole:
		op := model.ConsoleOperator()
		return &op, nil
	case operatorPlayer:
		id, err := readUUID(r)
		if err != nil {
			return nil, err
		}
		op := model.PlayerOperator(id)
		return &op, nil
	}
	return nil, fmt.Errorf("unknown operator tag %d", tag)
}

func readUUID(r *packet.Reader) (uuid.UUID, error) {
	raw, err := r.ReadBytes(16)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.FromBytes(raw)
}

func readAddress(r *packet.Reader) (netip.Addr, error) {
	raw, err := r.ReadBlob()
	if err != nil {
		return netip.Addr{}, err
	}
	if len(raw) != 4 && len(raw) != 16 {
		return netip.Addr{}, fmt.Errorf("invalid address length %d", len(raw))
	}
	addr, _ := netip.AddrFromSlice(raw)
	return addr, nil
}

// ReceiveMessage decodes data and hands the result to the matching Handler method.
// Decode failures wrap ErrMalformed; handler errors are returned as is.
func ReceiveMessage(ctx context.Context, data []byte, h Handler) error {
	p, err := Decode(data)
	if err != nil {
		return err
	}
	switch p := p.(type) {
	case EnforceUnenforce:
		return h.HandleEnforceUnenforce(ctx, p)
	case Expunge:
		return h.HandleExpunge(ctx, p)
	case UpdateDetails:
		return h.HandleUpdateDetails(ctx, p)
	}
	return fmt.Errorf("%w: %T", ErrUnknownKind, p)
}
