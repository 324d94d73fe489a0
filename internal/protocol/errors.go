package protocol

import (
	"errors"

	"github.com/udisondev/punishd/internal/protocol/packet"
)

var (
	// ErrMalformed is wrapped by every decode failure.
	ErrMalformed = errors.New("malformed sync message")
	// ErrUnsupportedVersion means the message was written by an incompatible format.
	ErrUnsupportedVersion = errors.New("unsupported sync message version")
	// ErrUnknownKind means the kind tag is not registered.
	ErrUnknownKind = errors.New("unknown sync message kind")
	// ErrTruncated means the message ended before all known fields were read.
	ErrTruncated = packet.ErrShortBuffer
)
