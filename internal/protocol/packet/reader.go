package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is wrapped by every read that runs past the end of the data.
var ErrShortBuffer = errors.New("not enough data")

// Reader provides methods for reading message data.
// Uses Little-Endian byte order for all multi-byte values.
type Reader struct {
	data []byte
	pos  int
}

// NewReader creates a new reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("ReadByte: %w (pos=%d, len=%d)", ErrShortBuffer, r.pos, len(r.data))
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// ReadLong reads an int64 (8 bytes, LE).
func (r *Reader) ReadLong() (int64, error) {
	if r.pos+8 > len(r.data) {
		return 0, fmt.Errorf("ReadLong: %w (pos=%d, len=%d)", ErrShortBuffer, r.pos, len(r.data))
	}
	val := int64(binary.LittleEndian.Uint64(r.data[r.pos:]))
	r.pos += 8
	return val, nil
}

// ReadBytes reads n bytes (zero-copy, returns a subslice of the internal data).
// Caller must not modify the returned bytes.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("ReadBytes: negative count %d", n)
	}
	if r.pos+n > len(r.data) {
		return nil, fmt.Errorf("ReadBytes: %w (pos=%d, need=%d, len=%d)", ErrShortBuffer, r.pos, n, len(r.data))
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadBlob reads data written by Writer.WriteBlob.
func (r *Reader) ReadBlob() ([]byte, error) {
	n, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("ReadBlob: length: %w", err)
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		return nil, fmt.Errorf("ReadBlob: %w", err)
	}
	return b, nil
}
