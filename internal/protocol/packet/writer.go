package packet

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sync"
)

// MaxBlobLength is the largest blob a one-byte length prefix can describe.
const MaxBlobLength = math.MaxUint8

// Writer accumulates message data.
// Uses Little-Endian byte order for all multi-byte values.
type Writer struct {
	buf []byte
}

// writerPool reduces allocations by reusing Writers.
var writerPool = sync.Pool{
	New: func() any {
		return &Writer{buf: make([]byte, 0, 64)}
	},
}

// Get returns an empty Writer from the pool.
func Get() *Writer {
	w := writerPool.Get().(*Writer)
	w.buf = w.buf[:0]
	return w
}

// Put returns a Writer to the pool for reuse.
// Do not use the Writer after calling Put.
func (w *Writer) Put() {
	writerPool.Put(w)
}

// WriteByte writes a single byte. It never fails.
func (w *Writer) WriteByte(b byte) error {
	w.buf = append(w.buf, b)
	return nil
}

// WriteLong writes an int64 (8 bytes, LE).
func (w *Writer) WriteLong(val int64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(val))
}

// WriteBytes writes raw bytes.
func (w *Writer) WriteBytes(data []byte) {
	w.buf = append(w.buf, data...)
}

// WriteBlob writes data prefixed with its length as one byte.
func (w *Writer) WriteBlob(data []byte) error {
	if len(data) > MaxBlobLength {
		return fmt.Errorf("WriteBlob: length %d exceeds %d", len(data), MaxBlobLength)
	}
	w.buf = append(w.buf, byte(len(data)))
	w.buf = append(w.buf, data...)
	return nil
}

// BytesCopy returns a copy of the accumulated data, safe to keep after Put.
func (w *Writer) BytesCopy() []byte {
	return slices.Clone(w.buf)
}
