package radio

import (
	"github.com/pkg/errors"
)

// BufferSize is the capacity of the shared TX/RX frame buffer, sized to the
// largest PHYPayload any region allows.
const BufferSize = 256

// Buffer is the single frame buffer shared by transmission and reception.
// It is owned by the MAC state machine while a transaction is in flight and
// never aliased by both directions at the same time.
type Buffer struct {
	data [BufferSize]byte
	pos  int
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	b.pos = 0
}

// SetLen marks the first n bytes as valid, typically after a receive
// operation filled the raw buffer.
func (b *Buffer) SetLen(n int) {
	if n > BufferSize {
		n = BufferSize
	}
	b.pos = n
}

// Len returns the number of valid bytes.
func (b *Buffer) Len() int {
	return b.pos
}

// Bytes returns the valid part of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.pos]
}

// Raw returns the full capacity of the buffer for receive operations.
func (b *Buffer) Raw() []byte {
	return b.data[:]
}

// Extend appends bytes to the valid part.
func (b *Buffer) Extend(p []byte) error {
	if b.pos+len(p) > BufferSize {
		return errors.New("radio: frame buffer overflow")
	}
	copy(b.data[b.pos:], p)
	b.pos += len(p)
	return nil
}
