package buf

import (
	"fmt"

	"github.com/10088/haproxy/pool"
)

// Buffer is a fixed-capacity byte ring over a caller-supplied area,
// typically a pool chunk. Capacity never changes after creation; writers
// are expected to check Room before copying so that a block either fits
// entirely or is not copied at all.
type Buffer struct {
	area []byte
	src  *pool.Pool // nil unless the area came from a pool
	head int        // offset of the first held byte
	data int        // number of held bytes
}

// New wraps an existing area. The buffer takes ownership of area until
// Release.
func New(area []byte) *Buffer {
	return &Buffer{area: area}
}

// NewFromPool allocates the backing area from p. Release returns it.
func NewFromPool(p *pool.Pool) (*Buffer, error) {
	area, err := p.Get()
	if err != nil {
		return nil, fmt.Errorf("allocating buffer area: %w", err)
	}

	return &Buffer{area: area, src: p}, nil
}

// Release returns a pool-backed area to its pool and drops the buffer's
// reference to it. Safe to call on a nil or already-released buffer.
func (b *Buffer) Release() {
	if b == nil || b.area == nil {
		return
	}
	if b.src != nil {
		b.src.Put(b.area)
	}
	b.area = nil
	b.head = 0
	b.data = 0
}

// Size returns the fixed capacity.
func (b *Buffer) Size() int { return len(b.area) }

// Data returns the number of bytes held.
func (b *Buffer) Data() int { return b.data }

// Room returns how many more bytes fit.
func (b *Buffer) Room() int { return len(b.area) - b.data }

// Full reports whether no more bytes fit.
func (b *Buffer) Full() bool { return b.data == len(b.area) }

// Empty reports whether the buffer holds nothing.
func (b *Buffer) Empty() bool { return b.data == 0 }

// Put appends as much of p as fits, wrapping around the area, and returns
// the number of bytes copied.
func (b *Buffer) Put(p []byte) int {
	n := min(len(p), b.Room())
	if n == 0 {
		return 0
	}

	tail := b.head + b.data
	if tail >= len(b.area) {
		tail -= len(b.area)
	}

	first := min(n, len(b.area)-tail)
	copy(b.area[tail:], p[:first])
	copy(b.area, p[first:n])
	b.data += n

	return n
}

// Read moves up to len(p) bytes out of the buffer into p and returns the
// count. An emptied buffer realigns its head so the next Put is
// contiguous.
func (b *Buffer) Read(p []byte) int {
	n := min(len(p), b.data)
	if n == 0 {
		return 0
	}

	first := min(n, len(b.area)-b.head)
	copy(p[:first], b.area[b.head:])
	copy(p[first:n], b.area)

	b.head += n
	if b.head >= len(b.area) {
		b.head -= len(b.area)
	}
	b.data -= n
	if b.data == 0 {
		b.head = 0
	}

	return n
}

// Reset discards held bytes without touching the area.
func (b *Buffer) Reset() {
	b.head = 0
	b.data = 0
}
