package pool

import (
	"math/bits"
	"sync"

	"github.com/miekg/dns"
)

// Buffers are pooled in power-of-two size classes up to 64KiB.
const maxBufSizeBits = 16

var bufPools [maxBufSizeBits + 1]sync.Pool

// Buffer is a pooled byte slice. It must not be used after Release.
type Buffer struct {
	b []byte
	c int // size class, -1 if not pooled
}

// Bytes returns the buffer sliced to the requested size.
func (b *Buffer) Bytes() []byte {
	return b.b
}

// AllBytes returns the full capacity of the buffer.
func (b *Buffer) AllBytes() []byte {
	return b.b[:cap(b.b)]
}

func (b *Buffer) Release() {
	if b.c < 0 {
		return
	}
	bufPools[b.c].Put(b)
}

// GetBuf returns a *Buffer whose Bytes has length size.
func GetBuf(size int) *Buffer {
	c := sizeClass(size)
	if c > maxBufSizeBits {
		return &Buffer{b: make([]byte, size), c: -1}
	}
	if v, ok := bufPools[c].Get().(*Buffer); ok {
		v.b = v.b[:size]
		return v
	}
	return &Buffer{b: make([]byte, size, 1<<c), c: c}
}

func sizeClass(size int) int {
	if size <= 1 {
		return 0
	}
	return bits.Len(uint(size - 1))
}

// PackBuffer packs m into a pooled buffer. The returned wire is only
// valid until buf is released.
func PackBuffer(m *dns.Msg) (wire []byte, buf *Buffer, err error) {
	buf = GetBuf(m.Len() + 1)
	wire, err = m.PackBuffer(buf.AllBytes())
	if err != nil {
		buf.Release()
		return nil, nil, err
	}
	return wire, buf, nil
}
