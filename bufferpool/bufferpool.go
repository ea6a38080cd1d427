// Package bufferpool recycles the scratch buffers used to read stored
// table blocks before they are checksummed and decoded.
package bufferpool

import (
	"sync"
)

// Size classes. A default block (256 entries) is 6KB uncompressed, so the
// first class covers it with its trailer; larger blocks fall into the second.
var classes = [...]int{8 << 10, 64 << 10}

// BufferPool hands out byte slices from fixed size classes.
type BufferPool struct {
	pools [len(classes)]sync.Pool
}

// NewBufferPool creates a pool with one sync.Pool per size class.
func NewBufferPool() *BufferPool {
	p := &BufferPool{}
	for i, size := range classes {
		p.pools[i].New = func() any {
			b := make([]byte, 0, size)
			return &b
		}
	}
	return p
}

func classFor(size int) int {
	for i, c := range classes {
		if size <= c {
			return i
		}
	}
	return -1
}

// Get returns a slice of length size. Requests above the largest class are
// allocated directly and never pooled.
func (p *BufferPool) Get(size int) []byte {
	i := classFor(size)
	if i < 0 {
		return make([]byte, size)
	}
	bp := p.pools[i].Get().(*[]byte)
	return (*bp)[:size]
}

// Put recycles buf if its capacity is exactly one of the size classes.
func (p *BufferPool) Put(buf []byte) {
	for i, c := range classes {
		if cap(buf) == c {
			buf = buf[:0]
			p.pools[i].Put(&buf)
			return
		}
	}
}

var global = NewBufferPool()

// GetBuffer returns a slice of length size from the shared pool.
func GetBuffer(size int) []byte {
	return global.Get(size)
}

// PutBuffer returns buf to the shared pool.
func PutBuffer(buf []byte) {
	global.Put(buf)
}
