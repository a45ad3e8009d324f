// Package pool provides fixed-size byte buffer pools for the relay and
// stream-copy hot paths.
package pool

import "sync"

// maxPooledSize bounds the buffers we are willing to keep around; anything
// larger is left for the garbage collector.
const maxPooledSize = 64 * 1024

// Bytes is a pool of *[]byte slices of a fixed initial size.
type Bytes struct {
	pool sync.Pool
}

func NewBytes(size int) *Bytes {
	return &Bytes{
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

func (p *Bytes) Get() *[]byte { return p.pool.Get().(*[]byte) }

func (p *Bytes) Put(b *[]byte) {
	if cap(*b) >= maxPooledSize {
		return
	}
	p.pool.Put(b)
}
