// Package iocopy implements the pass-through relay: bidirectional byte
// copying between two streams with no interpretation attempt.
package iocopy

import (
	"io"

	"github.com/Distracted-E421/nixos-cursor-sub001/internal/pool"
)

const relayBufferSize = 16 * 1024

var relayPool = pool.NewBytes(relayBufferSize)

type closeWriter interface {
	CloseWrite() error
}

// Bidirectional copies a<->b until either side closes or errors, then closes
// both. Half-closes propagate: when one direction hits EOF the peer's write
// side is shut down so the other direction can drain naturally. The first
// error (or nil on clean EOF) is returned.
func Bidirectional(a, b io.ReadWriteCloser) error {
	defer a.Close()
	defer b.Close()

	errCh := make(chan error, 2)
	copyFn := func(dst, src io.ReadWriteCloser) {
		err := Copy(dst, src)
		if cw, ok := dst.(closeWriter); ok {
			cw.CloseWrite()
		}
		errCh <- err
	}
	go copyFn(a, b)
	go copyFn(b, a)
	return <-errCh
}

// Copy is io.Copy with a pooled buffer, skipping the allocation entirely
// when either side implements its own copy fast path.
func Copy(dst io.Writer, src io.Reader) error {
	var b []byte
	_, srcIsWriterTo := src.(io.WriterTo)
	_, dstIsReaderFrom := dst.(io.ReaderFrom)
	if !srcIsWriterTo && !dstIsReaderFrom {
		buf := relayPool.Get()
		defer relayPool.Put(buf)
		b = *buf
	}
	_, err := io.CopyBuffer(dst, src, b)
	return err
}
