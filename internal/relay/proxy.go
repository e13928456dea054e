package relay

import (
	"errors"
	"fmt"
	"io"
)

const copyBufferSize = 32 << 10

var errInvalidWrite = errors.New("invalid write result")

type flusher interface {
	Flush()
}

// Copy moves src into dst one chunk at a time. The next chunk is read only
// once the previous one has been written in full, so a slow dst throttles
// reads from src. dst is flushed after every chunk when it supports it.
//
// The first failure ends the copy and is wrapped in ErrStreamRead or
// ErrStreamWrite. Bytes already written stay written; nothing announces the
// total length in advance.
func Copy(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyBufferSize)
	f, _ := dst.(flusher)

	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			if nw < 0 || nw > nr {
				nw = 0
				if werr == nil {
					werr = errInvalidWrite
				}
			}
			written += int64(nw)
			if werr == nil && nw != nr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return written, fmt.Errorf("%w: %w", ErrStreamWrite, werr)
			}
			if f != nil {
				f.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("%w: %w", ErrStreamRead, rerr)
		}
	}
}
