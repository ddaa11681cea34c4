package tunnel

import (
	"io"
	"sync"
)

// relayBufferSize is the size of each pooled relay buffer.
const relayBufferSize = 32 * 1024

var relayBuffers = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, relayBufferSize)
		return &buf
	},
}

// CopyWithBuffer copies src to dst through a pooled buffer. Tunnel relays
// run for the whole life of an SSH connection, two per session, so reusing
// buffers keeps the per-connection footprint flat.
func CopyWithBuffer(dst io.Writer, src io.Reader) (int64, error) {
	buf := relayBuffers.Get().(*[]byte)
	defer relayBuffers.Put(buf)
	return io.CopyBuffer(dst, src, *buf)
}
