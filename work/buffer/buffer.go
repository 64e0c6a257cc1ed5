package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// BufferPool hands out fixed size byte buffers backed by valyala/bytebufferpool, so
// long running sessions do not allocate a fresh read buffer per attempt.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a pool of buffers of bufferSize bytes.
func NewBufferPool(bufferSize int) *BufferPool {
	return &BufferPool{
		bufferSize: bufferSize,
		pool:       &bytebufferpool.Pool{},
	}
}

// Get returns a buffer whose B has length Size(). Contents are undefined.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, bp.bufferSize)
	}
	buf.B = buf.B[:bp.bufferSize]
	return buf
}

// Put returns buf to the pool. buf must not be used afterwards.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}

// Size is the length of every buffer handed out.
func (bp *BufferPool) Size() int {
	return bp.bufferSize
}
