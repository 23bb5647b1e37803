package connector

import (
	"bufio"
)

// DefaultChunkSize is the buffer size of the default ChunkReader.
const DefaultChunkSize = 1024

// FrameReader splits an inbound byte stream into frames handed to the correlator.
//
// ReadFrame is called by the single receive goroutine only. Any error is treated as
// connection death.
type FrameReader interface {
	ReadFrame(r *bufio.Reader) ([]byte, error)
}

// FrameReaderFunc adapts a function to a FrameReader.
type FrameReaderFunc func(r *bufio.Reader) ([]byte, error)

func (f FrameReaderFunc) ReadFrame(r *bufio.Reader) ([]byte, error) { return f(r) }

// ChunkReader treats every read chunk as one frame. It suits protocols where a
// response arrives in one piece, and is the fallback when no framing is known.
type ChunkReader struct {
	size int
}

// NewChunkReader creates a ChunkReader reading at most size bytes per frame.
func NewChunkReader(size int) *ChunkReader {
	if size <= 0 {
		size = DefaultChunkSize
	}

	return &ChunkReader{size: size}
}

func (cr *ChunkReader) ReadFrame(r *bufio.Reader) ([]byte, error) {
	buf := make([]byte, cr.size)
	n, err := r.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}

	return nil, err
}
