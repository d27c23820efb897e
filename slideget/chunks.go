package slideget

import "io"

// ChunkSource is a pull-based, finite sequence of non-empty byte buffers.
// Next returns io.EOF exactly once when the sequence is exhausted; pulling
// again after that is a caller error. Returned buffers are owned by the
// caller and are never reused by the source.
type ChunkSource interface {
	Next() ([]byte, error)
}

// readerChunkSource adapts an io.Reader (typically an HTTP response body)
// into a ChunkSource of fixed-size reads.
type readerChunkSource struct {
	r         io.Reader
	chunkSize int
	done      bool
}

// DefaultChunkSize is the read size used by NewReaderChunkSource when none
// is given.
const DefaultChunkSize = 64 * 1024

// NewReaderChunkSource wraps r as a ChunkSource that reads up to chunkSize
// bytes at a time. A chunkSize <= 0 selects DefaultChunkSize.
func NewReaderChunkSource(r io.Reader, chunkSize int) ChunkSource {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &readerChunkSource{r: r, chunkSize: chunkSize}
}

func (s *readerChunkSource) Next() ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	// fresh buffer per read: the decoder keeps references into chunks
	buf := make([]byte, s.chunkSize)
	for {
		n, err := s.r.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err != nil {
			s.done = true
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

// BytesChunkSource returns a ChunkSource over a fixed sequence of chunks,
// mainly useful in tests that exercise specific chunking patterns.
func BytesChunkSource(chunks ...[]byte) ChunkSource {
	return &bytesChunkSource{chunks: chunks}
}

type bytesChunkSource struct {
	chunks [][]byte
	pos    int
}

func (s *bytesChunkSource) Next() ([]byte, error) {
	for s.pos < len(s.chunks) {
		chunk := s.chunks[s.pos]
		s.pos++
		if len(chunk) > 0 {
			return chunk, nil
		}
	}
	return nil, io.EOF
}
