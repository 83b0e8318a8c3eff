package content

import (
	"fmt"
	"io"
)

// ChunkStream is a bounded view over a single piece of the backing file:
// reads and writes are confined to [0, length) relative to a fixed base
// offset, and a cursor advances as the stream is used. It implements
// io.ReadWriteSeeker against the backing io.ReaderAt/io.WriterAt.
type ChunkStream struct {
	backing io.ReaderAt
	writer  io.WriterAt // nil for a read-only stream
	base    int64
	length  int64
	cursor  int64
}

// newChunkStream builds a ChunkStream over [base, base+length) of backing.
// writer may be nil if the stream is read-only.
func newChunkStream(backing io.ReaderAt, writer io.WriterAt, base, length int64) *ChunkStream {
	return &ChunkStream{backing: backing, writer: writer, base: base, length: length}
}

// Len returns the piece length this stream is bounded to.
func (c *ChunkStream) Len() int64 { return c.length }

// Read reads into p starting at the cursor, clamped to the piece boundary.
func (c *ChunkStream) Read(p []byte) (int, error) {
	if c.cursor >= c.length {
		return 0, io.EOF
	}

	remaining := c.length - c.cursor
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}

	n, err := c.backing.ReadAt(p, c.base+c.cursor)
	c.cursor += int64(n)

	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// Write writes p at the cursor, clamped to the piece boundary. Writing past
// the end of the piece fails rather than silently truncating.
func (c *ChunkStream) Write(p []byte) (int, error) {
	if c.writer == nil {
		return 0, fmt.Errorf("content: chunk stream is read-only")
	}

	remaining := c.length - c.cursor
	if int64(len(p)) > remaining {
		return 0, fmt.Errorf("content: write of %d bytes exceeds piece bound (%d remaining)", len(p), remaining)
	}

	n, err := c.writer.WriteAt(p, c.base+c.cursor)
	c.cursor += int64(n)
	return n, err
}

// Seek repositions the cursor relative to start/current/end, saturating to
// [0, length].
func (c *ChunkStream) Seek(offset int64, whence int) (int64, error) {
	var next int64

	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = c.cursor + offset
	case io.SeekEnd:
		next = c.length + offset
	default:
		return 0, fmt.Errorf("content: invalid whence %d", whence)
	}

	if next < 0 {
		next = 0
	}
	if next > c.length {
		next = c.length
	}

	c.cursor = next
	return c.cursor, nil
}
