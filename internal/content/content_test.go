package content

import (
	"bytes"
	"io"
	"testing"
)

// memBacking is an in-memory Backing for tests, growing as needed.
type memBacking struct {
	buf []byte
}

func newMemBacking(size int64) *memBacking {
	return &memBacking{buf: make([]byte, size)}
}

func (m *memBacking) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.buf)) {
		return 0, io.EOF
	}

	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memBacking) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	return copy(m.buf[off:], p), nil
}

func TestCalcHashesMarksAllPresent(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, int(PieceSize)*2+100)
	backing := newMemBacking(0)
	backing.WriteAt(data, 0)

	hf, err := NewFromLocalFile(backing, 0, PieceSize)
	if err != nil {
		t.Fatalf("NewFromLocalFile: %v", err)
	}

	if hf.PieceCount() != 3 {
		t.Fatalf("PieceCount() = %d, want 3", hf.PieceCount())
	}
	if !hf.Complete() {
		t.Fatalf("expected Complete() after CalcHashes")
	}
	if hf.Length() != int64(len(data)) {
		t.Fatalf("Length() = %d, want %d", hf.Length(), len(data))
	}
	if got := hf.GetChunkSize(2); got != 100 {
		t.Fatalf("last piece size = %d, want 100", got)
	}
}

func TestCheckHashesPartialFile(t *testing.T) {
	full := bytes.Repeat([]byte{0x11}, int(PieceSize)*2)
	src := newMemBacking(0)
	src.WriteAt(full, 0)

	source, err := NewFromLocalFile(src, 0, PieceSize)
	if err != nil {
		t.Fatalf("NewFromLocalFile: %v", err)
	}
	meta := source.Metainfo()

	// Partial backing: only the first piece is actually correct.
	partial := newMemBacking(meta.Length)
	partial.WriteAt(full[:PieceSize], 0)

	hf, err := NewFromMetainfo(partial, meta)
	if err != nil {
		t.Fatalf("NewFromMetainfo: %v", err)
	}

	if !hf.Have(0) {
		t.Fatalf("piece 0 should be verified")
	}
	if hf.Have(1) {
		t.Fatalf("piece 1 should not be verified (all zero bytes)")
	}
}

func TestMetainfoRoundTrip(t *testing.T) {
	m := Metainfo{
		Length:      int64(PieceSize) + 42,
		PieceLength: PieceSize,
		Hashes: []PieceHash{
			hashBytes([]byte("piece-zero")),
			hashBytes([]byte("piece-one")),
		},
	}

	bin, err := m.BinaryMetainfo()
	if err != nil {
		t.Fatalf("BinaryMetainfo: %v", err)
	}

	got, err := ParseMetainfo(bin)
	if err != nil {
		t.Fatalf("ParseMetainfo: %v", err)
	}

	if got.Length != m.Length || got.PieceLength != m.PieceLength {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, m)
	}
	if len(got.Hashes) != len(m.Hashes) {
		t.Fatalf("hash count mismatch: got %d, want %d", len(got.Hashes), len(m.Hashes))
	}
	for i := range m.Hashes {
		if !got.Hashes[i].Equal(m.Hashes[i]) {
			t.Fatalf("hash %d mismatch", i)
		}
	}
}

func TestTopHashIsPureFunctionOfBytes(t *testing.T) {
	m := Metainfo{
		Length:      PieceSize,
		PieceLength: PieceSize,
		Hashes:      []PieceHash{hashBytes([]byte("content"))},
	}

	h1, err := TopHash(m)
	if err != nil {
		t.Fatalf("TopHash: %v", err)
	}
	h2, err := TopHash(m)
	if err != nil {
		t.Fatalf("TopHash: %v", err)
	}

	if h1 != h2 {
		t.Fatalf("TopHash not deterministic: %x != %x", h1, h2)
	}

	other := m
	other.Length = PieceSize + 1
	h3, err := TopHash(other)
	if err != nil {
		t.Fatalf("TopHash: %v", err)
	}
	if h1 == h3 {
		t.Fatalf("TopHash did not change with differing metainfo")
	}
}

func TestChunkStreamSeekClampsAndWritePastEndFails(t *testing.T) {
	backing := newMemBacking(100)
	cs := newChunkStream(backing, backing, 10, 20)

	pos, _ := cs.Seek(1000, io.SeekStart)
	if pos != 20 {
		t.Fatalf("Seek past end should clamp to length, got %d", pos)
	}

	pos, _ = cs.Seek(0, io.SeekStart)
	if pos != 0 {
		t.Fatalf("Seek to start failed: %d", pos)
	}

	if _, err := cs.Write(make([]byte, 25)); err == nil {
		t.Fatalf("write past piece bound should fail")
	}

	n, err := cs.Write(make([]byte, 20))
	if err != nil || n != 20 {
		t.Fatalf("full-length write failed: n=%d err=%v", n, err)
	}
}

func TestHashChunkNoDataSentinel(t *testing.T) {
	backing := newMemBacking(0)
	hf := &HashedFile{
		backing:     backing,
		pieceLength: PieceSize,
		length:      PieceSize,
		hashes:      []PieceHash{{}},
		haveset:     map[int]struct{}{},
	}

	h, err := hf.HashChunk(0)
	if err != nil {
		t.Fatalf("HashChunk: %v", err)
	}
	if !h.IsNoData() {
		t.Fatalf("expected no-data sentinel for empty backing")
	}
}
