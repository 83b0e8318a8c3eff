package content

import (
	"fmt"
	"io"
	"os"

	"github.com/prxssh/fileswarm/pkg/pieceutil"
)

// PieceSize is the default protocol piece length in bytes (2^19).
const PieceSize int64 = 1 << 19

// Backing is the random-access byte container a HashedFile is built over.
// *os.File satisfies it directly.
type Backing interface {
	io.ReaderAt
	io.WriterAt
}

// HashedFile owns a backing byte container plus the piece-hash list, total
// length, and the set of piece indices known to be correct (haveset).
type HashedFile struct {
	backing     Backing
	pieceLength int64
	length      int64
	hashes      []PieceHash
	haveset     map[int]struct{}
	topHash     *[32]byte
}

// NewFromLocalFile builds a HashedFile in mode (a): the backing file is
// already complete. It computes every piece hash and marks every piece
// present.
func NewFromLocalFile(backing Backing, totalLength int64, pieceLength int64) (*HashedFile, error) {
	if pieceLength <= 0 {
		pieceLength = PieceSize
	}

	hf := &HashedFile{
		backing:     backing,
		pieceLength: pieceLength,
		length:      totalLength,
		haveset:     make(map[int]struct{}),
	}

	if err := hf.CalcHashes(); err != nil {
		return nil, err
	}

	return hf, nil
}

// NewFromMetainfo builds a HashedFile in mode (b) or (c): metainfo is known
// and backing may be a partial or empty file. It calls CheckHashes to
// populate haveset from whatever data backing already holds.
func NewFromMetainfo(backing Backing, m Metainfo) (*HashedFile, error) {
	hf := &HashedFile{
		backing:     backing,
		pieceLength: m.PieceLength,
		length:      m.Length,
		hashes:      append([]PieceHash(nil), m.Hashes...),
		haveset:     make(map[int]struct{}),
	}

	if err := hf.CheckHashes(); err != nil {
		return nil, err
	}

	return hf, nil
}

// PieceCount returns the number of pieces in the file.
func (hf *HashedFile) PieceCount() int { return len(hf.hashes) }

// Length returns the total byte length of the file.
func (hf *HashedFile) Length() int64 { return hf.length }

// PieceLength returns the configured regular piece length.
func (hf *HashedFile) PieceLength() int64 { return hf.pieceLength }

// GetChunkSize returns the length in bytes of piece i, accounting for a
// possibly short final piece.
func (hf *HashedFile) GetChunkSize(i int) int64 {
	n, err := pieceutil.PieceLengthAt(i, hf.length, int32(hf.pieceLength))
	if err != nil {
		return 0
	}
	return int64(n)
}

// GetChunkStream returns a bounded, random-access stream over piece i of the
// backing file.
func (hf *HashedFile) GetChunkStream(i int) (*ChunkStream, error) {
	if i < 0 || i >= hf.PieceCount() {
		return nil, fmt.Errorf("content: piece index %d out of range [0,%d)", i, hf.PieceCount())
	}

	base := hf.pieceLength * int64(i)
	return newChunkStream(hf.backing, hf.backing, base, hf.GetChunkSize(i)), nil
}

// HashChunk reads piece i through a ChunkStream and returns its hash, or the
// "no data" sentinel if the read yields no bytes. A never-written piece in a
// pre-sized backing reads as zeros and is hashed like any other data.
func (hf *HashedFile) HashChunk(i int) (PieceHash, error) {
	stream, err := hf.GetChunkStream(i)
	if err != nil {
		return PieceHash{}, err
	}

	buf := make([]byte, stream.Len())
	n, err := io.ReadFull(stream, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return PieceHash{}, fmt.Errorf("content: hash chunk %d: %w", i, err)
	}

	return hashBytes(buf[:n]), nil
}

// CalcHashes implements mode (a): it iterates pieces by reading
// pieceLength-sized chunks from the backing file until an empty read, fixing length to the
// bytes actually seen and marking every piece present.
func (hf *HashedFile) CalcHashes() error {
	if hf.pieceLength <= 0 {
		hf.pieceLength = PieceSize
	}

	var (
		hashes  []PieceHash
		total   int64
		index   int
		pieceSz = hf.pieceLength
	)

	for {
		buf := make([]byte, pieceSz)
		n, err := hf.backing.ReadAt(buf, total)
		if n == 0 {
			break
		}

		hashes = append(hashes, hashBytes(buf[:n]))
		total += int64(n)
		index++

		if err == io.EOF || int64(n) < pieceSz {
			break
		}
		if err != nil {
			return fmt.Errorf("content: calc hashes: %w", err)
		}
	}

	hf.hashes = hashes
	hf.length = total
	hf.haveset = make(map[int]struct{}, len(hashes))
	for i := range hashes {
		hf.haveset[i] = struct{}{}
	}

	return nil
}

// CheckHashes implements mode (b): for every declared hash it recomputes the
// piece hash from the backing file and adds matching indices to haveset,
// leaving mismatching or unreadable pieces absent.
func (hf *HashedFile) CheckHashes() error {
	hf.haveset = make(map[int]struct{}, len(hf.hashes))

	for i, want := range hf.hashes {
		got, err := hf.HashChunk(i)
		if err != nil {
			return fmt.Errorf("content: check hashes: %w", err)
		}
		if got.Equal(want) {
			hf.haveset[i] = struct{}{}
		}
	}

	return nil
}

// Have reports whether piece i is verified present.
func (hf *HashedFile) Have(i int) bool {
	_, ok := hf.haveset[i]
	return ok
}

// MarkHave records that piece i has been verified against its hash.
func (hf *HashedFile) MarkHave(i int) { hf.haveset[i] = struct{}{} }

// Haveset returns a snapshot of the set of verified piece indices.
func (hf *HashedFile) Haveset() map[int]struct{} {
	out := make(map[int]struct{}, len(hf.haveset))
	for i := range hf.haveset {
		out[i] = struct{}{}
	}
	return out
}

// Complete reports whether every piece is verified present.
func (hf *HashedFile) Complete() bool { return len(hf.haveset) == hf.PieceCount() }

// PieceHashAt returns the declared hash for piece i.
func (hf *HashedFile) PieceHashAt(i int) PieceHash {
	if i < 0 || i >= len(hf.hashes) {
		return PieceHash{}
	}
	return hf.hashes[i]
}

// Metainfo returns the Metainfo describing this file.
func (hf *HashedFile) Metainfo() Metainfo {
	return Metainfo{Length: hf.length, PieceLength: hf.pieceLength, Hashes: append([]PieceHash(nil), hf.hashes...)}
}

// CalcTopHash returns the top hash of this file's metainfo.
func (hf *HashedFile) CalcTopHash() ([32]byte, error) {
	if hf.topHash != nil {
		return *hf.topHash, nil
	}

	th, err := TopHash(hf.Metainfo())
	if err != nil {
		return [32]byte{}, err
	}

	hf.topHash = &th
	return th, nil
}

// OpenBacking opens or creates path as a Backing of the given total size,
// growing/truncating as needed. It is a convenience used by callers that
// want a plain on-disk HashedFile without managing *os.File themselves.
func OpenBacking(path string, size int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("content: open backing %q: %w", path, err)
	}

	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("content: truncate backing %q: %w", path, err)
		}
	}

	return f, nil
}
