// Package content implements the content-addressed file model: splitting a
// backing byte stream into fixed-size pieces, hashing each piece, and
// exposing per-piece random-access sub-streams (ChunkStream). It also owns
// the canonical metainfo encoding and the top-hash that identifies a session
// across the network.
package content

import (
	"crypto/sha1"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashFunc identifies the digest function used for a PieceHash, making piece
// hashes self-describing on the wire so alternate functions stay
// identifiable.
type HashFunc uint8

const (
	// HashBlake2b256 is the default piece-hash function.
	HashBlake2b256 HashFunc = iota
	// HashSHA1 exists only so content migrated from a BitTorrent-style
	// source (20-byte SHA-1 piece hashes) can be represented without
	// re-hashing; it is never produced by CalcHashes in this engine.
	HashSHA1
)

func (f HashFunc) String() string {
	switch f {
	case HashBlake2b256:
		return "blake2b-256"
	case HashSHA1:
		return "sha1"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

func (f HashFunc) size() int {
	switch f {
	case HashBlake2b256:
		return 32
	case HashSHA1:
		return sha1.Size
	default:
		return 0
	}
}

// PieceHash is a self-describing hash value: a function identifier plus its
// digest bytes. Pieces are identified globally by their hash; equal hashes
// across sessions denote the same content.
type PieceHash struct {
	Func   HashFunc
	Digest []byte
}

// noDataSentinel is the hash of a zero-length read, returned by hashBytes
// (and so by HashChunk) when a read of a piece yields no bytes.
var noDataSentinel = PieceHash{Func: HashBlake2b256, Digest: make([]byte, HashBlake2b256.size())}

// IsNoData reports whether h is the "no data" sentinel hash.
func (h PieceHash) IsNoData() bool {
	return h.Func == noDataSentinel.Func && bytesEqual(h.Digest, noDataSentinel.Digest)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Equal compares two piece hashes for equality, including their function.
func (h PieceHash) Equal(other PieceHash) bool {
	return h.Func == other.Func && bytesEqual(h.Digest, other.Digest)
}

// Bytes returns the self-describing wire encoding of the hash: one byte of
// HashFunc followed by the raw digest.
func (h PieceHash) Bytes() []byte {
	out := make([]byte, 1+len(h.Digest))
	out[0] = byte(h.Func)
	copy(out[1:], h.Digest)
	return out
}

// PieceHashFromBytes decodes a self-describing piece hash previously
// produced by Bytes.
func PieceHashFromBytes(b []byte) (PieceHash, error) {
	if len(b) < 1 {
		return PieceHash{}, fmt.Errorf("content: empty piece hash")
	}

	fn := HashFunc(b[0])
	digest := append([]byte(nil), b[1:]...)

	if size := fn.size(); size != 0 && len(digest) != size {
		return PieceHash{}, fmt.Errorf(
			"content: piece hash for %s must be %d bytes, got %d",
			fn, size, len(digest),
		)
	}

	return PieceHash{Func: fn, Digest: digest}, nil
}

// HashBytes hashes data with the default piece-hash function. Exported so
// other packages (e.g. pending's verification step) can recompute a piece
// hash without going through a ChunkStream.
func HashBytes(data []byte) PieceHash { return hashBytes(data) }

// hashBytes hashes data with the default piece-hash function.
func hashBytes(data []byte) PieceHash {
	if len(data) == 0 {
		return noDataSentinel
	}

	sum := blake2b.Sum256(data)
	return PieceHash{Func: HashBlake2b256, Digest: sum[:]}
}
