package content

import (
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/prxssh/fileswarm/internal/bencode"
	"github.com/prxssh/fileswarm/pkg/utils/cast"
)

// Metainfo describes the shape of a shared file: its total length, the
// length of a regular piece, and the ordered list of piece hashes. It is the
// data a session is bootstrapped from, and TopHash(Metainfo) is what peers
// compare to confirm they are swarming the same content.
type Metainfo struct {
	// Length is the total byte length of the file.
	Length int64
	// PieceLength is the length of every piece except possibly the last.
	PieceLength int64
	// Hashes holds one PieceHash per piece, in piece-index order.
	Hashes []PieceHash
}

// PieceCount returns the number of pieces described by the metainfo.
func (m Metainfo) PieceCount() int { return len(m.Hashes) }

// PieceLengthAt returns the length in bytes of the piece at index, which is
// PieceLength for every piece except the last, whose length is whatever
// remains of Length.
func (m Metainfo) PieceLengthAt(index int) int64 {
	if index < 0 || index >= m.PieceCount() {
		return 0
	}
	if index < m.PieceCount()-1 {
		return m.PieceLength
	}

	rem := m.Length - m.PieceLength*int64(m.PieceCount()-1)
	if rem <= 0 {
		return m.PieceLength
	}
	return rem
}

// BinaryMetainfo returns the canonical, deterministic binary encoding of m.
// It is a bencoded dict with sorted keys ("hashes", "length"), so the same
// content always serializes to the same bytes regardless of map iteration
// order elsewhere in the program. PieceLength is not part of the encoding:
// piece length is the fixed protocol constant PieceSize, not per-content
// state, so two implementations sharing the same content always compute the
// same TopHash.
func (m Metainfo) BinaryMetainfo() ([]byte, error) {
	hashes := make([]any, len(m.Hashes))
	for i, h := range m.Hashes {
		hashes[i] = string(h.Bytes())
	}

	dict := map[string]any{
		"length": m.Length,
		"hashes": hashes,
	}

	return bencode.Marshal(dict)
}

// ParseMetainfo decodes a Metainfo previously serialized by BinaryMetainfo.
// PieceLength is always set to the fixed protocol constant PieceSize.
func ParseMetainfo(data []byte) (Metainfo, error) {
	v, err := bencode.Unmarshal(data)
	if err != nil {
		return Metainfo{}, fmt.Errorf("content: parse metainfo: %w", err)
	}

	dict, ok := v.(map[string]any)
	if !ok {
		return Metainfo{}, fmt.Errorf("content: metainfo is not a dict")
	}

	length, err := cast.ToInt(dict["length"])
	if err != nil {
		return Metainfo{}, fmt.Errorf("content: metainfo missing integer length: %w", err)
	}

	rawHashes, ok := dict["hashes"].([]any)
	if !ok {
		return Metainfo{}, fmt.Errorf("content: metainfo missing hashes list")
	}

	hashes := make([]PieceHash, len(rawHashes))
	for i, rh := range rawHashes {
		b, err := cast.ToBytes(rh)
		if err != nil {
			return Metainfo{}, fmt.Errorf("content: hash %d is not a string: %w", i, err)
		}

		h, err := PieceHashFromBytes(b)
		if err != nil {
			return Metainfo{}, fmt.Errorf("content: hash %d: %w", i, err)
		}
		hashes[i] = h
	}

	return Metainfo{Length: length, PieceLength: PieceSize, Hashes: hashes}, nil
}

// TopHash returns the content identifier for m: the sha3-256 digest of its
// canonical binary encoding. Two metainfos with the same top hash are
// guaranteed to describe byte-identical content.
func TopHash(m Metainfo) ([32]byte, error) {
	bin, err := m.BinaryMetainfo()
	if err != nil {
		return [32]byte{}, err
	}

	return sha3.Sum256(bin), nil
}
