// Package pending implements PendingPiece: the in-flight state of a piece
// being downloaded, shared across every FileSession that happens to want the
// same content by piece hash.
package pending

import (
	"fmt"
	"io"
	"sort"

	"github.com/prxssh/fileswarm/internal/content"
	"github.com/prxssh/fileswarm/internal/session"
)

// SessionRef identifies one (session, piece index) pair a PendingPiece
// satisfies.
type SessionRef struct {
	Session *session.FileSession
	PieceNo int
}

// subpiece is one sub-range of the piece, keyed by its starting offset in
// the piece's subpieces map.
type subpiece struct {
	length         uint32
	done           bool
	requestedPeers map[string]struct{}
}

// PendingPiece tracks a piece being downloaded: which sub-ranges have been
// requested, from whom, which have arrived, and the piece's verification on
// completion.
type PendingPiece struct {
	Hash   content.PieceHash
	Length int64
	stream *content.ChunkStream

	// Sessions is the set of (session, piece index) pairs this pending
	// piece satisfies; the same piece hash may appear in multiple
	// sessions sharing content.
	Sessions []SessionRef

	subpieces map[uint32]*subpiece
}

// New returns a PendingPiece for hash, writing into stream as subpieces
// arrive.
func New(hash content.PieceHash, stream *content.ChunkStream) *PendingPiece {
	return &PendingPiece{
		Hash:      hash,
		Length:    stream.Len(),
		stream:    stream,
		subpieces: make(map[uint32]*subpiece),
	}
}

// AddSession records that (sess, pieceNo) is satisfied by this pending
// piece, if not already recorded.
func (pp *PendingPiece) AddSession(sess *session.FileSession, pieceNo int) {
	for _, ref := range pp.Sessions {
		if ref.Session == sess && ref.PieceNo == pieceNo {
			return
		}
	}
	pp.Sessions = append(pp.Sessions, SessionRef{Session: sess, PieceNo: pieceNo})
}

// RemoveSession drops (sess, pieceNo) from this pending piece, used when a
// session stops wanting a piece (e.g. it was destroyed).
func (pp *PendingPiece) RemoveSession(sess *session.FileSession, pieceNo int) {
	out := pp.Sessions[:0]
	for _, ref := range pp.Sessions {
		if ref.Session == sess && ref.PieceNo == pieceNo {
			continue
		}
		out = append(out, ref)
	}
	pp.Sessions = out
}

// WantedByAnySession reports whether any session still references this
// pending piece.
func (pp *PendingPiece) WantedByAnySession() bool { return len(pp.Sessions) > 0 }

// RegisterRequest records that peerID has been asked for [offset, offset+length).
func (pp *PendingPiece) RegisterRequest(offset, length uint32, peerID string) {
	sp, ok := pp.subpieces[offset]
	if !ok {
		sp = &subpiece{length: length, requestedPeers: make(map[string]struct{})}
		pp.subpieces[offset] = sp
	}
	sp.requestedPeers[peerID] = struct{}{}
}

// CancelRequest removes peerID from the requesters of the subpiece at
// offset, pruning the subpiece entry if it is not done and now has no
// requesters, per the invariant that a subpiece with done=false and empty
// requested_peers is pruned.
func (pp *PendingPiece) CancelRequest(offset uint32, peerID string) {
	sp, ok := pp.subpieces[offset]
	if !ok {
		return
	}
	delete(sp.requestedPeers, peerID)
	if !sp.done && len(sp.requestedPeers) == 0 {
		delete(pp.subpieces, offset)
	}
}

// Receive validates and applies an arriving subpiece write at offset,
// delegating offset/length validation here rather than to the caller. It
// writes data into the backing stream and marks the subpiece done.
func (pp *PendingPiece) Receive(offset uint32, data []byte) error {
	if int64(offset)+int64(len(data)) > pp.Length {
		return fmt.Errorf("pending: subpiece at %d+%d exceeds piece length %d", offset, len(data), pp.Length)
	}

	if _, err := pp.stream.Seek(int64(offset), io.SeekStart); err != nil {
		return fmt.Errorf("pending: seek: %w", err)
	}
	if _, err := pp.stream.Write(data); err != nil {
		return fmt.Errorf("pending: write: %w", err)
	}

	sp, ok := pp.subpieces[offset]
	if !ok {
		sp = &subpiece{length: uint32(len(data)), requestedPeers: make(map[string]struct{})}
		pp.subpieces[offset] = sp
	}
	sp.length = uint32(len(data))
	sp.done = true

	return nil
}

// PickSubpiece scans subpieces in sorted offset order and returns the
// offset/length of the first gap, or — when includePending is true — the
// first not-yet-done offset. It returns ok=false when the piece is fully
// covered (or fully pending, when includePending is true).
func (pp *PendingPiece) PickSubpiece(includePending bool, defaultLength uint32) (offset, length uint32, ok bool) {
	covered := make([]struct {
		start, end uint32
	}, 0, len(pp.subpieces))

	offsets := make([]uint32, 0, len(pp.subpieces))
	for off := range pp.subpieces {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	for _, off := range offsets {
		sp := pp.subpieces[off]
		if includePending && !sp.done {
			continue
		}
		covered = append(covered, struct{ start, end uint32 }{off, off + sp.length})
	}

	var cursor uint32
	for _, c := range covered {
		if cursor < c.start {
			length = c.start - cursor
			if length > defaultLength {
				length = defaultLength
			}
			return cursor, length, true
		}
		if c.end > cursor {
			cursor = c.end
		}
	}

	if int64(cursor) < pp.Length {
		length = defaultLength
		if int64(cursor)+int64(length) > pp.Length {
			length = uint32(pp.Length - int64(cursor))
		}
		return cursor, length, true
	}

	return 0, 0, false
}

// Complete reports whether the piece is fully covered by done subpieces.
func (pp *PendingPiece) Complete() bool {
	_, _, gap := pp.PickSubpiece(true, 1)
	return !gap
}

// Verify reads the entire piece back from the backing stream and compares
// it against the declared hash.
func (pp *PendingPiece) Verify() (bool, error) {
	if _, err := pp.stream.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("pending: seek: %w", err)
	}

	buf := make([]byte, pp.Length)
	n, err := io.ReadFull(pp.stream, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, fmt.Errorf("pending: read piece: %w", err)
	}

	got := content.HashBytes(buf[:n])
	return got.Equal(pp.Hash), nil
}
