// Package session implements FileSession and FileSessionPeer: per-content
// download state and the per-(session,peer) bookkeeping the swarm engine
// drives. Unlike the teacher's Peer, whose fields are atomics updated from
// multiple goroutines, these structs assume the engine's single-threaded
// cooperative event loop and use plain fields — every handler runs to
// completion before the next begins, so no synchronization is needed.
package session

import (
	"fmt"
	"time"

	"github.com/prxssh/fileswarm/internal/content"
	"github.com/prxssh/fileswarm/internal/ratewindow"
)

// PeerHandle identifies a remote peer to the session layer. The swarm
// transport (out of scope here) supplies a concrete implementation; the
// session package only needs a stable, comparable identity and a
// human-readable address for logging.
type PeerHandle interface {
	ID() string
	Addr() string
}

// PendingRequest is one outstanding (offset, length) request a
// FileSessionPeer has issued for a piece, tracked so it can be dropped on
// disconnect or re-issued on unchoke.
type PendingRequest struct {
	Offset uint32
	Length uint32
}

// outstanding pairs a piece index with one of its PendingRequests.
type outstanding struct {
	PieceNo int
	Req     PendingRequest
}

// FileSessionPeer is the per-(session,peer) state described by the data
// model: what the peer has, whether we're choking/interested in each
// other, and the outstanding requests issued to them.
type FileSessionPeer struct {
	Handle PeerHandle

	// Pieces is the set of piece indices this peer claims to have.
	Pieces map[int]struct{}

	Choked        bool // we are refusing to serve this peer
	Interested    bool // this peer wants something of ours
	ChokingUs     bool // this peer refuses to serve us
	InterestingUs bool // we want something of theirs

	// Requests maps piece_no -> offset -> PendingRequest for everything
	// we've asked this peer for and not yet received or cancelled.
	Requests map[int]map[uint32]PendingRequest

	Sent *ratewindow.Window
	Recv *ratewindow.Window
}

// newFileSessionPeer returns a FileSessionPeer in its initial state:
// choked=true, interested=false, choking_us=true, interesting_us=false.
func newFileSessionPeer(handle PeerHandle, ratePeriod time.Duration) *FileSessionPeer {
	return &FileSessionPeer{
		Handle:    handle,
		Pieces:    make(map[int]struct{}),
		Choked:    true,
		ChokingUs: true,
		Requests:  make(map[int]map[uint32]PendingRequest),
		Sent:      ratewindow.New(ratePeriod),
		Recv:      ratewindow.New(ratePeriod),
	}
}

// RateUp returns our recent upload rate to this peer in bytes/sec.
func (p *FileSessionPeer) RateUp(now time.Time) float64 { return p.Sent.Rate(now) }

// RateDown returns our recent download rate from this peer in bytes/sec.
func (p *FileSessionPeer) RateDown(now time.Time) float64 { return p.Recv.Rate(now) }

// RequestCount returns the number of outstanding subpiece requests across
// all pieces for this peer.
func (p *FileSessionPeer) RequestCount() int {
	n := 0
	for _, bypiece := range p.Requests {
		n += len(bypiece)
	}
	return n
}

// AddRequest records an outstanding request for (pieceNo, offset, length).
func (p *FileSessionPeer) AddRequest(pieceNo int, offset, length uint32) {
	bypiece, ok := p.Requests[pieceNo]
	if !ok {
		bypiece = make(map[uint32]PendingRequest)
		p.Requests[pieceNo] = bypiece
	}
	bypiece[offset] = PendingRequest{Offset: offset, Length: length}
}

// ClearRequest removes the outstanding request at (pieceNo, offset), pruning
// the piece entry if it becomes empty.
func (p *FileSessionPeer) ClearRequest(pieceNo int, offset uint32) {
	bypiece, ok := p.Requests[pieceNo]
	if !ok {
		return
	}
	delete(bypiece, offset)
	if len(bypiece) == 0 {
		delete(p.Requests, pieceNo)
	}
}

// OutstandingRequests returns every PendingRequest currently tracked for
// pieceNo, in no particular order.
func (p *FileSessionPeer) OutstandingRequests(pieceNo int) []PendingRequest {
	bypiece := p.Requests[pieceNo]
	out := make([]PendingRequest, 0, len(bypiece))
	for _, r := range bypiece {
		out = append(out, r)
	}
	return out
}

// AllOutstandingRequests returns every (pieceNo, PendingRequest) pair
// tracked for this peer, used when re-issuing requests after an unchoke.
func (p *FileSessionPeer) AllOutstandingRequests() []outstanding {
	var out []outstanding
	for pieceNo, bypiece := range p.Requests {
		for _, r := range bypiece {
			out = append(out, outstanding{PieceNo: pieceNo, Req: r})
		}
	}
	return out
}

// CompletionCallback is invoked once when a FileSession's HashedFile becomes
// complete.
type CompletionCallback func(*FileSession)

// FileSession is the per-content download/seed session: the HashedFile plus
// every peer that has joined this session by sending a BITMAP.
type FileSession struct {
	File *content.HashedFile

	TopHash [32]byte

	peers map[string]*FileSessionPeer

	completionCallbacks []CompletionCallback
	completed           bool

	ratePeriod time.Duration
}

// New returns a FileSession wrapping an already-constructed HashedFile.
func New(file *content.HashedFile, ratePeriod time.Duration) (*FileSession, error) {
	topHash, err := file.CalcTopHash()
	if err != nil {
		return nil, fmt.Errorf("session: calc top hash: %w", err)
	}

	return &FileSession{
		File:       file,
		TopHash:    topHash,
		peers:      make(map[string]*FileSessionPeer),
		ratePeriod: ratePeriod,
	}, nil
}

// PieceCount returns the number of pieces in this session's content.
func (s *FileSession) PieceCount() int { return s.File.PieceCount() }

// Have reports whether piece i has been verified locally.
func (s *FileSession) Have(i int) bool { return s.File.Have(i) }

// Haveset returns the set of locally-verified piece indices.
func (s *FileSession) Haveset() map[int]struct{} { return s.File.Haveset() }

// Complete reports whether every piece of this session is verified present.
func (s *FileSession) Complete() bool { return s.File.Complete() }

// OnComplete registers a callback invoked exactly once when the session
// becomes complete.
func (s *FileSession) OnComplete(cb CompletionCallback) {
	s.completionCallbacks = append(s.completionCallbacks, cb)
}

// checkCompletion fires registered completion callbacks the first time the
// session transitions to complete.
func (s *FileSession) checkCompletion() {
	if s.completed || !s.Complete() {
		return
	}

	s.completed = true
	for _, cb := range s.completionCallbacks {
		cb(s)
	}
}

// MarkPieceVerified records piece i as verified and fires completion
// callbacks if this was the last piece needed.
func (s *FileSession) MarkPieceVerified(i int) {
	s.File.MarkHave(i)
	s.checkCompletion()
}

// Peer returns the FileSessionPeer for handle, or nil if it has not joined
// this session.
func (s *FileSession) Peer(handle PeerHandle) *FileSessionPeer {
	return s.peers[handle.ID()]
}

// JoinPeer creates (or returns the existing) FileSessionPeer for handle.
// A FileSessionPeer is created the first time a peer's bitmap is seen for
// this session.
func (s *FileSession) JoinPeer(handle PeerHandle) *FileSessionPeer {
	if p, ok := s.peers[handle.ID()]; ok {
		return p
	}

	p := newFileSessionPeer(handle, s.ratePeriod)
	s.peers[handle.ID()] = p
	return p
}

// RemovePeer drops all state for handle, e.g. on disconnect. It implicitly
// clears the peer's outstanding requests since FileSessionPeer.Requests goes
// with it.
func (s *FileSession) RemovePeer(handle PeerHandle) {
	delete(s.peers, handle.ID())
}

// Peers returns every FileSessionPeer currently joined to this session.
func (s *FileSession) Peers() []*FileSessionPeer {
	out := make([]*FileSessionPeer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// PeerCount returns the number of peers joined to this session.
func (s *FileSession) PeerCount() int { return len(s.peers) }
