// Package engine implements the Swarm Engine: the protocol state machine
// that handles inbound wire messages, issues outbound requests, enforces
// choking/interest invariants, and drives pieces from request to
// verified-write to broadcast. It is the hub the other modules plug into,
// grounded structurally on the teacher's Swarm (internal/peer/swarm.go),
// which plays the same role of owning the peer registry and driving the
// per-peer message loops, but adapted from the teacher's goroutine-per-peer
// design to the spec's single-threaded cooperative event loop: every public
// method here assumes the caller serializes calls (the transport's message
// dispatch loop), so no locking is needed over session/peer state.
package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/prxssh/fileswarm/internal/bitfield"
	"github.com/prxssh/fileswarm/internal/choke"
	"github.com/prxssh/fileswarm/internal/config"
	"github.com/prxssh/fileswarm/internal/content"
	"github.com/prxssh/fileswarm/internal/pending"
	"github.com/prxssh/fileswarm/internal/picker"
	"github.com/prxssh/fileswarm/internal/session"
	"github.com/prxssh/fileswarm/internal/wire"
)

// PeerHandle is the abstract per-peer connection the external transport
// supplies. Engine only ever sends framed messages through it; dialing,
// framing, and the byte-level read loop belong to that transport, not here.
type PeerHandle interface {
	session.PeerHandle
	Send(msg *wire.Message) error
}

// topHashKey is the map key used for a session's top hash.
type topHashKey [32]byte

// pieceHashKey is the map key used for a PendingPiece's piece hash.
type pieceHashKey string

func keyOf(h content.PieceHash) pieceHashKey { return pieceHashKey(h.Bytes()) }

// Engine is the swarm protocol state machine for one local node. It owns
// every FileSession and every in-flight PendingPiece, and dispatches wire
// messages from any number of connected peers.
type Engine struct {
	cfg config.Config
	log *slog.Logger

	sessions map[topHashKey]*session.FileSession
	pending  map[pieceHashKey]*pending.PendingPiece

	// peers tracks every connected PeerHandle so a new session can be
	// announced to all of them, and so disconnect can sweep every
	// session.
	peers map[string]PeerHandle

	chokingStrategy choke.Strategy
	pieceSelection  picker.Strategy
}

// New constructs an Engine with the given config and logger, and wires up
// the configured choking and piece-selection strategies.
func New(cfg config.Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}

	e := &Engine{
		cfg:      cfg,
		log:      log,
		sessions: make(map[topHashKey]*session.FileSession),
		pending:  make(map[pieceHashKey]*pending.PendingPiece),
		peers:    make(map[string]PeerHandle),
	}

	e.chokingStrategy = e.newChokingStrategy()
	e.pieceSelection = e.newPieceSelectionStrategy()

	return e
}

func (e *Engine) newChokingStrategy() choke.Strategy {
	switch e.cfg.ChokingStrategy {
	case config.ChokingStrategyNaive:
		return choke.NewNaive(e.setChoked)
	default:
		return choke.NewTitForTat(
			e.setChoked,
			e.allSessions,
			e.cfg.ChokePeriod,
			e.cfg.RegularUnchokeCount,
			e.cfg.OptimisticUnchokeCount,
			e.cfg.OptimisticPeriodCount,
		)
	}
}

func (e *Engine) newPieceSelectionStrategy() picker.Strategy {
	switch e.cfg.PieceSelection {
	case config.PieceSelectionRandom:
		return picker.Random{}
	case config.PieceSelectionRarestFirst:
		return picker.RarestFirst{}
	case config.PieceSelectionEndgame:
		return picker.Endgame{Pending: e.isPending}
	default:
		return picker.BEP3{Pending: e.isPending}
	}
}

func (e *Engine) allSessions() []*session.FileSession {
	out := make([]*session.FileSession, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

func (e *Engine) isPending(pieceNo int) (isPending bool, peerHasOutstanding bool) {
	for _, pp := range e.pending {
		for _, ref := range pp.Sessions {
			if ref.PieceNo == pieceNo {
				return true, false
			}
		}
	}
	return false, false
}

// Start begins background work: the choking strategy's periodic tick.
func (e *Engine) Start(ctx context.Context) { e.chokingStrategy.Start(ctx) }

// Stop halts background work started by Start.
func (e *Engine) Stop() { e.chokingStrategy.Stop() }

// AddSession registers a FileSession and announces it to every already
// connected peer with an unsolicited BITMAP.
func (e *Engine) AddSession(sess *session.FileSession) {
	e.sessions[sess.TopHash] = sess

	bitmap := bitmapOf(sess)
	for _, peer := range e.peers {
		e.sendBitmap(peer, sess.TopHash, bitmap, false)
	}
}

// RemoveSession unregisters a FileSession entirely.
func (e *Engine) RemoveSession(topHash [32]byte) {
	delete(e.sessions, topHash)
}

// PeerConnected registers a newly wired-up peer and announces every local
// session to it with an unsolicited BITMAP.
func (e *Engine) PeerConnected(peer PeerHandle) {
	e.peers[peer.ID()] = peer

	for _, sess := range e.sessions {
		e.sendBitmap(peer, sess.TopHash, bitmapOf(sess), false)
	}
}

// PeerDisconnected removes all FileSessionPeer records for peer across all
// sessions, which implicitly clears their outstanding requests.
func (e *Engine) PeerDisconnected(peer PeerHandle) {
	delete(e.peers, peer.ID())

	for _, sess := range e.sessions {
		sess.RemovePeer(peer)
	}

	for key, pp := range e.pending {
		if !pp.WantedByAnySession() {
			delete(e.pending, key)
		}
	}
}

func (e *Engine) sendBitmap(peer PeerHandle, topHash [32]byte, bitmap []byte, isReply bool) {
	if err := peer.Send(wire.NewBitmap(topHash[:], bitmap, isReply)); err != nil {
		e.log.Warn("send bitmap failed", "peer", peer.Addr(), "error", err)
	}
}

func bitmapOf(sess *session.FileSession) []byte {
	return bitfield.FromSet(sess.Haveset(), sess.PieceCount()).Bytes()
}

// sessionByHash looks up a session by its raw top-hash bytes as received
// over the wire, returning nil if unknown.
func (e *Engine) sessionByHash(raw []byte) *session.FileSession {
	if len(raw) != 32 {
		return nil
	}
	var key topHashKey
	copy(key[:], raw)
	return e.sessions[key]
}

// Handle dispatches an inbound wire message from peer.
func (e *Engine) Handle(peer PeerHandle, msg *wire.Message) {
	switch msg.Opcode {
	case wire.OpBitmap:
		e.handleBitmap(peer, msg)
	case wire.OpInterested:
		e.handleInterested(peer, msg)
	case wire.OpChoke:
		e.handleChoke(peer, msg)
	case wire.OpHave:
		e.handleHave(peer, msg)
	case wire.OpRequest:
		e.handleRequest(peer, msg)
	case wire.OpCancel:
		e.handleCancel(peer, msg)
	case wire.OpPiece:
		e.handlePiece(peer, msg)
	default:
		e.log.Warn("dropping message with unknown opcode", "opcode", msg.Opcode, "peer", peer.Addr())
	}
}

func (e *Engine) handleBitmap(peer PeerHandle, msg *wire.Message) {
	sess := e.sessionByHash(msg.TopHash)
	if sess == nil {
		return
	}

	if !msg.IsReply {
		e.sendBitmap(peer, sess.TopHash, bitmapOf(sess), true)
	}

	n := sess.PieceCount()
	expected := (n + 7) / 8
	if len(msg.Bitmap) != expected {
		e.log.Warn("malformed bitmap, ignoring", "peer", peer.Addr(), "got", len(msg.Bitmap), "want", expected)
		return
	}

	fsp := sess.JoinPeer(peer)
	fsp.Pieces = bitfield.FromBytes(msg.Bitmap).ToSet(n)

	e.recalcInterest(sess, fsp)
}

func (e *Engine) handleInterested(peer PeerHandle, msg *wire.Message) {
	sess := e.sessionByHash(msg.TopHash)
	if sess == nil {
		return
	}
	fsp := sess.Peer(peer)
	if fsp == nil {
		return
	}

	fsp.Interested = msg.Interested
	e.chokingStrategy.PeerInterested(sess, fsp)
}

func (e *Engine) handleChoke(peer PeerHandle, msg *wire.Message) {
	sess := e.sessionByHash(msg.TopHash)
	if sess == nil {
		return
	}
	fsp := sess.Peer(peer)
	if fsp == nil {
		return
	}

	wasChoking := fsp.ChokingUs
	fsp.ChokingUs = msg.Choked

	if wasChoking && !fsp.ChokingUs {
		for _, o := range fsp.AllOutstandingRequests() {
			if err := peer.Send(wire.NewRequest(sess.TopHash[:], uint32(o.PieceNo), o.Req.Offset, o.Req.Length)); err != nil {
				e.log.Warn("re-request after unchoke failed", "peer", peer.Addr(), "error", err)
			}
		}
	}

	e.recalcInterest(sess, fsp)
}

func (e *Engine) handleHave(peer PeerHandle, msg *wire.Message) {
	sess := e.sessionByHash(msg.TopHash)
	if sess == nil {
		return
	}
	fsp := sess.Peer(peer)
	if fsp == nil {
		return
	}

	fsp.Pieces[int(msg.PieceNo)] = struct{}{}
	e.recalcInterest(sess, fsp)
}

func (e *Engine) handleRequest(peer PeerHandle, msg *wire.Message) {
	sess := e.sessionByHash(msg.TopHash)
	if sess == nil {
		return
	}
	fsp := sess.Peer(peer)
	if fsp == nil {
		return
	}
	if fsp.Choked || !sess.Have(int(msg.PieceNo)) {
		return
	}

	stream, err := sess.File.GetChunkStream(int(msg.PieceNo))
	if err != nil {
		e.log.Warn("request for out-of-range piece", "piece", msg.PieceNo, "peer", peer.Addr())
		return
	}

	if _, err := stream.Seek(int64(msg.Offset), 0); err != nil {
		return
	}

	buf := make([]byte, msg.Length)
	n, err := stream.Read(buf)
	if err != nil && n == 0 {
		e.log.Warn("read piece for request failed", "error", err)
		return
	}
	buf = buf[:n]

	fsp.Sent.Record(time.Now(), len(buf))

	pieceHash := sess.File.PieceHashAt(int(msg.PieceNo))
	if err := peer.Send(wire.NewPiece(pieceHash.Bytes(), msg.Offset, buf)); err != nil {
		e.log.Warn("send piece failed", "peer", peer.Addr(), "error", err)
	}
}

func (e *Engine) handleCancel(peer PeerHandle, msg *wire.Message) {
	sess := e.sessionByHash(msg.TopHash)
	if sess == nil {
		return
	}
	fsp := sess.Peer(peer)
	if fsp == nil {
		return
	}
	fsp.ClearRequest(int(msg.PieceNo), msg.Offset)
}

func (e *Engine) handlePiece(peer PeerHandle, msg *wire.Message) {
	hash, err := content.PieceHashFromBytes(msg.PieceHash)
	if err != nil {
		e.log.Warn("malformed piece hash", "peer", peer.Addr(), "error", err)
		return
	}

	pp, ok := e.pending[keyOf(hash)]
	if !ok {
		// unsolicited PIECE: hash not pending, logged and dropped
		e.log.Warn("dropping unsolicited piece", "peer", peer.Addr(), "piece_hash", hex.EncodeToString(hash.Digest))
		return
	}

	if err := pp.Receive(msg.Offset, msg.Data); err != nil {
		e.log.Warn("dropping unsolicited or invalid piece", "peer", peer.Addr(), "error", err)
		return
	}

	if !e.cfg.CalcRateAfterVerify {
		e.creditRecv(pp, peer, len(msg.Data))
	}

	for _, ref := range pp.Sessions {
		if fsp := ref.Session.Peer(peer); fsp != nil {
			fsp.ClearRequest(ref.PieceNo, msg.Offset)
		}
	}

	if !pp.Complete() {
		return
	}

	ok, err = pp.Verify()
	if err != nil {
		e.log.Warn("verify piece failed", "error", err)
		return
	}

	key := keyOf(hash)
	if !ok {
		e.log.Info("piece failed verification, dropping", "piece_hash", hex.EncodeToString(hash.Digest))
		delete(e.pending, key)
		return
	}

	if e.cfg.CalcRateAfterVerify {
		e.creditRecv(pp, peer, int(pp.Length))
	}

	affected := make(map[topHashKey]*session.FileSession)
	for _, ref := range pp.Sessions {
		ref.Session.MarkPieceVerified(ref.PieceNo)
		affected[ref.Session.TopHash] = ref.Session

		for _, p := range e.peers {
			if err := p.Send(wire.NewHave(ref.Session.TopHash[:], uint32(ref.PieceNo))); err != nil {
				e.log.Warn("broadcast have failed", "peer", p.Addr(), "error", err)
			}
		}
	}

	delete(e.pending, key)

	for _, sess := range affected {
		for _, fsp := range sess.Peers() {
			e.recalcInterest(sess, fsp)
		}
	}
}

// peerSend recovers the engine.PeerHandle behind a session.FileSessionPeer.
// fsp.Handle is declared as session.PeerHandle so the session package stays
// independent of engine, but every handle actually passed into JoinPeer
// came from this engine's own PeerConnected/Handle calls, so the assertion
// always succeeds.
func peerSend(fsp *session.FileSessionPeer, msg *wire.Message) error {
	return fsp.Handle.(PeerHandle).Send(msg)
}

func (e *Engine) creditRecv(pp *pending.PendingPiece, peer PeerHandle, n int) {
	for _, ref := range pp.Sessions {
		if fsp := ref.Session.Peer(peer); fsp != nil {
			fsp.Recv.Record(time.Now(), n)
		}
	}
}

// setChoked is the engine's idempotent choke/unchoke entry point: a no-op
// when peer is already in the target state, and the sole place the choked
// flag transitions.
func (e *Engine) setChoked(sess *session.FileSession, peer *session.FileSessionPeer, wantChoked bool) {
	if peer.Choked == wantChoked {
		return
	}
	peer.Choked = wantChoked

	if err := peerSend(peer, wire.NewChoke(sess.TopHash[:], wantChoked)); err != nil {
		e.log.Warn("send choke failed", "peer", peer.Handle.Addr(), "error", err)
	}
}

// recalcInterest implements interest recalculation for (session, peer): it
// updates interesting_us, then issues new requests respecting the per-peer
// request budget, finishing pending pieces before starting new ones.
func (e *Engine) recalcInterest(sess *session.FileSession, fsp *session.FileSessionPeer) {
	onlyTheirs := setDifference(fsp.Pieces, sess.Haveset())

	wasInteresting := fsp.InterestingUs
	fsp.InterestingUs = len(onlyTheirs) > 0

	if fsp.InterestingUs != wasInteresting {
		if err := peerSend(fsp, wire.NewInterested(sess.TopHash[:], fsp.InterestingUs)); err != nil {
			e.log.Warn("send interested failed", "peer", fsp.Handle.Addr(), "error", err)
		}
	}

	if fsp.ChokingUs {
		return
	}

	requestsLeft := e.cfg.MaxRequestsPerPeer - fsp.RequestCount()
	if requestsLeft <= 0 {
		return
	}

	requestsLeft = e.finishPendingPieces(sess, fsp, onlyTheirs, requestsLeft)
	if requestsLeft <= 0 {
		return
	}

	e.startNewPieces(sess, fsp, onlyTheirs, requestsLeft)
}

// finishPendingPieces picks, among onlyTheirs, pieces already backed by a
// PendingPiece, and issues requests for their remaining gaps, respecting
// the remaining per-peer request budget. Returns the budget left after.
func (e *Engine) finishPendingPieces(sess *session.FileSession, fsp *session.FileSessionPeer, onlyTheirs map[int]struct{}, budget int) int {
	var candidates []int
	for i := range onlyTheirs {
		if e.pendingForSessionPiece(sess, i) != nil {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return budget
	}

	pieceNo := candidates[rand.Intn(len(candidates))]
	pp := e.pendingForSessionPiece(sess, pieceNo)

	for budget > 0 {
		offset, length, ok := pp.PickSubpiece(false, e.cfg.RequestSize)
		if !ok {
			break
		}
		e.issueRequest(sess, fsp, pieceNo, pp, offset, length)
		budget--
	}

	return budget
}

// startNewPieces asks the piece-selection strategy for pieces to request
// from among onlyTheirs minus already-pending pieces, issuing a first
// subpiece request for each. available is still passed through (possibly
// empty) when the strategy is consulted, since an endgame-capable strategy
// only produces duplicate-request picks once nothing new is available; a
// pick outside available names an already-pending piece, and is handled by
// duplicating a request for one of its outstanding subpieces instead of
// starting a fresh one.
func (e *Engine) startNewPieces(sess *session.FileSession, fsp *session.FileSessionPeer, onlyTheirs map[int]struct{}, budget int) {
	if budget <= 0 {
		return
	}

	var available []int
	for i := range onlyTheirs {
		if e.pendingForSessionPiece(sess, i) == nil {
			available = append(available, i)
		}
	}

	picks := e.pieceSelection.Pick(sess, fsp, available, budget)
	for _, pieceNo := range picks {
		if pp := e.pendingForSessionPiece(sess, pieceNo); pp != nil {
			offset, length, ok := pp.PickSubpiece(true, e.cfg.RequestSize)
			if !ok {
				continue
			}
			e.issueRequest(sess, fsp, pieceNo, pp, offset, length)
			continue
		}

		pp := e.pendingPieceFor(sess, pieceNo)
		length := e.cfg.RequestSize
		if int64(length) > pp.Length {
			length = uint32(pp.Length)
		}
		e.issueRequest(sess, fsp, pieceNo, pp, 0, length)
	}
}

// issueRequest registers the (offset, length, peer) tuple in the
// PendingPiece's subpieces, registers the outstanding request in the peer,
// then sends REQUEST over the wire.
func (e *Engine) issueRequest(sess *session.FileSession, fsp *session.FileSessionPeer, pieceNo int, pp *pending.PendingPiece, offset, length uint32) {
	if int64(offset)+int64(length) > pp.Length {
		length = uint32(pp.Length - int64(offset))
	}

	pp.RegisterRequest(offset, length, fsp.Handle.ID())
	fsp.AddRequest(pieceNo, offset, length)

	if err := peerSend(fsp, wire.NewRequest(sess.TopHash[:], uint32(pieceNo), offset, length)); err != nil {
		e.log.Warn("send request failed", "peer", fsp.Handle.Addr(), "error", err)
	}
}

// pendingForSessionPiece returns the existing PendingPiece backing
// (sess, pieceNo), or nil if none exists yet.
func (e *Engine) pendingForSessionPiece(sess *session.FileSession, pieceNo int) *pending.PendingPiece {
	hash := sess.File.PieceHashAt(pieceNo)
	pp, ok := e.pending[keyOf(hash)]
	if !ok {
		return nil
	}
	for _, ref := range pp.Sessions {
		if ref.Session == sess && ref.PieceNo == pieceNo {
			return pp
		}
	}
	return nil
}

// pendingPieceFor looks up or creates the PendingPiece for (sess, pieceNo),
// since the same piece hash may serve multiple sessions.
func (e *Engine) pendingPieceFor(sess *session.FileSession, pieceNo int) *pending.PendingPiece {
	hash := sess.File.PieceHashAt(pieceNo)
	key := keyOf(hash)

	pp, ok := e.pending[key]
	if !ok {
		stream, err := sess.File.GetChunkStream(pieceNo)
		if err != nil {
			panic(fmt.Sprintf("engine: piece %d out of range for its own session", pieceNo))
		}
		pp = pending.New(hash, stream)
		e.pending[key] = pp
	}

	pp.AddSession(sess, pieceNo)
	return pp
}

func setDifference(a, b map[int]struct{}) map[int]struct{} {
	out := make(map[int]struct{})
	for i := range a {
		if _, in := b[i]; !in {
			out[i] = struct{}{}
		}
	}
	return out
}
