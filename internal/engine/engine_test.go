package engine

import (
	"testing"
	"time"

	"github.com/prxssh/fileswarm/internal/config"
	"github.com/prxssh/fileswarm/internal/content"
	"github.com/prxssh/fileswarm/internal/picker"
	"github.com/prxssh/fileswarm/internal/session"
	"github.com/prxssh/fileswarm/internal/wire"
)

// memBacking is an in-memory content.Backing for tests.
type memBacking struct{ buf []byte }

func (m *memBacking) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.buf)) {
		return 0, nil
	}
	return copy(p, m.buf[off:]), nil
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

// inbox is a queue of (destination engine, source handle, message) tuples.
// fakeLink.Send appends to it rather than calling Handle reentrantly, so a
// test drives the "event loop" explicitly by pumping the queue — matching
// the spec's single-threaded cooperative model, where a handler runs to
// completion and any messages it triggers are processed in later, separate
// turns of the loop rather than nested inside the current call stack.
type inbox struct {
	items []inboxItem
}

type inboxItem struct {
	dest *Engine
	from PeerHandle
	msg  *wire.Message
}

func (b *inbox) push(dest *Engine, from PeerHandle, msg *wire.Message) {
	b.items = append(b.items, inboxItem{dest: dest, from: from, msg: msg})
}

// pump processes queued messages until none remain or maxTurns is reached,
// returning the number processed.
func (b *inbox) pump(maxTurns int) int {
	n := 0
	for len(b.items) > 0 && n < maxTurns {
		item := b.items[0]
		b.items = b.items[1:]
		item.dest.Handle(item.from, item.msg)
		n++
	}
	return n
}

// fakeLink is a one-way in-process handle from one engine's perspective to
// a peer backed by another engine, delivering messages through a shared
// inbox instead of a real socket.
type fakeLink struct {
	id    string
	addr  string
	box   *inbox
	dest  *Engine
	self  PeerHandle // the handle the destination engine knows us by
}

func (l *fakeLink) ID() string   { return l.id }
func (l *fakeLink) Addr() string { return l.addr }
func (l *fakeLink) Send(msg *wire.Message) error {
	l.box.push(l.dest, l.self, msg)
	return nil
}

// connect wires two engines together bidirectionally through a shared
// inbox and fires PeerConnected on both sides.
func connect(box *inbox, a, b *Engine) {
	linkAtoB := &fakeLink{id: "b", addr: "b", box: box, dest: b}
	linkBtoA := &fakeLink{id: "a", addr: "a", box: box, dest: a}
	linkAtoB.self = linkBtoA
	linkBtoA.self = linkAtoB

	a.PeerConnected(linkAtoB)
	b.PeerConnected(linkBtoA)
}

func seederConfig() config.Config {
	c := config.DefaultConfig()
	c.ChokingStrategy = config.ChokingStrategyNaive
	c.PieceSelection = config.PieceSelectionRarestFirst
	return c
}

func buildCompleteSession(t *testing.T, data []byte, pieceLength int64) (*session.FileSession, *memBacking) {
	t.Helper()

	backing := &memBacking{buf: append([]byte(nil), data...)}
	hf, err := content.NewFromLocalFile(backing, 0, pieceLength)
	if err != nil {
		t.Fatalf("NewFromLocalFile: %v", err)
	}

	sess, err := session.New(hf, 20*time.Second)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	return sess, backing
}

func buildEmptySession(t *testing.T, meta content.Metainfo) *session.FileSession {
	t.Helper()

	backing := &memBacking{buf: make([]byte, meta.Length)}
	hf, err := content.NewFromMetainfo(backing, meta)
	if err != nil {
		t.Fatalf("NewFromMetainfo: %v", err)
	}

	sess, err := session.New(hf, 20*time.Second)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	return sess
}

func TestSingleSeederSingleLeecherCompletes(t *testing.T) {
	pieceLength := content.PieceSize
	data := make([]byte, pieceLength*2+42)
	for i := range data {
		data[i] = byte(i)
	}

	seederSess, _ := buildCompleteSession(t, data, pieceLength)

	seeder := New(seederConfig(), nil)
	seeder.AddSession(seederSess)

	leecherSess := buildEmptySession(t, seederSess.File.Metainfo())
	leecher := New(seederConfig(), nil)
	leecher.AddSession(leecherSess)

	completed := false
	leecherSess.OnComplete(func(*session.FileSession) { completed = true })

	box := &inbox{}
	connect(box, seeder, leecher)
	box.pump(1000)

	if !completed {
		t.Fatalf("leecher session did not complete")
	}
	if !leecherSess.Complete() {
		t.Fatalf("leecher haveset incomplete: %v", leecherSess.Haveset())
	}

	leecherTop, err := leecherSess.File.CalcTopHash()
	if err != nil {
		t.Fatalf("CalcTopHash: %v", err)
	}
	if leecherTop != seederSess.TopHash {
		t.Fatalf("top hash mismatch after completion")
	}
}

func TestBitmapExchangeOnConnect(t *testing.T) {
	pieceLength := content.PieceSize
	data := make([]byte, pieceLength*3)

	seederSess, _ := buildCompleteSession(t, data, pieceLength)
	seeder := New(seederConfig(), nil)
	seeder.AddSession(seederSess)

	leecherSess := buildEmptySession(t, seederSess.File.Metainfo())
	leecher := New(seederConfig(), nil)
	leecher.AddSession(leecherSess)

	box := &inbox{}
	connect(box, seeder, leecher)
	// Only pump the initial BITMAP round trip, before any REQUEST/PIECE
	// traffic starts.
	box.pump(2)

	seederSideOfLeecher := seederSess.Peers()
	if len(seederSideOfLeecher) != 1 {
		t.Fatalf("expected seeder to have joined 1 peer, got %d", len(seederSideOfLeecher))
	}

	leecherSideOfSeeder := leecherSess.Peers()
	if len(leecherSideOfSeeder) != 1 {
		t.Fatalf("expected leecher to have joined 1 peer, got %d", len(leecherSideOfSeeder))
	}

	if len(leecherSideOfSeeder[0].Pieces) != 3 {
		t.Fatalf("leecher should see all 3 seeder pieces via bitmap, got %v", leecherSideOfSeeder[0].Pieces)
	}
}

func TestCorruptedPieceIsDroppedWithoutCreditingHaveset(t *testing.T) {
	pieceLength := content.PieceSize
	data := make([]byte, pieceLength)
	for i := range data {
		data[i] = byte(i)
	}

	seederSess, seederBacking := buildCompleteSession(t, data, pieceLength)
	seeder := New(seederConfig(), nil)
	seeder.AddSession(seederSess)

	leecherSess := buildEmptySession(t, seederSess.File.Metainfo())
	leecher := New(seederConfig(), nil)
	leecher.AddSession(leecherSess)

	box := &inbox{}
	connect(box, seeder, leecher)
	// Pump only the BITMAP handshake, then corrupt the seeder's data
	// before any REQUEST/PIECE traffic is processed.
	box.pump(2)

	for i := range seederBacking.buf {
		seederBacking.buf[i] ^= 0xFF
	}

	box.pump(1000)

	if leecherSess.Complete() {
		t.Fatalf("leecher should not complete with a corrupted piece")
	}
	if len(leecher.pending) != 0 {
		t.Fatalf("failed verification should drop the PendingPiece, got %d still pending", len(leecher.pending))
	}
}

func TestPeerDisconnectClearsSessionState(t *testing.T) {
	pieceLength := content.PieceSize
	data := make([]byte, pieceLength)

	seederSess, _ := buildCompleteSession(t, data, pieceLength)
	seeder := New(seederConfig(), nil)
	seeder.AddSession(seederSess)

	leecherSess := buildEmptySession(t, seederSess.File.Metainfo())
	leecher := New(seederConfig(), nil)
	leecher.AddSession(leecherSess)

	box := &inbox{}
	connect(box, seeder, leecher)
	box.pump(2)

	if seederSess.PeerCount() != 1 {
		t.Fatalf("expected 1 peer on seeder session before disconnect")
	}

	for _, handle := range seeder.peers {
		seeder.PeerDisconnected(handle)
	}

	if seederSess.PeerCount() != 0 {
		t.Fatalf("expected 0 peers on seeder session after disconnect, got %d", seederSess.PeerCount())
	}
}

func TestBitmapOfEncodesCorrectly(t *testing.T) {
	// 17 pieces with haveset={0,7,8,16} must encode to 0x81 0x80 0x80.
	meta := content.Metainfo{
		Length:      17,
		PieceLength: 1,
		Hashes:      make([]content.PieceHash, 17),
	}
	for i := range meta.Hashes {
		meta.Hashes[i] = content.HashBytes([]byte{byte(1000 + i)})
	}

	backing := &memBacking{buf: make([]byte, 17)}
	hf, err := content.NewFromMetainfo(backing, meta)
	if err != nil {
		t.Fatalf("NewFromMetainfo: %v", err)
	}

	want := map[int]struct{}{0: {}, 7: {}, 8: {}, 16: {}}
	for i := range want {
		hf.MarkHave(i)
	}

	sess, err := session.New(hf, time.Second)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}

	got := bitmapOf(sess)
	wantBytes := []byte{0x81, 0x80, 0x80}

	if len(got) != len(wantBytes) {
		t.Fatalf("bitmapOf length = %d, want %d", len(got), len(wantBytes))
	}
	for i := range got {
		if got[i] != wantBytes[i] {
			t.Fatalf("bitmapOf = % x, want % x", got, wantBytes)
		}
	}
}

// TestEndgameStrategyDuplicatesRequestForAlreadyPendingPiece guards against
// startNewPieces bailing out before consulting the piece-selection
// strategy whenever every piece a peer could offer is already pending: an
// endgame-capable strategy only ever produces picks in exactly that
// situation, so an early return on an empty "available" list makes it
// unreachable and silently drops the duplicate-request tail-latency
// behavior.
func TestEndgameStrategyDuplicatesRequestForAlreadyPendingPiece(t *testing.T) {
	pieceLength := int64(4)
	seederSess, _ := buildCompleteSession(t, []byte("data"), pieceLength)
	leecherSess := buildEmptySession(t, seederSess.File.Metainfo())

	eng := New(config.DefaultConfig(), nil)
	eng.cfg.PieceSelection = config.PieceSelectionEndgame
	eng.pieceSelection = picker.Endgame{Pending: eng.isPending}
	eng.AddSession(leecherSess)

	// Piece 0 is already pending (e.g. requested from some other peer),
	// with no subpieces registered as done yet.
	eng.pendingPieceFor(leecherSess, 0)

	box := &inbox{}
	link := &fakeLink{id: "peerB", addr: "peerB", box: box, dest: eng}
	link.self = link

	fsp := leecherSess.JoinPeer(link)
	fsp.Pieces = map[int]struct{}{0: {}}
	fsp.ChokingUs = false
	fsp.InterestingUs = true

	onlyTheirs := map[int]struct{}{0: {}}
	eng.startNewPieces(leecherSess, fsp, onlyTheirs, 1)

	if fsp.RequestCount() != 1 {
		t.Fatalf("expected a duplicate request for the already-pending piece, got %d outstanding requests", fsp.RequestCount())
	}
}
