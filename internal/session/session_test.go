package session

import (
	"testing"
	"time"

	"github.com/prxssh/fileswarm/internal/content"
)

type fakeBacking struct{ buf []byte }

func (f *fakeBacking) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, f.buf[off:])
	return n, nil
}
func (f *fakeBacking) WriteAt(p []byte, off int64) (int, error) {
	return copy(f.buf[off:], p), nil
}

type fakePeer string

func (f fakePeer) ID() string   { return string(f) }
func (f fakePeer) Addr() string { return string(f) }

func newTestSession(t *testing.T) *FileSession {
	t.Helper()

	data := make([]byte, content.PieceSize*2)
	backing := &fakeBacking{buf: data}
	hf, err := content.NewFromLocalFile(backing, 0, content.PieceSize)
	if err != nil {
		t.Fatalf("NewFromLocalFile: %v", err)
	}

	s, err := New(hf, 20*time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestJoinPeerInitialState(t *testing.T) {
	s := newTestSession(t)
	p := s.JoinPeer(fakePeer("peer-a"))

	if !p.Choked || !p.ChokingUs {
		t.Fatalf("initial state should be choked=true, choking_us=true")
	}
	if p.Interested || p.InterestingUs {
		t.Fatalf("initial state should be interested=false, interesting_us=false")
	}
	if len(p.Pieces) != 0 {
		t.Fatalf("initial pieces should be empty")
	}

	same := s.JoinPeer(fakePeer("peer-a"))
	if same != p {
		t.Fatalf("JoinPeer should return the existing peer entry")
	}
}

func TestRemovePeerClearsRequests(t *testing.T) {
	s := newTestSession(t)
	h := fakePeer("peer-a")
	p := s.JoinPeer(h)
	p.AddRequest(0, 0, 1024)

	s.RemovePeer(h)
	if s.Peer(h) != nil {
		t.Fatalf("peer should be gone after RemovePeer")
	}
}

func TestCompletionCallbackFiresOnce(t *testing.T) {
	s := newTestSession(t)

	calls := 0
	s.OnComplete(func(*FileSession) { calls++ })

	for i := 0; i < s.PieceCount(); i++ {
		s.MarkPieceVerified(i)
	}
	// already complete from CalcHashes, so MarkPieceVerified should have
	// triggered exactly once the first time completion was checked.
	if calls != 1 {
		t.Fatalf("completion callback fired %d times, want 1", calls)
	}

	s.MarkPieceVerified(0)
	if calls != 1 {
		t.Fatalf("completion callback re-fired on already-complete session")
	}
}

func TestAddAndClearRequest(t *testing.T) {
	s := newTestSession(t)
	p := s.JoinPeer(fakePeer("peer-a"))

	p.AddRequest(1, 0, 100)
	p.AddRequest(1, 100, 100)
	if p.RequestCount() != 2 {
		t.Fatalf("RequestCount() = %d, want 2", p.RequestCount())
	}

	p.ClearRequest(1, 0)
	if p.RequestCount() != 1 {
		t.Fatalf("RequestCount() = %d, want 1 after clear", p.RequestCount())
	}

	p.ClearRequest(1, 100)
	if _, ok := p.Requests[1]; ok {
		t.Fatalf("piece entry should be pruned once empty")
	}
}
