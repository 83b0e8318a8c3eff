// Package picker implements the pluggable PieceSelectionStrategy: policy
// deciding which pieces to request next from a given peer. RarestFirst is
// grounded on the teacher's availabilityBucket (internal/piece/availability_bucket.go)
// conceptually — frequency ranks pieces by how many peers hold them — but
// computes frequency by a direct per-call scan over session.FileSession's
// peers rather than maintaining the teacher's O(1)-amortized bucket index,
// since the spec's literal algorithm only requires a correct frequency
// count, not incremental maintenance across peer churn.
package picker

import (
	"math/rand"

	"github.com/prxssh/fileswarm/internal/session"
)

// Strategy decides which pieces to request next from peer.
type Strategy interface {
	// Pick returns up to count piece indices to request next from peer,
	// chosen from available (already filtered to pieces peer has, we
	// lack, and that aren't already pending). Endgame, and BEP3 in its
	// endgame branch, instead return already-pending pieces once available
	// is empty.
	Pick(sess *session.FileSession, peer *session.FileSessionPeer, available []int, count int) []int
}

// Random uniformly samples among available pieces.
type Random struct{}

func (Random) Pick(sess *session.FileSession, peer *session.FileSessionPeer, available []int, count int) []int {
	if count > len(available) {
		count = len(available)
	}

	shuffled := append([]int(nil), available...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	return shuffled[:count]
}

// RarestFirst shuffles available to break ties fairly, then sorts by
// frequency ascending (frequency = number of peers in the session that
// have the piece), returning the count least common pieces.
type RarestFirst struct{}

func (RarestFirst) Pick(sess *session.FileSession, peer *session.FileSessionPeer, available []int, count int) []int {
	if count > len(available) {
		count = len(available)
	}

	shuffled := append([]int(nil), available...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	freq := pieceFrequency(sess)
	sortByFrequencyAscending(shuffled, freq)

	return shuffled[:count]
}

// pieceFrequency counts, for each piece index, how many peers in sess claim
// to have it.
func pieceFrequency(sess *session.FileSession) map[int]int {
	freq := make(map[int]int)
	for _, p := range sess.Peers() {
		for i := range p.Pieces {
			freq[i]++
		}
	}
	return freq
}

// sortByFrequencyAscending does an in-place stable insertion sort of xs by
// freq[x] ascending. A simple insertion sort is used rather than
// sort.Slice to preserve the pre-shuffle order among equal-frequency
// pieces, which is what makes the shuffle step meaningful.
func sortByFrequencyAscending(xs []int, freq map[int]int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && freq[xs[j-1]] > freq[xs[j]]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}

// PendingLookup reports whether the piece at a given index is already
// backed by a PendingPiece, and whether peer has outstanding requests
// against it. The engine supplies a concrete implementation; picker only
// needs the predicate. The strategies here read only the first result, and
// the engine's implementation always reports false for the second.
type PendingLookup func(pieceNo int) (isPending bool, peerHasOutstanding bool)

// Endgame duplicates requests for pieces peer has that are already pending,
// once available (non-pending pieces peer has that we lack) is empty. This
// speeds up tail latency by racing multiple peers for the last few pieces.
type Endgame struct {
	Pending PendingLookup
}

func (e Endgame) Pick(sess *session.FileSession, peer *session.FileSessionPeer, available []int, count int) []int {
	if len(available) > 0 || e.Pending == nil {
		return nil
	}

	have := sess.Haveset()
	var candidates []int
	for i := range peer.Pieces {
		if _, got := have[i]; got {
			continue
		}
		if isPending, _ := e.Pending(i); isPending {
			candidates = append(candidates, i)
		}
	}

	if count > len(candidates) {
		count = len(candidates)
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	return candidates[:count]
}

// BEP3 composes Random, RarestFirst, and Endgame the way a mainline
// BitTorrent client does: Random while the session has no complete pieces
// yet (to avoid clumping on the same few pieces early on), Endgame once
// nothing new is available, else RarestFirst.
type BEP3 struct {
	Pending PendingLookup
}

func (b BEP3) Pick(sess *session.FileSession, peer *session.FileSessionPeer, available []int, count int) []int {
	switch {
	case len(sess.Haveset()) == 0:
		return (Random{}).Pick(sess, peer, available, count)
	case len(available) == 0:
		return (Endgame{Pending: b.Pending}).Pick(sess, peer, available, count)
	default:
		return (RarestFirst{}).Pick(sess, peer, available, count)
	}
}
