// Package choke implements the pluggable ChokingStrategy: policy deciding
// which interested peers get unchoked. It is grounded on the teacher's
// Swarm.recalculateRegularUnchokes / recalculateOptimisticUnchoke, adapted
// from a single global ranking across all peers to the spec's per-session
// model, and from a background goroutine pair to a Strategy whose Start
// launches a single ticker goroutine of its own.
package choke

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/prxssh/fileswarm/internal/session"
)

// ChokeFunc is called by a strategy whenever a peer's choked state should
// transition; it is the engine's idempotent choke/unchoke entry point.
type ChokeFunc func(sess *session.FileSession, peer *session.FileSessionPeer, choke bool)

// Strategy decides which interested peers to unchoke.
type Strategy interface {
	// Start begins any background work the strategy needs (e.g. a
	// periodic re-evaluation tick). Start must be safe to call even if
	// the strategy does no background work.
	Start(ctx context.Context)

	// Stop halts background work started by Start.
	Stop()

	// PeerInterested is invoked by the engine's INTERESTED handler
	// whenever a peer's interested flag changes.
	PeerInterested(sess *session.FileSession, peer *session.FileSessionPeer)
}

// Naive unchokes any interested peer immediately and never chokes anyone
// back; it never runs background work.
type Naive struct {
	choke ChokeFunc
}

// NewNaive returns a Naive strategy that calls choke to apply decisions.
func NewNaive(choke ChokeFunc) *Naive { return &Naive{choke: choke} }

func (n *Naive) Start(ctx context.Context) {}
func (n *Naive) Stop()                     {}

func (n *Naive) PeerInterested(sess *session.FileSession, peer *session.FileSessionPeer) {
	if peer.Interested {
		n.choke(sess, peer, false)
	}
}

// SessionProvider supplies the set of sessions a TitForTat strategy should
// re-evaluate on every tick.
type SessionProvider func() []*session.FileSession

// TitForTat implements the per-session BitTorrent-style regular plus
// optimistic unchoke algorithm described by the choking strategy module: a
// periodic task ranks interested peers by rate and unchokes the top N, plus
// a rotating optimistic set.
type TitForTat struct {
	choke         ChokeFunc
	sessions      SessionProvider
	period        time.Duration
	regularN      int
	optimistN     int
	optimistEvery int

	cancel context.CancelFunc

	cycle int
	// optimistic holds the currently-optimistically-unchoked peer IDs per
	// session, refreshed every optimistEvery cycles.
	optimistic map[*session.FileSession]map[string]struct{}
}

// NewTitForTat returns a TitForTat strategy. period is the re-evaluation
// interval; regularN/optimistN are the regular/optimistic unchoke counts;
// optimistEvery is the number of cycles the optimistic set is held before
// being reshuffled.
func NewTitForTat(choke ChokeFunc, sessions SessionProvider, period time.Duration, regularN, optimistN, optimistEvery int) *TitForTat {
	return &TitForTat{
		choke:         choke,
		sessions:      sessions,
		period:        period,
		regularN:      regularN,
		optimistN:     optimistN,
		optimistEvery: optimistEvery,
		optimistic:    make(map[*session.FileSession]map[string]struct{}),
	}
}

// Start launches the periodic re-evaluation tick in a new goroutine.
func (s *TitForTat) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go func() {
		ticker := time.NewTicker(s.period)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(time.Now())
			}
		}
	}()
}

// Stop halts the periodic re-evaluation tick.
func (s *TitForTat) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// PeerInterested is a no-op for TitForTat: unchoke decisions are made only
// on the periodic tick, not on every interest change.
func (s *TitForTat) PeerInterested(sess *session.FileSession, peer *session.FileSessionPeer) {}

// tick re-evaluates the regular and (every optimistEvery cycles) optimistic
// unchoke sets for every session, emitting only transition messages.
func (s *TitForTat) tick(now time.Time) {
	s.cycle++
	refreshOptimistic := s.cycle%s.optimistEvery == 1 || s.optimistEvery <= 1

	for _, sess := range s.sessions() {
		unchokeSet := s.regularUnchokeSet(sess, now)

		if refreshOptimistic || s.optimistic[sess] == nil {
			s.optimistic[sess] = s.pickOptimistic(sess)
		}
		for id := range s.optimistic[sess] {
			unchokeSet[id] = struct{}{}
		}

		for _, peer := range sess.Peers() {
			_, shouldUnchoke := unchokeSet[peer.Handle.ID()]
			s.choke(sess, peer, !shouldUnchoke)
		}
	}
}

// regularUnchokeSet ranks interested peers by rate and returns the IDs of
// the top regularN. Key is rate_down if the session is incomplete (we rank
// peers by what they give us), else rate_up (a complete session receives
// nothing, so it ranks by how much it is sending, rewarding peers it serves
// fastest).
func (s *TitForTat) regularUnchokeSet(sess *session.FileSession, now time.Time) map[string]struct{} {
	var candidates []*session.FileSessionPeer
	for _, p := range sess.Peers() {
		if p.Interested {
			candidates = append(candidates, p)
		}
	}

	seeding := sess.Complete()
	sort.Slice(candidates, func(i, j int) bool {
		if seeding {
			return candidates[i].RateUp(now) > candidates[j].RateUp(now)
		}
		return candidates[i].RateDown(now) > candidates[j].RateDown(now)
	})

	out := make(map[string]struct{})
	for i := 0; i < len(candidates) && i < s.regularN; i++ {
		out[candidates[i].Handle.ID()] = struct{}{}
	}
	return out
}

// pickOptimistic chooses optimistN interested, currently-choked peers at
// random.
func (s *TitForTat) pickOptimistic(sess *session.FileSession) map[string]struct{} {
	var candidates []*session.FileSessionPeer
	for _, p := range sess.Peers() {
		if p.Interested && p.Choked {
			candidates = append(candidates, p)
		}
	}

	out := make(map[string]struct{})
	n := s.optimistN
	if n > len(candidates) {
		n = len(candidates)
	}

	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	for i := 0; i < n; i++ {
		out[candidates[i].Handle.ID()] = struct{}{}
	}
	return out
}
