// Package config defines the tunable knobs for the swarm engine: request
// budgets, rate-window sizing, and the pluggable strategy selectors.
package config

import "time"

// ChokingStrategyKind selects which ChokingStrategy implementation the
// engine wires up.
type ChokingStrategyKind uint8

const (
	// ChokingStrategyNaive unchokes any interested peer immediately.
	ChokingStrategyNaive ChokingStrategyKind = iota
	// ChokingStrategyTitForTat runs the periodic per-session regular plus
	// optimistic unchoke algorithm.
	ChokingStrategyTitForTat
)

// PieceSelectionStrategyKind selects which PieceSelectionStrategy
// implementation the engine wires up.
type PieceSelectionStrategyKind uint8

const (
	// PieceSelectionRandom uniformly samples among available pieces.
	PieceSelectionRandom PieceSelectionStrategyKind = iota
	// PieceSelectionRarestFirst prefers the least common available pieces.
	PieceSelectionRarestFirst
	// PieceSelectionEndgame duplicates outstanding requests once nothing
	// new is available from a peer.
	PieceSelectionEndgame
	// PieceSelectionBEP3 composes Random/RarestFirst/Endgame the way a
	// mainline BitTorrent client does.
	PieceSelectionBEP3
)

// Config holds every tunable of the swarm engine.
type Config struct {
	// ========== Request Budgets ==========

	// MaxRequestsPerPeer caps outstanding subpiece requests issued to a
	// single peer at once.
	MaxRequestsPerPeer int

	// RequestSize is the length in bytes requested per subpiece.
	RequestSize uint32

	// PieceSize is the protocol-wide regular piece length.
	PieceSize int64

	// ========== Rate Tracking ==========

	// RateWindowPeriod bounds how far back sent/received samples are kept
	// when computing a peer's rate.
	RateWindowPeriod time.Duration

	// CalcRateAfterVerify credits received bytes to the rate window only
	// once a piece verifies, rather than as soon as bytes arrive. Sent bytes
	// are always credited when a PIECE is served.
	// This is the default and prevents a peer from inflating its score
	// with unverified junk.
	CalcRateAfterVerify bool

	// ========== Choking ==========

	// ChokingStrategy selects which ChokingStrategy the engine constructs.
	ChokingStrategy ChokingStrategyKind

	// ChokePeriod is the interval between tit-for-tat re-evaluations.
	ChokePeriod time.Duration

	// RegularUnchokeCount is the number of top-ranked interested peers
	// unchoked every cycle, independent of the optimistic set.
	RegularUnchokeCount int

	// OptimisticUnchokeCount is the number of randomly chosen choked peers
	// kept unchoked regardless of rank, to give new peers a chance to
	// prove themselves.
	OptimisticUnchokeCount int

	// OptimisticPeriodCount is the number of choke cycles the optimistic
	// set is held before being refreshed.
	OptimisticPeriodCount int

	// ========== Piece Selection ==========

	// PieceSelection selects which PieceSelectionStrategy the engine
	// constructs.
	PieceSelection PieceSelectionStrategyKind
}

// DefaultConfig returns the engine's default tuning, matching the protocol
// constants called out for the reference implementation.
func DefaultConfig() Config {
	return Config{
		MaxRequestsPerPeer:     3,
		RequestSize:            1 << 19,
		PieceSize:              1 << 19,
		RateWindowPeriod:       20 * time.Second,
		CalcRateAfterVerify:    true,
		ChokingStrategy:        ChokingStrategyTitForTat,
		ChokePeriod:            10 * time.Second,
		RegularUnchokeCount:    3,
		OptimisticUnchokeCount: 1,
		OptimisticPeriodCount:  3,
		PieceSelection:         PieceSelectionBEP3,
	}
}
