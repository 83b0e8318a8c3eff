// Package transport implements the TCP session multiplexer that frames and
// delivers wire.Message values between the local Engine and connected
// peers. This is the piece the engine package deliberately treats as
// external: it owns net.Conn, the read/write goroutines, and the serialized
// dispatch loop that is the one and only caller into engine.Engine, so
// every Engine method still only ever sees single-threaded callers.
//
// Grounded on the teacher's internal/peer.Peer (errgroup of read/write
// loops feeding an outbox channel), adapted from Peer's per-connection
// protocol state machine (choking flags, bitfield, stats) to a thin framing
// shim, since that state now lives in session.FileSessionPeer.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/fileswarm/internal/wire"
)

// Peer wraps one net.Conn as an engine.PeerHandle: Send enqueues onto an
// outbox drained by a dedicated write goroutine, and Run fans inbound
// frames out to onMessage until the connection dies.
type Peer struct {
	conn net.Conn
	id   string
	log  *slog.Logger

	onMessage func(p *Peer, msg *wire.Message)
	onClose   func(p *Peer)

	outbox    chan *wire.Message
	closeOnce sync.Once
}

// NewPeer wraps conn as a Peer identified by id (typically its remote
// address). onMessage is invoked for every successfully framed inbound
// message; onClose is invoked exactly once when the connection is torn
// down, from either direction.
func NewPeer(conn net.Conn, id string, log *slog.Logger, onMessage func(*Peer, *wire.Message), onClose func(*Peer)) *Peer {
	return &Peer{
		conn:      conn,
		id:        id,
		log:       log,
		onMessage: onMessage,
		onClose:   onClose,
		outbox:    make(chan *wire.Message, 64),
	}
}

func (p *Peer) ID() string   { return p.id }
func (p *Peer) Addr() string { return p.conn.RemoteAddr().String() }

// Send enqueues msg for writing. It never blocks on the network; a full
// outbox drops the connection rather than stalling the caller, which may be
// the engine's own serialized dispatch loop.
func (p *Peer) Send(msg *wire.Message) error {
	select {
	case p.outbox <- msg:
		return nil
	default:
		p.Close()
		return fmt.Errorf("transport: outbox full for peer %s, dropping connection", p.id)
	}
}

// Run drives the read and write loops until either fails or ctx is
// cancelled, then tears down the connection and fires onClose.
func (p *Peer) Run(ctx context.Context) error {
	defer p.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readLoop(gctx) })
	g.Go(func() error { return p.writeLoop(gctx) })

	return g.Wait()
}

func (p *Peer) readLoop(ctx context.Context) error {
	for {
		msg, err := wire.ReadMessage(p.conn)
		if err != nil {
			return fmt.Errorf("transport: read from %s: %w", p.id, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.onMessage(p, msg)
	}
}

func (p *Peer) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-p.outbox:
			if !ok {
				return nil
			}
			if err := wire.WriteMessage(p.conn, msg); err != nil {
				return fmt.Errorf("transport: write to %s: %w", p.id, err)
			}
		}
	}
}

// Close tears down the connection. Safe to call more than once and from
// any goroutine.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		_ = p.conn.Close()
		close(p.outbox)
		if p.onClose != nil {
			p.onClose(p)
		}
	})
}
