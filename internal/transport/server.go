package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/prxssh/fileswarm/internal/engine"
	"github.com/prxssh/fileswarm/internal/wire"
	"github.com/prxssh/fileswarm/pkg/retry"
	"github.com/prxssh/fileswarm/pkg/syncmap"
)

// event is one of connectEvent, messageEvent, or disconnectEvent, funneled
// through Server.events so that dispatchLoop is the only goroutine that
// ever calls into Engine.
type event interface{ apply(s *Server) }

type connectEvent struct{ peer *Peer }

func (e connectEvent) apply(s *Server) { s.engine.PeerConnected(e.peer) }

type disconnectEvent struct{ peer *Peer }

func (e disconnectEvent) apply(s *Server) { s.engine.PeerDisconnected(e.peer) }

type messageEvent struct {
	peer *Peer
	msg  *wire.Message
}

func (e messageEvent) apply(s *Server) { s.engine.Handle(e.peer, e.msg) }

// Server owns a listener and every connected Peer, serializing all of
// their traffic through a single dispatch goroutine so Engine's
// single-threaded contract holds even though accept and per-connection I/O
// run concurrently.
type Server struct {
	log    *slog.Logger
	engine *engine.Engine

	listener net.Listener
	peers    *syncmap.Map[string, *Peer]
	sem      *semaphore.Weighted

	events chan event
}

// NewServer returns a Server dispatching onto eng. maxConns bounds how many
// connections may be concurrently accepted or dialed.
func NewServer(eng *engine.Engine, log *slog.Logger, maxConns int64) *Server {
	if log == nil {
		log = slog.Default()
	}
	if maxConns <= 0 {
		maxConns = 64
	}

	return &Server{
		log:    log,
		engine: eng,
		peers:  syncmap.New[string, *Peer](),
		sem:    semaphore.NewWeighted(maxConns),
		events: make(chan event, 256),
	}
}

// ListenAndServe listens on addr and runs the accept and dispatch loops
// until ctx is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.log.Info("listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(gctx) })
	g.Go(func() error { return s.dispatchLoop(gctx) })

	<-gctx.Done()
	_ = ln.Close()

	return g.Wait()
}

// Dial connects to addr with exponential backoff and registers the
// resulting connection the same way an accepted one would be.
func (s *Server) Dial(ctx context.Context, addr string) error {
	var conn net.Conn

	err := retry.Do(ctx, func(ctx context.Context) error {
		c, err := (&net.Dialer{Timeout: 10 * time.Second}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, retry.WithExponentialBackoff(5, 500*time.Millisecond, 10*time.Second)...)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	s.adopt(ctx, conn)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("transport: accept: %w", err)
			}
		}
		s.adopt(ctx, conn)
	}
}

// adopt registers conn as a Peer and spawns its read/write loops, blocking
// briefly on the connection semaphore to bound concurrency.
func (s *Server) adopt(ctx context.Context, conn net.Conn) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		_ = conn.Close()
		return
	}

	id := conn.RemoteAddr().String()
	peer := NewPeer(conn, id, s.log, s.onMessage, s.onClose)
	s.peers.Put(id, peer)
	s.events <- connectEvent{peer: peer}

	go func() {
		defer s.sem.Release(1)
		if err := peer.Run(ctx); err != nil {
			s.log.Debug("peer connection closed", "peer", id, "error", err)
		}
	}()
}

func (s *Server) onMessage(p *Peer, msg *wire.Message) {
	s.events <- messageEvent{peer: p, msg: msg}
}

func (s *Server) onClose(p *Peer) {
	s.peers.Delete(p.id)
	s.events <- disconnectEvent{peer: p}
}

func (s *Server) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			ev.apply(s)
		}
	}
}
