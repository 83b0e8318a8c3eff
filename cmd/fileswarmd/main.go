// Command fileswarmd is a minimal example node: it seeds or leeches a
// single file over TCP using the swarm engine, wiring together content,
// session, engine, and transport the way a real client would.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prxssh/fileswarm/internal/config"
	"github.com/prxssh/fileswarm/internal/content"
	"github.com/prxssh/fileswarm/internal/engine"
	"github.com/prxssh/fileswarm/internal/session"
	"github.com/prxssh/fileswarm/internal/transport"
	"github.com/prxssh/fileswarm/pkg/logging"
)

func main() {
	var (
		listenAddr = flag.String("listen", ":4500", "address to accept peer connections on")
		peerAddrs  = flag.String("peers", "", "comma-separated addresses of peers to dial on startup")
		filePath   = flag.String("file", "", "path to the file to seed (complete) or receive into (empty/partial)")
		metaPath   = flag.String("meta", "", "path to a metainfo file describing the content; required when leeching")
		pieceLen   = flag.Int64("piece-length", content.PieceSize, "piece length in bytes, only used when seeding a new file")
		verbose    = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	log := setupLogger(*verbose)

	if *filePath == "" {
		log.Error("-file is required")
		os.Exit(1)
	}

	sess, err := buildSession(*filePath, *metaPath, *pieceLen)
	if err != nil {
		log.Error("failed to build file session", "error", err)
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	eng := engine.New(cfg, log)
	eng.AddSession(sess)

	sess.OnComplete(func(s *session.FileSession) {
		log.Info("session complete", "top_hash", fmt.Sprintf("%x", s.TopHash))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)
	defer eng.Stop()

	srv := transport.NewServer(eng, log, 64)

	for _, addr := range splitNonEmpty(*peerAddrs) {
		addr := addr
		go func() {
			if err := srv.Dial(ctx, addr); err != nil {
				log.Warn("dial failed", "addr", addr, "error", err)
			}
		}()
	}

	if err := srv.ListenAndServe(ctx, *listenAddr); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// buildSession opens filePath as the backing store and constructs a
// FileSession either from an existing metainfo file (leeching, possibly
// into a partial/empty backing) or by hashing a complete local file
// (seeding).
func buildSession(filePath, metaPath string, pieceLen int64) (*session.FileSession, error) {
	if metaPath != "" {
		metaBytes, err := os.ReadFile(metaPath)
		if err != nil {
			return nil, fmt.Errorf("read metainfo: %w", err)
		}
		meta, err := content.ParseMetainfo(metaBytes)
		if err != nil {
			return nil, fmt.Errorf("parse metainfo: %w", err)
		}

		backing, err := content.OpenBacking(filePath, meta.Length)
		if err != nil {
			return nil, fmt.Errorf("open backing: %w", err)
		}

		hf, err := content.NewFromMetainfo(backing, meta)
		if err != nil {
			return nil, fmt.Errorf("check hashes: %w", err)
		}

		return session.New(hf, config.DefaultConfig().RateWindowPeriod)
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	backing, err := content.OpenBacking(filePath, info.Size())
	if err != nil {
		return nil, fmt.Errorf("open backing: %w", err)
	}

	hf, err := content.NewFromLocalFile(backing, info.Size(), pieceLen)
	if err != nil {
		return nil, fmt.Errorf("calc hashes: %w", err)
	}

	return session.New(hf, config.DefaultConfig().RateWindowPeriod)
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setupLogger(verbose bool) *slog.Logger {
	opts := logging.DefaultOptions()
	if verbose {
		opts.SlogOpts.Level = slog.LevelDebug
		opts.SlogOpts.AddSource = true
	}

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	log := slog.New(h)
	slog.SetDefault(log)

	return log
}
