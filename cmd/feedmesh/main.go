// Command feedmesh runs two peers in one process: the configured node, which
// journals its feeds to disk, reads them in causal order and serves the
// inspection API, and an in-memory remote peer. Both write to their own chat
// feed and replicate over an in-process connection.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sanity-io/litter"

	"feedmesh/internal/config"
	apihttp "feedmesh/internal/http"
	"feedmesh/pkg/dberrors"
	"feedmesh/pkg/feed"
	"feedmesh/pkg/iterator"
	"feedmesh/pkg/listener"
	"feedmesh/pkg/metrics"
	"feedmesh/pkg/replication"
	"feedmesh/pkg/timeframe"
	"feedmesh/pkg/transport"
	"feedmesh/pkg/types"
	"feedmesh/pkg/wal"
)

const (
	writeInterval      = 500 * time.Millisecond
	checkpointInterval = 2 * time.Second
)

func main() {
	configPath := flag.String("config", "feedmesh.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, &cfg); err != nil {
		slog.Error("feedmesh stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("feedmesh stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	prom := metrics.NewPrometheus()
	conn, remoteConn := transport.NewPair(types.PeerID(cfg.Node.PeerID), types.PeerID(cfg.Node.RemoteID))
	defer conn.Close()

	local, err := newNode(cfg, conn, cfg.Storage.WALDir, prom)
	if err != nil {
		return fmt.Errorf("local node: %w", err)
	}
	defer local.close()

	remote, err := newNode(cfg, remoteConn, "", metrics.Nop{})
	if err != nil {
		return fmt.Errorf("remote node: %w", err)
	}
	defer remote.close()

	checkpoint := wal.NewCheckpoint(cfg.Storage.Checkpoint)
	start, err := checkpoint.Load()
	if err != nil {
		return err
	}
	slog.Info("resuming reader", "timeframe", start.String())

	var reader *iterator.Reader
	reader = iterator.New(iterator.Options{
		Name:         "chat",
		Start:        start,
		StallTimeout: cfg.Reader.StallTimeout,
		TieBreak:     iterator.DependencyTieBreak(func() timeframe.Timeframe { return reader.Timeframe() }, messageDeps),
		Metrics:      prom,
	})
	defer reader.Close()
	unwatch := local.store.OnFeed(func(f *feed.Feed) { reader.AddFeed(f) })
	defer unwatch()

	diagnostics := watchDiagnostics(ctx, reader, local)
	defer diagnostics.Stop()

	local.start(ctx)
	remote.start(ctx)

	server := apihttp.NewServer(local.store, strconv.Itoa(cfg.HTTP.Port))
	server.SetReader(reader)
	server.SetNegotiator(local.negotiator)
	server.SetMetrics(prom.Handler())
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			slog.Warn("stop HTTP server", "error", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); runWriter(ctx, local, writeInterval) }()
	go func() { defer wg.Done(); runWriter(ctx, remote, writeInterval) }()
	go func() { defer wg.Done(); consume(ctx, reader) }()

	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := checkpoint.Save(reader.Timeframe()); err != nil {
				slog.Warn("save checkpoint", "error", err)
			}
		case <-ctx.Done():
			_ = reader.Close()
			wg.Wait()
			return checkpoint.Save(reader.Timeframe())
		}
	}
}

// consume logs every entry the reader releases, in causal order.
func consume(ctx context.Context, r *iterator.Reader) {
	for {
		e, err := r.Next(ctx)
		switch {
		case errors.Is(err, dberrors.ErrClosed), errors.Is(err, context.Canceled):
			return
		case err != nil:
			slog.Error("read entry", "error", err)
			return
		}
		var m message
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			slog.Warn("undecodable entry", "log", string(e.LogID), "seq", uint64(e.Seq), "error", err)
			continue
		}
		slog.Info("entry", "log", string(e.LogID), "seq", uint64(e.Seq), "author", m.Author, "body", m.Body)
	}
}

// watchDiagnostics logs reader stalls and replication stream changes of the
// local node.
func watchDiagnostics(ctx context.Context, r *iterator.Reader, n *node) *listener.Listener[diagnostic] {
	out := make(chan diagnostic, 64)
	stalls, cancelStalls := r.Stalled().Subscribe()
	streams, cancelStreams := n.negotiator.Events().Subscribe()

	forward := func() {
		for stalls != nil || streams != nil {
			var d diagnostic
			select {
			case ev, ok := <-stalls:
				if !ok {
					stalls = nil
					continue
				}
				d.stall = &ev
			case ev, ok := <-streams:
				if !ok {
					streams = nil
					continue
				}
				d.stream = &ev
			case <-ctx.Done():
				return
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}
	go forward()

	l := listener.New(out, logDiagnostic, func() {
		cancelStalls()
		cancelStreams()
	})
	l.Start(ctx)
	return l
}

type diagnostic struct {
	stall  *iterator.StallEvent
	stream *replication.StreamEvent
}

func logDiagnostic(_ context.Context, d diagnostic) error {
	switch {
	case d.stall != nil:
		slog.Warn("reader stalled", "since", d.stall.Since, "timeout", d.stall.Timeout,
			"candidates", litter.Sdump(d.stall.Candidates))
	case d.stream != nil:
		ev := d.stream
		slog.Info("stream "+ev.Kind.String(), "log", string(ev.Stream.LogID), "tag", ev.Stream.Tag,
			"upload", ev.Stream.Direction.Upload, "download", ev.Stream.Direction.Download, "error", ev.Err)
	}
	return nil
}
