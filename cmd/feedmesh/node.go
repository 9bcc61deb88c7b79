package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"feedmesh/internal/config"
	"feedmesh/pkg/feed"
	"feedmesh/pkg/metrics"
	"feedmesh/pkg/replication"
	"feedmesh/pkg/transport"
	"feedmesh/pkg/types"
	"feedmesh/pkg/wal"
)

// node is one peer: its feeds and the negotiator keeping them in sync with
// the other peer.
type node struct {
	id         types.PeerID
	store      *feed.Store
	journal    *wal.WAL
	negotiator *replication.Negotiator
	unwatch    func()
}

// newNode opens a peer over t. With walDir set its feeds are journaled and
// reloaded from disk.
func newNode(cfg *config.Config, t transport.Transport, walDir string, mc metrics.Collector) (*node, error) {
	n := &node{id: t.LocalID()}
	log := slog.Default().With("peer", string(n.id))

	opts := []feed.StoreOption{feed.WithStoreLogger(log)}
	if walDir != "" {
		j, err := wal.New(filepath.Join(walDir, string(n.id)))
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		n.journal = j
		opts = append(opts, feed.WithJournal(j))
	}
	n.store = feed.NewStore(opts...)
	if err := n.store.Load(); err != nil {
		n.closeJournal()
		return nil, err
	}

	n.negotiator = replication.New(replication.Config{
		UploadAllowed: cfg.Replication.UploadAllowed,
		Debounce:      cfg.Replication.Debounce,
		CallTimeout:   cfg.Replication.CallTimeout,
		Acquire: func(id types.LogID) (feed.Handle, bool) {
			f, _ := n.store.OpenFeed(id)
			return f, true
		},
		Logger:  log,
		Metrics: mc,
	}, t)
	return n, nil
}

// start exposes every feed of the store, present and future, to the peer.
func (n *node) start(ctx context.Context) {
	n.negotiator.Open(ctx)
	// feeds acquired by the negotiator are reported here too, while it holds
	// its lock
	n.unwatch = n.store.OnFeed(func(f *feed.Feed) { go n.negotiator.AddLog(f) })
}

func (n *node) close() {
	if n.unwatch != nil {
		n.unwatch()
	}
	if err := n.negotiator.Close(); err != nil {
		slog.Warn("close negotiator", "peer", string(n.id), "error", err)
	}
	if err := n.store.Close(); err != nil {
		slog.Warn("close store", "peer", string(n.id), "error", err)
	}
	n.closeJournal()
}

func (n *node) closeJournal() {
	if n.journal == nil {
		return
	}
	if err := n.journal.Close(); err != nil {
		slog.Warn("close journal", "peer", string(n.id), "error", err)
	}
}
