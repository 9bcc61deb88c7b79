package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"feedmesh/pkg/dberrors"
	"feedmesh/pkg/types"
	"feedmesh/pkg/wal"
)

type journalFunc func(ctx context.Context, rec wal.Record) error

// Feed is an in-memory append-only log. Every append wakes live cursors.
type Feed struct {
	id  types.LogID
	log *slog.Logger

	mu      sync.RWMutex
	blocks  [][]byte
	notify  chan struct{}
	closed  bool
	journal journalFunc
}

type Option func(*Feed)

func WithLogger(l *slog.Logger) Option {
	return func(f *Feed) { f.log = l }
}

func withJournal(j journalFunc) Option {
	return func(f *Feed) { f.journal = j }
}

func New(id types.LogID, opts ...Option) *Feed {
	f := &Feed{
		id:     id,
		log:    slog.Default(),
		notify: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.With("log", string(id))
	return f
}

func (f *Feed) ID() types.LogID { return f.id }

func (f *Feed) Len() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return uint64(len(f.blocks))
}

// Append writes payload at the end of the feed and returns its sequence.
func (f *Feed) Append(ctx context.Context, payload []byte) (types.Seq, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := types.Seq(len(f.blocks))
	if err := f.appendLocked(ctx, seq, payload); err != nil {
		return 0, err
	}
	return seq, nil
}

// appendAt stores a block received from a peer. Blocks already present are
// skipped; blocks past the end are rejected.
func (f *Feed) appendAt(ctx context.Context, seq types.Seq, payload []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := types.Seq(len(f.blocks))
	switch {
	case seq < n:
		return false, nil
	case seq > n:
		return false, fmt.Errorf("%s: got %d, have %d: %w", f.id, seq, n, dberrors.ErrSequenceGap)
	}
	if err := f.appendLocked(ctx, seq, payload); err != nil {
		return false, err
	}
	return true, nil
}

func (f *Feed) appendLocked(ctx context.Context, seq types.Seq, payload []byte) error {
	if f.closed {
		return dberrors.ErrClosed
	}
	block := append([]byte(nil), payload...)
	if f.journal != nil {
		if err := f.journal(ctx, wal.Record{LogID: f.id, Seq: seq, Payload: block}); err != nil {
			return fmt.Errorf("journal %s@%d: %w", f.id, seq, err)
		}
	}
	f.blocks = append(f.blocks, block)
	close(f.notify)
	f.notify = make(chan struct{})
	return nil
}

// restore loads a journaled block without journaling it again.
func (f *Feed) restore(rec wal.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.Seq != types.Seq(len(f.blocks)) {
		return fmt.Errorf("restore %s@%d: %w", f.id, rec.Seq, dberrors.ErrSequenceGap)
	}
	f.blocks = append(f.blocks, rec.Payload)
	return nil
}

// Get returns the block at seq.
func (f *Feed) Get(seq types.Seq) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if uint64(seq) >= uint64(len(f.blocks)) {
		return nil, fmt.Errorf("%s@%d: %w", f.id, seq, dberrors.ErrNotFound)
	}
	return f.blocks[seq], nil
}

func (f *Feed) ReadFrom(offset uint64, live bool) Cursor {
	return &cursor{
		feed:   f,
		offset: offset,
		live:   live,
		done:   make(chan struct{}),
	}
}

// Close wakes live cursors with ErrClosed and rejects further appends.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.notify)
	return nil
}

type cursor struct {
	feed   *Feed
	offset uint64
	live   bool

	done chan struct{}
	once sync.Once
}

func (c *cursor) Next(ctx context.Context) (types.Entry, error) {
	for {
		select {
		case <-c.done:
			return types.Entry{}, dberrors.ErrClosed
		default:
		}

		f := c.feed
		f.mu.RLock()
		if c.offset < uint64(len(f.blocks)) {
			e := types.Entry{LogID: f.id, Seq: types.Seq(c.offset), Payload: f.blocks[c.offset]}
			f.mu.RUnlock()
			c.offset++
			return e, nil
		}
		closed, wait := f.closed, f.notify
		f.mu.RUnlock()

		switch {
		case closed:
			return types.Entry{}, dberrors.ErrClosed
		case !c.live:
			return types.Entry{}, io.EOF
		}

		select {
		case <-wait:
		case <-c.done:
			return types.Entry{}, dberrors.ErrClosed
		case <-ctx.Done():
			return types.Entry{}, ctx.Err()
		}
	}
}

func (c *cursor) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
