package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"feedmesh/pkg/types"
	"feedmesh/pkg/wal"
)

// Store is the registry of feeds known to a peer, ordered by id. With a
// journal attached every appended block is persisted and Load rebuilds the
// feeds after a restart.
type Store struct {
	feeds   *skipmap.OrderedMap[types.LogID, *Feed]
	journal *wal.WAL
	log     *slog.Logger

	mu     sync.Mutex
	subs   map[int]func(*Feed)
	nextID int
}

type StoreOption func(*Store)

func WithJournal(w *wal.WAL) StoreOption {
	return func(s *Store) { s.journal = w }
}

func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.log = l }
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		feeds: skipmap.New[types.LogID, *Feed](),
		log:   slog.Default(),
		subs:  make(map[int]func(*Feed)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replays the journal into memory.
func (s *Store) Load() error {
	if s.journal == nil {
		return nil
	}
	n := 0
	err := s.journal.Replay(func(rec wal.Record) error {
		f, _ := s.OpenFeed(rec.LogID)
		n++
		return f.restore(rec)
	})
	if err != nil {
		return fmt.Errorf("load feeds: %w", err)
	}
	s.log.Info("feed store loaded", "feeds", s.feeds.Len(), "blocks", n)
	return nil
}

// OpenFeed returns the feed with id, creating an empty one if needed.
// Subscribers are told about feeds created here.
func (s *Store) OpenFeed(id types.LogID) (*Feed, bool) {
	if f, ok := s.feeds.Load(id); ok {
		return f, false
	}

	opts := []Option{WithLogger(s.log)}
	if s.journal != nil {
		opts = append(opts, withJournal(s.journal.Append))
	}
	f, loaded := s.feeds.LoadOrStore(id, New(id, opts...))
	if loaded {
		return f, false
	}

	s.log.Debug("feed opened", "log", string(id))
	for _, fn := range s.subscribers() {
		fn(f)
	}
	return f, true
}

func (s *Store) Feed(id types.LogID) (*Feed, bool) {
	return s.feeds.Load(id)
}

// Feeds lists the feeds sorted by id.
func (s *Store) Feeds() []*Feed {
	out := make([]*Feed, 0, s.feeds.Len())
	s.feeds.Range(func(_ types.LogID, f *Feed) bool {
		out = append(out, f)
		return true
	})
	return out
}

// OnFeed calls fn for every existing feed and then for every feed opened
// later, until the returned function is called. A feed opened concurrently
// with the call may be reported twice.
func (s *Store) OnFeed(fn func(*Feed)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	for _, f := range s.Feeds() {
		fn(f)
	}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) subscribers() []func(*Feed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]func(*Feed), 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}

// Append is a convenience for OpenFeed(id) followed by Append.
func (s *Store) Append(ctx context.Context, id types.LogID, payload []byte) (types.Seq, error) {
	f, _ := s.OpenFeed(id)
	return f.Append(ctx, payload)
}

// Close closes every feed. The journal is owned by the caller.
func (s *Store) Close() error {
	for _, f := range s.Feeds() {
		_ = f.Close()
	}
	return nil
}
