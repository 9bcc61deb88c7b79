// Package iterator merges a changing set of feeds into one ordered,
// resumable stream of entries.
//
// A Reader is pull-based and has a single consumer. Every Next call runs one
// or more iteration steps: the selector is re-applied to the open feeds
// (feeds that stop matching are frozen with their queued entries kept),
// newly matching discovered feeds are opened at their resume offset, the head
// of every open, unfrozen queue is offered to the tie-break, and the chosen
// entry is returned. When nothing can be returned the reader asks every open
// feed with an empty queue for one more entry and waits.
//
// Entries of one feed always come out in increasing sequence order. Order
// across feeds is whatever the tie-break decides.
package iterator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"feedmesh/pkg/dberrors"
	"feedmesh/pkg/event"
	"feedmesh/pkg/feed"
	"feedmesh/pkg/metrics"
	"feedmesh/pkg/timeframe"
	"feedmesh/pkg/types"
)

const DefaultStallTimeout = time.Second

// Selector decides whether a feed is in scope. It is called with the reader
// lock held and must not call back into the reader.
type Selector func(h feed.Handle) bool

// TieBreak picks one of the candidates, or none. Candidates are the heads of
// the open feeds' queues, in the order the feeds were opened.
type TieBreak func(candidates []types.Entry) (int, bool)

// StallEvent is emitted when the tie-break declined every candidate for a
// whole stall window. It is diagnostic only; the reader keeps trying.
type StallEvent struct {
	Candidates []types.Entry
	Since      time.Time
	Timeout    time.Duration
}

type Options struct {
	// Name labels logs and metrics.
	Name         string
	Selector     Selector
	TieBreak     TieBreak
	Start        timeframe.Timeframe
	StallTimeout time.Duration
	Logger       *slog.Logger
	Metrics      metrics.Collector
}

type openFeed struct {
	handle  feed.Handle
	cursor  feed.Cursor
	queue   []types.Entry
	frozen  bool
	request chan struct{}
}

type Reader struct {
	opts Options
	log  *slog.Logger
	mc   metrics.Collector

	mu         sync.Mutex
	known      map[types.LogID]struct{}
	discovered []feed.Handle
	open       []*openFeed
	stallSince time.Time

	progress atomic.Pointer[timeframe.Timeframe]

	wake      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	consumer  sync.Mutex

	stalled *event.Event[StallEvent]
}

func New(opts Options) *Reader {
	if opts.Selector == nil {
		opts.Selector = func(feed.Handle) bool { return true }
	}
	if opts.TieBreak == nil {
		opts.TieBreak = RoundRobin()
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "reader"
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reader{
		opts:    opts,
		log:     opts.Logger.With("component", "iterator", "reader", opts.Name),
		mc:      metrics.OrNop(opts.Metrics),
		known:   make(map[types.LogID]struct{}),
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		stalled: event.New[StallEvent](),
	}
	start := opts.Start
	r.progress.Store(&start)
	return r
}

// AddFeed registers a discovered feed. It is opened on the next step in which
// it satisfies the selector. Adding a feed twice is a no-op.
func (r *Reader) AddFeed(h feed.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isClosing() {
		return
	}
	if _, ok := r.known[h.ID()]; ok {
		return
	}
	r.known[h.ID()] = struct{}{}
	r.discovered = append(r.discovered, h)
	r.signal()
}

// Refresh wakes a waiting Next so the selector is re-evaluated, e.g. after
// the state it depends on changed.
func (r *Reader) Refresh() { r.signal() }

// Timeframe is the read progress: the start cut advanced by every entry
// returned so far. It is safe to call from a tie-break or selector.
func (r *Reader) Timeframe() timeframe.Timeframe {
	return *r.progress.Load()
}

// Stalled is the stream of stall diagnostics. It is closed by Close.
func (r *Reader) Stalled() *event.Event[StallEvent] { return r.stalled }

// Feeds returns the open feeds, frozen ones included.
func (r *Reader) Feeds() []feed.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]feed.Handle, 0, len(r.open))
	for _, of := range r.open {
		out = append(out, of.handle)
	}
	return out
}

func (r *Reader) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// Next returns the next entry. Only one goroutine may be in Next at a time;
// a concurrent call fails with ErrConcurrentConsumer. After Close it returns
// ErrClosed.
func (r *Reader) Next(ctx context.Context) (types.Entry, error) {
	if !r.consumer.TryLock() {
		return types.Entry{}, dberrors.ErrConcurrentConsumer
	}
	defer r.consumer.Unlock()

	for {
		if r.isClosing() {
			return types.Entry{}, dberrors.ErrClosed
		}

		e, ok, wait, err := r.step()
		if err != nil {
			return types.Entry{}, err
		}
		if ok {
			return e, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-r.wake:
		case <-timer.C:
		case <-r.closing:
			timer.Stop()
			return types.Entry{}, dberrors.ErrClosed
		case <-ctx.Done():
			timer.Stop()
			return types.Entry{}, ctx.Err()
		}
		timer.Stop()
	}
}

func (r *Reader) step() (types.Entry, bool, time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reconcile()

	var (
		candidates []types.Entry
		owners     []*openFeed
	)
	for _, of := range r.open {
		if !of.frozen && len(of.queue) > 0 {
			candidates = append(candidates, of.queue[0])
			owners = append(owners, of)
		}
	}

	wait := r.opts.StallTimeout
	if len(candidates) > 0 {
		idx, ok := r.opts.TieBreak(candidates)
		if ok {
			if idx < 0 || idx >= len(candidates) {
				return types.Entry{}, false, 0, fmt.Errorf("tie-break chose %d of %d candidates: %w",
					idx, len(candidates), dberrors.ErrInvalidArgument)
			}
			of := owners[idx]
			e := of.queue[0]
			of.queue[0] = types.Entry{}
			of.queue = of.queue[1:]
			if len(of.queue) == 0 {
				r.request(of)
			}

			next := r.Timeframe().Set(e.LogID, e.Seq)
			r.progress.Store(&next)
			r.stallSince = time.Time{}
			r.mc.IncCounter(metrics.ReaderEntries, map[string]string{"reader": r.opts.Name}, 1)
			return e, true, 0, nil
		}

		now := time.Now()
		switch {
		case r.stallSince.IsZero():
			r.stallSince = now
		case now.Sub(r.stallSince) >= r.opts.StallTimeout:
			r.reportStall(candidates)
			r.stallSince = now
		}
		wait = r.opts.StallTimeout - now.Sub(r.stallSince)
	} else {
		r.stallSince = time.Time{}
	}

	for _, of := range r.open {
		if !of.frozen && len(of.queue) == 0 {
			r.request(of)
		}
	}
	return types.Entry{}, false, wait, nil
}

// reconcile re-applies the selector: open feeds are frozen or thawed and
// discovered feeds that now match are opened.
func (r *Reader) reconcile() {
	frozen := 0
	for _, of := range r.open {
		pass := r.opts.Selector(of.handle)
		if of.frozen == pass {
			of.frozen = !pass
			r.log.Debug("feed selection changed", "log", string(of.handle.ID()), "frozen", of.frozen, "queued", len(of.queue))
		}
		if of.frozen {
			frozen++
		}
	}

	remaining := r.discovered[:0]
	for _, h := range r.discovered {
		if r.opts.Selector(h) {
			r.openFeed(h)
		} else {
			remaining = append(remaining, h)
		}
	}
	for i := len(remaining); i < len(r.discovered); i++ {
		r.discovered[i] = nil
	}
	r.discovered = remaining

	labels := map[string]string{"reader": r.opts.Name}
	r.mc.SetGauge(metrics.ReaderOpenFeeds, labels, float64(len(r.open)))
	r.mc.SetGauge(metrics.ReaderFrozenFeeds, labels, float64(frozen))
}

func (r *Reader) openFeed(h feed.Handle) {
	start := r.opts.Start.StartAfter(h.ID())
	of := &openFeed{
		handle:  h,
		cursor:  h.ReadFrom(start, true),
		request: make(chan struct{}, 1),
	}
	r.open = append(r.open, of)
	r.log.Debug("feed opened", "log", string(h.ID()), "start", start)

	r.wg.Add(1)
	go r.fetch(of)
	r.request(of)
}

// fetch reads one entry per request from the feed's live cursor.
func (r *Reader) fetch(of *openFeed) {
	defer r.wg.Done()
	defer of.cursor.Close()

	for {
		select {
		case <-of.request:
		case <-r.ctx.Done():
			return
		}

		e, err := of.cursor.Next(r.ctx)
		if err != nil {
			if r.ctx.Err() == nil && !errors.Is(err, dberrors.ErrClosed) {
				r.log.Warn("feed read failed", "log", string(of.handle.ID()), "error", err)
			}
			return
		}

		r.mu.Lock()
		of.queue = append(of.queue, e)
		r.mu.Unlock()
		r.signal()
	}
}

func (r *Reader) request(of *openFeed) {
	select {
	case of.request <- struct{}{}:
	default:
	}
}

func (r *Reader) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reader) reportStall(candidates []types.Entry) {
	snapshot := append([]types.Entry(nil), candidates...)
	r.log.Warn("reader stalled",
		"timeout", r.opts.StallTimeout,
		"candidates", len(snapshot),
		"feeds", len(r.open))
	r.mc.IncCounter(metrics.ReaderStalls, map[string]string{"reader": r.opts.Name}, 1)
	r.stalled.Emit(StallEvent{
		Candidates: snapshot,
		Since:      r.stallSince,
		Timeout:    r.opts.StallTimeout,
	})
}

func (r *Reader) isClosing() bool {
	select {
	case <-r.closing:
		return true
	default:
		return false
	}
}

// Close stops the reader. It returns once a concurrent Next has observed the
// close and every per-feed subscription has been released.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() { close(r.closing) })
	r.cancel()

	r.consumer.Lock()
	defer r.consumer.Unlock()
	r.wg.Wait()
	r.stalled.Close()
	return nil
}
