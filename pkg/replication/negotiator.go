// Package replication keeps the feeds two peers hold converged over one
// connection.
//
// Roles are fixed per connection: the peer with the lower id is the
// initiator. Only the initiator reconciles. For every feed it holds it offers
// the responder a stream, and it replaces streams whose direction no longer
// matches its upload policy. The responder accepts an offer when it holds the
// feed and is not already streaming it, and pushes its own feed list to the
// initiator whenever that list changes. An accepted stream is a named
// sub-channel of the transport piped into the feed's replication channel.
package replication

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/zhangyunhao116/skipset"

	"feedmesh/pkg/dberrors"
	"feedmesh/pkg/event"
	"feedmesh/pkg/feed"
	"feedmesh/pkg/listener"
	"feedmesh/pkg/metrics"
	"feedmesh/pkg/transport"
	"feedmesh/pkg/types"
)

const (
	DefaultDebounce      = 50 * time.Millisecond
	DefaultCallTimeout   = 5 * time.Second
	DefaultRetryInterval = time.Second
)

type Config struct {
	LocalID  types.PeerID
	RemoteID types.PeerID

	UploadAllowed bool
	// Debounce is how long a reconciliation waits for more changes.
	Debounce time.Duration
	// CallTimeout bounds every remote call.
	CallTimeout time.Duration
	// RetryInterval is the delay before a failed pass is retried.
	RetryInterval time.Duration

	// Acquire, when set, is asked for a feed the peer knows about and this
	// node does not hold yet. Returning false leaves the feed unknown, so
	// offers for it are declined. It runs inside the negotiator's critical
	// section and must not call back into the negotiator.
	Acquire func(id types.LogID) (feed.Handle, bool)

	Logger  *slog.Logger
	Metrics metrics.Collector
}

// IsInitiator is the role tie-break. Both peers compute it from the same two
// ids, so they always agree.
func IsInitiator(local, remote types.PeerID) bool {
	return local < remote
}

type Negotiator struct {
	cfg       Config
	t         transport.Transport
	initiator bool
	log       *slog.Logger
	mc        metrics.Collector
	labels    map[string]string

	mu            sync.Mutex
	feeds         map[types.LogID]feed.Handle
	uploadAllowed bool
	streams       map[types.LogID]*stream
	remoteFeeds   *skipset.OrderedSet[types.LogID]
	closed        bool
	disconnected  bool
	retry         *time.Timer

	task    *listener.Task
	events  *event.Event[StreamEvent]
	wg      sync.WaitGroup
	closing chan struct{}
	once    sync.Once
}

func New(cfg Config, t transport.Transport) *Negotiator {
	if cfg.LocalID == "" {
		cfg.LocalID = t.LocalID()
	}
	if cfg.RemoteID == "" {
		cfg.RemoteID = t.RemoteID()
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	initiator := IsInitiator(cfg.LocalID, cfg.RemoteID)
	n := &Negotiator{
		cfg:       cfg,
		t:         t,
		initiator: initiator,
		log: cfg.Logger.With("component", "replication",
			"peer", string(cfg.LocalID), "remote", string(cfg.RemoteID), "initiator", initiator),
		mc:            metrics.OrNop(cfg.Metrics),
		labels:        map[string]string{"peer": string(cfg.LocalID)},
		feeds:         make(map[types.LogID]feed.Handle),
		uploadAllowed: cfg.UploadAllowed,
		streams:       make(map[types.LogID]*stream),
		remoteFeeds:   skipset.New[types.LogID](),
		events:        event.New[StreamEvent](),
		closing:       make(chan struct{}),
	}
	n.task = listener.NewTask(cfg.Debounce, n.reconcile)
	return n
}

func (n *Negotiator) IsInitiator() bool { return n.initiator }

// Events is the stream lifecycle feed. It is closed by Close.
func (n *Negotiator) Events() *event.Event[StreamEvent] { return n.events }

// Open exposes the remote procedures and starts reconciling. ctx bounds the
// reconciliation loop; Close stops it too.
func (n *Negotiator) Open(ctx context.Context) {
	n.t.Expose(ProcUpdateFeeds, n.handleUpdateFeeds)
	n.t.Expose(ProcStartReplication, n.handleStartReplication)
	n.t.Expose(ProcStopReplication, n.handleStopReplication)

	n.task.Start(ctx)
	n.wg.Add(1)
	go n.watch()
	n.task.Schedule()
	n.log.Info("negotiator opened")
}

// AddLog adds h to the feeds exposed to the peer. Adding a feed twice is a
// no-op.
func (n *Negotiator) AddLog(h feed.Handle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if _, ok := n.feeds[h.ID()]; ok {
		return
	}
	n.feeds[h.ID()] = h
	n.task.Schedule()
}

// SetUploadAllowed changes the upload policy for every feed. Streams opened
// under the old policy are replaced on the next pass.
func (n *Negotiator) SetUploadAllowed(allowed bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || n.uploadAllowed == allowed {
		return
	}
	n.uploadAllowed = allowed
	n.task.Schedule()
}

// Streams returns the active streams sorted by log.
func (n *Negotiator) Streams() []ActiveStream {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]ActiveStream, 0, len(n.streams))
	for _, s := range n.streams {
		out = append(out, s.ActiveStream)
	}
	slices.SortFunc(out, func(a, b ActiveStream) int { return cmp.Compare(a.LogID, b.LogID) })
	return out
}

// RemoteFeeds returns the feeds the peer is known to hold: advertised by a
// responder or offered by an initiator.
func (n *Negotiator) RemoteFeeds() []types.LogID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]types.LogID, 0, n.remoteFeeds.Len())
	n.remoteFeeds.Range(func(id types.LogID) bool {
		out = append(out, id)
		return true
	})
	return out
}

// Close stops reconciling, tears every stream down and waits for the pipes to
// drain. The transport is left open.
func (n *Negotiator) Close() error {
	n.once.Do(func() { close(n.closing) })
	n.task.Stop()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	if n.retry != nil {
		n.retry.Stop()
	}
	n.teardownAll(nil)
	n.mu.Unlock()

	n.wg.Wait()
	n.events.Close()
	n.log.Info("negotiator closed")
	return nil
}

// watch tears everything down once the connection is gone.
func (n *Negotiator) watch() {
	defer n.wg.Done()
	select {
	case <-n.t.Done():
	case <-n.closing:
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.disconnected = true
	n.log.Info("connection closed", "reason", n.t.Err())
	n.teardownAll(nil)
}

func (n *Negotiator) reconcile(ctx context.Context) {
	start := time.Now()
	var err error
	if n.initiator {
		err = n.reconcileStreams(ctx)
	} else {
		err = n.pushFeeds(ctx)
	}
	n.mc.ObserveHistogram(metrics.ReconcileDuration, n.labels, time.Since(start).Seconds())

	if err == nil || ctx.Err() != nil {
		return
	}
	n.log.Warn("reconciliation failed", "error", err)
	n.mc.IncCounter(metrics.ReconcileFailures, n.labels, 1)
	n.retryLater()
}

func (n *Negotiator) retryLater() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || n.disconnected {
		return
	}
	if n.retry != nil {
		n.retry.Stop()
	}
	n.retry = time.AfterFunc(n.cfg.RetryInterval, n.task.Schedule)
}

// reconcileStreams is the initiator pass. Each feed is handled on its own:
// one feed failing does not keep the others from converging.
func (n *Negotiator) reconcileStreams(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || n.disconnected {
		return nil
	}

	ids := make([]types.LogID, 0, len(n.feeds))
	for id := range n.feeds {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := n.reconcileLog(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (n *Negotiator) reconcileLog(ctx context.Context, id types.LogID) error {
	want := feed.Direction{Download: true, Upload: n.uploadAllowed}

	if s, ok := n.streams[id]; ok {
		if s.Direction == want {
			return nil
		}
		// direction is never changed on a live stream
		if err := n.call(ctx, ProcStopReplication, StopRequest{Log: id, Tag: s.Tag}, nil); err != nil {
			return fmt.Errorf("stop stream %s: %w", s.Tag, err)
		}
		n.teardown(s, nil)
	}

	var resp StartResponse
	if err := n.call(ctx, ProcStartReplication, StartRequest{Log: id, Direction: want}, &resp); err != nil {
		n.abandon(ctx, id)
		return fmt.Errorf("offer: %w", err)
	}
	if !resp.Accepted {
		n.log.Debug("offer declined", "log", string(id))
		n.emit(StreamEvent{Kind: StreamDeclined, Stream: ActiveStream{LogID: id, Direction: want}})
		return nil
	}
	if err := n.startStream(ctx, n.feeds[id], resp.Tag, want); err != nil {
		n.abandon(ctx, id)
		return err
	}
	return nil
}

// abandon asks the responder to drop a stream it may have accepted for an
// offer this side could not complete.
func (n *Negotiator) abandon(ctx context.Context, id types.LogID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.cfg.CallTimeout)
	defer cancel()
	if err := n.call(ctx, ProcStopReplication, StopRequest{Log: id}, nil); err != nil {
		n.log.Debug("abandon offer", "log", string(id), "error", err)
	}
}

// pushFeeds is the responder pass: it wakes the initiator's reconciliation.
func (n *Negotiator) pushFeeds(ctx context.Context) error {
	n.mu.Lock()
	if n.closed || n.disconnected {
		n.mu.Unlock()
		return nil
	}
	ids := make([]types.LogID, 0, len(n.feeds))
	for id := range n.feeds {
		ids = append(ids, id)
	}
	n.mu.Unlock()

	slices.Sort(ids)
	if err := n.call(ctx, ProcUpdateFeeds, UpdateFeedsRequest{Feeds: ids}, nil); err != nil {
		return fmt.Errorf("update feeds: %w", err)
	}
	return nil
}

func (n *Negotiator) call(ctx context.Context, proc string, req, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.CallTimeout)
	defer cancel()
	return n.t.Call(ctx, proc, req, resp)
}

func (n *Negotiator) handleUpdateFeeds(_ context.Context, raw json.RawMessage) (any, error) {
	if err := n.checkRole(ProcUpdateFeeds, true); err != nil {
		return nil, err
	}
	req, err := decode[UpdateFeedsRequest](ProcUpdateFeeds, raw)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, dberrors.ErrClosed
	}
	advertised := skipset.New[types.LogID]()
	for _, id := range req.Feeds {
		advertised.Add(id)
		n.acquireLocked(id)
	}
	n.remoteFeeds = advertised
	n.task.Schedule()
	return struct{}{}, nil
}

func (n *Negotiator) handleStartReplication(ctx context.Context, raw json.RawMessage) (any, error) {
	if err := n.checkRole(ProcStartReplication, false); err != nil {
		return nil, err
	}
	req, err := decode[StartRequest](ProcStartReplication, raw)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || n.disconnected {
		return nil, dberrors.ErrClosed
	}
	n.remoteFeeds.Add(req.Log)

	h, held := n.acquireLocked(req.Log)
	_, streaming := n.streams[req.Log]
	if !held || streaming {
		n.log.Debug("declining offer", "log", string(req.Log), "held", held, "streaming", streaming)
		n.emit(StreamEvent{Kind: StreamDeclined, Stream: ActiveStream{LogID: req.Log, Direction: req.Direction}})
		return StartResponse{}, nil
	}

	tag := newTag()
	if err := n.startStream(ctx, h, tag, req.Direction); err != nil {
		return nil, err
	}
	return StartResponse{Accepted: true, Tag: tag}, nil
}

func (n *Negotiator) handleStopReplication(_ context.Context, raw json.RawMessage) (any, error) {
	if err := n.checkRole(ProcStopReplication, false); err != nil {
		return nil, err
	}
	req, err := decode[StopRequest](ProcStopReplication, raw)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.streams[req.Log]; ok && (req.Tag == "" || req.Tag == s.Tag) {
		n.teardown(s, nil)
	}
	return struct{}{}, nil
}

// checkRole rejects a call that only the other role may receive. Both peers
// must compute the same roles, so a mismatch means the connection cannot be
// trusted and it is dropped.
func (n *Negotiator) checkRole(proc string, initiatorOnly bool) error {
	if n.initiator == initiatorOnly {
		return nil
	}
	err := fmt.Errorf("%s received by %s: %w", proc, n.role(), dberrors.ErrRoleViolation)
	n.log.Error("protocol violation, dropping connection", "proc", proc, "error", err)
	go func() { _ = n.t.Close() }()
	return err
}

func (n *Negotiator) role() string {
	if n.initiator {
		return "initiator"
	}
	return "responder"
}

func (n *Negotiator) acquireLocked(id types.LogID) (feed.Handle, bool) {
	if h, ok := n.feeds[id]; ok {
		return h, true
	}
	if n.cfg.Acquire == nil {
		return nil, false
	}
	h, ok := n.cfg.Acquire(id)
	if !ok {
		return nil, false
	}
	n.feeds[id] = h
	n.log.Info("feed acquired", "log", string(id))
	return h, true
}

// startStream opens both ends of an agreed stream and starts piping them.
// Called with n.mu held.
func (n *Negotiator) startStream(ctx context.Context, h feed.Handle, tag string, dir feed.Direction) error {
	if _, ok := n.streams[h.ID()]; ok {
		panic(fmt.Sprintf("replication: second active stream for %s", h.ID()))
	}

	sub, err := n.t.OpenSubChannel(ctx, tag)
	if err != nil {
		return fmt.Errorf("open sub-channel %s: %w", tag, err)
	}
	repl, err := h.OpenReplicationChannel(dir)
	if err != nil {
		_ = sub.Close()
		return fmt.Errorf("open replication channel: %w", err)
	}

	s := &stream{
		ActiveStream: ActiveStream{Tag: tag, LogID: h.ID(), Direction: dir},
		sub:          sub,
		repl:         repl,
	}
	n.streams[s.LogID] = s
	n.wg.Add(1)
	go n.run(s)

	n.log.Info("stream opened", "log", string(s.LogID), "tag", tag,
		"upload", dir.Upload, "download", dir.Download)
	n.emit(StreamEvent{Kind: StreamOpened, Stream: s.ActiveStream})
	n.mc.SetGauge(metrics.ActiveStreams, n.labels, float64(len(n.streams)))
	return nil
}

func (n *Negotiator) run(s *stream) {
	defer n.wg.Done()
	err := s.pipe()

	n.mu.Lock()
	defer n.mu.Unlock()
	n.teardown(s, err)
}

// teardown closes s and forgets it unless a newer stream already replaced
// it. Called with n.mu held.
func (n *Negotiator) teardown(s *stream, cause error) {
	s.close()
	cur, ok := n.streams[s.LogID]
	if !ok || cur.Tag != s.Tag {
		return
	}
	delete(n.streams, s.LogID)

	if cause != nil {
		n.log.Warn("stream failed", "log", string(s.LogID), "tag", s.Tag, "error", cause)
	} else {
		n.log.Info("stream closed", "log", string(s.LogID), "tag", s.Tag)
	}
	n.emit(StreamEvent{Kind: StreamClosed, Stream: s.ActiveStream, Err: cause})
	n.mc.SetGauge(metrics.ActiveStreams, n.labels, float64(len(n.streams)))
}

func (n *Negotiator) teardownAll(cause error) {
	for _, s := range n.streams {
		n.teardown(s, cause)
	}
}

func (n *Negotiator) emit(ev StreamEvent) {
	n.mc.IncCounter(metrics.StreamEvents, map[string]string{
		"peer": string(n.cfg.LocalID),
		"kind": ev.Kind.String(),
	}, 1)
	n.events.Emit(ev)
}
