package iterator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"feedmesh/pkg/dberrors"
	"feedmesh/pkg/feed"
	"feedmesh/pkg/timeframe"
	"feedmesh/pkg/types"
)

func newFeed(t *testing.T, id types.LogID, n int) *feed.Feed {
	t.Helper()
	f := feed.New(id)
	appendN(t, f, n)
	return f
}

func appendN(t *testing.T, f *feed.Feed, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.Append(context.Background(), []byte(fmt.Sprintf("%s-%d", f.ID(), f.Len())))
		require.NoError(t, err)
	}
}

func readN(t *testing.T, r *Reader, n int) []types.Entry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := make([]types.Entry, 0, n)
	for len(out) < n {
		e, err := r.Next(ctx)
		require.NoError(t, err, "after %d entries", len(out))
		out = append(out, e)
	}
	return out
}

// requireIdle checks that nothing is yielded for a short while.
func requireIdle(t *testing.T, r *Reader) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	e, err := r.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "unexpected entry %s", e)
}

func bySeq(entries []types.Entry) map[types.LogID][]types.Seq {
	out := map[types.LogID][]types.Seq{}
	for _, e := range entries {
		out[e.LogID] = append(out[e.LogID], e.Seq)
	}
	return out
}

func seqs(from, to int) []types.Seq {
	out := []types.Seq{}
	for i := from; i < to; i++ {
		out = append(out, types.Seq(i))
	}
	return out
}

func TestReader_MergesFeedsInPerLogOrder(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	feeds := []*feed.Feed{newFeed(t, "a", 5), newFeed(t, "b", 3), newFeed(t, "c", 0)}
	for _, f := range feeds {
		r.AddFeed(f)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 4; i++ {
			appendN(t, feeds[2], 1)
			time.Sleep(time.Millisecond)
		}
	}()

	got := readN(t, r, 12)
	wg.Wait()

	per := bySeq(got)
	require.Equal(t, seqs(0, 5), per["a"])
	require.Equal(t, seqs(0, 3), per["b"])
	require.Equal(t, seqs(0, 4), per["c"])
	for _, e := range got {
		require.Equal(t, fmt.Sprintf("%s-%d", e.LogID, e.Seq), string(e.Payload))
	}
	requireIdle(t, r)

	tf := r.Timeframe()
	require.True(t, tf.Equal(timeframe.New(
		timeframe.Frame{LogID: "a", Seq: 4},
		timeframe.Frame{LogID: "b", Seq: 2},
		timeframe.Frame{LogID: "c", Seq: 3},
	)), "timeframe %s", tf)
	require.Equal(t, 3, r.Size())
}

func TestReader_ResumesAfterStartCut(t *testing.T) {
	start := timeframe.New(timeframe.Frame{LogID: "L1", Seq: 4})
	r := New(Options{Start: start})
	defer r.Close()

	r.AddFeed(newFeed(t, "L1", 8))
	r.AddFeed(newFeed(t, "L2", 3))

	got := readN(t, r, 6)
	per := bySeq(got)
	require.Equal(t, seqs(5, 8), per["L1"])
	require.Equal(t, seqs(0, 3), per["L2"])
	requireIdle(t, r)
}

func TestReader_StartCutAheadOfFeed(t *testing.T) {
	r := New(Options{Start: timeframe.New(timeframe.Frame{LogID: "L1", Seq: 4})})
	defer r.Close()

	f := newFeed(t, "L1", 2)
	r.AddFeed(f)
	requireIdle(t, r)

	appendN(t, f, 4) // seqs 2..5
	got := readN(t, r, 1)
	require.Equal(t, types.Seq(5), got[0].Seq)
}

func TestReader_LateDiscoveryAndLiveAppends(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	a := newFeed(t, "a", 1)
	r.AddFeed(a)
	r.AddFeed(a)
	require.Len(t, readN(t, r, 1), 1)

	b := newFeed(t, "b", 2)
	r.AddFeed(b)
	appendN(t, a, 1)

	per := bySeq(readN(t, r, 3))
	require.Equal(t, seqs(1, 2), per["a"])
	require.Equal(t, seqs(0, 2), per["b"])
}

func TestReader_SelectorFreezesAndResumes(t *testing.T) {
	var blockB atomic.Bool
	r := New(Options{Selector: func(h feed.Handle) bool {
		return h.ID() != "b" || !blockB.Load()
	}})
	defer r.Close()

	r.AddFeed(newFeed(t, "a", 20))
	r.AddFeed(newFeed(t, "b", 5))

	var got []types.Entry
	for {
		got = append(got, readN(t, r, 1)...)
		if len(bySeq(got)["b"]) > 0 {
			break
		}
	}

	blockB.Store(true)
	r.Refresh()
	for len(bySeq(got)["a"]) < 20 {
		e := readN(t, r, 1)[0]
		require.Equal(t, types.LogID("a"), e.LogID, "frozen feed yielded %s", e)
		got = append(got, e)
	}
	requireIdle(t, r)

	blockB.Store(false)
	r.Refresh()
	for len(bySeq(got)["b"]) < 5 {
		got = append(got, readN(t, r, 1)...)
	}

	per := bySeq(got)
	require.Equal(t, seqs(0, 20), per["a"])
	require.Equal(t, seqs(0, 5), per["b"])
}

func TestReader_SelectorGatesDiscovery(t *testing.T) {
	r := New(Options{Selector: SelectKeys("a")})
	defer r.Close()

	r.AddFeed(newFeed(t, "a", 1))
	r.AddFeed(newFeed(t, "b", 1))
	got := readN(t, r, 1)
	require.Equal(t, types.LogID("a"), got[0].LogID)
	requireIdle(t, r)
	require.Equal(t, 1, r.Size())
}

func TestReader_StallIsDiagnosticOnly(t *testing.T) {
	var accept atomic.Bool
	r := New(Options{
		StallTimeout: 20 * time.Millisecond,
		TieBreak: func(c []types.Entry) (int, bool) {
			return 0, accept.Load()
		},
	})
	defer r.Close()

	stalls, cancel := r.Stalled().Subscribe()
	defer cancel()
	r.AddFeed(newFeed(t, "a", 1))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := r.Next(ctx)
		done <- err
	}()

	select {
	case ev := <-stalls:
		require.Len(t, ev.Candidates, 1)
		require.Equal(t, types.LogID("a"), ev.Candidates[0].LogID)
		require.Equal(t, 20*time.Millisecond, ev.Timeout)
	case <-time.After(2 * time.Second):
		t.Fatal("no stall event")
	}

	// still retrying: once the policy accepts, the entry comes out
	accept.Store(true)
	r.Refresh()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not recover from stall")
	}
}

func TestReader_BadTieBreakIndex(t *testing.T) {
	r := New(Options{TieBreak: func(c []types.Entry) (int, bool) { return len(c), true }})
	defer r.Close()
	r.AddFeed(newFeed(t, "a", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := r.Next(ctx)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestReader_CloseIsRendezvous(t *testing.T) {
	r := New(Options{})
	r.AddFeed(newFeed(t, "a", 0))

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := r.Next(context.Background())
		done <- err
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	_, err := r.Next(context.Background())
	require.ErrorIs(t, err, dberrors.ErrConcurrentConsumer)

	require.NoError(t, r.Close())
	select {
	case err := <-done:
		require.ErrorIs(t, err, dberrors.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("consumer did not observe Close")
	}

	_, err = r.Next(context.Background())
	require.ErrorIs(t, err, dberrors.ErrClosed)
	require.NoError(t, r.Close())

	stalls, cancel := r.Stalled().Subscribe()
	defer cancel()
	_, open := <-stalls
	require.False(t, open)
}

func TestRoundRobin(t *testing.T) {
	rr := RoundRobin()
	c := []types.Entry{{LogID: "b"}, {LogID: "a"}, {LogID: "c"}}
	var order []types.LogID
	for i := 0; i < 4; i++ {
		idx, ok := rr(c)
		require.True(t, ok)
		order = append(order, c[idx].LogID)
	}
	require.Equal(t, []types.LogID{"a", "b", "c", "a"}, order)

	_, ok := rr(nil)
	require.False(t, ok)
}

type message struct {
	Deps timeframe.Timeframe `json:"deps"`
	Body string              `json:"body"`
}

func TestReader_DependencyTieBreak(t *testing.T) {
	var r *Reader
	deps := func(e types.Entry) timeframe.Timeframe {
		var m message
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return timeframe.Timeframe{}
		}
		return m.Deps
	}
	r = New(Options{TieBreak: DependencyTieBreak(func() timeframe.Timeframe { return r.Timeframe() }, deps)})
	defer r.Close()

	write := func(f *feed.Feed, m message) {
		b, err := json.Marshal(m)
		require.NoError(t, err)
		_, err = f.Append(context.Background(), b)
		require.NoError(t, err)
	}

	a := feed.New("a")
	b := feed.New("b")
	// b0 was written after its author had seen a0 and a1
	write(b, message{Deps: timeframe.New(timeframe.Frame{LogID: "a", Seq: 1}), Body: "b0"})
	write(a, message{Body: "a0"})
	r.AddFeed(b)
	r.AddFeed(a)

	got := readN(t, r, 1)
	require.Equal(t, types.LogID("a"), got[0].LogID)
	requireIdle(t, r)

	write(a, message{Body: "a1"})
	got = readN(t, r, 2)
	require.Equal(t, "a", string(got[0].LogID))
	require.Equal(t, types.Seq(1), got[0].Seq)
	require.Equal(t, "b", string(got[1].LogID))
}
