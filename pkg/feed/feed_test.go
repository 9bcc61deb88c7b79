package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"feedmesh/pkg/dberrors"
	"feedmesh/pkg/types"
	"feedmesh/pkg/wal"
)

func fill(t *testing.T, f *Feed, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.Append(context.Background(), []byte(fmt.Sprintf("%s-%d", f.ID(), i)))
		require.NoError(t, err)
	}
}

func TestFeed_AppendAndRead(t *testing.T) {
	f := New("a")
	seq, err := f.Append(context.Background(), []byte("x"))
	require.NoError(t, err)
	require.Equal(t, types.Seq(0), seq)
	fill(t, f, 3)
	require.Equal(t, uint64(4), f.Len())

	cur := f.ReadFrom(2, false)
	defer cur.Close()
	var got []types.Seq
	for {
		e, err := cur.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, e.Seq)
	}
	require.Equal(t, []types.Seq{2, 3}, got)

	_, err = f.Get(10)
	require.ErrorIs(t, err, dberrors.ErrNotFound)
}

func TestFeed_LiveCursorWaitsForAppend(t *testing.T) {
	f := New("a")
	cur := f.ReadFrom(0, true)
	defer cur.Close()

	got := make(chan types.Entry, 1)
	go func() {
		e, err := cur.Next(context.Background())
		if err == nil {
			got <- e
		}
	}()

	select {
	case <-got:
		t.Fatal("live cursor returned before any append")
	case <-time.After(20 * time.Millisecond):
	}

	_, err := f.Append(context.Background(), []byte("hello"))
	require.NoError(t, err)

	select {
	case e := <-got:
		require.Equal(t, "hello", string(e.Payload))
	case <-time.After(time.Second):
		t.Fatal("live cursor did not wake")
	}
}

func TestFeed_CursorCancellation(t *testing.T) {
	f := New("a")
	cur := f.ReadFrom(0, true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := cur.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, cur.Close())
	_, err = cur.Next(context.Background())
	require.ErrorIs(t, err, dberrors.ErrClosed)

	live := f.ReadFrom(0, true)
	require.NoError(t, f.Close())
	_, err = live.Next(context.Background())
	require.ErrorIs(t, err, dberrors.ErrClosed)
	_, err = f.Append(context.Background(), nil)
	require.ErrorIs(t, err, dberrors.ErrClosed)
}

func TestFeed_AppendAt(t *testing.T) {
	f := New("a")
	fill(t, f, 2)

	added, err := f.appendAt(context.Background(), 1, []byte("dup"))
	require.NoError(t, err)
	require.False(t, added)

	_, err = f.appendAt(context.Background(), 5, []byte("gap"))
	require.ErrorIs(t, err, dberrors.ErrSequenceGap)

	added, err = f.appendAt(context.Background(), 2, []byte("next"))
	require.NoError(t, err)
	require.True(t, added)
	require.Equal(t, uint64(3), f.Len())
}

// connect pipes two replication channels into each other the way a transport
// sub-channel would.
func connect(a, b io.ReadWriteCloser) func() {
	go func() { _, _ = io.Copy(a, b) }()
	go func() { _, _ = io.Copy(b, a) }()
	return func() {
		_ = a.Close()
		_ = b.Close()
	}
}

func TestReplication_DownloadsExistingAndLiveBlocks(t *testing.T) {
	src := New("f")
	fill(t, src, 10)
	dst := New("f")

	up, err := src.OpenReplicationChannel(Direction{Upload: true, Download: true})
	require.NoError(t, err)
	down, err := dst.OpenReplicationChannel(Direction{Upload: true, Download: true})
	require.NoError(t, err)
	stop := connect(up, down)
	defer stop()

	require.Eventually(t, func() bool { return dst.Len() == 10 }, 2*time.Second, 5*time.Millisecond)

	_, err = src.Append(context.Background(), []byte("late"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return dst.Len() == 11 }, 2*time.Second, 5*time.Millisecond)

	for i := uint64(0); i < src.Len(); i++ {
		want, _ := src.Get(types.Seq(i))
		got, err := dst.Get(types.Seq(i))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestReplication_NoUploadMeansNoData(t *testing.T) {
	src := New("f")
	fill(t, src, 3)
	dst := New("f")

	up, err := src.OpenReplicationChannel(Direction{Upload: false, Download: true})
	require.NoError(t, err)
	down, err := dst.OpenReplicationChannel(Direction{Upload: false, Download: true})
	require.NoError(t, err)
	stop := connect(up, down)
	defer stop()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, uint64(0), dst.Len())
}

func TestReplication_ResumesFromLocalLength(t *testing.T) {
	src := New("f")
	fill(t, src, 5)
	dst := New("f")
	fill(t, dst, 2) // same writer, so identical prefix

	up, _ := src.OpenReplicationChannel(Direction{Upload: true, Download: true})
	down, _ := dst.OpenReplicationChannel(Direction{Upload: true, Download: true})
	stop := connect(up, down)
	defer stop()

	require.Eventually(t, func() bool { return dst.Len() == 5 }, 2*time.Second, 5*time.Millisecond)
}

func TestStore_OpenFeedAndSubscribe(t *testing.T) {
	s := NewStore()
	var seen []types.LogID
	unsub := s.OnFeed(func(f *Feed) { seen = append(seen, f.ID()) })

	b, created := s.OpenFeed("b")
	require.True(t, created)
	again, created := s.OpenFeed("b")
	require.False(t, created)
	require.Same(t, b, again)
	s.OpenFeed("a")

	unsub()
	s.OpenFeed("c")

	require.Equal(t, []types.LogID{"b", "a"}, seen)
	ids := []types.LogID{}
	for _, f := range s.Feeds() {
		ids = append(ids, f.ID())
	}
	require.Equal(t, []types.LogID{"a", "b", "c"}, ids)
}

func TestStore_JournalRoundTrip(t *testing.T) {
	dir := t.TempDir()
	j, err := wal.New(dir)
	require.NoError(t, err)

	s := NewStore(WithJournal(j))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, "a", []byte{byte(i)})
		require.NoError(t, err)
	}
	_, err = s.Append(ctx, "b", []byte("b0"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, j.Close())

	j, err = wal.New(dir)
	require.NoError(t, err)
	defer j.Close()
	restored := NewStore(WithJournal(j))
	require.NoError(t, restored.Load())

	a, ok := restored.Feed("a")
	require.True(t, ok)
	require.Equal(t, uint64(3), a.Len())
	block, err := a.Get(2)
	require.NoError(t, err)
	require.Equal(t, []byte{2}, block)

	b, ok := restored.Feed("b")
	require.True(t, ok)
	require.Equal(t, uint64(1), b.Len())
}
