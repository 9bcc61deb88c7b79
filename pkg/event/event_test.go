package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvent_SubscribeEmitClose(t *testing.T) {
	e := New[int]()
	a, _ := e.Subscribe()
	b, cancelB := e.Subscribe(1)

	require.Equal(t, 2, e.Emit(1))
	require.Equal(t, 1, <-a)
	require.Equal(t, 1, <-b)

	cancelB()
	_, ok := <-b
	require.False(t, ok)
	require.Equal(t, 1, e.Emit(2))

	e.Close()
	require.Equal(t, 2, <-a)
	_, ok = <-a
	require.False(t, ok)
	require.Equal(t, 0, e.Emit(3))

	late, _ := e.Subscribe()
	_, ok = <-late
	require.False(t, ok)
}

func TestEvent_SlowSubscriberDoesNotBlock(t *testing.T) {
	e := New[string]()
	ch, cancel := e.Subscribe(0)
	defer cancel()

	require.Equal(t, 0, e.Emit("dropped"))
	select {
	case v := <-ch:
		t.Fatalf("unexpected %q", v)
	default:
	}
}
