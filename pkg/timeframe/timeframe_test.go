package timeframe

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/require"

	"feedmesh/pkg/types"
)

func tf(pairs ...any) Timeframe {
	frames := make([]Frame, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		frames = append(frames, Frame{LogID: types.LogID(pairs[i].(string)), Seq: types.Seq(pairs[i+1].(int))})
	}
	return New(frames...)
}

func randomCuts(r *rand.Rand, n int) []Timeframe {
	cuts := make([]Timeframe, n)
	for i := range cuts {
		m := map[types.LogID]types.Seq{}
		for j := 0; j < r.IntN(6); j++ {
			m[types.LogID(fmt.Sprintf("log-%d", r.IntN(5)))] = types.Seq(r.IntN(10))
		}
		cuts[i] = FromMap(m)
	}
	return cuts
}

func TestMerge_Laws(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 200; i++ {
		c := randomCuts(r, 3)
		a, b, x := c[0], c[1], c[2]

		require.True(t, Merge(a, b).Equal(Merge(b, a)), "commutative: %s %s", a, b)
		require.True(t, Merge(a, a).Equal(a), "idempotent: %s", a)
		require.True(t, Merge(Merge(a, b), x).Equal(Merge(a, Merge(b, x))), "associative: %s %s %s", a, b, x)
	}
}

func TestMerge_TakesMaximum(t *testing.T) {
	got := Merge(tf("a", 1, "b", 5), tf("a", 3), tf("c", 0))
	require.True(t, got.Equal(tf("a", 3, "b", 5, "c", 0)), "got %s", got)
	require.True(t, Merge().IsEmpty())
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	a := tf("a", 1)
	b := tf("a", 2)
	_ = Merge(a, b)
	_ = a.Set("a", 9)
	seq, _ := a.Get("a")
	require.Equal(t, types.Seq(1), seq)
}

func TestDependencies(t *testing.T) {
	tests := []struct {
		name string
		a, b Timeframe
		want Timeframe
	}{
		{"empty", Timeframe{}, Timeframe{}, Timeframe{}},
		{"missing key in b", tf("a", 0), Timeframe{}, tf("a", 0)},
		{"equal is satisfied", tf("a", 3), tf("a", 3), Timeframe{}},
		{"b ahead", tf("a", 3), tf("a", 4), Timeframe{}},
		{"a ahead", tf("a", 5, "b", 1), tf("a", 4, "b", 1), tf("a", 5)},
		{"extra keys in b ignored", tf("a", 1), tf("a", 0, "z", 9), tf("a", 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Dependencies(tt.a, tt.b)
			require.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
		})
	}
}

func TestDependencies_Property(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 7))
	for i := 0; i < 200; i++ {
		c := randomCuts(r, 2)
		a, b := c[0], c[1]
		deps := Dependencies(a, b)

		for _, f := range a.Entries() {
			have, ok := b.Get(f.LogID)
			_, in := deps.Get(f.LogID)
			require.Equal(t, !ok || have < f.Seq, in, "key %s a=%s b=%s", f.LogID, a, b)
		}
		for _, f := range deps.Entries() {
			seq, ok := a.Get(f.LogID)
			require.True(t, ok)
			require.Equal(t, seq, f.Seq)
		}
		require.True(t, Dependencies(a, a).IsEmpty())
	}
}

func TestRemoveKeys(t *testing.T) {
	a := tf("a", 1, "b", 2, "c", 3)
	got := a.RemoveKeys("b", "missing")
	require.True(t, got.Equal(tf("a", 1, "c", 3)))
	require.Equal(t, 3, a.Len())
	require.True(t, a.RemoveKeys("a", "b", "c").IsEmpty())
}

func TestStartAfter(t *testing.T) {
	a := tf("L1", 4)
	require.Equal(t, uint64(5), a.StartAfter("L1"))
	require.Equal(t, uint64(0), a.StartAfter("L2"))
}

type fakeLog struct {
	id  types.LogID
	len uint64
}

func (f fakeLog) ID() types.LogID { return f.id }
func (f fakeLog) Len() uint64     { return f.len }

func TestFromLengths(t *testing.T) {
	got := FromLengths(fakeLog{"a", 3}, fakeLog{"b", 0}, fakeLog{"c", 1})
	require.True(t, got.Equal(tf("a", 2, "c", 0)), "got %s", got)
}

func TestEntries_RoundTrip(t *testing.T) {
	a := tf("b", 2, "a", 1)
	require.Equal(t, []Frame{{"a", 1}, {"b", 2}}, a.Entries())
	require.True(t, New(a.Entries()...).Equal(a))

	data, err := json.Marshal(a)
	require.NoError(t, err)
	var fromJSON Timeframe
	require.NoError(t, json.Unmarshal(data, &fromJSON))
	require.True(t, fromJSON.Equal(a))

	y, err := yaml.Marshal(a)
	require.NoError(t, err)
	var fromYAML Timeframe
	require.NoError(t, yaml.Unmarshal(y, &fromYAML))
	require.True(t, fromYAML.Equal(a), "yaml %s", y)
}

func TestString(t *testing.T) {
	require.Equal(t, "{a:1, b:2}", tf("b", 2, "a", 1).String())
	require.Equal(t, "{}", Timeframe{}.String())
}
