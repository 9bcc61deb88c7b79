// Package timeframe implements causal cuts over a set of logs.
//
// A Timeframe maps every known log to the highest sequence number observed in
// it. Values are immutable: every operation returns a new Timeframe and never
// touches its arguments, so a Timeframe can be shared between goroutines
// without locking.
package timeframe

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"feedmesh/pkg/types"
)

// Frame is one (log, sequence) pair of a Timeframe.
type Frame struct {
	LogID types.LogID `json:"log" yaml:"log"`
	Seq   types.Seq   `json:"seq" yaml:"seq"`
}

// Timeframe is a causal cut. The zero value is an empty cut.
type Timeframe struct {
	frames map[types.LogID]types.Seq
}

// New builds a Timeframe from frames. When a log is listed more than once the
// highest sequence wins, so New(a.Entries()...) round-trips.
func New(frames ...Frame) Timeframe {
	if len(frames) == 0 {
		return Timeframe{}
	}
	m := make(map[types.LogID]types.Seq, len(frames))
	for _, f := range frames {
		if cur, ok := m[f.LogID]; !ok || f.Seq > cur {
			m[f.LogID] = f.Seq
		}
	}
	return Timeframe{frames: m}
}

// FromMap copies m into a new Timeframe.
func FromMap(m map[types.LogID]types.Seq) Timeframe {
	if len(m) == 0 {
		return Timeframe{}
	}
	frames := make(map[types.LogID]types.Seq, len(m))
	for k, v := range m {
		frames[k] = v
	}
	return Timeframe{frames: frames}
}

// Get returns the sequence recorded for log.
func (t Timeframe) Get(log types.LogID) (types.Seq, bool) {
	seq, ok := t.frames[log]
	return seq, ok
}

func (t Timeframe) Len() int { return len(t.frames) }

func (t Timeframe) IsEmpty() bool { return len(t.frames) == 0 }

// Keys returns the logs of t sorted by id.
func (t Timeframe) Keys() []types.LogID {
	keys := make([]types.LogID, 0, len(t.frames))
	for k := range t.frames {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Entries returns the frames of t. The order carries no meaning, but it is
// stable (sorted by log id) so serialized forms compare equal.
func (t Timeframe) Entries() []Frame {
	out := make([]Frame, 0, len(t.frames))
	for _, k := range t.Keys() {
		out = append(out, Frame{LogID: k, Seq: t.frames[k]})
	}
	return out
}

func (t Timeframe) Equal(other Timeframe) bool {
	if len(t.frames) != len(other.frames) {
		return false
	}
	for k, v := range t.frames {
		if ov, ok := other.frames[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Merge keeps, for every log present in any input, the highest sequence.
func Merge(cuts ...Timeframe) Timeframe {
	m := make(map[types.LogID]types.Seq)
	for _, c := range cuts {
		for k, v := range c.frames {
			if cur, ok := m[k]; !ok || v > cur {
				m[k] = v
			}
		}
	}
	if len(m) == 0 {
		return Timeframe{}
	}
	return Timeframe{frames: m}
}

// Merge is shorthand for Merge(t, others...).
func (t Timeframe) Merge(others ...Timeframe) Timeframe {
	return Merge(append([]Timeframe{t}, others...)...)
}

// Set returns a copy of t with log advanced to seq. It never lowers an
// existing value.
func (t Timeframe) Set(log types.LogID, seq types.Seq) Timeframe {
	return Merge(t, New(Frame{LogID: log, Seq: seq}))
}

// RemoveKeys returns t without the listed logs.
func (t Timeframe) RemoveKeys(keys ...types.LogID) Timeframe {
	drop := mapset.NewThreadUnsafeSet(keys...)
	m := make(map[types.LogID]types.Seq, len(t.frames))
	for k, v := range t.frames {
		if !drop.Contains(k) {
			m[k] = v
		}
	}
	if len(m) == 0 {
		return Timeframe{}
	}
	return Timeframe{frames: m}
}

// Dependencies returns the frames of a that b has not reached: a[k] > b[k],
// or k missing from b. Equal sequences are already satisfied.
func Dependencies(a, b Timeframe) Timeframe {
	m := make(map[types.LogID]types.Seq)
	for k, v := range a.frames {
		if have, ok := b.frames[k]; !ok || have < v {
			m[k] = v
		}
	}
	if len(m) == 0 {
		return Timeframe{}
	}
	return Timeframe{frames: m}
}

// StartAfter returns the first offset to read from log when everything up to
// t has already been consumed.
func (t Timeframe) StartAfter(log types.LogID) uint64 {
	seq, ok := t.frames[log]
	if !ok {
		return 0
	}
	return uint64(seq) + 1
}

// LogLength is satisfied by anything that knows its id and length, e.g. a
// feed handle.
type LogLength interface {
	ID() types.LogID
	Len() uint64
}

// FromLengths maps each non-empty log to its last written sequence.
func FromLengths[L LogLength](logs ...L) Timeframe {
	m := make(map[types.LogID]types.Seq, len(logs))
	for _, l := range logs {
		if n := l.Len(); n > 0 {
			m[l.ID()] = types.Seq(n - 1)
		}
	}
	if len(m) == 0 {
		return Timeframe{}
	}
	return Timeframe{frames: m}
}

func (t Timeframe) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, f := range t.Entries() {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s:%d", f.LogID, f.Seq)
	}
	sb.WriteByte('}')
	return sb.String()
}

func (t Timeframe) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Entries())
}

func (t *Timeframe) UnmarshalJSON(data []byte) error {
	var frames []Frame
	if err := json.Unmarshal(data, &frames); err != nil {
		return fmt.Errorf("decode timeframe: %w", err)
	}
	*t = New(frames...)
	return nil
}

func (t Timeframe) MarshalYAML() (any, error) {
	return t.Entries(), nil
}

func (t *Timeframe) UnmarshalYAML(unmarshal func(any) error) error {
	var frames []Frame
	if err := unmarshal(&frames); err != nil {
		return fmt.Errorf("decode timeframe: %w", err)
	}
	*t = New(frames...)
	return nil
}
