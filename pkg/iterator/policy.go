package iterator

import (
	mapset "github.com/deckarep/golang-set/v2"

	"feedmesh/pkg/feed"
	"feedmesh/pkg/timeframe"
	"feedmesh/pkg/types"
)

// RoundRobin is the default tie-break: it always picks a candidate and
// rotates through feeds by id, so a busy feed cannot starve the others.
// Within a feed, entries keep their arrival order.
func RoundRobin() TieBreak {
	var (
		last    types.LogID
		started bool
	)
	return func(candidates []types.Entry) (int, bool) {
		if len(candidates) == 0 {
			return 0, false
		}
		best, lowest := -1, 0
		for i, c := range candidates {
			if c.LogID < candidates[lowest].LogID {
				lowest = i
			}
			if started && c.LogID > last && (best < 0 || c.LogID < candidates[best].LogID) {
				best = i
			}
		}
		if best < 0 {
			best = lowest
		}
		last, started = candidates[best].LogID, true
		return best, true
	}
}

// DependencyTieBreak only releases an entry once everything it depends on has
// been read. deps reports the timeframe an entry was written against;
// progress is usually Reader.Timeframe. Ready entries are picked round-robin.
func DependencyTieBreak(progress func() timeframe.Timeframe, deps func(types.Entry) timeframe.Timeframe) TieBreak {
	rr := RoundRobin()
	return func(candidates []types.Entry) (int, bool) {
		current := progress()
		ready := make([]types.Entry, 0, len(candidates))
		index := make([]int, 0, len(candidates))
		for i, c := range candidates {
			if timeframe.Dependencies(deps(c), current).IsEmpty() {
				ready = append(ready, c)
				index = append(index, i)
			}
		}
		if len(ready) == 0 {
			return 0, false
		}
		i, ok := rr(ready)
		if !ok {
			return 0, false
		}
		return index[i], true
	}
}

// SelectKeys accepts only the listed feeds.
func SelectKeys(keys ...types.LogID) Selector {
	set := mapset.NewSet(keys...)
	return func(h feed.Handle) bool {
		return set.Contains(h.ID())
	}
}
