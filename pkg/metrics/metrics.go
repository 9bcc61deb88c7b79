package metrics

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

const (
	StreamEvents      = "feedmesh_replication_stream_events_total"
	ActiveStreams     = "feedmesh_replication_active_streams"
	ReconcileFailures = "feedmesh_replication_reconcile_failures_total"
	ReconcileDuration = "feedmesh_replication_reconcile_seconds"
	ReaderEntries     = "feedmesh_reader_entries_total"
	ReaderStalls      = "feedmesh_reader_stalls_total"
	ReaderOpenFeeds   = "feedmesh_reader_open_feeds"
	ReaderFrozenFeeds = "feedmesh_reader_frozen_feeds"
)

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string, float64)       {}
func (Nop) SetGauge(string, map[string]string, float64)         {}
func (Nop) ObserveHistogram(string, map[string]string, float64) {}

// OrNop returns c, or Nop when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return Nop{}
	}
	return c
}
