package search

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/bitsearch/services/search-engine/bits"
)

// Runner is anything that can search a target with a task list.
type Runner interface {
	Search(ctx context.Context, target *bits.Sequence, tasks []Task) (Results, error)
}

// MetricsCollector keeps in-process search statistics for the /stats endpoint.
type MetricsCollector struct {
	mu sync.RWMutex

	totalSearches int64
	totalResults  int64
	totalRanges   int64
	totalBits     int64
	totalErrors   int64

	// buckets: <1ms, <10ms, <100ms, <1s, >=1s
	latency [5]int64

	labelHits map[string]int64

	recent []searchStat
	window time.Duration
	now    func() time.Time
}

type searchStat struct {
	at   time.Time
	bits int64
}

// NewMetricsCollector tracks a 60 second throughput window.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		labelHits: make(map[string]int64),
		recent:    make([]searchStat, 0, 1024),
		window:    60 * time.Second,
		now:       time.Now,
	}
}

// RecordSearch records one completed search over bitsScanned bits.
func (m *MetricsCollector) RecordSearch(d time.Duration, results Results, bitsScanned int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalSearches++
	m.totalResults += int64(len(results))
	m.totalRanges += int64(results.TotalRanges())
	m.totalBits += bitsScanned
	m.latency[latencyBucket(d)]++
	for _, r := range results {
		m.labelHits[r.Label()] += int64(len(r.Ranges))
	}

	now := m.now()
	m.recent = append(m.recent, searchStat{at: now, bits: bitsScanned})
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.recent) && m.recent[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.recent = m.recent[i:]
	}
}

func latencyBucket(d time.Duration) int {
	switch {
	case d < time.Millisecond:
		return 0
	case d < 10*time.Millisecond:
		return 1
	case d < 100*time.Millisecond:
		return 2
	case d < time.Second:
		return 3
	default:
		return 4
	}
}

// RecordError counts a failed or partially failed search.
func (m *MetricsCollector) RecordError() {
	m.mu.Lock()
	m.totalErrors++
	m.mu.Unlock()
}

// Snapshot is a point-in-time view of the collector.
type Snapshot struct {
	TotalSearches    int64      `json:"total_searches"`
	TotalResults     int64      `json:"total_results"`
	TotalRanges      int64      `json:"total_ranges"`
	TotalBitsScanned int64      `json:"total_bits_scanned"`
	TotalErrors      int64      `json:"total_errors"`
	LatencyHistogram []int64    `json:"latency_histogram"` // [<1ms, <10ms, <100ms, <1s, >=1s]
	RecentBitsPerSec float64    `json:"recent_bits_per_sec"`
	RecentPerSec     float64    `json:"recent_searches_per_sec"`
	TopLabels        []LabelHit `json:"top_labels"`
}

// LabelHit counts ranges reported for one encoding label.
type LabelHit struct {
	Label string `json:"label"`
	Hits  int64  `json:"hits"`
}

// Snapshot copies current counters.
func (m *MetricsCollector) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		TotalSearches:    m.totalSearches,
		TotalResults:     m.totalResults,
		TotalRanges:      m.totalRanges,
		TotalBitsScanned: m.totalBits,
		TotalErrors:      m.totalErrors,
		LatencyHistogram: append([]int64(nil), m.latency[:]...),
		TopLabels:        m.topLabels(10),
	}
	if len(m.recent) > 0 {
		var total int64
		for _, r := range m.recent {
			total += r.bits
		}
		if elapsed := m.now().Sub(m.recent[0].at).Seconds(); elapsed > 0 {
			s.RecentBitsPerSec = float64(total) / elapsed
			s.RecentPerSec = float64(len(m.recent)) / elapsed
		}
	}
	return s
}

func (m *MetricsCollector) topLabels(n int) []LabelHit {
	out := make([]LabelHit, 0, len(m.labelHits))
	for l, h := range m.labelHits {
		out = append(out, LabelHit{Label: l, Hits: h})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hits != out[j].Hits {
			return out[i].Hits > out[j].Hits
		}
		return out[i].Label < out[j].Label
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// InstrumentedSearcher records every search into a MetricsCollector.
type InstrumentedSearcher struct {
	inner   Runner
	metrics *MetricsCollector
}

func NewInstrumentedSearcher(inner Runner, metrics *MetricsCollector) *InstrumentedSearcher {
	return &InstrumentedSearcher{inner: inner, metrics: metrics}
}

// Search delegates and records latency, results and errors. Results returned
// alongside an error are still counted.
func (is *InstrumentedSearcher) Search(ctx context.Context, target *bits.Sequence, tasks []Task) (Results, error) {
	start := time.Now()
	res, err := is.inner.Search(ctx, target, tasks)
	if err != nil {
		is.metrics.RecordError()
	}
	is.metrics.RecordSearch(time.Since(start), res, int64(target.Len()))
	return res, err
}

// Metrics exposes the collector snapshot.
func (is *InstrumentedSearcher) Metrics() Snapshot { return is.metrics.Snapshot() }
