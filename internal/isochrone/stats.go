package isochrone

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Stats is a point-in-time view of a Service's counters.
type Stats struct {
	Hits     uint64 // payload served from the cache
	Misses   uint64
	Fetches  uint64 // fetcher invocations; a shared in-flight fetch counts once
	Failures uint64 // fetches that returned an error
	Shared   uint64 // callers whose result came from a request shared with others

	Payloads     uint64
	PayloadBytes uint64
	MinBytes     uint64
	MaxBytes     uint64
	AvgBytes     uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("hits=%d misses=%d fetches=%d failures=%d shared=%d payloads=%d min=%s avg=%s max=%s",
		s.Hits, s.Misses, s.Fetches, s.Failures, s.Shared, s.Payloads,
		formatBytes(s.MinBytes), formatBytes(s.AvgBytes), formatBytes(s.MaxBytes))
}

type statsCollector struct {
	hits, misses, fetches, failures, shared atomic.Uint64

	payloads atomic.Uint64
	total    atomic.Uint64
	min      atomic.Uint64
	max      atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.min.Store(math.MaxUint64)
	return s
}

// observe records the size of a payload handed to the parser.
func (s *statsCollector) observe(n int) {
	if n < 0 {
		n = 0
	}
	v := uint64(n)
	s.payloads.Add(1)
	s.total.Add(v)
	for cur := s.min.Load(); v < cur && !s.min.CompareAndSwap(cur, v); cur = s.min.Load() {
	}
	for cur := s.max.Load(); v > cur && !s.max.CompareAndSwap(cur, v); cur = s.max.Load() {
	}
}

func (s *statsCollector) snapshot() Stats {
	out := Stats{
		Hits:         s.hits.Load(),
		Misses:       s.misses.Load(),
		Fetches:      s.fetches.Load(),
		Failures:     s.failures.Load(),
		Shared:       s.shared.Load(),
		Payloads:     s.payloads.Load(),
		PayloadBytes: s.total.Load(),
		MaxBytes:     s.max.Load(),
	}
	if out.Payloads == 0 {
		return out
	}
	out.MinBytes = s.min.Load()
	out.AvgBytes = out.PayloadBytes / out.Payloads
	return out
}
