// Package stats implements the sliding-window operation counter from
// spec.md §4.8, grounded on the original bohuno-pyzord's
// sources/common/statistics.{hpp,cpp}: a ring of one-second buckets that
// resets intervening buckets when the wall clock jumps forward, so the
// structure tolerates clock skew and idle periods without special-casing
// them. Each report() additionally increments a package-level Prometheus
// counter (metrics.StatsRingReportsTotal) so the same event is visible
// both as a short-window rate and as a cumulative scrape-friendly total.
package stats

import (
	"sync"
	"time"

	"github.com/pyzord/repstore/metrics"
)

// DefaultWindow is the default number of one-second buckets (spec.md
// §4.8: default 300).
const DefaultWindow = 300

// Ring is a fixed-size sliding window of per-second counters.
type Ring struct {
	mu      sync.Mutex
	buckets []uint64
	total   uint64
	current int
	lastSec int64
	now     func() time.Time
}

// New creates a Ring with window buckets. window <= 0 uses DefaultWindow.
func New(window int) *Ring {
	if window <= 0 {
		window = DefaultWindow
	}
	r := &Ring{
		buckets: make([]uint64, window),
		now:     time.Now,
	}
	r.lastSec = r.now().Unix()
	return r
}

// Report records one event in the current bucket, advancing the window
// if wall-clock time has moved forward since the last call.
func (r *Ring) Report() {
	r.mu.Lock()
	r.advanceLocked(r.now().Unix())
	r.buckets[r.current]++
	r.total++
	r.mu.Unlock()
	metrics.StatsRingReportsTotal.Inc()
}

// advanceLocked moves the current-bucket pointer forward to sec,
// zeroing every bucket it passes over. A backward jump (sec < lastSec)
// is treated as "no time has passed" rather than winding the ring
// backward.
func (r *Ring) advanceLocked(sec int64) {
	if sec <= r.lastSec {
		return
	}
	delta := sec - r.lastSec
	n := int64(len(r.buckets))
	if delta >= n {
		// A long idle period or a forward clock jump: the entire window
		// is stale, clear it in one pass instead of looping n times.
		for i := range r.buckets {
			r.buckets[i] = 0
		}
	} else {
		for i := int64(1); i <= delta; i++ {
			r.current = (r.current + 1) % len(r.buckets)
			r.buckets[r.current] = 0
		}
	}
	r.lastSec = sec
}

// Average returns the mean events per bucket over the window.
func (r *Ring) Average() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked(r.now().Unix())
	var sum uint64
	for _, b := range r.buckets {
		sum += b
	}
	return float64(sum) / float64(len(r.buckets))
}

// Total returns the lifetime count of reported events.
func (r *Ring) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
