package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestRing(window int, start time.Time) (*Ring, *fakeClock) {
	r := New(window)
	fc := &fakeClock{t: start}
	r.now = fc.Now
	r.lastSec = start.Unix()
	return r, fc
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }
func (f *fakeClock) Advance(d time.Duration) {
	f.t = f.t.Add(d)
}

func TestReportAndTotal(t *testing.T) {
	r, _ := newTestRing(5, time.Unix(1000, 0))
	r.Report()
	r.Report()
	r.Report()
	assert.Equal(t, uint64(3), r.Total())
}

func TestAverageOverWindow(t *testing.T) {
	r, fc := newTestRing(4, time.Unix(1000, 0))
	r.Report()
	fc.Advance(1 * time.Second)
	r.Report()
	r.Report()
	fc.Advance(1 * time.Second)
	r.Report()
	// 4 buckets, 4 events spread over 3 buckets used -> average counts
	// zeros for untouched buckets too.
	avg := r.Average()
	assert.InDelta(t, 1.0, avg, 0.001)
}

func TestClockJumpForwardZeroesInterveningBuckets(t *testing.T) {
	r, fc := newTestRing(3, time.Unix(1000, 0))
	r.Report()
	r.Report()
	assert.Equal(t, uint64(2), r.Total())

	fc.Advance(100 * time.Second) // far beyond the window
	assert.InDelta(t, 0.0, r.Average(), 0.001)
	// Total (lifetime) is unaffected by the window reset.
	assert.Equal(t, uint64(2), r.Total())

	r.Report()
	assert.Equal(t, uint64(3), r.Total())
}

func TestClockJumpBackwardIsIgnored(t *testing.T) {
	r, fc := newTestRing(3, time.Unix(1000, 0))
	r.Report()
	fc.Advance(-50 * time.Second)
	r.Report()
	assert.Equal(t, uint64(2), r.Total())
}

func TestDefaultWindow(t *testing.T) {
	r := New(0)
	assert.Len(t, r.buckets, DefaultWindow)
}
