package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	r := Record{
		Entered:          1000,
		Updated:          2000,
		ReportCount:      3,
		ReportEntered:    1000,
		ReportUpdated:    2000,
		WhitelistCount:   1,
		WhitelistEntered: 1500,
		WhitelistUpdated: 1500,
	}
	got, err := Unmarshal(r.Marshal())
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestUnmarshalShortBuffer(t *testing.T) {
	_, err := Unmarshal(make([]byte, Size-1))
	assert.ErrorIs(t, err, ErrShortBuffer)
}

// Scenario 1 from spec.md §8: fresh report.
func TestFreshReport(t *testing.T) {
	var r Record
	r.Report(1000)
	assert.Equal(t, uint32(1), r.ReportCount)
	assert.Equal(t, uint32(1000), r.Entered)
	assert.Equal(t, uint32(1000), r.Updated)
	assert.Equal(t, uint32(1000), r.ReportEntered)
	assert.Equal(t, uint32(1000), r.ReportUpdated)
	assert.Zero(t, r.WhitelistCount)
}

// Scenario 2 from spec.md §8: whitelist then report.
func TestWhitelistThenReport(t *testing.T) {
	var r Record
	r.Whitelist(1000)
	r.Report(1500)
	assert.Equal(t, uint32(1), r.ReportCount)
	assert.Equal(t, uint32(1), r.WhitelistCount)
	assert.Equal(t, uint32(1500), r.Updated)
	assert.Equal(t, uint32(1000), r.Entered)
}

func TestReportNTimes(t *testing.T) {
	var r Record
	const n = 25
	for i := uint32(0); i < n; i++ {
		r.Report(1000 + i)
	}
	assert.Equal(t, uint32(n), r.ReportCount)
}

func TestResetPreservesEnteredAndZeroesCounts(t *testing.T) {
	var r Record
	r.Report(1000)
	r.Whitelist(1200)
	entered := r.Entered
	r.Reset(5000)
	assert.Equal(t, entered, r.Entered)
	assert.Zero(t, r.ReportCount)
	assert.Zero(t, r.WhitelistCount)
	assert.Zero(t, r.ReportUpdated)
	assert.Zero(t, r.WhitelistUpdated)
	assert.Equal(t, uint32(5000), r.Updated)
}

func TestUpdatedNeverGoesBackwards(t *testing.T) {
	var r Record
	r.Report(2000)
	prevUpdated := r.Updated
	r.Report(1000) // an out-of-order, older mutation arrives later
	assert.GreaterOrEqual(t, r.Updated, prevUpdated)
	assert.GreaterOrEqual(t, r.Updated, uint32(1000))
}

func TestEnteredZeroOnlyBeforeFirstActivity(t *testing.T) {
	var r Record
	assert.Zero(t, r.Entered)
	assert.True(t, r.Zero())
	r.Report(1)
	assert.NotZero(t, r.Entered)
}
