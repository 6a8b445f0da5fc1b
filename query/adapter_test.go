package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyzord/repstore/digest"
	"github.com/pyzord/repstore/record"
)

type fakeReader map[digest.Digest]record.Record

func (f fakeReader) Get(d digest.Digest) (record.Record, bool, error) {
	r, ok := f[d]
	return r, ok, nil
}

func TestLookupRequiresBothCounts(t *testing.T) {
	d := digest.MustParse("0000000000000000000000000000000000000000"[:40])
	reader := fakeReader{d: record.Record{ReportCount: 1, WhitelistCount: 0}}
	s := NewStoreAdapter(reader)
	_, found, err := s.Lookup(d)
	require.NoError(t, err)
	assert.False(t, found)

	reader[d] = record.Record{ReportCount: 1, WhitelistCount: 1}
	_, found, err = s.Lookup(d)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestExistsRequiresEitherCount(t *testing.T) {
	d := digest.MustParse("1111111111111111111111111111111111111111"[:40])
	now := time.Unix(10_000_000, 0)
	reader := fakeReader{d: record.Record{ReportCount: 1, Entered: uint32(now.Unix())}}
	s := NewStoreAdapter(reader)
	_, found, err := s.Exists(d, now)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestExistsAbsentWhenNoActivity(t *testing.T) {
	d := digest.MustParse("2222222222222222222222222222222222222222"[:40])
	reader := fakeReader{d: record.Record{}}
	s := NewStoreAdapter(reader)
	_, found, err := s.Exists(d, time.Now())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExistsSingleReportPastRetentionIsAbsent(t *testing.T) {
	d := digest.MustParse("3333333333333333333333333333333333333333"[:40])
	entered := time.Unix(1_000_000, 0)
	reader := fakeReader{d: record.Record{ReportCount: 1, Entered: uint32(entered.Unix())}}
	s := NewStoreAdapter(reader)

	now := entered.Add(Retention + time.Hour)
	_, found, err := s.Exists(d, now)
	require.NoError(t, err)
	assert.False(t, found)

	now = entered.Add(Retention - time.Hour)
	_, found, err = s.Exists(d, now)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestExistsMultipleReportsNeverExpireByThisRule(t *testing.T) {
	d := digest.MustParse("4444444444444444444444444444444444444444"[:40])
	entered := time.Unix(1_000_000, 0)
	reader := fakeReader{d: record.Record{ReportCount: 2, Entered: uint32(entered.Unix())}}
	s := NewStoreAdapter(reader)

	now := entered.Add(Retention + 1000*time.Hour)
	_, found, err := s.Exists(d, now)
	require.NoError(t, err)
	assert.True(t, found)
}
