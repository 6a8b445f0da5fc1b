package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyzord/repstore/digest"
	"github.com/pyzord/repstore/errs"
	"github.com/pyzord/repstore/mutation"
	"github.com/pyzord/repstore/record"
	"github.com/pyzord/repstore/store"
)

// fakeStore is an in-memory stand-in for store.Store, letting the
// pipeline tests exercise RMW sequencing and retry without bbolt.
type fakeStore struct {
	records map[digest.Digest]record.Record
	txOpen  bool

	failBeginTimes int // BeginTx fails this many times before succeeding
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[digest.Digest]record.Record{}}
}

func (s *fakeStore) BeginTx(writable bool) (*store.Tx, error) {
	if s.failBeginTimes > 0 {
		s.failBeginTimes--
		return nil, errs.ErrTransient
	}
	return &store.Tx{}, nil
}

func (s *fakeStore) GetInTx(tx *store.Tx, d digest.Digest) (record.Record, bool, error) {
	r, ok := s.records[d]
	return r, ok, nil
}

func (s *fakeStore) Put(tx *store.Tx, d digest.Digest, r record.Record) error {
	s.records[d] = r
	return nil
}

func (s *fakeStore) PutBatch(tx *store.Tx, pairs map[digest.Digest]record.Record) error {
	for d, r := range pairs {
		s.records[d] = r
	}
	return nil
}

func (s *fakeStore) Commit(tx *store.Tx) error { return nil }
func (s *fakeStore) Abort(tx *store.Tx) error  { return nil }

func mustDigest(t *testing.T, hex string) digest.Digest {
	t.Helper()
	d, err := digest.Parse(hex)
	require.NoError(t, err)
	return d
}

func TestApplyReportOnFreshRecord(t *testing.T) {
	s := newFakeStore()
	m := NewMaster(s)
	d := mustDigest(t, "0102030405060708090a0b0c0d0e0f1011121314")

	require.NoError(t, m.Apply(context.Background(), mutation.Mutation{Digest: d, Kind: mutation.Report, Time: 100}))

	r := s.records[d]
	assert.Equal(t, uint32(1), r.ReportCount)
	assert.Equal(t, uint32(100), r.ReportEntered)
	assert.Equal(t, uint32(100), r.Entered)
}

func TestApplySecondMutationAccumulates(t *testing.T) {
	s := newFakeStore()
	m := NewMaster(s)
	d := mustDigest(t, "0102030405060708090a0b0c0d0e0f1011121314")

	require.NoError(t, m.Apply(context.Background(), mutation.Mutation{Digest: d, Kind: mutation.Report, Time: 100}))
	require.NoError(t, m.Apply(context.Background(), mutation.Mutation{Digest: d, Kind: mutation.Report, Time: 200}))

	r := s.records[d]
	assert.Equal(t, uint32(2), r.ReportCount)
	assert.Equal(t, uint32(100), r.ReportEntered)
	assert.Equal(t, uint32(200), r.Updated)
}

func TestApplyEraseResetsCounters(t *testing.T) {
	s := newFakeStore()
	m := NewMaster(s)
	d := mustDigest(t, "0102030405060708090a0b0c0d0e0f1011121314")

	require.NoError(t, m.Apply(context.Background(), mutation.Mutation{Digest: d, Kind: mutation.Report, Time: 100}))
	require.NoError(t, m.Apply(context.Background(), mutation.Mutation{Digest: d, Kind: mutation.Erase, Time: 200}))

	r := s.records[d]
	assert.Equal(t, uint32(0), r.ReportCount)
	assert.Equal(t, uint32(200), r.Updated)
}

func TestApplyRetriesOnTransientFailure(t *testing.T) {
	s := newFakeStore()
	s.failBeginTimes = 3
	m := NewMaster(s)
	d := mustDigest(t, "0102030405060708090a0b0c0d0e0f1011121314")

	require.NoError(t, m.Apply(context.Background(), mutation.Mutation{Digest: d, Kind: mutation.Report, Time: 1}))
	assert.Equal(t, uint32(1), s.records[d].ReportCount)
}

func TestApplyExhaustsRetriesAndSurfacesTransient(t *testing.T) {
	s := newFakeStore()
	s.failBeginTimes = MaxRetries + 10
	m := NewMaster(s)
	d := mustDigest(t, "0102030405060708090a0b0c0d0e0f1011121314")

	err := m.Apply(context.Background(), mutation.Mutation{Digest: d, Kind: mutation.Report, Time: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrTransient))
}

func TestApplyRejectsBadKind(t *testing.T) {
	s := newFakeStore()
	m := NewMaster(s)
	d := mustDigest(t, "0102030405060708090a0b0c0d0e0f1011121314")

	err := m.Apply(context.Background(), mutation.Mutation{Digest: d, Kind: mutation.Kind(99), Time: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrBadInput))
}

func TestImportBatchNoRMW(t *testing.T) {
	s := newFakeStore()
	m := NewMaster(s)
	d1 := mustDigest(t, "0102030405060708090a0b0c0d0e0f1011121314")
	d2 := mustDigest(t, "1112030405060708090a0b0c0d0e0f1011121314")

	err := m.ImportBatch(map[digest.Digest]record.Record{
		d1: {Updated: 1, ReportCount: 1},
		d2: {Updated: 2, WhitelistCount: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), s.records[d1].ReportCount)
	assert.Equal(t, uint32(1), s.records[d2].WhitelistCount)
}

func TestOnAppliedReceivesResolvedRecordInCommitOrder(t *testing.T) {
	s := newFakeStore()
	m := NewMaster(s)
	d := mustDigest(t, "0102030405060708090a0b0c0d0e0f1011121314")

	var seen []record.Record
	m.OnApplied(func(got digest.Digest, r record.Record) {
		require.Equal(t, d, got)
		seen = append(seen, r)
	})

	require.NoError(t, m.Apply(context.Background(), mutation.Mutation{Digest: d, Kind: mutation.Report, Time: 100}))
	require.NoError(t, m.Apply(context.Background(), mutation.Mutation{Digest: d, Kind: mutation.Report, Time: 200}))

	require.Len(t, seen, 2)
	assert.Equal(t, uint32(1), seen[0].ReportCount)
	assert.Equal(t, uint32(2), seen[1].ReportCount)
}

func TestOnAppliedNotCalledOnFailedApply(t *testing.T) {
	s := newFakeStore()
	m := NewMaster(s)
	d := mustDigest(t, "0102030405060708090a0b0c0d0e0f1011121314")

	called := false
	m.OnApplied(func(digest.Digest, record.Record) { called = true })

	err := m.Apply(context.Background(), mutation.Mutation{Digest: d, Kind: mutation.Kind(99), Time: 1})
	require.Error(t, err)
	assert.False(t, called)
}

func TestImportBatchEmptyIsNoop(t *testing.T) {
	s := newFakeStore()
	m := NewMaster(s)
	require.NoError(t, m.ImportBatch(nil))
	assert.Empty(t, s.records)
}
