package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyzord/repstore/digest"
	"github.com/pyzord/repstore/dumpcodec"
	"github.com/pyzord/repstore/record"
	"github.com/pyzord/repstore/store"
)

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "store.db"), store.NewOpts(""))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func putOne(t *testing.T, s store.Store, hex string, r record.Record) {
	t.Helper()
	d, err := digest.Parse(hex)
	require.NoError(t, err)
	tx, err := s.BeginTx(true)
	require.NoError(t, err)
	require.NoError(t, s.Put(tx, d, r))
	require.NoError(t, s.Commit(tx))
}

func TestRunWritesInitialFullSnapshot(t *testing.T) {
	s := openTestStore(t)
	putOne(t, s, "0102030405060708090a0b0c0d0e0f1011121314", record.Record{Updated: 100, ReportCount: 1})

	root := t.TempDir()
	e := New(root, s, nil)
	delay, err := e.Run()
	require.NoError(t, err)
	assert.Equal(t, Cadence, delay)

	snaps, err := e.listSnapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	linkPath := filepath.Join(e.snapshotsPath(), currentLink)
	info, err := os.Lstat(linkPath)
	require.NoError(t, err)
	assert.False(t, info.IsDir())
}

func TestRunReschedulesWhenStoreNotUp(t *testing.T) {
	s := openTestStore(t)
	root := t.TempDir()
	e := New(root, s, func() bool { return false })
	delay, err := e.Run()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, delay)
}

func TestRunWritesDeltaWhenSnapshotRecent(t *testing.T) {
	s := openTestStore(t)
	root := t.TempDir()
	now := time.Unix(1_000_000_000, 0)
	e := New(root, s, nil)
	e.now = func() time.Time { return now }

	_, err := e.Run()
	require.NoError(t, err)
	snapsAfterFirst, err := e.listSnapshots()
	require.NoError(t, err)
	require.Len(t, snapsAfterFirst, 1)

	putOne(t, s, "0102030405060708090a0b0c0d0e0f1011121314", record.Record{Updated: uint32(now.Unix()), ReportCount: 1})

	e.now = func() time.Time { return now.Add(1 * time.Hour) }
	_, err = e.Run()
	require.NoError(t, err)

	updates, err := e.listUpdates()
	require.NoError(t, err)
	assert.Len(t, updates, 1)

	snapsAfterSecond, err := e.listSnapshots()
	require.NoError(t, err)
	assert.Len(t, snapsAfterSecond, 1, "still within SnapshotInterval, no second snapshot expected")
}

func TestRunWritesFreshSnapshotAfterInterval(t *testing.T) {
	s := openTestStore(t)
	root := t.TempDir()
	now := time.Unix(1_000_000_000, 0)
	e := New(root, s, nil)
	e.now = func() time.Time { return now }
	_, err := e.Run()
	require.NoError(t, err)

	e.now = func() time.Time { return now.Add(SnapshotInterval + time.Minute) }
	_, err = e.Run()
	require.NoError(t, err)

	snaps, err := e.listSnapshots()
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestExpireArtifactsRemovesOldSnapshotsAndStaleUpdates(t *testing.T) {
	s := openTestStore(t)
	root := t.TempDir()
	now := time.Unix(1_000_000_000, 0)
	e := New(root, s, nil)
	e.now = func() time.Time { return now }
	require.NoError(t, os.MkdirAll(e.snapshotsPath(), 0o755))
	require.NoError(t, os.MkdirAll(e.updatesPath(), 0o755))

	oldEpoch := uint32(now.Add(-RetentionHorizon - time.Hour).Unix())
	newEpoch := uint32(now.Add(-1 * time.Hour).Unix())
	writeEmptySnapshotFile(t, e, oldEpoch)
	writeEmptySnapshotFile(t, e, newEpoch)
	writeEmptyUpdateFile(t, e, 0, oldEpoch-1)
	writeEmptyUpdateFile(t, e, newEpoch, newEpoch+299)

	require.NoError(t, e.expireArtifacts())

	snaps, err := e.listSnapshots()
	require.NoError(t, err)
	assert.Equal(t, []uint32{newEpoch}, snaps)

	updates, err := e.listUpdates()
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, newEpoch+299, updates[0][1])
}

func writeEmptySnapshotFile(t *testing.T, e *Emitter, epoch uint32) {
	t.Helper()
	path := filepath.Join(e.snapshotsPath(), strconv32(epoch))
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := dumpcodec.NewWriter(f)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func writeEmptyUpdateFile(t *testing.T, e *Emitter, from, to uint32) {
	t.Helper()
	path := filepath.Join(e.updatesPath(), strconv32(from)+strconv32(to))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func strconv32(v uint32) string {
	const digits = "0123456789"
	b := make([]byte, 10)
	for i := 9; i >= 0; i-- {
		b[i] = digits[v%10]
		v /= 10
	}
	return string(b)
}
