package replication

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyzord/repstore/digest"
	"github.com/pyzord/repstore/record"
	"github.com/pyzord/repstore/store"
)

func openDataStreamTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"), store.NewOpts(""))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func putDirect(t *testing.T, s store.Store, hex string, r record.Record) digest.Digest {
	t.Helper()
	d, err := digest.Parse(hex)
	require.NoError(t, err)
	tx, err := s.BeginTx(true)
	require.NoError(t, err)
	require.NoError(t, s.Put(tx, d, r))
	require.NoError(t, s.Commit(tx))
	return d
}

func waitForRecord(t *testing.T, s store.Store, d digest.Digest, want record.Record) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r, ok, err := s.Get(d)
		require.NoError(t, err)
		if ok && r == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %x to reach %+v", d, want)
}

func TestDataListenerResyncsExistingRecordsOnConnect(t *testing.T) {
	master := openDataStreamTestStore(t)
	r := record.Record{Entered: 100, Updated: 100, ReportCount: 1}
	d := putDirect(t, master, "0102030405060708090a0b0c0d0e0f1011121314", r)

	broadcaster := NewDataBroadcaster()
	listener := NewDataListener(broadcaster, master)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Serve(ctx, ln)

	follower := openDataStreamTestStore(t)
	go ConsumeDataStream(ctx, ln.Addr().String(), follower)

	waitForRecord(t, follower, d, r)
}

func TestDataListenerForwardsLiveMutations(t *testing.T) {
	master := openDataStreamTestStore(t)
	broadcaster := NewDataBroadcaster()
	listener := NewDataListener(broadcaster, master)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Serve(ctx, ln)

	follower := openDataStreamTestStore(t)
	go ConsumeDataStream(ctx, ln.Addr().String(), follower)

	// Give the follower a moment to attach and finish its (empty) resync
	// scan before publishing, matching the subscribe-before-scan ordering
	// this is meant to exercise.
	time.Sleep(100 * time.Millisecond)

	r := record.Record{Entered: 200, Updated: 200, ReportCount: 1}
	d, err := digest.Parse("1112030405060708090a0b0c0d0e0f1011121314")
	require.NoError(t, err)
	broadcaster.Publish(d, r)

	waitForRecord(t, follower, d, r)
}

func TestDataBroadcasterDropsSlowSubscriber(t *testing.T) {
	b := NewDataBroadcaster()
	sub := b.subscribe()
	defer b.unsubscribe(sub)

	var d digest.Digest
	for i := 0; i < DataBacklog+1; i++ {
		b.Publish(d, record.Record{})
	}

	b.mu.Lock()
	_, stillSubscribed := b.subs[sub]
	b.mu.Unlock()
	assert.False(t, stillSubscribed, "subscriber with a full queue should be dropped, not blocked on")
}
