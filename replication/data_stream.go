// data_stream.go implements spec.md §4.4's "Data replication" stream:
// opaque storage-layer log records pushed from master to every
// connected follower, in commit order, sufficient to rebuild a
// follower's store from scratch over the wire. It is distinct from the
// mutation-forwarding channel in conn.go/slave_client.go/
// master_listener.go, which only carries slave-originated writes
// upstream; this stream carries the master's already-resolved records
// downstream.
package replication

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pyzord/repstore/digest"
	"github.com/pyzord/repstore/logging"
	"github.com/pyzord/repstore/record"
	"github.com/pyzord/repstore/store"
)

// dataRecordSize is the on-wire size of one data-replication log
// record: a 20-byte digest followed by the record's fixed 32-byte
// big-endian encoding.
const dataRecordSize = digest.Size + record.Size

// DataBacklog bounds how many unsent records a single follower's
// outbound queue may hold. A follower that falls this far behind is
// dropped; per spec.md §4.4's "client ack policy is none", the master
// never slows down for a slow follower, and a dropped follower simply
// reconnects and receives a fresh full resync.
const DataBacklog = 4096

// DataBroadcaster fans out committed (digest, record) pairs to every
// attached follower connection, in commit order.
type DataBroadcaster struct {
	mu   sync.Mutex
	subs map[*dataSub]struct{}
}

// NewDataBroadcaster creates an empty broadcaster; wire its Publish
// method to a pipeline.Master via Master.OnApplied.
func NewDataBroadcaster() *DataBroadcaster {
	return &DataBroadcaster{subs: make(map[*dataSub]struct{})}
}

type dataSub struct {
	ch chan dataEntry
}

type dataEntry struct {
	d digest.Digest
	r record.Record
}

// Publish fans (d, r) out to every attached follower without blocking;
// a follower whose queue is full is disconnected rather than allowed to
// back-pressure the write path.
func (b *DataBroadcaster) Publish(d digest.Digest, r record.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- dataEntry{d: d, r: r}:
		default:
			close(s.ch)
			delete(b.subs, s)
		}
	}
}

func (b *DataBroadcaster) subscribe() *dataSub {
	s := &dataSub{ch: make(chan dataEntry, DataBacklog)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *DataBroadcaster) unsubscribe(s *dataSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

// DataListener serves the data-replication stream on its own listener
// (conventionally the mutation-forwarding port + 1; see
// cmd/repstore-master). Each accepted connection first receives a full
// scan of the current store, then the live broadcast feed, giving a
// freshly-connecting follower a complete copy without any separate
// bootstrap transport.
type DataListener struct {
	broadcaster *DataBroadcaster
	store       store.Store
}

// NewDataListener wraps store so every new follower connection begins
// with a full ScanAll resync before joining the live broadcast.
func NewDataListener(b *DataBroadcaster, s store.Store) *DataListener {
	return &DataListener{broadcaster: b, store: s}
}

// Serve accepts connections on ln until ctx is cancelled or the
// listener errors.
func (l *DataListener) Serve(ctx context.Context, ln net.Listener) error {
	log := logging.WithComponent("replication.data_listener")
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Info().Str("remote", nc.RemoteAddr().String()).Msg("follower attached to data stream")
		go l.handle(ctx, nc)
	}
}

func (l *DataListener) handle(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	log := logging.WithConn(nc.RemoteAddr().String())

	// Subscribing before scanning means any mutation committed while the
	// scan is in flight lands in sub.ch instead of being missed; it is
	// simply replayed (harmlessly — Put is idempotent per digest) once
	// the live feed starts below.
	sub := l.broadcaster.subscribe()
	defer l.broadcaster.unsubscribe(sub)

	var buf [dataRecordSize]byte
	write := func(d digest.Digest, r record.Record) error {
		copy(buf[0:digest.Size], d[:])
		r.MarshalTo(buf[digest.Size:])
		_, err := nc.Write(buf[:])
		return err
	}

	if err := l.store.ScanAll(func(d digest.Digest, r record.Record) error {
		return write(d, r)
	}); err != nil {
		log.Error().Err(err).Msg("data stream: full resync scan failed")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-sub.ch:
			if !ok {
				log.Warn().Msg("data stream: follower fell too far behind, disconnecting")
				return
			}
			if err := write(entry.d, entry.r); err != nil {
				return
			}
		}
	}
}

// ConsumeDataStream dials addr and applies every incoming (digest,
// record) pair directly to s — no read-modify-write, since each record
// arriving here is already the master's fully-resolved result (the
// counter-commutativity note in spec.md §8: followers never run their
// own read-modify-write) — until ctx is cancelled, reconnecting with the
// same backoff as the mutation-forwarding client on any failure.
func ConsumeDataStream(ctx context.Context, addr string, s store.Store) {
	log := logging.WithComponent("replication.data_stream")
	var dialer net.Dialer
	for {
		if ctx.Err() != nil {
			return
		}
		nc, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			log.Warn().Err(err).Str("addr", addr).Msg("data stream connect failed, backing off")
			if !sleepCtx(ctx, reconnectBackoff) {
				return
			}
			continue
		}
		log.Info().Str("addr", addr).Msg("data stream connected")
		consumeOne(ctx, nc, s, log)
		nc.Close()
		if !sleepCtx(ctx, reconnectBackoff) {
			return
		}
	}
}

func consumeOne(ctx context.Context, nc net.Conn, s store.Store, log zerolog.Logger) {
	var buf [dataRecordSize]byte
	for {
		if ctx.Err() != nil {
			return
		}
		nc.SetReadDeadline(time.Now().Add(ReadTimeout))
		if _, err := io.ReadFull(nc, buf[:]); err != nil {
			if err != io.EOF {
				log.Warn().Err(err).Msg("data stream read failed")
			}
			return
		}
		var d digest.Digest
		copy(d[:], buf[0:digest.Size])
		r, err := record.Unmarshal(buf[digest.Size:])
		if err != nil {
			log.Error().Err(err).Msg("data stream: received malformed record")
			return
		}
		if err := applyDirect(s, d, r); err != nil {
			log.Error().Err(err).Str("digest", d.String()).Msg("data stream: failed to apply record")
		}
	}
}

func applyDirect(s store.Store, d digest.Digest, r record.Record) error {
	tx, err := s.BeginTx(true)
	if err != nil {
		return err
	}
	if err := s.Put(tx, d, r); err != nil {
		s.Abort(tx)
		return err
	}
	return s.Commit(tx)
}
