package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pyzord/repstore/digest"
	"github.com/pyzord/repstore/errs"
	"github.com/pyzord/repstore/metrics"
	"github.com/pyzord/repstore/record"
)

var (
	bucketRecords   = []byte("records")
	bucketByUpdated = []byte("byUpdated")
)

// writerLockTimeout bounds how long BeginTx(true) waits to acquire the
// single-writer slot before surfacing errs.ErrTransient, standing in for
// the deadlock-detection/retryable-abort contract of spec.md §4.1.
const writerLockTimeout = 5 * time.Second

// BoltStore is the bbolt-backed Store implementation (see package doc and
// DESIGN.md for the engine-choice rationale).
type BoltStore struct {
	db       *bolt.DB
	opts     *Opts
	cache    *cache
	writerCh chan struct{} // size-1 semaphore serializing writable Tx
	cipher   *pageCipher   // nil unless Opts.EncryptionKey is set
}

// Open opens (creating if necessary) a BoltStore rooted at path. opts may
// be nil to use NewOpts("").
func Open(path string, opts *Opts) (*BoltStore, error) {
	if opts == nil {
		opts = NewOpts("")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:  1 * time.Second,
		PageSize: opts.PageSize,
	})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("store: open %s: %w: %w", path, errs.ErrTransient, err)
		}
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	var cipher *pageCipher
	if len(opts.EncryptionKey) > 0 {
		cipher, err = newPageCipher(opts.EncryptionKey)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %w: %v", errs.ErrCorrupt, err)
		}
	}
	err = db.Update(func(btx *bolt.Tx) error {
		if _, err := btx.CreateBucketIfNotExists(bucketRecords); err != nil {
			return err
		}
		_, err := btx.CreateBucketIfNotExists(bucketByUpdated)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	if cipher != nil {
		if err := verifyEncryptionKey(db, cipher); err != nil {
			db.Close()
			return nil, err
		}
	}
	s := &BoltStore{
		db:       db,
		opts:     opts,
		cache:    newCache(opts.Cores),
		writerCh: make(chan struct{}, 1),
		cipher:   cipher,
	}
	s.writerCh <- struct{}{}
	return s, nil
}

func indexKey(updated uint32, d digest.Digest) []byte {
	key := make([]byte, 4+digest.Size)
	binary.BigEndian.PutUint32(key[:4], updated)
	copy(key[4:], d[:])
	return key
}

func (s *BoltStore) encode(r record.Record) []byte {
	b := r.Marshal()
	if s.cipher != nil {
		return s.cipher.seal(b)
	}
	return b
}

func (s *BoltStore) decode(b []byte) (record.Record, error) {
	if s.cipher != nil {
		plain, err := s.cipher.open(b)
		if err != nil {
			return record.Record{}, fmt.Errorf("store: %w: %v", errs.ErrCorrupt, err)
		}
		return record.Unmarshal(plain)
	}
	return record.Unmarshal(b)
}

// Get implements Store.
func (s *BoltStore) Get(d digest.Digest) (record.Record, bool, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "get")

	if r, ok := s.cache.get(d); ok {
		return r, true, nil
	}
	var (
		r     record.Record
		found bool
		err   error
	)
	txErr := s.db.View(func(btx *bolt.Tx) error {
		b := btx.Bucket(bucketRecords).Get(d[:])
		if b == nil {
			return nil
		}
		found = true
		r, err = s.decode(b)
		return err
	})
	if txErr != nil {
		return record.Record{}, false, txErr
	}
	if found {
		s.cache.set(d, r)
	}
	return r, found, nil
}

// BeginTx implements Store.
func (s *BoltStore) BeginTx(writable bool) (*Tx, error) {
	if writable {
		select {
		case <-s.writerCh:
		case <-time.After(writerLockTimeout):
			return nil, fmt.Errorf("store: begin writable tx: %w", errs.ErrTransient)
		}
	}
	btx, err := s.db.Begin(writable)
	if err != nil {
		if writable {
			s.writerCh <- struct{}{}
		}
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	return &Tx{writable: writable, boltTx: btx, pending: make(map[digest.Digest]record.Record)}, nil
}

// GetInTx implements Store.
func (s *BoltStore) GetInTx(tx *Tx, d digest.Digest) (record.Record, bool, error) {
	if pending, ok := tx.pending[d]; ok {
		return pending, true, nil
	}
	b := tx.boltTx.Bucket(bucketRecords).Get(d[:])
	if b == nil {
		return record.Record{}, false, nil
	}
	r, err := s.decode(b)
	return r, err == nil, err
}

// Put implements Store.
func (s *BoltStore) Put(tx *Tx, d digest.Digest, r record.Record) error {
	records := tx.boltTx.Bucket(bucketRecords)
	byUpdated := tx.boltTx.Bucket(bucketByUpdated)

	if old := records.Get(d[:]); old != nil {
		oldRec, err := s.decode(old)
		if err == nil {
			if err := byUpdated.Delete(indexKey(oldRec.Updated, d)); err != nil {
				return err
			}
		}
	}
	if err := records.Put(d[:], s.encode(r)); err != nil {
		return err
	}
	if err := byUpdated.Put(indexKey(r.Updated, d), []byte{}); err != nil {
		return err
	}
	tx.pending[d] = r
	return nil
}

// PutBatch implements Store.
func (s *BoltStore) PutBatch(tx *Tx, pairs map[digest.Digest]record.Record) error {
	records := tx.boltTx.Bucket(bucketRecords)
	byUpdated := tx.boltTx.Bucket(bucketByUpdated)
	for d, r := range pairs {
		if old := records.Get(d[:]); old != nil {
			if oldRec, err := s.decode(old); err == nil {
				if err := byUpdated.Delete(indexKey(oldRec.Updated, d)); err != nil {
					return err
				}
			}
		}
		if err := records.Put(d[:], s.encode(r)); err != nil {
			return err
		}
		if err := byUpdated.Put(indexKey(r.Updated, d), []byte{}); err != nil {
			return err
		}
		tx.pending[d] = r
	}
	return nil
}

// Commit implements Store.
func (s *BoltStore) Commit(tx *Tx) error {
	if tx.done {
		return nil
	}
	tx.done = true
	defer s.releaseWriter(tx)
	if err := tx.boltTx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	for d, r := range tx.pending {
		s.cache.set(d, r)
	}
	return nil
}

// Abort implements Store.
func (s *BoltStore) Abort(tx *Tx) error {
	if tx.done {
		return nil
	}
	tx.done = true
	defer s.releaseWriter(tx)
	return tx.boltTx.Rollback()
}

func (s *BoltStore) releaseWriter(tx *Tx) {
	if tx.writable {
		s.writerCh <- struct{}{}
	}
}

// ScanByUpdated implements Store.
func (s *BoltStore) ScanByUpdated(from, to uint32, fn ScanFunc) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "scan_by_updated")

	return s.db.View(func(btx *bolt.Tx) error {
		records := btx.Bucket(bucketRecords)
		c := btx.Bucket(bucketByUpdated).Cursor()
		lower := indexKey(from, digest.Digest{})
		for k, _ := c.Seek(lower); k != nil; k, _ = c.Next() {
			updated := binary.BigEndian.Uint32(k[:4])
			if updated > to {
				break
			}
			var d digest.Digest
			copy(d[:], k[4:])
			b := records.Get(d[:])
			if b == nil {
				continue
			}
			r, err := s.decode(b)
			if err != nil {
				return err
			}
			if err := fn(d, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// ScanAll implements Store.
func (s *BoltStore) ScanAll(fn ScanFunc) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "scan_all")

	return s.db.View(func(btx *bolt.Tx) error {
		c := btx.Bucket(bucketRecords).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var d digest.Digest
			copy(d[:], k)
			r, err := s.decode(v)
			if err != nil {
				return err
			}
			if err := fn(d, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// Checkpoint implements Store. bbolt persists every commit durably
// already; Checkpoint calls bbolt's Sync, which flushes the database file
// to stable storage. It does not compact the file or reclaim freelist
// pages.
func (s *BoltStore) Checkpoint() error {
	return s.db.Sync()
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Stats exposes bbolt's own stats for operational dashboards.
func (s *BoltStore) Stats() bolt.Stats {
	return s.db.Stats()
}

func verifyEncryptionKey(db *bolt.DB, cipher *pageCipher) error {
	const probeKey = "\x00encryption-probe"
	return db.Update(func(btx *bolt.Tx) error {
		b := btx.Bucket(bucketRecords)
		existing := b.Get([]byte(probeKey))
		if existing == nil {
			sealed := cipher.seal([]byte("ok"))
			return b.Put([]byte(probeKey), sealed)
		}
		_, err := cipher.open(existing)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrCorrupt, err)
		}
		return nil
	})
}
