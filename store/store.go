// Package store implements the durable, crash-safe digest→record mapping
// described in spec.md §4.1: point lookups, transactional upserts that
// keep a secondary time-ordered index consistent, ordered range scans by
// last-modified time, and a checkpoint operation. The persistent engine
// is go.etcd.io/bbolt (see DESIGN.md for why); a sharded in-memory cache
// (locmap.go) sits in front of it the way gholt-valuestore's valuelocmap
// sits in front of its value files.
package store

import (
	"os"
	"runtime"
	"strconv"

	bolt "go.etcd.io/bbolt"

	"github.com/pyzord/repstore/digest"
	"github.com/pyzord/repstore/record"
)

// Opts configures a Store. NewOpts fills every field from environment
// variables or built-in defaults; Open calls NewOpts("") only when given
// a nil *Opts and otherwise uses the Opts as passed.
type Opts struct {
	Cores           int
	CacheBytes      int
	ImportBatchSize int
	PageSize        int
	EncryptionKey   []byte
	MaxConcurrentTx int
}

// NewOpts resolves an Opts from environment variables under envPrefix
// (default "REPSTORE_"), falling back to spec.md's defaults (4 KiB pages,
// 25,000-record import batches, lock table sized for 2x the import
// batch).
func NewOpts(envPrefix string) *Opts {
	if envPrefix == "" {
		envPrefix = "REPSTORE_"
	}
	o := &Opts{}
	if v := envInt(envPrefix + "CORES"); v > 0 {
		o.Cores = v
	} else {
		o.Cores = runtime.GOMAXPROCS(0)
	}
	if v := envInt(envPrefix + "CACHE_BYTES"); v > 0 {
		o.CacheBytes = v
	} else {
		o.CacheBytes = 64 * 1024 * 1024
	}
	if v := envInt(envPrefix + "IMPORT_BATCH_SIZE"); v > 0 {
		o.ImportBatchSize = v
	} else {
		o.ImportBatchSize = 25000
	}
	if v := envInt(envPrefix + "PAGE_SIZE"); v > 0 {
		o.PageSize = v
	} else {
		o.PageSize = 4096
	}
	if v := envInt(envPrefix + "MAX_CONCURRENT_TX"); v > 0 {
		o.MaxConcurrentTx = v
	} else {
		o.MaxConcurrentTx = o.ImportBatchSize * 2
	}
	if key := os.Getenv(envPrefix + "ENCRYPTION_KEY"); key != "" {
		o.EncryptionKey = []byte(key)
	}
	return o
}

func envInt(name string) int {
	v, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return 0
	}
	return v
}

// Tx is a handle to an in-flight transaction obtained from BeginTx. It
// carries the writer-semaphore release hook and any cache updates staged
// for after a successful Commit.
type Tx struct {
	writable bool
	done     bool
	boltTx   *bolt.Tx
	pending  map[digest.Digest]record.Record
}

// ScanFunc is called once per (digest, record) pair during a scan. A
// non-nil return stops the scan early.
type ScanFunc func(d digest.Digest, r record.Record) error

// Store is the contract spec.md §4.1 requires of the persistent engine.
type Store interface {
	// Get performs a point lookup outside any caller-visible transaction.
	Get(d digest.Digest) (record.Record, bool, error)

	// BeginTx starts a transaction. writable=true acquires exclusive
	// write access (bounded by a lock-table-style timeout that surfaces
	// errs.ErrTransient on contention, per spec.md's deadlock-detection
	// requirement); writable=false opens a point-in-time read view.
	BeginTx(writable bool) (*Tx, error)

	// GetInTx reads d's current record within tx, for read-modify-write
	// sequences (spec.md §4.2 step 2).
	GetInTx(tx *Tx, d digest.Digest) (record.Record, bool, error)

	// Put upserts d→r under tx, updating the secondary time index in the
	// same transaction.
	Put(tx *Tx, d digest.Digest, r record.Record) error

	// PutBatch is the bootstrap/import fast path (spec.md §4.2): callers
	// guarantee no duplicate digests within a single batch, so records are
	// written without read-modify-write. As in Put, the old index entry of
	// a digest already in the store is removed.
	PutBatch(tx *Tx, pairs map[digest.Digest]record.Record) error

	// Commit finalizes tx, making its writes durable and visible.
	Commit(tx *Tx) error

	// Abort discards tx's writes.
	Abort(tx *Tx) error

	// ScanByUpdated yields records in ascending Updated order, from and
	// to inclusive; ties are enumerated exhaustively.
	ScanByUpdated(from, to uint32, fn ScanFunc) error

	// ScanAll yields every record in unspecified order.
	ScanAll(fn ScanFunc) error

	// Checkpoint flushes the store's file to stable storage; safe to call
	// concurrently with reads and writes.
	Checkpoint() error

	// Close releases the underlying database handle. The primary records
	// and the time index live in one bbolt file and are closed together in
	// a single step.
	Close() error
}
