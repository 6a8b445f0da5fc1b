// Package pipeline implements the mutation sequencers described in
// spec.md §4.2-4.3: on the master, a single-threaded per-record
// read-modify-write sequencer with bounded retry on transient store
// failure; on the slave, a forwarding FIFO that queues local mutations
// for the upstream connection. Both follow gholt-valuestore's
// single-writer dispatch idiom (valuesstore.go's `bulkSetChan`/
// `bulkSetAckChan` channel-sequenced write path), adapted from bulk-set
// batching to per-mutation RMW and explicit retry.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/pyzord/repstore/digest"
	"github.com/pyzord/repstore/errs"
	"github.com/pyzord/repstore/metrics"
	"github.com/pyzord/repstore/mutation"
	"github.com/pyzord/repstore/record"
	"github.com/pyzord/repstore/store"
)

// Store is the subset of store.Store the master pipeline drives.
type Store interface {
	BeginTx(writable bool) (*store.Tx, error)
	GetInTx(tx *store.Tx, d digest.Digest) (record.Record, bool, error)
	Put(tx *store.Tx, d digest.Digest, r record.Record) error
	PutBatch(tx *store.Tx, pairs map[digest.Digest]record.Record) error
	Commit(tx *store.Tx) error
	Abort(tx *store.Tx) error
}

// MaxRetries bounds the deadlock-retry loop in Apply (spec.md §4.2 step
// 5: "bounded retries, then surfaced as TransientFailure").
const MaxRetries = 8

// retryBackoff is the base delay between retries; it grows linearly rather
// than exponentially since the expected contention source (bolt's
// single in-process writer semaphore) resolves in well under a second.
const retryBackoff = 10 * time.Millisecond

// Master sequences mutations into per-record RMW transactions against a
// store. It must be driven from a single goroutine (the owning daemon's
// event loop); it holds no internal lock, matching spec.md §4.2's
// "single-threaded per store" requirement.
type Master struct {
	store     Store
	onApplied func(digest.Digest, record.Record)
}

// NewMaster wraps store for sequential mutation application.
func NewMaster(store Store) *Master {
	return &Master{store: store}
}

// OnApplied registers fn to be called, in commit order, with the
// fully-resolved record immediately after every mutation this Master
// commits successfully. fn runs synchronously on Apply's call path and
// must not block; it is the hook the data-replication broadcaster
// (replication.DataBroadcaster.Publish) attaches to, so every follower
// sees the same post-RMW record the master just wrote.
func (m *Master) OnApplied(fn func(digest.Digest, record.Record)) {
	m.onApplied = fn
}

// Apply performs the read-modify-write cycle in spec.md §4.2 for a
// single mutation, retrying the whole transaction up to MaxRetries times
// if the store reports a transient failure (e.g. a writer-lock timeout).
func (m *Master) Apply(ctx context.Context, mut mutation.Mutation) error {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r, err := m.applyOnce(mut)
		if err == nil {
			metrics.MutationsTotal.WithLabelValues(mut.Kind.String()).Inc()
			if m.onApplied != nil {
				m.onApplied(mut.Digest, r)
			}
			return nil
		}
		lastErr = err
		if kind, ok := errs.Classify(err); !ok || kind != errs.KindTransient {
			return err
		}
		metrics.MutationRetriesTotal.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff * time.Duration(attempt+1)):
		}
	}
	return fmt.Errorf("pipeline: apply %s after %d attempts: %w: %w", mut.Digest, MaxRetries, errs.ErrTransient, lastErr)
}

func (m *Master) applyOnce(mut mutation.Mutation) (record.Record, error) {
	tx, err := m.store.BeginTx(true)
	if err != nil {
		return record.Record{}, err
	}
	r, _, err := m.store.GetInTx(tx, mut.Digest)
	if err != nil {
		m.store.Abort(tx)
		return record.Record{}, err
	}

	switch mut.Kind {
	case mutation.Report:
		r.Report(mut.Time)
	case mutation.Whitelist:
		r.Whitelist(mut.Time)
	case mutation.Erase:
		r.Reset(mut.Time)
	default:
		m.store.Abort(tx)
		return record.Record{}, fmt.Errorf("pipeline: %w: mutation kind %d", errs.ErrBadInput, mut.Kind)
	}

	if err := m.store.Put(tx, mut.Digest, r); err != nil {
		m.store.Abort(tx)
		return record.Record{}, err
	}
	if err := m.store.Commit(tx); err != nil {
		return record.Record{}, err
	}
	return r, nil
}

// ImportBatch applies a map of raw (digest, record) pairs as a single
// transaction with no read-modify-write, per spec.md §4.2's bootstrap
// variant. Callers guarantee no duplicate digests within a batch; the
// caller (the importer) is responsible for chunking to the configured
// batch size.
func (m *Master) ImportBatch(pairs map[digest.Digest]record.Record) error {
	if len(pairs) == 0 {
		return nil
	}
	tx, err := m.store.BeginTx(true)
	if err != nil {
		return err
	}
	if err := m.store.PutBatch(tx, pairs); err != nil {
		m.store.Abort(tx)
		return err
	}
	return m.store.Commit(tx)
}
