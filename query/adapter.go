package query

import (
	"context"
	"time"

	"github.com/pyzord/repstore/digest"
	"github.com/pyzord/repstore/mutation"
	"github.com/pyzord/repstore/record"
)

// Reader is the narrow slice of store.Store that NewStoreAdapter needs;
// declared locally so this package doesn't import store (which would be
// the wrong dependency direction — store is a lower-level module than
// the query front-end seam).
type Reader interface {
	Get(d digest.Digest) (record.Record, bool, error)
}

// storeAdapter implements Store over a Reader.
type storeAdapter struct {
	r Reader
}

// NewStoreAdapter wraps a store.Store (or anything satisfying Reader) as
// a query.Store.
func NewStoreAdapter(r Reader) Store {
	return storeAdapter{r: r}
}

func (a storeAdapter) Lookup(d digest.Digest) (record.Record, bool, error) {
	r, found, err := a.r.Get(d)
	if err != nil || !found {
		return r, false, err
	}
	if r.ReportCount == 0 || r.WhitelistCount == 0 {
		return r, false, nil
	}
	return r, true, nil
}

func (a storeAdapter) Exists(d digest.Digest, now time.Time) (record.Record, bool, error) {
	r, found, err := a.r.Get(d)
	if err != nil || !found {
		return r, false, err
	}
	if r.ReportCount == 0 && r.WhitelistCount == 0 {
		return r, false, nil
	}
	if r.ReportCount == 1 {
		entered := time.Unix(int64(r.Entered), 0)
		if now.Sub(entered) > Retention {
			return r, false, nil
		}
	}
	return r, true, nil
}

// Applier is the narrow slice of pipeline.Master that NewMutationSink
// needs; declared locally for the same reason Reader is (query sits
// above pipeline in the dependency graph, not below it).
type Applier interface {
	Apply(ctx context.Context, mut mutation.Mutation) error
}

// sinkAdapter implements MutationSink over an Applier, translating the
// three named operations into the wire Mutation triple the pipeline
// actually sequences.
type sinkAdapter struct {
	applier Applier
}

// NewMutationSink wraps a pipeline.Master (or anything satisfying
// Applier) as a query.MutationSink, for a front-end posting individual
// report/whitelist/erase operations rather than raw Mutations.
func NewMutationSink(applier Applier) MutationSink {
	return sinkAdapter{applier: applier}
}

func (a sinkAdapter) Report(d digest.Digest, at time.Time) error {
	return a.applier.Apply(context.Background(), mutation.Mutation{Digest: d, Kind: mutation.Report, Time: uint32(at.Unix())})
}

func (a sinkAdapter) Whitelist(d digest.Digest, at time.Time) error {
	return a.applier.Apply(context.Background(), mutation.Mutation{Digest: d, Kind: mutation.Whitelist, Time: uint32(at.Unix())})
}

func (a sinkAdapter) Erase(d digest.Digest, at time.Time) error {
	return a.applier.Apply(context.Background(), mutation.Mutation{Digest: d, Kind: mutation.Erase, Time: uint32(at.Unix())})
}
