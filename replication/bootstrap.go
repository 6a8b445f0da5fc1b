package replication

import (
	"context"
	"time"

	"github.com/pyzord/repstore/errs"
	"github.com/pyzord/repstore/logging"
	"github.com/pyzord/repstore/store"
)

// BootstrapRetryInterval is how often opening a follower's local store
// handle is retried while store.Open reports errs.ErrTransient (bbolt
// could not take the file lock within its open timeout because another
// handle holds it).
const BootstrapRetryInterval = 30 * time.Second

// OpenFollowerStore opens path for read-write use by the replication
// transport. Per spec.md §4.1's ownership rule, only the replication
// transport may mutate a slave's store — callers must route every
// local front-end mutation upstream (pipeline.Forwarder) and never call
// Put on the handle this returns directly. A brand-new, empty path is
// the expected cold-start shape, not an error: data_stream.go's
// DataListener gives every newly-attached follower a full resync of the
// master's current records before switching to the live feed, so the
// full-rebuild-from-scratch case (spec.md §4.4) is satisfied over the
// wire rather than by pre-seeding the file out of band.
func OpenFollowerStore(ctx context.Context, path string, opts *store.Opts) (*store.BoltStore, error) {
	log := logging.WithComponent("replication.bootstrap")
	for {
		s, err := store.Open(path, opts)
		if err == nil {
			return s, nil
		}
		if kind, ok := errs.Classify(err); !ok || kind != errs.KindTransient {
			return nil, err
		}
		log.Warn().Err(err).Str("path", path).Msg("store not yet available, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(BootstrapRetryInterval):
		}
	}
}
