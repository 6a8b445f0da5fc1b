// Package query defines the collaborator interfaces an out-of-core
// front-end (the UDP text protocol, the HTTP/JSON API — spec.md §6) needs
// against the store and pipeline, without pulling in any of their
// protocol parsing. Implementing those front-ends is explicitly out of
// scope (spec.md §1); this package only gives them a typed seam.
package query

import (
	"time"

	"github.com/pyzord/repstore/digest"
	"github.com/pyzord/repstore/record"
)

// Retention is the horizon past which a single-report record is treated
// as expired/absent by the public query semantics and by the expiry loop
// (spec.md §4.5, §6): 3*28 days.
const Retention = 3 * 28 * 24 * time.Hour

// Store is the read-only view of the store that a query front-end needs.
//
// spec.md §9's open question is preserved deliberately as two distinct
// predicates rather than unified: the original database::lookup treats a
// record as found only when both counts are non-zero (Lookup, below); the
// public UDP server treats it as found when either is non-zero (Exists).
type Store interface {
	// Lookup returns r, true only when r.ReportCount != 0 AND
	// r.WhitelistCount != 0 (the original database::lookup semantics).
	Lookup(d digest.Digest) (r record.Record, found bool, err error)

	// Exists returns r, true when r.ReportCount != 0 OR
	// r.WhitelistCount != 0 (the public check-op semantics), additionally
	// treating a record as absent when ReportCount == 1 and it is older
	// than the retention horizon (spec.md §6).
	Exists(d digest.Digest, now time.Time) (r record.Record, found bool, err error)
}

// MutationSink is the subset of the master pipeline a front-end posts
// mutations into.
type MutationSink interface {
	Report(d digest.Digest, at time.Time) error
	Whitelist(d digest.Digest, at time.Time) error
	Erase(d digest.Digest, at time.Time) error
}

// UpDown is the slave's up/down signal to its UDP front-end (spec.md
// §4.3): the front-end's socket should only be bound while the upstream
// forwarding channel exists.
type UpDown interface {
	Up()
	Down()
}

// UpDownFunc adapts two plain functions to UpDown.
type UpDownFunc struct {
	UpFn   func()
	DownFn func()
}

func (f UpDownFunc) Up() {
	if f.UpFn != nil {
		f.UpFn()
	}
}

func (f UpDownFunc) Down() {
	if f.DownFn != nil {
		f.DownFn()
	}
}
