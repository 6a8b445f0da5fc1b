// Package expiry implements the watermark-resuming reset pass from
// spec.md §4.5: records with at most one report that have gone untouched
// past the retention window are reset (not deleted — a reset record with
// Entered preserved is the tombstone spec.md §9 specifies). The
// watermark-persisted-to-a-small-file idiom follows gholt-valuestore's
// dirty-file-count approach to bounding recovery work; here it bounds
// one pass's deletions instead of bounding recovery.
package expiry

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"

	"github.com/pyzord/repstore/digest"
	"github.com/pyzord/repstore/logging"
	"github.com/pyzord/repstore/metrics"
	"github.com/pyzord/repstore/record"
	"github.com/pyzord/repstore/store"
)

// Retention is the age past which a single-report record becomes a reset
// candidate (spec.md §4.5: 3·28·86400 seconds).
const Retention = 3 * 28 * 24 * time.Hour

// MaxPerPass bounds how many resets one pass performs before yielding.
const MaxPerPass = 3600

// watermarkFile is the name of the persisted cursor position under home.
const watermarkFile = "expire_status"

// Clock lets tests supply a deterministic "now". Defaults to time.Now.
type Clock func() time.Time

// Loop runs the expiry pass on a schedule, persisting its watermark to
// <home>/expire_status between passes via atomic file replacement so a
// crash mid-pass resumes from the last fully-committed watermark rather
// than re-scanning from the beginning.
type Loop struct {
	home  string
	store store.Store
	now   Clock
}

// New creates a Loop rooted at home, operating on s.
func New(home string, s store.Store) *Loop {
	return &Loop{home: home, store: s, now: time.Now}
}

func (l *Loop) watermarkPath() string {
	return filepath.Join(l.home, watermarkFile)
}

// loadWatermark reads the persisted watermark, defaulting to 0 (the
// beginning of time) if the file doesn't exist yet.
func (l *Loop) loadWatermark() (uint32, error) {
	b, err := os.ReadFile(l.watermarkPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("expiry: read watermark: %w", err)
	}
	if len(b) < 4 {
		return 0, nil
	}
	return binary.BigEndian.Uint32(b), nil
}

// storeWatermark atomically replaces the watermark file with w, per
// spec.md §5's atomic-rename publishing idiom used throughout this
// repository for any externally-visible state.
func (l *Loop) storeWatermark(w uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], w)
	return atomic.WriteFile(l.watermarkPath(), bytes.NewReader(buf[:]))
}

// Pass runs a single expiry pass: scan the time index from the persisted
// watermark up to now-Retention, resetting any record with report_count
// <= 1 seen along the way, bounded by MaxPerPass. It returns whether the
// pass hit the cap (the scheduler should then reschedule soon rather
// than waiting the full interval) and the number of records reset.
func (l *Loop) Pass(ctx context.Context) (hitCap bool, reset int, err error) {
	log := logging.WithComponent("expiry")
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ExpiryPassDuration)

	from, err := l.loadWatermark()
	if err != nil {
		log.Error().Err(err).Msg("failed to load watermark, resuming from zero")
		from = 0
	}
	to := uint32(l.now().Add(-Retention).Unix())
	if to == 0 {
		return false, 0, nil
	}

	var lastSeen uint32 = from
	var touched bool

	tx, err := l.store.BeginTx(true)
	if err != nil {
		return false, 0, err
	}
	aborted := false
	abort := func() {
		if !aborted {
			l.store.Abort(tx)
			aborted = true
		}
	}

	scanErr := l.store.ScanByUpdated(from, to, func(d digest.Digest, r record.Record) error {
		if r.Updated >= to {
			return errStop
		}
		lastSeen = r.Updated
		touched = true
		if reset >= MaxPerPass {
			hitCap = true
			return errStop
		}
		if r.ReportCount > 1 {
			return nil
		}
		r.Reset(uint32(l.now().Unix()))
		if err := l.store.Put(tx, d, r); err != nil {
			return err
		}
		reset++
		return nil
	})
	if scanErr != nil && scanErr != errStop {
		abort()
		return false, 0, fmt.Errorf("expiry: scan: %w", scanErr)
	}

	if err := l.store.Commit(tx); err != nil {
		return false, 0, fmt.Errorf("expiry: commit: %w", err)
	}

	metrics.ExpiryResetTotal.Add(float64(reset))

	if touched {
		if err := l.storeWatermark(lastSeen); err != nil {
			// The reset already committed; losing the watermark only
			// costs a re-scan of already-expired records next pass, so
			// log and keep going rather than treat it as fatal.
			log.Error().Err(err).Msg("failed to persist expiry watermark")
		}
	}

	log.Debug().Int("reset", reset).Bool("hit_cap", hitCap).Msg("expiry pass complete")
	return hitCap, reset, nil
}

var errStop = errors.New("expiry: pass cap reached")

// Schedule returns the delay before the next pass should run, per
// spec.md §4.5: 1 s if the previous pass hit its cap, otherwise 60 s.
func Schedule(hitCap bool) time.Duration {
	if hitCap {
		return 1 * time.Second
	}
	return 60 * time.Second
}

// InitialDelay is the delay before the first pass after daemon start.
const InitialDelay = 15 * time.Second
