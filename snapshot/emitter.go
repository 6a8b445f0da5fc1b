// Package snapshot implements the periodic dump/delta emitter from
// spec.md §4.6: a full gzipped snapshot of the store every few hours,
// incremental deltas between runs, retention cleanup, and a `current`
// hard link to the newest snapshot. Each artifact is written to a `.tmp`
// sibling with os.Create and published with os.Rename once complete.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pyzord/repstore/digest"
	"github.com/pyzord/repstore/dumpcodec"
	"github.com/pyzord/repstore/logging"
	"github.com/pyzord/repstore/metrics"
	"github.com/pyzord/repstore/record"
	"github.com/pyzord/repstore/store"
)

// Cadence is the interval between emitter runs (spec.md §4.6).
const Cadence = 5 * time.Minute

// InitialDelay is the delay before the first run after daemon start.
const InitialDelay = 5 * time.Second

// SnapshotInterval is the minimum age of the newest snapshot before a
// fresh one is written; below this, the emitter writes an incremental
// delta instead.
const SnapshotInterval = 4 * time.Hour

// RetentionHorizon is how long a snapshot is kept before being expired
// (8 h horizon + 2 h clock-skew margin, spec.md §4.6).
const RetentionHorizon = 10 * time.Hour

const (
	snapshotsDir = "snapshots"
	updatesDir   = "updates"
	currentLink  = "current"
)

// UpChecker reports whether the store is currently up (open and
// recovered); the emitter reschedules rather than running against a
// store mid-recovery.
type UpChecker func() bool

// Emitter periodically writes full snapshots and incremental deltas of
// a store to a root directory.
type Emitter struct {
	root  string
	store store.Store
	up    UpChecker
	now   func() time.Time
}

// New creates an Emitter rooted at root, reading s. up may be nil (always
// up).
func New(root string, s store.Store, up UpChecker) *Emitter {
	if up == nil {
		up = func() bool { return true }
	}
	return &Emitter{root: root, store: s, up: up, now: time.Now}
}

func (e *Emitter) snapshotsPath() string { return filepath.Join(e.root, snapshotsDir) }
func (e *Emitter) updatesPath() string   { return filepath.Join(e.root, updatesDir) }

// Run performs one emitter pass per spec.md §4.6's numbered algorithm.
// It returns the delay before the next run should be scheduled (normally
// Cadence, or 5 s if the store wasn't up).
func (e *Emitter) Run() (time.Duration, error) {
	if !e.up() {
		return 5 * time.Second, nil
	}
	log := logging.WithComponent("snapshot")
	if err := os.MkdirAll(e.snapshotsPath(), 0o755); err != nil {
		return Cadence, fmt.Errorf("snapshot: mkdir snapshots: %w", err)
	}
	if err := os.MkdirAll(e.updatesPath(), 0o755); err != nil {
		return Cadence, fmt.Errorf("snapshot: mkdir updates: %w", err)
	}

	if err := e.expireArtifacts(); err != nil {
		log.Error().Err(err).Msg("failed to expire old artifacts")
	}

	snaps, err := e.listSnapshots()
	if err != nil {
		return Cadence, fmt.Errorf("snapshot: list snapshots: %w", err)
	}

	now := e.now()
	var newest time.Time
	if len(snaps) > 0 {
		newest = time.Unix(int64(snaps[len(snaps)-1]), 0)
	}

	if len(snaps) == 0 || now.Sub(newest) >= SnapshotInterval {
		if err := e.writeSnapshot(uint32(now.Unix())); err != nil {
			return Cadence, fmt.Errorf("snapshot: write snapshot: %w", err)
		}
		log.Info().Msg("wrote full snapshot")
		return Cadence, nil
	}

	from, err := e.lastArtifactEnd()
	if err != nil {
		return Cadence, err
	}
	to := uint32(now.Unix()) - 1
	if to < from {
		return Cadence, nil
	}
	if err := e.writeDelta(from, to); err != nil {
		return Cadence, fmt.Errorf("snapshot: write delta: %w", err)
	}
	log.Info().Uint32("from", from).Uint32("to", to).Msg("wrote incremental update")
	return Cadence, nil
}

// writeSnapshot writes a full dump of the store to a .tmp file, renames
// it into place under <root>/snapshots/<epoch>, then recreates the
// `current` hard link.
func (e *Emitter) writeSnapshot(epoch uint32) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SnapshotDuration)

	name := fmt.Sprintf("%010d", epoch)
	final := filepath.Join(e.snapshotsPath(), name)
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w, err := dumpcodec.NewWriter(f)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	scanErr := e.store.ScanAll(func(d digest.Digest, r record.Record) error {
		return w.WriteEntry(d, r)
	})
	if scanErr != nil {
		w.Close()
		f.Close()
		os.Remove(tmp)
		return scanErr
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		return err
	}
	metrics.ArtifactsWrittenTotal.WithLabelValues("snapshot").Inc()

	link := filepath.Join(e.snapshotsPath(), currentLink)
	os.Remove(link)
	return os.Link(final, link)
}

// writeDelta writes the records with updated in [from, to] to a .tmp
// file under <root>/updates/<from><to>, then renames it into place.
func (e *Emitter) writeDelta(from, to uint32) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DeltaDuration)

	name := fmt.Sprintf("%010d%010d", from, to)
	final := filepath.Join(e.updatesPath(), name)
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w, err := dumpcodec.NewWriter(f)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	scanErr := e.store.ScanByUpdated(from, to, func(d digest.Digest, r record.Record) error {
		return w.WriteEntry(d, r)
	})
	if scanErr != nil {
		w.Close()
		f.Close()
		os.Remove(tmp)
		return scanErr
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		return err
	}
	metrics.ArtifactsWrittenTotal.WithLabelValues("delta").Inc()
	return nil
}

// listSnapshots returns every snapshot epoch present under
// <root>/snapshots, ascending.
func (e *Emitter) listSnapshots() ([]uint32, error) {
	entries, err := os.ReadDir(e.snapshotsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var epochs []uint32
	for _, ent := range entries {
		if ent.IsDir() || ent.Name() == currentLink || strings.HasSuffix(ent.Name(), ".tmp") {
			continue
		}
		v, err := strconv.ParseUint(ent.Name(), 10, 32)
		if err != nil {
			continue
		}
		epochs = append(epochs, uint32(v))
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	return epochs, nil
}

// listUpdates returns every (from, to) pair present under
// <root>/updates, ascending by to.
func (e *Emitter) listUpdates() ([][2]uint32, error) {
	entries, err := os.ReadDir(e.updatesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var updates [][2]uint32
	for _, ent := range entries {
		if ent.IsDir() || strings.HasSuffix(ent.Name(), ".tmp") {
			continue
		}
		from, to, ok := parseUpdateName(ent.Name())
		if !ok {
			continue
		}
		updates = append(updates, [2]uint32{from, to})
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i][1] < updates[j][1] })
	return updates, nil
}

// parseUpdateName splits a concatenated "<from10><to10>" filename back
// into its two fixed-width, zero-padded 10-digit epoch fields.
func parseUpdateName(name string) (from, to uint32, ok bool) {
	if len(name) != 20 {
		return 0, 0, false
	}
	f, err := strconv.ParseUint(name[:10], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	t, err := strconv.ParseUint(name[10:], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint32(f), uint32(t), true
}

// lastArtifactEnd returns the starting point for the next delta: one
// second past the `to` of the newest update, or, with no updates, the
// newest snapshot's epoch. If no artifact exists at all, it falls back to
// 0, covering the whole store in the first delta.
func (e *Emitter) lastArtifactEnd() (uint32, error) {
	updates, err := e.listUpdates()
	if err != nil {
		return 0, err
	}
	if len(updates) > 0 {
		return updates[len(updates)-1][1] + 1, nil
	}
	snaps, err := e.listSnapshots()
	if err != nil {
		return 0, err
	}
	if len(snaps) > 0 {
		return snaps[len(snaps)-1], nil
	}
	return 0, nil
}

// expireArtifacts removes snapshots older than RetentionHorizon, then
// removes any update whose `to` predates the oldest remaining snapshot.
func (e *Emitter) expireArtifacts() error {
	now := e.now()
	snaps, err := e.listSnapshots()
	if err != nil {
		return err
	}
	var kept []uint32
	for _, epoch := range snaps {
		age := now.Sub(time.Unix(int64(epoch), 0))
		if age >= RetentionHorizon {
			path := filepath.Join(e.snapshotsPath(), fmt.Sprintf("%010d", epoch))
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
			continue
		}
		kept = append(kept, epoch)
	}
	if len(kept) == len(snaps) {
		return nil
	}

	var oldestKept uint32
	if len(kept) > 0 {
		oldestKept = kept[0]
	}
	updates, err := e.listUpdates()
	if err != nil {
		return err
	}
	for _, u := range updates {
		if len(kept) > 0 && u[1] >= oldestKept {
			continue
		}
		name := fmt.Sprintf("%010d%010d", u[0], u[1])
		path := filepath.Join(e.updatesPath(), name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
