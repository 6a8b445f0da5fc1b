// Package record implements the fixed-size reputation counter tuple that
// the store keys by digest, including its big-endian wire codec and its
// report/whitelist/reset mutators.
package record

import (
	"encoding/binary"
	"errors"
)

// Size is the fixed on-wire/on-disk length of a Record in bytes: eight
// big-endian uint32 fields.
const Size = 32

// ErrShortBuffer is returned by Unmarshal when given fewer than Size bytes.
var ErrShortBuffer = errors.New("record: buffer shorter than Size")

// Record is the reputation tuple described in spec.md §3. All times are
// seconds since the epoch; zero means "never".
type Record struct {
	Entered           uint32
	Updated           uint32
	ReportCount       uint32
	ReportEntered     uint32
	ReportUpdated     uint32
	WhitelistCount    uint32
	WhitelistEntered  uint32
	WhitelistUpdated  uint32
}

// Zero reports whether r is the zero-value record (never reported or
// whitelisted, never touched).
func (r Record) Zero() bool {
	return r == Record{}
}

// Marshal encodes r into a freshly-allocated Size-byte big-endian buffer.
func (r Record) Marshal() []byte {
	b := make([]byte, Size)
	r.MarshalTo(b)
	return b
}

// MarshalTo encodes r into b, which must be at least Size bytes.
func (r Record) MarshalTo(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], r.Entered)
	binary.BigEndian.PutUint32(b[4:8], r.Updated)
	binary.BigEndian.PutUint32(b[8:12], r.ReportCount)
	binary.BigEndian.PutUint32(b[12:16], r.ReportEntered)
	binary.BigEndian.PutUint32(b[16:20], r.ReportUpdated)
	binary.BigEndian.PutUint32(b[20:24], r.WhitelistCount)
	binary.BigEndian.PutUint32(b[24:28], r.WhitelistEntered)
	binary.BigEndian.PutUint32(b[28:32], r.WhitelistUpdated)
}

// Unmarshal decodes a Record from b, which must be at least Size bytes.
func Unmarshal(b []byte) (Record, error) {
	if len(b) < Size {
		return Record{}, ErrShortBuffer
	}
	return Record{
		Entered:          binary.BigEndian.Uint32(b[0:4]),
		Updated:          binary.BigEndian.Uint32(b[4:8]),
		ReportCount:      binary.BigEndian.Uint32(b[8:12]),
		ReportEntered:    binary.BigEndian.Uint32(b[12:16]),
		ReportUpdated:    binary.BigEndian.Uint32(b[16:20]),
		WhitelistCount:   binary.BigEndian.Uint32(b[20:24]),
		WhitelistEntered: binary.BigEndian.Uint32(b[24:28]),
		WhitelistUpdated: binary.BigEndian.Uint32(b[28:32]),
	}, nil
}

// Report applies a spam report at time t, per spec.md §3: increment
// ReportCount; set ReportEntered on first report; ReportUpdated and
// Updated advance to the max of their current value and t; Entered is
// seeded from t if this is the record's first activity of any kind.
func (r *Record) Report(t uint32) {
	r.ReportCount++
	if r.ReportEntered == 0 {
		r.ReportEntered = t
	}
	if r.ReportUpdated < t {
		r.ReportUpdated = t
	}
	r.touch(t)
}

// Whitelist applies a ham report at time t; symmetric to Report.
func (r *Record) Whitelist(t uint32) {
	r.WhitelistCount++
	if r.WhitelistEntered == 0 {
		r.WhitelistEntered = t
	}
	if r.WhitelistUpdated < t {
		r.WhitelistUpdated = t
	}
	r.touch(t)
}

// Reset applies a reset (tombstone) at time t: counts and per-kind updated
// times go to zero, Updated advances to t, but Entered is preserved so the
// record's original "first seen" time survives a reset.
func (r *Record) Reset(t uint32) {
	r.ReportCount = 0
	r.ReportUpdated = 0
	r.WhitelistCount = 0
	r.WhitelistUpdated = 0
	r.Updated = t
}

func (r *Record) touch(t uint32) {
	if r.Entered == 0 {
		r.Entered = t
	}
	if r.Updated < t {
		r.Updated = t
	}
}
