package dumpcodec

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyzord/repstore/digest"
	"github.com/pyzord/repstore/record"
)

func d(n byte) digest.Digest {
	var out digest.Digest
	for i := range out {
		out[i] = n
	}
	return out
}

func TestWriteReadRoundTrip(t *testing.T) {
	entries := map[digest.Digest]record.Record{
		d(1): {Updated: 10, ReportCount: 1},
		d(2): {Updated: 20, WhitelistCount: 1},
		d(3): {Updated: 30, ReportCount: 5, WhitelistCount: 2},
	}

	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	for digestKey, r := range entries {
		require.NoError(t, w.WriteEntry(digestKey, r))
	}
	require.NoError(t, w.Close())

	got := map[digest.Digest]record.Record{}
	require.NoError(t, ReadAll(&buf, func(gotD digest.Digest, gotR record.Record) error {
		got[gotD] = gotR
		return nil
	}))
	assert.Equal(t, entries, got)
}

func TestReaderRejectsBadVersion(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 99)
	_, err := gz.Write(hdr[:])
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	_, err = NewReader(&buf)
	assert.ErrorIs(t, err, ErrBadVersion)
}

func TestImportOverwritesByLastWrite(t *testing.T) {
	// For any set S of records, import(snapshot(S)) == S as a mapping,
	// duplicates overwritten by last write (spec.md §8 round-trip law).
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	key := d(7)
	require.NoError(t, w.WriteEntry(key, record.Record{Updated: 1}))
	require.NoError(t, w.WriteEntry(key, record.Record{Updated: 2}))
	require.NoError(t, w.Close())

	got := map[digest.Digest]record.Record{}
	require.NoError(t, ReadAll(&buf, func(gotD digest.Digest, gotR record.Record) error {
		got[gotD] = gotR
		return nil
	}))
	assert.Equal(t, record.Record{Updated: 2}, got[key])
}

func TestPartialTrailingRecordIsTreatedAsEOF(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.WriteEntry(d(1), record.Record{Updated: 1}))
	require.NoError(t, w.Close())

	// Re-gzip a truncated plaintext stream (header + one full entry +
	// a partial second entry) to simulate a torn write.
	var raw bytes.Buffer
	dw, err := NewWriter(&raw)
	require.NoError(t, err)
	require.NoError(t, dw.WriteEntry(d(1), record.Record{Updated: 1}))
	_, err = dw.gz.Write(make([]byte, entrySize/2))
	require.NoError(t, err)
	require.NoError(t, dw.Close())

	r, err := NewReader(bytes.NewReader(raw.Bytes()))
	require.NoError(t, err)
	_, _, err = r.ReadEntry()
	require.NoError(t, err)
	_, _, err = r.ReadEntry()
	assert.ErrorIs(t, err, io.EOF)
}
