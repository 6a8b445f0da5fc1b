// Package dumpcodec implements the gzip-compressed, length-less,
// versioned record stream used for snapshots, deltas, and bootstrap
// imports (spec.md §4.7), grounded on the original bohuno-pyzord's
// sources/common/dump.hpp bootstrap framing.
package dumpcodec

import (
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pyzord/repstore/digest"
	"github.com/pyzord/repstore/record"
)

// Version is the only on-wire header value this codec writes or accepts.
const Version uint32 = 2

// entrySize is 20-byte digest || 32-byte record, spec.md §4.7.
const entrySize = digest.Size + record.Size

// ErrBadVersion is returned by NewReader when the header doesn't match
// Version.
var ErrBadVersion = errors.New("dumpcodec: unsupported version")

// Writer appends (digest, record) entries to a gzip stream. No length
// framing and no trailer are written; EOF on read terminates the stream.
type Writer struct {
	gz *gzip.Writer
}

// NewWriter wraps w, writing the version header immediately.
func NewWriter(w io.Writer) (*Writer, error) {
	gz := gzip.NewWriter(w)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], Version)
	if _, err := gz.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("dumpcodec: write header: %w", err)
	}
	return &Writer{gz: gz}, nil
}

// WriteEntry appends one (digest, record) pair.
func (w *Writer) WriteEntry(d digest.Digest, r record.Record) error {
	var buf [entrySize]byte
	copy(buf[:digest.Size], d[:])
	r.MarshalTo(buf[digest.Size:])
	_, err := w.gz.Write(buf[:])
	return err
}

// Close flushes and closes the underlying gzip stream.
func (w *Writer) Close() error {
	return w.gz.Close()
}

// Reader reads entries written by Writer.
type Reader struct {
	gz      *gzip.Reader
	version uint32
}

// NewReader wraps r, reading and validating the version header.
func NewReader(r io.Reader) (*Reader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("dumpcodec: open gzip stream: %w", err)
	}
	var hdr [4]byte
	if _, err := io.ReadFull(gz, hdr[:]); err != nil {
		return nil, fmt.Errorf("dumpcodec: read header: %w", err)
	}
	version := binary.BigEndian.Uint32(hdr[:])
	if version != Version {
		return nil, fmt.Errorf("dumpcodec: version %d: %w", version, ErrBadVersion)
	}
	return &Reader{gz: gz, version: version}, nil
}

// Version reports the version read from the stream header.
func (r *Reader) Version() uint32 {
	return r.version
}

// ReadEntry reads the next (digest, record) pair. io.EOF signals a clean
// end of stream; a partial trailing record (fewer than entrySize bytes
// available) is also treated as end-of-stream rather than an error, per
// spec.md §4.7.
func (r *Reader) ReadEntry() (digest.Digest, record.Record, error) {
	var buf [entrySize]byte
	n, err := io.ReadFull(r.gz, buf[:])
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if n > 0 {
				return digest.Digest{}, record.Record{}, io.EOF
			}
			return digest.Digest{}, record.Record{}, io.EOF
		}
		return digest.Digest{}, record.Record{}, err
	}
	var d digest.Digest
	copy(d[:], buf[:digest.Size])
	rec, err := record.Unmarshal(buf[digest.Size:])
	if err != nil {
		return digest.Digest{}, record.Record{}, err
	}
	return d, rec, nil
}

// Close closes the underlying gzip reader.
func (r *Reader) Close() error {
	return r.gz.Close()
}

// WriteAll writes every entry yielded by fn (called until it returns
// false) into w, then closes w.
func WriteAll(w io.Writer, next func() (digest.Digest, record.Record, bool)) error {
	dw, err := NewWriter(w)
	if err != nil {
		return err
	}
	for {
		d, r, ok := next()
		if !ok {
			break
		}
		if err := dw.WriteEntry(d, r); err != nil {
			dw.Close()
			return err
		}
	}
	return dw.Close()
}

// ReadAll reads every entry from r, calling fn for each, until EOF.
func ReadAll(r io.Reader, fn func(digest.Digest, record.Record) error) error {
	dr, err := NewReader(r)
	if err != nil {
		return err
	}
	defer dr.Close()
	for {
		d, rec, err := dr.ReadEntry()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(d, rec); err != nil {
			return err
		}
	}
}
