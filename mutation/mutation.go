// Package mutation implements the wire-format (digest, kind, time) triple
// carried between front-ends, the master's pipeline, and the replication
// forwarding channel (spec.md §3, §6).
package mutation

import (
	"encoding/binary"
	"errors"

	"github.com/pyzord/repstore/digest"
)

// Kind distinguishes the three mutation operations. The numeric values
// match the wire encoding in spec.md §6: 0=erase, 1=report, 2=whitelist.
type Kind uint32

const (
	Erase     Kind = 0
	Report    Kind = 1
	Whitelist Kind = 2
)

// String renders a Kind for logging.
func (k Kind) String() string {
	switch k {
	case Erase:
		return "erase"
	case Report:
		return "report"
	case Whitelist:
		return "whitelist"
	default:
		return "unknown"
	}
}

// Valid reports whether k is one of the three defined kinds.
func (k Kind) Valid() bool {
	switch k {
	case Erase, Report, Whitelist:
		return true
	default:
		return false
	}
}

// Size is the fixed on-wire length of a Mutation: 20-byte digest + 4-byte
// kind + 4-byte time, per spec.md §6.
const Size = digest.Size + 4 + 4

// ErrShortBuffer is returned by Unmarshal when given fewer than Size bytes.
var ErrShortBuffer = errors.New("mutation: buffer shorter than Size")

// ErrBadKind is returned by Unmarshal when the kind field is out of range.
var ErrBadKind = errors.New("mutation: unknown kind")

// Mutation is a single (digest, kind, time) event. Mutations are
// commutative and idempotent under max-based timestamp updates only;
// counters themselves are not idempotent (spec.md §3).
type Mutation struct {
	Digest digest.Digest
	Kind   Kind
	Time   uint32
}

// Marshal encodes m into a freshly-allocated Size-byte buffer.
func (m Mutation) Marshal() []byte {
	b := make([]byte, Size)
	m.MarshalTo(b)
	return b
}

// MarshalTo encodes m into b, which must be at least Size bytes.
func (m Mutation) MarshalTo(b []byte) {
	copy(b[0:digest.Size], m.Digest[:])
	binary.BigEndian.PutUint32(b[digest.Size:digest.Size+4], uint32(m.Kind))
	binary.BigEndian.PutUint32(b[digest.Size+4:digest.Size+8], m.Time)
}

// Unmarshal decodes a Mutation from b, which must be at least Size bytes.
// The kind field is validated; the digest and time are not (any 20 bytes
// and any uint32 are well-formed).
func Unmarshal(b []byte) (Mutation, error) {
	if len(b) < Size {
		return Mutation{}, ErrShortBuffer
	}
	var m Mutation
	copy(m.Digest[:], b[0:digest.Size])
	m.Kind = Kind(binary.BigEndian.Uint32(b[digest.Size : digest.Size+4]))
	m.Time = binary.BigEndian.Uint32(b[digest.Size+4 : digest.Size+8])
	if !m.Kind.Valid() {
		return Mutation{}, ErrBadKind
	}
	return m, nil
}
