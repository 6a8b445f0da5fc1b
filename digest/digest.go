// Package digest implements the 20-byte content fingerprint used to key
// every record in the store. Digests are computed externally (by mail
// filter clients); this package only parses, formats, and shards them.
package digest

import (
	"encoding/hex"
	"errors"

	"github.com/spaolacci/murmur3"
)

// Size is the fixed length of a digest in bytes.
const Size = 20

// HexSize is the length of a digest's hex encoding.
const HexSize = Size * 2

// ErrBadLength is returned by Parse when the input isn't HexSize hex
// characters.
var ErrBadLength = errors.New("digest: wrong hex length")

// Digest is an opaque 20-byte content fingerprint. Equality and ordering
// are byte-wise.
type Digest [Size]byte

// Parse decodes a 40-character lowercase hex string into a Digest. It does
// not lowercase or trim its input; callers are expected to pass a raw
// Op-Digest header value.
func Parse(s string) (Digest, error) {
	var d Digest
	if len(s) != HexSize {
		return d, ErrBadLength
	}
	n, err := hex.Decode(d[:], []byte(s))
	if err != nil {
		return Digest{}, err
	}
	if n != Size {
		return Digest{}, ErrBadLength
	}
	return d, nil
}

// MustParse is Parse but panics on error; useful in tests and constant
// table initialization.
func MustParse(s string) Digest {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// String returns the 40-character lowercase hex form.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Less reports whether d sorts before o under byte-wise comparison.
func (d Digest) Less(o Digest) bool {
	for i := range d {
		if d[i] != o[i] {
			return d[i] < o[i]
		}
	}
	return false
}

// Shard returns an index in [0, n) derived from d, used to stripe the
// in-memory record cache across locks without contending on a single
// mutex. n must be > 0.
func Shard(d Digest, n int) int {
	if n <= 1 {
		return 0
	}
	h := murmur3.Sum64(d[:])
	return int(h % uint64(n))
}
