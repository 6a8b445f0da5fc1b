// Package errs defines the error taxonomy from spec.md §7 as sentinel
// values, so callers use errors.Is instead of the source's
// throw/catch-as-control-flow style (spec.md §9).
package errs

import "errors"

// Kind classifies an error into one of the five categories spec.md §7
// defines. It is attached to a sentinel via Wrap/Is.
type Kind int

const (
	// KindTransient covers deadlock, short reads, connection resets.
	// Retried at the pipeline layer (bounded) or by reconnect/backoff at
	// the transport layer.
	KindTransient Kind = iota
	// KindCorrupt covers unrecognized headers, record-size mismatches,
	// decryption failures. Fatal; surfaced to the operator.
	KindCorrupt
	// KindBadInput covers malformed protocol messages, malformed
	// digests, unknown ops. Reported to the peer; no state change.
	KindBadInput
	// KindUnauthorized covers admin operations from non-admin sources.
	KindUnauthorized
	// KindResourceExhausted covers lock table/cache exhaustion; surfaced
	// as transient after bounded retries.
	KindResourceExhausted
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindCorrupt:
		return "corrupt"
	case KindBadInput:
		return "bad_input"
	case KindUnauthorized:
		return "unauthorized"
	case KindResourceExhausted:
		return "resource_exhausted"
	default:
		return "unknown"
	}
}

// Sentinel errors for each kind. Wrap a more specific error with one of
// these via fmt.Errorf("...: %w", ErrTransient) to preserve errors.Is
// classification while keeping a human-readable cause.
var (
	ErrTransient         = errors.New("transient failure")
	ErrCorrupt           = errors.New("corrupt state")
	ErrBadInput          = errors.New("bad input")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrResourceExhausted = errors.New("resource exhausted")
)

var sentinelForKind = map[Kind]error{
	KindTransient:         ErrTransient,
	KindCorrupt:           ErrCorrupt,
	KindBadInput:          ErrBadInput,
	KindUnauthorized:      ErrUnauthorized,
	KindResourceExhausted: ErrResourceExhausted,
}

// Sentinel returns the sentinel error value for k.
func Sentinel(k Kind) error {
	return sentinelForKind[k]
}

// Classify reports the Kind of err by walking its error chain against the
// known sentinels, and whether a match was found.
func Classify(err error) (Kind, bool) {
	for k, sentinel := range sentinelForKind {
		if errors.Is(err, sentinel) {
			return k, true
		}
	}
	return 0, false
}
