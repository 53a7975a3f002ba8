// Package persistence implements the big-endian binary stream codec used
// by the persisted attribute and access control formats. It is a thin,
// strict layer over io.Reader/io.Writer: every truncation or stray byte
// surfaces as an error so that restore never leaves partially-decoded
// state behind.
package persistence

import "errors"

// Errors reported by stream decoding.
var (
	// ErrBadMagic indicates the stream does not start with the expected
	// magic bytes.
	ErrBadMagic = errors.New("persistence: bad magic")

	// ErrBadVersion indicates a format version this build does not know.
	ErrBadVersion = errors.New("persistence: unsupported version")

	// ErrTruncated indicates the stream ended in the middle of a value.
	ErrTruncated = errors.New("persistence: truncated stream")

	// ErrCorrupt indicates a structurally invalid stream: out-of-order
	// keys, an empty record, or a count exceeding its limit.
	ErrCorrupt = errors.New("persistence: corrupt stream")
)

// MaxListLength bounds every length-prefixed list in the persisted
// formats. A count above it is rejected as corrupt before any allocation.
const MaxListLength = 65535
