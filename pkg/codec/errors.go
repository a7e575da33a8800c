package codec

import "errors"

// Sentinel errors for the codec package, matching spec.md §7's decoding
// error kinds. Callers compare with errors.Is.
var (
	// ErrInvalidEntryFormat is returned when entry header framing cannot
	// be decoded (malformed length prefix, truncated header, missing
	// separator).
	ErrInvalidEntryFormat = errors.New("codec: invalid entry format")

	// ErrInvalidPageFormat is returned when block framing cannot be
	// decoded (unknown marker, malformed decimal size, size exceeding
	// the 11-digit limit, or a block sequence that does not reduce to a
	// well-formed complete/head+slice*+tail run).
	ErrInvalidPageFormat = errors.New("codec: invalid page format")
)
