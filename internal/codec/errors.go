package codec

import "errors"

var (
	// ErrProtocolMismatch signals a magic-marker or version mismatch.
	// The frame is dropped; recurring mismatches are fatal for the
	// connection, which is the scheduler's call, not the codec's.
	ErrProtocolMismatch = errors.New("tile protocol mismatch")

	// ErrDecodeFailure signals a truncated or corrupt payload. The frame
	// is dropped and the tile treated as failed; never fatal.
	ErrDecodeFailure = errors.New("tile decode failure")
)
