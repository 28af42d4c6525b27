package store

import "errors"

var (
	// ErrNotFound is returned when a record does not exist or is logically
	// deleted and deleted data was not requested.
	ErrNotFound = errors.New("stream not found")

	// ErrClosed is returned on any write or close of an already-closed
	// target, or read of a closed source.
	ErrClosed = errors.New("handle is closed")

	// ErrInvalidState is returned for usage errors such as opening a new
	// part while another is open, or writing primary data through an
	// append-only target.
	ErrInvalidState = errors.New("invalid handle state")

	// ErrPartOutOfRange is returned when a part index is at or beyond the
	// boundary count.
	ErrPartOutOfRange = errors.New("part index out of range")

	// ErrSideNotFound is returned when a side channel is not listed in the
	// artifact manifest.
	ErrSideNotFound = errors.New("side channel not in manifest")

	// ErrCorrupt is returned when the manifest promises a side channel
	// whose file is missing, or an artifact file fails structural checks.
	ErrCorrupt = errors.New("artifact is corrupt")
)
