package encoder

import "errors"

// Domain errors for the encoder package.
var (
	// ErrInvalidNode is returned for node ids outside 1..127.
	ErrInvalidNode = errors.New("encoder: invalid node id")

	// ErrNotTracked is returned when an operation names an untracked node.
	ErrNotTracked = errors.New("encoder: node not tracked")

	// ErrShortPayload is returned when a sample has fewer than two bytes.
	ErrShortPayload = errors.New("encoder: payload too short")

	// ErrInvalidParams is returned when resolution or full circle is not
	// positive.
	ErrInvalidParams = errors.New("encoder: invalid parameters")

	// ErrConfigLoad is returned when the persisted record cannot be read.
	// Callers fall back to the returned defaults.
	ErrConfigLoad = errors.New("encoder: config load failed")
)
