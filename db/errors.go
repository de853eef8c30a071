package db

import "github.com/cockroachdb/errors"

var (
	// ErrNotFound is the ordinary lookup miss.
	ErrNotFound = errors.New("key not found")

	// ErrClosed is returned by every operation issued after Close.
	ErrClosed = errors.New("tree is closed")

	// ErrTimeout is returned when a fold message is not received
	// within the configured deadline.
	ErrTimeout = errors.New("fold chunk timed out")

	// ErrCancelled is returned by folds aborted by Close.
	ErrCancelled = errors.New("fold cancelled")
)
