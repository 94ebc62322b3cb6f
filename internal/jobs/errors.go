package jobs

import "errors"

var (
	// ErrJobNotFound is returned by Status for an unknown job ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrQueueClosed is returned by Submit after Close.
	ErrQueueClosed = errors.New("job queue closed")
)
