// Package worker provides the broker's background tasks and the runner that
// supervises them.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Name returns a short identifier for logs.
	Name() string
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}
