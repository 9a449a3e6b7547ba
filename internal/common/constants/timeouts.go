// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts shared across the server and its tooling.
const (
	// ShutdownTimeout bounds graceful shutdown: in-flight HTTP requests,
	// the cron timer, and tracing export all finish within this window or
	// get cut off.
	ShutdownTimeout = 30 * time.Second

	// ComponentStopTimeout bounds the stop of a single embedded component,
	// such as one of the MCP listeners, during cleanup.
	ComponentStopTimeout = 5 * time.Second

	// CronCleanupTimeout bounds the bookkeeping after a cron fire settles:
	// clearing the recorded thread id and deleting the fire's thread.
	CronCleanupTimeout = 10 * time.Second

	// DefaultStaleRunCutoff is how long a run may sit pending or running
	// without updates before the sweep command treats it as abandoned.
	DefaultStaleRunCutoff = time.Hour
)
