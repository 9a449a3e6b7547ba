// Package events defines the run lifecycle subjects published on the event
// bus and the publisher the scheduler and streaming engine share.
package events

// Event types for runs. Subjects carry the thread id as their final token,
// so monitors can subscribe per thread or across all threads.
const (
	RunCreated     = "run.created"
	RunStarted     = "run.started"
	RunStreaming   = "run.streaming"
	RunCompleted   = "run.completed"
	RunFailed      = "run.failed"
	RunInterrupted = "run.interrupted"
)

// Event types for threads.
const (
	ThreadStatusChanged = "thread.status_changed"
)

// Event types for crons.
const (
	CronFired   = "cron.fired"
	CronExpired = "cron.expired"
)

// BuildRunSubject creates a run event subject scoped to a thread.
func BuildRunSubject(eventType, threadID string) string {
	return eventType + "." + threadID
}

// BuildRunWildcardSubject subscribes to every run event on every thread.
func BuildRunWildcardSubject() string {
	return "run.>"
}

// BuildThreadRunWildcardSubject subscribes to every run event on one thread.
func BuildThreadRunWildcardSubject(threadID string) string {
	return "run.*." + threadID
}

// BuildThreadStatusSubject creates a thread status subject for one thread.
func BuildThreadStatusSubject(threadID string) string {
	return ThreadStatusChanged + "." + threadID
}

// BuildThreadStatusWildcardSubject subscribes to all thread status changes.
func BuildThreadStatusWildcardSubject() string {
	return ThreadStatusChanged + ".*"
}

// BuildCronSubject creates a cron event subject for one cron.
func BuildCronSubject(eventType, cronID string) string {
	return eventType + "." + cronID
}

// BuildCronWildcardSubject subscribes to all cron events.
func BuildCronWildcardSubject() string {
	return "cron.>"
}
