// Package models defines the runtime's persistent entities: assistants,
// threads, state snapshots, runs, store items, and crons. All entities are
// owner-scoped through their metadata; the owner is either a user identity or
// the sentinel "system".
package models

import (
	"time"
)

// ThreadStatus represents the lifecycle state of a conversation thread.
type ThreadStatus string

const (
	// ThreadStatusIdle means no run is active on the thread.
	ThreadStatusIdle ThreadStatus = "idle"
	// ThreadStatusBusy means a run is pending or executing.
	ThreadStatusBusy ThreadStatus = "busy"
	// ThreadStatusInterrupted means the graph paused for a human decision.
	ThreadStatusInterrupted ThreadStatus = "interrupted"
	// ThreadStatusError means the last run failed.
	ThreadStatusError ThreadStatus = "error"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	// RunStatusPending means the run is created but not yet executing.
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning means the graph is executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusSuccess means the run completed normally.
	RunStatusSuccess RunStatus = "success"
	// RunStatusError means the run failed.
	RunStatusError RunStatus = "error"
	// RunStatusTimeout means the run exceeded its allotted execution time.
	RunStatusTimeout RunStatus = "timeout"
	// RunStatusInterrupted means the run was cancelled or paused terminally.
	RunStatusInterrupted RunStatus = "interrupted"
)

// IsTerminal reports whether the status is final. Terminal runs can never
// transition again.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusError, RunStatusTimeout, RunStatusInterrupted:
		return true
	}
	return false
}

// IsActive reports whether the run still holds its thread.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// MultitaskStrategy is the policy applied when a new run arrives while
// another run is active on the same thread.
type MultitaskStrategy string

const (
	// MultitaskReject fails the new run with a conflict; no side effects.
	MultitaskReject MultitaskStrategy = "reject"
	// MultitaskEnqueue lets the new run proceed after the active one.
	MultitaskEnqueue MultitaskStrategy = "enqueue"
	// MultitaskInterrupt transitions the active run to interrupted.
	MultitaskInterrupt MultitaskStrategy = "interrupt"
	// MultitaskRollback transitions the active run to error.
	MultitaskRollback MultitaskStrategy = "rollback"
)

// Valid reports whether the strategy is one of the recognised values.
func (s MultitaskStrategy) Valid() bool {
	switch s {
	case MultitaskReject, MultitaskEnqueue, MultitaskInterrupt, MultitaskRollback:
		return true
	}
	return false
}

// OnCompletion controls what happens to an ephemeral thread after a stateless
// run finishes, and to a cron's thread after a fired run completes.
type OnCompletion string

const (
	OnCompletionDelete OnCompletion = "delete"
	OnCompletionKeep   OnCompletion = "keep"
)

// OnDisconnect controls what happens to a streaming run when the client goes
// away before the stream finishes.
type OnDisconnect string

const (
	OnDisconnectCancel   OnDisconnect = "cancel"
	OnDisconnectContinue OnDisconnect = "continue"
)

// StreamMode selects which frame families a streaming response carries.
type StreamMode string

const (
	StreamModeValues        StreamMode = "values"
	StreamModeUpdates       StreamMode = "updates"
	StreamModeMessages      StreamMode = "messages"
	StreamModeMessagesTuple StreamMode = "messages-tuple"
	StreamModeDebug         StreamMode = "debug"
	StreamModeEvents        StreamMode = "events"
	StreamModeCustom        StreamMode = "custom"
)

// Metadata keys with fixed meaning across entities.
const (
	// MetadataOwner scopes every entity to a user identity or "system".
	MetadataOwner = "owner"
	// MetadataAgentID records on a run which assistant produced it.
	MetadataAgentID = "supabase_agent_id"
	// MetadataOrganizationID records the tenant organisation.
	MetadataOrganizationID = "supabase_organization_id"
	// MetadataEphemeral marks threads created for stateless runs.
	MetadataEphemeral = "ephemeral"
	// MetadataCronID records on a thread which cron created it.
	MetadataCronID = "cron_id"
)

// Run kwargs keys. Kwargs snapshot the run-create request so a run can be
// re-examined or re-fired without the original HTTP body.
const (
	KwargInput           = "input"
	KwargConfig          = "config"
	KwargContext         = "context"
	KwargStreamMode      = "stream_mode"
	KwargInterruptBefore = "interrupt_before"
	KwargInterruptAfter  = "interrupt_after"
	KwargWebhook         = "webhook"
	KwargOnCompletion    = "on_completion"
	KwargOnDisconnect    = "on_disconnect"
)

// Assistant is a named, configured instance of a graph.
type Assistant struct {
	AssistantID string                 `json:"assistant_id"`
	GraphID     string                 `json:"graph_id"`
	Name        string                 `json:"name,omitempty"`
	Description string                 `json:"description,omitempty"`
	Config      map[string]interface{} `json:"config"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Metadata    map[string]interface{} `json:"metadata"`
	Version     int                    `json:"version"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Owner returns the owner recorded in metadata, or "" when unset.
func (a *Assistant) Owner() string {
	return metadataOwner(a.Metadata)
}

// Configurable returns the assistant's configurable sub-dict, never nil.
func (a *Assistant) Configurable() map[string]interface{} {
	if a.Config == nil {
		return map[string]interface{}{}
	}
	if sub, ok := a.Config["configurable"].(map[string]interface{}); ok {
		return sub
	}
	return map[string]interface{}{}
}

// Thread is a conversation: a state container the graph reads and writes.
type Thread struct {
	ThreadID   string                 `json:"thread_id"`
	Status     ThreadStatus           `json:"status"`
	Values     map[string]interface{} `json:"values,omitempty"`
	Interrupts map[string]interface{} `json:"interrupts,omitempty"`
	Metadata   map[string]interface{} `json:"metadata"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Owner returns the owner recorded in metadata, or "" when unset.
func (t *Thread) Owner() string {
	return metadataOwner(t.Metadata)
}

// IsEphemeral reports whether the thread was created for a stateless run.
func (t *Thread) IsEphemeral() bool {
	if t.Metadata == nil {
		return false
	}
	v, _ := t.Metadata[MetadataEphemeral].(bool)
	return v
}

// ThreadState is one append-only snapshot of a thread's graph state.
type ThreadState struct {
	CheckpointID string                   `json:"checkpoint_id"`
	ThreadID     string                   `json:"thread_id"`
	Values       map[string]interface{}   `json:"values"`
	Next         []string                 `json:"next,omitempty"`
	Tasks        []map[string]interface{} `json:"tasks,omitempty"`
	Interrupts   map[string]interface{}   `json:"interrupts,omitempty"`
	Metadata     map[string]interface{}   `json:"metadata,omitempty"`
	CreatedAt    time.Time                `json:"created_at"`
}

// Run is one invocation of a graph against a thread's current state.
type Run struct {
	RunID             string                 `json:"run_id"`
	ThreadID          string                 `json:"thread_id"`
	AssistantID       string                 `json:"assistant_id"`
	Status            RunStatus              `json:"status"`
	Metadata          map[string]interface{} `json:"metadata"`
	Kwargs            map[string]interface{} `json:"kwargs"`
	MultitaskStrategy MultitaskStrategy      `json:"multitask_strategy"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// Owner returns the owner recorded in metadata, or "" when unset.
func (r *Run) Owner() string {
	return metadataOwner(r.Metadata)
}

// Webhook returns the terminal-state callback URL, or "" when unset.
func (r *Run) Webhook() string {
	if r.Kwargs == nil {
		return ""
	}
	s, _ := r.Kwargs[KwargWebhook].(string)
	return s
}

// StoreItem is a tuple-keyed KV record in the cross-thread memory store.
type StoreItem struct {
	Namespace []string               `json:"namespace"`
	Key       string                 `json:"key"`
	Value     map[string]interface{} `json:"value"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Cron is a template that fires runs on a schedule.
type Cron struct {
	CronID         string                 `json:"cron_id"`
	AssistantID    string                 `json:"assistant_id"`
	ThreadID       *string                `json:"thread_id,omitempty"`
	Schedule       string                 `json:"schedule"`
	EndTime        *time.Time             `json:"end_time,omitempty"`
	Payload        map[string]interface{} `json:"payload"`
	NextRunDate    *time.Time             `json:"next_run_date,omitempty"`
	OnRunCompleted OnCompletion           `json:"on_run_completed"`
	Metadata       map[string]interface{} `json:"metadata"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// Owner returns the owner recorded in metadata, or "" when unset.
func (c *Cron) Owner() string {
	return metadataOwner(c.Metadata)
}

// Expired reports whether the cron's end time has passed.
func (c *Cron) Expired(now time.Time) bool {
	return c.EndTime != nil && !c.EndTime.After(now)
}

func metadataOwner(metadata map[string]interface{}) string {
	if metadata == nil {
		return ""
	}
	owner, _ := metadata[MetadataOwner].(string)
	return owner
}

// WithOwner returns a copy of metadata with the owner key set, allocating the
// map when needed. The input map is not modified.
func WithOwner(metadata map[string]interface{}, owner string) map[string]interface{} {
	out := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out[MetadataOwner] = owner
	return out
}
