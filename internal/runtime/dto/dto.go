// Package dto holds the HTTP request and response payloads of the runtime
// API, plus the coercion helpers that turn loosely shaped client JSON into
// the exact values the services expect.
package dto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomhq/loom/internal/runtime/models"
)

// RunCreate is the body of every run-creating endpoint. Unknown keys are
// ignored; the recognised set below is the wire contract.
type RunCreate struct {
	AssistantID string `json:"assistant_id"`
	// Input is the conversation input: {"messages": [...]} or a bare string
	// that wraps to a single human message.
	Input             interface{}              `json:"input,omitempty"`
	Command           map[string]interface{}   `json:"command,omitempty"`
	Config            map[string]interface{}   `json:"config,omitempty"`
	Context           map[string]interface{}   `json:"context,omitempty"`
	Metadata          map[string]interface{}   `json:"metadata,omitempty"`
	MultitaskStrategy models.MultitaskStrategy `json:"multitask_strategy,omitempty"`
	IfNotExists       string                   `json:"if_not_exists,omitempty"`
	OnCompletion      models.OnCompletion      `json:"on_completion,omitempty"`
	OnDisconnect      models.OnDisconnect      `json:"on_disconnect,omitempty"`
	StreamMode        StreamModes              `json:"stream_mode,omitempty"`
	InterruptBefore   []string                 `json:"interrupt_before,omitempty"`
	InterruptAfter    []string                 `json:"interrupt_after,omitempty"`
	Webhook           string                   `json:"webhook,omitempty"`
}

// IfNotExists values.
const (
	IfNotExistsCreate = "create"
	IfNotExistsReject = "reject"
)

// IfExists values on create endpoints.
const (
	IfExistsRaise    = "raise"
	IfExistsDoNothing = "do_nothing"
)

// Validate checks the recognised enum fields, leaving zero values alone so
// the services can apply endpoint-specific defaults.
func (r *RunCreate) Validate() error {
	if r.AssistantID == "" {
		return fmt.Errorf("assistant_id is required")
	}
	if r.MultitaskStrategy != "" && !r.MultitaskStrategy.Valid() {
		return fmt.Errorf("multitask_strategy %q is not one of reject, enqueue, interrupt, rollback", r.MultitaskStrategy)
	}
	switch r.IfNotExists {
	case "", IfNotExistsCreate, IfNotExistsReject:
	default:
		return fmt.Errorf("if_not_exists %q is not one of create, reject", r.IfNotExists)
	}
	switch r.OnCompletion {
	case "", models.OnCompletionDelete, models.OnCompletionKeep:
	default:
		return fmt.Errorf("on_completion %q is not one of delete, keep", r.OnCompletion)
	}
	switch r.OnDisconnect {
	case "", models.OnDisconnectCancel, models.OnDisconnectContinue:
	default:
		return fmt.Errorf("on_disconnect %q is not one of cancel, continue", r.OnDisconnect)
	}
	return nil
}

// InputMap returns the input as a map. Bare string inputs wrap to
// {"messages": "<s>"}, which downstream coercion reads as one human message.
func (r *RunCreate) InputMap() map[string]interface{} {
	switch v := r.Input.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		return v
	case string:
		return map[string]interface{}{"messages": v}
	default:
		return nil
	}
}

// Configurable returns the request's configurable dict, never nil.
func (r *RunCreate) Configurable() map[string]interface{} {
	if r.Config == nil {
		return map[string]interface{}{}
	}
	if c, ok := r.Config["configurable"].(map[string]interface{}); ok {
		return c
	}
	return map[string]interface{}{}
}

// StreamModes is the stream_mode field, which clients send as either a single
// string or a list of strings.
type StreamModes []models.StreamMode

// UnmarshalJSON accepts "values" and ["values", "messages-tuple"] alike.
func (m *StreamModes) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*m = StreamModes{models.StreamMode(single)}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stream_mode must be a string or a list of strings")
	}
	modes := make(StreamModes, 0, len(many))
	for _, s := range many {
		modes = append(modes, models.StreamMode(s))
	}
	*m = modes
	return nil
}

// Has reports whether a mode was requested.
func (m StreamModes) Has(mode models.StreamMode) bool {
	for _, have := range m {
		if have == mode {
			return true
		}
	}
	return false
}

// Validate rejects modes outside the recognised set.
func (m StreamModes) Validate() error {
	for _, mode := range m {
		switch mode {
		case models.StreamModeValues, models.StreamModeUpdates, models.StreamModeMessages,
			models.StreamModeMessagesTuple, models.StreamModeDebug, models.StreamModeEvents,
			models.StreamModeCustom:
		default:
			return fmt.Errorf("stream_mode %q is not recognised", mode)
		}
	}
	return nil
}

// AssistantCreate is the body of POST /assistants.
type AssistantCreate struct {
	// AssistantID is caller-chosen and honoured as-is; one is generated only
	// when absent.
	AssistantID string                 `json:"assistant_id,omitempty"`
	GraphID     string                 `json:"graph_id"`
	Name        string                 `json:"name,omitempty"`
	Description string                 `json:"description,omitempty"`
	Config      map[string]interface{} `json:"config,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	IfExists    string                 `json:"if_exists,omitempty"`
}

// Validate checks required fields and enums.
func (r *AssistantCreate) Validate() error {
	if r.GraphID == "" {
		return fmt.Errorf("graph_id is required")
	}
	switch r.IfExists {
	case "", IfExistsRaise, IfExistsDoNothing:
	default:
		return fmt.Errorf("if_exists %q is not one of raise, do_nothing", r.IfExists)
	}
	return nil
}

// AssistantPatch is the body of PATCH /assistants/{aid}. Nil fields are left
// untouched.
type AssistantPatch struct {
	GraphID     *string                `json:"graph_id,omitempty"`
	Name        *string                `json:"name,omitempty"`
	Description *string                `json:"description,omitempty"`
	Config      map[string]interface{} `json:"config,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// AssistantSearch is the body of POST /assistants/search.
type AssistantSearch struct {
	GraphID  string                 `json:"graph_id,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Limit    int                    `json:"limit,omitempty"`
	Offset   int                    `json:"offset,omitempty"`
}

// ThreadCreate is the body of POST /threads.
type ThreadCreate struct {
	ThreadID string                 `json:"thread_id,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	IfExists string                 `json:"if_exists,omitempty"`
}

// Validate checks the if_exists enum.
func (r *ThreadCreate) Validate() error {
	switch r.IfExists {
	case "", IfExistsRaise, IfExistsDoNothing:
	default:
		return fmt.Errorf("if_exists %q is not one of raise, do_nothing", r.IfExists)
	}
	return nil
}

// ThreadPatch is the body of PATCH /threads/{tid}.
type ThreadPatch struct {
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ThreadSearch is the body of POST /threads/search.
type ThreadSearch struct {
	Status   string                 `json:"status,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Limit    int                    `json:"limit,omitempty"`
	Offset   int                    `json:"offset,omitempty"`
}

// StorePut is the body of PUT /store/items. Namespace accepts a JSON array
// of strings; the query-string form on GET/DELETE goes through the same
// normaliser.
type StorePut struct {
	Namespace interface{}            `json:"namespace"`
	Key       string                 `json:"key"`
	Value     map[string]interface{} `json:"value"`
}

// StoreDelete is the body of DELETE /store/items.
type StoreDelete struct {
	Namespace interface{} `json:"namespace"`
	Key       string      `json:"key"`
}

// StoreSearch is the body of POST /store/items/search.
type StoreSearch struct {
	NamespacePrefix interface{} `json:"namespace_prefix,omitempty"`
	Limit           int         `json:"limit,omitempty"`
	Offset          int         `json:"offset,omitempty"`
}

// CronCreate is the body of POST /runs/crons. The embedded RunCreate is
// snapshotted as the cron's payload and replayed on every fire.
type CronCreate struct {
	RunCreate
	Schedule string     `json:"schedule"`
	EndTime  *time.Time `json:"end_time,omitempty"`
	// ThreadID pins fires to one thread; empty lets the policy decide.
	ThreadID       string              `json:"thread_id,omitempty"`
	OnRunCompleted models.OnCompletion `json:"on_run_completed,omitempty"`
}

// Validate checks cron-specific fields on top of the run payload.
func (r *CronCreate) Validate() error {
	if err := r.RunCreate.Validate(); err != nil {
		return err
	}
	if r.Schedule == "" {
		return fmt.Errorf("schedule is required")
	}
	switch r.OnRunCompleted {
	case "", models.OnCompletionDelete, models.OnCompletionKeep:
	default:
		return fmt.Errorf("on_run_completed %q is not one of delete, keep", r.OnRunCompleted)
	}
	return nil
}

// RunPayload converts the cron body back into the run payload stored on the
// cron record. Round-trips through JSON so the stored form is exactly what a
// fresh request parse would produce.
func (r *CronCreate) RunPayload() (map[string]interface{}, error) {
	b, err := json.Marshal(r.RunCreate)
	if err != nil {
		return nil, err
	}
	payload := map[string]interface{}{}
	if err := json.Unmarshal(b, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// RunCreateFromPayload parses a stored cron payload back into a RunCreate.
func RunCreateFromPayload(payload map[string]interface{}) (*RunCreate, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var rc RunCreate
	if err := json.Unmarshal(b, &rc); err != nil {
		return nil, err
	}
	return &rc, nil
}
