package streaming

import (
	"strings"

	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/runtime/models"
	"github.com/loomhq/loom/internal/runtime/service"
)

// chunkType is the wire type of a streamed model delta. Clients feed these
// into a chunk manager that groups by message id; the accumulated message
// comes back as a plain "ai" message in values frames.
const chunkType = "AIMessageChunk"

// messageChunk is the first element of a messages 2-tuple. Content holds
// only what was produced since the previous chunk with the same id.
type messageChunk struct {
	Content          string                 `json:"content"`
	Type             string                 `json:"type"`
	ID               string                 `json:"id"`
	Name             string                 `json:"name,omitempty"`
	ToolCalls        []graph.ToolCall       `json:"tool_calls,omitempty"`
	ResponseMetadata map[string]interface{} `json:"response_metadata,omitempty"`
}

// families maps the requested stream modes onto frame families. The default
// mode, messages-tuple, produces the full framing backbone: initial values,
// message tuples, node updates, final values. Asking for a narrower mode
// narrows the stream to that family; events and custom are accepted and
// produce nothing.
type families struct {
	values   bool
	messages bool
	updates  bool
	debug    bool
}

func familiesFor(modes []models.StreamMode) families {
	if len(modes) == 0 {
		modes = []models.StreamMode{models.StreamModeMessagesTuple}
	}
	var f families
	for _, m := range modes {
		switch m {
		case models.StreamModeValues:
			f.values = true
		case models.StreamModeUpdates:
			f.updates = true
		case models.StreamModeMessages, models.StreamModeMessagesTuple:
			f.messages = true
			f.values = true
			f.updates = true
		case models.StreamModeDebug:
			f.debug = true
		}
	}
	return f
}

// Translator turns lifecycle points and graph events into frames for one
// stream. It is not safe for concurrent use; the producer goroutine owns it.
type Translator struct {
	families families
	identity map[string]interface{} // constant part of every messages-frame metadata
}

// NewTranslator builds the translator for a started run. The identity
// metadata carries the run coordinates plus any ls_-prefixed tracing keys
// from the effective configurable, forwarded untouched.
func NewTranslator(sr *service.StartedRun, modes []models.StreamMode) *Translator {
	identity := map[string]interface{}{
		"owner":        sr.Run.Owner(),
		"graph_id":     sr.Assistant.GraphID,
		"assistant_id": sr.Assistant.AssistantID,
		"run_id":       sr.Run.RunID,
		"thread_id":    sr.Thread.ThreadID,
	}
	if sr.User.Identity != "" {
		identity["user_id"] = sr.User.Identity
	}
	if cfg, ok := sr.Run.Kwargs[models.KwargConfig].(map[string]interface{}); ok {
		if configurable, ok := cfg["configurable"].(map[string]interface{}); ok {
			for k, v := range configurable {
				if strings.HasPrefix(k, "ls_") {
					identity[k] = v
				}
			}
		}
	}
	return &Translator{families: familiesFor(modes), identity: identity}
}

// Metadata is the mandatory opening frame.
func (t *Translator) Metadata(runID string, attempt int) *Frame {
	return &Frame{Type: FrameMetadata, Data: map[string]interface{}{
		"run_id":  runID,
		"attempt": attempt,
	}}
}

// InitialValues echoes the seeded state before execution, or nil when the
// requested modes exclude values frames.
func (t *Translator) InitialValues(messages []graph.Message) *Frame {
	if !t.families.values {
		return nil
	}
	if messages == nil {
		messages = []graph.Message{}
	}
	return &Frame{Type: FrameValues, Data: map[string]interface{}{"messages": messages}}
}

// FinalValues carries the accumulated state after execution, or nil when
// values frames are excluded or the run produced no result. A paused run's
// pending interrupts ride along under __interrupt__ so clients can render
// the prompt without a second request.
func (t *Translator) FinalValues(result *graph.Result) *Frame {
	if !t.families.values || result == nil {
		return nil
	}
	state := result.State()
	if len(result.Interrupts) > 0 {
		state["__interrupt__"] = result.Interrupts
	}
	return &Frame{Type: FrameValues, Data: state}
}

// Translate maps one graph event onto zero or more frames, in emission
// order.
func (t *Translator) Translate(ev *graph.Event) []*Frame {
	var frames []*Frame
	switch ev.Type {
	case graph.EventMessageDelta:
		if t.families.messages && ev.Delta != nil {
			frames = append(frames, t.messageTuple(ev))
		}
	case graph.EventNodeUpdate:
		if t.families.updates && ev.Update != nil {
			frames = append(frames, &Frame{
				Type: FrameUpdates,
				Data: map[string]interface{}{ev.Node: ev.Update},
			})
		}
		if t.families.debug {
			frames = append(frames, &Frame{
				Type: FrameDebug,
				Data: map[string]interface{}{
					"type": "task_result",
					"payload": map[string]interface{}{
						"name":   ev.Node,
						"step":   ev.Step,
						"result": ev.Update,
					},
				},
			})
		}
	}
	return frames
}

// Error is the terminating frame for an in-stream failure. Codes other
// than 500 are forwarded so clients can distinguish conflicts from crashes.
func (t *Translator) Error(err error) *Frame {
	data := map[string]interface{}{"error": err.Error()}
	if code := service.HTTPStatus(err); code != 500 {
		data["code"] = code
	}
	return &Frame{Type: FrameError, Data: data}
}

func (t *Translator) messageTuple(ev *graph.Event) *Frame {
	meta := make(map[string]interface{}, len(t.identity)+3)
	for k, v := range t.identity {
		meta[k] = v
	}
	meta["langgraph_node"] = ev.Node
	meta["langgraph_step"] = ev.Step
	meta["langgraph_checkpoint_ns"] = ev.Namespace

	chunk := &messageChunk{
		Content:          ev.Delta.Content,
		Type:             chunkType,
		ID:               ev.Delta.ID,
		Name:             ev.Delta.Name,
		ToolCalls:        ev.Delta.ToolCalls,
		ResponseMetadata: ev.Delta.ResponseMetadata,
	}
	return &Frame{Type: FrameMessages, Data: [2]interface{}{chunk, meta}}
}
