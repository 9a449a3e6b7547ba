// Package graph hosts the runnable agent graphs: the registry mapping graph
// ids to factories, the builtin graph implementations, and the model/tool
// interfaces they execute against. The runtime performs no inference itself;
// a ModelClient implementation supplies every assistant turn.
package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Message types, following the conversational roles the wire format uses.
const (
	TypeHuman  = "human"
	TypeAI     = "ai"
	TypeTool   = "tool"
	TypeSystem = "system"
)

// Message is one turn in a conversation state channel.
type Message struct {
	ID               string                 `json:"id,omitempty"`
	Type             string                 `json:"type"`
	Content          string                 `json:"content"`
	Name             string                 `json:"name,omitempty"`
	ToolCalls        []ToolCall             `json:"tool_calls,omitempty"`
	ToolCallID       string                 `json:"tool_call_id,omitempty"`
	ResponseMetadata map[string]interface{} `json:"response_metadata,omitempty"`
}

// NewMessage builds a message of the given type with a fresh id.
func NewMessage(typ, content string) Message {
	return Message{ID: uuid.New().String(), Type: typ, Content: content}
}

// EventType enumerates the observations a running graph emits.
type EventType string

const (
	// EventMessageDelta carries a fragment of model output. Deltas hold only
	// content produced since the previous delta for the same message id.
	EventMessageDelta EventType = "message_delta"
	// EventNodeUpdate carries a node's partial state patch after it ran.
	EventNodeUpdate EventType = "node_update"
)

// Event is one observation from a running graph. The streaming engine
// translates events into wire frames; non-streaming callers discard them.
type Event struct {
	Type      EventType
	Node      string
	Step      int
	Namespace string // checkpoint namespace; empty for the root graph
	Delta     *Message
	Update    map[string]interface{}
}

// Emit receives graph events in order. A blocking Emit throttles the graph;
// an error return aborts the run. Fan-out graphs call Emit from worker
// goroutines, so implementations must be safe for concurrent use.
type Emit func(ev *Event) error

func discardEvents(*Event) error { return nil }

// Request carries one invocation's input and configuration.
type Request struct {
	Messages        []Message
	Config          map[string]interface{}
	InterruptBefore []string
	InterruptAfter  []string
}

// Configurable returns the request's configurable dict, never nil.
func (r *Request) Configurable() map[string]interface{} {
	if r.Config == nil {
		return map[string]interface{}{}
	}
	if c, ok := r.Config["configurable"].(map[string]interface{}); ok {
		return c
	}
	return map[string]interface{}{}
}

// RecursionLimit returns the configured step cap, or fallback.
func (r *Request) RecursionLimit(fallback int) int {
	if r.Config != nil {
		if n, ok := numberField(r.Config, "recursion_limit"); ok && n > 0 {
			return n
		}
	}
	return fallback
}

// Interrupt is a human-in-the-loop pause raised by a graph node. A result
// carrying interrupts means the run paused rather than completed.
type Interrupt struct {
	ID    string      `json:"id"`
	Node  string      `json:"node"`
	Value interface{} `json:"value"`
}

// Result is the terminal output of one graph invocation.
type Result struct {
	Messages   []Message
	Values     map[string]interface{} // state channels beside messages
	Interrupts []Interrupt
}

// State flattens the result into a snapshot values map.
func (r *Result) State() map[string]interface{} {
	state := make(map[string]interface{}, len(r.Values)+1)
	for k, v := range r.Values {
		state[k] = v
	}
	state["messages"] = r.Messages
	return state
}

// Graph is a compiled, runnable agent graph.
type Graph interface {
	ID() string
	// Stream runs the graph to completion or to a human-in-the-loop pause,
	// emitting events as they occur. emit is never nil.
	Stream(ctx context.Context, req *Request, emit Emit) (*Result, error)
}

// Invoke runs a graph without observing its event stream.
func Invoke(ctx context.Context, g Graph, req *Request) (*Result, error) {
	return g.Stream(ctx, req, discardEvents)
}

// MessagesFromInput extracts the message list from a run input payload.
// Accepted shapes: {"messages": [...]} where each element is a message
// object, a bare string (treated as human), or a [role, content] pair; and
// {"messages": "..."} as shorthand for a single human message. Messages
// without ids are assigned fresh ones.
func MessagesFromInput(input map[string]interface{}) []Message {
	if input == nil {
		return nil
	}
	return coerceMessages(input["messages"])
}

// MessagesFromState rebuilds the message list from a snapshot values map, as
// stored by a previous run.
func MessagesFromState(values map[string]interface{}) []Message {
	if values == nil {
		return nil
	}
	if msgs, ok := values["messages"].([]Message); ok {
		out := make([]Message, len(msgs))
		copy(out, msgs)
		return ensureIDs(out)
	}
	return coerceMessages(values["messages"])
}

// LastMessageOfType returns the newest message of the given type, or nil.
func LastMessageOfType(messages []Message, typ string) *Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Type == typ {
			return &messages[i]
		}
	}
	return nil
}

func coerceMessages(raw interface{}) []Message {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		return []Message{NewMessage(TypeHuman, v)}
	case []Message:
		out := make([]Message, len(v))
		copy(out, v)
		return ensureIDs(out)
	case []interface{}:
		out := make([]Message, 0, len(v))
		for _, item := range v {
			if msg, ok := coerceMessage(item); ok {
				out = append(out, msg)
			}
		}
		return ensureIDs(out)
	default:
		return nil
	}
}

func coerceMessage(raw interface{}) (Message, bool) {
	switch v := raw.(type) {
	case string:
		return Message{Type: TypeHuman, Content: v}, true
	case Message:
		return v, true
	case map[string]interface{}:
		msg := Message{
			ID:         stringField(v, "id"),
			Type:       normalizeType(firstString(v, "type", "role")),
			Content:    coerceContent(v["content"]),
			Name:       stringField(v, "name"),
			ToolCallID: stringField(v, "tool_call_id"),
		}
		if meta, ok := v["response_metadata"].(map[string]interface{}); ok {
			msg.ResponseMetadata = meta
		}
		msg.ToolCalls = coerceToolCalls(v["tool_calls"])
		return msg, true
	case []interface{}:
		// [role, content] pair.
		if len(v) == 2 {
			role, okRole := v[0].(string)
			if okRole {
				return Message{Type: normalizeType(role), Content: coerceContent(v[1])}, true
			}
		}
		return Message{}, false
	default:
		return Message{}, false
	}
}

// coerceContent flattens string content and text-part lists into plain text.
func coerceContent(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case []interface{}:
		var b strings.Builder
		for _, part := range v {
			switch p := part.(type) {
			case string:
				b.WriteString(p)
			case map[string]interface{}:
				if text, ok := p["text"].(string); ok {
					b.WriteString(text)
				}
			}
		}
		return b.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func coerceToolCalls(raw interface{}) []ToolCall {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	calls := make([]ToolCall, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		call := ToolCall{
			ID:   stringField(m, "id"),
			Name: stringField(m, "name"),
		}
		if args, ok := m["args"].(map[string]interface{}); ok {
			call.Args = args
		}
		calls = append(calls, call)
	}
	if len(calls) == 0 {
		return nil
	}
	return calls
}

func normalizeType(typ string) string {
	switch strings.ToLower(typ) {
	case "user", "human":
		return TypeHuman
	case "assistant", "ai", "aimessagechunk":
		return TypeAI
	case "tool":
		return TypeTool
	case "system":
		return TypeSystem
	case "":
		return TypeHuman
	default:
		return strings.ToLower(typ)
	}
}

func ensureIDs(messages []Message) []Message {
	for i := range messages {
		if messages[i].ID == "" {
			messages[i].ID = uuid.New().String()
		}
	}
	return messages
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s := stringField(m, key); s != "" {
			return s
		}
	}
	return ""
}

func numberField(m map[string]interface{}, key string) (int, bool) {
	switch n := m[key].(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
