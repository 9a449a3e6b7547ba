package graph

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ScriptedTurn is one canned model response.
type ScriptedTurn struct {
	// Tokens are streamed one onToken call each; their concatenation is the
	// turn's content.
	Tokens    []string
	ToolCalls []ToolCall
}

// ScriptedModel replays canned turns in order. It backs tests and local
// smoke runs where no real model is reachable; requests are recorded for
// assertions.
type ScriptedModel struct {
	mu       sync.Mutex
	turns    []ScriptedTurn
	next     int
	requests []*ModelRequest
}

// NewScriptedModel builds a model client that replays turns in order and
// fails once the script is exhausted.
func NewScriptedModel(turns ...ScriptedTurn) *ScriptedModel {
	return &ScriptedModel{turns: turns}
}

func (m *ScriptedModel) Info() ModelInfo {
	return ModelInfo{Name: "scripted", Provider: "loom"}
}

// Generate pops the next scripted turn, streaming its tokens through
// onToken.
func (m *ScriptedModel) Generate(ctx context.Context, req *ModelRequest, onToken func(token string) error) (*ModelResponse, error) {
	m.mu.Lock()
	if m.next >= len(m.turns) {
		m.mu.Unlock()
		return nil, fmt.Errorf("scripted model exhausted after %d turns", len(m.turns))
	}
	turn := m.turns[m.next]
	m.next++
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	for _, token := range turn.Tokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if onToken != nil {
			if err := onToken(token); err != nil {
				return nil, err
			}
		}
	}

	msg := Message{
		ID:        uuid.New().String(),
		Type:      TypeAI,
		Content:   strings.Join(turn.Tokens, ""),
		ToolCalls: turn.ToolCalls,
	}
	finish := "stop"
	if len(turn.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	return &ModelResponse{Message: msg, FinishReason: finish}, nil
}

// Requests returns every request seen so far, oldest first.
func (m *ScriptedModel) Requests() []*ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ModelRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// StaticToolSet serves a fixed set of tool functions.
type StaticToolSet struct {
	mu    sync.Mutex
	specs []ToolSpec
	fns   map[string]func(ctx context.Context, args map[string]interface{}) (string, error)
	calls []ToolCall
}

// NewStaticToolSet builds an empty tool set; register tools with Add.
func NewStaticToolSet() *StaticToolSet {
	return &StaticToolSet{
		fns: make(map[string]func(ctx context.Context, args map[string]interface{}) (string, error)),
	}
}

// Add registers a tool under its spec name.
func (t *StaticToolSet) Add(spec ToolSpec, fn func(ctx context.Context, args map[string]interface{}) (string, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.specs = append(t.specs, spec)
	t.fns[spec.Name] = fn
}

func (t *StaticToolSet) Specs() []ToolSpec {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ToolSpec, len(t.specs))
	copy(out, t.specs)
	return out
}

// Call executes the named tool, recording the call.
func (t *StaticToolSet) Call(ctx context.Context, call ToolCall) (string, error) {
	t.mu.Lock()
	fn, ok := t.fns[call.Name]
	t.calls = append(t.calls, call)
	t.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
	return fn(ctx, call.Args)
}

// Calls returns every tool call received so far, oldest first.
func (t *StaticToolSet) Calls() []ToolCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ToolCall, len(t.calls))
	copy(out, t.calls)
	return out
}
