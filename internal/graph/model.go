package graph

import (
	"context"
	"errors"
)

// ErrNoModel is returned by the placeholder client wired when no model
// backend is configured. The service layer surfaces it as an upstream
// failure.
var ErrNoModel = errors.New("no model backend configured")

// ModelInfo identifies the model behind a client, reported on the closing
// delta of every model turn.
type ModelInfo struct {
	Name     string
	Provider string
}

// ModelRequest is one conversation handed to the model.
type ModelRequest struct {
	System   string
	Messages []Message
	Tools    []ToolSpec
}

// ModelResponse is the model's completed turn.
type ModelResponse struct {
	// Message carries the full content and any requested tool calls.
	Message Message
	// FinishReason is "stop", or "tool_calls" when the model requested tools.
	FinishReason string
}

// ModelClient produces assistant turns. Implementations bridge to whatever
// backend serves the model; this process never runs inference itself.
type ModelClient interface {
	Info() ModelInfo
	// Generate produces one assistant turn for the conversation. Streaming
	// implementations call onToken once per content fragment before
	// returning; the returned message still carries the complete content.
	// onToken may be nil.
	Generate(ctx context.Context, req *ModelRequest, onToken func(token string) error) (*ModelResponse, error)
}

// ToolSpec describes one callable tool advertised to the model.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Schema      map[string]interface{} `json:"schema,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string                 `json:"id,omitempty"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// ToolSet executes tool calls on behalf of a graph.
type ToolSet interface {
	Specs() []ToolSpec
	Call(ctx context.Context, call ToolCall) (string, error)
}

type noModel struct{}

// NoModel returns the client wired when no backend is configured; every
// generation fails with ErrNoModel.
func NoModel() ModelClient { return noModel{} }

func (noModel) Info() ModelInfo { return ModelInfo{Name: "none", Provider: "none"} }

func (noModel) Generate(context.Context, *ModelRequest, func(string) error) (*ModelResponse, error) {
	return nil, ErrNoModel
}
