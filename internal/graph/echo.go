package graph

import (
	"context"

	"github.com/google/uuid"
)

// EchoGraphID names the deterministic smoke-test graph.
const EchoGraphID = "echo"

// NodeEcho is the echo graph's only node.
const NodeEcho = "echo"

// EchoFactory returns the factory for a graph that streams the last human
// message back as an assistant turn. No model sits behind it, which makes it
// the graph of choice for smoke tests and wire-format checks.
func EchoFactory() Factory {
	return func(p Params) (Graph, error) {
		return &echoGraph{}, nil
	}
}

type echoGraph struct{}

func (g *echoGraph) ID() string { return EchoGraphID }

func (g *echoGraph) Stream(ctx context.Context, req *Request, emit Emit) (*Result, error) {
	state := append([]Message(nil), req.Messages...)
	if hasNode(req.InterruptBefore, NodeEcho) {
		return interruptedResult(state, NodeEcho, nil), nil
	}

	content := ""
	if last := LastMessageOfType(state, TypeHuman); last != nil {
		content = last.Content
	}

	msgID := uuid.New().String()
	delta := func(chunk string, meta map[string]interface{}) error {
		return emit(&Event{
			Type:  EventMessageDelta,
			Node:  NodeEcho,
			Step:  1,
			Delta: &Message{ID: msgID, Type: TypeAI, Content: chunk, ResponseMetadata: meta},
		})
	}

	if err := delta("", nil); err != nil {
		return nil, err
	}
	for _, chunk := range splitTokens(content) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := delta(chunk, nil); err != nil {
			return nil, err
		}
	}
	meta := map[string]interface{}{
		"finish_reason":  "stop",
		"model_name":     EchoGraphID,
		"model_provider": "loom",
	}
	if err := delta("", meta); err != nil {
		return nil, err
	}

	state = append(state, Message{ID: msgID, Type: TypeAI, Content: content, ResponseMetadata: meta})
	if hasNode(req.InterruptAfter, NodeEcho) {
		return interruptedResult(state, NodeEcho, nil), nil
	}
	return &Result{Messages: state}, nil
}

// splitTokens cuts content into word-sized chunks whose concatenation is the
// original string, spaces included.
func splitTokens(content string) []string {
	if content == "" {
		return nil
	}
	var tokens []string
	start := 0
	for i, r := range content {
		if r == ' ' && i > start {
			tokens = append(tokens, content[start:i])
			start = i
		}
	}
	tokens = append(tokens, content[start:])
	return tokens
}
