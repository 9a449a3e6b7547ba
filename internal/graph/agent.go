package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/checkpoint"
	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/namespace"
)

// Node names of the default agent graph.
const (
	NodeAgent = "agent"
	NodeTools = "tools"
)

const (
	defaultAgentSteps = 25
	memorySearchLimit = 20
)

// AgentFactory returns the factory for the default ReAct graph: one model
// node that may request tools, looping until the model stops asking.
func AgentFactory(model ModelClient, tools ToolSet, log *logger.Logger) Factory {
	return func(p Params) (Graph, error) {
		return &agentGraph{
			model:  model,
			tools:  tools,
			saver:  p.Checkpointer,
			store:  p.Store,
			config: p.Config,
			logger: log.WithFields(zap.String("component", "graph"), zap.String("graph_id", DefaultGraphID)),
		}, nil
	}
}

type agentGraph struct {
	model  ModelClient
	tools  ToolSet
	saver  checkpoint.Saver
	store  checkpoint.Store
	config map[string]interface{}
	logger *logger.Logger
}

func (g *agentGraph) ID() string { return DefaultGraphID }

func (g *agentGraph) Stream(ctx context.Context, req *Request, emit Emit) (*Result, error) {
	state := append([]Message(nil), req.Messages...)
	configurable := mergedConfigurable(req, g.config)
	threadID := stringField(configurable, "thread_id")
	maxSteps := req.RecursionLimit(defaultAgentSteps)

	system := g.systemPrompt(ctx, configurable)

	var specs []ToolSpec
	if g.tools != nil {
		specs = g.tools.Specs()
	}

	parentID := ""
	for step := 1; step <= maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if hasNode(req.InterruptBefore, NodeAgent) {
			return interruptedResult(state, NodeAgent, nil), nil
		}

		resp, err := modelTurn(ctx, g.model, &ModelRequest{
			System:   system,
			Messages: state,
			Tools:    specs,
		}, NodeAgent, step, "", emit)
		if err != nil {
			return nil, err
		}
		state = append(state, resp.Message)

		parentID, err = putCheckpoint(ctx, g.saver, threadID, "", parentID, state, NodeAgent, step)
		if err != nil {
			return nil, err
		}

		if hasNode(req.InterruptAfter, NodeAgent) {
			return interruptedResult(state, NodeAgent, nil), nil
		}
		if len(resp.Message.ToolCalls) == 0 {
			break
		}
		if g.tools == nil {
			g.logger.Warn("model requested tools but none are configured",
				zap.Int("count", len(resp.Message.ToolCalls)))
			break
		}
		if hasNode(req.InterruptBefore, NodeTools) {
			return interruptedResult(state, NodeTools, map[string]interface{}{
				"tool_calls": resp.Message.ToolCalls,
			}), nil
		}

		toolMsgs := g.runTools(ctx, resp.Message.ToolCalls)
		state = append(state, toolMsgs...)
		if err := emit(&Event{
			Type:   EventNodeUpdate,
			Node:   NodeTools,
			Step:   step,
			Update: map[string]interface{}{"messages": toolMsgs},
		}); err != nil {
			return nil, err
		}

		parentID, err = putCheckpoint(ctx, g.saver, threadID, "", parentID, state, NodeTools, step)
		if err != nil {
			return nil, err
		}
		if hasNode(req.InterruptAfter, NodeTools) {
			return interruptedResult(state, NodeTools, nil), nil
		}
	}

	return &Result{Messages: state}, nil
}

// systemPrompt combines the configured prompt with long-term memories read
// from the store under the (org, user, assistant, memories) namespace.
func (g *agentGraph) systemPrompt(ctx context.Context, configurable map[string]interface{}) string {
	prompt := stringField(configurable, "system_prompt")
	if g.store == nil {
		return prompt
	}
	comps := namespace.ExtractComponents(configurable)
	if comps == nil {
		return prompt
	}
	ns, err := namespace.Build(comps.OrgID, comps.UserID, comps.AssistantID, namespace.CategoryMemories)
	if err != nil {
		return prompt
	}
	items, err := g.store.Search(ctx, ns, memorySearchLimit)
	if err != nil {
		g.logger.Warn("memory lookup failed", zap.Error(err))
		return prompt
	}
	if len(items) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString(prompt)
	if prompt != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("Long-term memories:")
	for _, item := range items {
		if content, ok := item.Value["content"].(string); ok && content != "" {
			b.WriteString("\n- ")
			b.WriteString(content)
		}
	}
	return b.String()
}

// runTools executes the requested calls in order. Failures are fed back to
// the model as tool output rather than aborting the run.
func (g *agentGraph) runTools(ctx context.Context, calls []ToolCall) []Message {
	msgs := make([]Message, 0, len(calls))
	for _, call := range calls {
		content, err := g.tools.Call(ctx, call)
		if err != nil {
			g.logger.Warn("tool call failed", zap.String("tool", call.Name), zap.Error(err))
			content = fmt.Sprintf("tool %s failed: %v", call.Name, err)
		}
		msgs = append(msgs, Message{
			ID:         uuid.New().String(),
			Type:       TypeTool,
			Content:    content,
			Name:       call.Name,
			ToolCallID: call.ID,
		})
	}
	return msgs
}

// modelTurn runs one model node execution: an opening empty delta seeding
// the message id, one delta per streamed token, and a closing empty delta
// carrying the finish metadata. The returned message has the same id as the
// deltas and the full content.
func modelTurn(ctx context.Context, model ModelClient, mreq *ModelRequest, node string, step int, ns string, emit Emit) (*ModelResponse, error) {
	msgID := uuid.New().String()
	delta := func(content string, meta map[string]interface{}) error {
		return emit(&Event{
			Type:      EventMessageDelta,
			Node:      node,
			Step:      step,
			Namespace: ns,
			Delta:     &Message{ID: msgID, Type: TypeAI, Content: content, ResponseMetadata: meta},
		})
	}

	if err := delta("", nil); err != nil {
		return nil, err
	}
	resp, err := model.Generate(ctx, mreq, func(token string) error {
		return delta(token, nil)
	})
	if err != nil {
		return nil, err
	}

	info := model.Info()
	meta := map[string]interface{}{
		"finish_reason":  resp.FinishReason,
		"model_name":     info.Name,
		"model_provider": info.Provider,
	}
	if err := delta("", meta); err != nil {
		return nil, err
	}

	resp.Message.ID = msgID
	resp.Message.Type = TypeAI
	resp.Message.ResponseMetadata = meta
	return resp, nil
}

// putCheckpoint persists the message state after a node ran. A nil saver or
// absent thread id disables checkpointing.
func putCheckpoint(ctx context.Context, saver checkpoint.Saver, threadID, ns, parentID string, state []Message, node string, step int) (string, error) {
	if saver == nil || threadID == "" {
		return parentID, nil
	}
	id := uuid.New().String()
	cp := &checkpoint.Checkpoint{
		ThreadID:     threadID,
		Namespace:    ns,
		CheckpointID: id,
		ParentID:     parentID,
		Data:         map[string]interface{}{"messages": state},
		Metadata:     map[string]interface{}{"node": node, "step": step},
	}
	if err := saver.Put(ctx, cp); err != nil {
		return parentID, fmt.Errorf("checkpoint after %s: %w", node, err)
	}
	return id, nil
}

// mergedConfigurable prefers the request's configurable dict, falling back
// to the one captured when the graph was built.
func mergedConfigurable(req *Request, factoryConfig map[string]interface{}) map[string]interface{} {
	if c := req.Configurable(); len(c) > 0 {
		return c
	}
	if factoryConfig != nil {
		if c, ok := factoryConfig["configurable"].(map[string]interface{}); ok {
			return c
		}
	}
	return map[string]interface{}{}
}

func interruptedResult(state []Message, node string, value map[string]interface{}) *Result {
	return &Result{
		Messages: state,
		Interrupts: []Interrupt{{
			ID:    uuid.New().String(),
			Node:  node,
			Value: value,
		}},
	}
}

func hasNode(nodes []string, node string) bool {
	for _, n := range nodes {
		if n == node {
			return true
		}
	}
	return false
}
