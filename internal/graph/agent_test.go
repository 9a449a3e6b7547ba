package graph

import (
	"context"
	"strings"
	"testing"

	"github.com/loomhq/loom/internal/checkpoint"
)

func newAgentGraph(t *testing.T, model ModelClient, tools ToolSet, p Params) Graph {
	t.Helper()
	g, err := AgentFactory(model, tools, newTestLogger())(p)
	if err != nil {
		t.Fatalf("agent factory: %v", err)
	}
	return g
}

func TestAgentGraphSingleTurn(t *testing.T) {
	model := NewScriptedModel(ScriptedTurn{Tokens: []string{"Hello", " there"}})
	g := newAgentGraph(t, model, nil, Params{})

	collector := &eventCollector{}
	res, err := g.Stream(context.Background(), &Request{
		Messages: []Message{NewMessage(TypeHuman, "hi")},
	}, collector.emit)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	deltas := collector.deltas()
	if len(deltas) != 4 {
		t.Fatalf("got %d deltas, want start + 2 tokens + finish", len(deltas))
	}
	if deltas[0].Content != "" || deltas[3].Content != "" {
		t.Error("expected empty start and finish deltas")
	}
	if deltas[1].Content != "Hello" || deltas[2].Content != " there" {
		t.Errorf("token deltas = %q, %q", deltas[1].Content, deltas[2].Content)
	}
	meta := deltas[3].ResponseMetadata
	if meta["finish_reason"] != "stop" || meta["model_name"] != "scripted" || meta["model_provider"] != "loom" {
		t.Errorf("finish metadata = %v", meta)
	}

	final := LastMessageOfType(res.Messages, TypeAI)
	if final == nil || final.Content != "Hello there" {
		t.Fatalf("final message = %+v", final)
	}
	if final.ID != deltas[0].ID {
		t.Errorf("final id %q does not match delta id %q", final.ID, deltas[0].ID)
	}
	if len(res.Interrupts) != 0 {
		t.Errorf("unexpected interrupts: %+v", res.Interrupts)
	}
}

func TestAgentGraphToolLoop(t *testing.T) {
	model := NewScriptedModel(
		ScriptedTurn{
			Tokens: []string{"Let me check."},
			ToolCalls: []ToolCall{{
				ID:   "call-1",
				Name: "search",
				Args: map[string]interface{}{"query": "weather"},
			}},
		},
		ScriptedTurn{Tokens: []string{"It is sunny."}},
	)
	tools := NewStaticToolSet()
	tools.Add(ToolSpec{Name: "search", Description: "Search the web."},
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			return "sunny, 22C", nil
		})

	g := newAgentGraph(t, model, tools, Params{})
	collector := &eventCollector{}
	res, err := g.Stream(context.Background(), &Request{
		Messages: []Message{NewMessage(TypeHuman, "weather?")},
	}, collector.emit)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	calls := tools.Calls()
	if len(calls) != 1 || calls[0].Name != "search" {
		t.Fatalf("tool calls = %+v, want one search call", calls)
	}

	var updates []*Event
	for _, ev := range collector.list() {
		if ev.Type == EventNodeUpdate {
			updates = append(updates, ev)
		}
	}
	if len(updates) != 1 || updates[0].Node != NodeTools {
		t.Fatalf("updates = %+v, want one tools update", updates)
	}

	toolMsg := LastMessageOfType(res.Messages, TypeTool)
	if toolMsg == nil || toolMsg.Content != "sunny, 22C" || toolMsg.ToolCallID != "call-1" {
		t.Errorf("tool message = %+v", toolMsg)
	}
	final := LastMessageOfType(res.Messages, TypeAI)
	if final == nil || final.Content != "It is sunny." {
		t.Errorf("final message = %+v", final)
	}

	// Second model request must include the tool result.
	reqs := model.Requests()
	if len(reqs) != 2 {
		t.Fatalf("model saw %d requests, want 2", len(reqs))
	}
	if LastMessageOfType(reqs[1].Messages, TypeTool) == nil {
		t.Error("second request is missing the tool message")
	}
}

func TestAgentGraphToolFailureFedBack(t *testing.T) {
	model := NewScriptedModel(
		ScriptedTurn{ToolCalls: []ToolCall{{ID: "c1", Name: "flaky"}}},
		ScriptedTurn{Tokens: []string{"Could not check."}},
	)
	tools := NewStaticToolSet()
	tools.Add(ToolSpec{Name: "flaky"}, func(ctx context.Context, args map[string]interface{}) (string, error) {
		return "", context.DeadlineExceeded
	})

	g := newAgentGraph(t, model, tools, Params{})
	res, err := Invoke(context.Background(), g, &Request{
		Messages: []Message{NewMessage(TypeHuman, "go")},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	toolMsg := LastMessageOfType(res.Messages, TypeTool)
	if toolMsg == nil || !strings.Contains(toolMsg.Content, "failed") {
		t.Errorf("tool message = %+v, want failure fed back", toolMsg)
	}
}

func TestAgentGraphInterruptBeforeTools(t *testing.T) {
	model := NewScriptedModel(ScriptedTurn{
		Tokens:    []string{"Need a tool."},
		ToolCalls: []ToolCall{{ID: "c1", Name: "search", Args: map[string]interface{}{"query": "x"}}},
	})
	tools := NewStaticToolSet()
	tools.Add(ToolSpec{Name: "search"}, func(ctx context.Context, args map[string]interface{}) (string, error) {
		t.Error("tool must not run before approval")
		return "", nil
	})

	g := newAgentGraph(t, model, tools, Params{})
	res, err := Invoke(context.Background(), g, &Request{
		Messages:        []Message{NewMessage(TypeHuman, "search x")},
		InterruptBefore: []string{NodeTools},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(res.Interrupts) != 1 {
		t.Fatalf("interrupts = %+v, want exactly one", res.Interrupts)
	}
	intr := res.Interrupts[0]
	if intr.Node != NodeTools {
		t.Errorf("interrupt node = %q, want tools", intr.Node)
	}
	value, ok := intr.Value.(map[string]interface{})
	if !ok {
		t.Fatalf("interrupt value = %#v, want map", intr.Value)
	}
	if _, ok := value["tool_calls"]; !ok {
		t.Error("interrupt value is missing the pending tool calls")
	}
	if len(tools.Calls()) != 0 {
		t.Error("tool ran despite interrupt")
	}
}

func TestAgentGraphMemoriesReachSystemPrompt(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	err := store.Put(context.Background(),
		[]string{"org-1", "user-1", "asst-1", "memories"},
		"m1", map[string]interface{}{"content": "prefers terse answers"})
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}

	model := NewScriptedModel(ScriptedTurn{Tokens: []string{"ok"}})
	g := newAgentGraph(t, model, nil, Params{
		Config: map[string]interface{}{
			"configurable": map[string]interface{}{
				"supabase_organization_id": "org-1",
				"user_id":                  "user-1",
				"assistant_id":             "asst-1",
				"system_prompt":            "Be helpful.",
			},
		},
		Store: store,
	})

	if _, err := Invoke(context.Background(), g, &Request{
		Messages: []Message{NewMessage(TypeHuman, "hi")},
		Config: map[string]interface{}{
			"configurable": map[string]interface{}{
				"supabase_organization_id": "org-1",
				"user_id":                  "user-1",
				"assistant_id":             "asst-1",
				"system_prompt":            "Be helpful.",
			},
		},
	}); err != nil {
		t.Fatalf("invoke: %v", err)
	}

	reqs := model.Requests()
	if len(reqs) != 1 {
		t.Fatalf("model saw %d requests, want 1", len(reqs))
	}
	if !strings.Contains(reqs[0].System, "Be helpful.") {
		t.Errorf("system prompt lost the configured prompt: %q", reqs[0].System)
	}
	if !strings.Contains(reqs[0].System, "prefers terse answers") {
		t.Errorf("system prompt is missing the memory: %q", reqs[0].System)
	}
}

func TestAgentGraphCheckpoints(t *testing.T) {
	saver := checkpoint.NewMemorySaver()
	model := NewScriptedModel(ScriptedTurn{Tokens: []string{"done"}})
	g := newAgentGraph(t, model, nil, Params{
		Config: map[string]interface{}{
			"configurable": map[string]interface{}{"thread_id": "thread-1"},
		},
		Checkpointer: saver,
	})

	_, err := Invoke(context.Background(), g, &Request{
		Messages: []Message{NewMessage(TypeHuman, "hi")},
		Config: map[string]interface{}{
			"configurable": map[string]interface{}{"thread_id": "thread-1"},
		},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	cp, err := saver.Latest(context.Background(), "thread-1", "")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if cp == nil {
		t.Fatal("expected a checkpoint after the run")
	}
	if _, ok := cp.Data["messages"]; !ok {
		t.Error("checkpoint data is missing messages")
	}
	if cp.Metadata["node"] != NodeAgent {
		t.Errorf("checkpoint node = %v, want agent", cp.Metadata["node"])
	}
}

func TestAgentGraphRecursionLimitStopsLoop(t *testing.T) {
	// The model asks for a tool on every turn; the limit must end the loop.
	turns := make([]ScriptedTurn, 10)
	for i := range turns {
		turns[i] = ScriptedTurn{ToolCalls: []ToolCall{{ID: "c", Name: "noop"}}}
	}
	model := NewScriptedModel(turns...)
	tools := NewStaticToolSet()
	tools.Add(ToolSpec{Name: "noop"}, func(ctx context.Context, args map[string]interface{}) (string, error) {
		return "ok", nil
	})

	g := newAgentGraph(t, model, tools, Params{})
	_, err := Invoke(context.Background(), g, &Request{
		Messages: []Message{NewMessage(TypeHuman, "loop")},
		Config:   map[string]interface{}{"recursion_limit": 3},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got := len(model.Requests()); got != 3 {
		t.Errorf("model ran %d turns, want 3", got)
	}
}

func TestAgentGraphNoModel(t *testing.T) {
	g := newAgentGraph(t, NoModel(), nil, Params{})
	_, err := Invoke(context.Background(), g, &Request{
		Messages: []Message{NewMessage(TypeHuman, "hi")},
	})
	if err == nil {
		t.Fatal("expected error from the no-model client")
	}
}
