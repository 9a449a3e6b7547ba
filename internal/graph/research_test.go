package graph

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/loomhq/loom/internal/checkpoint"
	"github.com/loomhq/loom/internal/common/config"
)

// stubModel answers from the request itself, so concurrent workers get
// deterministic responses regardless of scheduling order.
type stubModel struct {
	mu       sync.Mutex
	requests []*ModelRequest
	fn       func(req *ModelRequest) *ModelResponse
}

func (m *stubModel) Info() ModelInfo {
	return ModelInfo{Name: "stub", Provider: "loom"}
}

func (m *stubModel) Generate(ctx context.Context, req *ModelRequest, onToken func(string) error) (*ModelResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	resp := m.fn(req)
	if onToken != nil && resp.Message.Content != "" {
		if err := onToken(resp.Message.Content); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (m *stubModel) countRequests(substr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, req := range m.requests {
		if strings.Contains(req.System, substr) {
			n++
		}
	}
	return n
}

// researchStub plans the given topics, answers each researcher with a note
// derived from its topic, and writes a fixed report.
func researchStub(topics ...string) *stubModel {
	return &stubModel{fn: func(req *ModelRequest) *ModelResponse {
		switch {
		case strings.Contains(req.System, "research lead"):
			calls := make([]ToolCall, len(topics))
			for i, topic := range topics {
				calls[i] = ToolCall{
					ID:   fmt.Sprintf("plan-%d", i),
					Name: conductResearchSpec.Name,
					Args: map[string]interface{}{"topic": topic},
				}
			}
			return &ModelResponse{
				Message:      Message{Type: TypeAI, Content: "the brief", ToolCalls: calls},
				FinishReason: "tool_calls",
			}
		case strings.Contains(req.System, "You are a researcher"):
			topic := ""
			if last := LastMessageOfType(req.Messages, TypeHuman); last != nil {
				topic = last.Content
			}
			return &ModelResponse{
				Message:      Message{Type: TypeAI, Content: "note: " + topic},
				FinishReason: "stop",
			}
		default:
			return &ModelResponse{
				Message:      Message{Type: TypeAI, Content: "final report"},
				FinishReason: "stop",
			}
		}
	}}
}

func newResearchGraph(t *testing.T, model ModelClient, tools ToolSet, p Params) Graph {
	t.Helper()
	factory := ResearchFactory(model, tools, config.GraphConfig{MaxConcurrentWorkers: 2}, newTestLogger())
	g, err := factory(p)
	if err != nil {
		t.Fatalf("research factory: %v", err)
	}
	return g
}

func TestResearchGraphFanOut(t *testing.T) {
	model := researchStub("topic a", "topic b", "topic c")
	saver := checkpoint.NewMemorySaver()
	g := newResearchGraph(t, model, nil, Params{Checkpointer: saver})

	collector := &eventCollector{}
	res, err := g.Stream(context.Background(), &Request{
		Messages: []Message{NewMessage(TypeHuman, "research these")},
		Config: map[string]interface{}{
			"configurable": map[string]interface{}{"thread_id": "thread-r"},
		},
	}, collector.emit)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	notes, ok := res.Values["notes"].([]string)
	if !ok || len(notes) != 3 {
		t.Fatalf("notes = %#v, want 3 entries", res.Values["notes"])
	}
	for i, topic := range []string{"topic a", "topic b", "topic c"} {
		if notes[i] != "note: "+topic {
			t.Errorf("note %d = %q, want %q", i, notes[i], "note: "+topic)
		}
	}
	if res.Values["research_brief"] != "the brief" {
		t.Errorf("research_brief = %v", res.Values["research_brief"])
	}

	final := LastMessageOfType(res.Messages, TypeAI)
	if final == nil || final.Content != "final report" {
		t.Errorf("final message = %+v", final)
	}

	// Each researcher checkpoints under its own namespace.
	for i := 0; i < 3; i++ {
		ns := fmt.Sprintf("researcher:%d", i)
		cp, err := saver.Latest(context.Background(), "thread-r", ns)
		if err != nil {
			t.Fatalf("latest %s: %v", ns, err)
		}
		if cp == nil {
			t.Errorf("no checkpoint for %s", ns)
		}
	}

	// Worker deltas carry their namespace; root deltas do not.
	sawWorkerDelta := false
	for _, ev := range collector.list() {
		if ev.Type == EventMessageDelta && strings.HasPrefix(ev.Namespace, "researcher:") {
			sawWorkerDelta = true
		}
	}
	if !sawWorkerDelta {
		t.Error("expected deltas from researcher namespaces")
	}

	if got := model.countRequests("You are a researcher"); got != 3 {
		t.Errorf("researcher turns = %d, want 3", got)
	}
}

func TestResearchGraphPlanApproval(t *testing.T) {
	model := researchStub("topic a", "topic b")
	g := newResearchGraph(t, model, nil, Params{})

	res, err := Invoke(context.Background(), g, &Request{
		Messages:        []Message{NewMessage(TypeHuman, "plan only")},
		InterruptBefore: []string{NodeResearch},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(res.Interrupts) != 1 || res.Interrupts[0].Node != NodeResearch {
		t.Fatalf("interrupts = %+v, want pause at research", res.Interrupts)
	}
	value, ok := res.Interrupts[0].Value.(map[string]interface{})
	if !ok {
		t.Fatalf("interrupt value = %#v", res.Interrupts[0].Value)
	}
	topics, ok := value["topics"].([]string)
	if !ok || len(topics) != 2 {
		t.Errorf("topics = %#v, want 2", value["topics"])
	}
	if got := model.countRequests("You are a researcher"); got != 0 {
		t.Errorf("researchers ran %d times before approval", got)
	}
}

func TestResearchGraphTopicFallback(t *testing.T) {
	// A planning turn with no delegations researches the question itself.
	model := researchStub()
	g := newResearchGraph(t, model, nil, Params{})

	res, err := Invoke(context.Background(), g, &Request{
		Messages: []Message{NewMessage(TypeHuman, "lonely topic")},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	notes, ok := res.Values["notes"].([]string)
	if !ok || len(notes) != 1 {
		t.Fatalf("notes = %#v, want 1 entry", res.Values["notes"])
	}
	if notes[0] != "note: lonely topic" {
		t.Errorf("note = %q", notes[0])
	}
}

func TestResearchGraphWorkerToolLoop(t *testing.T) {
	model := NewScriptedModel(
		ScriptedTurn{
			Tokens: []string{"the brief"},
			ToolCalls: []ToolCall{{
				ID:   "plan-0",
				Name: conductResearchSpec.Name,
				Args: map[string]interface{}{"topic": "solo"},
			}},
		},
		ScriptedTurn{
			ToolCalls: []ToolCall{{ID: "c1", Name: "lookup", Args: map[string]interface{}{"q": "solo"}}},
		},
		ScriptedTurn{Tokens: []string{"found it"}},
		ScriptedTurn{Tokens: []string{"report"}},
	)
	tools := NewStaticToolSet()
	tools.Add(ToolSpec{Name: "lookup"}, func(ctx context.Context, args map[string]interface{}) (string, error) {
		return "data", nil
	})

	g := newResearchGraph(t, model, tools, Params{})
	res, err := Invoke(context.Background(), g, &Request{
		Messages: []Message{NewMessage(TypeHuman, "dig in")},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	if len(tools.Calls()) != 1 {
		t.Fatalf("tool calls = %+v, want 1", tools.Calls())
	}
	notes, _ := res.Values["notes"].([]string)
	if len(notes) != 1 || notes[0] != "found it" {
		t.Errorf("notes = %#v", notes)
	}
}

func TestResearchGraphTopicCap(t *testing.T) {
	topics := make([]string, maxResearchTopics+5)
	for i := range topics {
		topics[i] = fmt.Sprintf("topic %d", i)
	}
	model := researchStub(topics...)
	g := newResearchGraph(t, model, nil, Params{})

	res, err := Invoke(context.Background(), g, &Request{
		Messages: []Message{NewMessage(TypeHuman, "everything")},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	notes, _ := res.Values["notes"].([]string)
	if len(notes) != maxResearchTopics {
		t.Errorf("notes = %d, want capped at %d", len(notes), maxResearchTopics)
	}
}
