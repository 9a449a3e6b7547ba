package dto

import (
	"encoding/json"
	"testing"

	"github.com/loomhq/loom/internal/runtime/models"
)

func TestRunCreateUnmarshal(t *testing.T) {
	body := `{
		"assistant_id": "a1",
		"input": {"messages": [{"type": "human", "content": "2+2"}]},
		"multitask_strategy": "reject",
		"if_not_exists": "create",
		"on_disconnect": "continue",
		"stream_mode": ["values", "messages-tuple"],
		"interrupt_before": ["tools"],
		"webhook": "https://example.com/hook",
		"config": {"configurable": {"model": "small"}},
		"unknown_key": true
	}`
	var rc RunCreate
	if err := json.Unmarshal([]byte(body), &rc); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if err := rc.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if rc.AssistantID != "a1" || rc.MultitaskStrategy != models.MultitaskReject {
		t.Errorf("unexpected payload: %+v", rc)
	}
	if !rc.StreamMode.Has(models.StreamModeValues) || !rc.StreamMode.Has(models.StreamModeMessagesTuple) {
		t.Errorf("expected both stream modes, got %v", rc.StreamMode)
	}
	if rc.Configurable()["model"] != "small" {
		t.Errorf("expected configurable round-trip, got %v", rc.Config)
	}
	if rc.Webhook != "https://example.com/hook" {
		t.Errorf("unexpected webhook %q", rc.Webhook)
	}
}

func TestStreamModeSingleString(t *testing.T) {
	var rc RunCreate
	if err := json.Unmarshal([]byte(`{"assistant_id": "a1", "stream_mode": "values"}`), &rc); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(rc.StreamMode) != 1 || rc.StreamMode[0] != models.StreamModeValues {
		t.Errorf("expected single values mode, got %v", rc.StreamMode)
	}
	if err := rc.StreamMode.Validate(); err != nil {
		t.Errorf("validate failed: %v", err)
	}
}

func TestStreamModeRejectsUnknown(t *testing.T) {
	modes := StreamModes{models.StreamMode("tokens")}
	if err := modes.Validate(); err == nil {
		t.Error("expected error for unknown stream mode")
	}
}

func TestInputMapWrapsBareString(t *testing.T) {
	rc := RunCreate{AssistantID: "a1", Input: "hello"}
	input := rc.InputMap()
	if input == nil || input["messages"] != "hello" {
		t.Errorf("expected bare string wrapped under messages, got %v", input)
	}

	rc = RunCreate{AssistantID: "a1"}
	if rc.InputMap() != nil {
		t.Error("expected nil input map for absent input")
	}
}

func TestRunCreateValidateRejectsBadEnums(t *testing.T) {
	tests := []struct {
		name string
		rc   RunCreate
	}{
		{"missing assistant", RunCreate{}},
		{"bad strategy", RunCreate{AssistantID: "a1", MultitaskStrategy: "abort"}},
		{"bad if_not_exists", RunCreate{AssistantID: "a1", IfNotExists: "maybe"}},
		{"bad on_completion", RunCreate{AssistantID: "a1", OnCompletion: "drop"}},
		{"bad on_disconnect", RunCreate{AssistantID: "a1", OnDisconnect: "hold"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.rc.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCronPayloadRoundTrip(t *testing.T) {
	cc := CronCreate{
		RunCreate: RunCreate{
			AssistantID: "a1",
			Input:       map[string]interface{}{"messages": "tick"},
			Config:      map[string]interface{}{"configurable": map[string]interface{}{"k": "v"}},
		},
		Schedule:       "* * * * *",
		OnRunCompleted: models.OnCompletionDelete,
	}
	if err := cc.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	payload, err := cc.RunPayload()
	if err != nil {
		t.Fatalf("payload build failed: %v", err)
	}
	back, err := RunCreateFromPayload(payload)
	if err != nil {
		t.Fatalf("payload parse failed: %v", err)
	}
	if back.AssistantID != "a1" {
		t.Errorf("expected assistant to survive round trip, got %q", back.AssistantID)
	}
	if back.InputMap()["messages"] != "tick" {
		t.Errorf("expected input to survive round trip, got %v", back.Input)
	}
}

func TestCronCreateValidate(t *testing.T) {
	cc := CronCreate{RunCreate: RunCreate{AssistantID: "a1"}}
	if err := cc.Validate(); err == nil {
		t.Error("expected error for missing schedule")
	}
	cc.Schedule = "* * * * *"
	cc.OnRunCompleted = "sometimes"
	if err := cc.Validate(); err == nil {
		t.Error("expected error for bad on_run_completed")
	}
}
