package models

import (
	"testing"
	"time"
)

func TestRunStatusTerminal(t *testing.T) {
	terminal := []RunStatus{RunStatusSuccess, RunStatusError, RunStatusTimeout, RunStatusInterrupted}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
		if s.IsActive() {
			t.Errorf("expected %s to not be active", s)
		}
	}
	active := []RunStatus{RunStatusPending, RunStatusRunning}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("expected %s to not be terminal", s)
		}
		if !s.IsActive() {
			t.Errorf("expected %s to be active", s)
		}
	}
}

func TestMultitaskStrategyValid(t *testing.T) {
	for _, s := range []MultitaskStrategy{MultitaskReject, MultitaskEnqueue, MultitaskInterrupt, MultitaskRollback} {
		if !s.Valid() {
			t.Errorf("expected %s to be valid", s)
		}
	}
	if MultitaskStrategy("drop").Valid() {
		t.Error("expected unknown strategy to be invalid")
	}
	if MultitaskStrategy("").Valid() {
		t.Error("expected empty strategy to be invalid")
	}
}

func TestAssistantConfigurable(t *testing.T) {
	a := &Assistant{}
	if got := a.Configurable(); got == nil || len(got) != 0 {
		t.Errorf("expected empty configurable for nil config, got %v", got)
	}

	a = &Assistant{Config: map[string]interface{}{
		"configurable": map[string]interface{}{"model": "small"},
	}}
	if got := a.Configurable(); got["model"] != "small" {
		t.Errorf("expected configurable model small, got %v", got)
	}

	a = &Assistant{Config: map[string]interface{}{"configurable": "bogus"}}
	if got := a.Configurable(); len(got) != 0 {
		t.Errorf("expected empty configurable for malformed config, got %v", got)
	}
}

func TestOwnerHelpers(t *testing.T) {
	r := &Run{Metadata: map[string]interface{}{MetadataOwner: "user-1"}}
	if r.Owner() != "user-1" {
		t.Errorf("expected owner user-1, got %s", r.Owner())
	}
	if (&Run{}).Owner() != "" {
		t.Error("expected empty owner for nil metadata")
	}

	meta := WithOwner(map[string]interface{}{"k": "v"}, "user-2")
	if meta[MetadataOwner] != "user-2" || meta["k"] != "v" {
		t.Errorf("unexpected metadata after WithOwner: %v", meta)
	}
	if got := WithOwner(nil, "user-3"); got[MetadataOwner] != "user-3" {
		t.Errorf("expected owner user-3 on nil input, got %v", got)
	}
}

func TestThreadEphemeral(t *testing.T) {
	th := &Thread{Metadata: map[string]interface{}{MetadataEphemeral: true}}
	if !th.IsEphemeral() {
		t.Error("expected thread to be ephemeral")
	}
	if (&Thread{}).IsEphemeral() {
		t.Error("expected thread without metadata to not be ephemeral")
	}
}

func TestCronExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	if (&Cron{}).Expired(now) {
		t.Error("expected cron without end time to never expire")
	}
	if !(&Cron{EndTime: &past}).Expired(now) {
		t.Error("expected cron with past end time to be expired")
	}
	if (&Cron{EndTime: &future}).Expired(now) {
		t.Error("expected cron with future end time to not be expired")
	}
}

func TestRunWebhook(t *testing.T) {
	r := &Run{Kwargs: map[string]interface{}{KwargWebhook: "https://example.com/hook"}}
	if r.Webhook() != "https://example.com/hook" {
		t.Errorf("unexpected webhook: %s", r.Webhook())
	}
	if (&Run{}).Webhook() != "" {
		t.Error("expected empty webhook for nil kwargs")
	}
}
