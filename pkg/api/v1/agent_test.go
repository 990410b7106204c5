package v1

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMergeWithConfigInherits(t *testing.T) {
	cfg := AgentConfig{
		AllowedTools: []string{"Read", "Edit"},
		Timeout:      300,
		MaxTokens:    4096,
		Temperature:  0.7,
	}

	merged := TaskOptions{}.MergeWithConfig(cfg)

	if len(merged.Tools) != 2 || merged.Tools[0] != "Read" {
		t.Errorf("tools = %v", merged.Tools)
	}
	if *merged.Timeout != 300 {
		t.Errorf("timeout = %d", *merged.Timeout)
	}
	if *merged.MaxTokens != 4096 {
		t.Errorf("max tokens = %d", *merged.MaxTokens)
	}
	if *merged.Temperature != 0.7 {
		t.Errorf("temperature = %f", *merged.Temperature)
	}
}

func TestMergeWithConfigOverrides(t *testing.T) {
	cfg := AgentConfig{
		AllowedTools: []string{"Read", "Edit"},
		Timeout:      300,
		MaxTokens:    4096,
		Temperature:  0.7,
	}
	timeout := 60
	temperature := 0.1

	merged := TaskOptions{
		Tools:         []string{"Bash"},
		Timeout:       &timeout,
		Temperature:   &temperature,
		ResumeSession: true,
	}.MergeWithConfig(cfg)

	if len(merged.Tools) != 1 || merged.Tools[0] != "Bash" {
		t.Errorf("tools = %v", merged.Tools)
	}
	if *merged.Timeout != 60 {
		t.Errorf("timeout = %d", *merged.Timeout)
	}
	if *merged.MaxTokens != 4096 {
		t.Errorf("max tokens inherited wrong: %d", *merged.MaxTokens)
	}
	if *merged.Temperature != 0.1 {
		t.Errorf("temperature = %f", *merged.Temperature)
	}
	if !merged.ResumeSession {
		t.Error("resume_session lost in merge")
	}
}

func TestAgentEventSSEID(t *testing.T) {
	ev := NewAgentEvent(EventLog, "agent-1", "run-1", nil)
	id := ev.SSEID()
	if !strings.HasPrefix(id, "agent-1-") {
		t.Errorf("sse id = %q", id)
	}
	if !strings.HasSuffix(id, ev.Timestamp) {
		t.Errorf("sse id %q does not end with timestamp %q", id, ev.Timestamp)
	}
}

func TestAgentEventDataJSON(t *testing.T) {
	ev := NewAgentEvent(EventToolCall, "agent-1", "run-1", map[string]interface{}{
		"tool": "Bash",
	})

	var decoded AgentEvent
	if err := json.Unmarshal([]byte(ev.DataJSON()), &decoded); err != nil {
		t.Fatalf("DataJSON produced invalid JSON: %v", err)
	}
	if decoded.Type != EventToolCall || decoded.AgentID != "agent-1" {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Payload["tool"] != "Bash" {
		t.Errorf("payload = %v", decoded.Payload)
	}
}

func TestNewAgentEventDefaultsPayload(t *testing.T) {
	ev := NewAgentEvent(EventStatusChange, "agent-1", "", nil)
	if ev.Payload == nil {
		t.Error("nil payload not defaulted")
	}
	if ev.RunID != "" {
		t.Errorf("run id = %q", ev.RunID)
	}
}
