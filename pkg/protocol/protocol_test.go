package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewErrorFrame(t *testing.T) {
	data := NewErrorFrame("QuotaExceededError", "usage quota exceeded")

	var frame ErrorFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("frame not JSON: %v", err)
	}
	if frame.Type != "error" {
		t.Errorf("type = %q, want error", frame.Type)
	}
	if frame.ErrorType != "QuotaExceededError" {
		t.Errorf("errorType = %q", frame.ErrorType)
	}
	if frame.Message != "usage quota exceeded" {
		t.Errorf("message = %q", frame.Message)
	}
}

func TestParseEventUsage(t *testing.T) {
	ev, err := ParseEvent([]byte(`{
		"type": "response.done",
		"response": {"usage": {"total_tokens": 9, "input_tokens": 5, "output_tokens": 4}}
	}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if ev.Type != EventResponseDone {
		t.Errorf("type = %q", ev.Type)
	}
	if ev.Response.Usage == nil || ev.Response.Usage.TotalTokens != 9 {
		t.Errorf("usage = %+v", ev.Response.Usage)
	}
}

func TestNewSessionUpdate(t *testing.T) {
	data, err := NewSessionUpdate("be brief", "")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	var msg struct {
		Type    string `json:"type"`
		Session struct {
			Instructions string `json:"instructions"`
			Voice        string `json:"voice"`
		} `json:"session"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("message not JSON: %v", err)
	}
	if msg.Type != "session.update" {
		t.Errorf("type = %q", msg.Type)
	}
	if msg.Session.Instructions != "be brief" {
		t.Errorf("instructions = %q", msg.Session.Instructions)
	}
	if msg.Session.Voice != "alloy" {
		t.Errorf("voice = %q, want the default voice", msg.Session.Voice)
	}
}
