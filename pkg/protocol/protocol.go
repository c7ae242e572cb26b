// Package protocol defines the wire formats the relay speaks: the
// out-of-band error frame sent to clients, and the subset of upstream
// realtime API events the relay inspects. Everything not defined here is
// relayed as an opaque payload.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Upstream event types the relay recognizes. All other event types pass
// through untouched.
const (
	// EventResponseDone closes out an assistant response and carries
	// the token usage for the full response.
	EventResponseDone = "response.done"

	// EventUserTranscript carries the completed transcription of the
	// user's speech.
	EventUserTranscript = "conversation.item.input_audio_transcription.completed"

	// EventAssistantTranscript carries the completed transcript of the
	// assistant's spoken response.
	EventAssistantTranscript = "response.audio_transcript.done"
)

// ErrorFrame is the structured error payload sent to the client
// immediately before a relay-initiated close.
type ErrorFrame struct {
	Type      string `json:"type"`
	ErrorType string `json:"errorType"`
	Message   string `json:"message"`
}

// NewErrorFrame builds the JSON error frame for the given error kind.
func NewErrorFrame(errorType, message string) []byte {
	frame := ErrorFrame{
		Type:      "error",
		ErrorType: errorType,
		Message:   message,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		// Marshal of a flat string struct cannot fail; keep the wire
		// contract anyway.
		return []byte(`{"type":"error","errorType":"InternalError","message":"error frame marshal failed"}`)
	}
	return data
}

// Usage is the token accounting block carried by a response.done event.
type Usage struct {
	TotalTokens  int64 `json:"total_tokens"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Event is the decoded envelope of an upstream realtime message. Only the
// fields the relay inspects are mapped; the rest of the payload is left
// to the raw bytes being forwarded.
type Event struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	Response   struct {
		Usage *Usage `json:"usage"`
	} `json:"response"`
}

// ParseEvent decodes an upstream message envelope.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("parse upstream event: %w", err)
	}
	return &ev, nil
}

// NewSessionUpdate builds the session-initialization message sent to the
// upstream service right after the connection opens.
func NewSessionUpdate(instructions, voice string) ([]byte, error) {
	if voice == "" {
		voice = "alloy"
	}
	msg := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":          []string{"text", "audio"},
			"instructions":        instructions,
			"voice":               voice,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           0.5,
				"prefix_padding_ms":   300,
				"silence_duration_ms": 500,
			},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal session update: %w", err)
	}
	return data, nil
}
