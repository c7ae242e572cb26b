package relay

import (
	"github.com/voicebridge/voicebridge/pkg/protocol"
)

// Role identifies the speaker of a transcript entry.
type Role string

const (
	// RoleUser marks transcribed end-user speech.
	RoleUser Role = "user"

	// RoleAssistant marks transcribed assistant speech.
	RoleAssistant Role = "assistant"
)

// TranscriptEntry is one line of the in-memory conversation log.
type TranscriptEntry struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Effect is the zero-or-one side effect extracted from an upstream
// message: a usage delta for the meter, or a transcript entry. The zero
// value means opaque passthrough.
type Effect struct {
	Usage      *protocol.Usage
	Transcript *TranscriptEntry
}

// Classify inspects an upstream message for usage and transcript side
// effects. It recognizes a closed set of event kinds; everything else is
// passthrough. Classification runs after the message has already been
// forwarded, so an error here is best-effort telemetry only and must
// never interrupt the relay.
func Classify(data []byte) (Effect, error) {
	ev, err := protocol.ParseEvent(data)
	if err != nil {
		return Effect{}, err
	}

	switch ev.Type {
	case protocol.EventResponseDone:
		if ev.Response.Usage == nil {
			return Effect{}, nil
		}
		return Effect{Usage: ev.Response.Usage}, nil

	case protocol.EventUserTranscript:
		if ev.Transcript == "" {
			return Effect{}, nil
		}
		return Effect{Transcript: &TranscriptEntry{Role: RoleUser, Text: ev.Transcript}}, nil

	case protocol.EventAssistantTranscript:
		if ev.Transcript == "" {
			return Effect{}, nil
		}
		return Effect{Transcript: &TranscriptEntry{Role: RoleAssistant, Text: ev.Transcript}}, nil

	default:
		return Effect{}, nil
	}
}
