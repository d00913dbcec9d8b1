package voice

import (
	"encoding/json"
	"fmt"
)

// EventKind names a notification emitted by the voice provider.
type EventKind string

const (
	EventCallStart   EventKind = "call-start"
	EventCallEnd     EventKind = "call-end"
	EventMessage     EventKind = "message"
	EventSpeechStart EventKind = "speech-start"
	EventSpeechEnd   EventKind = "speech-end"
	EventError       EventKind = "error"
)

// EventKinds lists every kind a session binds to, in subscription order.
var EventKinds = []EventKind{
	EventCallStart,
	EventCallEnd,
	EventMessage,
	EventSpeechStart,
	EventSpeechEnd,
	EventError,
}

// Valid reports whether k is one of the bound event kinds.
func (k EventKind) Valid() bool {
	for _, kind := range EventKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Role attributes an utterance to a conversation participant.
type Role int

const (
	RoleUser Role = iota
	RoleAssistant
)

// String returns the wire name of the role.
func (r Role) String() string {
	if r == RoleAssistant {
		return "assistant"
	}
	return "user"
}

// ParseRole maps a wire role name to a Role.
func ParseRole(name string) (Role, error) {
	switch name {
	case "assistant":
		return RoleAssistant, nil
	case "user":
		return RoleUser, nil
	default:
		return RoleUser, fmt.Errorf("unknown role %q", name)
	}
}

// MarshalJSON implements json.Marshaler.
func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Role) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	role, err := ParseRole(name)
	if err != nil {
		return err
	}
	*r = role
	return nil
}

const (
	// MessageTypeTranscript is the only message type the session consumes.
	MessageTypeTranscript = "transcript"

	TranscriptPartial = "partial"
	TranscriptFinal   = "final"
)

// Message is the payload of a provider message event.
type Message struct {
	Type           string `json:"type"`
	Role           Role   `json:"role"`
	TranscriptType string `json:"transcriptType,omitempty"`
	Transcript     string `json:"transcript,omitempty"`
}

// IsFinalTranscript reports whether the message is a transcript no longer subject
// to revision.
func (m Message) IsFinalTranscript() bool {
	return m.Type == MessageTypeTranscript && m.TranscriptType == TranscriptFinal
}

// Event is a typed provider notification. Message is set for EventMessage and Err
// for EventError.
type Event struct {
	Kind    EventKind
	Message *Message
	Err     error
}

// Handler receives provider events of one kind.
type Handler func(Event)
