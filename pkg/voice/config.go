package voice

import (
	"strings"

	"voice-companion/pkg/errors"
)

// AssistantConfig describes the companion and participant for one session. It is
// treated as immutable once a session has started.
type AssistantConfig struct {
	CompanionID   string `json:"companion_id"`
	CompanionName string `json:"companion_name"`
	Subject       string `json:"subject"`
	Topic         string `json:"topic"`
	Style         string `json:"style"`
	Voice         string `json:"voice"`
	UserName      string `json:"user_name"`
	UserImage     string `json:"user_image,omitempty"`
}

// Validate rejects configurations the provider cannot start a session with.
func (c AssistantConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.CompanionID) == "" {
		missing = append(missing, "companion_id")
	}
	if strings.TrimSpace(c.Subject) == "" {
		missing = append(missing, "subject")
	}
	if strings.TrimSpace(c.Topic) == "" {
		missing = append(missing, "topic")
	}
	if len(missing) > 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "assistant configuration incomplete").
			WithField("missing", missing)
	}
	return nil
}

// AssistantOverrides are the per-session values sent alongside the assistant
// definition when a call starts.
type AssistantOverrides struct {
	VariableValues map[string]string `json:"variableValues"`
	ClientMessages []string          `json:"clientMessages"`
	ServerMessages []string          `json:"serverMessages"`
}

// Overrides builds the start overrides for c. Only transcript messages are
// requested from the provider.
func (c AssistantConfig) Overrides() AssistantOverrides {
	return AssistantOverrides{
		VariableValues: map[string]string{
			"subject": c.Subject,
			"topic":   c.Topic,
			"style":   c.Style,
		},
		ClientMessages: []string{MessageTypeTranscript},
		ServerMessages: []string{},
	}
}
