// Package voice implements the client-side controller for a live voice session
// with a remote assistant: lifecycle state machine, provider event binding and the
// transcript log.
package voice

import (
	"encoding/json"
)

// CallStatus is the lifecycle state of a call session.
type CallStatus int

const (
	StatusInactive CallStatus = iota
	StatusConnecting
	StatusActive
	StatusFinished
)

// String returns the string representation of the status.
func (s CallStatus) String() string {
	switch s {
	case StatusInactive:
		return "inactive"
	case StatusConnecting:
		return "connecting"
	case StatusActive:
		return "active"
	case StatusFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler.
func (s CallStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler. Unknown names decode as inactive.
func (s *CallStatus) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "connecting":
		*s = StatusConnecting
	case "active":
		*s = StatusActive
	case "finished":
		*s = StatusFinished
	default:
		*s = StatusInactive
	}
	return nil
}

// CanStart reports whether a new session may be started from this status.
func (s CallStatus) CanStart() bool {
	return s == StatusInactive || s == StatusFinished
}

// CanStop reports whether a user-initiated stop is legal from this status.
func (s CallStatus) CanStop() bool {
	return s == StatusConnecting || s == StatusActive
}

// InCall returns true while the provider connection is owned by a session.
func (s CallStatus) InCall() bool {
	return s == StatusConnecting || s == StatusActive
}
