// Package history records completed companion sessions in the learner's history.
package history

import (
	"context"
	"time"

	"voice-companion/pkg/voice"
)

// Recorder records one completed session. It is the collaborator the session
// controller calls on call-end.
type Recorder = voice.SessionRecorder

// Record is one completed session.
type Record struct {
	SessionID   string    `json:"session_id,omitempty"`
	CompanionID string    `json:"companion_id"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Reader lists recorded sessions.
type Reader interface {
	// Recent returns up to limit records, newest first. limit <= 0 returns all.
	Recent(limit int) []Record
	// Count returns the number of recorded sessions.
	Count() int
}

func newRecord(ctx context.Context, companionID string, now time.Time) Record {
	return Record{
		SessionID:   voice.SessionIDFromContext(ctx),
		CompanionID: companionID,
		RecordedAt:  now.UTC(),
	}
}
