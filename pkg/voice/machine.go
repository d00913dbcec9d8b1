package voice

import (
	"time"

	"github.com/google/uuid"
)

// FinishReason records which edge finished a session.
type FinishReason string

const (
	FinishedByUser     FinishReason = "user_stop"
	FinishedByProvider FinishReason = "call_end"
	FinishedByUnmount  FinishReason = "unmount"
)

// sessionRef identifies a session instance for history recording.
type sessionRef struct {
	sessionID   string
	companionID string
}

// machine is the session state without any I/O. Every method is a single guarded
// transition and reports whether it changed anything.
type machine struct {
	status      CallStatus
	muted       bool
	speaking    bool
	sessionID   string
	companionID string
	startedAt   time.Time
	activeAt    time.Time

	// recorded is set once history has been recorded for the current session.
	recorded bool
	// wasActive is set when the current session reached Active.
	wasActive bool
	// owedEnd is set when the session was stopped locally and its call-end has not
	// arrived yet.
	owedEnd bool
	// stale is the previous session whose call-end is still owed after a new
	// session was started. That call-end must not finish the new session.
	stale *sessionRef

	// starting is set while provider.Start is in flight; stopAfterStart asks for a
	// provider stop once it returns.
	starting       bool
	stopAfterStart bool

	revision uint64
	newID    func() string
	now      func() time.Time
}

func newMachine() *machine {
	return &machine{
		status: StatusInactive,
		newID:  func() string { return uuid.New().String() },
		now:    time.Now,
	}
}

// begin enters Connecting for a fresh session. Refused while a session owns the
// provider or a previous start is still in flight.
func (m *machine) begin(companionID string) bool {
	if !m.status.CanStart() || m.starting {
		return false
	}
	m.stale = nil
	if m.owedEnd && !m.recorded {
		m.stale = &sessionRef{sessionID: m.sessionID, companionID: m.companionID}
	}
	m.owedEnd = false
	m.status = StatusConnecting
	m.muted = false
	m.speaking = false
	m.recorded = false
	m.wasActive = false
	m.stopAfterStart = false
	m.starting = true
	m.sessionID = m.newID()
	m.companionID = companionID
	m.startedAt = m.now()
	m.activeAt = time.Time{}
	m.revision++
	return true
}

// startReturned clears the in-flight start and reports whether the provider
// must be stopped because the session was finished meanwhile.
func (m *machine) startReturned(failed bool) (stopNow bool) {
	m.starting = false
	stopNow = m.stopAfterStart && !failed
	m.stopAfterStart = false
	return stopNow
}

// startFailed returns a still-connecting session to Inactive.
func (m *machine) startFailed(sessionID string) bool {
	if m.sessionID != sessionID || m.status != StatusConnecting {
		return false
	}
	m.status = StatusInactive
	m.revision++
	return true
}

// connected handles call-start.
func (m *machine) connected() bool {
	if m.status != StatusConnecting {
		return false
	}
	m.stale = nil
	m.status = StatusActive
	m.wasActive = true
	m.activeAt = m.now()
	m.revision++
	return true
}

// finish handles a user stop. Optimistic: does not wait for the provider.
func (m *machine) finish() bool {
	if !m.status.CanStop() {
		return false
	}
	if m.starting {
		m.stopAfterStart = true
	}
	m.owedEnd = true
	m.status = StatusFinished
	m.speaking = false
	m.revision++
	return true
}

// ended handles call-end. changed reports a state change; rec is non-nil for the
// first call-end of a session instance, whose history must be recorded.
func (m *machine) ended() (changed bool, rec *sessionRef) {
	if m.stale != nil && m.status == StatusConnecting {
		// Owed by the previous, locally stopped session.
		rec, m.stale = m.stale, nil
		return false, rec
	}
	m.stale = nil
	if m.status == StatusInactive {
		return false, nil
	}
	if m.status != StatusFinished {
		m.status = StatusFinished
		m.speaking = false
		m.revision++
		changed = true
	}
	m.owedEnd = false
	if !m.recorded {
		m.recorded = true
		rec = &sessionRef{sessionID: m.sessionID, companionID: m.companionID}
	}
	return changed, rec
}

// setSpeaking applies speech-start/speech-end while Active.
func (m *machine) setSpeaking(speaking bool) bool {
	if m.status != StatusActive || m.speaking == speaking {
		return false
	}
	m.speaking = speaking
	m.revision++
	return true
}

// setMuted applies a mute change while Active.
func (m *machine) setMuted(muted bool) bool {
	if m.status != StatusActive || m.muted == muted {
		return false
	}
	m.muted = muted
	m.revision++
	return true
}

// duration returns the elapsed time since the session started.
func (m *machine) duration() time.Duration {
	if m.startedAt.IsZero() {
		return 0
	}
	return m.now().Sub(m.startedAt)
}
