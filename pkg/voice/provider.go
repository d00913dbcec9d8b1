package voice

import (
	"context"
)

// Subscription identifies one handler registration with a provider.
type Subscription interface {
	Kind() EventKind
}

// Provider is the capability offered by the external real-time voice-call client.
type Provider interface {
	// Start opens a call with the assistant described by cfg.
	Start(ctx context.Context, cfg AssistantConfig, overrides AssistantOverrides) error

	// Stop ends the current call. Stopping an idle provider is not an error.
	Stop() error

	// SetMuted mutes or unmutes the local microphone.
	SetMuted(muted bool) error

	// IsMuted reports the provider's current microphone state.
	IsMuted() bool

	// Subscribe registers h for events of the given kind.
	Subscribe(kind EventKind, h Handler) (Subscription, error)

	// Unsubscribe removes a registration. Unknown subscriptions are ignored.
	Unsubscribe(sub Subscription)
}

// SessionRecorder records a completed session in the learner's history.
type SessionRecorder interface {
	RecordSession(ctx context.Context, companionID string) error
}

// ErrorSink receives transport and collaborator failures for display or
// reporting. It must not block.
type ErrorSink interface {
	ReportError(sessionID string, err error)
}

// StateListener is notified after every observable change of the session.
type StateListener interface {
	OnSessionState(snapshot Snapshot)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(Snapshot)

// OnSessionState implements StateListener.
func (f StateListenerFunc) OnSessionState(s Snapshot) { f(s) }

type sessionIDKey struct{}

// WithSessionID attaches the session ID to ctx for collaborators called by the
// controller.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionIDFromContext returns the session ID attached by WithSessionID.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}
