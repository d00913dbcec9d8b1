package voice

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voice-companion/pkg/errors"
	"voice-companion/pkg/metrics"
)

// ErrInvalidTransition is returned by commands that are not legal in the current
// state. The state is left unchanged.
var ErrInvalidTransition = errors.ErrInvalidTransition

// ErrClosed is returned by commands issued after the controller was closed.
var ErrClosed error = errors.New("session controller closed")

const defaultRecordTimeout = 10 * time.Second

// Snapshot is an immutable copy of the observable session state.
type Snapshot struct {
	Revision   uint64            `json:"revision"`
	SessionID  string            `json:"session_id,omitempty"`
	Status     CallStatus        `json:"status"`
	Muted      bool              `json:"muted"`
	Speaking   bool              `json:"speaking"`
	StartedAt  time.Time         `json:"started_at,omitempty"`
	Transcript []TranscriptEntry `json:"transcript"`
	Assistant  AssistantConfig   `json:"assistant"`
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Assistant AssistantConfig

	// Recorder receives one RecordSession call per completed session. Optional.
	Recorder SessionRecorder

	// Errors receives transport and recording failures. Optional.
	Errors ErrorSink

	// RecordTimeout bounds one history recording. Defaults to 10s.
	RecordTimeout time.Duration
}

// Controller owns one call session against an exclusively held provider. All
// provider events and user commands are serialized through mu; provider and
// recorder calls are made without holding it.
type Controller struct {
	logger   *logrus.Logger
	provider Provider
	config   ControllerConfig

	mu         sync.Mutex
	m          *machine
	transcript *Transcript
	assistant  AssistantConfig
	closed     bool
	binding    *Binding

	listenersMu sync.RWMutex
	listeners   []StateListener

	recordings sync.WaitGroup
}

// NewController validates the assistant configuration and binds the controller to
// the provider's events. Close must be called to release the binding.
func NewController(logger *logrus.Logger, provider Provider, config ControllerConfig) (*Controller, error) {
	if err := config.Assistant.Validate(); err != nil {
		return nil, err
	}
	if config.RecordTimeout <= 0 {
		config.RecordTimeout = defaultRecordTimeout
	}

	c := &Controller{
		logger:     logger,
		provider:   provider,
		config:     config,
		m:          newMachine(),
		transcript: NewTranscript(),
		assistant:  config.Assistant,
	}

	binding, err := Bind(logger, provider, c)
	if err != nil {
		return nil, errors.Wrap(err, "failed to bind voice provider")
	}
	c.binding = binding

	logger.WithField("companion_id", config.Assistant.CompanionID).Info("Session controller mounted")
	return c, nil
}

// AddListener registers a listener for state changes
func (c *Controller) AddListener(listener StateListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// RemoveListener removes a previously added listener
func (c *Controller) RemoveListener(listener StateListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for i, l := range c.listeners {
		if l == listener {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// Snapshot returns the current session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Revision:   c.m.revision,
		SessionID:  c.m.sessionID,
		Status:     c.m.status,
		Muted:      c.m.muted,
		Speaking:   c.m.speaking,
		StartedAt:  c.m.startedAt,
		Transcript: c.transcript.Snapshot(),
		Assistant:  c.assistant,
	}
}

func (c *Controller) notify(s Snapshot) {
	c.listenersMu.RLock()
	listeners := make([]StateListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.RUnlock()

	for _, l := range listeners {
		l.OnSessionState(s)
	}
}

func (c *Controller) entry() *logrus.Entry {
	return c.logger.WithFields(logrus.Fields{
		"session_id":   c.m.sessionID,
		"companion_id": c.assistant.CompanionID,
		"status":       c.m.status.String(),
	})
}

// Configure replaces the assistant configuration for the next session. It is
// refused while a session owns the provider.
func (c *Controller) Configure(cfg AssistantConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.m.status.InCall() || c.m.starting {
		status := c.m.status.String()
		c.mu.Unlock()
		return errors.NewInvalidTransition("configure", status)
	}
	c.assistant = cfg
	c.m.revision++
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	return nil
}

// Start begins a new session from Inactive or Finished. The transcript and flags
// are reset before the provider is asked to connect.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.m.begin(c.assistant.CompanionID) {
		status := c.m.status.String()
		c.mu.Unlock()
		return errors.NewInvalidTransition("start", status)
	}
	c.transcript.Reset()
	sessionID := c.m.sessionID
	cfg := c.assistant
	c.entry().Info("Starting voice session")
	snap := c.snapshotLocked()
	c.mu.Unlock()

	metrics.RecordSessionStarted()
	c.notify(snap)

	err := c.provider.Start(ctx, cfg, cfg.Overrides())
	metrics.RecordProviderCommand("start", err)

	c.mu.Lock()
	stopNow := c.m.startReturned(err != nil)
	var reverted bool
	if err != nil {
		reverted = c.m.startFailed(sessionID)
		c.entry().WithError(err).Error("Voice provider failed to start session")
	}
	snap = c.snapshotLocked()
	c.mu.Unlock()

	if err != nil {
		if reverted {
			c.notify(snap)
		}
		return errors.NewProviderFailure("start", err).WithField("session_id", sessionID)
	}

	if stopNow {
		// Finished while the start was in flight.
		c.logger.WithField("session_id", sessionID).Info("Session stopped during connect, stopping provider")
		c.stopProvider(sessionID)
	}
	return nil
}

// Stop ends the session from Connecting or Active. The transition is applied
// immediately and the provider is stopped without waiting for call-end.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	wasActive := c.m.status == StatusActive
	if !c.m.finish() {
		status := c.m.status.String()
		c.mu.Unlock()
		return errors.NewInvalidTransition("stop", status)
	}
	sessionID := c.m.sessionID
	duration := c.m.duration()
	c.entry().Info("Session stopped by user")
	snap := c.snapshotLocked()
	c.mu.Unlock()

	metrics.RecordSessionFinished(string(FinishedByUser), wasActive, duration)
	c.notify(snap)

	return c.stopProvider(sessionID)
}

func (c *Controller) stopProvider(sessionID string) error {
	err := c.provider.Stop()
	metrics.RecordProviderCommand("stop", err)
	if err != nil {
		c.logger.WithError(err).WithField("session_id", sessionID).Warn("Voice provider failed to stop")
		return errors.NewProviderFailure("stop", err).WithField("session_id", sessionID)
	}
	return nil
}

// ToggleMute inverts the provider's microphone state while Active. The local flag
// follows the commanded value immediately and is reverted if the command fails.
func (c *Controller) ToggleMute() (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	if c.m.status != StatusActive {
		status := c.m.status.String()
		muted := c.m.muted
		c.mu.Unlock()
		return muted, errors.NewInvalidTransition("toggle_mute", status)
	}
	sessionID := c.m.sessionID
	c.mu.Unlock()

	current := c.provider.IsMuted()
	target := !current

	c.mu.Lock()
	applied := c.m.sessionID == sessionID && c.m.setMuted(target)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	if applied {
		c.notify(snap)
	}

	err := c.provider.SetMuted(target)
	metrics.RecordProviderCommand("set_muted", err)
	if err == nil {
		metrics.RecordMuteToggle(target)
		c.logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"muted":      target,
		}).Debug("Microphone toggled")
		return target, nil
	}

	c.mu.Lock()
	reverted := c.m.sessionID == sessionID && c.m.setMuted(current)
	snap = c.snapshotLocked()
	c.mu.Unlock()
	if reverted {
		c.notify(snap)
	}

	c.logger.WithError(err).WithField("session_id", sessionID).Warn("Failed to change microphone state")
	return current, errors.NewReconciliation("muted", errors.NewProviderFailure("set_muted", err)).
		WithField("session_id", sessionID)
}

// Close unmounts the controller: the provider binding is released, a session still
// owning the provider is stopped and pending history recordings are awaited.
// Events delivered afterwards are dropped.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	inCall := c.m.status.InCall()
	wasActive := c.m.status == StatusActive
	sessionID := c.m.sessionID
	duration := c.m.duration()
	c.m.finish()
	c.mu.Unlock()

	c.binding.Close()

	var err error
	if inCall {
		metrics.RecordSessionFinished(string(FinishedByUnmount), wasActive, duration)
		err = c.stopProvider(sessionID)
	}

	c.recordings.Wait()
	c.logger.WithField("session_id", sessionID).Info("Session controller unmounted")
	return err
}

// OnCallStart implements EventSink.
func (c *Controller) OnCallStart() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.m.connected() {
		c.entry().Debug("Ignoring call-start outside of connecting")
		c.mu.Unlock()
		metrics.RecordIgnoredEvent(string(EventCallStart))
		return
	}
	c.entry().Info("Voice session active")
	snap := c.snapshotLocked()
	c.mu.Unlock()

	metrics.RecordSessionActive()
	c.notify(snap)
}

// OnCallEnd implements EventSink.
func (c *Controller) OnCallEnd() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	wasActive := c.m.status == StatusActive
	changed, rec := c.m.ended()
	duration := c.m.duration()
	switch {
	case changed:
		c.entry().Info("Voice session ended by provider")
	case rec != nil:
		c.entry().WithField("ended_session_id", rec.sessionID).Info("Provider confirmed end of stopped session")
	default:
		c.entry().Debug("Ignoring duplicate call-end")
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if changed {
		metrics.RecordSessionFinished(string(FinishedByProvider), wasActive, duration)
		c.notify(snap)
	} else if rec == nil {
		metrics.RecordIgnoredEvent(string(EventCallEnd))
	}

	if rec != nil {
		c.recordHistory(rec.sessionID, rec.companionID)
	}
}

// recordHistory records the session without blocking event delivery.
func (c *Controller) recordHistory(sessionID, companionID string) {
	if c.config.Recorder == nil {
		return
	}

	c.recordings.Add(1)
	go func() {
		defer c.recordings.Done()

		ctx, cancel := context.WithTimeout(WithSessionID(context.Background(), sessionID), c.config.RecordTimeout)
		defer cancel()

		err := c.config.Recorder.RecordSession(ctx, companionID)
		metrics.RecordHistory(err)

		fields := logrus.Fields{
			"session_id":   sessionID,
			"companion_id": companionID,
		}
		if err != nil {
			c.logger.WithError(err).WithFields(fields).Error("Failed to record session history")
			c.report(sessionID, errors.Wrap(err, "failed to record session history").WithFields(fields))
			return
		}
		c.logger.WithFields(fields).Info("Session recorded in history")
	}()
}

// OnMessage implements EventSink. Transcripts are kept only while a session is
// connecting or active.
func (c *Controller) OnMessage(msg Message) {
	c.mu.Lock()
	if c.closed || !c.m.status.InCall() {
		c.mu.Unlock()
		return
	}
	entry, ok := c.transcript.OnTranscriptEvent(msg)
	if !ok {
		c.mu.Unlock()
		return
	}
	c.m.revision++
	snap := c.snapshotLocked()
	c.mu.Unlock()

	metrics.RecordTranscriptEntry(entry.Role.String())
	c.notify(snap)
}

// OnSpeechStart implements EventSink.
func (c *Controller) OnSpeechStart() {
	c.applySpeaking(EventSpeechStart, true)
}

// OnSpeechEnd implements EventSink.
func (c *Controller) OnSpeechEnd() {
	c.applySpeaking(EventSpeechEnd, false)
}

func (c *Controller) applySpeaking(kind EventKind, speaking bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	inActive := c.m.status == StatusActive
	changed := c.m.setSpeaking(speaking)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if !inActive {
		metrics.RecordIgnoredEvent(string(kind))
		return
	}
	metrics.RecordSpeechEvent(string(kind))
	if changed {
		c.notify(snap)
	}
}

// OnError implements EventSink. Transport errors never change the session state;
// a fatal failure is followed by call-end from the provider.
func (c *Controller) OnError(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	sessionID := c.m.sessionID
	c.entry().WithError(err).Warn("Voice provider reported an error")
	c.mu.Unlock()

	metrics.RecordTransportError()
	c.report(sessionID, err)
}

func (c *Controller) report(sessionID string, err error) {
	if c.config.Errors != nil && err != nil {
		c.config.Errors.ReportError(sessionID, err)
	}
}
