package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voice-companion/pkg/errors"
	"voice-companion/pkg/voice"
)

// MockTurn is one scripted utterance.
type MockTurn struct {
	Role voice.Role
	Text string
}

// MockConfig controls the pacing of a scripted conversation.
type MockConfig struct {
	ConnectDelay time.Duration
	TurnInterval time.Duration
	// Script replaces the default conversation built from the assistant config.
	Script []MockTurn
	// EndAfterScript ends the call once the script is exhausted.
	EndAfterScript bool
}

// MockProvider implements voice.Provider with a scripted conversation for
// development and tests.
type MockProvider struct {
	*voice.Registry

	logger *logrus.Logger
	config MockConfig

	mu      sync.Mutex
	call    *mockCall
	muted   bool
	running sync.WaitGroup
}

type mockCall struct {
	cancel context.CancelFunc
	// done is closed once call-end for the call has been emitted
	done chan struct{}
}

// NewMockProvider creates a new mock provider
func NewMockProvider(logger *logrus.Logger, config MockConfig) *MockProvider {
	return &MockProvider{
		Registry: voice.NewRegistry(),
		logger:   logger,
		config:   config,
	}
}

// DefaultScript is the conversation played when no script is configured.
func DefaultScript(cfg voice.AssistantConfig) []MockTurn {
	name := cfg.UserName
	if name == "" {
		name = "there"
	}
	return []MockTurn{
		{Role: voice.RoleAssistant, Text: fmt.Sprintf("Hello %s, today we are going to talk about %s.", name, cfg.Topic)},
		{Role: voice.RoleUser, Text: "Sounds good, let's begin."},
		{Role: voice.RoleAssistant, Text: fmt.Sprintf("Great. What do you already know about %s?", cfg.Subject)},
		{Role: voice.RoleUser, Text: "Not very much yet."},
		{Role: voice.RoleAssistant, Text: "That's fine, we will start from the basics."},
	}
}

// Start begins the scripted call. call-start is emitted after ConnectDelay.
func (p *MockProvider) Start(ctx context.Context, cfg voice.AssistantConfig, overrides voice.AssistantOverrides) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.call != nil {
		return errors.Wrap(errors.ErrFailedPrecondition, "call already in progress")
	}

	script := p.config.Script
	if len(script) == 0 {
		script = DefaultScript(cfg)
	}

	callCtx, cancel := context.WithCancel(context.Background())
	c := &mockCall{cancel: cancel, done: make(chan struct{})}
	p.call = c
	p.muted = false

	p.logger.WithFields(logrus.Fields{
		"companion_id": cfg.CompanionID,
		"turns":        len(script),
		"variables":    len(overrides.VariableValues),
	}).Info("Mock voice call started")

	p.running.Add(1)
	go p.run(callCtx, c, script)
	return nil
}

func (p *MockProvider) run(ctx context.Context, c *mockCall, script []MockTurn) {
	defer p.running.Done()
	defer p.end(c)

	if !p.wait(ctx, p.config.ConnectDelay) {
		return
	}
	p.Emit(voice.Event{Kind: voice.EventCallStart})

	for _, turn := range script {
		if !p.wait(ctx, p.config.TurnInterval) {
			return
		}
		if turn.Role == voice.RoleUser && p.mutedFor(c) {
			// A muted participant is not heard.
			continue
		}
		p.speak(turn)
	}

	if p.config.EndAfterScript {
		return
	}
	<-ctx.Done()
}

func (p *MockProvider) speak(turn MockTurn) {
	if turn.Role == voice.RoleAssistant {
		p.Emit(voice.Event{Kind: voice.EventSpeechStart})
		defer p.Emit(voice.Event{Kind: voice.EventSpeechEnd})
	}

	words := strings.Fields(turn.Text)
	if len(words) > 3 {
		p.emitTranscript(turn.Role, voice.TranscriptPartial, strings.Join(words[:len(words)/2], " "))
	}
	p.emitTranscript(turn.Role, voice.TranscriptFinal, turn.Text)
}

func (p *MockProvider) emitTranscript(role voice.Role, transcriptType, text string) {
	p.Emit(voice.Event{Kind: voice.EventMessage, Message: &voice.Message{
		Type:           voice.MessageTypeTranscript,
		Role:           role,
		TranscriptType: transcriptType,
		Transcript:     text,
	}})
}

func (p *MockProvider) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (p *MockProvider) mutedFor(c *mockCall) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.call == c && p.muted
}

// end clears the call and emits call-end.
func (p *MockProvider) end(c *mockCall) {
	c.cancel()
	p.mu.Lock()
	if p.call == c {
		p.call = nil
		p.muted = false
	}
	p.mu.Unlock()

	p.logger.Info("Mock voice call ended")
	p.Emit(voice.Event{Kind: voice.EventCallEnd})
	close(c.done)
}

// Stop ends the call and returns once its call-end has been emitted, so a
// following Start never races the stopped call's events. It must not be called
// from an event handler.
func (p *MockProvider) Stop() error {
	p.mu.Lock()
	c := p.call
	p.call = nil
	p.muted = false
	p.mu.Unlock()
	if c != nil {
		c.cancel()
		<-c.done
	}
	return nil
}

// SetMuted mutes or unmutes the simulated microphone.
func (p *MockProvider) SetMuted(muted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.call == nil {
		return errors.Wrap(ErrNotConnected, "no call in progress")
	}
	p.muted = muted
	return nil
}

// IsMuted reports the simulated microphone state.
func (p *MockProvider) IsMuted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// Close stops any call and waits for the script to exit.
func (p *MockProvider) Close() error {
	p.Stop()
	p.running.Wait()
	return nil
}
