// Package realtime provides voice provider transports: a websocket client for a
// remote assistant gateway and a scripted mock for development.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voice-companion/pkg/errors"
	"voice-companion/pkg/version"
	"voice-companion/pkg/voice"
)

// ErrNotConnected is returned by commands that need an open call.
var ErrNotConnected = errors.ErrFailedPrecondition

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

// Frame types exchanged with the gateway.
const (
	frameStart    = "start"
	frameStop     = "stop"
	frameSetMuted = "set-muted"
)

// WebSocketConfig configures the gateway connection.
type WebSocketConfig struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// clientFrame is a command sent to the gateway.
type clientFrame struct {
	ID        string                    `json:"id"`
	Type      string                    `json:"type"`
	Assistant *voice.AssistantConfig    `json:"assistant,omitempty"`
	Overrides *voice.AssistantOverrides `json:"overrides,omitempty"`
	Muted     *bool                     `json:"muted,omitempty"`
}

// serverFrame is an event received from the gateway.
type serverFrame struct {
	Type    string         `json:"type"`
	Message *voice.Message `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// call is one gateway connection. It lives from Start until the call ends.
type call struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	ended     atomic.Bool
	closing   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func (c *call) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		err = c.conn.Close()
	})
	return err
}

// WebSocketProvider implements voice.Provider over a gateway websocket. One
// connection is opened per call.
type WebSocketProvider struct {
	*voice.Registry

	logger *logrus.Logger
	config WebSocketConfig
	dialer websocket.Dialer

	mu    sync.Mutex
	call  *call
	muted bool
}

// NewWebSocketProvider creates a provider for the gateway at config.URL.
func NewWebSocketProvider(logger *logrus.Logger, config WebSocketConfig) (*WebSocketProvider, error) {
	if config.URL == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "voice provider URL is required")
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWriteTimeout
	}

	return &WebSocketProvider{
		Registry: voice.NewRegistry(),
		logger:   logger,
		config:   config,
		dialer:   websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
	}, nil
}

// Start dials the gateway and sends the start command.
func (p *WebSocketProvider) Start(ctx context.Context, cfg voice.AssistantConfig, overrides voice.AssistantOverrides) error {
	p.mu.Lock()
	if p.call != nil {
		p.mu.Unlock()
		return errors.Wrap(errors.ErrFailedPrecondition, "call already in progress")
	}
	p.mu.Unlock()

	headers := http.Header{}
	headers.Set("User-Agent", version.UserAgent())
	if p.config.Token != "" {
		headers.Set("Authorization", "Bearer "+p.config.Token)
	}

	conn, resp, err := p.dialer.DialContext(ctx, p.config.URL, headers)
	if err != nil {
		if resp != nil {
			return errors.Wrap(err, "failed to connect to voice gateway").
				WithField("http_status", resp.StatusCode)
		}
		return errors.Wrap(err, "failed to connect to voice gateway")
	}

	c := &call{conn: conn, done: make(chan struct{})}

	p.mu.Lock()
	if p.call != nil {
		p.mu.Unlock()
		conn.Close()
		return errors.Wrap(errors.ErrFailedPrecondition, "call already in progress")
	}
	p.call = c
	p.muted = false
	p.mu.Unlock()

	go p.readLoop(c)

	err = p.send(c, clientFrame{
		ID:        uuid.New().String(),
		Type:      frameStart,
		Assistant: &cfg,
		Overrides: &overrides,
	})
	if err != nil {
		// The call never started, so no call-end is owed.
		c.ended.Store(true)
		c.close()
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"companion_id": cfg.CompanionID,
		"voice":        cfg.Voice,
		"style":        cfg.Style,
	}).Info("Voice gateway call requested")
	return nil
}

// Stop asks the gateway to end the call. The gateway confirms with call-end. If
// the command cannot be sent the connection is dropped and call-end is emitted
// locally.
func (p *WebSocketProvider) Stop() error {
	c := p.current()
	if c == nil {
		return nil
	}

	if err := p.send(c, clientFrame{ID: uuid.New().String(), Type: frameStop}); err != nil {
		p.logger.WithError(err).Warn("Failed to send stop, closing gateway connection")
		c.close()
	}
	return nil
}

// SetMuted sends the microphone state to the gateway.
func (p *WebSocketProvider) SetMuted(muted bool) error {
	c := p.current()
	if c == nil {
		return errors.Wrap(ErrNotConnected, "no call in progress")
	}

	if err := p.send(c, clientFrame{ID: uuid.New().String(), Type: frameSetMuted, Muted: &muted}); err != nil {
		return err
	}

	p.mu.Lock()
	if p.call == c {
		p.muted = muted
	}
	p.mu.Unlock()
	return nil
}

// IsMuted reports the last microphone state acknowledged by a successful send.
func (p *WebSocketProvider) IsMuted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// Close drops any open call and waits for its reader to exit.
func (p *WebSocketProvider) Close() error {
	c := p.current()
	if c == nil {
		return nil
	}
	err := c.close()
	<-c.done
	return err
}

func (p *WebSocketProvider) current() *call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.call
}

func (p *WebSocketProvider) send(c *call, frame clientFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "failed to encode gateway frame")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(p.config.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "failed to send gateway frame").WithField("type", frame.Type)
	}
	return nil
}

// readLoop delivers gateway frames as provider events until the connection ends.
func (p *WebSocketProvider) readLoop(c *call) {
	defer close(c.done)
	defer p.finish(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closing.Load() &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.WithError(err).Warn("Voice gateway connection lost")
				p.Emit(voice.Event{Kind: voice.EventError, Err: errors.Wrap(err, "voice gateway connection lost")})
			}
			return
		}

		var frame serverFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			p.logger.WithError(err).Warn("Ignoring malformed gateway frame")
			continue
		}
		if p.dispatch(frame) {
			return
		}
	}
}

// dispatch emits one frame and reports whether the call is over.
func (p *WebSocketProvider) dispatch(frame serverFrame) bool {
	kind := voice.EventKind(frame.Type)
	switch kind {
	case voice.EventCallEnd:
		return true
	case voice.EventCallStart, voice.EventSpeechStart, voice.EventSpeechEnd:
		p.Emit(voice.Event{Kind: kind})
	case voice.EventMessage:
		if frame.Message == nil {
			return false
		}
		p.Emit(voice.Event{Kind: kind, Message: frame.Message})
	case voice.EventError:
		p.Emit(voice.Event{Kind: kind, Err: fmt.Errorf("voice gateway: %s", frame.Error)})
	default:
		p.logger.WithField("type", frame.Type).Debug("Ignoring unknown gateway frame")
	}
	return false
}

// finish releases the call and emits call-end exactly once per connection.
func (p *WebSocketProvider) finish(c *call) {
	c.close()

	p.mu.Lock()
	if p.call == c {
		p.call = nil
		p.muted = false
	}
	p.mu.Unlock()

	if c.ended.CompareAndSwap(false, true) {
		p.Emit(voice.Event{Kind: voice.EventCallEnd})
	}
}
