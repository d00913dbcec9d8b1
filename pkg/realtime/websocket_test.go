package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voice-companion/pkg/voice"
)

// gateway is a scripted assistant gateway for tests.
type gateway struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	frames []map[string]interface{}
	auth   string
	conns  chan *websocket.Conn

	// onFrame answers a client frame; it may write frames back.
	onFrame func(conn *websocket.Conn, frame map[string]interface{})
}

func newGateway(t *testing.T) *gateway {
	g := &gateway{t: t, conns: make(chan *websocket.Conn, 4)}
	g.server = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.server.Close)
	return g
}

func (g *gateway) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *gateway) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.auth = r.Header.Get("Authorization")
	g.mu.Unlock()
	g.conns <- conn

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame map[string]interface{}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		g.mu.Lock()
		g.frames = append(g.frames, frame)
		onFrame := g.onFrame
		g.mu.Unlock()
		if onFrame != nil {
			onFrame(conn, frame)
		}
	}
}

func (g *gateway) received() []map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]map[string]interface{}(nil), g.frames...)
}

func (g *gateway) frameTypes() []string {
	var types []string
	for _, f := range g.received() {
		types = append(types, f["type"].(string))
	}
	return types
}

func writeFrame(conn *websocket.Conn, frame interface{}) {
	data, _ := json.Marshal(frame)
	conn.WriteMessage(websocket.TextMessage, data)
}

// collector gathers provider events in delivery order.
type collector struct {
	events chan voice.Event
}

func collect(t *testing.T, p voice.Provider) *collector {
	c := &collector{events: make(chan voice.Event, 64)}
	for _, kind := range voice.EventKinds {
		_, err := p.Subscribe(kind, func(ev voice.Event) { c.events <- ev })
		require.NoError(t, err)
	}
	return c
}

func (c *collector) next(t *testing.T) voice.Event {
	t.Helper()
	select {
	case ev := <-c.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for provider event")
		return voice.Event{}
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testAssistant() voice.AssistantConfig {
	return voice.AssistantConfig{
		CompanionID:   "c1",
		CompanionName: "Neura",
		Subject:       "science",
		Topic:         "photosynthesis",
		Style:         "casual",
		Voice:         "sarah",
		UserName:      "Ada",
	}
}

func TestNewWebSocketProviderRequiresURL(t *testing.T) {
	_, err := NewWebSocketProvider(testLogger(), WebSocketConfig{})
	assert.Error(t, err)
}

func TestWebSocketProviderConversation(t *testing.T) {
	g := newGateway(t)
	g.onFrame = func(conn *websocket.Conn, frame map[string]interface{}) {
		switch frame["type"] {
		case "start":
			writeFrame(conn, map[string]interface{}{"type": "call-start"})
			writeFrame(conn, map[string]interface{}{"type": "speech-start"})
			writeFrame(conn, map[string]interface{}{"type": "message", "message": map[string]interface{}{
				"type": "transcript", "role": "assistant", "transcriptType": "final", "transcript": "Hello Ada",
			}})
			writeFrame(conn, map[string]interface{}{"type": "speech-end"})
		case "stop":
			writeFrame(conn, map[string]interface{}{"type": "call-end"})
		}
	}

	p, err := NewWebSocketProvider(testLogger(), WebSocketConfig{URL: g.url(), Token: "secret"})
	require.NoError(t, err)
	events := collect(t, p)

	cfg := testAssistant()
	require.NoError(t, p.Start(context.Background(), cfg, cfg.Overrides()))

	assert.Equal(t, voice.EventCallStart, events.next(t).Kind)
	assert.Equal(t, voice.EventSpeechStart, events.next(t).Kind)
	msg := events.next(t)
	require.Equal(t, voice.EventMessage, msg.Kind)
	require.NotNil(t, msg.Message)
	assert.True(t, msg.Message.IsFinalTranscript())
	assert.Equal(t, voice.RoleAssistant, msg.Message.Role)
	assert.Equal(t, "Hello Ada", msg.Message.Transcript)
	assert.Equal(t, voice.EventSpeechEnd, events.next(t).Kind)

	require.NoError(t, p.Stop())
	assert.Equal(t, voice.EventCallEnd, events.next(t).Kind)
	require.NoError(t, p.Close())

	frames := g.received()
	require.Len(t, frames, 2)
	assert.Equal(t, "start", frames[0]["type"])
	assert.NotEmpty(t, frames[0]["id"])
	assistant := frames[0]["assistant"].(map[string]interface{})
	assert.Equal(t, "sarah", assistant["voice"])
	overrides := frames[0]["overrides"].(map[string]interface{})
	assert.Equal(t, []interface{}{"transcript"}, overrides["clientMessages"])
	assert.Equal(t, "photosynthesis", overrides["variableValues"].(map[string]interface{})["topic"])
	assert.Equal(t, "stop", frames[1]["type"])

	g.mu.Lock()
	assert.Equal(t, "Bearer secret", g.auth)
	g.mu.Unlock()
}

func TestWebSocketProviderSetMuted(t *testing.T) {
	g := newGateway(t)
	p, err := NewWebSocketProvider(testLogger(), WebSocketConfig{URL: g.url()})
	require.NoError(t, err)
	defer p.Close()

	assert.Error(t, p.SetMuted(true), "no call in progress")

	cfg := testAssistant()
	require.NoError(t, p.Start(context.Background(), cfg, cfg.Overrides()))
	require.NoError(t, p.SetMuted(true))
	assert.True(t, p.IsMuted())

	assert.Eventually(t, func() bool {
		frames := g.received()
		return len(frames) == 2 && frames[1]["type"] == "set-muted" && frames[1]["muted"] == true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketProviderRejectsSecondStart(t *testing.T) {
	g := newGateway(t)
	p, err := NewWebSocketProvider(testLogger(), WebSocketConfig{URL: g.url()})
	require.NoError(t, err)
	defer p.Close()

	cfg := testAssistant()
	require.NoError(t, p.Start(context.Background(), cfg, cfg.Overrides()))
	assert.Error(t, p.Start(context.Background(), cfg, cfg.Overrides()))
}

func TestWebSocketProviderConnectionLost(t *testing.T) {
	g := newGateway(t)
	p, err := NewWebSocketProvider(testLogger(), WebSocketConfig{URL: g.url()})
	require.NoError(t, err)
	events := collect(t, p)

	cfg := testAssistant()
	require.NoError(t, p.Start(context.Background(), cfg, cfg.Overrides()))

	conn := <-g.conns
	writeFrame(conn, map[string]interface{}{"type": "call-start"})
	assert.Equal(t, voice.EventCallStart, events.next(t).Kind)

	// Drop the TCP connection without a close handshake.
	conn.UnderlyingConn().Close()

	ev := events.next(t)
	assert.Equal(t, voice.EventError, ev.Kind)
	assert.Error(t, ev.Err)
	assert.Equal(t, voice.EventCallEnd, events.next(t).Kind)

	// The provider is free for the next call.
	require.NoError(t, p.Start(context.Background(), cfg, cfg.Overrides()))
	require.NoError(t, p.Close())
	assert.Equal(t, voice.EventCallEnd, events.next(t).Kind)
}

func TestWebSocketProviderGatewayError(t *testing.T) {
	g := newGateway(t)
	g.onFrame = func(conn *websocket.Conn, frame map[string]interface{}) {
		if frame["type"] == "start" {
			writeFrame(conn, map[string]interface{}{"type": "volume-level", "level": 0.3})
			conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
			writeFrame(conn, map[string]interface{}{"type": "error", "error": "assistant not found"})
		}
	}

	p, err := NewWebSocketProvider(testLogger(), WebSocketConfig{URL: g.url()})
	require.NoError(t, err)
	defer p.Close()
	events := collect(t, p)

	cfg := testAssistant()
	require.NoError(t, p.Start(context.Background(), cfg, cfg.Overrides()))

	ev := events.next(t)
	assert.Equal(t, voice.EventError, ev.Kind)
	assert.Contains(t, ev.Err.Error(), "assistant not found")
}

func TestWebSocketProviderDialFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	p, err := NewWebSocketProvider(testLogger(), WebSocketConfig{URL: "ws" + strings.TrimPrefix(server.URL, "http")})
	require.NoError(t, err)
	events := collect(t, p)

	cfg := testAssistant()
	err = p.Start(context.Background(), cfg, cfg.Overrides())
	require.Error(t, err)

	select {
	case ev := <-events.events:
		t.Fatalf("unexpected event %s after failed dial", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebSocketProviderDrivesController(t *testing.T) {
	g := newGateway(t)
	g.onFrame = func(conn *websocket.Conn, frame map[string]interface{}) {
		if frame["type"] != "start" {
			return
		}
		writeFrame(conn, map[string]interface{}{"type": "call-start"})
		for _, line := range []struct{ role, tt, text string }{
			{"user", "final", "Hi"},
			{"assistant", "partial", "Hel"},
			{"assistant", "final", "Hello"},
			{"user", "final", "Let's begin"},
		} {
			writeFrame(conn, map[string]interface{}{"type": "message", "message": map[string]interface{}{
				"type": "transcript", "role": line.role, "transcriptType": line.tt, "transcript": line.text,
			}})
		}
		writeFrame(conn, map[string]interface{}{"type": "call-end"})
	}

	p, err := NewWebSocketProvider(testLogger(), WebSocketConfig{URL: g.url()})
	require.NoError(t, err)
	defer p.Close()

	recorder := &countingRecorder{}
	c, err := voice.NewController(testLogger(), p, voice.ControllerConfig{Assistant: testAssistant(), Recorder: recorder})
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	assert.Eventually(t, func() bool {
		return c.Snapshot().Status == voice.StatusFinished
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())

	var got []string
	for _, e := range c.Snapshot().Transcript {
		got = append(got, e.Content)
	}
	assert.Equal(t, []string{"Let's begin", "Hello", "Hi"}, got)
	assert.Equal(t, 1, recorder.count())
}

type countingRecorder struct {
	mu sync.Mutex
	n  int
}

func (r *countingRecorder) RecordSession(ctx context.Context, companionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	return nil
}

func (r *countingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}
