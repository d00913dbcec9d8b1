package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voice-companion/pkg/bookmark"
	"voice-companion/pkg/errors"
	"voice-companion/pkg/history"
	"voice-companion/pkg/version"
	"voice-companion/pkg/view"
	"voice-companion/pkg/voice"
)

// fakeController drives the session state machine by hand.
type fakeController struct {
	mu       sync.Mutex
	snap     voice.Snapshot
	startErr error
	calls    []string
	listener voice.StateListener
}

func newFakeController() *fakeController {
	return &fakeController{snap: voice.Snapshot{
		Status: voice.StatusInactive,
		Assistant: voice.AssistantConfig{
			CompanionID:   "c1",
			CompanionName: "Neura, the brainy explorer",
			Subject:       "science",
			Topic:         "photosynthesis",
			UserName:      "Ada",
		},
	}}
}

func (f *fakeController) Snapshot() voice.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeController) change(fn func(*voice.Snapshot)) {
	f.mu.Lock()
	fn(&f.snap)
	f.snap.Revision++
	snap := f.snap
	listener := f.listener
	f.mu.Unlock()
	if listener != nil {
		listener.OnSessionState(snap)
	}
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) Start(ctx context.Context) error {
	f.record("start")
	if f.startErr != nil {
		return f.startErr
	}
	if !f.Snapshot().Status.CanStart() {
		return errors.NewInvalidTransition("start", f.Snapshot().Status.String())
	}
	f.change(func(s *voice.Snapshot) { s.Status = voice.StatusConnecting })
	return nil
}

func (f *fakeController) Stop() error {
	f.record("stop")
	if !f.Snapshot().Status.CanStop() {
		return errors.NewInvalidTransition("stop", f.Snapshot().Status.String())
	}
	f.change(func(s *voice.Snapshot) { s.Status = voice.StatusFinished })
	return nil
}

func (f *fakeController) ToggleMute() (bool, error) {
	f.record("mute")
	var muted bool
	f.change(func(s *voice.Snapshot) {
		s.Muted = !s.Muted
		muted = s.Muted
	})
	return muted, nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestServer(t *testing.T, controller SessionController, reader history.Reader, bookmarks *bookmark.Toggler) (*Server, *httptest.Server) {
	t.Helper()
	server := NewServer(testLogger(), &Config{EnableMetrics: false})
	NewSessionHandler(testLogger(), controller, reader, bookmarks).RegisterHandlers(server)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return server, ts
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthEndpoints(t *testing.T) {
	server, ts := newTestServer(t, newFakeController(), nil, nil)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, version.ServerHeader(), resp.Header.Get("Server"))
	var health HealthStatus
	decode(t, resp, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, version.Version, health.Version)

	broken := errors.Wrap(errors.ErrUnavailable, "broker down")
	server.AddHealthCheck("history", func() error { return broken })
	server.AddHealthCheck("provider", func() error { return nil })

	resp, err = http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var ready struct {
		Status string                 `json:"status"`
		Checks map[string]CheckResult `json:"checks"`
	}
	decode(t, resp, &ready)
	assert.Equal(t, "not_ready", ready.Status)
	assert.Equal(t, "unhealthy", ready.Checks["history"].Status)
	assert.Contains(t, ready.Checks["history"].Message, "broker down")
	assert.Equal(t, "healthy", ready.Checks["provider"].Status)

	resp, err = http.Get(ts.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsDisabled(t *testing.T) {
	_, ts := newTestServer(t, newFakeController(), nil, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionView(t *testing.T) {
	_, ts := newTestServer(t, newFakeController(), nil, nil)

	resp, err := http.Get(ts.URL + "/session")
	require.NoError(t, err)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var v view.View
	decode(t, resp, &v)

	assert.Equal(t, voice.StatusInactive, v.Status)
	assert.Equal(t, "Start Session", v.Call.Label)
	assert.Equal(t, view.ActionStart, v.Call.Action)
	assert.True(t, v.Mic.Disabled)
	assert.Equal(t, "/icons/science.svg", v.Avatar.SubjectIcon)

	resp, err = http.Post(ts.URL+"/session", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSessionCommands(t *testing.T) {
	controller := newFakeController()
	_, ts := newTestServer(t, controller, nil, nil)

	resp, err := http.Post(ts.URL+"/session/start", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var v view.View
	decode(t, resp, &v)
	assert.Equal(t, voice.StatusConnecting, v.Status)
	assert.Equal(t, "Connecting...", v.Call.Label)

	resp, err = http.Post(ts.URL+"/session/start", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, "INVALID_TRANSITION", body["code"])

	resp, err = http.Post(ts.URL+"/session/mute", "application/json", nil)
	require.NoError(t, err)
	decode(t, resp, &v)
	assert.Equal(t, view.IconMicOff, v.Mic.Icon)

	resp, err = http.Post(ts.URL+"/session/stop", "application/json", nil)
	require.NoError(t, err)
	decode(t, resp, &v)
	assert.Equal(t, voice.StatusFinished, v.Status)

	resp, err = http.Get(ts.URL + "/session/stop")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	assert.Equal(t, []string{"start", "start", "mute", "stop"}, controller.Calls())
}

func TestSessionStartProviderFailure(t *testing.T) {
	controller := newFakeController()
	controller.startErr = errors.NewProviderFailure("start", assert.AnError)
	_, ts := newTestServer(t, controller, nil, nil)

	resp, err := http.Post(ts.URL+"/session/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestDispatchUnknownAction(t *testing.T) {
	handler := NewSessionHandler(testLogger(), newFakeController(), nil, nil)
	err := handler.Dispatch(context.Background(), view.ActionNone)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestHistoryEndpoint(t *testing.T) {
	recorder := history.NewMemoryRecorder()
	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, recorder.RecordSession(voice.WithSessionID(context.Background(), id), "c1"))
	}
	_, ts := newTestServer(t, newFakeController(), recorder, nil)

	resp, err := http.Get(ts.URL + "/history?limit=2")
	require.NoError(t, err)
	var body struct {
		Records []history.Record `json:"records"`
		Count   int              `json:"count"`
		Total   int              `json:"total"`
	}
	decode(t, resp, &body)
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, 3, body.Total)
	require.Len(t, body.Records, 2)
	assert.Equal(t, "s3", body.Records[0].SessionID)

	resp, err = http.Get(ts.URL + "/history?limit=zero")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryEndpointWithoutReader(t *testing.T) {
	_, ts := newTestServer(t, newFakeController(), nil, nil)

	resp, err := http.Get(ts.URL + "/history")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBookmarkEndpoint(t *testing.T) {
	store := bookmark.NewMemoryStore()
	toggler := bookmark.NewToggler(testLogger(), store, "c1", "/companions/c1", false, nil)
	_, ts := newTestServer(t, newFakeController(), nil, toggler)

	var body struct {
		Bookmarked bool   `json:"bookmarked"`
		Icon       string `json:"icon"`
	}

	resp, err := http.Post(ts.URL+"/bookmark", "application/json", nil)
	require.NoError(t, err)
	decode(t, resp, &body)
	assert.True(t, body.Bookmarked)
	assert.Equal(t, bookmark.IconBookmarked, body.Icon)
	assert.True(t, store.IsBookmarked("c1"))

	resp, err = http.Get(ts.URL + "/bookmark")
	require.NoError(t, err)
	decode(t, resp, &body)
	assert.True(t, body.Bookmarked)
}
