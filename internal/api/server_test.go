package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benmeehan/adb-agent/internal/api"
	"github.com/benmeehan/adb-agent/internal/constants"
	"github.com/benmeehan/adb-agent/internal/mocks"
	"github.com/benmeehan/adb-agent/internal/models"
	"github.com/benmeehan/adb-agent/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestServer(controller *mocks.MockController, broker *services.EventBroker) *api.Server {
	return api.NewServer("127.0.0.1:0", gin.TestMode, time.Second, time.Second, time.Second, controller, broker, zerolog.Nop())
}

func doRequest(t *testing.T, server *api.Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		payload, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestServer_StartSession(t *testing.T) {
	controller := new(mocks.MockController)
	session := models.Session{ID: "s1", Address: "10.0.0.5", State: constants.SessionStateActive}
	controller.On("StartSession", mock.Anything, "s1", "10.0.0.5", 3600).Return(session, nil)
	server := newTestServer(controller, nil)

	w := doRequest(t, server, http.MethodPost, "/api/v1/sessions", map[string]any{
		"session_id": "s1", "address": "10.0.0.5", "duration_seconds": 3600,
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "s1", decode(t, w)["id"])
	controller.AssertExpectations(t)
}

func TestServer_StartSessionWithDeadline(t *testing.T) {
	controller := new(mocks.MockController)
	deadline := time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)
	controller.On("StartSessionUntil", mock.Anything, "s1", "10.0.0.5", mock.MatchedBy(func(d time.Time) bool {
		return d.Equal(deadline)
	})).Return(models.Session{ID: "s1", Deadline: deadline}, nil)
	server := newTestServer(controller, nil)

	w := doRequest(t, server, http.MethodPost, "/api/v1/sessions", map[string]any{
		"session_id": "s1", "address": "10.0.0.5", "deadline": deadline.Format(time.RFC3339),
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	controller.AssertExpectations(t)
}

func TestServer_BindErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
		body any
	}{
		{"malformed json", "/api/v1/sessions", "{not json"},
		{"missing session id", "/api/v1/sessions", map[string]any{"address": "10.0.0.5", "duration_seconds": 60}},
		{"missing keycode", "/api/v1/devices/10.0.0.5/key", map[string]any{}},
		{"missing control action", "/api/v1/devices/10.0.0.5/control", map[string]any{"action": ""}},
		{"malformed extend", "/api/v1/sessions/s1/extend", "[1, 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			controller := new(mocks.MockController)
			w := doRequest(t, newTestServer(controller, nil), http.MethodPost, tt.path, tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			body := decode(t, w)
			assert.Equal(t, "Invalid request format", body["error"])
			assert.Equal(t, string(models.KindInvalidRequest), body["kind"])
			controller.AssertExpectations(t)
		})
	}
}

func TestServer_ErrorKindsMapToStatus(t *testing.T) {
	tests := []struct {
		kind   models.ErrorKind
		status int
	}{
		{models.KindInvalidRequest, http.StatusBadRequest},
		{models.KindSessionNotFound, http.StatusNotFound},
		{models.KindDuplicateSession, http.StatusConflict},
		{models.KindDeviceUnreachable, http.StatusBadGateway},
		{models.KindDaemonUnreachable, http.StatusBadGateway},
		{models.KindCommandTimedOut, http.StatusGatewayTimeout},
		{models.KindCommandFailed, http.StatusUnprocessableEntity},
		{models.KindAllFallbacksExhausted, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			controller := new(mocks.MockController)
			controller.On("ExtendSession", mock.Anything, "s1", 30).
				Return(models.Session{}, models.NewControlError(tt.kind, "extend session", "", nil))

			w := doRequest(t, newTestServer(controller, nil), http.MethodPost, "/api/v1/sessions/s1/extend", map[string]any{"additional_seconds": 30})

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, string(tt.kind), decode(t, w)["kind"])
		})
	}
}

func TestServer_CancelSessionAlwaysSucceeds(t *testing.T) {
	controller := new(mocks.MockController)
	controller.On("CancelSession", mock.Anything, "gone").Return(models.Session{}, false)

	w := doRequest(t, newTestServer(controller, nil), http.MethodDelete, "/api/v1/sessions/gone", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "gone", body["session_id"])
	assert.Equal(t, false, body["cancelled"])
}

func TestServer_TriggerTimeoutReportsOutcome(t *testing.T) {
	controller := new(mocks.MockController)
	res := models.NewActionResult(services.ActionTimeoutSequence, "10.0.0.9")
	res.Fail(models.NewControlError(models.KindDeviceUnreachable, "connect", "10.0.0.9", nil))
	controller.On("TriggerImmediateTimeout", mock.Anything, "s1").Return(res, nil)

	w := doRequest(t, newTestServer(controller, nil), http.MethodPost, "/api/v1/sessions/s1/timeout", nil)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	body := decode(t, w)
	assert.Equal(t, constants.OutcomeDeviceUnreachable, body["outcome"])
	assert.Equal(t, false, body["reachable"])
}

func TestServer_DeviceActions(t *testing.T) {
	ok := models.NewActionResult(services.ActionSendKey, "10.0.0.5")
	ok.Succeed("key 3 sent")

	controller := new(mocks.MockController)
	controller.On("SendKey", mock.Anything, "10.0.0.5", 3).Return(ok)
	controller.On("SendControl", mock.Anything, "10.0.0.5", "mute").Return(ok)
	controller.On("SwitchInput", mock.Anything, "10.0.0.5").Return(ok)
	controller.On("PlayTimeoutMedia", mock.Anything, "10.0.0.5").Return(ok)
	controller.On("Connect", mock.Anything, "10.0.0.5").Return(ok)
	server := newTestServer(controller, nil)

	for path, body := range map[string]any{
		"/api/v1/devices/10.0.0.5/key":          map[string]any{"keycode": 3},
		"/api/v1/devices/10.0.0.5/control":      map[string]any{"action": "mute"},
		"/api/v1/devices/10.0.0.5/switch-input": nil,
		"/api/v1/devices/10.0.0.5/play-timeout": nil,
		"/api/v1/devices/10.0.0.5/connect":      nil,
	} {
		w := doRequest(t, server, http.MethodPost, path, body)
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Equal(t, true, decode(t, w)["success"], path)
	}
	controller.AssertExpectations(t)
}

func TestServer_FleetStatus(t *testing.T) {
	controller := new(mocks.MockController)
	controller.On("GetFleetStatus", mock.Anything, []string{"10.0.0.5", "10.0.0.6"}).Return(models.FleetStatus{
		Devices:     map[string]models.DeviceStatus{"10.0.0.5": {Address: "10.0.0.5", Reachable: true}, "10.0.0.6": {Address: "10.0.0.6"}},
		Reachable:   1,
		Unreachable: 1,
	})

	w := doRequest(t, newTestServer(controller, nil), http.MethodGet, "/api/v1/fleet?address=10.0.0.5&address=10.0.0.6", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 1, body["reachable"])
	assert.Len(t, body["devices"], 2)
}

func TestServer_ListsAndHealth(t *testing.T) {
	controller := new(mocks.MockController)
	controller.On("ListSessions").Return([]models.Session{{ID: "s1"}, {ID: "s2"}})
	controller.On("Devices").Return([]models.Device{{Address: "10.0.0.5"}})
	controller.On("DaemonStatus", mock.Anything).Return(models.DaemonStatus{Reachable: true, Version: "1.0.41"})
	server := newTestServer(controller, nil)

	w := doRequest(t, server, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["sessions"])

	w = doRequest(t, server, http.MethodGet, "/api/v1/sessions", nil)
	assert.EqualValues(t, 2, decode(t, w)["total"])

	w = doRequest(t, server, http.MethodGet, "/api/v1/devices", nil)
	assert.EqualValues(t, 1, decode(t, w)["total"])

	w = doRequest(t, server, http.MethodGet, "/api/v1/daemon", nil)
	assert.Equal(t, "1.0.41", decode(t, w)["version"])
}

func TestServer_EventStream(t *testing.T) {
	broker := services.NewEventBroker(4, zerolog.Nop())
	server := newTestServer(new(mocks.MockController), broker)
	require.NoError(t, server.Start())
	defer server.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+server.Addr()+"/api/v1/events?session_id=s1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return broker.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, broker.Notify(context.Background(), models.SessionEvent{
		ID: "e1", Type: constants.EventSessionExpired, Session: models.Session{ID: "s1"},
	}))

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 1024)
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(string(buf), "event:session_expired") && time.Now().Before(deadline) {
		n, err := resp.Body.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			break
		}
	}
	assert.Contains(t, string(buf), "event:ready")
	assert.Contains(t, string(buf), "event:session_expired")
	assert.Contains(t, string(buf), `"id":"e1"`)
}

func TestServer_StopEndsOpenEventStreams(t *testing.T) {
	broker := services.NewEventBroker(4, zerolog.Nop())
	server := api.NewServer("127.0.0.1:0", gin.TestMode, time.Second, time.Second, 5*time.Second,
		new(mocks.MockController), broker, zerolog.Nop())
	require.NoError(t, server.Start())

	resp, err := http.Get("http://" + server.Addr() + "/api/v1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return broker.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	started := time.Now()
	require.NoError(t, server.Stop())
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Eventually(t, func() bool { return broker.Subscribers() == 0 }, time.Second, 5*time.Millisecond)

	_, err = io.ReadAll(resp.Body)
	assert.NoError(t, err)
}

func TestServer_EventStreamDisabled(t *testing.T) {
	w := doRequest(t, newTestServer(new(mocks.MockController), nil), http.MethodGet, "/api/v1/events", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestServer_StartStop(t *testing.T) {
	server := newTestServer(new(mocks.MockController), nil)
	assert.Error(t, server.Stop())
	require.NoError(t, server.Start())
	assert.Error(t, server.Start())
	assert.NotEqual(t, "127.0.0.1:0", server.Addr())
	require.NoError(t, server.Stop())
}
