package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHealthHandler verifies the health endpoint returns a JSON liveness
// report with the live session count and version.
func TestHealthHandler(t *testing.T) {
	app := NewApp(newTestLogger(), nil)
	_, err := app.store.Create(uuid.New(), "alice")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	app.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.ConnectedUsers)
	assert.NotEmpty(t, resp.Version)
	assert.False(t, resp.Timestamp.IsZero())
}

// TestHealthHandlerRejectsNonGet verifies the method check on the health
// endpoint.
func TestHealthHandlerRejectsNonGet(t *testing.T) {
	app := NewApp(newTestLogger(), nil)

	rec := httptest.NewRecorder()
	app.HealthHandler(rec, httptest.NewRequest(http.MethodPost, "/api/health", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// TestDebugUsersHandler verifies the debug enumeration of live sessions and
// that serving it does not mutate the store.
func TestDebugUsersHandler(t *testing.T) {
	app := NewApp(newTestLogger(), nil)
	_, err := app.store.Create(uuid.New(), "alice")
	require.NoError(t, err)
	_, err = app.store.Create(uuid.New(), "bob_sun")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	app.DebugUsersHandler(rec, httptest.NewRequest(http.MethodGet, "/api/debug/users", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp debugUsersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "alice", resp.Users[0].Pseudo)
	assert.Equal(t, MoodSun, resp.Users[1].Mood)
	assert.Equal(t, 2, app.store.Len())
}

// TestDebugStatsHandler verifies the stats endpoint reports the mood
// histogram, uptime, and memory numbers.
func TestDebugStatsHandler(t *testing.T) {
	app := NewApp(newTestLogger(), nil)
	_, err := app.store.Create(uuid.New(), "a_cloud")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	app.DebugStatsHandler(rec, httptest.NewRequest(http.MethodGet, "/api/debug/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp debugStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Moods["cloud"])
	assert.GreaterOrEqual(t, resp.UptimeSeconds, 0.0)
	assert.Greater(t, resp.Memory.AllocBytes, uint64(0))
	assert.Greater(t, resp.Goroutines, 0)
}

// TestRoutes verifies the route table: the test page, metrics, and API
// endpoints all answer.
func TestRoutes(t *testing.T) {
	app := NewApp(newTestLogger(), nil)
	ts := httptest.NewServer(app.Routes())
	defer ts.Close()

	for _, tt := range []struct {
		path        string
		contentType string
	}{
		{"/", "text/html"},
		{"/api/health", "application/json"},
		{"/api/debug/users", "application/json"},
		{"/api/debug/stats", "application/json"},
		{"/metrics", ""},
	} {
		resp, err := http.Get(ts.URL + tt.path)
		require.NoError(t, err, tt.path)
		assert.Equal(t, http.StatusOK, resp.StatusCode, tt.path)
		if tt.contentType != "" {
			assert.Contains(t, resp.Header.Get("Content-Type"), tt.contentType, tt.path)
		}
		require.NoError(t, resp.Body.Close())
	}
}

// --- end-to-end websocket flow ---

type wsHarness struct {
	app *App
	ts  *httptest.Server
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	app := NewApp(newTestLogger(), nil)
	ts := httptest.NewServer(app.Routes())

	SetConfig(&Config{AllowedOrigins: []string{ts.URL}})
	go app.hub.Run()

	t.Cleanup(func() {
		_ = app.hub.Shutdown(time.Second)
		ts.Close()
		SetConfig(nil)
	})
	return &wsHarness{app: app, ts: ts}
}

func (h *wsHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Origin", h.ts.URL)
	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	if resp != nil {
		require.NoError(t, resp.Body.Close())
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"event": event, "payload": payload})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

// readEnvelopes collects n outbound envelopes, unfolding frames that carry
// several newline-separated messages.
func readEnvelopes(t *testing.T, conn *websocket.Conn, n int) []sentEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var out []sentEvent
	for len(out) < n {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "expected %d envelopes, got %d", n, len(out))
		for _, part := range bytes.Split(data, []byte{'\n'}) {
			if len(part) == 0 {
				continue
			}
			var env struct {
				Event   string          `json:"event"`
				Payload json.RawMessage `json:"payload"`
			}
			require.NoError(t, json.Unmarshal(part, &env))
			out = append(out, sentEvent{Event: env.Event, Payload: env.Payload})
		}
	}
	return out
}

// TestWebSocketChatFlow drives a full conversation over real connections:
// initial roster on connect, join handshake, chat delivery, roster updates on
// a second join, and a logout announcement.
func TestWebSocketChatFlow(t *testing.T) {
	h := newWSHarness(t)

	first := h.dial(t)
	initial := readEnvelopes(t, first, 1)
	require.Equal(t, eventAllUsers, initial[0].Event)
	assert.Empty(t, decodeRoster(t, initial[0]))

	sendEnvelope(t, first, eventJoin, map[string]string{"identity": "alice"})
	events := readEnvelopes(t, first, 3)
	require.Equal(t, eventResUser, events[0].Event)
	assert.Equal(t, json.RawMessage("true"), events[0].Payload)
	require.Equal(t, eventNewUser, events[1].Event)
	assert.Equal(t, statusJoined, decodeChat(t, events[1]).Status)
	require.Equal(t, eventAllUsers, events[2].Event)
	require.Len(t, decodeRoster(t, events[2]), 1)

	second := h.dial(t)
	secondInitial := readEnvelopes(t, second, 1)
	require.Equal(t, eventAllUsers, secondInitial[0].Event)
	require.Len(t, decodeRoster(t, secondInitial[0]), 1)

	sendEnvelope(t, second, eventJoin, map[string]string{"identity": "bob"})
	fromSecondJoin := readEnvelopes(t, first, 2)
	require.Equal(t, eventNewUser, fromSecondJoin[0].Event)
	assert.Equal(t, "bob", decodeChat(t, fromSecondJoin[0]).User)
	require.Equal(t, eventAllUsers, fromSecondJoin[1].Event)
	assert.Len(t, decodeRoster(t, fromSecondJoin[1]), 2)
	// Drain the second client's own view of its join.
	readEnvelopes(t, second, 3)

	sendEnvelope(t, second, eventMessage, map[string]string{"text": "hello"})
	chatSeen := readEnvelopes(t, first, 1)
	require.Equal(t, eventMessage, chatSeen[0].Event)
	chat := decodeChat(t, chatSeen[0])
	assert.Equal(t, "bob", chat.User)
	assert.Equal(t, "hello", chat.Message)
	assert.Equal(t, statusMessage, chat.Status)

	sendEnvelope(t, second, eventLogout, nil)
	afterLogout := readEnvelopes(t, first, 2)
	require.Equal(t, eventLogout, afterLogout[0].Event)
	assert.Equal(t, statusLeft, decodeChat(t, afterLogout[0]).Status)
	require.Equal(t, eventAllUsers, afterLogout[1].Event)
	roster := decodeRoster(t, afterLogout[1])
	require.Len(t, roster, 1)
	assert.Equal(t, "alice", roster[0].Pseudo)
}

// TestWebSocketAbruptDisconnect verifies that dropping a joined connection
// without a logout still announces the departure and shrinks the roster.
func TestWebSocketAbruptDisconnect(t *testing.T) {
	h := newWSHarness(t)

	observer := h.dial(t)
	readEnvelopes(t, observer, 1)
	sendEnvelope(t, observer, eventJoin, map[string]string{"identity": "alice"})
	readEnvelopes(t, observer, 3)

	ghost := h.dial(t)
	readEnvelopes(t, ghost, 1)
	sendEnvelope(t, ghost, eventJoin, map[string]string{"identity": "carol"})
	fromGhostJoin := readEnvelopes(t, observer, 2)
	require.Equal(t, eventNewUser, fromGhostJoin[0].Event)

	require.NoError(t, ghost.Close())

	afterDrop := readEnvelopes(t, observer, 2)
	require.Equal(t, eventLogout, afterDrop[0].Event)
	assert.Equal(t, "carol", decodeChat(t, afterDrop[0]).User)
	assert.Equal(t, statusLeft, decodeChat(t, afterDrop[0]).Status)
	require.Equal(t, eventAllUsers, afterDrop[1].Event)
	roster := decodeRoster(t, afterDrop[1])
	require.Len(t, roster, 1)
	assert.Equal(t, "alice", roster[0].Pseudo)
}

// TestWebSocketHandlerRejectsNonGet verifies that the upgrade endpoint only
// accepts GET requests.
func TestWebSocketHandlerRejectsNonGet(t *testing.T) {
	app := NewApp(newTestLogger(), nil)

	rec := httptest.NewRecorder()
	app.WebSocketHandler(rec, httptest.NewRequest(http.MethodPost, "/ws", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
