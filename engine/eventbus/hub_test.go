package eventbus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/conductor/common/models"
	"github.com/driftworks/conductor/engine/events"
)

// testLogger implements eventbus.Logger
type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.t.Logf("[INFO] %s %v", msg, keysAndValues)
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.t.Logf("[ERROR] %s %v", msg, keysAndValues)
}

func (l *testLogger) Warn(msg string, keysAndValues ...any) {
	l.t.Logf("[WARN] %s %v", msg, keysAndValues)
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.t.Logf("[DEBUG] %s %v", msg, keysAndValues)
}

func TestValidRoom(t *testing.T) {
	valid := []string{"execution:abc", "workflow:w1", "user:u-1"}
	for _, room := range valid {
		if !ValidRoom(room) {
			t.Errorf("ValidRoom(%q) = false, want true", room)
		}
	}

	invalid := []string{"", "execution:", "runs:abc", "user", "execution"}
	for _, room := range invalid {
		if ValidRoom(room) {
			t.Errorf("ValidRoom(%q) = true, want false", room)
		}
	}
}

type busEnv struct {
	hub  *Hub
	srv  *httptest.Server
	conn *websocket.Conn
}

func setupBus(t *testing.T, userID string, authorize AuthorizeFunc) *busEnv {
	t.Helper()

	hub := NewHub(&HubOpts{Logger: &testLogger{t: t}, SendBuffer: 16})
	go hub.Run()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		NewClient(hub, conn, userID, authorize).Start()
	}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		srv.Close()
		hub.Shutdown(context.Background())
	})

	return &busEnv{hub: hub, srv: srv, conn: conn}
}

func readFrame(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame events.Event
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestHubConnectAndUserRoom(t *testing.T) {
	env := setupBus(t, "user-1", nil)

	frame := readFrame(t, env.conn)
	require.Equal(t, events.TypeConnection, frame.Type)
	require.Equal(t, events.EventConnected, frame.Event)
	require.Equal(t, "user-1", frame.Data["user_id"])

	// The user room needs no subscribe call
	exec := &models.WorkflowExecution{
		ID:         uuid.New(),
		WorkflowID: uuid.New(),
		UserID:     "user-1",
		Status:     models.StatusRunning,
		TotalNodes: 4,
	}
	require.NoError(t, env.hub.Broadcast(events.UserRoom("user-1"), events.NewExecutionUpdate(exec, "")))

	frame = readFrame(t, env.conn)
	require.Equal(t, events.TypeExecutionUpdate, frame.Type)
	require.Equal(t, events.EventStatusChanged, frame.Event)
	require.Equal(t, exec.ID.String(), frame.Data["execution_id"])
	require.Equal(t, "running", frame.Data["status"])
}

func TestHubSubscribeBroadcastUnsubscribe(t *testing.T) {
	executionID := uuid.New()
	room := events.ExecutionRoom(executionID)

	authorize := func(_ context.Context, userID, r string) bool {
		return userID == "user-1" && r == room
	}
	env := setupBus(t, "user-1", authorize)
	readFrame(t, env.conn) // connected

	require.NoError(t, env.conn.WriteJSON(map[string]string{"type": "subscribe", "room_id": room}))
	frame := readFrame(t, env.conn)
	require.Equal(t, events.TypeSubscription, frame.Type)
	require.Equal(t, events.EventSubscribed, frame.Event)
	require.Equal(t, room, frame.Data["room_id"])

	node := &models.NodeExecution{
		ID:                  uuid.New(),
		WorkflowExecutionID: executionID,
		NodeID:              "n1",
		NodeName:            "fetch",
		Status:              models.StatusCompleted,
	}
	require.NoError(t, env.hub.Broadcast(room, events.NewNodeUpdate(node, "")))

	frame = readFrame(t, env.conn)
	require.Equal(t, events.TypeNodeUpdate, frame.Type)
	require.Equal(t, "n1", frame.Data["node_id"])
	require.Equal(t, "completed", frame.Data["status"])

	require.NoError(t, env.conn.WriteJSON(map[string]string{"type": "unsubscribe", "room_id": room}))
	frame = readFrame(t, env.conn)
	require.Equal(t, events.EventUnsubscribed, frame.Event)

	// Frames for the room no longer reach this socket
	require.NoError(t, env.hub.Broadcast(room, events.NewNodeUpdate(node, "")))
	env.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var discard events.Event
	err := env.conn.ReadJSON(&discard)
	require.Error(t, err)
}

func TestHubRejectsUnauthorizedRoom(t *testing.T) {
	authorize := func(_ context.Context, _, _ string) bool { return false }
	env := setupBus(t, "user-1", authorize)
	readFrame(t, env.conn) // connected

	require.NoError(t, env.conn.WriteJSON(map[string]string{"type": "subscribe", "room_id": "execution:other"}))
	frame := readFrame(t, env.conn)
	require.Equal(t, events.TypeError, frame.Type)
	require.Equal(t, "not authorized for room", frame.Data["message"])
}

func TestHubPingPong(t *testing.T) {
	env := setupBus(t, "user-1", nil)
	readFrame(t, env.conn) // connected

	require.NoError(t, env.conn.WriteJSON(map[string]string{"type": "ping"}))
	frame := readFrame(t, env.conn)
	require.Equal(t, events.TypePong, frame.Type)
}

func TestHubRejectsMalformedMessages(t *testing.T) {
	env := setupBus(t, "user-1", nil)
	readFrame(t, env.conn) // connected

	require.NoError(t, env.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	frame := readFrame(t, env.conn)
	require.Equal(t, events.TypeError, frame.Type)

	require.NoError(t, env.conn.WriteJSON(map[string]string{"type": "subscribe", "room_id": "bogus"}))
	frame = readFrame(t, env.conn)
	require.Equal(t, events.TypeError, frame.Type)
	require.Equal(t, "invalid room", frame.Data["message"])

	require.NoError(t, env.conn.WriteJSON(map[string]string{"type": "launch"}))
	frame = readFrame(t, env.conn)
	require.Equal(t, events.TypeError, frame.Type)
	require.Equal(t, "unknown message type", frame.Data["message"])
}
