package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralph0830/stockcast/internal/config"
	"github.com/ralph0830/stockcast/internal/domain"
	"github.com/ralph0830/stockcast/internal/heartbeat"
	"github.com/ralph0830/stockcast/internal/ws"
)

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(context.Context) error { return f.err }

type fakeSubscriber struct {
	running bool
}

func (f *fakeSubscriber) IsRunning() bool { return f.running }

// wireFrame mirrors the outbound envelope for decoding in assertions.
type wireFrame struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	TS      int64           `json:"ts"`
}

func newTestServer(t *testing.T, pinger *fakePinger, sub *fakeSubscriber) (*httptest.Server, *ws.Manager) {
	t.Helper()
	cfg := &config.Config{
		Port:               "0",
		HeartbeatInterval:  30 * time.Second,
		HeartbeatMissLimit: 2,
		SessionQueueSize:   16,
		OverflowPolicy:     config.OverflowFlag,
		OverflowEvictAfter: 3,
	}
	manager := ws.NewManager(ws.Options{})
	hb := heartbeat.New(manager, clockwork.NewRealClock(), cfg.HeartbeatInterval, cfg.HeartbeatMissLimit, nil)

	srv := New(cfg, manager, hb, sub, pinger, clockwork.NewRealClock())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		manager.Close()
	})
	return ts, manager
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame wireFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	for i := 0; i < 400; i++ {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestHandleLiveness(t *testing.T) {
	ts, _ := newTestServer(t, &fakePinger{}, &fakeSubscriber{running: true})

	resp, err := http.Get(ts.URL + "/health/live")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "uptime")
}

func TestHandleReadiness_Ready(t *testing.T) {
	ts, _ := newTestServer(t, &fakePinger{}, &fakeSubscriber{running: true})

	resp, err := http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ready", body["status"])
	assert.Contains(t, body, "sessions")
}

func TestHandleReadiness_RedisDown(t *testing.T) {
	ts, _ := newTestServer(t, &fakePinger{err: errors.New("connection refused")}, &fakeSubscriber{running: true})

	resp, err := http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "redis", body["failed_check"])
}

func TestHandleReadiness_SubscriberStopped(t *testing.T) {
	ts, _ := newTestServer(t, &fakePinger{}, &fakeSubscriber{running: false})

	resp, err := http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "subscriber", body["failed_check"])
}

func TestHandleVersion(t *testing.T) {
	ts, _ := newTestServer(t, &fakePinger{}, &fakeSubscriber{running: true})

	resp, err := http.Get(ts.URL + "/version")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body, "version")
}

func TestWebSocket_WelcomeFrame(t *testing.T) {
	ts, manager := newTestServer(t, &fakePinger{}, &fakeSubscriber{running: true})
	conn := dialWS(t, ts)

	frame := readFrame(t, conn)
	assert.Equal(t, string(domain.TypeSystem), frame.Type)

	var welcome map[string]any
	require.NoError(t, json.Unmarshal(frame.Payload, &welcome))
	assert.Equal(t, "connected", welcome["event"])
	assert.EqualValues(t, 30000, welcome["heartbeat_interval_ms"])

	id, err := uuid.Parse(welcome["session_id"].(string))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	assert.True(t, waitFor(t, func() bool { return manager.SessionCount() == 1 }))
}

func TestWebSocket_SubscribeAckAndBroadcast(t *testing.T) {
	ts, manager := newTestServer(t, &fakePinger{}, &fakeSubscriber{running: true})
	conn := dialWS(t, ts)
	readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "topic": "signal:vcp"}))

	ack := readFrame(t, conn)
	assert.Equal(t, string(domain.TypeSystem), ack.Type)
	assert.Equal(t, "signal:vcp", ack.Topic)
	var ackBody map[string]any
	require.NoError(t, json.Unmarshal(ack.Payload, &ackBody))
	assert.Equal(t, "subscribed", ackBody["event"])

	require.True(t, waitFor(t, func() bool { return manager.TopicSubscriberCount("signal:vcp") == 1 }))

	msg, err := domain.NewBroadcastMessage("signal:vcp", domain.TypeSignal,
		json.RawMessage(`{"ticker":"005930","grade":"B","score":59.25}`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, manager.Broadcast(msg))

	frame := readFrame(t, conn)
	assert.Equal(t, "signal:vcp", frame.Topic)
	assert.Equal(t, string(domain.TypeSignal), frame.Type)
	assert.JSONEq(t, `{"ticker":"005930","grade":"B","score":59.25}`, string(frame.Payload))
}

func TestWebSocket_UnsubscribeStopsDelivery(t *testing.T) {
	ts, manager := newTestServer(t, &fakePinger{}, &fakeSubscriber{running: true})
	conn := dialWS(t, ts)
	readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "topic": "market-gate"}))
	readFrame(t, conn) // ack
	require.True(t, waitFor(t, func() bool { return manager.TopicSubscriberCount("market-gate") == 1 }))

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "unsubscribe", "topic": "market-gate"}))
	ack := readFrame(t, conn)
	var ackBody map[string]any
	require.NoError(t, json.Unmarshal(ack.Payload, &ackBody))
	assert.Equal(t, "unsubscribed", ackBody["event"])

	require.True(t, waitFor(t, func() bool { return manager.TopicSubscriberCount("market-gate") == 0 }))

	msg, err := domain.NewBroadcastMessage("market-gate", domain.TypeSystem,
		json.RawMessage(`{"open":false}`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, manager.Broadcast(msg))
}

func TestWebSocket_MalformedControlFrameIgnored(t *testing.T) {
	ts, manager := newTestServer(t, &fakePinger{}, &fakeSubscriber{running: true})
	conn := dialWS(t, ts)
	readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "teleport", "topic": "signal:vcp"}))

	// Connection survives and a valid frame still works.
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "topic": "signal:vcp"}))
	ack := readFrame(t, conn)
	var ackBody map[string]any
	require.NoError(t, json.Unmarshal(ack.Payload, &ackBody))
	assert.Equal(t, "subscribed", ackBody["event"])
	assert.Equal(t, 1, manager.TopicSubscriberCount("signal:vcp"))
}

func TestWebSocket_DisconnectUnregisters(t *testing.T) {
	ts, manager := newTestServer(t, &fakePinger{}, &fakeSubscriber{running: true})
	conn := dialWS(t, ts)
	readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "topic": "signal:vcp"}))
	readFrame(t, conn) // ack
	require.True(t, waitFor(t, func() bool { return manager.SessionCount() == 1 }))

	require.NoError(t, conn.Close())

	assert.True(t, waitFor(t, func() bool { return manager.SessionCount() == 0 }))
	assert.Equal(t, 0, manager.TopicSubscriberCount("signal:vcp"))
}
