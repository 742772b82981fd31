package heartbeat

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/ralph0830/stockcast/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInterval = 30 * time.Second

func newTestConnPair(t *testing.T) (server *gws.Conn, client *gws.Conn) {
	t.Helper()
	upgrader := gws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ready := make(chan *gws.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ready <- conn
	}))
	t.Cleanup(func() { srv.Close() })

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-ready
	t.Cleanup(func() { serverConn.Close() })

	return serverConn, clientConn
}

func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func setupHeartbeat(t *testing.T, missLimit int, onTimeout func(uuid.UUID)) (*ws.Manager, *Manager, clockwork.FakeClock) {
	t.Helper()
	registry := ws.NewManager(ws.Options{})
	clock := clockwork.NewFakeClock()
	hb := New(registry, clock, testInterval, missLimit, onTimeout)
	hb.Start()
	t.Cleanup(hb.Stop)

	// Wait for the probe loop's ticker to be armed before advancing.
	clock.BlockUntil(1)
	return registry, hb, clock
}

func TestHeartbeat_EvictsUnresponsiveSession(t *testing.T) {
	var mu sync.Mutex
	var timedOut []uuid.UUID
	registry, _, clock := setupHeartbeat(t, 2, func(id uuid.UUID) {
		mu.Lock()
		timedOut = append(timedOut, id)
		mu.Unlock()
	})

	id := uuid.New()
	serverConn, _ := newTestConnPair(t)
	_, err := registry.Register(id, serverConn)
	require.NoError(t, err)
	require.NoError(t, registry.Subscribe(id, "signal:vcp"))

	// The client never pongs: probe, miss, miss -> evicted.
	for i := 0; i < 4; i++ {
		clock.Advance(testInterval)
		time.Sleep(20 * time.Millisecond)
	}

	require.True(t, waitFor(t, func() bool { return registry.SessionCount() == 0 }))
	assert.Equal(t, 0, registry.TopicSubscriberCount("signal:vcp"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, timedOut, 1)
	assert.Equal(t, id, timedOut[0])
}

func TestHeartbeat_PongKeepsSessionAlive(t *testing.T) {
	registry, hb, clock := setupHeartbeat(t, 2, nil)

	id := uuid.New()
	serverConn, _ := newTestConnPair(t)
	_, err := registry.Register(id, serverConn)
	require.NoError(t, err)

	// Pong after every probe: the session is never evicted.
	for i := 0; i < 5; i++ {
		clock.Advance(testInterval)
		time.Sleep(20 * time.Millisecond)
		hb.Pong(id)
	}

	assert.Equal(t, 1, registry.SessionCount())
}

func TestHeartbeat_StartTwiceIsNoop(t *testing.T) {
	registry := ws.NewManager(ws.Options{})
	clock := clockwork.NewFakeClock()
	hb := New(registry, clock, testInterval, 2, nil)

	hb.Start()
	t.Cleanup(hb.Stop)
	clock.BlockUntil(1)

	hb.Start()
	assert.True(t, hb.Running())

	hb.Stop()
	assert.False(t, hb.Running())
}

func TestHeartbeat_StopWhenNotRunningIsNoop(t *testing.T) {
	registry := ws.NewManager(ws.Options{})
	hb := New(registry, clockwork.NewFakeClock(), testInterval, 2, nil)

	hb.Stop()
	assert.False(t, hb.Running())
}

func TestHeartbeat_StopLeavesSessionsRegistered(t *testing.T) {
	registry, hb, clock := setupHeartbeat(t, 2, nil)

	id := uuid.New()
	serverConn, _ := newTestConnPair(t)
	_, err := registry.Register(id, serverConn)
	require.NoError(t, err)

	clock.Advance(testInterval)
	time.Sleep(20 * time.Millisecond)

	hb.Stop()
	assert.Equal(t, 1, registry.SessionCount())
}
