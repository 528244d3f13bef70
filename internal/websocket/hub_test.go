package websocket

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingGauge struct {
	n atomic.Int64
}

func (g *countingGauge) Inc() { g.n.Add(1) }
func (g *countingGauge) Dec() { g.n.Add(-1) }

func startHub(t *testing.T) (*Hub, *countingGauge, string) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gauge := &countingGauge{}
	hub := NewHub(logger, WithGauge(gauge))
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, logger, w, r)
	}))
	t.Cleanup(srv.Close)

	return hub, gauge, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestSubscribeAndNotify(t *testing.T) {
	hub, gauge, url := startHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, Map: " kz_grotto "}))
	ack := readMessage(t, conn)
	assert.Equal(t, MessageTypeSubscribed, ack.Type)
	assert.Equal(t, "kz_grotto", ack.Map)

	require.Eventually(t, func() bool { return hub.SubscriberCount("kz_grotto") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), gauge.n.Load())
	assert.Equal(t, 1, hub.TotalConnections())

	hub.NotifyRecordsUpdated("kz_other")
	hub.NotifyRecordsUpdated("kz_grotto")

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeRecordsUpdated, msg.Type)
	assert.Equal(t, "kz_grotto", msg.Map)
	assert.NotZero(t, msg.Timestamp)
}

func TestSubscribeRejectsInvalidMap(t *testing.T) {
	hub, _, url := startHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, Map: "kz_x'; DROP TABLE Maps"}))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, 0, hub.SubscriberCount("kz_x'; DROP TABLE Maps"))
}

func TestPingPong(t *testing.T) {
	_, _, url := startHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypePing}))
	assert.Equal(t, MessageTypePong, readMessage(t, conn).Type)
}

func TestUnregisterOnClose(t *testing.T) {
	hub, gauge, url := startHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, Map: "kz_grotto"}))
	readMessage(t, conn)
	require.Eventually(t, func() bool { return hub.SubscriberCount("kz_grotto") == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.TotalConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, hub.SubscriberCount("kz_grotto"))
	assert.Equal(t, int64(0), gauge.n.Load())
}

func TestStoppedHubDoesNotBlockClients(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(logger)
	go hub.Run()
	hub.Stop()

	client := NewClient(hub, nil, logger)
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Register(client)
		for i := 0; i < 100; i++ {
			hub.Subscribe(client, "kz_grotto")
			hub.Unsubscribe(client, "kz_grotto")
		}
		hub.Unregister(client)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub calls blocked after Stop")
	}
}
