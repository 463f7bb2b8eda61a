package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

type fakeBus struct {
	ch      chan []byte
	history []domain.StreamMessage
}

func (b *fakeBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.ch <- payload
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.ch, nil
}

func (b *fakeBus) StreamTail(_ context.Context, _ string, count int) ([]domain.StreamMessage, error) {
	if len(b.history) > count {
		return b.history[len(b.history)-count:], nil
	}
	return b.history, nil
}

func startHub(t *testing.T, bus *fakeBus) *httptest.Server {
	t.Helper()
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		Channels:     []string{"audits"},
		Mode:         "Server",
		ReplayStream: "audit_events",
	})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHub_StatusReplayAndFilter(t *testing.T) {
	bus := &fakeBus{
		ch: make(chan []byte, 8),
		history: []domain.StreamMessage{
			{ID: "1-0", Payload: []byte(`{"type":"audit_started","audit_id":"a1"}`)},
			{ID: "2-0", Payload: []byte(`{"type":"audit_started","audit_id":"a2"}`)},
		},
	}
	srv := startHub(t, bus)
	conn := dial(t, srv, "?audit_id=a1")

	status := readJSON(t, conn)
	assert.Equal(t, "hub_status", status["type"])
	assert.Equal(t, "server", status["payload"].(map[string]any)["mode"])

	replayed := readJSON(t, conn)
	assert.Equal(t, "a1", replayed["audit_id"])

	// a2 is filtered, a1 is delivered.
	require.NoError(t, bus.Publish(context.Background(), "audits", []byte(`{"type":"deviation_flagged","audit_id":"a2"}`)))
	require.NoError(t, bus.Publish(context.Background(), "audits", []byte(`{"type":"audit_completed","audit_id":"a1"}`)))
	live := readJSON(t, conn)
	assert.Equal(t, "audit_completed", live["type"])
}

func TestHub_WatchControlMessage(t *testing.T) {
	bus := &fakeBus{ch: make(chan []byte, 8)}
	srv := startHub(t, bus)
	conn := dial(t, srv, "")
	readJSON(t, conn) // hub_status

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "watch", "audit_ids": []string{"a9"}}))
	// Give the read pump a moment to apply the control message.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), "audits", []byte(`{"type":"audit_started","audit_id":"a1"}`)))
	require.NoError(t, bus.Publish(context.Background(), "audits", []byte(`{"type":"audit_started","audit_id":"a9"}`)))
	got := readJSON(t, conn)
	assert.Equal(t, "a9", got["audit_id"])
}

func TestAuditIDOf(t *testing.T) {
	assert.Equal(t, "x", auditIDOf([]byte(`{"audit_id":"x"}`)))
	assert.Equal(t, "", auditIDOf([]byte(`not json`)))
}
