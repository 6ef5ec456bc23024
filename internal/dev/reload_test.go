package dev

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialLive(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func TestLiveServer_SyncAndBroadcast(t *testing.T) {
	metrics := NewMetrics(nil)
	live := NewLiveServer(discardLogger(), metrics, func() LiveMessage {
		return LiveMessage{Action: LiveSync, Hash: "abc"}
	})
	srv := httptest.NewServer(http.HandlerFunc(live.HandleWebSocket))
	defer srv.Close()

	a, b := dialLive(t, srv), dialLive(t, srv)

	var msg LiveMessage
	require.NoError(t, a.ReadJSON(&msg))
	assert.Equal(t, LiveMessage{Action: LiveSync, Hash: "abc"}, msg)
	require.NoError(t, b.ReadJSON(&msg))
	require.Eventually(t, func() bool { return live.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	live.Broadcast(LiveMessage{Action: LiveBuilding})
	for _, c := range []*websocket.Conn{a, b} {
		require.NoError(t, c.ReadJSON(&msg))
		assert.Equal(t, LiveBuilding, msg.Action)
	}

	a.Close()
	require.Eventually(t, func() bool { return live.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestLiveServer_Close(t *testing.T) {
	live := NewLiveServer(discardLogger(), nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(live.HandleWebSocket))
	defer srv.Close()

	conn := dialLive(t, srv)
	require.Eventually(t, func() bool { return live.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	live.Close(false)
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Equal(t, 0, live.ClientCount())

	// Connections after Close are rejected.
	late := dialLive(t, srv)
	_, _, err = late.ReadMessage()
	assert.Error(t, err)
}

func TestLiveServer_ForceCloseSkipsStalledPeers(t *testing.T) {
	live := NewLiveServer(discardLogger(), nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(live.HandleWebSocket))
	defer srv.Close()

	conns := []*websocket.Conn{dialLive(t, srv), dialLive(t, srv), dialLive(t, srv)}
	require.Eventually(t, func() bool { return live.ClientCount() == 3 }, time.Second, 5*time.Millisecond)

	// Every peer looks stuck in a write.
	live.mu.RLock()
	var locks []*sync.Mutex
	for _, lock := range live.clients {
		locks = append(locks, lock)
	}
	live.mu.RUnlock()
	for _, lock := range locks {
		lock.Lock()
	}
	defer func() {
		for _, lock := range locks {
			lock.Unlock()
		}
	}()

	done := make(chan struct{})
	go func() {
		live.Close(true)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("forced Close waited on stalled peers")
	}

	for _, c := range conns {
		_, _, err := c.ReadMessage()
		require.Error(t, err)
		assert.False(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "forced close sent a close frame")
	}
	assert.Equal(t, 0, live.ClientCount())
}

func TestLiveMessageFor(t *testing.T) {
	ok := LiveMessageFor(&Stats{ID: "1", Hash: "h"})
	assert.Equal(t, LiveBuilt, ok.Action)
	assert.Equal(t, "h", ok.Hash)

	failed := LiveMessageFor(&Stats{ID: "2", Hash: "h", Errors: []Message{{Text: "x"}}})
	assert.Equal(t, LiveErrors, failed.Action)
	assert.Empty(t, failed.Hash)
	assert.Len(t, failed.Errors, 1)
}

func TestLiveClientScript(t *testing.T) {
	for _, want := range []string{"WebSocket", LivePath, "location.reload"} {
		assert.Contains(t, LiveClientScript, want)
	}
}
