package dev

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/hotserve/internal/errors"
)

func newTestClientManager(t *testing.T) (*ClientMiddlewareManager, *fakeCompiler) {
	t.Helper()
	cfg := testConfig(t)
	compiler := newFakeCompiler(ArtifactClient, cfg.ClientOutdirPath(), &recorder{})
	m, err := NewClientMiddlewareManager(cfg, compiler, ClientManagerOptions{Metrics: NewMetrics(nil)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Dispose(context.Background(), true) })
	return m, compiler
}

func get(t *testing.T, url string, header ...string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestClientManager_ServesAssets(t *testing.T) {
	m, compiler := newTestClientManager(t)
	stats := compiler.finish()
	base := "http://" + m.Addr().String()

	resp, body := get(t, base+"/assets/app.js")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "console.log(1)", body)
	assert.Equal(t, `"`+stats.Hash+`"`, resp.Header.Get("ETag"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Content-Type"), "javascript")

	resp, _ = get(t, base+"/assets/app.js", "If-None-Match", `"`+stats.Hash+`"`)
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	resp, _ = get(t, base+"/assets/missing.js")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClientManager_FailedBuild(t *testing.T) {
	m, compiler := newTestClientManager(t)
	compiler.finish("Could not resolve \"react\"")

	resp, body := get(t, "http://"+m.Addr().String()+"/assets/app.js")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, `Could not resolve "react"`)
}

func TestClientManager_WaitsForBuild(t *testing.T) {
	m, compiler := newTestClientManager(t)
	compiler.finish()
	compiler.Assets().MarkBuilding()

	type result struct {
		status int
		body   string
	}
	got := make(chan result, 1)
	go func() {
		resp, err := http.Get("http://" + m.Addr().String() + "/assets/app.js")
		if err != nil {
			got <- result{}
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		got <- result{resp.StatusCode, string(body)}
	}()

	select {
	case <-got:
		t.Fatal("asset served during a build")
	case <-time.After(100 * time.Millisecond):
	}

	compiler.Assets().Replace([]Asset{{Name: "app.js", Contents: []byte("console.log(2)"), Hash: "h2"}}, "h2")
	compiler.Assets().MarkIdle()

	select {
	case r := <-got:
		assert.Equal(t, http.StatusOK, r.status)
		assert.Equal(t, "console.log(2)", r.body)
	case <-time.After(2 * time.Second):
		t.Fatal("request not released after the build")
	}
}

func TestClientManager_ScriptStatusMetrics(t *testing.T) {
	m, compiler := newTestClientManager(t)
	compiler.finish()
	base := "http://" + m.Addr().String()

	resp, body := get(t, base+ScriptPath)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, LivePath)

	resp, body = get(t, base+StatusPath)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"app.js"`)

	resp, body = get(t, base+MetricsPath)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "hotserve_tracked_connections")
}

func TestClientManager_LiveUpdates(t *testing.T) {
	m, compiler := newTestClientManager(t)
	first := compiler.finish()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+m.Addr().String()+LivePath, nil)
	require.NoError(t, err)
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg LiveMessage
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, LiveSync, msg.Action)
	assert.Equal(t, first.Hash, msg.Hash)
	require.Eventually(t, func() bool { return m.LiveClients() == 1 }, time.Second, 5*time.Millisecond)

	compiler.Run()
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, LiveBuilding, msg.Action)

	second := compiler.finish()
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, LiveBuilt, msg.Action)
	assert.Equal(t, second.Hash, msg.Hash)
	assert.Equal(t, second.ID, msg.ID)

	compiler.Run()
	require.NoError(t, ws.ReadJSON(&msg))
	compiler.finish("boom")
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, LiveErrors, msg.Action)
	require.Len(t, msg.Errors, 1)
	assert.Equal(t, "boom", msg.Errors[0].Text)
}

func TestClientManager_DisposeReleasesPort(t *testing.T) {
	m, compiler := newTestClientManager(t)
	compiler.finish()
	addr := m.Addr().String()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return m.Connections() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Dispose(context.Background(), true))
	assert.Equal(t, 0, compiler.Subscribers())
	assert.Equal(t, 0, m.Connections())

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)

	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	ln.Close()

	// Second dispose is a no-op.
	assert.NoError(t, m.Dispose(context.Background(), true))
}

func TestClientManager_PortInUse(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(t)
	cfg.Client.DevPort = busy.Addr().(*net.TCPAddr).Port
	compiler := newFakeCompiler(ArtifactClient, cfg.ClientOutdirPath(), &recorder{})

	_, err = NewClientMiddlewareManager(cfg, compiler, ClientManagerOptions{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeListen))
	assert.Equal(t, 0, compiler.Subscribers())
}

func TestClientManager_NilSafe(t *testing.T) {
	var m *ClientMiddlewareManager
	assert.Nil(t, m.Addr())
	assert.Equal(t, 0, m.Connections())
	assert.Equal(t, 0, m.LiveClients())
	assert.NoError(t, m.Dispose(context.Background(), true))
}
