package dev

import (
	"context"
	stderrors "errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/hotserve/internal/errors"
)

func TestServerProcessManager_ServesAndDisposes(t *testing.T) {
	rec := &recorder{}
	loader := &fakeLoader{rec: rec, cache: NewArtifactCache()}
	m := NewServerProcessManager(context.Background(), loader, Artifact{Path: "/bin/server", BuildID: "b1"},
		ServerManagerOptions{Logger: discardLogger(), Metrics: NewMetrics(nil)})
	require.NoError(t, m.Err())
	require.NotNil(t, m.Addr())
	assert.Equal(t, "b1", m.Artifact().BuildID)

	conn, err := net.Dial("tcp", m.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return m.Connections() == 1 }, time.Second, 5*time.Millisecond)

	addr := m.Addr().String()
	require.NoError(t, m.Dispose(context.Background(), true))
	assert.Equal(t, 0, m.Connections())
	assert.Equal(t, []string{"load:1", "stop:1"}, rec.all())

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)

	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err, "port still held after dispose")
	ln.Close()

	require.NoError(t, m.Dispose(context.Background(), true))
	assert.Equal(t, 1, rec.count("stop:"))
}

func TestServerProcessManager_LoadFailure(t *testing.T) {
	loader := LoaderFunc(func(ctx context.Context, a Artifact) (*Runtime, error) {
		return nil, stderrors.New("exec format error")
	})
	metrics := NewMetrics(nil)
	m := NewServerProcessManager(context.Background(), loader, Artifact{Path: "/bin/server"},
		ServerManagerOptions{Logger: discardLogger(), Metrics: metrics})

	require.Error(t, m.Err())
	assert.True(t, errors.HasCode(m.Err(), errors.CodeLoad))
	assert.Nil(t, m.Addr())
	assert.Equal(t, 0, m.Connections())
	assert.Equal(t, 0, m.PID())
	assert.NoError(t, m.Dispose(context.Background(), true))
	assert.Equal(t, 1.0, gather(t, metrics)["hotserve_load_errors_total"].GetMetric()[0].GetCounter().GetValue())
}

func TestServerProcessManager_NilRuntime(t *testing.T) {
	loader := LoaderFunc(func(ctx context.Context, a Artifact) (*Runtime, error) {
		return nil, nil
	})
	m := NewServerProcessManager(context.Background(), loader, Artifact{}, ServerManagerOptions{Logger: discardLogger()})
	assert.True(t, errors.HasCode(m.Err(), errors.CodeLoad))
}

func TestServerProcessManager_GracefulDisposeTimeout(t *testing.T) {
	loader := &fakeLoader{rec: &recorder{}, cache: NewArtifactCache()}
	m := NewServerProcessManager(context.Background(), loader, Artifact{Path: "/bin/server"},
		ServerManagerOptions{Logger: discardLogger()})
	require.NoError(t, m.Err())

	conn, err := net.Dial("tcp", m.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return m.Connections() == 1 }, time.Second, 5*time.Millisecond)

	// The peer never closes, so a graceful dispose runs into the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = m.Dispose(ctx, false)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeDisposalTimeout))
	assert.Equal(t, 0, m.Connections())
}

func TestServerProcessManager_NilSafe(t *testing.T) {
	var m *ServerProcessManager
	assert.NoError(t, m.Err())
	assert.Nil(t, m.Addr())
	assert.Equal(t, 0, m.Connections())
	assert.Equal(t, 0, m.PID())
	assert.NoError(t, m.Dispose(context.Background(), true))
}
