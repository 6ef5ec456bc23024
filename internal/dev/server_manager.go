package dev

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vango-dev/hotserve/internal/conntrack"
	"github.com/vango-dev/hotserve/internal/errors"
)

// ServerManagerOptions configures a ServerProcessManager.
type ServerManagerOptions struct {
	Logger  *slog.Logger
	Metrics *Metrics
}

// ServerProcessManager owns one running instance of the server bundle and
// the tracker around its listener.
type ServerProcessManager struct {
	artifact Artifact
	runtime  *Runtime
	tracker  *conntrack.Tracker
	err      error
	logger   *slog.Logger
	metrics  *Metrics

	serveDone chan struct{}

	disposeOnce sync.Once
	disposed    chan struct{}
	disposeErr  error
}

// NewServerProcessManager loads artifact and starts serving it. A load
// failure is logged and leaves a manager without a listener; Err reports it.
func NewServerProcessManager(ctx context.Context, loader Loader, artifact Artifact, opts ServerManagerOptions) *ServerProcessManager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &ServerProcessManager{
		artifact: artifact,
		logger:   logger.With("component", "server"),
		metrics:  opts.Metrics,
		disposed: make(chan struct{}),
	}

	ctx, span := startSpan(ctx, "server.load",
		attribute.String("hotserve.build_id", artifact.BuildID),
		attribute.String("hotserve.artifact_path", artifact.Path))
	rt, err := loader.Load(ctx, artifact)
	if err == nil && rt == nil {
		err = errors.New(errors.CodeLoad).WithDetail("loader returned no runtime")
	}
	endSpan(span, err)

	if err != nil {
		m.err = errors.FromError(err, errors.CodeLoad)
		m.metrics.LoadFailed()
		m.logger.Error("server bundle failed to load",
			"code", errors.CodeLoad, "build", artifact.BuildID, "error", err)
		return m
	}

	m.runtime = rt
	if rt.Listener != nil {
		m.tracker = conntrack.Wrap(rt.Listener, conntrack.WithHooks(m.metrics.TrackerHooks(RoleServer)))
	}
	if rt.Serve != nil && m.tracker != nil {
		m.serveDone = make(chan struct{})
		go func() {
			defer close(m.serveDone)
			if err := rt.Serve(m.tracker); err != nil && !m.tracker.Closed() {
				m.logger.Error("server accept loop stopped", "error", err)
			}
		}()
	}
	return m
}

// Err returns the load error, if any.
func (m *ServerProcessManager) Err() error {
	if m == nil {
		return nil
	}
	return m.err
}

// Artifact returns the artifact this manager runs.
func (m *ServerProcessManager) Artifact() Artifact {
	return m.artifact
}

// Addr returns the front listener address, or nil without a listener.
func (m *ServerProcessManager) Addr() net.Addr {
	if m == nil || m.tracker == nil {
		return nil
	}
	return m.tracker.Addr()
}

// Connections returns the number of tracked connections.
func (m *ServerProcessManager) Connections() int {
	if m == nil || m.tracker == nil {
		return 0
	}
	return m.tracker.Len()
}

// PID returns the server process id, or 0.
func (m *ServerProcessManager) PID() int {
	if m == nil || m.runtime == nil {
		return 0
	}
	return m.runtime.PID
}

// Dispose stops the instance: the tracker is disposed (force resets every
// connection), then the runtime is stopped, then the accept loop is awaited.
// Dispose on a nil manager, or a second Dispose, returns the first result.
func (m *ServerProcessManager) Dispose(ctx context.Context, force bool) error {
	if m == nil {
		return nil
	}
	m.disposeOnce.Do(func() {
		defer close(m.disposed)
		m.disposeErr = m.dispose(ctx, force)
	})
	<-m.disposed
	return m.disposeErr
}

func (m *ServerProcessManager) dispose(ctx context.Context, force bool) error {
	ctx, span := startSpan(ctx, "server.dispose",
		attribute.Bool("hotserve.force", force),
		attribute.String("hotserve.build_id", m.artifact.BuildID))
	start := time.Now()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if m.tracker != nil {
		record(m.tracker.Dispose(ctx, force))
	}
	if m.runtime != nil && m.runtime.Stop != nil {
		record(m.runtime.Stop(ctx))
	}
	if m.serveDone != nil {
		select {
		case <-m.serveDone:
		case <-ctx.Done():
			record(errors.New(errors.CodeDisposalTimeout).
				WithDetail("server accept loop did not stop").
				Wrap(ctx.Err()))
		}
	}

	m.metrics.ObserveDispose(RoleServer, time.Since(start), errors.HasCode(firstErr, errors.CodeDisposalTimeout))
	endSpan(span, firstErr)
	return firstErr
}
