package dev

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vango-dev/hotserve/internal/config"
	"github.com/vango-dev/hotserve/internal/conntrack"
	"github.com/vango-dev/hotserve/internal/errors"
)

// Paths served by the client dev listener besides client.publicPath.
const (
	LivePath    = "/__hotserve/live"
	MetricsPath = "/__hotserve/metrics"
	StatusPath  = "/__hotserve/status"
	ScriptPath  = "/__hotserve/client.js"
)

// ClientManagerOptions configures a ClientMiddlewareManager.
type ClientManagerOptions struct {
	Logger  *slog.Logger
	Metrics *Metrics

	// Status returns the document served on /__hotserve/status.
	Status func() any

	// Listen binds the dev listener. Defaults to net.Listen.
	Listen func(network, address string) (net.Listener, error)
}

// ClientMiddlewareManager serves the in-memory client bundle on the fixed
// client dev port, together with the live-update channel.
type ClientMiddlewareManager struct {
	cfg      *config.Config
	compiler ClientCompiler
	assets   *AssetStore
	live     *LiveServer
	tracker  *conntrack.Tracker
	server   *http.Server
	logger   *slog.Logger
	metrics  *Metrics
	status   func() any

	subs      []Subscription
	closed    atomic.Bool
	serveDone chan struct{}

	disposeOnce sync.Once
	disposed    chan struct{}
	disposeErr  error
}

// NewClientMiddlewareManager binds client.devHost:client.devPort and starts serving.
// It subscribes to compiler and seeds the live channel from its last stats.
func NewClientMiddlewareManager(cfg *config.Config, compiler ClientCompiler, opts ClientManagerOptions) (*ClientMiddlewareManager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	listen := opts.Listen
	if listen == nil {
		listen = net.Listen
	}

	ln, err := listen("tcp", cfg.ClientDevAddress())
	if err != nil {
		return nil, errors.New(errors.CodeListen).
			WithDetail("binding " + cfg.ClientDevAddress()).
			WithSuggestion("Stop whatever holds client.devPort or choose another one").
			Wrap(err)
	}

	m := &ClientMiddlewareManager{
		cfg:       cfg,
		compiler:  compiler,
		assets:    compiler.Assets(),
		logger:    logger.With("component", "client"),
		metrics:   opts.Metrics,
		status:    opts.Status,
		serveDone: make(chan struct{}),
		disposed:  make(chan struct{}),
	}
	m.live = NewLiveServer(m.logger, m.metrics, m.syncMessage)
	m.tracker = conntrack.Wrap(ln, conntrack.WithHooks(m.metrics.TrackerHooks(RoleClient)))

	m.subs = append(m.subs,
		compiler.OnStart(func() {
			if !m.closed.Load() {
				m.live.Broadcast(LiveMessage{Action: LiveBuilding})
			}
		}),
		compiler.OnDone(func(stats *Stats) {
			if !m.closed.Load() {
				m.live.Broadcast(LiveMessageFor(stats))
			}
		}),
	)

	m.server = &http.Server{
		Handler:           m.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		defer close(m.serveDone)
		if err := m.server.Serve(m.tracker); err != nil && err != http.ErrServerClosed && !m.tracker.Closed() {
			m.logger.Error("client dev listener stopped", "error", err)
		}
	}()

	return m, nil
}

func (m *ClientMiddlewareManager) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(allowAnyOrigin)

	r.Get(LivePath, m.live.HandleWebSocket)
	r.Get(ScriptPath, serveScript)
	r.Get(StatusPath, m.serveStatus)
	if m.cfg.MetricsEnabled() && m.metrics != nil {
		r.Handle(MetricsPath, m.metrics.Handler())
	}

	prefix := m.cfg.Client.PublicPath
	assets := http.StripPrefix(strings.TrimSuffix(prefix, "/"), http.HandlerFunc(m.serveAsset))
	r.Method(http.MethodGet, prefix+"*", assets)
	r.Method(http.MethodHead, prefix+"*", assets)
	return r
}

func allowAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// serveAsset serves one file of the in-memory bundle, waiting for an
// in-flight build first.
func (m *ClientMiddlewareManager) serveAsset(w http.ResponseWriter, r *http.Request) {
	if m.closed.Load() {
		http.Error(w, "client dev server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if err := m.assets.Wait(r.Context()); err != nil {
		return
	}
	if m.closed.Load() {
		http.Error(w, "client dev server is shutting down", http.StatusServiceUnavailable)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/")
	asset, ok := m.assets.Get(name)
	if !ok {
		if stats := m.compiler.LastStats(); stats.HasErrors() {
			http.Error(w, stats.String(), http.StatusInternalServerError)
			return
		}
		http.NotFound(w, r)
		return
	}

	w.Header().Set("ETag", `"`+asset.Hash+`"`)
	w.Header().Set("Cache-Control", "no-cache")
	if asset.ContentType != "" {
		w.Header().Set("Content-Type", asset.ContentType)
	}
	http.ServeContent(w, r, asset.Name, asset.ModTime, bytes.NewReader(asset.Contents))
}

func (m *ClientMiddlewareManager) serveStatus(w http.ResponseWriter, r *http.Request) {
	var doc any = map[string]any{"hash": m.assets.Hash(), "assets": m.assets.Names()}
	if m.status != nil {
		doc = m.status()
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(doc)
}

func serveScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write([]byte(LiveClientScript))
}

func (m *ClientMiddlewareManager) syncMessage() LiveMessage {
	msg := LiveMessage{Action: LiveSync, Hash: m.assets.Hash()}
	if stats := m.compiler.LastStats(); stats != nil {
		msg.ID = stats.ID
		msg.Errors = stats.Errors
		msg.Warnings = stats.Warnings
		if !stats.HasErrors() {
			msg.Hash = stats.Hash
		}
	}
	if m.assets.Building() {
		msg.State = string(LiveBuilding)
	}
	return msg
}

// Addr returns the dev listener address.
func (m *ClientMiddlewareManager) Addr() net.Addr {
	if m == nil {
		return nil
	}
	return m.tracker.Addr()
}

// Connections returns the number of tracked connections.
func (m *ClientMiddlewareManager) Connections() int {
	if m == nil {
		return 0
	}
	return m.tracker.Len()
}

// LiveClients returns the number of connected live-update clients.
func (m *ClientMiddlewareManager) LiveClients() int {
	if m == nil {
		return 0
	}
	return m.live.ClientCount()
}

// Dispose closes the asset handler, drops the compiler subscriptions, closes
// live clients and disposes the tracker. Later calls return the first result.
func (m *ClientMiddlewareManager) Dispose(ctx context.Context, force bool) error {
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

func (m *ClientMiddlewareManager) dispose(ctx context.Context, force bool) error {
	ctx, span := startSpan(ctx, "client.dispose", attribute.Bool("hotserve.force", force))
	start := time.Now()

	m.closed.Store(true)
	for _, sub := range m.subs {
		sub.Unsubscribe()
	}
	m.subs = nil
	m.live.Close(force)

	if !force {
		// Closes idle keep-alive connections and waits for active requests.
		_ = m.server.Shutdown(ctx)
	}
	err := m.tracker.Dispose(ctx, force)
	_ = m.server.Close()

	select {
	case <-m.serveDone:
	case <-ctx.Done():
		if err == nil {
			err = errors.New(errors.CodeDisposalTimeout).
				WithDetail("client dev listener did not stop").
				Wrap(ctx.Err())
		}
	}

	m.metrics.ObserveDispose(RoleClient, time.Since(start), errors.HasCode(err, errors.CodeDisposalTimeout))
	endSpan(span, err)
	return err
}
