package dev

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/hotserve/internal/config"
	"github.com/vango-dev/hotserve/internal/errors"
)

// State is the orchestrator lifecycle state.
type State int

const (
	StateIdle State = iota
	StateCompilingClient
	StateCompilingServer
	StateRunning
	StateRestarting
	StateDisposed
)

var allStates = []State{
	StateIdle,
	StateCompilingClient,
	StateCompilingServer,
	StateRunning,
	StateRestarting,
	StateDisposed,
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCompilingClient:
		return "compiling-client"
	case StateCompilingServer:
		return "compiling-server"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures an Orchestrator. Zero values select the production
// implementations.
type Options struct {
	// ConfigPath is the configuration file. It is watched for changes.
	ConfigPath string

	// LoadConfig loads the configuration. Defaults to config.LoadFile(ConfigPath).
	// Results are cached under ToolchainPrefix until the next restart.
	LoadConfig func() (*config.Config, error)

	// Toolchain creates the compilers. Defaults to DefaultToolchain with client watching.
	Toolchain Toolchain

	// Loader starts server bundles. Defaults to a ProcessLoader.
	Loader Loader

	// Watch creates file watchers. Defaults to DefaultWatcherFactory.
	Watch WatcherFactory

	// Cache holds staged artifacts and loaded configuration.
	Cache *ArtifactCache

	Logger  *slog.Logger
	Metrics *Metrics

	// Output receives compiler diagnostics and formatted errors. Defaults to os.Stderr.
	Output io.Writer

	// DisposeTimeout bounds every disposal. Defaults to dev.disposeTimeout.
	DisposeTimeout time.Duration
}

// BuildStatus summarizes the last compile of one artifact.
type BuildStatus struct {
	ID       string    `json:"id"`
	Hash     string    `json:"hash,omitempty"`
	Finished time.Time `json:"finished"`
	Duration string    `json:"duration"`
	Errors   []Message `json:"errors,omitempty"`
	Warnings int       `json:"warnings,omitempty"`
}

func buildStatusOf(s *Stats) *BuildStatus {
	if s == nil {
		return nil
	}
	return &BuildStatus{
		ID:       s.ID,
		Hash:     s.Hash,
		Finished: s.Started.Add(s.Duration),
		Duration: s.Duration.Round(time.Millisecond).String(),
		Errors:   s.Errors,
		Warnings: len(s.Warnings),
	}
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	State             string       `json:"state"`
	Generation        uint64       `json:"generation"`
	ConfigPath        string       `json:"configPath,omitempty"`
	Client            *BuildStatus `json:"client,omitempty"`
	Server            *BuildStatus `json:"server,omitempty"`
	ClientAddr        string       `json:"clientAddr,omitempty"`
	ServerAddr        string       `json:"serverAddr,omitempty"`
	ServerPID         int          `json:"serverPid,omitempty"`
	ServerError       string       `json:"serverError,omitempty"`
	ClientConnections int          `json:"clientConnections"`
	ServerConnections int          `json:"serverConnections"`
	LiveClients       int          `json:"liveClients"`
	Restarts          int          `json:"restarts"`
	Swaps             int          `json:"swaps"`
}

type eventKind int

const (
	eventClientDone eventKind = iota
	eventServerDone
	eventSourceChange
	eventConfigChange
)

func (k eventKind) String() string {
	switch k {
	case eventClientDone:
		return "client-done"
	case eventServerDone:
		return "server-done"
	case eventSourceChange:
		return "source-change"
	case eventConfigChange:
		return "config-change"
	default:
		return "unknown"
	}
}

// event is posted to the loop. gen 0 is valid in every generation.
type event struct {
	kind    eventKind
	gen     uint64
	stats   *Stats
	changes []Event
}

// Orchestrator keeps the client and server bundles running while their
// sources and configuration change. All state changes happen on the
// goroutine running Run.
type Orchestrator struct {
	opts      Options
	logger    *slog.Logger
	metrics   *Metrics
	cache     *ArtifactCache
	toolchain Toolchain
	loader    Loader
	watch     WatcherFactory
	output    io.Writer

	events   chan event
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	started  atomic.Bool

	// Guarded by mu; written only by the loop.
	mu         sync.RWMutex
	state      State
	gen        uint64
	cfg        *config.Config
	clientMgr  *ClientMiddlewareManager
	serverMgr  *ServerProcessManager
	lastClient *Stats
	lastServer *Stats
	restarts   int
	swaps      int

	// Owned by the loop.
	client        ClientCompiler
	server        Compiler
	subs          []Subscription
	watcher       SourceWatcher
	configWatcher SourceWatcher
}

// NewOrchestrator creates an idle orchestrator.
func NewOrchestrator(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewArtifactCache()
	}
	watch := opts.Watch
	if watch == nil {
		watch = DefaultWatcherFactory
	}
	toolchain := opts.Toolchain
	if toolchain == nil {
		toolchain = DefaultToolchain{Logger: logger, Metrics: opts.Metrics, WatchClient: true, WatchFactory: watch}
	}
	loader := opts.Loader
	if loader == nil {
		loader = &ProcessLoader{Cache: cache, Logger: logger}
	}
	output := opts.Output
	if output == nil {
		output = os.Stderr
	}

	o := &Orchestrator{
		opts:      opts,
		logger:    logger.With("component", "orchestrator"),
		metrics:   opts.Metrics,
		cache:     cache,
		toolchain: toolchain,
		loader:    loader,
		watch:     watch,
		output:    output,
		events:    make(chan event, 64),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	o.metrics.SetState(StateIdle)
	return o
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Snapshot returns the current status.
func (o *Orchestrator) Snapshot() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	s := Status{
		State:             o.state.String(),
		Generation:        o.gen,
		Client:            buildStatusOf(o.lastClient),
		Server:            buildStatusOf(o.lastServer),
		ClientConnections: o.clientMgr.Connections(),
		ServerConnections: o.serverMgr.Connections(),
		LiveClients:       o.clientMgr.LiveClients(),
		ServerPID:         o.serverMgr.PID(),
		Restarts:          o.restarts,
		Swaps:             o.swaps,
	}
	if o.cfg != nil {
		s.ConfigPath = o.cfg.Path()
	}
	if addr := o.clientMgr.Addr(); addr != nil {
		s.ClientAddr = addr.String()
	}
	if addr := o.serverMgr.Addr(); addr != nil {
		s.ServerAddr = addr.String()
	}
	if err := o.serverMgr.Err(); err != nil {
		s.ServerError = err.Error()
	}
	return s
}

// Run starts the pipeline and handles events until ctx ends or Shutdown is
// called. Both end in StateDisposed with every listener released.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return errors.Newf(errors.CategoryRuntime, "orchestrator is already running")
	}
	defer close(o.done)

	select {
	case <-o.quit:
		o.setState(StateDisposed)
		return nil
	default:
	}

	o.watchConfig()
	o.start(ctx)

	for {
		select {
		case <-ctx.Done():
			o.dispose(ctx)
			return nil
		case <-o.quit:
			o.dispose(ctx)
			return nil
		case ev := <-o.events:
			o.handle(ctx, ev)
		}
	}
}

// Shutdown stops Run and waits until everything is disposed or ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.quitOnce.Do(func() { close(o.quit) })
	if !o.started.Load() {
		o.setState(StateDisposed)
		return nil
	}
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers ev to the loop. Events posted after the loop exited are dropped.
func (o *Orchestrator) post(ev event) {
	select {
	case o.events <- ev:
	case <-o.done:
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev event) {
	if gen := o.generation(); ev.gen != 0 && ev.gen != gen {
		o.logger.Debug("dropping stale event", "event", ev.kind, "generation", ev.gen, "current", gen)
		return
	}

	switch ev.kind {
	case eventClientDone:
		o.onClientDone(ctx, ev.stats)
	case eventServerDone:
		o.onServerDone(ctx, ev.stats)
	case eventSourceChange:
		o.onSourceChange(ev.changes)
	case eventConfigChange:
		o.restart(ctx)
	}
}

// start loads the configuration, creates both compilers and the source
// watcher, and triggers the client compile.
func (o *Orchestrator) start(ctx context.Context) {
	o.mu.Lock()
	o.gen++
	gen := o.gen
	o.mu.Unlock()
	logger := o.logger.With("generation", gen)

	cfg, err := o.loadConfig()
	if err != nil {
		logger.Error("configuration not loaded, waiting for it to change", "error", err)
		errors.Fprint(o.output, err)
		o.setState(StateIdle)
		return
	}
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()

	client, err := o.toolchain.ClientCompiler(cfg)
	if err != nil {
		logger.Error("client compiler unavailable", "error", err)
		errors.Fprint(o.output, err)
		o.setState(StateIdle)
		return
	}
	server, err := o.toolchain.ServerCompiler(cfg)
	if err != nil {
		_ = client.Close()
		logger.Error("server compiler unavailable", "error", err)
		errors.Fprint(o.output, err)
		o.setState(StateIdle)
		return
	}

	o.client, o.server = client, server
	o.subs = append(o.subs,
		client.OnDone(func(s *Stats) {
			o.post(event{kind: eventClientDone, gen: gen, stats: s})
		}),
		server.OnDone(func(s *Stats) {
			o.post(event{kind: eventServerDone, gen: gen, stats: s})
		}),
	)

	w, err := o.watch(WatcherConfig{
		Paths:    CollectWatchPaths(cfg),
		Ignore:   append(append([]string{}, DefaultIgnore...), cfg.Server.Ignore...),
		Debounce: cfg.Debounce(),
		Logger:   o.logger,
	}, func(changes []Event) {
		o.post(event{kind: eventSourceChange, gen: gen, changes: changes})
	})
	if err != nil {
		logger.Warn("server sources are not watched", "code", errors.CodeWatcher, "error", err)
	} else {
		o.watcher = w
		select {
		case <-w.Ready():
		case <-time.After(5 * time.Second):
			logger.Warn("server source watcher is slow to start")
		}
	}

	o.setState(StateCompilingClient)
	logger.Info("compiling client", "entryPoints", cfg.Client.EntryPoints)
	client.Run()
}

func (o *Orchestrator) onClientDone(ctx context.Context, stats *Stats) {
	o.mu.Lock()
	o.lastClient = stats
	o.mu.Unlock()

	if stats.HasErrors() {
		o.logger.Error("client build failed", "code", errors.CodeCompile,
			"build", stats.ID, "errors", len(stats.Errors))
		fmt.Fprint(o.output, stats.String())
		return
	}
	o.logger.Info("client built", "build", stats.ID, "hash", shortHash(stats.Hash),
		"duration", stats.Duration.Round(time.Millisecond), "warnings", len(stats.Warnings))

	if o.currentClientManager() == nil {
		o.mu.RLock()
		cfg := o.cfg
		o.mu.RUnlock()
		mgr, err := NewClientMiddlewareManager(cfg, o.client, ClientManagerOptions{
			Logger:  o.logger,
			Metrics: o.metrics,
			Status:  func() any { return o.Snapshot() },
		})
		if err != nil {
			o.logger.Error("client dev listener unavailable", "error", err)
			errors.Fprint(o.output, err)
		} else {
			o.mu.Lock()
			o.clientMgr = mgr
			o.mu.Unlock()
			o.logger.Info("serving client assets", "url", "http://"+mgr.Addr().String()+cfg.Client.PublicPath)
		}
	}

	o.setState(StateCompilingServer)
	o.server.Run()
}

func (o *Orchestrator) onServerDone(ctx context.Context, stats *Stats) {
	o.mu.Lock()
	o.lastServer = stats
	cfg := o.cfg
	o.mu.Unlock()

	if stats.HasErrors() {
		o.logger.Error("server build failed, previous server keeps running", "code", errors.CodeCompile,
			"build", stats.ID, "errors", len(stats.Errors))
		fmt.Fprint(o.output, stats.String())
		return
	}
	o.logger.Info("server built", "build", stats.ID, "hash", shortHash(stats.Hash),
		"duration", stats.Duration.Round(time.Millisecond))

	ctx, span := startSpan(ctx, "server.swap", attribute.String("hotserve.build_id", stats.ID))
	defer span.End()

	// Drop stale artifacts before anything is loaded again.
	purged := o.cache.Purge(cfg.ServerOutputPath())
	o.metrics.Purged(purged)

	o.mu.Lock()
	old := o.serverMgr
	o.serverMgr = nil
	o.mu.Unlock()
	if old != nil {
		dctx, cancel := o.disposeContext(ctx)
		err := old.Dispose(dctx, true)
		cancel()
		if err != nil {
			o.logger.Warn("previous server did not shut down cleanly", "error", err)
		}
	}

	mgr := NewServerProcessManager(ctx, o.loader, ArtifactFromStats(cfg, stats), ServerManagerOptions{
		Logger:  o.logger,
		Metrics: o.metrics,
	})

	o.mu.Lock()
	o.serverMgr = mgr
	o.swaps++
	o.mu.Unlock()
	o.metrics.ServerSwapped()

	if err := mgr.Err(); err != nil {
		errors.Fprint(o.output, err)
	} else if addr := mgr.Addr(); addr != nil {
		o.logger.Info("server running", "url", "http://"+addr.String(), "pid", mgr.PID())
	}

	if o.State() == StateCompilingServer {
		o.setState(StateRunning)
	}
}

func (o *Orchestrator) onSourceChange(changes []Event) {
	if o.client == nil {
		return
	}
	for _, c := range changes {
		o.logger.Debug("source changed", "kind", c.Kind, "path", c.Path)
	}
	if len(changes) > 0 {
		o.logger.Info("server sources changed", "files", len(changes), "first", changes[0].Path)
	}
	o.setState(StateCompilingClient)
	o.client.Run()
}

// restart tears the whole pipeline down and starts again from the
// configuration file.
func (o *Orchestrator) restart(ctx context.Context) {
	ctx, span := startSpan(ctx, "restart")
	defer span.End()

	o.logger.Info("configuration changed, restarting")
	o.setState(StateRestarting)
	o.metrics.Restarted()
	o.mu.Lock()
	o.restarts++
	o.mu.Unlock()

	o.disposeManagers(ctx)
	o.teardownPipeline()
	o.metrics.Purged(o.cache.Purge(ToolchainPrefix))

	o.setState(StateIdle)
	o.start(ctx)
}

// dispose releases everything for good.
func (o *Orchestrator) dispose(ctx context.Context) {
	o.logger.Info("shutting down")
	o.disposeManagers(ctx)
	o.teardownPipeline()
	if o.configWatcher != nil {
		_ = o.configWatcher.Close()
		o.configWatcher = nil
	}
	o.metrics.Purged(o.cache.Purge(""))
	o.setState(StateDisposed)
}

// disposeManagers force-disposes both managers in parallel and waits for both.
func (o *Orchestrator) disposeManagers(ctx context.Context) {
	o.mu.Lock()
	client, server := o.clientMgr, o.serverMgr
	o.clientMgr, o.serverMgr = nil, nil
	o.mu.Unlock()

	dctx, cancel := o.disposeContext(ctx)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		if err := client.Dispose(dctx, true); err != nil {
			o.logger.Warn("client dev listener did not shut down cleanly", "error", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := server.Dispose(dctx, true); err != nil {
			o.logger.Warn("server did not shut down cleanly", "error", err)
			return err
		}
		return nil
	})
	_ = g.Wait()
}

// teardownPipeline drops the compiler subscriptions and closes the compilers
// and the source watcher.
func (o *Orchestrator) teardownPipeline() {
	for _, sub := range o.subs {
		sub.Unsubscribe()
	}
	o.subs = nil

	if o.watcher != nil {
		_ = o.watcher.Close()
		o.watcher = nil
	}
	if o.client != nil {
		_ = o.client.Close()
		o.client = nil
	}
	if o.server != nil {
		_ = o.server.Close()
		o.server = nil
	}
}

// loadConfig returns the cached configuration, loading it on a miss.
func (o *Orchestrator) loadConfig() (*config.Config, error) {
	key := ToolchainPrefix + "config:" + o.opts.ConfigPath
	if v, ok := o.cache.Get(key); ok {
		if cfg, ok := v.(*config.Config); ok {
			return cfg, nil
		}
	}

	load := o.opts.LoadConfig
	if load == nil {
		load = func() (*config.Config, error) {
			if o.opts.ConfigPath == "" {
				return config.LoadFromWorkingDir()
			}
			return config.LoadFile(o.opts.ConfigPath)
		}
	}
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	o.cache.Put(key, cfg, nil)
	return cfg, nil
}

func (o *Orchestrator) watchConfig() {
	if o.opts.ConfigPath == "" {
		return
	}
	w, err := o.watch(WatcherConfig{
		Paths:    []string{o.opts.ConfigPath},
		Debounce: config.DefaultDebounce,
		Logger:   o.logger,
	}, func([]Event) {
		o.post(event{kind: eventConfigChange})
	})
	if err != nil {
		o.logger.Warn("configuration file is not watched", "code", errors.CodeConfigWatch, "error", err)
		return
	}
	o.configWatcher = w
}

func (o *Orchestrator) disposeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := o.opts.DisposeTimeout
	if timeout == 0 {
		o.mu.RLock()
		if o.cfg != nil {
			timeout = o.cfg.DisposeTimeout()
		}
		o.mu.RUnlock()
	}
	if timeout == 0 {
		timeout = config.DefaultDisposeTimeout
	}
	// Disposal must finish even when ctx was what asked for it.
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (o *Orchestrator) currentClientManager() *ClientMiddlewareManager {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.clientMgr
}

func (o *Orchestrator) generation() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.gen
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()

	if prev != s {
		o.logger.Debug("state", "from", prev, "to", s)
	}
	o.metrics.SetState(s)
}
