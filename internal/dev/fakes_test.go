package dev

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-dev/hotserve/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder keeps an ordered log of side effects.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) index(ev string) int {
	for i, e := range r.all() {
		if e == ev {
			return i
		}
	}
	return -1
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, e := range r.all() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

// fakeCompiler is a Compiler whose compiles finish when the test says so.
type fakeCompiler struct {
	name   string
	output string
	rec    *recorder
	assets *AssetStore

	mu     sync.Mutex
	runs   int
	closed bool
	last   *Stats
	nextID int
	starts map[int]func()
	dones  map[int]func(*Stats)
}

func newFakeCompiler(name, output string, rec *recorder) *fakeCompiler {
	return &fakeCompiler{
		name:   name,
		output: output,
		rec:    rec,
		assets: NewAssetStore(),
		starts: make(map[int]func()),
		dones:  make(map[int]func(*Stats)),
	}
}

func (f *fakeCompiler) Name() string { return f.name }

func (f *fakeCompiler) Assets() *AssetStore { return f.assets }

func (f *fakeCompiler) Run() {
	f.mu.Lock()
	closed := f.closed
	if !closed {
		f.runs++
	}
	starts := make([]func(), 0, len(f.starts))
	for _, fn := range f.starts {
		starts = append(starts, fn)
	}
	f.mu.Unlock()

	if closed {
		return
	}
	f.rec.add("run:" + f.name)
	for _, fn := range starts {
		fn()
	}
}

func (f *fakeCompiler) OnStart(fn func()) Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.starts[id] = fn
	return subscriptionFunc(func() {
		f.mu.Lock()
		delete(f.starts, id)
		f.mu.Unlock()
	})
}

func (f *fakeCompiler) OnDone(fn func(*Stats)) Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.dones[id] = fn
	return subscriptionFunc(func() {
		f.mu.Lock()
		delete(f.dones, id)
		f.mu.Unlock()
	})
}

func (f *fakeCompiler) LastStats() *Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeCompiler) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.rec.add("close:" + f.name)
	return nil
}

func (f *fakeCompiler) Runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func (f *fakeCompiler) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeCompiler) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dones) + len(f.starts)
}

// finish completes a compile, failing it with errs when given.
func (f *fakeCompiler) finish(errs ...string) *Stats {
	s := &Stats{
		ID:       uuid.New().String(),
		Artifact: f.name,
		Output:   f.output,
		Started:  time.Now(),
		Duration: time.Millisecond,
	}
	for _, e := range errs {
		s.Errors = append(s.Errors, Message{Text: e})
	}
	if len(errs) == 0 {
		s.Hash = strings.ReplaceAll(s.ID, "-", "")[:16]
		if f.name == ArtifactClient {
			f.assets.Replace([]Asset{{Name: "app.js", Contents: []byte("console.log(1)"), Hash: s.Hash}}, s.Hash)
		}
	}

	f.mu.Lock()
	f.last = s
	dones := make([]func(*Stats), 0, len(f.dones))
	for _, fn := range f.dones {
		dones = append(dones, fn)
	}
	f.mu.Unlock()

	for _, fn := range dones {
		fn(s)
	}
	return s
}

// fakeToolchain hands out fakeCompilers and remembers them.
type fakeToolchain struct {
	rec *recorder

	mu         sync.Mutex
	clients    []*fakeCompiler
	servers    []*fakeCompiler
	failClient bool
}

func (tc *fakeToolchain) ClientCompiler(cfg *config.Config) (ClientCompiler, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.failClient {
		return nil, stderrors.New("no bundler")
	}
	c := newFakeCompiler(ArtifactClient, cfg.ClientOutdirPath(), tc.rec)
	tc.clients = append(tc.clients, c)
	return c, nil
}

func (tc *fakeToolchain) ServerCompiler(cfg *config.Config) (Compiler, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	c := newFakeCompiler(ArtifactServer, cfg.ServerBinaryPath(), tc.rec)
	tc.servers = append(tc.servers, c)
	return c, nil
}

func (tc *fakeToolchain) client(i int) *fakeCompiler {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if i >= len(tc.clients) {
		return nil
	}
	return tc.clients[i]
}

func (tc *fakeToolchain) server(i int) *fakeCompiler {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if i >= len(tc.servers) {
		return nil
	}
	return tc.servers[i]
}

func (tc *fakeToolchain) generations() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.clients)
}

// fakeLoader binds an ephemeral listener per load and records the
// purge/stop/load sequence through the artifact cache.
type fakeLoader struct {
	rec   *recorder
	cache *ArtifactCache

	mu      sync.Mutex
	loads   int
	live    int
	maxLive int
	fail    bool
}

func (l *fakeLoader) Load(ctx context.Context, a Artifact) (*Runtime, error) {
	l.mu.Lock()
	l.loads++
	n := l.loads
	fail := l.fail
	if !fail {
		l.live++
		if l.live > l.maxLive {
			l.maxLive = l.live
		}
	}
	l.mu.Unlock()

	l.rec.add(fmt.Sprintf("load:%d", n))
	if fail {
		return nil, stderrors.New("bundle exited during startup")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	l.cache.Put(a.Path, n, func() { l.rec.add(fmt.Sprintf("purge:%d", n)) })

	return &Runtime{
		Listener: ln,
		Serve:    holdServe,
		Stop: func(ctx context.Context) error {
			l.mu.Lock()
			l.live--
			l.mu.Unlock()
			l.rec.add(fmt.Sprintf("stop:%d", n))
			return nil
		},
	}, nil
}

func (l *fakeLoader) setFail(fail bool) {
	l.mu.Lock()
	l.fail = fail
	l.mu.Unlock()
}

func (l *fakeLoader) stats() (loads, live, maxLive int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads, l.live, l.maxLive
}

// holdServe accepts connections and keeps them open until the peer or the
// tracker closes them.
func holdServe(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			defer c.Close()
			_, _ = io.Copy(io.Discard, c)
		}()
	}
}

// fakeWatcher delivers events when the test calls emit.
type fakeWatcher struct {
	paths    []string
	onChange func([]Event)
	ready    chan struct{}

	mu     sync.Mutex
	closed bool
}

func (w *fakeWatcher) Ready() <-chan struct{} { return w.ready }

func (w *fakeWatcher) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWatcher) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *fakeWatcher) emit(events ...Event) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if !closed {
		w.onChange(events)
	}
}

type fakeWatchers struct {
	configPath string

	mu      sync.Mutex
	sources []*fakeWatcher
	config  *fakeWatcher
}

func (fw *fakeWatchers) factory(cfg WatcherConfig, onChange func([]Event)) (SourceWatcher, error) {
	ready := make(chan struct{})
	close(ready)
	w := &fakeWatcher{paths: cfg.Paths, onChange: onChange, ready: ready}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if len(cfg.Paths) == 1 && cfg.Paths[0] == fw.configPath {
		fw.config = w
	} else {
		fw.sources = append(fw.sources, w)
	}
	return w, nil
}

func (fw *fakeWatchers) source(i int) *fakeWatcher {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if i >= len(fw.sources) {
		return nil
	}
	return fw.sources[i]
}

func (fw *fakeWatchers) configWatcher() *fakeWatcher {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.config
}
