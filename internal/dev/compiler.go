package dev

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Artifact names.
const (
	ArtifactClient = "client"
	ArtifactServer = "server"
)

// Message is a single compiler diagnostic.
type Message struct {
	Text     string `json:"text"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	LineText string `json:"lineText,omitempty"`

	// Formatted is the compiler's own rendering, when it has one.
	Formatted string `json:"-"`
}

// String returns the message in file:line:col form.
func (m Message) String() string {
	if m.File == "" {
		return m.Text
	}
	return fmt.Sprintf("%s:%d:%d: %s", m.File, m.Line, m.Column, m.Text)
}

// Stats describes one finished compile.
type Stats struct {
	// ID uniquely identifies the compile.
	ID string `json:"id"`

	// Artifact is the compiler name ("client" or "server").
	Artifact string `json:"artifact"`

	// Hash identifies the produced output. Empty when the build failed.
	Hash string `json:"hash,omitempty"`

	// Output is where the artifact was written (a path, or the virtual outdir).
	Output string `json:"output,omitempty"`

	// Started is when the compile began.
	Started time.Time `json:"started"`

	// Duration is how long the compile took.
	Duration time.Duration `json:"duration"`

	Errors   []Message `json:"errors,omitempty"`
	Warnings []Message `json:"warnings,omitempty"`
}

// HasErrors reports whether the compile failed.
func (s *Stats) HasErrors() bool {
	return s != nil && len(s.Errors) > 0
}

// String renders the diagnostics for a terminal.
func (s *Stats) String() string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	write := func(kind string, msgs []Message) {
		for _, m := range msgs {
			if m.Formatted != "" {
				b.WriteString(strings.TrimRight(m.Formatted, "\n"))
			} else {
				b.WriteString(kind)
				b.WriteString(": ")
				b.WriteString(m.String())
			}
			b.WriteByte('\n')
		}
	}
	write("error", s.Errors)
	write("warning", s.Warnings)
	if b.Len() == 0 {
		fmt.Fprintf(&b, "%s built in %s", s.Artifact, s.Duration.Round(time.Millisecond))
		if s.Hash != "" {
			fmt.Fprintf(&b, " (%s)", shortHash(s.Hash))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Subscription is a registered compiler callback.
type Subscription interface {
	Unsubscribe()
}

// Compiler is a long-lived handle on one artifact's compiler.
type Compiler interface {
	// Name returns the artifact name.
	Name() string

	// Run starts a compile. If one is in flight, a single follow-up compile
	// is scheduled instead.
	Run()

	// OnStart registers fn to be called when a compile starts.
	OnStart(fn func()) Subscription

	// OnDone registers fn to be called with the stats of every finished compile.
	OnDone(fn func(*Stats)) Subscription

	// LastStats returns the stats of the most recent compile, or nil.
	LastStats() *Stats

	// Close stops the compiler. It does not wait for an in-flight compile.
	Close() error
}

// ClientCompiler is a Compiler whose output is kept in memory.
type ClientCompiler interface {
	Compiler
	Assets() *AssetStore
}

// buildFunc performs one compile.
type buildFunc func(ctx context.Context) *Stats

// runner implements the scheduling and subscription parts of Compiler.
type runner struct {
	name    string
	build   buildFunc
	logger  *slog.Logger
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	pending bool
	closed  bool
	last    *Stats
	nextID  uint64
	starts  map[uint64]func()
	dones   map[uint64]func(*Stats)
}

func newRunner(name string, build buildFunc, logger *slog.Logger, metrics *Metrics) *runner {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &runner{
		name:    name,
		build:   build,
		logger:  logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		starts:  make(map[uint64]func()),
		dones:   make(map[uint64]func(*Stats)),
	}
}

func (r *runner) Name() string {
	return r.name
}

func (r *runner) Run() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.running {
		r.pending = true
		return
	}
	r.running = true
	go r.loop()
}

func (r *runner) loop() {
	for {
		r.emitStart()
		stats := r.compile()

		r.mu.Lock()
		if r.closed {
			r.running = false
			r.mu.Unlock()
			return
		}
		r.last = stats
		r.mu.Unlock()

		r.emitDone(stats)

		r.mu.Lock()
		if !r.pending || r.closed {
			r.running = false
			r.mu.Unlock()
			return
		}
		r.pending = false
		r.mu.Unlock()
	}
}

func (r *runner) compile() *Stats {
	ctx, span := startSpan(r.ctx, "compile",
		attribute.String("hotserve.artifact", r.name))
	defer span.End()

	start := time.Now()
	stats := r.build(ctx)
	if stats == nil {
		stats = &Stats{}
	}
	if stats.ID == "" {
		stats.ID = uuid.New().String()
	}
	stats.Artifact = r.name
	if stats.Started.IsZero() {
		stats.Started = start
	}
	if stats.Duration == 0 {
		stats.Duration = time.Since(start)
	}

	span.SetAttributes(
		attribute.String("hotserve.build_id", stats.ID),
		attribute.Int("hotserve.errors", len(stats.Errors)),
		attribute.Int("hotserve.warnings", len(stats.Warnings)),
	)
	if stats.HasErrors() {
		span.SetStatus(codes.Error, stats.Errors[0].Text)
	}
	r.metrics.ObserveCompile(r.name, stats)
	return stats
}

func (r *runner) OnStart(fn func()) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.starts[id] = fn
	return subscriptionFunc(func() {
		r.mu.Lock()
		delete(r.starts, id)
		r.mu.Unlock()
	})
}

func (r *runner) OnDone(fn func(*Stats)) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.dones[id] = fn
	return subscriptionFunc(func() {
		r.mu.Lock()
		delete(r.dones, id)
		r.mu.Unlock()
	})
}

func (r *runner) LastStats() *Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// close marks the runner closed and cancels an in-flight compile. It reports
// whether this call closed it.
func (r *runner) close() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.closed = true
	r.pending = false
	r.starts = map[uint64]func(){}
	r.dones = map[uint64]func(*Stats){}
	r.cancel()
	return true
}

func (r *runner) emitStart() {
	r.mu.Lock()
	fns := make([]func(), 0, len(r.starts))
	for _, fn := range r.starts {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (r *runner) emitDone(stats *Stats) {
	r.mu.Lock()
	fns := make([]func(*Stats), 0, len(r.dones))
	for _, fn := range r.dones {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(stats)
	}
}

type subscriptionFunc func()

func (f subscriptionFunc) Unsubscribe() {
	f()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
