package dev

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vango-dev/hotserve/internal/config"
	"github.com/vango-dev/hotserve/internal/errors"
)

// Artifact is a compiled bundle ready to be loaded.
type Artifact struct {
	// Name is the artifact name ("server").
	Name string

	// Path is the compiled output on disk.
	Path string

	// Hash identifies the build.
	Hash string

	// BuildID is the Stats.ID of the build that produced it.
	BuildID string

	// Config is the configuration the artifact was built with.
	Config *config.Config
}

// ArtifactFromStats describes the output of a finished server compile.
func ArtifactFromStats(cfg *config.Config, stats *Stats) Artifact {
	return Artifact{
		Name:    stats.Artifact,
		Path:    stats.Output,
		Hash:    stats.Hash,
		BuildID: stats.ID,
		Config:  cfg,
	}
}

// Runtime is one running instance of an artifact.
type Runtime struct {
	// Listener is the listener the instance accepts connections on.
	Listener net.Listener

	// Serve runs the accept loop on ln until ln is closed.
	Serve func(ln net.Listener) error

	// Stop tears down everything Serve does not own (child processes).
	Stop func(ctx context.Context) error

	// PID is the process serving the artifact, when there is one.
	PID int
}

// Loader materializes a running instance of an artifact.
type Loader interface {
	Load(ctx context.Context, artifact Artifact) (*Runtime, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, artifact Artifact) (*Runtime, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, artifact Artifact) (*Runtime, error) {
	return f(ctx, artifact)
}

// ProcessLoader runs a server binary as a child process behind a front
// listener on server.port. Every front connection is proxied to the child's
// backend port.
type ProcessLoader struct {
	// Cache holds staged binary copies, keyed by the compiled binary path.
	Cache *ArtifactCache

	Logger *slog.Logger

	// Stdout and Stderr receive the child's output. Default to os.Stdout and os.Stderr.
	Stdout io.Writer
	Stderr io.Writer

	// DialTimeout bounds how long a front connection waits for the child to accept.
	DialTimeout time.Duration
}

type processSpec struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

var errProcessExited = stderrors.New("server process exited")

// Load stages the binary, binds the front listener and starts the child.
func (l *ProcessLoader) Load(ctx context.Context, a Artifact) (*Runtime, error) {
	cfg := a.Config
	if cfg == nil {
		return nil, errors.New(errors.CodeLoad).WithDetail("artifact has no configuration")
	}
	logger := l.logger()

	staged, err := l.stage(a)
	if err != nil {
		return nil, errors.New(errors.CodeLoad).WithDetail("staging " + a.Path).Wrap(err)
	}

	ln, err := net.Listen("tcp", cfg.ServerAddress())
	if err != nil {
		return nil, errors.New(errors.CodeListen).
			WithDetail("binding " + cfg.ServerAddress()).
			WithSuggestion("Stop whatever holds server.port or choose another one").
			Wrap(err)
	}

	proc, err := startProcess(processSpec{
		Binary: staged,
		Args:   cfg.Server.Args,
		Dir:    cfg.Dir(),
		Env:    serverEnv(cfg),
		Stdout: orWriter(l.Stdout, os.Stdout),
		Stderr: orWriter(l.Stderr, os.Stderr),
	})
	if err != nil {
		ln.Close()
		return nil, errors.New(errors.CodeLoad).WithDetail("starting " + staged).Wrap(err)
	}

	pid := proc.cmd.Process.Pid
	proxyCtx, cancel := context.WithCancel(context.Background())
	p := &tcpProxy{
		backend:     cfg.BackendAddress(),
		dialTimeout: l.DialTimeout,
		exited:      proc.done,
		ctx:         proxyCtx,
		logger:      logger,
	}
	if p.dialTimeout == 0 {
		p.dialTimeout = 10 * time.Second
	}

	var stopping atomic.Bool
	go func() {
		<-proc.done
		if !stopping.Load() {
			logger.Warn("server process exited", "pid", pid, "error", proc.err)
		}
	}()

	grace := cfg.StopTimeout()
	stop := func(ctx context.Context) error {
		stopping.Store(true)
		cancel()

		stopped := make(chan struct{})
		go func() {
			stopProcess(proc, grace)
			p.wg.Wait()
			close(stopped)
		}()

		select {
		case <-stopped:
			logger.Debug("server process stopped", "pid", pid)
			return nil
		case <-ctx.Done():
			return errors.New(errors.CodeDisposalTimeout).
				WithDetail(fmt.Sprintf("server process %d did not exit", pid)).
				Wrap(ctx.Err())
		}
	}

	logger.Debug("server process started", "pid", pid, "binary", staged, "backend", cfg.BackendAddress())
	return &Runtime{
		Listener: ln,
		Serve:    p.serve,
		Stop:     stop,
		PID:      pid,
	}, nil
}

// stage returns a private copy of the compiled binary so the next go build
// never writes over a running executable. A cached copy is reused until the
// cache entry is purged.
func (l *ProcessLoader) stage(a Artifact) (string, error) {
	key := a.Path
	if l.Cache != nil {
		if v, ok := l.Cache.Get(key); ok {
			if staged, ok := v.(string); ok {
				l.logger().Debug("reusing staged binary", "path", staged)
				return staged, nil
			}
		}
	}

	dir := a.Config.Resolve(filepath.Join(".hotserve", "stage"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	l.sweepStage(dir, filepath.Base(a.Path)+"-")

	suffix := shortHash(a.Hash)
	if suffix == "" {
		suffix = strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	staged := filepath.Join(dir, filepath.Base(a.Path)+"-"+suffix+filepath.Ext(a.Path))
	if err := copyExecutable(a.Path, staged); err != nil {
		return "", err
	}

	if l.Cache != nil {
		l.Cache.Put(key, staged, func() {
			// The old process may still be running from this file. Where the
			// OS refuses the removal, the next stage sweeps it up.
			if err := os.Remove(staged); err != nil && !os.IsNotExist(err) {
				l.logger().Debug("staged binary not removed", "path", staged, "error", err)
			}
		})
	}
	return staged, nil
}

// sweepStage removes staged copies left behind by earlier loads. The
// previous server is stopped before the next one is staged, so every
// matching file in dir is stale.
func (l *ProcessLoader) sweepStage(dir, prefix string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			l.logger().Warn("stale staged binary", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		l.logger().Debug("swept staged binaries", "dir", dir, "removed", removed)
	}
	return removed
}

func (l *ProcessLoader) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default().With("component", "loader")
	}
	return l.Logger.With("component", "loader")
}

func copyExecutable(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func serverEnv(cfg *config.Config) []string {
	env := os.Environ()
	keys := make([]string, 0, len(cfg.Server.Env))
	for k := range cfg.Server.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+cfg.Server.Env[k])
	}
	return append(env,
		"PORT="+strconv.Itoa(cfg.Server.BackendPort),
		"HOTSERVE_DEV=1",
	)
}

func orWriter(w, fallback io.Writer) io.Writer {
	if w == nil {
		return fallback
	}
	return w
}

// tcpProxy bridges front connections to the child's backend port.
type tcpProxy struct {
	backend     string
	dialTimeout time.Duration
	exited      <-chan struct{}
	ctx         context.Context
	logger      *slog.Logger
	wg          sync.WaitGroup
}

func (p *tcpProxy) serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		p.wg.Add(1)
		go p.bridge(c)
	}
}

func (p *tcpProxy) bridge(front net.Conn) {
	defer p.wg.Done()
	defer front.Close()

	back, err := p.dial()
	if err != nil {
		p.logger.Debug("backend unavailable", "backend", p.backend, "error", err)
		return
	}
	defer back.Close()

	type copyResult struct {
		toBackend bool
		err       error
	}
	done := make(chan copyResult, 2)
	go func() {
		_, err := io.Copy(back, front)
		done <- copyResult{toBackend: true, err: err}
	}()
	go func() {
		_, err := io.Copy(front, back)
		done <- copyResult{err: err}
	}()

	// A clean EOF half-closes the other side and waits for it. Anything
	// else, including a killed front connection, tears both down.
	r := <-done
	switch {
	case r.err != nil:
		front.Close()
		back.Close()
	case r.toBackend:
		closeWrite(back)
	default:
		closeWrite(front)
	}
	<-done
}

func (p *tcpProxy) dial() (net.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = p.dialTimeout

	var conn net.Conn
	err := backoff.Retry(func() error {
		select {
		case <-p.exited:
			return backoff.Permanent(errProcessExited)
		default:
		}
		c, err := net.DialTimeout("tcp", p.backend, time.Second)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(b, p.ctx))
	return conn, err
}

func closeWrite(c net.Conn) {
	if u, ok := c.(interface{ Unwrap() net.Conn }); ok {
		c = u.Unwrap()
	}
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
