package dev

import (
	"log/slog"

	"github.com/vango-dev/hotserve/internal/config"
)

// Toolchain creates the compilers for a configuration.
type Toolchain interface {
	ClientCompiler(cfg *config.Config) (ClientCompiler, error)
	ServerCompiler(cfg *config.Config) (Compiler, error)
}

// DefaultToolchain builds the client with esbuild and the server with go build.
type DefaultToolchain struct {
	Logger  *slog.Logger
	Metrics *Metrics

	// WatchClient rebuilds the client bundle when client sources change.
	WatchClient bool

	// WatchFactory creates the client source watcher.
	WatchFactory WatcherFactory
}

// ClientCompiler returns a Bundler for cfg.
func (t DefaultToolchain) ClientCompiler(cfg *config.Config) (ClientCompiler, error) {
	b, err := NewBundler(cfg, BundlerOptions{
		Logger:       t.Logger,
		Metrics:      t.Metrics,
		Watch:        t.WatchClient,
		WatchFactory: t.WatchFactory,
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ServerCompiler returns a GoCompiler for cfg.
func (t DefaultToolchain) ServerCompiler(cfg *config.Config) (Compiler, error) {
	c := GoCompilerConfigFromConfig(cfg)
	c.Logger = t.Logger
	c.Metrics = t.Metrics
	gc, err := NewGoCompiler(c)
	if err != nil {
		return nil, err
	}
	return gc, nil
}
