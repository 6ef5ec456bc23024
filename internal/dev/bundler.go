package dev

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/vango-dev/hotserve/internal/config"
	"github.com/vango-dev/hotserve/internal/errors"
)

// BundlerOptions configures the client compiler.
type BundlerOptions struct {
	Logger  *slog.Logger
	Metrics *Metrics

	// Watch rebuilds the bundle whenever a client source changes.
	Watch bool

	// WatchFactory creates the client source watcher. Defaults to StartWatcher.
	WatchFactory WatcherFactory
}

// Bundler builds the client bundle with esbuild into an AssetStore.
type Bundler struct {
	*runner
	cfg     *config.Config
	esb     api.BuildContext
	assets  *AssetStore
	outdir  string
	watcher SourceWatcher
}

// NewBundler creates the client compiler for cfg.
func NewBundler(cfg *config.Config, opts BundlerOptions) (*Bundler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "client")

	outdir := cfg.ClientOutdirPath()
	buildCtx, ctxErr := api.Context(bundlerBuildOptions(cfg, outdir))
	if ctxErr != nil {
		msgs := convertMessages(ctxErr.Errors, api.ErrorMessage)
		detail := make([]string, 0, len(msgs))
		for _, m := range msgs {
			detail = append(detail, m.String())
		}
		return nil, errors.New(errors.CodeCompile).
			WithDetail(strings.Join(detail, "\n")).
			WithSuggestion("Check client.entryPoints and client.define in " + filepath.Base(cfg.Path()))
	}

	b := &Bundler{
		cfg:    cfg,
		esb:    buildCtx,
		assets: NewAssetStore(),
		outdir: outdir,
	}
	b.runner = newRunner(ArtifactClient, b.build, logger, opts.Metrics)

	if opts.Watch {
		factory := opts.WatchFactory
		if factory == nil {
			factory = DefaultWatcherFactory
		}
		w, err := factory(WatcherConfig{
			Paths:    cfg.ClientWatchPaths(),
			Ignore:   append(append([]string{}, DefaultIgnore...), outdirIgnore(cfg)...),
			Debounce: cfg.Debounce(),
			Logger:   logger,
		}, func(events []Event) {
			logger.Debug("client sources changed", "events", len(events), "first", events[0].Path)
			b.Run()
		})
		if err != nil {
			logger.Warn("client sources are not watched", "error", err)
		} else {
			b.watcher = w
		}
	}

	return b, nil
}

func bundlerBuildOptions(cfg *config.Config, outdir string) api.BuildOptions {
	sourcemap := api.SourceMapNone
	if cfg.Client.Sourcemap {
		sourcemap = api.SourceMapInline
	}
	return api.BuildOptions{
		EntryPoints:       cfg.EntryPointPaths(),
		Outdir:            outdir,
		AbsWorkingDir:     cfg.Dir(),
		Bundle:            true,
		Write:             false,
		Format:            api.FormatESModule,
		Platform:          api.PlatformBrowser,
		Target:            parseTarget(cfg.Client.Target),
		JSX:               api.JSXAutomatic,
		Sourcemap:         sourcemap,
		Define:            cfg.Client.Define,
		MinifySyntax:      cfg.Client.Minify,
		MinifyWhitespace:  cfg.Client.Minify,
		MinifyIdentifiers: cfg.Client.Minify,
		LogLevel:          api.LogLevelSilent,
	}
}

// Assets returns the in-memory bundle.
func (b *Bundler) Assets() *AssetStore {
	return b.assets
}

// Close stops watching, cancels an in-flight build and releases esbuild's context.
func (b *Bundler) Close() error {
	if !b.runner.close() {
		return nil
	}
	if b.watcher != nil {
		_ = b.watcher.Close()
	}
	b.esb.Cancel()
	b.esb.Dispose()
	b.assets.MarkIdle()
	return nil
}

func (b *Bundler) build(ctx context.Context) *Stats {
	b.assets.MarkBuilding()
	defer b.assets.MarkIdle()

	start := time.Now()
	result := b.esb.Rebuild()
	stats := &Stats{
		Started:  start,
		Duration: time.Since(start),
		Output:   b.outdir,
		Errors:   convertMessages(result.Errors, api.ErrorMessage),
		Warnings: convertMessages(result.Warnings, api.WarningMessage),
	}
	if ctx.Err() != nil && !stats.HasErrors() {
		stats.Errors = []Message{{Text: "build canceled"}}
	}
	if stats.HasErrors() {
		return stats
	}

	files := make([]Asset, 0, len(result.OutputFiles))
	whole := sha256.New()
	for _, f := range result.OutputFiles {
		name, err := filepath.Rel(b.outdir, f.Path)
		if err != nil {
			name = filepath.Base(f.Path)
		}
		name = filepath.ToSlash(name)
		sum := sha256.Sum256(f.Contents)
		hash := hex.EncodeToString(sum[:8])
		files = append(files, Asset{Name: name, Contents: f.Contents, Hash: hash})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	for _, f := range files {
		whole.Write([]byte(f.Name))
		whole.Write([]byte(f.Hash))
	}
	stats.Hash = hex.EncodeToString(whole.Sum(nil))[:20]

	b.assets.Replace(files, stats.Hash)
	return stats
}

// convertMessages turns esbuild diagnostics into Messages, keeping esbuild's rendering.
func convertMessages(msgs []api.Message, kind api.MessageKind) []Message {
	if len(msgs) == 0 {
		return nil
	}
	formatted := api.FormatMessages(msgs, api.FormatMessagesOptions{
		Kind:          kind,
		Color:         false,
		TerminalWidth: 100,
	})
	out := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		msg := Message{Text: m.Text}
		if m.Location != nil {
			msg.File = m.Location.File
			msg.Line = m.Location.Line
			msg.Column = m.Location.Column
			msg.LineText = m.Location.LineText
		}
		if i < len(formatted) {
			msg.Formatted = formatted[i]
		}
		out = append(out, msg)
	}
	return out
}

func parseTarget(target string) api.Target {
	switch strings.ToLower(target) {
	case "esnext":
		return api.ESNext
	case "es2015", "es6":
		return api.ES2015
	case "es2016":
		return api.ES2016
	case "es2017":
		return api.ES2017
	case "es2018":
		return api.ES2018
	case "es2019":
		return api.ES2019
	case "es2021":
		return api.ES2021
	case "es2022":
		return api.ES2022
	default:
		return api.ES2020
	}
}

// outdirIgnore keeps bundle output under the project from retriggering builds.
func outdirIgnore(cfg *config.Config) []string {
	rel := filepath.ToSlash(filepath.Clean(cfg.Client.Outdir))
	if rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(cfg.Client.Outdir) {
		return nil
	}
	return []string{rel}
}
