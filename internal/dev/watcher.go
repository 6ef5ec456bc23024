package dev

import (
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vango-dev/hotserve/internal/errors"
)

// EventKind is the kind of a file system change.
type EventKind string

const (
	EventAdd       EventKind = "add"
	EventChange    EventKind = "change"
	EventUnlink    EventKind = "unlink"
	EventAddDir    EventKind = "addDir"
	EventUnlinkDir EventKind = "unlinkDir"
)

// Event is a detected file system change.
type Event struct {
	Kind EventKind
	Path string
}

// WatcherConfig configures the file watcher.
type WatcherConfig struct {
	// Paths are the files and directories to watch. Directories are watched recursively.
	Paths []string

	// Ignore patterns to skip (globs or path segments).
	Ignore []string

	// Debounce is the quiet period before a batch of events is delivered.
	Debounce time.Duration

	Logger *slog.Logger
}

// DefaultIgnore contains default patterns to ignore.
var DefaultIgnore = []string{
	"*_test.go",
	".git",
	"node_modules",
	".hotserve",
	"*.tmp",
	"*.swp",
	"*~",
	"4913",
}

// SourceWatcher is a running watcher.
type SourceWatcher interface {
	// Ready is closed once the initial walk finished.
	Ready() <-chan struct{}

	// Close stops delivering events. It does not wait for a batch being delivered.
	Close() error
}

// WatcherFactory starts a watcher that calls onChange with each debounced,
// non-empty batch of events.
type WatcherFactory func(cfg WatcherConfig, onChange func([]Event)) (SourceWatcher, error)

// DefaultWatcherFactory starts fsnotify watchers.
var DefaultWatcherFactory WatcherFactory = func(cfg WatcherConfig, onChange func([]Event)) (SourceWatcher, error) {
	return StartWatcher(cfg, onChange)
}

// Watcher monitors files for changes using fsnotify.
type Watcher struct {
	config   WatcherConfig
	onChange func([]Event)
	fsw      *fsnotify.Watcher
	logger   *slog.Logger

	// dirs are watched recursively; files are single-file roots whose
	// parent directory is watched.
	dirs  []string
	files map[string]struct{}

	mu    sync.Mutex
	known map[string]bool // path -> isDir

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// StartWatcher walks cfg.Paths, starts watching them and returns once the
// initial walk finished. Paths that do not exist are skipped.
func StartWatcher(cfg WatcherConfig, onChange func([]Event)) (*Watcher, error) {
	if cfg.Debounce == 0 {
		cfg.Debounce = 100 * time.Millisecond
	}
	if len(cfg.Ignore) == 0 {
		cfg.Ignore = DefaultIgnore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.New(errors.CodeWatcher).Wrap(err)
	}

	w := &Watcher{
		config:   cfg,
		onChange: onChange,
		fsw:      fsw,
		logger:   logger.With("component", "watcher"),
		files:    make(map[string]struct{}),
		known:    make(map[string]bool),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}

	for _, p := range cfg.Paths {
		p = filepath.Clean(p)
		info, err := os.Stat(p)
		if err != nil {
			// A missing file is still watched if its directory exists, so
			// creating it later is noticed.
			if parent, perr := os.Stat(filepath.Dir(p)); perr == nil && parent.IsDir() {
				w.files[p] = struct{}{}
				if err := fsw.Add(filepath.Dir(p)); err != nil {
					w.logger.Warn("cannot watch", "path", p, "error", err)
				}
				continue
			}
			w.logger.Debug("skipping watch path", "path", p, "error", err)
			continue
		}
		if info.IsDir() {
			w.dirs = append(w.dirs, p)
			w.addTree(p, nil)
			continue
		}
		w.files[p] = struct{}{}
		w.known[p] = false
		if err := fsw.Add(filepath.Dir(p)); err != nil {
			w.logger.Warn("cannot watch", "path", p, "error", err)
		}
	}

	if len(w.dirs) == 0 && len(w.files) == 0 && len(cfg.Paths) > 0 {
		fsw.Close()
		return nil, errors.New(errors.CodeWatcher).
			WithDetail("none of the watch paths exist: " + strings.Join(cfg.Paths, ", "))
	}

	close(w.ready)
	go w.loop()
	return w, nil
}

// Ready is closed once the initial walk finished.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}

// addTree watches root and every directory below it. Entries found are
// appended to events when events is non-nil.
func (w *Watcher) addTree(root string, events *[]Event) {
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if w.shouldIgnore(p) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		w.mu.Lock()
		_, seen := w.known[p]
		w.known[p] = d.IsDir()
		w.mu.Unlock()

		if d.IsDir() {
			if err := w.fsw.Add(p); err != nil {
				w.logger.Warn("cannot watch directory", "path", p, "error", err)
			}
			if events != nil && !seen {
				*events = append(*events, Event{Kind: EventAddDir, Path: p})
			}
		} else if events != nil && !seen {
			*events = append(*events, Event{Kind: EventAdd, Path: p})
		}
		return nil
	})
}

func (w *Watcher) loop() {
	var (
		pending []Event
		timer   *time.Timer
		fire    <-chan time.Time
	)

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			events := w.translate(ev)
			if len(events) == 0 {
				continue
			}
			pending = append(pending, events...)
			if timer == nil {
				timer = time.NewTimer(w.config.Debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.config.Debounce)
			}
			fire = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "code", errors.CodeWatcher, "error", err)

		case <-fire:
			fire = nil
			batch := coalesceEvents(pending)
			pending = nil
			select {
			case <-w.done:
				return
			default:
			}
			if len(batch) > 0 && w.onChange != nil {
				w.onChange(batch)
			}
		}
	}
}

// translate maps one fsnotify event to watcher events.
func (w *Watcher) translate(ev fsnotify.Event) []Event {
	p := filepath.Clean(ev.Name)
	if !w.inScope(p) || w.shouldIgnore(p) {
		return nil
	}

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(p)
		if err != nil {
			return nil
		}
		if info.IsDir() {
			var events []Event
			w.addTree(p, &events)
			return events
		}
		w.mu.Lock()
		_, seen := w.known[p]
		w.known[p] = false
		w.mu.Unlock()
		if seen {
			return []Event{{Kind: EventChange, Path: p}}
		}
		return []Event{{Kind: EventAdd, Path: p}}

	case ev.Has(fsnotify.Write):
		w.mu.Lock()
		w.known[p] = false
		w.mu.Unlock()
		return []Event{{Kind: EventChange, Path: p}}

	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return w.forget(p)
	}
	return nil
}

// forget drops p (and everything below it, for directories) from the known set.
func (w *Watcher) forget(p string) []Event {
	w.mu.Lock()
	defer w.mu.Unlock()

	isDir, ok := w.known[p]
	if !ok {
		return nil
	}
	delete(w.known, p)
	if !isDir {
		return []Event{{Kind: EventUnlink, Path: p}}
	}

	_ = w.fsw.Remove(p)
	prefix := p + string(os.PathSeparator)
	for k := range w.known {
		if strings.HasPrefix(k, prefix) {
			delete(w.known, k)
		}
	}
	return []Event{{Kind: EventUnlinkDir, Path: p}}
}

// inScope reports whether p lies under a watched root.
func (w *Watcher) inScope(p string) bool {
	if _, ok := w.files[p]; ok {
		return true
	}
	for _, dir := range w.dirs {
		if isWithinDir(p, dir) {
			return true
		}
	}
	return false
}

// coalesceEvents keeps the last event per path, in first-seen order.
func coalesceEvents(events []Event) []Event {
	index := make(map[string]int, len(events))
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if i, ok := index[ev.Path]; ok {
			prev := out[i].Kind
			switch {
			case prev == EventAdd && ev.Kind == EventChange:
				// Still an add.
			case prev == EventAdd && ev.Kind == EventUnlink:
				out[i].Kind = ""
			case prev == EventUnlink && ev.Kind == EventAdd:
				// Replaced by an atomic save.
				out[i].Kind = EventChange
			default:
				out[i].Kind = ev.Kind
			}
			continue
		}
		index[ev.Path] = len(out)
		out = append(out, ev)
	}

	result := out[:0]
	for _, ev := range out {
		if ev.Kind != "" {
			result = append(result, ev)
		}
	}
	return result
}

// shouldIgnore checks if a path should be ignored.
func (w *Watcher) shouldIgnore(fullPath string) bool {
	return matchesIgnore(fullPath, w.config.Ignore)
}

func matchesIgnore(fullPath string, patterns []string) bool {
	name := filepath.Base(fullPath)
	normalized := filepath.ToSlash(fullPath)

	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}

		// Direct match
		if name == pattern {
			return true
		}

		hasPathSep := strings.Contains(pattern, "/") || strings.Contains(pattern, "\\")
		hasGlob := strings.ContainsAny(pattern, "*?[")

		if hasGlob {
			if hasPathSep {
				if matched, _ := path.Match(filepath.ToSlash(pattern), normalized); matched {
					return true
				}
			} else {
				if matched, _ := filepath.Match(pattern, name); matched {
					return true
				}
			}
			continue
		}

		if hasPathSep {
			if pathMatchesSegments(normalized, filepath.ToSlash(pattern)) {
				return true
			}
			continue
		}

		if pathHasSegment(normalized, pattern) {
			return true
		}
	}

	return false
}

func pathHasSegment(path, segment string) bool {
	if segment == "" {
		return false
	}
	for _, part := range splitPathSegments(path) {
		if part == segment {
			return true
		}
	}
	return false
}

func pathMatchesSegments(path, pattern string) bool {
	pathParts := splitPathSegments(path)
	patternParts := splitPathSegments(pattern)
	if len(patternParts) == 0 || len(patternParts) > len(pathParts) {
		return false
	}

	for i := 0; i <= len(pathParts)-len(patternParts); i++ {
		match := true
		for j := range patternParts {
			if pathParts[i+j] != patternParts[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}

	return false
}

func splitPathSegments(path string) []string {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	result := parts[:0]
	for _, part := range parts {
		if part != "" && part != "." {
			result = append(result, part)
		}
	}
	return result
}

func isWithinDir(path, dir string) bool {
	path = filepath.Clean(path)
	dir = filepath.Clean(dir)
	if path == dir {
		return true
	}
	if !strings.HasSuffix(dir, string(os.PathSeparator)) {
		dir += string(os.PathSeparator)
	}
	return strings.HasPrefix(path, dir)
}
