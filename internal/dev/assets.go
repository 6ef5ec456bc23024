package dev

import (
	"context"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Asset is one in-memory output file of the client bundle.
type Asset struct {
	// Name is the slash-separated path relative to the bundle outdir.
	Name        string
	Contents    []byte
	Hash        string
	ContentType string
	ModTime     time.Time
}

// AssetStore holds the latest client bundle in memory.
type AssetStore struct {
	mu       sync.RWMutex
	files    map[string]Asset
	hash     string
	building bool
	idle     chan struct{}
}

// NewAssetStore creates an empty, idle store.
func NewAssetStore() *AssetStore {
	idle := make(chan struct{})
	close(idle)
	return &AssetStore{
		files: make(map[string]Asset),
		idle:  idle,
	}
}

// Get returns the asset stored under name.
func (s *AssetStore) Get(name string) (Asset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.files[name]
	return a, ok
}

// Names returns the sorted asset names.
func (s *AssetStore) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Hash returns the hash of the whole bundle.
func (s *AssetStore) Hash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hash
}

// Building reports whether a build is in flight.
func (s *AssetStore) Building() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.building
}

// Wait blocks until no build is in flight or ctx ends.
func (s *AssetStore) Wait(ctx context.Context) error {
	s.mu.RLock()
	idle := s.idle
	s.mu.RUnlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkBuilding records that a build started.
func (s *AssetStore) MarkBuilding() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.building {
		return
	}
	s.building = true
	s.idle = make(chan struct{})
}

// MarkIdle records that the build in flight finished, releasing waiters.
func (s *AssetStore) MarkIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.building {
		return
	}
	s.building = false
	close(s.idle)
}

// Replace swaps in a new bundle.
func (s *AssetStore) Replace(files []Asset, hash string) {
	next := make(map[string]Asset, len(files))
	now := time.Now()
	for _, f := range files {
		if f.ContentType == "" {
			f.ContentType = mime.TypeByExtension(path.Ext(f.Name))
		}
		if f.ModTime.IsZero() {
			f.ModTime = now
		}
		next[f.Name] = f
	}

	s.mu.Lock()
	s.files = next
	s.hash = hash
	s.mu.Unlock()
}

// WriteDir writes every asset below dir and returns the number of bytes written.
func (s *AssetStore) WriteDir(dir string) (int64, error) {
	s.mu.RLock()
	files := make([]Asset, 0, len(s.files))
	for _, f := range s.files {
		files = append(files, f)
	}
	s.mu.RUnlock()

	var total int64
	for _, f := range files {
		dst := filepath.Join(dir, filepath.FromSlash(f.Name))
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return total, err
		}
		if err := os.WriteFile(dst, f.Contents, 0644); err != nil {
			return total, err
		}
		total += int64(len(f.Contents))
	}
	return total, nil
}
