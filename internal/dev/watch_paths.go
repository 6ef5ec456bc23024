package dev

import (
	"os"
	"path/filepath"

	"golang.org/x/mod/modfile"

	"github.com/vango-dev/hotserve/internal/config"
	"github.com/vango-dev/hotserve/internal/errors"
)

// CollectWatchPaths returns a normalized list of server source paths: the
// configured server.watch entries plus the local replace directories of the
// server module.
func CollectWatchPaths(cfg *config.Config) []string {
	paths := cfg.ServerWatchPaths()

	if gomod, err := FindGoMod(cfg.ServerPackagePath()); err == nil {
		if dirs, err := LocalReplaceDirs(gomod); err == nil {
			paths = append(paths, dirs...)
		}
	}

	unique := make([]string, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		if path == "" {
			continue
		}
		clean := filepath.Clean(path)
		if _, ok := seen[clean]; ok {
			continue
		}
		seen[clean] = struct{}{}
		unique = append(unique, clean)
	}

	return unique
}

// FindGoMod walks up from dir to the nearest go.mod.
func FindGoMod(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}

// LocalReplaceDirs returns the directories of filesystem replace directives in gomod.
func LocalReplaceDirs(gomod string) ([]string, error) {
	f, err := parseGoMod(gomod)
	if err != nil {
		return nil, err
	}

	base := filepath.Dir(gomod)
	var dirs []string
	for _, r := range f.Replace {
		if r.New.Version != "" {
			continue
		}
		dir := r.New.Path
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(base, dir)
		}
		dirs = append(dirs, filepath.Clean(dir))
	}
	return dirs, nil
}

// GetModulePath returns the module path declared by the go.mod governing dir.
func GetModulePath(dir string) (string, error) {
	gomod, err := FindGoMod(dir)
	if err != nil {
		return "", err
	}
	f, err := parseGoMod(gomod)
	if err != nil {
		return "", err
	}
	if f.Module == nil {
		return "", errors.Newf(errors.CategoryConfig, "%s has no module directive", gomod)
	}
	return f.Module.Mod.Path, nil
}

func parseGoMod(gomod string) (*modfile.File, error) {
	data, err := os.ReadFile(gomod)
	if err != nil {
		return nil, err
	}
	return modfile.ParseLax(gomod, data, nil)
}
