package dev

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/hotserve/internal/config"
)

const testGoMod = `module example.com/app

go 1.22

require example.com/shared v0.0.0

replace example.com/shared => ../shared

replace example.com/pinned => example.com/fork v1.2.3
`

func TestCollectWatchPaths(t *testing.T) {
	root := t.TempDir()
	app := filepath.Join(root, "app")
	require.NoError(t, os.MkdirAll(filepath.Join(app, "cmd", "server"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(app, "go.mod"), []byte(testGoMod), 0644))

	cfg := config.New()
	cfg.SetPath(filepath.Join(app, config.ConfigFileName))
	cfg.Server.Package = "./cmd/server"
	cfg.Server.Watch = []string{"./cmd/server", "./internal", "./cmd/server/"}

	paths := CollectWatchPaths(cfg)
	assert.Equal(t, []string{
		filepath.Join(app, "cmd", "server"),
		filepath.Join(app, "internal"),
		filepath.Join(root, "shared"),
	}, paths)
}

func TestLocalReplaceDirs(t *testing.T) {
	dir := t.TempDir()
	gomod := filepath.Join(dir, "go.mod")
	require.NoError(t, os.WriteFile(gomod, []byte(testGoMod), 0644))

	dirs, err := LocalReplaceDirs(gomod)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(filepath.Dir(dir), "shared")}, dirs)
}

func TestGetModulePath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte(testGoMod), 0644))
	sub := filepath.Join(dir, "cmd", "server")
	require.NoError(t, os.MkdirAll(sub, 0755))

	path, err := GetModulePath(sub)
	require.NoError(t, err)
	assert.Equal(t, "example.com/app", path)

	gomod, err := FindGoMod(sub)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "go.mod"), gomod)
}
