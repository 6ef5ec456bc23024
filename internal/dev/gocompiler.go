package dev

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/vango-dev/hotserve/internal/config"
	"github.com/vango-dev/hotserve/internal/errors"
)

// GoCompilerConfig configures the server compiler.
type GoCompilerConfig struct {
	// ProjectPath is the directory go build runs in.
	ProjectPath string

	// Package is the main package to build, relative to ProjectPath.
	Package string

	// BinaryPath is where to write the compiled binary.
	BinaryPath string

	// CachePath is where to store the Go build cache.
	CachePath string

	// Tags are build tags to pass to go build.
	Tags []string

	// LDFlags are linker flags to pass to go build.
	LDFlags string

	// Env are additional environment variables.
	Env []string

	Logger  *slog.Logger
	Metrics *Metrics
}

// GoCompilerConfigFromConfig derives the compiler settings from the project configuration.
func GoCompilerConfigFromConfig(cfg *config.Config) GoCompilerConfig {
	return GoCompilerConfig{
		ProjectPath: cfg.Dir(),
		Package:     cfg.Server.Package,
		BinaryPath:  cfg.ServerBinaryPath(),
		CachePath:   cfg.Resolve(filepath.Join(".hotserve", "gocache")),
		Tags:        cfg.Server.Tags,
		LDFlags:     cfg.Server.LDFlags,
	}
}

// GoCompiler builds the server bundle with go build.
type GoCompiler struct {
	*runner
	config GoCompilerConfig
	goBin  string
}

// NewGoCompiler creates a server compiler. It fails with E307 when no go
// toolchain is on PATH.
func NewGoCompiler(config GoCompilerConfig) (*GoCompiler, error) {
	goBin, err := exec.LookPath("go")
	if err != nil {
		return nil, errors.New(errors.CodeToolchainMissing).Wrap(err)
	}
	if config.Package == "" {
		config.Package = "."
	}
	if config.BinaryPath == "" {
		config.BinaryPath = filepath.Join(config.ProjectPath, ".hotserve", "server", "server")
	}
	if config.CachePath == "" {
		config.CachePath = filepath.Join(config.ProjectPath, ".hotserve", "gocache")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &GoCompiler{config: config, goBin: goBin}
	c.runner = newRunner(ArtifactServer, c.build, logger.With("component", "server"), config.Metrics)
	return c, nil
}

// BinaryPath returns the path to the compiled binary.
func (c *GoCompiler) BinaryPath() string {
	return c.config.BinaryPath
}

// Close cancels an in-flight go build.
func (c *GoCompiler) Close() error {
	c.runner.close()
	return nil
}

// Clean removes the build cache and binary.
func (c *GoCompiler) Clean() error {
	if err := os.RemoveAll(c.config.CachePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(c.config.BinaryPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// build compiles the server package.
func (c *GoCompiler) build(ctx context.Context) *Stats {
	start := time.Now()
	stats := &Stats{Started: start, Output: c.config.BinaryPath}

	fail := func(err error) *Stats {
		stats.Duration = time.Since(start)
		stats.Errors = []Message{{Text: err.Error()}}
		return stats
	}

	// Ensure output directory exists
	if err := os.MkdirAll(filepath.Dir(c.config.BinaryPath), 0755); err != nil {
		return fail(err)
	}

	// Ensure cache directory exists
	if err := os.MkdirAll(c.config.CachePath, 0755); err != nil {
		return fail(err)
	}

	cmd := exec.CommandContext(ctx, c.goBin, c.args()...)
	cmd.Dir = c.config.ProjectPath

	env := os.Environ()
	env = append(env, "GOCACHE="+c.config.CachePath)
	env = append(env, c.config.Env...)
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	stats.Duration = time.Since(start)

	output := stderr.String()
	if output == "" {
		output = stdout.String()
	}

	if err != nil {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		stats.Errors = ParseBuildOutput(output, c.config.ProjectPath)
		if len(stats.Errors) == 0 {
			stats.Errors = []Message{{Text: strings.TrimSpace(output + "\n" + err.Error())}}
		}
		return stats
	}

	// Diagnostics printed by a successful build are kept as warnings.
	stats.Warnings = ParseBuildOutput(output, c.config.ProjectPath)

	hash, err := hashFile(c.config.BinaryPath)
	if err != nil {
		return fail(err)
	}
	stats.Hash = hash
	return stats
}

func (c *GoCompiler) args() []string {
	args := []string{"build", "-o", c.config.BinaryPath}

	// Add tags
	if len(c.config.Tags) > 0 {
		args = append(args, "-tags", strings.Join(c.config.Tags, ","))
	}

	// Add ldflags
	if c.config.LDFlags != "" {
		args = append(args, "-ldflags", c.config.LDFlags)
	}

	// Target package
	return append(args, c.config.Package)
}

var diagnosticLine = regexp.MustCompile(`^(.+?\.go):(\d+)(?::(\d+))?: (.+)$`)

// ParseBuildOutput extracts file:line:col diagnostics from go build output.
// Relative file names are resolved against dir.
func ParseBuildOutput(output, dir string) []Message {
	var msgs []Message
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		m := diagnosticLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			// Indented continuation lines belong to the previous message.
			if len(msgs) > 0 && strings.HasPrefix(line, "\t") {
				last := &msgs[len(msgs)-1]
				last.Text += "\n" + strings.TrimSpace(line)
				last.Formatted += "\n" + line
			}
			continue
		}
		file := m[1]
		if dir != "" && !filepath.IsAbs(file) {
			file = filepath.Join(dir, file)
		}
		lineNo, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		msgs = append(msgs, Message{
			Text:      m[4],
			File:      file,
			Line:      lineNo,
			Column:    col,
			Formatted: strings.TrimSpace(line),
		})
	}
	return msgs
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
