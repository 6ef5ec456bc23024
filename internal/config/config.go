package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vango-dev/hotserve/internal/errors"
)

const (
	// ConfigFileName is the default name of the configuration file.
	ConfigFileName = "hotserve.json"

	// DefaultHost is the default host for both listeners.
	DefaultHost = "localhost"

	// DefaultClientDevPort is the default port of the client dev listener.
	DefaultClientDevPort = 7331

	// DefaultServerPort is the default port the server bundle is reachable on.
	DefaultServerPort = 1337

	// DefaultPublicPath is the URL prefix client assets are served under.
	DefaultPublicPath = "/assets/"

	// DefaultServerOutput is where the server binary is written.
	DefaultServerOutput = ".hotserve/server"

	// DefaultClientOutdir is the virtual output directory of the client bundle.
	DefaultClientOutdir = ".hotserve/client"

	// DefaultServerBinary is the file name of the compiled server.
	DefaultServerBinary = "server"

	// DefaultDisposeTimeout bounds how long a listener teardown may take.
	DefaultDisposeTimeout = 10 * time.Second

	// DefaultStopTimeout is the grace period between SIGTERM and SIGKILL.
	DefaultStopTimeout = 5 * time.Second

	// DefaultDebounce coalesces bursts of file events.
	DefaultDebounce = 100 * time.Millisecond
)

// ConfigFileNames lists the accepted configuration file names, in lookup order.
var ConfigFileNames = []string{ConfigFileName, "hotserve.yaml", "hotserve.yml"}

// Config represents the complete hotserve configuration.
type Config struct {
	// Name is the project name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Client configures the client bundle and its dev listener.
	Client ClientConfig `json:"client" yaml:"client"`

	// Server configures the server bundle and the process running it.
	Server ServerConfig `json:"server" yaml:"server"`

	// Dev contains orchestrator settings.
	Dev DevConfig `json:"dev,omitempty" yaml:"dev,omitempty"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// ClientConfig configures the client bundle.
type ClientConfig struct {
	// EntryPoints are the bundle entry files, relative to the project.
	EntryPoints []string `json:"entryPoints" yaml:"entryPoints"`

	// Outdir is the (virtual) output directory; bundles are kept in memory.
	Outdir string `json:"outdir,omitempty" yaml:"outdir,omitempty"`

	// PublicPath is the URL prefix bundles are served under.
	PublicPath string `json:"publicPath,omitempty" yaml:"publicPath,omitempty"`

	// DevHost is the host the client dev listener binds to.
	DevHost string `json:"devHost,omitempty" yaml:"devHost,omitempty"`

	// DevPort is the fixed port of the client dev listener.
	DevPort int `json:"devPort,omitempty" yaml:"devPort,omitempty"`

	// Watch lists client source paths. Defaults to the entry point directories.
	Watch []string `json:"watch,omitempty" yaml:"watch,omitempty"`

	// Sourcemap enables inline source maps.
	Sourcemap bool `json:"sourcemap,omitempty" yaml:"sourcemap,omitempty"`

	// Minify enables minification.
	Minify bool `json:"minify,omitempty" yaml:"minify,omitempty"`

	// Target is the JavaScript language target (e.g., "es2020").
	Target string `json:"target,omitempty" yaml:"target,omitempty"`

	// Define replaces global identifiers with constant expressions.
	Define map[string]string `json:"define,omitempty" yaml:"define,omitempty"`
}

// ServerConfig configures the server bundle.
type ServerConfig struct {
	// Package is the Go package to build, relative to the project.
	Package string `json:"package" yaml:"package"`

	// Output is the directory the server binary is written to.
	Output string `json:"output,omitempty" yaml:"output,omitempty"`

	// Binary is the file name of the compiled server.
	Binary string `json:"binary,omitempty" yaml:"binary,omitempty"`

	// Host is the host the server front listener binds to.
	Host string `json:"host,omitempty" yaml:"host,omitempty"`

	// Port is the port clients connect to.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`

	// BackendPort is passed to the server process as PORT. Defaults to Port+1.
	BackendPort int `json:"backendPort,omitempty" yaml:"backendPort,omitempty"`

	// Watch lists server source paths; any change rebuilds the pipeline.
	Watch []string `json:"watch,omitempty" yaml:"watch,omitempty"`

	// Ignore contains patterns to ignore during watch.
	Ignore []string `json:"ignore,omitempty" yaml:"ignore,omitempty"`

	// Tags are build tags to pass to go build.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// LDFlags are linker flags to pass to go build.
	LDFlags string `json:"ldflags,omitempty" yaml:"ldflags,omitempty"`

	// Env is added to the server process environment.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Args are passed to the server process.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
}

// DevConfig contains orchestrator settings.
type DevConfig struct {
	// DisposeTimeout bounds listener teardown (e.g., "10s").
	DisposeTimeout string `json:"disposeTimeout,omitempty" yaml:"disposeTimeout,omitempty"`

	// StopTimeout is the grace period before a server process is killed.
	StopTimeout string `json:"stopTimeout,omitempty" yaml:"stopTimeout,omitempty"`

	// Debounce coalesces file events (e.g., "100ms").
	Debounce string `json:"debounce,omitempty" yaml:"debounce,omitempty"`

	// Metrics exposes /__hotserve/metrics on the client dev listener. Defaults to true.
	Metrics *bool `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from the specified directory.
func Load(dir string) (*Config, error) {
	for _, name := range ConfigFileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads configuration from the specified file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.CodeConfigNotFound).
				WithDetail("No " + filepath.Base(path) + " found in " + filepath.Dir(path)).
				WithSuggestion("Create hotserve.json with client.entryPoints and server.package")
		}
		return nil, errors.New(errors.CodeConfigInvalid).Wrap(err)
	}

	cfg, err := Parse(path, data)
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	cfg.configPath = abs
	return cfg, nil
}

// Parse decodes configuration data. The format is chosen from the extension of name.
func Parse(name string, data []byte) (*Config, error) {
	cfg := &Config{}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.New(errors.CodeConfigInvalid).
				WithDetail("Failed to parse " + filepath.Base(name) + ": " + err.Error()).
				WithSuggestion("Check that the file is valid YAML")
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.New(errors.CodeConfigInvalid).
				WithDetail("Failed to parse " + filepath.Base(name) + ": " + err.Error()).
				WithSuggestion("Check that the file is valid JSON")
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// SetPath records the file the config belongs to. Relative paths resolve against its directory.
func (c *Config) SetPath(path string) {
	c.configPath = path
}

// Dir returns the directory containing the config file.
func (c *Config) Dir() string {
	if c.configPath == "" {
		return ""
	}
	return filepath.Dir(c.configPath)
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	// Client
	if c.Client.Outdir == "" {
		c.Client.Outdir = DefaultClientOutdir
	}
	if c.Client.PublicPath == "" {
		c.Client.PublicPath = DefaultPublicPath
	}
	if !strings.HasPrefix(c.Client.PublicPath, "/") {
		c.Client.PublicPath = "/" + c.Client.PublicPath
	}
	if !strings.HasSuffix(c.Client.PublicPath, "/") {
		c.Client.PublicPath += "/"
	}
	if c.Client.DevHost == "" {
		c.Client.DevHost = DefaultHost
	}
	if c.Client.DevPort == 0 {
		c.Client.DevPort = DefaultClientDevPort
	}
	if c.Client.Target == "" {
		c.Client.Target = "es2020"
	}

	// Server
	if c.Server.Output == "" {
		c.Server.Output = DefaultServerOutput
	}
	if c.Server.Binary == "" {
		c.Server.Binary = DefaultServerBinary
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.BackendPort == 0 {
		c.Server.BackendPort = c.Server.Port + 1
	}
	if c.Server.Watch == nil && c.Server.Package != "" {
		c.Server.Watch = []string{c.Server.Package}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"client.devPort":     c.Client.DevPort,
		"server.port":        c.Server.Port,
		"server.backendPort": c.Server.BackendPort,
	} {
		if port < 0 || port > 65535 {
			return errors.New(errors.CodeConfigPort).
				WithDetail(name + " must be between 0 and 65535")
		}
	}
	if c.Server.Port == c.Server.BackendPort {
		return errors.New(errors.CodeConfigPort).
			WithDetail("server.backendPort must differ from server.port")
	}
	if c.Client.DevPort == c.Server.Port && c.Client.DevHost == c.Server.Host {
		return errors.New(errors.CodeConfigPort).
			WithDetail("client.devPort must differ from server.port")
	}
	if len(c.Client.EntryPoints) == 0 {
		return errors.New(errors.CodeConfigInvalid).
			WithDetail("client.entryPoints is empty").
			WithSuggestion(`Add at least one entry, e.g. "entryPoints": ["web/src/index.ts"]`)
	}
	if c.Server.Package == "" {
		return errors.New(errors.CodeConfigInvalid).
			WithDetail("server.package is empty").
			WithSuggestion(`Point it at your main package, e.g. "package": "./cmd/server"`)
	}
	for _, d := range []struct{ name, value string }{
		{"dev.disposeTimeout", c.Dev.DisposeTimeout},
		{"dev.stopTimeout", c.Dev.StopTimeout},
		{"dev.debounce", c.Dev.Debounce},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return errors.New(errors.CodeConfigInvalid).
				WithDetail(d.name + ": " + err.Error())
		}
	}
	return nil
}

// ClientDevAddress returns the address of the client dev listener.
func (c *Config) ClientDevAddress() string {
	return joinHostPort(c.Client.DevHost, c.Client.DevPort)
}

// ClientDevURL returns the base URL client assets are served from.
func (c *Config) ClientDevURL() string {
	return "http://" + c.ClientDevAddress() + c.Client.PublicPath
}

// ServerAddress returns the address of the server front listener.
func (c *Config) ServerAddress() string {
	return joinHostPort(c.Server.Host, c.Server.Port)
}

// ServerURL returns the URL the server bundle is reachable on.
func (c *Config) ServerURL() string {
	return "http://" + c.ServerAddress()
}

// BackendAddress returns the address the server process itself listens on.
func (c *Config) BackendAddress() string {
	return joinHostPort(c.Server.Host, c.Server.BackendPort)
}

// Resolve returns path made absolute against the project directory.
func (c *Config) Resolve(path string) string {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(c.Dir(), path)
}

// ServerOutputPath returns the absolute directory the server binary is written to.
func (c *Config) ServerOutputPath() string {
	return c.Resolve(c.Server.Output)
}

// ServerBinaryPath returns the absolute path of the compiled server.
func (c *Config) ServerBinaryPath() string {
	return filepath.Join(c.ServerOutputPath(), c.Server.Binary)
}

// ServerPackagePath returns the absolute directory of the server main package.
func (c *Config) ServerPackagePath() string {
	return c.Resolve(c.Server.Package)
}

// ClientOutdirPath returns the absolute virtual output directory of the client bundle.
func (c *Config) ClientOutdirPath() string {
	return c.Resolve(c.Client.Outdir)
}

// EntryPointPaths returns the absolute client entry points.
func (c *Config) EntryPointPaths() []string {
	paths := make([]string, 0, len(c.Client.EntryPoints))
	for _, p := range c.Client.EntryPoints {
		paths = append(paths, c.Resolve(p))
	}
	return paths
}

// ServerWatchPaths returns the absolute server source paths.
func (c *Config) ServerWatchPaths() []string {
	return c.resolveAll(c.Server.Watch)
}

// ClientWatchPaths returns the absolute client source paths.
func (c *Config) ClientWatchPaths() []string {
	if len(c.Client.Watch) > 0 {
		return c.resolveAll(c.Client.Watch)
	}
	dirs := make([]string, 0, len(c.Client.EntryPoints))
	for _, p := range c.EntryPointPaths() {
		dirs = append(dirs, filepath.Dir(p))
	}
	return unique(dirs)
}

// DisposeTimeout returns dev.disposeTimeout, or the default when unset.
func (c *Config) DisposeTimeout() time.Duration {
	return parseDuration(c.Dev.DisposeTimeout, DefaultDisposeTimeout)
}

// StopTimeout returns dev.stopTimeout, or the default when unset.
func (c *Config) StopTimeout() time.Duration {
	return parseDuration(c.Dev.StopTimeout, DefaultStopTimeout)
}

// Debounce returns dev.debounce, or the default when unset.
func (c *Config) Debounce() time.Duration {
	return parseDuration(c.Dev.Debounce, DefaultDebounce)
}

// MetricsEnabled reports whether the metrics endpoint is served.
func (c *Config) MetricsEnabled() bool {
	return c.Dev.Metrics == nil || *c.Dev.Metrics
}

func (c *Config) resolveAll(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, c.Resolve(p))
	}
	return unique(out)
}

// Exists checks if a config file exists in the given directory.
func Exists(dir string) bool {
	for _, name := range ConfigFileNames {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// FindProjectRoot walks up directories to find the project root.
// Returns the directory containing a config file, or an error if not found.
func FindProjectRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if Exists(dir) {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New(errors.CodeConfigNotFound).
				WithDetail("No " + ConfigFileName + " found in " + startDir + " or any parent directory").
				WithSuggestion("Create hotserve.json at your project root")
		}
		dir = parent
	}
}

// LoadFromWorkingDir loads configuration from the current working directory.
func LoadFromWorkingDir() (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	root, err := FindProjectRoot(wd)
	if err != nil {
		return nil, err
	}

	return Load(root)
}

// Locate returns the config file path for an explicit flag value, or the one found
// by walking up from the working directory.
func Locate(explicit string) (string, error) {
	if explicit != "" {
		return filepath.Abs(explicit)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	root, err := FindProjectRoot(wd)
	if err != nil {
		return "", err
	}
	for _, name := range ConfigFileNames {
		path := filepath.Join(root, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return filepath.Join(root, ConfigFileName), nil
}

func joinHostPort(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func unique(paths []string) []string {
	out := make([]string, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		clean := filepath.Clean(p)
		if _, ok := seen[clean]; ok {
			continue
		}
		seen[clean] = struct{}{}
		out = append(out, clean)
	}
	return out
}
