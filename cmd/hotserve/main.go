package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vango-dev/hotserve/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const banner = `
  ╦ ╦┌─┐┌┬┐┌─┐┌─┐┬─┐┬  ┬┌─┐
  ╠═╣│ │ │ └─┐├┤ ├┬┘└┐┌┘├┤
  ╩ ╩└─┘ ┴ └─┘└─┘┴└─ └┘ └─┘
`

func main() {
	rootCmd := &cobra.Command{
		Use:   "hotserve",
		Short: "Keep a client bundle and a Go server running while you edit",
		Long: `Hotserve is a development orchestrator for Go web projects.

It compiles the client bundle with esbuild and the server with go build,
and keeps both running while sources change:

  • Client assets served from memory on a fixed dev port
  • Server restarted behind a stable port on every successful build
  • The server is only rebuilt after a successful client build
  • Live updates for connected browsers
  • Full restart when hotserve.json changes`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		devCmd(),
		buildCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		if _, ok := err.(*errors.HotserveError); ok {
			errors.PrintError(err)
		} else {
			fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		}
		os.Exit(1)
	}
}

// projectFlags are shared by commands that operate on a project.
type projectFlags struct {
	config  string
	verbose bool
}

func (f *projectFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.config, "config", "c", "", "Path to hotserve.json (default: search upwards from the working directory)")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "Enable debug logging")
}

// logger returns the process logger: text on stderr, debug when verbose.
func (f *projectFlags) logger() *slog.Logger {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// printBanner prints the ASCII art banner.
func printBanner() {
	fmt.Print(banner)
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}

// warn prints a warning message.
func warn(format string, args ...any) {
	fmt.Printf("\033[33m⚠\033[0m %s\n", fmt.Sprintf(format, args...))
}

// errorMsg prints an error message.
func errorMsg(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "\033[31m✗\033[0m %s\n", fmt.Sprintf(format, args...))
}
