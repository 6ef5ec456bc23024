package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/hotserve/internal/config"
	"github.com/vango-dev/hotserve/internal/dev"
	"github.com/vango-dev/hotserve/internal/errors"
)

type buildOptions struct {
	projectFlags
	minify bool
}

func buildCmd() *cobra.Command {
	var opts buildOptions

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the client bundle and the server once",
		Long: `Build the client bundle and the server once.

The client bundle is written to client.outdir. The server is only built
when the client build succeeded. Diagnostics are printed and the command
exits non-zero when either build fails.

Examples:
  hotserve build
  hotserve build --minify`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), opts)
		},
	}

	opts.register(cmd.Flags())
	cmd.Flags().BoolVar(&opts.minify, "minify", false, "Minify the client bundle")

	return cmd
}

func runBuild(ctx context.Context, opts buildOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	path, err := config.Locate(opts.config)
	if err != nil {
		return err
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return err
	}
	if opts.minify {
		cfg.Client.Minify = true
	}

	logger := opts.logger()
	toolchain := dev.DefaultToolchain{Logger: logger}
	start := time.Now()

	fmt.Println("  Building client...")
	client, err := toolchain.ClientCompiler(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	stats, err := compileOnce(ctx, client)
	if err != nil {
		return err
	}
	if stats.HasErrors() {
		fmt.Fprint(os.Stderr, stats.String())
		return errors.New(errors.CodeCompile).WithDetail("client build failed, server not built")
	}
	printWarnings(stats)
	size, err := client.Assets().WriteDir(cfg.ClientOutdirPath())
	if err != nil {
		return err
	}
	success("Client built in %s", stats.Duration.Round(time.Millisecond))

	fmt.Println("  Building server...")
	server, err := toolchain.ServerCompiler(cfg)
	if err != nil {
		return err
	}
	defer server.Close()

	stats, err = compileOnce(ctx, server)
	if err != nil {
		return err
	}
	if stats.HasErrors() {
		fmt.Fprint(os.Stderr, stats.String())
		return errors.New(errors.CodeCompile).WithDetail("server build failed")
	}
	printWarnings(stats)
	success("Server built in %s", stats.Duration.Round(time.Millisecond))

	fmt.Println()
	success("Build complete in %s", time.Since(start).Round(time.Millisecond))
	fmt.Println()
	fmt.Println("  Output:")
	fmt.Printf("    %s/  (%s)\n", cfg.Client.Outdir, formatBytes(size))
	for _, name := range client.Assets().Names() {
		fmt.Printf("      %s\n", name)
	}
	fmt.Printf("    %s\n", stats.Output)
	fmt.Println()

	return nil
}

// compileOnce runs c once and waits for the result.
func compileOnce(ctx context.Context, c dev.Compiler) (*dev.Stats, error) {
	done := make(chan *dev.Stats, 1)
	sub := c.OnDone(func(s *dev.Stats) {
		select {
		case done <- s:
		default:
		}
	})
	defer sub.Unsubscribe()

	c.Run()
	select {
	case s := <-done:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func printWarnings(stats *dev.Stats) {
	for _, w := range stats.Warnings {
		warn("%s", w.String())
	}
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
