package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const esbuildModule = "github.com/evanw/esbuild"

// buildInfo describes this binary and the toolchains the dev loop drives.
type buildInfo struct {
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	Built       string `json:"built"`
	Runtime     string `json:"runtime"`
	Platform    string `json:"platform"`
	GoToolchain string `json:"goToolchain"`
	Esbuild     string `json:"esbuild"`
}

func versionCmd() *cobra.Command {
	var short, asJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long: `Print the hotserve version together with the go toolchain that compiles
the server and the esbuild version that bundles the client.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if short {
				fmt.Fprintln(cmd.OutOrStdout(), version)
				return nil
			}
			info := collectBuildInfo(cmd.Context())
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			printBanner()
			info.print(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print version information as JSON")

	return cmd
}

func collectBuildInfo(ctx context.Context) buildInfo {
	info := buildInfo{
		Version:     version,
		Commit:      commit,
		Built:       date,
		Runtime:     runtime.Version(),
		Platform:    runtime.GOOS + "/" + runtime.GOARCH,
		GoToolchain: goToolchainVersion(ctx),
		Esbuild:     "unknown",
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		if v := moduleVersion(bi, esbuildModule); v != "" {
			info.Esbuild = v
		}
	}
	return info
}

func (b buildInfo) print(w io.Writer) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Version:      %s\n", b.Version)
	fmt.Fprintf(w, "  Commit:       %s\n", b.Commit)
	fmt.Fprintf(w, "  Built:        %s\n", b.Built)
	fmt.Fprintf(w, "  Built with:   %s (%s)\n", b.Runtime, b.Platform)
	fmt.Fprintf(w, "  Server build: %s\n", b.GoToolchain)
	fmt.Fprintf(w, "  Client build: esbuild %s\n", b.Esbuild)
	fmt.Fprintln(w)
}

// goToolchainVersion reports the go on PATH, which is the one dev and build
// invoke, not the one this binary was built with.
func goToolchainVersion(ctx context.Context) string {
	goBin, err := exec.LookPath("go")
	if err != nil {
		return "not found"
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, goBin, "env", "GOVERSION")
	cmd.Env = append(os.Environ(), "GOFLAGS=")
	out, err := cmd.Output()
	if err != nil {
		return "unavailable"
	}
	return strings.TrimSpace(string(out))
}

// moduleVersion returns the version of dependency path, following replaces.
func moduleVersion(bi *debug.BuildInfo, path string) string {
	for _, dep := range bi.Deps {
		if dep.Path != path {
			continue
		}
		if dep.Replace != nil {
			return dep.Replace.Version
		}
		return dep.Version
	}
	return ""
}
