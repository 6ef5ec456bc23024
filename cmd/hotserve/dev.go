package main

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-dev/hotserve/internal/config"
	"github.com/vango-dev/hotserve/internal/dev"
)

type devOptions struct {
	projectFlags
	clientPort int
	serverPort int
}

func devCmd() *cobra.Command {
	var opts devOptions

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Start the development orchestrator",
		Long: `Start the development orchestrator.

The client bundle is rebuilt whenever its sources change. A change to the
server sources rebuilds the client first and then the server, which is
swapped in behind server.port. Editing hotserve.json restarts everything.

Examples:
  hotserve dev
  hotserve dev --config=web/hotserve.json
  hotserve dev --client-port=7400 --server-port=8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDev(opts)
		},
	}

	opts.register(cmd.Flags())
	cmd.Flags().IntVar(&opts.clientPort, "client-port", 0, "Client dev port (default from hotserve.json)")
	cmd.Flags().IntVarP(&opts.serverPort, "server-port", "p", 0, "Server port (default from hotserve.json)")

	return cmd
}

// apply overrides cfg with the command-line ports.
func (o devOptions) apply(cfg *config.Config) {
	if o.clientPort > 0 {
		cfg.Client.DevPort = o.clientPort
	}
	if o.serverPort > 0 {
		if cfg.Server.BackendPort == cfg.Server.Port+1 {
			cfg.Server.BackendPort = o.serverPort + 1
		}
		cfg.Server.Port = o.serverPort
	}
}

func runDev(opts devOptions) error {
	if _, err := exec.LookPath("go"); err != nil {
		errorMsg("Go is not installed or not in PATH")
		info("Install Go from https://go.dev/dl/")
		return err
	}

	path, err := config.Locate(opts.config)
	if err != nil {
		return err
	}
	load := func() (*config.Config, error) {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		opts.apply(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	// Fail fast on a broken configuration; later reloads only log.
	cfg, err := load()
	if err != nil {
		return err
	}

	logger := opts.logger()
	var metrics *dev.Metrics
	if cfg.MetricsEnabled() {
		metrics = dev.NewMetrics(nil)
	}
	cache := dev.NewArtifactCache()

	orch := dev.NewOrchestrator(dev.Options{
		ConfigPath: path,
		LoadConfig: load,
		Loader:     &dev.ProcessLoader{Cache: cache, Logger: logger},
		Cache:      cache,
		Logger:     logger,
		Metrics:    metrics,
		Output:     os.Stderr,
	})

	printBanner()
	info("client   %s", cfg.ClientDevURL())
	info("server   %s", cfg.ServerURL())
	if metrics != nil {
		info("metrics  http://%s%s", cfg.ClientDevAddress(), dev.MetricsPath)
	}
	info("config   %s", path)
	info("")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Run(ctx); err != nil {
		return err
	}
	success("Stopped")
	return nil
}
