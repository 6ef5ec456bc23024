// Package dev runs the client and server bundles of a project while their
// sources change.
//
// This package implements:
//   - Two compilers: an in-memory esbuild Bundler and a GoCompiler
//   - Listener ownership through conntrack trackers
//   - Server process management behind a front TCP listener
//   - A client dev listener serving assets and a live-update websocket
//   - The Orchestrator that sequences rebuilds and restarts
//
// # Architecture
//
// The Orchestrator owns everything else and runs a single event loop:
//
//   - Bundler: builds the client bundle into an AssetStore and rebuilds when
//     client sources change
//   - GoCompiler: builds the server binary on request
//   - ClientMiddlewareManager: serves the AssetStore on client.devPort
//   - ServerProcessManager: one running server binary, reachable on server.port
//   - Watcher: server sources and the configuration file
//   - ArtifactCache: staged binaries and loaded configuration
//
// A server source change recompiles the client first, then the server. A
// failed client build never reaches the server compiler. A successful server
// build purges the stale artifacts, force-disposes the previous server, then
// starts the new one. Editing hotserve.json tears everything down and starts
// again from the new file.
//
// # Usage
//
//	orch := dev.NewOrchestrator(dev.Options{
//	    ConfigPath: "hotserve.json",
//	    Logger:     logger,
//	})
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//
//	if err := orch.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Live-Update Protocol
//
// Browsers connect to /__hotserve/live on the client dev listener.
// Messages are JSON-encoded:
//
//	{"action": "building"}
//	{"action": "built", "hash": "...", "id": "...", "warnings": [...]}
//	{"action": "errors", "errors": [...]}
//	{"action": "sync", "hash": "...", "id": "...", "state": "building"}
package dev
