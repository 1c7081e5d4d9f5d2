// Package main provides the dwn binary: a declarative runner for
// containerized tools.
//
// Usage:
//
//	dwn [--config path] <command> [args...]
//
// Commands:
//
//	run <plan> [extra args...]        - run a plan, streaming logs unless it detaches
//	stop <plan> [--force]             - stop and remove all of a plan's containers
//	show                              - show running plans, ports and mounts
//	plans [--detail]                  - list available plans
//	plan-new <name>                   - print an example plan definition
//	plan-import <compose.yml> <svc>   - convert a compose service into a plan
//	network add <plan> <cport:hport[/proto]> - publish an extra host port for a running plan
//	network remove <plan> <hport>     - remove a dynamic port binding
//	check                             - check plans and engine environment
//	version                           - show version
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/artpar/dwn/internal/shell/engine"
)

// Exit codes.
const (
	ExitSuccess = 0
	ExitRuntime = 1
	ExitUsage   = 2
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: dwn [--config path] <command> [args...]")
		return ExitUsage
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitUsage
	}

	logger := SetupLogger(cfg)

	docker, err := engine.NewDockerClient(cfg.Docker.Host)
	if err != nil {
		logger.Error("failed to create engine client", "error", err)
		return ExitRuntime
	}
	defer docker.Close()

	app := newApp(cfg, docker, logger)
	return app.dispatch(args[0], args[1:])
}
