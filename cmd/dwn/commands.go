package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/artpar/dwn/internal/core/plan"
	"github.com/artpar/dwn/internal/shell/engine"
	"github.com/artpar/dwn/internal/shell/runtime"
)

// app wires the runtime components for one command invocation.
type app struct {
	cfg    *Config
	docker engine.Client
	logger *slog.Logger

	tracker *runtime.Tracker
	orch    *runtime.Orchestrator
	binder  *runtime.Binder
}

func newApp(cfg *Config, docker engine.Client, logger *slog.Logger) *app {
	rcfg := runtime.Config{
		Network:     cfg.Network.Name,
		RelayImage:  cfg.Network.RelayImage,
		StopTimeout: cfg.Docker.StopTimeout,
	}
	tracker := runtime.NewTracker(docker, cfg.Network.Name, logger)
	return &app{
		cfg:     cfg,
		docker:  docker,
		logger:  logger,
		tracker: tracker,
		orch:    runtime.NewOrchestrator(docker, tracker, rcfg, logger),
		binder:  runtime.NewBinder(docker, tracker, rcfg, logger),
	}
}

// dispatch routes the command to the appropriate handler.
func (a *app) dispatch(cmd string, args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "run":
		return a.runCmd(ctx, args)
	case "stop":
		return a.stopCmd(ctx, args)
	case "show":
		return a.showCmd(ctx)
	case "plans":
		return a.plansCmd(args)
	case "plan-new":
		return a.planNewCmd(args)
	case "plan-import":
		return a.planImportCmd(args)
	case "network":
		return a.networkCmd(ctx, args)
	case "check":
		return a.checkCmd(ctx)
	case "version":
		fmt.Printf("dwn %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		return ExitUsage
	}
}

func (a *app) loader() (*plan.Loader, error) {
	return plan.NewLoader(a.cfg.Plans.DistDir, a.cfg.Plans.UserDir, a.logger)
}

// =============================================================================
// run / stop / show
// =============================================================================

func (a *app) runCmd(ctx context.Context, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: dwn run <plan> [extra args...]")
		return ExitUsage
	}

	loader, err := a.loader()
	if err != nil {
		a.logger.Error("failed to load plans", "error", err)
		return ExitRuntime
	}

	p, err := loader.Get(args[0])
	if err != nil {
		a.logger.Error("unable to find plan", "plan", args[0], "error", err)
		return ExitRuntime
	}
	if len(args) > 1 {
		p = p.AddCommand(args[1:]...)
	}

	for _, m := range p.Mounts {
		a.logger.Info("mount", "host", m.HostPath, "container", m.ContainerPath, "mode", m.Mode)
	}
	for _, ps := range p.Ports {
		a.logger.Info("port map", "container_port", ps.ContainerPort, "host_port", ps.HostPort, "protocol", ps.Protocol)
	}

	view, err := a.orch.Run(ctx, p)
	if err != nil {
		a.logger.Error("failed to run plan", "plan", p.Name, "error", err)
		return ExitRuntime
	}

	primary := view.Primary()
	if p.Detach || primary == nil {
		a.logger.Info("container started, detaching", "plan", p.Name)
		return ExitSuccess
	}

	a.logger.Info("streaming container logs")
	if err := a.orch.StreamLogs(ctx, primary.ID, os.Stdout); err != nil {
		a.logger.Error("log streaming failed", "error", err)
	}

	// the stream ending means the tool exited (or the operator hit
	// ctrl-c). Clean up this invocation's session only: other sessions
	// of the same plan belong to their own invocations or to dwn stop.
	if _, err := a.orch.StopSession(context.WithoutCancel(ctx), p.Name, primary.Session, false); err != nil {
		a.reportStopFailures(err)
		return ExitRuntime
	}
	return ExitSuccess
}

func (a *app) stopCmd(ctx context.Context, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: dwn stop <plan> [--force]")
		return ExitUsage
	}
	force := len(args) > 1 && args[1] == "--force"

	stopped, err := a.orch.Stop(ctx, args[0], force)
	if err != nil {
		a.reportStopFailures(err)
		return ExitRuntime
	}

	a.logger.Info("stopped", "plan", args[0], "containers", stopped)
	return ExitSuccess
}

func (a *app) reportStopFailures(err error) {
	var partial *runtime.PartialStopError
	if errors.As(err, &partial) {
		for _, f := range partial.Failures {
			a.logger.Error("failed to stop container", "container", f.Name, "error", f.Err)
		}
		return
	}
	a.logger.Error("failed to stop plan", "error", err)
}

func (a *app) showCmd(ctx context.Context) int {
	views, err := a.tracker.ListRunningPlans(ctx)
	if err != nil {
		a.logger.Error("failed to list running plans", "error", err)
		return ExitRuntime
	}

	if len(views) == 0 {
		fmt.Println("no running plans")
		return ExitSuccess
	}

	for _, v := range views {
		fmt.Printf("plan %s\n", v.Plan)
		for _, c := range v.Containers {
			marker := ""
			if c.Orphaned {
				marker = " (orphaned)"
			}
			fmt.Printf("  %-8s %s%s\n", c.Role, c.Name, marker)
		}
		for _, p := range v.Ports {
			marker := ""
			if p.Orphaned {
				marker = " (orphaned)"
			}
			fmt.Printf("  port     %d -> %d/%s via %s%s\n", p.HostPort, p.ContainerPort, p.Protocol, p.BoundBy, marker)
		}
		for _, vol := range v.Volumes {
			fmt.Printf("  volume   %s -> %s\n", vol.HostPath, vol.ContainerPath)
		}
	}
	return ExitSuccess
}

// =============================================================================
// plans
// =============================================================================

func (a *app) plansCmd(args []string) int {
	detail := len(args) > 0 && args[0] == "--detail"

	loader, err := a.loader()
	if err != nil {
		a.logger.Error("failed to load plans", "error", err)
		return ExitRuntime
	}

	for _, p := range loader.Plans() {
		if detail {
			fmt.Printf("%s\t%s\t%s\n", p.Name, p.ImageRef(), p.Path)
		} else {
			fmt.Printf("%s\t%s\n", p.Name, p.Path)
		}
	}
	fmt.Printf("%d plans\n", len(loader.Plans()))
	return ExitSuccess
}

func (a *app) planNewCmd(args []string) int {
	name := ""
	if len(args) > 0 {
		name = args[0]
	}
	fmt.Print(plan.Skeleton(name))
	return ExitSuccess
}

func (a *app) planImportCmd(args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: dwn plan-import <compose.yml> <service>")
		return ExitUsage
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		a.logger.Error("failed to read compose file", "path", args[0], "error", err)
		return ExitRuntime
	}

	p, err := plan.FromComposeService(string(data), args[1])
	if err != nil {
		a.logger.Error("failed to import compose service", "service", args[1], "error", err)
		return ExitRuntime
	}

	out, err := marshalPlan(p)
	if err != nil {
		a.logger.Error("failed to render plan", "error", err)
		return ExitRuntime
	}
	fmt.Print(out)
	return ExitSuccess
}

// marshalPlan renders a plan back into plan file YAML.
func marshalPlan(p *plan.Plan) (string, error) {
	doc := map[string]any{
		"name":  p.Name,
		"image": p.Image,
	}
	if p.Version != "" && p.Version != "latest" {
		doc["version"] = p.Version
	}
	if p.Command != "" {
		doc["command"] = p.Command
	}
	if p.Detach {
		doc["detach"] = true
	}
	if len(p.Ports) > 0 {
		ports := make([]map[string]int, 0, len(p.Ports))
		for _, ps := range p.Ports {
			ports = append(ports, map[string]int{strconv.Itoa(ps.ContainerPort): ps.HostPort})
		}
		doc["ports"] = ports
	}
	if len(p.Mounts) > 0 {
		vols := make(map[string]map[string]string, len(p.Mounts))
		for _, m := range p.Mounts {
			vols[m.HostPath] = map[string]string{"bind": m.ContainerPath, "mode": m.Mode}
		}
		doc["volumes"] = vols
	}
	if len(p.Environment) > 0 {
		doc["environment"] = p.Environment
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// =============================================================================
// network
// =============================================================================

func (a *app) networkCmd(ctx context.Context, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: dwn network <add|remove> <plan> ...")
		return ExitUsage
	}

	switch args[0] {
	case "add":
		if len(args) != 3 {
			fmt.Fprintln(os.Stderr, "usage: dwn network add <plan> <cport:hport[/proto]>")
			return ExitUsage
		}
		spec, err := plan.ParsePortSpec(args[2])
		if err != nil {
			a.logger.Error("invalid port spec", "spec", args[2], "error", err)
			return ExitUsage
		}
		binding, err := a.binder.Add(ctx, args[1], spec.ContainerPort, spec.Protocol, spec.HostPort)
		if err != nil {
			a.logger.Error("failed to add binding", "plan", args[1], "error", err)
			return ExitRuntime
		}
		a.logger.Info("binding added",
			"plan", binding.PlanName,
			"host_port", binding.HostPort,
			"container_port", binding.ContainerPort,
			"target", binding.Target,
		)
		return ExitSuccess

	case "remove":
		if len(args) != 3 {
			fmt.Fprintln(os.Stderr, "usage: dwn network remove <plan> <hport>")
			return ExitUsage
		}
		hostPort, err := strconv.Atoi(args[2])
		if err != nil {
			a.logger.Error("invalid host port", "port", args[2])
			return ExitUsage
		}
		removed, err := a.binder.Remove(ctx, args[1], hostPort)
		if err != nil {
			a.logger.Error("failed to remove binding", "plan", args[1], "error", err)
			return ExitRuntime
		}
		if !removed {
			a.logger.Info("no such binding", "plan", args[1], "host_port", hostPort)
		} else {
			a.logger.Info("binding removed", "plan", args[1], "host_port", hostPort)
		}
		return ExitSuccess

	default:
		fmt.Fprintf(os.Stderr, "unknown network command: %s\n", args[0])
		return ExitUsage
	}
}

// =============================================================================
// check
// =============================================================================

func (a *app) checkCmd(ctx context.Context) int {
	loader, err := a.loader()
	if err != nil {
		a.logger.Error("failed to load plans", "error", err)
		return ExitRuntime
	}
	a.logger.Info("plans loaded", "valid", len(loader.Plans()), "total", len(loader.AllPlans()))

	report, err := a.orch.Preflight(ctx)
	if err != nil {
		a.logger.Error("engine check failed", "error", err)
		return ExitRuntime
	}

	a.logger.Info("engine reachable", "network", report.Network)
	if !report.RelayImagePresent {
		a.logger.Warn("relay image not present, it will be pulled on first network add",
			"image", report.RelayImage)
	}

	a.logger.Info("everything seems ok to use dwn")
	return ExitSuccess
}
