package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/artpar/dwn/internal/core/instance"
	"github.com/artpar/dwn/internal/core/plan"
	"github.com/artpar/dwn/internal/shell/engine"
)

// =============================================================================
// Orchestrator Configuration
// =============================================================================

// Config holds the runtime settings shared by the orchestrator and the
// port binder.
type Config struct {
	// Network is the dwn bridge network every managed container joins.
	Network string
	// RelayImage is the image used for forwarding containers.
	RelayImage string
	// StopTimeout is how long a container gets to shut down cleanly.
	StopTimeout time.Duration
}

// DefaultConfig returns the runtime defaults.
func DefaultConfig() Config {
	return Config{
		Network:     "dwn",
		RelayImage:  "ghcr.io/sensepost/dwn-network:latest",
		StopTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Network == "" {
		c.Network = d.Network
	}
	if c.RelayImage == "" {
		c.RelayImage = d.RelayImage
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = d.StopTimeout
	}
	return c
}

// =============================================================================
// Plan Orchestrator
// =============================================================================

// Orchestrator starts and stops plans. All state it acts on lives in the
// engine, resolved through the tracker on every call.
type Orchestrator struct {
	docker  engine.Client
	tracker *Tracker
	config  Config
	logger  *slog.Logger
}

// NewOrchestrator creates an orchestrator over the given engine client.
func NewOrchestrator(docker engine.Client, tracker *Tracker, config Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		docker:  docker,
		tracker: tracker,
		config:  config.withDefaults(),
		logger:  logger,
	}
}

// Run starts the primary container for a plan under a fresh session
// token and returns the resulting view. Multiple concurrent runs of the
// same plan are fine: each mints its own token, and container name
// uniqueness at the engine is what enforces one primary per session.
func (o *Orchestrator) Run(ctx context.Context, p *plan.Plan) (*RunningPlanView, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("plan %s is not runnable: %w", p.Name, err)
	}

	token := instance.NewToken()
	name := instance.ContainerName(p.Name, token)

	o.logger.Info("starting plan",
		"plan", p.Name,
		"session", token,
		"image", p.ImageRef(),
	)

	if err := o.docker.EnsureNetwork(ctx, o.config.Network); err != nil {
		return nil, fmt.Errorf("failed to ensure network %s: %w", o.config.Network, err)
	}

	if err := o.ensureImage(ctx, p); err != nil {
		return nil, err
	}

	spec, err := o.buildPrimarySpec(p, name, token)
	if err != nil {
		return nil, err
	}

	id, err := o.docker.CreateContainer(ctx, spec)
	if err != nil {
		if errors.Is(err, engine.ErrNameConflict) {
			return nil, fmt.Errorf("%w: plan %s session %s", ErrAlreadyRunning, p.Name, token)
		}
		if errors.Is(err, engine.ErrPortAllocated) {
			return nil, fmt.Errorf("%w: %v", ErrPortConflict, err)
		}
		return nil, fmt.Errorf("failed to create container for plan %s: %w", p.Name, err)
	}

	if err := o.docker.StartContainer(ctx, id); err != nil {
		// never leave a half-created primary behind
		_ = o.docker.RemoveContainer(ctx, id, engine.RemoveOptions{Force: true})
		if errors.Is(err, engine.ErrPortAllocated) {
			return nil, fmt.Errorf("%w: %v", ErrPortConflict, err)
		}
		return nil, fmt.Errorf("failed to start container for plan %s: %w", p.Name, err)
	}

	o.logger.Debug("started primary container", "container", name, "container_id", shortID(id))

	view, err := o.tracker.GetPlan(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	return view, nil
}

// ensureImage makes the plan's image locally available: built from the
// plan's inline dockerfile when it carries one, pulled otherwise. An
// already-built local image is not rebuilt.
func (o *Orchestrator) ensureImage(ctx context.Context, p *plan.Plan) error {
	exists, err := o.docker.ImageExists(ctx, p.ImageRef())
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if p.HasDockerfile() {
		o.logger.Info("building image from plan dockerfile", "image", p.ImageRef())
		return o.docker.BuildImage(ctx, p.Dockerfile, p.ImageRef())
	}

	o.logger.Info("pulling image", "image", p.ImageRef())
	return o.docker.PullImage(ctx, p.ImageRef())
}

// buildPrimarySpec translates a plan into the primary container spec.
func (o *Orchestrator) buildPrimarySpec(p *plan.Plan, name, token string) (engine.ContainerSpec, error) {
	spec := engine.ContainerSpec{
		Name:         name,
		Image:        p.ImageRef(),
		Env:          p.Environment,
		Labels:       instance.PrimaryLabels(p.Name, token),
		Network:      o.config.Network,
		NetworkAlias: name,
		AutoRemove:   true,
		TTY:          p.TTY,
		Extra:        p.Options,
	}

	if p.Command != "" {
		cmd, err := shellwords.Parse(p.Command)
		if err != nil {
			return engine.ContainerSpec{}, fmt.Errorf("failed to parse plan command: %w", err)
		}
		spec.Command = cmd
	}

	for _, ps := range p.Ports {
		spec.Ports = append(spec.Ports, engine.PortBinding{
			ContainerPort: ps.ContainerPort,
			HostPort:      ps.HostPort,
			Protocol:      ps.Protocol,
		})
	}

	for _, m := range p.Mounts {
		spec.Mounts = append(spec.Mounts, engine.BindMount{
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.Mode == "ro",
		})
	}

	return spec, nil
}

// StreamLogs copies a container's log stream to w until the container
// exits or ctx is cancelled. Cancelling detaches from the stream only,
// the container keeps running.
func (o *Orchestrator) StreamLogs(ctx context.Context, containerID string, w io.Writer) error {
	reader, err := o.docker.ContainerLogs(ctx, containerID, engine.LogOptions{Follow: true})
	if err != nil {
		return err
	}
	defer reader.Close()

	if _, err := io.Copy(w, reader); err != nil && ctx.Err() == nil {
		return fmt.Errorf("log stream failed: %w", err)
	}
	return nil
}

// Stop stops and removes every container belonging to a plan: primaries
// and forwards across all sessions, orphans included. Returns how many
// containers were stopped. Stopping is not atomic: individual failures
// are collected into a PartialStopError while the rest proceed. Stopping
// an already-stopped plan returns 0 and no error.
func (o *Orchestrator) Stop(ctx context.Context, planName string, force bool) (int, error) {
	return o.stopMatching(ctx, planName, map[string]string{
		instance.LabelManaged: "true",
		instance.LabelPlan:    planName,
	}, force)
}

// StopSession stops and removes the containers of a single run session,
// leaving other sessions of the same plan untouched. Forwarding
// containers carry their own binding tokens, so they are not part of a
// run session: when the last primary goes they linger as orphans for
// Stop or the binder to clean up.
func (o *Orchestrator) StopSession(ctx context.Context, planName, session string, force bool) (int, error) {
	return o.stopMatching(ctx, planName, map[string]string{
		instance.LabelManaged: "true",
		instance.LabelPlan:    planName,
		instance.LabelSession: session,
	}, force)
}

func (o *Orchestrator) stopMatching(ctx context.Context, planName string, labels map[string]string, force bool) (int, error) {
	containers, err := o.docker.ListContainers(ctx, engine.ListOptions{
		All:    true,
		Labels: labels,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers for plan %s: %w", planName, err)
	}

	timeout := o.config.StopTimeout
	if force {
		timeout = 0
	}

	stopped := 0
	var failures []StopFailure

	for _, c := range containers {
		o.logger.Debug("stopping container", "plan", planName, "container", c.Name)

		if err := o.docker.StopContainer(ctx, c.ID, &timeout); err != nil {
			// already gone or already stopped is fine, anything else is reported
			if !errors.Is(err, engine.ErrContainerNotFound) && !errors.Is(err, engine.ErrContainerNotRunning) {
				failures = append(failures, StopFailure{ContainerID: c.ID, Name: c.Name, Err: err})
				continue
			}
		}

		if err := o.docker.RemoveContainer(ctx, c.ID, engine.RemoveOptions{Force: force}); err != nil {
			// auto-remove containers disappear on stop
			if !errors.Is(err, engine.ErrContainerNotFound) {
				failures = append(failures, StopFailure{ContainerID: c.ID, Name: c.Name, Err: err})
				continue
			}
		}

		stopped++
	}

	o.logger.Info("plan stopped", "plan", planName, "containers_stopped", stopped, "failures", len(failures))

	if len(failures) > 0 {
		return stopped, &PartialStopError{Plan: planName, Failures: failures}
	}
	return stopped, nil
}

// =============================================================================
// Preflight
// =============================================================================

// PreflightReport describes whether the local engine is ready for dwn.
type PreflightReport struct {
	EngineReachable   bool
	RelayImagePresent bool
	Network           string
	RelayImage        string
}

// Preflight checks engine connectivity and relay image availability.
func (o *Orchestrator) Preflight(ctx context.Context) (*PreflightReport, error) {
	report := &PreflightReport{
		Network:    o.config.Network,
		RelayImage: o.config.RelayImage,
	}

	if err := o.docker.Ping(ctx); err != nil {
		return report, err
	}
	report.EngineReachable = true

	present, err := o.docker.ImageExists(ctx, o.config.RelayImage)
	if err != nil {
		return report, err
	}
	report.RelayImagePresent = present

	return report, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
