package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/artpar/dwn/internal/core/instance"
	"github.com/artpar/dwn/internal/shell/engine"
)

// =============================================================================
// Dynamic Port Binder
// =============================================================================

// Binder adds and removes host port mappings for plans that are already
// running. The engine cannot change a container's published ports in
// place, so each extra mapping is a small relay container on the dwn
// network: it publishes the new host port itself and forwards traffic to
// the primary's internal address and port.
type Binder struct {
	docker  engine.Client
	tracker *Tracker
	config  Config
	logger  *slog.Logger
}

// NewBinder creates a binder over the given engine client.
func NewBinder(docker engine.Client, tracker *Tracker, config Config, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{
		docker:  docker,
		tracker: tracker,
		config:  config.withDefaults(),
		logger:  logger,
	}
}

// ForwardBinding describes one live forwarding container.
type ForwardBinding struct {
	ContainerID   string
	Name          string
	Session       string
	PlanName      string
	ContainerPort int
	HostPort      int
	Protocol      string
	Target        string // primary's address on the dwn network
}

// Add creates a live port mapping for a running plan. The relay gets its
// own token so Remove can target exactly this mapping later. Failure
// between create and running leaves no surviving container. Concurrent
// adds for the same host port are not pre-locked: the engine's bind
// exclusivity decides, and the loser sees ErrPortConflict.
func (b *Binder) Add(ctx context.Context, planName string, containerPort int, protocol string, hostPort int) (*ForwardBinding, error) {
	if protocol == "" {
		protocol = "tcp"
	}

	view, err := b.tracker.GetPlan(ctx, planName)
	if err != nil {
		return nil, err
	}
	primary := view.Primary()
	if primary == nil {
		return nil, fmt.Errorf("%w: %s has no running primary container", ErrPlanNotRunning, planName)
	}

	// forwarding goes over the internal network, bypassing the engine's
	// host port publishing for the primary entirely
	info, err := b.docker.InspectContainer(ctx, primary.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect primary container: %w", err)
	}
	target := info.AddressOn(b.config.Network)
	if target == "" {
		return nil, fmt.Errorf("primary container %s has no address on network %s", primary.Name, b.config.Network)
	}

	if err := b.ensureRelayImage(ctx); err != nil {
		return nil, err
	}

	token := instance.NewToken()
	name := instance.ForwardName(planName, token, containerPort, hostPort)

	b.logger.Info("adding port binding",
		"plan", planName,
		"host_port", hostPort,
		"container_port", containerPort,
		"protocol", protocol,
		"target", target,
	)

	spec := engine.ContainerSpec{
		Name:   name,
		Image:  b.config.RelayImage,
		Labels: instance.ForwardLabels(planName, token, containerPort, protocol, hostPort),
		Env: map[string]string{
			"REMOTE_HOST": target,
			"REMOTE_PORT": strconv.Itoa(containerPort),
			"LOCAL_PORT":  strconv.Itoa(hostPort),
		},
		Ports: []engine.PortBinding{
			{ContainerPort: hostPort, HostPort: hostPort, Protocol: protocol},
		},
		Network:    b.config.Network,
		AutoRemove: true,
	}

	id, err := b.docker.CreateContainer(ctx, spec)
	if err != nil {
		if errors.Is(err, engine.ErrPortAllocated) {
			return nil, fmt.Errorf("%w: host port %d", ErrPortConflict, hostPort)
		}
		return nil, fmt.Errorf("failed to create forwarding container: %w", err)
	}

	if err := b.docker.StartContainer(ctx, id); err != nil {
		// the binding either fully exists or not at all
		_ = b.docker.RemoveContainer(ctx, id, engine.RemoveOptions{Force: true})
		if errors.Is(err, engine.ErrPortAllocated) {
			return nil, fmt.Errorf("%w: host port %d", ErrPortConflict, hostPort)
		}
		return nil, fmt.Errorf("failed to start forwarding container: %w", err)
	}

	return &ForwardBinding{
		ContainerID:   id,
		Name:          name,
		Session:       token,
		PlanName:      planName,
		ContainerPort: containerPort,
		HostPort:      hostPort,
		Protocol:      protocol,
		Target:        target,
	}, nil
}

// Remove tears down the forwarding container publishing hostPort for the
// plan. Removing a binding that does not exist returns false and no
// error. Orphaned forwards are removable the same way.
func (b *Binder) Remove(ctx context.Context, planName string, hostPort int) (bool, error) {
	containers, err := b.docker.ListContainers(ctx, engine.ListOptions{
		All: true,
		Labels: map[string]string{
			instance.LabelManaged: "true",
			instance.LabelPlan:    planName,
			instance.LabelRole:    string(instance.RoleForward),
			instance.LabelFwdHost: strconv.Itoa(hostPort),
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to list forwarding containers: %w", err)
	}
	if len(containers) == 0 {
		return false, nil
	}

	timeout := b.config.StopTimeout
	for _, c := range containers {
		b.logger.Info("removing port binding", "plan", planName, "host_port", hostPort, "container", c.Name)

		if err := b.docker.StopContainer(ctx, c.ID, &timeout); err != nil {
			if !errors.Is(err, engine.ErrContainerNotFound) && !errors.Is(err, engine.ErrContainerNotRunning) {
				return false, fmt.Errorf("failed to stop forwarding container %s: %w", c.Name, err)
			}
		}
		if err := b.docker.RemoveContainer(ctx, c.ID, engine.RemoveOptions{Force: true}); err != nil {
			if !errors.Is(err, engine.ErrContainerNotFound) {
				return false, fmt.Errorf("failed to remove forwarding container %s: %w", c.Name, err)
			}
		}
	}

	return true, nil
}

// ensureRelayImage pulls the relay image if it is not present locally.
func (b *Binder) ensureRelayImage(ctx context.Context) error {
	present, err := b.docker.ImageExists(ctx, b.config.RelayImage)
	if err != nil {
		return err
	}
	if !present {
		b.logger.Info("pulling relay image", "image", b.config.RelayImage)
		if err := b.docker.PullImage(ctx, b.config.RelayImage); err != nil {
			return err
		}
	}
	return nil
}
