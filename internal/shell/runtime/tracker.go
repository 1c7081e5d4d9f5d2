package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/artpar/dwn/internal/core/instance"
	"github.com/artpar/dwn/internal/shell/engine"
)

// =============================================================================
// Running Plan Tracker
// =============================================================================

// Tracker reconstructs the logical view of running plans from engine
// state. It holds no state of its own.
type Tracker struct {
	docker  engine.Client
	network string
	logger  *slog.Logger
}

// NewTracker creates a tracker over the given engine client. network is
// the dwn bridge network containers are attached to.
func NewTracker(docker engine.Client, network string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		docker:  docker,
		network: network,
		logger:  logger,
	}
}

// ListRunningPlans lists every running plan, grouped from the engine's
// labeled containers. An engine with no managed containers yields an
// empty slice, never an error.
func (t *Tracker) ListRunningPlans(ctx context.Context) ([]RunningPlanView, error) {
	containers, err := t.docker.ListContainers(ctx, engine.ListOptions{
		Labels: map[string]string{instance.LabelManaged: "true"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list managed containers: %w", err)
	}

	groups := make(map[string][]engine.ContainerInfo)
	for _, c := range containers {
		name := c.Labels[instance.LabelPlan]
		if name == "" {
			// not ours to interpret; skip rather than guess from the name
			t.logger.Debug("managed container without a plan label", "container", c.Name)
			continue
		}
		groups[name] = append(groups[name], c)
	}

	views := make([]RunningPlanView, 0, len(groups))
	for name, group := range groups {
		view, err := t.buildView(ctx, name, group)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Plan < views[j].Plan })

	return views, nil
}

// GetPlan returns the view for one plan. A plan with no containers at
// all reports ErrPlanNotRunning.
func (t *Tracker) GetPlan(ctx context.Context, name string) (*RunningPlanView, error) {
	containers, err := t.docker.ListContainers(ctx, engine.ListOptions{
		Labels: map[string]string{
			instance.LabelManaged: "true",
			instance.LabelPlan:    name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers for plan %s: %w", name, err)
	}
	if len(containers) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotRunning, name)
	}

	view, err := t.buildView(ctx, name, containers)
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// buildView folds one plan's containers into a RunningPlanView.
//
// A forward is orphaned when the plan has no running primary left at all.
// That is an expected transient or post-crash state, reported in the view
// rather than raised as an error.
func (t *Tracker) buildView(ctx context.Context, name string, group []engine.ContainerInfo) (RunningPlanView, error) {
	view := RunningPlanView{Plan: name}

	hasPrimary := false
	for _, c := range group {
		if role, ok := instance.RoleOf(c.Labels); ok &&
			role == instance.RolePrimary && c.Status == engine.StatusRunning {
			hasPrimary = true
			break
		}
	}

	sort.Slice(group, func(i, j int) bool { return group[i].Name < group[j].Name })

	for _, c := range group {
		role, ok := instance.RoleOf(c.Labels)
		if !ok {
			// labels are authoritative; name parsing is display-only
			t.logger.Warn("managed container with unreadable role", "container", c.Name)
			continue
		}

		pc := PlanContainer{
			ID:      c.ID,
			Name:    c.Name,
			Session: c.Labels[instance.LabelSession],
			Role:    role,
			Status:  c.Status,
		}

		switch role {
		case instance.RolePrimary:
			for _, p := range c.Ports {
				if p.HostPort == 0 {
					continue
				}
				view.Ports = append(view.Ports, BoundPort{
					HostPort:      p.HostPort,
					ContainerPort: p.ContainerPort,
					Protocol:      p.Protocol,
					BoundBy:       instance.RolePrimary,
				})
			}

			info, err := t.docker.InspectContainer(ctx, c.ID)
			if err != nil {
				return RunningPlanView{}, fmt.Errorf("failed to inspect container %s: %w", c.Name, err)
			}
			for _, m := range info.Mounts {
				view.Volumes = append(view.Volumes, BoundVolume{
					HostPath:      m.Source,
					ContainerPath: m.Target,
				})
			}

		case instance.RoleForward:
			pc.Orphaned = !hasPrimary
			if cp, proto, hp, ok := instance.ForwardTarget(c.Labels); ok {
				view.Ports = append(view.Ports, BoundPort{
					HostPort:      hp,
					ContainerPort: cp,
					Protocol:      proto,
					BoundBy:       instance.RoleForward,
					Orphaned:      pc.Orphaned,
				})
			} else if cp, hp, ok := instance.ParseForwardName(c.Name); ok {
				// pre-label containers only; the name is a fallback
				view.Ports = append(view.Ports, BoundPort{
					HostPort:      hp,
					ContainerPort: cp,
					Protocol:      "tcp",
					BoundBy:       instance.RoleForward,
					Orphaned:      pc.Orphaned,
				})
			}
		}

		view.Containers = append(view.Containers, pc)
	}

	sort.Slice(view.Ports, func(i, j int) bool { return view.Ports[i].HostPort < view.Ports[j].HostPort })

	return view, nil
}
