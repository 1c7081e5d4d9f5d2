// Package runtime reconstructs and manipulates the live state of running
// plans. There is no database here: every view is rebuilt from the engine
// on each call, and the labels written at create time are the only
// bookkeeping.
package runtime

import (
	"github.com/artpar/dwn/internal/core/instance"
	"github.com/artpar/dwn/internal/shell/engine"
)

// =============================================================================
// Running Plan View
// =============================================================================

// PlanContainer is one engine container belonging to a running plan.
type PlanContainer struct {
	ID       string
	Name     string
	Session  string
	Role     instance.Role
	Status   engine.ContainerStatus
	Orphaned bool // forward with no running primary for the plan
}

// BoundPort is one host port reachable for a running plan.
type BoundPort struct {
	HostPort      int
	ContainerPort int
	Protocol      string
	BoundBy       instance.Role
	Orphaned      bool
}

// BoundVolume is one host path mounted into a plan's primary container.
type BoundVolume struct {
	HostPath      string
	ContainerPath string
}

// RunningPlanView is the live, recomputed-on-demand aggregation of all
// containers, ports and mounts belonging to one plan. It is discarded
// after each command; the engine stays the only source of truth.
type RunningPlanView struct {
	Plan       string
	Containers []PlanContainer
	Ports      []BoundPort
	Volumes    []BoundVolume
}

// Primary returns the first running primary container in the view, or
// nil when the plan has none (for example when only orphaned forwards
// remain).
func (v *RunningPlanView) Primary() *PlanContainer {
	for i := range v.Containers {
		c := &v.Containers[i]
		if c.Role == instance.RolePrimary && c.Status == engine.StatusRunning {
			return c
		}
	}
	return nil
}

// Orphaned returns the orphaned forward containers in the view.
func (v *RunningPlanView) Orphaned() []PlanContainer {
	var out []PlanContainer
	for _, c := range v.Containers {
		if c.Orphaned {
			out = append(out, c)
		}
	}
	return out
}
