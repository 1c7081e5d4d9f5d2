package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/dwn/internal/core/plan"
)

// =============================================================================
// Smoke Tests
// =============================================================================

func sleepPlan(name string) *plan.Plan {
	return &plan.Plan{
		Name:    name,
		Image:   testImage,
		Version: "latest",
		Command: "sleep 300",
		Detach:  true,
		Valid:   true,
	}
}

func TestE2E_RunStopLifecycle(t *testing.T) {
	h := newHarness(t)
	h.stopPlan(t, "e2e-sleep")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	view, err := h.orch.Run(ctx, sleepPlan("e2e-sleep"))
	require.NoError(t, err)
	require.NotNil(t, view.Primary())

	listed, err := h.tracker.ListRunningPlans(ctx)
	require.NoError(t, err)
	found := false
	for _, v := range listed {
		if v.Plan == "e2e-sleep" {
			found = true
		}
	}
	assert.True(t, found, "running plan should be listed")

	stopped, err := h.orch.Stop(ctx, "e2e-sleep", false)
	require.NoError(t, err)
	assert.Equal(t, 1, stopped)

	// a second stop has nothing left to act on
	stopped, err = h.orch.Stop(ctx, "e2e-sleep", false)
	require.NoError(t, err)
	assert.Equal(t, 0, stopped)
}

func TestE2E_ConcurrentSessions(t *testing.T) {
	h := newHarness(t)
	h.stopPlan(t, "e2e-multi")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	v1, err := h.orch.Run(ctx, sleepPlan("e2e-multi"))
	require.NoError(t, err)
	v2, err := h.orch.Run(ctx, sleepPlan("e2e-multi"))
	require.NoError(t, err)

	require.NotNil(t, v1.Primary())
	require.NotNil(t, v2.Primary())
	assert.NotEqual(t, v1.Primary().Name, v2.Primary().Name)

	stopped, err := h.orch.Stop(ctx, "e2e-multi", false)
	require.NoError(t, err)
	assert.Equal(t, 2, stopped)
}

func TestE2E_DynamicPortBinding(t *testing.T) {
	h := newHarness(t)
	h.stopPlan(t, "e2e-bind")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	_, err := h.orch.Run(ctx, sleepPlan("e2e-bind"))
	require.NoError(t, err)

	binding, err := h.binder.Add(ctx, "e2e-bind", 8000, "tcp", 18000)
	require.NoError(t, err)
	assert.Equal(t, 18000, binding.HostPort)
	assert.NotEmpty(t, binding.Target)

	view, err := h.tracker.GetPlan(ctx, "e2e-bind")
	require.NoError(t, err)
	require.Len(t, view.Ports, 1)
	assert.Equal(t, 18000, view.Ports[0].HostPort)

	removed, err := h.binder.Remove(ctx, "e2e-bind", 18000)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = h.binder.Remove(ctx, "e2e-bind", 18000)
	require.NoError(t, err)
	assert.False(t, removed)
}
