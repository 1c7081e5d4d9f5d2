package runtime

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/dwn/internal/core/instance"
)

func TestBinderAdd_CreatesRelay(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	view, err := rt.orch.Run(ctx, nginxPlan())
	require.NoError(t, err)
	primaryID := view.Primary().ID

	binding, err := rt.binder.Add(ctx, "nginx", 80, "tcp", 9000)
	require.NoError(t, err)

	assert.Equal(t, "nginx", binding.PlanName)
	assert.Equal(t, 80, binding.ContainerPort)
	assert.Equal(t, 9000, binding.HostPort)
	assert.Equal(t, "tcp", binding.Protocol)
	assert.NotEmpty(t, binding.Session)

	// the relay forwards over the internal network to the primary's address
	info, err := rt.fake.InspectContainer(ctx, primaryID)
	require.NoError(t, err)
	assert.Equal(t, info.AddressOn("dwn"), binding.Target)

	ctr := rt.fake.ByName(binding.Name)
	require.NotNil(t, ctr)
	assert.Equal(t, rt.orch.config.RelayImage, ctr.Spec.Image)
	assert.Equal(t, binding.Target, ctr.Spec.Env["REMOTE_HOST"])
	assert.Equal(t, "80", ctr.Spec.Env["REMOTE_PORT"])
	assert.Equal(t, "9000", ctr.Spec.Env["LOCAL_PORT"])
	assert.True(t, ctr.Spec.AutoRemove)

	require.Len(t, ctr.Spec.Ports, 1)
	assert.Equal(t, 9000, ctr.Spec.Ports[0].HostPort)
	assert.Equal(t, 9000, ctr.Spec.Ports[0].ContainerPort)

	labels := ctr.Spec.Labels
	assert.Equal(t, string(instance.RoleForward), labels[instance.LabelRole])
	assert.Equal(t, "80", labels[instance.LabelFwdPort])
	assert.Equal(t, strconv.Itoa(9000), labels[instance.LabelFwdHost])

	assert.Contains(t, rt.fake.Pulled(), rt.orch.config.RelayImage)
}

func TestBinderAdd_PlanNotRunning(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.binder.Add(context.Background(), "nginx", 80, "tcp", 9000)
	assert.ErrorIs(t, err, ErrPlanNotRunning)
}

func TestBinderAdd_OnlyOrphansLeft(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	view, err := rt.orch.Run(ctx, nginxPlan())
	require.NoError(t, err)
	_, err = rt.binder.Add(ctx, "nginx", 80, "tcp", 9000)
	require.NoError(t, err)

	rt.fake.MarkExited(view.Primary().Name)

	_, err = rt.binder.Add(ctx, "nginx", 80, "tcp", 9001)
	assert.ErrorIs(t, err, ErrPlanNotRunning)
}

func TestBinderAdd_PortTakenByPrimary(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.orch.Run(ctx, nginxPlan())
	require.NoError(t, err)

	// 8080 is already published by the primary, 9000 is free
	_, err = rt.binder.Add(ctx, "nginx", 80, "tcp", 8080)
	assert.ErrorIs(t, err, ErrPortConflict)

	_, err = rt.binder.Add(ctx, "nginx", 80, "tcp", 9000)
	assert.NoError(t, err)
}

func TestBinderAdd_PortTakenByOtherForward(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.orch.Run(ctx, nginxPlan())
	require.NoError(t, err)

	_, err = rt.binder.Add(ctx, "nginx", 80, "tcp", 9000)
	require.NoError(t, err)

	_, err = rt.binder.Add(ctx, "nginx", 443, "tcp", 9000)
	assert.ErrorIs(t, err, ErrPortConflict)
	assert.Equal(t, 2, rt.fake.Count())
}

func TestBinderAdd_StartFailureLeavesNothingBehind(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.orch.Run(ctx, nginxPlan())
	require.NoError(t, err)
	rt.fake.StartErrs["_net_"] = errors.New("iptables rejected the rule")

	_, err = rt.binder.Add(ctx, "nginx", 80, "tcp", 9000)
	require.Error(t, err)
	assert.Equal(t, 1, rt.fake.Count())
}

func TestBinderRemove(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.orch.Run(ctx, nginxPlan())
	require.NoError(t, err)
	_, err = rt.binder.Add(ctx, "nginx", 80, "tcp", 9000)
	require.NoError(t, err)

	removed, err := rt.binder.Remove(ctx, "nginx", 9000)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, 1, rt.fake.Count())

	// removal is idempotent
	removed, err = rt.binder.Remove(ctx, "nginx", 9000)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestBinderRemove_NeverBound(t *testing.T) {
	rt := newTestRuntime(t)

	removed, err := rt.binder.Remove(context.Background(), "nginx", 9000)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestBinderRemove_OrphanedForward(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	view, err := rt.orch.Run(ctx, nginxPlan())
	require.NoError(t, err)
	_, err = rt.binder.Add(ctx, "nginx", 80, "tcp", 9000)
	require.NoError(t, err)

	rt.fake.RemoveByName(view.Primary().Name)

	removed, err := rt.binder.Remove(ctx, "nginx", 9000)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, 0, rt.fake.Count())
}

func TestBinderAdd_RebindAfterRemove(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.orch.Run(ctx, nginxPlan())
	require.NoError(t, err)

	b1, err := rt.binder.Add(ctx, "nginx", 80, "tcp", 9000)
	require.NoError(t, err)

	removed, err := rt.binder.Remove(ctx, "nginx", 9000)
	require.NoError(t, err)
	require.True(t, removed)

	b2, err := rt.binder.Add(ctx, "nginx", 443, "tcp", 9000)
	require.NoError(t, err)
	assert.NotEqual(t, b1.Name, b2.Name)
	assert.Equal(t, 443, b2.ContainerPort)
}
