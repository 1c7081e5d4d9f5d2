package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/dwn/internal/core/instance"
	"github.com/artpar/dwn/internal/core/plan"
	"github.com/artpar/dwn/internal/shell/engine"
	"github.com/artpar/dwn/internal/shell/engine/enginetest"
)

// =============================================================================
// Test Fixtures
// =============================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testRuntime struct {
	fake    *enginetest.Fake
	tracker *Tracker
	orch    *Orchestrator
	binder  *Binder
}

func newTestRuntime(t *testing.T) *testRuntime {
	t.Helper()
	fake := enginetest.NewFake()
	cfg := DefaultConfig()
	logger := testLogger()
	tracker := NewTracker(fake, cfg.Network, logger)
	return &testRuntime{
		fake:    fake,
		tracker: tracker,
		orch:    NewOrchestrator(fake, tracker, cfg, logger),
		binder:  NewBinder(fake, tracker, cfg, logger),
	}
}

func nginxPlan() *plan.Plan {
	return &plan.Plan{
		Name:    "nginx",
		Image:   "nginx",
		Version: "latest",
		Command: "nginx -g 'daemon off;'",
		Ports:   []plan.PortSpec{{ContainerPort: 80, HostPort: 8080, Protocol: "tcp"}},
		Mounts:  []plan.Mount{{HostPath: "/tmp/site", ContainerPath: "/data", Mode: "ro"}},
		Valid:   true,
	}
}

// =============================================================================
// Run
// =============================================================================

func TestRun_StartsLabeledPrimary(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	view, err := rt.orch.Run(ctx, nginxPlan())
	require.NoError(t, err)

	primary := view.Primary()
	require.NotNil(t, primary)
	assert.True(t, strings.HasPrefix(primary.Name, "dwn_"))
	assert.True(t, strings.HasSuffix(primary.Name, "_nginx"))
	assert.NotEmpty(t, primary.Session)

	ctr := rt.fake.ByName(primary.Name)
	require.NotNil(t, ctr)
	assert.Equal(t, "nginx:latest", ctr.Spec.Image)
	assert.Equal(t, []string{"nginx", "-g", "daemon off;"}, ctr.Spec.Command)
	assert.True(t, ctr.Spec.AutoRemove)
	assert.Equal(t, "true", ctr.Spec.Labels[instance.LabelManaged])
	assert.Equal(t, "nginx", ctr.Spec.Labels[instance.LabelPlan])
	assert.Equal(t, string(instance.RolePrimary), ctr.Spec.Labels[instance.LabelRole])

	require.Len(t, view.Ports, 1)
	assert.Equal(t, 8080, view.Ports[0].HostPort)
	assert.Equal(t, instance.RolePrimary, view.Ports[0].BoundBy)

	require.Len(t, view.Volumes, 1)
	assert.Equal(t, "/tmp/site", view.Volumes[0].HostPath)

	assert.True(t, rt.fake.HasNetwork("dwn"))
	assert.Contains(t, rt.fake.Pulled(), "nginx:latest")
}

func TestRun_SkipsPullWhenImagePresent(t *testing.T) {
	rt := newTestRuntime(t)
	rt.fake.AddImage("nginx:latest")

	_, err := rt.orch.Run(context.Background(), nginxPlan())
	require.NoError(t, err)
	assert.Empty(t, rt.fake.Pulled())
}

func TestRun_BuildsInlineDockerfile(t *testing.T) {
	rt := newTestRuntime(t)
	p := &plan.Plan{
		Name:       "custom",
		Image:      "custom/tool",
		Dockerfile: "FROM alpine\nRUN apk add --no-cache curl\n",
		Valid:      true,
	}

	view, err := rt.orch.Run(context.Background(), p)
	require.NoError(t, err)
	require.NotNil(t, view.Primary())

	assert.Equal(t, []string{"custom/tool:dwnlocal"}, rt.fake.Built())
	assert.Empty(t, rt.fake.Pulled())

	ctr := rt.fake.ByName(view.Primary().Name)
	require.NotNil(t, ctr)
	assert.Equal(t, "custom/tool:dwnlocal", ctr.Spec.Image)
}

func TestRun_SkipsBuildWhenLocalImagePresent(t *testing.T) {
	rt := newTestRuntime(t)
	rt.fake.AddImage("custom/tool:dwnlocal")
	p := &plan.Plan{
		Name:       "custom",
		Image:      "custom/tool",
		Dockerfile: "FROM alpine\n",
		Valid:      true,
	}

	_, err := rt.orch.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Empty(t, rt.fake.Built())
	assert.Empty(t, rt.fake.Pulled())
}

func TestRun_BuildFailureAborts(t *testing.T) {
	rt := newTestRuntime(t)
	rt.fake.BuildErr = errors.New("RUN exited with code 1")
	p := &plan.Plan{
		Name:       "custom",
		Image:      "custom/tool",
		Dockerfile: "FROM alpine\n",
		Valid:      true,
	}

	_, err := rt.orch.Run(context.Background(), p)
	require.Error(t, err)
	assert.Equal(t, 0, rt.fake.Count())
}

func TestRun_RejectsInvalidPlan(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.orch.Run(context.Background(), &plan.Plan{Name: "noimg"})
	assert.ErrorIs(t, err, plan.ErrMissingImage)
	assert.Equal(t, 0, rt.fake.Count())
}

func TestRun_ConcurrentRunsGetDistinctSessions(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	p := &plan.Plan{Name: "amass", Image: "owasp/amass", Valid: true}

	v1, err := rt.orch.Run(ctx, p)
	require.NoError(t, err)
	v2, err := rt.orch.Run(ctx, p)
	require.NoError(t, err)

	require.NotNil(t, v1.Primary())
	require.NotNil(t, v2.Primary())
	assert.Equal(t, 2, rt.fake.Count())

	// the second view sees both sessions
	require.Len(t, v2.Containers, 2)
	assert.NotEqual(t, v2.Containers[0].Session, v2.Containers[1].Session)
	assert.NotEqual(t, v2.Containers[0].Name, v2.Containers[1].Name)
}

func TestRun_NameConflictReportsAlreadyRunning(t *testing.T) {
	rt := newTestRuntime(t)
	rt.fake.CreateErr = engine.NewEngineError("CreateContainer", "container", "dwn_x_nginx",
		"container name already in use", engine.ErrNameConflict)

	_, err := rt.orch.Run(context.Background(), nginxPlan())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestRun_HostPortTakenReportsPortConflict(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.orch.Run(ctx, nginxPlan())
	require.NoError(t, err)

	other := &plan.Plan{
		Name:  "caddy",
		Image: "caddy",
		Ports: []plan.PortSpec{{ContainerPort: 80, HostPort: 8080, Protocol: "tcp"}},
		Valid: true,
	}
	_, err = rt.orch.Run(ctx, other)
	assert.ErrorIs(t, err, ErrPortConflict)
	assert.Equal(t, 1, rt.fake.Count())
}

func TestRun_StartFailureRemovesPartialContainer(t *testing.T) {
	rt := newTestRuntime(t)
	rt.fake.StartErrs["_nginx"] = errors.New("oci runtime error")

	_, err := rt.orch.Run(context.Background(), nginxPlan())
	require.Error(t, err)
	assert.Equal(t, 0, rt.fake.Count())
}

func TestRun_AutoPortGetsEngineAssigned(t *testing.T) {
	rt := newTestRuntime(t)
	p := &plan.Plan{
		Name:  "web",
		Image: "web",
		Ports: []plan.PortSpec{{ContainerPort: 80, HostPort: 0, Protocol: "tcp"}},
		Valid: true,
	}

	view, err := rt.orch.Run(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, view.Ports, 1)
	assert.GreaterOrEqual(t, view.Ports[0].HostPort, 49152)
}

// =============================================================================
// Stop
// =============================================================================

func TestStop_RemovesEverything(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.orch.Run(ctx, nginxPlan())
	require.NoError(t, err)
	_, err = rt.binder.Add(ctx, "nginx", 80, "tcp", 9000)
	require.NoError(t, err)
	require.Equal(t, 2, rt.fake.Count())

	stopped, err := rt.orch.Stop(ctx, "nginx", false)
	require.NoError(t, err)
	assert.Equal(t, 2, stopped)
	assert.Equal(t, 0, rt.fake.Count())
}

func TestStop_IsIdempotent(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.orch.Run(ctx, nginxPlan())
	require.NoError(t, err)

	stopped, err := rt.orch.Stop(ctx, "nginx", false)
	require.NoError(t, err)
	assert.Equal(t, 1, stopped)

	stopped, err = rt.orch.Stop(ctx, "nginx", false)
	require.NoError(t, err)
	assert.Equal(t, 0, stopped)
}

func TestStop_StopsAllSessions(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	p := &plan.Plan{Name: "amass", Image: "owasp/amass", Valid: true}

	_, err := rt.orch.Run(ctx, p)
	require.NoError(t, err)
	_, err = rt.orch.Run(ctx, p)
	require.NoError(t, err)

	stopped, err := rt.orch.Stop(ctx, "amass", false)
	require.NoError(t, err)
	assert.Equal(t, 2, stopped)
	assert.Equal(t, 0, rt.fake.Count())
}

func TestStopSession_LeavesOtherSessions(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	p := &plan.Plan{Name: "amass", Image: "owasp/amass", Valid: true}

	v1, err := rt.orch.Run(ctx, p)
	require.NoError(t, err)
	v2, err := rt.orch.Run(ctx, p)
	require.NoError(t, err)

	stopped, err := rt.orch.StopSession(ctx, "amass", v1.Primary().Session, false)
	require.NoError(t, err)
	assert.Equal(t, 1, stopped)

	// the other invocation keeps running
	got, err := rt.tracker.GetPlan(ctx, "amass")
	require.NoError(t, err)
	require.NotNil(t, got.Primary())
	assert.Equal(t, v2.Primary().Session, got.Primary().Session)

	// repeating the call has nothing left in that session
	stopped, err = rt.orch.StopSession(ctx, "amass", v1.Primary().Session, false)
	require.NoError(t, err)
	assert.Equal(t, 0, stopped)
}

func TestStopSession_LeavesForwardsForStop(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	view, err := rt.orch.Run(ctx, nginxPlan())
	require.NoError(t, err)
	_, err = rt.binder.Add(ctx, "nginx", 80, "tcp", 9000)
	require.NoError(t, err)

	stopped, err := rt.orch.StopSession(ctx, "nginx", view.Primary().Session, false)
	require.NoError(t, err)
	assert.Equal(t, 1, stopped)

	// the relay has its own binding token and survives as an orphan
	got, err := rt.tracker.GetPlan(ctx, "nginx")
	require.NoError(t, err)
	assert.Nil(t, got.Primary())
	require.Len(t, got.Orphaned(), 1)

	stopped, err = rt.orch.Stop(ctx, "nginx", false)
	require.NoError(t, err)
	assert.Equal(t, 1, stopped)
	assert.Equal(t, 0, rt.fake.Count())
}

func TestStop_PartialFailureNamesTheContainer(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.orch.Run(ctx, nginxPlan())
	require.NoError(t, err)
	_, err = rt.binder.Add(ctx, "nginx", 80, "tcp", 9000)
	require.NoError(t, err)
	_, err = rt.binder.Add(ctx, "nginx", 80, "tcp", 9001)
	require.NoError(t, err)

	rt.fake.StopErrs["_net_80_9000"] = errors.New("daemon timeout")

	stopped, err := rt.orch.Stop(ctx, "nginx", false)
	assert.Equal(t, 2, stopped)

	var partial *PartialStopError
	require.ErrorAs(t, err, &partial)
	require.Len(t, partial.Failures, 1)
	assert.Contains(t, partial.Failures[0].Name, "_net_80_9000")
	assert.Contains(t, partial.Error(), partial.Failures[0].Name)

	// the failing container survives, everything else is gone
	assert.Equal(t, 1, rt.fake.Count())
}

func TestStop_CleansOrphanedForwards(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	view, err := rt.orch.Run(ctx, nginxPlan())
	require.NoError(t, err)
	_, err = rt.binder.Add(ctx, "nginx", 80, "tcp", 9000)
	require.NoError(t, err)

	rt.fake.RemoveByName(view.Primary().Name)

	stopped, err := rt.orch.Stop(ctx, "nginx", false)
	require.NoError(t, err)
	assert.Equal(t, 1, stopped)
	assert.Equal(t, 0, rt.fake.Count())
}

// =============================================================================
// Logs and Preflight
// =============================================================================

func TestStreamLogs(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	view, err := rt.orch.Run(ctx, nginxPlan())
	require.NoError(t, err)
	primary := view.Primary()
	rt.fake.SetLogs(primary.Name, "ready to serve\n")

	var buf strings.Builder
	require.NoError(t, rt.orch.StreamLogs(ctx, primary.ID, &buf))
	assert.Equal(t, "ready to serve\n", buf.String())
}

func TestPreflight(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	report, err := rt.orch.Preflight(ctx)
	require.NoError(t, err)
	assert.True(t, report.EngineReachable)
	assert.False(t, report.RelayImagePresent)
	assert.Equal(t, "dwn", report.Network)

	rt.fake.AddImage(report.RelayImage)
	report, err = rt.orch.Preflight(ctx)
	require.NoError(t, err)
	assert.True(t, report.RelayImagePresent)
}

func TestPreflight_EngineDown(t *testing.T) {
	rt := newTestRuntime(t)
	rt.fake.PingErr = errors.New("cannot connect to the engine socket")

	report, err := rt.orch.Preflight(context.Background())
	require.Error(t, err)
	assert.False(t, report.EngineReachable)
}
