// Package e2e provides end-to-end tests against a real container engine.
// The suite is opt-in: set DWN_E2E=1 and have a reachable Docker daemon.
package e2e

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/artpar/dwn/internal/shell/engine"
	"github.com/artpar/dwn/internal/shell/runtime"
)

// testImage is small and long-running, which is all the suite needs.
const testImage = "alpine"

// harness bundles the runtime components over one engine client.
type harness struct {
	docker  *engine.DockerClient
	tracker *runtime.Tracker
	orch    *runtime.Orchestrator
	binder  *runtime.Binder
}

// newHarness skips the test unless e2e runs are enabled and the local
// engine responds. Every component uses a dedicated test network so a
// developer's real dwn containers are left alone.
func newHarness(t *testing.T) *harness {
	t.Helper()

	if os.Getenv("DWN_E2E") == "" {
		t.Skip("set DWN_E2E=1 to run end-to-end tests")
	}

	docker, err := engine.NewDockerClient(os.Getenv("DOCKER_HOST"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = docker.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := docker.Ping(ctx); err != nil {
		t.Skipf("container engine not reachable: %v", err)
	}

	cfg := runtime.DefaultConfig()
	cfg.Network = "dwn-e2e"
	cfg.StopTimeout = 5 * time.Second

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracker := runtime.NewTracker(docker, cfg.Network, logger)

	return &harness{
		docker:  docker,
		tracker: tracker,
		orch:    runtime.NewOrchestrator(docker, tracker, cfg, logger),
		binder:  runtime.NewBinder(docker, tracker, cfg, logger),
	}
}

// stopPlan tears a plan down at cleanup time, tolerating plans the test
// already stopped itself.
func (h *harness) stopPlan(t *testing.T, name string) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, _ = h.orch.Stop(ctx, name, true)
	})
}
