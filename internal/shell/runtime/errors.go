package runtime

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrPlanNotRunning is returned when an operation targets a plan
	// with no live primary container.
	ErrPlanNotRunning = errors.New("plan is not running")

	// ErrAlreadyRunning is returned when a run would collide with an
	// existing primary for the same plan and session.
	ErrAlreadyRunning = errors.New("plan is already running")

	// ErrPortConflict is returned when the engine rejects a host port
	// bind because the port is taken.
	ErrPortConflict = errors.New("host port is already in use")
)

// StopFailure records one container that could not be stopped or removed.
type StopFailure struct {
	ContainerID string
	Name        string
	Err         error
}

// PartialStopError reports the containers a stop operation failed on.
// The operation keeps going past failures, so already-stopped containers
// stay stopped and every failure is named individually.
type PartialStopError struct {
	Plan     string
	Failures []StopFailure
}

func (e *PartialStopError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, fmt.Sprintf("%s (%v)", f.Name, f.Err))
	}
	return fmt.Sprintf("failed to stop %d container(s) for plan %s: %s",
		len(e.Failures), e.Plan, strings.Join(names, ", "))
}
