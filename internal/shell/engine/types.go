// Package engine wraps the container engine behind a small contract so
// the runtime layer can be exercised against a fake in tests. The engine
// is the system of record: nothing in dwn caches what it reports.
package engine

import (
	"context"
	"io"
	"time"
)

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the specification for creating a container.
type ContainerSpec struct {
	Name         string
	Image        string
	Command      []string
	Env          map[string]string
	Labels       map[string]string
	Ports        []PortBinding
	Mounts       []BindMount
	Network      string // network to attach, created up front via EnsureNetwork
	NetworkAlias string
	AutoRemove   bool
	TTY          bool

	// Extra carries plan passthrough options applied best-effort to the
	// engine's creation call: user, working_dir, hostname, privileged,
	// cap_add, entrypoint. Unknown keys are ignored.
	Extra map[string]any
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// BindMount defines a host path mounted into the container.
type BindMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// =============================================================================
// Container Info
// =============================================================================

// ContainerStatus represents the container status.
type ContainerStatus string

const (
	StatusCreated    ContainerStatus = "created"
	StatusRunning    ContainerStatus = "running"
	StatusPaused     ContainerStatus = "paused"
	StatusRestarting ContainerStatus = "restarting"
	StatusRemoving   ContainerStatus = "removing"
	StatusExited     ContainerStatus = "exited"
	StatusDead       ContainerStatus = "dead"
)

// ContainerInfo contains information about a container.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	Status    ContainerStatus
	CreatedAt time.Time
	Ports     []PortBinding
	Mounts    []BindMount
	Labels    map[string]string
	ExitCode  int

	// Addresses maps network name to the container's address on that
	// network. Only filled by InspectContainer.
	Addresses map[string]string
}

// AddressOn returns the container's address on the given network,
// falling back to any attached network when it is not a member.
func (c *ContainerInfo) AddressOn(network string) string {
	if addr, ok := c.Addresses[network]; ok && addr != "" {
		return addr
	}
	for _, addr := range c.Addresses {
		if addr != "" {
			return addr
		}
	}
	return ""
}

// =============================================================================
// Options
// =============================================================================

// RemoveOptions defines options for removing containers.
type RemoveOptions struct {
	Force bool
}

// ListOptions defines options for listing containers.
type ListOptions struct {
	All    bool              // include stopped containers
	Labels map[string]string // label equality filters, ANDed
}

// LogOptions defines options for container logs.
type LogOptions struct {
	Follow     bool
	Tail       string // "all" or a number
	Timestamps bool
}

// =============================================================================
// Client Interface
// =============================================================================

// Client is the engine contract the rest of dwn depends on. Failures are
// surfaced, never retried here: only callers know whether an operation is
// idempotent.
type Client interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error)
	ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error)
	ContainerLogs(ctx context.Context, containerID string, opts LogOptions) (io.ReadCloser, error)

	// EnsureNetwork creates the named bridge network when absent.
	EnsureNetwork(ctx context.Context, name string) error

	PullImage(ctx context.Context, image string) error
	// BuildImage builds an image from inline dockerfile content and
	// tags it. Used for plans that ship their own dockerfile.
	BuildImage(ctx context.Context, dockerfile, tag string) error
	ImageExists(ctx context.Context, image string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}
