// Package enginetest provides an in-memory engine.Client so the runtime
// layer can be tested without a Docker daemon. The fake enforces the two
// things the real engine arbitrates: container name uniqueness and host
// port bind exclusivity.
package enginetest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/artpar/dwn/internal/shell/engine"
)

// Container is one container held by the fake.
type Container struct {
	ID      string
	Spec    engine.ContainerSpec
	Status  engine.ContainerStatus
	Address string
	Logs    string
}

// Fake is an in-memory engine.Client.
type Fake struct {
	mu sync.Mutex

	containers map[string]*Container // by ID
	networks   map[string]bool
	images     map[string]bool
	pulled     []string
	built      []string

	nextID   int
	nextAddr int
	nextPort int

	// Failure injection. Map keys match container names by substring,
	// since managed names embed random session tokens.
	CreateErr  error
	ListErr    error
	PingErr    error
	BuildErr   error
	StartErrs  map[string]error
	StopErrs   map[string]error
	RemoveErrs map[string]error
}

func matchErr(errs map[string]error, name string) (error, bool) {
	for k, err := range errs {
		if strings.Contains(name, k) {
			return err, true
		}
	}
	return nil, false
}

// NewFake creates an empty fake engine.
func NewFake() *Fake {
	return &Fake{
		containers: make(map[string]*Container),
		networks:   make(map[string]bool),
		images:     make(map[string]bool),
		nextPort:   49152,
		StartErrs:  make(map[string]error),
		StopErrs:   make(map[string]error),
		RemoveErrs: make(map[string]error),
	}
}

// AddImage marks an image as locally present.
func (f *Fake) AddImage(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[ref] = true
}

// Pulled returns the image refs pulled so far.
func (f *Fake) Pulled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pulled...)
}

// Built returns the image tags built so far.
func (f *Fake) Built() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.built...)
}

// ByName returns the container with the given name, or nil.
func (f *Fake) ByName(name string) *Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byNameLocked(name)
}

func (f *Fake) byNameLocked(name string) *Container {
	for _, c := range f.containers {
		if c.Spec.Name == name {
			return c
		}
	}
	return nil
}

// Count returns the number of containers the fake currently holds.
func (f *Fake) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// SetLogs sets the log content of a container by name.
func (f *Fake) SetLogs(name, logs string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.byNameLocked(name); c != nil {
		c.Logs = logs
	}
}

// MarkExited flips a container to the exited state, simulating a tool
// that ran to completion or a crashed primary.
func (f *Fake) MarkExited(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.byNameLocked(name); c != nil {
		c.Status = engine.StatusExited
	}
}

// RemoveByName drops a container outright, bypassing the client surface.
// Used to fabricate orphaned forwards.
func (f *Fake) RemoveByName(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.containers {
		if c.Spec.Name == name {
			delete(f.containers, id)
		}
	}
}

// =============================================================================
// engine.Client implementation
// =============================================================================

func (f *Fake) CreateContainer(_ context.Context, spec engine.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CreateErr != nil {
		err := f.CreateErr
		f.CreateErr = nil
		return "", err
	}

	if f.byNameLocked(spec.Name) != nil {
		return "", engine.NewEngineError("CreateContainer", "container", spec.Name,
			"container name already in use", engine.ErrNameConflict)
	}

	// host port exclusivity across everything not yet removed
	for i := range spec.Ports {
		p := &spec.Ports[i]
		if p.HostPort == 0 {
			p.HostPort = f.nextPort
			f.nextPort++
			continue
		}
		for _, c := range f.containers {
			if c.Status != engine.StatusRunning && c.Status != engine.StatusCreated {
				continue
			}
			for _, q := range c.Spec.Ports {
				if q.HostPort == p.HostPort {
					return "", engine.NewEngineError("CreateContainer", "container", spec.Name,
						fmt.Sprintf("port %d is already allocated", p.HostPort), engine.ErrPortAllocated)
				}
			}
		}
	}

	f.nextID++
	f.nextAddr++
	c := &Container{
		ID:      fmt.Sprintf("ctr%08d", f.nextID),
		Spec:    spec,
		Status:  engine.StatusCreated,
		Address: fmt.Sprintf("172.28.0.%d", f.nextAddr+1),
	}
	f.containers[c.ID] = c
	return c.ID, nil
}

func (f *Fake) StartContainer(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok {
		return engine.NewEngineError("StartContainer", "container", containerID, "container not found", engine.ErrContainerNotFound)
	}
	if c.Status == engine.StatusRunning {
		return engine.NewEngineError("StartContainer", "container", containerID, "container is already running", engine.ErrContainerAlreadyRunning)
	}
	if err, ok := matchErr(f.StartErrs, c.Spec.Name); ok {
		return err
	}
	c.Status = engine.StatusRunning
	return nil
}

func (f *Fake) StopContainer(_ context.Context, containerID string, _ *time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok {
		return engine.NewEngineError("StopContainer", "container", containerID, "container not found", engine.ErrContainerNotFound)
	}
	if err, ok := matchErr(f.StopErrs, c.Spec.Name); ok {
		return err
	}
	c.Status = engine.StatusExited
	if c.Spec.AutoRemove {
		delete(f.containers, containerID)
	}
	return nil
}

func (f *Fake) RemoveContainer(_ context.Context, containerID string, _ engine.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok {
		return engine.NewEngineError("RemoveContainer", "container", containerID, "container not found", engine.ErrContainerNotFound)
	}
	if err, ok := matchErr(f.RemoveErrs, c.Spec.Name); ok {
		return err
	}
	delete(f.containers, containerID)
	return nil
}

func (f *Fake) InspectContainer(_ context.Context, containerID string) (*engine.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok {
		return nil, engine.NewEngineError("InspectContainer", "container", containerID, "container not found", engine.ErrContainerNotFound)
	}
	info := f.infoLocked(c)
	info.Addresses = map[string]string{c.Spec.Network: c.Address}
	info.Mounts = append([]engine.BindMount(nil), c.Spec.Mounts...)
	return &info, nil
}

func (f *Fake) ListContainers(_ context.Context, opts engine.ListOptions) ([]engine.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ListErr != nil {
		return nil, f.ListErr
	}

	var result []engine.ContainerInfo
	for _, c := range f.containers {
		if !opts.All && c.Status != engine.StatusRunning {
			continue
		}
		if !labelsMatch(c.Spec.Labels, opts.Labels) {
			continue
		}
		result = append(result, f.infoLocked(c))
	}
	return result, nil
}

func labelsMatch(labels, want map[string]string) bool {
	for k, v := range want {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func (f *Fake) infoLocked(c *Container) engine.ContainerInfo {
	return engine.ContainerInfo{
		ID:     c.ID,
		Name:   c.Spec.Name,
		Image:  c.Spec.Image,
		Status: c.Status,
		Ports:  append([]engine.PortBinding(nil), c.Spec.Ports...),
		Labels: c.Spec.Labels,
	}
}

func (f *Fake) ContainerLogs(_ context.Context, containerID string, _ engine.LogOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok {
		return nil, engine.NewEngineError("ContainerLogs", "container", containerID, "container not found", engine.ErrContainerNotFound)
	}
	return io.NopCloser(strings.NewReader(c.Logs)), nil
}

func (f *Fake) EnsureNetwork(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = true
	return nil
}

// HasNetwork reports whether EnsureNetwork was called for name.
func (f *Fake) HasNetwork(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.networks[name]
}

func (f *Fake) PullImage(_ context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[image] = true
	f.pulled = append(f.pulled, image)
	return nil
}

func (f *Fake) BuildImage(_ context.Context, _ string, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BuildErr != nil {
		return f.BuildErr
	}
	f.images[tag] = true
	f.built = append(f.built, tag)
	return nil
}

func (f *Fake) ImageExists(_ context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[image], nil
}

func (f *Fake) Ping(_ context.Context) error {
	return f.PingErr
}

func (f *Fake) Close() error {
	return nil
}

var _ engine.Client = (*Fake)(nil)
