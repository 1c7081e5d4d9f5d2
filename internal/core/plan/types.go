package plan

import (
	"fmt"
	"strings"
)

// =============================================================================
// Plan Types
// =============================================================================

// Plan represents a single tool definition, loaded from a plan file.
// A Plan is read-only input: loaded once per command invocation and never
// mutated afterwards. AddCommand returns a copy for that reason.
type Plan struct {
	Name        string
	Image       string
	Version     string // image tag, "latest" when unset
	Command     string
	Detach      bool
	TTY         bool
	Mounts      []Mount
	Ports       []PortSpec
	Environment map[string]string
	Options     map[string]any // opaque passthrough to container creation

	// Dockerfile is an optional inline dockerfile. When set, the plan's
	// image is built locally from it instead of pulled, tagged with the
	// local version.
	Dockerfile string

	// Path is the plan file this Plan was loaded from, empty for
	// programmatically built plans.
	Path string

	// Valid is false when the plan file was parseable but failed
	// validation. Invalid plans are kept so they can be reported.
	Valid bool
}

// Mount defines a bind mount from the host into the container.
type Mount struct {
	HostPath      string
	ContainerPath string
	Mode          string // "rw" (default) or "ro"
}

// PortSpec defines a static port mapping declared by a plan.
type PortSpec struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
}

// Validate explains why a plan is invalid. Returns nil for valid plans.
func (p *Plan) Validate() error {
	if p.Name == "" {
		return ErrMissingName
	}
	if p.Image == "" {
		return ErrMissingImage
	}
	if hasDuplicateHostPorts(p.Ports) {
		return ErrDuplicateHostPort
	}
	return nil
}

// localVersion tags images built from an inline dockerfile, so they
// never shadow a published tag of the same image name.
const localVersion = "dwnlocal"

// HasDockerfile reports whether the plan carries a usable inline
// dockerfile. A dockerfile without a FROM instruction is ignored and
// the plan falls back to pulling its image.
func (p *Plan) HasDockerfile() bool {
	if p.Dockerfile == "" {
		return false
	}
	return strings.Contains(strings.ToUpper(p.Dockerfile), "FROM")
}

// ImageRef returns the image:version reference for the plan. Plans with
// an inline dockerfile resolve to the locally built tag.
func (p *Plan) ImageRef() string {
	if p.HasDockerfile() {
		return fmt.Sprintf("%s:%s", p.Image, localVersion)
	}
	v := p.Version
	if v == "" {
		v = "latest"
	}
	return fmt.Sprintf("%s:%s", p.Image, v)
}

// AddCommand returns a copy of the plan with extra arguments appended to
// its command. Loaded plans stay immutable.
func (p *Plan) AddCommand(extra ...string) *Plan {
	c := *p
	if len(extra) > 0 {
		c.Command = strings.TrimSpace(c.Command + " " + strings.Join(extra, " "))
	}
	return &c
}

func (p *Plan) String() string {
	return fmt.Sprintf("name=%s image=%s valid=%t", p.Name, p.ImageRef(), p.Valid)
}
