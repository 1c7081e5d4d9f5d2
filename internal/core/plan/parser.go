package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Plan File Parsing
// =============================================================================

// planDoc mirrors the plan file layout. Ports, volumes and environment
// accept several YAML shapes, so they are decoded from raw nodes.
type planDoc struct {
	Name        string         `yaml:"name"`
	Image       string         `yaml:"image"`
	Version     string         `yaml:"version"`
	Command     string         `yaml:"command"`
	Detach      bool           `yaml:"detach"`
	TTY         bool           `yaml:"tty"`
	Dockerfile  string         `yaml:"dockerfile"`
	Volumes     yaml.Node      `yaml:"volumes"`
	Ports       yaml.Node      `yaml:"ports"`
	Environment yaml.Node      `yaml:"environment"`
	Options     map[string]any `yaml:"options"`
}

// Parse parses a plan definition into a Plan.
//
// Structural problems (broken YAML, unparseable port or mount entries)
// return an error. Semantic problems (missing required keys, a host port
// exposed twice) return the plan with Valid set to false, so loaders can
// keep and report it the way the show command expects.
func Parse(data []byte) (*Plan, error) {
	if strings.TrimSpace(string(data)) == "" {
		return nil, ErrEmptyInput
	}

	var doc planDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	p := &Plan{
		Name:       doc.Name,
		Image:      doc.Image,
		Version:    doc.Version,
		Command:    doc.Command,
		Detach:     doc.Detach,
		TTY:        doc.TTY,
		Dockerfile: doc.Dockerfile,
		Options:    doc.Options,
		Valid:      true,
	}

	if p.Name == "" || p.Image == "" {
		p.Valid = false
	}
	if p.Version == "" {
		p.Version = "latest"
	}

	ports, err := parsePortsNode(&doc.Ports)
	if err != nil {
		return nil, err
	}
	p.Ports = ports

	mounts, err := parseVolumesNode(&doc.Volumes)
	if err != nil {
		return nil, err
	}
	p.Mounts = mounts

	env, err := parseEnvironmentNode(&doc.Environment)
	if err != nil {
		return nil, err
	}
	p.Environment = env

	if hasDuplicateHostPorts(p.Ports) {
		p.Valid = false
	}

	return p, nil
}

// hasDuplicateHostPorts reports whether two port specs claim the same
// host port. Auto-assigned ports (0) never collide.
func hasDuplicateHostPorts(ports []PortSpec) bool {
	seen := make(map[int]bool)
	for _, ps := range ports {
		if ps.HostPort == 0 {
			continue
		}
		if seen[ps.HostPort] {
			return true
		}
		seen[ps.HostPort] = true
	}
	return false
}

// =============================================================================
// Port Parsing
// =============================================================================

// ParsePortSpec parses a single "container[:host][/proto]" port spec,
// the same syntax a plan file accepts as a scalar port entry.
func ParsePortSpec(s string) (PortSpec, error) {
	return parsePortScalar(s)
}

// parsePortsNode accepts the three port shapes a plan may use:
//
//	ports: 80                  # single port, host == container
//	ports: {80: 8080}          # container: host mapping
//	ports: [80, {443: 8443}]   # list of either form
//
// String scalars also work: "80:8080/udp", "80:auto".
func parsePortsNode(n *yaml.Node) ([]PortSpec, error) {
	if n == nil || n.Kind == 0 {
		return nil, nil
	}

	switch n.Kind {
	case yaml.ScalarNode:
		ps, err := parsePortScalar(n.Value)
		if err != nil {
			return nil, err
		}
		return []PortSpec{ps}, nil

	case yaml.MappingNode:
		var out []PortSpec
		for i := 0; i < len(n.Content); i += 2 {
			ps, err := parsePortPair(n.Content[i], n.Content[i+1])
			if err != nil {
				return nil, err
			}
			out = append(out, ps)
		}
		return out, nil

	case yaml.SequenceNode:
		var out []PortSpec
		for i, item := range n.Content {
			specs, err := parsePortsNode(item)
			if err != nil {
				return nil, NewParseError(fmt.Sprintf("ports[%d]", i), err.Error(), ErrInvalidPort)
			}
			out = append(out, specs...)
		}
		return out, nil
	}

	return nil, NewParseError("ports", "unexpected ports layout", ErrInvalidPort)
}

// parsePortPair handles one "container: host" mapping entry.
func parsePortPair(key, val *yaml.Node) (PortSpec, error) {
	cp, proto, err := parsePortKey(key.Value)
	if err != nil {
		return PortSpec{}, err
	}
	hp, err := parseHostPort(val.Value)
	if err != nil {
		return PortSpec{}, err
	}
	return PortSpec{ContainerPort: cp, HostPort: hp, Protocol: proto}, nil
}

// parsePortScalar handles "80", "80/udp", "80:8080", "80:8080/udp" and
// "80:auto".
func parsePortScalar(s string) (PortSpec, error) {
	proto := "tcp"
	if i := strings.LastIndex(s, "/"); i >= 0 {
		proto = s[i+1:]
		s = s[:i]
	}
	if proto != "tcp" && proto != "udp" {
		return PortSpec{}, NewParseError("ports", fmt.Sprintf("unknown protocol %q", proto), ErrInvalidPort)
	}

	cpart, hpart, found := strings.Cut(s, ":")
	cp, err := strconv.Atoi(strings.TrimSpace(cpart))
	if err != nil || cp <= 0 || cp > 65535 {
		return PortSpec{}, NewParseError("ports", fmt.Sprintf("invalid container port %q", cpart), ErrInvalidPort)
	}

	hp := cp
	if found {
		hp, err = parseHostPort(strings.TrimSpace(hpart))
		if err != nil {
			return PortSpec{}, err
		}
	}

	return PortSpec{ContainerPort: cp, HostPort: hp, Protocol: proto}, nil
}

// parsePortKey parses a mapping key: "80" or "80/udp".
func parsePortKey(s string) (int, string, error) {
	proto := "tcp"
	if i := strings.LastIndex(s, "/"); i >= 0 {
		proto = s[i+1:]
		s = s[:i]
	}
	if proto != "tcp" && proto != "udp" {
		return 0, "", NewParseError("ports", fmt.Sprintf("unknown protocol %q", proto), ErrInvalidPort)
	}
	cp, err := strconv.Atoi(s)
	if err != nil || cp <= 0 || cp > 65535 {
		return 0, "", NewParseError("ports", fmt.Sprintf("invalid container port %q", s), ErrInvalidPort)
	}
	return cp, proto, nil
}

// parseHostPort parses a host port value. "auto" or 0 request an
// engine-assigned port.
func parseHostPort(s string) (int, error) {
	if s == "" || s == "auto" {
		return 0, nil
	}
	hp, err := strconv.Atoi(s)
	if err != nil || hp < 0 || hp > 65535 {
		return 0, NewParseError("ports", fmt.Sprintf("invalid host port %q", s), ErrInvalidPort)
	}
	return hp, nil
}

// =============================================================================
// Volume Parsing
// =============================================================================

// parseVolumesNode accepts either shape:
//
//	volumes:
//	  .: {bind: /data}
//	  ~/tools: {bind: /tools, mode: ro}
//
//	volumes:
//	  - ./data:/data
//	  - ~/tools:/tools:ro
func parseVolumesNode(n *yaml.Node) ([]Mount, error) {
	if n == nil || n.Kind == 0 {
		return nil, nil
	}

	switch n.Kind {
	case yaml.MappingNode:
		var out []Mount
		for i := 0; i < len(n.Content); i += 2 {
			m, err := parseVolumePair(n.Content[i], n.Content[i+1])
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		return out, nil

	case yaml.SequenceNode:
		var out []Mount
		for i, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, NewParseError(fmt.Sprintf("volumes[%d]", i), "expected host:container string", ErrInvalidMount)
			}
			m, err := parseVolumeShort(item.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		return out, nil
	}

	return nil, NewParseError("volumes", "unexpected volumes layout", ErrInvalidMount)
}

// parseVolumePair handles one "host: {bind: ..., mode: ...}" entry.
func parseVolumePair(key, val *yaml.Node) (Mount, error) {
	host, err := expandHostPath(key.Value)
	if err != nil {
		return Mount{}, NewParseError("volumes", err.Error(), ErrInvalidMount)
	}

	switch val.Kind {
	case yaml.ScalarNode:
		if val.Value == "" {
			return Mount{}, NewParseError("volumes", fmt.Sprintf("volume %s does not have a bind", key.Value), ErrInvalidMount)
		}
		return Mount{HostPath: host, ContainerPath: val.Value, Mode: "rw"}, nil

	case yaml.MappingNode:
		var detail struct {
			Bind string `yaml:"bind"`
			Mode string `yaml:"mode"`
		}
		if err := val.Decode(&detail); err != nil {
			return Mount{}, NewParseError("volumes", err.Error(), ErrInvalidMount)
		}
		if detail.Bind == "" {
			return Mount{}, NewParseError("volumes", fmt.Sprintf("volume %s does not have a bind", key.Value), ErrInvalidMount)
		}
		if detail.Mode == "" {
			detail.Mode = "rw"
		}
		return Mount{HostPath: host, ContainerPath: detail.Bind, Mode: detail.Mode}, nil
	}

	return Mount{}, NewParseError("volumes", "unexpected volume layout", ErrInvalidMount)
}

// parseVolumeShort handles "host:container[:mode]".
func parseVolumeShort(s string) (Mount, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Mount{}, NewParseError("volumes", fmt.Sprintf("invalid volume %q", s), ErrInvalidMount)
	}
	host, err := expandHostPath(parts[0])
	if err != nil {
		return Mount{}, NewParseError("volumes", err.Error(), ErrInvalidMount)
	}
	mode := "rw"
	if len(parts) == 3 {
		mode = parts[2]
	}
	return Mount{HostPath: host, ContainerPath: parts[1], Mode: mode}, nil
}

// expandHostPath expands ~ and makes the path absolute, so the engine
// receives usable bind sources no matter where dwn was invoked from.
func expandHostPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Abs(p)
}

// =============================================================================
// Environment Parsing
// =============================================================================

// parseEnvironmentNode accepts a key: value mapping or a list of
// KEY=VALUE strings.
func parseEnvironmentNode(n *yaml.Node) (map[string]string, error) {
	if n == nil || n.Kind == 0 {
		return nil, nil
	}

	switch n.Kind {
	case yaml.MappingNode:
		out := make(map[string]string, len(n.Content)/2)
		for i := 0; i < len(n.Content); i += 2 {
			out[n.Content[i].Value] = n.Content[i+1].Value
		}
		return out, nil

	case yaml.SequenceNode:
		out := make(map[string]string, len(n.Content))
		for i, item := range n.Content {
			k, v, found := strings.Cut(item.Value, "=")
			if !found || k == "" {
				return nil, NewParseError(fmt.Sprintf("environment[%d]", i), "expected KEY=VALUE", ErrInvalidEnv)
			}
			out[k] = v
		}
		return out, nil
	}

	return nil, NewParseError("environment", "unexpected environment layout", ErrInvalidEnv)
}
