package plan

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Compose Import
// =============================================================================

// FromComposeService converts one service of a docker-compose file into a
// plan, so existing compose definitions can be reused as dwn tools without
// rewriting them.
func FromComposeService(yamlContent, serviceName string) (*Plan, error) {
	if strings.TrimSpace(yamlContent) == "" {
		return nil, ErrEmptyInput
	}

	project, err := loadComposeProject(yamlContent)
	if err != nil {
		return nil, err
	}

	svc, ok := project.Services[serviceName]
	if !ok {
		return nil, NewParseError("services", fmt.Sprintf("service %q not found in compose file", serviceName), ErrPlanNotFound)
	}
	if svc.Image == "" {
		return nil, NewParseError(fmt.Sprintf("services.%s", serviceName), "service has no image", ErrMissingImage)
	}

	image, version := splitImageRef(svc.Image)

	p := &Plan{
		Name:    serviceName,
		Image:   image,
		Version: version,
		Command: strings.Join(svc.Command, " "),
		Detach:  true, // compose services are long-running by convention
		Valid:   true,
	}

	for _, port := range svc.Ports {
		hp := 0
		if port.Published != "" {
			hp, err = strconv.Atoi(port.Published)
			if err != nil {
				return nil, NewParseError(fmt.Sprintf("services.%s.ports", serviceName),
					fmt.Sprintf("published port %q is not a single port", port.Published), ErrInvalidPort)
			}
		}
		proto := port.Protocol
		if proto == "" {
			proto = "tcp"
		}
		p.Ports = append(p.Ports, PortSpec{
			ContainerPort: int(port.Target),
			HostPort:      hp,
			Protocol:      proto,
		})
	}

	for _, vol := range svc.Volumes {
		if vol.Type != types.VolumeTypeBind {
			// named volumes and tmpfs have no host path to bind
			continue
		}
		host, err := expandHostPath(vol.Source)
		if err != nil {
			return nil, NewParseError(fmt.Sprintf("services.%s.volumes", serviceName), err.Error(), ErrInvalidMount)
		}
		mode := "rw"
		if vol.ReadOnly {
			mode = "ro"
		}
		p.Mounts = append(p.Mounts, Mount{HostPath: host, ContainerPath: vol.Target, Mode: mode})
	}

	if len(svc.Environment) > 0 {
		p.Environment = make(map[string]string, len(svc.Environment))
		for k, v := range svc.Environment {
			if v != nil {
				p.Environment[k] = *v
			}
		}
	}

	if hasDuplicateHostPorts(p.Ports) {
		p.Valid = false
	}

	return p, nil
}

// loadComposeProject loads a compose file in memory using compose-go.
func loadComposeProject(yamlContent string) (*types.Project, error) {
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(yamlContent), &dict); err != nil || dict == nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: []byte(yamlContent),
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName("dwn-import", false)
		opts.SkipValidation = false
		opts.SkipInterpolation = false
		// in-memory load, nothing to resolve on disk
		opts.SkipNormalization = true
		opts.SkipExtends = true
	})
	if err != nil {
		return nil, NewParseError("", err.Error(), ErrInvalidYAML)
	}

	return project, nil
}

// splitImageRef splits image:tag, defaulting to latest. Registry ports
// (registry:5000/img) are not mistaken for tags.
func splitImageRef(ref string) (string, string) {
	i := strings.LastIndex(ref, ":")
	if i < 0 || strings.Contains(ref[i+1:], "/") {
		return ref, "latest"
	}
	return ref[:i], ref[i+1:]
}
