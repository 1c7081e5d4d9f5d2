// Package instance defines the naming and labeling scheme for engine
// objects managed by dwn. The labels written here are the system's only
// database: every lookup later reconstructs state from them, so the label
// set is a stable contract.
package instance

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// =============================================================================
// Session Tokens
// =============================================================================

// Namespace prefixes every container name dwn creates.
const Namespace = "dwn"

// NewToken mints a short session token. Each run invocation gets its own
// token, which is what allows several simultaneous runs of one plan.
func NewToken() string {
	return uuid.New().String()[:8]
}

// =============================================================================
// Roles
// =============================================================================

// Role identifies what a managed container is for.
type Role string

const (
	// RolePrimary is the actual tool container of a running plan.
	RolePrimary Role = "primary"
	// RoleForward is an auxiliary relay publishing an extra host port
	// for a primary container.
	RoleForward Role = "forward"
)

// =============================================================================
// Names
// =============================================================================

// ContainerName returns the engine name for a primary container:
// dwn_<token>_<plan>.
func ContainerName(planName, token string) string {
	return fmt.Sprintf("%s_%s_%s", Namespace, token, planName)
}

// ForwardName returns the engine name for a forwarding container:
// dwn_<token>_<plan>_net_<containerPort>_<hostPort>.
func ForwardName(planName, token string, containerPort, hostPort int) string {
	return fmt.Sprintf("%s_%s_%s_net_%d_%d", Namespace, token, planName, containerPort, hostPort)
}

// ParseForwardName extracts the port pair from a forwarding container
// name. Display and debugging fallback only: the labels are authoritative
// and every managed container carries them.
func ParseForwardName(name string) (containerPort, hostPort int, ok bool) {
	i := strings.LastIndex(name, "_net_")
	if i < 0 {
		return 0, 0, false
	}
	parts := strings.Split(name[i+len("_net_"):], "_")
	if len(parts) != 2 {
		return 0, 0, false
	}
	cp, err1 := strconv.Atoi(parts[0])
	hp, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return cp, hp, true
}

// =============================================================================
// Labels
// =============================================================================

// Label keys. Other tooling may rely on these, do not rename.
const (
	LabelManaged  = "dwn.managed"
	LabelPlan     = "dwn.plan"
	LabelSession  = "dwn.session"
	LabelRole     = "dwn.role"
	LabelFwdPort  = "dwn.forward.port"
	LabelFwdProto = "dwn.forward.protocol"
	LabelFwdHost  = "dwn.forward.host_port"
)

// PrimaryLabels returns the label set for a primary container.
func PrimaryLabels(planName, token string) map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelPlan:    planName,
		LabelSession: token,
		LabelRole:    string(RolePrimary),
	}
}

// ForwardLabels returns the label set for a forwarding container. The
// target container port and protocol ride along so a forward can be
// resolved without parsing its name.
func ForwardLabels(planName, token string, containerPort int, protocol string, hostPort int) map[string]string {
	return map[string]string{
		LabelManaged:  "true",
		LabelPlan:     planName,
		LabelSession:  token,
		LabelRole:     string(RoleForward),
		LabelFwdPort:  strconv.Itoa(containerPort),
		LabelFwdProto: protocol,
		LabelFwdHost:  strconv.Itoa(hostPort),
	}
}

// RoleOf decodes the role from a label set. Unlabeled or unknown
// containers report ok=false.
func RoleOf(labels map[string]string) (Role, bool) {
	switch Role(labels[LabelRole]) {
	case RolePrimary:
		return RolePrimary, true
	case RoleForward:
		return RoleForward, true
	}
	return "", false
}

// ForwardTarget decodes a forward's target container port, protocol and
// published host port from its labels.
func ForwardTarget(labels map[string]string) (containerPort int, protocol string, hostPort int, ok bool) {
	if Role(labels[LabelRole]) != RoleForward {
		return 0, "", 0, false
	}
	cp, err1 := strconv.Atoi(labels[LabelFwdPort])
	hp, err2 := strconv.Atoi(labels[LabelFwdHost])
	if err1 != nil || err2 != nil {
		return 0, "", 0, false
	}
	protocol = labels[LabelFwdProto]
	if protocol == "" {
		protocol = "tcp"
	}
	return cp, protocol, hp, true
}
