package instance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewToken(t *testing.T) {
	a := NewToken()
	b := NewToken()

	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "dwn_ab12cd34_nginx", ContainerName("nginx", "ab12cd34"))
}

func TestForwardName(t *testing.T) {
	assert.Equal(t, "dwn_ab12cd34_nginx_net_80_9000", ForwardName("nginx", "ab12cd34", 80, 9000))
}

func TestParseForwardName(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		containerPort int
		hostPort      int
		ok            bool
	}{
		{"well formed", "dwn_ab12cd34_nginx_net_80_9000", 80, 9000, true},
		{"plan with underscore", "dwn_ab12cd34_my_tool_net_53_5353", 53, 5353, true},
		{"primary name", "dwn_ab12cd34_nginx", 0, 0, false},
		{"garbage ports", "dwn_ab12cd34_nginx_net_x_y", 0, 0, false},
		{"unmanaged", "someone-elses-container", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp, hp, ok := ParseForwardName(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.containerPort, cp)
			assert.Equal(t, tt.hostPort, hp)
		})
	}
}

func TestPrimaryLabels(t *testing.T) {
	labels := PrimaryLabels("nginx", "ab12cd34")

	assert.Equal(t, "true", labels[LabelManaged])
	assert.Equal(t, "nginx", labels[LabelPlan])
	assert.Equal(t, "ab12cd34", labels[LabelSession])

	role, ok := RoleOf(labels)
	require.True(t, ok)
	assert.Equal(t, RolePrimary, role)

	_, _, _, ok = ForwardTarget(labels)
	assert.False(t, ok)
}

func TestForwardLabels_RoundTrip(t *testing.T) {
	labels := ForwardLabels("nginx", "ab12cd34", 80, "udp", 9000)

	role, ok := RoleOf(labels)
	require.True(t, ok)
	assert.Equal(t, RoleForward, role)

	cp, proto, hp, ok := ForwardTarget(labels)
	require.True(t, ok)
	assert.Equal(t, 80, cp)
	assert.Equal(t, "udp", proto)
	assert.Equal(t, 9000, hp)
}

func TestRoleOf_Unlabeled(t *testing.T) {
	_, ok := RoleOf(map[string]string{})
	assert.False(t, ok)

	_, ok = RoleOf(map[string]string{LabelRole: "builder"})
	assert.False(t, ok)
}
