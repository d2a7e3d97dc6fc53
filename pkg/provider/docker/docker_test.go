package docker

import (
	"testing"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/browserd/pkg/provider"
)

func TestBuildConfig_PortBindings(t *testing.T) {
	spec := provider.ContainerSpec{
		Name:    "lab-s1-browser",
		Image:   "browser-daemon:latest",
		Command: []string{"daemon", "--port", "9223"},
		Env:     map[string]string{"SESSION_ID": "s1"},
		Labels:  provider.SessionLabels("s1", "", "browser"),
		PortBindings: []provider.PortBinding{
			{HostPort: 9301, ContainerPort: 9223},
		},
		MemoryBytes: 512 << 20,
		ShmBytes:    256 << 20,
	}

	cfg, hostCfg, err := buildConfig(spec)
	require.NoError(t, err)

	port := nat.Port("9223/tcp")
	assert.Contains(t, cfg.ExposedPorts, port)
	require.Len(t, hostCfg.PortBindings[port], 1)
	assert.Equal(t, "127.0.0.1", hostCfg.PortBindings[port][0].HostIP)
	assert.Equal(t, "9301", hostCfg.PortBindings[port][0].HostPort)
	assert.Equal(t, []string{"SESSION_ID=s1"}, cfg.Env)
	assert.Equal(t, "s1", cfg.Labels[provider.LabelSession])
	assert.Equal(t, int64(512<<20), hostCfg.Resources.Memory)
	assert.Equal(t, int64(256<<20), hostCfg.ShmSize)
	assert.Empty(t, string(hostCfg.NetworkMode))
}

func TestBuildConfig_RequiresImage(t *testing.T) {
	_, _, err := buildConfig(provider.ContainerSpec{Name: "x"})
	assert.Error(t, err)
}

func TestMapState(t *testing.T) {
	tests := []struct {
		in   string
		want provider.ContainerState
	}{
		{"created", provider.StateCreated},
		{"running", provider.StateRunning},
		{"restarting", provider.StateRunning},
		{"paused", provider.StatePaused},
		{"exited", provider.StateExited},
		{"dead", provider.StateDead},
		{"bogus", provider.StateUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, mapState(tt.in))
		})
	}
}

func TestFromMessage(t *testing.T) {
	now := time.Now()
	msg := events.Message{
		Action:   events.Action("die"),
		Actor:    events.Actor{ID: "abc", Attributes: map[string]string{provider.LabelSession: "s1"}},
		Time:     now.Unix(),
		TimeNano: now.UnixNano(),
	}

	ev, ok := fromMessage(msg)
	require.True(t, ok)
	assert.Equal(t, "abc", ev.ContainerID)
	assert.Equal(t, provider.EventDie, ev.Action)
	assert.Equal(t, "s1", ev.Labels[provider.LabelSession])
	assert.Equal(t, now.UnixNano(), ev.Time.UnixNano())

	_, ok = fromMessage(events.Message{Action: events.Action("exec_start")})
	assert.False(t, ok)
}

func TestLabelFilters(t *testing.T) {
	args := labelFilters(map[string]string{provider.LabelManaged: "true"})
	assert.True(t, args.ExactMatch("label", provider.LabelManaged+"=true"))
}
