package runc

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/beam-cloud/go-runc"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/browserd/pkg/provider"
)

// MockRunC implements Runtime with overridable function fields
type MockRunC struct {
	mu sync.Mutex

	stateFunc  func(ctx context.Context, id string) (*runc.Container, error)
	createFunc func(ctx context.Context, id, bundle string, opts *runc.CreateOpts) error
	startFunc  func(ctx context.Context, id string) error
	killFunc   func(ctx context.Context, id string, sig int, opts *runc.KillOpts) error
	deleteFunc func(ctx context.Context, id string, opts *runc.DeleteOpts) error
	listFunc   func(ctx context.Context) ([]*runc.Container, error)

	signals []int
}

func (m *MockRunC) State(ctx context.Context, id string) (*runc.Container, error) {
	if m.stateFunc != nil {
		return m.stateFunc(ctx, id)
	}
	return &runc.Container{ID: id, Status: "running", Pid: 12345}, nil
}

func (m *MockRunC) Create(ctx context.Context, id, bundle string, opts *runc.CreateOpts) error {
	if m.createFunc != nil {
		return m.createFunc(ctx, id, bundle, opts)
	}
	return nil
}

func (m *MockRunC) Start(ctx context.Context, id string) error {
	if m.startFunc != nil {
		return m.startFunc(ctx, id)
	}
	return nil
}

func (m *MockRunC) Kill(ctx context.Context, id string, sig int, opts *runc.KillOpts) error {
	m.mu.Lock()
	m.signals = append(m.signals, sig)
	m.mu.Unlock()
	if m.killFunc != nil {
		return m.killFunc(ctx, id, sig, opts)
	}
	return nil
}

func (m *MockRunC) Delete(ctx context.Context, id string, opts *runc.DeleteOpts) error {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, id, opts)
	}
	return nil
}

func (m *MockRunC) List(ctx context.Context) ([]*runc.Container, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx)
	}
	return []*runc.Container{}, nil
}

func newTestProvider(t *testing.T, mock *MockRunC) *Provider {
	t.Helper()
	dir := t.TempDir()
	return NewWithRuntime(mock, Config{
		Root:         filepath.Join(dir, "root"),
		BundleDir:    filepath.Join(dir, "bundles"),
		Rootfs:       "/var/lib/browserd/rootfs",
		PollInterval: 10 * time.Millisecond,
	})
}

func TestCreateContainer_WritesBundle(t *testing.T) {
	var gotBundle string
	var gotOpts *runc.CreateOpts
	mock := &MockRunC{
		createFunc: func(ctx context.Context, id, bundle string, opts *runc.CreateOpts) error {
			gotBundle = bundle
			gotOpts = opts
			return nil
		},
	}
	p := newTestProvider(t, mock)

	id, err := p.CreateContainer(context.Background(), provider.ContainerSpec{
		Name:         "lab-s1-browser",
		Image:        "chromium",
		Command:      []string{"/usr/bin/daemon"},
		Env:          map[string]string{"SESSION_ID": "s1"},
		Labels:       provider.SessionLabels("s1", "p1", "browser"),
		PortBindings: []provider.PortBinding{{HostPort: 9301, ContainerPort: 9223}},
		MemoryBytes:  1 << 30,
	})
	require.NoError(t, err)
	assert.Equal(t, "lab-s1-browser", id)
	assert.True(t, gotOpts.Detach)
	assert.Equal(t, filepath.Join(gotBundle, "container.pid"), gotOpts.PidFile)

	data, err := os.ReadFile(filepath.Join(gotBundle, "config.json"))
	require.NoError(t, err)

	var spec specs.Spec
	require.NoError(t, json.Unmarshal(data, &spec))
	assert.Equal(t, "/var/lib/browserd/rootfs/chromium", spec.Root.Path)
	assert.Equal(t, []string{"/usr/bin/daemon"}, spec.Process.Args)
	assert.Contains(t, spec.Process.Env, "SESSION_ID=s1")
	assert.Contains(t, spec.Process.Env, "DAEMON_PORT=9301")
	assert.Equal(t, "s1", spec.Annotations[provider.LabelSession])
	require.NotNil(t, spec.Linux.Resources)
	assert.Equal(t, int64(1<<30), *spec.Linux.Resources.Memory.Limit)
}

func TestCreateContainer_FailureRemovesBundle(t *testing.T) {
	var gotBundle string
	mock := &MockRunC{
		createFunc: func(ctx context.Context, id, bundle string, opts *runc.CreateOpts) error {
			gotBundle = bundle
			return errors.New("exec failed")
		},
	}
	p := newTestProvider(t, mock)

	_, err := p.CreateContainer(context.Background(), provider.ContainerSpec{Name: "c1", Image: "/rootfs"})
	require.Error(t, err)
	_, statErr := os.Stat(gotBundle)
	assert.True(t, os.IsNotExist(statErr))
}

func TestInspectContainer_NotFound(t *testing.T) {
	mock := &MockRunC{
		stateFunc: func(ctx context.Context, id string) (*runc.Container, error) {
			return nil, errors.New("container \"x\" does not exist")
		},
	}
	p := newTestProvider(t, mock)

	_, err := p.InspectContainer(context.Background(), "x")
	assert.True(t, provider.IsNotFound(err))
}

func TestStopContainer_EscalatesToKill(t *testing.T) {
	mock := &MockRunC{}
	p := newTestProvider(t, mock)

	err := p.StopContainer(context.Background(), "c1", 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []int{15, 9}, mock.signals)
}

func TestStopContainer_GracefulExit(t *testing.T) {
	mock := &MockRunC{
		stateFunc: func(ctx context.Context, id string) (*runc.Container, error) {
			return &runc.Container{ID: id, Status: "stopped"}, nil
		},
	}
	p := newTestProvider(t, mock)

	require.NoError(t, p.StopContainer(context.Background(), "c1", time.Second))
	assert.Equal(t, []int{15}, mock.signals)
}

func TestListContainers_FiltersByAnnotations(t *testing.T) {
	mock := &MockRunC{
		listFunc: func(ctx context.Context) ([]*runc.Container, error) {
			return []*runc.Container{
				{ID: "a", Status: "running", Annotations: provider.SessionLabels("s1", "", "browser")},
				{ID: "b", Status: "stopped", Annotations: map[string]string{"other": "x"}},
			}, nil
		},
	}
	p := newTestProvider(t, mock)

	list, err := p.ListContainers(context.Background(), map[string]string{provider.LabelManaged: "true"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, provider.StateRunning, list[0].State)
}

func TestDiffEvent(t *testing.T) {
	tests := []struct {
		name     string
		status   string
		previous string
		want     provider.EventAction
		ok       bool
	}{
		{"started", "running", "created", provider.EventStart, true},
		{"new running", "running", "", provider.EventStart, true},
		{"died", "stopped", "running", provider.EventDie, true},
		{"unchanged", "running", "running", "", false},
		{"created only", "created", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := diffEvent(&runc.Container{ID: "c", Status: tt.status}, tt.previous)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, ev.Action)
		})
	}
}

func TestContainerLogs_Tail(t *testing.T) {
	p := newTestProvider(t, &MockRunC{})
	bundle := p.bundlePath("c1")
	require.NoError(t, os.MkdirAll(bundle, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "container.log"), []byte("a\nb\nc\n"), 0644))

	logs, err := p.ContainerLogs(context.Background(), "c1", 2)
	require.NoError(t, err)
	assert.Equal(t, "b\nc\n", string(logs))

	logs, err = p.ContainerLogs(context.Background(), "missing", 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}
