// Package runc implements provider.Provider on top of the runc OCI runtime.
//
// Containers share the host network namespace, so a port binding's HostPort
// is handed to the daemon through the DAEMON_PORT environment variable
// instead of being NAT-ed. Labels are stored as OCI annotations.
package runc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/beam-cloud/go-runc"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/browserd/pkg/provider"
)

// Runtime is the subset of runc operations the provider needs
type Runtime interface {
	State(ctx context.Context, id string) (*runc.Container, error)
	Create(ctx context.Context, id, bundle string, opts *runc.CreateOpts) error
	Start(ctx context.Context, id string) error
	Kill(ctx context.Context, id string, sig int, opts *runc.KillOpts) error
	Delete(ctx context.Context, id string, opts *runc.DeleteOpts) error
	List(ctx context.Context) ([]*runc.Container, error)
}

// Config holds runc adapter settings
type Config struct {
	// Root is runc's state directory
	Root string
	// BundleDir holds one OCI bundle per container
	BundleDir string
	// Rootfs is the shared read-only root filesystem for daemon containers.
	// ContainerSpec.Image is resolved relative to it when not absolute.
	Rootfs string
	// PollInterval drives WaitContainer and the Events poller
	PollInterval time.Duration
}

// Provider runs containers with runc
type Provider struct {
	runc   Runtime
	config Config
}

// New creates a runc-backed provider
func New(config Config) (*Provider, error) {
	if config.Root == "" {
		config.Root = "/tmp/browserd/runc"
	}
	if config.BundleDir == "" {
		config.BundleDir = "/tmp/browserd/bundles"
	}
	for _, dir := range []string{config.Root, config.BundleDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	r := &runc.Runc{
		Command:      "runc",
		Log:          "/dev/null",
		LogFormat:    "json",
		PdeathSignal: 15, // SIGTERM
		Root:         config.Root,
	}
	return NewWithRuntime(r, config), nil
}

// NewWithRuntime creates a provider around an existing runtime
func NewWithRuntime(r Runtime, config Config) *Provider {
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	return &Provider{
		runc:   r,
		config: config,
	}
}

func (p *Provider) Name() string {
	return "runc"
}

func (p *Provider) Ping(ctx context.Context) error {
	if _, err := p.runc.List(ctx); err != nil {
		return fmt.Errorf("runc unavailable: %w", err)
	}
	return nil
}

func (p *Provider) logger(containerID string) zerolog.Logger {
	return log.With().
		Str("component", "runc_provider").
		Str("container_id", containerID).
		Str("correlation_id", fmt.Sprintf("runc-%s", uuid.New().String()[:8])).
		Logger()
}

func (p *Provider) bundlePath(id string) string {
	return filepath.Join(p.config.BundleDir, id)
}

func (p *Provider) CreateContainer(ctx context.Context, spec provider.ContainerSpec) (string, error) {
	id := spec.Name
	if id == "" {
		return "", fmt.Errorf("container name is required")
	}
	logger := p.logger(id)

	bundle := p.bundlePath(id)
	if err := os.MkdirAll(bundle, 0755); err != nil {
		return "", fmt.Errorf("failed to create bundle: %w", err)
	}

	ociSpec := p.buildSpec(spec)
	data, err := json.MarshalIndent(ociSpec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode OCI spec: %w", err)
	}
	if err := os.WriteFile(filepath.Join(bundle, "config.json"), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write OCI spec: %w", err)
	}

	opts := &runc.CreateOpts{
		PidFile: filepath.Join(bundle, "container.pid"),
		Detach:  true,
	}
	if err := p.runc.Create(ctx, id, bundle, opts); err != nil {
		os.RemoveAll(bundle)
		return "", fmt.Errorf("failed to create container %s: %w", id, err)
	}

	logger.Info().Str("bundle", bundle).Msg("Container created")
	return id, nil
}

func (p *Provider) buildSpec(spec provider.ContainerSpec) *specs.Spec {
	env := []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}
	for _, b := range spec.PortBindings {
		env = append(env, fmt.Sprintf("DAEMON_PORT=%d", b.HostPort))
	}

	rootfs := spec.Image
	if !filepath.IsAbs(rootfs) {
		rootfs = filepath.Join(p.config.Rootfs, rootfs)
	}

	shmOptions := []string{"nosuid", "noexec", "nodev", "mode=1777"}
	if spec.ShmBytes > 0 {
		shmOptions = append(shmOptions, "size="+strconv.FormatInt(spec.ShmBytes, 10))
	}

	s := &specs.Spec{
		Version:  specs.Version,
		Hostname: spec.Name,
		Root:     &specs.Root{Path: rootfs, Readonly: true},
		Process: &specs.Process{
			Args: spec.Command,
			Env:  env,
			Cwd:  "/",
		},
		Mounts: []specs.Mount{
			{Destination: "/proc", Type: "proc", Source: "proc"},
			{Destination: "/dev", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "strictatime", "mode=755", "size=65536k"}},
			{Destination: "/dev/shm", Type: "tmpfs", Source: "shm", Options: shmOptions},
			{Destination: "/tmp", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev", "mode=1777"}},
		},
		Annotations: spec.Labels,
		Linux: &specs.Linux{
			Namespaces: []specs.LinuxNamespace{
				{Type: specs.PIDNamespace},
				{Type: specs.IPCNamespace},
				{Type: specs.UTSNamespace},
				{Type: specs.MountNamespace},
			},
		},
	}
	if spec.MemoryBytes > 0 {
		limit := spec.MemoryBytes
		s.Linux.Resources = &specs.LinuxResources{Memory: &specs.LinuxMemory{Limit: &limit}}
	}
	return s
}

func (p *Provider) StartContainer(ctx context.Context, id string) error {
	if err := p.runc.Start(ctx, id); err != nil {
		return p.wrap(err, id, "start")
	}
	logger := p.logger(id)
	logger.Info().Msg("Container started")
	return nil
}

// StopContainer sends SIGTERM to every process, then SIGKILL once grace expires
func (p *Provider) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	if err := p.runc.Kill(ctx, id, int(syscall.SIGTERM), &runc.KillOpts{All: true}); err != nil {
		if isNotExist(err) {
			return fmt.Errorf("stop %s: %w", id, provider.ErrContainerNotFound)
		}
		// already stopped containers reject signals
		if state, stateErr := p.runc.State(ctx, id); stateErr == nil && state.Status == "stopped" {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		state, err := p.runc.State(ctx, id)
		if err != nil || state.Status == "stopped" {
			return nil
		}
		select {
		case <-time.After(p.config.PollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := p.runc.Kill(ctx, id, int(syscall.SIGKILL), &runc.KillOpts{All: true}); err != nil && !isNotExist(err) {
		return fmt.Errorf("failed to kill container %s: %w", id, err)
	}
	logger := p.logger(id)
	logger.Info().Msg("Container stopped")
	return nil
}

func (p *Provider) RemoveContainer(ctx context.Context, id string) error {
	if err := p.runc.Delete(ctx, id, &runc.DeleteOpts{Force: true}); err != nil {
		if isNotExist(err) {
			os.RemoveAll(p.bundlePath(id))
			return fmt.Errorf("remove %s: %w", id, provider.ErrContainerNotFound)
		}
		return fmt.Errorf("failed to delete container %s: %w", id, err)
	}
	if err := os.RemoveAll(p.bundlePath(id)); err != nil {
		logger := p.logger(id)
		logger.Warn().Err(err).Msg("Failed to remove bundle")
	}

	logger := p.logger(id)
	logger.Info().Msg("Container deleted")
	return nil
}

func (p *Provider) InspectContainer(ctx context.Context, id string) (*provider.ContainerInfo, error) {
	state, err := p.runc.State(ctx, id)
	if err != nil {
		return nil, p.wrap(err, id, "inspect")
	}
	return toInfo(state), nil
}

func (p *Provider) ListContainers(ctx context.Context, labels map[string]string) ([]*provider.ContainerInfo, error) {
	containers, err := p.runc.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var out []*provider.ContainerInfo
	for _, c := range containers {
		if !hasLabels(c.Annotations, labels) {
			continue
		}
		out = append(out, toInfo(c))
	}
	return out, nil
}

// CreateNetwork is a no-op: runc containers use the host network
func (p *Provider) CreateNetwork(ctx context.Context, name string) (string, error) {
	return "host", nil
}

func (p *Provider) ContainerLogs(ctx context.Context, id string, tail int) ([]byte, error) {
	logPath := filepath.Join(p.bundlePath(id), "container.log")
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		return []byte{}, nil
	}

	logs, err := os.ReadFile(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}
	if tail > 0 {
		lines := strings.Split(strings.TrimRight(string(logs), "\n"), "\n")
		if len(lines) > tail {
			lines = lines[len(lines)-tail:]
		}
		logs = []byte(strings.Join(lines, "\n") + "\n")
	}
	return logs, nil
}

// WaitContainer polls runc state until the container stops
func (p *Provider) WaitContainer(ctx context.Context, id string) (*provider.ExitResult, error) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		state, err := p.runc.State(ctx, id)
		if err != nil {
			if isNotExist(err) {
				return nil, fmt.Errorf("wait %s: %w", id, provider.ErrContainerNotFound)
			}
			return nil, fmt.Errorf("failed to get container state: %w", err)
		}
		if state.Status == "stopped" {
			// runc state does not carry the exit status
			return &provider.ExitResult{ExitCode: -1}, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Events polls runc list and emits start/die events for managed containers
// whose state changed between polls.
func (p *Provider) Events(ctx context.Context) (<-chan provider.ContainerEvent, <-chan error) {
	out := make(chan provider.ContainerEvent, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		ticker := time.NewTicker(p.config.PollInterval)
		defer ticker.Stop()

		seen := make(map[string]string)
		first := true
		for {
			containers, err := p.runc.List(ctx)
			if err != nil {
				errs <- fmt.Errorf("failed to poll containers: %w", err)
				return
			}

			current := make(map[string]string, len(containers))
			for _, c := range containers {
				if c.Annotations[provider.LabelManaged] != "true" {
					continue
				}
				current[c.ID] = c.Status
				if first {
					continue
				}
				if ev, ok := diffEvent(c, seen[c.ID]); ok {
					select {
					case out <- ev:
					case <-ctx.Done():
						errs <- ctx.Err()
						return
					}
				}
			}
			seen = current
			first = false

			select {
			case <-ticker.C:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return out, errs
}

func diffEvent(c *runc.Container, previous string) (provider.ContainerEvent, bool) {
	if c.Status == previous {
		return provider.ContainerEvent{}, false
	}
	ev := provider.ContainerEvent{ContainerID: c.ID, Labels: c.Annotations, Time: time.Now()}
	switch {
	case c.Status == "running":
		ev.Action = provider.EventStart
	case c.Status == "stopped" && previous == "running":
		ev.Action = provider.EventDie
	default:
		return provider.ContainerEvent{}, false
	}
	return ev, true
}

func (p *Provider) wrap(err error, id, op string) error {
	if isNotExist(err) {
		return fmt.Errorf("%s %s: %w", op, id, provider.ErrContainerNotFound)
	}
	return fmt.Errorf("failed to %s container %s: %w", op, id, err)
}

func toInfo(c *runc.Container) *provider.ContainerInfo {
	info := &provider.ContainerInfo{
		ID:        c.ID,
		Name:      c.ID,
		State:     mapStatus(c.Status),
		Labels:    c.Annotations,
		CreatedAt: c.Created,
		StartedAt: c.Created,
	}
	return info
}

func mapStatus(s string) provider.ContainerState {
	switch s {
	case "created", "creating":
		return provider.StateCreated
	case "running":
		return provider.StateRunning
	case "paused", "pausing":
		return provider.StatePaused
	case "stopped":
		return provider.StateExited
	default:
		return provider.StateUnknown
	}
}

func hasLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func isNotExist(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "does not exist") || strings.Contains(msg, "not found")
}
