// Package docker implements provider.Provider on the Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/browserd/pkg/provider"
)

// Config holds Docker adapter settings
type Config struct {
	// Host is the daemon socket address; empty uses DOCKER_HOST or the default socket
	Host string
	// PullTimeout bounds an image pull triggered by a missing image
	PullTimeout time.Duration
}

// Provider talks to a Docker daemon
type Provider struct {
	client *client.Client
	config Config
	logger zerolog.Logger
}

// New creates a Docker provider. The daemon is not contacted until the first call.
func New(config Config) (*Provider, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if config.Host != "" {
		opts = append(opts, client.WithHost(config.Host))
	}
	if config.PullTimeout <= 0 {
		config.PullTimeout = 5 * time.Minute
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &Provider{
		client: cli,
		config: config,
		logger: log.With().Str("component", "docker_provider").Logger(),
	}, nil
}

func (p *Provider) Name() string {
	return "docker"
}

// Close releases the client connection
func (p *Provider) Close() error {
	return p.client.Close()
}

func (p *Provider) Ping(ctx context.Context) error {
	if _, err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

func (p *Provider) CreateContainer(ctx context.Context, spec provider.ContainerSpec) (string, error) {
	cfg, hostCfg, err := buildConfig(spec)
	if err != nil {
		return "", err
	}

	resp, err := p.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil && client.IsErrNotFound(err) {
		if pullErr := p.pullImage(ctx, spec.Image); pullErr != nil {
			return "", fmt.Errorf("failed to pull image %s: %w", spec.Image, pullErr)
		}
		resp, err = p.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	for _, w := range resp.Warnings {
		p.logger.Warn().Str("container_id", resp.ID).Msg(w)
	}
	return resp.ID, nil
}

func (p *Provider) pullImage(ctx context.Context, image string) error {
	pullCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.PullTimeout)
	defer cancel()

	p.logger.Info().Str("image", image).Msg("Pulling image")
	reader, err := p.client.ImagePull(pullCtx, image, imagetypes.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *Provider) StartContainer(ctx context.Context, id string) error {
	if err := p.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return p.wrap(err, id, "start")
	}
	return nil
}

func (p *Provider) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	timeout := int(grace.Seconds())
	if err := p.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return p.wrap(err, id, "stop")
	}
	return nil
}

func (p *Provider) RemoveContainer(ctx context.Context, id string) error {
	if err := p.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return p.wrap(err, id, "remove")
	}
	return nil
}

func (p *Provider) InspectContainer(ctx context.Context, id string) (*provider.ContainerInfo, error) {
	inspect, err := p.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, p.wrap(err, id, "inspect")
	}

	info := &provider.ContainerInfo{
		ID:    inspect.ID,
		Name:  strings.TrimPrefix(inspect.Name, "/"),
		State: provider.StateUnknown,
	}
	if inspect.Config != nil {
		info.Labels = inspect.Config.Labels
	}
	if t, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		info.CreatedAt = t
	}
	if inspect.State != nil {
		info.State = mapState(inspect.State.Status)
		info.ExitCode = inspect.State.ExitCode
		info.OOMKilled = inspect.State.OOMKilled
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			info.StartedAt = t
		}
	}
	return info, nil
}

func (p *Provider) ListContainers(ctx context.Context, labels map[string]string) ([]*provider.ContainerInfo, error) {
	list, err := p.client.ContainerList(ctx, container.ListOptions{All: true, Filters: labelFilters(labels)})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]*provider.ContainerInfo, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, &provider.ContainerInfo{
			ID:     c.ID,
			Name:   name,
			State:     mapState(c.State),
			Labels:    c.Labels,
			CreatedAt: time.Unix(c.Created, 0),
		})
	}
	return out, nil
}

func (p *Provider) CreateNetwork(ctx context.Context, name string) (string, error) {
	existing, err := p.client.NetworkList(ctx, network.ListOptions{Filters: filters.NewArgs(filters.Arg("name", name))})
	if err != nil {
		return "", fmt.Errorf("failed to list networks: %w", err)
	}
	for _, n := range existing {
		if n.Name == name {
			return n.ID, nil
		}
	}

	resp, err := p.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{provider.LabelManaged: "true"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return resp.ID, nil
}

func (p *Provider) ContainerLogs(ctx context.Context, id string, tail int) ([]byte, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}

	reader, err := p.client.ContainerLogs(ctx, id, opts)
	if err != nil {
		return nil, p.wrap(err, id, "logs")
	}
	defer reader.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, reader); err != nil {
		return nil, fmt.Errorf("failed to demultiplex logs for %s: %w", id, err)
	}
	return out.Bytes(), nil
}

func (p *Provider) WaitContainer(ctx context.Context, id string) (*provider.ExitResult, error) {
	statusCh, errCh := p.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return nil, p.wrap(err, id, "wait")
	case status := <-statusCh:
		res := &provider.ExitResult{ExitCode: int(status.StatusCode)}
		if status.Error != nil {
			res.Error = status.Error.Message
		}
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Provider) Events(ctx context.Context) (<-chan provider.ContainerEvent, <-chan error) {
	args := filters.NewArgs(
		filters.Arg("type", string(events.ContainerEventType)),
		filters.Arg("label", provider.LabelManaged+"=true"),
	)
	msgs, errs := p.client.Events(ctx, events.ListOptions{Filters: args})

	out := make(chan provider.ContainerEvent, 64)
	outErr := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, keep := fromMessage(msg)
				if !keep {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case err := <-errs:
				outErr <- err
				return
			case <-ctx.Done():
				outErr <- ctx.Err()
				return
			}
		}
	}()
	return out, outErr
}

func (p *Provider) wrap(err error, id, op string) error {
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%s %s: %w", op, id, provider.ErrContainerNotFound)
	}
	return fmt.Errorf("failed to %s container %s: %w", op, id, err)
}

func buildConfig(spec provider.ContainerSpec) (*container.Config, *container.HostConfig, error) {
	if spec.Image == "" {
		return nil, nil, fmt.Errorf("container image is required")
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, b := range spec.PortBindings {
		proto := b.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, strconv.Itoa(b.ContainerPort))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid container port %d: %w", b.ContainerPort, err)
		}
		hostIP := b.HostIP
		if hostIP == "" {
			hostIP = "127.0.0.1"
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{HostIP: hostIP, HostPort: strconv.Itoa(b.HostPort)})
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		ShmSize:      spec.ShmBytes,
		Resources:    container.Resources{Memory: spec.MemoryBytes},
	}
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
	}
	return cfg, hostCfg, nil
}

func labelFilters(labels map[string]string) filters.Args {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	return args
}

func mapState(s string) provider.ContainerState {
	switch s {
	case "created":
		return provider.StateCreated
	case "running", "restarting":
		return provider.StateRunning
	case "paused":
		return provider.StatePaused
	case "exited", "removing":
		return provider.StateExited
	case "dead":
		return provider.StateDead
	default:
		return provider.StateUnknown
	}
}

func fromMessage(msg events.Message) (provider.ContainerEvent, bool) {
	var action provider.EventAction
	switch string(msg.Action) {
	case "start":
		action = provider.EventStart
	case "die":
		action = provider.EventDie
	case "stop":
		action = provider.EventStop
	case "kill":
		action = provider.EventKill
	case "oom":
		action = provider.EventOOM
	default:
		return provider.ContainerEvent{}, false
	}

	ts := time.Unix(msg.Time, 0)
	if msg.TimeNano != 0 {
		ts = time.Unix(0, msg.TimeNano)
	}
	return provider.ContainerEvent{
		ContainerID: msg.Actor.ID,
		Action:      action,
		Labels:      msg.Actor.Attributes,
		Time:        ts,
	}, true
}
