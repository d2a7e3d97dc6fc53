package daemon

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/browserd/pkg/ports"
	"github.com/sandboxrunner/browserd/pkg/provider"
	"github.com/sandboxrunner/browserd/pkg/resilience"
	"github.com/sandboxrunner/browserd/pkg/types"
)

const browserContainer = "browser"

// LaunchConfig describes the daemon containers the launcher creates
type LaunchConfig struct {
	Image       string
	Command     []string
	DaemonPort  int
	Network     string
	Project     string
	Env         map[string]string
	MemoryBytes int64
	ShmBytes    int64

	// StartAttempts bounds create+start+ready attempts per launch
	StartAttempts int
	RetryDelay    time.Duration
	StopGrace     time.Duration

	// ReadyTimeout bounds the wait for the daemon's health endpoint; zero skips it
	ReadyTimeout  time.Duration
	ReadyInterval time.Duration
}

// DefaultLaunchConfig returns defaults for the browser daemon image
func DefaultLaunchConfig() LaunchConfig {
	return LaunchConfig{
		Image:         "browserd/daemon:latest",
		DaemonPort:    9223,
		StartAttempts: 3,
		RetryDelay:    500 * time.Millisecond,
		StopGrace:     5 * time.Second,
		ReadyTimeout:  15 * time.Second,
		ReadyInterval: 250 * time.Millisecond,
	}
}

// LaunchSpec is one container to bring up
type LaunchSpec struct {
	Name   string
	Labels map[string]string
	Port   int
	Env    map[string]string
}

// Launcher creates and tears down daemon containers on a provider. It knows
// nothing about session state; the controller and pool drive it.
type Launcher struct {
	provider provider.Provider
	ports    *ports.Allocator
	client   DaemonClient
	config   LaunchConfig
	retry    *resilience.RetryExecutor
}

// NewLauncher creates a launcher. client may be nil when ReadyTimeout is zero.
func NewLauncher(p provider.Provider, allocator *ports.Allocator, client DaemonClient, cfg LaunchConfig) *Launcher {
	if cfg.StartAttempts <= 0 {
		cfg.StartAttempts = 1
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = 250 * time.Millisecond
	}
	return &Launcher{
		provider: p,
		ports:    allocator,
		client:   client,
		config:   cfg,
		retry: resilience.NewRetryExecutor(&resilience.RetryConfig{
			Name:        "daemon-launch",
			MaxAttempts: cfg.StartAttempts,
			BaseDelay:   cfg.RetryDelay,
			MaxDelay:    30 * time.Second,
			Multiplier:  2.0,
			Policy:      resilience.RetryPolicyExponential,
		}),
	}
}

func (l *Launcher) Provider() provider.Provider { return l.provider }

func (l *Launcher) Config() LaunchConfig { return l.config }

// RetryMetrics exposes the launch retry counters
func (l *Launcher) RetryMetrics() *resilience.RetryMetrics {
	return l.retry.GetMetrics()
}

// LaunchSession brings up the daemon container for a session on port
func (l *Launcher) LaunchSession(ctx context.Context, sessionID string, port int, startURL string) (string, error) {
	env := map[string]string{"SESSION_ID": sessionID}
	if startURL != "" {
		env["START_URL"] = startURL
	}
	return l.Launch(ctx, LaunchSpec{
		Name:   provider.ContainerName(sessionID, browserContainer),
		Labels: provider.SessionLabels(sessionID, l.config.Project, browserContainer),
		Port:   port,
		Env:    env,
	})
}

// Launch creates, starts and waits for a container, retrying the whole
// sequence. Every failed attempt removes what it created.
func (l *Launcher) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	logger := log.With().Str("container_name", spec.Name).Int("port", spec.Port).Logger()

	var containerID string
	err := l.retry.Execute(ctx, func(ctx context.Context) error {
		id, err := l.launchOnce(ctx, spec)
		if err != nil {
			logger.Warn().Err(err).Msg("Daemon launch attempt failed")
			return err
		}
		containerID = id
		return nil
	})
	if err != nil {
		return "", err
	}

	logger.Info().Str("container_id", containerID).Msg("Daemon container started")
	return containerID, nil
}

func (l *Launcher) launchOnce(ctx context.Context, spec LaunchSpec) (string, error) {
	id, err := l.provider.CreateContainer(ctx, l.containerSpec(spec))
	if err != nil {
		l.discardByLabels(spec.Labels)
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := l.provider.StartContainer(ctx, id); err != nil {
		l.discard(id)
		return "", fmt.Errorf("start container: %w", err)
	}
	if err := l.waitReady(ctx, spec.Port); err != nil {
		l.discard(id)
		return "", err
	}
	return id, nil
}

func (l *Launcher) containerSpec(spec LaunchSpec) provider.ContainerSpec {
	env := make(map[string]string, len(l.config.Env)+len(spec.Env)+1)
	for k, v := range l.config.Env {
		env[k] = v
	}
	for k, v := range spec.Env {
		env[k] = v
	}
	env["STREAM_PORT"] = strconv.Itoa(l.config.DaemonPort)

	return provider.ContainerSpec{
		Name:    spec.Name,
		Image:   l.config.Image,
		Command: l.config.Command,
		Env:     env,
		Labels:  spec.Labels,
		Network: l.config.Network,
		PortBindings: []provider.PortBinding{{
			HostIP:        "127.0.0.1",
			HostPort:      spec.Port,
			ContainerPort: l.config.DaemonPort,
			Protocol:      "tcp",
		}},
		MemoryBytes: l.config.MemoryBytes,
		ShmBytes:    l.config.ShmBytes,
	}
}

func (l *Launcher) waitReady(ctx context.Context, port int) error {
	if l.config.ReadyTimeout <= 0 || l.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.config.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(l.config.ReadyInterval)
	defer ticker.Stop()
	for {
		err := l.client.Health(ctx, port)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon on port %d not ready: %w", port, err)
		case <-ticker.C:
		}
	}
}

// discard removes a half-created container. It runs detached from the
// caller's context so a timed-out launch still cleans up.
func (l *Launcher) discard(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), l.config.StopGrace+30*time.Second)
	defer cancel()
	if err := l.provider.RemoveContainer(ctx, id); err != nil && !provider.IsNotFound(err) {
		log.Warn().Err(err).Str("container_id", id).Msg("Failed to remove container after failed launch")
	}
}

func (l *Launcher) discardByLabels(labels map[string]string) {
	if len(labels) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	found, err := l.provider.ListContainers(ctx, labels)
	if err != nil {
		return
	}
	for _, c := range found {
		l.discard(c.ID)
	}
}

// Destroy stops and removes a container. A container that is already gone
// counts as destroyed.
func (l *Launcher) Destroy(ctx context.Context, containerID string) error {
	if containerID == "" {
		return nil
	}
	if err := l.provider.StopContainer(ctx, containerID, l.config.StopGrace); err != nil && !provider.IsNotFound(err) {
		log.Debug().Err(err).Str("container_id", containerID).Msg("Stop failed, forcing removal")
	}
	if err := l.provider.RemoveContainer(ctx, containerID); err != nil && !provider.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

// PoolOwner is the lease owner id of a pool slot
func PoolOwner(slotID string) string {
	return "pool:" + slotID
}

// CreateSlot leases a port and starts an unassigned daemon for the warm pool.
// An empty slotID gets a generated one.
func (l *Launcher) CreateSlot(ctx context.Context, slotID string) (*types.PoolSlot, error) {
	if slotID == "" {
		slotID = uuid.New().String()[:8]
	}
	lease, err := l.ports.Allocate(PoolOwner(slotID))
	if err != nil {
		return nil, err
	}

	id, err := l.Launch(ctx, LaunchSpec{
		Name:   provider.ContainerName("pool-"+slotID, browserContainer),
		Labels: provider.PoolLabels(slotID, l.config.Project),
		Port:   lease.Port,
	})
	if err != nil {
		l.ports.Release(lease.Port)
		return nil, err
	}

	return &types.PoolSlot{
		ID:            slotID,
		ContainerID:   id,
		Port:          lease.Port,
		ContainerPort: l.config.DaemonPort,
		Status:        types.SlotWarm,
		CreatedAt:     time.Now(),
	}, nil
}

// DestroySlot tears down a slot and frees whatever lease it still owns
func (l *Launcher) DestroySlot(ctx context.Context, slot *types.PoolSlot) error {
	err := l.Destroy(ctx, slot.ContainerID)
	l.ports.ReleaseOwner(PoolOwner(slot.ID))
	return err
}
