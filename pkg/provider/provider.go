// Package provider defines the capability surface the orchestrator needs from
// a container runtime. Concrete adapters live in subpackages.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Container labels used to find orchestrator-owned containers.
const (
	LabelManaged   = "lab.managed"
	LabelSession   = "lab.session"
	LabelProject   = "lab.project"
	LabelContainer = "lab.container"
	LabelPool      = "lab.pool"
)

var (
	ErrContainerNotFound = errors.New("container not found")
	ErrNotSupported      = errors.New("operation not supported by provider")
)

// IsNotFound reports whether err means the container does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrContainerNotFound)
}

// ContainerState is the runtime-reported state of a container
type ContainerState string

const (
	StateCreated ContainerState = "created"
	StateRunning ContainerState = "running"
	StatePaused  ContainerState = "paused"
	StateExited  ContainerState = "exited"
	StateDead    ContainerState = "dead"
	StateUnknown ContainerState = "unknown"
)

// PortBinding publishes ContainerPort on HostIP:HostPort
type PortBinding struct {
	HostIP        string `json:"host_ip"`
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol"`
}

// ContainerSpec describes a container to create
type ContainerSpec struct {
	Name         string
	Image        string
	Command      []string
	Env          map[string]string
	Labels       map[string]string
	Network      string
	PortBindings []PortBinding
	MemoryBytes  int64
	ShmBytes     int64
}

// ContainerInfo is a point-in-time view of a container
type ContainerInfo struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	State     ContainerState    `json:"state"`
	Labels    map[string]string `json:"labels,omitempty"`
	ExitCode  int               `json:"exit_code"`
	OOMKilled bool              `json:"oom_killed"`
	CreatedAt time.Time         `json:"created_at,omitempty"`
	StartedAt time.Time         `json:"started_at,omitempty"`
}

// Running reports whether the container is up
func (c *ContainerInfo) Running() bool {
	return c != nil && c.State == StateRunning
}

// ExitResult is what a finished container left behind
type ExitResult struct {
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// EventAction is a runtime lifecycle event
type EventAction string

const (
	EventStart EventAction = "start"
	EventDie   EventAction = "die"
	EventStop  EventAction = "stop"
	EventKill  EventAction = "kill"
	EventOOM   EventAction = "oom"
)

// ContainerEvent is one lifecycle event from the runtime's event stream
type ContainerEvent struct {
	ContainerID string            `json:"container_id"`
	Action      EventAction       `json:"action"`
	Labels      map[string]string `json:"labels,omitempty"`
	Time        time.Time         `json:"time"`
}

// State maps an event to the container state it implies. Events that do not
// change state map to StateUnknown.
func (e ContainerEvent) State() ContainerState {
	switch e.Action {
	case EventStart:
		return StateRunning
	case EventDie, EventStop, EventKill:
		return StateExited
	case EventOOM:
		return StateDead
	default:
		return StateUnknown
	}
}

// Provider is the capability surface of one container runtime. All methods
// must be safe for concurrent use and honor ctx deadlines.
type Provider interface {
	// Name returns the runtime identifier (e.g. "docker", "runc")
	Name() string

	// Ping checks that the runtime is reachable
	Ping(ctx context.Context) error

	// CreateContainer creates a container without starting it and returns its ID
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	StartContainer(ctx context.Context, id string) error

	// StopContainer stops a running container, waiting up to grace before killing it
	StopContainer(ctx context.Context, id string, grace time.Duration) error

	// RemoveContainer force-removes a container
	RemoveContainer(ctx context.Context, id string) error

	// InspectContainer returns ErrContainerNotFound for unknown containers
	InspectContainer(ctx context.Context, id string) (*ContainerInfo, error)

	// ListContainers returns containers carrying all of the given labels
	ListContainers(ctx context.Context, labels map[string]string) ([]*ContainerInfo, error)

	// CreateNetwork creates (or reuses) a named network and returns its ID
	CreateNetwork(ctx context.Context, name string) (string, error)

	// ContainerLogs returns up to tail lines of combined output (tail <= 0 means all)
	ContainerLogs(ctx context.Context, id string, tail int) ([]byte, error)

	// WaitContainer blocks until the container exits
	WaitContainer(ctx context.Context, id string) (*ExitResult, error)

	// Events streams lifecycle events for managed containers until ctx is done
	Events(ctx context.Context) (<-chan ContainerEvent, <-chan error)
}

// ContainerName returns the runtime name for a session's container
func ContainerName(sessionID, container string) string {
	return fmt.Sprintf("lab-%s-%s", sanitize(sessionID), container)
}

// SessionLabels returns the labels for a session-owned container
func SessionLabels(sessionID, project, container string) map[string]string {
	labels := map[string]string{
		LabelManaged:   "true",
		LabelSession:   sessionID,
		LabelContainer: container,
	}
	if project != "" {
		labels[LabelProject] = project
	}
	return labels
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}

// PoolLabels returns the labels for a warm pool slot container
func PoolLabels(slotID, project string) map[string]string {
	labels := map[string]string{
		LabelManaged:   "true",
		LabelPool:      slotID,
		LabelContainer: "browser",
	}
	if project != "" {
		labels[LabelProject] = project
	}
	return labels
}
