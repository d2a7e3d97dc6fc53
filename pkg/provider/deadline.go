package provider

import (
	"context"
	"time"
)

// deadlineProvider bounds every call of the wrapped provider with a timeout.
type deadlineProvider struct {
	Provider
	timeout time.Duration
}

// WithDeadline wraps p so that every call, except the long-lived WaitContainer
// and Events streams, runs under ctx bounded by timeout.
func WithDeadline(p Provider, timeout time.Duration) Provider {
	if timeout <= 0 {
		return p
	}
	return &deadlineProvider{Provider: p, timeout: timeout}
}

func (d *deadlineProvider) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.timeout)
}

func (d *deadlineProvider) Ping(ctx context.Context) error {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	return d.Provider.Ping(ctx)
}

func (d *deadlineProvider) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	return d.Provider.CreateContainer(ctx, spec)
}

func (d *deadlineProvider) StartContainer(ctx context.Context, id string) error {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	return d.Provider.StartContainer(ctx, id)
}

func (d *deadlineProvider) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout+grace)
	defer cancel()
	return d.Provider.StopContainer(ctx, id, grace)
}

func (d *deadlineProvider) RemoveContainer(ctx context.Context, id string) error {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	return d.Provider.RemoveContainer(ctx, id)
}

func (d *deadlineProvider) InspectContainer(ctx context.Context, id string) (*ContainerInfo, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	return d.Provider.InspectContainer(ctx, id)
}

func (d *deadlineProvider) ListContainers(ctx context.Context, labels map[string]string) ([]*ContainerInfo, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	return d.Provider.ListContainers(ctx, labels)
}

func (d *deadlineProvider) CreateNetwork(ctx context.Context, name string) (string, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	return d.Provider.CreateNetwork(ctx, name)
}

func (d *deadlineProvider) ContainerLogs(ctx context.Context, id string, tail int) ([]byte, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	return d.Provider.ContainerLogs(ctx, id, tail)
}
