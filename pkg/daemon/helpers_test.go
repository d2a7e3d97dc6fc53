package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/browserd/pkg/events"
	"github.com/sandboxrunner/browserd/pkg/ports"
	"github.com/sandboxrunner/browserd/pkg/provider"
	"github.com/sandboxrunner/browserd/pkg/proxy"
)

var errBoom = errors.New("boom")

type fakeClient struct {
	mu          sync.Mutex
	navigations map[int][]string
	urls        map[int]string
	navigateErr error
	healthErr   error
	launches    []int
	notified    []ReadyNotification
	// onNavigate runs before a navigation is recorded
	onNavigate  func(port int)
}

func newFakeClient() *fakeClient {
	return &fakeClient{navigations: map[int][]string{}, urls: map[int]string{}}
}

func (c *fakeClient) Navigate(ctx context.Context, port int, url string) error {
	c.mu.Lock()
	hook := c.onNavigate
	c.mu.Unlock()
	if hook != nil {
		hook(port)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.navigateErr != nil {
		return c.navigateErr
	}
	c.navigations[port] = append(c.navigations[port], url)
	c.urls[port] = url
	return nil
}

func (c *fakeClient) CurrentURL(ctx context.Context, port int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.urls[port]
	if !ok {
		return "", errBoom
	}
	return u, nil
}

func (c *fakeClient) Launch(ctx context.Context, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.launches = append(c.launches, port)
	return nil
}

func (c *fakeClient) Health(ctx context.Context, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthErr
}

func (c *fakeClient) NotifyReady(ctx context.Context, callbackURL string, n ReadyNotification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notified = append(c.notified, n)
	return nil
}

func (c *fakeClient) setURL(port int, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.urls[port] = url
}

func (c *fakeClient) setNavigateErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.navigateErr = err
}

func (c *fakeClient) notifications() []ReadyNotification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ReadyNotification(nil), c.notified...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) ofType(t events.EventType) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	provider  *provider.FakeProvider
	ports     *ports.Allocator
	client    *fakeClient
	router    *proxy.Router
	store     *Store
	launcher  *Launcher
	publisher *recordingPublisher
	ctrl      *Controller
}

func testLaunchConfig() LaunchConfig {
	cfg := DefaultLaunchConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.ReadyTimeout = 0
	cfg.StopGrace = 0
	return cfg
}

func testControllerConfig() Config {
	return Config{
		MaxRetries:     3,
		StopAttempts:   2,
		StopRetryDelay: time.Millisecond,
		ControlTimeout: 100 * time.Millisecond,
		NotifyTimeout:  time.Second,
	}
}

func newTestEnv(t *testing.T, size int, opts ...Option) *testEnv {
	t.Helper()
	alloc, err := ports.NewAllocator(ports.Range{Name: "test", Start: 9301, End: 9300 + size})
	require.NoError(t, err)

	env := &testEnv{
		provider:  provider.NewFakeProvider(),
		ports:     alloc,
		client:    newFakeClient(),
		router:    proxy.NewRouter("browser.localhost"),
		store:     NewStore(nil),
		publisher: &recordingPublisher{},
	}
	env.launcher = NewLauncher(env.provider, alloc, env.client, testLaunchConfig())
	opts = append([]Option{WithEvents(env.publisher)}, opts...)
	env.ctrl = NewController(env.store, env.launcher, alloc, env.client, env.router, testControllerConfig(), opts...)
	return env
}

func (e *testEnv) containerCount(t *testing.T) int {
	t.Helper()
	list, err := e.provider.ListContainers(context.Background(), nil)
	require.NoError(t, err)
	return len(list)
}
