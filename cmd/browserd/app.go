package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sandboxrunner/browserd/pkg/api"
	"github.com/sandboxrunner/browserd/pkg/config"
	"github.com/sandboxrunner/browserd/pkg/daemon"
	"github.com/sandboxrunner/browserd/pkg/events"
	"github.com/sandboxrunner/browserd/pkg/monitoring"
	"github.com/sandboxrunner/browserd/pkg/pool"
	"github.com/sandboxrunner/browserd/pkg/ports"
	"github.com/sandboxrunner/browserd/pkg/provider"
	"github.com/sandboxrunner/browserd/pkg/provider/docker"
	"github.com/sandboxrunner/browserd/pkg/provider/runc"
	"github.com/sandboxrunner/browserd/pkg/proxy"
	"github.com/sandboxrunner/browserd/pkg/reconciler"
	"github.com/sandboxrunner/browserd/pkg/storage"
	"github.com/sandboxrunner/browserd/pkg/types"
)

const eventHistorySize = 1000

// app holds every long-lived component of a running orchestrator
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	tracing    *monitoring.TracingManager
	metrics    *monitoring.Metrics
	store      *storage.SQLiteStore
	provider   provider.Provider
	closers    []func() error
	allocator  *ports.Allocator
	pool       *pool.Manager
	bus        *events.EventBus
	router     *proxy.Router
	controller *daemon.Controller
	reconciler *reconciler.Reconciler
	api        *api.Server
	edge       *http.Server

	poolCancel context.CancelFunc
	poolDone   chan struct{}
	errCh      chan error
	wg         sync.WaitGroup
}

// newApp builds the component graph leaf-first. Nothing is started; state
// persisted by a previous run is restored.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		errCh:  make(chan error, 2),
	}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	tracing, err := monitoring.NewTracingManager(ctx, &monitoring.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Exporter:       monitoring.TracingExporter(cfg.Tracing.Exporter),
		SamplingRatio:  cfg.Tracing.SamplingRatio,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		OTLPInsecure:   cfg.Tracing.Insecure,
		ExportTimeout:  10 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	a.tracing = tracing
	if cfg.Metrics.Enabled {
		a.metrics = monitoring.NewMetrics()
	}

	var (
		recordPersistence daemon.RecordPersistence
		leasePersistence  ports.LeasePersistence
		eventPersistence  events.EventPersistence
	)
	if cfg.Storage.Enabled {
		storeCfg := storage.DefaultConfig()
		storeCfg.DatabasePath = cfg.Storage.DatabasePath
		store, err := storage.NewSQLiteStore(storeCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		a.store = store
		recordPersistence, leasePersistence, eventPersistence = store, store, store
	}

	p, client, err := a.buildProvider()
	if err != nil {
		return nil, err
	}
	a.provider = provider.WithDeadline(p, cfg.Orchestrator.ProviderTimeout)
	if err := a.provider.Ping(ctx); err != nil {
		return nil, types.ErrProviderUnavailable(err)
	}
	if cfg.Provider.Network != "" {
		if _, err := a.provider.CreateNetwork(ctx, cfg.Provider.Network); err != nil {
			return nil, fmt.Errorf("failed to create network %s: %w", cfg.Provider.Network, err)
		}
	}

	allocOpts := []ports.Option{ports.WithLeaseTTL(cfg.Ports.LeaseTTL)}
	if leasePersistence != nil {
		allocOpts = append(allocOpts, ports.WithPersistence(leasePersistence))
	}
	if cfg.Ports.Probe {
		allocOpts = append(allocOpts, ports.WithProbe(ports.TCPProbe(cfg.Proxy.UpstreamHost)))
	}
	a.allocator, err = ports.NewAllocator(ports.Range{Name: "stream", Start: cfg.Ports.Start, End: cfg.Ports.End}, allocOpts...)
	if err != nil {
		return nil, err
	}
	if err := a.allocator.Restore(); err != nil {
		return nil, err
	}

	launchCfg := daemon.DefaultLaunchConfig()
	launchCfg.Image = cfg.Provider.Image
	launchCfg.DaemonPort = cfg.Provider.DaemonPort
	launchCfg.Network = cfg.Provider.Network
	launchCfg.Project = cfg.Provider.Project
	launchCfg.MemoryBytes = cfg.Provider.MemoryBytes
	launchCfg.ShmBytes = cfg.Provider.ShmBytes
	launchCfg.StartAttempts = cfg.Orchestrator.StartAttempts
	launchCfg.ReadyTimeout = cfg.Orchestrator.ReadyTimeout
	launcher := daemon.NewLauncher(a.provider, a.allocator, client, launchCfg)

	a.pool = pool.NewManager(launcher, pool.Config{
		Size:          cfg.Pool.Size,
		BackoffBase:   cfg.Pool.BackoffBase,
		BackoffMax:    cfg.Pool.BackoffMax,
		CreateTimeout: cfg.Pool.CreateTimeout,
	}, a.metrics)

	a.bus = events.NewEventBus(eventHistorySize, eventPersistence)
	a.router = proxy.NewRouter(cfg.Proxy.BaseDomain)

	records := daemon.NewStore(recordPersistence)
	if err := records.Restore(); err != nil {
		return nil, err
	}
	a.controller = daemon.NewController(records, launcher, a.allocator, client, a.router, daemon.Config{
		MaxRetries:     cfg.Orchestrator.MaxRetries,
		StopAttempts:   cfg.Orchestrator.StopAttempts,
		StopRetryDelay: 500 * time.Millisecond,
		ControlTimeout: cfg.Orchestrator.ControlTimeout,
		NotifyTimeout:  cfg.Orchestrator.NotifyTimeout,
	},
		daemon.WithPool(a.pool),
		daemon.WithEvents(a.bus),
		daemon.WithMetrics(a.metrics),
	)

	rcfg := reconciler.DefaultConfig()
	rcfg.Interval = cfg.Orchestrator.ReconcileInterval
	rcfg.CleanupDelay = cfg.Orchestrator.CleanupDelay
	rcfg.HeartbeatTimeout = cfg.Orchestrator.HeartbeatTimeout
	rcfg.Concurrency = cfg.Orchestrator.ReconcileConcurrency
	rcfg.RestartRate = cfg.Orchestrator.RestartRate
	rcfg.RestartBurst = cfg.Orchestrator.RestartBurst
	rcfg.OrphanGrace = cfg.Orchestrator.OrphanGrace
	rcfg.Services = cfg.ServiceNames()
	a.reconciler = reconciler.New(a.controller, a.provider, a.router, a.allocator, rcfg,
		reconciler.WithPool(a.pool),
		reconciler.WithHealthChecker(client),
		reconciler.WithEvents(a.bus),
		reconciler.WithMetrics(a.metrics),
	)

	a.api = api.NewServer(api.ServerConfig{
		Address:         cfg.Server.Address,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RequestTimeout:  cfg.Server.RequestTimeout,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Version:         version,
	}, a.controller, a.router, logger,
		api.WithPool(a.pool),
		api.WithEvents(a.bus),
		api.WithMetrics(a.metrics),
	)

	if cfg.Proxy.Enabled {
		a.edge = &http.Server{
			Addr:              net.JoinHostPort(cfg.Proxy.Address, strconv.Itoa(cfg.Proxy.Port)),
			Handler:           proxy.NewEdge(a.router, cfg.Proxy.UpstreamHost),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	ok = true
	return a, nil
}

// buildProvider returns the configured runtime adapter and the control
// channel client matching it.
func (a *app) buildProvider() (provider.Provider, daemon.DaemonClient, error) {
	cfg := a.cfg
	clientCfg := daemon.DefaultClientConfig()
	clientCfg.Host = cfg.Proxy.UpstreamHost
	if cfg.Orchestrator.ControlTimeout > 0 {
		clientCfg.Timeout = cfg.Orchestrator.ControlTimeout
	}

	switch cfg.Provider.Type {
	case "docker":
		p, err := docker.New(docker.Config{Host: cfg.Provider.DockerHost})
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, p.Close)
		return p, daemon.NewHTTPClient(clientCfg), nil
	case "runc":
		p, err := runc.New(runc.Config{
			Root:      cfg.Provider.RuncRoot,
			BundleDir: cfg.Provider.BundleDir,
			Rootfs:    cfg.Provider.Rootfs,
		})
		if err != nil {
			return nil, nil, err
		}
		return p, daemon.NewHTTPClient(clientCfg), nil
	case "fake":
		a.logger.Warn().Msg("Using the in-memory provider; no containers will be started")
		return provider.NewFakeProvider(), newMemoryClient(), nil
	default:
		return nil, nil, fmt.Errorf("unknown provider type: %s", cfg.Provider.Type)
	}
}

// start launches the background loops and the listeners. They run on their
// own contexts so a signal does not abort an in-flight tick or request.
func (a *app) start() error {
	poolCtx, poolCancel := context.WithCancel(context.Background())
	a.poolCancel = poolCancel
	a.poolDone = make(chan struct{})
	go func() {
		defer close(a.poolDone)
		a.pool.Run(poolCtx)
	}()

	if err := a.reconciler.Start(context.Background()); err != nil {
		return err
	}

	if err := a.api.Start(context.Background()); err != nil {
		return err
	}

	if a.edge != nil {
		ln, err := net.Listen("tcp", a.edge.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", a.edge.Addr, err)
		}
		a.logger.Info().Str("address", ln.Addr().String()).Str("base_domain", a.cfg.Proxy.BaseDomain).Msg("Starting proxy edge")
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.edge.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.errCh <- fmt.Errorf("proxy edge: %w", err)
			}
		}()
	}
	return nil
}

// shutdown stops listeners first, then the reconciler (letting an in-flight
// tick finish), then the pool filler, drains warm slots and closes storage.
func (a *app) shutdown(ctx context.Context) {
	if a.edge != nil {
		if err := a.edge.Shutdown(ctx); err != nil {
			a.logger.Error().Err(err).Msg("Proxy edge shutdown error")
		}
	}
	if a.api != nil {
		if err := a.api.Stop(ctx); err != nil {
			a.logger.Error().Err(err).Msg("API server shutdown error")
		}
	}
	a.wg.Wait()

	if a.reconciler != nil {
		if err := a.reconciler.Stop(); err != nil && !errors.Is(err, reconciler.ErrNotRunning) {
			a.logger.Error().Err(err).Msg("Reconciler stop error")
		}
	}

	if a.poolCancel != nil {
		a.poolCancel()
		<-a.poolDone
	}
	if a.pool != nil {
		if err := a.pool.Close(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to drain warm pool")
		}
	}

	if a.bus != nil {
		a.bus.Stop()
	}
	a.closeResources()
}

func (a *app) closeResources() {
	if a.tracing != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.tracing.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("Tracing shutdown error")
		}
		cancel()
		a.tracing = nil
	}
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close provider")
		}
	}
	a.closers = nil
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close state store")
		}
		a.store = nil
	}
}

// memoryClient stands in for the daemon control channel when containers
// are simulated. It remembers the last URL per port.
type memoryClient struct {
	mu   sync.Mutex
	urls map[int]string
}

func newMemoryClient() *memoryClient {
	return &memoryClient{urls: make(map[int]string)}
}

func (c *memoryClient) Navigate(ctx context.Context, port int, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.urls[port] = url
	return nil
}

func (c *memoryClient) CurrentURL(ctx context.Context, port int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.urls[port], nil
}

func (c *memoryClient) Launch(ctx context.Context, port int) error { return nil }

func (c *memoryClient) Health(ctx context.Context, port int) error { return nil }

func (c *memoryClient) NotifyReady(ctx context.Context, callbackURL string, n daemon.ReadyNotification) error {
	return nil
}
