// Package daemon owns the lifecycle of the one browser daemon each session
// may have: start (from the warm pool or cold), navigate, stop, status, and
// the recovery entry points used by the reconciler.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/sandboxrunner/browserd/pkg/events"
	"github.com/sandboxrunner/browserd/pkg/monitoring"
	"github.com/sandboxrunner/browserd/pkg/ports"
	"github.com/sandboxrunner/browserd/pkg/resilience"
	"github.com/sandboxrunner/browserd/pkg/types"
)

const eventSource = "daemon-controller"

// RouteTable is the part of the proxy router the controller writes to
type RouteTable interface {
	Register(hostname, sessionID, containerID string, containerPort, hostPort int) error
	Unregister(hostname string) bool
	Hostname(sessionID string) string
}

// SlotClaimer hands out warm pool slots. A claimed slot stays reserved in
// the pool until Settle is called for it.
type SlotClaimer interface {
	Claim() (*types.PoolSlot, bool)
	Settle(slotID string)
}

// Config holds controller tunables
type Config struct {
	// MaxRetries bounds automatic restarts before a session is marked failed
	MaxRetries     int
	StopAttempts   int
	StopRetryDelay time.Duration
	// ControlTimeout bounds control channel calls made on behalf of stop and status
	ControlTimeout time.Duration
	NotifyTimeout  time.Duration
}

// DefaultConfig returns the default controller configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		StopAttempts:   3,
		StopRetryDelay: 500 * time.Millisecond,
		ControlTimeout: 3 * time.Second,
		NotifyTimeout:  10 * time.Second,
	}
}

// StartOptions are the optional inputs of Start
type StartOptions struct {
	URL         string `json:"url,omitempty"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

// StartResult is returned to every caller of a start flight
type StartResult struct {
	SessionID string       `json:"sessionId"`
	Port      int          `json:"port"`
	Hostname  string       `json:"hostname"`
	Status    types.Status `json:"status"`
	FromPool  bool         `json:"fromPool"`
}

// Option configures a Controller
type Option func(*Controller)

func WithPool(pool SlotClaimer) Option {
	return func(c *Controller) { c.pool = pool }
}

func WithEvents(p events.Publisher) Option {
	return func(c *Controller) { c.events = p }
}

func WithMetrics(m *monitoring.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller is the per-session state machine. Start, Stop, Navigate,
// Launch and Recover for one session are serialized by a keyed lock;
// concurrent Start and Recover calls share one flight.
type Controller struct {
	store    *Store
	launcher *Launcher
	ports    *ports.Allocator
	client   DaemonClient
	routes   RouteTable
	pool     SlotClaimer
	events   events.Publisher
	metrics  *monitoring.Metrics
	config   Config

	locks   *keyedMutex
	flights singleflight.Group
	stopper *resilience.RetryExecutor
	tracer  trace.Tracer
	now     func() time.Time
}

// NewController wires a controller
func NewController(store *Store, launcher *Launcher, allocator *ports.Allocator, client DaemonClient, routes RouteTable, cfg Config, opts ...Option) *Controller {
	if cfg.StopAttempts <= 0 {
		cfg.StopAttempts = 1
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = 3 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	c := &Controller{
		store:    store,
		launcher: launcher,
		ports:    allocator,
		client:   client,
		routes:   routes,
		events:   events.Nop{},
		config:   cfg,
		locks:    newKeyedMutex(),
		stopper:  resilience.WithFixedDelay("daemon-stop", cfg.StopAttempts, cfg.StopRetryDelay),
		tracer:   otel.Tracer("github.com/sandboxrunner/browserd/pkg/daemon"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Config() Config { return c.config }

// Start returns the session's daemon, creating one if needed. Concurrent
// calls for one session collapse into a single flight and all receive its
// result. The flight outlives a cancelled caller so no container is left
// half-created.
func (c *Controller) Start(ctx context.Context, sessionID string, opts StartOptions) (*StartResult, error) {
	if err := types.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	ctx, span := c.tracer.Start(ctx, "daemon.start", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	res, err := c.flight(ctx, sessionID, func(ctx context.Context) (*StartResult, error) {
		return c.start(ctx, sessionID, opts)
	})
	endSpan(span, err)
	return res, err
}

func (c *Controller) flight(ctx context.Context, sessionID string, fn func(context.Context) (*StartResult, error)) (*StartResult, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(sessionID, func() (interface{}, error) {
		return fn(detached)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		out := *res.Val.(*StartResult)
		return &out, nil
	case <-ctx.Done():
		return nil, types.NewError(types.KindTimeout, sessionID, "start still in progress", ctx.Err())
	}
}

func (c *Controller) start(ctx context.Context, sessionID string, opts StartOptions) (*StartResult, error) {
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	logger := log.With().Str("session_id", sessionID).Logger()

	if rec, ok := c.store.Get(sessionID); ok {
		switch {
		case rec.Status.IsLive():
			c.store.Touch(sessionID, func(r *types.DaemonRecord) { r.LastActivityAt = c.now() })
			return c.result(rec), nil
		case rec.Status == types.StatusStopping:
			if err := c.teardown(ctx, rec); err != nil {
				return nil, types.ErrStartFailed(sessionID, fmt.Errorf("previous daemon still stopping: %w", err))
			}
			c.finalize(sessionID, "stopped before restart")
		case rec.Status == types.StatusFailed:
			c.discardFailed(ctx, rec)
		}
	}

	url := opts.URL
	if url == "" {
		url = c.store.LastURL(sessionID)
	}
	c.ports.ReleaseOwner(sessionID)

	now := c.now()
	c.store.Put(types.DaemonRecord{
		SessionID:      sessionID,
		ContainerPort:  c.launcher.Config().DaemonPort,
		Status:         types.StatusStarting,
		Desired:        types.DesiredRunning,
		CurrentURL:     url,
		CallbackURL:    opts.CallbackURL,
		LastActivityAt: now,
		CreatedAt:      now,
	})
	c.publishTransition(sessionID, "", types.StatusAbsent, types.StatusStarting, "start requested")

	began := time.Now()
	acq, err := c.acquire(ctx, sessionID, url)
	if err != nil {
		c.store.Delete(sessionID)
		c.publishTransition(sessionID, "", types.StatusStarting, types.StatusAbsent, err.Error())
		c.metrics.RecordStart(monitoring.SourceCold, err, time.Since(began))
		logger.Error().Err(err).Msg("Failed to start daemon")
		return nil, err
	}

	hostname := c.routes.Hostname(sessionID)
	if err := c.routes.Register(hostname, sessionID, acq.containerID, c.launcher.Config().DaemonPort, acq.port); err != nil {
		_ = c.launcher.Destroy(ctx, acq.containerID)
		c.ports.ReleaseOwner(sessionID)
		c.store.Delete(sessionID)
		return nil, types.ErrStartFailed(sessionID, err)
	}

	rec, _ := c.transition(sessionID, types.StatusRunning, "daemon started", func(r *types.DaemonRecord) {
		r.ContainerID = acq.containerID
		r.AssignedPort = acq.port
		r.FromPool = acq.fromPool
		r.LastHealthyAt = c.now()
	})
	c.store.SetLastURL(sessionID, "")

	source := monitoring.SourceCold
	if acq.fromPool {
		source = monitoring.SourcePool
	}
	c.metrics.RecordStart(source, nil, time.Since(began))
	logger.Info().
		Str("container_id", acq.containerID).
		Int("port", acq.port).
		Bool("from_pool", acq.fromPool).
		Dur("elapsed", time.Since(began)).
		Msg("Daemon running")

	c.notifyReady(rec)
	return c.result(rec), nil
}

type acquisition struct {
	containerID string
	port        int
	fromPool    bool
}

// acquire prefers a warm slot and falls back to a cold start when the pool
// is empty or the claimed slot cannot be adopted.
func (c *Controller) acquire(ctx context.Context, sessionID, url string) (acquisition, error) {
	if c.pool != nil {
		slot, ok := c.pool.Claim()
		c.metrics.RecordPoolClaim(ok)
		if ok {
			acq, err := c.adopt(ctx, sessionID, slot, url)
			c.pool.Settle(slot.ID)
			if err == nil {
				return acq, nil
			}
			log.Warn().Err(err).Str("session_id", sessionID).Str("slot_id", slot.ID).Msg("Pool slot unusable, falling back to cold start")
		}
	}
	return c.coldStart(ctx, sessionID, url)
}

// adopt moves a claimed slot's lease and container onto the session's
// starting record, then navigates it to the session's URL. The session is
// reported running only after navigation succeeds.
func (c *Controller) adopt(ctx context.Context, sessionID string, slot *types.PoolSlot, url string) (acquisition, error) {
	if err := c.ports.Transfer(slot.Port, PoolOwner(slot.ID), sessionID); err != nil {
		_ = c.launcher.DestroySlot(context.WithoutCancel(ctx), slot)
		return acquisition{}, fmt.Errorf("adopt pool slot %s: %w", slot.ID, err)
	}
	c.store.Update(sessionID, func(r *types.DaemonRecord) {
		r.ContainerID = slot.ContainerID
		r.AssignedPort = slot.Port
		r.FromPool = true
	})

	if url != "" {
		if err := c.client.Navigate(ctx, slot.Port, url); err != nil {
			if derr := c.launcher.Destroy(context.WithoutCancel(ctx), slot.ContainerID); derr != nil {
				log.Warn().Err(derr).Str("slot_id", slot.ID).Msg("Failed to destroy unusable pool slot")
			}
			c.store.Update(sessionID, func(r *types.DaemonRecord) {
				r.ContainerID = ""
				r.AssignedPort = 0
				r.FromPool = false
			})
			c.ports.Release(slot.Port)
			return acquisition{}, fmt.Errorf("navigate pool slot: %w", err)
		}
	}
	return acquisition{containerID: slot.ContainerID, port: slot.Port, fromPool: true}, nil
}

func (c *Controller) coldStart(ctx context.Context, sessionID, url string) (acquisition, error) {
	lease, err := c.ports.Allocate(sessionID)
	if err != nil {
		return acquisition{}, err
	}
	id, err := c.launcher.LaunchSession(ctx, sessionID, lease.Port, url)
	if err != nil {
		c.ports.Release(lease.Port)
		return acquisition{}, c.classifyLaunchError(ctx, sessionID, err)
	}
	return acquisition{containerID: id, port: lease.Port}, nil
}

func (c *Controller) classifyLaunchError(ctx context.Context, sessionID string, err error) error {
	if perr := c.launcher.Provider().Ping(ctx); perr != nil {
		e := types.ErrProviderUnavailable(perr)
		e.SessionID = sessionID
		return e
	}
	return types.ErrStartFailed(sessionID, err)
}

// Stop tears down the session's daemon. It succeeds when there is nothing
// to stop. If teardown keeps failing the record stays in stopping and the
// reconciler retries it.
func (c *Controller) Stop(ctx context.Context, sessionID string) (err error) {
	ctx, span := c.tracer.Start(ctx, "daemon.stop", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer func() { endSpan(span, err); span.End() }()

	if err := types.ValidateSessionID(sessionID); err != nil {
		return err
	}
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	rec, ok := c.store.Get(sessionID)
	if !ok {
		c.routes.Unregister(c.routes.Hostname(sessionID))
		c.ports.ReleaseOwner(sessionID)
		return nil
	}

	c.saveURL(ctx, rec)
	c.routes.Unregister(c.routes.Hostname(sessionID))
	rec, _ = c.transition(sessionID, types.StatusStopping, "stop requested", func(r *types.DaemonRecord) {
		r.Desired = types.DesiredStopped
	})

	if terr := c.teardown(ctx, rec); terr != nil {
		c.store.Update(sessionID, func(r *types.DaemonRecord) { r.ErrorMessage = terr.Error() })
		c.metrics.RecordStop(terr)
		log.Warn().Err(terr).Str("session_id", sessionID).Msg("Daemon teardown incomplete, reconciler will retry")
		return nil
	}

	c.finalize(sessionID, "daemon stopped")
	c.metrics.RecordStop(nil)
	log.Info().Str("session_id", sessionID).Msg("Daemon stopped")
	return nil
}

func (c *Controller) saveURL(ctx context.Context, rec types.DaemonRecord) {
	url := rec.CurrentURL
	if rec.Status == types.StatusRunning && c.client != nil {
		cctx, cancel := context.WithTimeout(ctx, c.config.ControlTimeout)
		if u, err := c.client.CurrentURL(cctx, rec.AssignedPort); err == nil && u != "" {
			url = u
		}
		cancel()
	}
	if url != "" {
		c.store.SetLastURL(rec.SessionID, url)
	}
}

func (c *Controller) teardown(ctx context.Context, rec types.DaemonRecord) error {
	if rec.ContainerID == "" {
		return nil
	}
	return c.stopper.Execute(ctx, func(ctx context.Context) error {
		return c.launcher.Destroy(ctx, rec.ContainerID)
	})
}

// finalize releases everything the session holds and deletes its record
func (c *Controller) finalize(sessionID, reason string) {
	released := c.ports.ReleaseOwner(sessionID)
	c.store.Delete(sessionID)
	c.publishTransition(sessionID, "", types.StatusStopping, types.StatusAbsent, reason)
	log.Debug().Str("session_id", sessionID).Ints("ports", released).Msg("Session resources released")
}

func (c *Controller) discardFailed(ctx context.Context, rec types.DaemonRecord) {
	if rec.ContainerID != "" {
		if err := c.launcher.Destroy(ctx, rec.ContainerID); err != nil {
			log.Warn().Err(err).Str("session_id", rec.SessionID).Msg("Failed to remove container of failed session")
		}
	}
	c.ports.ReleaseOwner(rec.SessionID)
	c.store.Delete(rec.SessionID)
}

// Navigate forwards url to the session's running daemon
func (c *Controller) Navigate(ctx context.Context, sessionID, url string) (err error) {
	if url == "" {
		return types.NewError(types.KindInvalidRequest, sessionID, "url is required", nil)
	}
	ctx, span := c.tracer.Start(ctx, "daemon.navigate", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer func() { endSpan(span, err); span.End() }()

	unlock := c.locks.Lock(sessionID)
	defer unlock()

	rec, err := c.runningRecord(sessionID)
	if err != nil {
		return err
	}
	if err := c.client.Navigate(ctx, rec.AssignedPort, url); err != nil {
		return types.NewError(types.KindNavigationFailed, sessionID, "daemon rejected navigation", err)
	}
	now := c.now()
	c.store.Update(sessionID, func(r *types.DaemonRecord) {
		r.CurrentURL = url
		r.LastActivityAt = now
	})
	return nil
}

// Launch asks the session's running daemon to (re)open its browser
func (c *Controller) Launch(ctx context.Context, sessionID string) error {
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	rec, err := c.runningRecord(sessionID)
	if err != nil {
		return err
	}
	if err := c.client.Launch(ctx, rec.AssignedPort); err != nil {
		return types.NewError(types.KindStartFailed, sessionID, "daemon failed to launch browser", err)
	}
	c.store.Touch(sessionID, func(r *types.DaemonRecord) { r.LastActivityAt = c.now() })
	return nil
}

func (c *Controller) runningRecord(sessionID string) (types.DaemonRecord, error) {
	if err := types.ValidateSessionID(sessionID); err != nil {
		return types.DaemonRecord{}, err
	}
	rec, ok := c.store.Get(sessionID)
	if !ok {
		return rec, types.ErrSessionNotRunning(sessionID)
	}
	switch rec.Status {
	case types.StatusRunning:
		return rec, nil
	case types.StatusFailed:
		return rec, types.ErrSessionFailed(sessionID, rec.ErrorMessage)
	default:
		return rec, types.ErrSessionNotRunning(sessionID)
	}
}

// GetStatus returns a snapshot of the session without taking its lock.
// Reading a status counts as activity.
func (c *Controller) GetStatus(sessionID string) (*types.DaemonStatus, bool) {
	c.store.Touch(sessionID, func(r *types.DaemonRecord) { r.LastActivityAt = c.now() })
	rec, ok := c.store.Get(sessionID)
	if !ok {
		return nil, false
	}
	return types.StatusOf(&rec, c.routes.Hostname(sessionID)), true
}

// ListStatuses returns snapshots of every known session
func (c *Controller) ListStatuses() []*types.DaemonStatus {
	recs := c.store.List()
	out := make([]*types.DaemonStatus, 0, len(recs))
	for i := range recs {
		out = append(out, types.StatusOf(&recs[i], c.routes.Hostname(recs[i].SessionID)))
	}
	return out
}

// GetCurrentURL asks the running daemon for its URL and falls back to the
// last known one.
func (c *Controller) GetCurrentURL(ctx context.Context, sessionID string) (string, bool) {
	rec, ok := c.store.Get(sessionID)
	if !ok {
		if u := c.store.LastURL(sessionID); u != "" {
			return u, true
		}
		return "", false
	}
	if rec.Status == types.StatusRunning && c.client != nil {
		cctx, cancel := context.WithTimeout(ctx, c.config.ControlTimeout)
		defer cancel()
		if u, err := c.client.CurrentURL(cctx, rec.AssignedPort); err == nil && u != "" {
			if u != rec.CurrentURL {
				c.store.Update(sessionID, func(r *types.DaemonRecord) { r.CurrentURL = u })
			}
			return u, true
		}
	}
	if rec.CurrentURL == "" {
		return "", false
	}
	return rec.CurrentURL, true
}

// IsHealthy reports whether the controller can reach its runtime
func (c *Controller) IsHealthy(ctx context.Context) bool {
	return c.launcher.Provider().Ping(ctx) == nil
}

// Heartbeat records a liveness ping from the session's daemon
func (c *Controller) Heartbeat(sessionID string) error {
	if err := types.ValidateSessionID(sessionID); err != nil {
		return err
	}
	now := c.now()
	if !c.store.Touch(sessionID, func(r *types.DaemonRecord) { r.LastHeartbeatAt = now }) {
		return types.ErrSessionNotRunning(sessionID)
	}
	return nil
}

// Records returns copies of all daemon records
func (c *Controller) Records() []types.DaemonRecord {
	return c.store.List()
}

// Hostname returns the routed hostname of a session
func (c *Controller) Hostname(sessionID string) string {
	return c.routes.Hostname(sessionID)
}

// MarkHealthy records a passed health check for the container the record
// still points at.
func (c *Controller) MarkHealthy(sessionID, containerID string) {
	rec, ok := c.store.Get(sessionID)
	if !ok || rec.ContainerID != containerID {
		return
	}
	switch rec.Status {
	case types.StatusRunning:
		now := c.now()
		c.store.Touch(sessionID, func(r *types.DaemonRecord) { r.LastHealthyAt = now })
	case types.StatusUnhealthy:
		unlock := c.locks.Lock(sessionID)
		defer unlock()
		c.transition(sessionID, types.StatusRunning, "health check passed", func(r *types.DaemonRecord) {
			if r.ContainerID == containerID {
				r.LastHealthyAt = c.now()
				r.ErrorMessage = ""
			}
		})
	}
}

// Recover replaces a daemon the reconciler found dead. observedContainerID
// is the container the reconciler inspected; if the record has moved on
// since, nothing happens. Once RetryCount reaches MaxRetries the session is
// marked failed instead.
func (c *Controller) Recover(ctx context.Context, sessionID, observedContainerID, reason string) (res *StartResult, err error) {
	ctx, span := c.tracer.Start(ctx, "daemon.recover", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("reason", reason),
	))
	defer func() { endSpan(span, err); span.End() }()

	return c.flight(ctx, sessionID, func(ctx context.Context) (*StartResult, error) {
		return c.recover(ctx, sessionID, observedContainerID, reason)
	})
}

func (c *Controller) recover(ctx context.Context, sessionID, observedContainerID, reason string) (*StartResult, error) {
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	rec, ok := c.store.Get(sessionID)
	if !ok {
		return nil, types.ErrSessionNotRunning(sessionID)
	}
	if rec.Desired != types.DesiredRunning || rec.ContainerID != observedContainerID {
		return c.result(rec), nil
	}
	switch rec.Status {
	case types.StatusFailed:
		return nil, types.ErrSessionFailed(sessionID, rec.ErrorMessage)
	case types.StatusStopping, types.StatusStarting:
		return c.result(rec), nil
	}

	logger := log.With().Str("session_id", sessionID).Str("container_id", rec.ContainerID).Logger()

	if rec.RetryCount >= c.config.MaxRetries {
		c.fail(ctx, rec, reason)
		logger.Error().Int("retries", rec.RetryCount).Str("reason", reason).Msg("Session exceeded max retries")
		return nil, types.ErrSessionFailed(sessionID, reason)
	}

	attempt := rec.RetryCount + 1
	if rec.Status == types.StatusRunning {
		c.transition(sessionID, types.StatusUnhealthy, reason, nil)
	}
	rec, _ = c.transition(sessionID, types.StatusRestarting, reason, func(r *types.DaemonRecord) {
		r.RetryCount = attempt
		r.ErrorMessage = reason
	})
	c.events.Publish(events.NewRestartEvent(eventSource, sessionID, attempt, reason))
	c.metrics.RecordRestart()
	logger.Warn().Int("attempt", attempt).Str("reason", reason).Msg("Restarting daemon")

	hostname := c.routes.Hostname(sessionID)
	c.routes.Unregister(hostname)
	if err := c.launcher.Destroy(ctx, rec.ContainerID); err != nil {
		logger.Warn().Err(err).Msg("Failed to remove dead container")
	}

	port, err := c.ensureLease(sessionID, rec.AssignedPort)
	if err != nil {
		c.transition(sessionID, types.StatusUnhealthy, err.Error(), func(r *types.DaemonRecord) {
			r.ContainerID = ""
			r.ErrorMessage = err.Error()
		})
		return nil, err
	}

	id, err := c.launcher.LaunchSession(ctx, sessionID, port, rec.CurrentURL)
	if err != nil {
		lerr := c.classifyLaunchError(ctx, sessionID, err)
		c.transition(sessionID, types.StatusUnhealthy, "restart failed", func(r *types.DaemonRecord) {
			r.ContainerID = ""
			r.AssignedPort = port
			r.ErrorMessage = lerr.Error()
		})
		logger.Error().Err(err).Int("attempt", attempt).Msg("Daemon restart failed")
		return nil, lerr
	}

	if err := c.routes.Register(hostname, sessionID, id, rec.ContainerPort, port); err != nil {
		logger.Error().Err(err).Msg("Failed to register route after restart")
	}
	rec, _ = c.transition(sessionID, types.StatusRunning, "daemon restarted", func(r *types.DaemonRecord) {
		r.ContainerID = id
		r.AssignedPort = port
		r.FromPool = false
		r.ErrorMessage = ""
		r.LastHealthyAt = c.now()
		r.LastHeartbeatAt = time.Time{}
	})
	logger.Info().Str("new_container_id", id).Int("port", port).Msg("Daemon restarted")
	return c.result(rec), nil
}

// ensureLease keeps the session on its current port when it still owns it
func (c *Controller) ensureLease(sessionID string, port int) (int, error) {
	if port != 0 {
		if lease, ok := c.ports.Lookup(port); ok && lease.OwnerID == sessionID {
			return port, nil
		}
	}
	lease, err := c.ports.Allocate(sessionID)
	if err != nil {
		return 0, err
	}
	return lease.Port, nil
}

func (c *Controller) fail(ctx context.Context, rec types.DaemonRecord, reason string) {
	sessionID := rec.SessionID
	c.transition(sessionID, types.StatusFailed, reason, func(r *types.DaemonRecord) {
		r.ErrorMessage = reason
		r.ContainerID = ""
	})
	c.routes.Unregister(c.routes.Hostname(sessionID))
	if err := c.launcher.Destroy(ctx, rec.ContainerID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to remove container of failed session")
	}
	c.ports.ReleaseOwner(sessionID)
	c.events.Publish(events.NewSessionFailedEvent(eventSource, sessionID, rec.RetryCount, reason))
	c.metrics.RecordSessionFailure()
}

// RouteChange is the outcome of SyncRoute
type RouteChange int

const (
	RouteUnchanged RouteChange = iota
	RouteAdded
	RouteRemoved
)

// SyncRoute makes the session's route match its record: a running daemon
// gets an entry pointing at its container, anything else gets none.
func (c *Controller) SyncRoute(sessionID string, current *types.RouteEntry) (RouteChange, error) {
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	hostname := c.routes.Hostname(sessionID)
	rec, ok := c.store.Get(sessionID)
	live := ok && rec.ContainerID != "" && (rec.Status == types.StatusRunning || rec.Status == types.StatusUnhealthy)

	if !live {
		if current != nil && c.routes.Unregister(current.Hostname) {
			return RouteRemoved, nil
		}
		return RouteUnchanged, nil
	}
	if current != nil && current.ContainerID == rec.ContainerID && current.HostPort == rec.AssignedPort {
		return RouteUnchanged, nil
	}
	if current != nil && current.Hostname != hostname {
		c.routes.Unregister(current.Hostname)
	}
	if err := c.routes.Register(hostname, sessionID, rec.ContainerID, rec.ContainerPort, rec.AssignedPort); err != nil {
		return RouteUnchanged, err
	}
	return RouteAdded, nil
}

// RetryTeardown retries the teardown of a session stuck in stopping. After
// more than MaxRetries failed retries the session is marked failed. Teardown
// retries are counted apart from restarts.
func (c *Controller) RetryTeardown(ctx context.Context, sessionID string) error {
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	rec, ok := c.store.Get(sessionID)
	if !ok || rec.Status != types.StatusStopping {
		return nil
	}

	err := c.launcher.Destroy(ctx, rec.ContainerID)
	if err == nil {
		c.finalize(sessionID, "teardown completed")
		return nil
	}

	rec, _ = c.store.Update(sessionID, func(r *types.DaemonRecord) {
		r.TeardownAttempts++
		r.ErrorMessage = err.Error()
	})
	if rec.TeardownAttempts > c.config.MaxRetries {
		reason := fmt.Sprintf("teardown failed after %d retries: %v", rec.TeardownAttempts, err)
		c.transition(sessionID, types.StatusFailed, reason, nil)
		c.events.Publish(events.NewSessionFailedEvent(eventSource, sessionID, rec.TeardownAttempts, reason))
		c.metrics.RecordSessionFailure()
	}
	return err
}

// transition moves a record to status to and publishes the change
func (c *Controller) transition(sessionID string, to types.Status, reason string, mutate func(*types.DaemonRecord)) (types.DaemonRecord, bool) {
	var from types.Status
	rec, ok := c.store.Update(sessionID, func(r *types.DaemonRecord) {
		from = r.Status
		if from != to && !from.CanTransitionTo(to) {
			log.Warn().Str("session_id", sessionID).Str("from", string(from)).Str("to", string(to)).Msg("Unexpected state transition")
		}
		r.Status = to
		if mutate != nil {
			mutate(r)
		}
	})
	if ok && from != to {
		c.publishTransition(sessionID, rec.ContainerID, from, to, reason)
	}
	return rec, ok
}

func (c *Controller) publishTransition(sessionID, containerID string, from, to types.Status, reason string) {
	c.events.Publish(events.NewStateChangeEvent(eventSource, containerID, types.StateTransition{
		SessionID: sessionID,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: c.now(),
	}))
}

func (c *Controller) notifyReady(rec types.DaemonRecord) {
	if rec.CallbackURL == "" || c.client == nil {
		return
	}
	n := ReadyNotification{
		SessionID: rec.SessionID,
		Port:      rec.AssignedPort,
		Hostname:  c.routes.Hostname(rec.SessionID),
		Ready:     true,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.NotifyTimeout)
		defer cancel()
		if err := c.client.NotifyReady(ctx, rec.CallbackURL, n); err != nil {
			log.Warn().Err(err).Str("session_id", rec.SessionID).Str("callback_url", rec.CallbackURL).Msg("Failed to notify ready callback")
		}
	}()
}

func (c *Controller) result(rec types.DaemonRecord) *StartResult {
	return &StartResult{
		SessionID: rec.SessionID,
		Port:      rec.AssignedPort,
		Hostname:  c.routes.Hostname(rec.SessionID),
		Status:    rec.Status,
		FromPool:  rec.FromPool,
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
