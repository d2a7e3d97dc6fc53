// Package reconciler runs the control loop that compares each session's
// desired state with what the runtime reports and heals the difference.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sandboxrunner/browserd/pkg/daemon"
	"github.com/sandboxrunner/browserd/pkg/events"
	"github.com/sandboxrunner/browserd/pkg/monitoring"
	"github.com/sandboxrunner/browserd/pkg/pool"
	"github.com/sandboxrunner/browserd/pkg/ports"
	"github.com/sandboxrunner/browserd/pkg/provider"
	"github.com/sandboxrunner/browserd/pkg/types"
)

const (
	eventSource = "reconciler"

	exitDetailTimeout = 2 * time.Second
	exitLogLines      = 20
)

var (
	ErrAlreadyRunning = errors.New("reconciler already running")
	ErrNotRunning     = errors.New("reconciler not running")
)

// Controller is the controller surface the reconciler drives
type Controller interface {
	Records() []types.DaemonRecord
	Hostname(sessionID string) string
	MarkHealthy(sessionID, containerID string)
	Recover(ctx context.Context, sessionID, observedContainerID, reason string) (*daemon.StartResult, error)
	RetryTeardown(ctx context.Context, sessionID string) error
	SyncRoute(sessionID string, current *types.RouteEntry) (daemon.RouteChange, error)
	Stop(ctx context.Context, sessionID string) error
	IsHealthy(ctx context.Context) bool
}

// RouteLister lists the proxy routing table
type RouteLister interface {
	Entries() []types.RouteEntry
}

// PoolView exposes the pool's slots so that warm, in-creation and claimed
// slots are not swept as orphans
type PoolView interface {
	Inventory() pool.Inventory
	Evict(ctx context.Context, containerID string) bool
}

// HealthChecker probes a daemon's control channel
type HealthChecker interface {
	Health(ctx context.Context, port int) error
}

// Config holds reconciler tunables
type Config struct {
	Interval time.Duration
	// CleanupDelay stops sessions without activity for this long; zero disables
	CleanupDelay time.Duration
	// HeartbeatTimeout marks daemons that stopped sending heartbeats; zero disables
	HeartbeatTimeout time.Duration
	Concurrency      int
	// RestartRate limits restarts per second across all sessions
	RestartRate  float64
	RestartBurst int
	// OrphanGrace protects freshly created containers and leases from the sweep
	OrphanGrace time.Duration
	// Services are singleton container names never treated as orphans
	Services []string

	WatchBackoffBase time.Duration
	WatchBackoffMax  time.Duration
}

// DefaultConfig returns the default reconciler configuration
func DefaultConfig() Config {
	return Config{
		Interval:         5 * time.Second,
		CleanupDelay:     10 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		Concurrency:      8,
		RestartRate:      2,
		RestartBurst:     4,
		OrphanGrace:      time.Minute,
		WatchBackoffBase: time.Second,
		WatchBackoffMax:  time.Minute,
	}
}

// Report summarizes one reconciliation pass
type Report struct {
	Checked        int           `json:"checked"`
	Healthy        int           `json:"healthy"`
	Restarted      int           `json:"restarted"`
	Failed         int           `json:"failed"`
	IdleStopped    int           `json:"idle_stopped"`
	Teardowns      int           `json:"teardowns"`
	RoutesAdded    int           `json:"routes_added"`
	RoutesRemoved  int           `json:"routes_removed"`
	Orphans        int           `json:"orphans_removed"`
	LeasesReleased int           `json:"leases_released"`
	SlotsEvicted   int           `json:"slots_evicted"`
	ProviderDown   bool          `json:"provider_down"`
	Duration       time.Duration `json:"duration"`
}

type counters struct {
	checked, healthy, restarted, failed, idle, teardowns atomic.Int64
}

// Option configures a Reconciler
type Option func(*Reconciler)

func WithPool(p PoolView) Option {
	return func(r *Reconciler) { r.pool = p }
}

func WithHealthChecker(h HealthChecker) Option {
	return func(r *Reconciler) { r.health = h }
}

func WithEvents(p events.Publisher) Option {
	return func(r *Reconciler) { r.events = p }
}

func WithMetrics(m *monitoring.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler is a single control loop. Ticks never overlap; Stop lets an
// in-flight tick finish before returning.
type Reconciler struct {
	ctrl     Controller
	provider provider.Provider
	routes   RouteLister
	ports    *ports.Allocator
	pool     PoolView
	health   HealthChecker
	events   events.Publisher
	metrics  *monitoring.Metrics
	config   Config
	limiter  *rate.Limiter
	services map[string]bool
	now      func() time.Time

	tickMu       sync.Mutex
	providerDown atomic.Bool
	lastReport   atomic.Pointer[Report]

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	trigger chan struct{}
}

// New creates a reconciler
func New(ctrl Controller, p provider.Provider, routes RouteLister, allocator *ports.Allocator, cfg Config, opts ...Option) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.WatchBackoffBase <= 0 {
		cfg.WatchBackoffBase = time.Second
	}
	if cfg.WatchBackoffMax <= 0 {
		cfg.WatchBackoffMax = time.Minute
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = DefaultConfig().OrphanGrace
	}
	limit := rate.Inf
	if cfg.RestartRate > 0 {
		limit = rate.Limit(cfg.RestartRate)
	}
	burst := cfg.RestartBurst
	if burst <= 0 {
		burst = 1
	}

	r := &Reconciler{
		ctrl:     ctrl,
		provider: p,
		routes:   routes,
		ports:    allocator,
		events:   events.Nop{},
		config:   cfg,
		limiter:  rate.NewLimiter(limit, burst),
		services: make(map[string]bool, len(cfg.Services)),
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
	}
	for _, name := range cfg.Services {
		r.services[name] = true
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs the loop and the event watcher. ctx bounds the work done by
// ticks; Stop ends the loop without cancelling an in-flight tick.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrAlreadyRunning
	}
	r.running = true
	r.stopCh = make(chan struct{})

	watchCtx, cancelWatch := context.WithCancel(ctx)
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		defer cancelWatch()
		r.loop(ctx, r.stopCh)
	}()
	go func() {
		defer r.wg.Done()
		r.watch(watchCtx)
	}()

	log.Info().Dur("interval", r.config.Interval).Int("concurrency", r.config.Concurrency).Msg("Reconciler started")
	return nil
}

// Stop stops ticking and waits for the current tick to complete
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	log.Info().Msg("Reconciler stopped")
	return nil
}

// Trigger requests an immediate tick
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// LastReport returns the report of the most recent tick
func (r *Reconciler) LastReport() (Report, bool) {
	rep := r.lastReport.Load()
	if rep == nil {
		return Report{}, false
	}
	return *rep, true
}

func (r *Reconciler) loop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.trigger:
		}
		select {
		case <-stop:
			return
		default:
		}
		r.Tick(ctx)
	}
}

// Tick runs one reconciliation pass
func (r *Reconciler) Tick(ctx context.Context) Report {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	start := time.Now()
	var rep Report

	if !r.checkProvider(ctx) {
		rep.ProviderDown = true
		rep.Duration = time.Since(start)
		r.finish(&rep)
		return rep
	}

	var c counters
	r.reconcileSessions(ctx, &c)
	rep.Checked = int(c.checked.Load())
	rep.Healthy = int(c.healthy.Load())
	rep.Restarted = int(c.restarted.Load())
	rep.Failed = int(c.failed.Load())
	rep.IdleStopped = int(c.idle.Load())
	rep.Teardowns = int(c.teardowns.Load())

	rep.RoutesAdded, rep.RoutesRemoved = r.repairRoutes()
	rep.SlotsEvicted = r.checkPool(ctx)
	rep.Orphans = r.sweepOrphans(ctx)
	rep.LeasesReleased = r.releaseLeases()
	rep.Duration = time.Since(start)

	r.finish(&rep)
	return rep
}

func (r *Reconciler) finish(rep *Report) {
	r.lastReport.Store(rep)

	if r.metrics != nil {
		r.metrics.RecordReconcile(rep.Duration)
		byStatus := map[string]int{}
		for _, rec := range r.ctrl.Records() {
			byStatus[string(rec.Status)]++
		}
		r.metrics.SetSessions(byStatus)
		if r.ports != nil {
			used, _ := r.ports.Stats()
			r.metrics.SetPortsInUse(used)
		}
		r.metrics.SetRoutesActive(len(r.routes.Entries()))
	}

	if rep.Restarted+rep.Failed+rep.IdleStopped+rep.Orphans+rep.RoutesAdded+rep.RoutesRemoved > 0 {
		log.Info().
			Int("checked", rep.Checked).
			Int("restarted", rep.Restarted).
			Int("failed", rep.Failed).
			Int("idle_stopped", rep.IdleStopped).
			Int("routes_added", rep.RoutesAdded).
			Int("routes_removed", rep.RoutesRemoved).
			Int("orphans", rep.Orphans).
			Dur("duration", rep.Duration).
			Msg("Reconciliation pass made changes")
	}
}

// checkProvider gates the pass on runtime reachability. Restarting against
// an unreachable runtime would only burn the sessions' retry budgets.
func (r *Reconciler) checkProvider(ctx context.Context) bool {
	healthy := r.ctrl.IsHealthy(ctx)
	wasDown := r.providerDown.Swap(!healthy)
	switch {
	case !healthy && !wasDown:
		log.Error().Str("provider", r.provider.Name()).Msg("Sandbox provider unreachable, pausing reconciliation")
		r.events.Publish(events.NewSystemEvent(events.EventTypeHealthAlert, eventSource,
			"Sandbox provider unavailable", "provider "+r.provider.Name()+" did not answer ping", events.EventSeverityCritical))
	case healthy && wasDown:
		log.Info().Str("provider", r.provider.Name()).Msg("Sandbox provider reachable again")
		r.events.Publish(events.NewSystemEvent(events.EventTypeHealthAlert, eventSource,
			"Sandbox provider recovered", "provider "+r.provider.Name()+" answered ping", events.EventSeverityInfo))
	}
	return healthy
}

func (r *Reconciler) reconcileSessions(ctx context.Context, c *counters) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Concurrency)

	for _, rec := range r.ctrl.Records() {
		rec := rec
		g.Go(func() error {
			r.reconcileSession(gctx, rec, c)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Reconciler) reconcileSession(ctx context.Context, rec types.DaemonRecord, c *counters) {
	logger := log.With().Str("session_id", rec.SessionID).Str("status", string(rec.Status)).Logger()

	if rec.Status == types.StatusStopping || rec.Desired == types.DesiredStopped {
		if rec.Status == types.StatusFailed {
			return
		}
		c.teardowns.Add(1)
		if err := r.ctrl.RetryTeardown(ctx, rec.SessionID); err != nil {
			logger.Warn().Err(err).Msg("Teardown retry failed")
		}
		return
	}
	if rec.Desired != types.DesiredRunning || rec.Status == types.StatusFailed || rec.Status.IsTransient() {
		return
	}
	c.checked.Add(1)

	now := r.now()
	if r.config.CleanupDelay > 0 && !rec.LastActivityAt.IsZero() && now.Sub(rec.LastActivityAt) > r.config.CleanupDelay {
		idle := now.Sub(rec.LastActivityAt)
		if err := r.ctrl.Stop(ctx, rec.SessionID); err != nil {
			logger.Warn().Err(err).Msg("Failed to stop idle session")
			return
		}
		c.idle.Add(1)
		logger.Info().Dur("idle", idle).Msg("Stopped idle session")
		r.events.Publish(events.Event{
			Type:      events.EventTypeIdleCleanup,
			Severity:  events.EventSeverityInfo,
			Source:    eventSource,
			SessionID: rec.SessionID,
			Title:     "Idle session stopped",
			Message:   fmt.Sprintf("no activity for %s", idle.Round(time.Second)),
		})
		return
	}

	reason, healthy := r.observe(ctx, rec)
	if healthy {
		c.healthy.Add(1)
		r.ctrl.MarkHealthy(rec.SessionID, rec.ContainerID)
		return
	}
	if reason == "" {
		return
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return
	}
	_, err := r.ctrl.Recover(ctx, rec.SessionID, rec.ContainerID, reason)
	switch {
	case err == nil:
		c.restarted.Add(1)
	case types.IsKind(err, types.KindSessionFailed):
		c.failed.Add(1)
	default:
		logger.Warn().Err(err).Str("reason", reason).Msg("Recovery attempt failed")
	}
}

// observe inspects the session's container. It returns healthy, or the
// reason the daemon needs recovery. An empty reason with healthy false means
// the observation was inconclusive.
func (r *Reconciler) observe(ctx context.Context, rec types.DaemonRecord) (string, bool) {
	if rec.ContainerID == "" {
		return "container missing", false
	}
	info, err := r.provider.InspectContainer(ctx, rec.ContainerID)
	if provider.IsNotFound(err) {
		return "container missing", false
	}
	if err != nil {
		log.Warn().Err(err).Str("session_id", rec.SessionID).Msg("Failed to inspect container")
		return "", false
	}
	if !info.Running() {
		reason := fmt.Sprintf("container %s (exit code %d)", info.State, info.ExitCode)
		if info.OOMKilled {
			reason += ", out of memory"
		}
		r.reportExit(ctx, rec, info)
		return reason, false
	}

	if r.config.HeartbeatTimeout > 0 && !rec.LastHeartbeatAt.IsZero() && r.now().Sub(rec.LastHeartbeatAt) > r.config.HeartbeatTimeout {
		return fmt.Sprintf("no heartbeat for %s", r.now().Sub(rec.LastHeartbeatAt).Round(time.Second)), false
	}
	if r.health != nil && rec.AssignedPort > 0 {
		if err := r.health.Health(ctx, rec.AssignedPort); err != nil {
			return "health check failed: " + err.Error(), false
		}
	}
	return "", true
}

// reportExit publishes the exit result and log tail of a daemon container
// that stopped running, before recovery removes it.
func (r *Reconciler) reportExit(ctx context.Context, rec types.DaemonRecord, info *provider.ContainerInfo) {
	ctx, cancel := context.WithTimeout(ctx, exitDetailTimeout)
	defer cancel()

	meta := map[string]interface{}{
		"state":      string(info.State),
		"exit_code":  info.ExitCode,
		"oom_killed": info.OOMKilled,
	}
	if res, err := r.provider.WaitContainer(ctx, rec.ContainerID); err == nil {
		meta["exit_code"] = res.ExitCode
		if res.Error != "" {
			meta["exit_error"] = res.Error
		}
	}
	if logs, err := r.provider.ContainerLogs(ctx, rec.ContainerID, exitLogLines); err == nil && len(logs) > 0 {
		meta["log_tail"] = string(logs)
	}

	log.Warn().
		Str("session_id", rec.SessionID).
		Str("container_id", rec.ContainerID).
		Interface("exit_code", meta["exit_code"]).
		Msg("Daemon container exited")
	r.events.Publish(events.Event{
		Type:        events.EventTypeDaemonExited,
		Severity:    events.EventSeverityWarning,
		Source:      eventSource,
		SessionID:   rec.SessionID,
		ContainerID: rec.ContainerID,
		Title:       "Daemon container exited",
		Message:     fmt.Sprintf("container %s with exit code %v", info.State, meta["exit_code"]),
		Metadata:    meta,
	})
}

// repairRoutes drops entries that do not match a live record and adds
// entries for live records that lack one.
func (r *Reconciler) repairRoutes() (added, removed int) {
	records := map[string]types.DaemonRecord{}
	for _, rec := range r.ctrl.Records() {
		records[rec.SessionID] = rec
	}

	covered := map[string]bool{}
	for _, entry := range r.routes.Entries() {
		entry := entry
		rec, ok := records[entry.SessionID]
		if ok && rec.Status.IsTransient() {
			covered[entry.SessionID] = true
			continue
		}
		if ok && rec.ContainerID == entry.ContainerID && rec.AssignedPort == entry.HostPort && r.routable(rec) {
			covered[entry.SessionID] = true
			continue
		}
		change, err := r.ctrl.SyncRoute(entry.SessionID, &entry)
		if err != nil {
			log.Warn().Err(err).Str("hostname", entry.Hostname).Msg("Failed to repair route")
			continue
		}
		covered[entry.SessionID] = true
		switch change {
		case daemon.RouteAdded:
			added++
		case daemon.RouteRemoved:
			removed++
			log.Info().Str("hostname", entry.Hostname).Str("container_id", entry.ContainerID).Msg("Removed stale route")
		}
	}

	for sid, rec := range records {
		if covered[sid] || !r.routable(rec) {
			continue
		}
		change, err := r.ctrl.SyncRoute(sid, nil)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sid).Msg("Failed to restore route")
			continue
		}
		if change == daemon.RouteAdded {
			added++
			log.Info().Str("session_id", sid).Msg("Restored missing route")
		}
	}

	if added+removed > 0 {
		r.events.Publish(events.NewSystemEvent(events.EventTypeRouteRepaired, eventSource, "Routes repaired",
			fmt.Sprintf("%d added, %d removed", added, removed), events.EventSeverityWarning))
	}
	return added, removed
}

func (r *Reconciler) routable(rec types.DaemonRecord) bool {
	return rec.ContainerID != "" && (rec.Status == types.StatusRunning || rec.Status == types.StatusUnhealthy)
}

// checkPool evicts warm slots whose containers died
func (r *Reconciler) checkPool(ctx context.Context) int {
	if r.pool == nil {
		return 0
	}
	evicted := 0
	for _, slot := range r.pool.Inventory().Warm {
		info, err := r.provider.InspectContainer(ctx, slot.ContainerID)
		if err != nil && !provider.IsNotFound(err) {
			continue
		}
		if err == nil && info.Running() {
			continue
		}
		if r.pool.Evict(ctx, slot.ContainerID) {
			evicted++
			log.Info().Str("slot_id", slot.ID).Str("container_id", slot.ContainerID).Msg("Evicted dead pool slot")
		}
	}
	return evicted
}

type poolOwnership struct {
	// containers backing warm slots
	containers map[string]bool
	// ids of warm, in-creation and claimed slots
	slots map[string]bool
}

// poolOwnership snapshots what the pool answers for. Callers take it before
// reading controller records: a claimed slot is settled only after the
// session record names its container and lease, so a slot missing here
// shows up on the records read afterwards.
func (r *Reconciler) poolOwnership() poolOwnership {
	po := poolOwnership{containers: map[string]bool{}, slots: map[string]bool{}}
	if r.pool == nil {
		return po
	}
	inv := r.pool.Inventory()
	for _, slot := range inv.Warm {
		po.containers[slot.ContainerID] = true
		po.slots[slot.ID] = true
	}
	for _, id := range inv.Reserved {
		po.slots[id] = true
	}
	return po
}

// sweepOrphans removes managed containers nothing owns
func (r *Reconciler) sweepOrphans(ctx context.Context) int {
	containers, err := r.provider.ListContainers(ctx, map[string]string{provider.LabelManaged: "true"})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list managed containers")
		return 0
	}

	po := r.poolOwnership()
	owned := po.containers
	sessions := map[string]types.DaemonRecord{}
	for _, rec := range r.ctrl.Records() {
		sessions[rec.SessionID] = rec
		if rec.ContainerID != "" {
			owned[rec.ContainerID] = true
		}
	}

	now := r.now()
	removed := 0
	for _, c := range containers {
		if owned[c.ID] || r.services[c.Name] {
			continue
		}
		if sid := c.Labels[provider.LabelPool]; sid != "" && po.slots[sid] {
			continue
		}
		if sid := c.Labels[provider.LabelSession]; sid != "" {
			if rec, ok := sessions[sid]; ok && (rec.Status.IsTransient() || rec.ContainerID == "") {
				continue
			}
		}
		if !c.CreatedAt.IsZero() && now.Sub(c.CreatedAt) < r.config.OrphanGrace {
			continue
		}

		if err := r.provider.RemoveContainer(ctx, c.ID); err != nil && !provider.IsNotFound(err) {
			log.Warn().Err(err).Str("container_id", c.ID).Msg("Failed to remove orphaned container")
			continue
		}
		removed++
		r.metrics.RecordOrphanRemoved()
		log.Info().Str("container_id", c.ID).Str("name", c.Name).Msg("Removed orphaned container")
		r.events.Publish(events.Event{
			Type:        events.EventTypeOrphanRemoved,
			Severity:    events.EventSeverityWarning,
			Source:      eventSource,
			SessionID:   c.Labels[provider.LabelSession],
			ContainerID: c.ID,
			Title:       "Orphaned container removed",
			Message:     c.Name,
		})
	}
	return removed
}

// releaseLeases frees expired leases and leases whose owner no longer exists
func (r *Reconciler) releaseLeases() int {
	if r.ports == nil {
		return 0
	}
	slots := map[string]bool{}
	for id := range r.poolOwnership().slots {
		owner := daemon.PoolOwner(id)
		slots[owner] = true
		r.ports.Renew(owner)
	}
	sessions := map[string]bool{}
	for _, rec := range r.ctrl.Records() {
		sessions[rec.SessionID] = true
		if rec.Status != types.StatusFailed {
			r.ports.Renew(rec.SessionID)
		}
	}

	// Owners seen this tick were renewed above; whatever still expires has
	// not been accounted for within the TTL.
	released := len(r.ports.ReleaseExpired())

	now := r.now()
	for _, lease := range r.ports.Leases() {
		if sessions[lease.OwnerID] || slots[lease.OwnerID] {
			continue
		}
		if now.Sub(lease.LeasedAt) < r.config.OrphanGrace {
			continue
		}
		if r.ports.Release(lease.Port) {
			released++
			log.Info().Int("port", lease.Port).Str("owner_id", lease.OwnerID).Msg("Released orphaned port lease")
		}
	}
	return released
}
