// Package pool keeps a target number of pre-started, unassigned daemons so
// that session starts can skip container creation.
package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/browserd/pkg/monitoring"
	"github.com/sandboxrunner/browserd/pkg/resilience"
	"github.com/sandboxrunner/browserd/pkg/types"
)

// SlotFactory creates and destroys warm daemons. CreateSlot must use slotID
// as the slot's ID.
type SlotFactory interface {
	CreateSlot(ctx context.Context, slotID string) (*types.PoolSlot, error)
	DestroySlot(ctx context.Context, slot *types.PoolSlot) error
}

// Config configures a Manager
type Config struct {
	Size        int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// CreateTimeout bounds one slot creation; zero means no bound
	CreateTimeout time.Duration
}

// DefaultConfig returns a disabled pool
func DefaultConfig() Config {
	return Config{
		Size:          0,
		BackoffBase:   time.Second,
		BackoffMax:    30 * time.Second,
		CreateTimeout: time.Minute,
	}
}

// Stats is a snapshot of pool counters
type Stats struct {
	Target   int   `json:"target"`
	Warm     int   `json:"warm"`
	Claims   int64 `json:"claims"`
	Misses   int64 `json:"misses"`
	Created  int64 `json:"created"`
	Failures int   `json:"consecutive_failures"`
}

// Inventory is a consistent view of every slot the pool answers for
type Inventory struct {
	Warm     []types.PoolSlot
	// Reserved holds ids of slots being created or claimed but not yet settled
	Reserved []string
}

// Manager owns the warm slots. Claim never blocks on slot creation; the
// filler goroutine started by Run replaces claimed slots in the background.
type Manager struct {
	factory SlotFactory
	config  Config
	metrics *monitoring.Metrics

	mu       sync.Mutex
	slots    []*types.PoolSlot
	reserved map[string]struct{}
	size     int
	failures int
	closed   bool

	refill  chan struct{}
	claims  atomic.Int64
	misses  atomic.Int64
	created atomic.Int64
}

// NewManager creates a manager. metrics may be nil.
func NewManager(factory SlotFactory, cfg Config, metrics *monitoring.Metrics) *Manager {
	if cfg.Size < 0 {
		cfg.Size = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	return &Manager{
		factory:  factory,
		config:   cfg,
		metrics:  metrics,
		size:     cfg.Size,
		reserved: make(map[string]struct{}),
		refill:   make(chan struct{}, 1),
	}
}

// Claim removes and returns the oldest warm slot. It returns false when the
// pool is empty, disabled or closed. The slot stays reserved until Settle.
func (m *Manager) Claim() (*types.PoolSlot, bool) {
	m.mu.Lock()
	if m.closed || len(m.slots) == 0 {
		m.mu.Unlock()
		m.misses.Add(1)
		m.signal()
		return nil, false
	}
	slot := m.slots[0]
	m.slots = m.slots[1:]
	m.reserved[slot.ID] = struct{}{}
	warm := len(m.slots)
	m.mu.Unlock()

	m.claims.Add(1)
	m.metrics.SetPoolWarm(warm)
	m.signal()

	claimed := *slot
	claimed.Status = types.SlotClaimed
	log.Debug().Str("slot_id", slot.ID).Str("container_id", slot.ContainerID).Int("port", slot.Port).Msg("Pool slot claimed")
	return &claimed, true
}

// Settle ends the reservation of a claimed slot. The claimer calls it once
// the slot is owned elsewhere or destroyed.
func (m *Manager) Settle(slotID string) {
	m.mu.Lock()
	delete(m.reserved, slotID)
	m.mu.Unlock()
}

// SetSize changes the target size. Excess slots are drained by the filler.
func (m *Manager) SetSize(n int) {
	if n < 0 {
		n = 0
	}
	m.mu.Lock()
	m.size = n
	m.mu.Unlock()
	m.signal()
}

// Size returns the target size
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Slots returns copies of the warm slots
func (m *Manager) Slots() []types.PoolSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.PoolSlot, 0, len(m.slots))
	for _, s := range m.slots {
		out = append(out, *s)
	}
	return out
}

// Inventory returns the warm slots and reserved slot ids in one snapshot
func (m *Manager) Inventory() Inventory {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv := Inventory{
		Warm:     make([]types.PoolSlot, 0, len(m.slots)),
		Reserved: make([]string, 0, len(m.reserved)),
	}
	for _, s := range m.slots {
		inv.Warm = append(inv.Warm, *s)
	}
	for id := range m.reserved {
		inv.Reserved = append(inv.Reserved, id)
	}
	sort.Strings(inv.Reserved)
	return inv
}

// Evict drops the warm slot backed by containerID, destroying it. It
// reports whether such a slot existed.
func (m *Manager) Evict(ctx context.Context, containerID string) bool {
	m.mu.Lock()
	var found *types.PoolSlot
	for i, s := range m.slots {
		if s.ContainerID == containerID {
			found = s
			m.slots = append(m.slots[:i:i], m.slots[i+1:]...)
			break
		}
	}
	warm := len(m.slots)
	m.mu.Unlock()

	if found == nil {
		return false
	}
	m.metrics.SetPoolWarm(warm)
	if err := m.factory.DestroySlot(ctx, found); err != nil {
		log.Warn().Err(err).Str("slot_id", found.ID).Msg("Failed to destroy evicted pool slot")
	}
	m.signal()
	return true
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Target:   m.size,
		Warm:     len(m.slots),
		Claims:   m.claims.Load(),
		Misses:   m.misses.Load(),
		Created:  m.created.Load(),
		Failures: m.failures,
	}
}

func (m *Manager) signal() {
	select {
	case m.refill <- struct{}{}:
	default:
	}
}

// Run fills the pool until ctx is done
func (m *Manager) Run(ctx context.Context) {
	log.Info().Int("size", m.Size()).Msg("Pool filler started")
	defer log.Info().Msg("Pool filler stopped")

	for {
		delay := m.fill(ctx)

		var timer *time.Timer
		var retry <-chan time.Time
		if delay > 0 {
			timer = time.NewTimer(delay)
			retry = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-m.refill:
		case <-retry:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// fill creates slots until the target is met or a creation fails, then
// drains any excess. It returns the backoff to wait before retrying, or
// zero when the pool is at target.
func (m *Manager) fill(ctx context.Context) time.Duration {
	m.drain(ctx)

	maxIterations := 2 * m.Size()
	if maxIterations < 10 {
		maxIterations = 10
	}
	for i := 0; i < maxIterations; i++ {
		if ctx.Err() != nil {
			return 0
		}
		m.mu.Lock()
		deficit := m.size - len(m.slots)
		closed := m.closed
		m.mu.Unlock()
		if closed || deficit <= 0 {
			return 0
		}

		slotID := uuid.New().String()[:8]
		m.mu.Lock()
		m.reserved[slotID] = struct{}{}
		m.mu.Unlock()

		slot, err := m.create(ctx, slotID)
		if err != nil {
			m.mu.Lock()
			delete(m.reserved, slotID)
			m.mu.Unlock()
			if ctx.Err() != nil {
				return 0
			}
			m.mu.Lock()
			m.failures++
			failures := m.failures
			m.mu.Unlock()
			delay := resilience.Backoff(m.config.BackoffBase, m.config.BackoffMax, failures-1)
			log.Warn().Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("Failed to create pool slot")
			return delay
		}

		m.mu.Lock()
		keep := !m.closed && len(m.slots) < m.size
		if keep {
			m.slots = append(m.slots, slot)
			m.failures = 0
			delete(m.reserved, slotID)
		}
		warm := len(m.slots)
		m.mu.Unlock()

		if !keep {
			m.destroy(ctx, slot)
			m.Settle(slotID)
			return 0
		}
		m.created.Add(1)
		m.metrics.SetPoolWarm(warm)
		log.Debug().Str("slot_id", slot.ID).Int("port", slot.Port).Int("warm", warm).Msg("Pool slot ready")
	}
	return m.config.BackoffBase
}

func (m *Manager) create(ctx context.Context, slotID string) (*types.PoolSlot, error) {
	if m.config.CreateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.CreateTimeout)
		defer cancel()
	}
	return m.factory.CreateSlot(ctx, slotID)
}

// drain destroys warm slots above the target size, newest first
func (m *Manager) drain(ctx context.Context) {
	m.mu.Lock()
	var excess []*types.PoolSlot
	if n := len(m.slots) - m.size; n > 0 {
		excess = append(excess, m.slots[len(m.slots)-n:]...)
		m.slots = m.slots[:len(m.slots)-n]
	}
	warm := len(m.slots)
	m.mu.Unlock()

	if len(excess) == 0 {
		return
	}
	m.metrics.SetPoolWarm(warm)
	for _, s := range excess {
		m.destroy(ctx, s)
	}
	log.Info().Int("drained", len(excess)).Int("warm", warm).Msg("Drained excess pool slots")
}

func (m *Manager) destroy(ctx context.Context, slot *types.PoolSlot) {
	if err := m.factory.DestroySlot(context.WithoutCancel(ctx), slot); err != nil {
		log.Warn().Err(err).Str("slot_id", slot.ID).Msg("Failed to destroy pool slot")
	}
}

// Close stops handing out slots and destroys the warm ones
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	slots := m.slots
	m.slots = nil
	m.mu.Unlock()

	m.metrics.SetPoolWarm(0)
	var errs []error
	for _, s := range slots {
		if err := m.factory.DestroySlot(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
