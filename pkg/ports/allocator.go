// Package ports hands out host ports for container bindings from bounded
// ranges. Every allocated port is held by exactly one lease until released.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/browserd/pkg/types"
)

// Range is an inclusive, named port range.
type Range struct {
	Name  string `yaml:"name" mapstructure:"name"`
	Start int    `yaml:"start" mapstructure:"start"`
	End   int    `yaml:"end" mapstructure:"end"`
}

// Known ranges used by the browser stack.
var (
	CDPRange       = Range{Name: "cdp", Start: 9222, End: 9300}
	StreamRange    = Range{Name: "stream", Start: 9301, End: 9400}
	ContainerRange = Range{Name: "container", Start: 9401, End: 9600}
)

// Size returns the number of ports in the range
func (r Range) Size() int {
	return r.End - r.Start + 1
}

// Contains reports whether port lies within the range
func (r Range) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

// Validate checks the range bounds
func (r Range) Validate() error {
	if r.Start < 1 || r.End > 65535 {
		return fmt.Errorf("port range %s out of bounds: %d-%d", r.Name, r.Start, r.End)
	}
	if r.Start > r.End {
		return fmt.Errorf("port range %s is empty: %d-%d", r.Name, r.Start, r.End)
	}
	return nil
}

var (
	ErrLeaseNotFound = errors.New("port lease not found")
	ErrOutOfRange    = errors.New("port outside allocator range")
	ErrNotLeaseOwner = errors.New("port lease held by another owner")
)

// LeasePersistence stores leases so they survive an orchestrator restart.
type LeasePersistence interface {
	SaveLease(lease types.PortLease) error
	DeleteLease(port int) error
	LoadLeases() ([]types.PortLease, error)
}

// Probe reports whether a port is actually free on the host.
type Probe func(port int) bool

// TCPProbe returns a Probe that tries to bind host:port.
func TCPProbe(host string) Probe {
	return func(port int) bool {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return false
		}
		l.Close()
		return true
	}
}

// Option configures an Allocator
type Option func(*Allocator)

// WithPersistence mirrors every lease change to p
func WithPersistence(p LeasePersistence) Option {
	return func(a *Allocator) { a.persistence = p }
}

// WithProbe skips ports the probe reports as busy
func WithProbe(p Probe) Option {
	return func(a *Allocator) { a.probe = p }
}

// WithLeaseTTL makes Allocate leases expire ttl after they are taken or
// last renewed. Zero means leases never expire.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(a *Allocator) { a.ttl = ttl }
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

// Allocator is a first-free allocator over one Range. It is safe for
// concurrent use.
type Allocator struct {
	mu          sync.Mutex
	rng         Range
	leases      map[int]*types.PortLease
	persistence LeasePersistence
	probe       Probe
	ttl         time.Duration
	now         func() time.Time
}

// NewAllocator creates an allocator over r
func NewAllocator(r Range, opts ...Option) (*Allocator, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	a := &Allocator{
		rng:    r,
		leases: make(map[int]*types.PortLease),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Range returns the allocator's range
func (a *Allocator) Range() Range {
	return a.rng
}

// Restore reloads persisted leases. Leases outside the current range are dropped.
func (a *Allocator) Restore() error {
	if a.persistence == nil {
		return nil
	}
	leases, err := a.persistence.LoadLeases()
	if err != nil {
		return fmt.Errorf("failed to load port leases: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, l := range leases {
		if !a.rng.Contains(l.Port) {
			a.deletePersisted(l.Port)
			continue
		}
		lease := l
		a.leases[l.Port] = &lease
	}
	log.Info().Str("range", a.rng.Name).Int("leases", len(a.leases)).Msg("Port leases restored")
	return nil
}

// Allocate leases the lowest free port to ownerID.
func (a *Allocator) Allocate(ownerID string) (types.PortLease, error) {
	var expiresAt time.Time
	if a.ttl > 0 {
		expiresAt = a.now().Add(a.ttl)
	}
	return a.allocate(ownerID, expiresAt)
}

// AllocateWithExpiry leases a port that ReleaseExpired frees after expiresAt.
func (a *Allocator) AllocateWithExpiry(ownerID string, expiresAt time.Time) (types.PortLease, error) {
	return a.allocate(ownerID, expiresAt)
}

func (a *Allocator) allocate(ownerID string, expiresAt time.Time) (types.PortLease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.rng.Start; port <= a.rng.End; port++ {
		if _, held := a.leases[port]; held {
			continue
		}
		if a.probe != nil && !a.probe(port) {
			continue
		}
		lease := &types.PortLease{
			Port:      port,
			OwnerID:   ownerID,
			Range:     a.rng.Name,
			LeasedAt:  a.now(),
			ExpiresAt: expiresAt,
		}
		a.leases[port] = lease
		a.savePersisted(*lease)

		log.Debug().Int("port", port).Str("owner_id", ownerID).Msg("Port leased")
		return *lease, nil
	}

	return types.PortLease{}, types.NewError(types.KindPortExhausted, ownerID,
		fmt.Sprintf("no free port in %s range %d-%d", a.rng.Name, a.rng.Start, a.rng.End), nil)
}

// Release frees port. Releasing a free port is a no-op; the return value
// reports whether a lease was actually removed.
func (a *Allocator) Release(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.releaseLocked(port)
}

func (a *Allocator) releaseLocked(port int) bool {
	lease, held := a.leases[port]
	if !held {
		return false
	}
	delete(a.leases, port)
	a.deletePersisted(port)
	log.Debug().Int("port", port).Str("owner_id", lease.OwnerID).Msg("Port released")
	return true
}

// ReleaseOwner frees every lease held by ownerID and returns the freed ports.
func (a *Allocator) ReleaseOwner(ownerID string) []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var freed []int
	for port, lease := range a.leases {
		if lease.OwnerID == ownerID {
			freed = append(freed, port)
		}
	}
	for _, port := range freed {
		a.releaseLocked(port)
	}
	sort.Ints(freed)
	return freed
}

// ReleaseExpired frees leases whose expiry has passed.
func (a *Allocator) ReleaseExpired() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	var freed []int
	for port, lease := range a.leases {
		if !lease.ExpiresAt.IsZero() && lease.ExpiresAt.Before(now) {
			freed = append(freed, port)
		}
	}
	for _, port := range freed {
		a.releaseLocked(port)
	}
	sort.Ints(freed)
	return freed
}

// Renew pushes the expiry of every expiring lease held by ownerID to now
// plus the lease TTL and returns how many leases it touched.
func (a *Allocator) Renew(ownerID string) int {
	if a.ttl <= 0 {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	renewed := 0
	expiresAt := a.now().Add(a.ttl)
	for _, l := range a.leases {
		if l.OwnerID != ownerID || l.ExpiresAt.IsZero() {
			continue
		}
		l.ExpiresAt = expiresAt
		a.savePersisted(*l)
		renewed++
	}
	return renewed
}

// Transfer re-keys the lease on port from owner to newOwner and restarts
// its expiry. It fails if the lease is gone or now belongs to someone else.
func (a *Allocator) Transfer(port int, owner, newOwner string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	lease, held := a.leases[port]
	if !held {
		return fmt.Errorf("%w: %d", ErrLeaseNotFound, port)
	}
	if lease.OwnerID != owner {
		return fmt.Errorf("%w: port %d is leased to %s, not %s", ErrNotLeaseOwner, port, lease.OwnerID, owner)
	}
	lease.OwnerID = newOwner
	lease.ExpiresAt = time.Time{}
	if a.ttl > 0 {
		lease.ExpiresAt = a.now().Add(a.ttl)
	}
	a.savePersisted(*lease)
	return nil
}

// Lookup returns the lease on port, if any
func (a *Allocator) Lookup(port int) (types.PortLease, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	lease, held := a.leases[port]
	if !held {
		return types.PortLease{}, false
	}
	return *lease, true
}

// OwnedBy returns the leases held by ownerID, ordered by port
func (a *Allocator) OwnedBy(ownerID string) []types.PortLease {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []types.PortLease
	for _, lease := range a.leases {
		if lease.OwnerID == ownerID {
			out = append(out, *lease)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Leases returns a snapshot of all live leases, ordered by port
func (a *Allocator) Leases() []types.PortLease {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]types.PortLease, 0, len(a.leases))
	for _, lease := range a.leases {
		out = append(out, *lease)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Stats returns the number of leased ports and the range capacity
func (a *Allocator) Stats() (used, capacity int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leases), a.rng.Size()
}

func (a *Allocator) savePersisted(lease types.PortLease) {
	if a.persistence == nil {
		return
	}
	if err := a.persistence.SaveLease(lease); err != nil {
		log.Error().Err(err).Int("port", lease.Port).Msg("Failed to persist port lease")
	}
}

func (a *Allocator) deletePersisted(port int) {
	if a.persistence == nil {
		return
	}
	if err := a.persistence.DeleteLease(port); err != nil {
		log.Error().Err(err).Int("port", port).Msg("Failed to delete persisted port lease")
	}
}
