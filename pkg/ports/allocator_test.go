package ports

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/sandboxrunner/browserd/pkg/types"
)

type memoryLeases struct {
	mu     sync.Mutex
	leases map[int]types.PortLease
}

func newMemoryLeases() *memoryLeases {
	return &memoryLeases{leases: make(map[int]types.PortLease)}
}

func (m *memoryLeases) SaveLease(lease types.PortLease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases[lease.Port] = lease
	return nil
}

func (m *memoryLeases) DeleteLease(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, port)
	return nil
}

func (m *memoryLeases) LoadLeases() ([]types.PortLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.PortLease, 0, len(m.leases))
	for _, l := range m.leases {
		out = append(out, l)
	}
	return out, nil
}

func newTestAllocator(t *testing.T, start, end int, opts ...Option) *Allocator {
	t.Helper()
	a, err := NewAllocator(Range{Name: "test", Start: start, End: end}, opts...)
	require.NoError(t, err)
	return a
}

func TestRangeValidate(t *testing.T) {
	tests := []struct {
		name    string
		rng     Range
		wantErr bool
	}{
		{name: "stream range", rng: StreamRange},
		{name: "single port", rng: Range{Name: "one", Start: 9000, End: 9000}},
		{name: "inverted", rng: Range{Name: "bad", Start: 9100, End: 9000}, wantErr: true},
		{name: "zero start", rng: Range{Name: "bad", Start: 0, End: 10}, wantErr: true},
		{name: "above max", rng: Range{Name: "bad", Start: 65000, End: 70000}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rng.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAllocator_FirstFree(t *testing.T) {
	a := newTestAllocator(t, 9301, 9303)

	l1, err := a.Allocate("s1")
	require.NoError(t, err)
	l2, err := a.Allocate("s2")
	require.NoError(t, err)
	assert.Equal(t, 9301, l1.Port)
	assert.Equal(t, 9302, l2.Port)
	assert.Equal(t, "test", l1.Range)

	assert.True(t, a.Release(9301))
	l3, err := a.Allocate("s3")
	require.NoError(t, err)
	assert.Equal(t, 9301, l3.Port, "lowest freed port is reused")
}

func TestAllocator_Exhausted(t *testing.T) {
	a := newTestAllocator(t, 9301, 9302)

	_, err := a.Allocate("s1")
	require.NoError(t, err)
	_, err = a.Allocate("s2")
	require.NoError(t, err)

	_, err = a.Allocate("s3")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindPortExhausted))
}

func TestAllocator_ReleaseIdempotent(t *testing.T) {
	a := newTestAllocator(t, 9301, 9310)

	lease, err := a.Allocate("s1")
	require.NoError(t, err)

	assert.True(t, a.Release(lease.Port))
	assert.False(t, a.Release(lease.Port))
	assert.False(t, a.Release(9999))

	used, capacity := a.Stats()
	assert.Equal(t, 0, used)
	assert.Equal(t, 10, capacity)
}

func TestAllocator_ReleaseOwner(t *testing.T) {
	a := newTestAllocator(t, 9301, 9310)

	for i := 0; i < 3; i++ {
		_, err := a.Allocate("s1")
		require.NoError(t, err)
	}
	other, err := a.Allocate("s2")
	require.NoError(t, err)

	freed := a.ReleaseOwner("s1")
	assert.Equal(t, []int{9301, 9302, 9303}, freed)
	assert.Empty(t, a.OwnedBy("s1"))

	lease, ok := a.Lookup(other.Port)
	require.True(t, ok)
	assert.Equal(t, "s2", lease.OwnerID)
	assert.Empty(t, a.ReleaseOwner("missing"))
}

func TestAllocator_Transfer(t *testing.T) {
	a := newTestAllocator(t, 9301, 9310)

	lease, err := a.AllocateWithExpiry("pool:abc", time.Now().Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, a.Transfer(lease.Port, "pool:abc", "s1"))
	got, ok := a.Lookup(lease.Port)
	require.True(t, ok)
	assert.Equal(t, "s1", got.OwnerID)
	assert.True(t, got.ExpiresAt.IsZero())

	err = a.Transfer(9310, "pool:abc", "s2")
	assert.ErrorIs(t, err, ErrLeaseNotFound)
}

func TestAllocator_TransferRequiresCurrentOwner(t *testing.T) {
	a := newTestAllocator(t, 9301, 9310)

	lease, err := a.Allocate("pool:abc")
	require.NoError(t, err)

	// The slot's lease was released and the port went to someone else
	require.True(t, a.Release(lease.Port))
	other, err := a.Allocate("intruder")
	require.NoError(t, err)
	require.Equal(t, lease.Port, other.Port)

	err = a.Transfer(lease.Port, "pool:abc", "s1")
	assert.ErrorIs(t, err, ErrNotLeaseOwner)

	got, ok := a.Lookup(lease.Port)
	require.True(t, ok)
	assert.Equal(t, "intruder", got.OwnerID)
	assert.Empty(t, a.OwnedBy("s1"))
}

func TestAllocator_ReleaseExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAllocator(t, 9301, 9310, WithClock(func() time.Time { return now }))

	_, err := a.AllocateWithExpiry("old", now.Add(-time.Second))
	require.NoError(t, err)
	_, err = a.AllocateWithExpiry("fresh", now.Add(time.Hour))
	require.NoError(t, err)
	_, err = a.Allocate("forever")
	require.NoError(t, err)

	assert.Equal(t, []int{9301}, a.ReleaseExpired())
	assert.Len(t, a.Leases(), 2)
}

func TestAllocator_LeaseTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAllocator(t, 9301, 9310,
		WithLeaseTTL(time.Minute),
		WithClock(func() time.Time { return now }))

	kept, err := a.Allocate("live")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), kept.ExpiresAt)
	_, err = a.Allocate("gone")
	require.NoError(t, err)

	now = now.Add(50 * time.Second)
	assert.Equal(t, 1, a.Renew("live"))
	assert.Equal(t, 0, a.Renew("nobody"))

	now = now.Add(20 * time.Second)
	assert.Equal(t, []int{9302}, a.ReleaseExpired())

	got, ok := a.Lookup(kept.Port)
	require.True(t, ok)
	assert.Equal(t, "live", got.OwnerID)

	require.NoError(t, a.Transfer(kept.Port, "live", "s1"))
	got, _ = a.Lookup(kept.Port)
	assert.Equal(t, now.Add(time.Minute), got.ExpiresAt)
}

func TestAllocator_RenewWithoutTTL(t *testing.T) {
	a := newTestAllocator(t, 9301, 9310)
	_, err := a.Allocate("s1")
	require.NoError(t, err)
	assert.Zero(t, a.Renew("s1"))
	assert.Empty(t, a.ReleaseExpired())
}

func TestAllocator_ProbeSkipsBusyPorts(t *testing.T) {
	a := newTestAllocator(t, 9301, 9305, WithProbe(func(port int) bool {
		return port != 9301 && port != 9302
	}))

	lease, err := a.Allocate("s1")
	require.NoError(t, err)
	assert.Equal(t, 9303, lease.Port)
}

func TestAllocator_Persistence(t *testing.T) {
	store := newMemoryLeases()
	a := newTestAllocator(t, 9301, 9310, WithPersistence(store))

	l1, err := a.Allocate("s1")
	require.NoError(t, err)
	_, err = a.Allocate("s2")
	require.NoError(t, err)
	a.Release(l1.Port)

	// Out-of-range leases left by an older configuration are discarded.
	require.NoError(t, store.SaveLease(types.PortLease{Port: 8000, OwnerID: "stale"}))

	restored := newTestAllocator(t, 9301, 9310, WithPersistence(store))
	require.NoError(t, restored.Restore())

	leases := restored.Leases()
	require.Len(t, leases, 1)
	assert.Equal(t, 9302, leases[0].Port)
	assert.Equal(t, "s2", leases[0].OwnerID)

	next, err := restored.Allocate("s3")
	require.NoError(t, err)
	assert.Equal(t, 9301, next.Port)
}

func TestAllocator_ConcurrentAllocate(t *testing.T) {
	a := newTestAllocator(t, 10000, 10199)

	const workers = 50
	const perWorker = 4

	var wg sync.WaitGroup
	results := make(chan int, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				lease, err := a.Allocate(fmt.Sprintf("owner-%d", w))
				if err == nil {
					results <- lease.Port
				}
			}
		}(w)
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for port := range results {
		assert.False(t, seen[port], "port %d leased twice", port)
		seen[port] = true
	}
	assert.Len(t, seen, workers*perWorker)

	_, err := a.Allocate("overflow")
	assert.True(t, types.IsKind(err, types.KindPortExhausted))
}

func TestAllocator_NeverDoubleLeases(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(1, 16).Draw(t, "size")
		a, err := NewAllocator(Range{Name: "prop", Start: 20000, End: 20000 + size - 1})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		held := make(map[int]string)
		steps := rapid.IntRange(1, 64).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(t, "allocate") {
				owner := fmt.Sprintf("o%d", i)
				lease, err := a.Allocate(owner)
				if len(held) == size {
					if !types.IsKind(err, types.KindPortExhausted) {
						t.Fatalf("expected exhaustion with %d held, got %v", len(held), err)
					}
					continue
				}
				if err != nil {
					t.Fatalf("allocate failed with %d/%d held: %v", len(held), size, err)
				}
				if prev, dup := held[lease.Port]; dup {
					t.Fatalf("port %d leased to %s and %s", lease.Port, prev, owner)
				}
				held[lease.Port] = owner
			} else {
				port := 20000 + rapid.IntRange(0, size-1).Draw(t, "port")
				_, wasHeld := held[port]
				if released := a.Release(port); released != wasHeld {
					t.Fatalf("release(%d) = %v, want %v", port, released, wasHeld)
				}
				delete(held, port)
			}
		}

		used, _ := a.Stats()
		if used != len(held) {
			t.Fatalf("allocator holds %d leases, model holds %d", used, len(held))
		}
	})
}
