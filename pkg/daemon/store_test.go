package daemon

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/browserd/pkg/types"
)

type mockPersistence struct {
	mock.Mock
}

func (m *mockPersistence) SaveRecord(rec types.DaemonRecord) error {
	return m.Called(rec.SessionID, rec.Status).Error(0)
}

func (m *mockPersistence) DeleteRecord(sessionID string) error {
	return m.Called(sessionID).Error(0)
}

func (m *mockPersistence) LoadRecords() ([]types.DaemonRecord, error) {
	args := m.Called()
	return args.Get(0).([]types.DaemonRecord), args.Error(1)
}

func (m *mockPersistence) SaveLastURL(sessionID, url string) error {
	return m.Called(sessionID, url).Error(0)
}

func (m *mockPersistence) LoadLastURLs() (map[string]string, error) {
	args := m.Called()
	return args.Get(0).(map[string]string), args.Error(1)
}

func TestStoreRestoreMarksTransientRecordsUnhealthy(t *testing.T) {
	p := &mockPersistence{}
	p.On("LoadRecords").Return([]types.DaemonRecord{
		{SessionID: "a", Status: types.StatusRunning},
		{SessionID: "b", Status: types.StatusStarting},
		{SessionID: "c", Status: types.StatusRestarting},
		{SessionID: "d", Status: types.StatusStopping},
	}, nil)
	p.On("LoadLastURLs").Return(map[string]string{"e": "https://example.com"}, nil)

	s := NewStore(p)
	require.NoError(t, s.Restore())

	tests := map[string]types.Status{
		"a": types.StatusRunning,
		"b": types.StatusUnhealthy,
		"c": types.StatusUnhealthy,
		"d": types.StatusStopping,
	}
	for sid, want := range tests {
		rec, ok := s.Get(sid)
		require.True(t, ok, sid)
		assert.Equal(t, want, rec.Status, sid)
	}
	assert.Equal(t, "https://example.com", s.LastURL("e"))
	p.AssertExpectations(t)
}

func TestStoreWritesThrough(t *testing.T) {
	p := &mockPersistence{}
	p.On("SaveRecord", "s1", types.StatusStarting).Return(nil).Once()
	p.On("SaveRecord", "s1", types.StatusRunning).Return(nil).Once()
	p.On("DeleteRecord", "s1").Return(nil).Once()
	p.On("SaveLastURL", "s1", "https://example.com").Return(nil).Once()

	s := NewStore(p)
	s.Put(types.DaemonRecord{SessionID: "s1", Status: types.StatusStarting})
	rec, ok := s.Update("s1", func(r *types.DaemonRecord) { r.Status = types.StatusRunning })
	require.True(t, ok)
	assert.False(t, rec.CreatedAt.IsZero())

	assert.True(t, s.Touch("s1", func(r *types.DaemonRecord) { r.LastActivityAt = time.Now() }))
	s.SetLastURL("s1", "https://example.com")
	s.Delete("s1")
	s.Delete("s1")

	_, ok = s.Update("s1", func(r *types.DaemonRecord) {})
	assert.False(t, ok)
	assert.False(t, s.Touch("s1", func(r *types.DaemonRecord) {}))
	p.AssertExpectations(t)
}

func TestStoreReturnsCopies(t *testing.T) {
	s := NewStore(nil)
	s.Put(types.DaemonRecord{SessionID: "b", Status: types.StatusRunning})
	s.Put(types.DaemonRecord{SessionID: "a", Status: types.StatusRunning})

	rec, _ := s.Get("a")
	rec.Status = types.StatusFailed
	again, _ := s.Get("a")
	assert.Equal(t, types.StatusRunning, again.Status)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].SessionID)
	assert.Equal(t, "b", list[1].SessionID)
	assert.Equal(t, 2, s.Len())

	s.SetLastURL("a", "u")
	s.SetLastURL("a", "")
	assert.Equal(t, "", s.LastURL("a"))
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("s1")
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, 0, k.size())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}
