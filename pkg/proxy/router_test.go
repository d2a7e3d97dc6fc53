package proxy

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterRegisterResolve(t *testing.T) {
	r := NewRouter("browser.localhost")

	host := r.Hostname("s1")
	assert.Equal(t, "s1.browser.localhost", host)

	require.NoError(t, r.Register(host, "s1", "c1", 9223, 9301))

	entry, ok := r.Resolve("s1.browser.localhost")
	require.True(t, ok)
	assert.Equal(t, "c1", entry.ContainerID)
	assert.Equal(t, 9301, entry.HostPort)
	assert.Equal(t, 9223, entry.ContainerPort)
	assert.Equal(t, "s1", entry.SessionID)

	assert.True(t, r.Unregister(host))
	_, ok = r.Resolve(host)
	assert.False(t, ok)
	assert.False(t, r.Unregister(host))
}

func TestRouterNormalizesHosts(t *testing.T) {
	r := NewRouter(".Browser.Localhost.")
	require.NoError(t, r.Register(r.Hostname("s1"), "s1", "c1", 9223, 9301))

	tests := []struct {
		host string
		ok   bool
	}{
		{"s1.browser.localhost", true},
		{"S1.BROWSER.LOCALHOST", true},
		{"s1.browser.localhost:8081", true},
		{"s1.browser.localhost.", true},
		{"s2.browser.localhost", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			_, ok := r.Resolve(tt.host)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestRouterRejectsIncompleteRoutes(t *testing.T) {
	r := NewRouter("example.test")
	assert.ErrorIs(t, r.Register("", "s", "c", 1, 2), ErrInvalidRoute)
	assert.ErrorIs(t, r.Register("h", "s", "", 1, 2), ErrInvalidRoute)
	assert.ErrorIs(t, r.Register("h", "s", "c", 1, 0), ErrInvalidRoute)
	assert.Equal(t, 0, r.Len())
}

func TestRouterReplaceKeepsOneEntry(t *testing.T) {
	r := NewRouter("example.test")
	host := r.Hostname("s1")
	require.NoError(t, r.Register(host, "s1", "old", 9223, 9301))
	require.NoError(t, r.Register(host, "s1", "new", 9223, 9302))

	assert.Equal(t, 1, r.Len())
	entry, _ := r.Resolve(host)
	assert.Equal(t, "new", entry.ContainerID)
	assert.Equal(t, 9302, entry.HostPort)
}

func TestRouterSessionFromHost(t *testing.T) {
	r := NewRouter("example.test")

	sid, ok := r.SessionFromHost("abc.example.test:443")
	assert.True(t, ok)
	assert.Equal(t, "abc", sid)

	sid, ok = r.SessionFromHost("ABC.Example.Test")
	assert.True(t, ok)
	assert.Equal(t, "abc", sid)

	for _, host := range []string{"example.test", "abc.other.test", "a_b.example.test", "a.b.example.test"} {
		_, ok = r.SessionFromHost(host)
		assert.False(t, ok, host)
	}
}

func TestRouterHostnameIsPerSession(t *testing.T) {
	r := NewRouter("browser.localhost")
	assert.NotEqual(t, r.Hostname("s1"), r.Hostname("s2"))

	require.NoError(t, r.Register(r.Hostname("s1"), "s1", "c1", 9223, 9301))

	// A host differing only in case names the same route, and it stays with
	// the session that registered it.
	err := r.Register("S1.browser.localhost", "other", "c2", 9223, 9302)
	assert.ErrorIs(t, err, ErrHostnameInUse)

	entry, ok := r.Resolve(r.Hostname("s1"))
	require.True(t, ok)
	assert.Equal(t, "s1", entry.SessionID)
	assert.Equal(t, "c1", entry.ContainerID)
	assert.Equal(t, 1, r.Len())
}

func TestRouterConcurrentReadersAndWriters(t *testing.T) {
	r := NewRouter("example.test")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			host := r.Hostname(fmt.Sprintf("s%d", i))
			_ = r.Register(host, fmt.Sprintf("s%d", i), fmt.Sprintf("c%d", i), 9223, 9300+i)
		}(i)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Resolve(r.Hostname(fmt.Sprintf("s%d", i)))
				r.Entries()
			}
		}(i)
	}
	wg.Wait()

	entries := r.Entries()
	require.Len(t, entries, 20)
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].Hostname, entries[i].Hostname)
	}
}
