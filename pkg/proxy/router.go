// Package proxy maps session hostnames to daemon containers and serves the
// reverse-proxy edge that forwards requests to them.
package proxy

import (
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/browserd/pkg/types"
)

var (
	ErrInvalidRoute  = errors.New("route needs a hostname, container and host port")
	ErrHostnameInUse = errors.New("hostname is routed to another session")
)

type routeTable map[string]types.RouteEntry

// Router is a copy-on-write routing table. Resolve is lock-free; writers
// serialize on a mutex and publish a new table.
type Router struct {
	baseDomain string
	mu         sync.Mutex
	table      atomic.Pointer[routeTable]
	now        func() time.Time
}

// NewRouter creates an empty router for hostnames under baseDomain
func NewRouter(baseDomain string) *Router {
	r := &Router{
		baseDomain: strings.Trim(strings.ToLower(baseDomain), "."),
		now:        time.Now,
	}
	empty := routeTable{}
	r.table.Store(&empty)
	return r
}

func (r *Router) BaseDomain() string {
	return r.baseDomain
}

// Hostname derives the external hostname of a session. Session ids are
// lowercase DNS labels (types.ValidateSessionID), so distinct sessions get
// distinct hostnames.
func (r *Router) Hostname(sessionID string) string {
	return sessionID + "." + r.baseDomain
}

// SessionFromHost reverses Hostname. It returns false for hosts outside the
// base domain and for labels that are not valid session ids.
func (r *Router) SessionFromHost(host string) (string, bool) {
	host = normalizeHost(host)
	suffix := "." + r.baseDomain
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	sid := strings.TrimSuffix(host, suffix)
	if types.ValidateSessionID(sid) != nil {
		return "", false
	}
	return sid, true
}

// Register adds or replaces the route for hostname. A hostname already
// routed to a different session is refused with ErrHostnameInUse.
func (r *Router) Register(hostname, sessionID, containerID string, containerPort, hostPort int) error {
	hostname = normalizeHost(hostname)
	if hostname == "" || containerID == "" || hostPort <= 0 {
		return ErrInvalidRoute
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.table.Load()
	prev, exists := old[hostname]
	if exists && prev.SessionID != sessionID {
		return ErrHostnameInUse
	}
	next := make(routeTable, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	if exists && prev.ContainerID != containerID {
		log.Debug().Str("hostname", hostname).Str("old_container_id", prev.ContainerID).Msg("Replacing route")
	}
	next[hostname] = types.RouteEntry{
		Hostname:      hostname,
		SessionID:     sessionID,
		ContainerID:   containerID,
		ContainerPort: containerPort,
		HostPort:      hostPort,
		RegisteredAt:  r.now(),
	}
	r.table.Store(&next)

	log.Debug().Str("hostname", hostname).Str("container_id", containerID).Int("host_port", hostPort).Msg("Route registered")
	return nil
}

// Unregister removes hostname. It reports whether a route was removed.
func (r *Router) Unregister(hostname string) bool {
	hostname = normalizeHost(hostname)

	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.table.Load()
	if _, ok := old[hostname]; !ok {
		return false
	}
	next := make(routeTable, len(old))
	for k, v := range old {
		if k != hostname {
			next[k] = v
		}
	}
	r.table.Store(&next)

	log.Debug().Str("hostname", hostname).Msg("Route unregistered")
	return true
}

// Resolve looks up hostname. A port suffix is ignored.
func (r *Router) Resolve(hostname string) (types.RouteEntry, bool) {
	entry, ok := (*r.table.Load())[normalizeHost(hostname)]
	return entry, ok
}

// Entries returns all routes sorted by hostname
func (r *Router) Entries() []types.RouteEntry {
	table := *r.table.Load()
	out := make([]types.RouteEntry, 0, len(table))
	for _, e := range table {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

func (r *Router) Len() int {
	return len(*r.table.Load())
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}
