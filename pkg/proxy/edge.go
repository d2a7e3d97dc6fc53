package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/browserd/pkg/types"
)

type routeKey struct{}

// Resolver looks up the route for a request host
type Resolver interface {
	Resolve(hostname string) (types.RouteEntry, bool)
}

// Edge is the reverse-proxy front door. It forwards each request to the
// host port its Host header resolves to.
type Edge struct {
	resolver     Resolver
	upstreamHost string
	proxy        *httputil.ReverseProxy
}

// NewEdge creates an edge handler forwarding to upstreamHost:<hostPort>
func NewEdge(resolver Resolver, upstreamHost string) *Edge {
	if upstreamHost == "" {
		upstreamHost = "127.0.0.1"
	}
	e := &Edge{resolver: resolver, upstreamHost: upstreamHost}
	e.proxy = &httputil.ReverseProxy{
		Rewrite:       e.rewrite,
		ErrorHandler:  e.handleError,
		FlushInterval: -1,
	}
	return e
}

func (e *Edge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, ok := e.resolver.Resolve(r.Host)
	if !ok {
		writeError(w, http.StatusNotFound, "no route for host "+r.Host)
		return
	}
	ctx := context.WithValue(r.Context(), routeKey{}, route)
	e.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (e *Edge) rewrite(pr *httputil.ProxyRequest) {
	route := pr.In.Context().Value(routeKey{}).(types.RouteEntry)
	pr.SetURL(&url.URL{
		Scheme: "http",
		Host:   e.upstreamHost + ":" + strconv.Itoa(route.HostPort),
	})
	pr.SetXForwarded()
	pr.Out.Header.Set("X-Session-Id", route.SessionID)
}

func (e *Edge) handleError(w http.ResponseWriter, r *http.Request, err error) {
	route, _ := r.Context().Value(routeKey{}).(types.RouteEntry)
	log.Warn().Err(err).
		Str("host", r.Host).
		Str("session_id", route.SessionID).
		Int("host_port", route.HostPort).
		Msg("Upstream request failed")
	writeError(w, http.StatusBadGateway, "upstream unavailable")
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     message,
		"timestamp": time.Now().UTC(),
	})
}
