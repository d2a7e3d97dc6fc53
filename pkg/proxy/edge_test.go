package proxy

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upstreamPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestEdgeForwardsByHost(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Session", r.Header.Get("X-Session-Id"))
		_, _ = io.WriteString(w, "hello from "+r.URL.Path)
	}))
	defer upstream.Close()

	router := NewRouter("browser.localhost")
	require.NoError(t, router.Register(router.Hostname("s1"), "s1", "c1", 9223, upstreamPort(t, upstream)))

	edge := NewEdge(router, "127.0.0.1")
	req := httptest.NewRequest(http.MethodGet, "http://s1.browser.localhost:8081/stream", nil)
	rec := httptest.NewRecorder()
	edge.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello from /stream", rec.Body.String())
	assert.Equal(t, "s1", rec.Header().Get("X-Seen-Session"))
}

func TestEdgeUnknownHost(t *testing.T) {
	edge := NewEdge(NewRouter("browser.localhost"), "")
	rec := httptest.NewRecorder()
	edge.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://nobody.browser.localhost/", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no route")
}

func TestEdgeUpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	port := upstreamPort(t, upstream)
	upstream.Close()

	router := NewRouter("browser.localhost")
	require.NoError(t, router.Register(router.Hostname("s1"), "s1", "c1", 9223, port))

	rec := httptest.NewRecorder()
	NewEdge(router, "127.0.0.1").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://s1.browser.localhost/", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
