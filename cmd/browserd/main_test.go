package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/browserd/pkg/config"
	"github.com/sandboxrunner/browserd/pkg/daemon"
	"github.com/sandboxrunner/browserd/pkg/types"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		configFile = ""
		logLevel = ""
		logFormat = ""
	})

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	origVersion, origCommit := version, commit
	defer func() { version, commit = origVersion, origCommit }()
	version = "1.2.3"
	commit = "abc123"

	out, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version: 1.2.3")
	assert.Contains(t, out, "Commit: abc123")
}

func TestConfigGenerateAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "browserd.yaml")

	out, err := runCommand(t, "config", "generate", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Generated default configuration")
	assert.FileExists(t, path)

	out, err = runCommand(t, "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")
	assert.Contains(t, out, "Ports: 9301-9400")
}

func TestConfigValidateRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provider:\n  type: podman\n"), 0644))

	_, err := runCommand(t, "config", "validate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid provider type")
}

func TestSetupLogging(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
	}{
		{name: "json", cfg: config.LoggingConfig{Level: "info", Format: "json"}},
		{name: "console", cfg: config.LoggingConfig{Level: "debug", Format: "console"}},
		{name: "text", cfg: config.LoggingConfig{Level: "warn", Format: "text"}},
		{name: "bad level", cfg: config.LoggingConfig{Level: "loud", Format: "json"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := setupLogging(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSetupLogging_File(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	path := filepath.Join(t.TempDir(), "logs", "browserd.log")

	logger, err := setupLogging(config.LoggingConfig{Level: "info", Format: "json", OutputFile: path})
	require.NoError(t, err)
	logger.Info().Str("session_id", "s1").Msg("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id":"s1"`)
}

func testAppConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Provider.Type = "fake"
	cfg.Storage.DatabasePath = filepath.Join(t.TempDir(), "state", "browserd.db")
	cfg.Orchestrator.ReadyTimeout = 0
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNewApp_ServesSessions(t *testing.T) {
	cfg := testAppConfig(t)
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.shutdown(ctx)
	}()

	srv := httptest.NewServer(a.api.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/sessions/s1/start", "application/json", strings.NewReader(`{"url":"https://example.com"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res daemon.StartResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, 9301, res.Port)
	assert.Equal(t, "s1.browser.localhost", res.Hostname)
	assert.Equal(t, types.StatusRunning, res.Status)

	route, ok := a.router.Resolve(res.Hostname)
	require.True(t, ok)
	assert.Equal(t, 9301, route.HostPort)

	// Unknown hosts never reach an upstream
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://nobody.browser.localhost/", nil)
	a.edge.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rep := a.reconciler.Tick(context.Background())
	assert.Equal(t, 1, rep.Healthy)
}

func TestNewApp_RestoresState(t *testing.T) {
	cfg := testAppConfig(t)

	first, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	res, err := first.controller.Start(context.Background(), "s1", daemon.StartOptions{URL: "https://example.com"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first.shutdown(ctx)

	second, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer second.shutdown(ctx)

	status, ok := second.controller.GetStatus("s1")
	require.True(t, ok)
	assert.Equal(t, res.Port, status.Port)

	lease, ok := second.allocator.Lookup(res.Port)
	require.True(t, ok)
	assert.Equal(t, "s1", lease.OwnerID)
}

func TestNewApp_WithoutStorageOrProxy(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Storage.Enabled = false
	cfg.Proxy.Enabled = false

	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.shutdown(context.Background())

	assert.Nil(t, a.store)
	assert.Nil(t, a.edge)
}
