package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/cdp-relay/internal/config"
	"github.com/neboloop/cdp-relay/internal/pool"
	"github.com/neboloop/cdp-relay/internal/registry"
	"github.com/neboloop/cdp-relay/internal/relay"
	"github.com/neboloop/cdp-relay/internal/telemetry"
)

// fakeChromePool builds a *pool.Pool whose FindChromeExecutable probe
// succeeds against a placeholder file, so legacy-path tests that never
// reach Acquire (bad token, missing startingUrl) don't need a real browser.
func fakeChromePool(t *testing.T) *pool.Pool {
	t.Helper()
	dir := t.TempDir()
	fake := filepath.Join(dir, "fake-chrome")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\n"), 0o755))

	p, err := pool.New(pool.Config{ExecutablePath: fake}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)
	return p
}

func TestParsePathPairs(t *testing.T) {
	require.Equal(t, map[string]string{"user": "alice", "env": "prod"}, parsePathPairs("/user/alice/env/prod"))
	require.Equal(t, map[string]string{}, parsePathPairs("/"))
	require.Equal(t, map[string]string{"k": "v"}, parsePathPairs("/k/v/trailing"))
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil, telemetry.New(prometheus.NewRegistry()))
	t.Cleanup(reg.Shutdown)
	bridge := relay.New(reg, nil, telemetry.New(prometheus.NewRegistry()))
	s := New(cfg, nil, reg, bridge, nil, telemetry.New(prometheus.NewRegistry()), prometheus.NewRegistry())
	return s, reg
}

func TestHandleCDPClientRejectsMissingDeviceID(t *testing.T) {
	s, _ := newTestServer(t, config.Default())

	req := httptest.NewRequest(http.MethodGet, "/cdp", nil)
	rec := httptest.NewRecorder()
	s.handleCDPClient(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCDPClientRejectsUnknownDevice(t *testing.T) {
	s, _ := newTestServer(t, config.Default())

	req := httptest.NewRequest(http.MethodGet, "/cdp?deviceId=ghost", nil)
	rec := httptest.NewRecorder()
	s.handleCDPClient(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleLegacyLaunchRequiresPoolConfigured(t *testing.T) {
	s, _ := newTestServer(t, config.Default())

	req := httptest.NewRequest(http.MethodGet, "/key/val?token=x&startingUrl=https://example.com", nil)
	rec := httptest.NewRecorder()
	s.handleLegacyLaunch(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleLegacyLaunchRejectsBadToken(t *testing.T) {
	cfg := config.Default()
	cfg.Token = "right-token"
	s, _ := newTestServer(t, cfg)
	s.pool = fakeChromePool(t) // non-nil; the token check must reject before Acquire is ever reached

	req := httptest.NewRequest(http.MethodGet, "/key/val?token=wrong&startingUrl=https://example.com", nil)
	rec := httptest.NewRecorder()
	s.handleLegacyLaunch(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleLegacyLaunchRequiresStartingURL(t *testing.T) {
	cfg := config.Default()
	cfg.Token = "right-token"
	s, _ := newTestServer(t, cfg)
	s.pool = fakeChromePool(t)

	req := httptest.NewRequest(http.MethodGet, "/key/val?token=right-token", nil)
	rec := httptest.NewRecorder()
	s.handleLegacyLaunch(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
