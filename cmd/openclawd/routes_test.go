package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openclaw/core/infrastructure/middleware"
	"github.com/openclaw/core/infrastructure/testutil"
	"github.com/openclaw/core/internal/approval"
	"github.com/openclaw/core/internal/clock"
	"github.com/openclaw/core/internal/control"
	"github.com/openclaw/core/pkg/config"
	"github.com/openclaw/core/pkg/logger"
	"github.com/openclaw/core/pkg/version"
)

type discardGateway struct{}

func (discardGateway) Send(approval.Request) {}

func newRoutesTestWorld(t *testing.T) *control.World {
	t.Helper()
	dir := t.TempDir()

	cfg := config.New()
	cfg.Database.Path = filepath.Join(dir, "control.db")
	cfg.Audit.Path = filepath.Join(dir, "audit", "exec-audit.jsonl")

	clk := clock.NewMock()
	log := logger.NewDefault("routes-test")

	wd, err := control.New(context.Background(), cfg, clk, log, control.Options{Gateway: discardGateway{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = wd.Close() })
	return wd
}

func TestDiagnosticsRouterServesReadOnlyEndpoints(t *testing.T) {
	wd := newRoutesTestWorld(t)
	srv := testutil.NewHTTPTestServer(t, newDiagnosticsRouter(wd))
	defer srv.Close()

	for _, path := range []string{"/schedules", "/queue/stats", "/breaker/state", "/version"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		require.Equalf(t, http.StatusOK, resp.StatusCode, "GET %s", path)
		resp.Body.Close()
	}
}

func TestVersionHandlerReportsBuildInfo(t *testing.T) {
	wd := newRoutesTestWorld(t)
	srv := testutil.NewHTTPTestServer(t, newDiagnosticsRouter(wd))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/version")
	require.NoError(t, err)
	defer resp.Body.Close()

	var info version.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	require.NotEmpty(t, info.Version)
	require.NotEmpty(t, info.GoVersion)
}

func TestHealthHandlerReportsDegradedNotDownWhenOptionalCheckFails(t *testing.T) {
	health := middleware.NewHealthChecker(version.Version)
	health.RegisterCheck("store", func() error { return nil })
	health.RegisterOptionalCheck("breaker", func() error {
		return fmt.Errorf("circuit breaker open")
	})

	srv := testutil.NewHTTPTestServer(t, health.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status middleware.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, middleware.StatusDegraded, status.Status)
}

func TestHealthHandlerReportsDownWhenRequiredCheckFails(t *testing.T) {
	health := middleware.NewHealthChecker(version.Version)
	health.RegisterCheck("store", func() error { return fmt.Errorf("store unreachable") })

	srv := testutil.NewHTTPTestServer(t, health.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var status middleware.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, middleware.StatusDown, status.Status)
}
