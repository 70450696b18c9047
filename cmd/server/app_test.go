package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pensionops/rebalancer/internal/config"
	"github.com/pensionops/rebalancer/internal/model"
)

func TestNewApp_RejectsInvalidConfig(t *testing.T) {
	_, err := newApp(context.Background(), config.Default())
	assert.ErrorContains(t, err, "funds.TKF100.isin")
}

func TestRouter_InMemoryWiring(t *testing.T) {
	cfg := config.Default()
	cfg.Funds[model.TKF100] = model.FundProfile{Name: "Flagship", ISIN: "EE3600001707"}
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()
	h := a.router()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"rebalancer"`)

	w = httptest.NewRecorder()
	body := `{"fund":"TUK75","mode":"BUY","as_of_date":"2026-01-15"}`
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// No position data: the run fails the command but succeeds itself.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/scheduler/run", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, float64(1), res["commands_processed"])

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rebalancer_scheduler_runs_total")
}

func TestInvalidateCache(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	cfg := config.Default()
	cfg.Redis.URL = "redis://" + mr.Addr()

	keys := func(f string) []string {
		return []string{"rebalancer:allocations:" + f, "rebalancer:fund-limit:" + f, "rebalancer:position-limits:" + f}
	}
	for _, f := range []string{"TKF100", "TUK75"} {
		for _, k := range keys(f) {
			require.NoError(t, mr.Set(k, "[]"))
		}
	}
	require.NoError(t, mr.Set("rebalancer:lock:transaction-command-job", "token"))

	require.NoError(t, invalidateCache(ctx, cfg, []model.Fund{model.TUK75}))
	for _, k := range keys("TUK75") {
		assert.False(t, mr.Exists(k), k)
	}
	for _, k := range keys("TKF100") {
		assert.True(t, mr.Exists(k), k)
	}

	require.NoError(t, invalidateCache(ctx, cfg, nil))
	for _, k := range keys("TKF100") {
		assert.False(t, mr.Exists(k), k)
	}
	assert.True(t, mr.Exists("rebalancer:lock:transaction-command-job"), "locks are not cache entries")

	cfg.Redis.URL = ""
	assert.Error(t, invalidateCache(ctx, cfg, nil))
}
