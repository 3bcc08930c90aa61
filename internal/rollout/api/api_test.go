package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/rolloutguard/internal/rollout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct{ m rollout.MetricsSummary }

func (s staticSource) Summarize(_ context.Context, now time.Time) rollout.MetricsSummary {
	out := s.m
	out.CollectedAt = now
	return out
}

func newRouter(t *testing.T, store rollout.Store) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctl := rollout.NewController(rollout.DefaultConfig(), store, staticSource{m: rollout.MetricsSummary{Requests: 100}})
	r := gin.New()
	NewApi(r, ctl)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Actor", "tester")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRolloutApi(t *testing.T) {
	store := rollout.NewMemStore(rollout.Status{Feature: "voice_agent", CurrentStage: rollout.StageCanary, Percentage: 5, Enabled: true, StageStartedAt: time.Now()})
	r := newRouter(t, store)

	w := do(r, http.MethodGet, "/v1/rollout/health", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(r, http.MethodPost, "/v1/rollout/health/check", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res rollout.HealthCheckResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Healthy)
	assert.False(t, res.CanAdvance, "canary has not reached its minimum duration")

	w = do(r, http.MethodGet, "/v1/rollout/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/v1/rollout/advance", `{"reason":"looks good"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodGet, "/v1/rollout/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st rollout.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, rollout.StageEarlyAdopters, st.CurrentStage)
	assert.Equal(t, 25, st.Percentage)

	w = do(r, http.MethodPut, "/v1/rollout/tenants/acme", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(r, http.MethodPut, "/v1/rollout/tenants/acme", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/rollout/rollback", `{"reason":"pager storm","actor":"alice"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(r, http.MethodPost, "/v1/rollout/rollback", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	var failed rollout.ActionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &failed))
	assert.False(t, failed.Success)

	w = do(r, http.MethodGet, "/v1/rollout/history?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	var hist struct {
		Items []rollout.HistoryEntry `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	require.Len(t, hist.Items, 3)
	assert.Equal(t, rollout.ActionRollback, hist.Items[0].Action)
	assert.Equal(t, "alice", hist.Items[0].Actor)
	assert.Equal(t, "tester", hist.Items[1].Actor)

	w = do(r, http.MethodGet, "/v1/rollout/history?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/v1/rollout/stages", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stages struct {
		Items []rollout.StageDefinition `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stages))
	require.Len(t, stages.Items, 6)
	assert.Equal(t, rollout.StageDisabled, stages.Items[0].Name)
	assert.Equal(t, rollout.StageComplete, stages.Items[5].Name)
}

type brokenStore struct{ *rollout.MemStore }

func (brokenStore) GetStatus(context.Context) (rollout.Status, error) {
	return rollout.Status{}, errors.New("dial tcp: connection refused")
}

func TestRolloutApi_StoreUnavailable(t *testing.T) {
	r := newRouter(t, brokenStore{rollout.NewMemStore(rollout.Status{})})

	w := do(r, http.MethodPost, "/v1/rollout/health/check", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ErrorCodeUnavailable, resp.Error.Code)

	w = do(r, http.MethodGet, "/v1/rollout/status", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
