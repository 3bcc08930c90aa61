package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fox-gonic/fox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApi(t *testing.T) (*Registry, *fox.Engine) {
	t.Helper()
	reg := NewRegistry()
	router := fox.New()
	_, err := NewApi(reg, nil, router)
	require.NoError(t, err)
	return reg, router
}

func doRequest(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestApi_WriteAndExport(t *testing.T) {
	reg, router := newTestApi(t)

	w := doRequest(router, http.MethodPost, "/v1/metrics/counter/"+RequestsTotal, `{"value":4}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = doRequest(router, http.MethodPost, "/v1/metrics/counter/"+RequestsTotal, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 5.0, reg.GetCounterValue(RequestsTotal, nil))

	w = doRequest(router, http.MethodPost, "/v1/metrics/gauge/"+ActiveCalls, `{"op":"set","value":3}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = doRequest(router, http.MethodPost, "/v1/metrics/gauge/"+ActiveCalls, `{"op":"dec","value":10}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0.0, reg.GetGaugeValue(ActiveCalls, nil))

	w = doRequest(router, http.MethodPost, "/v1/metrics/histogram/"+ResponseLatencyMs, `{"value":420,"labels":{"model":"fast"}}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "voice_agent_requests_total 5")
	assert.Contains(t, w.Body.String(), `voice_agent_response_latency_ms_count{model="fast"} 1`)

	w = doRequest(router, http.MethodGet, "/v1/metrics/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Len(t, snap["metrics"], 3)
	assert.Contains(t, w.Body.String(), `"name":"voice_agent_active_calls"`)
}

func TestApi_Errors(t *testing.T) {
	_, router := newTestApi(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"unregistered histogram", http.MethodPost, "/v1/metrics/histogram/voice_agent_nope", `{"value":1}`, http.StatusNotFound, ErrorCodeNotFound},
		{"negative counter", http.MethodPost, "/v1/metrics/counter/voice_agent_x_total", `{"value":-1}`, http.StatusBadRequest, ErrorCodeInvalidParameter},
		{"bad gauge op", http.MethodPost, "/v1/metrics/gauge/voice_agent_g", `{"op":"mul","value":1}`, http.StatusBadRequest, ErrorCodeInvalidParameter},
		{"kind mismatch", http.MethodPost, "/v1/metrics/gauge/" + CallsTotal, `{"value":1}`, http.StatusBadRequest, ErrorCodeInvalidParameter},
		{"invalid name", http.MethodPost, "/v1/metrics/counter/voice-agent.calls", `{"value":1}`, http.StatusBadRequest, ErrorCodeInvalidParameter},
		{"unknown series", http.MethodGet, "/v1/metrics/series/voice_agent_missing", "", http.StatusNotFound, ErrorCodeNotFound},
		{"malformed body", http.MethodPost, "/v1/metrics/counter/voice_agent_x_total", `{`, http.StatusBadRequest, ErrorCodeInvalidParameter},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(router, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, w.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tc.code, resp.Error.Code)
		})
	}
}
