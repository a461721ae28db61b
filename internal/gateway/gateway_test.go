// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlsql/pg-gateway/internal/log"
	"github.com/nlsql/pg-gateway/internal/metrics"
	"github.com/nlsql/pg-gateway/internal/pipeline"
	"github.com/nlsql/pg-gateway/internal/ratelimit"
	"github.com/nlsql/pg-gateway/internal/registry"
	"github.com/nlsql/pg-gateway/internal/schema"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger, err := log.NewStdLogger(discard{}, discard{}, "error")
	require.NoError(t, err)
	reg := registry.New("")
	limiter := ratelimit.New(true, 60, 10)
	p := &pipeline.Pipeline{
		Registry: reg,
		Limiter:  limiter,
		Schemas:  map[string]*schema.Cache{},
		Metrics:  metrics.New(metrics.Categories{Enabled: true}),
		Logger:   logger,
	}
	return New(p, reg, limiter)
}

func TestHealthCheck_ReturnsOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health_check", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestListDatabases_EmptyRegistryReturnsEmptyArray(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/list_databases", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestGetRateLimitStatus_DefaultsKeyToDefault(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/get_rate_limit_status", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var usage ratelimit.Usage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &usage))
	assert.Equal(t, 10, usage.Max)
}

func TestQuery_MalformedJSONReturnsBadRequest(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/query/", strings.NewReader("not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQuery_UnknownDatabaseReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	body := strings.NewReader(`{"question":"how many users?","database":"missing"}`)
	req := httptest.NewRequest(http.MethodPost, "/query/", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "unknown-database", got["kind"])
}

func TestGetMetrics_ReturnsSnapshotShape(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/get_metrics", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "counters")
}
