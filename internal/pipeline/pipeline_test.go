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

package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlsql/pg-gateway/internal/dbexec"
	"github.com/nlsql/pg-gateway/internal/log"
	"github.com/nlsql/pg-gateway/internal/metrics"
	"github.com/nlsql/pg-gateway/internal/model"
	"github.com/nlsql/pg-gateway/internal/ratelimit"
	"github.com/nlsql/pg-gateway/internal/registry"
	"github.com/nlsql/pg-gateway/internal/schema"
)

// fakeDrafter substitutes for the real oracle so draft/validate/rewrite
// stages are reachable without a network call.
type fakeDrafter struct {
	sql string
	err error
}

func (f *fakeDrafter) Draft(ctx context.Context, question, schemaContext string) (string, error) {
	return f.sql, f.err
}

// fakeSanity always reports a plausible result, never blocking a response.
type fakeSanity struct{}

func (fakeSanity) Check(ctx context.Context, question, sql string, rows []map[string]any) (bool, string) {
	return true, ""
}

func testLogger(t *testing.T) log.Logger {
	t.Helper()
	logger, err := log.NewStdLogger(discard{}, discard{}, "error")
	require.NoError(t, err)
	return logger
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newTestPipeline(t *testing.T, withExecutor, limiterAllows bool) *Pipeline {
	t.Helper()
	reg := registry.New("")
	if withExecutor {
		require.NoError(t, reg.Add(context.Background(), model.DatabaseIdentity{
			Name: "primary", Host: "db.internal", Port: "5432", Database: "app", User: "app", Password: model.Secret("x"),
		}))
		t.Cleanup(reg.CloseAll)
	}
	max := 1
	if !limiterAllows {
		max = 0
	}
	return &Pipeline{
		Registry: reg,
		Limiter:  ratelimit.New(true, 60, max),
		Schemas:  map[string]*schema.Cache{},
		Metrics:  metrics.New(metrics.Categories{Enabled: true}),
		Logger:   testLogger(t),
	}
}

// newDraftablePipeline builds a Pipeline whose schema is pre-seeded (so the
// schema-present gate passes) and whose Drafter/Sanity are fakes, reaching
// the draft/validate/rewrite stages without a live Postgres or genai
// connection.
func newDraftablePipeline(t *testing.T, policy *model.AccessPolicy, drafter SQLDrafter) *Pipeline {
	t.Helper()
	reg := registry.New("")
	require.NoError(t, reg.Add(context.Background(), model.DatabaseIdentity{
		Name: "primary", Host: "db.internal", Port: "5432", Database: "app", User: "app", Password: model.Secret("x"),
		Policy: policy,
	}))
	t.Cleanup(reg.CloseAll)

	cache := schema.NewCache()
	cache.Store(&schema.Snapshot{Tables: map[model.TableKey]model.TableDescriptor{}, Database: "app"})

	return &Pipeline{
		Registry: reg,
		Limiter:  ratelimit.New(true, 60, 10),
		Schemas:  map[string]*schema.Cache{"primary": cache},
		Drafter:  drafter,
		Sanity:   fakeSanity{},
		Metrics:  metrics.New(metrics.Categories{Enabled: true}),
		Logger:   testLogger(t),
	}
}

func TestRun_ValidationFailedFault_RejectsNonSelect(t *testing.T) {
	p := newDraftablePipeline(t, nil, &fakeDrafter{sql: "DELETE FROM users;"})
	resp, fault := p.Run(context.Background(), model.QueryRequest{Question: "delete all users", Database: "primary"})
	assert.Nil(t, resp)
	require.NotNil(t, fault)
	assert.Equal(t, model.FaultSQLValidationFailed, fault.Kind)
	assert.Contains(t, fault.Message, "Only SELECT")
	assert.Equal(t, "DELETE FROM users;", fault.SQL)
}

func TestRun_AccessDeniedFault_BlockedTable(t *testing.T) {
	policy := &model.AccessPolicy{
		BlockedTables: map[model.TableKey]bool{model.NewTableKey("", "secrets"): true},
	}
	p := newDraftablePipeline(t, policy, &fakeDrafter{sql: "SELECT * FROM secrets;"})
	resp, fault := p.Run(context.Background(), model.QueryRequest{Question: "show secrets", Database: "primary"})
	assert.Nil(t, resp)
	require.NotNil(t, fault)
	assert.Equal(t, model.FaultAccessDenied, fault.Kind)
	assert.NotEmpty(t, fault.SQL)
}

func TestRun_UnknownDatabaseFault(t *testing.T) {
	p := newTestPipeline(t, false, true)
	resp, fault := p.Run(context.Background(), model.QueryRequest{Question: "how many users?", Database: "missing"})
	assert.Nil(t, resp)
	require.NotNil(t, fault)
	assert.Equal(t, model.FaultUnknownDatabase, fault.Kind)
}

func TestRun_RateLimitedFault(t *testing.T) {
	p := newTestPipeline(t, true, false)
	resp, fault := p.Run(context.Background(), model.QueryRequest{Question: "how many users?", Database: "primary"})
	assert.Nil(t, resp)
	require.NotNil(t, fault)
	assert.Equal(t, model.FaultRateLimited, fault.Kind)
}

func TestRun_SchemaNotLoadedFault(t *testing.T) {
	p := newTestPipeline(t, true, true)
	resp, fault := p.Run(context.Background(), model.QueryRequest{Question: "how many users?", Database: "primary"})
	assert.Nil(t, resp)
	require.NotNil(t, fault)
	assert.Equal(t, model.FaultSchemaNotLoaded, fault.Kind)
}

func TestRun_AssignsIDWhenMissing(t *testing.T) {
	p := newTestPipeline(t, false, true)
	_, fault := p.Run(context.Background(), model.QueryRequest{Question: "x", Database: "missing"})
	require.NotNil(t, fault)
	assert.NotEmpty(t, fault.ID)
}

func TestMapExecError_AccessDeniedMapsToAccessDeniedFault(t *testing.T) {
	f := mapExecError(&dbexec.ErrAccessDenied{Reason: "blocked table"})
	assert.Equal(t, model.FaultAccessDenied, f.Kind)
}

func TestMapExecError_ExplainCostMapsToAccessDeniedFault(t *testing.T) {
	f := mapExecError(&dbexec.ErrExplainCostExceeded{Cost: 500, Ceiling: 100})
	assert.Equal(t, model.FaultAccessDenied, f.Kind)
}

func TestMapExecError_DeadlineExceededMapsToTimeoutFault(t *testing.T) {
	f := mapExecError(context.DeadlineExceeded)
	assert.Equal(t, model.FaultQueryTimeout, f.Kind)
}

func TestMapExecError_OtherErrorMapsToExecutionFailedFault(t *testing.T) {
	f := mapExecError(errors.New("boom"))
	assert.Equal(t, model.FaultExecutionFailed, f.Kind)
}
