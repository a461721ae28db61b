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

package dbexec

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlsql/pg-gateway/internal/model"
)

func TestNew_InitializeBuildsPoolWithoutDialing(t *testing.T) {
	identity := model.DatabaseIdentity{
		Name: "primary", Host: "db.internal", Port: "5432", Database: "app",
		User: "app", Password: model.Secret("secret"),
		MinConnections: 1, MaxConnections: 5,
	}
	ex := New(identity)
	err := ex.Initialize(context.Background())
	require.NoError(t, err)
	defer ex.Close()
	assert.Equal(t, identity, ex.Identity())
}

func TestExecute_NotInitializedReturnsError(t *testing.T) {
	ex := New(model.DatabaseIdentity{Name: "primary"})
	_, err := ex.Execute(context.Background(), "SELECT 1", 0)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestColumnMeta_DerivesTypeFromFirstRow(t *testing.T) {
	meta := columnMeta([]string{"id", "name"}, []any{int64(1), "alice"})
	require.Len(t, meta, 2)
	assert.Equal(t, "id", meta[0].Name)
	assert.Equal(t, "int64", meta[0].Type)
	assert.Equal(t, "string", meta[1].Type)
}

func TestColumnMeta_NoRowsYieldsUnknown(t *testing.T) {
	meta := columnMeta([]string{"id"}, nil)
	require.Len(t, meta, 1)
	assert.Equal(t, "unknown", meta[0].Type)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(errors.New("connection reset by peer")))
	assert.True(t, isTransient(errors.New("unexpected interface conversion")))
	assert.False(t, isTransient(errors.New("syntax error at or near")))
}

func TestIsQueryCanceledOrTimeout(t *testing.T) {
	assert.True(t, isQueryCanceledOrTimeout(errors.New("query canceled")))
	assert.True(t, isQueryCanceledOrTimeout(errors.New("context deadline exceeded")))
	assert.False(t, isQueryCanceledOrTimeout(errors.New("connection reset")))
}

func TestExplainCostPattern_ExtractsTotalCost(t *testing.T) {
	m := explainCostPattern.FindStringSubmatch("Seq Scan on orders  (cost=0.00..123.45 rows=100 width=4)")
	require.NotNil(t, m)
	assert.Equal(t, "123.45", m[1])
}

func TestExplainCostPattern_NoMatchOnUnrelatedLine(t *testing.T) {
	m := explainCostPattern.FindStringSubmatch("Planning Time: 0.123 ms")
	assert.Nil(t, m)
}

func TestErrAccessDenied_Error(t *testing.T) {
	err := &ErrAccessDenied{Reason: "blocked table"}
	assert.Equal(t, "access denied: blocked table", err.Error())
}

func TestErrExplainCostExceeded_Error(t *testing.T) {
	err := &ErrExplainCostExceeded{Cost: 500, Ceiling: 100}
	assert.Contains(t, err.Error(), "500.00")
	assert.Contains(t, err.Error(), "100.00")
}
