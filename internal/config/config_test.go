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

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlsql/pg-gateway/internal/model"
)

const singleDBYAML = `
database:
  name: primary
  host: localhost
  port: "5432"
  database: app
  user: app
  password: ${APP_DB_PASSWORD}
  default: true
  policy:
    default_access: read
    blocked_tables: [secrets]
    tables:
      - table: orders
        denied_columns: [internal_notes]
        row_filter: "region = 'us'"
oracle:
  api_key: test-key
  model: gemini-test
rate_limit:
  enabled: true
  window_seconds: 60
  max: 10
max_rows: 500
`

func TestParse_SingleDatabaseShorthandAndEnvSubstitution(t *testing.T) {
	t.Setenv("APP_DB_PASSWORD", "s3cr3t")
	f, err := Parse([]byte(singleDBYAML))
	require.NoError(t, err)
	require.Len(t, f.Databases, 1)
	assert.Equal(t, "primary", f.Databases[0].Name)
	assert.Equal(t, "s3cr3t", f.Databases[0].Password)
	assert.Equal(t, "primary", f.DefaultDatabaseName())
}

func TestParse_RejectsBothDatabaseAndDatabases(t *testing.T) {
	raw := []byte(`
database:
  name: a
  host: h
  port: "5432"
  database: d
  user: u
  password: p
databases:
  - name: b
    host: h
    port: "5432"
    database: d
    user: u
    password: p
oracle:
  api_key: k
  model: m
`)
	_, err := Parse(raw)
	assert.Error(t, err)
}

func TestParse_RejectsNeitherDatabaseNorDatabases(t *testing.T) {
	raw := []byte(`
oracle:
  api_key: k
  model: m
`)
	_, err := Parse(raw)
	assert.Error(t, err)
}

func TestParse_MissingRequiredFieldFailsValidation(t *testing.T) {
	raw := []byte(`
database:
  name: primary
  host: localhost
  port: "5432"
  database: app
  user: app
oracle:
  api_key: k
  model: m
`)
	_, err := Parse(raw)
	assert.Error(t, err)
}

func TestToIdentities_BuildsPolicyAndValidatesRowFilters(t *testing.T) {
	t.Setenv("APP_DB_PASSWORD", "s3cr3t")
	f, err := Parse([]byte(singleDBYAML))
	require.NoError(t, err)

	identities, err := f.ToIdentities()
	require.NoError(t, err)
	require.Len(t, identities, 1)

	policy := identities[0].Policy
	require.NotNil(t, policy)
	assert.True(t, policy.IsBlocked(model.NewTableKey("", "secrets")))
	require.Len(t, policy.Tables, 1)
	assert.Equal(t, "orders", policy.Tables[0].Table)
	assert.True(t, policy.Tables[0].DeniedColumns["internal_notes"])
}

func TestToIdentities_RejectsMalformedRowFilter(t *testing.T) {
	raw := []byte(`
database:
  name: primary
  host: localhost
  port: "5432"
  database: app
  user: app
  password: p
  policy:
    tables:
      - table: orders
        row_filter: "this ( is not valid"
oracle:
  api_key: k
  model: m
`)
	f, err := Parse(raw)
	require.NoError(t, err)
	_, err = f.ToIdentities()
	assert.Error(t, err)
}

func TestMetricsConfig_Categories(t *testing.T) {
	m := MetricsConfig{Enabled: true, Query: true, SQL: false, DB: true}
	enabled, query, sql, db := m.Categories()
	assert.True(t, enabled)
	assert.True(t, query)
	assert.False(t, sql)
	assert.True(t, db)
}

func TestParseBool(t *testing.T) {
	v, err := ParseBool("true")
	require.NoError(t, err)
	assert.True(t, v)

	_, err = ParseBool("not-a-bool")
	assert.Error(t, err)
}
