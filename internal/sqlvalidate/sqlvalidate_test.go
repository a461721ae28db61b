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

package sqlvalidate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		desc      string
		sql       string
		wantOK    bool
		wantKind  ErrorKind
	}{
		{
			desc:   "plain select",
			sql:    "SELECT id, name FROM users WHERE active = true",
			wantOK: true,
		},
		{
			desc:   "select with join and cte",
			sql:    "WITH recent AS (SELECT id FROM orders WHERE created_at > now() - interval '1 day') SELECT u.id FROM users u JOIN recent r ON r.id = u.id",
			wantOK: true,
		},
		{
			desc:   "select with subquery in where",
			sql:    "SELECT id FROM users WHERE id IN (SELECT user_id FROM orders)",
			wantOK: true,
		},
		{
			desc:   "select with union",
			sql:    "SELECT id FROM users UNION SELECT id FROM archived_users",
			wantOK: true,
		},
		{
			desc:     "insert rejected",
			sql:      "INSERT INTO users (name) VALUES ('x')",
			wantOK:   false,
			wantKind: ErrForbiddenStatement,
		},
		{
			desc:     "delete rejected",
			sql:      "DELETE FROM users WHERE id = 1",
			wantOK:   false,
			wantKind: ErrForbiddenStatement,
		},
		{
			desc:     "dangerous function in target list",
			sql:      "SELECT pg_read_file('/etc/passwd')",
			wantOK:   false,
			wantKind: ErrForbiddenFunction,
		},
		{
			desc:     "dangerous function nested in expression",
			sql:      "SELECT id FROM users WHERE current_setting('x') = '1'",
			wantOK:   false,
			wantKind: ErrForbiddenFunction,
		},
		{
			desc:     "multiple statements rejected",
			sql:      "SELECT 1; SELECT 2;",
			wantOK:   false,
			wantKind: ErrForbiddenStatement,
		},
		{
			desc:     "unparseable sql",
			sql:      "SELEKT * FROM users",
			wantOK:   false,
			wantKind: ErrParse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			ok, err := Validate(tt.sql)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			verr, ok := err.(*ValidationError)
			require.True(t, ok, "expected *ValidationError, got %T", err)
			assert.Equal(t, tt.wantKind, verr.Kind)
		})
	}
}

func TestPrettyPrint(t *testing.T) {
	out, err := PrettyPrint("select id,name from users where active=true")
	require.NoError(t, err)
	assert.Contains(t, out, "SELECT")
	assert.Contains(t, out, "users")
}
