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

package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlsql/pg-gateway/internal/model"
)

func identity(name string) model.DatabaseIdentity {
	return model.DatabaseIdentity{Name: name, Host: "db.internal", Port: "5432", Database: name, User: "app", Password: model.Secret("x")}
}

func TestAdd_RejectsDuplicateName(t *testing.T) {
	r := New("")
	require.NoError(t, r.Add(context.Background(), identity("primary")))
	defer r.CloseAll()
	err := r.Add(context.Background(), identity("primary"))
	assert.Error(t, err)
}

func TestGet_ReturnsRegisteredExecutor(t *testing.T) {
	r := New("")
	require.NoError(t, r.Add(context.Background(), identity("primary")))
	defer r.CloseAll()
	_, ok := r.Get("primary")
	assert.True(t, ok)
	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestList_PreservesRegistrationOrder(t *testing.T) {
	r := New("")
	require.NoError(t, r.Add(context.Background(), identity("b")))
	require.NoError(t, r.Add(context.Background(), identity("a")))
	defer r.CloseAll()
	assert.Equal(t, []string{"b", "a"}, r.List())
}

func TestResolve_ExplicitOverrideWins(t *testing.T) {
	r := New("primary")
	require.NoError(t, r.Add(context.Background(), identity("primary")))
	require.NoError(t, r.Add(context.Background(), identity("secondary")))
	defer r.CloseAll()
	_, name, err := r.Resolve("secondary")
	require.NoError(t, err)
	assert.Equal(t, "secondary", name)
}

func TestResolve_UnknownOverrideErrors(t *testing.T) {
	r := New("primary")
	require.NoError(t, r.Add(context.Background(), identity("primary")))
	defer r.CloseAll()
	_, _, err := r.Resolve("nope")
	assert.Error(t, err)
}

func TestResolve_FallsBackToConfiguredDefault(t *testing.T) {
	r := New("secondary")
	require.NoError(t, r.Add(context.Background(), identity("primary")))
	require.NoError(t, r.Add(context.Background(), identity("secondary")))
	defer r.CloseAll()
	_, name, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "secondary", name)
}

func TestResolve_FallsBackToFirstRegisteredWhenNoDefault(t *testing.T) {
	r := New("unregistered")
	require.NoError(t, r.Add(context.Background(), identity("primary")))
	require.NoError(t, r.Add(context.Background(), identity("secondary")))
	defer r.CloseAll()
	_, name, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "primary", name)
}

func TestResolve_NoneRegisteredErrors(t *testing.T) {
	r := New("")
	_, _, err := r.Resolve("")
	assert.Error(t, err)
}

func TestInfo_ReflectsPolicyAndBlockedTables(t *testing.T) {
	id := identity("primary")
	id.Policy = &model.AccessPolicy{
		BlockedTables: map[model.TableKey]bool{
			model.NewTableKey("", "secrets"): true,
			model.NewTableKey("", "audit"):   true,
		},
	}
	r := New("")
	require.NoError(t, r.Add(context.Background(), id))
	defer r.CloseAll()

	info, ok := r.Info("primary")
	require.True(t, ok)
	assert.True(t, info.HasPolicy)
	assert.Equal(t, []string{"public.audit", "public.secrets"}, info.BlockedTables)
}

func TestInfo_UnknownNameReturnsFalse(t *testing.T) {
	r := New("")
	_, ok := r.Info("missing")
	assert.False(t, ok)
}
