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

// Package registry holds one dbexec.Executor per configured database and
// resolves which one serves a request with no explicit override.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nlsql/pg-gateway/internal/dbexec"
	"github.com/nlsql/pg-gateway/internal/model"
)

// Info is the read-only summary returned by Info.
type Info struct {
	Name          string
	Description   string
	Host          string
	Database      string
	HasPolicy     bool
	BlockedTables []string
}

// Registry owns every Executor this process serves.
type Registry struct {
	mu          sync.RWMutex
	executors   map[string]*dbexec.Executor
	order       []string
	defaultName string
}

func New(defaultName string) *Registry {
	return &Registry{executors: map[string]*dbexec.Executor{}, defaultName: defaultName}
}

// Add initializes an Executor for identity and inserts it under
// identity.Name. Adding an existing name is a configuration error.
func (r *Registry) Add(ctx context.Context, identity model.DatabaseIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[identity.Name]; exists {
		return fmt.Errorf("database %q is already registered", identity.Name)
	}

	ex := dbexec.New(identity)
	if err := ex.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize executor %q: %w", identity.Name, err)
	}
	r.executors[identity.Name] = ex
	r.order = append(r.order, identity.Name)
	return nil
}

// Get returns the executor registered under name, if any.
func (r *Registry) Get(name string) (*dbexec.Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[name]
	return ex, ok
}

// List returns every registered name in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Resolve implements the default-database resolution order: explicit
// caller override, then the configured default, then the first registered.
func (r *Registry) Resolve(override string) (*dbexec.Executor, string, error) {
	if override != "" {
		ex, ok := r.Get(override)
		if !ok {
			return nil, "", fmt.Errorf("unknown database %q", override)
		}
		return ex, override, nil
	}

	r.mu.RLock()
	defaultName := r.defaultName
	order := r.order
	r.mu.RUnlock()

	if defaultName != "" {
		ex, ok := r.Get(defaultName)
		if ok {
			return ex, defaultName, nil
		}
	}
	if len(order) > 0 {
		ex, _ := r.Get(order[0])
		return ex, order[0], nil
	}
	return nil, "", fmt.Errorf("no databases registered")
}

// CloseAll closes every executor's pool, idempotently.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ex := range r.executors {
		ex.Close()
	}
}

// Info returns the public summary for name, or (Info{}, false) if unknown.
func (r *Registry) Info(name string) (Info, bool) {
	ex, ok := r.Get(name)
	if !ok {
		return Info{}, false
	}
	id := ex.Identity()
	info := Info{
		Name:        id.Name,
		Description: id.Description,
		Host:        id.Host,
		Database:    id.Database,
		HasPolicy:   id.Policy != nil,
	}
	if id.Policy != nil {
		tables := make([]string, 0, len(id.Policy.BlockedTables))
		for k := range id.Policy.BlockedTables {
			tables = append(tables, k.String())
		}
		sort.Strings(tables)
		info.BlockedTables = tables
	}
	return info, true
}
