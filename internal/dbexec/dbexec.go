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

// Package dbexec owns one pgxpool.Pool per DatabaseIdentity and runs
// validated, access-rewritten SQL against it.
package dbexec

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nlsql/pg-gateway/internal/accesscontrol"
	"github.com/nlsql/pg-gateway/internal/model"
)

// Row is one result row keyed by column name.
type Row = map[string]any

// Result is the outcome of a successful Execute.
type Result struct {
	Rows       []Row
	ColumnMeta []model.ColumnMeta
	ElapsedMs  int64
	Truncated  bool
}

// Executor owns the pool for one DatabaseIdentity.
type Executor struct {
	identity model.DatabaseIdentity
	pool     *pgxpool.Pool
}

// New constructs an uninitialized Executor; call Initialize before Execute.
func New(identity model.DatabaseIdentity) *Executor {
	return &Executor{identity: identity}
}

// Initialize builds the connection pool with min/max connections bound from
// the identity's configured limits, the same URL-assembly approach as the
// teacher's postgres source.
func (e *Executor) Initialize(ctx context.Context) error {
	connURL := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(e.identity.User, e.identity.Password.Reveal()),
		Host:   fmt.Sprintf("%s:%s", e.identity.Host, e.identity.Port),
		Path:   e.identity.Database,
	}
	cfg, err := pgxpool.ParseConfig(connURL.String())
	if err != nil {
		return fmt.Errorf("parse pool config: %w", err)
	}
	if e.identity.MinConnections > 0 {
		cfg.MinConns = e.identity.MinConnections
	}
	if e.identity.MaxConnections > 0 {
		cfg.MaxConns = e.identity.MaxConnections
	}
	if e.identity.CommandTimeout != "" {
		d, err := time.ParseDuration(e.identity.CommandTimeout)
		if err != nil {
			return fmt.Errorf("invalid command_timeout: %w", err)
		}
		cfg.ConnConfig.ConnectTimeout = d
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("unable to create connection pool: %w", err)
	}
	e.pool = pool
	return nil
}

// Close closes the pool idempotently.
func (e *Executor) Close() {
	if e.pool != nil {
		e.pool.Close()
		e.pool = nil
	}
}

// Identity returns the DatabaseIdentity this executor serves.
func (e *Executor) Identity() model.DatabaseIdentity { return e.identity }

// ErrNotInitialized is returned by Execute when Initialize has not run.
var ErrNotInitialized = fmt.Errorf("executor not initialized")

// ErrAccessDenied wraps an accesscontrol denial.
type ErrAccessDenied struct{ Reason string }

func (e *ErrAccessDenied) Error() string { return fmt.Sprintf("access denied: %s", e.Reason) }

// ErrExplainCostExceeded is raised when the EXPLAIN gate trips.
type ErrExplainCostExceeded struct {
	Cost    float64
	Ceiling float64
}

func (e *ErrExplainCostExceeded) Error() string {
	return fmt.Sprintf("estimated cost %.2f exceeds ceiling %.2f", e.Cost, e.Ceiling)
}

var explainCostPattern = regexp.MustCompile(`cost=[0-9.]+\.\.([0-9.]+)`)

// Execute runs sql, applying the defense-in-depth access-control re-check,
// the optional EXPLAIN cost gate, and row truncation at max_rows. Transient
// connection-lost/interface errors are retried up to 2 times with a fixed
// 1-second delay; query-canceled/timeout errors bubble up unretried.
func (e *Executor) Execute(ctx context.Context, sql string, maxRows int) (Result, error) {
	if e.pool == nil {
		return Result{}, ErrNotInitialized
	}

	if e.identity.Policy != nil {
		rewrite := accesscontrol.Rewrite(sql, e.identity.Policy)
		if !rewrite.OK {
			return Result{}, &ErrAccessDenied{Reason: rewrite.DenialReason}
		}
		sql = rewrite.RewrittenSQL
	}

	if e.identity.Policy != nil && e.identity.Policy.RequireExplain && e.identity.Policy.MaxExplainCost != nil {
		if err := e.checkExplainCost(ctx, sql, *e.identity.Policy.MaxExplainCost); err != nil {
			return Result{}, err
		}
	}

	var res Result
	var err error
	for attempt := 0; ; attempt++ {
		start := time.Now()
		res, err = e.runQuery(ctx, sql, maxRows)
		res.ElapsedMs = time.Since(start).Milliseconds()
		if err == nil {
			return res, nil
		}
		if isQueryCanceledOrTimeout(err) {
			return Result{}, err
		}
		if !isTransient(err) || attempt >= 2 {
			return Result{}, err
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// checkExplainCost runs EXPLAIN <sql> and parses the planner's top-line
// total cost (the number after ".." in the first cost=start..total block).
// Parsing failure is non-fatal: the gate is best-effort.
func (e *Executor) checkExplainCost(ctx context.Context, sql string, ceiling float64) error {
	rows, err := e.pool.Query(ctx, "EXPLAIN "+sql)
	if err != nil {
		return nil
	}
	defer rows.Close()

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil || len(vals) == 0 {
			continue
		}
		line, ok := vals[0].(string)
		if !ok {
			continue
		}
		m := explainCostPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		cost, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return nil
		}
		if cost > ceiling {
			return &ErrExplainCostExceeded{Cost: cost, Ceiling: ceiling}
		}
		return nil
	}
	return nil
}

func (e *Executor) runQuery(ctx context.Context, sql string, maxRows int) (Result, error) {
	rows, err := e.pool.Query(ctx, sql)
	if err != nil {
		return Result{}, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	colNames := make([]string, len(fields))
	for i, f := range fields {
		colNames[i] = f.Name
	}

	var out []Row
	truncated := false
	var firstRowValues []any
	for rows.Next() {
		if maxRows > 0 && len(out) >= maxRows {
			truncated = true
			continue
		}
		values, err := rows.Values()
		if err != nil {
			return Result{}, fmt.Errorf("unable to parse row: %w", err)
		}
		if firstRowValues == nil {
			firstRowValues = values
		}
		rowMap := make(Row, len(colNames))
		for i, name := range colNames {
			rowMap[name] = values[i]
		}
		out = append(out, rowMap)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("error reading results: %w", err)
	}

	return Result{Rows: out, ColumnMeta: columnMeta(colNames, firstRowValues), Truncated: truncated}, nil
}

// columnMeta derives (name, reflected-type-name) from the first row's key
// order; each entry's type is a display label taken from the runtime value,
// not a catalog type.
func columnMeta(names []string, firstRow []any) []model.ColumnMeta {
	out := make([]model.ColumnMeta, len(names))
	for i, name := range names {
		typeName := "unknown"
		if i < len(firstRow) && firstRow[i] != nil {
			typeName = fmt.Sprintf("%T", firstRow[i])
		}
		out[i] = model.ColumnMeta{Name: name, Type: typeName}
	}
	return out
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection") || strings.Contains(msg, "interface")
}

func isQueryCanceledOrTimeout(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "canceled") || strings.Contains(msg, "cancelled") || strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded")
}
