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

// Package pipeline runs the linear query state machine: resolve-db, admit,
// schema-present, draft, validate, pretty-print, execute, sanity, respond.
// Every stage either advances or fails with one mapped model.FaultKind; an
// unknown panic/error at any stage collapses to internal-error without
// leaking detail into the response, though it is always logged.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nlsql/pg-gateway/internal/accesscontrol"
	"github.com/nlsql/pg-gateway/internal/dbexec"
	"github.com/nlsql/pg-gateway/internal/log"
	"github.com/nlsql/pg-gateway/internal/metrics"
	"github.com/nlsql/pg-gateway/internal/model"
	"github.com/nlsql/pg-gateway/internal/oracle"
	"github.com/nlsql/pg-gateway/internal/ratelimit"
	"github.com/nlsql/pg-gateway/internal/registry"
	"github.com/nlsql/pg-gateway/internal/schema"
	"github.com/nlsql/pg-gateway/internal/sqlvalidate"
)

const schemaContextLimit = 50

// SQLDrafter drafts a SELECT statement for a natural-language question given
// a compact schema context. Satisfied by *oracle.SQLDraftingOracle; the
// indirection lets tests substitute a fake rather than reach a real model.
type SQLDrafter interface {
	Draft(ctx context.Context, question, schemaContext string) (string, error)
}

// ResultSanity gives an advisory, never-authoritative second look at a
// query's result rows. Satisfied by *oracle.ResultSanityOracle.
type ResultSanity interface {
	Check(ctx context.Context, question, sql string, rows []map[string]any) (plausible bool, reason string)
}

// Pipeline wires every component into one sequential state machine.
type Pipeline struct {
	Registry   *registry.Registry
	Limiter    *ratelimit.Limiter
	Schemas    map[string]*schema.Cache
	Drafter    SQLDrafter
	Sanity     ResultSanity
	Metrics    *metrics.Collector
	Logger     log.Logger
	MaxRows    int
}

// Run executes one question end to end, returning either a QueryResponse or
// a QueryFault (never both).
func (p *Pipeline) Run(ctx context.Context, req model.QueryRequest) (*model.QueryResponse, *model.Fault) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	start := time.Now()
	p.Metrics.Increment("mcp.query.total", 1, nil)

	resp, fault := p.run(ctx, req)

	elapsed := float64(time.Since(start).Milliseconds())
	p.Metrics.RecordTimer("mcp.query.duration_ms", elapsed, map[string]string{"db": req.Database})
	if fault != nil {
		p.Metrics.Increment("mcp.query.error", 1, map[string]string{"db": req.Database})
		fault.ID = req.ID
		p.Logger.Error("query failed", zap.String("id", req.ID), zap.String("kind", string(fault.Kind)), zap.Error(fault))
	} else {
		p.Metrics.Increment("mcp.query.success", 1, map[string]string{"db": resp.Database})
	}
	return resp, fault
}

func (p *Pipeline) run(ctx context.Context, req model.QueryRequest) (resp *model.QueryResponse, fault *model.Fault) {
	defer func() {
		if r := recover(); r != nil {
			fault = model.NewFault(model.FaultInternalError, "internal error", fmt.Errorf("panic: %v", r))
			resp = nil
		}
	}()

	// resolve-db
	ex, dbName, err := p.Registry.Resolve(req.Database)
	if err != nil {
		return nil, model.NewFault(model.FaultUnknownDatabase, err.Error(), err)
	}
	req.Database = dbName

	// admit
	allowed, reason := p.Limiter.Probe(dbName)
	if !allowed {
		return nil, model.NewFault(model.FaultRateLimited, reason, nil)
	}

	// schema-present
	cache, ok := p.Schemas[dbName]
	if !ok || !cache.IsLoaded() {
		return nil, model.NewFault(model.FaultSchemaNotLoaded, fmt.Sprintf("schema for %q has not been loaded", dbName), nil)
	}
	schemaContext := cache.Current().ToContext(schemaContextLimit)

	// draft
	draftStart := time.Now()
	p.Metrics.Increment("mcp.sql.generation.total", 1, map[string]string{"db": dbName})
	sql, err := p.Drafter.Draft(ctx, req.Question, schemaContext)
	p.Metrics.RecordTimer("mcp.sql.generation.duration_ms", float64(time.Since(draftStart).Milliseconds()), map[string]string{"db": dbName})
	if err != nil {
		p.Metrics.Increment("mcp.sql.generation.error", 1, map[string]string{"db": dbName})
		kind := model.FaultAIDraftFailed
		if err == oracle.ErrDraftEmpty {
			kind = model.FaultAIDraftEmpty
		}
		return nil, model.NewFault(kind, err.Error(), err)
	}
	p.Metrics.Increment("mcp.sql.generation.success", 1, map[string]string{"db": dbName})

	// validate
	p.Metrics.Increment("mcp.validation.total", 1, map[string]string{"db": dbName})
	if ok, err := sqlvalidate.Validate(sql); !ok {
		p.Metrics.Increment("mcp.validation.error", 1, map[string]string{"db": dbName})
		f := model.NewFault(model.FaultSQLValidationFailed, validationMessage(err), err)
		f.SQL = sql
		return nil, f
	}
	p.Metrics.Increment("mcp.validation.success", 1, map[string]string{"db": dbName})

	// pretty-print
	prettySQL, err := sqlvalidate.PrettyPrint(sql)
	if err != nil {
		f := model.NewFault(model.FaultSQLValidationFailed, validationMessage(err), err)
		f.SQL = sql
		return nil, f
	}

	// access-control rewrite ahead of execution, so the fault (if any)
	// reports the pre-rewrite SQL the drafting oracle actually produced.
	if identity := ex.Identity(); identity.Policy != nil {
		rewrite := accesscontrol.Rewrite(prettySQL, identity.Policy)
		if !rewrite.OK {
			f := model.NewFault(model.FaultAccessDenied, rewrite.DenialReason, nil)
			f.SQL = prettySQL
			return nil, f
		}
		prettySQL = rewrite.RewrittenSQL
	}

	// execute
	execStart := time.Now()
	p.Metrics.Increment("mcp.sql.execution.total", 1, map[string]string{"db": dbName})
	result, err := ex.Execute(ctx, prettySQL, p.MaxRows)
	p.Metrics.RecordTimer("mcp.sql.execution.duration_ms", float64(time.Since(execStart).Milliseconds()), map[string]string{"db": dbName})
	if err != nil {
		p.Metrics.Increment("mcp.sql.execution.error", 1, map[string]string{"db": dbName})
		f := mapExecError(err)
		f.SQL = prettySQL
		return nil, f
	}
	p.Metrics.Increment("mcp.sql.execution.success", 1, map[string]string{"db": dbName})

	// sanity
	if plausible, why := p.Sanity.Check(ctx, req.Question, prettySQL, result.Rows); !plausible {
		f := model.NewFault(model.FaultResultImplausible, why, nil)
		f.SQL = prettySQL
		return nil, f
	}

	return &model.QueryResponse{
		ID:       req.ID,
		SQL:      prettySQL,
		Rows:     result.Rows,
		Database: dbName,
		Metadata: model.ResponseMetadata{
			RowCount:    len(result.Rows),
			ExecutionMs: result.ElapsedMs,
			Columns:     result.ColumnMeta,
			Truncated:   result.Truncated,
		},
	}, nil
}

// validationMessage builds the user-facing sql-validation-failed message.
// sqlvalidate.ValidationError.Error() renders internal detail ("forbidden-
// statement: DeleteStmt") meant for logs, not the caller-facing fault.
func validationMessage(err error) string {
	verr, ok := err.(*sqlvalidate.ValidationError)
	if !ok {
		return err.Error()
	}
	switch verr.Kind {
	case sqlvalidate.ErrForbiddenStatement:
		return "Only SELECT statements are allowed, got " + verr.Detail
	case sqlvalidate.ErrForbiddenFunction:
		return "Function " + verr.Detail + " is not allowed in a query"
	case sqlvalidate.ErrForbiddenSubquery:
		return "Only SELECT subqueries are allowed, got " + verr.Detail
	default:
		return verr.Error()
	}
}

func mapExecError(err error) *model.Fault {
	switch err.(type) {
	case *dbexec.ErrAccessDenied:
		return model.NewFault(model.FaultAccessDenied, err.Error(), err)
	case *dbexec.ErrExplainCostExceeded:
		return model.NewFault(model.FaultAccessDenied, err.Error(), err)
	}
	if err == context.DeadlineExceeded || err == context.Canceled {
		return model.NewFault(model.FaultQueryTimeout, err.Error(), err)
	}
	return model.NewFault(model.FaultExecutionFailed, err.Error(), err)
}
