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

// Package model holds the data types shared by every stage of the gateway:
// database identities and access policies, the schema snapshot shape, and the
// request/response/fault envelopes that cross the pipeline boundary.
package model

import "fmt"

// AccessLevel is the coarse permission granted to a table by default or by a
// TableRule.
type AccessLevel string

const (
	AccessNone  AccessLevel = "none"
	AccessRead  AccessLevel = "read"
	AccessAdmin AccessLevel = "admin"
)

// Secret is a credential value that must never be logged or serialized in
// plain text. Its String/GoString/MarshalJSON all redact the value; callers
// that genuinely need the plaintext use Reveal.
type Secret string

func (Secret) String() string                { return "REDACTED" }
func (Secret) GoString() string              { return "REDACTED" }
func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"REDACTED"`), nil }
func (s Secret) Reveal() string               { return string(s) }

// DatabaseIdentity describes one PostgreSQL database this gateway may query.
// It is immutable after registration (see registry.Registry).
type DatabaseIdentity struct {
	Name        string
	Description string

	Host     string
	Port     string
	Database string
	User     string
	Password Secret

	MinConnections int32
	MaxConnections int32
	CommandTimeout string // parsed with time.ParseDuration by the executor

	Policy *AccessPolicy
}

// TableKey is the canonical "<schema>.<table>" lookup key used throughout the
// schema snapshot and access-control layers. An empty schema is normalized to
// "public" by callers before constructing a TableKey.
type TableKey struct {
	Schema string
	Table  string
}

func (k TableKey) String() string { return fmt.Sprintf("%s.%s", k.Schema, k.Table) }

// NewTableKey normalizes a possibly schema-less table reference.
func NewTableKey(schema, table string) TableKey {
	if schema == "" {
		schema = "public"
	}
	return TableKey{Schema: schema, Table: table}
}

// TableRule is a per-table access control entry within an AccessPolicy.
type TableRule struct {
	Schema         string
	Table          string
	AccessLevel    AccessLevel
	AllowedColumns map[string]bool // nil means "no allowlist configured"
	DeniedColumns  map[string]bool // nil means "no denylist configured"
	RowFilter      string          // predicate fragment in the target dialect, e.g. "user_id = current_user_id()"
	Comment        string
}

func (r TableRule) Key() TableKey { return NewTableKey(r.Schema, r.Table) }

// ColumnAllowed resolves the allowed/denied invariant: if both an allowlist
// and a denylist are configured, the denylist wins for any column present
// in both.
func (r TableRule) ColumnAllowed(column string) bool {
	if r.DeniedColumns[column] {
		return false
	}
	if r.AllowedColumns != nil {
		return r.AllowedColumns[column]
	}
	return true
}

// AccessPolicy is the full rule set attached to one DatabaseIdentity.
type AccessPolicy struct {
	DefaultAccess   AccessLevel
	Tables          []TableRule // ordered; row filters AND-merge in this order
	BlockedTables   map[TableKey]bool
	RequireExplain  bool
	MaxExplainCost  *float64
}

// RuleFor returns the TableRule configured for key, if any.
func (p *AccessPolicy) RuleFor(key TableKey) (TableRule, bool) {
	if p == nil {
		return TableRule{}, false
	}
	for _, r := range p.Tables {
		if r.Key() == key {
			return r, true
		}
	}
	return TableRule{}, false
}

// IsBlocked reports whether key is listed in BlockedTables, either under its
// fully-qualified form or its bare table name.
func (p *AccessPolicy) IsBlocked(key TableKey) bool {
	if p == nil {
		return false
	}
	if p.BlockedTables[key] {
		return true
	}
	return p.BlockedTables[TableKey{Schema: "", Table: key.Table}]
}

// ColumnKind distinguishes table/view/materialized-view descriptors.
type ColumnKind string

const (
	KindTable    ColumnKind = "table"
	KindView     ColumnKind = "view"
	KindMatView  ColumnKind = "materialized_view"
)

// ColumnDescriptor is one column of a TableDescriptor.
type ColumnDescriptor struct {
	Name          string
	DataType      string
	Nullable      bool
	IsPrimaryKey  bool
	IsForeignKey  bool
	ForeignKeyRef string // "schema.table.column", empty if not a FK
	Default       string
	Comment       string
	Ordinal       int
}

// IndexDescriptor describes one index, preserving multi-column order.
type IndexDescriptor struct {
	Name      string
	Columns   []string
	IsUnique  bool
	IsPrimary bool
	Method    string // btree, hash, gin, ...
}

// ForeignKeyDescriptor describes one outgoing foreign key.
type ForeignKeyDescriptor struct {
	Column             string
	ReferencedTable    string
	ReferencedColumn   string
	ConstraintName     string
}

// TableDescriptor is the canonical in-memory shape of one relation.
type TableDescriptor struct {
	Schema      string
	Name        string
	Kind        ColumnKind
	Columns     []ColumnDescriptor
	Indexes     []IndexDescriptor
	ForeignKeys []ForeignKeyDescriptor
	Comment     string
}

func (t TableDescriptor) Key() TableKey { return NewTableKey(t.Schema, t.Name) }

// QueryRequest is the caller-facing ask: a natural-language question plus an
// optional database selector.
type QueryRequest struct {
	ID       string // UUID, assigned at pipeline entry
	Question string
	Database string // empty means "resolve the default"
}

// ColumnMeta describes one returned column for display purposes.
type ColumnMeta struct {
	Name string
	Type string // reflected-type label, not a catalog type
}

// ResponseMetadata carries the provenance fields attached to a successful
// query response.
type ResponseMetadata struct {
	RowCount      int
	ExecutionMs   int64
	Columns       []ColumnMeta
	Truncated     bool
}

// QueryResponse is the successful outcome of one pipeline run.
type QueryResponse struct {
	ID       string
	SQL      string // final, post-rewrite, pretty-printed
	Rows     []map[string]any
	Metadata ResponseMetadata
	Database string
}

// FaultKind is the closed error taxonomy the pipeline can fail with.
type FaultKind string

const (
	FaultUnknownDatabase     FaultKind = "unknown-database"
	FaultRateLimited         FaultKind = "rate-limited"
	FaultSchemaNotLoaded     FaultKind = "schema-not-loaded"
	FaultAIDraftFailed       FaultKind = "ai-draft-failed"
	FaultAIDraftEmpty        FaultKind = "ai-draft-empty"
	FaultSQLValidationFailed FaultKind = "sql-validation-failed"
	FaultAccessDenied        FaultKind = "access-denied"
	FaultExecutionFailed     FaultKind = "execution-failed"
	FaultQueryTimeout        FaultKind = "query-timeout"
	FaultResultImplausible   FaultKind = "result-implausible"
	FaultInternalError       FaultKind = "internal-error"
)

// Fault is the single error type returned by the query pipeline. It never
// carries a raw stack trace; Cause is logged but not serialized.
type Fault struct {
	ID                string
	Kind              FaultKind
	Message           string
	Suggestion        string
	SQL               string
	ValidationDetails []string
	Cause             error
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.Cause }

// NewFault builds a Fault, optionally wrapping cause for logging.
func NewFault(kind FaultKind, message string, cause error) *Fault {
	return &Fault{Kind: kind, Message: message, Cause: cause}
}

// HTTPStatus maps a FaultKind to the HTTP status code a gateway caller sees.
func (k FaultKind) HTTPStatus() int {
	switch k {
	case FaultSQLValidationFailed:
		return 400
	case FaultUnknownDatabase:
		return 404
	case FaultQueryTimeout:
		return 408
	default:
		return 500
	}
}
