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

// Package schema introspects a PostgreSQL database's catalog over a one-shot
// connection and composes an in-memory snapshot, independent of the
// long-lived pool an executor uses to run queries.
package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nlsql/pg-gateway/internal/model"
)

// Snapshot is the immutable, atomically-swapped result of one Load.
type Snapshot struct {
	Tables    map[model.TableKey]model.TableDescriptor
	Enums     map[string][]string
	LoadedAt  time.Time
	Database  string
}

// ToContext renders a compact textual schema for the drafting oracle: one
// header line, then per-table column listings with PK/FK/comment markers,
// capped at limit tables with a truncation notice appended when clipped.
func (s *Snapshot) ToContext(limit int) string {
	if s == nil {
		return ""
	}
	keys := make([]model.TableKey, 0, len(s.Tables))
	for k := range s.Tables {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var b strings.Builder
	fmt.Fprintf(&b, "Schema for database %q (%d tables):\n", s.Database, len(keys))

	truncated := limit > 0 && len(keys) > limit
	if truncated {
		keys = keys[:limit]
	}
	for _, k := range keys {
		t := s.Tables[k]
		fmt.Fprintf(&b, "\nTABLE %s", t.Key())
		if t.Comment != "" {
			fmt.Fprintf(&b, " -- %s", t.Comment)
		}
		b.WriteString("\n")
		for _, c := range t.Columns {
			markers := []string{}
			if c.IsPrimaryKey {
				markers = append(markers, "PK")
			}
			if c.IsForeignKey {
				markers = append(markers, fmt.Sprintf("FK->%s", c.ForeignKeyRef))
			}
			marker := ""
			if len(markers) > 0 {
				marker = " [" + strings.Join(markers, ",") + "]"
			}
			comment := ""
			if c.Comment != "" {
				comment = " -- " + c.Comment
			}
			fmt.Fprintf(&b, "  - %s %s%s%s\n", c.Name, c.DataType, marker, comment)
		}
	}
	if truncated {
		fmt.Fprintf(&b, "\n... truncated, %d tables omitted\n", countAll(s)-limit)
	}
	if len(s.Enums) > 0 {
		b.WriteString("\nENUM TYPES:\n")
		names := make([]string, 0, len(s.Enums))
		for n := range s.Enums {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(&b, "  - %s: %s\n", n, strings.Join(s.Enums[n], ", "))
		}
	}
	return b.String()
}

func countAll(s *Snapshot) int { return len(s.Tables) }

// Cache holds the current snapshot for one database, atomically replaced on
// a successful Load; a failed Load retains the previous snapshot.
type Cache struct {
	mu       sync.RWMutex
	snapshot *Snapshot
}

func NewCache() *Cache { return &Cache{} }

func (c *Cache) Current() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

func (c *Cache) IsLoaded() bool {
	return c.Current() != nil
}

// Store atomically replaces the cached snapshot, bypassing Load's catalog
// queries. Used to seed a cache from a previously captured snapshot.
func (c *Cache) Store(snap *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = snap
}

// Load acquires a one-shot connection (decoupled from any pooled executor),
// runs the fixed catalog queries, and swaps the snapshot in atomically.
// Transient connection/interface errors are retried, up to 3 attempts in
// total, with linear backoff; other failures propagate and leave the prior
// snapshot (if any) untouched.
func (c *Cache) Load(ctx context.Context, identity model.DatabaseIdentity) error {
	connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		identity.User, identity.Password.Reveal(), identity.Host, identity.Port, identity.Database)

	var snap *Snapshot
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		snap, lastErr = loadOnce(ctx, connString, identity.Database)
		if lastErr == nil {
			c.mu.Lock()
			c.snapshot = snap
			c.mu.Unlock()
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		if attempt < 2 {
			time.Sleep(time.Duration(attempt+1) * 200 * time.Millisecond)
		}
	}
	return fmt.Errorf("schema load failed after retries: %w", lastErr)
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection") || strings.Contains(msg, "interface")
}

func loadOnce(ctx context.Context, connString, database string) (*Snapshot, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connection: %w", err)
	}
	defer conn.Close(ctx)

	tables, err := loadTables(ctx, conn)
	if err != nil {
		return nil, err
	}
	if err := loadColumns(ctx, conn, tables); err != nil {
		return nil, err
	}
	if err := loadIndexes(ctx, conn, tables); err != nil {
		return nil, err
	}
	if err := loadForeignKeys(ctx, conn, tables); err != nil {
		return nil, err
	}
	enums, err := loadEnums(ctx, conn)
	if err != nil {
		return nil, err
	}

	out := make(map[model.TableKey]model.TableDescriptor, len(tables))
	for k, t := range tables {
		out[k] = *t
	}
	return &Snapshot{Tables: out, Enums: enums, LoadedAt: time.Now(), Database: database}, nil
}

const tablesQuery = `
SELECT
	ns.nspname AS schema_name,
	c.relname AS table_name,
	c.relkind AS kind,
	obj_description(c.oid, 'pg_class') AS comment
FROM pg_class c
JOIN pg_namespace ns ON ns.oid = c.relnamespace
WHERE c.relkind IN ('r', 'p', 'v', 'm')
  AND ns.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
  AND ns.nspname NOT LIKE 'pg_temp_%' AND ns.nspname NOT LIKE 'pg_toast_temp_%'
ORDER BY ns.nspname, c.relname;
`

func loadTables(ctx context.Context, conn *pgx.Conn) (map[model.TableKey]*model.TableDescriptor, error) {
	rows, err := conn.Query(ctx, tablesQuery)
	if err != nil {
		return nil, fmt.Errorf("tables query: %w", err)
	}
	defer rows.Close()

	out := map[model.TableKey]*model.TableDescriptor{}
	for rows.Next() {
		var schemaName, tableName, kind string
		var comment *string
		if err := rows.Scan(&schemaName, &tableName, &kind, &comment); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}
		t := &model.TableDescriptor{
			Schema: schemaName,
			Name:   tableName,
			Kind:   kindFromRelkind(kind),
		}
		if comment != nil {
			t.Comment = *comment
		}
		out[t.Key()] = t
	}
	return out, rows.Err()
}

func kindFromRelkind(k string) model.ColumnKind {
	switch k {
	case "v":
		return model.KindView
	case "m":
		return model.KindMatView
	default:
		return model.KindTable
	}
}

const columnsQuery = `
SELECT
	ns.nspname, c.relname, att.attname, format_type(att.atttypid, att.atttypmod),
	att.attnotnull, att.attnum,
	pg_get_expr(ad.adbin, ad.adrelid),
	col_description(att.attrelid, att.attnum),
	EXISTS (
		SELECT 1 FROM pg_constraint con
		WHERE con.conrelid = att.attrelid AND con.contype = 'p' AND att.attnum = ANY(con.conkey)
	) AS is_primary_key
FROM pg_attribute att
JOIN pg_class c ON c.oid = att.attrelid
JOIN pg_namespace ns ON ns.oid = c.relnamespace
LEFT JOIN pg_attrdef ad ON ad.adrelid = att.attrelid AND ad.adnum = att.attnum
WHERE att.attnum > 0 AND NOT att.attisdropped
  AND c.relkind IN ('r', 'p', 'v', 'm')
  AND ns.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
ORDER BY ns.nspname, c.relname, att.attnum;
`

func loadColumns(ctx context.Context, conn *pgx.Conn, tables map[model.TableKey]*model.TableDescriptor) error {
	rows, err := conn.Query(ctx, columnsQuery)
	if err != nil {
		return fmt.Errorf("columns query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var schemaName, tableName, colName, dataType string
		var notNull bool
		var ordinal int
		var defaultExpr, comment *string
		var isPK bool
		if err := rows.Scan(&schemaName, &tableName, &colName, &dataType, &notNull, &ordinal, &defaultExpr, &comment, &isPK); err != nil {
			return fmt.Errorf("scan column row: %w", err)
		}
		key := model.NewTableKey(schemaName, tableName)
		t, ok := tables[key]
		if !ok {
			continue
		}
		col := model.ColumnDescriptor{
			Name:         colName,
			DataType:     dataType,
			Nullable:     !notNull,
			IsPrimaryKey: isPK,
			Ordinal:      ordinal,
		}
		if defaultExpr != nil {
			col.Default = *defaultExpr
		}
		if comment != nil {
			col.Comment = *comment
		}
		t.Columns = append(t.Columns, col)
	}
	return rows.Err()
}

const indexesQuery = `
SELECT
	ns.nspname, c.relname, ic.relname AS index_name, idx.indisunique, idx.indisprimary, am.amname,
	(SELECT array_agg(att.attname ORDER BY u.ord)
	 FROM unnest(idx.indkey::int[]) WITH ORDINALITY AS u(colidx, ord)
	 LEFT JOIN pg_attribute att ON att.attrelid = idx.indrelid AND att.attnum = u.colidx
	 WHERE u.colidx <> 0) AS columns
FROM pg_index idx
JOIN pg_class c ON c.oid = idx.indrelid
JOIN pg_class ic ON ic.oid = idx.indexrelid
JOIN pg_namespace ns ON ns.oid = c.relnamespace
JOIN pg_am am ON am.oid = ic.relam
WHERE ns.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
ORDER BY ns.nspname, c.relname, ic.relname;
`

func loadIndexes(ctx context.Context, conn *pgx.Conn, tables map[model.TableKey]*model.TableDescriptor) error {
	rows, err := conn.Query(ctx, indexesQuery)
	if err != nil {
		return fmt.Errorf("indexes query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var schemaName, tableName, indexName, method string
		var isUnique, isPrimary bool
		var columns []string
		if err := rows.Scan(&schemaName, &tableName, &indexName, &isUnique, &isPrimary, &method, &columns); err != nil {
			return fmt.Errorf("scan index row: %w", err)
		}
		key := model.NewTableKey(schemaName, tableName)
		t, ok := tables[key]
		if !ok {
			continue
		}
		t.Indexes = append(t.Indexes, model.IndexDescriptor{
			Name: indexName, Columns: columns, IsUnique: isUnique, IsPrimary: isPrimary, Method: method,
		})
	}
	return rows.Err()
}

const foreignKeysQuery = `
SELECT
	ns.nspname, c.relname, att.attname,
	rns.nspname, rc.relname, ratt.attname, con.conname
FROM pg_constraint con
JOIN pg_class c ON c.oid = con.conrelid
JOIN pg_namespace ns ON ns.oid = c.relnamespace
JOIN pg_class rc ON rc.oid = con.confrelid
JOIN pg_namespace rns ON rns.oid = rc.relnamespace
JOIN unnest(con.conkey) WITH ORDINALITY AS ck(attnum, ord) ON true
JOIN unnest(con.confkey) WITH ORDINALITY AS rck(attnum, ord) ON rck.ord = ck.ord
JOIN pg_attribute att ON att.attrelid = con.conrelid AND att.attnum = ck.attnum
JOIN pg_attribute ratt ON ratt.attrelid = con.confrelid AND ratt.attnum = rck.attnum
WHERE con.contype = 'f';
`

func loadForeignKeys(ctx context.Context, conn *pgx.Conn, tables map[model.TableKey]*model.TableDescriptor) error {
	rows, err := conn.Query(ctx, foreignKeysQuery)
	if err != nil {
		return fmt.Errorf("foreign keys query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var schemaName, tableName, column, refSchema, refTable, refColumn, constraintName string
		if err := rows.Scan(&schemaName, &tableName, &column, &refSchema, &refTable, &refColumn, &constraintName); err != nil {
			return fmt.Errorf("scan fk row: %w", err)
		}
		key := model.NewTableKey(schemaName, tableName)
		t, ok := tables[key]
		if !ok {
			continue
		}
		ref := fmt.Sprintf("%s.%s.%s", refSchema, refTable, refColumn)
		t.ForeignKeys = append(t.ForeignKeys, model.ForeignKeyDescriptor{
			Column: column, ReferencedTable: fmt.Sprintf("%s.%s", refSchema, refTable),
			ReferencedColumn: refColumn, ConstraintName: constraintName,
		})
		for i, col := range t.Columns {
			if col.Name == column {
				t.Columns[i].IsForeignKey = true
				t.Columns[i].ForeignKeyRef = ref
			}
		}
	}
	return rows.Err()
}

const enumsQuery = `
SELECT t.typname, e.enumlabel
FROM pg_type t
JOIN pg_enum e ON e.enumtypid = t.oid
JOIN pg_namespace ns ON ns.oid = t.typnamespace
WHERE ns.nspname NOT IN ('pg_catalog', 'information_schema')
ORDER BY t.typname, e.enumsortorder;
`

func loadEnums(ctx context.Context, conn *pgx.Conn) (map[string][]string, error) {
	rows, err := conn.Query(ctx, enumsQuery)
	if err != nil {
		return nil, fmt.Errorf("enums query: %w", err)
	}
	defer rows.Close()

	out := map[string][]string{}
	for rows.Next() {
		var typeName, label string
		if err := rows.Scan(&typeName, &label); err != nil {
			return nil, fmt.Errorf("scan enum row: %w", err)
		}
		out[typeName] = append(out[typeName], label)
	}
	return out, rows.Err()
}
