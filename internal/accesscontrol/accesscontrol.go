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

// Package accesscontrol rewrites a validated SELECT against a DatabaseIdentity's
// AccessPolicy: blocked tables and columns are collected into a denial, and
// row filters are AND-merged into the owning SELECT's WHERE clause. Every
// mutation happens on the parsed AST; nothing is ever spliced as text.
package accesscontrol

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/nlsql/pg-gateway/internal/model"
)

// Result is the outcome of Rewrite.
type Result struct {
	OK             bool
	RewrittenSQL   string
	DenialReason   string
	BlockedTables  []string
	BlockedColumns []string
}

// scope is the alias->table binding visible while walking one SELECT level,
// plus the set of names introduced by enclosing CTEs (for shadowing checks).
type scope struct {
	aliases  map[string]model.TableKey // alias or bare table name -> key
	order    []string                  // alias names in FROM-clause order, for the first-table heuristic
	cteNames map[string]bool
}

func newScope(parent *scope) *scope {
	s := &scope{aliases: map[string]model.TableKey{}, cteNames: map[string]bool{}}
	if parent != nil {
		for k, v := range parent.cteNames {
			s.cteNames[k] = v
		}
	}
	return s
}

// rewriter accumulates denial state across the whole statement tree.
type rewriter struct {
	policy         *model.AccessPolicy
	blockedTables  map[string]bool
	blockedColumns map[string]bool
}

// Rewrite implements C2: parse, enumerate table and column references against
// policy, AND-merge row filters, and return either a denial or the rewritten,
// pretty-printed SQL.
func Rewrite(sql string, policy *model.AccessPolicy) Result {
	parsed, err := pg_query.Parse(sql)
	if err != nil {
		return Result{OK: false, DenialReason: err.Error()}
	}
	if policy == nil {
		policy = &model.AccessPolicy{}
	}

	if len(parsed.GetStmts()) != 1 {
		return Result{OK: false, DenialReason: "expected exactly one statement"}
	}
	sel := parsed.GetStmts()[0].GetStmt().GetSelectStmt()
	if sel == nil {
		return Result{OK: false, DenialReason: "top-level statement is not a SELECT"}
	}

	rw := &rewriter{policy: policy, blockedTables: map[string]bool{}, blockedColumns: map[string]bool{}}
	rw.processSelect(sel, newScope(nil))

	if len(rw.blockedTables) > 0 || len(rw.blockedColumns) > 0 {
		return rw.denial()
	}

	out, err := pg_query.Deparse(parsed)
	if err != nil {
		return Result{OK: false, DenialReason: fmt.Sprintf("deparse failed: %v", err)}
	}
	return Result{OK: true, RewrittenSQL: out}
}

func (rw *rewriter) denial() Result {
	tables := sortedKeys(rw.blockedTables)
	columns := sortedKeys(rw.blockedColumns)
	var parts []string
	if len(tables) > 0 {
		parts = append(parts, fmt.Sprintf("blocked tables: %s", strings.Join(tables, ", ")))
	}
	if len(columns) > 0 {
		parts = append(parts, fmt.Sprintf("blocked columns: %s", strings.Join(columns, ", ")))
	}
	return Result{
		OK:             false,
		DenialReason:   strings.Join(parts, "; "),
		BlockedTables:  tables,
		BlockedColumns: columns,
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// processSelect is the per-SELECT entry point: it builds the FROM scope,
// checks CTE-alias shadowing, walks the target/where/having/group/sort lists
// for column references, merges row filters into this level's WHERE, and
// recurses into every nested SELECT (CTEs, FROM subselects, set-op arms,
// SubLinks) with its own fresh scope.
func (rw *rewriter) processSelect(sel *pg_query.SelectStmt, parent *scope) {
	if sel == nil {
		return
	}
	sc := newScope(parent)

	if wc := sel.GetWithClause(); wc != nil {
		for _, cteNode := range wc.GetCtes() {
			cte := cteNode.GetCommonTableExpr()
			if cte == nil {
				continue
			}
			name := strings.ToLower(cte.GetCtename())
			key := model.NewTableKey("", name)
			if rw.policy.IsBlocked(key) {
				rw.blockedTables[name+" (shadowed by CTE)"] = true
			}
			if _, ok := rw.policy.RuleFor(key); ok {
				rw.blockedTables[name+" (shadowed by CTE)"] = true
			}
			sc.cteNames[name] = true
			rw.processSelect(cte.GetCtequery().GetSelectStmt(), sc)
		}
	}

	if sel.GetLarg() != nil {
		rw.processSelect(sel.GetLarg(), parent)
	}
	if sel.GetRarg() != nil {
		rw.processSelect(sel.GetRarg(), parent)
	}

	for _, from := range sel.GetFromClause() {
		rw.collectFromItem(from, sc)
	}

	rw.applyRowFilters(sel, sc)

	for _, target := range sel.GetTargetList() {
		rw.walkExpr(target, sc)
	}
	rw.walkExpr(sel.GetWhereClause(), sc)
	for _, g := range sel.GetGroupClause() {
		rw.walkExpr(g, sc)
	}
	rw.walkExpr(sel.GetHavingClause(), sc)
	for _, s := range sel.GetSortClause() {
		rw.walkExpr(s, sc)
	}
}

// collectFromItem populates sc with alias->table bindings and recurses into
// any nested SELECTs reachable from the FROM clause (subselects, JOIN quals).
func (rw *rewriter) collectFromItem(node *pg_query.Node, sc *scope) {
	if node == nil {
		return
	}
	switch {
	case node.GetRangeVar() != nil:
		rv := node.GetRangeVar()
		schema := strings.ToLower(rv.GetSchemaname())
		table := strings.ToLower(rv.GetRelname())
		key := model.NewTableKey(schema, table)

		if sc.cteNames[table] && schema == "" {
			// A bare name that also names a CTE in scope resolves to the
			// CTE, not the base table; no policy applies to it here.
			alias := table
			if rv.GetAlias() != nil && rv.GetAlias().GetAliasname() != "" {
				alias = strings.ToLower(rv.GetAlias().GetAliasname())
			}
			sc.aliases[alias] = model.TableKey{}
			sc.order = append(sc.order, alias)
			return
		}

		if rw.policy.IsBlocked(key) {
			rw.blockedTables[key.String()] = true
		}

		alias := table
		if rv.GetAlias() != nil && rv.GetAlias().GetAliasname() != "" {
			alias = strings.ToLower(rv.GetAlias().GetAliasname())
		}
		sc.aliases[alias] = key
		sc.aliases[table] = key
		sc.order = append(sc.order, alias)

	case node.GetJoinExpr() != nil:
		je := node.GetJoinExpr()
		rw.collectFromItem(je.GetLarg(), sc)
		rw.collectFromItem(je.GetRarg(), sc)
		rw.walkExpr(je.GetQuals(), sc)

	case node.GetRangeSubselect() != nil:
		rs := node.GetRangeSubselect()
		rw.processSelect(rs.GetSubquery().GetSelectStmt(), sc)
		if rs.GetAlias() != nil {
			alias := strings.ToLower(rs.GetAlias().GetAliasname())
			sc.aliases[alias] = model.TableKey{}
			sc.order = append(sc.order, alias)
		}

	case node.GetRangeFunction() != nil:
		for _, fn := range node.GetRangeFunction().GetFunctions() {
			rw.walkExpr(fn, sc)
		}
	}
}

// applyRowFilters AND-merges the row_filter of every TableRule whose table
// is bound in this SELECT's own FROM clause (not a deeper nested one, which
// gets the merge at its own level when it is itself processed), in the
// order the rules appear in the policy.
func (rw *rewriter) applyRowFilters(sel *pg_query.SelectStmt, sc *scope) {
	bound := map[model.TableKey]bool{}
	for _, alias := range sc.order {
		bound[sc.aliases[alias]] = true
	}
	seen := map[model.TableKey]bool{}
	for _, rule := range rw.policy.Tables {
		key := rule.Key()
		if !bound[key] || seen[key] || rw.policy.IsBlocked(key) {
			continue
		}
		seen[key] = true
		if strings.TrimSpace(rule.RowFilter) == "" {
			continue
		}
		filterNode, err := parseFilterFragment(rule.RowFilter)
		if err != nil {
			// Fail-open for misconfiguration: the filter fragment itself
			// doesn't parse, so it is dropped rather than blocking the query.
			continue
		}
		mergeWhere(sel, filterNode)
	}
}

// parseFilterFragment parses a bare boolean expression by wrapping it as a
// full statement ("SELECT 1 WHERE <fragment>") and lifting the resulting
// WhereClause node back out — the standard trick for reusing a
// statement-oriented parser on an expression fragment.
func parseFilterFragment(fragment string) (*pg_query.Node, error) {
	wrapped := "SELECT 1 WHERE " + fragment
	parsed, err := pg_query.Parse(wrapped)
	if err != nil {
		return nil, err
	}
	sel := parsed.GetStmts()[0].GetStmt().GetSelectStmt()
	if sel == nil || sel.GetWhereClause() == nil {
		return nil, fmt.Errorf("row filter did not parse to an expression")
	}
	return sel.GetWhereClause(), nil
}

// mergeWhere installs filterNode as sel's WHERE clause, AND-combined with
// any existing clause.
func mergeWhere(sel *pg_query.SelectStmt, filterNode *pg_query.Node) {
	existing := sel.GetWhereClause()
	if existing == nil {
		sel.WhereClause = filterNode
		return
	}
	sel.WhereClause = &pg_query.Node{
		Node: &pg_query.Node_BoolExpr{
			BoolExpr: &pg_query.BoolExpr{
				Boolop: pg_query.BoolExprType_AND_EXPR,
				Args:   []*pg_query.Node{existing, filterNode},
			},
		},
	}
}

// walkExpr recurses through an expression tree resolving ColumnRefs against
// sc and descending into nested SELECTs (SubLinks) with a fresh scope.
func (rw *rewriter) walkExpr(node *pg_query.Node, sc *scope) {
	if node == nil {
		return
	}
	if cr := node.GetColumnRef(); cr != nil {
		rw.checkColumnRef(cr, sc)
		return
	}
	if sl := node.GetSubLink(); sl != nil {
		rw.processSelect(sl.GetSubselect().GetSelectStmt(), sc)
		rw.walkExpr(sl.GetTestexpr(), sc)
		return
	}
	if fc := node.GetFuncCall(); fc != nil {
		for _, arg := range fc.GetArgs() {
			rw.walkExpr(arg, sc)
		}
		return
	}
	if tc := node.GetTypeCast(); tc != nil {
		rw.walkExpr(tc.GetArg(), sc)
		return
	}
	if ae := node.GetAExpr(); ae != nil {
		rw.walkExpr(ae.GetLexpr(), sc)
		rw.walkExpr(ae.GetRexpr(), sc)
		return
	}
	if be := node.GetBoolExpr(); be != nil {
		for _, arg := range be.GetArgs() {
			rw.walkExpr(arg, sc)
		}
		return
	}
	if nt := node.GetNullTest(); nt != nil {
		rw.walkExpr(nt.GetArg(), sc)
		return
	}
	if ce := node.GetCoalesceExpr(); ce != nil {
		for _, arg := range ce.GetArgs() {
			rw.walkExpr(arg, sc)
		}
		return
	}
	if ce := node.GetCaseExpr(); ce != nil {
		rw.walkExpr(ce.GetArg(), sc)
		for _, when := range ce.GetArgs() {
			rw.walkExpr(when, sc)
		}
		rw.walkExpr(ce.GetDefresult(), sc)
		return
	}
	if cw := node.GetCaseWhen(); cw != nil {
		rw.walkExpr(cw.GetExpr(), sc)
		rw.walkExpr(cw.GetResult(), sc)
		return
	}
	if rt := node.GetResTarget(); rt != nil {
		rw.walkExpr(rt.GetVal(), sc)
		return
	}
	if sb := node.GetSortBy(); sb != nil {
		rw.walkExpr(sb.GetNode(), sc)
		return
	}
	if list := node.GetList(); list != nil {
		for _, item := range list.GetItems() {
			rw.walkExpr(item, sc)
		}
		return
	}
}

// checkColumnRef resolves the owning table of a column reference and checks
// it against that table's allowed/denied column lists.
//
// A qualified reference ("alias.column") resolves directly. An unqualified
// reference is checked against the one table bound in this scope that
// carries a column policy, if exactly one does; if none does, it attributes
// to the first FROM-list table. When more than one bound table carries a
// column policy the reference is ambiguous and is rejected outright rather
// than silently guessed.
func (rw *rewriter) checkColumnRef(cr *pg_query.ColumnRef, sc *scope) {
	fields := cr.GetFields()
	if len(fields) == 0 {
		return
	}
	var qualifier, column string
	if len(fields) >= 2 {
		if s := fields[0].GetString_(); s != nil {
			qualifier = strings.ToLower(s.GetSval())
		}
		if s := fields[len(fields)-1].GetString_(); s != nil {
			column = strings.ToLower(s.GetSval())
		}
	} else {
		if s := fields[0].GetString_(); s != nil {
			column = strings.ToLower(s.GetSval())
		} else {
			return // star or positional field, nothing to resolve
		}
	}
	if column == "" {
		return
	}

	if qualifier != "" {
		key, ok := sc.aliases[qualifier]
		if !ok || key == (model.TableKey{}) {
			return // unresolved alias (derived table, CTE): no policy to apply
		}
		rw.checkColumn(key, column)
		return
	}

	candidates := rw.policyCandidates(sc)
	if len(candidates) > 1 {
		rw.blockedColumns[fmt.Sprintf("ambiguous.%s", column)] = true
		return
	}
	if len(candidates) == 1 {
		rw.checkColumn(candidates[0], column)
		return
	}
	if len(sc.order) > 0 {
		if key, ok := sc.aliases[sc.order[0]]; ok && key != (model.TableKey{}) {
			rw.checkColumn(key, column)
		}
	}
}

// policyCandidates returns the distinct tables bound in sc that carry a
// TableRule with a column policy configured (allowed or denied columns).
func (rw *rewriter) policyCandidates(sc *scope) []model.TableKey {
	seen := map[model.TableKey]bool{}
	var out []model.TableKey
	for _, alias := range sc.order {
		key := sc.aliases[alias]
		if key == (model.TableKey{}) || seen[key] {
			continue
		}
		rule, ok := rw.policy.RuleFor(key)
		if ok && (rule.AllowedColumns != nil || rule.DeniedColumns != nil) {
			seen[key] = true
			out = append(out, key)
		}
	}
	return out
}

func (rw *rewriter) checkColumn(key model.TableKey, column string) {
	rule, ok := rw.policy.RuleFor(key)
	if !ok {
		return
	}
	if !rule.ColumnAllowed(column) {
		rw.blockedColumns[fmt.Sprintf("%s.%s", key.String(), column)] = true
	}
}

// ValidatePolicy parses every configured row_filter at config-load time and
// fails startup on a malformed fragment, upgrading the runtime fail-open
// path (applyRowFilters) with a load-time guarantee that misconfiguration is
// caught before it can silently drop a filter in production.
func ValidatePolicy(policy *model.AccessPolicy) error {
	if policy == nil {
		return nil
	}
	for _, rule := range policy.Tables {
		if strings.TrimSpace(rule.RowFilter) == "" {
			continue
		}
		if _, err := parseFilterFragment(rule.RowFilter); err != nil {
			return fmt.Errorf("invalid row_filter for %s: %w", rule.Key(), err)
		}
	}
	return nil
}
