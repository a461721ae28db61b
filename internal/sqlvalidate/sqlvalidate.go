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

// Package sqlvalidate parses candidate SQL with the real PostgreSQL grammar
// and rejects anything that isn't a plain read. It never inspects SQL as
// text: every check walks the parsed AST produced by pg_query_go.
package sqlvalidate

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// dangerousFunctions is the exact, case-insensitive set from the access
// design: functions that reach outside the row-reading surface of SQL even
// when invoked from a SELECT target list or WHERE clause.
var dangerousFunctions = map[string]bool{
	"pg_read_file":        true,
	"pg_write_file":       true,
	"pg_execute":          true,
	"copy":                true,
	"pg_terminate_backend": true,
	"pg_cancel_backend":   true,
	"set_config":          true,
	"current_setting":     true,
	"pg_reload_conf":      true,
	"pg_rotate_logfile":   true,
	"pg_ls_dir":           true,
	"pg_read_binary_file": true,
	"pg_stat_file":        true,
}

// ErrorKind classifies why validate rejected a statement.
type ErrorKind string

const (
	ErrParse              ErrorKind = "parse"
	ErrForbiddenStatement ErrorKind = "forbidden-statement"
	ErrForbiddenFunction  ErrorKind = "forbidden-function"
	ErrForbiddenSubquery  ErrorKind = "forbidden-subquery"
)

// ValidationError carries the kind plus the detail the caller should surface
// (parser message, matched node kind, or matched function name).
type ValidationError struct {
	Kind   ErrorKind
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func newErr(kind ErrorKind, detail string) *ValidationError {
	return &ValidationError{Kind: kind, Detail: detail}
}

// Validate parses sql with the PostgreSQL dialect and reports whether it is
// safe to hand to the executor: the top-level statement must be a SELECT, no
// function call anywhere in the tree may match the dangerous-function set,
// and every subquery must itself be a SELECT.
func Validate(sql string) (ok bool, err error) {
	result, perr := pg_query.Parse(sql)
	if perr != nil {
		return false, newErr(ErrParse, perr.Error())
	}
	if len(result.GetStmts()) != 1 {
		return false, newErr(ErrForbiddenStatement, fmt.Sprintf("expected exactly one statement, found %d", len(result.GetStmts())))
	}

	root := result.GetStmts()[0].GetStmt()
	sel := root.GetSelectStmt()
	if sel == nil {
		return false, newErr(ErrForbiddenStatement, nodeKind(root))
	}

	v := &validator{}
	if err := v.walkSelect(sel); err != nil {
		return false, err
	}
	return true, nil
}

// PrettyPrint re-deparses sql through the parser, producing a normalized,
// whitespace-stable rendering. Callers run Validate first; PrettyPrint does
// not re-check statement shape.
func PrettyPrint(sql string) (string, error) {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return "", newErr(ErrParse, err.Error())
	}
	out, err := pg_query.Deparse(result)
	if err != nil {
		return "", fmt.Errorf("deparse: %w", err)
	}
	return out, nil
}

type validator struct{}

// walkSelect validates one SELECT statement and recurses into every nested
// SELECT it reaches (CTEs, subselects in FROM, SubLinks), since each of
// those must also be a SELECT (forbidden-subquery) and is subject to the
// same function-call restrictions.
func (v *validator) walkSelect(sel *pg_query.SelectStmt) error {
	if sel == nil {
		return nil
	}

	if wc := sel.GetWithClause(); wc != nil {
		for _, cteNode := range wc.GetCtes() {
			cte := cteNode.GetCommonTableExpr()
			if cte == nil {
				continue
			}
			sub := cte.GetCtequery().GetSelectStmt()
			if sub == nil {
				return newErr(ErrForbiddenSubquery, nodeKind(cte.GetCtequery()))
			}
			if err := v.walkSelect(sub); err != nil {
				return err
			}
		}
	}

	// A set operation (UNION/INTERSECT/EXCEPT) nests its arms in Larg/Rarg.
	if sel.GetLarg() != nil {
		if err := v.walkSelect(sel.GetLarg()); err != nil {
			return err
		}
	}
	if sel.GetRarg() != nil {
		if err := v.walkSelect(sel.GetRarg()); err != nil {
			return err
		}
	}

	for _, from := range sel.GetFromClause() {
		if err := v.walkFromItem(from); err != nil {
			return err
		}
	}
	for _, target := range sel.GetTargetList() {
		if err := v.walkNode(target); err != nil {
			return err
		}
	}
	if err := v.walkNode(sel.GetWhereClause()); err != nil {
		return err
	}
	for _, g := range sel.GetGroupClause() {
		if err := v.walkNode(g); err != nil {
			return err
		}
	}
	if err := v.walkNode(sel.GetHavingClause()); err != nil {
		return err
	}
	for _, s := range sel.GetSortClause() {
		if err := v.walkNode(s); err != nil {
			return err
		}
	}
	for _, w := range sel.GetWindowClause() {
		if err := v.walkNode(w.GetWindowDef().GetStartOffset()); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) walkFromItem(node *pg_query.Node) error {
	if node == nil {
		return nil
	}
	switch {
	case node.GetRangeVar() != nil:
		return nil
	case node.GetJoinExpr() != nil:
		je := node.GetJoinExpr()
		if err := v.walkFromItem(je.GetLarg()); err != nil {
			return err
		}
		if err := v.walkFromItem(je.GetRarg()); err != nil {
			return err
		}
		return v.walkNode(je.GetQuals())
	case node.GetRangeSubselect() != nil:
		sub := node.GetRangeSubselect().GetSubquery().GetSelectStmt()
		if sub == nil {
			return newErr(ErrForbiddenSubquery, nodeKind(node.GetRangeSubselect().GetSubquery()))
		}
		return v.walkSelect(sub)
	case node.GetRangeFunction() != nil:
		for _, fnNode := range node.GetRangeFunction().GetFunctions() {
			if err := v.walkNode(fnNode); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

// walkNode recursively inspects an expression node for dangerous function
// calls and non-SELECT subqueries. Every node kind that can embed a SubLink
// or FuncCall anywhere in the corpus's AST (WeKnora's database_query
// validator, xataio/pgroll's sql2pgroll, zoravur's rewrite_pks) is covered.
func (v *validator) walkNode(node *pg_query.Node) error {
	if node == nil {
		return nil
	}

	if sl := node.GetSubLink(); sl != nil {
		if err := v.walkNode(sl.GetTestexpr()); err != nil {
			return err
		}
		sub := sl.GetSubselect().GetSelectStmt()
		if sub == nil {
			return newErr(ErrForbiddenSubquery, nodeKind(sl.GetSubselect()))
		}
		return v.walkSelect(sub)
	}
	if fc := node.GetFuncCall(); fc != nil {
		return v.walkFuncCall(fc)
	}
	if tc := node.GetTypeCast(); tc != nil {
		return v.walkNode(tc.GetArg())
	}
	if ae := node.GetAExpr(); ae != nil {
		if err := v.walkNode(ae.GetLexpr()); err != nil {
			return err
		}
		return v.walkNode(ae.GetRexpr())
	}
	if be := node.GetBoolExpr(); be != nil {
		for _, arg := range be.GetArgs() {
			if err := v.walkNode(arg); err != nil {
				return err
			}
		}
		return nil
	}
	if nt := node.GetNullTest(); nt != nil {
		return v.walkNode(nt.GetArg())
	}
	if ce := node.GetCoalesceExpr(); ce != nil {
		for _, arg := range ce.GetArgs() {
			if err := v.walkNode(arg); err != nil {
				return err
			}
		}
		return nil
	}
	if ce := node.GetCaseExpr(); ce != nil {
		if err := v.walkNode(ce.GetArg()); err != nil {
			return err
		}
		for _, when := range ce.GetArgs() {
			if err := v.walkNode(when); err != nil {
				return err
			}
		}
		return v.walkNode(ce.GetDefresult())
	}
	if cw := node.GetCaseWhen(); cw != nil {
		if err := v.walkNode(cw.GetExpr()); err != nil {
			return err
		}
		return v.walkNode(cw.GetResult())
	}
	if rt := node.GetResTarget(); rt != nil {
		return v.walkNode(rt.GetVal())
	}
	if sb := node.GetSortBy(); sb != nil {
		return v.walkNode(sb.GetNode())
	}
	if list := node.GetList(); list != nil {
		for _, item := range list.GetItems() {
			if err := v.walkNode(item); err != nil {
				return err
			}
		}
		return nil
	}
	if sub := node.GetSubLink(); sub != nil {
		return v.walkNode(sub.GetTestexpr())
	}
	if ac := node.GetAArrayExpr(); ac != nil {
		for _, item := range ac.GetElements() {
			if err := v.walkNode(item); err != nil {
				return err
			}
		}
		return nil
	}
	if ind := node.GetAIndirection(); ind != nil {
		return v.walkNode(ind.GetArg())
	}
	return nil
}

func (v *validator) walkFuncCall(fc *pg_query.FuncCall) error {
	name := funcName(fc)
	if dangerousFunctions[strings.ToLower(name)] {
		return newErr(ErrForbiddenFunction, name)
	}
	for _, arg := range fc.GetArgs() {
		if err := v.walkNode(arg); err != nil {
			return err
		}
	}
	for _, arg := range fc.GetAggOrder() {
		if err := v.walkNode(arg); err != nil {
			return err
		}
	}
	return v.walkNode(fc.GetAggFilter())
}

// funcName returns the bare (unqualified) function name, lower-cased
// comparisons are done by the caller so exact case is preserved for error
// messages.
func funcName(fc *pg_query.FuncCall) string {
	parts := fc.GetFuncname()
	if len(parts) == 0 {
		return ""
	}
	last := parts[len(parts)-1]
	if s := last.GetString_(); s != nil {
		return s.GetSval()
	}
	return ""
}

// nodeKind returns a human-readable tag for the concrete node type, used in
// forbidden-statement / forbidden-subquery error details.
func nodeKind(node *pg_query.Node) string {
	if node == nil {
		return "nil"
	}
	switch node.GetNode().(type) {
	case *pg_query.Node_SelectStmt:
		return "SelectStmt"
	case *pg_query.Node_InsertStmt:
		return "InsertStmt"
	case *pg_query.Node_UpdateStmt:
		return "UpdateStmt"
	case *pg_query.Node_DeleteStmt:
		return "DeleteStmt"
	case *pg_query.Node_CreateStmt:
		return "CreateStmt"
	case *pg_query.Node_DropStmt:
		return "DropStmt"
	case *pg_query.Node_AlterTableStmt:
		return "AlterTableStmt"
	case *pg_query.Node_TransactionStmt:
		return "TransactionStmt"
	case *pg_query.Node_VariableSetStmt:
		return "VariableSetStmt"
	case *pg_query.Node_CopyStmt:
		return "CopyStmt"
	case *pg_query.Node_DoStmt:
		return "DoStmt"
	default:
		return fmt.Sprintf("%T", node.GetNode())
	}
}
