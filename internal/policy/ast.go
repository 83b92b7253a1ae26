package policy

import (
	"encoding/json"
	"fmt"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// checkSyntax parses the statement with PostgreSQL's parser and confirms it
// is a single plain SELECT. It never accepts what the text stages rejected.
func checkSyntax(sql string) *Violation {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return violation(StageSyntax, "SQL parse error: %v", err)
	}
	if len(result.Stmts) == 0 {
		return violation(StageSyntax, "SQL parse error: empty query")
	}
	if len(result.Stmts) > 1 {
		return violation(StageMultiStatement, "multiple SQL statements are not allowed: found %d", len(result.Stmts))
	}

	sel, ok := result.Stmts[0].Stmt.Node.(*pg_query.Node_SelectStmt)
	if !ok {
		return violation(StageStatementKind, "only SELECT statements are allowed")
	}
	return checkSelect(sel.SelectStmt)
}

// checkSelect walks set-operation branches and CTE bodies.
func checkSelect(stmt *pg_query.SelectStmt) *Violation {
	if stmt == nil {
		return nil
	}
	if stmt.IntoClause != nil {
		return violation(StageStatementKind, "SELECT INTO is not allowed")
	}
	if len(stmt.LockingClause) > 0 {
		return violation(StageStatementKind, "row locking clauses (FOR UPDATE, FOR SHARE) are not allowed")
	}
	if stmt.WithClause != nil {
		for _, cte := range stmt.WithClause.Ctes {
			cteNode, ok := cte.Node.(*pg_query.Node_CommonTableExpr)
			if !ok {
				continue
			}
			query := cteNode.CommonTableExpr.Ctequery
			if query == nil {
				continue
			}
			inner, ok := query.Node.(*pg_query.Node_SelectStmt)
			if !ok {
				return violation(StageStatementKind, "data-modifying statement in WITH %q is not allowed", cteNode.CommonTableExpr.Ctename)
			}
			if v := checkSelect(inner.SelectStmt); v != nil {
				return v
			}
		}
	}
	if v := checkSelect(stmt.Larg); v != nil {
		return v
	}
	return checkSelect(stmt.Rarg)
}

// relationRefs describes where unqualified relations start in a statement.
type relationRefs struct {
	// offsets of unqualified RangeVar nodes, in bytes.
	offsets map[int]bool
	// cteNames holds every CTE defined anywhere in the statement.
	cteNames map[string]bool
}

// collectRelations parses sql and records unqualified relation references.
// The JSON form of the parse tree is walked generically so subqueries,
// joins and CTE bodies are all covered without enumerating node types.
func collectRelations(sql string) (*relationRefs, error) {
	tree, err := pg_query.ParseToJSON(sql)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	var root any
	if err := json.Unmarshal([]byte(tree), &root); err != nil {
		return nil, fmt.Errorf("decode parse tree: %w", err)
	}
	refs := &relationRefs{offsets: make(map[int]bool), cteNames: make(map[string]bool)}
	walkTree(root, refs)
	return refs, nil
}

func walkTree(node any, refs *relationRefs) {
	switch n := node.(type) {
	case map[string]any:
		for key, child := range n {
			switch key {
			case "RangeVar":
				if rv, ok := child.(map[string]any); ok {
					schema, _ := rv["schemaname"].(string)
					loc, hasLoc := rv["location"].(float64)
					if schema == "" && hasLoc {
						refs.offsets[int(loc)] = true
					}
				}
			case "CommonTableExpr":
				if cte, ok := child.(map[string]any); ok {
					if name, ok := cte["ctename"].(string); ok {
						refs.cteNames[name] = true
					}
				}
			}
			walkTree(child, refs)
		}
	case []any:
		for _, child := range n {
			walkTree(child, refs)
		}
	}
}
