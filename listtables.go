package dbmcp

import (
	"context"
	"fmt"
)

const (
	defaultListTablesPattern = "%"
	defaultListTablesLimit   = 500
)

const listTablesSQL = `
SELECT
    c.relname AS name,
    CASE c.relkind
        WHEN 'r' THEN 'table'
        WHEN 'v' THEN 'view'
        WHEN 'm' THEN 'materialized_view'
        WHEN 'f' THEN 'foreign_table'
        WHEN 'p' THEN 'partitioned_table'
    END AS type
FROM pg_catalog.pg_class c
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = $1
  AND c.relkind IN ('r', 'v', 'm', 'f', 'p')
  AND c.relname LIKE $2
  AND has_table_privilege(c.oid, 'SELECT')
ORDER BY c.relname
LIMIT $3;
`

// ListTables returns the tables and views in schema whose names match the
// LIKE pattern, visible to the current user, ordered by name.
func (b *postgresBackend) ListTables(ctx context.Context, schema, pattern string, limit int) ([]TableEntry, error) {
	rows, err := b.pool.Query(ctx, listTablesSQL, schema, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("ListTables query failed: %w", err)
	}
	defer rows.Close()

	tables := []TableEntry{}
	for rows.Next() {
		var entry TableEntry
		if err := rows.Scan(&entry.Name, &entry.Type); err != nil {
			return nil, fmt.Errorf("ListTables scan failed: %w", err)
		}
		tables = append(tables, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListTables rows error: %w", err)
	}
	return tables, nil
}

// normalizeListTables applies the pattern and limit defaults.
func normalizeListTables(input ListTablesInput) ListTablesInput {
	if input.Pattern == "" {
		input.Pattern = defaultListTablesPattern
	}
	if input.Limit <= 0 {
		input.Limit = defaultListTablesLimit
	}
	return input
}
