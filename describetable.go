package dbmcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// SQL queries for DescribeTable. All of them key on the relation oid found by
// detectTypeSQL, so a name is resolved exactly once.

const detectTypeSQL = `
SELECT c.oid, c.relkind
FROM pg_catalog.pg_class c
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = $1
  AND c.relname = $2
  AND c.relkind IN ('r', 'v', 'm', 'f', 'p')
  AND has_table_privilege(c.oid, 'SELECT');
`

const columnsSQL = `
SELECT a.attname::text AS name,
       pg_catalog.format_type(a.atttypid, a.atttypmod) AS type,
       NOT a.attnotnull AS nullable,
       COALESCE(pg_catalog.pg_get_expr(d.adbin, d.adrelid), '') AS default_val
FROM pg_catalog.pg_attribute a
LEFT JOIN pg_catalog.pg_attrdef d ON (a.attrelid = d.adrelid AND a.attnum = d.adnum)
WHERE a.attrelid = $1::oid
  AND a.attnum > 0
  AND NOT a.attisdropped
ORDER BY a.attnum;
`

const primaryKeySQL = `
SELECT a.attname::text
FROM pg_catalog.pg_index i
JOIN pg_catalog.pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
WHERE i.indrelid = $1::oid
  AND i.indisprimary
ORDER BY array_position(i.indkey::int2[], a.attnum);
`

// Expression index members have attnum 0 and are left out of columns.
const indexesSQL = `
SELECT ic.relname::text AS name,
       i.indisunique AS is_unique,
       ARRAY(
           SELECT a.attname::text
           FROM unnest(i.indkey::int2[]) WITH ORDINALITY AS k(attnum, ord)
           JOIN pg_catalog.pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = k.attnum
           ORDER BY k.ord
       ) AS columns
FROM pg_catalog.pg_index i
JOIN pg_catalog.pg_class ic ON ic.oid = i.indexrelid
WHERE i.indrelid = $1::oid
ORDER BY ic.relname;
`

// Referenced tables outside $2 are reported schema-qualified.
const foreignKeysSQL = `
SELECT
    con.conname::text AS name,
    ARRAY(
        SELECT a.attname::text
        FROM unnest(con.conkey) WITH ORDINALITY AS k(attnum, ord)
        JOIN pg_catalog.pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
        ORDER BY k.ord
    ) AS columns,
    CASE WHEN fn.nspname = $2 THEN fc.relname::text
         ELSE fn.nspname || '.' || fc.relname
    END AS referenced_table,
    ARRAY(
        SELECT a.attname::text
        FROM unnest(con.confkey) WITH ORDINALITY AS k(attnum, ord)
        JOIN pg_catalog.pg_attribute a ON a.attrelid = con.confrelid AND a.attnum = k.attnum
        ORDER BY k.ord
    ) AS referenced_columns,
    CASE con.confupdtype
        WHEN 'a' THEN 'NO ACTION'
        WHEN 'r' THEN 'RESTRICT'
        WHEN 'c' THEN 'CASCADE'
        WHEN 'n' THEN 'SET NULL'
        WHEN 'd' THEN 'SET DEFAULT'
    END AS on_update,
    CASE con.confdeltype
        WHEN 'a' THEN 'NO ACTION'
        WHEN 'r' THEN 'RESTRICT'
        WHEN 'c' THEN 'CASCADE'
        WHEN 'n' THEN 'SET NULL'
        WHEN 'd' THEN 'SET DEFAULT'
    END AS on_delete
FROM pg_catalog.pg_constraint con
JOIN pg_catalog.pg_class fc ON fc.oid = con.confrelid
JOIN pg_catalog.pg_namespace fn ON fn.oid = fc.relnamespace
WHERE con.contype = 'f'
  AND con.conrelid = $1::oid
ORDER BY con.conname;
`

// DescribeTable returns columns, primary key, indexes, and foreign keys of a
// table, view, or materialized view in schema. All reads share one READ ONLY
// transaction so the result is a consistent snapshot.
func (b *postgresBackend) DescribeTable(ctx context.Context, schema, table string) (*DescribeTableOutput, error) {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // metadata reads only, never committed

	output := &DescribeTableOutput{
		Schema:      schema,
		Table:       table,
		Columns:     []ColumnInfo{},
		PrimaryKey:  []string{},
		Indexes:     []IndexInfo{},
		ForeignKeys: []ForeignKeyInfo{},
	}

	var oid uint32
	var relkind string
	err = tx.QueryRow(ctx, detectTypeSQL, schema, table).Scan(&oid, &relkind)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s.%s", ErrTableNotFound, schema, table)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s.%s: %w", schema, table, err)
	}
	output.Type = relkindName(relkind)

	if err := fetchColumns(ctx, tx, oid, output); err != nil {
		return nil, err
	}
	// Views have neither indexes nor constraints.
	if relkind == "v" {
		return output, nil
	}
	if err := fetchPrimaryKey(ctx, tx, oid, output); err != nil {
		return nil, err
	}
	if err := fetchIndexes(ctx, tx, oid, output); err != nil {
		return nil, err
	}
	if relkind == "r" || relkind == "p" {
		if err := fetchForeignKeys(ctx, tx, oid, schema, output); err != nil {
			return nil, err
		}
	}
	return output, nil
}

func relkindName(relkind string) string {
	switch relkind {
	case "r":
		return "table"
	case "v":
		return "view"
	case "m":
		return "materialized_view"
	case "f":
		return "foreign_table"
	case "p":
		return "partitioned_table"
	default:
		return "unknown"
	}
}

func fetchColumns(ctx context.Context, tx pgx.Tx, oid uint32, output *DescribeTableOutput) error {
	rows, err := tx.Query(ctx, columnsSQL, oid)
	if err != nil {
		return fmt.Errorf("failed to fetch columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var col ColumnInfo
		if err := rows.Scan(&col.Name, &col.Type, &col.Nullable, &col.Default); err != nil {
			return fmt.Errorf("failed to scan column: %w", err)
		}
		output.Columns = append(output.Columns, col)
	}
	return rows.Err()
}

func fetchPrimaryKey(ctx context.Context, tx pgx.Tx, oid uint32, output *DescribeTableOutput) error {
	rows, err := tx.Query(ctx, primaryKeySQL, oid)
	if err != nil {
		return fmt.Errorf("failed to fetch primary key: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan primary key column: %w", err)
		}
		output.PrimaryKey = append(output.PrimaryKey, name)
	}
	return rows.Err()
}

func fetchIndexes(ctx context.Context, tx pgx.Tx, oid uint32, output *DescribeTableOutput) error {
	rows, err := tx.Query(ctx, indexesSQL, oid)
	if err != nil {
		return fmt.Errorf("failed to fetch indexes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var idx IndexInfo
		if err := rows.Scan(&idx.Name, &idx.Unique, &idx.Columns); err != nil {
			return fmt.Errorf("failed to scan index: %w", err)
		}
		if idx.Columns == nil {
			idx.Columns = []string{}
		}
		output.Indexes = append(output.Indexes, idx)
	}
	return rows.Err()
}

func fetchForeignKeys(ctx context.Context, tx pgx.Tx, oid uint32, schema string, output *DescribeTableOutput) error {
	rows, err := tx.Query(ctx, foreignKeysSQL, oid, schema)
	if err != nil {
		return fmt.Errorf("failed to fetch foreign keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fk ForeignKeyInfo
		if err := rows.Scan(&fk.Name, &fk.Columns, &fk.ReferencedTable, &fk.ReferencedColumns, &fk.OnUpdate, &fk.OnDelete); err != nil {
			return fmt.Errorf("failed to scan foreign key: %w", err)
		}
		output.ForeignKeys = append(output.ForeignKeys, fk)
	}
	return rows.Err()
}

// splitTableName accepts "table" or "<allowedSchema>.table" and returns the
// bare table name. Any other qualifier is rejected.
func splitTableName(allowedSchema, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("table name is empty")
	}
	prefix, rest, found := strings.Cut(name, ".")
	if !found {
		return name, nil
	}
	if !strings.EqualFold(prefix, allowedSchema) {
		return "", fmt.Errorf("schema '%s' is not allowed: only schema '%s' may be referenced", prefix, allowedSchema)
	}
	if rest == "" {
		return "", errors.New("table name is empty")
	}
	return rest, nil
}
