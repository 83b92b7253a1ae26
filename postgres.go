package dbmcp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/rickchristie/dbmcp/internal/executor"
)

// cursorName is safe to reuse: each statement runs in its own transaction.
const cursorName = "dbmcp_cursor"

// columnMetaSQL resolves type names and nullability for a statement's result
// fields in one round trip. Fields that do not map to a table column
// (expressions, literals) are reported nullable.
const columnMetaSQL = `
SELECT pg_catalog.format_type(f.typ, NULLIF(f.typmod, -1)) AS type,
       COALESCE(NOT a.attnotnull, true) AS nullable
FROM unnest($1::oid[], $2::int4[], $3::oid[], $4::int2[]) WITH ORDINALITY AS f(typ, typmod, rel, att, ord)
LEFT JOIN pg_catalog.pg_attribute a ON a.attrelid = f.rel AND a.attnum = f.att AND f.att > 0
ORDER BY f.ord;
`

// postgresBackend implements Backend on a pgx pool.
type postgresBackend struct {
	pool          *pgxpool.Pool
	allowedSchema string
	logger        zerolog.Logger
}

// newPostgresBackend configures and creates the pool. Panics on invalid pool
// durations, like the rest of config validation.
func newPostgresBackend(ctx context.Context, connString string, config Config, logger zerolog.Logger) (*postgresBackend, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = int32(config.Pool.MaxConns)
	poolConfig.MinConns = int32(config.Pool.MinConns)
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec

	if config.Pool.MaxConnLifetime != "" {
		poolConfig.MaxConnLifetime = mustParseDuration("pool.max_conn_lifetime", config.Pool.MaxConnLifetime)
	}
	if config.Pool.MaxConnIdleTime != "" {
		poolConfig.MaxConnIdleTime = mustParseDuration("pool.max_conn_idle_time", config.Pool.MaxConnIdleTime)
	}
	if config.Pool.HealthCheckPeriod != "" {
		poolConfig.HealthCheckPeriod = mustParseDuration("pool.health_check_period", config.Pool.HealthCheckPeriod)
	}

	// Every session is read-only regardless of what the policy engine admits.
	timezone := config.Timezone
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, "SET default_transaction_read_only = on"); err != nil {
			return fmt.Errorf("failed to SET default_transaction_read_only: %w", err)
		}
		if timezone != "" {
			escaped := strings.ReplaceAll(timezone, "'", "''")
			if _, err := conn.Exec(ctx, fmt.Sprintf("SET timezone = '%s'", escaped)); err != nil {
				return fmt.Errorf("failed to SET timezone: %w", err)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &postgresBackend{pool: pool, allowedSchema: config.Policy.AllowedSchema, logger: logger}, nil
}

func mustParseDuration(field, value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Sprintf("dbmcp: invalid %s %q: %v", field, value, err))
	}
	return d
}

func (b *postgresBackend) Close() {
	b.pool.Close()
}

// Query runs stmt inside a READ ONLY transaction through a server-side
// cursor, fetching at most MaxRows+1 rows. The returned Rows own the
// connection until closed.
func (b *postgresBackend) Query(ctx context.Context, stmt executor.Statement) (executor.Rows, error) {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	r := &postgresRows{conn: conn, tx: tx, ctx: ctx}

	// abort is used for every failure below; Close is idempotent.
	abort := func(err error) (executor.Rows, error) {
		r.Close()
		return nil, err
	}

	timeoutMs := stmt.Timeout.Milliseconds()
	if timeoutMs <= 0 {
		timeoutMs = 1
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeoutMs)); err != nil {
		return abort(fmt.Errorf("failed to set statement_timeout: %w", err))
	}
	if _, err := tx.Exec(ctx, "SET LOCAL search_path = "+quoteIdent(b.allowedSchema)); err != nil {
		return abort(fmt.Errorf("failed to set search_path: %w", err))
	}

	// The statement is embedded in DECLARE, so a trailing terminator must go.
	sql := strings.TrimRight(strings.TrimSpace(stmt.SQL), "; \t\r\n")

	desc, err := tx.Prepare(ctx, "", sql)
	if err != nil {
		return abort(err)
	}
	columns, err := describeFields(ctx, tx, desc.Fields)
	if err != nil {
		return abort(err)
	}
	r.columns = columns

	if _, err := tx.Exec(ctx, "DECLARE "+cursorName+" NO SCROLL CURSOR FOR "+sql); err != nil {
		return abort(err)
	}
	rows, err := tx.Query(ctx, fmt.Sprintf("FETCH FORWARD %d FROM %s", int64(stmt.MaxRows)+1, cursorName))
	if err != nil {
		return abort(err)
	}
	r.rows = rows
	return r, nil
}

func describeFields(ctx context.Context, tx pgx.Tx, fields []pgconn.FieldDescription) ([]executor.Column, error) {
	columns := make([]executor.Column, len(fields))
	if len(fields) == 0 {
		return columns, nil
	}

	typeOIDs := make([]uint32, len(fields))
	typeMods := make([]int32, len(fields))
	relOIDs := make([]uint32, len(fields))
	attNums := make([]int16, len(fields))
	for i, f := range fields {
		columns[i].Name = f.Name
		typeOIDs[i] = f.DataTypeOID
		typeMods[i] = f.TypeModifier
		relOIDs[i] = f.TableOID
		attNums[i] = int16(f.TableAttributeNumber)
	}

	rows, err := tx.Query(ctx, columnMetaSQL, typeOIDs, typeMods, relOIDs, attNums)
	if err != nil {
		return nil, fmt.Errorf("failed to describe result columns: %w", err)
	}
	defer rows.Close()

	i := 0
	for rows.Next() {
		if i >= len(columns) {
			break
		}
		if err := rows.Scan(&columns[i].Type, &columns[i].Nullable); err != nil {
			return nil, fmt.Errorf("failed to scan column metadata: %w", err)
		}
		i++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to describe result columns: %w", err)
	}
	return columns, nil
}

// postgresRows adapts pgx.Rows to executor.Rows and releases the transaction
// and connection on Close.
type postgresRows struct {
	conn    *pgxpool.Conn
	tx      pgx.Tx
	ctx     context.Context
	rows    pgx.Rows
	columns []executor.Column

	closeOnce sync.Once
}

func (r *postgresRows) Columns() []executor.Column { return r.columns }
func (r *postgresRows) Next() bool                 { return r.rows.Next() }
func (r *postgresRows) Values() ([]any, error)     { return r.rows.Values() }
func (r *postgresRows) Err() error                 { return r.rows.Err() }

func (r *postgresRows) Close() {
	r.closeOnce.Do(func() {
		if r.rows != nil {
			r.rows.Close()
		}
		// The statement context may already be cancelled by a timeout; rollback
		// must still reach the server.
		rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), 5*time.Second)
		defer cancel()
		_ = r.tx.Rollback(rollbackCtx)
		r.conn.Release()
	})
}

// Ping checks connectivity and reports the database name and server clock.
func (b *postgresBackend) Ping(ctx context.Context) (*PingOutput, error) {
	var dbName string
	var now time.Time
	if err := b.pool.QueryRow(ctx, "SELECT current_database(), now()").Scan(&dbName, &now); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return &PingOutput{OK: true, ServerTime: now.UTC().Format(time.RFC3339Nano), DB: dbName}, nil
}

// quoteIdent escapes a SQL identifier. Doubles embedded double-quotes and
// wraps in double-quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
