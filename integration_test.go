//go:build integration

package dbmcp_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rickchristie/govner/pgflock/client"

	"github.com/rickchristie/dbmcp"
	"github.com/rickchristie/dbmcp/internal/policy"
)

const (
	pgflockLockerPort = 9776
	pgflockPassword   = "pgflock"
)

// acquireTestDB leases a database from the local pgflock locker. Tests skip
// when no locker is running.
func acquireTestDB(t *testing.T) string {
	t.Helper()
	connStr, err := client.Lock(pgflockLockerPort, t.Name(), pgflockPassword)
	if err != nil {
		t.Skipf("pgflock locker not available: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Unlock(pgflockLockerPort, pgflockPassword, connStr)
	})
	return connStr
}

// setupSchema runs DDL/DML on a plain connection; the server itself is
// read-only.
func setupSchema(t *testing.T, connStr string, statements ...string) {
	t.Helper()
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect for setup: %v", err)
	}
	defer conn.Close(ctx)
	for _, sql := range statements {
		if _, err := conn.Exec(ctx, sql); err != nil {
			t.Fatalf("setup failed on %q: %v", sql, err)
		}
	}
}

func newIntegrationServer(t *testing.T, config dbmcp.Config, setup ...string) *dbmcp.Server {
	t.Helper()
	connStr := acquireTestDB(t)
	setupSchema(t, connStr, setup...)
	s, err := dbmcp.New(context.Background(), connStr, config, configTestLogger())
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

var dbaSchema = []string{
	"CREATE SCHEMA dba",
	"CREATE TABLE dba.dept (id serial PRIMARY KEY, name text NOT NULL UNIQUE)",
	`CREATE TABLE dba.emp (
		id serial PRIMARY KEY,
		name varchar(100) NOT NULL,
		phone text,
		dept_id integer REFERENCES dba.dept(id) ON DELETE CASCADE,
		hired_at timestamptz DEFAULT now()
	)`,
	"CREATE INDEX emp_dept_name_idx ON dba.emp (dept_id, name)",
	"CREATE VIEW dba.emp_view AS SELECT id, name FROM dba.emp",
	"CREATE TABLE public.secret (id int)",
	"INSERT INTO dba.dept (name) VALUES ('eng'), ('ops')",
	"INSERT INTO dba.emp (name, phone, dept_id) SELECT 'emp' || g, '555-' || lpad(g::text, 4, '0'), 1 + g % 2 FROM generate_series(1, 50) g",
}

func dbaConfig() dbmcp.Config {
	return dbmcp.Config{Policy: dbmcp.PolicyConfig{AllowedSchema: "dba", HardMaxRows: 20, HardTimeoutMs: 2000}}
}

func TestIntegration_QueryRewritesToAllowedSchema(t *testing.T) {
	t.Parallel()
	s := newIntegrationServer(t, dbaConfig(), dbaSchema...)

	out, err := s.Query(context.Background(), dbmcp.QueryInput{SQL: "SELECT id, name FROM emp ORDER BY id", MaxRows: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.RowCount != 5 || !out.Truncated {
		t.Fatalf("expected 5 truncated rows, got %d (truncated=%v)", out.RowCount, out.Truncated)
	}
	if out.Columns[0].Type != "integer" || out.Columns[0].Nullable {
		t.Fatalf("unexpected id column: %+v", out.Columns[0])
	}
	if out.Columns[1].Type != "character varying(100)" {
		t.Fatalf("unexpected name column: %+v", out.Columns[1])
	}
}

func TestIntegration_QueryHardRowCap(t *testing.T) {
	t.Parallel()
	s := newIntegrationServer(t, dbaConfig(), dbaSchema...)

	out, err := s.Query(context.Background(), dbmcp.QueryInput{SQL: "SELECT * FROM emp", MaxRows: 1000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.RowCount != 20 || !out.Truncated {
		t.Fatalf("expected hard cap of 20 rows, got %d (truncated=%v)", out.RowCount, out.Truncated)
	}
}

func TestIntegration_QueryExpressionColumnsNullable(t *testing.T) {
	t.Parallel()
	s := newIntegrationServer(t, dbaConfig(), dbaSchema...)

	out, err := s.Query(context.Background(), dbmcp.QueryInput{SQL: "SELECT 1 AS one, now() AS ts"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.RowCount != 1 || out.Truncated {
		t.Fatalf("expected 1 row, got %d", out.RowCount)
	}
	if !out.Columns[0].Nullable || out.Columns[1].Type != "timestamp with time zone" {
		t.Fatalf("unexpected columns: %+v", out.Columns)
	}
	if _, ok := out.Rows[0][1].(string); !ok {
		t.Fatalf("expected timestamp converted to string, got %T", out.Rows[0][1])
	}
}

func TestIntegration_QueryTimeout(t *testing.T) {
	t.Parallel()
	s := newIntegrationServer(t, dbaConfig(), dbaSchema...)

	_, err := s.Query(context.Background(), dbmcp.QueryInput{SQL: "SELECT pg_sleep(5)", TimeoutMs: 100})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "statement timeout") && !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestIntegration_QueryCannotReachOtherSchema(t *testing.T) {
	t.Parallel()
	s := newIntegrationServer(t, dbaConfig(), dbaSchema...)

	_, err := s.Query(context.Background(), dbmcp.QueryInput{SQL: "SELECT * FROM public.secret"})
	var v *policy.Violation
	if !errors.As(err, &v) || v.Stage != policy.StageSchema {
		t.Fatalf("expected schema violation, got %v", err)
	}
	// Unqualified names resolve only to the allowed schema.
	_, err = s.Query(context.Background(), dbmcp.QueryInput{SQL: "SELECT * FROM secret"})
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("expected relation error, got %v", err)
	}
}

func TestIntegration_ConnectionIsReadOnly(t *testing.T) {
	t.Parallel()
	s := newIntegrationServer(t, dbaConfig(), dbaSchema...)

	// nextval passes the text policy but writes a sequence.
	_, err := s.Query(context.Background(), dbmcp.QueryInput{SQL: "SELECT nextval('emp_id_seq')"})
	if err == nil || !strings.Contains(err.Error(), "read-only transaction") {
		t.Fatalf("expected read-only transaction error, got %v", err)
	}
}

func TestIntegration_ListTables(t *testing.T) {
	t.Parallel()
	s := newIntegrationServer(t, dbaConfig(), dbaSchema...)

	out, err := s.ListTables(context.Background(), dbmcp.ListTablesInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var names []string
	for _, tbl := range out.Tables {
		names = append(names, tbl.Name+":"+tbl.Type)
	}
	if got := strings.Join(names, ","); got != "dept:table,emp:table,emp_view:view" {
		t.Fatalf("unexpected tables: %s", got)
	}

	out, err = s.ListTables(context.Background(), dbmcp.ListTablesInput{Pattern: "emp%", Limit: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Tables) != 1 || out.Tables[0].Name != "emp" {
		t.Fatalf("unexpected filtered tables: %+v", out.Tables)
	}
}

func TestIntegration_DescribeTable(t *testing.T) {
	t.Parallel()
	s := newIntegrationServer(t, dbaConfig(), dbaSchema...)

	out, err := s.DescribeTable(context.Background(), "dba.emp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Schema != "dba" || out.Table != "emp" || out.Type != "table" {
		t.Fatalf("unexpected header: %+v", out)
	}
	if len(out.Columns) != 5 {
		t.Fatalf("expected 5 columns, got %d", len(out.Columns))
	}
	if out.Columns[1].Name != "name" || out.Columns[1].Nullable {
		t.Fatalf("unexpected name column: %+v", out.Columns[1])
	}
	if out.Columns[4].Default == "" {
		t.Fatal("expected hired_at to have a default")
	}
	if len(out.PrimaryKey) != 1 || out.PrimaryKey[0] != "id" {
		t.Fatalf("unexpected primary key: %v", out.PrimaryKey)
	}

	var found bool
	for _, idx := range out.Indexes {
		if idx.Name == "emp_dept_name_idx" {
			found = true
			if idx.Unique || strings.Join(idx.Columns, ",") != "dept_id,name" {
				t.Fatalf("unexpected index: %+v", idx)
			}
		}
	}
	if !found {
		t.Fatalf("expected emp_dept_name_idx in %+v", out.Indexes)
	}

	if len(out.ForeignKeys) != 1 {
		t.Fatalf("expected 1 foreign key, got %+v", out.ForeignKeys)
	}
	fk := out.ForeignKeys[0]
	if fk.ReferencedTable != "dept" || fk.Columns[0] != "dept_id" || fk.ReferencedColumns[0] != "id" || fk.OnDelete != "CASCADE" {
		t.Fatalf("unexpected foreign key: %+v", fk)
	}
}

func TestIntegration_DescribeView(t *testing.T) {
	t.Parallel()
	s := newIntegrationServer(t, dbaConfig(), dbaSchema...)

	out, err := s.DescribeTable(context.Background(), "emp_view")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Type != "view" || len(out.Columns) != 2 || len(out.Indexes) != 0 {
		t.Fatalf("unexpected view description: %+v", out)
	}
}

func TestIntegration_DescribeTableNotFound(t *testing.T) {
	t.Parallel()
	s := newIntegrationServer(t, dbaConfig(), dbaSchema...)

	_, err := s.DescribeTable(context.Background(), "secret")
	if !errors.Is(err, dbmcp.ErrTableNotFound) {
		t.Fatalf("expected ErrTableNotFound for a table outside the schema, got %v", err)
	}
}

func TestIntegration_Ping(t *testing.T) {
	t.Parallel()
	s := newIntegrationServer(t, dbaConfig(), dbaSchema...)

	out, err := s.Ping(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.OK || out.DB == "" {
		t.Fatalf("unexpected ping: %+v", out)
	}
	if _, err := time.Parse(time.RFC3339Nano, out.ServerTime); err != nil {
		t.Fatalf("serverTime is not ISO-8601: %q", out.ServerTime)
	}
}
