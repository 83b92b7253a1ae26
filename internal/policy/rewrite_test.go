package policy

import "testing"

func TestRewriteWithSchemaPrefix(t *testing.T) {
	t.Parallel()
	e := newTestEngine()
	tests := []struct {
		name string
		sql  string
		want string
	}{
		{"from", "SELECT * FROM emp", "SELECT * FROM dba.emp"},
		{"lower case keyword kept", "select * from emp", "select * from dba.emp"},
		{"join", "SELECT * FROM emp JOIN dept ON dept_id = id", "SELECT * FROM dba.emp JOIN dba.dept ON dept_id = id"},
		{"whitespace kept", "SELECT *\nFROM\temp", "SELECT *\nFROM\tdba.emp"},
		{"already qualified", "SELECT * FROM dba.emp", "SELECT * FROM dba.emp"},
		{"qualified upper case", "SELECT * FROM DBA.emp", "SELECT * FROM DBA.emp"},
		{"subquery", "SELECT * FROM (SELECT id FROM emp) s", "SELECT * FROM (SELECT id FROM dba.emp) s"},
		{"cte name untouched", "WITH t AS (SELECT * FROM emp) SELECT * FROM t", "WITH t AS (SELECT * FROM dba.emp) SELECT * FROM t"},
		{"cte name case folded", "WITH recent AS (SELECT 1) SELECT * FROM Recent", "WITH recent AS (SELECT 1) SELECT * FROM Recent"},
		{"extract keyword", "SELECT EXTRACT(YEAR FROM hired) FROM emp", "SELECT EXTRACT(YEAR FROM hired) FROM dba.emp"},
		{"function in from", "SELECT * FROM generate_series(1, 3)", "SELECT * FROM generate_series(1, 3)"},
		{"no from", "SELECT 1", "SELECT 1"},
	}
	for _, tt := range tests {
		got := e.RewriteWithSchemaPrefix(tt.sql)
		if got != tt.want {
			t.Fatalf("%s: RewriteWithSchemaPrefix(%q) = %q, want %q", tt.name, tt.sql, got, tt.want)
		}
	}
}

func TestRewriteWithSchemaPrefix_Idempotent(t *testing.T) {
	t.Parallel()
	e := newTestEngine()
	for _, sql := range []string{
		"SELECT * FROM emp",
		"SELECT * FROM emp JOIN dept ON dept_id = id LEFT JOIN loc ON loc_id = lid",
		"WITH t AS (SELECT * FROM emp) SELECT * FROM t",
	} {
		once := e.RewriteWithSchemaPrefix(sql)
		twice := e.RewriteWithSchemaPrefix(once)
		if once != twice {
			t.Fatalf("rewrite not idempotent for %q: %q then %q", sql, once, twice)
		}
	}
}

func TestRewriteWithSchemaPrefix_NeverIntroducesOtherSchema(t *testing.T) {
	t.Parallel()
	e := New(Config{AllowedSchema: "public"})
	got := e.RewriteWithSchemaPrefix("SELECT * FROM orders JOIN customers ON customer_id = id")
	want := "SELECT * FROM public.orders JOIN public.customers ON customer_id = id"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if err := e.Validate(got); err != nil {
		t.Fatalf("rewritten SQL should still validate: %v", err)
	}
}

func TestRewriteWithSchemaPrefix_FallbackWhenUnparseable(t *testing.T) {
	t.Parallel()
	e := newTestEngine()
	tests := []struct {
		sql  string
		want string
	}{
		{"SELECT * FROM emp WHERE", "SELECT * FROM dba.emp WHERE"},
		{"SELECT * FROM f( WHERE", "SELECT * FROM f( WHERE"},
		{"SELECT * FROM LATERAL (", "SELECT * FROM LATERAL ("},
	}
	for _, tt := range tests {
		if got := e.RewriteWithSchemaPrefix(tt.sql); got != tt.want {
			t.Fatalf("RewriteWithSchemaPrefix(%q) = %q, want %q", tt.sql, got, tt.want)
		}
	}
}

func TestCollectRelations(t *testing.T) {
	t.Parallel()
	sql := "WITH t AS (SELECT * FROM emp) SELECT * FROM t JOIN dba.dept ON true"
	refs, err := collectRelations(sql)
	if err != nil {
		t.Fatalf("collectRelations: %v", err)
	}
	if !refs.cteNames["t"] {
		t.Fatalf("expected cte t to be collected, got %v", refs.cteNames)
	}
	empAt := len("WITH t AS (SELECT * FROM ")
	if !refs.offsets[empAt] {
		t.Fatalf("expected unqualified relation at offset %d, got %v", empAt, refs.offsets)
	}
	deptAt := len("WITH t AS (SELECT * FROM emp) SELECT * FROM t JOIN ")
	if refs.offsets[deptAt] {
		t.Fatalf("qualified relation must not be recorded at offset %d", deptAt)
	}
}
