package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/rickchristie/dbmcp/internal/policy"
	"github.com/rickchristie/dbmcp/internal/sanitize"
	"github.com/rickchristie/dbmcp/internal/timeout"
)

// fakeSource serves a fixed result set and records what it was asked to run.
type fakeSource struct {
	columns []Column
	rows    [][]any
	err     error
	rowErr  error
	// block makes Query wait for ctx to finish and return its error.
	block bool

	calls       int
	lastStmt    Statement
	lastRows    *fakeRows
	hadDeadline bool
}

func (s *fakeSource) Query(ctx context.Context, stmt Statement) (Rows, error) {
	s.calls++
	s.lastStmt = stmt
	_, s.hadDeadline = ctx.Deadline()
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	// Mimic the statement-level cap: emit at most MaxRows+1 rows.
	rows := s.rows
	if len(rows) > stmt.MaxRows+1 {
		rows = rows[:stmt.MaxRows+1]
	}
	s.lastRows = &fakeRows{columns: s.columns, rows: rows, pos: -1, err: s.rowErr}
	return s.lastRows, nil
}

type fakeRows struct {
	columns []Column
	rows    [][]any
	pos     int
	err     error
	closed  int
}

func (r *fakeRows) Columns() []Column { return r.columns }

func (r *fakeRows) Next() bool {
	if r.pos+1 >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) { return r.rows[r.pos], nil }
func (r *fakeRows) Err() error             { return r.err }
func (r *fakeRows) Close()                 { r.closed++ }

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func newTestExecutor(t *testing.T, source Source, config Config, sanitizer *sanitize.Sanitizer) *Executor {
	t.Helper()
	if config.HardMaxRows == 0 {
		config.HardMaxRows = 100
	}
	if config.HardMaxBytes == 0 {
		config.HardMaxBytes = 1 << 20
	}
	if config.HardTimeout == 0 {
		config.HardTimeout = 5 * time.Second
	}
	engine := policy.New(policy.Config{AllowedSchema: "dba"})
	return New(engine, source, config, sanitizer, testLogger())
}

func intRows(n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{int64(i)}
	}
	return rows
}

func TestEffectiveCaps_NeverExceedHardCaps(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, &fakeSource{}, Config{HardMaxRows: 100, HardMaxBytes: 1000, HardTimeout: 2 * time.Second}, nil)

	tests := []struct {
		name string
		req  Limits
		want Caps
	}{
		{"zero falls back", Limits{}, Caps{100, 1000, 2 * time.Second}},
		{"negative falls back", Limits{MaxRows: -5, MaxBytes: -1, TimeoutMs: -100}, Caps{100, 1000, 2 * time.Second}},
		{"oversized is clamped", Limits{MaxRows: 1 << 30, MaxBytes: 1 << 40, TimeoutMs: 1 << 40}, Caps{100, 1000, 2 * time.Second}},
		{"max int64 timeout is clamped", Limits{TimeoutMs: math.MaxInt64}, Caps{100, 1000, 2 * time.Second}},
		{"timeout past duration range is clamped", Limits{TimeoutMs: 10_000_000_000_000}, Caps{100, 1000, 2 * time.Second}},
		{"smaller is honoured", Limits{MaxRows: 7, MaxBytes: 50, TimeoutMs: 250}, Caps{7, 50, 250 * time.Millisecond}},
		{"equal is honoured", Limits{MaxRows: 100, MaxBytes: 1000, TimeoutMs: 2000}, Caps{100, 1000, 2 * time.Second}},
	}
	for _, tt := range tests {
		got := e.EffectiveCaps(tt.req)
		if got != tt.want {
			t.Fatalf("%s: EffectiveCaps(%+v) = %+v, want %+v", tt.name, tt.req, got, tt.want)
		}
	}
}

func TestExecute_PassesRewrittenSQLAndCaps(t *testing.T) {
	t.Parallel()
	src := &fakeSource{columns: []Column{{Name: "id", Type: "bigint"}}, rows: intRows(1)}
	e := newTestExecutor(t, src, Config{}, nil)

	result, err := e.Execute(context.Background(), "SELECT id FROM emp", Limits{MaxRows: 10, TimeoutMs: 1500})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.lastStmt.SQL != "SELECT id FROM dba.emp" {
		t.Fatalf("expected rewritten SQL, got %q", src.lastStmt.SQL)
	}
	if src.lastStmt.MaxRows != 10 || src.lastStmt.Timeout != 1500*time.Millisecond {
		t.Fatalf("unexpected statement caps: %+v", src.lastStmt)
	}
	if !src.hadDeadline {
		t.Fatal("expected query context to carry a deadline")
	}
	if result.RowCount != 1 || result.Truncated {
		t.Fatalf("unexpected result: %+v", result)
	}
	if src.lastRows.closed == 0 {
		t.Fatal("expected rows to be closed")
	}
}

func TestExecute_PolicyViolationNeverReachesSource(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	e := newTestExecutor(t, src, Config{}, nil)

	_, err := e.Execute(context.Background(), "SELECT * FROM hr.emp", Limits{})
	var v *policy.Violation
	if !errors.As(err, &v) {
		t.Fatalf("expected *policy.Violation, got %T: %v", err, err)
	}
	if v.Stage != policy.StageSchema {
		t.Fatalf("expected schema stage, got %s", v.Stage)
	}
	if src.calls != 0 {
		t.Fatalf("source must not be called, got %d calls", src.calls)
	}
}

func TestExecute_RowCapTruncates(t *testing.T) {
	t.Parallel()
	src := &fakeSource{columns: []Column{{Name: "n", Type: "bigint"}}, rows: intRows(50)}
	e := newTestExecutor(t, src, Config{HardMaxRows: 20}, nil)

	result, err := e.Execute(context.Background(), "SELECT n FROM t", Limits{MaxRows: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Truncated || result.RowCount != 5 || len(result.Rows) != 5 {
		t.Fatalf("expected 5 truncated rows, got rowCount=%d len=%d truncated=%v", result.RowCount, len(result.Rows), result.Truncated)
	}
}

func TestExecute_ExactlyAtRowCapIsNotTruncated(t *testing.T) {
	t.Parallel()
	src := &fakeSource{rows: intRows(5)}
	e := newTestExecutor(t, src, Config{}, nil)

	result, err := e.Execute(context.Background(), "SELECT n FROM t", Limits{MaxRows: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Truncated || result.RowCount != 5 {
		t.Fatalf("expected 5 untruncated rows, got %+v", result)
	}
}

func TestExecute_ByteCapKeepsCrossingRow(t *testing.T) {
	t.Parallel()
	rows := [][]any{
		{strings.Repeat("a", 40)},
		{strings.Repeat("b", 40)},
		{strings.Repeat("c", 40)},
		{strings.Repeat("d", 40)},
	}
	src := &fakeSource{columns: []Column{{Name: "s", Type: "text"}}, rows: rows}
	e := newTestExecutor(t, src, Config{}, nil)

	// 40 + 40 + 40 = 120 crosses 100 on the third row.
	result, err := e.Execute(context.Background(), "SELECT s FROM t", Limits{MaxBytes: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Truncated || result.RowCount != 3 {
		t.Fatalf("expected 3 rows truncated by bytes, got rowCount=%d truncated=%v", result.RowCount, result.Truncated)
	}
}

func TestExecute_ConvertRunsAfterEstimate(t *testing.T) {
	t.Parallel()
	src := &fakeSource{rows: [][]any{{[]byte("abcd")}}}
	convert := func(v any) any {
		if b, ok := v.([]byte); ok {
			return strings.Repeat("x", 1000) + string(b)
		}
		return v
	}
	e := newTestExecutor(t, src, Config{Convert: convert}, nil)

	// Raw value is 4 bytes; the converted one would blow the cap.
	result, err := e.Execute(context.Background(), "SELECT b FROM t", Limits{MaxBytes: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Truncated {
		t.Fatal("estimate must be taken on the raw value")
	}
	if s, _ := result.Rows[0][0].(string); !strings.HasSuffix(s, "abcd") {
		t.Fatalf("expected converted value, got %v", result.Rows[0][0])
	}
}

func TestExecute_SanitizesByColumn(t *testing.T) {
	t.Parallel()
	sanitizer, err := sanitize.NewSanitizer([]sanitize.Rule{
		{Pattern: `\d`, Replacement: "#", Columns: []string{"phone"}},
	})
	if err != nil {
		t.Fatalf("NewSanitizer: %v", err)
	}
	src := &fakeSource{
		columns: []Column{{Name: "code", Type: "text"}, {Name: "phone", Type: "text"}},
		rows:    [][]any{{"A1", "0812"}},
	}
	e := newTestExecutor(t, src, Config{}, sanitizer)

	result, err := e.Execute(context.Background(), "SELECT code, phone FROM t", Limits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Rows[0][0] != "A1" || result.Rows[0][1] != "####" {
		t.Fatalf("unexpected sanitized row: %v", result.Rows[0])
	}
}

func TestExecute_EmptyResultHasNonNilSlices(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, &fakeSource{}, Config{}, nil)
	result, err := e.Execute(context.Background(), "SELECT 1 WHERE false", Limits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Rows == nil || result.Columns == nil {
		t.Fatalf("expected empty, non-nil slices, got %+v", result)
	}
	if result.RowCount != 0 || result.Truncated {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExecute_SourceErrorPropagates(t *testing.T) {
	t.Parallel()
	boom := errors.New(`relation "dba.nope" does not exist`)
	e := newTestExecutor(t, &fakeSource{err: boom}, Config{}, nil)

	_, err := e.Execute(context.Background(), "SELECT * FROM nope", Limits{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
	if strings.Contains(err.Error(), "timed out") {
		t.Fatalf("plain errors must not be reported as timeouts: %v", err)
	}
}

func TestExecute_RowsErrPropagates(t *testing.T) {
	t.Parallel()
	boom := fmt.Errorf("division by zero")
	e := newTestExecutor(t, &fakeSource{rows: intRows(2), rowErr: boom}, Config{}, nil)

	if _, err := e.Execute(context.Background(), "SELECT 1/0", Limits{}); !errors.Is(err, boom) {
		t.Fatalf("expected rows error, got %v", err)
	}
}

func TestExecute_TimeoutIsWrapped(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, &fakeSource{block: true}, Config{}, nil)

	_, err := e.Execute(context.Background(), "SELECT pg_sleep(10)", Limits{TimeoutMs: 20})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded in chain, got %v", err)
	}
	if !strings.Contains(err.Error(), "query timed out after 20ms") {
		t.Fatalf("unexpected timeout message: %v", err)
	}
}

func TestNew_PanicsOnInvalidConfig(t *testing.T) {
	t.Parallel()
	engine := policy.New(policy.Config{AllowedSchema: "dba"})
	tests := []struct {
		name   string
		source Source
		config Config
	}{
		{"nil source", nil, Config{HardMaxRows: 1, HardMaxBytes: 1, HardTimeout: time.Second}},
		{"zero rows", &fakeSource{}, Config{HardMaxBytes: 1, HardTimeout: time.Second}},
		{"zero bytes", &fakeSource{}, Config{HardMaxRows: 1, HardTimeout: time.Second}},
		{"zero timeout", &fakeSource{}, Config{HardMaxRows: 1, HardMaxBytes: 1}},
	}
	for _, tt := range tests {
		func() {
			defer func() {
				if recover() == nil {
					t.Fatalf("%s: expected panic", tt.name)
				}
			}()
			New(engine, tt.source, tt.config, nil, testLogger())
		}()
	}
}

func TestEstimateBytes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		v    any
		want int64
	}{
		{nil, 0},
		{"héllo", 6},
		{[]byte{1, 2, 3}, 3},
		{true, 1},
		{int32(7), 8},
		{3.14, 8},
		{time.Now(), 8},
		{pgtype.Numeric{Int: big.NewInt(123456789), Exp: -2, Valid: true}, 8},
		{pgtype.Time{Microseconds: 3600000000, Valid: true}, 8},
		{pgtype.Interval{Days: 3, Microseconds: 5, Valid: true}, 8},
		{[16]byte{1, 2, 3}, 16},
		{[]string{"ab", "c"}, int64(len("[ab c]"))},
	}
	for _, tt := range tests {
		if got := EstimateBytes(tt.v); got != tt.want {
			t.Fatalf("EstimateBytes(%#v) = %d, want %d", tt.v, got, tt.want)
		}
	}
}

func TestTruncateForLog(t *testing.T) {
	t.Parallel()
	if got := truncateForLog("short", 10); got != "short" {
		t.Fatalf("unexpected: %q", got)
	}
	got := truncateForLog("ééééé", 3)
	if got != "é...[truncated]" {
		t.Fatalf("expected rune-safe cut, got %q", got)
	}
}

func TestExecute_TimeoutRuleLowersDefault(t *testing.T) {
	t.Parallel()
	rules, err := timeout.NewManager([]timeout.Rule{
		{Pattern: `(?i)pg_sleep`, Timeout: 50 * time.Millisecond},
		{Pattern: `(?i)huge`, Timeout: time.Hour},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	src := &fakeSource{columns: []Column{{Name: "n"}}, rows: intRows(1)}
	e := newTestExecutor(t, src, Config{HardTimeout: time.Second, Timeouts: rules}, nil)

	tests := []struct {
		sql  string
		req  Limits
		want time.Duration
	}{
		{"SELECT pg_sleep(1)", Limits{}, 50 * time.Millisecond},
		{"SELECT * FROM huge", Limits{}, time.Second},
		{"SELECT 1", Limits{}, time.Second},
		{"SELECT pg_sleep(1)", Limits{TimeoutMs: 200}, 200 * time.Millisecond},
	}
	for _, tt := range tests {
		if _, err := e.Execute(context.Background(), tt.sql, tt.req); err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.sql, err)
		}
		if src.lastStmt.Timeout != tt.want {
			t.Fatalf("%s with %+v: timeout %v, want %v", tt.sql, tt.req, src.lastStmt.Timeout, tt.want)
		}
	}
}
