// Package executor runs one validated statement against a Source and
// materialises a result bounded by row, byte and time caps.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/rickchristie/dbmcp/internal/policy"
	"github.com/rickchristie/dbmcp/internal/sanitize"
	"github.com/rickchristie/dbmcp/internal/timeout"
)

// Column describes one result column.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Result is the materialised output of one statement. RowCount always equals
// len(Rows).
type Result struct {
	Columns   []Column `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"rowCount"`
	Truncated bool     `json:"truncated"`
}

// Limits are caller-requested caps. Zero or negative fields fall back to the
// hard cap.
type Limits struct {
	MaxRows   int
	MaxBytes  int64
	TimeoutMs int64
}

// Caps are the limits actually applied to a statement.
type Caps struct {
	MaxRows  int
	MaxBytes int64
	Timeout  time.Duration
}

// Statement is handed to a Source. A Source should stop producing rows after
// MaxRows+1 so the executor can observe truncation, and should abort the
// statement server-side after Timeout.
type Statement struct {
	SQL     string
	MaxRows int
	Timeout time.Duration
}

// Source runs a statement and streams its rows.
type Source interface {
	Query(ctx context.Context, stmt Statement) (Rows, error)
}

// Rows is a forward-only cursor. Values returns driver values for the current
// row; Close must be safe to call more than once.
type Rows interface {
	Columns() []Column
	Next() bool
	Values() ([]any, error)
	Err() error
	Close()
}

// Config is the executor's own config type.
type Config struct {
	HardMaxRows  int
	HardMaxBytes int64
	HardTimeout  time.Duration
	// Timeouts supplies a per-statement default when the caller asks for no
	// timeout. Nil uses HardTimeout.
	Timeouts *timeout.Manager
	// Convert maps a driver value to a JSON-friendly one after it has been
	// counted against the byte cap. Nil keeps values as returned.
	Convert func(any) any
}

// Executor is safe for concurrent use when its Source is.
type Executor struct {
	policy    *policy.Engine
	source    Source
	config    Config
	sanitizer *sanitize.Sanitizer
	logger    zerolog.Logger
}

// New creates an Executor. Panics on non-positive hard caps.
func New(engine *policy.Engine, source Source, config Config, sanitizer *sanitize.Sanitizer, logger zerolog.Logger) *Executor {
	if engine == nil {
		panic("executor: policy engine must be non-nil")
	}
	if source == nil {
		panic("executor: source must be non-nil")
	}
	if config.HardMaxRows <= 0 {
		panic("executor: hard max rows must be > 0")
	}
	if config.HardMaxBytes <= 0 {
		panic("executor: hard max bytes must be > 0")
	}
	if config.HardTimeout <= 0 {
		panic("executor: hard timeout must be > 0")
	}
	if config.Convert == nil {
		config.Convert = func(v any) any { return v }
	}
	return &Executor{
		policy:    engine,
		source:    source,
		config:    config,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// EffectiveCaps clamps requested limits to the hard caps.
func (e *Executor) EffectiveCaps(req Limits) Caps {
	caps := Caps{
		MaxRows:  e.config.HardMaxRows,
		MaxBytes: e.config.HardMaxBytes,
		Timeout:  e.config.HardTimeout,
	}
	if req.MaxRows > 0 && req.MaxRows < caps.MaxRows {
		caps.MaxRows = req.MaxRows
	}
	if req.MaxBytes > 0 && req.MaxBytes < caps.MaxBytes {
		caps.MaxBytes = req.MaxBytes
	}
	// Compare in milliseconds; converting first overflows for huge requests.
	if req.TimeoutMs > 0 && req.TimeoutMs < caps.Timeout.Milliseconds() {
		caps.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	return caps
}

// capsFor applies a matching timeout rule when the caller requested no
// timeout. The rule can only lower the hard cap.
func (e *Executor) capsFor(sql string, req Limits) Caps {
	caps := e.EffectiveCaps(req)
	if req.TimeoutMs > 0 {
		return caps
	}
	if d, ok := e.config.Timeouts.Match(sql); ok && d < caps.Timeout {
		caps.Timeout = d
	}
	return caps
}

// Execute validates, rewrites and runs sql. Policy violations are returned
// unchanged as *policy.Violation; nothing reaches the Source in that case.
func (e *Executor) Execute(ctx context.Context, sql string, req Limits) (*Result, error) {
	startTime := time.Now()

	if err := e.policy.Validate(sql); err != nil {
		e.logger.Warn().
			Err(err).
			Str("sql", truncateForLog(sql, 200)).
			Msg("query rejected by policy")
		return nil, err
	}
	rewritten := e.policy.RewriteWithSchemaPrefix(sql)
	caps := e.capsFor(sql, req)

	queryCtx, cancel := context.WithTimeout(ctx, caps.Timeout)
	defer cancel()

	rows, err := e.source.Query(queryCtx, Statement{SQL: rewritten, MaxRows: caps.MaxRows, Timeout: caps.Timeout})
	if err != nil {
		return nil, e.executionError(queryCtx, caps, err)
	}
	defer rows.Close()

	result, byteCount, err := collect(rows, caps, e.config.Convert)
	if err != nil {
		return nil, e.executionError(queryCtx, caps, err)
	}

	sanitized := false
	if e.sanitizer.HasRules() {
		names := make([]string, len(result.Columns))
		for i, c := range result.Columns {
			names[i] = c.Name
		}
		result.Rows = e.sanitizer.SanitizeRows(names, result.Rows)
		sanitized = true
	}

	logEvent := e.logger.Info().
		Str("sql", truncateForLog(rewritten, 200)).
		Dur("duration", time.Since(startTime)).
		Int("row_count", result.RowCount).
		Int64("estimated_bytes", byteCount).
		Bool("truncated", result.Truncated).
		Int("max_rows", caps.MaxRows).
		Int64("max_bytes", caps.MaxBytes).
		Dur("timeout", caps.Timeout)
	if sanitized {
		logEvent = logEvent.Bool("sanitized", true)
	}
	logEvent.Msg("query executed")

	return result, nil
}

// collect reads rows until the cursor ends or a cap is hit. The row cap is
// checked before a row is consumed; the byte cap after, so the row that
// crosses it is kept.
func collect(rows Rows, caps Caps, convert func(any) any) (*Result, int64, error) {
	result := &Result{Columns: rows.Columns(), Rows: [][]any{}}
	if result.Columns == nil {
		result.Columns = []Column{}
	}

	var total int64
	for rows.Next() {
		if len(result.Rows) >= caps.MaxRows {
			result.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, 0, err
		}
		row := make([]any, len(values))
		for i, v := range values {
			total += EstimateBytes(v)
			row[i] = convert(v)
		}
		result.Rows = append(result.Rows, row)
		if total > caps.MaxBytes {
			result.Truncated = true
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	result.RowCount = len(result.Rows)
	return result, total, nil
}

func (e *Executor) executionError(ctx context.Context, caps Caps, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("query timed out after %s: %w", caps.Timeout, err)
	}
	e.logger.Error().Err(err).Msg("query failed")
	return err
}

// truncateForLog truncates a string for log output to avoid oversized log entries.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	truncateAt := maxLen
	for truncateAt > 0 && !utf8.RuneStart(s[truncateAt]) {
		truncateAt--
	}
	return s[:truncateAt] + "...[truncated]"
}
