package dbmcp

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rickchristie/dbmcp/internal/errprompt"
	"github.com/rickchristie/dbmcp/internal/executor"
	"github.com/rickchristie/dbmcp/internal/policy"
	"github.com/rickchristie/dbmcp/internal/registry"
	"github.com/rickchristie/dbmcp/internal/sanitize"
	"github.com/rickchristie/dbmcp/internal/session"
	"github.com/rickchristie/dbmcp/internal/timeout"
)

// summaryTableLimit bounds the schema summary resource.
const summaryTableLimit = 100

// Server exposes one database schema to MCP clients. It is safe for
// concurrent use; each Serve call runs an independent session.
type Server struct {
	config     Config
	backend    Backend
	engine     *policy.Engine
	executor   *executor.Executor
	sanitizer  *sanitize.Sanitizer
	errPrompts *errprompt.Matcher
	timeouts   *timeout.Manager
	registry   *registry.Registry
	logger     zerolog.Logger
	opts       options

	// catalogTimeout bounds ping and catalog reads.
	catalogTimeout time.Duration
}

type options struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures optional Server behaviour.
type Option func(*options)

// WithTracerProvider sets the provider sessions create request spans from.
// The otel global is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMeterProvider sets the provider for request metrics. The otel global is
// used otherwise.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// New connects to PostgreSQL and returns a ready Server.
// Panics on invalid config (programmer error). Returns error on runtime failures.
func New(ctx context.Context, connString string, config Config, logger zerolog.Logger, opts ...Option) (*Server, error) {
	config.ApplyDefaults()
	validateConfig(config)
	s := newServer(config, logger, opts)

	backend, err := newPostgresBackend(ctx, connString, config, logger)
	if err != nil {
		return nil, err
	}
	s.attach(backend)
	return s, nil
}

// NewWithBackend builds a Server on top of an existing Backend. The Server
// takes ownership of backend and closes it in Close.
// Panics on invalid config.
func NewWithBackend(backend Backend, config Config, logger zerolog.Logger, opts ...Option) *Server {
	if backend == nil {
		panic("dbmcp: backend must be non-nil")
	}
	config.ApplyDefaults()
	validateConfig(config)
	s := newServer(config, logger, opts)
	s.attach(backend)
	return s
}

func validateConfig(config Config) {
	if config.Policy.HardMaxRows < 0 {
		panic("dbmcp: policy.hard_max_rows must be > 0")
	}
	if config.Policy.HardMaxRows > MaxHardMaxRows {
		panic(fmt.Sprintf("dbmcp: policy.hard_max_rows must be <= %d", MaxHardMaxRows))
	}
	if config.Policy.HardMaxBytes < 0 {
		panic("dbmcp: policy.hard_max_bytes must be > 0")
	}
	if config.Policy.HardTimeoutMs < 0 {
		panic("dbmcp: policy.hard_timeout_ms must be > 0")
	}
	if config.Policy.HardTimeoutMs > MaxHardTimeoutMs {
		panic(fmt.Sprintf("dbmcp: policy.hard_timeout_ms must be <= %d", MaxHardTimeoutMs))
	}
	if config.Policy.MaxSQLLength < 0 {
		panic("dbmcp: policy.max_sql_length must be >= 0")
	}
	if config.Pool.MaxConns < 0 {
		panic("dbmcp: pool.max_conns must be > 0")
	}
	if config.Pool.MinConns < 0 || config.Pool.MinConns > config.Pool.MaxConns {
		panic(fmt.Sprintf("dbmcp: pool.min_conns must be between 0 and max_conns (%d)", config.Pool.MaxConns))
	}
}

// newServer builds everything that does not need the database, so invalid
// config panics before a pool is created.
func newServer(config Config, logger zerolog.Logger, opts []Option) *Server {
	s := &Server{
		config:         config,
		logger:         logger,
		catalogTimeout: time.Duration(config.Policy.HardTimeoutMs) * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&s.opts)
	}

	s.engine = policy.New(policy.Config{
		AllowedSchema:     config.Policy.AllowedSchema,
		ForbiddenKeywords: config.Policy.ForbiddenKeywords,
		MaxSQLLength:      config.Policy.MaxSQLLength,
	})

	var err error
	s.sanitizer, err = sanitize.NewSanitizer(sanitizeRules(config.Sanitization))
	if err != nil {
		panic(fmt.Sprintf("dbmcp: invalid sanitization config: %v", err))
	}
	s.errPrompts, err = errprompt.NewMatcher(errPromptRules(config.ErrorPrompts))
	if err != nil {
		panic(fmt.Sprintf("dbmcp: invalid error_prompts config: %v", err))
	}
	s.timeouts, err = timeout.NewManager(timeoutRules(config.Policy.TimeoutRules))
	if err != nil {
		panic(fmt.Sprintf("dbmcp: invalid policy.timeout_rules config: %v", err))
	}
	return s
}

// attach wires the executor and the capability registry to backend.
func (s *Server) attach(backend Backend) {
	s.backend = backend
	s.executor = executor.New(s.engine, backend, executor.Config{
		HardMaxRows:  s.config.Policy.HardMaxRows,
		HardMaxBytes: s.config.Policy.HardMaxBytes,
		HardTimeout:  time.Duration(s.config.Policy.HardTimeoutMs) * time.Millisecond,
		Timeouts:     s.timeouts,
		Convert:      convertValue,
	}, s.sanitizer, s.logger)

	var err error
	s.registry, err = registry.New(registry.Capabilities{
		Tools:     s.tools(),
		Resources: s.resources(),
		Prompts:   s.prompts(),
	})
	if err != nil {
		// Built-in capabilities are fixed; a clash here is a bug.
		panic(fmt.Sprintf("dbmcp: %v", err))
	}
}

func sanitizeRules(rules []SanitizationRule) []sanitize.Rule {
	out := make([]sanitize.Rule, len(rules))
	for i, r := range rules {
		out[i] = sanitize.Rule{Pattern: r.Pattern, Replacement: r.Replacement, Columns: r.Columns}
	}
	return out
}

func timeoutRules(rules []TimeoutRule) []timeout.Rule {
	out := make([]timeout.Rule, len(rules))
	for i, r := range rules {
		out[i] = timeout.Rule{Pattern: r.Pattern, Timeout: time.Duration(r.TimeoutMs) * time.Millisecond}
	}
	return out
}

// errPromptRules converts configured rules, falling back to the built-in
// guidance when none are configured.
func errPromptRules(rules []ErrorPromptRule) []errprompt.Rule {
	if len(rules) == 0 {
		return errprompt.DefaultRules
	}
	out := make([]errprompt.Rule, len(rules))
	for i, r := range rules {
		out[i] = errprompt.Rule{Pattern: r.Pattern, Message: r.Message}
	}
	return out
}

// Serve runs one MCP session reading frames from in and writing responses to
// out until in reaches EOF or ctx is cancelled. Logs never go to out.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	sess := session.New(session.Config{
		Registry:       s.registry,
		Instructions:   s.Instructions(),
		ErrPrompts:     s.errPrompts,
		Logger:         s.logger,
		TracerProvider: s.opts.tracerProvider,
		MeterProvider:  s.opts.meterProvider,
	})
	s.logger.Debug().Str("session_id", sess.ID()).Str("allowed_schema", s.engine.AllowedSchema()).Msg("serving MCP session")
	return sess.Serve(ctx, in, out)
}

// Close releases the backend.
func (s *Server) Close() {
	s.backend.Close()
}

// AllowedSchema returns the only schema the server exposes.
func (s *Server) AllowedSchema() string {
	return s.engine.AllowedSchema()
}

// Query validates, rewrites, and runs one SELECT under the configured caps.
// Policy rejections are returned as *policy.Violation.
func (s *Server) Query(ctx context.Context, input QueryInput) (*QueryOutput, error) {
	return s.executor.Execute(ctx, input.SQL, executor.Limits{
		MaxRows:   input.MaxRows,
		MaxBytes:  input.MaxBytes,
		TimeoutMs: input.TimeoutMs,
	})
}

// Ping checks database connectivity.
func (s *Server) Ping(ctx context.Context) (*PingOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, s.catalogTimeout)
	defer cancel()
	return s.backend.Ping(ctx)
}

// ListTables lists tables and views of the allowed schema. Does NOT go through
// the policy engine; the catalog query is fixed and schema-bound.
func (s *Server) ListTables(ctx context.Context, input ListTablesInput) (*ListTablesOutput, error) {
	startTime := time.Now()
	input = normalizeListTables(input)
	schema := s.engine.AllowedSchema()

	ctx, cancel := context.WithTimeout(ctx, s.catalogTimeout)
	defer cancel()

	tables, err := s.backend.ListTables(ctx, schema, input.Pattern, input.Limit)
	if err != nil {
		return nil, err
	}
	if tables == nil {
		tables = []TableEntry{}
	}

	s.logger.Info().
		Str("pattern", input.Pattern).
		Dur("duration", time.Since(startTime)).
		Int("table_count", len(tables)).
		Msg("ListTables executed")

	return &ListTablesOutput{Schema: schema, Tables: tables}, nil
}

// DescribeTable describes one table of the allowed schema. name may carry the
// allowed schema as prefix; any other prefix is rejected.
func (s *Server) DescribeTable(ctx context.Context, name string) (*DescribeTableOutput, error) {
	table, err := splitTableName(s.engine.AllowedSchema(), name)
	if err != nil {
		return nil, err
	}
	return s.describeTable(ctx, table)
}

func (s *Server) describeTable(ctx context.Context, table string) (*DescribeTableOutput, error) {
	startTime := time.Now()
	schema := s.engine.AllowedSchema()

	ctx, cancel := context.WithTimeout(ctx, s.catalogTimeout)
	defer cancel()

	output, err := s.backend.DescribeTable(ctx, schema, table)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("table", table).
		Dur("duration", time.Since(startTime)).
		Str("type", output.Type).
		Int("column_count", len(output.Columns)).
		Msg("DescribeTable executed")

	return output, nil
}

// SchemaSummary lists up to 100 tables of the allowed schema.
func (s *Server) SchemaSummary(ctx context.Context) (*SchemaSummary, error) {
	out, err := s.ListTables(ctx, ListTablesInput{Limit: summaryTableLimit})
	if err != nil {
		return nil, err
	}
	return &SchemaSummary{Schema: out.Schema, TableCount: len(out.Tables), Tables: out.Tables}, nil
}
