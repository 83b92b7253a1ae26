package dbmcp

import (
	"math"
	"time"
)

// Config is the base configuration used by library mode via New().
type Config struct {
	Policy       PolicyConfig       `json:"policy" yaml:"policy"`
	Pool         PoolConfig         `json:"pool" yaml:"pool"`
	ErrorPrompts []ErrorPromptRule  `json:"error_prompts" yaml:"error_prompts"`
	Sanitization []SanitizationRule `json:"sanitization" yaml:"sanitization"`
	Timezone     string             `json:"timezone" yaml:"timezone"`
	// Instructions overrides the usage text returned from initialize and
	// mcp/getInstructions. Empty uses the built-in text.
	Instructions string `json:"instructions" yaml:"instructions"`
}

// ServerConfig embeds Config and adds server-only fields for CLI mode.
type ServerConfig struct {
	Config     `yaml:",inline"`
	Connection ConnectionConfig `json:"connection" yaml:"connection"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
}

// ConnectionConfig holds database connection parameters used by CLI mode.
type ConnectionConfig struct {
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
	DBName  string `json:"dbname" yaml:"dbname"`
	SSLMode string `json:"sslmode" yaml:"sslmode"`
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MaxConns          int    `json:"max_conns" yaml:"max_conns"`
	MinConns          int    `json:"min_conns" yaml:"min_conns"`
	MaxConnLifetime   string `json:"max_conn_lifetime" yaml:"max_conn_lifetime"`
	MaxConnIdleTime   string `json:"max_conn_idle_time" yaml:"max_conn_idle_time"`
	HealthCheckPeriod string `json:"health_check_period" yaml:"health_check_period"`
}

// LoggingConfig holds logging settings for CLI mode.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stderr, or file path
}

// PolicyConfig bounds what db.query may run. Hard caps are upper limits a
// caller's maxRows/maxBytes/timeoutMs can never exceed.
type PolicyConfig struct {
	AllowedSchema string `json:"allowed_schema" yaml:"allowed_schema"`
	// ForbiddenKeywords are added to the built-in set; they cannot remove from it.
	ForbiddenKeywords []string `json:"forbidden_keywords" yaml:"forbidden_keywords"`
	HardMaxRows       int      `json:"hard_max_rows" yaml:"hard_max_rows"`
	HardMaxBytes      int64    `json:"hard_max_bytes" yaml:"hard_max_bytes"`
	HardTimeoutMs     int64    `json:"hard_timeout_ms" yaml:"hard_timeout_ms"`
	MaxSQLLength      int      `json:"max_sql_length" yaml:"max_sql_length"`
	// TimeoutRules set the timeout of statements whose SQL matches, when the
	// caller passes no timeoutMs. First match wins; hard_timeout_ms still caps.
	TimeoutRules []TimeoutRule `json:"timeout_rules" yaml:"timeout_rules"`
}

// TimeoutRule maps a SQL pattern to a default statement timeout.
type TimeoutRule struct {
	Pattern   string `json:"pattern" yaml:"pattern"`
	TimeoutMs int64  `json:"timeout_ms" yaml:"timeout_ms"`
}

// ErrorPromptRule maps an error message pattern to a guidance message.
type ErrorPromptRule struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	Message string `json:"message" yaml:"message"`
}

// SanitizationRule defines a regex-based field sanitization rule. Columns
// restricts the rule to the named result columns; empty applies it to all.
type SanitizationRule struct {
	Pattern     string   `json:"pattern" yaml:"pattern"`
	Replacement string   `json:"replacement" yaml:"replacement"`
	Columns     []string `json:"columns" yaml:"columns"`
	Description string   `json:"description" yaml:"description"`
}

const (
	DefaultAllowedSchema = "public"
	DefaultHardMaxRows   = 10000
	DefaultHardMaxBytes  = 20 * 1024 * 1024
	DefaultHardTimeoutMs = 30000
	DefaultMaxSQLLength  = 100000
	DefaultMaxConns      = 5

	// MaxHardMaxRows bounds hard_max_rows so the cursor FETCH count (cap plus
	// one) always fits a PostgreSQL FETCH count.
	MaxHardMaxRows = math.MaxInt32 - 1
	// MaxHardTimeoutMs is the largest hard_timeout_ms a time.Duration can hold.
	MaxHardTimeoutMs = math.MaxInt64 / int64(time.Millisecond)
)

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero-valued fields. Negative values are left alone so
// New can reject them.
func (c *Config) ApplyDefaults() {
	if c.Policy.AllowedSchema == "" {
		c.Policy.AllowedSchema = DefaultAllowedSchema
	}
	if c.Policy.HardMaxRows == 0 {
		c.Policy.HardMaxRows = DefaultHardMaxRows
	}
	if c.Policy.HardMaxBytes == 0 {
		c.Policy.HardMaxBytes = DefaultHardMaxBytes
	}
	if c.Policy.HardTimeoutMs == 0 {
		c.Policy.HardTimeoutMs = DefaultHardTimeoutMs
	}
	if c.Policy.MaxSQLLength == 0 {
		c.Policy.MaxSQLLength = DefaultMaxSQLLength
	}
	if c.Pool.MaxConns == 0 {
		c.Pool.MaxConns = DefaultMaxConns
	}
}
