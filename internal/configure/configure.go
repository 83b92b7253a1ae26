package configure

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rickchristie/dbmcp"
	"github.com/rickchristie/dbmcp/internal/policy"
)

// Run runs the interactive configuration wizard.
// Reads existing config (if any), prompts for each field,
// writes updated config to the given path.
func Run(configPath string) error {
	return run(configPath, os.Stdin, os.Stderr)
}

func run(configPath string, input io.Reader, output io.Writer) error {
	scanner := bufio.NewScanner(input)
	cfg, isNew, err := loadExisting(configPath)
	if err != nil {
		fmt.Fprintf(output, "Existing config could not be parsed (%v); starting from defaults.\n", err)
	}
	if isNew {
		applyDefaults(cfg)
	}

	p := &prompter{
		scanner: scanner,
		output:  output,
		isNew:   isNew,
	}

	format := "JSON"
	if dbmcp.IsYAMLPath(configPath) {
		format = "YAML"
	}
	fmt.Fprintf(output, "godbmcp configuration wizard\n")
	fmt.Fprintf(output, "Config file: %s (%s)\n\n", configPath, format)

	// Connection
	fmt.Fprintf(output, "=== Connection ===\n")
	cfg.Connection.Host = p.promptString("connection.host", cfg.Connection.Host)
	cfg.Connection.Port = p.promptPositiveInt("connection.port", cfg.Connection.Port, "must be > 0")
	cfg.Connection.DBName = p.promptRequiredStringWithHint("connection.dbname", cfg.Connection.DBName, "required")
	cfg.Connection.SSLMode = p.promptEnum("connection.sslmode", cfg.Connection.SSLMode, sslModes)

	// Logging
	fmt.Fprintf(output, "\n=== Logging ===\n")
	cfg.Logging.Level = p.promptEnum("logging.level", cfg.Logging.Level, logLevels)
	cfg.Logging.Format = p.promptEnum("logging.format", cfg.Logging.Format, logFormats)
	cfg.Logging.Output = p.promptLogOutput(cfg.Logging.Output)

	// Pool
	fmt.Fprintf(output, "\n=== Pool ===\n")
	cfg.Pool.MaxConns = p.promptPositiveInt("pool.max_conns", cfg.Pool.MaxConns, "must be > 0")
	cfg.Pool.MinConns = p.promptNonNegativeInt("pool.min_conns", cfg.Pool.MinConns, "must be >= 0")
	cfg.Pool.MaxConnLifetime = p.promptDuration("pool.max_conn_lifetime", cfg.Pool.MaxConnLifetime, "Go duration: e.g. 1h, 30m, 1h30m")
	cfg.Pool.MaxConnIdleTime = p.promptDuration("pool.max_conn_idle_time", cfg.Pool.MaxConnIdleTime, "Go duration: e.g. 1h, 30m, 1h30m")
	cfg.Pool.HealthCheckPeriod = p.promptDuration("pool.health_check_period", cfg.Pool.HealthCheckPeriod, "Go duration: e.g. 1m, 30s, 1m30s")

	// Policy
	fmt.Fprintf(output, "\n=== Policy ===\n")
	cfg.Policy.AllowedSchema = p.promptIdentifier("policy.allowed_schema", cfg.Policy.AllowedSchema)
	cfg.Policy.HardMaxRows = p.promptPositiveInt("policy.hard_max_rows", cfg.Policy.HardMaxRows, "rows, must be > 0")
	cfg.Policy.HardMaxBytes = p.promptPositiveInt64("policy.hard_max_bytes", cfg.Policy.HardMaxBytes, "bytes, must be > 0")
	cfg.Policy.HardTimeoutMs = p.promptPositiveInt64("policy.hard_timeout_ms", cfg.Policy.HardTimeoutMs, "milliseconds, must be > 0")
	cfg.Policy.MaxSQLLength = p.promptPositiveInt("policy.max_sql_length", cfg.Policy.MaxSQLLength, "bytes, must be > 0")

	// Misc
	fmt.Fprintf(output, "\n=== General ===\n")
	cfg.Timezone = p.promptTimezone(cfg.Timezone)

	// Array fields
	fmt.Fprintf(output, "\n=== Forbidden Keywords (added to the built-in set) ===\n")
	cfg.Policy.ForbiddenKeywords = p.promptForbiddenKeywords(cfg.Policy.ForbiddenKeywords)

	fmt.Fprintf(output, "\n=== Timeout Rules ===\n")
	cfg.Policy.TimeoutRules = p.promptTimeoutRules(cfg.Policy.TimeoutRules)

	fmt.Fprintf(output, "\n=== Error Prompts ===\n")
	cfg.ErrorPrompts = p.promptErrorPrompts(cfg.ErrorPrompts)

	fmt.Fprintf(output, "\n=== Sanitization Rules ===\n")
	cfg.Sanitization = p.promptSanitizationRules(cfg.Sanitization)

	// Write config
	if err := writeConfig(configPath, cfg); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Fprintf(output, "\nConfiguration saved to %s\n", configPath)
	return nil
}

// loadExisting returns the config at configPath. isNew is true when there is
// no usable file; err reports a file that exists but does not parse.
func loadExisting(configPath string) (*dbmcp.ServerConfig, bool, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return &dbmcp.ServerConfig{}, true, nil
	}
	cfg, err := dbmcp.DecodeServerConfig(configPath, data)
	if err != nil {
		return &dbmcp.ServerConfig{}, true, err
	}
	return cfg, false, nil
}

// applyDefaults sets sensible default values for a new configuration.
func applyDefaults(cfg *dbmcp.ServerConfig) {
	cfg.Connection.Host = "localhost"
	cfg.Connection.Port = 5432
	cfg.Connection.SSLMode = "prefer"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stderr"
	cfg.Pool.MaxConnLifetime = "1h"
	cfg.Pool.MaxConnIdleTime = "30m"
	cfg.Pool.HealthCheckPeriod = "1m"
	cfg.Config.ApplyDefaults()
}

var (
	sslModes   = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"json", "text"}
)

func writeConfig(configPath string, cfg *dbmcp.ServerConfig) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := dbmcp.EncodeServerConfig(configPath, cfg)
	if err != nil {
		return err
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", configPath, err)
	}

	return nil
}

// prompter handles reading user input and displaying prompts.
type prompter struct {
	scanner *bufio.Scanner
	output  io.Writer
	isNew   bool
	// eof is set once input is exhausted; retry loops give up instead of
	// spinning.
	eof bool
}

func (p *prompter) readLine() string {
	if p.scanner.Scan() {
		return strings.TrimSpace(p.scanner.Text())
	}
	p.eof = true
	return ""
}

func (p *prompter) valueLabel() string {
	if p.isNew {
		return "default"
	}
	return "current"
}

func (p *prompter) promptString(field string, current string) string {
	fmt.Fprintf(p.output, "%s (%s: %q): ", field, p.valueLabel(), current)
	input := p.readLine()
	if input == "" {
		return current
	}
	return input
}

// promptRequiredStringWithHint keeps asking until a non-empty value is given.
// Enter keeps a non-empty current value.
func (p *prompter) promptRequiredStringWithHint(field string, current string, hint string) string {
	for {
		fmt.Fprintf(p.output, "%s [%s] (%s: %q): ", field, hint, p.valueLabel(), current)
		input := p.readLine()
		if input != "" {
			return input
		}
		if current != "" || p.eof {
			return current
		}
		fmt.Fprintf(p.output, "  Value is required, try again.\n")
	}
}

func (p *prompter) promptIdentifier(field string, current string) string {
	for {
		fmt.Fprintf(p.output, "%s [plain identifier: letters, digits, underscore] (%s: %q): ", field, p.valueLabel(), current)
		input := p.readLine()
		if input == "" && (policy.IsIdentifier(current) || p.eof) {
			return current
		}
		if policy.IsIdentifier(input) {
			return input
		}
		fmt.Fprintf(p.output, "  Invalid identifier %q, try again.\n", input)
	}
}

func (p *prompter) promptLogOutput(current string) string {
	for {
		fmt.Fprintf(p.output, "logging.output [stderr or file path, stdout carries MCP frames] (%s: %q): ", p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			input = current
		}
		if input == "stdout" {
			fmt.Fprintf(p.output, "  stdout is reserved for MCP frames, try again.\n")
			current = "stderr"
			continue
		}
		return input
	}
}

func (p *prompter) promptPositiveInt(field string, current int, hint string) int {
	return promptPositive(p, field, current, hint)
}

func (p *prompter) promptPositiveInt64(field string, current int64, hint string) int64 {
	return promptPositive(p, field, current, hint)
}

// promptPositive asks for a value > 0. Enter keeps current only when it is
// itself > 0.
func promptPositive[T int | int64](p *prompter, field string, current T, hint string) T {
	for {
		fmt.Fprintf(p.output, "%s [%s] (%s: %d): ", field, hint, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			if current > 0 || p.eof {
				return current
			}
			fmt.Fprintf(p.output, "  Value must be > 0, try again.\n")
			continue
		}
		val, err := strconv.ParseInt(input, 10, 64)
		if err != nil {
			fmt.Fprintf(p.output, "  Invalid integer %q, try again.\n", input)
			continue
		}
		if val <= 0 {
			fmt.Fprintf(p.output, "  Value must be > 0, try again.\n")
			continue
		}
		return T(val)
	}
}

func (p *prompter) promptNonNegativeInt(field string, current int, hint string) int {
	for {
		fmt.Fprintf(p.output, "%s [%s] (%s: %d): ", field, hint, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			return current
		}
		val, err := strconv.Atoi(input)
		if err != nil {
			fmt.Fprintf(p.output, "  Invalid integer %q, try again.\n", input)
			continue
		}
		if val < 0 {
			fmt.Fprintf(p.output, "  Value must be >= 0, try again.\n")
			continue
		}
		return val
	}
}

func (p *prompter) promptDuration(field string, current string, hint string) string {
	for {
		fmt.Fprintf(p.output, "%s [%s] (%s: %q): ", field, hint, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			return current
		}
		if _, err := time.ParseDuration(input); err != nil {
			fmt.Fprintf(p.output, "  Invalid Go duration %q, try again.\n", input)
			continue
		}
		return input
	}
}

func (p *prompter) promptTimezone(current string) string {
	for {
		fmt.Fprintf(p.output, "timezone [e.g. UTC, America/New_York, empty = server default] (%s: %q): ", p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			return current
		}
		if _, err := time.LoadLocation(input); err != nil {
			fmt.Fprintf(p.output, "  Invalid timezone %q, please enter a valid IANA timezone.\n", input)
			continue
		}
		return input
	}
}

func (p *prompter) promptEnum(field string, current string, allowed []string) string {
	for {
		fmt.Fprintf(p.output, "%s (%s: %q, options: %s): ", field, p.valueLabel(), current, strings.Join(allowed, ", "))
		input := p.readLine()
		if input == "" {
			return current
		}
		for _, v := range allowed {
			if input == v {
				return input
			}
		}
		fmt.Fprintf(p.output, "  Invalid value %q, must be one of: %s\n", input, strings.Join(allowed, ", "))
	}
}

// Array field editors

// editList runs the shared [a]dd/[r]emove/[c]ontinue loop over items.
func editList[T any](p *prompter, label string, items []T, display func(T) string, add func() T) []T {
	for {
		if len(items) == 0 {
			fmt.Fprintf(p.output, "  (no entries)\n")
		}
		for i, item := range items {
			fmt.Fprintf(p.output, "  [%d] %s\n", i, display(item))
		}
		fmt.Fprintf(p.output, "[a]dd, [r]emove, [c]ontinue? ")
		switch strings.ToLower(p.readLine()) {
		case "a":
			items = append(items, add())
		case "r":
			items = removeByIndex(p, label, items)
		case "c", "":
			return items
		default:
			fmt.Fprintf(p.output, "  Unknown choice, try again.\n")
		}
	}
}

func (p *prompter) promptForbiddenKeywords(current []string) []string {
	return editList(p, "forbidden keyword", current,
		func(kw string) string { return kw },
		func() string {
			for {
				fmt.Fprintf(p.output, "  keyword: ")
				input := p.readLine()
				if policy.IsIdentifier(input) || p.eof {
					return strings.ToUpper(input)
				}
				fmt.Fprintf(p.output, "  Keyword must be a single word, try again.\n")
			}
		})
}

func (p *prompter) promptTimeoutRules(current []dbmcp.TimeoutRule) []dbmcp.TimeoutRule {
	return editList(p, "timeout rule", current,
		func(r dbmcp.TimeoutRule) string {
			return fmt.Sprintf("pattern=%q timeout_ms=%d", r.Pattern, r.TimeoutMs)
		},
		func() dbmcp.TimeoutRule {
			pattern := p.promptNewRegexField("pattern")
			return dbmcp.TimeoutRule{
				Pattern:   pattern,
				TimeoutMs: promptPositive(p, "  timeout_ms", int64(0), "must be > 0"),
			}
		})
}

func (p *prompter) promptErrorPrompts(current []dbmcp.ErrorPromptRule) []dbmcp.ErrorPromptRule {
	return editList(p, "error prompt", current,
		func(r dbmcp.ErrorPromptRule) string {
			return fmt.Sprintf("pattern=%q message=%q", r.Pattern, r.Message)
		},
		func() dbmcp.ErrorPromptRule {
			return dbmcp.ErrorPromptRule{
				Pattern: p.promptNewRegexField("pattern"),
				Message: p.promptNewField("message"),
			}
		})
}

func (p *prompter) promptSanitizationRules(current []dbmcp.SanitizationRule) []dbmcp.SanitizationRule {
	return editList(p, "sanitization rule", current,
		func(r dbmcp.SanitizationRule) string {
			return fmt.Sprintf("pattern=%q replacement=%q columns=%v description=%q", r.Pattern, r.Replacement, r.Columns, r.Description)
		},
		func() dbmcp.SanitizationRule {
			return dbmcp.SanitizationRule{
				Pattern:     p.promptNewRegexField("pattern"),
				Replacement: p.promptNewField("replacement"),
				Columns:     splitList(p.promptNewField("columns (comma-separated, empty = all)")),
				Description: p.promptNewField("description"),
			}
		})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (p *prompter) promptNewField(name string) string {
	fmt.Fprintf(p.output, "  %s: ", name)
	return p.readLine()
}

func (p *prompter) promptNewRegexField(name string) string {
	for {
		fmt.Fprintf(p.output, "  %s (regex): ", name)
		input := p.readLine()
		if input == "" && p.eof {
			return ""
		}
		if input == "" {
			fmt.Fprintf(p.output, "  Pattern is required, try again.\n")
			continue
		}
		if _, err := regexp.Compile(input); err != nil {
			fmt.Fprintf(p.output, "  Invalid regex %q: %v, try again.\n", input, err)
			continue
		}
		return input
	}
}

// removeByIndex removes an element by index from a slice.
func removeByIndex[T any](p *prompter, label string, items []T) []T {
	if len(items) == 0 {
		fmt.Fprintf(p.output, "  No %s entries to remove.\n", label)
		return items
	}
	fmt.Fprintf(p.output, "  Index to remove: ")
	input := p.readLine()
	idx, err := strconv.Atoi(input)
	if err != nil || idx < 0 || idx >= len(items) {
		fmt.Fprintf(p.output, "  Invalid index.\n")
		return items
	}
	return append(items[:idx], items[idx+1:]...)
}
