package main

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/spf13/cobra"

	"github.com/rickchristie/dbmcp"
	"github.com/rickchristie/dbmcp/internal/meta"
	"github.com/rickchristie/dbmcp/internal/policy"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the configuration and print MCP client snippets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := resolveConfigPath(flagConfig, os.Getenv)
		return doctor(os.Stderr, isTTY(os.Stderr.Fd()), path)
	},
}

func doctor(w io.Writer, useColor bool, configPath string) error {
	printBanner(w, useColor)
	fmt.Fprintf(w, "godbmcp %s\n\n", meta.Version)

	config, ok := doctorValidateConfig(w, useColor, configPath)
	if !ok {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Fix the issues above and run 'godbmcp doctor' again.")
		return nil
	}

	fmt.Fprintln(w)
	printAgentSnippets(w, useColor, configPath, config)
	return nil
}

// doctorValidateConfig loads and validates the config file, printing check results.
// Returns the parsed config and true if all checks passed.
func doctorValidateConfig(w io.Writer, useColor bool, configPath string) (*dbmcp.ServerConfig, bool) {
	allPassed := true
	check := func(pass bool, msg string) {
		printCheck(w, useColor, pass, msg)
		if !pass {
			allPassed = false
		}
	}

	format := "JSON"
	if dbmcp.IsYAMLPath(configPath) {
		format = "YAML"
	}

	// Check 1: Config file exists and parses
	data, err := os.ReadFile(configPath)
	if err != nil {
		check(false, fmt.Sprintf("Config file readable (%s)", configPath))
		return nil, false
	}
	check(true, fmt.Sprintf("Config file readable (%s)", configPath))

	config, err := dbmcp.DecodeServerConfig(configPath, data)
	if err != nil {
		check(false, fmt.Sprintf("Config file is valid %s: %v", format, err))
		return nil, false
	}
	check(true, fmt.Sprintf("Config file is valid %s", format))

	// Check 2: connection.dbname is set, unless the connection string comes from env
	if os.Getenv(envConnString) != "" {
		check(true, fmt.Sprintf("connection string provided by %s", envConnString))
	} else if config.Connection.DBName == "" {
		check(false, "connection.dbname is set")
	} else {
		check(true, fmt.Sprintf("connection.dbname is set (%s)", config.Connection.DBName))
	}

	// Check 3: logging never targets stdout
	if config.Logging.Output == "stdout" {
		check(false, "logging.output is not stdout (stdout carries MCP frames)")
	} else {
		check(true, "logging.output is not stdout")
	}

	// Check 4: policy
	effective := config.Config
	effective.ApplyDefaults()
	if policy.IsIdentifier(effective.Policy.AllowedSchema) {
		check(true, fmt.Sprintf("policy.allowed_schema is a plain identifier (%s)", effective.Policy.AllowedSchema))
	} else {
		check(false, fmt.Sprintf("policy.allowed_schema is a plain identifier (%q)", effective.Policy.AllowedSchema))
	}
	for i, kw := range config.Policy.ForbiddenKeywords {
		if !policy.IsIdentifier(kw) {
			check(false, fmt.Sprintf("policy.forbidden_keywords[%d] is a plain word (%q)", i, kw))
		}
	}
	capsOK := effective.Policy.HardMaxRows > 0 && effective.Policy.HardMaxBytes > 0 && effective.Policy.HardTimeoutMs > 0 &&
		effective.Policy.HardMaxRows <= dbmcp.MaxHardMaxRows && effective.Policy.HardTimeoutMs <= dbmcp.MaxHardTimeoutMs
	check(capsOK, fmt.Sprintf("hard caps are > 0 and in range (rows=%d, bytes=%d, timeout_ms=%d)",
		effective.Policy.HardMaxRows, effective.Policy.HardMaxBytes, effective.Policy.HardTimeoutMs))

	// Check 5: pool
	if effective.Pool.MinConns < 0 || effective.Pool.MinConns > effective.Pool.MaxConns {
		check(false, fmt.Sprintf("pool.min_conns is between 0 and max_conns (%d)", effective.Pool.MaxConns))
	}
	for name, d := range map[string]string{
		"pool.max_conn_lifetime":   config.Pool.MaxConnLifetime,
		"pool.max_conn_idle_time":  config.Pool.MaxConnIdleTime,
		"pool.health_check_period": config.Pool.HealthCheckPeriod,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			check(false, fmt.Sprintf("%s is a Go duration: %v", name, err))
		}
	}
	if config.Timezone != "" {
		if _, err := time.LoadLocation(config.Timezone); err != nil {
			check(false, fmt.Sprintf("timezone is valid: %v", err))
		}
	}

	// Check 6: Regex patterns compile
	regexOK := true
	for i, rule := range config.ErrorPrompts {
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			check(false, fmt.Sprintf("error_prompts[%d] regex compiles: %v", i, err))
			regexOK = false
		}
	}
	for i, rule := range config.Policy.TimeoutRules {
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			check(false, fmt.Sprintf("policy.timeout_rules[%d] regex compiles: %v", i, err))
			regexOK = false
		}
		if rule.TimeoutMs <= 0 {
			check(false, fmt.Sprintf("policy.timeout_rules[%d].timeout_ms is > 0", i))
		}
	}
	for i, rule := range config.Sanitization {
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			check(false, fmt.Sprintf("sanitization[%d] regex compiles: %v", i, err))
			regexOK = false
		}
	}
	if regexOK {
		check(true, "All regex patterns compile")
	}

	return config, allPassed
}

// printCheck prints a colored ✓ or ✗ check line.
func printCheck(w io.Writer, useColor bool, pass bool, msg string) {
	mark, color := "✓", "\033[32m"
	if !pass {
		mark, color = "✗", "\033[31m"
	}
	if useColor {
		fmt.Fprintf(w, "  %s%s\033[0m %s\n", color, mark, msg)
	} else {
		fmt.Fprintf(w, "  %s %s\n", mark, msg)
	}
}

// printAgentSnippets prints stdio MCP server entries for various AI agents.
func printAgentSnippets(w io.Writer, useColor bool, configPath string, config *dbmcp.ServerConfig) {
	args := fmt.Sprintf(`["serve", "--config", %q]`, configPath)
	name := "postgres"
	if config.Connection.DBName != "" {
		name = "postgres-" + config.Connection.DBName
	}

	heading := func(title string) {
		if useColor {
			fmt.Fprintf(w, "\033[1;36m%s\033[0m\n", title)
		} else {
			fmt.Fprintln(w, title)
		}
	}
	subheading := func(title string) {
		if useColor {
			fmt.Fprintf(w, "  \033[1m%s\033[0m\n", title)
		} else {
			fmt.Fprintf(w, "  %s\n", title)
		}
	}
	mcpServers := func() {
		fmt.Fprintf(w, `  {
    "mcpServers": {
      %q: {
        "command": "godbmcp",
        "args": %s
      }
    }
  }
`, name, args)
		fmt.Fprintln(w)
	}

	heading("Agent Connection Snippets")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Credentials are read from %s, or %s and %s.\n\n", envConnString, envUser, envPassword)

	subheading("Claude Code")
	fmt.Fprintf(w, "  Run this command to add the server:\n\n")
	fmt.Fprintf(w, "    claude mcp add %s -- godbmcp serve --config %s\n\n", name, configPath)
	fmt.Fprintf(w, "  Or add to .mcp.json (project scope):\n\n")
	mcpServers()

	subheading("Copilot CLI (~/.copilot/mcp-config.json)")
	mcpServers()

	subheading("Gemini CLI (~/.gemini/settings.json)")
	mcpServers()

	subheading("Cursor (.cursor/mcp.json)")
	mcpServers()

	subheading("Windsurf (~/.codeium/windsurf/mcp_config.json)")
	mcpServers()

	subheading("OpenCode (opencode.json)")
	fmt.Fprintf(w, `  {
    "mcp": {
      %q: {
        "type": "local",
        "command": ["godbmcp", "serve", "--config", %q]
      }
    }
  }
`, name, configPath)
}
