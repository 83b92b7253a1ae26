package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rickchristie/dbmcp"
)

const (
	envConfigPath = "GODBMCP_CONFIG_PATH"
	envConnString = "GODBMCP_CONNSTRING"
	envUser       = "GODBMCP_USER"
	envPassword   = "GODBMCP_PASSWORD"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve MCP over stdin/stdout",
	Long: `Serve one MCP session over stdin/stdout until stdin closes.

The connection string comes from GODBMCP_CONNSTRING. Without it, one is built
from the connection section of the config plus GODBMCP_USER and
GODBMCP_PASSWORD, and when those are unset too the credentials are prompted
on the controlling terminal. Logs go to stderr or a file, never stdout.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load ServerConfig
	serverConfig, err := loadServerConfig(resolveConfigPath(flagConfig, os.Getenv))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 2. Setup logger
	logger, closeLog, err := setupLogger(serverConfig.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	// 3. Resolve connection string
	connString, err := resolveConnString(serverConfig.Connection, os.Getenv, promptTTYCredentials)
	if err != nil {
		return err
	}

	// 4. Create server
	srv, err := dbmcp.New(ctx, connString, serverConfig.Config, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()

	// 5. Test database connection
	logger.Info().Msg("testing database connection")
	ping, err := srv.Ping(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("database connection test failed")
		return fmt.Errorf("database connection test failed: %w", err)
	}
	logger.Info().Str("db", ping.DB).Str("allowed_schema", srv.AllowedSchema()).Msg("database connection test successful")

	// 6. Serve until stdin closes or a signal arrives
	err = srv.Serve(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		logger.Info().Msg("shutting down on signal")
		return nil
	}
	return err
}

// resolveConfigPath picks --config, then GODBMCP_CONFIG_PATH, then the default.
func resolveConfigPath(flagPath string, getenv func(string) string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := getenv(envConfigPath); p != "" {
		return p
	}
	return defaultConfigPath
}

func loadServerConfig(configPath string) (*dbmcp.ServerConfig, error) {
	return dbmcp.ReadServerConfig(configPath)
}

// credentialPrompter asks an operator for a username and password.
type credentialPrompter func() (username, password string, err error)

func resolveConnString(conn dbmcp.ConnectionConfig, getenv func(string) string, prompt credentialPrompter) (string, error) {
	if cs := getenv(envConnString); cs != "" {
		return cs, nil
	}
	username, password := getenv(envUser), getenv(envPassword)
	if username == "" {
		var err error
		username, password, err = prompt()
		if err != nil {
			return "", err
		}
	}
	return buildConnString(conn, username, password), nil
}

func buildConnString(conn dbmcp.ConnectionConfig, username, password string) string {
	parts := []string{}
	if conn.Host != "" {
		parts = append(parts, fmt.Sprintf("host=%s", quoteConnValue(conn.Host)))
	}
	if conn.Port > 0 {
		parts = append(parts, fmt.Sprintf("port=%d", conn.Port))
	}
	if conn.DBName != "" {
		parts = append(parts, fmt.Sprintf("dbname=%s", quoteConnValue(conn.DBName)))
	}
	if username != "" {
		parts = append(parts, fmt.Sprintf("user=%s", quoteConnValue(username)))
	}
	if password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", quoteConnValue(password)))
	}
	if conn.SSLMode != "" {
		parts = append(parts, fmt.Sprintf("sslmode=%s", quoteConnValue(conn.SSLMode)))
	}
	return strings.Join(parts, " ")
}

// quoteConnValue quotes a keyword/value connection string value when it is
// empty or contains spaces, quotes or backslashes.
func quoteConnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// setupLogger builds the zerolog logger. The returned func closes the log
// file, if one was opened. stdout is rejected because it carries protocol
// frames.
func setupLogger(config dbmcp.LoggingConfig) (zerolog.Logger, func(), error) {
	level := zerolog.InfoLevel
	switch strings.ToLower(config.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	closeFn := func() {}
	var output io.Writer = os.Stderr
	switch config.Output {
	case "", "stderr":
	case "stdout":
		return zerolog.Nop(), closeFn, errors.New("logging.output cannot be stdout: stdout carries MCP frames")
	default:
		f, err := os.OpenFile(config.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return zerolog.Nop(), closeFn, fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		output = f
		closeFn = func() { f.Close() }
	}

	if config.Format == "text" {
		output = zerolog.ConsoleWriter{Out: output}
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger(), closeFn, nil
}

// promptTTYCredentials prompts on the controlling terminal, since stdin is the
// protocol stream.
func promptTTYCredentials() (string, string, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return "", "", fmt.Errorf("no %s or %s set and no terminal to prompt on: %w", envConnString, envUser, err)
	}
	defer tty.Close()

	fmt.Fprint(tty, "Username: ")
	username, err := bufio.NewReader(tty).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", "", fmt.Errorf("failed to read username: %w", err)
	}

	fmt.Fprint(tty, "Password: ")
	password, err := term.ReadPassword(int(tty.Fd()))
	fmt.Fprintln(tty) // newline after password input
	if err != nil {
		return "", "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(username), string(password), nil
}
