// Package policy decides from SQL text alone whether a statement may run,
// and rewrites accepted statements so every relation is qualified with the
// allowed schema.
package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultForbiddenKeywords are always rejected. Config.ForbiddenKeywords can
// only add to this set.
var DefaultForbiddenKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "MERGE", "DROP", "ALTER", "CREATE",
	"TRUNCATE", "GRANT", "REVOKE", "CALL", "EXEC", "EXECUTE", "SET",
	"COMMIT", "ROLLBACK", "SAVEPOINT", "LOCK", "UNLOCK",
}

// Stage names the validation step that rejected a statement.
type Stage string

const (
	StageTooLong          Stage = "too_long"
	StageEmpty            Stage = "empty"
	StageMultiStatement   Stage = "multi_statement"
	StageStatementKind    Stage = "statement_kind"
	StageForbiddenKeyword Stage = "forbidden_keyword"
	StageSchema           Stage = "schema"
	StageSyntax           Stage = "syntax"
)

// Violation is returned by Validate when a statement is rejected.
type Violation struct {
	Stage  Stage
	Reason string
}

func (v *Violation) Error() string {
	return v.Reason
}

func violation(stage Stage, format string, args ...any) *Violation {
	return &Violation{Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

// Config is the policy engine's own config type.
type Config struct {
	AllowedSchema     string
	ForbiddenKeywords []string
	// MaxSQLLength is in bytes. Zero disables the check.
	MaxSQLLength int
}

var (
	identRe     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	qualifierRe = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\.`)
)

// IsIdentifier reports whether s can be used as an allowed schema or a
// forbidden keyword.
func IsIdentifier(s string) bool {
	return identRe.MatchString(s)
}

// Engine is immutable after New and safe for concurrent use.
type Engine struct {
	allowedSchema string
	maxSQLLength  int
	keywords      []string
	keywordRe     *regexp.Regexp
}

// New builds an Engine. Panics on an invalid schema name or keyword, matching
// how the rest of the server treats programmer-supplied config.
func New(config Config) *Engine {
	if !identRe.MatchString(config.AllowedSchema) {
		panic(fmt.Sprintf("policy: allowed schema %q is not a plain identifier", config.AllowedSchema))
	}
	if config.MaxSQLLength < 0 {
		panic("policy: max SQL length must be >= 0")
	}

	seen := make(map[string]bool)
	var keywords []string
	for _, kw := range append(append([]string{}, DefaultForbiddenKeywords...), config.ForbiddenKeywords...) {
		if !identRe.MatchString(kw) {
			panic(fmt.Sprintf("policy: forbidden keyword %q is not a plain word", kw))
		}
		kw = strings.ToUpper(kw)
		if seen[kw] {
			continue
		}
		seen[kw] = true
		keywords = append(keywords, kw)
	}

	return &Engine{
		allowedSchema: config.AllowedSchema,
		maxSQLLength:  config.MaxSQLLength,
		keywords:      keywords,
		keywordRe:     regexp.MustCompile(`(?i)\b(` + strings.Join(keywords, "|") + `)\b`),
	}
}

// AllowedSchema returns the only schema statements may reference.
func (e *Engine) AllowedSchema() string {
	return e.allowedSchema
}

// ForbiddenKeywords returns the effective keyword set in upper case.
func (e *Engine) ForbiddenKeywords() []string {
	out := make([]string, len(e.keywords))
	copy(out, e.keywords)
	return out
}

// Validate runs every stage in order and returns the first *Violation, or nil
// when the statement may be executed.
func (e *Engine) Validate(sql string) error {
	if e.maxSQLLength > 0 && len(sql) > e.maxSQLLength {
		return violation(StageTooLong, "SQL query too long: %d bytes exceeds maximum of %d bytes", len(sql), e.maxSQLLength)
	}
	if v := checkEmpty(sql); v != nil {
		return v
	}
	trimmed := strings.TrimSpace(sql)
	if v := checkMultiStatement(trimmed); v != nil {
		return v
	}
	if v := checkStatementKind(trimmed); v != nil {
		return v
	}
	if v := e.checkForbiddenKeywords(trimmed); v != nil {
		return v
	}
	if v := e.checkSchema(trimmed); v != nil {
		return v
	}
	if v := checkSyntax(trimmed); v != nil {
		return v
	}
	return nil
}

func checkEmpty(sql string) *Violation {
	if strings.TrimSpace(sql) == "" {
		return violation(StageEmpty, "SQL statement is empty")
	}
	return nil
}

// checkMultiStatement counts segments between semicolons that look like a
// query on their own. Destructive tails that do not start with SELECT or
// WITH are left to the keyword scan.
func checkMultiStatement(sql string) *Violation {
	count := 0
	for _, part := range strings.Split(sql, ";") {
		if startsWithQueryKeyword(strings.TrimSpace(part)) {
			count++
		}
	}
	if count > 1 {
		return violation(StageMultiStatement, "multiple SQL statements are not allowed: found %d", count)
	}
	return nil
}

func checkStatementKind(sql string) *Violation {
	if !startsWithQueryKeyword(sql) {
		return violation(StageStatementKind, "only SELECT statements are allowed (WITH is accepted for common table expressions)")
	}
	return nil
}

func startsWithQueryKeyword(s string) bool {
	upper := strings.ToUpper(s)
	return strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "WITH")
}

// checkForbiddenKeywords scans the whole input, ignoring statement
// boundaries and quoting.
func (e *Engine) checkForbiddenKeywords(sql string) *Violation {
	m := e.keywordRe.FindString(sql)
	if m != "" {
		return violation(StageForbiddenKeyword, "forbidden SQL keyword: %s", strings.ToUpper(m))
	}
	return nil
}

// checkSchema rejects any "name." qualifier other than the allowed schema.
// Table aliases used as column qualifiers are rejected as well.
func (e *Engine) checkSchema(sql string) *Violation {
	for _, m := range qualifierRe.FindAllStringSubmatch(sql, -1) {
		if !strings.EqualFold(m[1], e.allowedSchema) {
			return violation(StageSchema, "schema '%s' is not allowed: only schema '%s' may be referenced", m[1], e.allowedSchema)
		}
	}
	return nil
}
