package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule is the sanitizer's own rule type. When Columns is set the rule only
// applies to cells of those columns (compared case-insensitively).
type Rule struct {
	Pattern     string
	Replacement string
	Columns     []string
}

type compiledRule struct {
	pattern     *regexp.Regexp
	replacement string
	columns     map[string]bool
}

func (r compiledRule) appliesTo(column string) bool {
	return len(r.columns) == 0 || r.columns[strings.ToLower(column)]
}

// Sanitizer masks string cells in query results.
type Sanitizer struct {
	rules []compiledRule
}

// NewSanitizer creates a new Sanitizer. Returns an error on invalid regex patterns.
func NewSanitizer(rules []Rule) (*Sanitizer, error) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("sanitize: invalid regex pattern %q: %v", r.Pattern, err)
		}
		var cols map[string]bool
		if len(r.Columns) > 0 {
			cols = make(map[string]bool, len(r.Columns))
			for _, c := range r.Columns {
				cols[strings.ToLower(c)] = true
			}
		}
		compiled[i] = compiledRule{pattern: re, replacement: r.Replacement, columns: cols}
	}
	return &Sanitizer{rules: compiled}, nil
}

// HasRules returns true if the sanitizer has any rules configured.
func (s *Sanitizer) HasRules() bool {
	return s != nil && len(s.rules) > 0
}

// SanitizeRows rewrites rows in place. columns[i] names the i-th cell of every
// row; cells beyond len(columns) only see unscoped rules. Nested JSON values
// (maps and slices) are walked down to their strings.
func (s *Sanitizer) SanitizeRows(columns []string, rows [][]any) [][]any {
	if !s.HasRules() {
		return rows
	}
	for _, row := range rows {
		for i, v := range row {
			column := ""
			if i < len(columns) {
				column = columns[i]
			}
			row[i] = s.sanitizeValue(column, v)
		}
	}
	return rows
}

func (s *Sanitizer) sanitizeValue(column string, v any) any {
	switch val := v.(type) {
	case string:
		result := val
		for _, rule := range s.rules {
			if rule.appliesTo(column) {
				result = rule.pattern.ReplaceAllString(result, rule.replacement)
			}
		}
		return result
	case map[string]any:
		for k, item := range val {
			val[k] = s.sanitizeValue(column, item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = s.sanitizeValue(column, item)
		}
		return val
	default:
		// Numbers, booleans and NULL pass through. json.Number is a distinct
		// type and does not hit the string case.
		return v
	}
}
