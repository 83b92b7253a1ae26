// Package errprompt appends operator-configured guidance to error messages
// before they are returned to the client.
package errprompt

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule pairs an error pattern with the guidance shown when it matches.
type Rule struct {
	Pattern string
	Message string
}

type compiledRule struct {
	pattern *regexp.Regexp
	message string
}

// DefaultRules cover the failures a client is most likely to recover from on
// its own. They are used when no rules are configured.
var DefaultRules = []Rule{
	{Pattern: `(?i)relation .* does not exist`, Message: "The table does not exist in the allowed schema. Call db.listTables to see available tables."},
	{Pattern: `(?i)column .* does not exist`, Message: "Call db.describeTable to see the table's columns."},
	{Pattern: `(?i)schema '.*' is not allowed`, Message: "Reference tables without a schema prefix or with the allowed schema only."},
	{Pattern: `(?i)query timed out`, Message: "Narrow the query with a WHERE clause or LIMIT, or pass a smaller result request."},
}

// Matcher checks error messages against patterns and returns guidance prompts.
// A nil *Matcher matches nothing.
type Matcher struct {
	rules []compiledRule
}

// NewMatcher creates a new Matcher. Returns an error on invalid regex patterns.
func NewMatcher(rules []Rule) (*Matcher, error) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("errprompt: invalid regex pattern %q: %v", r.Pattern, err)
		}
		compiled[i] = compiledRule{pattern: re, message: r.Message}
	}
	return &Matcher{rules: compiled}, nil
}

// Match checks error message against all rules (top to bottom).
// Returns all matching prompt messages joined with newline separators.
// Returns empty string if no match.
func (m *Matcher) Match(errMsg string) string {
	messages, _ := m.match(errMsg)
	return strings.Join(messages, "\n")
}

// Annotate returns errMsg followed by any matching guidance, and the patterns
// that matched (for logging). errMsg is returned unchanged when nothing
// matches.
func (m *Matcher) Annotate(errMsg string) (string, []string) {
	messages, patterns := m.match(errMsg)
	if len(messages) == 0 {
		return errMsg, nil
	}
	return errMsg + "\n\n" + strings.Join(messages, "\n"), patterns
}

func (m *Matcher) match(errMsg string) (messages, patterns []string) {
	if m == nil {
		return nil, nil
	}
	for _, rule := range m.rules {
		if rule.pattern.MatchString(errMsg) {
			messages = append(messages, rule.message)
			patterns = append(patterns, rule.pattern.String())
		}
	}
	return messages, patterns
}
