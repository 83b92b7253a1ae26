// Package timeout picks a statement's default timeout from SQL pattern rules.
package timeout

import (
	"fmt"
	"regexp"
	"time"
)

// Rule is the timeout manager's own rule type.
type Rule struct {
	Pattern string
	Timeout time.Duration
}

type compiledRule struct {
	pattern *regexp.Regexp
	timeout time.Duration
}

// Manager resolves statement timeouts by SQL pattern matching. It is
// immutable after NewManager.
type Manager struct {
	rules []compiledRule
}

// NewManager compiles rules in order. Rules must have a positive timeout.
func NewManager(rules []Rule) (*Manager, error) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("timeout rule %d: invalid regex %q: %w", i, r.Pattern, err)
		}
		if r.Timeout <= 0 {
			return nil, fmt.Errorf("timeout rule %d: timeout must be > 0", i)
		}
		compiled[i] = compiledRule{pattern: re, timeout: r.Timeout}
	}
	return &Manager{rules: compiled}, nil
}

// Match returns the timeout of the first rule matching sql.
func (m *Manager) Match(sql string) (time.Duration, bool) {
	if m == nil {
		return 0, false
	}
	for _, rule := range m.rules {
		if rule.pattern.MatchString(sql) {
			return rule.timeout, true
		}
	}
	return 0, false
}

// HasRules reports whether any rule is configured.
func (m *Manager) HasRules() bool {
	return m != nil && len(m.rules) > 0
}
