package errprompt

import (
	"strings"
	"testing"
)

func mustMatcher(t *testing.T, rules ...Rule) *Matcher {
	t.Helper()
	m, err := NewMatcher(rules)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return m
}

func TestMatchPermissionDenied(t *testing.T) {
	t.Parallel()
	m := mustMatcher(t, Rule{Pattern: `(?i)permission denied`, Message: "Ask the user to check table permissions."})
	if got := m.Match("permission denied for table users"); got != "Ask the user to check table permissions." {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestNoMatch(t *testing.T) {
	t.Parallel()
	m := mustMatcher(t,
		Rule{Pattern: `(?i)permission denied`, Message: "privileges"},
		Rule{Pattern: `(?i)relation.*does not exist`, Message: "missing"},
	)
	if got := m.Match("some other error"); got != "" {
		t.Fatalf("expected empty string for non-matching error, got: %s", got)
	}
}

func TestMultipleMatches(t *testing.T) {
	t.Parallel()
	m := mustMatcher(t,
		Rule{Pattern: `(?i)permission denied`, Message: "Check your privileges."},
		Rule{Pattern: `(?i)denied.*table`, Message: "Verify table access grants."},
	)
	got := m.Match("permission denied for table users")
	expected := "Check your privileges.\nVerify table access grants."
	if got != expected {
		t.Fatalf("expected %q, got %q", expected, got)
	}
}

func TestAnnotate(t *testing.T) {
	t.Parallel()
	m := mustMatcher(t, Rule{Pattern: `timed out`, Message: "Add a LIMIT."})

	got, patterns := m.Annotate("query timed out after 1s")
	if got != "query timed out after 1s\n\nAdd a LIMIT." {
		t.Fatalf("unexpected annotation: %q", got)
	}
	if len(patterns) != 1 || patterns[0] != "timed out" {
		t.Fatalf("unexpected patterns: %v", patterns)
	}

	got, patterns = m.Annotate("syntax error")
	if got != "syntax error" || patterns != nil {
		t.Fatalf("expected unchanged message, got %q %v", got, patterns)
	}
}

func TestNilMatcher(t *testing.T) {
	t.Parallel()
	var m *Matcher
	if got := m.Match("anything"); got != "" {
		t.Fatalf("expected no match, got %q", got)
	}
	if got, _ := m.Annotate("anything"); got != "anything" {
		t.Fatalf("expected unchanged message, got %q", got)
	}
}

func TestDefaultRulesCompile(t *testing.T) {
	t.Parallel()
	m := mustMatcher(t, DefaultRules...)
	got := m.Match(`ERROR: relation "dba.nope" does not exist (SQLSTATE 42P01)`)
	if !strings.Contains(got, "db.listTables") {
		t.Fatalf("expected listTables guidance, got %q", got)
	}
	got = m.Match("schema 'hr' is not allowed: only schema 'dba' may be referenced")
	if !strings.Contains(got, "allowed schema") {
		t.Fatalf("expected schema guidance, got %q", got)
	}
}

func TestNewMatcherErrorsOnInvalidRegex(t *testing.T) {
	t.Parallel()
	_, err := NewMatcher([]Rule{
		{Pattern: `[invalid`, Message: "should not compile"},
	})
	if err == nil {
		t.Fatal("expected error for invalid regex pattern")
	}
	if !strings.Contains(err.Error(), "invalid regex pattern") {
		t.Fatalf("expected error to contain 'invalid regex pattern', got: %s", err)
	}
}
