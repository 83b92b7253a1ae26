package policy

import (
	"regexp"
	"strings"
)

var fromJoinRe = regexp.MustCompile(`(?i)\b(FROM|JOIN)(\s+)([A-Za-z_][A-Za-z0-9_]*)`)

// fallbackSkip lists words that can follow FROM or JOIN without naming a
// relation. Only consulted when the statement does not parse.
var fallbackSkip = map[string]bool{"LATERAL": true, "ONLY": true, "ROWS": true}

// RewriteWithSchemaPrefix qualifies every relation that follows FROM or JOIN
// with the allowed schema. Identifiers already equal to the schema are left
// alone, so the rewrite is idempotent. It must only run on SQL that passed
// Validate.
//
// When the statement parses, only positions the parser recognises as
// relations are rewritten: CTE names, function calls and keyword uses such as
// EXTRACT(YEAR FROM col) keep their text.
func (e *Engine) RewriteWithSchemaPrefix(sql string) string {
	refs, _ := collectRelations(sql)

	matches := fromJoinRe.FindAllStringSubmatchIndex(sql, -1)
	if len(matches) == 0 {
		return sql
	}

	var sb strings.Builder
	sb.Grow(len(sql) + len(matches)*(len(e.allowedSchema)+1))
	last := 0
	for _, m := range matches {
		identStart, identEnd := m[6], m[7]
		ident := sql[identStart:identEnd]
		if !e.shouldQualify(sql, ident, identStart, identEnd, refs) {
			continue
		}
		sb.WriteString(sql[last:identStart])
		sb.WriteString(e.allowedSchema)
		sb.WriteByte('.')
		sb.WriteString(ident)
		last = identEnd
	}
	sb.WriteString(sql[last:])
	return sb.String()
}

func (e *Engine) shouldQualify(sql, ident string, start, end int, refs *relationRefs) bool {
	if strings.EqualFold(ident, e.allowedSchema) {
		return false
	}
	if refs != nil {
		if refs.cteNames[strings.ToLower(ident)] || refs.cteNames[ident] {
			return false
		}
		return refs.offsets[start]
	}
	if fallbackSkip[strings.ToUpper(ident)] {
		return false
	}
	// Without a parse tree, fall back to skipping calls like generate_series(...).
	rest := strings.TrimLeft(sql[end:], " \t\r\n")
	return !strings.HasPrefix(rest, "(")
}
