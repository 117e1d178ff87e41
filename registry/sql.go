package registry

import (
	"fmt"
	"regexp"
	"strings"
)

// sqlTablePattern pulls table names out of FROM / JOIN / UPDATE / INTO
// clauses for the known-table warning. Structural validation only; this is
// deliberately not a SQL parser.
var sqlTablePattern = regexp.MustCompile(`(?i)\b(?:from|join|update|into)\s+([a-zA-Z_][a-zA-Z0-9_.]*)`)

// ValidateSQL implements Registry. Checks are structural: non-empty
// statement, balanced quotes and parentheses, and a leading keyword. Table
// references that don't resolve in the source are reported as errors.
func (r *FileRegistry) ValidateSQL(sourceID, sql string) (SQLCheck, error) {
	r.mu.RLock()
	_, known := r.sources[sourceID]
	r.mu.RUnlock()
	if !known {
		return SQLCheck{}, fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}

	check := SQLCheck{Valid: true, Errors: []string{}}
	fail := func(format string, args ...any) {
		check.Valid = false
		check.Errors = append(check.Errors, fmt.Sprintf(format, args...))
	}

	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		fail("sql is empty")
		return check, nil
	}

	if strings.Count(trimmed, "'")%2 != 0 {
		fail("unbalanced single quotes")
	}
	if strings.Count(trimmed, `"`)%2 != 0 {
		fail("unbalanced double quotes")
	}
	if strings.Count(trimmed, "(") != strings.Count(trimmed, ")") {
		fail("unbalanced parentheses")
	}

	first := strings.ToUpper(strings.Fields(trimmed)[0])
	switch first {
	case "SELECT", "WITH", "INSERT", "UPDATE", "DELETE", "EXPLAIN":
	default:
		fail("statement must start with a SQL keyword, got %q", first)
	}

	for _, match := range sqlTablePattern.FindAllStringSubmatch(trimmed, -1) {
		table := match[1]
		// Strip a schema qualifier; the registry indexes bare names.
		if i := strings.LastIndex(table, "."); i >= 0 {
			table = table[i+1:]
		}
		ok, err := r.ValidateCollection(sourceID, table)
		if err != nil {
			return SQLCheck{}, err
		}
		if !ok {
			fail("unknown table %q in source %s", table, sourceID)
		}
	}

	return check, nil
}
