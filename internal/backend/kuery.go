package backend

import (
	"fmt"
	"regexp"
	"strings"
)

var andSplitter = regexp.MustCompile(`(?i)\s+and\s+`)

// ParseKuery parses the supported kuery subset: field:value clauses joined by "and".
// Values may be double quoted to carry spaces.
func ParseKuery(s string) ([]Term, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var terms []Term
	for _, clause := range splitClauses(s) {
		idx := strings.Index(clause, ":")
		if idx <= 0 {
			return nil, fmt.Errorf("kuery: expected field:value, got %q", clause)
		}
		field := strings.TrimSpace(clause[:idx])
		value := strings.TrimSpace(clause[idx+1:])
		if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
			value = value[1 : len(value)-1]
		}
		if field == "" || value == "" {
			return nil, fmt.Errorf("kuery: empty field or value in %q", clause)
		}
		terms = append(terms, Term{Field: field, Value: value})
	}
	return terms, nil
}

// splitClauses splits on "and" outside of quoted values.
func splitClauses(s string) []string {
	var (
		out   []string
		start int
	)
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '"':
			inQuote = !inQuote
		case !inQuote:
			if loc := andSplitter.FindStringIndex(s[i:]); loc != nil && loc[0] == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				i += loc[1] - 1
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(s[start:]))
}
