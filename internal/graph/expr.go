package graph

import (
	"fmt"
	"strings"

	"github.com/cylc/cylc-flow-go/internal/taskdef"
)

// splitTopLevel splits s on every occurrence of sep that is not nested
// inside '[' ']' or '(' ')'.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[', '(':
			depth++
		case ']', ')':
			depth--
		default:
			if s[i] == sep && depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func stripParens(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '(' && s[len(s)-1] == ')' {
		inner := s[1 : len(s)-1]
		// only strip if the parens actually wrap the whole expression
		depth := 0
		for i := 0; i < len(inner); i++ {
			switch inner[i] {
			case '(':
				depth++
			case ')':
				depth--
				if depth < 0 {
					return s
				}
			}
		}
		if depth == 0 {
			return strings.TrimSpace(inner)
		}
	}
	return s
}

// parseTriggerExpr parses a left-hand-side expression into the canonical
// conjunction-of-disjunctions form used by taskdef.TriggerExpr and Prereq.
// "&" is the outer (AND) operator and "|" the inner (OR) operator, so
// "a & b | c" reads as "a AND (b OR c)" without needing parentheses.
// Parentheses that follow that grouping, e.g. "(a | b) & c", are accepted
// and change nothing; an "&" nested inside a "|" operand, e.g.
// "(a & b) | c", is not supported and fails to parse.
func parseTriggerExpr(s string) (taskdef.TriggerExpr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return taskdef.TriggerExpr{}, fmt.Errorf("graph: empty trigger expression")
	}
	andParts := splitTopLevel(s, '&')
	var clauses []taskdef.TriggerClause
	for _, part := range andParts {
		part = stripParens(strings.TrimSpace(part))
		orParts := splitTopLevel(part, '|')
		var atoms taskdef.TriggerClause
		for _, op := range orParts {
			atom, err := parseAtom(strings.TrimSpace(stripParens(op)))
			if err != nil {
				return taskdef.TriggerExpr{}, err
			}
			if atom.Suicide {
				return taskdef.TriggerExpr{}, fmt.Errorf("graph: suicide marker not valid on left of '=>': %q", op)
			}
			atoms = append(atoms, atom)
		}
		clauses = append(clauses, atoms)
	}
	return taskdef.TriggerExpr{Clauses: clauses}, nil
}
