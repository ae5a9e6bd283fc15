package analysis

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/Masterminds/semver/v3"
)

// Range grammar:
//
//	range  := group ("||" group)*
//	group  := clause (("," | whitespace) clause)*
//	clause := op? ws* version | "*"
//	op     := "<" | "<=" | ">" | ">=" | "=" | "==" | "!="
//
// A bare version means "=". A group needs every clause; a range needs any group.
type Range struct {
	raw    string
	groups [][]clause
}

type clause struct {
	op string
	v  *semver.Version
}

var operators = []string{"<=", ">=", "==", "!=", "<", ">", "="}

func ParseRange(s string) (*Range, error) {
	r := &Range{raw: s}
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("empty version range")
	}
	for _, g := range strings.Split(s, "||") {
		group, err := parseGroup(g)
		if err != nil {
			return nil, fmt.Errorf("version range %q: %w", s, err)
		}
		r.groups = append(r.groups, group)
	}
	return r, nil
}

func parseGroup(g string) ([]clause, error) {
	tokens := strings.FieldsFunc(g, func(r rune) bool { return r == ',' || unicode.IsSpace(r) })
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty clause group")
	}

	var out []clause
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok == "*" {
			out = append(out, clause{op: "*"})
			continue
		}
		op, rest := splitOperator(tok)
		if rest == "" {
			if op == "" || i+1 >= len(tokens) {
				return nil, fmt.Errorf("dangling operator %q", tok)
			}
			i++
			rest = tokens[i]
			if next, _ := splitOperator(rest); next != "" {
				return nil, fmt.Errorf("operator %q followed by operator %q", op, rest)
			}
		}
		if op == "" || op == "==" {
			op = "="
		}
		if strings.ContainsAny(rest, "<>=!|") {
			return nil, fmt.Errorf("clauses must be separated in %q", tok)
		}
		v, err := ParseVersion(rest)
		if err != nil {
			return nil, err
		}
		out = append(out, clause{op: op, v: v})
	}
	return out, nil
}

func splitOperator(tok string) (string, string) {
	for _, op := range operators {
		if strings.HasPrefix(tok, op) {
			return op, tok[len(op):]
		}
	}
	return "", tok
}

func (r *Range) Matches(v *semver.Version) bool {
	if r == nil || v == nil {
		return false
	}
	for _, group := range r.groups {
		if groupMatches(group, v) {
			return true
		}
	}
	return false
}

func groupMatches(group []clause, v *semver.Version) bool {
	for _, c := range group {
		if !c.matches(v) {
			return false
		}
	}
	return true
}

func (c clause) matches(v *semver.Version) bool {
	if c.op == "*" {
		return true
	}
	cmp := v.Compare(c.v)
	switch c.op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "!=":
		return cmp != 0
	default:
		return cmp == 0
	}
}

func (r *Range) String() string { return r.raw }

// MatchRange reports whether version falls inside rangeStr. A malformed range
// or version never matches; the error says which side was at fault.
func MatchRange(rangeStr, version string) (bool, error) {
	v, err := ParseVersion(version)
	if err != nil {
		return false, err
	}
	r, err := ParseRange(rangeStr)
	if err != nil {
		return false, err
	}
	return r.Matches(v), nil
}
