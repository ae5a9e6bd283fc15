package http

import (
	"regexp"
	"strings"
)

// ProductToken is one "product/version (comment)" item from a Server or
// X-Powered-By header.
type ProductToken struct {
	Product string `json:"product"`
	Version string `json:"version,omitempty"`
	Comment string `json:"comment,omitempty"`
}

var (
	reProductToken = regexp.MustCompile(`([A-Za-z][A-Za-z0-9._\-]*(?:\s(?:HTTP|Web)\sServer)?)(?:/([^\s(),;]+))?`)
	reComment      = regexp.MustCompile(`^\(([^)]*)\)`)
)

// ParseProductTokens splits a header such as
// "Apache/2.4.41 (Ubuntu) OpenSSL/1.1.1f" into its products. Comments attach
// to the product before them.
func ParseProductTokens(header string) []ProductToken {
	var out []ProductToken
	s := strings.TrimSpace(header)
	for s != "" {
		switch {
		case s[0] == '(':
			m := reComment.FindStringSubmatch(s)
			if m == nil {
				return out
			}
			if len(out) > 0 && out[len(out)-1].Comment == "" {
				out[len(out)-1].Comment = strings.TrimSpace(m[1])
			}
			s = s[len(m[0]):]
		case s[0] == ',' || s[0] == ';' || s[0] == ' ' || s[0] == '\t':
			s = s[1:]
		default:
			loc := reProductToken.FindStringSubmatchIndex(s)
			if loc == nil || loc[0] != 0 {
				// skip one unrecognized rune-ish chunk
				if i := strings.IndexAny(s, " ,;("); i > 0 {
					s = s[i:]
				} else {
					return out
				}
				continue
			}
			tok := ProductToken{Product: s[loc[2]:loc[3]]}
			if loc[4] >= 0 {
				tok.Version = s[loc[4]:loc[5]]
			}
			out = append(out, tok)
			s = s[loc[1]:]
		}
	}
	return out
}

var osHints = []struct {
	marker string
	os     string
}{
	{"ubuntu", "ubuntu"},
	{"debian", "debian"},
	{"centos", "centos"},
	{"red hat", "rhel"},
	{"rhel", "rhel"},
	{"fedora", "fedora"},
	{"amazon", "amzn"},
	{"alpine", "alpine"},
	{"win32", "windows"},
	{"win64", "windows"},
	{"windows", "windows"},
	{"freebsd", "freebsd"},
}

// OSHint pulls a distribution name out of header comments, e.g. "(Ubuntu)".
func OSHint(tokens []ProductToken) string {
	for _, t := range tokens {
		c := strings.ToLower(t.Comment)
		if c == "" {
			continue
		}
		for _, h := range osHints {
			if strings.Contains(c, h.marker) {
				return h.os
			}
		}
	}
	return ""
}
