package analysis

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var ErrMalformedVersion = errors.New("malformed version")

// Leading dotted numeric core. A fourth component and anything after the core
// (distro release, build tags, "-beta") is ignored.
var versionCore = regexp.MustCompile(`^[vV]?(\d+)(?:\.(\d+))?(?:\.(\d+))?`)

// ParseVersion zero-pads missing components, so "8.2" and "8.2.0" compare equal.
func ParseVersion(s string) (*semver.Version, error) {
	t := strings.TrimSpace(s)
	m := versionCore.FindStringSubmatch(t)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedVersion, s)
	}
	rest := t[len(m[0]):]
	if strings.HasPrefix(rest, ".") && (len(rest) == 1 || rest[1] < '0' || rest[1] > '9') {
		// "5.x", "1.2." : a non-numeric component, not a suffix
		return nil, fmt.Errorf("%w: %q", ErrMalformedVersion, s)
	}

	var parts [3]uint64
	for i := 0; i < 3; i++ {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseUint(m[i+1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedVersion, s)
		}
		parts[i] = n
	}
	return semver.New(parts[0], parts[1], parts[2], "", ""), nil
}

// CompareVersions returns -1, 0 or 1. Either side failing to parse is an error,
// never an ordering.
func CompareVersions(a, b string) (int, error) {
	va, err := ParseVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := ParseVersion(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}

// BranchKeys lists the branch keys a version may belong to, most specific first.
func BranchKeys(v *semver.Version) []string {
	return []string{
		fmt.Sprintf("%d.%d", v.Major(), v.Minor()),
		strconv.FormatUint(v.Major(), 10),
	}
}
