package ospatch

import (
	"bufio"
	"context"
	"sort"
	"strings"

	rpmversion "github.com/knqyf263/go-rpm-version"

	"github.com/bl4ck0w1/patchlynx/pkg/models"
)

var rpmArches = map[string]struct{}{
	"x86_64": {}, "noarch": {}, "i686": {}, "i386": {}, "aarch64": {},
	"ppc64le": {}, "s390x": {}, "armv7hl": {}, "src": {},
}

type rpmDriver struct {
	d    *Detector
	tool string
}

func (r *rpmDriver) Name() string { return r.tool }

type updateinfoEntry struct {
	id       string
	severity models.Severity
	name     string
	fixed    string
}

func (r *rpmDriver) MissingPatches(ctx context.Context) []models.MissingPatch {
	commands := []string{
		r.tool + " -q updateinfo list --security --with-cve 2>/dev/null",
		"yum -q updateinfo list security cves 2>/dev/null",
		r.tool + " -q updateinfo list --security 2>/dev/null",
	}
	var entries []updateinfoEntry
	for _, cmd := range commands {
		out, err := r.d.run(ctx, cmd)
		if err != nil && out == "" {
			continue
		}
		if entries = parseUpdateinfo(out); len(entries) > 0 {
			break
		}
	}
	if len(entries) == 0 {
		return nil
	}

	installed := r.installedVersions(ctx, entries)
	return mergeUpdateinfo(entries, installed, r.tool)
}

func (r *rpmDriver) installedVersions(ctx context.Context, entries []updateinfoEntry) map[string]string {
	names := make(map[string]struct{})
	for _, e := range entries {
		names[e.name] = struct{}{}
	}
	args := make([]string, 0, len(names))
	for n := range names {
		args = append(args, shellQuote(n))
	}
	sort.Strings(args)

	out, err := r.d.run(ctx, `rpm -q --qf '%{NAME} %{EPOCHNUM}:%{VERSION}-%{RELEASE}\n' `+strings.Join(args, " "))
	if err != nil && out == "" {
		r.d.logger.WithError(err).Debug("rpm query failed, current versions unknown")
		return nil
	}
	return parseRPMQuery(out)
}

// parseUpdateinfo reads "ID Severity/Sec. name-[epoch:]version-release.arch"
// lines. IDs are either CVEs or vendor advisories.
func parseUpdateinfo(out string) []updateinfoEntry {
	var entries []updateinfoEntry
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) != 3 || !strings.Contains(f[1], "Sec") {
			continue
		}
		name, fixed, ok := splitNEVRA(f[2])
		if !ok {
			continue
		}
		sev := models.SeverityUnknown
		if label, _, found := strings.Cut(f[1], "/"); found {
			sev = models.ParseSeverity(label)
		}
		entries = append(entries, updateinfoEntry{id: f[0], severity: sev, name: name, fixed: fixed})
	}
	return entries
}

// splitNEVRA turns "openssl-1:1.1.1k-9.el8_7.x86_64" into
// ("openssl", "1:1.1.1k-9.el8_7").
func splitNEVRA(s string) (string, string, bool) {
	if i := strings.LastIndex(s, "."); i > 0 {
		if _, ok := rpmArches[s[i+1:]]; ok {
			s = s[:i]
		}
	}
	rel := strings.LastIndex(s, "-")
	if rel <= 0 {
		return "", "", false
	}
	ver := strings.LastIndex(s[:rel], "-")
	if ver <= 0 {
		return "", "", false
	}
	return s[:ver], s[ver+1:], true
}

func parseRPMQuery(out string) map[string]string {
	installed := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) != 2 || !strings.Contains(f[1], ":") {
			continue
		}
		installed[f[0]] = strings.TrimPrefix(f[1], "0:")
	}
	return installed
}

// mergeUpdateinfo folds entries into one patch per package and fixed version,
// drops the ones the installed package already satisfies and keeps the
// highest severity seen.
func mergeUpdateinfo(entries []updateinfoEntry, installed map[string]string, source string) []models.MissingPatch {
	type key struct{ name, fixed string }
	index := make(map[key]int)
	var patches []models.MissingPatch

	for _, e := range entries {
		fixed := strings.TrimPrefix(e.fixed, "0:")
		cur := installed[e.name]
		if cur != "" {
			have, want := rpmversion.NewVersion(cur), rpmversion.NewVersion(fixed)
			if !have.LessThan(want) {
				continue
			}
		}
		k := key{e.name, fixed}
		i, ok := index[k]
		if !ok {
			i = len(patches)
			index[k] = i
			patches = append(patches, models.MissingPatch{
				Package:        e.name,
				CurrentVersion: cur,
				FixedVersion:   fixed,
				Security:       true,
				Severity:       e.severity,
				Source:         source,
			})
		}
		p := &patches[i]
		if e.severity.Rank() > p.Severity.Rank() {
			p.Severity = e.severity
		}
		if strings.HasPrefix(e.id, "CVE-") {
			if !contains(p.CVEs, e.id) {
				p.CVEs = append(p.CVEs, e.id)
				sort.Strings(p.CVEs)
				p.CVE = p.CVEs[0]
			}
		} else if p.Advisory == "" {
			p.Advisory = e.id
		}
	}
	return patches
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
