package ospatch

import (
	"bufio"
	"context"
	"regexp"
	"sort"
	"strings"

	debversion "github.com/knqyf263/go-deb-version"

	"github.com/bl4ck0w1/patchlynx/pkg/models"
)

var (
	// openssl/focal-updates,focal-security 1.1.1f-1ubuntu2.20 amd64 [upgradable from: 1.1.1f-1ubuntu2.19]
	reAptUpgradable = regexp.MustCompile(`^([^/\s]+)/(\S+)\s+(\S+)\s+\S+\s+\[upgradable from:\s*([^\]\s]+)\]`)
	// openssl (1.1.1f-1ubuntu2.20) focal-security; urgency=medium
	reDebChangelogHead = regexp.MustCompile(`^\S+ \([^)]+\) [^;]+; urgency=`)
	reCVE              = regexp.MustCompile(`CVE-\d{4}-\d{4,7}`)
)

const maxChangelogLines = 400

type aptDriver struct {
	d *Detector
}

func (a *aptDriver) Name() string { return "apt" }

func (a *aptDriver) MissingPatches(ctx context.Context) []models.MissingPatch {
	out, err := a.d.run(ctx, "apt list --upgradable 2>/dev/null")
	if err != nil && out == "" {
		a.d.logger.WithError(err).Warn("apt upgradable listing failed")
		return nil
	}
	patches := parseAptUpgradable(out, a.d.logger.Debugf)

	budget := a.d.options.MaxChangelogs
	for i := range patches {
		if !patches[i].Security || budget <= 0 {
			continue
		}
		budget--
		cl, err := a.d.run(ctx, "apt-get changelog "+shellQuote(patches[i].Package)+" 2>/dev/null")
		if err != nil && cl == "" {
			continue
		}
		if cves := changelogCVEs(cl); len(cves) > 0 {
			patches[i].CVEs = cves
			patches[i].CVE = cves[0]
		}
	}
	return patches
}

// parseAptUpgradable keeps entries whose candidate sorts above the installed
// version; entries with versions dpkg would reject are kept as listed.
func parseAptUpgradable(out string, debugf func(string, ...interface{})) []models.MissingPatch {
	var patches []models.MissingPatch
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		m := reAptUpgradable.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		name, pockets, candidate, installed := m[1], m[2], m[3], m[4]

		cur, err1 := debversion.NewVersion(installed)
		next, err2 := debversion.NewVersion(candidate)
		if err1 == nil && err2 == nil && !cur.LessThan(next) {
			debugf("Skipping %s: %s is not newer than %s", name, candidate, installed)
			continue
		}

		security := strings.Contains(pockets, "-security")
		p := models.MissingPatch{
			Package:        name,
			CurrentVersion: installed,
			FixedVersion:   candidate,
			Security:       security,
			Severity:       models.SeverityLow,
			Source:         "apt",
			Advisory:       pockets,
		}
		if security {
			p.Severity = models.SeverityMedium
		}
		patches = append(patches, p)
	}
	return patches
}

// changelogCVEs returns the CVEs named in the newest changelog stanza.
func changelogCVEs(changelog string) []string {
	seen := make(map[string]struct{})
	stanzas := 0
	lines := 0
	sc := bufio.NewScanner(strings.NewReader(changelog))
	for sc.Scan() && lines < maxChangelogLines {
		lines++
		line := sc.Text()
		if reDebChangelogHead.MatchString(line) {
			stanzas++
			if stanzas > 1 {
				break
			}
			continue
		}
		for _, cve := range reCVE.FindAllString(line, -1) {
			seen[cve] = struct{}{}
		}
	}
	cves := make([]string, 0, len(seen))
	for cve := range seen {
		cves = append(cves, cve)
	}
	sort.Strings(cves)
	return cves
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
