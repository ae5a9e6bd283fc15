package ospatch

import (
	"bufio"
	"context"
	"strings"

	"github.com/bl4ck0w1/patchlynx/pkg/models"
)

type apkDriver struct {
	d *Detector
}

func (a *apkDriver) Name() string { return "apk" }

func (a *apkDriver) MissingPatches(ctx context.Context) []models.MissingPatch {
	out, err := a.d.run(ctx, "apk version -l '<' 2>/dev/null")
	if err != nil && out == "" {
		a.d.logger.WithError(err).Warn("apk version listing failed")
		return nil
	}
	return parseAPKVersion(out)
}

// parseAPKVersion reads "musl-1.2.3-r4   < 1.2.3-r5" lines.
func parseAPKVersion(out string) []models.MissingPatch {
	var patches []models.MissingPatch
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		left, right, ok := strings.Cut(sc.Text(), "<")
		if !ok {
			continue
		}
		pkg := strings.TrimSpace(left)
		available := strings.TrimSpace(right)
		if pkg == "" || available == "" || strings.Contains(pkg, " ") {
			continue
		}
		name, current, ok := splitAPKName(pkg)
		if !ok {
			continue
		}
		patches = append(patches, models.MissingPatch{
			Package:        name,
			CurrentVersion: current,
			FixedVersion:   available,
			Severity:       models.SeverityUnknown,
			Source:         "apk",
		})
	}
	return patches
}

// splitAPKName splits "busybox-1.36.1-r2" into ("busybox", "1.36.1-r2").
func splitAPKName(s string) (string, string, bool) {
	rel := strings.LastIndex(s, "-r")
	if rel <= 0 {
		return "", "", false
	}
	ver := strings.LastIndex(s[:rel], "-")
	if ver <= 0 {
		return "", "", false
	}
	return s[:ver], s[ver+1:], true
}
