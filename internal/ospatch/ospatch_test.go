package ospatch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/patchlynx/internal/analysis"
	"github.com/bl4ck0w1/patchlynx/internal/versiondb"
	"github.com/bl4ck0w1/patchlynx/pkg/models"
	"github.com/bl4ck0w1/patchlynx/pkg/utils"
)

// fakeExec answers commands by prefix; anything unknown fails.
type fakeExec struct {
	responses map[string]string
	calls     []string
}

func (f *fakeExec) Run(_ context.Context, command string) (string, error) {
	f.calls = append(f.calls, command)
	for prefix, out := range f.responses {
		if strings.HasPrefix(command, prefix) {
			return out, nil
		}
	}
	return "", errors.New("exit status 127")
}

const ubuntuRelease = `NAME="Ubuntu"
VERSION="20.04.6 LTS (Focal Fossa)"
ID=ubuntu
ID_LIKE=debian
PRETTY_NAME="Ubuntu 20.04.6 LTS"
VERSION_ID="20.04"
VERSION_CODENAME=focal
`

const aptList = `Listing...
openssl/focal-updates,focal-security 1.1.1f-1ubuntu2.20 amd64 [upgradable from: 1.1.1f-1ubuntu2.19]
curl/focal-updates 7.68.0-1ubuntu2.21 amd64 [upgradable from: 7.68.0-1ubuntu2.20]
bogus/focal-updates 1.0-1 amd64 [upgradable from: 1.0-1]
`

const opensslChangelog = `openssl (1.1.1f-1ubuntu2.20) focal-security; urgency=medium

  * SECURITY UPDATE: double free
    - CVE-2023-0286 and CVE-2023-0215
  * SECURITY UPDATE: timing oracle
    - CVE-2022-4304

 -- Someone <someone@ubuntu.com>  Tue, 07 Feb 2023 10:00:00 -0500

openssl (1.1.1f-1ubuntu2.19) focal-security; urgency=medium

  * SECURITY UPDATE: older
    - CVE-2022-0778
`

func newDetector(exec Executor) *Detector {
	return NewDetector(exec, nil, Options{}, utils.QuietLogger())
}

func TestParseOSRelease(t *testing.T) {
	info := ParseOSRelease(ubuntuRelease)
	assert.Equal(t, "ubuntu", info.ID)
	assert.Equal(t, "20.04", info.VersionID)
	assert.Equal(t, "focal", info.Codename)
	assert.Equal(t, FamilyDebian, info.Family)
	assert.Equal(t, "Ubuntu 20.04.6 LTS", info.PrettyName)

	rocky := ParseOSRelease("ID=\"rocky\"\nID_LIKE=\"rhel centos fedora\"\nVERSION_ID=\"8.7\"\n")
	assert.Equal(t, FamilyRHEL, rocky.Family)

	unknown := ParseOSRelease("ID=nixos\n")
	assert.Equal(t, "nixos", unknown.Family)
}

func TestDetect_Apt(t *testing.T) {
	exec := &fakeExec{responses: map[string]string{
		"cat /etc/os-release":         ubuntuRelease,
		"uname -r":                    "5.4.0-150-generic\n",
		"apt list --upgradable":       aptList,
		"apt-get changelog 'openssl'": opensslChangelog,
	}}

	info, patches, err := newDetector(exec).Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "apt", info.PackageManager)
	assert.Equal(t, "5.4.0-150-generic", info.Kernel)

	require.Len(t, patches, 2)
	ssl := patches[0]
	assert.Equal(t, "openssl", ssl.Package)
	assert.Equal(t, "1.1.1f-1ubuntu2.19", ssl.CurrentVersion)
	assert.Equal(t, "1.1.1f-1ubuntu2.20", ssl.FixedVersion)
	assert.True(t, ssl.Security)
	assert.Equal(t, models.SeverityMedium, ssl.Severity)
	assert.Equal(t, []string{"CVE-2022-4304", "CVE-2023-0215", "CVE-2023-0286"}, ssl.CVEs)
	assert.Equal(t, "CVE-2022-4304", ssl.CVE)

	curl := patches[1]
	assert.False(t, curl.Security)
	assert.Empty(t, curl.CVEs)
	for _, c := range exec.calls {
		assert.NotContains(t, c, "changelog 'curl'")
	}
}

func TestDetect_DNF(t *testing.T) {
	exec := &fakeExec{responses: map[string]string{
		"cat /etc/os-release": "ID=\"rhel\"\nNAME=\"Red Hat Enterprise Linux\"\nVERSION_ID=\"8.6\"\n",
		"command -v dnf":      "/usr/bin/dnf\n",
		"dnf -q updateinfo list --security --with-cve": `CVE-2023-0286 Important/Sec. openssl-1:1.1.1k-9.el8_7.x86_64
CVE-2023-0215 Moderate/Sec.  openssl-1:1.1.1k-9.el8_7.x86_64
CVE-2022-1271 Important/Sec. gzip-1.9-13.el8_5.x86_64
CVE-2021-0001 Low/Sec.       zlib-1.2.11-18.el8_5.x86_64
`,
		"rpm -q": "openssl 1:1.1.1k-7.el8_6\ngzip 0:1.9-12.el8\nzlib 0:1.2.11-18.el8_5\n",
	}}

	info, patches, err := newDetector(exec).Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dnf", info.PackageManager)

	require.Len(t, patches, 2)
	ssl := patches[0]
	assert.Equal(t, "openssl", ssl.Package)
	assert.Equal(t, "1:1.1.1k-7.el8_6", ssl.CurrentVersion)
	assert.Equal(t, "1:1.1.1k-9.el8_7", ssl.FixedVersion)
	assert.Equal(t, models.SeverityHigh, ssl.Severity)
	assert.Equal(t, []string{"CVE-2023-0215", "CVE-2023-0286"}, ssl.CVEs)

	gz := patches[1]
	assert.Equal(t, "gzip", gz.Package)
	assert.Equal(t, "1.9-12.el8", gz.CurrentVersion)
	assert.Equal(t, "CVE-2022-1271", gz.CVE)
}

func TestDetect_APK(t *testing.T) {
	exec := &fakeExec{responses: map[string]string{
		"cat /etc/os-release": "ID=alpine\nVERSION_ID=3.17.2\n",
		"apk version":         "Installed:                                Available:\nmusl-1.2.3-r4                           < 1.2.3-r5\npy3-requests-2.28.1-r1                  < 2.28.2-r0\n",
	}}

	info, patches, err := newDetector(exec).Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "apk", info.PackageManager)
	require.Len(t, patches, 2)
	assert.Equal(t, models.MissingPatch{Package: "musl", CurrentVersion: "1.2.3-r4", FixedVersion: "1.2.3-r5", Source: "apk"}, patches[0])
	assert.Equal(t, "py3-requests", patches[1].Package)
}

func TestDetect_FailingCommands(t *testing.T) {
	exec := &fakeExec{responses: map[string]string{
		"cat /etc/os-release": ubuntuRelease,
	}}

	info, patches, err := newDetector(exec).Detect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Empty(t, patches)
	assert.NotNil(t, patches)
}

func TestDetect_Unsupported(t *testing.T) {
	exec := &fakeExec{responses: map[string]string{
		"cat /etc/os-release": "ID=\"opensuse-leap\"\nID_LIKE=\"suse opensuse\"\nVERSION_ID=\"15.4\"\n",
	}}

	info, patches, err := newDetector(exec).Detect(context.Background())
	assert.ErrorIs(t, err, ErrUnsupportedOS)
	require.NotNil(t, info)
	assert.Equal(t, FamilySUSE, info.Family)
	assert.Empty(t, patches)
}

func TestDetect_Unidentifiable(t *testing.T) {
	info, patches, err := newDetector(&fakeExec{}).Detect(context.Background())
	assert.Error(t, err)
	assert.Nil(t, info)
	assert.Nil(t, patches)
}

func TestDetect_UnameFallback(t *testing.T) {
	exec := &fakeExec{responses: map[string]string{"uname -s": "FreeBSD\n"}}

	info, _, err := newDetector(exec).Detect(context.Background())
	assert.ErrorIs(t, err, ErrUnsupportedOS)
	require.NotNil(t, info)
	assert.Equal(t, "freebsd", info.ID)
}

func TestSplitNEVRA(t *testing.T) {
	testCases := []struct {
		in, name, version string
	}{
		{"openssl-1:1.1.1k-9.el8_7.x86_64", "openssl", "1:1.1.1k-9.el8_7"},
		{"python3-libs-3.6.8-51.el8.noarch", "python3-libs", "3.6.8-51.el8"},
		{"kernel-4.18.0-425.3.1.el8", "kernel", "4.18.0-425.3.1.el8"},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			name, version, ok := splitNEVRA(tc.in)
			require.True(t, ok)
			assert.Equal(t, tc.name, name)
			assert.Equal(t, tc.version, version)
		})
	}
	_, _, ok := splitNEVRA("nodash")
	assert.False(t, ok)
}

func TestComponent_EnrichedFromVersionDB(t *testing.T) {
	db, err := versiondb.Parse([]byte(`
categories:
  operatingSystems:
    ubuntu:
      latest_version: "24.04"
      branches:
        "18.04": {latest: "18.04", eol: true}
        "20.04": {latest: "20.04"}
`), "fixture")
	require.NoError(t, err)
	d := NewDetector(nil, analysis.NewAnalyzer(db, utils.QuietLogger()), Options{}, utils.QuietLogger())

	c := d.Component(ParseOSRelease(ubuntuRelease))
	require.NotNil(t, c)
	assert.Equal(t, models.ComponentOS, c.Type)
	assert.Equal(t, "ubuntu", c.Product)
	require.NotNil(t, c.IsOutdated)
	assert.False(t, *c.IsOutdated)
	assert.False(t, c.EOL)

	bionic := d.Component(&models.OSInfo{ID: "ubuntu", VersionID: "18.04"})
	assert.True(t, bionic.EOL)
	assert.True(t, bionic.Outdated())

	assert.Nil(t, d.Component(nil))
}
