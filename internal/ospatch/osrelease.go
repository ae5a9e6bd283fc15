package ospatch

import (
	"bufio"
	"strings"

	"github.com/bl4ck0w1/patchlynx/pkg/models"
)

const (
	FamilyDebian = "debian"
	FamilyRHEL   = "rhel"
	FamilyAlpine = "alpine"
	FamilySUSE   = "suse"
)

var familyByID = map[string]string{
	"debian":    FamilyDebian,
	"ubuntu":    FamilyDebian,
	"linuxmint": FamilyDebian,
	"raspbian":  FamilyDebian,
	"rhel":      FamilyRHEL,
	"centos":    FamilyRHEL,
	"fedora":    FamilyRHEL,
	"rocky":     FamilyRHEL,
	"almalinux": FamilyRHEL,
	"ol":        FamilyRHEL,
	"amzn":      FamilyRHEL,
	"alpine":    FamilyAlpine,
	"sles":      FamilySUSE,
	"opensuse":  FamilySUSE,
}

// ParseOSRelease reads an /etc/os-release document. Unknown keys are ignored.
func ParseOSRelease(content string) *models.OSInfo {
	kv := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		kv[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(val), `"'`)
	}

	info := &models.OSInfo{
		ID:         strings.ToLower(kv["ID"]),
		Name:       kv["NAME"],
		PrettyName: kv["PRETTY_NAME"],
		Version:    kv["VERSION"],
		VersionID:  kv["VERSION_ID"],
		Codename:   kv["VERSION_CODENAME"],
	}
	if info.Codename == "" {
		info.Codename = kv["UBUNTU_CODENAME"]
	}
	info.Family = familyOf(info.ID, kv["ID_LIKE"])
	return info
}

func familyOf(id, idLike string) string {
	if f, ok := familyByID[id]; ok {
		return f
	}
	for _, like := range strings.Fields(strings.ToLower(idLike)) {
		if f, ok := familyByID[like]; ok {
			return f
		}
		if strings.HasPrefix(like, "suse") {
			return FamilySUSE
		}
	}
	return id
}
