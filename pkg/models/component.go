package models

import (
	"fmt"
	"strings"
)

type ComponentType string

const (
	ComponentCMS             ComponentType = "cms"
	ComponentPlugin          ComponentType = "plugin"
	ComponentTheme           ComponentType = "theme"
	ComponentJSLibrary       ComponentType = "javascript-library"
	ComponentCSSFramework    ComponentType = "css-framework"
	ComponentServerLanguage  ComponentType = "server-language"
	ComponentServerFramework ComponentType = "server-framework"
	ComponentOS              ComponentType = "os"
	ComponentWebServer       ComponentType = "web-server"
	ComponentDatabase        ComponentType = "database"
)

type DetectionMethod string

const (
	DetectedByMeta      DetectionMethod = "meta"
	DetectedByHeader    DetectionMethod = "header"
	DetectedByScript    DetectionMethod = "script"
	DetectedByLink      DetectionMethod = "link"
	DetectedByCookie    DetectionMethod = "cookie"
	DetectedByPattern   DetectionMethod = "pattern"
	DetectedByChangelog DetectionMethod = "changelog"
	DetectedByManifest  DetectionMethod = "manifest"
	DetectedByReadme    DetectionMethod = "readme"
)

type VulnerabilityRecord struct {
	CVEID            string   `json:"cveId" yaml:"cve_id"`
	AffectedVersions []string `json:"affectedVersionRanges" yaml:"affected_version_ranges"`
	FixedIn          string   `json:"fixedInVersion,omitempty" yaml:"fixed_in_version,omitempty"`
	Description      string   `json:"description,omitempty" yaml:"description,omitempty"`
	Severity         Severity `json:"severity" yaml:"severity"`
	CVSSScore        float64  `json:"cvssScore,omitempty" yaml:"cvss_score,omitempty"`
}

func (v VulnerabilityRecord) NVDLink() string {
	if v.CVEID == "" {
		return ""
	}
	return fmt.Sprintf("https://nvd.nist.gov/vuln/detail/%s", v.CVEID)
}

// DetectedComponent lives for a single scan. IsOutdated is nil when the
// version database could not answer, which callers must not read as "current".
type DetectedComponent struct {
	Name            string                `json:"name" yaml:"name"`
	Product         string                `json:"product,omitempty" yaml:"product,omitempty"`
	Type            ComponentType         `json:"type" yaml:"type"`
	Version         string                `json:"version,omitempty" yaml:"version,omitempty"`
	IsOutdated      *bool                 `json:"isOutdated,omitempty" yaml:"is_outdated,omitempty"`
	LatestVersion   string                `json:"latestVersion,omitempty" yaml:"latest_version,omitempty"`
	LatestInBranch  string                `json:"latestInBranch,omitempty" yaml:"latest_in_branch,omitempty"`
	EOL             bool                  `json:"eol,omitempty" yaml:"eol,omitempty"`
	Vulnerabilities []VulnerabilityRecord `json:"vulnerabilities" yaml:"vulnerabilities"`
	DetectionMethod DetectionMethod       `json:"detectionMethod" yaml:"detection_method"`
	Confidence      int                   `json:"confidence" yaml:"confidence"`
	Parent          string                `json:"parent,omitempty" yaml:"parent,omitempty"`
	Evidence        string                `json:"evidence,omitempty" yaml:"evidence,omitempty"`
}

func NewComponent(name string, typ ComponentType, method DetectionMethod) DetectedComponent {
	return DetectedComponent{
		Name:            name,
		Type:            typ,
		DetectionMethod: method,
		Confidence:      100,
		Vulnerabilities: []VulnerabilityRecord{},
	}
}

func (c *DetectedComponent) HasVersion() bool { return strings.TrimSpace(c.Version) != "" }

func (c *DetectedComponent) Outdated() bool { return c.IsOutdated != nil && *c.IsOutdated }

func (c *DetectedComponent) SetOutdated(outdated bool) {
	c.IsOutdated = &outdated
}

// VersionEntry is one flattened row of the version database.
type VersionEntry struct {
	Category         string `json:"category" yaml:"category"`
	Product          string `json:"product" yaml:"product"`
	Branch           string `json:"branch,omitempty" yaml:"branch,omitempty"`
	LatestVersion    string `json:"latestVersion" yaml:"latest_version"`
	EOL              bool   `json:"eol" yaml:"eol"`
	EndOfSupportDate string `json:"endOfSupportDate,omitempty" yaml:"end_of_support_date,omitempty"`
	Vulnerabilities  int    `json:"vulnerabilities" yaml:"vulnerabilities"`
}
