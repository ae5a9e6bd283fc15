package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	ReportFormatJSON = "json"
	ReportFormatYAML = "yaml"
	ReportFormatText = "text"

	RiskLevelNone     = "none"
	RiskLevelLow      = "low"
	RiskLevelMedium   = "medium"
	RiskLevelHigh     = "high"
	RiskLevelCritical = "critical"

	DefaultRiskThresholdCritical = 9.0
	DefaultRiskThresholdHigh     = 7.0
	DefaultRiskThresholdMedium   = 4.0
)

var filenameSanitizer = regexp.MustCompile(`[^\w\-.]+`)

type MissingPatch struct {
	Package        string   `json:"package" yaml:"package"`
	CurrentVersion string   `json:"currentVersion" yaml:"current_version"`
	FixedVersion   string   `json:"fixedVersion" yaml:"fixed_version"`
	CVE            string   `json:"cve,omitempty" yaml:"cve,omitempty"`
	CVEs           []string `json:"cves,omitempty" yaml:"cves,omitempty"`
	Advisory       string   `json:"advisory,omitempty" yaml:"advisory,omitempty"`
	Severity       Severity `json:"severity" yaml:"severity"`
	Security       bool     `json:"security" yaml:"security"`
	Source         string   `json:"source" yaml:"source"`
}

// AllCVEs returns every CVE the patch fixes. CVE is the first of CVEs when
// both are set.
func (p MissingPatch) AllCVEs() []string {
	if len(p.CVEs) > 0 {
		return p.CVEs
	}
	if p.CVE != "" {
		return []string{p.CVE}
	}
	return nil
}

type OSInfo struct {
	ID             string `json:"id" yaml:"id"`
	Name           string `json:"name" yaml:"name"`
	PrettyName     string `json:"prettyName,omitempty" yaml:"pretty_name,omitempty"`
	Version        string `json:"version,omitempty" yaml:"version,omitempty"`
	VersionID      string `json:"versionId,omitempty" yaml:"version_id,omitempty"`
	Codename       string `json:"codename,omitempty" yaml:"codename,omitempty"`
	Family         string `json:"family,omitempty" yaml:"family,omitempty"`
	Kernel         string `json:"kernel,omitempty" yaml:"kernel,omitempty"`
	PackageManager string `json:"packageManager,omitempty" yaml:"package_manager,omitempty"`
}

// ReportedVulnerability is a VulnerabilityRecord flattened into a report
// together with the component it was found on.
type ReportedVulnerability struct {
	VulnerabilityRecord `yaml:",inline"`
	Component           string `json:"component" yaml:"component"`
	ComponentVersion    string `json:"componentVersion,omitempty" yaml:"component_version,omitempty"`
	Source              string `json:"source" yaml:"source"`
}

type Summary struct {
	TotalVulnerabilities int `json:"totalVulnerabilities" yaml:"total_vulnerabilities"`
	Critical             int `json:"critical" yaml:"critical"`
	High                 int `json:"high" yaml:"high"`
	Medium               int `json:"medium" yaml:"medium"`
	Low                  int `json:"low" yaml:"low"`
	OutdatedComponents   int `json:"outdatedComponents" yaml:"outdated_components"`
	EOLComponents        int `json:"eolComponents" yaml:"eol_components"`
	MissingPatches       int `json:"missingPatches" yaml:"missing_patches"`
}

type PatchAssessmentReport struct {
	ID              string                  `json:"id" yaml:"id"`
	Target          string                  `json:"target" yaml:"target"`
	AssessedAt      time.Time               `json:"assessedAt" yaml:"assessed_at"`
	DurationMs      int64                   `json:"durationMs" yaml:"duration_ms"`
	OperatingSystem *DetectedComponent      `json:"operatingSystem" yaml:"operating_system"`
	OSDetails       *OSInfo                 `json:"osDetails,omitempty" yaml:"os_details,omitempty"`
	WebServer       *DetectedComponent      `json:"webServer" yaml:"web_server"`
	Database        *DetectedComponent      `json:"database" yaml:"database"`
	Frameworks      []DetectedComponent     `json:"frameworks" yaml:"frameworks"`
	MissingPatches  []MissingPatch          `json:"missingPatches" yaml:"missing_patches"`
	Vulnerabilities []ReportedVulnerability `json:"vulnerabilities" yaml:"vulnerabilities"`
	Summary         Summary                 `json:"summary" yaml:"summary"`
	RiskScore       float64                 `json:"riskScore" yaml:"risk_score"`
	RiskLevel       string                  `json:"riskLevel" yaml:"risk_level"`
	Errors          []string                `json:"errors" yaml:"errors"`
}

func NewPatchAssessmentReport(id, target string) *PatchAssessmentReport {
	return &PatchAssessmentReport{
		ID:              id,
		Target:          target,
		AssessedAt:      time.Now().UTC(),
		Frameworks:      []DetectedComponent{},
		MissingPatches:  []MissingPatch{},
		Vulnerabilities: []ReportedVulnerability{},
		Errors:          []string{},
	}
}

// AddVulnerability is the only path that touches Vulnerabilities and the
// severity counters, so the two can never drift apart.
func (r *PatchAssessmentReport) AddVulnerability(v ReportedVulnerability) {
	r.Vulnerabilities = append(r.Vulnerabilities, v)
	r.Summary.TotalVulnerabilities++
	switch ParseSeverity(string(v.Severity)) {
	case SeverityCritical:
		r.Summary.Critical++
	case SeverityHigh:
		r.Summary.High++
	case SeverityMedium:
		r.Summary.Medium++
	case SeverityLow:
		r.Summary.Low++
	}
}

func (r *PatchAssessmentReport) AddMissingPatch(p MissingPatch) {
	r.MissingPatches = append(r.MissingPatches, p)
	r.Summary.MissingPatches++
}

// CountComponent folds one component's outdated/EOL state into the summary.
func (r *PatchAssessmentReport) CountComponent(c *DetectedComponent) {
	if c == nil {
		return
	}
	if c.Outdated() {
		r.Summary.OutdatedComponents++
	}
	if c.EOL {
		r.Summary.EOLComponents++
	}
}

func (r *PatchAssessmentReport) AddError(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Components lists every detected component in report order.
func (r *PatchAssessmentReport) Components() []*DetectedComponent {
	var out []*DetectedComponent
	for _, c := range []*DetectedComponent{r.OperatingSystem, r.WebServer, r.Database} {
		if c != nil {
			out = append(out, c)
		}
	}
	for i := range r.Frameworks {
		out = append(out, &r.Frameworks[i])
	}
	return out
}

func (r *PatchAssessmentReport) GenerateFileName(ext string) string {
	tgt := r.Target
	if tgt == "" {
		tgt = "unknown"
	}
	tgt = strings.TrimPrefix(strings.TrimPrefix(tgt, "https://"), "http://")
	tgt = strings.Trim(strings.ToLower(filenameSanitizer.ReplaceAllString(tgt, "_")), "_")

	if ext == "" {
		ext = ReportFormatJSON
	}
	ts := r.AssessedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return fmt.Sprintf("patchlynx_%s_%s.%s", tgt, ts.Format("20060102_150405"), ext)
}

func (r *PatchAssessmentReport) GetDurationString() string {
	d := time.Duration(r.DurationMs) * time.Millisecond
	return fmt.Sprintf("%.2f seconds", d.Seconds())
}

func RiskLevelFromScore(score float64) string {
	switch {
	case score <= 0:
		return RiskLevelNone
	case score >= DefaultRiskThresholdCritical:
		return RiskLevelCritical
	case score >= DefaultRiskThresholdHigh:
		return RiskLevelHigh
	case score >= DefaultRiskThresholdMedium:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}
