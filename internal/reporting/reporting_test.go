package reporting

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/bl4ck0w1/patchlynx/pkg/models"
	"github.com/bl4ck0w1/patchlynx/pkg/utils"
)

func vuln(id string, sev models.Severity, cvss float64) models.ReportedVulnerability {
	return models.ReportedVulnerability{
		VulnerabilityRecord: models.VulnerabilityRecord{CVEID: id, Severity: sev, CVSSScore: cvss},
		Component:           "wordpress",
		ComponentVersion:    "5.8.0",
		Source:              "version-db",
	}
}

func sampleReport() *models.PatchAssessmentReport {
	r := models.NewPatchAssessmentReport("7d1f3c2a", "https://shop.example.com")
	r.AssessedAt = time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)
	r.DurationMs = 1500

	wp := models.NewComponent("wordpress", models.ComponentCMS, models.DetectedByMeta)
	wp.Version = "5.8.0"
	wp.SetOutdated(true)
	wp.LatestVersion = "6.5.2"
	wp.LatestInBranch = "5.8.9"
	r.Frameworks = append(r.Frameworks, wp)
	r.CountComponent(&r.Frameworks[0])

	web := models.NewComponent("nginx", models.ComponentWebServer, models.DetectedByHeader)
	web.Version = "1.25.3"
	web.SetOutdated(false)
	r.WebServer = &web

	r.AddVulnerability(vuln("CVE-2022-21661", models.SeverityHigh, 7.5))
	r.AddVulnerability(vuln("CVE-2023-2745", models.SeverityMedium, 0))
	r.AddMissingPatch(models.MissingPatch{
		Package:        "openssl",
		CurrentVersion: "3.0.2-0ubuntu1.10",
		FixedVersion:   "3.0.2-0ubuntu1.15",
		CVEs:           []string{"CVE-2024-0727"},
		Severity:       models.SeverityLow,
		Security:       true,
		Source:         "apt",
	})
	return r
}

func TestRiskScorer_ScoreReport(t *testing.T) {
	scorer := NewRiskScorer()

	tests := []struct {
		name  string
		build func() *models.PatchAssessmentReport
		score float64
		level string
	}{
		{
			name:  "empty report",
			build: func() *models.PatchAssessmentReport { return models.NewPatchAssessmentReport("a", "t") },
			score: 0,
			level: models.RiskLevelNone,
		},
		{
			name: "single critical",
			build: func() *models.PatchAssessmentReport {
				r := models.NewPatchAssessmentReport("a", "t")
				r.AddVulnerability(vuln("CVE-1", models.SeverityCritical, 0))
				return r
			},
			score: 10,
			level: models.RiskLevelCritical,
		},
		{
			name: "peak and average",
			build: func() *models.PatchAssessmentReport {
				r := models.NewPatchAssessmentReport("a", "t")
				r.AddVulnerability(vuln("CVE-1", models.SeverityHigh, 0))
				r.AddVulnerability(vuln("CVE-2", models.SeverityLow, 0))
				return r
			},
			// 0.7*7.5 + 0.3*5
			score: 6.75,
			level: models.RiskLevelMedium,
		},
		{
			name: "eol and outdated penalties",
			build: func() *models.PatchAssessmentReport {
				r := models.NewPatchAssessmentReport("a", "t")
				eol := models.NewComponent("php", models.ComponentServerLanguage, models.DetectedByHeader)
				eol.EOL = true
				eol.SetOutdated(true)
				old := models.NewComponent("jquery", models.ComponentJSLibrary, models.DetectedByScript)
				old.SetOutdated(true)
				r.Frameworks = append(r.Frameworks, eol, old)
				for i := range r.Frameworks {
					r.CountComponent(&r.Frameworks[i])
				}
				r.AddMissingPatch(models.MissingPatch{Package: "bash"})
				return r
			},
			score: 2.25,
			level: models.RiskLevelLow,
		},
		{
			name: "capped at ten",
			build: func() *models.PatchAssessmentReport {
				r := models.NewPatchAssessmentReport("a", "t")
				r.AddVulnerability(vuln("CVE-1", models.SeverityCritical, 9.8))
				for i := 0; i < 4; i++ {
					c := models.NewComponent("x", models.ComponentCMS, models.DetectedByMeta)
					c.EOL = true
					r.Frameworks = append(r.Frameworks, c)
					r.CountComponent(&r.Frameworks[len(r.Frameworks)-1])
				}
				return r
			},
			score: 10,
			level: models.RiskLevelCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.build()
			scorer.Apply(r)
			assert.InDelta(t, tt.score, r.RiskScore, 0.001)
			assert.Equal(t, tt.level, r.RiskLevel)
		})
	}
}

func TestRiskScorer_RankVulnerabilities(t *testing.T) {
	in := []models.ReportedVulnerability{
		vuln("CVE-3", models.SeverityLow, 0),
		vuln("CVE-2", models.SeverityHigh, 9.1),
		vuln("CVE-1", models.SeverityCritical, 0),
		vuln("CVE-0", models.SeverityLow, 0),
	}
	ranked := NewRiskScorer().RankVulnerabilities(in)

	ids := make([]string, len(ranked))
	for i, v := range ranked {
		ids[i] = v.CVEID
	}
	assert.Equal(t, []string{"CVE-1", "CVE-2", "CVE-0", "CVE-3"}, ids)
	assert.Equal(t, "CVE-3", in[0].CVEID)
}

func TestRiskScorer_CustomWeights(t *testing.T) {
	scorer := NewRiskScorerWithWeights(map[models.Severity]float64{models.SeverityLow: 4})
	assert.Equal(t, 4.0, scorer.VulnerabilityScore(vuln("CVE-1", models.SeverityLow, 0)))
	assert.Equal(t, 1.0, scorer.VulnerabilityScore(vuln("CVE-2", "", 0)))
}

func TestRender_JSON(t *testing.T) {
	out, err := Render(sampleReport(), "JSON")
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "https://shop.example.com", decoded["target"])
	assert.Nil(t, decoded["operatingSystem"])
	assert.Len(t, decoded["vulnerabilities"], 2)
	assert.True(t, strings.HasSuffix(string(out), "\n"))
}

func TestRender_YAML(t *testing.T) {
	out, err := Render(sampleReport(), models.ReportFormatYAML)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Equal(t, "7d1f3c2a", decoded["id"])
	summary, ok := decoded["summary"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 2, summary["total_vulnerabilities"])
}

func TestRender_Text(t *testing.T) {
	r := sampleReport()
	r.AddError("database assessment skipped: %s", "no credentials")
	NewRiskScorer().Apply(r)

	out, err := Render(r, models.ReportFormatText)
	require.NoError(t, err)
	text := string(out)

	assert.NotContains(t, text, "\x1b[")
	assert.Contains(t, text, "Target:      https://shop.example.com")
	assert.Contains(t, text, "Operating system: not assessed")
	assert.Contains(t, text, "Web server:       nginx 1.25.3 [current]")
	assert.Contains(t, text, "wordpress 5.8.0 [outdated, latest 5.8.9]")
	assert.Contains(t, text, "openssl 3.0.2-0ubuntu1.10 -> 3.0.2-0ubuntu1.15 LOW CVE-2024-0727")
	assert.Contains(t, text, "(2: 0 critical, 1 high, 1 medium, 0 low)")
	assert.Contains(t, text, "database assessment skipped: no credentials")
	assert.Less(t, strings.Index(text, "HIGH CVE-2022-21661"), strings.Index(text, "MEDIUM CVE-2023-2745"))
}

func TestRender_TextColored(t *testing.T) {
	gen := NewReportGenerator(ReportConfig{Color: true}, utils.QuietLogger())
	out, err := gen.Render(sampleReport(), models.ReportFormatText)
	require.NoError(t, err)
	assert.Contains(t, string(out), "\x1b[")
}

func TestRender_UnsupportedFormat(t *testing.T) {
	_, err := Render(sampleReport(), "pdf")
	assert.ErrorContains(t, err, "unsupported report format")
}

func TestExportReport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	gen := NewReportGenerator(ReportConfig{OutputDir: dir}, utils.QuietLogger())
	assert.Equal(t, []string{"json", "text", "yaml"}, gen.SupportedFormats())

	path, err := gen.ExportReport(sampleReport(), models.ReportFormatText)
	require.NoError(t, err)
	assert.Equal(t, "patchlynx_shop.example.com_20240502_093000.txt", filepath.Base(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "PatchLynx assessment")
}

func TestTextFormatter_CustomTemplate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.tmpl"),
		[]byte(`{{.Target}} {{risk .RiskScore .RiskLevel}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("{{"), 0o644))

	f := NewTextFormatter(false)
	require.NoError(t, f.Templates().LoadDir(dir, textFuncs(false, nil)))

	r := models.NewPatchAssessmentReport("a", "db01")
	out, err := f.Format(r)
	require.NoError(t, err)
	assert.Equal(t, "db01 0.00/10 ()", string(out))
}
