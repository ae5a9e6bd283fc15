package reporting

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/bl4ck0w1/patchlynx/pkg/models"
	"github.com/bl4ck0w1/patchlynx/pkg/utils"
)

type Formatter interface {
	Format(report *models.PatchAssessmentReport) ([]byte, error)
	FileExtension() string
}

type ReportConfig struct {
	OutputDir string
	Color     bool
}

// ReportGenerator renders assessment reports and writes them to the output
// directory.
type ReportGenerator struct {
	formatters map[string]Formatter
	logger     *logrus.Logger
	mu         sync.RWMutex
	config     ReportConfig
}

func NewReportGenerator(config ReportConfig, logger *logrus.Logger) *ReportGenerator {
	if logger == nil {
		logger = logrus.New()
	}
	rg := &ReportGenerator{
		formatters: make(map[string]Formatter),
		logger:     logger,
		config:     config,
	}
	rg.RegisterFormatter(models.ReportFormatJSON, JSONFormatter{})
	rg.RegisterFormatter(models.ReportFormatYAML, YAMLFormatter{})
	rg.RegisterFormatter(models.ReportFormatText, NewTextFormatter(config.Color))
	return rg
}

func (rg *ReportGenerator) RegisterFormatter(name string, f Formatter) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	rg.formatters[strings.ToLower(name)] = f
}

func (rg *ReportGenerator) SupportedFormats() []string {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	names := make([]string, 0, len(rg.formatters))
	for k := range rg.formatters {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (rg *ReportGenerator) formatter(format string) (Formatter, error) {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	f, ok := rg.formatters[strings.ToLower(format)]
	if !ok {
		return nil, fmt.Errorf("unsupported report format: %s", format)
	}
	return f, nil
}

func (rg *ReportGenerator) Render(report *models.PatchAssessmentReport, format string) ([]byte, error) {
	f, err := rg.formatter(format)
	if err != nil {
		return nil, err
	}
	data, err := f.Format(report)
	if err != nil {
		return nil, fmt.Errorf("failed to format report: %w", err)
	}
	return data, nil
}

// ExportReport writes the rendered report into the output directory and
// returns its path.
func (rg *ReportGenerator) ExportReport(report *models.PatchAssessmentReport, format string) (string, error) {
	f, err := rg.formatter(format)
	if err != nil {
		return "", err
	}
	data, err := f.Format(report)
	if err != nil {
		return "", fmt.Errorf("failed to format report: %w", err)
	}
	outPath := filepath.Join(rg.config.OutputDir, report.GenerateFileName(f.FileExtension()))
	if err := os.MkdirAll(rg.config.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to ensure output dir: %w", err)
	}
	if err := utils.SafeWriteFile(outPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	rg.logger.Infof("Report exported to %s", outPath)
	return outPath, nil
}

var defaultGenerator = NewReportGenerator(ReportConfig{}, utils.QuietLogger())

// Render formats report as json, yaml or uncolored text.
func Render(report *models.PatchAssessmentReport, format string) ([]byte, error) {
	return defaultGenerator.Render(report, format)
}

type JSONFormatter struct{}

func (JSONFormatter) Format(r *models.PatchAssessmentReport) ([]byte, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func (JSONFormatter) FileExtension() string { return "json" }

type YAMLFormatter struct{}

func (YAMLFormatter) Format(r *models.PatchAssessmentReport) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (YAMLFormatter) FileExtension() string { return "yaml" }

// TextFormatter renders the "report" template of its TemplateManager.
type TextFormatter struct {
	templates *TemplateManager
	scorer    *RiskScorer
	colored   bool
}

func NewTextFormatter(colored bool) *TextFormatter {
	tm := NewTemplateManager()
	if err := tm.Register("report", textReportTemplate, textFuncs(false, nil)); err != nil {
		panic(err)
	}
	return &TextFormatter{templates: tm, scorer: NewRiskScorer(), colored: colored}
}

// Templates exposes the manager so callers can load their own "report"
// template.
func (f *TextFormatter) Templates() *TemplateManager { return f.templates }

func (f *TextFormatter) FileExtension() string { return "txt" }

func (f *TextFormatter) Format(r *models.PatchAssessmentReport) ([]byte, error) {
	tpl, ok := f.templates.Get("report")
	if !ok {
		return nil, fmt.Errorf("text template %q not registered", "report")
	}
	tpl, err := tpl.Clone()
	if err != nil {
		return nil, err
	}
	tpl = tpl.Funcs(textFuncs(f.colored, f.scorer))

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, r); err != nil {
		return nil, fmt.Errorf("render text report: %w", err)
	}
	return buf.Bytes(), nil
}

func paint(enabled bool, attrs ...color.Attribute) func(a ...interface{}) string {
	c := color.New(attrs...)
	if enabled {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c.SprintFunc()
}

func textFuncs(colored bool, scorer *RiskScorer) template.FuncMap {
	if scorer == nil {
		scorer = NewRiskScorer()
	}
	bySeverity := map[models.Severity]func(a ...interface{}) string{
		models.SeverityCritical: paint(colored, color.FgHiRed, color.Bold),
		models.SeverityHigh:     paint(colored, color.FgRed),
		models.SeverityMedium:   paint(colored, color.FgYellow),
		models.SeverityLow:      paint(colored, color.FgCyan),
		models.SeverityInfo:     paint(colored, color.FgWhite),
	}
	plain := paint(false)
	bold := paint(colored, color.Bold)
	green := paint(colored, color.FgGreen)
	red := paint(colored, color.FgRed)

	severity := func(s models.Severity) string {
		p, ok := bySeverity[models.ParseSeverity(string(s))]
		if !ok {
			p = plain
		}
		return p(strings.ToUpper(s.String()))
	}

	return template.FuncMap{
		"bold":     func(s string) string { return bold(s) },
		"severity": severity,
		"risk": func(score float64, level string) string {
			p, ok := bySeverity[models.Severity(level)]
			if !ok {
				p = plain
			}
			return p(fmt.Sprintf("%.2f/10 (%s)", score, level))
		},
		"duration": func(ms int64) string {
			return utils.HumanizeDuration(time.Duration(ms) * time.Millisecond)
		},
		"timestamp": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
		"component": func(c *models.DetectedComponent) string {
			if c == nil {
				return "not assessed"
			}
			s := c.Name
			if c.HasVersion() {
				s += " " + c.Version
			}
			switch {
			case c.EOL:
				s += " " + red("[EOL]")
			case c.IsOutdated == nil:
				s += " [status unknown]"
			case *c.IsOutdated:
				latest := utils.FirstNonEmpty(c.LatestInBranch, c.LatestVersion)
				s += " " + red("[outdated, latest "+latest+"]")
			default:
				s += " " + green("[current]")
			}
			return s
		},
		"join": func(s []string) string { return strings.Join(s, ", ") },
		"ref":  func(c models.DetectedComponent) *models.DetectedComponent { return &c },
		"ranked": func(v []models.ReportedVulnerability) []models.ReportedVulnerability {
			return scorer.RankVulnerabilities(v)
		},
	}
}

const textReportTemplate = `{{bold "PatchLynx assessment"}} {{.ID}}
Target:      {{.Target}}
Assessed at: {{timestamp .AssessedAt}} ({{duration .DurationMs}})
Risk:        {{risk .RiskScore .RiskLevel}}

Operating system: {{component .OperatingSystem}}
Web server:       {{component .WebServer}}
Database:         {{component .Database}}

{{bold "Frameworks"}} ({{len .Frameworks}})
{{- range .Frameworks}}
  - [{{.Type}}] {{component (ref .)}} via {{.DetectionMethod}}{{if .Parent}} ({{.Parent}}){{end}}
{{- end}}

{{bold "Missing patches"}} ({{len .MissingPatches}})
{{- range .MissingPatches}}
  - {{.Package}} {{.CurrentVersion}} -> {{.FixedVersion}} {{severity .Severity}}{{if .AllCVEs}} {{join .AllCVEs}}{{end}}
{{- end}}

{{bold "Vulnerabilities"}} ({{.Summary.TotalVulnerabilities}}: {{.Summary.Critical}} critical, {{.Summary.High}} high, {{.Summary.Medium}} medium, {{.Summary.Low}} low)
{{- range ranked .Vulnerabilities}}
  - {{severity .Severity}} {{.CVEID}} {{.Component}}{{if .ComponentVersion}} {{.ComponentVersion}}{{end}}{{if .FixedIn}}, fixed in {{.FixedIn}}{{end}}
{{- end}}

Outdated components: {{.Summary.OutdatedComponents}}, EOL components: {{.Summary.EOLComponents}}
{{- if .Errors}}

{{bold "Errors"}}
{{- range .Errors}}
  - {{.}}
{{- end}}
{{- end}}
`
