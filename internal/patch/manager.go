package patch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/patchlynx/internal/analysis"
	"github.com/bl4ck0w1/patchlynx/internal/fingerprint"
	"github.com/bl4ck0w1/patchlynx/internal/ospatch"
	"github.com/bl4ck0w1/patchlynx/internal/reporting"
	vhttp "github.com/bl4ck0w1/patchlynx/internal/validation/http"
	"github.com/bl4ck0w1/patchlynx/internal/versiondb"
	"github.com/bl4ck0w1/patchlynx/pkg/models"
	"github.com/bl4ck0w1/patchlynx/pkg/utils"
)

const (
	StageOS         = "os"
	StageWebServer  = "web-server"
	StageDatabase   = "database"
	StageFrameworks = "frameworks"

	SourceVersionDB = "version-db"
	SourceOSPackage = "os-package"
)

// ServerInfo carries response headers the caller already has, keyed
// case-insensitively.
type ServerInfo struct {
	Headers map[string]string `json:"headers" yaml:"headers"`
}

func (s *ServerInfo) Header(name string) string {
	if s == nil {
		return ""
	}
	for k, v := range s.Headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

type DatabaseInfo struct {
	Type    string `json:"type" yaml:"type"`
	Version string `json:"version" yaml:"version"`
}

// Target lists the capabilities available for one assessment. Each nil or
// empty field skips the sub-assessment that needs it.
type Target struct {
	Name         string           `json:"name,omitempty" yaml:"name,omitempty"`
	BaseURL      string           `json:"baseUrl,omitempty" yaml:"base_url,omitempty"`
	SSHClient    ospatch.Executor `json:"-" yaml:"-"`
	ServerInfo   *ServerInfo      `json:"serverInfo,omitempty" yaml:"server_info,omitempty"`
	DatabaseInfo *DatabaseInfo    `json:"databaseInfo,omitempty" yaml:"database_info,omitempty"`
}

// Label names the target in reports and logs.
func (t Target) Label() string {
	if t.Name != "" {
		return t.Name
	}
	if t.BaseURL != "" {
		return t.BaseURL
	}
	if h := t.ServerInfo.Header("Host"); h != "" {
		return h
	}
	return "unknown"
}

type Options struct {
	Timeout      time.Duration
	MaxRedirects int
	UserAgent    string
	// ProbeServer sends HEAD requests to BaseURL when ServerInfo carries no
	// Server header.
	ProbeServer bool
	OS          ospatch.Options
	// HTTPClient replaces the per-assessment fetcher.
	HTTPClient vhttp.Client
}

type serverProber interface {
	ProbeServer(ctx context.Context, host string) (*vhttp.Response, error)
}

// Manager runs patch assessments. It holds no per-assessment state, so one
// Manager serves concurrent calls.
type Manager struct {
	analyzer *analysis.Analyzer
	scorer   *reporting.RiskScorer
	metrics  *utils.MetricsCollector
	logger   *logrus.Logger
}

func NewManager(analyzer *analysis.Analyzer, metrics *utils.MetricsCollector, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if analyzer == nil {
		analyzer = analysis.NewAnalyzer(nil, logger)
	}
	return &Manager{
		analyzer: analyzer,
		scorer:   reporting.NewRiskScorer(),
		metrics:  metrics,
		logger:   logger,
	}
}

// PerformPatchAssessment assesses target against the built-in version
// database.
func PerformPatchAssessment(ctx context.Context, target Target, opts Options) *models.PatchAssessmentReport {
	return NewManager(nil, nil, logrus.StandardLogger()).PerformPatchAssessment(ctx, target, opts)
}

// PerformPatchAssessment always returns a report. Failures of a
// sub-assessment end up in report.Errors and never stop the others.
func (m *Manager) PerformPatchAssessment(ctx context.Context, target Target, opts Options) *models.PatchAssessmentReport {
	start := time.Now()
	done := m.metrics.TrackInFlight()
	defer done()

	report := models.NewPatchAssessmentReport(uuid.NewString(), target.Label())
	log := m.logger.WithFields(logrus.Fields{"assessment": report.ID, "target": report.Target})
	log.Info("Patch assessment started")

	if target.SSHClient != nil {
		m.guard(log, report, StageOS, func() error { return m.assessOS(ctx, target, opts, report) })
	}
	if target.ServerInfo != nil || (opts.ProbeServer && target.BaseURL != "") {
		m.guard(log, report, StageWebServer, func() error { return m.assessWebServer(ctx, target, opts, report) })
	}
	if target.DatabaseInfo != nil && strings.TrimSpace(target.DatabaseInfo.Type) != "" {
		m.guard(log, report, StageDatabase, func() error { return m.assessDatabase(target.DatabaseInfo, report) })
	}
	if target.BaseURL != "" {
		m.guard(log, report, StageFrameworks, func() error { return m.assessFrameworks(ctx, target, opts, report) })
	}

	m.aggregate(report)
	elapsed := time.Since(start)
	report.DurationMs = elapsed.Milliseconds()
	m.metrics.RecordReport(report, elapsed)

	log.WithFields(logrus.Fields{
		"components":      len(report.Components()),
		"vulnerabilities": report.Summary.TotalVulnerabilities,
		"missing_patches": report.Summary.MissingPatches,
		"risk_score":      report.RiskScore,
		"errors":          len(report.Errors),
		"duration":        elapsed,
	}).Info("Patch assessment finished")
	return report
}

func (m *Manager) guard(log *logrus.Entry, report *models.PatchAssessmentReport, stage string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			report.AddError("%s assessment panicked: %v", stage, r)
			m.metrics.RecordStageError(stage)
			log.WithField("stage", stage).Errorf("Sub-assessment panicked: %v", r)
		}
	}()
	if err := fn(); err != nil {
		report.AddError("%s assessment: %v", stage, err)
		m.metrics.RecordStageError(stage)
		log.WithField("stage", stage).WithError(err).Warn("Sub-assessment failed")
	}
}

func (m *Manager) assessOS(ctx context.Context, target Target, opts Options, report *models.PatchAssessmentReport) error {
	det := ospatch.NewDetector(target.SSHClient, m.analyzer, opts.OS, m.logger)
	info, patches, err := det.Detect(ctx)
	if info != nil {
		report.OSDetails = info
		report.OperatingSystem = det.Component(info)
	}
	for _, p := range patches {
		report.AddMissingPatch(p)
	}
	if err != nil {
		if errors.Is(err, ospatch.ErrUnsupportedOS) && info != nil {
			return fmt.Errorf("no patch source for %s: %w", utils.FirstNonEmpty(info.PrettyName, info.ID), err)
		}
		return err
	}
	return nil
}

func (m *Manager) assessWebServer(ctx context.Context, target Target, opts Options, report *models.PatchAssessmentReport) error {
	header := target.ServerInfo.Header("Server")
	evidence := "Server: " + header
	if header == "" && opts.ProbeServer && target.BaseURL != "" {
		prober, ok := m.client(opts).(serverProber)
		if !ok {
			return nil
		}
		host := target.BaseURL
		if u, err := url.Parse(target.BaseURL); err == nil && u.Host != "" {
			host = u.Host
		}
		resp, err := prober.ProbeServer(ctx, host)
		if err != nil {
			return fmt.Errorf("probe %s: %w", host, err)
		}
		header = resp.Header("Server")
		evidence = "Server: " + header + " (probe " + resp.URL + ")"
	}
	if header == "" {
		return nil
	}

	c := m.webServerComponent(header)
	if c == nil {
		m.logger.WithField("server", header).Debug("Server header names no product")
		return nil
	}
	c.Evidence = evidence
	_ = m.analyzer.Enrich(versiondb.CategoryWebServers, c)
	report.WebServer = c
	return nil
}

// webServerComponent picks the product from a Server header. Known products
// beat unknown ones and a versioned match beats a bare one, so
// "Apache Tomcat/9.0.1" resolves to tomcat.
func (m *Manager) webServerComponent(header string) *models.DetectedComponent {
	tokens := vhttp.ParseProductTokens(header)
	if len(tokens) == 0 {
		return nil
	}
	db := m.analyzer.DB()

	best, bestRank := -1, 0
	var bestProduct versiondb.Product
	for i, tok := range tokens {
		p, known := db.Lookup(versiondb.CategoryWebServers, tok.Product)
		rank := 1
		if known {
			rank = 2
			if tok.Version != "" {
				rank = 3
			}
		}
		if rank > bestRank {
			best, bestRank, bestProduct = i, rank, p
		}
	}
	tok := tokens[best]

	c := models.NewComponent(tok.Product, models.ComponentWebServer, models.DetectedByHeader)
	if bestRank > 1 {
		c.Name = bestProduct.Name
		c.Product = bestProduct.Name
	}
	c.Version = tok.Version
	// Apache-Coyote reports the connector protocol, not the Tomcat release.
	if strings.EqualFold(tok.Product, "apache-coyote") {
		c.Version = ""
	}
	if hint := vhttp.OSHint(tokens); hint != "" {
		m.logger.WithFields(logrus.Fields{"server": c.Name, "os_hint": hint}).Debug("Server header names an operating system")
	}
	return &c
}

func (m *Manager) assessDatabase(info *DatabaseInfo, report *models.PatchAssessmentReport) error {
	name := strings.ToLower(strings.TrimSpace(info.Type))
	c := models.NewComponent(name, models.ComponentDatabase, models.DetectedByManifest)
	if p, ok := m.analyzer.DB().Lookup(versiondb.CategoryDatabases, name); ok {
		c.Name = p.Name
		c.Product = p.Name
	}
	c.Version = strings.TrimSpace(info.Version)
	c.Evidence = "caller-supplied database info"
	_ = m.analyzer.Enrich(versiondb.CategoryDatabases, &c)
	report.Database = &c
	return nil
}

func (m *Manager) assessFrameworks(ctx context.Context, target Target, opts Options, report *models.PatchAssessmentReport) error {
	base, err := utils.NormalizeBaseURL(target.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	found := fingerprint.NewDetector(m.client(opts), m.analyzer, m.logger).Detect(ctx, base)
	report.Frameworks = append(report.Frameworks, found...)
	return nil
}

func (m *Manager) client(opts Options) vhttp.Client {
	if opts.HTTPClient != nil {
		return opts.HTTPClient
	}
	return vhttp.NewFetcher(vhttp.Options{
		Timeout:      opts.Timeout,
		MaxRedirects: opts.MaxRedirects,
		UserAgent:    opts.UserAgent,
	}, m.logger)
}

// aggregate flattens component and patch vulnerabilities into the report,
// counts outdated and EOL components and scores the result.
func (m *Manager) aggregate(report *models.PatchAssessmentReport) {
	for _, c := range report.Components() {
		report.CountComponent(c)
		for _, v := range c.Vulnerabilities {
			report.AddVulnerability(models.ReportedVulnerability{
				VulnerabilityRecord: v,
				Component:           c.Name,
				ComponentVersion:    c.Version,
				Source:              SourceVersionDB,
			})
		}
	}
	for _, p := range report.MissingPatches {
		for _, cve := range p.AllCVEs() {
			report.AddVulnerability(models.ReportedVulnerability{
				VulnerabilityRecord: models.VulnerabilityRecord{
					CVEID:       cve,
					FixedIn:     p.FixedVersion,
					Severity:    p.Severity,
					Description: utils.FirstNonEmpty(p.Advisory, "missing "+p.Source+" update for "+p.Package),
				},
				Component:        p.Package,
				ComponentVersion: p.CurrentVersion,
				Source:           SourceOSPackage,
			})
		}
	}
	m.scorer.Apply(report)
}
