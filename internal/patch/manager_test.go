package patch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vhttp "github.com/bl4ck0w1/patchlynx/internal/validation/http"
	"github.com/bl4ck0w1/patchlynx/pkg/models"
	"github.com/bl4ck0w1/patchlynx/pkg/utils"
)

type fakeExec struct {
	responses map[string]string
}

func (f *fakeExec) Run(_ context.Context, command string) (string, error) {
	for prefix, out := range f.responses {
		if strings.HasPrefix(command, prefix) {
			return out, nil
		}
	}
	return "", errors.New("exit status 127")
}

type panicClient struct{}

func (panicClient) Get(context.Context, string) (*vhttp.Response, error) {
	panic("connection pool exhausted")
}

func (panicClient) Head(context.Context, string) (*vhttp.Response, error) {
	panic("connection pool exhausted")
}

func newManager(metrics *utils.MetricsCollector) *Manager {
	return NewManager(nil, metrics, utils.QuietLogger())
}

func wordpressSite(t *testing.T, server string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if server != "" {
			w.Header().Set("Server", server)
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><meta name="generator" content="WordPress 5.8" /></head><body></body></html>`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// assertSummaryMatches checks the severity counters against the list.
func assertSummaryMatches(t *testing.T, r *models.PatchAssessmentReport) {
	t.Helper()
	var want models.Summary
	for _, v := range r.Vulnerabilities {
		want.TotalVulnerabilities++
		switch models.ParseSeverity(string(v.Severity)) {
		case models.SeverityCritical:
			want.Critical++
		case models.SeverityHigh:
			want.High++
		case models.SeverityMedium:
			want.Medium++
		case models.SeverityLow:
			want.Low++
		}
	}
	assert.Equal(t, want.TotalVulnerabilities, r.Summary.TotalVulnerabilities)
	assert.Equal(t, want.Critical, r.Summary.Critical)
	assert.Equal(t, want.High, r.Summary.High)
	assert.Equal(t, want.Medium, r.Summary.Medium)
	assert.Equal(t, want.Low, r.Summary.Low)
}

func findComponent(cs []models.DetectedComponent, name string) *models.DetectedComponent {
	for i := range cs {
		if strings.EqualFold(cs[i].Name, name) {
			return &cs[i]
		}
	}
	return nil
}

func TestPerformPatchAssessment_BaseURLOnly(t *testing.T) {
	srv := wordpressSite(t, "")

	r := newManager(nil).PerformPatchAssessment(context.Background(), Target{BaseURL: srv.URL}, Options{})

	assert.Nil(t, r.OperatingSystem)
	assert.Nil(t, r.Database)
	assert.Nil(t, r.WebServer)
	assert.Empty(t, r.Errors)
	assert.Equal(t, srv.URL, r.Target)

	wp := findComponent(r.Frameworks, "WordPress")
	require.NotNil(t, wp)
	assert.Equal(t, "5.8", wp.Version)
	assert.Equal(t, models.DetectedByMeta, wp.DetectionMethod)
	assert.True(t, wp.Outdated())

	require.NotEmpty(t, r.Vulnerabilities)
	total := 0
	for _, c := range r.Frameworks {
		total += len(c.Vulnerabilities)
	}
	assert.Equal(t, total, r.Summary.TotalVulnerabilities)
	for _, v := range r.Vulnerabilities {
		assert.Equal(t, SourceVersionDB, v.Source)
	}
	assert.GreaterOrEqual(t, r.Summary.OutdatedComponents, 1)
	assertSummaryMatches(t, r)
	assert.Greater(t, r.RiskScore, 0.0)
	assert.NotEqual(t, models.RiskLevelNone, r.RiskLevel)
}

func TestPerformPatchAssessment_NoCapabilities(t *testing.T) {
	r := newManager(nil).PerformPatchAssessment(context.Background(), Target{}, Options{})

	assert.Equal(t, "unknown", r.Target)
	assert.Nil(t, r.OperatingSystem)
	assert.Nil(t, r.WebServer)
	assert.Nil(t, r.Database)
	assert.Empty(t, r.Frameworks)
	assert.Empty(t, r.Errors)
	assert.Equal(t, models.Summary{}, r.Summary)
	assert.Equal(t, models.RiskLevelNone, r.RiskLevel)
}

func TestPerformPatchAssessment_WebServerHeader(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		product  string
		version  string
		outdated *bool
		vulns    int
	}{
		{name: "apache with os comment", header: "Apache/2.4.41 (Ubuntu)", product: "apache", version: "2.4.41", outdated: boolPtr(true), vulns: 1},
		{name: "iis", header: "Microsoft-IIS/10.0", product: "iis", version: "10.0", outdated: boolPtr(false)},
		{name: "coyote drops connector version", header: "Apache-Coyote/1.1", product: "tomcat", version: ""},
		{name: "tomcat with vendor prefix", header: "Apache Tomcat/9.0.30", product: "tomcat", version: "9.0.30", outdated: boolPtr(true), vulns: 1},
		{name: "unknown product", header: "cloudflare", product: "cloudflare", version: ""},
	}

	m := newManager(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := m.PerformPatchAssessment(context.Background(), Target{
				Name:       "edge-01",
				ServerInfo: &ServerInfo{Headers: map[string]string{"server": tt.header}},
			}, Options{})

			require.NotNil(t, r.WebServer)
			ws := r.WebServer
			assert.Equal(t, tt.product, ws.Name)
			assert.Equal(t, models.ComponentWebServer, ws.Type)
			assert.Equal(t, models.DetectedByHeader, ws.DetectionMethod)
			assert.Equal(t, tt.version, ws.Version)
			assert.Equal(t, tt.outdated, ws.IsOutdated)
			assert.Len(t, ws.Vulnerabilities, tt.vulns)
			assert.Equal(t, "Server: "+tt.header, ws.Evidence)
			assert.Empty(t, r.Frameworks)
			assertSummaryMatches(t, r)
		})
	}
}

func TestPerformPatchAssessment_ProbeServer(t *testing.T) {
	srv := wordpressSite(t, "nginx/1.18.0")

	r := newManager(nil).PerformPatchAssessment(context.Background(), Target{BaseURL: srv.URL}, Options{ProbeServer: true})

	require.NotNil(t, r.WebServer)
	assert.Equal(t, "nginx", r.WebServer.Name)
	assert.Equal(t, "1.18.0", r.WebServer.Version)
	assert.True(t, r.WebServer.EOL)
	assert.Equal(t, 1, r.Summary.EOLComponents)
	assert.NotNil(t, findComponent(r.Frameworks, "WordPress"))
	assertSummaryMatches(t, r)
}

func TestPerformPatchAssessment_Database(t *testing.T) {
	tests := []struct {
		name    string
		info    DatabaseInfo
		product string
		eol     bool
		vulns   int
	}{
		{name: "mysql eol branch", info: DatabaseInfo{Type: "MySQL", Version: "5.7.10"}, product: "mysql", eol: true, vulns: 1},
		{name: "postgres alias", info: DatabaseInfo{Type: "postgres", Version: "16.3"}, product: "postgresql"},
		{name: "not in database", info: DatabaseInfo{Type: "CockroachDB", Version: "23.1.0"}, product: "cockroachdb"},
	}

	m := newManager(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := tt.info
			r := m.PerformPatchAssessment(context.Background(), Target{Name: "db01", DatabaseInfo: &info}, Options{})

			require.NotNil(t, r.Database)
			assert.Equal(t, tt.product, r.Database.Name)
			assert.Equal(t, models.ComponentDatabase, r.Database.Type)
			assert.Equal(t, tt.eol, r.Database.EOL)
			assert.Len(t, r.Database.Vulnerabilities, tt.vulns)
			assert.Equal(t, tt.vulns, r.Summary.TotalVulnerabilities)
			assertSummaryMatches(t, r)
		})
	}

	r := m.PerformPatchAssessment(context.Background(), Target{DatabaseInfo: &DatabaseInfo{Version: "1.0"}}, Options{})
	assert.Nil(t, r.Database)
}

func TestPerformPatchAssessment_OSPatches(t *testing.T) {
	exec := &fakeExec{responses: map[string]string{
		"cat /etc/os-release": "ID=alpine\nNAME=\"Alpine Linux\"\nVERSION_ID=3.17.2\n",
		"apk version":         "Installed:                                Available:\nmusl-1.2.3-r4                           < 1.2.3-r5\n",
	}}
	metrics := utils.NewAssessmentMetrics(false)

	r := newManager(metrics).PerformPatchAssessment(context.Background(), Target{Name: "alpine-01", SSHClient: exec}, Options{})

	require.NotNil(t, r.OperatingSystem)
	require.NotNil(t, r.OSDetails)
	assert.Equal(t, "apk", r.OSDetails.PackageManager)
	assert.Equal(t, models.ComponentOS, r.OperatingSystem.Type)
	require.Len(t, r.MissingPatches, 1)
	assert.Equal(t, 1, r.Summary.MissingPatches)
	assert.Empty(t, r.Errors)
	assertSummaryMatches(t, r)

	families, err := metrics.GetRegistry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names[utils.MetricAssessments])
	assert.True(t, names[utils.MetricMissingPatches])
}

func TestAggregate_MissingPatchCVEs(t *testing.T) {
	m := newManager(nil)
	r := models.NewPatchAssessmentReport("r1", "host")
	r.AddMissingPatch(models.MissingPatch{
		Package:        "openssl",
		CurrentVersion: "1.1.1f-1ubuntu2.19",
		FixedVersion:   "1.1.1f-1ubuntu2.20",
		CVE:            "CVE-2022-4304",
		CVEs:           []string{"CVE-2022-4304", "CVE-2023-0286"},
		Severity:       models.SeverityHigh,
		Source:         "apt",
	})
	r.AddMissingPatch(models.MissingPatch{Package: "curl", Source: "apt"})

	m.aggregate(r)

	require.Len(t, r.Vulnerabilities, 2)
	for _, v := range r.Vulnerabilities {
		assert.Equal(t, SourceOSPackage, v.Source)
		assert.Equal(t, "openssl", v.Component)
		assert.Equal(t, "1.1.1f-1ubuntu2.20", v.FixedIn)
	}
	assert.Equal(t, 2, r.Summary.High)
	assertSummaryMatches(t, r)
	assert.Greater(t, r.RiskScore, 7.0)
}

func TestPerformPatchAssessment_UnsupportedOSIsRecorded(t *testing.T) {
	exec := &fakeExec{responses: map[string]string{
		"cat /etc/os-release": "ID=\"opensuse-leap\"\nPRETTY_NAME=\"openSUSE Leap 15.4\"\nVERSION_ID=\"15.4\"\n",
	}}

	r := newManager(nil).PerformPatchAssessment(context.Background(), Target{SSHClient: exec}, Options{})

	require.NotNil(t, r.OperatingSystem)
	assert.Empty(t, r.MissingPatches)
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0], "openSUSE Leap 15.4")
}

func TestPerformPatchAssessment_PanicIsContained(t *testing.T) {
	metrics := utils.NewAssessmentMetrics(false)
	r := newManager(metrics).PerformPatchAssessment(context.Background(), Target{
		BaseURL:      "https://shop.example.com",
		DatabaseInfo: &DatabaseInfo{Type: "redis", Version: "7.2.4"},
	}, Options{HTTPClient: panicClient{}})

	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0], "frameworks assessment panicked")
	assert.Contains(t, r.Errors[0], "connection pool exhausted")
	require.NotNil(t, r.Database)
	assert.Equal(t, "redis", r.Database.Name)
	assert.Empty(t, r.Frameworks)
}

func TestTarget_Label(t *testing.T) {
	assert.Equal(t, "named", Target{Name: "named", BaseURL: "https://x"}.Label())
	assert.Equal(t, "https://x", Target{BaseURL: "https://x"}.Label())
	assert.Equal(t, "10.0.0.5", Target{ServerInfo: &ServerInfo{Headers: map[string]string{"HOST": "10.0.0.5"}}}.Label())
	assert.Equal(t, "unknown", Target{}.Label())
}

func boolPtr(b bool) *bool { return &b }
