package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/patchlynx/pkg/models"
	"github.com/bl4ck0w1/patchlynx/pkg/utils"
)

func TestLoadConfig_Overlay(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "config.yaml")
	file := models.DefaultConfig()
	file.Storage.Path = "/var/lib/patchlynx"
	file.Reporting.Format = models.ReportFormatJSON
	require.NoError(t, file.Save(path))

	viper.SetConfigFile(path)
	require.NoError(t, viper.ReadInConfig())
	viper.Set("reporting.format", "YAML")
	viper.Set("global.rate_limit", 2.5)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/patchlynx", cfg.Storage.Path)
	assert.Equal(t, models.ReportFormatYAML, cfg.Reporting.Format)
	assert.Equal(t, 2.5, cfg.Global.RateLimit)
	assert.Equal(t, 10*time.Second, cfg.HTTP.Timeout)
}

func TestLoadConfig_InvalidOverride(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("reporting.format", "pdf")
	_, err := LoadConfig()
	assert.ErrorContains(t, err, "reporting.format")
}

func TestMergeSSH(t *testing.T) {
	defaults := models.SSHConfig{Port: 22, User: "ops", KeyFile: "/keys/ops", Timeout: 5 * time.Second}

	tests := []struct {
		name string
		in   models.SSHConfig
		want models.SSHConfig
	}{
		{
			name: "fills everything",
			in:   models.SSHConfig{Host: "10.0.0.1"},
			want: models.SSHConfig{Host: "10.0.0.1", Port: 22, User: "ops", KeyFile: "/keys/ops", Timeout: 5 * time.Second},
		},
		{
			name: "own password keeps default key out",
			in:   models.SSHConfig{Host: "10.0.0.2", User: "root", Password: "pw", Port: 2222},
			want: models.SSHConfig{Host: "10.0.0.2", User: "root", Password: "pw", Port: 2222, Timeout: 5 * time.Second},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mergeSSH(tt.in, defaults))
		})
	}
}

func TestLoadTargets(t *testing.T) {
	cfg := models.DefaultConfig()
	cfg.SSH.User = "ops"
	cfg.SSH.Password = "secret"
	a := &app{cfg: cfg, logger: utils.QuietLogger()}

	path := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`targets:
  - name: shop
    base_url: https://shop.example.com
    server_info:
      headers:
        Server: nginx/1.18.0
  - database_info:
      type: mysql
      version: 5.7.10
    name: db01
  - ssh:
      host: 10.0.0.9
`), 0o644))

	targets, closeAll, err := a.loadTargets(path)
	require.NoError(t, err)
	defer closeAll()

	require.Len(t, targets, 3)
	assert.Equal(t, "https://shop.example.com", targets[0].BaseURL)
	assert.Equal(t, "nginx/1.18.0", targets[0].ServerInfo.Header("server"))
	assert.Equal(t, "mysql", targets[1].DatabaseInfo.Type)
	assert.Equal(t, "10.0.0.9", targets[2].Label())
	assert.NotNil(t, targets[2].SSHClient)

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("targets: []\n"), 0o644))
	_, _, err = a.loadTargets(empty)
	assert.Error(t, err)
}

func TestWriteAssets(t *testing.T) {
	assets := []models.Asset{
		{Hostname: "db-prod-01", IPAddress: "10.0.0.5", AssetType: "database-server", Tags: []string{"db", "production"}},
		{IPAddress: "10.0.0.6", AssetType: models.AssetTypeUnknown},
	}

	var table bytes.Buffer
	require.NoError(t, writeAssets(&table, "table", assets))
	assert.Contains(t, table.String(), "db-prod-01")
	assert.Contains(t, table.String(), "db,production")

	var js bytes.Buffer
	require.NoError(t, writeAssets(&js, "json", assets))
	assert.Contains(t, js.String(), `"assetType": "database-server"`)

	assert.Error(t, writeAssets(&js, "csv", assets))
}

func TestPrintBatchSummary(t *testing.T) {
	ok := models.NewPatchAssessmentReport("r-1", "web-01")
	ok.RiskScore = 4.5
	ok.RiskLevel = models.RiskLevelMedium
	ok.DurationMs = 1500
	failed := models.NewPatchAssessmentReport("r-2", "db-01")
	failed.AddError("not assessed: %v", "context canceled")

	var buf bytes.Buffer
	printBatchSummary(&buf, []*models.PatchAssessmentReport{ok, nil, failed})

	out := buf.String()
	assert.Contains(t, out, "DURATION")
	assert.Contains(t, out, "1.50 seconds")
	assert.Contains(t, out, "web-01")
	assert.Contains(t, out, "db-01")
	assert.Equal(t, 3, strings.Count(strings.TrimSpace(out), "\n")+1)
}
