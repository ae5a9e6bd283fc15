package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/patchlynx/pkg/models"
	"github.com/bl4ck0w1/patchlynx/pkg/utils"
)

func newStorage(t *testing.T, compression bool, retention time.Duration) *LocalStorage {
	t.Helper()
	ls, err := NewLocalStorage(t.TempDir(), compression, retention, utils.QuietLogger())
	require.NoError(t, err)
	return ls
}

func report(id, target string, at time.Time) *models.PatchAssessmentReport {
	r := models.NewPatchAssessmentReport(id, target)
	r.AssessedAt = at
	r.AddVulnerability(models.ReportedVulnerability{
		VulnerabilityRecord: models.VulnerabilityRecord{CVEID: "CVE-2021-23017", Severity: models.SeverityHigh},
		Component:           "nginx",
	})
	r.RiskScore = 7.5
	return r
}

func TestLocalStorage_ReportRoundTrip(t *testing.T) {
	for _, compression := range []bool{false, true} {
		name := "plain"
		if compression {
			name = "gzip"
		}
		t.Run(name, func(t *testing.T) {
			ls := newStorage(t, compression, 0)
			in := report("r-1", "https://a.example", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))

			path, err := ls.SaveReport(in)
			require.NoError(t, err)
			assert.Equal(t, compression, strings.HasSuffix(path, ".json.gz"))

			out, err := ls.LoadReport("r-1")
			require.NoError(t, err)
			assert.Equal(t, in.Target, out.Target)
			assert.True(t, in.AssessedAt.Equal(out.AssessedAt))
			assert.Equal(t, in.Summary, out.Summary)
			require.Len(t, out.Vulnerabilities, 1)
			assert.Equal(t, "CVE-2021-23017", out.Vulnerabilities[0].CVEID)

			entries, err := os.ReadDir(filepath.Join(ls.BaseDir(), tempDir))
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestLocalStorage_CompressionSwitchReplacesCopy(t *testing.T) {
	dir := t.TempDir()
	plain, err := NewLocalStorage(dir, false, 0, utils.QuietLogger())
	require.NoError(t, err)
	_, err = plain.SaveReport(report("r-1", "a", time.Now()))
	require.NoError(t, err)

	gz, err := NewLocalStorage(dir, true, 0, utils.QuietLogger())
	require.NoError(t, err)
	_, err = gz.SaveReport(report("r-1", "b", time.Now()))
	require.NoError(t, err)

	assert.False(t, utils.FileExists(filepath.Join(dir, reportsDir, "r-1.json")))
	out, err := plain.LoadReport("r-1")
	require.NoError(t, err)
	assert.Equal(t, "b", out.Target)
}

func TestLocalStorage_Errors(t *testing.T) {
	ls := newStorage(t, false, 0)

	_, err := ls.LoadReport("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = ls.SaveReport(report("../escape", "a", time.Now()))
	assert.Error(t, err)

	_, err = ls.LoadAssets("../../etc/passwd")
	assert.Error(t, err)

	assert.ErrorIs(t, ls.DeleteReport("missing"), ErrNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(ls.BaseDir(), reportsDir, "broken.json"), []byte("{"), 0o644))
	_, err = ls.LoadReport("broken")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestLocalStorage_ListReports(t *testing.T) {
	ls := newStorage(t, false, 0)
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"r-a", "r-b", "r-c"} {
		_, err := ls.SaveReport(report(id, "t", base.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(ls.BaseDir(), reportsDir, "junk.json"), []byte("not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ls.BaseDir(), reportsDir, "notes.txt"), []byte("x"), 0o644))

	reports, err := ls.ListReports()
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, "r-c", reports[0].ID)
	assert.Equal(t, "r-a", reports[2].ID)

	require.NoError(t, ls.DeleteReport("r-b"))
	reports, err = ls.ListReports()
	require.NoError(t, err)
	assert.Len(t, reports, 2)
}

func TestLocalStorage_Assets(t *testing.T) {
	ls := newStorage(t, true, 0)
	assets := []models.Asset{
		{ID: "a1", Hostname: "db-prod-01", AssetType: "database-server", Tags: []string{"db", "production"}},
		{ID: "a2", IPAddress: "10.0.0.7", AssetType: models.AssetTypeUnknown, Tags: []string{}},
	}

	_, err := ls.SaveAssets("run-1", assets)
	require.NoError(t, err)

	got, err := ls.LoadAssets("run-1")
	require.NoError(t, err)
	assert.Equal(t, assets, got)

	_, err = ls.LoadAssets("run-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStorage_Cleanup(t *testing.T) {
	ls := newStorage(t, false, 24*time.Hour)
	_, err := ls.SaveReport(report("old", "t", time.Now()))
	require.NoError(t, err)
	_, err = ls.SaveReport(report("new", "t", time.Now()))
	require.NoError(t, err)

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(ls.BaseDir(), reportsDir, "old.json"), old, old))

	assert.Equal(t, 1, ls.Cleanup(time.Now()))
	_, err = ls.LoadReport("old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = ls.LoadReport("new")
	assert.NoError(t, err)

	noRetention := newStorage(t, false, 0)
	_, err = noRetention.SaveReport(report("kept", "t", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 0, noRetention.Cleanup(time.Now().Add(365*24*time.Hour)))
}

func TestLocalStorage_Stats(t *testing.T) {
	ls := newStorage(t, false, time.Hour)
	_, err := ls.SaveReport(report("r-1", "t", time.Now()))
	require.NoError(t, err)

	stats, err := ls.GetStorageStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats["file_counts"].(map[string]int)[reportsDir])
	assert.Equal(t, "1h0m0s", stats["retention_period"])
	assert.Greater(t, stats["total_size_bytes"].(int64), int64(0))
}

func TestReportRepository(t *testing.T) {
	ctx := context.Background()
	ls := newStorage(t, false, 0)
	repo := NewReportRepository(ls, utils.QuietLogger())

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"r-1", "r-2"} {
		_, err := repo.Store(ctx, report(id, "https://shop.example.com", base.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}
	_, err := repo.Store(ctx, report("r-3", "db01", base))
	require.NoError(t, err)

	assert.Equal(t, []string{"db01", "https://shop.example.com"}, repo.Targets())

	latest, err := repo.Latest(ctx, "https://shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, "r-2", latest.ID)

	_, err = repo.FindByTarget(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	// A second repository over the same directory reads the persisted index.
	reopened := NewReportRepository(ls, utils.QuietLogger())
	history, err := reopened.FindByTarget(ctx, "https://shop.example.com")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	require.NoError(t, reopened.Delete(ctx, "r-3"))
	assert.Equal(t, []string{"https://shop.example.com"}, reopened.Targets())

	stats, err := reopened.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats["reports"])
	assert.Equal(t, 7.5, stats["max_risk_score"])
}

func TestReportRepository_RebuildsMissingIndex(t *testing.T) {
	ctx := context.Background()
	ls := newStorage(t, true, 0)
	_, err := ls.SaveReport(report("r-1", "edge-01", time.Now()))
	require.NoError(t, err)

	repo := NewReportRepository(ls, utils.QuietLogger())
	assert.Equal(t, []string{"edge-01"}, repo.Targets())
	assert.True(t, utils.FileExists(filepath.Join(ls.BaseDir(), indexFile)))

	r, err := repo.Latest(ctx, "edge-01")
	require.NoError(t, err)
	assert.Equal(t, "r-1", r.ID)
}
