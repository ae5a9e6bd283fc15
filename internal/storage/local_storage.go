package storage

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/patchlynx/pkg/models"
	"github.com/bl4ck0w1/patchlynx/pkg/utils"
)

var ErrNotFound = errors.New("not found")

const (
	reportsDir = "reports"
	assetsDir  = "assets"
	tempDir    = "temp"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// LocalStorage keeps reports and asset inventories as JSON files under
// baseDir, one file per report ID or discovery run.
type LocalStorage struct {
	baseDir     string
	logger      *logrus.Logger
	mu          sync.RWMutex
	compression bool
	retention   time.Duration
}

func NewLocalStorage(baseDir string, compression bool, retention time.Duration, logger *logrus.Logger) (*LocalStorage, error) {
	if logger == nil {
		logger = logrus.New()
	}
	for _, dir := range []string{reportsDir, assetsDir, tempDir} {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}
	return &LocalStorage{
		baseDir:     baseDir,
		logger:      logger,
		compression: compression,
		retention:   retention,
	}, nil
}

// FromConfig opens the storage described by cfg.
func FromConfig(cfg models.StorageConfig, logger *logrus.Logger) (*LocalStorage, error) {
	return NewLocalStorage(cfg.Path, cfg.Compression, cfg.Retention, logger)
}

func (ls *LocalStorage) BaseDir() string { return ls.baseDir }

func (ls *LocalStorage) SaveReport(r *models.PatchAssessmentReport) (string, error) {
	if r == nil {
		return "", errors.New("nil report")
	}
	if !validID.MatchString(r.ID) {
		return "", fmt.Errorf("invalid report id %q", r.ID)
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	path, err := ls.writeJSON(reportsDir, r.ID, r)
	if err != nil {
		return "", fmt.Errorf("save report %s: %w", r.ID, err)
	}
	ls.logger.WithFields(logrus.Fields{"report": r.ID, "target": r.Target}).Infof("Report saved to %s", path)
	return path, nil
}

func (ls *LocalStorage) LoadReport(id string) (*models.PatchAssessmentReport, error) {
	if !validID.MatchString(id) {
		return nil, fmt.Errorf("invalid report id %q", id)
	}
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	var r models.PatchAssessmentReport
	if err := ls.readJSON(reportsDir, id, &r); err != nil {
		return nil, fmt.Errorf("load report %s: %w", id, err)
	}
	return &r, nil
}

// ListReports returns every stored report, newest first. Files that fail to
// parse are logged and skipped.
func (ls *LocalStorage) ListReports() ([]*models.PatchAssessmentReport, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(ls.baseDir, reportsDir))
	if err != nil {
		return nil, fmt.Errorf("read reports directory: %w", err)
	}
	reports := make([]*models.PatchAssessmentReport, 0, len(entries))
	for _, e := range entries {
		id, ok := storedID(e)
		if !ok {
			continue
		}
		var r models.PatchAssessmentReport
		if err := ls.readJSON(reportsDir, id, &r); err != nil {
			ls.logger.Warnf("Failed to parse report %s: %v", e.Name(), err)
			continue
		}
		reports = append(reports, &r)
	}
	sort.SliceStable(reports, func(i, j int) bool { return reports[i].AssessedAt.After(reports[j].AssessedAt) })
	return reports, nil
}

func (ls *LocalStorage) DeleteReport(id string) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("invalid report id %q", id)
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()

	removed := false
	for _, p := range ls.candidates(reportsDir, id) {
		if err := os.Remove(p); err == nil {
			removed = true
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("delete report %s: %w", id, err)
		}
	}
	if !removed {
		return fmt.Errorf("delete report %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveAssets stores the classified assets of one discovery run.
func (ls *LocalStorage) SaveAssets(runID string, assets []models.Asset) (string, error) {
	if !validID.MatchString(runID) {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	if assets == nil {
		assets = []models.Asset{}
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	path, err := ls.writeJSON(assetsDir, runID, assets)
	if err != nil {
		return "", fmt.Errorf("save assets %s: %w", runID, err)
	}
	ls.logger.WithField("run", runID).Infof("%d assets saved to %s", len(assets), path)
	return path, nil
}

func (ls *LocalStorage) LoadAssets(runID string) ([]models.Asset, error) {
	if !validID.MatchString(runID) {
		return nil, fmt.Errorf("invalid run id %q", runID)
	}
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	var assets []models.Asset
	if err := ls.readJSON(assetsDir, runID, &assets); err != nil {
		return nil, fmt.Errorf("load assets %s: %w", runID, err)
	}
	return assets, nil
}

func (ls *LocalStorage) candidates(dir, id string) []string {
	base := filepath.Join(ls.baseDir, dir, id+".json")
	return []string{base + ".gz", base}
}

func storedID(e os.DirEntry) (string, bool) {
	if e.IsDir() {
		return "", false
	}
	name := e.Name()
	switch {
	case strings.HasPrefix(name, "."):
		return "", false
	case strings.HasSuffix(name, ".json.gz"):
		return strings.TrimSuffix(name, ".json.gz"), true
	case strings.HasSuffix(name, ".json"):
		return strings.TrimSuffix(name, ".json"), true
	}
	return "", false
}

// writeJSON encodes v into a temp file and renames it into place. With
// compression on, the file is gzipped and any plain copy is removed.
func (ls *LocalStorage) writeJSON(dir, id string, v interface{}) (string, error) {
	finalDir := filepath.Join(ls.baseDir, dir)
	finalPath := filepath.Join(finalDir, id+".json")
	stale := finalPath + ".gz"
	if ls.compression {
		finalPath, stale = stale, finalPath
	}

	tmpFile, err := os.CreateTemp(filepath.Join(ls.baseDir, tempDir), "."+id+"_*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmpFile.Name()
	fail := func(err error) (string, error) {
		tmpFile.Close()
		_ = os.Remove(tmpName)
		return "", err
	}

	var w io.Writer = tmpFile
	var gzw *gzip.Writer
	if ls.compression {
		gzw = gzip.NewWriter(tmpFile)
		w = gzw
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fail(fmt.Errorf("encode: %w", err))
	}
	if gzw != nil {
		if err := gzw.Close(); err != nil {
			return fail(fmt.Errorf("close gzip: %w", err))
		}
	}
	if err := tmpFile.Sync(); err != nil {
		return fail(fmt.Errorf("sync temp file: %w", err))
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("atomic rename: %w", err)
	}
	_ = os.Remove(stale)
	return finalPath, nil
}

// readJSON prefers the gzipped copy when both exist.
func (ls *LocalStorage) readJSON(dir, id string, v interface{}) error {
	for _, path := range ls.candidates(dir, id) {
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()

		var r io.Reader = f
		if strings.HasSuffix(path, ".gz") {
			gzr, err := gzip.NewReader(f)
			if err != nil {
				return fmt.Errorf("gzip reader: %w", err)
			}
			defer gzr.Close()
			r = gzr
		}
		if err := json.NewDecoder(r).Decode(v); err != nil {
			return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
		}
		return nil
	}
	return ErrNotFound
}

// Cleanup removes reports and asset files older than the retention period
// and stale temp files. It returns the number of files removed.
func (ls *LocalStorage) Cleanup(now time.Time) int {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	removed := ls.cleanupDirectory(filepath.Join(ls.baseDir, tempDir), now.Add(-time.Hour))
	if ls.retention > 0 {
		cutoff := now.Add(-ls.retention)
		removed += ls.cleanupDirectory(filepath.Join(ls.baseDir, reportsDir), cutoff)
		removed += ls.cleanupDirectory(filepath.Join(ls.baseDir, assetsDir), cutoff)
	}
	return removed
}

// StartRetention runs Cleanup every interval until ctx ends.
func (ls *LocalStorage) StartRetention(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := ls.Cleanup(now); n > 0 {
				ls.logger.Infof("Retention cleanup removed %d files", n)
			}
		}
	}
}

func (ls *LocalStorage) cleanupDirectory(path string, cutoff time.Time) int {
	removed := 0
	err := filepath.Walk(path, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !info.IsDir() && info.ModTime().Before(cutoff) {
			if err := os.Remove(p); err != nil {
				ls.logger.Warnf("Failed to remove old file %s: %v", p, err)
			} else {
				removed++
				ls.logger.Debugf("Removed old file: %s", p)
			}
		}
		return nil
	})
	if err != nil {
		ls.logger.Warnf("Failed to cleanup directory %s: %v", path, err)
	}
	return removed
}

func (ls *LocalStorage) GetStorageStats() (map[string]interface{}, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	var totalSize int64
	counts := make(map[string]int)
	for _, dir := range []string{reportsDir, assetsDir} {
		err := filepath.Walk(filepath.Join(ls.baseDir, dir), func(_ string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() {
				totalSize += info.Size()
				counts[dir]++
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", dir, err)
		}
	}

	return map[string]interface{}{
		"base_dir":            ls.baseDir,
		"total_size_bytes":    totalSize,
		"total_size_human":    utils.HumanizeBytes(totalSize),
		"file_counts":         counts,
		"compression_enabled": ls.compression,
		"retention_period":    ls.retention.String(),
	}, nil
}
