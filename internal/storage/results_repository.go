package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/patchlynx/pkg/models"
	"github.com/bl4ck0w1/patchlynx/pkg/utils"
)

const indexFile = "reports_index.json"

// ReportRepository indexes stored reports by target so a target's history
// can be read without parsing every file.
type ReportRepository struct {
	storage *LocalStorage
	logger  *logrus.Logger
	mu      sync.RWMutex
	index   map[string][]indexEntry
}

type indexEntry struct {
	ID         string    `json:"id"`
	AssessedAt time.Time `json:"assessedAt"`
	RiskScore  float64   `json:"riskScore"`
}

func NewReportRepository(storage *LocalStorage, logger *logrus.Logger) *ReportRepository {
	if logger == nil {
		logger = logrus.New()
	}
	rr := &ReportRepository{
		storage: storage,
		logger:  logger,
		index:   make(map[string][]indexEntry),
	}
	if err := rr.loadIndex(); err != nil {
		logger.Warnf("Failed to load reports index, rebuilding: %v", err)
		if err := rr.Rebuild(context.Background()); err != nil {
			logger.Warnf("Failed to rebuild reports index: %v", err)
		}
	}
	return rr
}

func (rr *ReportRepository) Store(ctx context.Context, r *models.PatchAssessmentReport) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := rr.storage.SaveReport(r)
	if err != nil {
		return "", err
	}

	rr.mu.Lock()
	defer rr.mu.Unlock()
	entries := rr.index[r.Target][:0:0]
	for _, e := range rr.index[r.Target] {
		if e.ID != r.ID {
			entries = append(entries, e)
		}
	}
	rr.index[r.Target] = append(entries, indexEntry{ID: r.ID, AssessedAt: r.AssessedAt, RiskScore: r.RiskScore})
	if err := rr.saveIndex(); err != nil {
		rr.logger.Warnf("Failed to save reports index: %v", err)
	}
	return path, nil
}

// FindByTarget returns the stored reports of target, newest first.
func (rr *ReportRepository) FindByTarget(ctx context.Context, target string) ([]*models.PatchAssessmentReport, error) {
	rr.mu.RLock()
	entries := append([]indexEntry(nil), rr.index[target]...)
	rr.mu.RUnlock()

	if len(entries) == 0 {
		return nil, fmt.Errorf("reports for %s: %w", target, ErrNotFound)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].AssessedAt.After(entries[j].AssessedAt) })

	reports := make([]*models.PatchAssessmentReport, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		r, err := rr.storage.LoadReport(e.ID)
		if err != nil {
			rr.logger.Warnf("Failed to load report %s: %v", e.ID, err)
			continue
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func (rr *ReportRepository) Latest(ctx context.Context, target string) (*models.PatchAssessmentReport, error) {
	reports, err := rr.FindByTarget(ctx, target)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, fmt.Errorf("reports for %s: %w", target, ErrNotFound)
	}
	return reports[0], nil
}

func (rr *ReportRepository) Targets() []string {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	targets := make([]string, 0, len(rr.index))
	for t := range rr.index {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	return targets
}

func (rr *ReportRepository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rr.storage.DeleteReport(id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	rr.mu.Lock()
	defer rr.mu.Unlock()
	for target, entries := range rr.index {
		kept := entries[:0]
		for _, e := range entries {
			if e.ID != id {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(rr.index, target)
		} else {
			rr.index[target] = kept
		}
	}
	return rr.saveIndex()
}

// Rebuild recreates the index from the report files on disk.
func (rr *ReportRepository) Rebuild(ctx context.Context) error {
	reports, err := rr.storage.ListReports()
	if err != nil {
		return err
	}
	index := make(map[string][]indexEntry)
	for _, r := range reports {
		if err := ctx.Err(); err != nil {
			return err
		}
		index[r.Target] = append(index[r.Target], indexEntry{ID: r.ID, AssessedAt: r.AssessedAt, RiskScore: r.RiskScore})
	}

	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.index = index
	return rr.saveIndex()
}

func (rr *ReportRepository) GetStats(ctx context.Context) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	total := 0
	var peak float64
	for _, entries := range rr.index {
		total += len(entries)
		for _, e := range entries {
			if e.RiskScore > peak {
				peak = e.RiskScore
			}
		}
	}
	return map[string]interface{}{
		"targets":        len(rr.index),
		"reports":        total,
		"max_risk_score": peak,
	}, nil
}

func (rr *ReportRepository) indexPath() string {
	return filepath.Join(rr.storage.BaseDir(), indexFile)
}

func (rr *ReportRepository) loadIndex() error {
	data, err := os.ReadFile(rr.indexPath())
	if os.IsNotExist(err) {
		return rr.Rebuild(context.Background())
	}
	if err != nil {
		return fmt.Errorf("failed to read index file: %w", err)
	}
	index := make(map[string][]indexEntry)
	if err := json.Unmarshal(data, &index); err != nil {
		return fmt.Errorf("failed to unmarshal index: %w", err)
	}
	rr.index = index
	return nil
}

func (rr *ReportRepository) saveIndex() error {
	data, err := json.MarshalIndent(rr.index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}
	return utils.SafeWriteFile(rr.indexPath(), data, 0o644)
}
