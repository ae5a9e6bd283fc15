package orchestration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bl4ck0w1/patchlynx/internal/patch"
	"github.com/bl4ck0w1/patchlynx/pkg/models"
)

const DefaultMaxConcurrent = 4

type BatchConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
	// RateLimit is assessments started per second; zero means unlimited.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
	// TargetTimeout bounds a single assessment; zero means none.
	TargetTimeout time.Duration `yaml:"target_timeout" json:"target_timeout"`
}

// BatchContext tracks one running AssessAll call.
type BatchContext struct {
	BatchID   string
	Total     int
	StartTime time.Time
	completed atomic.Int64
}

func (b *BatchContext) Completed() int { return int(b.completed.Load()) }

func (b *BatchContext) Progress() float64 {
	if b.Total == 0 {
		return 100
	}
	return float64(b.Completed()) * 100 / float64(b.Total)
}

// BatchAssessor runs patch assessments over many targets with a bounded
// worker pool and a start rate. The assessment core has neither.
type BatchAssessor struct {
	manager *patch.Manager
	logger  *logrus.Logger
	config  BatchConfig
	mu      sync.RWMutex
	active  map[string]*BatchContext
}

func NewBatchAssessor(manager *patch.Manager, config BatchConfig, logger *logrus.Logger) *BatchAssessor {
	if logger == nil {
		logger = logrus.New()
	}
	if manager == nil {
		manager = patch.NewManager(nil, nil, logger)
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultMaxConcurrent
	}
	return &BatchAssessor{
		manager: manager,
		logger:  logger,
		config:  config,
		active:  make(map[string]*BatchContext),
	}
}

// AssessAll returns one report per target in input order. Targets not started
// before ctx ends get a report that records why; the context error is
// returned alongside.
func (b *BatchAssessor) AssessAll(ctx context.Context, targets []patch.Target, opts patch.Options) ([]*models.PatchAssessmentReport, error) {
	batch := &BatchContext{BatchID: uuid.NewString(), Total: len(targets), StartTime: time.Now()}
	b.mu.Lock()
	b.active[batch.BatchID] = batch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.active, batch.BatchID)
		b.mu.Unlock()
	}()

	log := b.logger.WithFields(logrus.Fields{"batch": batch.BatchID, "targets": len(targets)})
	log.Infof("Starting batch assessment with %d workers", b.config.MaxConcurrent)

	limit := rate.Inf
	if b.config.RateLimit > 0 {
		limit = rate.Limit(b.config.RateLimit)
	}
	limiter := rate.NewLimiter(limit, 1)

	reports := make([]*models.PatchAssessmentReport, len(targets))
	g := new(errgroup.Group)
	g.SetLimit(b.config.MaxConcurrent)

	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			if err := limiter.Wait(ctx); err != nil {
				reports[i] = skipped(target, err)
				return nil
			}
			tctx, cancel := ctx, context.CancelFunc(func() {})
			if b.config.TargetTimeout > 0 {
				tctx, cancel = context.WithTimeout(ctx, b.config.TargetTimeout)
			}
			defer cancel()

			reports[i] = b.manager.PerformPatchAssessment(tctx, target, opts)
			batch.completed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	log.WithFields(logrus.Fields{
		"completed": batch.Completed(),
		"duration":  time.Since(batch.StartTime),
	}).Info("Batch assessment finished")

	if err := ctx.Err(); err != nil {
		return reports, fmt.Errorf("batch interrupted after %d of %d targets: %w", batch.Completed(), len(targets), err)
	}
	return reports, nil
}

func skipped(target patch.Target, err error) *models.PatchAssessmentReport {
	r := models.NewPatchAssessmentReport(uuid.NewString(), target.Label())
	r.AddError("not assessed: %v", err)
	r.RiskLevel = models.RiskLevelNone
	return r
}

func (b *BatchAssessor) ListActive() []*BatchContext {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*BatchContext, 0, len(b.active))
	for _, bc := range b.active {
		out = append(out, bc)
	}
	return out
}

func (b *BatchAssessor) GetStats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	details := make([]map[string]interface{}, 0, len(b.active))
	for _, bc := range b.active {
		details = append(details, map[string]interface{}{
			"batch_id":   bc.BatchID,
			"total":      bc.Total,
			"completed":  bc.Completed(),
			"progress":   bc.Progress(),
			"start_time": bc.StartTime,
		})
	}
	return map[string]interface{}{
		"active_batches":  len(b.active),
		"max_concurrent":  b.config.MaxConcurrent,
		"rate_limit":      b.config.RateLimit,
		"target_timeout":  b.config.TargetTimeout.String(),
		"batches_details": details,
	}
}
