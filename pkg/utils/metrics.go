package utils

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bl4ck0w1/patchlynx/pkg/models"
)

const (
	MetricAssessments        = "patchlynx_assessments_total"
	MetricAssessmentErrors   = "patchlynx_assessment_errors_total"
	MetricComponents         = "patchlynx_detected_components_total"
	MetricVulnerabilities    = "patchlynx_vulnerabilities_total"
	MetricMissingPatches     = "patchlynx_missing_patches_total"
	MetricAssessmentDuration = "patchlynx_assessment_duration_seconds"
	MetricAssetsClassified   = "patchlynx_assets_classified_total"
	MetricInFlight           = "patchlynx_assessments_in_flight"
)

type MetricsCollector struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	mu         sync.RWMutex
}

func NewMetricsCollector(enableRuntimeMetrics bool) *MetricsCollector {
	reg := prometheus.NewRegistry()
	if enableRuntimeMetrics {
		_ = reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		_ = reg.Register(collectors.NewGoCollector())
	}
	return &MetricsCollector{
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// NewAssessmentMetrics registers the series the assessment pipeline reports.
func NewAssessmentMetrics(enableRuntimeMetrics bool) *MetricsCollector {
	m := NewMetricsCollector(enableRuntimeMetrics)
	_ = m.RegisterCounter(MetricAssessments, "Patch assessments performed", "outcome")
	_ = m.RegisterCounter(MetricAssessmentErrors, "Non-fatal sub-assessment failures", "stage")
	_ = m.RegisterCounter(MetricComponents, "Detected software components", "type")
	_ = m.RegisterCounter(MetricVulnerabilities, "Vulnerabilities attached to reports", "severity")
	_ = m.RegisterCounter(MetricMissingPatches, "Missing OS patches found", "source")
	_ = m.RegisterCounter(MetricAssetsClassified, "Assets classified", "asset_type")
	_ = m.RegisterGauge(MetricInFlight, "Assessments currently running")
	_ = m.RegisterHistogram(MetricAssessmentDuration, "Patch assessment duration",
		[]float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60})
	return m
}

func (m *MetricsCollector) RegisterCounter(name, help string, labelNames ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.counters[name]; ok {
		return nil
	}
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labelNames)
	if err := m.registry.Register(cv); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.counters[name] = are.ExistingCollector.(*prometheus.CounterVec)
			return nil
		}
		return err
	}
	m.counters[name] = cv
	return nil
}

func (m *MetricsCollector) RegisterGauge(name, help string, labelNames ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gauges[name]; ok {
		return nil
	}
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labelNames)
	if err := m.registry.Register(gv); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.gauges[name] = are.ExistingCollector.(*prometheus.GaugeVec)
			return nil
		}
		return err
	}
	m.gauges[name] = gv
	return nil
}

func (m *MetricsCollector) RegisterHistogram(name, help string, buckets []float64, labelNames ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.histograms[name]; ok {
		return nil
	}
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labelNames)
	if err := m.registry.Register(hv); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.histograms[name] = are.ExistingCollector.(*prometheus.HistogramVec)
			return nil
		}
		return err
	}
	m.histograms[name] = hv
	return nil
}

func (m *MetricsCollector) IncCounter(name string, delta float64, labels prometheus.Labels) {
	m.mu.RLock()
	cv := m.counters[name]
	m.mu.RUnlock()
	if cv != nil {
		cv.With(labels).Add(delta)
	}
}

func (m *MetricsCollector) AddGauge(name string, delta float64, labels prometheus.Labels) {
	m.mu.RLock()
	gv := m.gauges[name]
	m.mu.RUnlock()
	if gv != nil {
		gv.With(labels).Add(delta)
	}
}

func (m *MetricsCollector) ObserveHistogram(name string, value float64, labels prometheus.Labels) {
	m.mu.RLock()
	hv := m.histograms[name]
	m.mu.RUnlock()
	if hv != nil {
		hv.With(labels).Observe(value)
	}
}

// RecordReport folds a finished report into the assessment series. Safe on a nil collector.
func (m *MetricsCollector) RecordReport(r *models.PatchAssessmentReport, elapsed time.Duration) {
	if m == nil || r == nil {
		return
	}
	outcome := "clean"
	if len(r.Errors) > 0 {
		outcome = "partial"
	}
	m.IncCounter(MetricAssessments, 1, prometheus.Labels{"outcome": outcome})
	m.ObserveHistogram(MetricAssessmentDuration, elapsed.Seconds(), prometheus.Labels{})
	for _, c := range r.Components() {
		m.IncCounter(MetricComponents, 1, prometheus.Labels{"type": string(c.Type)})
	}
	for _, v := range r.Vulnerabilities {
		m.IncCounter(MetricVulnerabilities, 1, prometheus.Labels{"severity": v.Severity.String()})
	}
	for _, p := range r.MissingPatches {
		m.IncCounter(MetricMissingPatches, 1, prometheus.Labels{"source": p.Source})
	}
}

func (m *MetricsCollector) RecordStageError(stage string) {
	if m == nil {
		return
	}
	m.IncCounter(MetricAssessmentErrors, 1, prometheus.Labels{"stage": stage})
}

func (m *MetricsCollector) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.AddGauge(MetricInFlight, 1, prometheus.Labels{})
	return func() { m.AddGauge(MetricInFlight, -1, prometheus.Labels{}) }
}

func (m *MetricsCollector) RecordClassified(assets []models.Asset) {
	if m == nil {
		return
	}
	for _, a := range assets {
		m.IncCounter(MetricAssetsClassified, 1, prometheus.Labels{"asset_type": a.AssetType})
	}
}

func (m *MetricsCollector) StartServerWithContext(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("metrics server error: %w", err)
	}
}

func (m *MetricsCollector) GetRegistry() *prometheus.Registry {
	return m.registry
}
