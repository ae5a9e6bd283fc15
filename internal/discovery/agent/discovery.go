package agent

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/patchlynx/internal/classifier"
	"github.com/bl4ck0w1/patchlynx/pkg/models"
	"github.com/bl4ck0w1/patchlynx/pkg/utils"
)

// HostResolver fills in a missing hostname or address.
type HostResolver interface {
	LookupAddr(ctx context.Context, ip string) ([]string, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Run describes one discovery pass. Every call to Discover gets its own, so
// concurrent passes share nothing.
type Run struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Reports    int       `json:"reports"`
	Assets     int       `json:"assets"`
	Skipped    int       `json:"skipped"`
	Resolved   int       `json:"resolved"`
	Errors     []string  `json:"errors"`
}

func (r *Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

type Options struct {
	// Resolver enables DNS enrichment when set.
	Resolver   HostResolver
	Classifier *classifier.Classifier
	Metrics    *utils.MetricsCollector
}

type Discoverer struct {
	options Options
	logger  *logrus.Logger
}

func NewDiscoverer(opts Options, logger *logrus.Logger) *Discoverer {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Classifier == nil {
		opts.Classifier = classifier.NewClassifier(logger)
	}
	return &Discoverer{options: opts, logger: logger}
}

// Discover ingests every report of src and returns the classified assets.
// Only a source failure is returned as an error; bad records are skipped and
// noted on the run.
func Discover(ctx context.Context, src TelemetrySource, logger *logrus.Logger) (*Run, []models.Asset, error) {
	return NewDiscoverer(Options{}, logger).Discover(ctx, src)
}

func (d *Discoverer) Discover(ctx context.Context, src TelemetrySource) (*Run, []models.Asset, error) {
	run := &Run{
		ID:        uuid.NewString(),
		Source:    src.Name(),
		StartedAt: time.Now().UTC(),
		Errors:    []string{},
	}
	log := d.logger.WithFields(logrus.Fields{"run": run.ID, "source": run.Source})
	log.Info("Agent discovery started")

	reports, err := src.Fetch(ctx)
	if err != nil {
		run.FinishedAt = time.Now().UTC()
		run.Errors = append(run.Errors, err.Error())
		return run, nil, fmt.Errorf("fetch telemetry from %s: %w", run.Source, err)
	}
	run.Reports = len(reports)

	byID := make(map[string]int)
	assets := make([]models.Asset, 0, len(reports))
	for i, t := range reports {
		if err := ctx.Err(); err != nil {
			run.Errors = append(run.Errors, fmt.Sprintf("discovery interrupted after %d of %d reports: %v", i, len(reports), err))
			break
		}
		a := t.Asset(run.Source)
		a.ID = assetID(a)
		if err := a.Validate(); err != nil {
			run.Skipped++
			run.Errors = append(run.Errors, fmt.Sprintf("report %d: %v", i, err))
			log.WithError(err).Warn("Skipping invalid agent report")
			continue
		}
		if d.options.Resolver != nil && d.resolve(ctx, &a) {
			run.Resolved++
		}
		if a.LastSeen.IsZero() {
			a.LastSeen = run.StartedAt
		}

		// Repeated reports of one asset collapse onto the newest.
		if j, ok := byID[a.ID]; ok {
			if !a.LastSeen.Before(assets[j].LastSeen) {
				assets[j] = a
			}
			continue
		}
		byID[a.ID] = len(assets)
		assets = append(assets, a)
	}

	classified := d.options.Classifier.Batch(assets)
	sort.SliceStable(classified, func(i, j int) bool { return assetKey(classified[i]) < assetKey(classified[j]) })
	d.options.Metrics.RecordClassified(classified)

	run.Assets = len(classified)
	run.FinishedAt = time.Now().UTC()
	log.WithFields(logrus.Fields{
		"reports":  run.Reports,
		"assets":   run.Assets,
		"skipped":  run.Skipped,
		"resolved": run.Resolved,
		"duration": run.Duration(),
	}).Info("Agent discovery finished")
	return run, classified, nil
}

// resolve fills the hostname from PTR or the address from A/AAAA; it reports
// whether anything was filled.
func (d *Discoverer) resolve(ctx context.Context, a *models.Asset) bool {
	switch {
	case a.Hostname == "" && a.IPAddress != "":
		names, err := d.options.Resolver.LookupAddr(ctx, a.IPAddress)
		if err != nil {
			d.logger.WithError(err).WithField("ip", a.IPAddress).Debug("Reverse lookup failed")
			return false
		}
		if len(names) > 0 {
			a.Hostname = names[0]
			return true
		}
	case a.IPAddress == "" && a.Hostname != "":
		ips, err := d.options.Resolver.LookupHost(ctx, a.Hostname)
		if err != nil {
			d.logger.WithError(err).WithField("hostname", a.Hostname).Debug("Forward lookup failed")
			return false
		}
		for _, ip := range ips {
			if net.ParseIP(ip) != nil {
				a.IPAddress = ip
				return true
			}
		}
	}
	return false
}

var assetNamespace = uuid.MustParse("6f1c0a52-5d0e-4f1b-9a53-0f3f3b1de2a7")

// assetID keeps an asset's ID stable across runs: agent IDs and MAC
// addresses hash to the same UUID each time, an upstream UUID is kept, and
// anything else gets a fresh one.
func assetID(a models.Asset) string {
	switch {
	case a.AgentID != "":
		return uuid.NewSHA1(assetNamespace, []byte("agent:"+a.AgentID)).String()
	case a.ID != "":
		if id, err := uuid.Parse(a.ID); err == nil {
			return id.String()
		}
		return uuid.NewSHA1(assetNamespace, []byte("id:"+a.ID)).String()
	case a.MACAddress != "":
		if mac, err := net.ParseMAC(a.MACAddress); err == nil {
			return uuid.NewSHA1(assetNamespace, []byte("mac:"+mac.String())).String()
		}
	}
	return uuid.NewString()
}

func assetKey(a models.Asset) string {
	return utils.FirstNonEmpty(a.Hostname, a.IPAddress, a.MACAddress, a.ID)
}
