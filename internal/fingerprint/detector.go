package fingerprint

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/patchlynx/internal/analysis"
	vhttp "github.com/bl4ck0w1/patchlynx/internal/validation/http"
	"github.com/bl4ck0w1/patchlynx/internal/versiondb"
	"github.com/bl4ck0w1/patchlynx/pkg/models"
)

type Options struct {
	Timeout      time.Duration
	MaxRedirects int
	UserAgent    string
}

type Detector struct {
	client    vhttp.Client
	analyzer  *analysis.Analyzer
	logger    *logrus.Logger
	rules     []*Rule
	libraries []*Library
}

func NewDetector(client vhttp.Client, analyzer *analysis.Analyzer, logger *logrus.Logger) *Detector {
	if logger == nil {
		logger = logrus.New()
	}
	if analyzer == nil {
		analyzer = analysis.NewAnalyzer(nil, logger)
	}
	return &Detector{
		client:    client,
		analyzer:  analyzer,
		logger:    logger,
		rules:     builtinRules(),
		libraries: builtinLibraries(),
	}
}

// DetectFrameworks fetches baseURL with a fresh client and fingerprints it
// against the built-in version database.
func DetectFrameworks(ctx context.Context, baseURL string, opts Options, logger *logrus.Logger) []models.DetectedComponent {
	client := vhttp.NewFetcher(vhttp.Options{
		Timeout:      opts.Timeout,
		MaxRedirects: opts.MaxRedirects,
		UserAgent:    opts.UserAgent,
	}, logger)
	return NewDetector(client, nil, logger).Detect(ctx, baseURL)
}

// RuleNames lists the CMS rules in evaluation order.
func (d *Detector) RuleNames() []string {
	names := make([]string, 0, len(d.rules))
	for _, r := range d.rules {
		names = append(names, r.Product)
	}
	return names
}

// Detect never fails: an unreachable target or a status >= 400 yields an
// empty list, and problems in later steps are logged.
func (d *Detector) Detect(ctx context.Context, baseURL string) []models.DetectedComponent {
	results := []models.DetectedComponent{}
	log := d.logger.WithField("url", baseURL)

	if d.client == nil {
		log.Warn("No HTTP client configured, skipping framework detection")
		return results
	}
	resp, err := d.client.Get(ctx, baseURL)
	if err != nil {
		log.WithError(err).Warn("Target unreachable")
		return results
	}
	if resp.StatusCode >= 400 {
		log.WithField("status", resp.StatusCode).Info("Target returned an error status, no findings")
		return results
	}

	page := pageFromResponse(resp)
	log.WithFields(logrus.Fields{
		"status":    page.StatusCode,
		"page_hash": page.Hash,
		"scripts":   len(page.Scripts),
		"links":     len(page.Links),
	}).Debug("Page parsed")

	for _, r := range d.rules {
		results = append(results, d.runRule(ctx, r, page)...)
	}

	results = append(results, detectLibraries(d.libraries, page, d.enrich)...)

	for _, c := range detectServerTech(page) {
		d.enrich(categoryOf(c.Name), &c)
		results = append(results, c)
	}

	log.WithField("components", len(results)).Info("Framework detection finished")
	return results
}

// DetectRule evaluates a single CMS rule against an already fetched page.
// Product files are requested relative to page.URL when it is set.
func (d *Detector) DetectRule(ctx context.Context, name string, page *Page) ([]models.DetectedComponent, error) {
	for _, r := range d.rules {
		if strings.EqualFold(r.Product, name) || strings.EqualFold(r.Name, name) {
			out := d.runRule(ctx, r, page)
			if out == nil {
				out = []models.DetectedComponent{}
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("unknown detection rule %q", name)
}

func (d *Detector) runRule(ctx context.Context, r *Rule, p *Page) []models.DetectedComponent {
	method, evidence, ok := r.Present(p)
	if !ok {
		return nil
	}

	cms := models.NewComponent(r.Name, models.ComponentCMS, method)
	cms.Product = r.Product
	cms.Evidence = evidence
	cms.Confidence = confidencePresence

	for _, src := range r.Versions {
		v, ev, found := d.extractVersion(ctx, src, p)
		if !found {
			continue
		}
		cms.Version = v
		cms.DetectionMethod = src.Method
		cms.Evidence = ev
		cms.Confidence = src.Confidence
		break
	}
	if !cms.HasVersion() {
		d.logger.WithField("cms", r.Name).Debug("CMS present but no version exposed")
	}
	d.enrich(versiondb.CategoryCMS, &cms)

	out := []models.DetectedComponent{cms}
	return append(out, d.artifacts(r, p)...)
}

func (d *Detector) extractVersion(ctx context.Context, src VersionSource, p *Page) (string, string, bool) {
	if src.Pattern == nil {
		return "", "", false
	}
	var candidates []string
	switch {
	case src.Path != "":
		body, target, ok := d.fetchFile(ctx, p.URL, src.Path)
		if !ok {
			return "", "", false
		}
		if m := src.Pattern.FindStringSubmatch(body); len(m) > 1 {
			return m[1], target, true
		}
		return "", "", false
	case src.Method == models.DetectedByMeta:
		candidates = p.Metas[strings.ToLower(src.Key)]
	case src.Method == models.DetectedByHeader:
		candidates = p.Headers.Values(src.Key)
	default:
		candidates = []string{p.Body}
	}
	for _, c := range candidates {
		if m := src.Pattern.FindStringSubmatch(c); len(m) > 1 {
			return m[1], strings.TrimSpace(m[0]), true
		}
	}
	return "", "", false
}

func (d *Detector) fetchFile(ctx context.Context, base, rel string) (string, string, bool) {
	if base == "" || d.client == nil {
		return "", "", false
	}
	target, err := resolvePath(base, rel)
	if err != nil {
		d.logger.WithError(err).Debug("Cannot resolve product file")
		return "", "", false
	}
	resp, err := d.client.Get(ctx, target)
	if err != nil {
		d.logger.WithError(err).WithField("file", target).Debug("Product file fetch failed")
		return "", "", false
	}
	if resp.StatusCode >= 400 {
		return "", "", false
	}
	return resp.Body, target, true
}

// resolvePath joins rel onto the directory of base.
func resolvePath(base, rel string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	dir := u.Path
	if dir == "" {
		dir = "/"
	} else if !strings.HasSuffix(dir, "/") {
		if strings.Contains(path.Base(dir), ".") {
			dir = path.Dir(dir) + "/"
		} else {
			dir += "/"
		}
	}
	u.Path = dir
	u.RawQuery = ""
	u.Fragment = ""
	return u.ResolveReference(&url.URL{Path: strings.TrimPrefix(rel, "/")}).String(), nil
}

// artifacts collects plugins and themes for r. A name is reported once; the
// first occurrence carrying a version hint wins.
func (d *Detector) artifacts(r *Rule, p *Page) []models.DetectedComponent {
	var out []models.DetectedComponent
	index := make(map[string]int)

	scan := func(raw string, method models.DetectionMethod) {
		for _, a := range r.Artifacts {
			m := a.Pattern.FindStringSubmatch(raw)
			if len(m) < 2 {
				continue
			}
			name := strings.ToLower(m[1])
			version, hasVersion := queryVersion(raw)
			key := string(a.Type) + "|" + name
			if i, seen := index[key]; seen {
				if hasVersion && !out[i].HasVersion() {
					out[i].Version = version
					out[i].Evidence = raw
				}
				continue
			}
			c := models.NewComponent(name, a.Type, method)
			c.Product = name
			c.Parent = r.Product
			c.Evidence = raw
			c.Confidence = confidenceArtifact
			if hasVersion {
				c.Version = version
			}
			index[key] = len(out)
			out = append(out, c)
		}
	}
	for _, src := range p.Scripts {
		scan(src, models.DetectedByScript)
	}
	for _, href := range p.Links {
		scan(href, models.DetectedByLink)
	}

	for i := range out {
		d.enrich(versiondb.CategoryPlugins, &out[i])
	}
	return out
}

func (d *Detector) enrich(category versiondb.Category, c *models.DetectedComponent) {
	if category == "" || !c.HasVersion() {
		return
	}
	// Enrich logs malformed versions itself.
	_ = d.analyzer.Enrich(category, c)
}
