package fingerprint

import (
	"regexp"
	"strings"

	"github.com/bl4ck0w1/patchlynx/pkg/models"
)

type SignalKind string

const (
	SignalMeta   SignalKind = "meta"
	SignalHeader SignalKind = "header"
	SignalCookie SignalKind = "cookie"
	SignalBody   SignalKind = "body"
	SignalAsset  SignalKind = "asset"
)

// Signal is one presence check. Key names the meta tag or header; a nil
// Pattern means the key only has to exist. Cookie signals match the Pattern
// against cookie names.
type Signal struct {
	Kind    SignalKind
	Key     string
	Pattern *regexp.Regexp
}

// Match reports whether the signal fires on p, the detection method it maps
// to and the text that matched.
func (s Signal) Match(p *Page) (models.DetectionMethod, string, bool) {
	switch s.Kind {
	case SignalMeta:
		for _, v := range p.Metas[strings.ToLower(s.Key)] {
			if s.Pattern == nil || s.Pattern.MatchString(v) {
				return models.DetectedByMeta, v, true
			}
		}
	case SignalHeader:
		for _, v := range p.Headers.Values(s.Key) {
			if s.Pattern == nil || s.Pattern.MatchString(v) {
				return models.DetectedByHeader, s.Key + ": " + v, true
			}
		}
	case SignalCookie:
		for _, c := range p.Cookies {
			if s.Pattern != nil && s.Pattern.MatchString(c) {
				return models.DetectedByCookie, c, true
			}
		}
	case SignalBody:
		if s.Pattern != nil {
			if m := s.Pattern.FindString(p.Body); m != "" {
				return models.DetectedByPattern, m, true
			}
		}
	case SignalAsset:
		if s.Pattern == nil {
			return "", "", false
		}
		for _, src := range p.Scripts {
			if s.Pattern.MatchString(src) {
				return models.DetectedByScript, src, true
			}
		}
		for _, href := range p.Links {
			if s.Pattern.MatchString(href) {
				return models.DetectedByLink, href, true
			}
		}
	}
	return "", "", false
}

// VersionSource is one place a version can be read from. When Path is set the
// file is fetched relative to the site root and Pattern runs on its body;
// otherwise Pattern runs on the meta tag or header named by Key, or on the
// page body for the pattern method. The first submatch is the version.
type VersionSource struct {
	Method     models.DetectionMethod
	Key        string
	Path       string
	Pattern    *regexp.Regexp
	Confidence int
}

// Artifact captures a secondary component (plugin, theme, module) from a
// script or link path. The first submatch is its name.
type Artifact struct {
	Type    models.ComponentType
	Pattern *regexp.Regexp
}

// Rule describes one CMS: presence signals decide whether it is there at all,
// version sources are tried in order until one yields a version.
type Rule struct {
	Name      string
	Product   string
	Presence  []Signal
	Versions  []VersionSource
	Artifacts []Artifact
}

const (
	confidenceMeta     = 100
	confidenceHeader   = 95
	confidenceFile     = 85
	confidencePattern  = 70
	confidencePresence = 60
	confidenceArtifact = 90
)

const versionCapture = `(\d+(?:\.\d+){0,3})`

func mustRe(expr string) *regexp.Regexp { return regexp.MustCompile(expr) }

// Present returns the first presence signal that fires.
func (r *Rule) Present(p *Page) (models.DetectionMethod, string, bool) {
	for _, s := range r.Presence {
		if method, evidence, ok := s.Match(p); ok {
			return method, evidence, true
		}
	}
	return "", "", false
}

func builtinRules() []*Rule {
	return []*Rule{
		{
			Name:    "WordPress",
			Product: "wordpress",
			Presence: []Signal{
				{Kind: SignalMeta, Key: "generator", Pattern: mustRe(`(?i)^wordpress`)},
				{Kind: SignalAsset, Pattern: mustRe(`/wp-(?:content|includes)/`)},
				{Kind: SignalBody, Pattern: mustRe(`/wp-(?:content|includes)/|wp-json|wp-embed`)},
				{Kind: SignalHeader, Key: "Link", Pattern: mustRe(`(?i)api\.w\.org`)},
				{Kind: SignalCookie, Pattern: mustRe(`^(?:wordpress_|wp-settings-)`)},
			},
			Versions: []VersionSource{
				{Method: models.DetectedByMeta, Key: "generator", Pattern: mustRe(`(?i)wordpress\s+` + versionCapture), Confidence: confidenceMeta},
				{Method: models.DetectedByReadme, Path: "readme.html", Pattern: mustRe(`(?i)<br\s*/?>\s*version\s+` + versionCapture), Confidence: confidenceFile},
				{Method: models.DetectedByPattern, Pattern: mustRe(`/wp-includes/(?:js/wp-emoji-release\.min\.js|js/wp-embed(?:\.min)?\.js|css/dist/block-library/style(?:\.min)?\.css)\?ver=` + versionCapture), Confidence: confidencePattern},
			},
			Artifacts: []Artifact{
				{Type: models.ComponentPlugin, Pattern: mustRe(`/wp-content/plugins/([a-z0-9_\-]+)/`)},
				{Type: models.ComponentTheme, Pattern: mustRe(`/wp-content/themes/([a-z0-9_\-]+)/`)},
			},
		},
		{
			Name:    "Drupal",
			Product: "drupal",
			Presence: []Signal{
				{Kind: SignalMeta, Key: "generator", Pattern: mustRe(`(?i)^drupal`)},
				{Kind: SignalHeader, Key: "X-Generator", Pattern: mustRe(`(?i)drupal`)},
				{Kind: SignalHeader, Key: "X-Drupal-Cache"},
				{Kind: SignalHeader, Key: "X-Drupal-Dynamic-Cache"},
				{Kind: SignalBody, Pattern: mustRe(`drupal-settings-json|Drupal\.settings|/sites/(?:default|all)/(?:files|modules|themes)/`)},
				{Kind: SignalCookie, Pattern: mustRe(`^SS?ESS[0-9a-f]{32}$`)},
			},
			Versions: []VersionSource{
				{Method: models.DetectedByMeta, Key: "generator", Pattern: mustRe(`(?i)drupal\s+` + versionCapture), Confidence: confidenceMeta},
				{Method: models.DetectedByHeader, Key: "X-Generator", Pattern: mustRe(`(?i)drupal\s+` + versionCapture), Confidence: confidenceHeader},
				{Method: models.DetectedByChangelog, Path: "core/CHANGELOG.txt", Pattern: mustRe(`Drupal\s+` + versionCapture + `,`), Confidence: confidenceFile},
				{Method: models.DetectedByChangelog, Path: "CHANGELOG.txt", Pattern: mustRe(`Drupal\s+` + versionCapture + `,`), Confidence: confidenceFile},
				{Method: models.DetectedByPattern, Pattern: mustRe(`/(?:core/)?misc/drupal\.js\?v=` + versionCapture), Confidence: confidencePattern},
			},
			Artifacts: []Artifact{
				{Type: models.ComponentPlugin, Pattern: mustRe(`/(?:sites/[^/]+/)?modules/(?:contrib/|custom/)?([a-z0-9_]+)/`)},
				{Type: models.ComponentTheme, Pattern: mustRe(`/(?:core/|sites/[^/]+/)?themes/(?:contrib/|custom/)?([a-z0-9_]+)/`)},
			},
		},
		{
			Name:    "Joomla",
			Product: "joomla",
			Presence: []Signal{
				{Kind: SignalMeta, Key: "generator", Pattern: mustRe(`(?i)joomla`)},
				{Kind: SignalAsset, Pattern: mustRe(`/media/(?:jui|system)/`)},
				{Kind: SignalBody, Pattern: mustRe(`/media/jui/|option=com_|Joomla\.JText`)},
			},
			Versions: []VersionSource{
				{Method: models.DetectedByMeta, Key: "generator", Pattern: mustRe(`(?i)joomla!?\s*-?\s*` + versionCapture), Confidence: confidenceMeta},
				{Method: models.DetectedByManifest, Path: "administrator/manifests/files/joomla.xml", Pattern: mustRe(`<version>` + versionCapture + `</version>`), Confidence: confidenceFile},
				{Method: models.DetectedByManifest, Path: "language/en-GB/en-GB.xml", Pattern: mustRe(`<version>` + versionCapture + `</version>`), Confidence: confidenceFile - 10},
			},
			Artifacts: []Artifact{
				{Type: models.ComponentPlugin, Pattern: mustRe(`/components/(com_[a-z0-9_]+)/`)},
				{Type: models.ComponentTheme, Pattern: mustRe(`/templates/([a-z0-9_\-]+)/`)},
			},
		},
		{
			Name:    "Magento",
			Product: "magento",
			Presence: []Signal{
				{Kind: SignalBody, Pattern: mustRe(`Mage\.Cookies|text/x-magento-init|/static/version\d+/frontend/|/skin/frontend/`)},
				{Kind: SignalCookie, Pattern: mustRe(`^(?:X-Magento-Vary|mage-cache-storage|mage-cache-sessid)$`)},
				{Kind: SignalHeader, Key: "X-Magento-Tags"},
			},
			Versions: []VersionSource{
				{Method: models.DetectedByManifest, Path: "magento_version", Pattern: mustRe(`Magento/` + versionCapture), Confidence: confidenceFile},
			},
			Artifacts: []Artifact{
				{Type: models.ComponentTheme, Pattern: mustRe(`/static/(?:version\d+/)?frontend/([A-Za-z0-9_]+/[A-Za-z0-9_\-]+)/`)},
			},
		},
		{
			Name:    "Ghost",
			Product: "ghost",
			Presence: []Signal{
				{Kind: SignalMeta, Key: "generator", Pattern: mustRe(`(?i)^ghost`)},
				{Kind: SignalHeader, Key: "X-Ghost-Cache-Status"},
				{Kind: SignalBody, Pattern: mustRe(`/ghost/api/|data-ghost=|ghost-(?:portal|search)`)},
			},
			Versions: []VersionSource{
				{Method: models.DetectedByMeta, Key: "generator", Pattern: mustRe(`(?i)ghost\s+` + versionCapture), Confidence: confidenceMeta},
			},
		},
	}
}
