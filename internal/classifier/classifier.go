package classifier

import (
	"net"
	"regexp"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"

	"github.com/bl4ck0w1/patchlynx/pkg/models"
	"github.com/bl4ck0w1/patchlynx/pkg/utils"
)

// Rule inspects the working copy of an asset and returns the tags it adds
// plus an optional asset type proposal. Rules may backfill fields the later
// rules read (the cloud rule sets CloudProvider).
type Rule struct {
	Name  string
	Apply func(a *models.Asset, host string) (tags []string, assetType string)
}

type Classifier struct {
	rules  []Rule
	logger *logrus.Logger
}

// NewClassifier returns a classifier with the rules applied in this order:
// asset-type text, operating system, services, ports, cloud metadata,
// hostname. The first rule that proposes a type while the asset is still
// "unknown" decides it.
func NewClassifier(logger *logrus.Logger) *Classifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &Classifier{
		logger: logger,
		rules: []Rule{
			{Name: "asset-type-text", Apply: assetTypeTextRule},
			{Name: "operating-system", Apply: operatingSystemRule},
			{Name: "services", Apply: servicesRule},
			{Name: "ports", Apply: portsRule},
			{Name: "cloud-metadata", Apply: cloudRule},
			{Name: "hostname", Apply: hostnameRule},
		},
	}
}

func (c *Classifier) RuleNames() []string {
	names := make([]string, len(c.rules))
	for i, r := range c.rules {
		names[i] = r.Name
	}
	return names
}

// Classify returns a classified deep copy of asset. Applying it to its own
// output changes nothing.
func (c *Classifier) Classify(asset models.Asset) models.Asset {
	a := asset.Clone()
	if strings.TrimSpace(a.AssetType) == "" {
		a.AssetType = models.AssetTypeUnknown
	}
	existing := a.Tags
	a.Tags = []string{}
	a.AddTag(existing...)

	host := NormalizeHostname(a.Hostname)
	for _, r := range c.rules {
		tags, proposed := r.Apply(&a, host)
		a.AddTag(tags...)
		if proposed != "" && !a.TypeKnown() {
			a.AssetType = proposed
			c.logger.WithFields(logrus.Fields{"asset": assetLabel(a), "rule": r.Name, "type": proposed}).Debug("Asset type assigned")
		}
	}
	a.AddTag(impliedTags[a.AssetType]...)

	c.logger.WithFields(logrus.Fields{"asset": assetLabel(a), "type": a.AssetType, "tags": a.Tags}).Debug("Asset classified")
	return a
}

// Batch classifies every asset independently.
func (c *Classifier) Batch(assets []models.Asset) []models.Asset {
	out := make([]models.Asset, len(assets))
	for i := range assets {
		out[i] = c.Classify(assets[i])
	}
	return out
}

var defaultClassifier = NewClassifier(utils.QuietLogger())

func ClassifyAsset(asset models.Asset) models.Asset {
	return defaultClassifier.Classify(asset)
}

func BatchClassify(assets []models.Asset) []models.Asset {
	return defaultClassifier.Batch(assets)
}

// NormalizeHostname decodes punycode labels, applies NFKC and lower-cases the
// name so that rules match one canonical spelling.
func NormalizeHostname(h string) string {
	h = strings.TrimSuffix(strings.TrimSpace(h), ".")
	if h == "" {
		return ""
	}
	if u, err := idna.ToUnicode(h); err == nil {
		h = u
	}
	return strings.ToLower(norm.NFKC.String(h))
}

type textPattern struct {
	re        *regexp.Regexp
	tags      []string
	assetType string
}

// Most specific first; the first pattern carrying a type proposes it.
var assetTypeTexts = []textPattern{
	{regexp.MustCompile(`domain[ _-]?controller`), []string{"directory"}, TypeDomainController},
	{regexp.MustCompile(`database|\bdb\b`), []string{"db"}, TypeDatabaseServer},
	{regexp.MustCompile(`web[ _-]?server`), []string{"web"}, TypeWebServer},
	{regexp.MustCompile(`mail[ _-]?server`), []string{"mail"}, TypeMailServer},
	{regexp.MustCompile(`load[ _-]?balancer`), []string{"lb"}, TypeLoadBalancer},
	{regexp.MustCompile(`router|switch|firewall|wireless|access[ _-]?point|network`), []string{"network"}, TypeNetworkDevice},
	{regexp.MustCompile(`hypervisor`), []string{"virtualization"}, TypeVirtualHost},
	{regexp.MustCompile(`printer`), []string{"printer"}, TypePrinter},
	{regexp.MustCompile(`mobile|phone|tablet`), []string{"mobile"}, TypeMobileDevice},
	{regexp.MustCompile(`embedded|\biot\b|camera|scada|\bplc\b|\bics\b`), []string{"iot"}, TypeIoTDevice},
	{regexp.MustCompile(`workstation|desktop|laptop|endpoint`), nil, TypeWorkstation},
	{regexp.MustCompile(`virtual[ _-]?machine|\bvm\b`), []string{"virtual"}, ""},
	{regexp.MustCompile(`server`), nil, TypeServer},
}

// assetTypeTextRule reads free-form type text, from SystemType and from an
// AssetType the caller already set.
func assetTypeTextRule(a *models.Asset, _ string) ([]string, string) {
	text := a.SystemType
	if a.TypeKnown() {
		text += " " + a.AssetType
	}
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return nil, ""
	}
	var tags []string
	proposed := ""
	for _, p := range assetTypeTexts {
		if !p.re.MatchString(text) {
			continue
		}
		tags = append(tags, p.tags...)
		if proposed == "" {
			proposed = p.assetType
		}
	}
	return tags, proposed
}

// First match wins: "Cisco IOS" must not read as Apple iOS.
var operatingSystems = []textPattern{
	{regexp.MustCompile(`cisco|junos|juniper|fortios|fortigate|pan-os|panos|mikrotik|routeros|vyos|arista`), []string{"network"}, TypeNetworkDevice},
	{regexp.MustCompile(`esxi|vmware esx|proxmox|hyper-v server|xenserver`), []string{"virtualization"}, TypeVirtualHost},
	{regexp.MustCompile(`windows.*server|server.*windows`), []string{"windows"}, TypeServer},
	{regexp.MustCompile(`windows`), []string{"windows"}, TypeWorkstation},
	{regexp.MustCompile(`mac ?os|os x|darwin`), []string{"macos"}, TypeWorkstation},
	{regexp.MustCompile(`android|\bios\b|ipados|iphone`), []string{"mobile"}, TypeMobileDevice},
	{regexp.MustCompile(`(linux|ubuntu|debian|centos|red ?hat|rhel|fedora|suse|sles|rocky|alma|alpine|amazon).*server|server.*(linux|ubuntu|rhel)`), []string{"linux"}, TypeServer},
	{regexp.MustCompile(`linux|ubuntu|debian|centos|red ?hat|rhel|fedora|suse|sles|rocky|alma|alpine|amazon`), []string{"linux"}, ""},
	{regexp.MustCompile(`freebsd|openbsd|netbsd`), []string{"bsd", "unix"}, ""},
	{regexp.MustCompile(`solaris|\baix\b|hp-ux`), []string{"unix"}, TypeServer},
}

func operatingSystemRule(a *models.Asset, _ string) ([]string, string) {
	text := strings.ToLower(strings.TrimSpace(a.OperatingSystem))
	if text == "" {
		return nil, ""
	}
	for _, p := range operatingSystems {
		if p.re.MatchString(text) {
			return p.tags, p.assetType
		}
	}
	return nil, ""
}

func servicesRule(a *models.Asset, _ string) ([]string, string) {
	names := make(map[string]struct{})
	for _, s := range a.Services {
		names[normalizeService(s)] = struct{}{}
	}
	for _, p := range a.OpenPorts() {
		if p.Service != "" {
			names[normalizeService(p.Service)] = struct{}{}
		}
	}
	if len(names) == 0 {
		return nil, ""
	}
	return matchRoles(func(r role) bool {
		for _, s := range r.services {
			if _, ok := names[s]; ok {
				return true
			}
		}
		return false
	})
}

func portsRule(a *models.Asset, _ string) ([]string, string) {
	open := a.OpenPorts()
	if len(open) == 0 {
		return nil, ""
	}
	return matchRoles(func(r role) bool {
		for _, port := range r.ports {
			if a.HasPort(port) {
				return true
			}
		}
		return false
	})
}

var cloudPrefixes = []struct {
	prefix   string
	provider string
}{
	{"aws_", "aws"},
	{"ec2_", "aws"},
	{"azure_", "azure"},
	{"gcp_", "gcp"},
	{"gce_", "gcp"},
	{"google_", "gcp"},
}

var cloudHostSuffixes = map[string]string{
	".compute.internal":      "aws",
	".ec2.internal":          "aws",
	".cloudapp.net":          "azure",
	".cloudapp.azure.com":    "azure",
	".internal.cloudapp.net": "azure",
	".c.googlers.com":        "gcp",
}

func cloudRule(a *models.Asset, host string) ([]string, string) {
	provider := normalizeProvider(a.CloudProvider)
	if provider == "" {
		provider = providerFromMetadata(a.CloudMetadata)
	}
	if provider == "" && host != "" {
		for suffix, p := range cloudHostSuffixes {
			if strings.HasSuffix(host, suffix) {
				provider = p
				break
			}
		}
	}
	if provider == "" {
		return nil, ""
	}
	if a.CloudProvider == "" {
		a.CloudProvider = provider
	}
	return []string{"cloud", provider}, TypeCloudInstance
}

func providerFromMetadata(md map[string]string) string {
	for _, cp := range cloudPrefixes {
		for k, v := range md {
			if v != "" && strings.HasPrefix(strings.ToLower(k), cp.prefix) {
				return cp.provider
			}
		}
	}
	return ""
}

func normalizeProvider(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	switch {
	case p == "":
		return ""
	case strings.Contains(p, "amazon"), strings.Contains(p, "aws"), p == "ec2":
		return "aws"
	case strings.Contains(p, "azure"), strings.Contains(p, "microsoft"):
		return "azure"
	case strings.Contains(p, "google"), p == "gcp", p == "gce":
		return "gcp"
	}
	return p
}

// hostnameRule tokenizes the first label, so "db-prod-01" and "db01" both
// give the token "db".
func hostnameRule(_ *models.Asset, host string) ([]string, string) {
	if host == "" || net.ParseIP(host) != nil {
		return nil, ""
	}
	label := host
	if i := strings.IndexByte(label, '.'); i > 0 {
		label = label[:i]
	}
	tokens := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(label, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		tok = strings.TrimRight(tok, "0123456789")
		if tok != "" {
			tokens[tok] = struct{}{}
		}
	}
	if len(tokens) == 0 {
		return nil, ""
	}

	tags, proposed := matchRoles(func(r role) bool {
		for _, h := range r.hostnames {
			if _, ok := tokens[h]; ok {
				return true
			}
		}
		return false
	})
	for tok := range tokens {
		if env, ok := environments[tok]; ok {
			tags = append(tags, env)
		}
	}
	return tags, proposed
}

// matchRoles collects the tag of every matching role; the first matching
// role with a type proposes it.
func matchRoles(match func(role) bool) ([]string, string) {
	var tags []string
	proposed := ""
	for _, r := range roles {
		if !match(r) {
			continue
		}
		tags = append(tags, r.tag)
		if proposed == "" {
			proposed = r.assetType
		}
	}
	return tags, proposed
}

func normalizeService(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	// "mysql/3306", "http?" and "ssl/http" forms from scanners.
	s = strings.TrimSuffix(s, "?")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		if strings.HasPrefix(s, "ssl/") || strings.HasPrefix(s, "tls/") {
			s = s[i+1:]
		} else {
			s = s[:i]
		}
	}
	return s
}

func assetLabel(a models.Asset) string {
	for _, v := range []string{a.Hostname, a.IPAddress, a.ID, a.AgentID} {
		if v != "" {
			return v
		}
	}
	return "unnamed"
}
