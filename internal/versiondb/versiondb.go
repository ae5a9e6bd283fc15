package versiondb

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bl4ck0w1/patchlynx/pkg/models"
)

type Category string

const (
	CategoryCMS              Category = "cms"
	CategoryPlugins          Category = "plugins"
	CategoryJavaScript       Category = "javascript"
	CategoryCSS              Category = "css"
	CategoryLanguages        Category = "languages"
	CategoryFrameworks       Category = "frameworks"
	CategoryWebServers       Category = "webServers"
	CategoryDatabases        Category = "databases"
	CategoryOperatingSystems Category = "operatingSystems"
)

var knownCategories = []Category{
	CategoryCMS, CategoryPlugins, CategoryJavaScript, CategoryCSS, CategoryLanguages,
	CategoryFrameworks, CategoryWebServers, CategoryDatabases, CategoryOperatingSystems,
}

func Categories() []Category {
	return append([]Category(nil), knownCategories...)
}

func ParseCategory(s string) (Category, error) {
	for _, c := range knownCategories {
		if strings.EqualFold(string(c), s) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown version database category %q", s)
}

type Branch struct {
	Key          string `yaml:"-" json:"key"`
	Latest       string `yaml:"latest" json:"latest"`
	EOL          bool   `yaml:"eol,omitempty" json:"eol,omitempty"`
	EndOfSupport string `yaml:"end_of_support,omitempty" json:"endOfSupport,omitempty"`
}

type Product struct {
	Name            string                       `yaml:"-" json:"name"`
	DisplayName     string                       `yaml:"display_name" json:"displayName"`
	LatestVersion   string                       `yaml:"latest_version" json:"latestVersion"`
	Aliases         []string                     `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Branches        map[string]Branch            `yaml:"branches,omitempty" json:"branches,omitempty"`
	Vulnerabilities []models.VulnerabilityRecord `yaml:"vulnerabilities,omitempty" json:"vulnerabilities,omitempty"`
}

// Branch looks a branch up by key; "22.04" and "22.4" name the same branch.
func (p Product) Branch(key string) (Branch, bool) {
	b, ok := p.Branches[NormalizeBranchKey(key)]
	return b, ok
}

func (p Product) clone() Product {
	c := p
	c.Aliases = append([]string(nil), p.Aliases...)
	if p.Branches != nil {
		c.Branches = make(map[string]Branch, len(p.Branches))
		for k, v := range p.Branches {
			c.Branches[k] = v
		}
	}
	c.Vulnerabilities = make([]models.VulnerabilityRecord, len(p.Vulnerabilities))
	for i, v := range p.Vulnerabilities {
		v.AffectedVersions = append([]string(nil), v.AffectedVersions...)
		c.Vulnerabilities[i] = v
	}
	return c
}

type document struct {
	Updated    string                         `yaml:"updated"`
	Categories map[string]map[string]*Product `yaml:"categories"`
}

// Database is immutable once built; every accessor hands out copies, so
// concurrent readers need no locking.
type Database struct {
	source   string
	updated  string
	products map[Category]map[string]*Product
	aliases  map[Category]map[string]string
}

//go:embed data/versions.yaml
var builtin []byte

var (
	defaultOnce sync.Once
	defaultDB   *Database
)

// Default returns the table compiled into the binary.
func Default() *Database {
	defaultOnce.Do(func() {
		db, err := Parse(builtin, "builtin")
		if err != nil {
			panic(fmt.Sprintf("versiondb: embedded table is invalid: %v", err))
		}
		defaultDB = db
	})
	return defaultDB
}

func LoadFile(path string) (*Database, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read version database: %w", err)
	}
	db, err := Parse(data, path)
	if err != nil {
		return nil, fmt.Errorf("load version database %s: %w", path, err)
	}
	return db, nil
}

func Parse(data []byte, source string) (*Database, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if len(doc.Categories) == 0 {
		return nil, fmt.Errorf("no categories defined")
	}

	db := &Database{
		source:   source,
		updated:  doc.Updated,
		products: make(map[Category]map[string]*Product),
		aliases:  make(map[Category]map[string]string),
	}

	var errs []string
	for rawCat, products := range doc.Categories {
		cat, err := ParseCategory(rawCat)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		db.products[cat] = make(map[string]*Product, len(products))
		db.aliases[cat] = make(map[string]string)
		for name, p := range products {
			if p == nil {
				errs = append(errs, fmt.Sprintf("%s/%s: empty entry", cat, name))
				continue
			}
			key := normalizeName(name)
			p.Name = key
			if p.DisplayName == "" {
				p.DisplayName = name
			}
			for i := range p.Vulnerabilities {
				if v := &p.Vulnerabilities[i]; !v.Severity.Known() && v.CVSSScore > 0 {
					v.Severity = models.SeverityFromCVSS(v.CVSSScore)
				}
			}
			errs = append(errs, validateProduct(cat, p)...)

			branches := make(map[string]Branch, len(p.Branches))
			for k, b := range p.Branches {
				b.Key = k
				branches[NormalizeBranchKey(k)] = b
			}
			p.Branches = branches

			db.products[cat][key] = p
			for _, alias := range p.Aliases {
				db.aliases[cat][normalizeName(alias)] = key
			}
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return nil, fmt.Errorf("invalid version database:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return db, nil
}

func validateProduct(cat Category, p *Product) []string {
	var errs []string
	where := fmt.Sprintf("%s/%s", cat, p.Name)
	if strings.TrimSpace(p.LatestVersion) == "" {
		errs = append(errs, where+": latest_version is required")
	}
	for k, b := range p.Branches {
		if strings.TrimSpace(b.Latest) == "" {
			errs = append(errs, fmt.Sprintf("%s: branch %s has no latest version", where, k))
		}
		if b.EndOfSupport != "" {
			if _, err := time.Parse("2006-01-02", b.EndOfSupport); err != nil {
				errs = append(errs, fmt.Sprintf("%s: branch %s end_of_support %q is not YYYY-MM-DD", where, k, b.EndOfSupport))
			}
		}
	}
	for i, v := range p.Vulnerabilities {
		if v.CVEID == "" {
			errs = append(errs, fmt.Sprintf("%s: vulnerability #%d has no cve_id", where, i))
		}
		if len(v.AffectedVersions) == 0 {
			errs = append(errs, fmt.Sprintf("%s: %s has no affected ranges", where, v.CVEID))
		}
		if !v.Severity.Known() {
			errs = append(errs, fmt.Sprintf("%s: %s has unknown severity", where, v.CVEID))
		}
	}
	return errs
}

func (db *Database) Source() string  { return db.source }
func (db *Database) Updated() string { return db.updated }

// Lookup resolves a product by name or alias, case-insensitively.
func (db *Database) Lookup(cat Category, name string) (Product, bool) {
	products, ok := db.products[cat]
	if !ok {
		return Product{}, false
	}
	key := normalizeName(name)
	p, ok := products[key]
	if !ok {
		canonical, aliased := db.aliases[cat][key]
		if !aliased {
			return Product{}, false
		}
		p = products[canonical]
	}
	return p.clone(), true
}

func (db *Database) Products(cat Category) []string {
	names := make([]string, 0, len(db.products[cat]))
	for name := range db.products[cat] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Each calls fn for every product in category then name order.
func (db *Database) Each(fn func(Category, Product)) {
	for _, cat := range knownCategories {
		for _, name := range db.Products(cat) {
			fn(cat, db.products[cat][name].clone())
		}
	}
}

// Entries flattens the table into one row per branch, or one row for an unbranched product.
func (db *Database) Entries() []models.VersionEntry {
	var out []models.VersionEntry
	db.Each(func(cat Category, p Product) {
		if len(p.Branches) == 0 {
			out = append(out, models.VersionEntry{
				Category:        string(cat),
				Product:         p.Name,
				LatestVersion:   p.LatestVersion,
				Vulnerabilities: len(p.Vulnerabilities),
			})
			return
		}
		keys := make([]string, 0, len(p.Branches))
		for k := range p.Branches {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return branchLess(keys[j], keys[i]) })
		for _, k := range keys {
			b := p.Branches[k]
			out = append(out, models.VersionEntry{
				Category:         string(cat),
				Product:          p.Name,
				Branch:           b.Key,
				LatestVersion:    b.Latest,
				EOL:              b.EOL,
				EndOfSupportDate: b.EndOfSupport,
				Vulnerabilities:  len(p.Vulnerabilities),
			})
		}
	})
	return out
}

// NormalizeBranchKey drops leading zeros from each dotted component.
func NormalizeBranchKey(key string) string {
	parts := strings.Split(strings.TrimSpace(key), ".")
	for i, part := range parts {
		if n, err := strconv.Atoi(part); err == nil {
			parts[i] = strconv.Itoa(n)
		}
	}
	return strings.Join(parts, ".")
}

func branchLess(a, b string) bool {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(pa) && i < len(pb); i++ {
		na, errA := strconv.Atoi(pa[i])
		nb, errB := strconv.Atoi(pb[i])
		if errA != nil || errB != nil {
			if pa[i] != pb[i] {
				return pa[i] < pb[i]
			}
			continue
		}
		if na != nb {
			return na < nb
		}
	}
	return len(pa) < len(pb)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
