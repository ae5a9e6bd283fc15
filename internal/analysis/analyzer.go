package analysis

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/patchlynx/internal/versiondb"
	"github.com/bl4ck0w1/patchlynx/pkg/models"
)

type OutdatedResult struct {
	IsOutdated     bool   `json:"isOutdated"`
	LatestVersion  string `json:"latestVersion"`
	LatestInBranch string `json:"latestInBranch,omitempty"`
	Branch         string `json:"branch,omitempty"`
	EOL            bool   `json:"eol,omitempty"`
	EndOfSupport   string `json:"endOfSupport,omitempty"`
}

// CheckOutdatedVersion returns nil, nil when the product is not in the
// database. That means "unknown", not "current".
//
// The branch is found by major.minor, then major. Within a tracked branch the
// version is compared to the branch latest, and an EOL branch is always
// outdated. Without a branch the product latest is used.
func CheckOutdatedVersion(db *versiondb.Database, category versiondb.Category, product, version string) (*OutdatedResult, error) {
	if db == nil {
		return nil, nil
	}
	p, ok := db.Lookup(category, product)
	if !ok {
		return nil, nil
	}
	v, err := ParseVersion(version)
	if err != nil {
		return nil, err
	}

	res := &OutdatedResult{LatestVersion: p.LatestVersion}
	for _, key := range BranchKeys(v) {
		b, found := p.Branch(key)
		if !found {
			continue
		}
		latest, err := ParseVersion(b.Latest)
		if err != nil {
			return nil, fmt.Errorf("%s/%s branch %s: %w", category, p.Name, b.Key, err)
		}
		res.Branch = b.Key
		res.LatestInBranch = b.Latest
		res.EOL = b.EOL
		res.EndOfSupport = b.EndOfSupport
		res.IsOutdated = b.EOL || v.LessThan(latest)
		return res, nil
	}

	latest, err := ParseVersion(p.LatestVersion)
	if err != nil {
		return nil, fmt.Errorf("%s/%s latest version: %w", category, p.Name, err)
	}
	res.IsOutdated = v.LessThan(latest)
	return res, nil
}

// FindVulnerabilities returns every record with a range containing version,
// in table order. Ranges that fail to parse are skipped.
func FindVulnerabilities(db *versiondb.Database, category versiondb.Category, product, version string) ([]models.VulnerabilityRecord, error) {
	if db == nil {
		return nil, nil
	}
	p, ok := db.Lookup(category, product)
	if !ok {
		return nil, nil
	}
	v, err := ParseVersion(version)
	if err != nil {
		return nil, err
	}

	matches := []models.VulnerabilityRecord{}
	for _, rec := range p.Vulnerabilities {
		for _, raw := range rec.AffectedVersions {
			r, err := ParseRange(raw)
			if err != nil {
				continue
			}
			if r.Matches(v) {
				matches = append(matches, rec)
				break
			}
		}
	}
	return matches, nil
}

// ValidateDatabase checks that every version and range in db parses.
func ValidateDatabase(db *versiondb.Database) error {
	var errs []error
	db.Each(func(cat versiondb.Category, p versiondb.Product) {
		if _, err := ParseVersion(p.LatestVersion); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s latest: %w", cat, p.Name, err))
		}
		for _, b := range p.Branches {
			if _, err := ParseVersion(b.Latest); err != nil {
				errs = append(errs, fmt.Errorf("%s/%s branch %s: %w", cat, p.Name, b.Key, err))
			}
		}
		for _, rec := range p.Vulnerabilities {
			for _, raw := range rec.AffectedVersions {
				if _, err := ParseRange(raw); err != nil {
					errs = append(errs, fmt.Errorf("%s/%s %s: %w", cat, p.Name, rec.CVEID, err))
				}
			}
			if rec.FixedIn != "" {
				if _, err := ParseVersion(rec.FixedIn); err != nil {
					errs = append(errs, fmt.Errorf("%s/%s %s fixed in: %w", cat, p.Name, rec.CVEID, err))
				}
			}
		}
	})
	return errors.Join(errs...)
}

type Analyzer struct {
	db     *versiondb.Database
	logger *logrus.Logger
}

func NewAnalyzer(db *versiondb.Database, logger *logrus.Logger) *Analyzer {
	if logger == nil {
		logger = logrus.New()
	}
	if db == nil {
		db = versiondb.Default()
	}
	return &Analyzer{db: db, logger: logger}
}

func (a *Analyzer) DB() *versiondb.Database { return a.db }

// Enrich attaches outdated, EOL and vulnerability data to c. Components
// without a version are left alone. A version that does not parse is logged
// and returned; the component keeps its unknown state.
func (a *Analyzer) Enrich(category versiondb.Category, c *models.DetectedComponent) error {
	if c == nil || !c.HasVersion() {
		return nil
	}
	product := c.Product
	if product == "" {
		product = c.Name
	}

	res, err := CheckOutdatedVersion(a.db, category, product, c.Version)
	if err != nil {
		a.logger.WithFields(logrus.Fields{
			"component": c.Name,
			"version":   c.Version,
			"category":  category,
		}).WithError(err).Warn("Version comparison skipped")
		return err
	}
	if res == nil {
		a.logger.WithFields(logrus.Fields{"component": c.Name, "category": category}).Debug("Product not in version database")
		return nil
	}
	c.SetOutdated(res.IsOutdated)
	c.LatestVersion = res.LatestVersion
	c.LatestInBranch = res.LatestInBranch
	c.EOL = res.EOL

	vulns, err := FindVulnerabilities(a.db, category, product, c.Version)
	if err != nil {
		return err
	}
	if vulns != nil {
		c.Vulnerabilities = vulns
	}
	return nil
}
