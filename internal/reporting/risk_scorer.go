package reporting

import (
	"math"
	"sort"

	"github.com/bl4ck0w1/patchlynx/pkg/models"
)

const (
	eolPenalty          = 1.5
	outdatedPenalty     = 0.5
	missingPatchPenalty = 0.25
	maxRiskScore        = 10.0
)

// RiskScorer rates a report on a 0-10 scale. The worst vulnerability sets
// most of the score, the average over all of them the rest; EOL and
// outdated components and plain missing patches add fixed penalties.
type RiskScorer struct {
	severityWeights map[models.Severity]float64
}

func NewRiskScorer() *RiskScorer {
	return NewRiskScorerWithWeights(nil)
}

func NewRiskScorerWithWeights(override map[models.Severity]float64) *RiskScorer {
	base := map[models.Severity]float64{
		models.SeverityCritical: 10.0,
		models.SeverityHigh:     7.5,
		models.SeverityMedium:   5.0,
		models.SeverityLow:      2.5,
		models.SeverityInfo:     1.0,
	}
	for k, v := range override {
		base[k] = v
	}
	return &RiskScorer{severityWeights: base}
}

// VulnerabilityScore prefers the CVSS score when the record carries one.
func (rs *RiskScorer) VulnerabilityScore(v models.ReportedVulnerability) float64 {
	if v.CVSSScore > 0 {
		return math.Min(v.CVSSScore, maxRiskScore)
	}
	if w := rs.severityWeights[models.ParseSeverity(string(v.Severity))]; w > 0 {
		return w
	}
	return 1.0
}

// RankVulnerabilities returns a copy sorted by descending score, CVE ID
// breaking ties.
func (rs *RiskScorer) RankVulnerabilities(vulns []models.ReportedVulnerability) []models.ReportedVulnerability {
	ranked := make([]models.ReportedVulnerability, len(vulns))
	copy(ranked, vulns)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := rs.VulnerabilityScore(ranked[i]), rs.VulnerabilityScore(ranked[j])
		if si != sj {
			return si > sj
		}
		return ranked[i].CVEID < ranked[j].CVEID
	})
	return ranked
}

func (rs *RiskScorer) ScoreReport(r *models.PatchAssessmentReport) float64 {
	if r == nil {
		return 0
	}
	var score float64
	if n := len(r.Vulnerabilities); n > 0 {
		var peak, total float64
		for _, v := range r.Vulnerabilities {
			s := rs.VulnerabilityScore(v)
			total += s
			peak = math.Max(peak, s)
		}
		score = 0.7*peak + 0.3*(total/float64(n))
	}

	score += eolPenalty * float64(r.Summary.EOLComponents)
	for _, c := range r.Components() {
		if c.Outdated() && !c.EOL && len(c.Vulnerabilities) == 0 {
			score += outdatedPenalty
		}
	}
	for _, p := range r.MissingPatches {
		if len(p.AllCVEs()) == 0 {
			score += missingPatchPenalty
		}
	}

	if score > maxRiskScore {
		score = maxRiskScore
	}
	return math.Round(score*100) / 100
}

// Apply stores the score and its level on the report.
func (rs *RiskScorer) Apply(r *models.PatchAssessmentReport) {
	if r == nil {
		return
	}
	r.RiskScore = rs.ScoreReport(r)
	r.RiskLevel = models.RiskLevelFromScore(r.RiskScore)
}
