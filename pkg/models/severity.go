package models

import (
	"fmt"
	"strings"
)

type Severity string

const (
	SeverityUnknown  Severity = ""
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityUnknown:  0,
	SeverityInfo:     1,
	SeverityLow:      2,
	SeverityMedium:   3,
	SeverityHigh:     4,
	SeverityCritical: 5,
}

// ParseSeverity is case-insensitive and accepts the vendor spellings seen in
// advisories ("Important", "Moderate"). Anything else is SeverityUnknown.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return SeverityCritical
	case "high", "important":
		return SeverityHigh
	case "medium", "moderate":
		return SeverityMedium
	case "low":
		return SeverityLow
	case "info", "informational", "none":
		return SeverityInfo
	default:
		return SeverityUnknown
	}
}

func SeverityFromCVSS(score float64) Severity {
	switch {
	case score >= 9.0:
		return SeverityCritical
	case score >= 7.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityMedium
	case score >= 0.1:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

func (s Severity) Rank() int { return severityRank[s] }

func (s Severity) Known() bool { return s != SeverityUnknown }

func (s Severity) Validate() error {
	if _, ok := severityRank[s]; !ok {
		return fmt.Errorf("invalid severity: %s", string(s))
	}
	return nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	*s = ParseSeverity(string(text))
	return nil
}

func (s Severity) String() string {
	if s == SeverityUnknown {
		return "unknown"
	}
	return string(s)
}
