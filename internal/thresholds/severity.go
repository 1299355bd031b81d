package thresholds

import (
	"fmt"
	"strings"
)

// Severity orders how urgently a finding must reach a clinician.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityModerate Severity = "MODERATE"
)

// Severities lists every severity from most to least urgent.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityModerate}

// ParseSeverity accepts any letter case.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical, nil
	case SeverityHigh:
		return SeverityHigh, nil
	case SeverityModerate:
		return SeverityModerate, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Rank is 0 for the most urgent severity. Unknown severities sort last.
func (s Severity) Rank() int {
	for i, v := range Severities {
		if v == s {
			return i
		}
	}
	return len(Severities)
}
