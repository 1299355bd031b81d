// Package escalation describes who is paged for an alert and when the next
// tier takes over if nobody acknowledges it.
package escalation

import (
	"fmt"
	"time"

	"github.com/mattjoyce/critvals/internal/thresholds"
)

// Tier is the escalation level an alert has reached.
type Tier int

const (
	TierPrimary Tier = iota
	TierSecondary
	TierFinal
)

func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierSecondary:
		return "secondary"
	case TierFinal:
		return "final"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Policy is the escalation ladder for one severity.
type Policy struct {
	Primary   []string
	Secondary []string
	Final     []string
	// After is how long each tier waits for an acknowledgement.
	After time.Duration
}

// Roles returns the roles paged at tier t.
func (p Policy) Roles(t Tier) []string {
	switch t {
	case TierPrimary:
		return p.Primary
	case TierSecondary:
		return p.Secondary
	case TierFinal:
		return p.Final
	}
	return nil
}

// Next returns the tier that follows t and when it becomes due, measured
// from since. ok is false once t is final.
func (p Policy) Next(t Tier, since time.Time) (next Tier, due time.Time, ok bool) {
	if t >= TierFinal {
		return t, time.Time{}, false
	}
	return t + 1, since.Add(p.After), true
}

// Matrix maps each severity to its policy.
type Matrix map[thresholds.Severity]Policy

// DefaultMatrix is the hospital escalation matrix.
func DefaultMatrix() Matrix {
	return Matrix{
		thresholds.SeverityCritical: {
			Primary:   []string{"attending_physician", "charge_nurse"},
			Secondary: []string{"medical_director", "nursing_supervisor"},
			Final:     []string{"chief_medical_officer"},
			After:     5 * time.Minute,
		},
		thresholds.SeverityHigh: {
			Primary:   []string{"attending_physician"},
			Secondary: []string{"charge_nurse", "on_call_physician"},
			Final:     []string{"medical_director"},
			After:     15 * time.Minute,
		},
		thresholds.SeverityModerate: {
			Primary:   []string{"primary_nurse"},
			Secondary: []string{"attending_physician"},
			Final:     []string{"charge_nurse"},
			After:     30 * time.Minute,
		},
	}
}

// Policy returns the policy for sev, falling back to HIGH for unknown
// severities so nothing goes unpaged.
func (m Matrix) Policy(sev thresholds.Severity) Policy {
	if p, ok := m[sev]; ok {
		return p
	}
	return m[thresholds.SeverityHigh]
}

// Roles lists every distinct role referenced by the matrix.
func (m Matrix) Roles() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, sev := range thresholds.Severities {
		p, ok := m[sev]
		if !ok {
			continue
		}
		for _, tier := range []Tier{TierPrimary, TierSecondary, TierFinal} {
			for _, role := range p.Roles(tier) {
				if _, dup := seen[role]; dup {
					continue
				}
				seen[role] = struct{}{}
				out = append(out, role)
			}
		}
	}
	return out
}

// Validate checks every policy has a positive interval and a primary tier.
func (m Matrix) Validate() error {
	for sev, p := range m {
		if p.After <= 0 {
			return fmt.Errorf("escalation.%s.after must be positive", sev)
		}
		if len(p.Primary) == 0 {
			return fmt.Errorf("escalation.%s.primary must name at least one role", sev)
		}
	}
	if _, ok := m[thresholds.SeverityHigh]; !ok {
		return fmt.Errorf("escalation matrix must define HIGH")
	}
	return nil
}
