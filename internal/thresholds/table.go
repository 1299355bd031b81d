package thresholds

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Range holds the alerting bounds for one test. A nil bound means the test
// has no limit on that side. Qualitative tests carry no bounds and always
// alert at Priority.
type Range struct {
	Test        string   `json:"test" yaml:"test"`
	Unit        string   `json:"unit,omitempty" yaml:"unit,omitempty"`
	Low         *float64 `json:"low,omitempty" yaml:"low,omitempty"`
	High        *float64 `json:"high,omitempty" yaml:"high,omitempty"`
	PanicLow    *float64 `json:"panic_low,omitempty" yaml:"panic_low,omitempty"`
	PanicHigh   *float64 `json:"panic_high,omitempty" yaml:"panic_high,omitempty"`
	Qualitative bool     `json:"qualitative,omitempty" yaml:"qualitative,omitempty"`
	Priority    Severity `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Validate checks that the bounds nest: panic limits sit outside the
// critical limits and low sits below high.
func (r Range) Validate() error {
	if Normalize(r.Test) == "" {
		return errors.New("test name is empty")
	}
	if r.Qualitative {
		if r.Low != nil || r.High != nil || r.PanicLow != nil || r.PanicHigh != nil {
			return fmt.Errorf("%s: qualitative test cannot carry numeric bounds", r.Test)
		}
		if r.Priority != "" && r.Priority.Rank() == len(Severities) {
			return fmt.Errorf("%s: unknown priority %q", r.Test, r.Priority)
		}
		return nil
	}
	if r.Low == nil && r.High == nil && r.PanicLow == nil && r.PanicHigh == nil {
		return fmt.Errorf("%s: at least one bound is required", r.Test)
	}
	if r.Low != nil && r.High != nil && *r.Low >= *r.High {
		return fmt.Errorf("%s: low (%v) must be below high (%v)", r.Test, *r.Low, *r.High)
	}
	if r.PanicLow != nil && r.PanicHigh != nil && *r.PanicLow >= *r.PanicHigh {
		return fmt.Errorf("%s: panic_low (%v) must be below panic_high (%v)", r.Test, *r.PanicLow, *r.PanicHigh)
	}
	if r.PanicLow != nil && r.Low != nil && *r.PanicLow > *r.Low {
		return fmt.Errorf("%s: panic_low (%v) lies inside the critical range (low %v)", r.Test, *r.PanicLow, *r.Low)
	}
	if r.PanicHigh != nil && r.High != nil && *r.PanicHigh < *r.High {
		return fmt.Errorf("%s: panic_high (%v) lies inside the critical range (high %v)", r.Test, *r.PanicHigh, *r.High)
	}
	return nil
}

// Table is a concurrency-safe set of ranges keyed by normalised test name.
type Table struct {
	mu      sync.RWMutex
	ranges  map[string]Range
	aliases map[string]string
}

// New builds a table from ranges. Later entries for the same test win.
func New(ranges []Range) (*Table, error) {
	t := &Table{
		ranges:  make(map[string]Range, len(ranges)),
		aliases: defaultAliases(),
	}
	for _, r := range ranges {
		if err := t.Set(r); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Default returns the built-in clinical table.
func Default() *Table {
	t, err := New(defaultRanges())
	if err != nil {
		panic(fmt.Sprintf("default threshold table is invalid: %v", err))
	}
	return t
}

// Set adds or replaces the range for r.Test.
func (t *Table) Set(r Range) error {
	if err := r.Validate(); err != nil {
		return err
	}
	r.Test = Normalize(r.Test)
	if r.Qualitative && r.Priority == "" {
		r.Priority = SeverityHigh
	}
	t.mu.Lock()
	t.ranges[r.Test] = r
	t.mu.Unlock()
	return nil
}

// Alias maps an alternative spelling onto a canonical test name.
func (t *Table) Alias(alias, test string) {
	t.mu.Lock()
	t.aliases[Normalize(alias)] = Normalize(test)
	t.mu.Unlock()
}

// Resolve returns the canonical test name for name, following aliases.
func (t *Table) Resolve(name string) string {
	n := Normalize(name)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.ranges[n]; ok {
		return n
	}
	if canonical, ok := t.aliases[n]; ok {
		return canonical
	}
	return n
}

// Lookup returns the range for a test name or alias.
func (t *Table) Lookup(name string) (Range, bool) {
	key := t.Resolve(name)
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.ranges[key]
	return r, ok
}

// All returns every range sorted by test name.
func (t *Table) All() []Range {
	t.mu.RLock()
	out := make([]Range, 0, len(t.ranges))
	for _, r := range t.ranges {
		out = append(out, r)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Test < out[j].Test })
	return out
}

// Normalize lower-cases a test name and folds spaces and hyphens to '_'.
func Normalize(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer(" ", "_", "-", "_").Replace(n)
	for strings.Contains(n, "__") {
		n = strings.ReplaceAll(n, "__", "_")
	}
	return n
}

// Bound is a convenience for building ranges in code.
func Bound(v float64) *float64 { return &v }

func defaultRanges() []Range {
	b := Bound
	return []Range{
		{Test: "glucose", Unit: "mg/dL", Low: b(40), High: b(500), PanicLow: b(30), PanicHigh: b(600)},
		{Test: "sodium", Unit: "mEq/L", Low: b(120), High: b(160), PanicLow: b(115), PanicHigh: b(165)},
		{Test: "potassium", Unit: "mEq/L", Low: b(2.5), High: b(6.5), PanicLow: b(2.0), PanicHigh: b(7.0)},
		{Test: "calcium", Unit: "mg/dL", Low: b(6.0), High: b(13.0), PanicLow: b(5.0), PanicHigh: b(14.0)},
		{Test: "creatinine", Unit: "mg/dL", High: b(7.0), PanicHigh: b(10.0)},
		{Test: "hemoglobin", Unit: "g/dL", Low: b(7.0), High: b(20.0), PanicLow: b(5.0), PanicHigh: b(22.0)},
		{Test: "wbc", Unit: "K/μL", Low: b(2.0), High: b(30.0), PanicLow: b(1.0), PanicHigh: b(50.0)},
		{Test: "platelets", Unit: "K/μL", Low: b(50), High: b(1000), PanicLow: b(20), PanicHigh: b(1500)},
		{Test: "inr", High: b(4.5), PanicHigh: b(6.0)},
		{Test: "ph", Low: b(7.20), High: b(7.60), PanicLow: b(7.10), PanicHigh: b(7.70)},
		{Test: "pco2", Unit: "mmHg", Low: b(20), High: b(60), PanicLow: b(15), PanicHigh: b(70)},
		{Test: "po2", Unit: "mmHg", Low: b(50), PanicLow: b(40)},
		{Test: "troponin", Unit: "ng/mL", High: b(0.04), PanicHigh: b(0.1)},
		{Test: "bnp", Unit: "pg/mL", High: b(900), PanicHigh: b(2000)},
		{Test: "positive_blood_culture", Qualitative: true, Priority: SeverityCritical},
		{Test: "csf_positive", Qualitative: true, Priority: SeverityCritical},
	}
}

func defaultAliases() map[string]string {
	return map[string]string{
		"glu":               "glucose",
		"blood_glucose":     "glucose",
		"na":                "sodium",
		"k":                 "potassium",
		"ca":                "calcium",
		"creat":             "creatinine",
		"hgb":               "hemoglobin",
		"hb":                "hemoglobin",
		"white_blood_cells": "wbc",
		"wbc_count":         "wbc",
		"platelet":          "platelets",
		"platelet_count":    "platelets",
		"plt":               "platelets",
		"troponin_i":        "troponin",
		"troponin_t":        "troponin",
		"blood_culture":     "positive_blood_culture",
	}
}
