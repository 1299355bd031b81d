// Package simulate produces synthetic lab results for demos and load
// testing. Values are drawn relative to a threshold table so that each
// result lands in a known band: normal, abnormal, critical or panic.
package simulate

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/mattjoyce/critvals/internal/alert"
	"github.com/mattjoyce/critvals/internal/thresholds"
)

// Kind is the band a generated value was drawn from.
type Kind int

const (
	KindNormal Kind = iota
	KindAbnormal
	KindCritical
	KindPanic
)

func (k Kind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindAbnormal:
		return "abnormal"
	case KindCritical:
		return "critical"
	case KindPanic:
		return "panic"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Cumulative band probabilities: 2% panic, 6% critical, 12% abnormal.
const (
	panicRate    = 0.02
	criticalRate = 0.08
	abnormalRate = 0.20
)

// Sample is a generated result together with the band it came from.
type Sample struct {
	Result alert.LabResult
	Kind   Kind
}

type catalogEntry struct {
	test       string
	normalLow  float64
	normalHigh float64
	// decimal places the value is reported with
	precision int
}

var catalog = []catalogEntry{
	{test: "glucose", normalLow: 70, normalHigh: 100, precision: 0},
	{test: "sodium", normalLow: 136, normalHigh: 145, precision: 0},
	{test: "potassium", normalLow: 3.5, normalHigh: 5.0, precision: 1},
	{test: "calcium", normalLow: 8.5, normalHigh: 10.5, precision: 1},
	{test: "creatinine", normalLow: 0.6, normalHigh: 1.2, precision: 1},
	{test: "hemoglobin", normalLow: 12, normalHigh: 16, precision: 1},
	{test: "wbc", normalLow: 4.5, normalHigh: 11, precision: 1},
	{test: "platelets", normalLow: 150, normalHigh: 450, precision: 0},
	{test: "inr", normalLow: 0.8, normalHigh: 1.2, precision: 1},
	{test: "ph", normalLow: 7.35, normalHigh: 7.45, precision: 2},
	{test: "troponin", normalLow: 0, normalHigh: 0.02, precision: 2},
	{test: "bnp", normalLow: 0, normalHigh: 100, precision: 0},
}

var (
	patientNames = []string{
		"John Smith", "Maria Garcia", "David Johnson", "Jennifer Williams", "Robert Brown",
		"Lisa Davis", "Michael Miller", "Sarah Wilson", "Christopher Moore", "Jessica Taylor",
		"Matthew Anderson", "Ashley Thomas", "Joshua Jackson", "Amanda White", "Daniel Harris",
		"Stephanie Martin", "James Thompson", "Kevin Martinez", "Nicole Robinson", "Rachel King",
	}
	departments = []string{"Emergency", "ICU", "Medicine", "Surgery", "Cardiology", "Oncology"}
	physicians  = []string{"Dr. Smith", "Dr. Johnson", "Dr. Williams", "Dr. Brown", "Dr. Davis"}
)

// FirstMRN is the record number given to the first generated patient.
const FirstMRN = 100001

// band is an open interval of reportable values.
type band struct{ lo, hi float64 }

type profile struct {
	test      string
	unit      string
	precision int
	bands     map[Kind][]band
}

// Generator draws lab results from a seeded source. It is not safe for
// concurrent use.
type Generator struct {
	rng      *rand.Rand
	profiles []profile
	now      func() time.Time
	patient  int
}

// New builds a generator whose bands follow table. Catalog tests the table
// does not know, or whose bounds leave no room for every band, are skipped.
func New(table *thresholds.Table, seed uint64) (*Generator, error) {
	g := &Generator{
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:     time.Now,
		patient: FirstMRN,
	}
	for _, c := range catalog {
		r, ok := table.Lookup(c.test)
		if !ok || r.Qualitative {
			continue
		}
		if p, ok := buildProfile(c, r); ok {
			g.profiles = append(g.profiles, p)
		}
	}
	if len(g.profiles) == 0 {
		return nil, errors.New("simulate: no usable tests in threshold table")
	}
	return g, nil
}

func buildProfile(c catalogEntry, r thresholds.Range) (profile, bool) {
	p := profile{test: r.Test, unit: r.Unit, precision: c.precision, bands: make(map[Kind][]band)}
	add := func(k Kind, lo, hi float64) {
		if steps(lo, hi, c.precision) >= 2 {
			p.bands[k] = append(p.bands[k], band{lo, hi})
		}
	}

	add(KindNormal, c.normalLow, c.normalHigh)

	if r.High != nil {
		add(KindAbnormal, c.normalHigh, *r.High)
		if r.PanicHigh != nil {
			add(KindCritical, *r.High, *r.PanicHigh)
		} else {
			add(KindCritical, *r.High, *r.High*1.5)
		}
	}
	if r.Low != nil {
		add(KindAbnormal, *r.Low, c.normalLow)
		if r.PanicLow != nil {
			add(KindCritical, *r.PanicLow, *r.Low)
		} else {
			add(KindCritical, 0, *r.Low)
		}
	}
	if r.PanicHigh != nil {
		width := *r.PanicHigh * 0.5
		if r.High != nil {
			width = *r.PanicHigh - *r.High
		}
		add(KindPanic, *r.PanicHigh, *r.PanicHigh+width)
	}
	if r.PanicLow != nil {
		lo := 0.0
		if r.Low != nil {
			lo = math.Max(0, *r.PanicLow-(*r.Low-*r.PanicLow))
		}
		add(KindPanic, lo, *r.PanicLow)
	}

	// the normal band must sit inside the alerting bounds
	if r.Low != nil && c.normalLow < *r.Low || r.High != nil && c.normalHigh > *r.High {
		return profile{}, false
	}
	for _, k := range []Kind{KindNormal, KindAbnormal, KindCritical, KindPanic} {
		if len(p.bands[k]) == 0 {
			return profile{}, false
		}
	}
	return p, true
}

func steps(lo, hi float64, precision int) int {
	return int(math.Round((hi - lo) * math.Pow10(precision)))
}

// Generate returns n results. Each patient receives between one and five
// distinct tests; patient numbering continues across calls.
func (g *Generator) Generate(n int) []Sample {
	out := make([]Sample, 0, n)
	for len(out) < n {
		mrn := fmt.Sprintf("MRN%06d", g.patient)
		g.patient++
		name := patientNames[g.rng.IntN(len(patientNames))]
		dept := departments[g.rng.IntN(len(departments))]
		doc := physicians[g.rng.IntN(len(physicians))]

		count := 1 + g.rng.IntN(5)
		for _, idx := range g.rng.Perm(len(g.profiles)) {
			if count == 0 || len(out) == n {
				break
			}
			count--
			p := g.profiles[idx]
			kind := g.kind()
			collected := g.now().UTC().Add(-time.Duration(g.rng.IntN(72*60)) * time.Minute).Truncate(time.Second)
			out = append(out, Sample{
				Kind: kind,
				Result: alert.LabResult{
					PatientID:   mrn,
					PatientName: name,
					Test:        p.test,
					Value:       g.value(p, kind),
					Unit:        p.unit,
					Department:  dept,
					Physician:   doc,
					CollectedAt: &collected,
					Source:      "simulate",
				},
			})
		}
	}
	return out
}

func (g *Generator) kind() Kind {
	switch x := g.rng.Float64(); {
	case x < panicRate:
		return KindPanic
	case x < criticalRate:
		return KindCritical
	case x < abnormalRate:
		return KindAbnormal
	}
	return KindNormal
}

// value picks a grid point strictly inside one of the kind's bands.
func (g *Generator) value(p profile, k Kind) float64 {
	bands := p.bands[k]
	b := bands[g.rng.IntN(len(bands))]
	n := steps(b.lo, b.hi, p.precision)
	m := 1 + g.rng.IntN(n-1)
	scale := math.Pow10(p.precision)
	return math.Round(b.lo*scale+float64(m)) / scale
}

// Results strips the band labels.
func Results(samples []Sample) []alert.LabResult {
	out := make([]alert.LabResult, len(samples))
	for i, s := range samples {
		out[i] = s.Result
	}
	return out
}

// Demo returns the fixed five-patient demonstration set. Every value
// falls outside its critical range.
func Demo() []alert.LabResult {
	return []alert.LabResult{
		{PatientID: "P001", Test: "potassium", Value: 6.8, Unit: "mEq/L", Source: "simulate"},
		{PatientID: "P002", Test: "glucose", Value: 35, Unit: "mg/dL", Source: "simulate"},
		{PatientID: "P003", Test: "hemoglobin", Value: 6.5, Unit: "g/dL", Source: "simulate"},
		{PatientID: "P004", Test: "troponin", Value: 0.08, Unit: "ng/mL", Source: "simulate"},
		{PatientID: "P005", Test: "ph", Value: 7.15, Source: "simulate"},
	}
}
