package thresholds

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidValue is returned for NaN or infinite measurements.
var ErrInvalidValue = errors.New("invalid result value")

// Direction says which side of the range a value fell on.
type Direction string

const (
	DirectionLow      Direction = "LOW"
	DirectionHigh     Direction = "HIGH"
	DirectionPositive Direction = "POSITIVE"
)

// Finding is a result that crossed a critical or panic bound.
type Finding struct {
	Test      string    `json:"test"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Severity  Severity  `json:"severity"`
	Direction Direction `json:"direction"`
	Panic     bool      `json:"panic"`
	Bound     *float64  `json:"bound,omitempty"`
	Message   string    `json:"message"`
}

// Evaluate classifies value for test. It returns a nil finding when the test
// is unknown or the value sits inside the critical range. Bounds are strict:
// a value equal to a bound does not alert.
func (t *Table) Evaluate(test string, value float64) (*Finding, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, value)
	}

	r, ok := t.Lookup(test)
	if !ok {
		return nil, nil
	}

	if r.Qualitative {
		return &Finding{
			Test:      r.Test,
			Value:     value,
			Severity:  r.Priority,
			Direction: DirectionPositive,
			Message:   "POSITIVE: " + r.Test,
		}, nil
	}

	switch {
	case r.PanicLow != nil && value < *r.PanicLow:
		return r.finding(value, SeverityCritical, DirectionLow, true, r.PanicLow), nil
	case r.PanicHigh != nil && value > *r.PanicHigh:
		return r.finding(value, SeverityCritical, DirectionHigh, true, r.PanicHigh), nil
	case r.Low != nil && value < *r.Low:
		return r.finding(value, SeverityHigh, DirectionLow, false, r.Low), nil
	case r.High != nil && value > *r.High:
		return r.finding(value, SeverityHigh, DirectionHigh, false, r.High), nil
	}
	return nil, nil
}

func (r Range) finding(value float64, sev Severity, dir Direction, panicky bool, bound *float64) *Finding {
	kind := "CRITICAL"
	if panicky {
		kind = "PANIC"
	}
	op := "<"
	if dir == DirectionHigh {
		op = ">"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s = %s", kind, dir, r.Test, FormatValue(value))
	if r.Unit != "" {
		b.WriteString(" " + r.Unit)
	}
	fmt.Fprintf(&b, " (%s %s)", op, FormatValue(*bound))

	bv := *bound
	return &Finding{
		Test:      r.Test,
		Value:     value,
		Unit:      r.Unit,
		Severity:  sev,
		Direction: dir,
		Panic:     panicky,
		Bound:     &bv,
		Message:   b.String(),
	}
}

// FormatValue renders a measurement with the shortest exact representation.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
