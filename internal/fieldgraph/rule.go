// Package fieldgraph recomputes a page's derived fields from its raw inputs.
//
// Each page owns an Engine built from a set of Rules. Rules form a DAG and are
// evaluated in dependency order; the Engine remembers the last value it
// computed for each target (the change snapshot) and only reports targets
// whose formatted value moved, which keeps recompute cycles from feeding
// themselves.
package fieldgraph

import (
	"math"
	"strconv"

	"github.com/starford/formsync/internal/models"
)

// Inputs holds the coerced numeric source values of one rule evaluation.
type Inputs map[string]float64

// Get returns the value of a source; missing sources read as 0.
func (in Inputs) Get(name string) float64 {
	return in[name]
}

// ComputeFunc derives a target value from its sources.
type ComputeFunc func(in Inputs) (float64, error)

// Rule derives Target from Sources. Decimals is the number of fraction
// digits kept when the result is written back.
type Rule struct {
	Target   string
	Sources  []string
	Decimals int
	Compute  ComputeFunc
}

// Func adapts an infallible computation.
func Func(f func(in Inputs) float64) ComputeFunc {
	return func(in Inputs) (float64, error) {
		return f(in), nil
	}
}

// Percent converts a whole-number percentage to a fraction.
func Percent(v float64) float64 {
	return v / 100
}

// Ratio divides a by b, returning 0 for a zero denominator.
func Ratio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return Finite(a / b)
}

// Finite maps NaN and ±Inf to 0.
func Finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// Format renders v with the given number of decimals, rounding half away
// from zero.
func Format(v float64, decimals int) string {
	if decimals < 0 {
		decimals = 0
	}
	v = Finite(v)
	p := math.Pow(10, float64(decimals))
	r := math.Round(v*p) / p
	if r == 0 {
		r = 0 // drop negative zero
	}
	return strconv.FormatFloat(r, 'f', decimals, 64)
}

func gather(r Rule, fields models.Fields) Inputs {
	in := make(Inputs, len(r.Sources))
	for _, src := range r.Sources {
		in[src] = models.Number(fields[src])
	}
	return in
}
