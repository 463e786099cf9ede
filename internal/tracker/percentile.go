package tracker

import (
	"math"
	"slices"
)

// P95 is the quantile tracked per service.
const P95 = 0.95

// rankEpsilon absorbs float error in p*(n-1) so that exact ranks are not floored one short.
const rankEpsilon = 1e-9

// Percentile returns the p-quantile of values using the "lower" nearest-rank
// rule: the element at sorted index floor(p*(n-1)). It never interpolates.
// Returns 0 for an empty input. values is not modified.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	idx := int(math.Floor(p*float64(len(sorted)-1) + rankEpsilon))
	return sorted[max(0, min(idx, len(sorted)-1))]
}
