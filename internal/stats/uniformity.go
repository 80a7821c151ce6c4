package stats

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"selectinf/internal/model"
)

// Summary describes a sample of finite values.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Summarize drops non-finite values and summarizes the rest.
func Summarize(values []float64) Summary {
	finite := finiteValues(values)
	if len(finite) == 0 {
		return Summary{}
	}
	mean, std := stat.MeanStdDev(finite, nil)
	if len(finite) == 1 {
		std = 0
	}
	return Summary{
		Count:  len(finite),
		Mean:   mean,
		StdDev: std,
		Min:    floats.Min(finite),
		Max:    floats.Max(finite),
	}
}

// KSUniform returns the one-sample Kolmogorov-Smirnov statistic of values
// against Uniform(0, 1) and its asymptotic p-value.
func KSUniform(values []float64) (statistic, pvalue float64, err error) {
	sorted := finiteValues(values)
	n := len(sorted)
	if n == 0 {
		return 0, 0, fmt.Errorf("ks test needs at least one finite value")
	}
	slices.Sort(sorted)
	for i, v := range sorted {
		u := math.Min(math.Max(v, 0), 1)
		above := float64(i+1)/float64(n) - u
		below := u - float64(i)/float64(n)
		statistic = math.Max(statistic, math.Max(above, below))
	}
	return statistic, KolmogorovSurvival(statistic, n), nil
}

// KolmogorovSurvival approximates P(D_n > d) with Stephens' small-sample
// correction applied to the Kolmogorov limiting distribution.
func KolmogorovSurvival(d float64, n int) float64 {
	if d <= 0 {
		return 1
	}
	rootN := math.Sqrt(float64(n))
	lambda := (rootN + 0.12 + 0.11/rootN) * d
	if lambda < 0.2 {
		return 1
	}
	var sum float64
	for k := 1; k <= 100; k++ {
		term := math.Exp(-2 * float64(k*k) * lambda * lambda)
		if k%2 == 0 {
			sum -= term
		} else {
			sum += term
		}
		if term < 1e-12 {
			break
		}
	}
	return math.Min(math.Max(2*sum, 0), 1)
}

// Uniformity summarizes null pivots: moments, KS fit and the fraction at or
// below alpha. Without a finite pivot only the zero count is reported.
func Uniformity(pivots []float64, alpha float64) (model.UniformityStats, error) {
	summary := Summarize(pivots)
	out := model.UniformityStats{
		Count:  summary.Count,
		Mean:   summary.Mean,
		StdDev: summary.StdDev,
	}
	if summary.Count == 0 {
		return out, nil
	}
	var err error
	if out.KS, out.KSPValue, err = KSUniform(pivots); err != nil {
		return out, err
	}
	var rejected int
	for _, p := range finiteValues(pivots) {
		if p <= alpha {
			rejected++
		}
	}
	out.Rejection = float64(rejected) / float64(summary.Count)
	return out, nil
}

// Coverage returns the fraction of intervals containing the matching truth
// and their mean length. Intervals with a non-finite endpoint are skipped.
func Coverage(intervals [][2]float64, truth []float64) (coverage, meanLength float64, err error) {
	if len(intervals) != len(truth) {
		return 0, 0, fmt.Errorf("got %d intervals for %d truths", len(intervals), len(truth))
	}
	var covered, used int
	var length float64
	for i, iv := range intervals {
		if math.IsNaN(iv[0]) || math.IsNaN(iv[1]) || math.IsInf(iv[0], 0) || math.IsInf(iv[1], 0) {
			continue
		}
		used++
		length += iv[1] - iv[0]
		if iv[0] <= truth[i] && truth[i] <= iv[1] {
			covered++
		}
	}
	if used == 0 {
		return 0, 0, nil
	}
	return float64(covered) / float64(used), length / float64(used), nil
}

func finiteValues(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, v)
	}
	return out
}
