package selection

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"selectinf/internal/randomization"
)

// SimesResult is the outcome of the Simes sieve on one family of p-values.
type SimesResult struct {
	// Selected reports whether the global Simes test rejects at alpha/2.
	Selected bool
	// Index is the coordinate with the smallest p-value, or -1.
	Index int
	// Active lists coordinates with p-value at most alpha/2, by p-value.
	Active []int
	// J lists the coordinates ranked ahead of the first Simes crossing.
	J []int
	// T0 is the rank of the first Simes crossing.
	T0 int
	// PValue is the Simes p-value min_i m p_(i) / i.
	PValue float64
}

// RandomizedSimesResult adds the randomized statistics the sieve ran on.
type RandomizedSimesResult struct {
	SimesResult
	// Sign is the sign of the unrandomized statistic at Index.
	Sign float64
	// Statistics holds the unrandomized statistics at J followed by Index.
	Statistics []float64
	PValues    []float64
}

// BHQ runs the two-sided Benjamini-Hochberg step-up procedure: the largest
// rank r with p_(r) <= level r / (2m) and everything ranked ahead of it are
// rejected, ordered by p-value. ok is false when nothing is rejected.
func BHQ(pvalues []float64, level float64) (rejected []int, ok bool) {
	m := len(pvalues)
	order := argsort(pvalues)
	last := -1
	for r, i := range order {
		if pvalues[i] <= level*float64(r+1)/float64(2*m) {
			last = r
		}
	}
	if last < 0 {
		return nil, false
	}
	return append([]int(nil), order[:last+1]...), true
}

// SimesPValues returns the sorted p-values scaled by m / rank.
func SimesPValues(pvalues []float64) []float64 {
	m := float64(len(pvalues))
	sorted := append([]float64(nil), pvalues...)
	slices.Sort(sorted)
	for r := range sorted {
		sorted[r] *= m / float64(r+1)
	}
	return sorted
}

// SimesSelection runs the two-sided Simes sieve at alpha. The active set
// only grows with alpha.
func SimesSelection(pvalues []float64, alpha float64) (SimesResult, error) {
	m := len(pvalues)
	res := SimesResult{Index: -1, T0: -1, PValue: math.NaN()}
	if m == 0 {
		return res, fmt.Errorf("%w: no p-values", ErrInvalidParameter)
	}
	if !(alpha > 0 && alpha <= 1) {
		return res, fmt.Errorf("%w: alpha must lie in (0, 1], got %v", ErrInvalidParameter, alpha)
	}
	for i, p := range pvalues {
		if !(p >= 0 && p <= 1) {
			return res, fmt.Errorf("%w: p-value %d = %v outside [0, 1]", ErrInvalidParameter, i, p)
		}
	}
	res.PValue = slices.Min(SimesPValues(pvalues))
	if res.PValue > alpha/2 {
		return res, nil
	}

	order := argsort(pvalues)
	res.Selected = true
	for _, i := range order {
		if pvalues[i] <= alpha/2 {
			res.Active = append(res.Active, i)
		}
	}
	res.Index = res.Active[0]
	for r, i := range order {
		if pvalues[i] <= float64(r+1)/float64(2*m)*alpha {
			res.T0 = r
			break
		}
	}
	res.J = append([]int{}, order[:res.T0]...)
	return res, nil
}

// RandomizedSimes computes T = X^T y + omega, converts it to two-sided
// normal p-values and runs the Simes sieve. X should have normalized
// columns and unit noise.
func RandomizedSimes(x *mat.Dense, y []float64, alpha float64, randomizer randomization.Randomizer) (RandomizedSimesResult, error) {
	if x == nil || randomizer == nil {
		return RandomizedSimesResult{}, fmt.Errorf("%w: design and randomizer are required", ErrInvalidParameter)
	}
	n, p := x.Dims()
	if len(y) != n || randomizer.Dim() != p {
		return RandomizedSimesResult{}, fmt.Errorf("%w: shapes do not match %dx%d design", ErrInvalidParameter, n, p)
	}
	stats := mat.NewVecDense(p, nil)
	stats.MulVec(x.T(), mat.NewVecDense(n, y))
	omega := randomizer.Sample()
	pvalues := make([]float64, p)
	for i := 0; i < p; i++ {
		t := stats.AtVec(i) + omega[i]
		pvalues[i] = 2 * distuv.UnitNormal.Survival(math.Abs(t))
	}
	sieve, err := SimesSelection(pvalues, alpha)
	if err != nil {
		return RandomizedSimesResult{}, err
	}
	out := RandomizedSimesResult{SimesResult: sieve, PValues: pvalues}
	if !sieve.Selected {
		return out, nil
	}
	out.Sign = sign(stats.AtVec(sieve.Index))
	for _, j := range sieve.J {
		out.Statistics = append(out.Statistics, stats.AtVec(j))
	}
	out.Statistics = append(out.Statistics, stats.AtVec(sieve.Index))
	return out, nil
}

// MarginalScreeningSelection marks the p-values at or below level.
func MarginalScreeningSelection(pvalues []float64, level float64) []bool {
	out := make([]bool, len(pvalues))
	for i, p := range pvalues {
		out[i] = p <= level
	}
	return out
}

func argsort(v []float64) []int {
	order := make([]int, len(v))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int { return cmp.Compare(v[a], v[b]) })
	return order
}
