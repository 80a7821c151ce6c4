// Package constraints represents polyhedral regions {u : A u <= b} carrying a
// Gaussian law, and samples that law restricted to the region.
package constraints

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrInvalidConstraint = errors.New("invalid affine constraint")
	ErrInfeasible        = errors.New("point is not feasible")
)

// Affine is the region {u : A u <= B} paired with N(Mean, Cov).
type Affine struct {
	A    *mat.Dense
	B    []float64
	Mean []float64
	Cov  *mat.SymDense

	prec *mat.SymDense
}

// NewAffine validates shapes and factors the covariance.
func NewAffine(a *mat.Dense, b, mean []float64, cov *mat.SymDense) (*Affine, error) {
	if a == nil || cov == nil {
		return nil, fmt.Errorf("%w: linear part and covariance are required", ErrInvalidConstraint)
	}
	rows, cols := a.Dims()
	if len(b) != rows {
		return nil, fmt.Errorf("%w: offset has length %d, want %d", ErrInvalidConstraint, len(b), rows)
	}
	if len(mean) != cols || cov.SymmetricDim() != cols {
		return nil, fmt.Errorf("%w: mean/covariance dimension mismatch with %d columns", ErrInvalidConstraint, cols)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, fmt.Errorf("%w: covariance is not positive definite", ErrInvalidConstraint)
	}
	prec := mat.NewSymDense(cols, nil)
	if err := chol.InverseTo(prec); err != nil {
		return nil, fmt.Errorf("%w: invert covariance: %v", ErrInvalidConstraint, err)
	}
	return &Affine{
		A:    a,
		B:    append([]float64(nil), b...),
		Mean: append([]float64(nil), mean...),
		Cov:  cov,
		prec: prec,
	}, nil
}

// NonNegative builds the orthant {u : -u <= 0}.
func NonNegative(mean []float64, cov *mat.SymDense) (*Affine, error) {
	k := len(mean)
	if k == 0 {
		return nil, fmt.Errorf("%w: empty region", ErrInvalidConstraint)
	}
	a := mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		a.Set(i, i, -1)
	}
	return NewAffine(a, make([]float64, k), mean, cov)
}

func (c *Affine) Dim() int { return len(c.Mean) }

// Precision returns the inverse covariance.
func (c *Affine) Precision() *mat.SymDense { return c.prec }

// Feasible reports whether A u <= B + tol componentwise.
func (c *Affine) Feasible(u []float64, tol float64) bool {
	rows, _ := c.A.Dims()
	au := mat.NewVecDense(rows, nil)
	au.MulVec(c.A, mat.NewVecDense(len(u), u))
	for i := 0; i < rows; i++ {
		if au.AtVec(i) > c.B[i]+tol {
			return false
		}
	}
	return true
}

// Sample runs a coordinate-wise Gibbs sampler started at initial and returns
// ndraw rows after discarding burnin sweeps.
func (c *Affine) Sample(rng *rand.Rand, initial []float64, ndraw, burnin int) (*mat.Dense, error) {
	k := c.Dim()
	if rng == nil {
		return nil, fmt.Errorf("%w: random source is required", ErrInvalidConstraint)
	}
	if ndraw <= 0 || burnin < 0 {
		return nil, fmt.Errorf("%w: ndraw must be > 0 and burnin >= 0", ErrInvalidConstraint)
	}
	if len(initial) != k {
		return nil, fmt.Errorf("%w: initial point has length %d, want %d", ErrInvalidConstraint, len(initial), k)
	}
	if !c.Feasible(initial, 1e-10) {
		return nil, ErrInfeasible
	}

	rows, _ := c.A.Dims()
	state := append([]float64(nil), initial...)
	slack := make([]float64, rows)
	for i := 0; i < rows; i++ {
		slack[i] = c.B[i] - mat.Dot(c.A.RowView(i), mat.NewVecDense(k, state))
	}

	out := mat.NewDense(ndraw, k, nil)
	for sweep := 0; sweep < burnin+ndraw; sweep++ {
		for j := 0; j < k; j++ {
			pjj := c.prec.At(j, j)
			shift := 0.0
			for l := 0; l < k; l++ {
				if l != j {
					shift += c.prec.At(j, l) * (state[l] - c.Mean[l])
				}
			}
			condMean := c.Mean[j] - shift/pjj
			condSD := 1 / math.Sqrt(pjj)

			lo, hi := math.Inf(-1), math.Inf(1)
			for i := 0; i < rows; i++ {
				aij := c.A.At(i, j)
				if aij == 0 {
					continue
				}
				// bound on u_j with every other coordinate held fixed
				bound := (slack[i] + aij*state[j]) / aij
				if aij > 0 {
					hi = math.Min(hi, bound)
				} else {
					lo = math.Max(lo, bound)
				}
			}

			next := TruncatedNormal(rng, condMean, condSD, lo, hi)
			delta := next - state[j]
			for i := 0; i < rows; i++ {
				slack[i] -= c.A.At(i, j) * delta
			}
			state[j] = next
		}
		if sweep >= burnin {
			out.SetRow(sweep-burnin, state)
		}
	}
	return out, nil
}
