// Package query derives the conditional law of optimization variables given
// the observed score and builds selective inference on top of it.
package query

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"selectinf/internal/randomization"
)

// AffineMap expresses the randomization realization as
// score + Linear*opt + Offset.
type AffineMap struct {
	Linear *mat.Dense
	Offset []float64
}

// Precision is the randomizer precision, either a scalar multiple of the
// identity or a dense matrix.
type Precision struct {
	scalar float64
	dense  mat.Symmetric
}

func ScalarPrecision(q float64) Precision { return Precision{scalar: q} }

func DensePrecision(q mat.Symmetric) Precision { return Precision{dense: q} }

// RandomizerPrecision prefers the scalar form when the randomizer is isotropic.
func RandomizerPrecision(r randomization.Randomizer) Precision {
	if _, q, ok := r.Scalar(); ok {
		return ScalarPrecision(q)
	}
	_, q := r.CovPrec()
	return DensePrecision(q)
}

func (p Precision) isDense() bool { return p.dense != nil }

// Conditional is the Gaussian law of the optimization variables given the
// score, before truncation to the selection region.
type Conditional struct {
	Mean          []float64
	Cov           *mat.SymDense
	Precision     *mat.SymDense
	LogDensLinear *mat.Dense
	Offset        []float64
}

// NewConditional computes
//
//	prec          = L^T Q L
//	cov           = prec^-1
//	logdensLinear = cov L^T Q
//	mean          = -logdensLinear (score + offset)
func NewConditional(m AffineMap, q Precision, score []float64) (*Conditional, error) {
	if m.Linear == nil {
		return nil, fmt.Errorf("%w: opt linear term is required", ErrInvalidParameter)
	}
	p, k := m.Linear.Dims()
	if len(m.Offset) != p || len(score) != p {
		return nil, fmt.Errorf("%w: offset/score length must be %d", ErrInvalidParameter, p)
	}
	if q.isDense() && q.dense.SymmetricDim() != p {
		return nil, fmt.Errorf("%w: precision must be %dx%d", ErrInvalidParameter, p, p)
	}

	prec := mat.NewSymDense(k, nil)
	var ltq mat.Dense
	if q.isDense() {
		var ql mat.Dense
		ql.Mul(q.dense, m.Linear)
		var full mat.Dense
		full.Mul(m.Linear.T(), &ql)
		for i := 0; i < k; i++ {
			for j := i; j < k; j++ {
				prec.SetSym(i, j, (full.At(i, j)+full.At(j, i))/2)
			}
		}
		ltq.Mul(m.Linear.T(), q.dense)
	} else {
		if q.scalar <= 0 {
			return nil, fmt.Errorf("%w: precision must be positive", ErrInvalidParameter)
		}
		prec.SymOuterK(q.scalar, m.Linear.T())
		ltq.Scale(q.scalar, m.Linear.T())
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(prec); !ok {
		return nil, fmt.Errorf("%w: conditional precision is singular", ErrDegenerateSelection)
	}
	cov := mat.NewSymDense(k, nil)
	if err := chol.InverseTo(cov); err != nil {
		return nil, fmt.Errorf("%w: invert conditional precision: %v", ErrDegenerateSelection, err)
	}

	logdens := mat.NewDense(k, p, nil)
	logdens.Mul(cov, &ltq)

	arg := make([]float64, p)
	for i := range arg {
		arg[i] = score[i] + m.Offset[i]
	}
	mean := mat.NewVecDense(k, nil)
	mean.MulVec(logdens, mat.NewVecDense(p, arg))
	mean.ScaleVec(-1, mean)

	return &Conditional{
		Mean:          mean.RawVector().Data,
		Cov:           cov,
		Precision:     prec,
		LogDensLinear: logdens,
		Offset:        append([]float64(nil), m.Offset...),
	}, nil
}

// Dim is the number of optimization variables.
func (c *Conditional) Dim() int { return len(c.Mean) }

// Density binds the fields needed to evaluate the unnormalized log-density.
func (c *Conditional) Density() LogDensity {
	return LogDensity{Linear: c.LogDensLinear, Offset: c.Offset, Precision: c.Precision}
}
