// Package randomization provides the noise distributions added to a
// selection objective before it is solved.
package randomization

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

var ErrInvalidParameter = errors.New("invalid randomizer parameter")

// Randomizer draws zero-mean noise in R^p from a fixed distribution.
type Randomizer interface {
	Dim() int
	Sample() []float64
	// CovPrec returns the covariance and its inverse as dense symmetric matrices.
	CovPrec() (cov, prec mat.Symmetric)
	// Scalar reports the covariance and precision as scalar multiples of the
	// identity when the distribution is isotropic.
	Scalar() (cov, prec float64, ok bool)
}

type isotropic struct {
	p     int
	scale float64
	cov   float64
	rng   *rand.Rand
	draw  func(rng *rand.Rand) float64
}

// NewIsotropicGaussian returns N(0, scale^2 I_p).
func NewIsotropicGaussian(p int, scale float64, rng *rand.Rand) (Randomizer, error) {
	if err := validate(p, scale, rng); err != nil {
		return nil, err
	}
	return &isotropic{
		p:     p,
		scale: scale,
		cov:   scale * scale,
		rng:   rng,
		draw:  func(rng *rand.Rand) float64 { return rng.NormFloat64() },
	}, nil
}

// NewLaplace returns i.i.d. Laplace(0, scale) coordinates. Each coordinate
// has variance 2*scale^2.
func NewLaplace(p int, scale float64, rng *rand.Rand) (Randomizer, error) {
	if err := validate(p, scale, rng); err != nil {
		return nil, err
	}
	return &isotropic{
		p:     p,
		scale: scale,
		cov:   2 * scale * scale,
		rng:   rng,
		draw: func(rng *rand.Rand) float64 {
			v := rng.ExpFloat64()
			if rng.Intn(2) == 0 {
				return -v
			}
			return v
		},
	}, nil
}

func (r *isotropic) Dim() int { return r.p }

func (r *isotropic) Sample() []float64 {
	out := make([]float64, r.p)
	for i := range out {
		out[i] = r.scale * r.draw(r.rng)
	}
	return out
}

func (r *isotropic) CovPrec() (mat.Symmetric, mat.Symmetric) {
	cov := mat.NewDiagDense(r.p, nil)
	prec := mat.NewDiagDense(r.p, nil)
	for i := 0; i < r.p; i++ {
		cov.SetDiag(i, r.cov)
		prec.SetDiag(i, 1/r.cov)
	}
	return cov, prec
}

func (r *isotropic) Scalar() (float64, float64, bool) {
	return r.cov, 1 / r.cov, true
}

type gaussian struct {
	p    int
	cov  *mat.SymDense
	prec *mat.SymDense
	chol mat.TriDense
	rng  *rand.Rand
}

// NewGaussian returns N(0, cov) for a dense positive definite covariance.
func NewGaussian(cov *mat.SymDense, rng *rand.Rand) (Randomizer, error) {
	if cov == nil {
		return nil, fmt.Errorf("%w: covariance is required", ErrInvalidParameter)
	}
	if rng == nil {
		return nil, fmt.Errorf("%w: random source is required", ErrInvalidParameter)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, fmt.Errorf("%w: covariance is not positive definite", ErrInvalidParameter)
	}
	prec := mat.NewSymDense(cov.SymmetricDim(), nil)
	if err := chol.InverseTo(prec); err != nil {
		return nil, fmt.Errorf("%w: invert covariance: %v", ErrInvalidParameter, err)
	}
	g := &gaussian{
		p:    cov.SymmetricDim(),
		cov:  mat.NewSymDense(cov.SymmetricDim(), nil),
		prec: prec,
		rng:  rng,
	}
	g.cov.CopySym(cov)
	chol.LTo(&g.chol)
	return g, nil
}

func (g *gaussian) Dim() int { return g.p }

func (g *gaussian) Sample() []float64 {
	z := make([]float64, g.p)
	for i := range z {
		z[i] = g.rng.NormFloat64()
	}
	out := mat.NewVecDense(g.p, nil)
	out.MulVec(&g.chol, mat.NewVecDense(g.p, z))
	return out.RawVector().Data
}

func (g *gaussian) CovPrec() (mat.Symmetric, mat.Symmetric) {
	return g.cov, g.prec
}

func (g *gaussian) Scalar() (float64, float64, bool) {
	return 0, 0, false
}

func validate(p int, scale float64, rng *rand.Rand) error {
	if p <= 0 {
		return fmt.Errorf("%w: dimension must be > 0, got %d", ErrInvalidParameter, p)
	}
	if !(scale > 0) || math.IsInf(scale, 0) {
		return fmt.Errorf("%w: scale must be a positive finite number, got %v", ErrInvalidParameter, scale)
	}
	if rng == nil {
		return fmt.Errorf("%w: random source is required", ErrInvalidParameter)
	}
	return nil
}
