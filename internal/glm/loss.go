// Package glm implements the smooth negative log-likelihoods used as
// selection objectives.
package glm

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var ErrShapeMismatch = errors.New("design and response shapes do not match")

// Loss is a smooth negative log-likelihood in the linear predictor X beta.
type Loss interface {
	Data() (*mat.Dense, []float64)
	Dims() (n, p int)
	Value(beta []float64) float64
	Gradient(dst, beta []float64)
	// HessianDiagonal returns the per-observation second derivative of the
	// saturated loss at eta.
	HessianDiagonal(eta []float64) []float64
	MeanFunction(eta []float64) []float64
}

type base struct {
	x *mat.Dense
	y []float64
}

func newBase(x *mat.Dense, y []float64) (base, error) {
	if x == nil {
		return base{}, fmt.Errorf("%w: design is required", ErrShapeMismatch)
	}
	n, _ := x.Dims()
	if len(y) != n {
		return base{}, fmt.Errorf("%w: %d rows, %d responses", ErrShapeMismatch, n, len(y))
	}
	return base{x: x, y: append([]float64(nil), y...)}, nil
}

func (b base) Data() (*mat.Dense, []float64) { return b.x, b.y }

func (b base) Dims() (int, int) { return b.x.Dims() }

// LinearPredictor returns X beta.
func (b base) LinearPredictor(beta []float64) []float64 {
	n, p := b.x.Dims()
	eta := mat.NewVecDense(n, nil)
	eta.MulVec(b.x, mat.NewVecDense(p, beta))
	return eta.RawVector().Data
}

// gradientFromResidual writes -X^T r into dst.
func (b base) gradientFromResidual(dst, r []float64, scale float64) {
	n, p := b.x.Dims()
	g := mat.NewVecDense(p, dst)
	g.MulVec(b.x.T(), mat.NewVecDense(n, r))
	g.ScaleVec(-scale, g)
}

// Gaussian is coef/2 * ||y - X beta||^2.
type Gaussian struct {
	base
	coef float64
}

// NewGaussian builds the squared-error loss; coef is 1/sigma^2 and defaults to 1.
func NewGaussian(x *mat.Dense, y []float64, coef float64) (*Gaussian, error) {
	b, err := newBase(x, y)
	if err != nil {
		return nil, err
	}
	if coef <= 0 {
		coef = 1
	}
	return &Gaussian{base: b, coef: coef}, nil
}

func (g *Gaussian) Value(beta []float64) float64 {
	eta := g.LinearPredictor(beta)
	total := 0.0
	for i, v := range eta {
		d := g.y[i] - v
		total += d * d
	}
	return 0.5 * g.coef * total
}

func (g *Gaussian) Gradient(dst, beta []float64) {
	eta := g.LinearPredictor(beta)
	r := make([]float64, len(eta))
	for i, v := range eta {
		r[i] = g.y[i] - v
	}
	g.gradientFromResidual(dst, r, g.coef)
}

func (g *Gaussian) HessianDiagonal(eta []float64) []float64 {
	w := make([]float64, len(eta))
	for i := range w {
		w[i] = g.coef
	}
	return w
}

func (g *Gaussian) MeanFunction(eta []float64) []float64 {
	return append([]float64(nil), eta...)
}

// Logistic is the Bernoulli negative log-likelihood with logit link.
type Logistic struct {
	base
}

func NewLogistic(x *mat.Dense, y []float64) (*Logistic, error) {
	b, err := newBase(x, y)
	if err != nil {
		return nil, err
	}
	for i, v := range b.y {
		if v < 0 || v > 1 {
			return nil, fmt.Errorf("%w: response %d = %v outside [0, 1]", ErrShapeMismatch, i, v)
		}
	}
	return &Logistic{base: b}, nil
}

func (l *Logistic) Value(beta []float64) float64 {
	eta := l.LinearPredictor(beta)
	total := 0.0
	for i, v := range eta {
		total += softplus(v) - l.y[i]*v
	}
	return total
}

func (l *Logistic) Gradient(dst, beta []float64) {
	eta := l.LinearPredictor(beta)
	r := make([]float64, len(eta))
	for i, v := range eta {
		r[i] = l.y[i] - sigmoid(v)
	}
	l.gradientFromResidual(dst, r, 1)
}

func (l *Logistic) HessianDiagonal(eta []float64) []float64 {
	w := make([]float64, len(eta))
	for i, v := range eta {
		mu := sigmoid(v)
		w[i] = mu * (1 - mu)
	}
	return w
}

func (l *Logistic) MeanFunction(eta []float64) []float64 {
	mu := make([]float64, len(eta))
	for i, v := range eta {
		mu[i] = sigmoid(v)
	}
	return mu
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

func softplus(z float64) float64 {
	if z > 0 {
		return z + math.Log1p(math.Exp(-z))
	}
	return math.Log1p(math.Exp(z))
}

// WeightedGram returns X[:, rows]^T diag(w) X[:, cols] where rows and cols
// are column index sets of the design. Both sets must be non-empty.
func WeightedGram(x *mat.Dense, w []float64, rows, cols []int) *mat.Dense {
	n, _ := x.Dims()
	out := mat.NewDense(len(rows), len(cols), nil)
	for a, i := range rows {
		for b, j := range cols {
			s := 0.0
			for r := 0; r < n; r++ {
				s += x.At(r, i) * w[r] * x.At(r, j)
			}
			out.Set(a, b, s)
		}
	}
	return out
}

// Indices returns 0..p-1.
func Indices(p int) []int {
	idx := make([]int, p)
	for i := range idx {
		idx[i] = i
	}
	return idx
}
