package query

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// LogDensity evaluates the unnormalized Gaussian log-density of the
// optimization variables given the score:
//
//	-1/2 (opt + Linear (score + Offset))^T Precision (opt + Linear (score + Offset))
type LogDensity struct {
	Linear    *mat.Dense
	Offset    []float64
	Precision *mat.SymDense
}

// Eval returns one value per row of opts. A single score row is broadcast
// over every opt row; otherwise scores and opts must have the same row count.
func (d LogDensity) Eval(scores, opts *mat.Dense) ([]float64, error) {
	if scores == nil || opts == nil {
		return nil, fmt.Errorf("%w: scores and opt states are required", ErrInvalidParameter)
	}
	k, p := d.Linear.Dims()
	sr, sc := scores.Dims()
	or, oc := opts.Dims()
	if sc != p || oc != k {
		return nil, fmt.Errorf("%w: density needs %d score and %d opt columns, got %d and %d", ErrInvalidParameter, p, k, sc, oc)
	}
	if sr != 1 && sr != or {
		return nil, fmt.Errorf("%w: %d score rows for %d opt rows", ErrInvalidParameter, sr, or)
	}
	out := make([]float64, or)
	shifted := make([]float64, p)
	arg := mat.NewVecDense(k, nil)
	pa := mat.NewVecDense(k, nil)
	var cached *mat.VecDense
	for r := 0; r < or; r++ {
		if sr != 1 || cached == nil {
			row := r
			if sr == 1 {
				row = 0
			}
			for i := 0; i < p; i++ {
				shifted[i] = scores.At(row, i) + d.Offset[i]
			}
			cached = mat.NewVecDense(k, nil)
			cached.MulVec(d.Linear, mat.NewVecDense(p, shifted))
		}
		for j := 0; j < k; j++ {
			arg.SetVec(j, opts.At(r, j)+cached.AtVec(j))
		}
		pa.MulVec(d.Precision, arg)
		out[r] = -0.5 * mat.Dot(arg, pa)
	}
	return out, nil
}

// At evaluates the density at a single score and opt vector.
func (d LogDensity) At(score, opt []float64) (float64, error) {
	if len(score) == 0 || len(opt) == 0 {
		return 0, fmt.Errorf("%w: empty score or opt state", ErrInvalidParameter)
	}
	s := mat.NewDense(1, len(score), append([]float64(nil), score...))
	o := mat.NewDense(1, len(opt), append([]float64(nil), opt...))
	out, err := d.Eval(s, o)
	if err != nil {
		return 0, err
	}
	return out[0], nil
}
