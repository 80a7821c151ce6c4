package query

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gonum.org/v1/gonum/mat"
)

func TestNewConditionalCovarianceInvertsPrecision(t *testing.T) {
	linear := mat.NewDense(3, 2, []float64{
		-1, 0.5,
		0.2, -2,
		0.3, 0.1,
	})
	m := AffineMap{Linear: linear, Offset: []float64{0.1, -0.2, 0.3}}
	cond, err := NewConditional(m, ScalarPrecision(4), []float64{1, 2, 3})
	if err != nil {
		t.Fatalf("new conditional: %v", err)
	}
	var prod mat.Dense
	prod.Mul(cond.Cov, cond.Precision)
	if !mat.EqualApprox(&prod, eye(2), 1e-8) {
		t.Fatalf("cov * prec is not identity: %v", mat.Formatted(&prod))
	}

	// mean = -cov L^T Q (score + offset)
	arg := mat.NewVecDense(3, []float64{1.1, 1.8, 3.3})
	var ltq mat.VecDense
	ltq.MulVec(linear.T(), arg)
	ltq.ScaleVec(4, &ltq)
	var want mat.VecDense
	want.MulVec(cond.Cov, &ltq)
	want.ScaleVec(-1, &want)
	if !cmp.Equal(cond.Mean, want.RawVector().Data, cmpopts.EquateApprox(0, 1e-10)) {
		t.Fatalf("mean mismatch: %s", cmp.Diff(want.RawVector().Data, cond.Mean))
	}
}

func TestNewConditionalScalarMatchesDense(t *testing.T) {
	linear := mat.NewDense(3, 2, []float64{-1, 0, 0, -1, 0.5, 0.5})
	m := AffineMap{Linear: linear, Offset: []float64{0, 1, -1}}
	score := []float64{0.3, -0.4, 2}
	scalar, err := NewConditional(m, ScalarPrecision(0.25), score)
	if err != nil {
		t.Fatalf("scalar conditional: %v", err)
	}
	q := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		q.SetSym(i, i, 0.25)
	}
	dense, err := NewConditional(m, DensePrecision(q), score)
	if err != nil {
		t.Fatalf("dense conditional: %v", err)
	}
	if !mat.EqualApprox(scalar.Cov, dense.Cov, 1e-12) || !mat.EqualApprox(scalar.LogDensLinear, dense.LogDensLinear, 1e-12) {
		t.Fatal("scalar and dense precision disagree")
	}
	if !cmp.Equal(scalar.Mean, dense.Mean, cmpopts.EquateApprox(0, 1e-12)) {
		t.Fatalf("mean mismatch: %s", cmp.Diff(dense.Mean, scalar.Mean))
	}
}

func TestNewConditionalRejectsSingularPrecision(t *testing.T) {
	linear := mat.NewDense(2, 2, []float64{1, 1, 1, 1})
	_, err := NewConditional(AffineMap{Linear: linear, Offset: []float64{0, 0}}, ScalarPrecision(1), []float64{0, 0})
	if !errors.Is(err, ErrDegenerateSelection) {
		t.Fatalf("expected degenerate selection, got %v", err)
	}
	_, err = NewConditional(AffineMap{Linear: linear, Offset: []float64{0}}, ScalarPrecision(1), []float64{0, 0})
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected invalid parameter, got %v", err)
	}
}

func TestLogDensityBroadcastsSingleScore(t *testing.T) {
	cond := oneDimConditional(t, 0.7, -2)
	d := cond.Density()
	opts := mat.NewDense(3, 1, []float64{0.5, 1, 4})
	single, err := d.Eval(mat.NewDense(1, 1, []float64{0.7}), opts)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	repeated, err := d.Eval(mat.NewDense(3, 1, []float64{0.7, 0.7, 0.7}), opts)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !cmp.Equal(single, repeated) {
		t.Fatalf("broadcast mismatch: %s", cmp.Diff(repeated, single))
	}
	// -1/2 (u + s + c)^2 with unit precision
	want := -0.5 * math.Pow(4+0.7-2, 2)
	if math.Abs(single[2]-want) > 1e-12 {
		t.Fatalf("expected %v, got %v", want, single[2])
	}
	if got, err := d.At([]float64{0.7}, []float64{4}); err != nil || got != single[2] {
		t.Fatalf("At disagrees with Eval: %v vs %v (%v)", got, single[2], err)
	}
}

func TestLogDensityRejectsMismatchedRows(t *testing.T) {
	d := oneDimConditional(t, 0.7, -2).Density()
	opts := mat.NewDense(3, 1, []float64{0.5, 1, 4})
	if _, err := d.Eval(mat.NewDense(2, 1, []float64{0.7, 0.7}), opts); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected invalid parameter for 2 score rows and 3 opt rows, got %v", err)
	}
	if _, err := d.Eval(mat.NewDense(1, 2, []float64{0.7, 0.7}), opts); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected invalid parameter for wrong score width, got %v", err)
	}
	if _, err := d.At([]float64{0.7}, []float64{1, 2}); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected invalid parameter for wrong opt width, got %v", err)
	}
}

func TestSamplerDrawsStayInRegion(t *testing.T) {
	cond := oneDimConditional(t, 1, -1.5)
	s, err := NewAffineGaussianSampler(cond, []float64{0.5}, []float64{1}, SelectionVariable{}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("new sampler: %v", err)
	}
	draws, err := s.Sample(500, 100)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if r, c := draws.Dims(); r != 500 || c != 1 {
		t.Fatalf("unexpected sample shape %dx%d", r, c)
	}
	for i := 0; i < 500; i++ {
		if draws.At(i, 0) < 0 {
			t.Fatalf("draw %d outside region: %v", i, draws.At(i, 0))
		}
	}
	if got, err := s.LogDensity(mat.NewDense(1, 1, []float64{1}), draws.Slice(0, 2, 0, 1).(*mat.Dense)); err != nil || len(got) != 2 {
		t.Fatalf("expected two density values, got %d (%v)", len(got), err)
	}
}

func TestSamplerRejectsObservedOptOutsideRegion(t *testing.T) {
	cond := oneDimConditional(t, 0, 0)
	_, err := NewAffineGaussianSampler(cond, []float64{-1}, []float64{0}, SelectionVariable{}, rand.New(rand.NewSource(1)))
	if !errors.Is(err, ErrDegenerateSelection) {
		t.Fatalf("expected degenerate selection, got %v", err)
	}
	_, err = NewAffineGaussianSampler(cond, []float64{1}, []float64{0}, SelectionVariable{}, nil)
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected invalid parameter, got %v", err)
	}
}

// oneDimConditional builds omega = s + u + c with unit randomizer precision,
// so the opt variable is N(-(s + c), 1) given s.
func oneDimConditional(t *testing.T, score, offset float64) *Conditional {
	t.Helper()
	cond, err := NewConditional(AffineMap{Linear: mat.NewDense(1, 1, []float64{1}), Offset: []float64{offset}}, ScalarPrecision(1), []float64{score})
	if err != nil {
		t.Fatalf("new conditional: %v", err)
	}
	return cond
}

func eye(n int) *mat.Dense {
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		out.Set(i, i, 1)
	}
	return out
}
