package solver

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gonum.org/v1/gonum/mat"

	"selectinf/internal/glm"
)

func TestSLOPEProxSoftThresholdsSingleCoordinate(t *testing.T) {
	pen, err := NewSLOPE([]float64{1})
	if err != nil {
		t.Fatalf("new slope: %v", err)
	}
	dst := make([]float64, 1)
	pen.Prox(dst, []float64{2.5}, 1)
	if dst[0] != 1.5 {
		t.Fatalf("expected 1.5, got %v", dst[0])
	}
	pen.Prox(dst, []float64{-0.4}, 1)
	if dst[0] != 0 {
		t.Fatalf("expected 0, got %v", dst[0])
	}
}

func TestSLOPEProxPoolsViolators(t *testing.T) {
	pen, err := NewSLOPE([]float64{1, 3})
	if err != nil {
		t.Fatalf("new slope: %v", err)
	}
	if got := pen.Weights(); got[0] != 3 || got[1] != 1 {
		t.Fatalf("weights not sorted descending: %v", got)
	}
	dst := make([]float64, 2)
	// sorted magnitudes 4, 3.5 minus weights 3, 1 give 1, 2.5 which violate
	// the ordering and pool to 1.75
	pen.Prox(dst, []float64{-3.5, 4}, 1)
	want := []float64{-1.75, 1.75}
	if !cmp.Equal(dst, want, cmpopts.EquateApprox(0, 1e-12)) {
		t.Fatalf("prox mismatch: %s", cmp.Diff(want, dst))
	}
	if math.Abs(dst[0]) != math.Abs(dst[1]) {
		t.Fatal("pooled magnitudes must tie exactly")
	}
}

func TestSLOPEValue(t *testing.T) {
	pen, _ := NewSLOPE([]float64{2, 1, 0.5})
	if got := pen.Value([]float64{-1, 3, 0.5}); got != 2*3+1*1+0.5*0.5 {
		t.Fatalf("unexpected value %v", got)
	}
	if _, err := NewSLOPE([]float64{1, -1}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid weight error, got %v", err)
	}
}

func TestProximalGradientMatchesLeastSquaresWithoutPenalty(t *testing.T) {
	x, y := smallDesign(40, 3, 1)
	loss, err := glm.NewGaussian(x, y, 1)
	if err != nil {
		t.Fatalf("new loss: %v", err)
	}
	s := NewProximalGradient()
	got, err := s.Solve(context.Background(), Problem{Loss: loss}, Options{Tol: 1e-12, MaxIterations: 50000})
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	var want mat.VecDense
	if err := want.SolveVec(x, mat.NewVecDense(len(y), y)); err != nil {
		t.Fatalf("least squares: %v", err)
	}
	if !cmp.Equal(got, want.RawVector().Data, cmpopts.EquateApprox(0, 1e-8)) {
		t.Fatalf("solution mismatch: %s", cmp.Diff(want.RawVector().Data, got))
	}
}

func TestProximalGradientSatisfiesSLOPEOptimality(t *testing.T) {
	x, y := smallDesign(60, 4, 2)
	loss, _ := glm.NewGaussian(x, y, 1)
	pen, _ := NewSLOPE([]float64{30, 20, 10, 5})
	omega := []float64{0.5, -0.2, 0.1, 0}
	problem := Problem{
		Loss:      loss,
		Penalty:   pen,
		Quadratic: Quadratic{Coef: 0.1, Linear: negate(omega)},
	}
	beta, err := NewProximalGradient().Solve(context.Background(), problem, DefaultOptions())
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	// a minimizer is a fixed point of the proximal map for any step
	grad := make([]float64, len(beta))
	loss.Gradient(grad, beta)
	problem.Quadratic.AddGradient(grad, beta)
	step := 1e-3
	trial := make([]float64, len(beta))
	for i := range beta {
		trial[i] = beta[i] - step*grad[i]
	}
	fixed := make([]float64, len(beta))
	pen.Prox(fixed, trial, step)
	if !cmp.Equal(fixed, beta, cmpopts.EquateApprox(0, 1e-7)) {
		t.Fatalf("not a fixed point: %s", cmp.Diff(beta, fixed))
	}
}

func TestProximalGradientHonorsContext(t *testing.T) {
	x, y := smallDesign(20, 2, 3)
	loss, _ := glm.NewGaussian(x, y, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewProximalGradient().Solve(ctx, Problem{Loss: loss}, Options{Tol: 1e-300, MinIterations: 1000, MaxIterations: 1000})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestProximalGradientReportsIterationCap(t *testing.T) {
	x, y := smallDesign(20, 2, 4)
	loss, _ := glm.NewGaussian(x, y, 1)
	_, err := NewProximalGradient().Solve(context.Background(), Problem{Loss: loss}, Options{Tol: 1e-300, MinIterations: 5, MaxIterations: 5})
	var convErr *ConvergenceError
	if !errors.As(err, &convErr) || !errors.Is(err, ErrNotConverged) {
		t.Fatalf("expected ConvergenceError, got %v", err)
	}
	if len(convErr.Last) != 2 || convErr.Iterations != 5 {
		t.Fatalf("unexpected convergence error payload: %+v", convErr)
	}
}

func TestNewtonRestrictedFitLogistic(t *testing.T) {
	x, _ := smallDesign(200, 3, 5)
	rng := rand.New(rand.NewSource(6))
	y := make([]float64, 200)
	for i := range y {
		eta := 0.8*x.At(i, 0) - 0.5*x.At(i, 2)
		if rng.Float64() < 1/(1+math.Exp(-eta)) {
			y[i] = 1
		}
	}
	loss, _ := glm.NewLogistic(x, y)
	beta, err := NewtonRestrictedFit(context.Background(), loss, []bool{true, false, true}, DefaultOptions())
	if err != nil {
		t.Fatalf("restricted fit: %v", err)
	}
	if beta[1] != 0 {
		t.Fatalf("inactive coordinate must stay zero, got %v", beta[1])
	}
	grad := make([]float64, 3)
	loss.Gradient(grad, beta)
	if math.Abs(grad[0]) > 1e-6 || math.Abs(grad[2]) > 1e-6 {
		t.Fatalf("gradient not zero on active block: %v", grad)
	}
}

func TestNewtonRestrictedFitEmptyActiveSet(t *testing.T) {
	x, y := smallDesign(10, 2, 7)
	loss, _ := glm.NewGaussian(x, y, 1)
	beta, err := NewtonRestrictedFit(context.Background(), loss, []bool{false, false}, DefaultOptions())
	if err != nil {
		t.Fatalf("restricted fit: %v", err)
	}
	if beta[0] != 0 || beta[1] != 0 {
		t.Fatalf("expected zeros, got %v", beta)
	}
}

func smallDesign(n, p int, seed int64) (*mat.Dense, []float64) {
	rng := rand.New(rand.NewSource(seed))
	x := mat.NewDense(n, p, nil)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			x.Set(i, j, rng.NormFloat64())
		}
		y[i] = x.At(i, 0) + rng.NormFloat64()
	}
	return x, y
}

func negate(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = -x
	}
	return out
}
