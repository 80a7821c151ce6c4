package simulate

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func TestGaussianInstanceStandardizesColumns(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	inst, err := GaussianInstance(rng, InstanceConfig{N: 50, P: 6, S: 2, Signal: 4, Rho: 0.3, Sigma: 1, RandomSigns: true})
	if err != nil {
		t.Fatalf("instance: %v", err)
	}
	n, p := inst.X.Dims()
	if n != 50 || p != 6 || len(inst.Y) != 50 {
		t.Fatalf("unexpected shapes %dx%d, y=%d", n, p, len(inst.Y))
	}
	col := make([]float64, n)
	for j := 0; j < p; j++ {
		mat.Col(col, j, inst.X)
		mean, std := stat.PopMeanStdDev(col, nil)
		if math.Abs(mean) > 1e-12 || math.Abs(std-1) > 1e-12 {
			t.Fatalf("column %d not standardized: mean=%v std=%v", j, mean, std)
		}
	}
	if len(inst.Support) != 2 {
		t.Fatalf("expected 2 nonzero coefficients, got %v", inst.Support)
	}
	for j, b := range inst.Beta {
		inSupport := j == inst.Support[0] || j == inst.Support[1]
		if inSupport != (b != 0) {
			t.Fatalf("support %v disagrees with beta %v", inst.Support, inst.Beta)
		}
		if b != 0 && math.Abs(b) != 4 {
			t.Fatalf("unexpected coefficient %v", b)
		}
	}
	if inst.Support[0] >= inst.Support[1] {
		t.Fatalf("support should be increasing: %v", inst.Support)
	}
}

func TestLogisticInstanceIsBinary(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	inst, err := LogisticInstance(rng, InstanceConfig{N: 80, P: 4, S: 1, Signal: 1})
	if err != nil {
		t.Fatalf("instance: %v", err)
	}
	var ones int
	for _, y := range inst.Y {
		if y != 0 && y != 1 {
			t.Fatalf("non-binary response %v", y)
		}
		if y == 1 {
			ones++
		}
	}
	if ones == 0 || ones == len(inst.Y) {
		t.Fatalf("expected both classes, got %d ones", ones)
	}
}

func TestInstanceSeedReproducible(t *testing.T) {
	cfg := InstanceConfig{N: 20, P: 3, S: 1, Signal: 1, Sigma: 1}
	a, err := GaussianInstance(rand.New(rand.NewSource(11)), cfg)
	if err != nil {
		t.Fatalf("instance a: %v", err)
	}
	b, err := GaussianInstance(rand.New(rand.NewSource(11)), cfg)
	if err != nil {
		t.Fatalf("instance b: %v", err)
	}
	if !mat.Equal(a.X, b.X) {
		t.Fatal("same seed should give the same design")
	}
	for i := range a.Y {
		if a.Y[i] != b.Y[i] {
			t.Fatalf("same seed should give the same response at %d", i)
		}
	}
}

func TestInstanceRejectsBadConfig(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	bad := []InstanceConfig{
		{N: 1, P: 3, Sigma: 1},
		{N: 10, P: 3, S: 4, Sigma: 1},
		{N: 10, P: 3, Rho: 1, Sigma: 1},
		{N: 10, P: 3, Sigma: 0},
	}
	for i, cfg := range bad {
		if _, err := GaussianInstance(rng, cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
	if _, err := LogisticInstance(nil, InstanceConfig{N: 10, P: 2}); err == nil {
		t.Fatal("expected error without random source")
	}
}

func TestEquicorrelatedCov(t *testing.T) {
	s := EquicorrelatedCov(3, 0.25)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.25
			if i == j {
				want = 1
			}
			if s.At(i, j) != want {
				t.Fatalf("entry (%d,%d) = %v, want %v", i, j, s.At(i, j), want)
			}
		}
	}
}

func TestSLOPEWeightsDecrease(t *testing.T) {
	w := SLOPEWeights(10, 0.1, 2)
	for i := 1; i < len(w); i++ {
		if !(w[i] < w[i-1]) {
			t.Fatalf("weights should strictly decrease: %v", w)
		}
	}
	if math.Abs(w[0]-2*2.5758293035489004) > 1e-9 {
		t.Fatalf("unexpected leading weight %v", w[0])
	}
}

func TestProjectedTruthRecoversSupportedCoefficients(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	inst, err := GaussianInstance(rng, InstanceConfig{N: 40, P: 5, S: 2, Signal: 3, Rho: 0.4, Sigma: 1})
	if err != nil {
		t.Fatalf("instance: %v", err)
	}
	active := append([]int(nil), inst.Support...)
	for j := 0; j < 5 && len(active) < 3; j++ {
		if inst.Beta[j] == 0 {
			active = append(active, j)
		}
	}
	truth, err := projectedTruth(inst.X, inst.Beta, active)
	if err != nil {
		t.Fatalf("projected truth: %v", err)
	}
	for a, j := range active {
		if math.Abs(truth[a]-inst.Beta[j]) > 1e-9 {
			t.Fatalf("coordinate %d: got %v want %v", j, truth[a], inst.Beta[j])
		}
	}
}
