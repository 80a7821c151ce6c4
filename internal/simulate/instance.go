// Package simulate generates regression instances with known truth and runs
// batches of randomized selective-inference replicates on them.
package simulate

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// InstanceConfig describes an equicorrelated design with an s-sparse signal.
type InstanceConfig struct {
	N, P, S int
	// Signal is the magnitude of every nonzero coefficient.
	Signal float64
	// Rho is the pairwise correlation of the design columns.
	Rho float64
	// Sigma is the Gaussian noise level; ignored for logistic responses.
	Sigma float64
	// RandomSigns flips each nonzero coefficient with probability 1/2.
	RandomSigns bool
}

// Instance is a simulated design with its response and true coefficients.
type Instance struct {
	X     *mat.Dense
	Y     []float64
	Beta  []float64
	Sigma float64
	// Support lists the nonzero coefficients in increasing order.
	Support []int
}

// GaussianInstance draws y = X beta + sigma eps.
func GaussianInstance(rng *rand.Rand, cfg InstanceConfig) (*Instance, error) {
	if cfg.Sigma <= 0 {
		return nil, fmt.Errorf("sigma must be positive, got %v", cfg.Sigma)
	}
	x, beta, support, err := design(rng, cfg)
	if err != nil {
		return nil, err
	}
	n := cfg.N
	eta := mat.NewVecDense(n, nil)
	eta.MulVec(x, mat.NewVecDense(cfg.P, beta))
	y := make([]float64, n)
	for i := range y {
		y[i] = eta.AtVec(i) + cfg.Sigma*rng.NormFloat64()
	}
	return &Instance{X: x, Y: y, Beta: beta, Sigma: cfg.Sigma, Support: support}, nil
}

// LogisticInstance draws y_i ~ Bernoulli(sigmoid(x_i^T beta)).
func LogisticInstance(rng *rand.Rand, cfg InstanceConfig) (*Instance, error) {
	x, beta, support, err := design(rng, cfg)
	if err != nil {
		return nil, err
	}
	n := cfg.N
	eta := mat.NewVecDense(n, nil)
	eta.MulVec(x, mat.NewVecDense(cfg.P, beta))
	y := make([]float64, n)
	for i := range y {
		if rng.Float64() < 1/(1+math.Exp(-eta.AtVec(i))) {
			y[i] = 1
		}
	}
	return &Instance{X: x, Y: y, Beta: beta, Sigma: 1, Support: support}, nil
}

// EquicorrelatedCov returns the p x p matrix with unit diagonal and rho
// elsewhere.
func EquicorrelatedCov(p int, rho float64) *mat.SymDense {
	s := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		s.SetSym(i, i, 1)
		for j := i + 1; j < p; j++ {
			s.SetSym(i, j, rho)
		}
	}
	return s
}

// design draws rows sqrt(1-rho) z + sqrt(rho) c and standardizes every
// column to mean zero and unit variance.
func design(rng *rand.Rand, cfg InstanceConfig) (*mat.Dense, []float64, []int, error) {
	if rng == nil {
		return nil, nil, nil, fmt.Errorf("random source is required")
	}
	n, p, s := cfg.N, cfg.P, cfg.S
	if n < 2 || p < 1 || s < 0 || s > p {
		return nil, nil, nil, fmt.Errorf("invalid instance shape n=%d p=%d s=%d", n, p, s)
	}
	if cfg.Rho < 0 || cfg.Rho >= 1 {
		return nil, nil, nil, fmt.Errorf("rho must lie in [0, 1), got %v", cfg.Rho)
	}
	x := mat.NewDense(n, p, nil)
	a, b := math.Sqrt(1-cfg.Rho), math.Sqrt(cfg.Rho)
	for i := 0; i < n; i++ {
		common := rng.NormFloat64()
		for j := 0; j < p; j++ {
			x.Set(i, j, a*rng.NormFloat64()+b*common)
		}
	}
	col := make([]float64, n)
	for j := 0; j < p; j++ {
		mat.Col(col, j, x)
		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 {
			std = 1
		}
		for i, v := range col {
			x.Set(i, j, (v-mean)/std)
		}
	}

	beta := make([]float64, p)
	support := rng.Perm(p)[:s]
	for _, j := range support {
		beta[j] = cfg.Signal
		if cfg.RandomSigns && rng.Intn(2) == 0 {
			beta[j] = -cfg.Signal
		}
	}
	sorted := make([]int, 0, s)
	for j := range beta {
		if beta[j] != 0 {
			sorted = append(sorted, j)
		}
	}
	return x, beta, sorted, nil
}
