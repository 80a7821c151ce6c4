package simulate

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"selectinf/internal/glm"
	"selectinf/internal/randomization"
	"selectinf/internal/selection"
)

// slopeFDR is q in the Benjamini-Hochberg SLOPE weights.
const slopeFDR = 0.1

// SLOPEConfig describes a randomized SLOPE fit on observed data.
type SLOPEConfig struct {
	// Family is gaussian or logistic.
	Family string
	// Weights are the sorted-L1 penalty weights. When nil the
	// Benjamini-Hochberg sequence scaled by LambdaMultiplier noise sqrt(n)
	// is used, where noise is Sigma for gaussian and 1/2 for logistic.
	Weights          []float64
	LambdaMultiplier float64
	// Sigma is the gaussian noise level.
	Sigma float64
	// Ridge and RandomizerScale fall back to data-driven defaults when zero.
	Ridge           float64
	RandomizerScale float64
}

// FitSLOPE builds and fits a randomized SLOPE on (x, y).
func FitSLOPE(ctx context.Context, x *mat.Dense, y []float64, cfg SLOPEConfig, rng *rand.Rand, logger *zap.Logger) (*selection.SLOPE, error) {
	if x == nil {
		return nil, fmt.Errorf("%w: design is required", selection.ErrInvalidParameter)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n, p := x.Dims()
	weights := cfg.Weights
	if weights == nil {
		noise, mult := cfg.Sigma, cfg.LambdaMultiplier
		if cfg.Family == "logistic" {
			noise = 0.5
		}
		if noise == 0 {
			noise = 1
		}
		if mult == 0 {
			mult = 1
		}
		weights = SLOPEWeights(p, slopeFDR, mult*noise*math.Sqrt(float64(n)))
	}
	opts := []selection.Option{selection.WithLogger(logger)}

	var (
		s   *selection.SLOPE
		err error
	)
	switch cfg.Family {
	case "logistic":
		loss, lerr := glm.NewLogistic(x, y)
		if lerr != nil {
			return nil, fmt.Errorf("%w: %v", selection.ErrInvalidParameter, lerr)
		}
		if n < 2 {
			return nil, fmt.Errorf("%w: need at least two observations", selection.ErrInvalidParameter)
		}
		sdY := math.Sqrt(stat.PopVariance(y, nil))
		if sdY == 0 {
			return nil, fmt.Errorf("%w: constant response", selection.ErrDegenerateSelection)
		}
		nf := float64(n)
		// columns are standardized, so mean ||X_j||^2 = n
		ridge := cfg.Ridge
		if ridge == 0 {
			ridge = sdY * math.Sqrt(nf) / math.Sqrt(nf-1)
		}
		scale := cfg.RandomizerScale
		if scale == 0 {
			scale = math.Sqrt(nf) * 0.5 * sdY * math.Sqrt(nf/(nf-1))
		}
		randomizer, rerr := randomization.NewIsotropicGaussian(p, scale, rng)
		if rerr != nil {
			return nil, fmt.Errorf("%w: %v", selection.ErrInvalidParameter, rerr)
		}
		s, err = selection.NewSLOPE(loss, weights, ridge, randomizer, rng, opts...)
	case "gaussian", "":
		gcfg := selection.GaussianConfig{Sigma: cfg.Sigma, RandomizerScale: cfg.RandomizerScale}
		if cfg.Ridge > 0 {
			ridge := cfg.Ridge
			gcfg.Ridge = &ridge
		}
		// NewGaussianSLOPE divides the weights by sigma^2
		s, err = selection.NewGaussianSLOPE(x, y, weights, gcfg, rng, opts...)
	default:
		return nil, fmt.Errorf("%w: unknown family %q", selection.ErrInvalidParameter, cfg.Family)
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.Fit(ctx, nil); err != nil {
		return nil, err
	}
	return s, nil
}

// ScreeningConfig describes randomized marginal screening of X^T y.
type ScreeningConfig struct {
	Sigma float64
	// RandomizerScale defaults to 1, the scale of the standardized statistic.
	RandomizerScale float64
	// Level is the two-sided marginal screening level.
	Level float64
}

// FitScreening screens Z = X^T y / (sigma sqrt(n)), whose covariance is
// X^T X / n, and returns the fitted screening query.
func FitScreening(x *mat.Dense, y []float64, cfg ScreeningConfig, rng *rand.Rand, logger *zap.Logger) (*selection.MarginalScreening, error) {
	if x == nil {
		return nil, fmt.Errorf("%w: design is required", selection.ErrInvalidParameter)
	}
	n, p := x.Dims()
	if len(y) != n {
		return nil, fmt.Errorf("%w: response has length %d, want %d", selection.ErrInvalidParameter, len(y), n)
	}
	sigma := cfg.Sigma
	if sigma == 0 {
		sigma = 1
	}
	if sigma < 0 {
		return nil, fmt.Errorf("%w: sigma must be positive", selection.ErrInvalidParameter)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	gram := sampleGram(x)
	z := mat.NewVecDense(p, nil)
	z.MulVec(x.T(), mat.NewVecDense(n, y))
	z.ScaleVec(1/(sigma*math.Sqrt(float64(n))), z)

	scale := cfg.RandomizerScale
	if scale == 0 {
		scale = 1
	}
	m, err := selection.NewMarginalScreening(z.RawVector().Data, gram, scale, cfg.Level, rng,
		selection.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if _, err := m.Fit(nil); err != nil {
		return nil, err
	}
	return m, nil
}

// ScreeningMean is E[Z] = (X^T X / n) beta sqrt(n) / sigma.
func ScreeningMean(x *mat.Dense, beta []float64, sigma float64) []float64 {
	n, p := x.Dims()
	mean := mat.NewVecDense(p, nil)
	mean.MulVec(sampleGram(x), mat.NewVecDense(p, beta))
	mean.ScaleVec(math.Sqrt(float64(n))/sigma, mean)
	return mean.RawVector().Data
}

func sampleGram(x *mat.Dense) *mat.SymDense {
	n, _ := x.Dims()
	var gram mat.SymDense
	gram.SymOuterK(1/float64(n), x.T())
	return &gram
}

// SLOPEWeights returns the Benjamini-Hochberg sequence
// scale * Phi^-1(1 - q i / (2p)), i = 1..p.
func SLOPEWeights(p int, q, scale float64) []float64 {
	w := make([]float64, p)
	for i := range w {
		w[i] = scale * distuv.UnitNormal.Quantile(1-q*float64(i+1)/float64(2*p))
	}
	return w
}
