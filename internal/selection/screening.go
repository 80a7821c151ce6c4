package selection

import (
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"selectinf/internal/query"
	"selectinf/internal/randomization"
)

// MarginalScreening selects coordinates whose randomized z-statistic
// exceeds a per-coordinate two-sided threshold.
type MarginalScreening struct {
	covariance *mat.SymDense
	randomizer randomization.Randomizer
	level      float64
	threshold  []float64
	rng        *rand.Rand
	logger     *zap.Logger

	omega         []float64
	observedScore []float64

	initialSoln []float64
	selection   SelectionVariable
	observedOpt []float64
	optMap      query.AffineMap
	sampler     *query.AffineGaussianSampler
}

// NewMarginalScreening screens observed ~ N(mu, cov) at the two-sided
// marginal level after adding isotropic noise of the given scale.
// WithRandomizer substitutes another randomizer; thresholds then use its
// marginal variances.
func NewMarginalScreening(observed []float64, cov *mat.SymDense, randomizerScale, level float64, rng *rand.Rand, opts ...Option) (*MarginalScreening, error) {
	p := len(observed)
	if p == 0 || cov == nil || cov.SymmetricDim() != p {
		return nil, fmt.Errorf("%w: observed statistic and covariance must share a positive dimension", ErrInvalidParameter)
	}
	if !(level > 0 && level < 1) {
		return nil, fmt.Errorf("%w: level must lie in (0, 1), got %v", ErrInvalidParameter, level)
	}
	if rng == nil {
		return nil, fmt.Errorf("%w: random source is required", ErrInvalidParameter)
	}
	o := applyOptions(opts)
	randomizer := o.randomizer
	if randomizer == nil {
		var err error
		if randomizer, err = randomization.NewIsotropicGaussian(p, randomizerScale, rng); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
		}
	}
	if randomizer.Dim() != p {
		return nil, fmt.Errorf("%w: randomizer has dimension %d, want %d", ErrInvalidParameter, randomizer.Dim(), p)
	}

	noiseCov, _ := randomizer.CovPrec()
	quantile := distuv.UnitNormal.Quantile(1 - level/2)
	threshold := make([]float64, p)
	score := make([]float64, p)
	for i := 0; i < p; i++ {
		v := cov.At(i, i) + noiseCov.At(i, i)
		if !(v > 0) {
			return nil, fmt.Errorf("%w: coordinate %d has nonpositive variance", ErrInvalidParameter, i)
		}
		threshold[i] = math.Sqrt(v) * quantile
		score[i] = -observed[i]
	}
	m := &MarginalScreening{
		covariance:    cov,
		randomizer:    randomizer,
		level:         level,
		threshold:     threshold,
		rng:           rng,
		logger:        o.logger,
		observedScore: score,
	}
	if o.perturb != nil {
		if len(o.perturb) != p {
			return nil, fmt.Errorf("%w: perturbation has length %d, want %d", ErrInvalidParameter, len(o.perturb), p)
		}
		m.omega = o.perturb
	}
	return m, nil
}

// Threshold returns the per-coordinate soft threshold.
func (m *MarginalScreening) Threshold() []float64 { return append([]float64(nil), m.threshold...) }

// Fit soft-thresholds the randomized statistic and freezes the conditional
// sampler. It returns the selected mask.
func (m *MarginalScreening) Fit(perturb []float64) ([]bool, error) {
	p := len(m.observedScore)
	if perturb != nil {
		if len(perturb) != p {
			return nil, fmt.Errorf("%w: perturbation has length %d, want %d", ErrInvalidParameter, len(perturb), p)
		}
		m.omega = append([]float64(nil), perturb...)
	}
	if m.omega == nil {
		m.omega = m.randomizer.Sample()
	}
	m.sampler = nil

	randomizedScore := make([]float64, p)
	soln := make([]float64, p)
	signs := make([]float64, p)
	active := make([]bool, p)
	var activeIdx []int
	for i := 0; i < p; i++ {
		randomizedScore[i] = m.observedScore[i] - m.omega[i]
		z := -randomizedScore[i]
		if math.Abs(z) >= m.threshold[i] {
			soln[i] = sign(z) * (math.Abs(z) - m.threshold[i])
		}
		if soln[i] != 0 {
			active[i] = true
			signs[i] = sign(z)
			activeIdx = append(activeIdx, i)
		}
	}
	m.initialSoln = soln
	m.selection = SelectionVariable{Signs: signs, Active: active}
	if len(activeIdx) == 0 {
		return active, fmt.Errorf("%w: no coordinate passed screening", ErrDegenerateSelection)
	}

	k := len(activeIdx)
	m.observedOpt = make([]float64, k)
	linear := mat.NewDense(p, k, nil)
	offset := make([]float64, p)
	for j, i := range activeIdx {
		m.observedOpt[j] = math.Abs(soln[i])
		linear.Set(i, j, signs[i])
		offset[i] = signs[i] * m.threshold[i]
	}
	for i := 0; i < p; i++ {
		if !active[i] {
			// omega_i - score_i, the randomized statistic itself
			offset[i] = -randomizedScore[i]
		}
	}
	m.optMap = query.AffineMap{Linear: linear, Offset: offset}

	cond, err := query.NewConditional(m.optMap, query.RandomizerPrecision(m.randomizer), m.observedScore)
	if err != nil {
		return nil, err
	}
	sampler, err := query.NewAffineGaussianSampler(cond, m.observedOpt, m.observedScore, m.selection, m.rng)
	if err != nil {
		return nil, err
	}
	m.sampler = sampler
	m.logger.Debug("marginal screening fit", zap.Int("selected", k), zap.Int("features", p))
	return active, nil
}

// MultivariateTargets targets the entries of Sigma[E,E]^-1 Z_E.
func (m *MarginalScreening) MultivariateTargets(features []int, dispersion float64) (query.Target, error) {
	feat, err := m.targetFeatures(features)
	if err != nil {
		return query.Target{}, err
	}
	if dispersion == 0 {
		dispersion = 1
	}
	if dispersion < 0 || math.IsNaN(dispersion) {
		return query.Target{}, fmt.Errorf("%w: dispersion must be positive", ErrInvalidParameter)
	}
	p := len(m.observedScore)
	scoreLinear := mat.NewDense(p, len(feat), nil)
	for i := 0; i < p; i++ {
		for b, j := range feat {
			scoreLinear.Set(i, b, m.covariance.At(i, j)/dispersion)
		}
	}
	q := mat.NewDense(len(feat), len(feat), nil)
	sf := make([]float64, len(feat))
	for a, i := range feat {
		sf[a] = m.observedScore[i]
		for b := range feat {
			q.Set(a, b, scoreLinear.At(i, b))
		}
	}
	cov, err := invertSym(q)
	if err != nil {
		return query.Target{}, err
	}
	var observed mat.VecDense
	observed.MulVec(cov, mat.NewVecDense(len(feat), sf))
	observed.ScaleVec(-1, &observed)

	var cross mat.Dense
	cross.Mul(scoreLinear, cov)
	crossT := mat.DenseCopyOf(cross.T())
	crossT.Scale(-dispersion, crossT)
	cov.ScaleSym(dispersion, cov)
	return query.Target{
		Observed:     append([]float64(nil), observed.RawVector().Data...),
		Cov:          cov,
		CrossCov:     crossT,
		Alternatives: make([]query.Alternative, len(feat)),
	}, nil
}

// MarginalTargets targets the entries of the mean of Z_E.
func (m *MarginalScreening) MarginalTargets(features []int) (query.Target, error) {
	feat, err := m.targetFeatures(features)
	if err != nil {
		return query.Target{}, err
	}
	p := len(m.observedScore)
	cov := mat.NewSymDense(len(feat), nil)
	observed := make([]float64, len(feat))
	cross := mat.NewDense(len(feat), p, nil)
	for a, i := range feat {
		observed[a] = -m.observedScore[i]
		for b := a; b < len(feat); b++ {
			cov.SetSym(a, b, m.covariance.At(i, feat[b]))
		}
		for j := 0; j < p; j++ {
			cross.Set(a, j, -m.covariance.At(j, i))
		}
	}
	return query.Target{
		Observed:     observed,
		Cov:          cov,
		CrossCov:     cross,
		Alternatives: make([]query.Alternative, len(feat)),
	}, nil
}

// SelectiveMLE computes the selective MLE of target.
func (m *MarginalScreening) SelectiveMLE(target query.Target, args query.SolveArgs) (*query.MLEResult, error) {
	if m.sampler == nil {
		return nil, ErrNotFitted
	}
	return m.sampler.SelectiveMLE(target, args)
}

// Summary samples the opt variables and returns pivots, p-values and
// optionally intervals for target.
func (m *MarginalScreening) Summary(target query.Target, args SummaryArgs) (*Summary, error) {
	return summarize(m.sampler, target, args)
}

func (m *MarginalScreening) Sampler() *query.AffineGaussianSampler { return m.sampler }

func (m *MarginalScreening) Selection() SelectionVariable { return m.selection }

func (m *MarginalScreening) ObservedOptState() []float64 {
	return append([]float64(nil), m.observedOpt...)
}

func (m *MarginalScreening) ObservedScoreState() []float64 {
	return append([]float64(nil), m.observedScore...)
}

func (m *MarginalScreening) OptTransform() query.AffineMap { return m.optMap }

func (m *MarginalScreening) Perturbation() []float64 { return append([]float64(nil), m.omega...) }

func (m *MarginalScreening) targetFeatures(features []int) ([]int, error) {
	if m.sampler == nil {
		return nil, ErrNotFitted
	}
	if features == nil {
		return m.selection.ActiveIndices(), nil
	}
	return checkFeatures(features, len(m.observedScore))
}
