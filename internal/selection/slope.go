package selection

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"selectinf/internal/glm"
	"selectinf/internal/query"
	"selectinf/internal/randomization"
	"selectinf/internal/solver"
)

// SLOPE is a randomized SLOPE-penalized regression whose fit exposes the
// conditional law of its optimization variables.
type SLOPE struct {
	loss       glm.Loss
	weights    []float64
	ridge      float64
	randomizer randomization.Randomizer
	penalty    *solver.SLOPE
	rng        *rand.Rand
	opts       options

	omega []float64

	initialSoln    []float64
	initialSubgrad []float64
	betaFull       []float64
	w              []float64
	selection      SelectionVariable
	observedOpt    []float64
	observedScore  []float64
	hessianActive  *mat.Dense
	optMap         query.AffineMap
	sampler        *query.AffineGaussianSampler
}

// NewSLOPE binds a loss, SLOPE weights (a single weight is broadcast), a
// ridge term and a randomizer. rng drives the opt-variable sampler.
func NewSLOPE(loss glm.Loss, weights []float64, ridge float64, randomizer randomization.Randomizer, rng *rand.Rand, opts ...Option) (*SLOPE, error) {
	if loss == nil {
		return nil, fmt.Errorf("%w: loss is required", ErrInvalidParameter)
	}
	if randomizer == nil || rng == nil {
		return nil, fmt.Errorf("%w: randomizer and random source are required", ErrInvalidParameter)
	}
	_, p := loss.Dims()
	if randomizer.Dim() != p {
		return nil, fmt.Errorf("%w: randomizer has dimension %d, want %d", ErrInvalidParameter, randomizer.Dim(), p)
	}
	if ridge < 0 || math.IsNaN(ridge) {
		return nil, fmt.Errorf("%w: ridge term must be nonnegative, got %v", ErrInvalidParameter, ridge)
	}
	w, err := BroadcastWeights(weights, p)
	if err != nil {
		return nil, err
	}
	penalty, err := solver.NewSLOPE(w)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	o := applyOptions(opts)
	s := &SLOPE{
		loss:       loss,
		weights:    w,
		ridge:      ridge,
		randomizer: randomizer,
		penalty:    penalty,
		rng:        rng,
		opts:       o,
	}
	if o.perturb != nil {
		if len(o.perturb) != p {
			return nil, fmt.Errorf("%w: perturbation has length %d, want %d", ErrInvalidParameter, len(o.perturb), p)
		}
		s.omega = o.perturb
	}
	return s, nil
}

// GaussianConfig holds the optional knobs of NewGaussianSLOPE.
type GaussianConfig struct {
	// Sigma is the noise level; it defaults to 1.
	Sigma float64
	// Ridge selects the ridge term; nil uses sd(y) sqrt(mean ||X_j||^2) / sqrt(n-1).
	Ridge *float64
	// RandomizerScale defaults to sqrt(mean ||X_j||^2) sd(y) sqrt(n/(n-1)) / 2.
	RandomizerScale float64
}

// NewGaussianSLOPE builds a randomized SLOPE for squared-error loss with
// the default ridge term and isotropic randomizer scale.
func NewGaussianSLOPE(x *mat.Dense, y []float64, weights []float64, cfg GaussianConfig, rng *rand.Rand, opts ...Option) (*SLOPE, error) {
	if x == nil {
		return nil, fmt.Errorf("%w: design is required", ErrInvalidParameter)
	}
	n, p := x.Dims()
	if n < 2 {
		return nil, fmt.Errorf("%w: need at least two observations", ErrInvalidParameter)
	}
	sigma := cfg.Sigma
	if sigma == 0 {
		sigma = 1
	}
	if sigma < 0 {
		return nil, fmt.Errorf("%w: sigma must be positive", ErrInvalidParameter)
	}
	loss, err := glm.NewGaussian(x, y, 1/(sigma*sigma))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}

	meanDiag := 0.0
	for j := 0; j < p; j++ {
		col := mat.Col(nil, j, x)
		for _, v := range col {
			meanDiag += v * v
		}
	}
	meanDiag /= float64(p)
	sdY := math.Sqrt(stat.PopVariance(y, nil))
	nf := float64(n)

	ridge := sdY * math.Sqrt(meanDiag) / math.Sqrt(nf-1)
	if cfg.Ridge != nil {
		ridge = *cfg.Ridge
	}
	scale := cfg.RandomizerScale
	if scale == 0 {
		scale = math.Sqrt(meanDiag) * 0.5 * sdY * math.Sqrt(nf/(nf-1))
	}

	w, err := BroadcastWeights(weights, p)
	if err != nil {
		return nil, err
	}
	for i := range w {
		w[i] /= sigma * sigma
	}
	o := applyOptions(opts)
	randomizer := o.randomizer
	if randomizer == nil {
		if randomizer, err = randomization.NewIsotropicGaussian(p, scale, rng); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
		}
	}
	return NewSLOPE(loss, w, ridge, randomizer, rng, opts...)
}

// Fit solves the randomized SLOPE problem and freezes the conditional
// sampler. A nil perturb reuses the stored perturbation, drawing one the
// first time. It returns the sign of every coordinate of the solution.
func (s *SLOPE) Fit(ctx context.Context, perturb []float64) ([]float64, error) {
	x, _ := s.loss.Data()
	n, p := s.loss.Dims()
	if perturb != nil {
		if len(perturb) != p {
			return nil, fmt.Errorf("%w: perturbation has length %d, want %d", ErrInvalidParameter, len(perturb), p)
		}
		s.omega = append([]float64(nil), perturb...)
	}
	if s.omega == nil {
		s.omega = s.randomizer.Sample()
	}
	s.sampler = nil

	negOmega := make([]float64, p)
	for i, v := range s.omega {
		negOmega[i] = -v
	}
	quad := solver.Quadratic{Coef: s.ridge, Linear: negOmega}
	beta, err := s.opts.solver.Solve(ctx, solver.Problem{Loss: s.loss, Penalty: s.penalty, Quadratic: quad}, s.opts.solveOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: randomized slope: %w", ErrFitFailure, err)
	}

	signs := make([]float64, p)
	active := make([]bool, p)
	nactive := 0
	for i, b := range beta {
		signs[i] = sign(b)
		if active[i] = b != 0; active[i] {
			nactive++
		}
	}
	s.initialSoln = beta
	s.selection = SelectionVariable{Signs: signs, Active: active}
	if nactive == 0 {
		return signs, fmt.Errorf("%w: empty active set", ErrDegenerateSelection)
	}

	// subgradient of the penalty at the solution
	gradSoln := make([]float64, p)
	s.loss.Gradient(gradSoln, beta)
	s.initialSubgrad = make([]float64, p)
	for i, g := range gradSoln {
		s.initialSubgrad[i] = s.omega[i] - g - s.ridge*beta[i]
	}

	clusters, magnitudes := ClusterMagnitudes(beta)
	s.observedOpt = magnitudes

	betaBar, err := s.opts.solver.RestrictedFit(ctx, s.loss, active, s.opts.solveOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: restricted fit: %w", ErrFitFailure, err)
	}
	s.betaFull = betaBar

	eta := mat.NewVecDense(n, nil)
	eta.MulVec(x, mat.NewVecDense(p, betaBar))
	s.w = s.loss.HessianDiagonal(eta.RawVector().Data)

	all := glm.Indices(p)
	activeIdx := s.selection.ActiveIndices()
	hessian := glm.WeightedGram(x, s.w, all, all)
	s.hessianActive = glm.WeightedGram(x, s.w, all, activeIdx)

	// score = grad(betaBar) - H betaBar
	gradBar := make([]float64, p)
	s.loss.Gradient(gradBar, betaBar)
	hBar := mat.NewVecDense(p, nil)
	hBar.MulVec(hessian, mat.NewVecDense(p, betaBar))
	s.observedScore = make([]float64, p)
	for i := range gradBar {
		s.observedScore[i] = gradBar[i] - hBar.AtVec(i)
	}

	// omega = score + L u + c with L = (H + ridge I) S. The offset carries
	// the subgradient and the remainder grad(beta) - grad(betaBar) - H (beta - betaBar)
	// so the map is exact at the observed solution.
	step := make([]float64, p)
	for i := range step {
		step[i] = beta[i] - betaBar[i]
	}
	hStep := mat.NewVecDense(p, nil)
	hStep.MulVec(hessian, mat.NewVecDense(p, step))
	offset := make([]float64, p)
	for i, g := range s.initialSubgrad {
		offset[i] = g + gradSoln[i] - gradBar[i] - hStep.AtVec(i)
	}
	for i := 0; i < p; i++ {
		hessian.Set(i, i, hessian.At(i, i)+s.ridge)
	}
	linear := mat.NewDense(p, len(clusters), nil)
	linear.Mul(hessian, clusterSigns(beta, clusters))
	s.optMap = query.AffineMap{Linear: linear, Offset: offset}

	cond, err := query.NewConditional(s.optMap, query.RandomizerPrecision(s.randomizer), s.observedScore)
	if err != nil {
		return nil, err
	}
	sampler, err := query.NewAffineGaussianSampler(cond, s.observedOpt, s.observedScore, s.selection, s.rng)
	if err != nil {
		return nil, err
	}
	s.sampler = sampler

	s.opts.logger.Debug("slope fit",
		zap.Int("active", nactive),
		zap.Int("clusters", len(clusters)),
		zap.Float64("ridge", s.ridge),
	)
	return signs, nil
}

// SelectedTargets returns the refitted coefficients on the active set, or
// the one-step estimator on an explicit feature set. A zero dispersion is
// estimated by Pearson's X^2.
func (s *SLOPE) SelectedTargets(features []int, dispersion float64) (query.Target, error) {
	if s.sampler == nil {
		return query.Target{}, ErrNotFitted
	}
	if dispersion < 0 || math.IsNaN(dispersion) {
		return query.Target{}, fmt.Errorf("%w: dispersion must be nonnegative", ErrInvalidParameter)
	}
	x, y := s.loss.Data()
	n, p := s.loss.Dims()
	all := glm.Indices(p)

	var (
		feat         []int
		observed     []float64
		hessianCols  *mat.Dense
		alternatives []query.Alternative
		q            *mat.Dense
	)
	if features == nil {
		feat = s.selection.ActiveIndices()
		hessianCols = s.hessianActive
		observed = make([]float64, len(feat))
		alternatives = make([]query.Alternative, len(feat))
		for a, i := range feat {
			observed[a] = s.betaFull[i]
			if s.selection.Signs[i] > 0 {
				alternatives[a] = query.Greater
			} else {
				alternatives[a] = query.Less
			}
		}
	} else {
		var err error
		if feat, err = checkFeatures(features, p); err != nil {
			return query.Target{}, err
		}
		hessianCols = glm.WeightedGram(x, s.w, all, feat)
		alternatives = make([]query.Alternative, len(feat))
	}
	q = mat.NewDense(len(feat), len(feat), nil)
	for a, i := range feat {
		for b := range feat {
			q.Set(a, b, hessianCols.At(i, b))
		}
	}
	cov, err := invertSym(q)
	if err != nil {
		return query.Target{}, err
	}

	if features != nil {
		// one-step estimator from the randomized solution
		grad := make([]float64, p)
		s.loss.Gradient(grad, s.initialSoln)
		gf := make([]float64, len(feat))
		for a, i := range feat {
			gf[a] = grad[i]
		}
		var step mat.VecDense
		step.MulVec(cov, mat.NewVecDense(len(feat), gf))
		observed = make([]float64, len(feat))
		for a, i := range feat {
			observed[a] = s.initialSoln[i] - step.AtVec(a)
		}
	}

	if dispersion == 0 {
		if n == len(feat) {
			return query.Target{}, fmt.Errorf("%w: no residual degrees of freedom for dispersion", ErrDegenerateSelection)
		}
		dispersion = pearsonDispersion(s.loss, x, y, s.w, feat, observed)
	}

	// the score moves with the target through -H[:, feat]
	var cross mat.Dense
	cross.Mul(hessianCols, cov)
	crossT := mat.DenseCopyOf(cross.T())
	crossT.Scale(-dispersion, crossT)
	cov.ScaleSym(dispersion, cov)
	return query.Target{
		Observed:     observed,
		Cov:          cov,
		CrossCov:     crossT,
		Alternatives: alternatives,
	}, nil
}

// SelectiveMLE computes the selective MLE of the selected targets.
func (s *SLOPE) SelectiveMLE(features []int, dispersion float64, args query.SolveArgs) (*query.MLEResult, error) {
	target, err := s.SelectedTargets(features, dispersion)
	if err != nil {
		return nil, err
	}
	return s.sampler.SelectiveMLE(target, args)
}

// Summary samples the opt variables and returns pivots, p-values and
// optionally intervals for target.
func (s *SLOPE) Summary(target query.Target, args SummaryArgs) (*Summary, error) {
	return summarize(s.sampler, target, args)
}

func (s *SLOPE) Sampler() *query.AffineGaussianSampler { return s.sampler }

func (s *SLOPE) Selection() SelectionVariable { return s.selection }

func (s *SLOPE) Perturbation() []float64 { return append([]float64(nil), s.omega...) }

func (s *SLOPE) InitialSolution() []float64 { return append([]float64(nil), s.initialSoln...) }

// RefitSolution is the unpenalized fit on the active set, zero elsewhere.
func (s *SLOPE) RefitSolution() []float64 { return append([]float64(nil), s.betaFull...) }

func (s *SLOPE) ObservedOptState() []float64 { return append([]float64(nil), s.observedOpt...) }

func (s *SLOPE) ObservedScoreState() []float64 { return append([]float64(nil), s.observedScore...) }

// OptTransform is the (linear, offset) pair of the randomization contract.
func (s *SLOPE) OptTransform() query.AffineMap { return s.optMap }

func pearsonDispersion(loss glm.Loss, x *mat.Dense, y, w []float64, feat []int, coef []float64) float64 {
	n, _ := x.Dims()
	eta := make([]float64, n)
	for r := 0; r < n; r++ {
		for a, i := range feat {
			eta[r] += x.At(r, i) * coef[a]
		}
	}
	mu := loss.MeanFunction(eta)
	total := 0.0
	for r := 0; r < n; r++ {
		d := y[r] - mu[r]
		total += d * d / w[r]
	}
	return total / float64(n-len(feat))
}

func checkFeatures(features []int, p int) ([]int, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("%w: empty feature set", ErrInvalidParameter)
	}
	seen := make(map[int]bool, len(features))
	for _, i := range features {
		if i < 0 || i >= p {
			return nil, fmt.Errorf("%w: feature %d out of range [0, %d)", ErrInvalidParameter, i, p)
		}
		if seen[i] {
			return nil, fmt.Errorf("%w: duplicate feature %d", ErrInvalidParameter, i)
		}
		seen[i] = true
	}
	return append([]int(nil), features...), nil
}

func invertSym(q mat.Matrix) (*mat.SymDense, error) {
	k, _ := q.Dims()
	sym := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			sym.SetSym(i, j, (q.At(i, j)+q.At(j, i))/2)
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return nil, fmt.Errorf("%w: target information is singular", ErrDegenerateSelection)
	}
	inv := mat.NewSymDense(k, nil)
	if err := chol.InverseTo(inv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegenerateSelection, err)
	}
	return inv, nil
}
