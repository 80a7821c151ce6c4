package query

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Alternative selects the tail of a hypothesis test.
type Alternative int

const (
	TwoSided Alternative = iota
	Greater
	Less
)

func (a Alternative) String() string {
	switch a {
	case Greater:
		return "greater"
	case Less:
		return "less"
	default:
		return "twosided"
	}
}

// ParseAlternative accepts "twosided", "greater" or "less".
func ParseAlternative(s string) (Alternative, error) {
	switch s {
	case "", "twosided":
		return TwoSided, nil
	case "greater":
		return Greater, nil
	case "less":
		return Less, nil
	default:
		return TwoSided, fmt.Errorf("%w: unknown alternative %q", ErrInvalidParameter, s)
	}
}

// SelectionVariable records what a selection procedure observed: the sign of
// every coordinate (zero when unselected) and the selected mask.
type SelectionVariable struct {
	Signs  []float64
	Active []bool
}

// ActiveIndices returns the selected coordinates in increasing order.
func (v SelectionVariable) ActiveIndices() []int {
	idx := make([]int, 0, len(v.Active))
	for i, a := range v.Active {
		if a {
			idx = append(idx, i)
		}
	}
	return idx
}

// Target is one inference request: an observed statistic, its covariance,
// its cross-covariance with the score (rows index the target), and the
// alternative used for each coordinate.
type Target struct {
	Observed     []float64
	Cov          *mat.SymDense
	CrossCov     *mat.Dense
	Alternatives []Alternative
}

// Dim is the number of target coordinates.
func (t Target) Dim() int { return len(t.Observed) }

func (t Target) validate(scoreDim int) error {
	m := len(t.Observed)
	if m == 0 {
		return fmt.Errorf("%w: no target specified", ErrInvalidParameter)
	}
	if t.Cov == nil || t.Cov.SymmetricDim() != m {
		return fmt.Errorf("%w: target covariance must be %dx%d", ErrInvalidParameter, m, m)
	}
	if t.CrossCov == nil {
		return fmt.Errorf("%w: cross covariance is required", ErrInvalidParameter)
	}
	if r, c := t.CrossCov.Dims(); r != m || c != scoreDim {
		return fmt.Errorf("%w: cross covariance is %dx%d, want %dx%d", ErrInvalidParameter, r, c, m, scoreDim)
	}
	if t.Alternatives != nil && len(t.Alternatives) != m {
		return fmt.Errorf("%w: %d alternatives for %d targets", ErrInvalidParameter, len(t.Alternatives), m)
	}
	return nil
}

func (t Target) alternative(i int) Alternative {
	if t.Alternatives == nil {
		return TwoSided
	}
	return t.Alternatives[i]
}
