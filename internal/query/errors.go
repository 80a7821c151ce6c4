package query

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameter    = errors.New("invalid parameter")
	ErrDegenerateSelection = errors.New("degenerate selection")
	ErrFitFailure          = errors.New("fit failure")
	ErrMLENonConvergence   = errors.New("selective MLE did not converge")
)

// MLEError reports where the selective MLE solver stopped.
type MLEError struct {
	Reason     string
	Iterations int
	Residual   float64
	Last       []float64
}

func (e *MLEError) Error() string {
	return fmt.Sprintf("selective MLE: %s after %d iterations (residual %.3g)", e.Reason, e.Iterations, e.Residual)
}

func (e *MLEError) Unwrap() error { return ErrMLENonConvergence }
