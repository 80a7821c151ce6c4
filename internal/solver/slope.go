package solver

import (
	"fmt"
	"math"
	"sort"
)

// SLOPE is the sorted-L1 norm sum_i w_(i) |beta|_(i) with weights sorted in
// decreasing order.
type SLOPE struct {
	weights []float64
}

func NewSLOPE(weights []float64) (*SLOPE, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: slope weights are empty", ErrInvalidInput)
	}
	w := append([]float64(nil), weights...)
	for i, v := range w {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: weight %d = %v", ErrInvalidInput, i, v)
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(w)))
	return &SLOPE{weights: w}, nil
}

// Weights returns the weights in decreasing order.
func (s *SLOPE) Weights() []float64 { return append([]float64(nil), s.weights...) }

func (s *SLOPE) Value(beta []float64) float64 {
	abs := make([]float64, len(beta))
	for i, b := range beta {
		abs[i] = math.Abs(b)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(abs)))
	total := 0.0
	for i, a := range abs {
		total += s.weights[i] * a
	}
	return total
}

type block struct {
	start, end int
	sum        float64
}

func (b block) mean() float64 { return b.sum / float64(b.end-b.start) }

// Prox applies the sorted-L1 proximal map by pooling adjacent violators on
// the sorted magnitudes.
func (s *SLOPE) Prox(dst, v []float64, step float64) {
	p := len(v)
	order := make([]int, p)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return math.Abs(v[order[a]]) > math.Abs(v[order[b]])
	})

	stack := make([]block, 0, p)
	for i, idx := range order {
		z := math.Abs(v[idx]) - step*s.weights[i]
		stack = append(stack, block{start: i, end: i + 1, sum: z})
		for len(stack) > 1 && stack[len(stack)-2].mean() <= stack[len(stack)-1].mean() {
			top := stack[len(stack)-1]
			prev := &stack[len(stack)-2]
			prev.end = top.end
			prev.sum += top.sum
			stack = stack[:len(stack)-1]
		}
	}

	for _, b := range stack {
		value := math.Max(b.mean(), 0)
		for i := b.start; i < b.end; i++ {
			idx := order[i]
			if v[idx] < 0 {
				dst[idx] = -value
			} else {
				dst[idx] = value
			}
		}
	}
}
