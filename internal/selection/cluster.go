package selection

import (
	"cmp"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"
)

// ClusterMagnitudes groups coordinates by tied absolute value after sorting
// |beta| in decreasing order. Each maximal run of equal magnitudes is one
// cluster; grouping stops at the first zero magnitude. Clusters list
// coordinate indices in sorted order and magnitudes holds one positive
// value per cluster.
func ClusterMagnitudes(beta []float64) (clusters [][]int, magnitudes []float64) {
	order := make([]int, len(beta))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(math.Abs(beta[b]), math.Abs(beta[a]))
	})
	for start := 0; start < len(order); {
		m := math.Abs(beta[order[start]])
		if m == 0 {
			break
		}
		end := start + 1
		for end < len(order) && math.Abs(beta[order[end]]) == m {
			end++
		}
		clusters = append(clusters, append([]int(nil), order[start:end]...))
		magnitudes = append(magnitudes, m)
		start = end
	}
	return clusters, magnitudes
}

// clusterSigns is the p x k matrix whose column c carries the signs of the
// coordinates in cluster c, in the original coordinate order.
func clusterSigns(beta []float64, clusters [][]int) *mat.Dense {
	s := mat.NewDense(len(beta), len(clusters), nil)
	for c, members := range clusters {
		for _, i := range members {
			s.Set(i, c, sign(beta[i]))
		}
	}
	return s
}
