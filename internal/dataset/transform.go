package dataset

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

type ColumnStats struct {
	Min    float64 `json:"min"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Max    float64 `json:"max"`
}

// InputColumnStats summarizes every design column with population moments.
func InputColumnStats(table TableFile) ([]ColumnStats, error) {
	width, err := table.width()
	if err != nil {
		return nil, err
	}
	col := make([]float64, len(table.Rows))
	out := make([]ColumnStats, width)
	for j := range out {
		for i, row := range table.Rows {
			col[i] = row.Inputs[j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		out[j] = ColumnStats{Min: floats.Min(col), Mean: mean, StdDev: std, Max: floats.Max(col)}
	}
	return out, nil
}

// Standardize centers every design column and scales it to unit population
// variance. Constant columns become zero.
func Standardize(table *TableFile) ([]ColumnStats, error) {
	if table == nil {
		return nil, fmt.Errorf("table is required")
	}
	stats, err := InputColumnStats(*table)
	if err != nil {
		return nil, err
	}
	for rowIdx := range table.Rows {
		row := &table.Rows[rowIdx]
		for j, value := range row.Inputs {
			if stats[j].StdDev == 0 {
				row.Inputs[j] = 0
				continue
			}
			row.Inputs[j] = (value - stats[j].Mean) / stats[j].StdDev
		}
	}
	return stats, nil
}

// CenterResponse subtracts the response mean and returns it.
func CenterResponse(table *TableFile) float64 {
	if table == nil || len(table.Rows) == 0 {
		return 0
	}
	mean := 0.0
	for _, row := range table.Rows {
		mean += row.Response
	}
	mean /= float64(len(table.Rows))
	for i := range table.Rows {
		table.Rows[i].Response -= mean
	}
	return mean
}
