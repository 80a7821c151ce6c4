package simulate

import (
	"math"
	"time"

	"selectinf/internal/model"
	"selectinf/internal/query"
	"selectinf/internal/selection"
	"selectinf/internal/storage"
)

// NewReport assembles the persisted form of inference on target, whose
// coordinates correspond to features. truth, summary and mle may be nil.
func NewReport(procedure string, seed int64, level float64, sel selection.SelectionVariable, features []int, target query.Target,
	truth []float64, summary *selection.Summary, mle *query.MLEResult) *model.InferenceReport {
	report := &model.InferenceReport{
		VersionedRecord: storage.CurrentVersion(),
		ID:              storage.NewID(),
		Procedure:       procedure,
		CreatedAt:       time.Now().UTC(),
		Seed:            seed,
		Level:           level,
		Active:          sel.ActiveIndices(),
		Signs:           append([]float64(nil), sel.Signs...),
		Targets:         make([]model.TargetStat, len(features)),
	}
	for a, j := range features {
		stat := model.TargetStat{
			Feature:     j,
			Observed:    target.Observed[a],
			Alternative: alternativeAt(target, a).String(),
		}
		if truth != nil {
			stat.Truth = finite(truth[a])
		}
		if summary != nil {
			stat.Pivot = finite(summary.Pivots[a])
			stat.PValue = finite(summary.PValues[a])
			if a < len(summary.Intervals) {
				if iv := summary.Intervals[a]; finite(iv[0]) != nil && finite(iv[1]) != nil {
					stat.Interval = &iv
				}
			}
		}
		if mle != nil {
			stat.MLE = finite(mle.Estimate[a])
			stat.MLEPValue = finite(mle.PValues[a])
		}
		report.Targets[a] = stat
	}
	return report
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func alternativeAt(t query.Target, i int) query.Alternative {
	if i < len(t.Alternatives) {
		return t.Alternatives[i]
	}
	return query.TwoSided
}
