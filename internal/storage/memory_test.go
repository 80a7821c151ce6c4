package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"selectinf/internal/model"
)

func TestMemoryStoreReportRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Init(ctx))

	input := sampleReport("r1", "exp-1", 0)
	require.NoError(t, store.SaveReport(ctx, input))

	output, ok, err := store.GetReport(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, input, output)

	output.Active[0] = 99
	again, _, err := store.GetReport(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, 1, again.Active[0], "stored report must not alias caller slices")

	_, ok, err = store.GetReport(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStoreListReportsFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Init(ctx))

	require.NoError(t, store.SaveReport(ctx, sampleReport("b", "exp-1", 2)))
	require.NoError(t, store.SaveReport(ctx, sampleReport("a", "exp-1", 1)))
	require.NoError(t, store.SaveReport(ctx, sampleReport("c", "exp-2", 0)))

	reports, err := store.ListReports(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, reports, 2)
	require.Equal(t, "a", reports[0].ID)
	require.Equal(t, "b", reports[1].ID)

	all, err := store.ListReports(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "c", all[0].ID)
}

func TestMemoryStoreExperimentRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Init(ctx))

	input := model.ExperimentRecord{
		VersionedRecord: CurrentVersion(),
		ID:              "exp-1",
		Procedure:       "slope",
		Family:          "gaussian",
		Replicates:      5,
		ReportIDs:       []string{"a", "b"},
		Uniformity:      model.UniformityStats{Count: 8, KS: 0.2},
	}
	require.NoError(t, store.SaveExperiment(ctx, input))

	output, ok, err := store.GetExperiment(ctx, "exp-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, input, output)
}

func TestMemoryStoreRequiresInit(t *testing.T) {
	store := NewMemoryStore()
	require.Error(t, store.SaveReport(context.Background(), sampleReport("r", "", 0)))
	_, err := store.ListReports(context.Background(), "")
	require.Error(t, err)
}

func sampleReport(id, experimentID string, offset int) model.InferenceReport {
	return model.InferenceReport{
		VersionedRecord: CurrentVersion(),
		ID:              id,
		ExperimentID:    experimentID,
		Procedure:       "slope",
		CreatedAt:       time.Date(2026, 1, 1, 0, 0, offset, 0, time.UTC),
		Seed:            int64(offset),
		Level:           0.9,
		Active:          []int{1, 4},
		Signs:           []float64{0, 1, 0, 0, -1},
		Targets: []model.TargetStat{
			{Feature: 1, Observed: 2, Alternative: "greater", PValue: ptr(0.01), Interval: &[2]float64{1, 3}},
			{Feature: 4, Observed: -2, Alternative: "less", PValue: ptr(0.02), Interval: &[2]float64{-3, -1}},
		},
	}
}

func ptr(v float64) *float64 { return &v }
