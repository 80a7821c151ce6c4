package storage

import (
	"context"

	"selectinf/internal/model"
)

// Store defines persistence operations for inference reports and experiments.
type Store interface {
	Init(ctx context.Context) error
	SaveReport(ctx context.Context, report model.InferenceReport) error
	GetReport(ctx context.Context, id string) (model.InferenceReport, bool, error)
	// ListReports returns reports for experimentID ordered by creation time.
	// An empty experimentID lists every report.
	ListReports(ctx context.Context, experimentID string) ([]model.InferenceReport, error)
	SaveExperiment(ctx context.Context, experiment model.ExperimentRecord) error
	GetExperiment(ctx context.Context, id string) (model.ExperimentRecord, bool, error)
}
