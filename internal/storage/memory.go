package storage

import (
	"context"
	"errors"
	"slices"
	"sync"

	"selectinf/internal/model"
)

var errNotInitialized = errors.New("store is not initialized")

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	reports     map[string]model.InferenceReport
	experiments map[string]model.ExperimentRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.reports = make(map[string]model.InferenceReport)
	s.experiments = make(map[string]model.ExperimentRecord)
	return nil
}

func (s *MemoryStore) SaveReport(_ context.Context, report model.InferenceReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.reports[report.ID] = cloneReport(report)
	return nil
}

func (s *MemoryStore) GetReport(_ context.Context, id string) (model.InferenceReport, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return model.InferenceReport{}, false, errNotInitialized
	}
	report, ok := s.reports[id]
	if !ok {
		return model.InferenceReport{}, false, nil
	}
	return cloneReport(report), true, nil
}

func (s *MemoryStore) ListReports(_ context.Context, experimentID string) ([]model.InferenceReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, errNotInitialized
	}
	out := make([]model.InferenceReport, 0, len(s.reports))
	for _, report := range s.reports {
		if experimentID != "" && report.ExperimentID != experimentID {
			continue
		}
		out = append(out, cloneReport(report))
	}
	sortReports(out)
	return out, nil
}

func (s *MemoryStore) SaveExperiment(_ context.Context, experiment model.ExperimentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	experiment.ReportIDs = append([]string(nil), experiment.ReportIDs...)
	s.experiments[experiment.ID] = experiment
	return nil
}

func (s *MemoryStore) GetExperiment(_ context.Context, id string) (model.ExperimentRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return model.ExperimentRecord{}, false, errNotInitialized
	}
	experiment, ok := s.experiments[id]
	if !ok {
		return model.ExperimentRecord{}, false, nil
	}
	experiment.ReportIDs = append([]string(nil), experiment.ReportIDs...)
	return experiment, true, nil
}

func cloneReport(r model.InferenceReport) model.InferenceReport {
	r.Active = append([]int(nil), r.Active...)
	r.Signs = append([]float64(nil), r.Signs...)
	r.Targets = append([]model.TargetStat(nil), r.Targets...)
	return r
}

func sortReports(reports []model.InferenceReport) {
	slices.SortStableFunc(reports, func(a, b model.InferenceReport) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
