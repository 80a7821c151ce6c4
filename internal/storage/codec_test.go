package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"selectinf/internal/model"
)

func TestDecodeReportFixture(t *testing.T) {
	report := decodeReportFixture(t, "report_v1.json")
	if report.ID != "report-fixture-1" {
		t.Fatalf("unexpected report id: %s", report.ID)
	}
	if report.Procedure != "slope" || report.Seed != 42 {
		t.Fatalf("unexpected report header: %+v", report)
	}
	if diff := cmp.Diff([]int{0, 3}, report.Active); diff != "" {
		t.Fatalf("active mismatch (-want +got):\n%s", diff)
	}
	if len(report.Targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(report.Targets))
	}
	if report.Targets[0].MLE != nil {
		t.Fatalf("expected missing mle on first target, got %v", *report.Targets[0].MLE)
	}
	if report.Targets[1].MLE == nil || *report.Targets[1].MLE != -1.6 {
		t.Fatalf("unexpected mle on second target: %+v", report.Targets[1])
	}
	if iv := report.Targets[0].Interval; iv == nil || iv[0] != 1.2 || iv[1] != 3.8 {
		t.Fatalf("unexpected interval on first target: %+v", report.Targets[0])
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if !report.CreatedAt.Equal(want) {
		t.Fatalf("unexpected created_at: %v", report.CreatedAt)
	}
}

func TestDecodeExperimentFixture(t *testing.T) {
	data, err := os.ReadFile(fixturePath("experiment_v1.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	experiment, err := DecodeExperiment(data)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	if experiment.Replicates != 20 || experiment.Failures != 1 {
		t.Fatalf("unexpected experiment counts: %+v", experiment)
	}
	if experiment.Uniformity.Count != 38 || experiment.Uniformity.KSPValue != 0.68 {
		t.Fatalf("unexpected uniformity stats: %+v", experiment.Uniformity)
	}
}

func TestDecodeReportRejectsStaleVersion(t *testing.T) {
	data, err := os.ReadFile(fixturePath("report_v0.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	if _, err := DecodeReport(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}

func TestReportRoundTrip(t *testing.T) {
	mle, pvalue := 0.25, 0.2
	interval := [2]float64{-0.1, 2.9}
	input := model.InferenceReport{
		VersionedRecord: CurrentVersion(),
		ID:              NewID(),
		Procedure:       "screening",
		CreatedAt:       time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Level:           0.9,
		Active:          []int{2},
		Targets: []model.TargetStat{{
			Feature:     2,
			Observed:    1.5,
			Alternative: "twosided",
			PValue:      &pvalue,
			Interval:    &interval,
			MLE:         &mle,
		}},
	}
	data, err := EncodeReport(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	output, err := DecodeReport(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(input, output); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestNewIDIsUUID(t *testing.T) {
	id := NewID()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("expected uuid, got %q: %v", id, err)
	}
	if id == NewID() {
		t.Fatal("expected distinct ids")
	}
}

func fixturePath(name string) string {
	return filepath.Join("..", "..", "testdata", "fixtures", name)
}

func decodeReportFixture(t *testing.T, name string) model.InferenceReport {
	t.Helper()

	data, err := os.ReadFile(fixturePath(name))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	report, err := DecodeReport(data)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return report
}
