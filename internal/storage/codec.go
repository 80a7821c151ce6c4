package storage

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"selectinf/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// CurrentVersion is the version stamp new records are written with.
func CurrentVersion() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

// NewID returns a fresh record identifier.
func NewID() string {
	return uuid.NewString()
}

func EncodeReport(r model.InferenceReport) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeReport(data []byte) (model.InferenceReport, error) {
	var report model.InferenceReport
	if err := json.Unmarshal(data, &report); err != nil {
		return model.InferenceReport{}, err
	}
	if err := checkVersion(report.VersionedRecord); err != nil {
		return model.InferenceReport{}, err
	}
	return report, nil
}

func EncodeExperiment(e model.ExperimentRecord) ([]byte, error) {
	return json.Marshal(e)
}

func DecodeExperiment(data []byte) (model.ExperimentRecord, error) {
	var experiment model.ExperimentRecord
	if err := json.Unmarshal(data, &experiment); err != nil {
		return model.ExperimentRecord{}, err
	}
	if err := checkVersion(experiment.VersionedRecord); err != nil {
		return model.ExperimentRecord{}, err
	}
	return experiment, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
