package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"selectinf/internal/model"
)

const runIndexFile = "run_index.json"

// ExperimentArtifacts is everything written to disk for one experiment.
type ExperimentArtifacts struct {
	Config  map[string]any          `json:"config"`
	Record  model.ExperimentRecord  `json:"record"`
	Pivots  []PivotRow              `json:"-"`
	Reports []model.InferenceReport `json:"reports"`
}

// PivotRow is one null pivot drawn in a replicate.
type PivotRow struct {
	Replicate int     `json:"replicate"`
	Feature   int     `json:"feature"`
	Pivot     float64 `json:"pivot"`
}

type RunIndexEntry struct {
	ExperimentID string  `json:"experiment_id"`
	Name         string  `json:"name"`
	Procedure    string  `json:"procedure"`
	Replicates   int     `json:"replicates"`
	KSPValue     float64 `json:"ks_pvalue"`
	Coverage     float64 `json:"coverage"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

// WriteExperimentArtifacts writes config.json, summary.json, reports.json
// and pivots.csv under baseDir/<experiment id> and returns that directory.
func WriteExperimentArtifacts(baseDir string, artifacts ExperimentArtifacts) (string, error) {
	if artifacts.Record.ID == "" {
		return "", fmt.Errorf("experiment id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Record.ID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "config.json"), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "summary.json"), artifacts.Record); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "reports.json"), artifacts.Reports); err != nil {
		return "", err
	}
	if err := WritePivotSeries(runDir, artifacts.Pivots); err != nil {
		return "", err
	}
	return runDir, nil
}

// ReadExperimentSummary loads summary.json for id.
func ReadExperimentSummary(baseDir, id string) (model.ExperimentRecord, bool, error) {
	if id == "" {
		return model.ExperimentRecord{}, false, fmt.Errorf("experiment id is required")
	}
	data, err := os.ReadFile(filepath.Join(baseDir, id, "summary.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return model.ExperimentRecord{}, false, nil
		}
		return model.ExperimentRecord{}, false, err
	}
	var record model.ExperimentRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.ExperimentRecord{}, false, err
	}
	return record, true, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.ExperimentID == "" {
		return fmt.Errorf("experiment id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].ExperimentID == entry.ExperimentID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns index entries, newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportExperimentArtifacts copies an experiment directory into outDir.
func ExportExperimentArtifacts(baseDir, id, outDir string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("experiment id is required")
	}

	src := filepath.Join(baseDir, id)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, id)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{"config.json", "summary.json", "reports.json", "pivots.csv"} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func WritePivotSeries(runDir string, rows []PivotRow) error {
	path := filepath.Join(runDir, "pivots.csv")
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"replicate", "feature", "pivot"}); err != nil {
		return err
	}
	for _, row := range rows {
		if err := writer.Write([]string{
			strconv.Itoa(row.Replicate),
			strconv.Itoa(row.Feature),
			strconv.FormatFloat(row.Pivot, 'g', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadPivotSeries(baseDir, id string) ([]PivotRow, bool, error) {
	path := filepath.Join(baseDir, id, "pivots.csv")
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []PivotRow{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 3 {
		return nil, false, fmt.Errorf("pivot series header must have 3 columns")
	}

	rows := make([]PivotRow, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) < 3 {
			return nil, false, fmt.Errorf("pivot series row must have 3 columns")
		}
		replicate, err := strconv.Atoi(record[0])
		if err != nil {
			return nil, false, err
		}
		feature, err := strconv.Atoi(record[1])
		if err != nil {
			return nil, false, err
		}
		pivot, err := strconv.ParseFloat(record[2], 64)
		if err != nil {
			return nil, false, err
		}
		rows = append(rows, PivotRow{Replicate: replicate, Feature: feature, Pivot: pivot})
	}
	return rows, true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
