// Package dataset loads regression tables from CSV or JSON and prepares
// their design columns for selection.
package dataset

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

type TableInfo struct {
	Name     string   `json:"name"`
	Features []string `json:"features"`
	Response string   `json:"response"`
}

type TableRow struct {
	Index    int       `json:"index"`
	Inputs   []float64 `json:"inputs"`
	Response float64   `json:"response"`
}

type TableFile struct {
	Info TableInfo  `json:"info"`
	Rows []TableRow `json:"rows"`
}

type BuildTableOptions struct {
	Name string
	// Response names the response column; empty selects the last column.
	Response string
	// Drop lists columns to ignore, such as row identifiers.
	Drop []string
}

// BuildTableFromCSV reads a CSV with a header row. Blank records are
// skipped; every other field must parse as a number.
func BuildTableFromCSV(in io.Reader, opts BuildTableOptions) (TableFile, error) {
	reader := csv.NewReader(in)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return TableFile{}, fmt.Errorf("table csv is empty")
	}
	if err != nil {
		return TableFile{}, fmt.Errorf("read table csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	response := len(header) - 1
	if opts.Response != "" {
		response = slices.Index(header, opts.Response)
		if response < 0 {
			return TableFile{}, fmt.Errorf("response column %q not found", opts.Response)
		}
	}
	keep := make([]int, 0, len(header))
	features := make([]string, 0, len(header))
	for i, key := range header {
		if i == response || slices.Contains(opts.Drop, key) {
			continue
		}
		keep = append(keep, i)
		features = append(features, key)
	}
	if len(keep) == 0 {
		return TableFile{}, fmt.Errorf("table has no feature columns")
	}

	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "table"
	}

	rows := make([]TableRow, 0, 256)
	rowIndex := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return TableFile{}, fmt.Errorf("read table csv row %d: %w", rowIndex, err)
		}
		if blankRecord(record) {
			continue
		}

		row := TableRow{Index: rowIndex, Inputs: make([]float64, len(keep))}
		for a, i := range keep {
			if row.Inputs[a], err = parseField(record[i]); err != nil {
				return TableFile{}, fmt.Errorf("parse table row %d column %s: %w", rowIndex, header[i], err)
			}
		}
		if row.Response, err = parseField(record[response]); err != nil {
			return TableFile{}, fmt.Errorf("parse table row %d column %s: %w", rowIndex, header[response], err)
		}
		rows = append(rows, row)
		rowIndex++
	}
	if len(rows) == 0 {
		return TableFile{}, fmt.Errorf("table has no rows")
	}

	return TableFile{
		Info: TableInfo{Name: name, Features: features, Response: header[response]},
		Rows: rows,
	}, nil
}

// Load reads a .json table file or builds one from any other file as CSV.
func Load(path string, opts BuildTableOptions) (TableFile, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ReadTableFile(path)
	}
	file, err := os.Open(path)
	if err != nil {
		return TableFile{}, err
	}
	defer file.Close()
	if opts.Name == "" {
		opts.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return BuildTableFromCSV(file, opts)
}

func WriteTableFile(path string, table TableFile) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("table file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func ReadTableFile(path string) (TableFile, error) {
	if strings.TrimSpace(path) == "" {
		return TableFile{}, fmt.Errorf("table file path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return TableFile{}, err
	}
	var table TableFile
	if err := json.Unmarshal(data, &table); err != nil {
		return TableFile{}, err
	}
	if _, err := table.width(); err != nil {
		return TableFile{}, err
	}
	return table, nil
}

// Design returns the rows of the design matrix and the response.
func (t TableFile) Design() ([][]float64, []float64, error) {
	if _, err := t.width(); err != nil {
		return nil, nil, err
	}
	x := make([][]float64, len(t.Rows))
	y := make([]float64, len(t.Rows))
	for i, row := range t.Rows {
		x[i] = append([]float64(nil), row.Inputs...)
		y[i] = row.Response
	}
	return x, y, nil
}

func (t TableFile) width() (int, error) {
	if len(t.Rows) == 0 {
		return 0, fmt.Errorf("table has no rows")
	}
	width := len(t.Rows[0].Inputs)
	if width == 0 {
		return 0, fmt.Errorf("table has no numeric input columns")
	}
	for _, row := range t.Rows[1:] {
		if len(row.Inputs) != width {
			return 0, fmt.Errorf(
				"inconsistent input width at row %d: got=%d want=%d",
				row.Index,
				len(row.Inputs),
				width,
			)
		}
	}
	return width, nil
}

func parseField(raw string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(raw), 64)
}

func blankRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
