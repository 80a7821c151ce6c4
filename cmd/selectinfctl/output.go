package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"selectinf/internal/dataset"
	"selectinf/internal/model"
)

func (c *cli) printJSON(value any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func (c *cli) printReport(r model.InferenceReport) error {
	if c.flags.jsonOutput {
		return c.printJSON(r)
	}
	fmt.Fprintf(c.out, "report_id=%s procedure=%s active=%v\n", r.ID, r.Procedure, r.Active)
	for _, t := range r.Targets {
		fmt.Fprintf(c.out, "feature=%d observed=%.4f alternative=%s pvalue=%s interval=%s mle=%s mle_pvalue=%s\n",
			t.Feature, t.Observed, t.Alternative,
			optional(t.PValue), interval(t.Interval), optional(t.MLE), optional(t.MLEPValue))
	}
	return nil
}

func optional(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 4, 64)
}

func interval(v *[2]float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("[%.4f,%.4f]", v[0], v[1])
}

// loadDesign reads the table named by --data and applies the requested
// column transforms.
func loadDesign(f inferenceFlags) ([][]float64, []float64, error) {
	table, err := dataset.Load(f.data, dataset.BuildTableOptions{Response: f.response, Drop: f.drop})
	if err != nil {
		return nil, nil, err
	}
	if f.standardize {
		if _, err := dataset.Standardize(&table); err != nil {
			return nil, nil, err
		}
	}
	if f.center {
		dataset.CenterResponse(&table)
	}
	return table.Design()
}

// readColumn reads one number per line, skipping blank lines.
func readColumn(path string) ([]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var out []float64
	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, v)
	}
	return out, scanner.Err()
}
