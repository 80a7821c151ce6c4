package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// InferenceReport is the persisted outcome of one selective-inference run:
// the selected features and per-target estimates, p-values and intervals.
type InferenceReport struct {
	VersionedRecord
	ID           string       `json:"id"`
	ExperimentID string       `json:"experiment_id,omitempty"`
	Procedure    string       `json:"procedure"`
	CreatedAt    time.Time    `json:"created_at"`
	Seed         int64        `json:"seed"`
	Level        float64      `json:"level"`
	Active       []int        `json:"active"`
	Signs        []float64    `json:"signs,omitempty"`
	Targets      []TargetStat `json:"targets"`
}

// TargetStat is one coordinate of a selected target. Statistics that were
// not computed, or came out non-finite, are nil.
type TargetStat struct {
	Feature     int         `json:"feature"`
	Observed    float64     `json:"observed"`
	Truth       *float64    `json:"truth,omitempty"`
	Alternative string      `json:"alternative"`
	Pivot       *float64    `json:"pivot,omitempty"`
	PValue      *float64    `json:"pvalue,omitempty"`
	Interval    *[2]float64 `json:"interval,omitempty"`
	MLE         *float64    `json:"mle,omitempty"`
	MLEPValue   *float64    `json:"mle_pvalue,omitempty"`
}

// ExperimentRecord summarizes a batch of simulated replicates.
type ExperimentRecord struct {
	VersionedRecord
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Procedure   string          `json:"procedure"`
	Family      string          `json:"family"`
	CreatedAt   time.Time       `json:"created_at"`
	Replicates  int             `json:"replicates"`
	Failures    int             `json:"failures"`
	ReportIDs   []string        `json:"report_ids"`
	Uniformity  UniformityStats `json:"uniformity"`
	Coverage    float64         `json:"coverage"`
	MeanLength  float64         `json:"mean_length"`
	Config      map[string]any  `json:"config,omitempty"`
	ElapsedSecs float64         `json:"elapsed_secs"`
}

// UniformityStats records how close null pivots are to Uniform(0, 1).
type UniformityStats struct {
	Count     int     `json:"count"`
	Mean      float64 `json:"mean"`
	StdDev    float64 `json:"std_dev"`
	KS        float64 `json:"ks"`
	KSPValue  float64 `json:"ks_pvalue"`
	Rejection float64 `json:"rejection_rate"`
}
