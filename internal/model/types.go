// Package model holds the archived record shapes shared by the storage
// backends and the CLI.
package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Reproduction operations recorded on lineage edges.
const (
	OperationSeed  = "seed"
	OperationClone = "clone"
	OperationMate  = "mate"
)

// LineageRecord is one ancestry edge: a dead individual, its parents, and
// the operation that produced it. Score is nil when the individual died
// without a valid score.
type LineageRecord struct {
	VersionedRecord
	Name       string   `json:"name"`
	Species    string   `json:"species,omitempty"`
	Parents    []string `json:"parents,omitempty"`
	Operation  string   `json:"operation"`
	Generation uint64   `json:"generation"`
	Ascension  uint64   `json:"ascension"`
	Score      *float64 `json:"score,omitempty"`
	BornAt     string   `json:"born_at,omitempty"`
}

// DiagnosticsRecord is one rollover's population health snapshot. Score
// aggregates cover the cohort's valid scores and are zero when the whole
// cohort died unscored.
type DiagnosticsRecord struct {
	VersionedRecord
	Generation    uint64  `json:"generation"`
	Deaths        int     `json:"deaths"`
	BestScore     float64 `json:"best_score"`
	MeanScore     float64 `json:"mean_score"`
	SpeciesCount  int     `json:"species_count"`
	StagnantCount int     `json:"stagnant_count"`
	Elites        int     `json:"elites"`
	Timestamp     string  `json:"timestamp"`
}
