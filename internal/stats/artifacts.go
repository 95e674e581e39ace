// Package stats writes the lightweight run artifacts that live beside the
// record files: a per-rollover trace in CSV form and an index of runs.
package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

const (
	statsDirName = "stats"
	traceFile    = "trace.csv"
	runIndexFile = "run_index.json"
)

var traceHeader = []string{"generation", "deaths", "min", "mean", "median", "max", "stddev", "species"}

// TraceRow is one generation rollover summarized over the cohort's valid
// scores.
type TraceRow struct {
	Generation uint64
	Deaths     int
	Min        float64
	Mean       float64
	Median     float64
	Max        float64
	StdDev     float64
	Species    int
}

// Dir returns the stats directory under the population root.
func Dir(root string) string {
	return filepath.Join(root, statsDirName)
}

// AppendTrace appends one row to trace.csv, creating the file with a
// header row first.
func AppendTrace(root string, row TraceRow) error {
	dir := Dir(root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(dir, traceFile)
	needHeader := false
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		needHeader = true
	case err != nil:
		return err
	default:
		needHeader = info.Size() == 0
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if needHeader {
		if err := writer.Write(traceHeader); err != nil {
			return err
		}
	}
	if err := writer.Write([]string{
		strconv.FormatUint(row.Generation, 10),
		strconv.Itoa(row.Deaths),
		formatScore(row.Min),
		formatScore(row.Mean),
		formatScore(row.Median),
		formatScore(row.Max),
		formatScore(row.StdDev),
		strconv.Itoa(row.Species),
	}); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

// ReadTrace loads trace.csv. The second return is false when no trace has
// been written yet.
func ReadTrace(root string) ([]TraceRow, bool, error) {
	path := filepath.Join(Dir(root), traceFile)
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
			return []TraceRow{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < len(traceHeader) {
		return nil, false, fmt.Errorf("trace header must have at least %d columns", len(traceHeader))
	}

	rows := make([]TraceRow, 0, 64)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		row, err := parseTraceRow(record)
		if err != nil {
			return nil, false, err
		}
		rows = append(rows, row)
	}
	return rows, true, nil
}

func parseTraceRow(record []string) (TraceRow, error) {
	if len(record) < len(traceHeader) {
		return TraceRow{}, fmt.Errorf("trace row must have at least %d columns", len(traceHeader))
	}

	generation, err := strconv.ParseUint(record[0], 10, 64)
	if err != nil {
		return TraceRow{}, err
	}
	deaths, err := strconv.Atoi(record[1])
	if err != nil {
		return TraceRow{}, err
	}
	scores := make([]float64, 5)
	for i := range scores {
		scores[i], err = strconv.ParseFloat(record[2+i], 64)
		if err != nil {
			return TraceRow{}, err
		}
	}
	species, err := strconv.Atoi(record[7])
	if err != nil {
		return TraceRow{}, err
	}

	return TraceRow{
		Generation: generation,
		Deaths:     deaths,
		Min:        scores[0],
		Mean:       scores[1],
		Median:     scores[2],
		Max:        scores[3],
		StdDev:     scores[4],
		Species:    species,
	}, nil
}

func formatScore(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// Summary describes a score sample. All fields are zero for an empty
// sample.
type Summary struct {
	Count  int
	Min    float64
	Mean   float64
	Median float64
	Max    float64
	StdDev float64
}

// Describe computes the score aggregates shared by trace rows and
// diagnostics records.
func Describe(scores []float64) Summary {
	if len(scores) == 0 {
		return Summary{}
	}

	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, score := range sorted {
		sum += score
	}
	mean := sum / float64(len(sorted))

	variance := 0.0
	for _, score := range sorted {
		delta := score - mean
		variance += delta * delta
	}
	variance /= float64(len(sorted))

	middle := len(sorted) / 2
	median := sorted[middle]
	if len(sorted)%2 == 0 {
		median = (sorted[middle-1] + sorted[middle]) / 2
	}

	return Summary{
		Count:  len(sorted),
		Min:    sorted[0],
		Mean:   mean,
		Median: median,
		Max:    sorted[len(sorted)-1],
		StdDev: math.Sqrt(variance),
	}
}

// RunIndexEntry records one run of a population in run_index.json.
type RunIndexEntry struct {
	RunID          string `json:"run_id"`
	Population     string `json:"population"`
	Environment    string `json:"environment"`
	PopulationSize int    `json:"population_size"`
	StartedAtUTC   string `json:"started_at_utc"`
}

// AppendRunIndex adds the entry to the run index, replacing a previous
// entry with the same run id.
func AppendRunIndex(root string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	dir := Dir(root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(root)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(dir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(dir, runIndexFile), index)
}

// ListRunIndex returns the run index newest first.
func ListRunIndex(root string) ([]RunIndexEntry, error) {
	path := filepath.Join(Dir(root), runIndexFile)
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
		if indexed[i].entry.StartedAtUTC == indexed[j].entry.StartedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.StartedAtUTC > indexed[j].entry.StartedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
