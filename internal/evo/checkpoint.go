package evo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const checkpointName = "population.json"

// checkpoint is the driver's counter snapshot, written at every rollover
// and on Close. It accelerates counter recovery after a restart; the
// authoritative maximum ascension still comes from rescanning the record
// files, so a stale checkpoint can never violate monotonicity.
type checkpoint struct {
	Ascension  uint64 `json:"ascension"`
	Generation uint64 `json:"generation"`
	Cohort     uint64 `json:"cohort"`
}

func checkpointPath(dir string) string {
	return filepath.Join(dir, checkpointName)
}

// writeCheckpoint commits the snapshot with the same temp-then-rename
// pattern the record files use.
func writeCheckpoint(dir string, ck checkpoint) error {
	data, err := json.Marshal(ck)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	tmp, err := os.CreateTemp(dir, checkpointName+".tmp*")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Chmod(name, 0o644); err != nil {
		return fmt.Errorf("chmod checkpoint: %w", err)
	}
	if err := os.Rename(name, checkpointPath(dir)); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// ReadCounters reports the checkpointed counters of a population
// directory without opening a driver. ok is false when no checkpoint has
// been written yet. Observers get the counters as of the last rollover;
// the live driver may be ahead.
func ReadCounters(dir string) (ascension, generation uint64, ok bool, err error) {
	ck, found, err := readCheckpoint(dir)
	if err != nil || !found {
		return 0, 0, false, err
	}
	return ck.Ascension, ck.Generation, true, nil
}

// readCheckpoint loads the snapshot. The second return is false when no
// checkpoint exists.
func readCheckpoint(dir string) (checkpoint, bool, error) {
	data, err := os.ReadFile(checkpointPath(dir))
	if errors.Is(err, fs.ErrNotExist) {
		return checkpoint{}, false, nil
	}
	if err != nil {
		return checkpoint{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	var ck checkpoint
	if err := json.Unmarshal(data, &ck); err != nil {
		return checkpoint{}, false, fmt.Errorf("parse checkpoint: %w", err)
	}
	return ck, true, nil
}
