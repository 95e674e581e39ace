package individual

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"epigonos/internal/genome"
)

// A record on disk is the JSON metadata object, one NUL byte, then the raw
// genome payload. The NUL delimiter is mandatory even for empty payloads.

// Save persists the record into dir under FileName. The write goes to a
// temporary file in the target directory, is synced, and is atomically
// renamed into place, so a partial write is never visible under the final
// name. On failure the temporary file may be left behind; the previously
// committed record, if any, is untouched.
//
// Save returns the final path and updates the individual's own path, so
// saving again with an empty dir overwrites in place. The in-memory genome
// is released afterwards and reloads lazily from the new path.
func (ind *Individual) Save(dir string) (string, error) {
	if dir == "" {
		if ind.path == "" {
			return "", errors.New("save: no target directory and no previous location")
		}
		dir = filepath.Dir(ind.path)
	}

	// Materialize both record sections before touching the filesystem.
	payload, err := ind.payloadBytes()
	if err != nil {
		return "", err
	}
	meta, err := json.Marshal(ind)
	if err != nil {
		return "", fmt.Errorf("encode individual %s: %w", ind.Name, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create population directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ind.FileName()+".tmp*")
	if err != nil {
		return "", fmt.Errorf("create temporary record: %w", err)
	}
	if err := writeRecord(tmp, meta, payload); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write record %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close record %s: %w", tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", fmt.Errorf("chmod record %s: %w", tmp.Name(), err)
	}

	final := filepath.Join(dir, ind.FileName())
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("commit record %s: %w", final, err)
	}

	ind.path = final
	ind.genome = nil
	ind.payload = nil
	return final, nil
}

func writeRecord(f *os.File, meta, payload []byte) error {
	w := bufio.NewWriter(f)
	if _, err := w.Write(meta); err != nil {
		return err
	}
	if err := w.WriteByte(0); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// Load reads the metadata section of a record. The genome payload stays on
// disk until forced through Genome or Payload. Missing delimiter or
// unparsable metadata yield ErrFormat.
func Load(path string) (*Individual, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open individual: %w", err)
	}
	defer f.Close()

	meta, err := bufio.NewReader(f).ReadBytes(0)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s: missing genome delimiter", ErrFormat, path)
		}
		return nil, fmt.Errorf("read individual %s: %w", path, err)
	}
	meta = meta[:len(meta)-1]

	ind := &Individual{}
	if err := json.Unmarshal(meta, ind); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFormat, path, err)
	}
	if ind.Name == "" {
		return nil, fmt.Errorf("%w: %s: missing name", ErrFormat, path)
	}
	ind.path = path
	return ind, nil
}

// Delete removes the backing file, if any.
func (ind *Individual) Delete() error {
	if ind.path == "" {
		return nil
	}
	if err := os.Remove(ind.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete individual %s: %w", ind.path, err)
	}
	ind.path = ""
	return nil
}

// Genome forces the genetic material into memory, deserializing the stored
// payload through codec on first use.
func (ind *Individual) Genome(codec genome.Codec) (genome.Genome, error) {
	if ind.genome != nil {
		return ind.genome, nil
	}
	if codec == nil {
		return nil, errors.New("genome codec is required")
	}
	payload, err := ind.payloadBytes()
	if err != nil {
		return nil, err
	}
	g, err := codec.Deserialize(payload)
	if err != nil {
		return nil, fmt.Errorf("deserialize genome of %s: %w", ind.Name, err)
	}
	ind.genome = g
	return g, nil
}

// Payload returns a copy of the serialized genome bytes.
func (ind *Individual) Payload() ([]byte, error) {
	data, err := ind.payloadBytes()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

func (ind *Individual) payloadBytes() ([]byte, error) {
	if ind.payload != nil {
		return ind.payload, nil
	}
	if ind.genome != nil {
		data, err := ind.genome.Serialize()
		if err != nil {
			return nil, fmt.Errorf("serialize genome of %s: %w", ind.Name, err)
		}
		return data, nil
	}
	return ind.loadPayload()
}

func (ind *Individual) loadPayload() ([]byte, error) {
	if ind.path == "" {
		return nil, fmt.Errorf("%w: %s has no backing file", ErrNoGenome, ind.Name)
	}
	f, err := os.Open(ind.path)
	if err != nil {
		return nil, fmt.Errorf("open individual: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	if _, err := r.ReadBytes(0); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s: missing genome delimiter", ErrFormat, ind.path)
		}
		return nil, fmt.Errorf("read individual %s: %w", ind.path, err)
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read genome payload %s: %w", ind.path, err)
	}
	ind.payload = payload
	return payload, nil
}
