package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"epigonos/internal/model"
)

// MemoryStore keeps the archive in process memory. It backs tests and
// short-lived runs where durability across restarts does not matter.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	lineage     map[string]map[string]model.LineageRecord
	diagnostics map[string]map[uint64]model.DiagnosticsRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.lineage = make(map[string]map[string]model.LineageRecord)
	s.diagnostics = make(map[string]map[uint64]model.DiagnosticsRecord)
	return nil
}

func (s *MemoryStore) SaveLineage(_ context.Context, population string, record model.LineageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	edges, ok := s.lineage[population]
	if !ok {
		edges = make(map[string]model.LineageRecord)
		s.lineage[population] = edges
	}
	record.SchemaVersion = CurrentSchemaVersion
	record.CodecVersion = CurrentCodecVersion
	edges[record.Name] = copyLineageRecord(record)
	return nil
}

func (s *MemoryStore) ListLineage(_ context.Context, population string) ([]model.LineageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, errors.New("store is not initialized")
	}
	edges := s.lineage[population]
	records := make([]model.LineageRecord, 0, len(edges))
	for _, record := range edges {
		records = append(records, copyLineageRecord(record))
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Ascension != records[j].Ascension {
			return records[i].Ascension < records[j].Ascension
		}
		return records[i].Name < records[j].Name
	})
	return records, nil
}

func (s *MemoryStore) SaveDiagnostics(_ context.Context, population string, record model.DiagnosticsRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	snapshots, ok := s.diagnostics[population]
	if !ok {
		snapshots = make(map[uint64]model.DiagnosticsRecord)
		s.diagnostics[population] = snapshots
	}
	record.SchemaVersion = CurrentSchemaVersion
	record.CodecVersion = CurrentCodecVersion
	snapshots[record.Generation] = record
	return nil
}

func (s *MemoryStore) ListDiagnostics(_ context.Context, population string) ([]model.DiagnosticsRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, errors.New("store is not initialized")
	}
	snapshots := s.diagnostics[population]
	records := make([]model.DiagnosticsRecord, 0, len(snapshots))
	for _, record := range snapshots {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Generation < records[j].Generation
	})
	return records, nil
}

func copyLineageRecord(record model.LineageRecord) model.LineageRecord {
	record.Parents = append([]string(nil), record.Parents...)
	if record.Score != nil {
		score := *record.Score
		record.Score = &score
	}
	return record
}
