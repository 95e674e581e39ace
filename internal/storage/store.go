// Package storage persists the evolutionary archive: lineage edges written
// at each death and diagnostics snapshots written at each generation
// rollover. Record files under the population root remain the source of
// truth; the archive exists for queries that would otherwise rescan them.
package storage

import (
	"context"

	"epigonos/internal/model"
)

// Store defines the persistence operations for archived records. Saves
// upsert by natural key (individual name for lineage, generation for
// diagnostics) and lists return records in key order. Implementations must
// be safe for concurrent use once Init has returned.
type Store interface {
	Init(ctx context.Context) error
	SaveLineage(ctx context.Context, population string, record model.LineageRecord) error
	ListLineage(ctx context.Context, population string) ([]model.LineageRecord, error)
	SaveDiagnostics(ctx context.Context, population string, record model.DiagnosticsRecord) error
	ListDiagnostics(ctx context.Context, population string) ([]model.DiagnosticsRecord, error)
}
