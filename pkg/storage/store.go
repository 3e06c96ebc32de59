// Package storage provides the persistence contracts for the five
// pipeline entities and two implementations: PostgresStore on pgx for
// production and MemoryStore for hermetic tests and dry runs.
//
// All writes are idempotent upserts keyed on natural identifiers:
// raw records on (source_type, source_id), unified records on the
// uq_unified_source constraint, checkpoints on source_type. Each
// extractor owns its own Store handle; stores are safe for concurrent
// use but the pipeline never shares one across running extractors.
package storage

import (
	"context"
	"time"

	"github.com/ajitpratap0/kaspero/pkg/models"
)

// RunFilter narrows ListRuns. Zero values mean "no filter".
type RunFilter struct {
	SourceType models.SourceType
	Status     models.RunStatus
	Limit      int
	Offset     int
}

// Store is the full persistence surface of the pipeline.
type Store interface {
	// Raw and unified records, dual-write targets of every extractor.
	UpsertRaw(ctx context.Context, sourceType models.SourceType, rec *models.RawRecord) (int64, error)
	UpsertUnified(ctx context.Context, rec *models.UnifiedRecord) (int64, error)
	CountUnified(ctx context.Context) (int64, error)
	CountUnifiedBySource(ctx context.Context) (map[models.SourceType]int64, error)

	// Checkpoints, one row per source type.
	GetCheckpoint(ctx context.Context, sourceType models.SourceType) (*models.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	ListCheckpoints(ctx context.Context) ([]*models.Checkpoint, error)

	// Run history, append-only after completion.
	InsertRun(ctx context.Context, run *models.Run) error
	UpdateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error)

	// Schema drift observations.
	InsertDrift(ctx context.Context, rec *models.SchemaDriftRecord) (int64, error)
	ListUnresolvedDrifts(ctx context.Context, sourceType models.SourceType) ([]*models.SchemaDriftRecord, error)
	ResolveDrift(ctx context.Context, id int64, at time.Time) (bool, error)

	Close()
}
