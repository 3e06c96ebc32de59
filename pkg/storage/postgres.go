package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/kaspero/pkg/config"
	kasperoerrors "github.com/ajitpratap0/kaspero/pkg/errors"
	"github.com/ajitpratap0/kaspero/pkg/models"
)

// PostgresStore implements Store on a dedicated pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects a new pool for one extractor (or the CLI).
func NewPostgresStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeConfig, "invalid postgres DSN")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout.Std()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeConnection, "failed to create connection pool")
	}

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Migrate creates the five tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS raw_records (
			id BIGSERIAL PRIMARY KEY,
			source_type TEXT NOT NULL,
			source_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			checksum TEXT NOT NULL,
			ingested_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT uq_raw_source UNIQUE (source_type, source_id)
		)`,
		`CREATE TABLE IF NOT EXISTS unified_records (
			id BIGSERIAL PRIMARY KEY,
			source_type TEXT NOT NULL,
			source_id TEXT NOT NULL,
			raw_id BIGINT NOT NULL,
			title TEXT,
			description TEXT,
			content TEXT,
			author TEXT,
			category TEXT,
			tags JSONB,
			url TEXT,
			published_at TIMESTAMPTZ,
			extra_data JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT uq_unified_source UNIQUE (source_type, source_id)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			source_type TEXT PRIMARY KEY,
			last_source_id TEXT,
			last_offset BIGINT NOT NULL DEFAULT 0,
			last_processed_at TIMESTAMPTZ,
			metadata JSONB,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			source_type TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			records_extracted BIGINT NOT NULL DEFAULT 0,
			records_transformed BIGINT NOT NULL DEFAULT 0,
			records_loaded BIGINT NOT NULL DEFAULT 0,
			records_skipped BIGINT NOT NULL DEFAULT 0,
			records_failed BIGINT NOT NULL DEFAULT 0,
			error_message TEXT,
			error_trace TEXT,
			checkpoint_data JSONB,
			metadata JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS schema_drifts (
			id BIGSERIAL PRIMARY KEY,
			source_type TEXT NOT NULL,
			field_name TEXT NOT NULL,
			drift_type TEXT NOT NULL,
			expected_type TEXT,
			actual_type TEXT,
			confidence_score DOUBLE PRECISION NOT NULL,
			sample_value TEXT,
			detected_at TIMESTAMPTZ NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			resolved_at TIMESTAMPTZ
		)`,
	}

	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "migration failed")
		}
	}

	s.logger.Debug("storage schema ensured", zap.Int("tables", len(ddl)))
	return nil
}

// UpsertRaw inserts or overwrites a raw record keyed on
// (source_type, source_id) and returns the row id.
func (s *PostgresStore) UpsertRaw(ctx context.Context, sourceType models.SourceType, rec *models.RawRecord) (int64, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return 0, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeValidation, "failed to serialize raw payload")
	}

	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO raw_records (source_type, source_id, payload, checksum, ingested_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT ON CONSTRAINT uq_raw_source
		 DO UPDATE SET payload = EXCLUDED.payload,
		               checksum = EXCLUDED.checksum,
		               ingested_at = EXCLUDED.ingested_at
		 RETURNING id`,
		sourceType, rec.SourceID, payload, rec.Checksum, rec.IngestedAt,
	).Scan(&id)
	if err != nil {
		return 0, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "raw upsert failed")
	}
	return id, nil
}

// UpsertUnified inserts or replaces a unified record on the
// uq_unified_source constraint and returns the row id. created_at is
// preserved on conflict; updated_at always advances.
func (s *PostgresStore) UpsertUnified(ctx context.Context, rec *models.UnifiedRecord) (int64, error) {
	tags, err := marshalOrNil(rec.Fields.Tags)
	if err != nil {
		return 0, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeValidation, "failed to serialize tags")
	}
	extra, err := marshalOrNil(rec.Fields.ExtraData)
	if err != nil {
		return 0, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeValidation, "failed to serialize extra data")
	}

	now := time.Now().UTC()
	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO unified_records
		   (source_type, source_id, raw_id, title, description, content, author,
		    category, tags, url, published_at, extra_data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		 ON CONFLICT ON CONSTRAINT uq_unified_source
		 DO UPDATE SET raw_id = EXCLUDED.raw_id,
		               title = EXCLUDED.title,
		               description = EXCLUDED.description,
		               content = EXCLUDED.content,
		               author = EXCLUDED.author,
		               category = EXCLUDED.category,
		               tags = EXCLUDED.tags,
		               url = EXCLUDED.url,
		               published_at = EXCLUDED.published_at,
		               extra_data = EXCLUDED.extra_data,
		               updated_at = EXCLUDED.updated_at
		 RETURNING id`,
		rec.SourceType, rec.SourceID, rec.RawID,
		nullIfEmpty(rec.Fields.Title), nullIfEmpty(rec.Fields.Description),
		nullIfEmpty(rec.Fields.Content), nullIfEmpty(rec.Fields.Author),
		nullIfEmpty(rec.Fields.Category), tags, nullIfEmpty(rec.Fields.URL),
		rec.Fields.PublishedAt, extra, now,
	).Scan(&id)
	if err != nil {
		return 0, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "unified upsert failed")
	}
	return id, nil
}

// CountUnified returns the total unified row count.
func (s *PostgresStore) CountUnified(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM unified_records`).Scan(&n); err != nil {
		return 0, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "unified count failed")
	}
	return n, nil
}

// CountUnifiedBySource groups the unified row count by source type.
func (s *PostgresStore) CountUnifiedBySource(ctx context.Context) (map[models.SourceType]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_type, COUNT(*) FROM unified_records GROUP BY source_type`)
	if err != nil {
		return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "unified count by source failed")
	}
	defer rows.Close()

	out := make(map[models.SourceType]int64)
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "unified count scan failed")
		}
		out[models.SourceType(st)] = n
	}
	return out, rows.Err()
}

// GetCheckpoint returns the checkpoint row for a source type, or nil
// if none exists yet.
func (s *PostgresStore) GetCheckpoint(ctx context.Context, sourceType models.SourceType) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{SourceType: sourceType}
	var lastSourceID *string
	var metadata []byte

	err := s.pool.QueryRow(ctx,
		`SELECT last_source_id, last_offset, last_processed_at, metadata, updated_at
		 FROM checkpoints WHERE source_type = $1`, sourceType,
	).Scan(&lastSourceID, &cp.LastOffset, &cp.LastProcessedAt, &metadata, &cp.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "checkpoint read failed")
	}

	if lastSourceID != nil {
		cp.LastSourceID = *lastSourceID
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &cp.Metadata); err != nil {
			return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeValidation, "checkpoint metadata decode failed")
		}
	}
	return cp, nil
}

// SaveCheckpoint upserts the full checkpoint row keyed on source_type.
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	metadata, err := marshalOrNil(cp.Metadata)
	if err != nil {
		return kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeValidation, "failed to serialize checkpoint metadata")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO checkpoints (source_type, last_source_id, last_offset, last_processed_at, metadata, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (source_type)
		 DO UPDATE SET last_source_id = EXCLUDED.last_source_id,
		               last_offset = EXCLUDED.last_offset,
		               last_processed_at = EXCLUDED.last_processed_at,
		               metadata = EXCLUDED.metadata,
		               updated_at = EXCLUDED.updated_at`,
		cp.SourceType, nullIfEmpty(cp.LastSourceID), cp.LastOffset,
		cp.LastProcessedAt, metadata, time.Now().UTC())
	if err != nil {
		return kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "checkpoint upsert failed")
	}
	return nil
}

// ListCheckpoints returns all checkpoint rows.
func (s *PostgresStore) ListCheckpoints(ctx context.Context) ([]*models.Checkpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_type, last_source_id, last_offset, last_processed_at, metadata, updated_at
		 FROM checkpoints ORDER BY source_type`)
	if err != nil {
		return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "checkpoint list failed")
	}
	defer rows.Close()

	var out []*models.Checkpoint
	for rows.Next() {
		cp := &models.Checkpoint{}
		var lastSourceID *string
		var metadata []byte
		if err := rows.Scan(&cp.SourceType, &lastSourceID, &cp.LastOffset,
			&cp.LastProcessedAt, &metadata, &cp.UpdatedAt); err != nil {
			return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "checkpoint scan failed")
		}
		if lastSourceID != nil {
			cp.LastSourceID = *lastSourceID
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &cp.Metadata); err != nil {
				return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeValidation, "checkpoint metadata decode failed")
			}
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// InsertRun inserts a new run row.
func (s *PostgresStore) InsertRun(ctx context.Context, run *models.Run) error {
	metadata, err := marshalOrNil(run.Metadata)
	if err != nil {
		return kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeValidation, "failed to serialize run metadata")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (run_id, source_type, status, started_at, metadata)
		 VALUES ($1, $2, $3, $4, $5)`,
		run.RunID, run.SourceType, run.Status, run.StartedAt, metadata)
	if err != nil {
		return kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "run insert failed")
	}
	return nil
}

// UpdateRun writes the completion fields of a run.
func (s *PostgresStore) UpdateRun(ctx context.Context, run *models.Run) error {
	checkpointData, err := marshalOrNil(run.Checkpoint)
	if err != nil {
		return kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeValidation, "failed to serialize run checkpoint data")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = $2, completed_at = $3, duration_seconds = $4,
		     records_extracted = $5, records_transformed = $6, records_loaded = $7,
		     records_skipped = $8, records_failed = $9,
		     error_message = $10, error_trace = $11, checkpoint_data = $12
		 WHERE run_id = $1`,
		run.RunID, run.Status, run.CompletedAt, run.Duration.Seconds(),
		run.Counters.Extracted, run.Counters.Transformed, run.Counters.Loaded,
		run.Counters.Skipped, run.Counters.Failed,
		nullIfEmpty(run.ErrorMessage), nullIfEmpty(run.ErrorTrace), checkpointData)
	if err != nil {
		return kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "run update failed")
	}
	if tag.RowsAffected() == 0 {
		return kasperoerrors.Newf(kasperoerrors.ErrorTypeQuery, "run %s not found", run.RunID)
	}
	return nil
}

const runColumns = `run_id, source_type, status, started_at, completed_at, duration_seconds,
	records_extracted, records_transformed, records_loaded, records_skipped, records_failed,
	error_message, error_trace, checkpoint_data, metadata`

// GetRun returns a run by ID, or nil if absent.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID)
	run, err := scanRun(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "run read failed")
	}
	return run, nil
}

// ListRuns returns runs newest-first with optional filters.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	args := []interface{}{}

	if filter.SourceType != "" {
		args = append(args, filter.SourceType)
		query += ` AND source_type = $` + itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += ` AND status = $` + itoa(len(args))
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "run list failed")
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "run scan failed")
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// InsertDrift inserts a schema-drift observation and returns its id.
func (s *PostgresStore) InsertDrift(ctx context.Context, rec *models.SchemaDriftRecord) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO schema_drifts
		   (source_type, field_name, drift_type, expected_type, actual_type,
		    confidence_score, sample_value, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		rec.SourceType, rec.FieldName, rec.DriftType,
		nullIfEmpty(rec.ExpectedType), nullIfEmpty(rec.ActualType),
		rec.ConfidenceScore, nullIfEmpty(rec.SampleValue), rec.DetectedAt,
	).Scan(&id)
	if err != nil {
		return 0, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "drift insert failed")
	}
	return id, nil
}

// ListUnresolvedDrifts returns unresolved drifts newest-first,
// optionally filtered by source type.
func (s *PostgresStore) ListUnresolvedDrifts(ctx context.Context, sourceType models.SourceType) ([]*models.SchemaDriftRecord, error) {
	query := `SELECT id, source_type, field_name, drift_type, expected_type, actual_type,
	                 confidence_score, sample_value, detected_at, resolved, resolved_at
	          FROM schema_drifts WHERE resolved = FALSE`
	args := []interface{}{}
	if sourceType != "" {
		args = append(args, sourceType)
		query += ` AND source_type = $1`
	}
	query += ` ORDER BY detected_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "drift list failed")
	}
	defer rows.Close()

	var out []*models.SchemaDriftRecord
	for rows.Next() {
		rec := &models.SchemaDriftRecord{}
		var expected, actual, sample *string
		if err := rows.Scan(&rec.ID, &rec.SourceType, &rec.FieldName, &rec.DriftType,
			&expected, &actual, &rec.ConfidenceScore, &sample,
			&rec.DetectedAt, &rec.Resolved, &rec.ResolvedAt); err != nil {
			return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "drift scan failed")
		}
		if expected != nil {
			rec.ExpectedType = *expected
		}
		if actual != nil {
			rec.ActualType = *actual
		}
		if sample != nil {
			rec.SampleValue = *sample
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ResolveDrift marks a drift resolved; false means no such row.
func (s *PostgresStore) ResolveDrift(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE schema_drifts SET resolved = TRUE, resolved_at = $2 WHERE id = $1 AND resolved = FALSE`,
		id, at)
	if err != nil {
		return false, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeQuery, "drift resolve failed")
	}
	return tag.RowsAffected() > 0, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// runScanner covers pgx.Row and pgx.Rows.
type runScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row runScanner) (*models.Run, error) {
	run := &models.Run{}
	var durationSeconds float64
	var errorMessage, errorTrace *string
	var checkpointData, metadata []byte

	err := row.Scan(&run.RunID, &run.SourceType, &run.Status, &run.StartedAt,
		&run.CompletedAt, &durationSeconds,
		&run.Counters.Extracted, &run.Counters.Transformed, &run.Counters.Loaded,
		&run.Counters.Skipped, &run.Counters.Failed,
		&errorMessage, &errorTrace, &checkpointData, &metadata)
	if err != nil {
		return nil, err
	}

	run.Duration = time.Duration(durationSeconds * float64(time.Second))
	if errorMessage != nil {
		run.ErrorMessage = *errorMessage
	}
	if errorTrace != nil {
		run.ErrorTrace = *errorTrace
	}
	if len(checkpointData) > 0 {
		if err := json.Unmarshal(checkpointData, &run.Checkpoint); err != nil {
			return nil, err
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &run.Metadata); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// marshalOrNil serializes v to JSON, mapping empty values to SQL NULL.
func marshalOrNil(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]interface{}:
		if len(t) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

// nullIfEmpty maps "" to SQL NULL.
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
