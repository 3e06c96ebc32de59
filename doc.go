// Package kaspero is a multi-source data ingestion pipeline. It
// extracts records from heterogeneous sources (a paginated REST API,
// flat CSV files, a syndication feed), normalizes them into a unified
// shape, and persists them idempotently with full run tracking.
//
// # Architecture
//
// Every source implements the same contract (ingest.Source) and is
// driven by a shared runner that owns the extraction lifecycle:
//
// 1. Incremental extraction: per-source checkpoints record the last
// processed position (cursor ID or row offset) so re-runs only touch
// new records.
//
// 2. Dual-write persistence: each record lands twice, as the raw
// payload exactly as received and as a normalized unified record.
// Both writes are idempotent upserts keyed on (source_type, source_id).
//
// 3. Run tracking: every extraction opens a run row, counts
// extracted/transformed/loaded/skipped/failed, and closes with a
// terminal status. Runs are comparable after the fact for anomaly
// spotting.
//
// 4. Schema-drift detection: incoming record shapes are diffed against
// expected schemas with fuzzy field matching, so renamed, added,
// removed, and retyped fields surface as advisory observations without
// blocking ingestion.
//
// # Quick Start
//
// Run all configured sources once:
//
//	kaspero run --config kaspero.yaml
//
// Or wire the pipeline directly:
//
//	store := storage.NewMemoryStore()
//	checkpoints := checkpoint.NewManager(store, log)
//	tracker := runs.NewTracker(store, log)
//	runner := ingest.NewRunner(store, checkpoints, tracker, nil, nil, log)
//
//	src := file.New("data.csv", checkpoints, log)
//	result, err := runner.Run(ctx, src)
//
// # Key Packages
//
//	pkg/ingest      - Source contract, run lifecycle, orchestration
//	pkg/storage     - Postgres and in-memory stores with upsert semantics
//	pkg/checkpoint  - Per-source incremental cursors
//	pkg/runs        - Run history, statistics, and comparison
//	pkg/drift       - Fuzzy schema-drift detection
//	pkg/ratelimit   - Sliding-window limiter with exponential backoff
package kaspero
