// Package models defines the persisted entities of the Kaspero
// ingestion pipeline: raw records, unified records, checkpoints, run
// history, and schema-drift observations.
package models

import (
	"time"
)

// SourceType identifies one of the three ingestion channels.
type SourceType string

const (
	// SourceTypeAPI is the paginated REST API source.
	SourceTypeAPI SourceType = "api"
	// SourceTypeFile is the flat-file (CSV) source.
	SourceTypeFile SourceType = "file"
	// SourceTypeFeed is the RSS/Atom syndication feed source.
	SourceTypeFeed SourceType = "feed"
)

// RunStatus represents the lifecycle state of an ingestion run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	// RunStatusPartial marks a run that completed but dropped records.
	RunStatusPartial RunStatus = "partial"
)

// DriftType categorizes a schema-drift observation.
type DriftType string

const (
	DriftTypeNewField     DriftType = "new_field"
	DriftTypeMissingField DriftType = "missing_field"
	DriftTypeTypeChange   DriftType = "type_change"
	DriftTypeRenamedField DriftType = "renamed_field"
)

// RawRecord is the as-received payload from a source. Owned by the
// extractor that created it; the pipeline only appends or overwrites,
// never deletes.
type RawRecord struct {
	ID         int64                  `json:"id"`
	SourceID   string                 `json:"source_id"`
	Payload    map[string]interface{} `json:"payload"`
	Checksum   string                 `json:"checksum"`
	IngestedAt time.Time              `json:"ingested_at"`
}

// UnifiedFields is the normalized field bundle every source transform
// produces. Every field tolerates absence; zero values mean "not
// present in the source".
type UnifiedFields struct {
	Title       string                 `json:"title,omitempty"`
	Description string                 `json:"description,omitempty"`
	Content     string                 `json:"content,omitempty"`
	Author      string                 `json:"author,omitempty"`
	Category    string                 `json:"category,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	URL         string                 `json:"url,omitempty"`
	PublishedAt *time.Time             `json:"published_at,omitempty"`
	ExtraData   map[string]interface{} `json:"extra_data,omitempty"`
}

// UnifiedRecord is the source-agnostic representation. Unique on
// (source_type, source_id); upserts replace on conflict, never
// duplicate.
type UnifiedRecord struct {
	ID         int64      `json:"id"`
	SourceType SourceType `json:"source_type"`
	SourceID   string     `json:"source_id"`
	// RawID is a weak back-reference to the raw record, used for
	// lookup only.
	RawID     int64     `json:"raw_id"`
	Fields    UnifiedFields
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Checkpoint is the per-source cursor enabling incremental re-runs.
// One row per source type, created lazily on the first successful run.
type Checkpoint struct {
	SourceType SourceType `json:"source_type"`
	// LastSourceID is compared lexicographically against incoming
	// source IDs.
	LastSourceID string `json:"last_source_id,omitempty"`
	// LastOffset is the source-local position (row number for files).
	LastOffset      int64                  `json:"last_offset"`
	LastProcessedAt *time.Time             `json:"last_processed_at,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// RunCounters holds the five per-run statistics.
type RunCounters struct {
	Extracted   int64 `json:"records_extracted"`
	Transformed int64 `json:"records_transformed"`
	Loaded      int64 `json:"records_loaded"`
	Skipped     int64 `json:"records_skipped"`
	Failed      int64 `json:"records_failed"`
}

// Run is one ingestion run. Created at start, mutated exactly once at
// completion, immutable afterward.
type Run struct {
	RunID        string                 `json:"run_id"`
	SourceType   SourceType             `json:"source_type"`
	Status       RunStatus              `json:"status"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Duration     time.Duration          `json:"duration"`
	Counters     RunCounters            `json:"counters"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	ErrorTrace   string                 `json:"error_trace,omitempty"`
	Checkpoint   map[string]interface{} `json:"checkpoint_data,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// SchemaDriftRecord is one detected mismatch between an incoming
// record's shape and the expected schema. Resolution is an operator
// action, never automatic.
type SchemaDriftRecord struct {
	ID           int64      `json:"id"`
	SourceType   SourceType `json:"source_type"`
	FieldName    string     `json:"field_name"`
	DriftType    DriftType  `json:"drift_type"`
	ExpectedType string     `json:"expected_type,omitempty"`
	ActualType   string     `json:"actual_type,omitempty"`
	// ConfidenceScore is in [0.0, 1.0].
	ConfidenceScore float64    `json:"confidence_score"`
	SampleValue     string     `json:"sample_value,omitempty"`
	DetectedAt      time.Time  `json:"detected_at"`
	Resolved        bool       `json:"resolved"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}
